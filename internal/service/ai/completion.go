package ai

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"scentchat/internal/models"
)

// FragmentStream yields text fragments until io.EOF. Close may be called
// from another goroutine while Recv is pending and must make it return.
type FragmentStream interface {
	Recv() (string, error)
	Close()
}

// CompletionClient issues one streaming completion call per reply.
type CompletionClient struct {
	model       model.BaseChatModel
	temperature float32
	maxTokens   int
}

func NewCompletionClient(chatModel model.BaseChatModel, temperature float32, maxTokens int) *CompletionClient {
	return &CompletionClient{model: chatModel, temperature: temperature, maxTokens: maxTokens}
}

// StreamCompletion opens the stream. Failing to open returns an error
// wrapping ErrUpstreamUnavailable and no stream.
func (c *CompletionClient) StreamCompletion(ctx context.Context, systemPrompt string, history []models.Message) (FragmentStream, error) {
	opts := []model.Option{model.WithTemperature(c.temperature)}
	if c.maxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(c.maxTokens))
	}
	reader, err := c.model.Stream(ctx, convertMessages(systemPrompt, history), opts...)
	if err != nil {
		return nil, fmt.Errorf("open completion stream: %w: %w", ErrUpstreamUnavailable, err)
	}
	return &messageStream{reader: reader}, nil
}

type messageStream struct {
	reader *schema.StreamReader[*schema.Message]
}

func (s *messageStream) Recv() (string, error) {
	for {
		chunk, err := s.reader.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", io.EOF
			}
			return "", fmt.Errorf("read completion stream: %w: %w", ErrUpstreamUnavailable, err)
		}
		// providers send role-only and usage-only chunks
		if chunk == nil || chunk.Content == "" {
			continue
		}
		return chunk.Content, nil
	}
}

func (s *messageStream) Close() {
	s.reader.Close()
}
