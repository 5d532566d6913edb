package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"scentchat/internal/models"
)

const visionPrompt = "Look at this photo the way a personal stylist and fragrance consultant would. " +
	"In a short paragraph describe the person's clothing style, the colors and textures they favor, " +
	"the overall aesthetic, the personality it suggests, and two or three fragrance families that would suit them. " +
	"Speak directly to the person and keep it warm."

const visionReplyFormat = "I've analyzed your image, and I'm excited to share what I see! %s " +
	"Let's use these insights to create a fragrance that truly reflects your unique style and personality. " +
	"Would you like to tell me more about yourself?"

// VisionAnalyzer turns an uploaded image into analysis text and a chat reply.
type VisionAnalyzer struct {
	model     model.BaseChatModel
	maxTokens int
}

func NewVisionAnalyzer(chatModel model.BaseChatModel, maxTokens int) *VisionAnalyzer {
	return &VisionAnalyzer{model: chatModel, maxTokens: maxTokens}
}

func (v *VisionAnalyzer) Analyze(ctx context.Context, image []byte, mimeType string) (models.ImageAnalysis, error) {
	if len(image) == 0 {
		return models.ImageAnalysis{}, errors.New("image is empty")
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(image)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return models.ImageAnalysis{}, fmt.Errorf("unsupported content type %q", mimeType)
	}
	dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image)

	input := []*schema.Message{{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeText, Text: visionPrompt},
			{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{
				URL:    dataURL,
				Detail: schema.ImageURLDetailHigh,
			}},
		},
	}}
	var opts []model.Option
	if v.maxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(v.maxTokens))
	}
	resp, err := v.model.Generate(ctx, input, opts...)
	if err != nil {
		return models.ImageAnalysis{}, fmt.Errorf("analyze image: %w: %w", ErrUpstreamUnavailable, err)
	}
	text := ""
	if resp != nil {
		text = strings.TrimSpace(resp.Content)
	}
	if text == "" {
		return models.ImageAnalysis{}, fmt.Errorf("analyze image: %w: empty response", ErrUpstreamUnavailable)
	}
	return models.ImageAnalysis{
		AnalysisText: text,
		ReplyText:    fmt.Sprintf(visionReplyFormat, text),
	}, nil
}
