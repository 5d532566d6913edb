package ai

import (
	"context"
	"errors"
	"fmt"

	"scentchat/internal/config"
	"scentchat/internal/models"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"google.golang.org/genai"
)

// ErrUpstreamUnavailable marks failures talking to a model provider.
var ErrUpstreamUnavailable = errors.New("model provider unavailable")

const defaultClaudeMaxTokens = 3000

// NewChatModel builds the eino chat model for a configured provider.
// modelName overrides the provider's default model when set.
func NewChatModel(ctx context.Context, provider, modelName string, cfg *config.Config) (model.BaseChatModel, error) {
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if modelName == "" {
		modelName = provCfg.Model
	}
	if modelName == "" {
		return nil, fmt.Errorf("provider %s: model is required", provider)
	}

	var (
		chatModel model.BaseChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   modelName,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  modelName,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURL := provCfg.BaseURL
			baseURLPtr = &baseURL
		}
		maxTokens := cfg.Chat.MaxTokens
		if maxTokens <= 0 {
			maxTokens = defaultClaudeMaxTokens
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     modelName,
			BaseURL:   baseURLPtr,
			MaxTokens: maxTokens,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}
	return chatModel, nil
}

// convertMessages maps stored turns onto eino messages, system prompt first.
// Analyzer output on a message is folded into the text the model sees.
func convertMessages(systemPrompt string, history []models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(history)+1)
	if systemPrompt != "" {
		out = append(out, schema.SystemMessage(systemPrompt))
	}
	for _, msg := range history {
		var role schema.RoleType
		switch msg.Role {
		case models.RoleUser:
			role = schema.User
		case models.RoleAssistant:
			role = schema.Assistant
		case models.RoleSystem:
			role = schema.System
		default:
			role = schema.User
		}
		content := msg.Content
		if msg.Analysis != nil && msg.Analysis.AnalysisText != "" && msg.Role != models.RoleSystem {
			content = fmt.Sprintf("%s\n[image analysis] %s", content, msg.Analysis.AnalysisText)
		}
		out = append(out, &schema.Message{
			Role:    role,
			Content: content,
		})
	}
	return out
}
