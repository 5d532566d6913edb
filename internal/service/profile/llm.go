package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"scentchat/internal/models"
	"scentchat/internal/service/ai"
)

const extractionSystemPrompt = "You are a profile extraction assistant. Extract user preferences and traits from messages."

const extractionPrompt = `Extract user preferences and traits from the following message.
Return only a JSON object, no prose and no code fences.

Message: %s

Extract:
1. Scent preferences: favorite scents, disliked scents, preferred fragrance families, intensity preference (light, medium or intense).
2. Style preferences: the primary clothing style and every style mentioned.
3. Personality traits: the traits detected, the most prominent one, and a confidence between 0 and 1 for each.

Use exactly this shape. Leave anything not mentioned empty or null:
{
  "scent_preferences": {
    "favorite_scents": [],
    "disliked_scents": [],
    "preferred_fragrance_families": [],
    "intensity_preference": null
  },
  "style_preferences": {
    "clothing_style": null,
    "all_styles": []
  },
  "personality_traits": {
    "traits": [],
    "primary_trait": null,
    "confidence_score": {}
  }
}`

var errNoJSON = errors.New("no json object in model response")

// LLMStrategy asks a chat model for a structured profile.
type LLMStrategy struct {
	model model.BaseChatModel
}

func NewLLMStrategy(chatModel model.BaseChatModel) *LLMStrategy {
	return &LLMStrategy{model: chatModel}
}

func (s *LLMStrategy) Available() bool {
	return s != nil && s.model != nil
}

func (s *LLMStrategy) Extract(ctx context.Context, text string) (models.ProfileFragment, error) {
	if !s.Available() {
		return models.ProfileFragment{}, fmt.Errorf("llm extraction: %w", ai.ErrUpstreamUnavailable)
	}
	resp, err := s.model.Generate(ctx, []*schema.Message{
		schema.SystemMessage(extractionSystemPrompt),
		schema.UserMessage(fmt.Sprintf(extractionPrompt, text)),
	}, model.WithTemperature(0))
	if err != nil {
		return models.ProfileFragment{}, fmt.Errorf("llm extraction: %w: %w", ai.ErrUpstreamUnavailable, err)
	}
	if resp == nil {
		return models.ProfileFragment{}, errNoJSON
	}
	return parseFragment(resp.Content)
}

type llmPayload struct {
	Scent *struct {
		Favorites stringList `json:"favorite_scents"`
		Disliked  stringList `json:"disliked_scents"`
		Families  stringList `json:"preferred_fragrance_families"`
		Intensity nullString `json:"intensity_preference"`
	} `json:"scent_preferences"`
	Style *struct {
		Primary nullString `json:"clothing_style"`
		All     stringList `json:"all_styles"`
	} `json:"style_preferences"`
	Personality *struct {
		Traits     stringList       `json:"traits"`
		Primary    nullString       `json:"primary_trait"`
		Confidence confidenceScores `json:"confidence_score"`
	} `json:"personality_traits"`
}

// parseFragment reads the first JSON object out of a model reply. Missing
// sections stay empty.
func parseFragment(raw string) (models.ProfileFragment, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		if idx := strings.Index(text, "\n"); idx != -1 {
			text = text[idx+1:]
		}
		if idx := strings.LastIndex(text, "```"); idx != -1 {
			text = text[:idx]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return models.ProfileFragment{}, errNoJSON
	}

	var payload llmPayload
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return models.ProfileFragment{}, fmt.Errorf("decode extraction json: %w", err)
	}

	var frag models.ProfileFragment
	if p := payload.Scent; p != nil {
		frag.Scent.Favorites = p.Favorites
		frag.Scent.Disliked = p.Disliked
		frag.Scent.Families = p.Families
		frag.Scent.Intensity = models.ParseIntensity(string(p.Intensity))
	}
	if p := payload.Style; p != nil {
		frag.Style.PrimaryStyle = string(p.Primary)
		frag.Style.AllStyles = p.All
	}
	if p := payload.Personality; p != nil {
		frag.Personality.Traits = p.Traits
		frag.Personality.PrimaryTrait = string(p.Primary)
		frag.Personality.Confidence = p.Confidence.byTrait
		if p.Confidence.single != nil && p.Primary != "" {
			frag.Personality.Confidence = map[string]float64{string(p.Primary): *p.Confidence.single}
		}
	}
	return frag.Normalized(), nil
}

// stringList accepts a JSON array of strings, a single string or null.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = splitList(s)
		return nil
	}
	var items []any
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	*l = out
	return nil
}

// nullString treats null, numbers and lists as empty.
type nullString string

func (s *nullString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	str, _ := v.(string)
	*s = nullString(strings.TrimSpace(str))
	return nil
}

// confidenceScores accepts a trait→score object or one bare score for the primary trait.
type confidenceScores struct {
	byTrait map[string]float64
	single  *float64
}

func (c *confidenceScores) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		c.single = &val
	case map[string]any:
		c.byTrait = make(map[string]float64, len(val))
		for trait, score := range val {
			if f, ok := score.(float64); ok {
				c.byTrait[trait] = f
			}
		}
	}
	return nil
}

func splitList(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
