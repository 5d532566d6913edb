package assistant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"scentchat/internal/models"
	"scentchat/internal/service/ai"
	"scentchat/internal/service/history"
	"scentchat/internal/storage"
)

const (
	imageApology   = "I apologize, but I had trouble analyzing your image. Let's continue our conversation about your fragrance preferences."
	defaultCaption = "Shared an image"
)

// Chat stores the user's message, then streams the reply through emit and
// stores it once fully delivered. Upstream failures are answered with the
// apology; a disconnected client gets ErrClientGone and nothing is committed.
func (s *Service) Chat(ctx context.Context, sessionID, text string, emit Emitter) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	session, err := s.appendMessages(ctx, sessionID, models.NewMessage(models.RoleUser, text, s.now()))
	if err != nil {
		return err
	}
	s.scheduleAnalysis(session)

	prompt := s.systemPrompt(ctx, session.OwnerID)
	view := history.Truncate(session.Messages, s.cfg.HistoryTokenBudget, s.estimator)

	var (
		upCtx  context.Context
		cancel context.CancelFunc
	)
	if timeout := s.cfg.StreamTimeout(); timeout > 0 {
		upCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		upCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var upstream ai.FragmentStream
	if s.completion != nil {
		upstream, err = s.completion.StreamCompletion(upCtx, prompt, view)
		if err != nil {
			log.Printf("session %s: open completion: %v", sessionID, err)
			upstream = nil
		}
	}

	result, err := s.streamer.Run(ctx, upstream, emit)
	if err != nil {
		log.Printf("session %s: reply abandoned: %v", sessionID, err)
		return err
	}
	// the reply reached the client, keep it even if the request ends now
	if _, err := s.commitAssistant(context.WithoutCancel(ctx), sessionID, result.Text); err != nil {
		return fmt.Errorf("commit reply: %w", err)
	}
	return nil
}

// ChatImage stores the user's image turn and answers it with the analyzer's
// reply. The analysis rides on the user message and is repeated as a system
// message so later completions can see it.
func (s *Service) ChatImage(ctx context.Context, sessionID, caption string, image []byte, mimeType string) (*models.Message, error) {
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}
	if s.vision == nil {
		return nil, ErrVisionMissing
	}
	caption = strings.TrimSpace(caption)
	if caption == "" {
		caption = defaultCaption
	}

	idx := -1
	_, err := s.mutate(ctx, sessionID, func(session *models.Session) error {
		session.Append(models.NewMessage(models.RoleUser, caption, s.now()))
		idx = len(session.Messages) - 1
		return nil
	})
	if err != nil {
		return nil, err
	}

	analysis, err := s.vision.Analyze(ctx, image, mimeType)
	if err != nil {
		log.Printf("session %s: analyze image: %v", sessionID, err)
		reply := models.NewMessage(models.RoleAssistant, imageApology, s.now())
		if _, err := s.appendMessages(context.WithoutCancel(ctx), sessionID, reply); err != nil {
			return nil, err
		}
		return &reply, nil
	}

	reply := models.NewMessage(models.RoleAssistant, analysis.ReplyText, s.now())
	session, err := s.mutate(context.WithoutCancel(ctx), sessionID, func(session *models.Session) error {
		if idx < len(session.Messages) {
			attached := analysis
			session.Messages[idx].Analysis = &attached
		}
		session.Append(models.NewMessage(models.RoleSystem, analysis.AnalysisText, s.now()))
		session.Append(reply)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.scheduleAnalysis(session)

	reply.Analysis = &analysis
	return &reply, nil
}

// systemPrompt appends what is known about the owner to the base prompt.
func (s *Service) systemPrompt(ctx context.Context, ownerID string) string {
	prompt := s.cfg.SystemPrompt
	if ownerID == "" || s.profiles == nil {
		return prompt
	}
	profile, err := s.profiles.Get(ctx, ownerID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Printf("load profile for %s: %v", ownerID, err)
		}
		return prompt
	}
	if summary := describeProfile(profile); summary != "" {
		prompt += "\n\nWhat you already know about this user:\n" + summary
	}
	return prompt
}

func describeProfile(p *models.Profile) string {
	var lines []string
	add := func(label string, values []string) {
		if len(values) > 0 {
			lines = append(lines, fmt.Sprintf("- %s: %s", label, strings.Join(values, ", ")))
		}
	}
	add("Loves", p.Scent.Favorites)
	add("Dislikes", p.Scent.Disliked)
	add("Fragrance families", p.Scent.Families)
	if p.Scent.Intensity != "" {
		lines = append(lines, fmt.Sprintf("- Preferred intensity: %s", p.Scent.Intensity))
	}
	if p.Style.PrimaryStyle != "" {
		lines = append(lines, fmt.Sprintf("- Main style: %s", p.Style.PrimaryStyle))
	}
	add("Styles mentioned", p.Style.AllStyles)
	add("Personality", p.Personality.Traits)
	return strings.Join(lines, "\n")
}
