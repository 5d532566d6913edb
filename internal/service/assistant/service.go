package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"scentchat/internal/config"
	"scentchat/internal/models"
	"scentchat/internal/service/ai"
	"scentchat/internal/service/history"
	"scentchat/internal/storage"
)

const defaultHistoryBudget = 3000

var (
	ErrEmptyImage    = errors.New("image data is required")
	ErrEmptyMessage  = errors.New("message is required")
	ErrVisionMissing = errors.New("image analysis is not configured")
)

// Completer opens a streamed reply for a prompt and history.
type Completer interface {
	StreamCompletion(ctx context.Context, systemPrompt string, history []models.Message) (ai.FragmentStream, error)
}

// ImageAnalyzer describes an uploaded image.
type ImageAnalyzer interface {
	Analyze(ctx context.Context, image []byte, mimeType string) (models.ImageAnalysis, error)
}

// AnalysisScheduler queues profile extraction without blocking the caller.
type AnalysisScheduler interface {
	Schedule(ownerID string, messages []models.Message) bool
}

// ProfileReader loads an owner's merged profile.
type ProfileReader interface {
	Get(ctx context.Context, ownerID string) (*models.Profile, error)
}

// Deps are the collaborators a Service talks to. Vision and Scheduler may be nil.
type Deps struct {
	Sessions   storage.SessionStore
	Profiles   ProfileReader
	Completion Completer
	Vision     ImageAnalyzer
	Scheduler  AnalysisScheduler
	Estimator  history.Estimator
}

// Service owns the session lifecycle and the chat pipeline.
type Service struct {
	sessions   storage.SessionStore
	profiles   ProfileReader
	completion Completer
	vision     ImageAnalyzer
	scheduler  AnalysisScheduler
	estimator  history.Estimator
	streamer   *Streamer

	cfg   config.ChatConfig
	locks storage.KeyedMutex
	now   func() time.Time
	newID func() string
}

func NewService(cfg config.ChatConfig, deps Deps) *Service {
	if cfg.Apology == "" {
		cfg.Apology = config.DefaultApology
	}
	if cfg.Greeting == "" {
		cfg.Greeting = config.DefaultGreeting
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = config.DefaultSystemPrompt
	}
	estimator := deps.Estimator
	if estimator == nil {
		estimator = history.CharEstimator{}
	}
	if cfg.HistoryTokenBudget <= 0 {
		cfg.HistoryTokenBudget = defaultHistoryBudget
	}
	return &Service{
		sessions:   deps.Sessions,
		profiles:   deps.Profiles,
		completion: deps.Completion,
		vision:     deps.Vision,
		scheduler:  deps.Scheduler,
		estimator:  estimator,
		streamer:   NewStreamer(PacingFromConfig(cfg.Pacing), cfg.Apology),
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// Greeting is the opening line shown for a new conversation. It is not stored.
func (s *Service) Greeting() string {
	return s.cfg.Greeting
}

// StartOrResume returns the owner's most recent session, or a fresh one when
// forceNew is set, the owner is anonymous, or nothing exists yet. Concurrent
// first contacts may each create a session; later resumes converge on the
// most recently updated one.
func (s *Service) StartOrResume(ctx context.Context, ownerID string, forceNew bool) (*models.Session, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID != "" && !forceNew {
		session, err := s.sessions.GetByOwner(ctx, ownerID)
		if err == nil {
			session.Normalize()
			return session, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("resume session: %w", err)
		}
	}

	now := s.now()
	session := &models.Session{
		ID:        s.newID(),
		OwnerID:   ownerID,
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sessions.Upsert(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

// History returns the stored conversation. Missing sessions yield storage.ErrNotFound.
func (s *Service) History(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.Normalize()
	return session, nil
}

func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	deleted, err := s.sessions.Delete(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if !deleted {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Service) Profile(ctx context.Context, ownerID string) (*models.Profile, error) {
	if s.profiles == nil {
		return nil, storage.ErrNotFound
	}
	return s.profiles.Get(ctx, ownerID)
}

// mutate reloads the session, applies fn and writes it back while holding
// the session's lock, so concurrent requests never drop each other's turns.
func (s *Service) mutate(ctx context.Context, sessionID string, fn func(*models.Session) error) (*models.Session, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.Normalize()
	if err := fn(session); err != nil {
		return nil, err
	}
	if err := s.sessions.Upsert(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	return session, nil
}

func (s *Service) appendMessages(ctx context.Context, sessionID string, msgs ...models.Message) (*models.Session, error) {
	return s.mutate(ctx, sessionID, func(session *models.Session) error {
		for _, msg := range msgs {
			session.Append(msg)
		}
		return nil
	})
}

var errDuplicateReply = errors.New("duplicate assistant reply")

// commitAssistant appends an assistant reply unless it repeats the message
// right before it. It reports whether anything was written.
func (s *Service) commitAssistant(ctx context.Context, sessionID, text string) (bool, error) {
	_, err := s.mutate(ctx, sessionID, func(session *models.Session) error {
		if last, ok := session.LastAssistant(); ok && last.Content == text {
			return errDuplicateReply
		}
		session.Append(models.NewMessage(models.RoleAssistant, text, s.now()))
		return nil
	})
	if errors.Is(err, errDuplicateReply) {
		return false, nil
	}
	return err == nil, err
}

func (s *Service) scheduleAnalysis(session *models.Session) {
	if s.scheduler == nil || session.OwnerID == "" {
		return
	}
	s.scheduler.Schedule(session.OwnerID, session.Clone().Messages)
}
