package worker

import (
	"context"
	"log"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"scentchat/internal/config"
	"scentchat/internal/models"
)

const (
	defaultWindow     = 5
	defaultJobTimeout = 30 * time.Second
	defaultQueueSize  = 128
)

type Extractor interface {
	Extract(ctx context.Context, text string) models.ProfileFragment
}

type ProfileMerger interface {
	Merge(ctx context.Context, ownerID string, frag models.ProfileFragment) (*models.Profile, bool, error)
}

// Scheduler runs profile analysis in the background. Scheduling never
// blocks the caller and failures never reach it.
type Scheduler struct {
	extractor Extractor
	merger    ProfileMerger

	window   int
	triggers []string
	timeout  time.Duration

	pool       *jobChannelPool
	dispatcher *Dispatcher
	slots      chan struct{} // bounds queued plus running jobs

	mu      sync.RWMutex
	stopped bool
	once    sync.Once
	pending sync.WaitGroup
}

func NewScheduler(cfg config.AnalysisConfig, extractor Extractor, merger ProfileMerger) *Scheduler {
	s := &Scheduler{
		extractor: extractor,
		merger:    merger,
		window:    cfg.Window,
		timeout:   cfg.Timeout(),
	}
	if s.window <= 0 {
		s.window = defaultWindow
	}
	if s.timeout <= 0 {
		s.timeout = defaultJobTimeout
	}
	for _, phrase := range cfg.TriggerPhrases {
		if phrase = strings.ToLower(strings.TrimSpace(phrase)); phrase != "" {
			s.triggers = append(s.triggers, phrase)
		}
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	s.slots = make(chan struct{}, queueSize)

	s.pool = newJobChannelPool(cfg.MinWorkers, cfg.MaxWorkers, cfg.WorkerIdle(), s.handle)
	s.dispatcher = NewDispatcher(s.pool, queueSize, s.drop)
	s.pool.warmUp()
	s.dispatcher.Start()
	return s
}

// Schedule queues analysis of the owner's recent messages and reports whether
// a job was accepted.
func (s *Scheduler) Schedule(ownerID string, messages []models.Message) bool {
	if strings.TrimSpace(ownerID) == "" {
		return false
	}
	if !s.triggered(messages) {
		debugLog("[scheduler] no trigger phrase for owner %s", ownerID)
		return false
	}
	text := snapshot(messages, s.window)
	if text == "" {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return false
	}
	select {
	case s.slots <- struct{}{}:
	default:
		log.Printf("analysis queue full, dropping job for owner %s", ownerID)
		return false
	}
	job := Job{Type: Analyze, OwnerID: ownerID, Text: text, CreatedAt: time.Now()}
	s.pending.Add(1)
	select {
	case s.dispatcher.JobQueue <- job:
		return true
	default:
		s.release()
		log.Printf("analysis queue full, dropping job for owner %s", ownerID)
		return false
	}
}

// Stop drops queued jobs, lets running ones finish and stops the workers.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		s.dispatcher.Stop()
		s.pool.shutdown()
	})
}

// Wait blocks until every accepted job has finished or been dropped.
func (s *Scheduler) Wait() {
	s.pending.Wait()
}

func (s *Scheduler) handle(job Job) {
	defer s.release()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("analysis job for owner %s panicked: %v\n%s", job.OwnerID, r, debug.Stack())
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	frag := s.extractor.Extract(ctx, job.Text)
	if frag.IsEmpty() {
		debugLog("[scheduler] nothing extracted for owner %s", job.OwnerID)
		return
	}
	if _, changed, err := s.merger.Merge(ctx, job.OwnerID, frag); err != nil {
		log.Printf("merge profile for owner %s: %v", job.OwnerID, err)
	} else {
		debugLog("[scheduler] merged profile for owner %s changed=%v after %s", job.OwnerID, changed, time.Since(job.CreatedAt))
	}
}

func (s *Scheduler) drop(job Job) {
	debugLog("[scheduler] dropped job for owner %s on shutdown", job.OwnerID)
	s.release()
}

func (s *Scheduler) release() {
	<-s.slots
	s.pending.Done()
}

func (s *Scheduler) triggered(messages []models.Message) bool {
	if len(s.triggers) == 0 {
		return true
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != models.RoleUser {
			continue
		}
		content := strings.ToLower(messages[i].Content)
		for _, phrase := range s.triggers {
			if strings.Contains(content, phrase) {
				return true
			}
		}
		return false
	}
	return false
}

// snapshot joins the last window user and system messages, oldest first.
func snapshot(messages []models.Message, window int) string {
	picked := make([]string, 0, window)
	for i := len(messages) - 1; i >= 0 && len(picked) < window; i-- {
		msg := messages[i]
		if msg.Role != models.RoleUser && msg.Role != models.RoleSystem {
			continue
		}
		if content := strings.TrimSpace(msg.Content); content != "" {
			picked = append(picked, content)
		}
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return strings.Join(picked, "\n")
}
