package assistant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"scentchat/internal/storage"
)

const (
	DefaultSessionIdleTimeout = 24 * time.Hour
	DefaultSweepInterval      = time.Hour
)

// ExpireSweep deletes sessions idle for longer than idle and returns how many went.
// A session touched between listing and deleting is kept.
func (s *Service) ExpireSweep(ctx context.Context, idle time.Duration) (int, error) {
	if idle <= 0 {
		idle = DefaultSessionIdleTimeout
	}
	cutoff := s.now().Add(-idle)
	ids, err := s.sessions.ListIdleBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list idle sessions: %w", err)
	}

	removed := 0
	var errs []error
	for _, id := range ids {
		ok, err := s.expireOne(ctx, id, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire session %s: %w", id, err))
			continue
		}
		if ok {
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

func (s *Service) expireOne(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	session, err := s.sessions.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !session.UpdatedAt.Before(cutoff) {
		return false, nil
	}
	return s.sessions.Delete(ctx, id)
}

// StartSessionSweeper runs ExpireSweep every interval until ctx ends or stop
// is called. Failed sweeps are logged and retried on the next tick.
func (s *Service) StartSessionSweeper(ctx context.Context, interval, idle time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	_, err := c.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		removed, err := s.ExpireSweep(ctx, idle)
		if err != nil {
			log.Printf("session sweep error: %v", err)
		}
		if removed > 0 {
			log.Printf("session sweep removed %d idle sessions", removed)
		}
	})
	if err != nil {
		log.Printf("schedule session sweep: %v", err)
		return func() {}
	}
	c.Start()

	quit := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		select {
		case <-ctx.Done():
		case <-quit:
		}
		<-c.Stop().Done()
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(quit) })
		<-finished
	}
}
