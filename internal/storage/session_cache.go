package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"scentchat/internal/models"
	"scentchat/internal/redis"
)

const (
	sessionCacheKey = "session:%s"
	sessionCacheTTL = 30 * time.Minute
)

// CachedSessionStore puts a redis read-through cache in front of another
// SessionStore. Cache failures are logged and never fail the call.
type CachedSessionStore struct {
	inner SessionStore
	cache *redis.Client
	ttl   time.Duration
}

func NewCachedSessionStore(inner SessionStore, cache *redis.Client) *CachedSessionStore {
	return &CachedSessionStore{inner: inner, cache: cache, ttl: sessionCacheTTL}
}

func (s *CachedSessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var cached models.Session
	err := s.cache.GetJSON(ctx, cacheKey(id), &cached)
	if err == nil {
		cached.Normalize()
		return &cached, nil
	}
	if !errors.Is(err, redis.ErrCacheMiss) {
		log.Printf("session cache: get %s: %v", id, err)
	}
	session, err := s.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(ctx, session)
	return session, nil
}

func (s *CachedSessionStore) GetByOwner(ctx context.Context, ownerID string) (*models.Session, error) {
	session, err := s.inner.GetByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	s.store(ctx, session)
	return session, nil
}

func (s *CachedSessionStore) Upsert(ctx context.Context, session *models.Session) error {
	if err := s.inner.Upsert(ctx, session); err != nil {
		if errors.Is(err, ErrStaleWrite) {
			s.evict(ctx, session.ID)
		}
		return err
	}
	s.store(ctx, session)
	return nil
}

func (s *CachedSessionStore) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := s.inner.Delete(ctx, id)
	s.evict(ctx, id)
	return deleted, err
}

func (s *CachedSessionStore) ListIdleBefore(ctx context.Context, before time.Time) ([]string, error) {
	return s.inner.ListIdleBefore(ctx, before)
}

func (s *CachedSessionStore) store(ctx context.Context, session *models.Session) {
	if err := s.cache.SetJSON(ctx, cacheKey(session.ID), session, s.ttl); err != nil {
		log.Printf("session cache: set %s: %v", session.ID, err)
		s.evict(ctx, session.ID)
	}
}

func (s *CachedSessionStore) evict(ctx context.Context, id string) {
	if err := s.cache.Del(ctx, cacheKey(id)); err != nil {
		log.Printf("session cache: evict %s: %v", id, err)
	}
}

func cacheKey(id string) string {
	return fmt.Sprintf(sessionCacheKey, id)
}
