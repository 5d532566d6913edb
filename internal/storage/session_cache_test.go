package storage

import (
	"context"
	"errors"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"

	"scentchat/internal/models"
	"scentchat/internal/redis"
)

func newTestCache(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client, err := redis.Dial(&goredis.Options{Addr: addr})
	if err != nil {
		t.Fatalf("dial redis: %v", err)
	}
	if err := client.FlushDB(context.Background()); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCachedSessionStoreReadThrough(t *testing.T) {
	cache := newTestCache(t)
	inner := NewSQLSessionStore(openTestDB(t), "sqlite3")
	store := NewCachedSessionStore(inner, cache)
	ctx := context.Background()

	s := &models.Session{ID: "cached", OwnerID: "u1"}
	s.Append(msg(models.RoleUser, "hi"))
	if err := store.Upsert(ctx, s); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var cached models.Session
	if err := cache.GetJSON(ctx, cacheKey("cached"), &cached); err != nil {
		t.Fatalf("expected write-through cache entry: %v", err)
	}
	if len(cached.Messages) != 1 {
		t.Fatalf("unexpected cached session %+v", cached)
	}

	got, err := store.Get(ctx, "cached")
	if err != nil || got.OwnerID != "u1" {
		t.Fatalf("get = %+v, %v", got, err)
	}

	if deleted, err := store.Delete(ctx, "cached"); err != nil || !deleted {
		t.Fatalf("delete = %v, %v", deleted, err)
	}
	if err := cache.GetJSON(ctx, cacheKey("cached"), &cached); !errors.Is(err, redis.ErrCacheMiss) {
		t.Fatalf("expected evicted key, got %v", err)
	}
	if _, err := store.Get(ctx, "cached"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestCachedSessionStoreFallsBackWithoutRedis(t *testing.T) {
	inner := NewSQLSessionStore(openTestDB(t), "sqlite3")
	store := NewCachedSessionStore(inner, nil)
	ctx := context.Background()

	s := &models.Session{ID: "plain"}
	if err := store.Upsert(ctx, s); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := store.Get(ctx, "plain"); err != nil {
		t.Fatalf("get: %v", err)
	}
}
