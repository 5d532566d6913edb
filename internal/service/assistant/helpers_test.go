package assistant

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"sync"
	"testing"

	"scentchat/internal/config"
	"scentchat/internal/models"
	"scentchat/internal/service/ai"
	"scentchat/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// sliceStream replays fragments, then fails with err or ends with io.EOF.
type sliceStream struct {
	mu     sync.Mutex
	frags  []string
	err    error
	reads  int
	closed bool
}

func (s *sliceStream) Recv() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reads < len(s.frags) {
		s.reads++
		return s.frags[s.reads-1], nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *sliceStream) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *sliceStream) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// chanStream yields whatever the test sends until the channel closes.
type chanStream struct {
	ch     chan string
	closed chan struct{}
	once   sync.Once
}

func newChanStream() *chanStream {
	return &chanStream{ch: make(chan string), closed: make(chan struct{})}
}

func (s *chanStream) Recv() (string, error) {
	select {
	case frag, ok := <-s.ch:
		if !ok {
			return "", io.EOF
		}
		return frag, nil
	case <-s.closed:
		return "", errors.New("stream closed")
	}
}

func (s *chanStream) Close() {
	s.once.Do(func() { close(s.closed) })
}

type fakeCompleter struct {
	stream  ai.FragmentStream
	err     error
	prompt  string
	history []models.Message
}

func (f *fakeCompleter) StreamCompletion(ctx context.Context, systemPrompt string, history []models.Message) (ai.FragmentStream, error) {
	f.prompt = systemPrompt
	f.history = history
	if f.err != nil {
		return nil, f.err
	}
	return f.stream, nil
}

// collector records emitted fragments; failAfter > 0 makes that emit call fail.
type collector struct {
	mu        sync.Mutex
	frags     []string
	failAfter int
	notify    chan string
}

func (c *collector) emit(fragment string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter > 0 && len(c.frags)+1 >= c.failAfter {
		return errors.New("broken pipe")
	}
	c.frags = append(c.frags, fragment)
	if c.notify != nil {
		select {
		case c.notify <- fragment:
		default:
		}
	}
	return nil
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frags...)
}

func newTestService(t *testing.T, deps Deps) (*Service, *storage.SQLSessionStore) {
	t.Helper()
	db := openTestDB(t)
	sessions := storage.NewSQLSessionStore(db, "sqlite3")
	deps.Sessions = sessions
	if deps.Profiles == nil {
		deps.Profiles = storage.NewProfileStore(db, "sqlite3")
	}
	return NewService(config.ChatConfig{}, deps), sessions
}
