package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"scentchat/internal/config"
	"scentchat/internal/service/ai"
)

// ErrClientGone means the caller stopped listening before the reply finished.
var ErrClientGone = errors.New("client disconnected")

// Emitter delivers one paced fragment to the client. A non-nil error means
// the client is gone.
type Emitter func(fragment string) error

// State is a step of one streaming run.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateFinalizing
	StateErrored
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateErrored:
		return "errored"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Pacing batches upstream text and spaces out what reaches the client.
type Pacing struct {
	FlushChars    int
	FlushInterval time.Duration
	DelayMin      time.Duration
	DelayMax      time.Duration
}

// PacingFromConfig converts the millisecond config values.
func PacingFromConfig(cfg config.PacingConfig) Pacing {
	return Pacing{
		FlushChars:    cfg.FlushChars,
		FlushInterval: time.Duration(cfg.FlushIntervalMs) * time.Millisecond,
		DelayMin:      time.Duration(cfg.DelayMinMs) * time.Millisecond,
		DelayMax:      time.Duration(cfg.DelayMaxMs) * time.Millisecond,
	}
}

// StreamResult is what a finished run leaves behind for the caller to commit.
type StreamResult struct {
	Text    string
	Errored bool
	Path    []State
}

// Streamer relays one completion to the client. A Streamer is safe for
// concurrent use; every Run keeps its own state.
type Streamer struct {
	pacing  Pacing
	apology string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	delay func(lo, hi time.Duration) time.Duration
}

func NewStreamer(pacing Pacing, apology string) *Streamer {
	if pacing.FlushChars <= 0 {
		pacing.FlushChars = 1
	}
	if pacing.DelayMax < pacing.DelayMin {
		pacing.DelayMax = pacing.DelayMin
	}
	if apology == "" {
		apology = config.DefaultApology
	}
	return &Streamer{
		pacing:  pacing,
		apology: apology,
		now:     time.Now,
		sleep:   sleepContext,
		delay:   randomDelay,
	}
}

// Run drains upstream and emits paced fragments. A nil upstream means the
// completion never opened. Upstream failures end in a single apology fragment
// and are not returned as errors; only ErrClientGone is.
func (s *Streamer) Run(ctx context.Context, upstream ai.FragmentStream, emit Emitter) (StreamResult, error) {
	run := &streamRun{Streamer: s, ctx: ctx, emit: emit}
	run.enter(StateIdle)
	if upstream == nil {
		return run.fail(nil)
	}
	defer upstream.Close()

	buf := newFragmentBuffer()
	defer buf.stop()
	go buf.fill(upstream)
	run.enter(StateStreaming)
	return run.stream(buf)
}

type streamRun struct {
	*Streamer
	ctx  context.Context
	emit Emitter

	sent      strings.Builder
	lastFlush time.Time
	path      []State
}

func (r *streamRun) enter(state State) {
	r.path = append(r.path, state)
}

func (r *streamRun) stream(buf *fragmentBuffer) (StreamResult, error) {
	r.lastFlush = r.now()
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if err := r.ctx.Err(); err != nil {
			return r.gone(err)
		}
		pending, done, upErr := buf.state()
		if upErr != nil {
			return r.fail(upErr)
		}
		if done {
			r.enter(StateFinalizing)
			if pending > 0 {
				if err := r.flush(buf.take()); err != nil {
					return r.gone(err)
				}
			}
			if r.sent.Len() == 0 {
				return r.fail(errors.New("completion produced no text"))
			}
			r.enter(StateDone)
			return StreamResult{Text: r.sent.String(), Path: r.path}, nil
		}

		elapsed := r.now().Sub(r.lastFlush)
		if pending >= r.pacing.FlushChars || (pending > 0 && elapsed >= r.pacing.FlushInterval) {
			if err := r.flush(buf.take()); err != nil {
				return r.gone(err)
			}
			// the pause gates the next flush only; upstream keeps filling buf
			if err := r.sleep(r.ctx, r.delay(r.pacing.DelayMin, r.pacing.DelayMax)); err != nil {
				return r.gone(err)
			}
			continue
		}

		var deadline <-chan time.Time
		if pending > 0 {
			wait := r.pacing.FlushInterval - elapsed
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			deadline = timer.C
		}
		select {
		case <-buf.notify:
		case <-deadline:
		case <-r.ctx.Done():
			return r.gone(r.ctx.Err())
		}
	}
}

func (r *streamRun) flush(text string) error {
	if text == "" {
		return nil
	}
	if err := r.emit(text); err != nil {
		return err
	}
	r.sent.WriteString(text)
	r.lastFlush = r.now()
	return nil
}

func (r *streamRun) fail(cause error) (StreamResult, error) {
	if cause != nil {
		log.Printf("completion stream failed after %d bytes: %v", r.sent.Len(), cause)
	}
	r.enter(StateErrored)
	if err := r.ctx.Err(); err != nil {
		return r.gone(err)
	}
	if err := r.emit(r.apology); err != nil {
		return r.gone(err)
	}
	r.enter(StateDone)
	return StreamResult{Text: r.apology, Errored: true, Path: r.path}, nil
}

func (r *streamRun) gone(cause error) (StreamResult, error) {
	return StreamResult{Text: r.sent.String(), Path: r.path}, fmt.Errorf("%w: %v", ErrClientGone, cause)
}

// fragmentBuffer collects upstream text independently of the emit pace.
type fragmentBuffer struct {
	mu     sync.Mutex
	text   strings.Builder
	done   bool
	err    error
	notify chan struct{}
	quit   chan struct{}
	once   sync.Once
}

func newFragmentBuffer() *fragmentBuffer {
	return &fragmentBuffer{notify: make(chan struct{}, 1), quit: make(chan struct{})}
}

// stop ends fill after its current Recv, even for a stream that ignores Close.
func (b *fragmentBuffer) stop() {
	b.once.Do(func() { close(b.quit) })
}

func (b *fragmentBuffer) fill(upstream ai.FragmentStream) {
	for {
		select {
		case <-b.quit:
			return
		default:
		}
		frag, err := upstream.Recv()
		b.mu.Lock()
		if err != nil {
			b.done = true
			if !errors.Is(err, io.EOF) {
				b.err = err
			}
		} else {
			b.text.WriteString(frag)
		}
		b.mu.Unlock()

		select {
		case b.notify <- struct{}{}:
		default:
		}
		if err != nil {
			return
		}
	}
}

// state reports buffered runes, whether upstream ended, and its failure if any.
func (b *fragmentBuffer) state() (int, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return utf8.RuneCountInString(b.text.String()), b.done, b.err
}

func (b *fragmentBuffer) take() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.text.String()
	b.text.Reset()
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func randomDelay(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo)+1))
}
