package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Techy2419/DocuGuide/internal/capability"
)

// Session is a pooled, stateful handle to one capability instance.
// Callers borrow it for a single operation and must not keep it beyond that.
type Session struct {
	ID        string
	Kind      capability.Kind
	Key       string
	Options   capability.Options // after clamping
	CreatedAt time.Time

	pool   *Pool
	handle capability.Handle

	mu       sync.Mutex
	lastUsed time.Time
	inUse    int
	closed   bool
	timer    *time.Timer
	destroy  sync.Once
}

func newSession(p *Pool, kind capability.Kind, key string, opts capability.Options, h capability.Handle) *Session {
	now := p.now()
	return &Session{
		ID:        uuid.New().String(),
		Kind:      kind,
		Key:       key,
		Options:   opts,
		CreatedAt: now,
		pool:      p,
		handle:    h,
		lastUsed:  now,
	}
}

// Invoke runs the capability on input.
func (s *Session) Invoke(ctx context.Context, input string) (string, error) {
	defer s.Hold()()
	out, err := s.handle.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("%s: %w: %w", s.Kind, capability.ErrInvocationFailed, err)
	}
	return out, nil
}

// Hold marks the session as in use until the returned func is called. A held
// session is never evicted for idleness.
func (s *Session) Hold() (done func()) {
	s.mu.Lock()
	s.inUse++
	s.mu.Unlock()
	s.touch()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.inUse--
			s.mu.Unlock()
			s.touch()
		})
	}
}

// InvokeStreaming starts a streaming invocation. The returned channel closes
// after EventDone or EventError, or once ctx is cancelled.
func (s *Session) InvokeStreaming(ctx context.Context, input string) (<-chan capability.Event, error) {
	s.touch()
	ch, err := s.handle.InvokeStreaming(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", s.Kind, capability.ErrInvocationFailed, err)
	}
	return ch, nil
}

// TokensUsed is the cumulative token usage reported by the host.
func (s *Session) TokensUsed() int { return s.handle.TokensSoFar() }

// MaxTokens is the token budget of the underlying handle.
func (s *Session) MaxTokens() int { return s.handle.MaxTokens() }

// LastUsed returns the time of the most recent use.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// overBudget reports whether usage crossed threshold × MaxTokens.
func (s *Session) overBudget(threshold float64) bool {
	limit := s.handle.MaxTokens()
	if limit <= 0 {
		return false
	}
	return float64(s.handle.TokensSoFar()) > threshold*float64(limit)
}

func (s *Session) idleSince(now time.Time, idle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse == 0 && now.Sub(s.lastUsed) >= idle
}

// touch records a use and re-arms the idle timer.
func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = s.pool.now()
	if s.timer != nil && !s.closed {
		s.timer.Reset(s.pool.idle)
	}
}

func (s *Session) arm(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = time.AfterFunc(s.pool.idle, fn)
}

// close stops the idle timer and destroys the handle exactly once.
func (s *Session) close() {
	s.destroy.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()
		s.handle.Destroy()
	})
}
