// Package session owns every live capability session. The Pool creates
// sessions on demand, reuses them per (kind, key), evicts them after an idle
// window and rotates them before they exhaust their token budget.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Techy2419/DocuGuide/internal/capability"
)

const (
	DefaultIdleTimeout       = 5 * time.Minute
	DefaultRotationThreshold = 0.8
)

// InitError reports that the host failed to construct a session.
type InitError struct {
	Kind capability.Kind
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("%s: provider init failed: %v", e.Kind, e.Err)
}

func (e *InitError) Unwrap() []error {
	return []error{capability.ErrProviderInitFailed, e.Err}
}

// ErrClosed is returned by Acquire after ReleaseAll.
var ErrClosed = errors.New("session pool closed")

// Options configures a Pool.
type Options struct {
	IdleTimeout       time.Duration
	RotationThreshold float64
	// Now is the clock used for idle checks. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

type poolKey struct {
	kind capability.Kind
	key  string
}

func (k poolKey) String() string { return k.kind.String() + "/" + k.key }

// Pool is the single owner of live sessions.
type Pool struct {
	registry  *capability.Registry
	idle      time.Duration
	threshold float64
	now       func() time.Time
	logger    *slog.Logger

	group singleflight.Group

	mu       sync.Mutex
	sessions map[poolKey]*Session
	closed   bool
}

// NewPool creates a pool that creates sessions through registry.
func NewPool(registry *capability.Registry, opts Options) *Pool {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.RotationThreshold <= 0 || opts.RotationThreshold > 1 {
		opts.RotationThreshold = DefaultRotationThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		registry:  registry,
		idle:      opts.IdleTimeout,
		threshold: opts.RotationThreshold,
		now:       opts.Now,
		logger:    opts.Logger.With("subsystem", "session"),
		sessions:  make(map[poolKey]*Session),
	}
}

// Acquire returns a Ready session for kind configured with opts.
//
// The returned status is always the availability reading taken for this call.
// When it is Downloadable or Downloading the session is nil and nothing was
// constructed. Unavailable yields capability.ErrCapabilityUnavailable and a
// failing host constructor yields an *InitError; neither is retried.
func (p *Pool) Acquire(ctx context.Context, kind capability.Kind, opts capability.Options) (*Session, capability.Status, error) {
	st := p.registry.CheckAvailability(ctx, kind, opts)
	switch st.State {
	case capability.Unavailable:
		return nil, st, fmt.Errorf("%s: %w", kind, capability.ErrCapabilityUnavailable)
	case capability.Downloadable, capability.Downloading:
		return nil, st, nil
	}

	key := poolKey{kind: kind, key: opts.Key(kind)}
	v, err, _ := p.group.Do(key.String(), func() (any, error) {
		return p.acquire(ctx, key, opts)
	})
	if err != nil {
		return nil, st, err
	}
	s := v.(*Session)
	s.touch()
	return s, st, nil
}

func (p *Pool) acquire(ctx context.Context, key poolKey, opts capability.Options) (*Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	s, ok := p.sessions[key]
	if ok && s.idleSince(p.now(), p.idle) {
		p.logger.Debug("session idle, replacing", "key", key.String(), "id", s.ID)
		p.removeLocked(key, s)
		ok = false
	}
	p.mu.Unlock()

	if !ok {
		return p.create(ctx, key, opts)
	}

	// Params may reach the host, so the comparison runs unlocked.
	if s.Options.Fingerprint() != p.clampedFingerprint(ctx, key.kind, opts, s) {
		p.logger.Debug("session reconfigured, replacing", "key", key.String(), "id", s.ID)
		p.mu.Lock()
		p.removeLocked(key, s)
		p.mu.Unlock()
		return p.create(ctx, key, opts)
	}
	if s.overBudget(p.threshold) {
		return p.rotate(ctx, key, s)
	}
	return s, nil
}

// clampedFingerprint compares the request against a live session. The live
// session stores clamped options, so the request is clamped the same way
// unless the caller left sampling unset, in which case the session's own
// defaults are accepted.
func (p *Pool) clampedFingerprint(ctx context.Context, kind capability.Kind, opts capability.Options, s *Session) string {
	if opts.Temperature == nil {
		opts.Temperature = s.Options.Temperature
	}
	if opts.TopK == nil {
		opts.TopK = s.Options.TopK
	}
	if prov, ok := p.registry.Provider(kind); ok {
		if params, err := prov.Params(ctx); err == nil {
			opts = params.Clamp(opts)
		}
	}
	return opts.Fingerprint()
}

func (p *Pool) create(ctx context.Context, key poolKey, opts capability.Options) (*Session, error) {
	prov, ok := p.registry.Provider(key.kind)
	if !ok {
		return nil, fmt.Errorf("%s: %w", key.kind, capability.ErrCapabilityUnavailable)
	}
	params, err := prov.Params(ctx)
	if err != nil {
		return nil, &InitError{Kind: key.kind, Err: fmt.Errorf("read params: %w", err)}
	}
	opts = params.Clamp(opts)

	h, err := prov.Create(ctx, opts, p.registry.Monitor(key.kind))
	if err != nil {
		p.logger.Error("session create failed", "key", key.String(), "error", err)
		return nil, &InitError{Kind: key.kind, Err: err}
	}

	s := newSession(p, key.kind, key.key, opts, h)
	if !p.install(key, s) {
		s.close()
		return nil, ErrClosed
	}
	p.logger.Debug("session created", "key", key.String(), "id", s.ID)
	return s, nil
}

// rotate replaces s with a clone that carries the same configuration and an
// empty context. The old handle is destroyed exactly once.
func (p *Pool) rotate(ctx context.Context, key poolKey, old *Session) (*Session, error) {
	p.logger.Info("token budget exceeded, rotating session",
		"key", key.String(), "id", old.ID,
		"tokens", old.TokensUsed(), "max", old.MaxTokens())

	h, err := old.handle.Clone(ctx)
	if err != nil {
		p.logger.Warn("session clone failed, creating fresh session", "key", key.String(), "error", err)
		p.mu.Lock()
		p.removeLocked(key, old)
		p.mu.Unlock()
		return p.create(ctx, key, old.Options)
	}

	s := newSession(p, key.kind, key.key, old.Options, h)
	p.mu.Lock()
	p.removeLocked(key, old)
	p.mu.Unlock()
	if !p.install(key, s) {
		s.close()
		return nil, ErrClosed
	}
	return s, nil
}

func (p *Pool) install(key poolKey, s *Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	if prev, ok := p.sessions[key]; ok && prev != s {
		p.removeLocked(key, prev)
	}
	p.sessions[key] = s
	s.arm(func() { p.evict(key, s) })
	return true
}

// evict runs from the idle timer. A held session re-arms its timer when the
// hold ends.
func (p *Pool) evict(key poolKey, s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[key] != s {
		return
	}
	if !s.idleSince(p.now(), p.idle) {
		return
	}
	p.logger.Debug("session evicted after idle timeout", "key", key.String(), "id", s.ID)
	p.removeLocked(key, s)
}

func (p *Pool) removeLocked(key poolKey, s *Session) {
	if p.sessions[key] == s {
		delete(p.sessions, key)
	}
	s.close()
}

// Status reads the availability of kind without constructing a session.
func (p *Pool) Status(ctx context.Context, kind capability.Kind, opts capability.Options) capability.Status {
	return p.registry.CheckAvailability(ctx, kind, opts)
}

// Release destroys the session for (kind, key), if any.
func (p *Pool) Release(kind capability.Kind, key string) {
	k := poolKey{kind: kind, key: key}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.sessions[k]; ok {
		p.removeLocked(k, s)
	}
}

// ReleaseAll destroys every tracked session and stops every timer. The pool
// rejects further acquisitions.
func (p *Pool) ReleaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, s := range p.sessions {
		p.removeLocked(k, s)
	}
	p.closed = true
	p.logger.Debug("session pool released")
}

// Len reports the number of live sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
