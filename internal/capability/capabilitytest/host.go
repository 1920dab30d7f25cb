// Package capabilitytest provides a scripted in-memory host for tests.
package capabilitytest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Techy2419/DocuGuide/internal/capability"
)

// Provider is a scripted capability.Provider. The zero value for a kind is
// Ready, echoes its input and never fails.
type Provider struct {
	mu sync.Mutex

	kind      capability.Kind
	status    capability.Status
	statusErr error
	params    capability.Params
	createErr error
	respond   func(input string, opts capability.Options) (string, error)
	chunks    []string
	maxTokens int
	perCall   int

	downloadErr error
	downloaded  int

	created  []*Handle
	lastOpts capability.Options
}

// New creates a Ready provider for kind that echoes its input.
func New(kind capability.Kind) *Provider {
	return &Provider{
		kind:      kind,
		status:    capability.Status{State: capability.Ready},
		maxTokens: 1000,
		perCall:   10,
	}
}

// WithStatus sets the availability the provider reports.
func (p *Provider) WithStatus(st capability.Availability) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = capability.Status{State: st}
	return p
}

// WithProgress sets a Downloading status with the given percentage.
func (p *Provider) WithProgress(pct float64) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = capability.Status{State: capability.Downloading, Progress: pct}
	return p
}

// WithStatusError makes Availability fail.
func (p *Provider) WithStatusError(err error) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusErr = err
	return p
}

// WithParams sets the advertised sampling ranges.
func (p *Provider) WithParams(params capability.Params) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params = params
	return p
}

// WithCreateError makes Create fail.
func (p *Provider) WithCreateError(err error) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createErr = err
	return p
}

// WithResponder scripts the output of Invoke.
func (p *Provider) WithResponder(fn func(input string, opts capability.Options) (string, error)) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.respond = fn
	return p
}

// WithStream scripts the increments InvokeStreaming emits.
func (p *Provider) WithStream(chunks ...string) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = chunks
	return p
}

// WithBudget sets the token budget of created handles and the tokens each
// invocation consumes.
func (p *Provider) WithBudget(maxTokens, perCall int) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxTokens = maxTokens
	p.perCall = perCall
	return p
}

// WithDownloadError makes Download fail.
func (p *Provider) WithDownloadError(err error) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downloadErr = err
	return p
}

func (p *Provider) Kind() capability.Kind { return p.kind }

func (p *Provider) Availability(_ context.Context, _ capability.Options) (capability.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statusErr != nil {
		return capability.Status{}, p.statusErr
	}
	return p.status, nil
}

func (p *Provider) Params(_ context.Context) (capability.Params, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params, nil
}

func (p *Provider) Create(_ context.Context, opts capability.Options, _ capability.Monitor) (capability.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status.State != capability.Ready {
		return nil, fmt.Errorf("create called while %s", p.status.State)
	}
	if p.createErr != nil {
		return nil, p.createErr
	}
	h := &Handle{provider: p, opts: opts, maxTokens: p.maxTokens}
	p.created = append(p.created, h)
	p.lastOpts = opts
	return h, nil
}

func (p *Provider) Download(_ context.Context, _ capability.Options, monitor capability.Monitor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.downloadErr != nil {
		p.status = capability.Status{State: capability.Downloadable}
		return p.downloadErr
	}
	monitor(0.5)
	p.downloaded++
	p.status = capability.Status{State: capability.Ready}
	return nil
}

// Created returns every handle constructed so far, clones included.
func (p *Provider) Created() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Handle(nil), p.created...)
}

// CreateCount is len(Created()).
func (p *Provider) CreateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.created)
}

// LastOptions returns the options of the most recent Create.
func (p *Provider) LastOptions() capability.Options {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastOpts
}

// Downloads reports how many successful downloads ran.
func (p *Provider) Downloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downloaded
}

// Handle is the session handle created by Provider.
type Handle struct {
	mu        sync.Mutex
	provider  *Provider
	opts      capability.Options
	tokens    int
	maxTokens int
	inputs    []string
	destroyed int
	pulled    int
}

// ErrDestroyed is returned when a destroyed handle is used.
var ErrDestroyed = errors.New("handle destroyed")

func (h *Handle) Invoke(_ context.Context, input string) (string, error) {
	h.mu.Lock()
	if h.destroyed > 0 {
		h.mu.Unlock()
		return "", ErrDestroyed
	}
	h.inputs = append(h.inputs, input)
	h.mu.Unlock()

	h.provider.mu.Lock()
	respond, perCall := h.provider.respond, h.provider.perCall
	h.provider.mu.Unlock()

	h.mu.Lock()
	h.tokens += perCall
	h.mu.Unlock()

	if respond == nil {
		return input, nil
	}
	return respond(input, h.opts)
}

func (h *Handle) InvokeStreaming(ctx context.Context, input string) (<-chan capability.Event, error) {
	h.mu.Lock()
	if h.destroyed > 0 {
		h.mu.Unlock()
		return nil, ErrDestroyed
	}
	h.inputs = append(h.inputs, input)
	h.mu.Unlock()

	h.provider.mu.Lock()
	chunks := append([]string(nil), h.provider.chunks...)
	h.provider.mu.Unlock()

	ch := make(chan capability.Event)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- capability.Event{Type: capability.EventTextDelta, TextDelta: c}:
				h.mu.Lock()
				h.pulled++
				h.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- capability.Event{Type: capability.EventDone, Usage: &capability.Usage{}}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (h *Handle) TokensSoFar() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tokens
}

func (h *Handle) MaxTokens() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxTokens
}

// SetTokens overrides the recorded usage.
func (h *Handle) SetTokens(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tokens = n
}

func (h *Handle) Clone(_ context.Context) (capability.Handle, error) {
	p := h.provider
	p.mu.Lock()
	defer p.mu.Unlock()
	c := &Handle{provider: p, opts: h.opts, maxTokens: h.maxTokens}
	p.created = append(p.created, c)
	return c, nil
}

func (h *Handle) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed++
}

// DestroyCount reports how many times Destroy was called.
func (h *Handle) DestroyCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.destroyed
}

// Inputs returns every input passed to Invoke or InvokeStreaming.
func (h *Handle) Inputs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.inputs...)
}

// Pulled reports how many stream increments a consumer received.
func (h *Handle) Pulled() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pulled
}

// Options returns the options the handle was created with.
func (h *Handle) Options() capability.Options { return h.opts }
