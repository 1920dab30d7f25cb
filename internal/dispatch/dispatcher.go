// Package dispatch is the decision core. For every operation it runs the
// on-device capability first, through the session pool, and falls back along
// a fixed per-operation chain when the primary cannot serve. A capability
// that has to be downloaded is reported back to the caller instead of being
// silently replaced.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Techy2419/DocuGuide/internal/cache"
	"github.com/Techy2419/DocuGuide/internal/capability"
	"github.com/Techy2419/DocuGuide/internal/chunk"
	"github.com/Techy2419/DocuGuide/internal/metrics"
	"github.com/Techy2419/DocuGuide/internal/provider"
	"github.com/Techy2419/DocuGuide/internal/session"
)

const (
	// LowConfidenceThreshold is the detection confidence below which the
	// source language of a translation defaults to English.
	LowConfidenceThreshold = 0.5
	// ReliableThreshold is the confidence above which a detection is
	// labeled reliable.
	ReliableThreshold = 0.7

	DefaultConcurrency = 3
	DefaultChunkSize   = 4000
)

// Options configures a Dispatcher. Cloud, Cache and Metrics are optional.
type Options struct {
	// Concurrency bounds the operations in flight; the rest queue FIFO.
	Concurrency int
	// ChunkSize is the largest input, in characters, one invocation receives.
	ChunkSize int
	// Enrich runs document analysis ahead of summarize, translate and ask
	// and attaches insights to their results.
	Enrich bool

	Cloud   provider.Provider
	Cache   *cache.Cache[Result]
	Metrics *metrics.Tracker
	Logger  *slog.Logger
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	pool      *session.Pool
	cloud     provider.Provider
	cache     *cache.Cache[Result]
	metrics   *metrics.Tracker
	logger    *slog.Logger
	sem       *semaphore.Weighted
	chunkSize int
	enrich    bool
}

// New creates a dispatcher over pool.
func New(pool *session.Pool, opts Options) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewTracker(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		pool:      pool,
		cloud:     opts.Cloud,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("subsystem", "dispatch"),
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
		chunkSize: opts.ChunkSize,
		enrich:    opts.Enrich,
	}
}

// Metrics returns the tracker the dispatcher records into.
func (d *Dispatcher) Metrics() *metrics.Tracker { return d.metrics }

// ClearCache drops every cached result.
func (d *Dispatcher) ClearCache() {
	if d.cache != nil {
		d.cache.Clear()
	}
}

// PruneCache drops expired results and reports how many went.
func (d *Dispatcher) PruneCache() int {
	if d.cache == nil {
		return 0
	}
	n := d.cache.Prune()
	if n > 0 {
		d.logger.Debug("pruned expired results", "count", n)
	}
	return n
}

// Execute runs req and always returns a Result. It waits for an admission
// slot first; waiters are admitted in arrival order.
func (d *Dispatcher) Execute(ctx context.Context, req Request) Result {
	handler, res, ok := d.prepare(req)
	if !ok {
		return res
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return rejected(req, err)
	}
	defer d.sem.Release(1)
	return d.serve(ctx, req, handler)
}

// prepare validates req and picks its handler. When ok is false the Result
// is final.
func (d *Dispatcher) prepare(req Request) (handler func(context.Context, Request) Result, res Result, ok bool) {
	handler, ok = d.handler(req.Operation)
	if !ok {
		res = failed(0, fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, req.Operation))
		res.Operation = req.Operation
		return nil, res, false
	}
	if err := req.validate(); err != nil {
		res = failed(0, err)
		res.Operation = req.Operation
		return nil, res, false
	}
	return handler, Result{}, true
}

func rejected(req Request, err error) Result {
	res := failed(0, fmt.Errorf("%s: waiting for a slot: %w", req.Operation, err))
	res.Operation = req.Operation
	return res
}

func (d *Dispatcher) handler(op Operation) (func(context.Context, Request) Result, bool) {
	switch op {
	case OpSummarize:
		return d.summarize, true
	case OpTranslate:
		return d.translate, true
	case OpDetectLanguage:
		return d.detectLanguage, true
	case OpAsk:
		return d.ask, true
	case OpImproveWriting:
		return d.improveWriting, true
	case OpGenerateContent:
		return d.generateContent, true
	case OpAnalyzeDocument:
		return d.analyzeDocument, true
	case OpAnalyzeForm:
		return d.analyzeForm, true
	case OpAnalyzePDF:
		return d.analyzePDF, true
	case OpFieldGuidance:
		return d.fieldGuidance, true
	}
	return nil, false
}

// serve answers an admitted req from the cache when it can and records
// metrics.
func (d *Dispatcher) serve(ctx context.Context, req Request, handler func(context.Context, Request) Result) Result {
	key := cacheKey(req)
	if res, ok := d.cached(req.Operation, key); ok && cacheable(req.Operation) {
		d.metrics.RecordRequest(metrics.PathCache, 0, false, false)
		return res
	}

	start := time.Now()
	res := handler(ctx, req)
	res.Operation = req.Operation
	elapsed := time.Since(start)
	d.metrics.RecordRequest(res.Path, elapsed, res.Outcome == Failed, res.Fallback)

	logger := d.logger.With("op", string(req.Operation), "outcome", res.Outcome.String(), "elapsed", elapsed.Round(time.Millisecond))
	switch res.Outcome {
	case Failed:
		logger.Warn("operation failed", "error_kind", string(res.ErrorKind), "error", res.Message)
	case Degraded:
		logger.Info("operation degraded", "reason", res.Reason)
	default:
		logger.Debug("operation finished", "path", res.Path.String(), "chunks", res.Chunks)
	}

	if res.Outcome == Success && d.cache != nil && cacheable(req.Operation) {
		d.cache.Put(string(req.Operation), key, res)
	}
	return res
}

// cacheable is false for questions: an answer depends on the conversation
// so far, not only on the input.
func cacheable(op Operation) bool { return op != OpAsk }

func (d *Dispatcher) cached(op Operation, key string) (Result, bool) {
	if d.cache == nil {
		return Result{}, false
	}
	res, ok := d.cache.Get(string(op), key)
	if !ok {
		return Result{}, false
	}
	res.Cached = true
	return res, true
}

// cacheKey folds everything that changes the answer into one string.
func cacheKey(req Request) string {
	var b strings.Builder
	b.WriteString(req.Input)
	for _, s := range []string{req.Context, req.Config.SourceLanguage, req.Config.TargetLanguage, req.Config.Mode} {
		b.WriteByte(0)
		b.WriteString(s)
	}
	b.WriteByte(0)
	if req.Config.Temperature != nil {
		b.WriteString(strconv.FormatFloat(*req.Config.Temperature, 'g', -1, 64))
	}
	if req.Form != nil {
		b.WriteByte(0)
		b.WriteString(req.Form.describe())
	}
	if req.Field != nil {
		b.WriteByte(0)
		b.WriteString(req.Field.describe())
	}
	return b.String()
}

// target is one on-device invocation: a session of kind configured with
// opts, fed parts in order.
type target struct {
	kind  capability.Kind
	opts  capability.Options
	parts []string
	// oneShot releases the session afterwards so the next operation starts
	// without this conversation's history.
	oneShot bool
}

// split chunks input for a session, so large inputs are invoked section by
// section.
func (d *Dispatcher) split(input string) []string {
	return chunk.Split(input, d.chunkSize)
}

// onDevice runs t through a pooled session. A zero text with a nil error and
// a non-Ready status means the capability must be downloaded first.
func (d *Dispatcher) onDevice(ctx context.Context, t target) (string, capability.Status, error) {
	sess, st, err := d.pool.Acquire(ctx, t.kind, t.opts)
	if err != nil {
		return "", st, err
	}
	if sess == nil {
		return "", st, nil
	}
	if t.oneShot {
		defer d.pool.Release(t.kind, t.opts.Key(t.kind))
	}

	outs := make([]string, 0, len(t.parts))
	for i, part := range t.parts {
		out, err := sess.Invoke(ctx, part)
		if err != nil {
			if len(t.parts) > 1 {
				err = fmt.Errorf("section %d of %d: %w", i+1, len(t.parts), err)
			}
			return "", st, err
		}
		outs = append(outs, strings.TrimSpace(out))
	}
	text := chunk.Recombine(outs)
	if isBlank(text) {
		return "", st, fmt.Errorf("%s: %w: %w", t.kind, capability.ErrInvocationFailed, provider.ErrEmptyResponse)
	}
	return text, st, nil
}

var errNoCloud = fmt.Errorf("no cloud provider configured: %w", capability.ErrCapabilityUnavailable)

// cloudComplete asks the cloud provider and records what it cost.
func (d *Dispatcher) cloudComplete(ctx context.Context, op Operation, system, input string, temperature *float64) (string, error) {
	if d.cloud == nil {
		return "", errNoCloud
	}
	req := provider.UserPrompt(system, input)
	req.Temperature = temperature
	resp, err := d.cloud.Complete(ctx, req)
	if err != nil {
		return "", fmt.Errorf("cloud %s: %w: %w", d.cloud.Name(), capability.ErrInvocationFailed, err)
	}
	model := resp.Model
	if model == "" {
		model = d.cloud.DefaultModel()
	}
	cost := d.metrics.RecordCloudCall(string(op), model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	d.logger.Debug("cloud call", "op", string(op), "model", model, "cost", metrics.FormatCost(cost))
	return strings.TrimSpace(resp.Text), nil
}

// fallback is one secondary attempt in a chain.
type fallback struct {
	name string
	path metrics.Path
	run  func(ctx context.Context) (string, error)
}

// onDeviceFallback wraps an on-device target as a fallback step. A target
// that is not Ready counts as a failed step here: the caller asked for the
// operation, not for this particular model.
func (d *Dispatcher) onDeviceFallback(name string, t target) fallback {
	return fallback{name: name, path: metrics.PathOnDevice, run: func(ctx context.Context) (string, error) {
		text, st, err := d.onDevice(ctx, t)
		if err != nil {
			return "", err
		}
		if st.State != capability.Ready {
			return "", fmt.Errorf("%s: %s", t.kind, st)
		}
		return text, nil
	}}
}

func (d *Dispatcher) cloudFallback(op Operation, system, input string, temperature *float64) fallback {
	name := "cloud"
	if d.cloud != nil {
		name = d.cloud.Name()
	}
	return fallback{name: name, path: metrics.PathCloud, run: func(ctx context.Context) (string, error) {
		return d.cloudComplete(ctx, op, system, input, temperature)
	}}
}

// chain runs the primary target and then each fallback until one succeeds.
// A primary that needs downloading is returned as is. A result from a
// fallback is Degraded. When every step fails the primary's error decides
// the ErrorKind and the joined chain becomes the Message.
func (d *Dispatcher) chain(ctx context.Context, primary target, fallbacks ...fallback) Result {
	text, st, err := d.onDevice(ctx, primary)
	if err == nil && st.State != capability.Ready {
		return pending(primary.kind, st)
	}
	if err == nil {
		return Result{Outcome: Success, Kind: primary.kind, Path: metrics.PathOnDevice, Text: text, Chunks: len(primary.parts)}
	}

	errs := []error{err}
	for _, fb := range fallbacks {
		if ctx.Err() != nil {
			break
		}
		d.logger.Info("falling back", "kind", primary.kind.String(), "to", fb.name, "error", err)
		text, ferr := fb.run(ctx)
		if ferr == nil {
			return Result{
				Outcome:  Degraded,
				Kind:     primary.kind,
				Path:     fb.path,
				Text:     text,
				Fallback: true,
				Reason:   fmt.Sprintf("%s could not serve (%v); answered by %s", primary.kind, err, fb.name),
			}
		}
		errs = append(errs, fmt.Errorf("%s: %w", fb.name, ferr))
	}
	res := failed(primary.kind, errors.Join(errs...))
	res.ErrorKind = classify(err)
	return res
}

func isBlank(s string) bool { return strings.TrimSpace(s) == "" }
