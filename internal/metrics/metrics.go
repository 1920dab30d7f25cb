// Package metrics accumulates request counts, latency and cloud spend for a
// dispatcher.
package metrics

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ModelPricing holds per-million-token pricing for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultPricing returns built-in pricing for the cloud models the fallback
// path is normally configured with.
func DefaultPricing() map[string]ModelPricing {
	return map[string]ModelPricing{
		// OpenRouter ids
		"anthropic/claude-sonnet-4.5": {3.0, 15.0},
		"anthropic/claude-haiku-4.5":  {1.0, 5.0},
		"openai/gpt-4o-mini":          {0.15, 0.60},
		"google/gemini-2.5-flash":     {0.30, 2.50},
		// Native ids
		"claude-sonnet-4-5": {3.0, 15.0},
		"claude-haiku-4-5":  {1.0, 5.0},
		"gpt-4o":            {2.50, 10.0},
		"gpt-4o-mini":       {0.15, 0.60},
		"deepseek-chat":     {0.27, 1.10},
	}
}

// Path says which provider answered a request.
type Path int

const (
	PathOnDevice Path = iota
	PathCloud
	PathHeuristic
	PathCache
)

func (p Path) String() string {
	switch p {
	case PathOnDevice:
		return "on-device"
	case PathCloud:
		return "cloud"
	case PathHeuristic:
		return "heuristic"
	case PathCache:
		return "cache"
	default:
		return "unknown"
	}
}

func (p Path) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// CloudCall records one request served by a cloud provider.
type CloudCall struct {
	Operation    string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	Timestamp    time.Time
}

// Snapshot is a copy of the counters at one point in time.
type Snapshot struct {
	TotalRequests       int
	CacheHits           int
	Failures            int
	Fallbacks           int
	StreamingOperations int
	ParallelOperations  int
	AverageResponseTime time.Duration
	ByPath              map[Path]int
	CloudCalls          int
	CloudCost           float64
}

// CacheHitRate is CacheHits / TotalRequests, or 0 with no requests.
func (s Snapshot) CacheHitRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(s.TotalRequests)
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	requests  int
	cacheHits int
	failures  int
	fallbacks int
	streaming int
	parallel  int
	totalTime time.Duration
	byPath    map[Path]int
	calls     []CloudCall
	cloudCost float64
	pricing   map[string]ModelPricing
}

// NewTracker creates a Tracker with default pricing and optional overrides.
func NewTracker(overrides map[string]ModelPricing) *Tracker {
	pricing := DefaultPricing()
	for k, v := range overrides {
		pricing[k] = v
	}
	return &Tracker{pricing: pricing, byPath: make(map[Path]int)}
}

// RecordRequest records a completed operation. The running average is over
// every request, cache hits included.
func (t *Tracker) RecordRequest(path Path, elapsed time.Duration, failed, fallback bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests++
	t.totalTime += elapsed
	t.byPath[path]++
	if path == PathCache {
		t.cacheHits++
	}
	if failed {
		t.failures++
	}
	if fallback {
		t.fallbacks++
	}
}

// RecordStreaming counts a streamed operation.
func (t *Tracker) RecordStreaming() {
	t.mu.Lock()
	t.streaming++
	t.mu.Unlock()
}

// RecordParallel counts operations started by a batch.
func (t *Tracker) RecordParallel(n int) {
	t.mu.Lock()
	t.parallel += n
	t.mu.Unlock()
}

// RecordCloudCall records token usage of a cloud call and returns its cost.
func (t *Tracker) RecordCloudCall(op, model string, inputTokens, outputTokens int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	cost := t.calculateCost(model, inputTokens, outputTokens)
	t.cloudCost += cost
	t.calls = append(t.calls, CloudCall{
		Operation:    op,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
		Timestamp:    time.Now(),
	})
	return cost
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		TotalRequests:       t.requests,
		CacheHits:           t.cacheHits,
		Failures:            t.failures,
		Fallbacks:           t.fallbacks,
		StreamingOperations: t.streaming,
		ParallelOperations:  t.parallel,
		ByPath:              make(map[Path]int, len(t.byPath)),
		CloudCalls:          len(t.calls),
		CloudCost:           t.cloudCost,
	}
	if t.requests > 0 {
		s.AverageResponseTime = t.totalTime / time.Duration(t.requests)
	}
	for k, v := range t.byPath {
		s.ByPath[k] = v
	}
	return s
}

// Summary returns a formatted multi-line report.
func (t *Tracker) Summary() string {
	s := t.Snapshot()
	if s.TotalRequests == 0 && s.StreamingOperations == 0 {
		return "No requests recorded."
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Requests: %d (failed %d, fallback %d)\n", s.TotalRequests, s.Failures, s.Fallbacks)
	fmt.Fprintf(&sb, "Cache hits: %d (%.0f%%)\n", s.CacheHits, s.CacheHitRate()*100)
	fmt.Fprintf(&sb, "Average response: %s\n", s.AverageResponseTime.Round(time.Millisecond))
	fmt.Fprintf(&sb, "Streaming: %d  Parallel: %d\n", s.StreamingOperations, s.ParallelOperations)
	for _, p := range []Path{PathOnDevice, PathCloud, PathHeuristic, PathCache} {
		if n := s.ByPath[p]; n > 0 {
			fmt.Fprintf(&sb, "  %-10s %d\n", p, n)
		}
	}
	fmt.Fprintf(&sb, "Cloud: %d calls, %s", s.CloudCalls, FormatCost(s.CloudCost))
	return sb.String()
}

// FormatCost returns a compact cost string like "$0.12".
func FormatCost(cost float64) string {
	if cost < 0.01 {
		return fmt.Sprintf("$%.4f", cost)
	}
	return fmt.Sprintf("$%.2f", cost)
}

// calculateCost computes the dollar cost for a call. Must be called with lock held.
func (t *Tracker) calculateCost(model string, inputTokens, outputTokens int) float64 {
	p, ok := t.pricing[model]
	if !ok {
		// Versioned names such as "gpt-4o-2024-08-06".
		for name, pricing := range t.pricing {
			if strings.HasPrefix(model, name) {
				p = pricing
				ok = true
				break
			}
		}
	}
	if !ok {
		return 0
	}
	return (float64(inputTokens) * p.InputPerMillion / 1_000_000) +
		(float64(outputTokens) * p.OutputPerMillion / 1_000_000)
}
