package provider

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

const (
	defaultMaxRetries = 3
	defaultBaseDelay  = 2 * time.Second
	defaultMaxDelay   = 30 * time.Second
	jitterPercent     = 30 // ±30% jitter
)

// RetryOptions configures WithRetry. Zero values use the defaults.
type RetryOptions struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *slog.Logger
}

type retrying struct {
	Provider
	opts RetryOptions
}

// WithRetry wraps p so that rate limits, server errors and network failures
// are retried with exponential backoff.
func WithRetry(p Provider, opts RetryOptions) Provider {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &retrying{Provider: p, opts: opts}
}

func (r *retrying) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	for attempt := 0; ; attempt++ {
		resp, err := r.Provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if attempt >= r.opts.MaxRetries || !isRetryableError(err) {
			return nil, err
		}
		delay := retryDelay(attempt, r.opts.BaseDelay, r.opts.MaxDelay)
		r.opts.Logger.Warn("retrying cloud request",
			"provider", r.Name(), "attempt", attempt+1, "max", r.opts.MaxRetries,
			"delay", delay.Round(time.Millisecond), "error", truncateError(err))
		if sleepErr := sleepWithContext(ctx, delay); sleepErr != nil {
			return nil, errors.Join(err, sleepErr)
		}
	}
}

// isRetryableError checks if an error is worth retrying (rate limit, server error, network).
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var oe *openai.Error
	if errors.As(err, &oe) {
		return retryableStatus(oe.StatusCode)
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return retryableStatus(ae.StatusCode)
	}

	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit") {
		return true
	}
	if strings.Contains(msg, "529") || strings.Contains(msg, "overloaded") {
		return true
	}
	for _, code := range []string{"500", "502", "503", "504"} {
		if strings.Contains(msg, code) {
			return true
		}
	}
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "temporary failure")
}

func retryableStatus(code int) bool {
	return code == 429 || code == 529 || (code >= 500 && code <= 504)
}

// retryDelay returns the delay for attempt n (0-indexed) with jitter.
func retryDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	delay := base
	for range attempt {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	span := int64(delay) * jitterPercent * 2 / 100
	if span <= 0 {
		return delay
	}
	jitter := time.Duration(rand.Int64N(span)) - time.Duration(int64(delay)*jitterPercent/100)
	return delay + jitter
}

// sleepWithContext sleeps for d, but returns early if ctx is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncateError(err error) string {
	s := err.Error()
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}
