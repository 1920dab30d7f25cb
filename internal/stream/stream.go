// Package stream turns a capability's incremental output into a lazy
// sequence with progress reporting and optional early termination.
package stream

import (
	"context"
	"iter"
	"strings"
	"time"

	"github.com/Techy2419/DocuGuide/internal/capability"
)

// MaxStreamingPercent caps the progress estimate until the stream ends.
const MaxStreamingPercent = 95.0

// DefaultMinLength is the length SentenceComplete uses when given zero.
const DefaultMinLength = 100

// Source produces incremental output. *session.Session and every
// capability.Handle satisfy it.
type Source interface {
	InvokeStreaming(ctx context.Context, input string) (<-chan capability.Event, error)
}

// Progress is reported after every increment.
type Progress struct {
	Increment   string
	Accumulated string
	Count       int
	// Percent is an estimate in [0, 95] that never decreases.
	Percent float64
}

// Options configures Consume.
type Options struct {
	OnProgress func(Progress)
	// Stop is evaluated on the accumulated text after each increment; the
	// stream halts once it returns true.
	Stop func(accumulated string) bool
	// ExpectedLength is the length the progress estimate is scaled against.
	// It defaults to the prompt length.
	ExpectedLength int
}

// Consume returns the increments src produces for prompt, in production
// order. The sequence is single-use. Breaking out of the range loop, a Stop
// predicate firing, or ctx ending all cancel the producer; nothing keeps
// reading in the background. A producer error is yielded once as the final
// element.
func Consume(ctx context.Context, src Source, prompt string, opts Options) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch, err := src.InvokeStreaming(ctx, prompt)
		if err != nil {
			yield("", err)
			return
		}

		expected := opts.ExpectedLength
		if expected <= 0 {
			expected = len(prompt)
		}

		var acc strings.Builder
		count := 0
		percent := 0.0
		for {
			select {
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				switch ev.Type {
				case capability.EventTextDelta:
					if ev.TextDelta == "" {
						continue
					}
					acc.WriteString(ev.TextDelta)
					count++
					percent = max(percent, estimate(acc.Len(), expected))
					if opts.OnProgress != nil {
						opts.OnProgress(Progress{
							Increment:   ev.TextDelta,
							Accumulated: acc.String(),
							Count:       count,
							Percent:     percent,
						})
					}
					if !yield(ev.TextDelta, nil) {
						return
					}
					if opts.Stop != nil && opts.Stop(acc.String()) {
						return
					}
				case capability.EventDone:
					return
				case capability.EventError:
					yield("", ev.Error)
					return
				}
			}
		}
	}
}

func estimate(n, expected int) float64 {
	if expected <= 0 {
		return MaxStreamingPercent
	}
	return min(float64(n)/(float64(expected)*0.5)*100, MaxStreamingPercent)
}

// Result is a fully drained stream.
type Result struct {
	Text     string
	Chunks   []string
	Duration time.Duration
	// Stopped is true when the Stop predicate ended the stream early.
	Stopped bool
}

// Collect drains Consume into a Result. On error the partial output is
// returned alongside it.
func Collect(ctx context.Context, src Source, prompt string, opts Options) (Result, error) {
	start := time.Now()
	var res Result
	if stop := opts.Stop; stop != nil {
		opts.Stop = func(acc string) bool {
			res.Stopped = stop(acc)
			return res.Stopped
		}
	}

	var b strings.Builder
	for inc, err := range Consume(ctx, src, prompt, opts) {
		if err != nil {
			res.Text = b.String()
			res.Duration = time.Since(start)
			return res, err
		}
		b.WriteString(inc)
		res.Chunks = append(res.Chunks, inc)
	}
	res.Text = b.String()
	res.Duration = time.Since(start)
	return res, nil
}

// SentenceComplete reports true once the text is longer than minLen and
// contains terminal punctuation.
func SentenceComplete(minLen int) func(string) bool {
	if minLen <= 0 {
		minLen = DefaultMinLength
	}
	return func(s string) bool {
		return len(s) > minLen && strings.ContainsAny(s, ".!?")
	}
}
