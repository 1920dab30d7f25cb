package dispatch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/Techy2419/DocuGuide/internal/capability"
	"github.com/Techy2419/DocuGuide/internal/chunk"
	"github.com/Techy2419/DocuGuide/internal/language"
	"github.com/Techy2419/DocuGuide/internal/metrics"
	"github.com/Techy2419/DocuGuide/internal/stream"
)

// Stream runs req on its primary capability and returns the output as it is
// produced. When the returned sequence is nil the Result says why: the
// capability needs downloading, the request was invalid, it failed, or
// (for a same-language translation) the answer is already in Result.Text.
//
// Streams never fall back and are never cached: a partial stream cannot be
// replayed against another provider. Oversized inputs are streamed section
// by section with a blank line between sections. The sequence takes an
// admission slot and its session only once iteration starts, so a sequence
// that is never ranged over holds nothing.
func (d *Dispatcher) Stream(ctx context.Context, req Request, opts stream.Options) (iter.Seq2[string, error], Result) {
	if err := req.validate(); err != nil {
		res := failed(0, err)
		res.Operation = req.Operation
		return nil, res
	}

	t, res, ok := d.streamTarget(ctx, req)
	res.Operation = req.Operation
	if !ok {
		return nil, res
	}

	switch st := d.pool.Status(ctx, t.kind, t.opts); st.State {
	case capability.Unavailable:
		res = failed(t.kind, fmt.Errorf("%s: %w", t.kind, capability.ErrCapabilityUnavailable))
		res.Operation = req.Operation
		return nil, res
	case capability.Downloadable, capability.Downloading:
		res = pending(t.kind, st)
		res.Operation = req.Operation
		return nil, res
	}

	res.Outcome = Success
	res.Kind = t.kind
	res.Path = metrics.PathOnDevice
	res.Chunks = len(t.parts)

	seq := func(yield func(string, error) bool) {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			yield("", err)
			return
		}
		defer d.sem.Release(1)

		sess, st, err := d.pool.Acquire(ctx, t.kind, t.opts)
		if err == nil && sess == nil {
			err = errors.New(pending(t.kind, st).Message)
		}
		if err != nil {
			d.metrics.RecordRequest(metrics.PathOnDevice, 0, true, false)
			yield("", err)
			return
		}
		if t.oneShot {
			defer d.pool.Release(t.kind, t.opts.Key(t.kind))
		}
		defer sess.Hold()()

		start := time.Now()
		failedRun := false
		defer func() {
			d.metrics.RecordStreaming()
			d.metrics.RecordRequest(metrics.PathOnDevice, time.Since(start), failedRun, false)
		}()

		stopped := false
		o := opts
		if opts.Stop != nil {
			o.Stop = func(acc string) bool {
				stopped = opts.Stop(acc)
				return stopped
			}
		}

		for i, part := range t.parts {
			if i > 0 && !yield(chunk.Separator, nil) {
				return
			}
			for s, err := range stream.Consume(ctx, sess, part, o) {
				if err != nil {
					failedRun = true
					if len(t.parts) > 1 {
						err = fmt.Errorf("section %d of %d: %w", i+1, len(t.parts), err)
					}
					yield("", err)
					return
				}
				if !yield(s, nil) {
					return
				}
			}
			if stopped {
				return
			}
		}
	}
	return seq, res
}

// streamTarget resolves the primary target of a streamable operation. When
// ok is false the returned Result is final.
func (d *Dispatcher) streamTarget(ctx context.Context, req Request) (t target, res Result, ok bool) {
	switch req.Operation {
	case OpSummarize:
		var analysis *Analysis
		t, analysis = d.summarizeTarget(ctx, req)
		attachInsights(&res, OpSummarize, analysis)
		return t, res, true
	case OpTranslate:
		tr := d.resolveSource(ctx, req)
		res.Translation = tr
		if language.Same(tr.Source, tr.Target) {
			tr.Unchanged = true
			res.Outcome, res.Kind, res.Path, res.Text = Success, capability.Translate, metrics.PathHeuristic, req.Input
			return target{}, res, false
		}
		return target{
			kind:  capability.Translate,
			opts:  capability.Options{SourceLanguage: tr.Source, TargetLanguage: tr.Target},
			parts: d.split(req.Input),
		}, res, true
	case OpAsk:
		var analysis *Analysis
		t, analysis = d.askTarget(ctx, req)
		attachInsights(&res, OpAsk, analysis)
		return t, res, true
	case OpImproveWriting:
		res.Writing = &Writing{Mode: writingMode(req.Config.Mode)}
		return writingTarget(req), res, true
	case OpGenerateContent:
		res.Writing = &Writing{Mode: req.Config.Mode, Changed: true}
		return target{
			kind:  capability.Write,
			opts:  capability.Options{Mode: req.Config.Mode, Temperature: req.Config.Temperature},
			parts: []string{req.Input},
		}, res, true
	}
	return target{}, failed(0, fmt.Errorf("%w: %s cannot be streamed", ErrInvalidRequest, req.Operation)), false
}
