package dispatch

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/Techy2419/DocuGuide/internal/capability"
	"github.com/Techy2419/DocuGuide/internal/language"
	"github.com/Techy2419/DocuGuide/internal/metrics"
)

const (
	qaSystemPrompt = "You are a helpful assistant that answers questions about documents and forms. " +
		"Answer clearly and concisely, and say so when the document does not contain the answer."
	generateSystemPrompt = "You write clear, helpful content for people filling in forms. Reply with the content only."
	sectionContext       = "This text is one section of a longer document."
)

// writingModes maps an improve-writing mode to its instruction.
var writingModes = map[string]string{
	"proofread": "Correct spelling, grammar and punctuation in the user's text without changing its meaning. " +
		"Reply with the corrected text only.",
	"formal":   "Rewrite the user's text in a formal, professional tone. Reply with the rewritten text only.",
	"simplify": "Rewrite the user's text in plain language that is easy to understand. Reply with the rewritten text only.",
	"expand":   "Expand the user's text with helpful detail while keeping its meaning. Reply with the expanded text only.",
}

// Summarize condenses text. mode is a summary type such as "key-points" or "tldr".
func (d *Dispatcher) Summarize(ctx context.Context, text, mode string) Result {
	return d.Execute(ctx, Request{Operation: OpSummarize, Input: text, Config: Config{Mode: mode}})
}

// Translate translates text into target. An empty source is auto-detected.
func (d *Dispatcher) Translate(ctx context.Context, text, target, source string) Result {
	return d.Execute(ctx, Request{Operation: OpTranslate, Input: text,
		Config: Config{TargetLanguage: target, SourceLanguage: source}})
}

// DetectLanguage identifies the language of text.
func (d *Dispatcher) DetectLanguage(ctx context.Context, text string) Result {
	return d.Execute(ctx, Request{Operation: OpDetectLanguage, Input: text})
}

// Ask answers question, optionally about a document given as docContext.
// Questions share one conversation.
func (d *Dispatcher) Ask(ctx context.Context, question, docContext string) Result {
	return d.Execute(ctx, Request{Operation: OpAsk, Input: question, Context: docContext})
}

// ImproveWriting proofreads or rewrites text. mode defaults to "proofread".
func (d *Dispatcher) ImproveWriting(ctx context.Context, text, mode string) Result {
	return d.Execute(ctx, Request{Operation: OpImproveWriting, Input: text, Config: Config{Mode: mode}})
}

// GenerateContent writes new content for prompt in the given tone.
func (d *Dispatcher) GenerateContent(ctx context.Context, prompt, tone string) Result {
	return d.Execute(ctx, Request{Operation: OpGenerateContent, Input: prompt, Config: Config{Mode: tone}})
}

func (d *Dispatcher) summarizeTarget(ctx context.Context, req Request) (target, *Analysis) {
	t := target{
		kind:  capability.Summarize,
		opts:  capability.Options{Mode: req.Config.Mode},
		parts: d.split(req.Input),
	}
	var contexts []string
	analysis := d.enrichment(ctx, req.Input)
	if analysis != nil {
		if p := contextPrompt(OpSummarize, analysis.DocumentType); p != "" {
			contexts = append(contexts, p)
		}
	}
	if len(t.parts) > 1 {
		contexts = append(contexts, sectionContext)
	}
	t.opts.SharedContext = strings.Join(contexts, " ")
	return t, analysis
}

// summarize has no fallback beyond chunking.
func (d *Dispatcher) summarize(ctx context.Context, req Request) Result {
	t, analysis := d.summarizeTarget(ctx, req)
	res := d.chain(ctx, t)
	if res.Success() {
		attachInsights(&res, OpSummarize, analysis)
	}
	return res
}

// resolveSource settles the source language of a translation. The returned
// Translation is filled in except for Unchanged.
func (d *Dispatcher) resolveSource(ctx context.Context, req Request) *Translation {
	tr := &Translation{Target: language.Normalize(req.Config.TargetLanguage)}
	if tr.Target == "" {
		tr.Target = req.Config.TargetLanguage
	}

	if src := language.Normalize(req.Config.SourceLanguage); src != "" {
		tr.Source = src
	} else {
		det, st, err := d.detect(ctx, d.split(req.Input)[0])
		switch {
		case err != nil || det == nil:
			d.logger.Debug("source detection unavailable, assuming default", "status", st.String(), "error", err)
			tr.Source, tr.Defaulted = language.Default, true
		case det.Confidence < LowConfidenceThreshold:
			tr.Source, tr.Defaulted, tr.Detected = language.Default, true, det
		default:
			tr.Source, tr.Detected = det.Language, det
		}
	}
	tr.SourceName = language.Name(tr.Source)
	tr.TargetName = language.Name(tr.Target)
	return tr
}

// translate detects the source language when none is given, defaulting to
// English below LowConfidenceThreshold. Same-language requests return the
// input unchanged.
func (d *Dispatcher) translate(ctx context.Context, req Request) Result {
	analysis := d.enrichment(ctx, req.Input)
	tr := d.resolveSource(ctx, req)

	var res Result
	if language.Same(tr.Source, tr.Target) {
		tr.Unchanged = true
		res = Result{Outcome: Success, Kind: capability.Translate, Path: metrics.PathHeuristic, Text: req.Input}
	} else {
		res = d.chain(ctx, target{
			kind:  capability.Translate,
			opts:  capability.Options{SourceLanguage: tr.Source, TargetLanguage: tr.Target},
			parts: d.split(req.Input),
		})
	}
	if res.Success() {
		res.Translation = tr
		attachInsights(&res, OpTranslate, analysis)
	}
	return res
}

type detectedLanguage struct {
	DetectedLanguage string  `json:"detectedLanguage"`
	Confidence       float64 `json:"confidence"`
}

// parseDetection reads the detector's JSON reply: an array of candidates or
// a single object.
func parseDetection(raw string) (*Detection, error) {
	var found []detectedLanguage
	if s, ok := extractJSON(raw, '[', ']'); ok {
		if err := json.Unmarshal([]byte(s), &found); err != nil {
			found = nil
		}
	}
	if len(found) == 0 {
		var one detectedLanguage
		if s, ok := extractJSON(raw, '{', '}'); ok && json.Unmarshal([]byte(s), &one) == nil {
			found = append(found, one)
		}
	}

	var cands []Candidate
	for _, f := range found {
		code := language.Normalize(f.DetectedLanguage)
		if code == "" {
			continue
		}
		cands = append(cands, Candidate{
			Language:   code,
			Name:       language.Name(code),
			Confidence: min(max(f.Confidence, 0), 1),
		})
	}
	if len(cands) == 0 {
		return nil, fmt.Errorf("unrecognized detector reply %q", truncateRunes(raw, 80))
	}
	slices.SortStableFunc(cands, func(a, b Candidate) int { return cmp.Compare(b.Confidence, a.Confidence) })

	return &Detection{
		Candidate:    cands[0],
		Reliable:     cands[0].Confidence > ReliableThreshold,
		Alternatives: cands[:min(3, len(cands))],
	}, nil
}

// detect runs the detector on text. A nil Detection with a nil error means
// the detector is not Ready; st says why.
func (d *Dispatcher) detect(ctx context.Context, text string) (*Detection, capability.Status, error) {
	raw, st, err := d.onDevice(ctx, target{kind: capability.DetectLanguage, parts: []string{text}})
	if err != nil || st.State != capability.Ready {
		return nil, st, err
	}
	det, err := parseDetection(raw)
	if err != nil {
		return nil, st, fmt.Errorf("%s: %w: %w", capability.DetectLanguage, capability.ErrInvocationFailed, err)
	}
	return det, st, nil
}

// detectLanguage examines the first section only.
func (d *Dispatcher) detectLanguage(ctx context.Context, req Request) Result {
	det, st, err := d.detect(ctx, d.split(req.Input)[0])
	if err != nil {
		return failed(capability.DetectLanguage, err)
	}
	if det == nil {
		return pending(capability.DetectLanguage, st)
	}
	return Result{
		Outcome:   Success,
		Kind:      capability.DetectLanguage,
		Path:      metrics.PathOnDevice,
		Text:      det.Language,
		Detection: det,
	}
}

func (d *Dispatcher) askTarget(ctx context.Context, req Request) (target, *Analysis) {
	opts := capability.Options{Slot: capability.DefaultSlot, SystemPrompt: qaSystemPrompt, Temperature: req.Config.Temperature}
	var analysis *Analysis
	if req.Context != "" {
		if analysis = d.enrichment(ctx, req.Context); analysis != nil {
			if p := contextPrompt(OpAsk, analysis.DocumentType); p != "" {
				opts.SystemPrompt = p
			}
		}
	}
	input := req.Input
	if req.Context != "" {
		input = fmt.Sprintf("Context: %s\n\nQuestion: %s", req.Context, req.Input)
	}
	return target{kind: capability.Prompt, opts: opts, parts: []string{input}}, analysis
}

// ask has no fallback; an exhausted conversation is rotated by the pool.
func (d *Dispatcher) ask(ctx context.Context, req Request) Result {
	t, analysis := d.askTarget(ctx, req)
	res := d.chain(ctx, t)
	if res.Success() {
		attachInsights(&res, OpAsk, analysis)
	}
	return res
}

func writingMode(mode string) string {
	if mode == "" {
		return "proofread"
	}
	return mode
}

// writingTarget is the primary of improve-writing: the proofreader for
// proofreading, a one-shot prompt session for the rewriting modes.
func writingTarget(req Request) target {
	mode := writingMode(req.Config.Mode)
	if mode == "proofread" {
		return target{kind: capability.Proofread, parts: []string{req.Input}}
	}
	return target{
		kind:    capability.Prompt,
		opts:    capability.Options{Slot: "rewrite-" + mode, SystemPrompt: writingModes[mode], Temperature: req.Config.Temperature},
		parts:   []string{req.Input},
		oneShot: true,
	}
}

// improveWriting falls back from the proofreader to a general prompt session
// told to proofread, then to the cloud.
func (d *Dispatcher) improveWriting(ctx context.Context, req Request) Result {
	mode := writingMode(req.Config.Mode)
	primary := writingTarget(req)

	var fallbacks []fallback
	if primary.kind == capability.Proofread {
		fallbacks = append(fallbacks, d.onDeviceFallback("on-device prompt", target{
			kind:    capability.Prompt,
			opts:    capability.Options{Slot: "proofread", SystemPrompt: writingModes[mode], Temperature: req.Config.Temperature},
			parts:   []string{req.Input},
			oneShot: true,
		}))
	}
	fallbacks = append(fallbacks, d.cloudFallback(OpImproveWriting, writingModes[mode], req.Input, req.Config.Temperature))

	res := d.chain(ctx, primary, fallbacks...)
	if res.Success() {
		res.Writing = &Writing{Mode: mode, Changed: strings.TrimSpace(res.Text) != strings.TrimSpace(req.Input)}
	}
	return res
}

// generateContent falls back from the writer to a general prompt session.
func (d *Dispatcher) generateContent(ctx context.Context, req Request) Result {
	primary := target{
		kind:  capability.Write,
		opts:  capability.Options{Mode: req.Config.Mode, Temperature: req.Config.Temperature},
		parts: []string{req.Input},
	}
	system := generateSystemPrompt
	if req.Config.Mode != "" {
		system += " Use a " + req.Config.Mode + " tone."
	}
	res := d.chain(ctx, primary, d.onDeviceFallback("on-device prompt", target{
		kind:    capability.Prompt,
		opts:    capability.Options{Slot: "write", SystemPrompt: system, Temperature: req.Config.Temperature},
		parts:   []string{req.Input},
		oneShot: true,
	}))
	if res.Success() {
		res.Writing = &Writing{Mode: req.Config.Mode, Changed: true}
	}
	return res
}
