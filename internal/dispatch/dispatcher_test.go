package dispatch_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Techy2419/DocuGuide/internal/cache"
	"github.com/Techy2419/DocuGuide/internal/capability"
	"github.com/Techy2419/DocuGuide/internal/capability/capabilitytest"
	"github.com/Techy2419/DocuGuide/internal/chunk"
	"github.com/Techy2419/DocuGuide/internal/dispatch"
	"github.com/Techy2419/DocuGuide/internal/metrics"
	"github.com/Techy2419/DocuGuide/internal/provider"
	"github.com/Techy2419/DocuGuide/internal/session"
)

// fakeCloud is a scripted cloud provider.
type fakeCloud struct {
	mu    sync.Mutex
	reply string
	err   error
	reqs  []*provider.ChatRequest
}

func (f *fakeCloud) Complete(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	return &provider.ChatResponse{
		Text:  f.reply,
		Model: "anthropic/claude-sonnet-4.5",
		Usage: provider.Usage{InputTokens: 100, OutputTokens: 50},
	}, nil
}

func (f *fakeCloud) Name() string         { return "fake-cloud" }
func (f *fakeCloud) DefaultModel() string { return "anthropic/claude-sonnet-4.5" }

func (f *fakeCloud) requests() []*provider.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*provider.ChatRequest(nil), f.reqs...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newDispatcher(t *testing.T, opts dispatch.Options, providers ...capability.Provider) (*dispatch.Dispatcher, *session.Pool) {
	t.Helper()
	reg := capability.NewRegistry(nil, nil, providers...)
	pool := session.NewPool(reg, session.Options{})
	t.Cleanup(pool.ReleaseAll)
	return dispatch.New(pool, opts), pool
}

func detectorReplying(reply string) *capabilitytest.Provider {
	return capabilitytest.New(capability.DetectLanguage).WithResponder(func(string, capability.Options) (string, error) {
		return reply, nil
	})
}

func longDocument(sentences int) string {
	var b strings.Builder
	for i := range sentences {
		fmt.Fprintf(&b, "Section %d explains which supporting documents the applicant must attach to the form. ", i)
	}
	return b.String()
}

func TestSummarize_Chunked(t *testing.T) {
	summarizer := capabilitytest.New(capability.Summarize)
	d, _ := newDispatcher(t, dispatch.Options{ChunkSize: 4000}, summarizer)

	doc := longDocument(120)
	parts := chunk.Split(doc, 4000)
	require.GreaterOrEqual(t, len(parts), 3)

	res := d.Summarize(context.Background(), doc, "key-points")
	require.Equal(t, dispatch.Success, res.Outcome, res.Message)
	assert.Equal(t, dispatch.OpSummarize, res.Operation)
	assert.Equal(t, metrics.PathOnDevice, res.Path)
	assert.Equal(t, len(parts), res.Chunks)
	assert.Equal(t, chunk.Recombine(parts), res.Text)

	require.Equal(t, 1, summarizer.CreateCount(), "one session serves every section")
	assert.Equal(t, parts, summarizer.Created()[0].Inputs())
	opts := summarizer.LastOptions()
	assert.Equal(t, "key-points", opts.Mode)
	assert.Equal(t, "This text is one section of a longer document.", opts.SharedContext)
}

func TestSummarize_SingleChunkHasNoSectionContext(t *testing.T) {
	summarizer := capabilitytest.New(capability.Summarize)
	d, _ := newDispatcher(t, dispatch.Options{}, summarizer)

	res := d.Summarize(context.Background(), "Bring two forms of ID.", "tldr")
	require.Equal(t, dispatch.Success, res.Outcome)
	assert.Equal(t, 1, res.Chunks)
	assert.Empty(t, summarizer.LastOptions().SharedContext)
}

func TestSummarize_NeedsDownload(t *testing.T) {
	summarizer := capabilitytest.New(capability.Summarize).WithStatus(capability.Downloadable)
	cloud := &fakeCloud{reply: "cloud summary"}
	d, _ := newDispatcher(t, dispatch.Options{Cloud: cloud}, summarizer)

	res := d.Summarize(context.Background(), "Some text to summarize.", "")
	assert.Equal(t, dispatch.NeedsDownload, res.Outcome)
	assert.False(t, res.Success())
	assert.Zero(t, summarizer.CreateCount())
	assert.Empty(t, cloud.requests(), "a missing download is reported, not replaced")
}

func TestSummarize_Downloading(t *testing.T) {
	summarizer := capabilitytest.New(capability.Summarize).WithProgress(42)
	d, _ := newDispatcher(t, dispatch.Options{}, summarizer)

	res := d.Summarize(context.Background(), "Some text to summarize.", "")
	assert.Equal(t, dispatch.Downloading, res.Outcome)
	assert.InDelta(t, 42, res.Progress, 1e-9)
	assert.Contains(t, res.Message, "42%")
}

func TestSummarize_NoFallback(t *testing.T) {
	cloud := &fakeCloud{reply: "cloud summary"}
	d, _ := newDispatcher(t, dispatch.Options{Cloud: cloud})

	res := d.Summarize(context.Background(), "Some text to summarize.", "")
	assert.Equal(t, dispatch.Failed, res.Outcome)
	assert.Equal(t, dispatch.ErrKindCapabilityUnavailable, res.ErrorKind)
	assert.ErrorIs(t, res.Err, capability.ErrCapabilityUnavailable)
	assert.Empty(t, cloud.requests())
}

func TestSummarize_SectionFailure(t *testing.T) {
	calls := 0
	summarizer := capabilitytest.New(capability.Summarize).WithResponder(func(input string, _ capability.Options) (string, error) {
		calls++
		if calls == 2 {
			return "", errors.New("model crashed")
		}
		return input, nil
	})
	d, _ := newDispatcher(t, dispatch.Options{ChunkSize: 4000}, summarizer)

	res := d.Summarize(context.Background(), longDocument(120), "")
	assert.Equal(t, dispatch.Failed, res.Outcome)
	assert.Equal(t, dispatch.ErrKindInvocationFailed, res.ErrorKind)
	assert.Contains(t, res.Message, "section 2 of")
}

func TestTranslate_LowConfidenceDefaultsToEnglish(t *testing.T) {
	translator := capabilitytest.New(capability.Translate).WithResponder(func(string, capability.Options) (string, error) {
		return "Hola a todos", nil
	})
	detector := detectorReplying(`[{"detectedLanguage":"fr","confidence":0.3}]`)
	d, _ := newDispatcher(t, dispatch.Options{}, translator, detector)

	res := d.Translate(context.Background(), "Bonjour tout le monde", "es", "")
	require.Equal(t, dispatch.Success, res.Outcome, res.Message)
	assert.Equal(t, "Hola a todos", res.Text)

	require.NotNil(t, res.Translation)
	assert.Equal(t, "en", res.Translation.Source)
	assert.Equal(t, "es", res.Translation.Target)
	assert.Equal(t, "Spanish", res.Translation.TargetName)
	assert.True(t, res.Translation.Defaulted)
	require.NotNil(t, res.Translation.Detected)
	assert.Equal(t, "fr", res.Translation.Detected.Language)

	opts := translator.LastOptions()
	assert.Equal(t, "en", opts.SourceLanguage)
	assert.Equal(t, "es", opts.TargetLanguage)
}

func TestTranslate_ConfidentDetection(t *testing.T) {
	translator := capabilitytest.New(capability.Translate)
	detector := detectorReplying(`Sure! [{"detectedLanguage":"fr","confidence":0.93},{"detectedLanguage":"it","confidence":0.04}]`)
	d, _ := newDispatcher(t, dispatch.Options{}, translator, detector)

	res := d.Translate(context.Background(), "Bonjour tout le monde", "en", "")
	require.Equal(t, dispatch.Success, res.Outcome, res.Message)
	assert.Equal(t, "fr", res.Translation.Source)
	assert.False(t, res.Translation.Defaulted)
	assert.Equal(t, "fr", translator.LastOptions().SourceLanguage)
}

func TestTranslate_SameLanguageUnchanged(t *testing.T) {
	translator := capabilitytest.New(capability.Translate)
	detector := detectorReplying(`{"detectedLanguage":"en","confidence":0.95}`)
	d, _ := newDispatcher(t, dispatch.Options{}, translator, detector)

	res := d.Translate(context.Background(), "Hello there", "en", "")
	require.Equal(t, dispatch.Success, res.Outcome)
	assert.Equal(t, "Hello there", res.Text)
	assert.Equal(t, metrics.PathHeuristic, res.Path)
	assert.True(t, res.Translation.Unchanged)
	assert.Zero(t, translator.CreateCount())
}

func TestTranslate_NoDetectorAssumesEnglish(t *testing.T) {
	translator := capabilitytest.New(capability.Translate)
	d, _ := newDispatcher(t, dispatch.Options{}, translator)

	res := d.Translate(context.Background(), "Where do I sign?", "de", "")
	require.Equal(t, dispatch.Success, res.Outcome, res.Message)
	assert.Equal(t, "en", res.Translation.Source)
	assert.True(t, res.Translation.Defaulted)
	assert.Nil(t, res.Translation.Detected)
}

func TestTranslate_ExplicitSourceSkipsDetection(t *testing.T) {
	translator := capabilitytest.New(capability.Translate)
	detector := detectorReplying(`{"detectedLanguage":"en","confidence":0.95}`)
	d, _ := newDispatcher(t, dispatch.Options{}, translator, detector)

	res := d.Translate(context.Background(), "Guten Tag", "en", "de")
	require.Equal(t, dispatch.Success, res.Outcome, res.Message)
	assert.Equal(t, "de", res.Translation.Source)
	assert.Zero(t, detector.CreateCount())
}

func TestTranslate_MissingTarget(t *testing.T) {
	d, _ := newDispatcher(t, dispatch.Options{})
	res := d.Translate(context.Background(), "Hello", "", "")
	assert.Equal(t, dispatch.Failed, res.Outcome)
	assert.Equal(t, dispatch.ErrKindInvalidRequest, res.ErrorKind)
}

func TestDetectLanguage(t *testing.T) {
	detector := detectorReplying("```json\n" + `[
		{"detectedLanguage":"pt","confidence":0.05},
		{"detectedLanguage":"es","confidence":0.92},
		{"detectedLanguage":"gl","confidence":0.02},
		{"detectedLanguage":"it","confidence":0.01}
	]` + "\n```")
	d, _ := newDispatcher(t, dispatch.Options{}, detector)

	res := d.DetectLanguage(context.Background(), "¿Dónde firmo el formulario?")
	require.Equal(t, dispatch.Success, res.Outcome, res.Message)
	assert.Equal(t, "es", res.Text)
	require.NotNil(t, res.Detection)
	assert.Equal(t, "Spanish", res.Detection.Name)
	assert.True(t, res.Detection.Reliable)
	require.Len(t, res.Detection.Alternatives, 3)
	assert.Equal(t, "pt", res.Detection.Alternatives[1].Language)
}

func TestDetectLanguage_UnparseableReply(t *testing.T) {
	d, _ := newDispatcher(t, dispatch.Options{}, detectorReplying("I think it's French"))

	res := d.DetectLanguage(context.Background(), "Bonjour")
	assert.Equal(t, dispatch.Failed, res.Outcome)
	assert.Equal(t, dispatch.ErrKindInvocationFailed, res.ErrorKind)
}

func TestImproveWriting_FallsBackToPrompt(t *testing.T) {
	proofreader := capabilitytest.New(capability.Proofread).WithStatus(capability.Unavailable)
	prompt := capabilitytest.New(capability.Prompt).WithResponder(func(input string, _ capability.Options) (string, error) {
		return "Corrected: " + input, nil
	})
	d, pool := newDispatcher(t, dispatch.Options{}, proofreader, prompt)

	for _, input := range []string{"i has a apple", "teh form is due monday", "Their going to sign it"} {
		res := d.ImproveWriting(context.Background(), input, "")
		require.Equal(t, dispatch.Degraded, res.Outcome, res.Message)
		assert.True(t, res.Success())
		assert.True(t, res.Fallback)
		assert.Equal(t, metrics.PathOnDevice, res.Path)
		assert.Equal(t, "Corrected: "+input, res.Text)
		assert.Contains(t, res.Reason, "on-device prompt")
		require.NotNil(t, res.Writing)
		assert.Equal(t, "proofread", res.Writing.Mode)
		assert.True(t, res.Writing.Changed)
	}

	opts := prompt.LastOptions()
	assert.Equal(t, "proofread", opts.Slot)
	assert.Contains(t, opts.SystemPrompt, "Correct spelling")
	assert.Zero(t, pool.Len(), "the fallback session is released after use")
	assert.Equal(t, 3, d.Metrics().Snapshot().Fallbacks)
}

func TestImproveWriting_FallsBackToCloud(t *testing.T) {
	proofreader := capabilitytest.New(capability.Proofread).WithCreateError(errors.New("model crashed"))
	prompt := capabilitytest.New(capability.Prompt).WithStatus(capability.Downloadable)
	cloud := &fakeCloud{reply: "  I have an apple.  "}
	d, _ := newDispatcher(t, dispatch.Options{Cloud: cloud}, proofreader, prompt)

	res := d.ImproveWriting(context.Background(), "i has a apple", "proofread")
	require.Equal(t, dispatch.Degraded, res.Outcome, res.Message)
	assert.Equal(t, metrics.PathCloud, res.Path)
	assert.Equal(t, "I have an apple.", res.Text)
	assert.Contains(t, res.Reason, "model crashed")
	assert.Contains(t, res.Reason, "fake-cloud")

	reqs := cloud.requests()
	require.Len(t, reqs, 1)
	assert.Contains(t, reqs[0].SystemPrompt, "Correct spelling")
	require.Len(t, reqs[0].Messages, 1)
	assert.Equal(t, "i has a apple", reqs[0].Messages[0].Content)

	snap := d.Metrics().Snapshot()
	assert.Equal(t, 1, snap.CloudCalls)
	assert.Positive(t, snap.CloudCost)
	assert.Equal(t, 1, snap.ByPath[metrics.PathCloud])
}

func TestImproveWriting_AllFail(t *testing.T) {
	tests := []struct {
		name      string
		providers []capability.Provider
		want      dispatch.ErrorKind
	}{
		{"no proofreader", nil, dispatch.ErrKindCapabilityUnavailable},
		{
			"proofreader throws",
			[]capability.Provider{capabilitytest.New(capability.Proofread).WithResponder(func(string, capability.Options) (string, error) {
				return "", errors.New("transient runtime error")
			})},
			dispatch.ErrKindInvocationFailed,
		},
		{
			"proofreader cannot start",
			[]capability.Provider{capabilitytest.New(capability.Proofread).WithCreateError(errors.New("out of memory"))},
			dispatch.ErrKindProviderInitFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newDispatcher(t, dispatch.Options{}, tt.providers...)

			res := d.ImproveWriting(context.Background(), "i has a apple", "")
			assert.Equal(t, dispatch.Failed, res.Outcome)
			assert.Equal(t, tt.want, res.ErrorKind, res.Message)
			assert.Contains(t, res.Message, "no cloud provider configured")
			assert.Equal(t, 1, d.Metrics().Snapshot().Failures)
		})
	}
}

func TestImproveWriting_ProofreaderNeedsDownload(t *testing.T) {
	proofreader := capabilitytest.New(capability.Proofread).WithStatus(capability.Downloadable)
	prompt := capabilitytest.New(capability.Prompt)
	d, _ := newDispatcher(t, dispatch.Options{}, proofreader, prompt)

	res := d.ImproveWriting(context.Background(), "i has a apple", "")
	assert.Equal(t, dispatch.NeedsDownload, res.Outcome)
	assert.Zero(t, prompt.CreateCount())
}

func TestImproveWriting_RewriteMode(t *testing.T) {
	prompt := capabilitytest.New(capability.Prompt).WithResponder(func(string, capability.Options) (string, error) {
		return "We kindly request your signature.", nil
	})
	d, _ := newDispatcher(t, dispatch.Options{}, prompt)

	res := d.ImproveWriting(context.Background(), "sign this", "formal")
	require.Equal(t, dispatch.Success, res.Outcome, res.Message)
	assert.Equal(t, "formal", res.Writing.Mode)
	assert.Equal(t, "rewrite-formal", prompt.LastOptions().Slot)
	assert.Contains(t, prompt.LastOptions().SystemPrompt, "formal")
}

func TestImproveWriting_InvalidMode(t *testing.T) {
	d, _ := newDispatcher(t, dispatch.Options{})
	res := d.ImproveWriting(context.Background(), "text", "pirate")
	assert.Equal(t, dispatch.Failed, res.Outcome)
	assert.Equal(t, dispatch.ErrKindInvalidRequest, res.ErrorKind)
	assert.ErrorIs(t, res.Err, dispatch.ErrInvalidRequest)
}

func TestGenerateContent_FallsBackToPrompt(t *testing.T) {
	writer := capabilitytest.New(capability.Write).WithCreateError(errors.New("out of memory"))
	prompt := capabilitytest.New(capability.Prompt).WithResponder(func(string, capability.Options) (string, error) {
		return "I am writing to request an extension.", nil
	})
	d, _ := newDispatcher(t, dispatch.Options{}, writer, prompt)

	res := d.GenerateContent(context.Background(), "a letter asking for an extension", "formal")
	require.Equal(t, dispatch.Degraded, res.Outcome, res.Message)
	assert.True(t, res.Fallback)
	assert.Equal(t, "I am writing to request an extension.", res.Text)
	assert.Contains(t, res.Reason, "provider init failed")

	opts := prompt.LastOptions()
	assert.Equal(t, "write", opts.Slot)
	assert.Contains(t, opts.SystemPrompt, "formal tone")
}

func TestGenerateContent_InitFailureWithoutFallback(t *testing.T) {
	writer := capabilitytest.New(capability.Write).WithCreateError(errors.New("out of memory"))
	d, _ := newDispatcher(t, dispatch.Options{}, writer)

	res := d.GenerateContent(context.Background(), "a letter asking for an extension", "")
	assert.Equal(t, dispatch.Failed, res.Outcome)
	assert.Equal(t, dispatch.ErrKindProviderInitFailed, res.ErrorKind, res.Message)
	assert.Contains(t, res.Message, "out of memory")
}

func TestImproveWriting_InitFailureFallsBackToCloud(t *testing.T) {
	proofreader := capabilitytest.New(capability.Proofread).WithCreateError(errors.New("out of memory"))
	cloud := &fakeCloud{reply: "I have an apple."}
	d, _ := newDispatcher(t, dispatch.Options{Cloud: cloud}, proofreader)

	res := d.ImproveWriting(context.Background(), "i has a apple", "")
	require.Equal(t, dispatch.Degraded, res.Outcome, res.Message)
	assert.True(t, res.Fallback)
	assert.Contains(t, res.Reason, "provider init failed")
	assert.Len(t, cloud.requests(), 1)
}

func TestAsk_SharesConversation(t *testing.T) {
	prompt := capabilitytest.New(capability.Prompt).WithResponder(func(string, capability.Options) (string, error) {
		return "Bring two IDs.", nil
	})
	d, _ := newDispatcher(t, dispatch.Options{}, prompt)
	ctx := context.Background()

	res := d.Ask(ctx, "What do I bring?", "Rental application")
	require.Equal(t, dispatch.Success, res.Outcome, res.Message)
	assert.Equal(t, "Bring two IDs.", res.Text)

	res = d.Ask(ctx, "What do I bring?", "Rental application")
	require.Equal(t, dispatch.Success, res.Outcome)
	assert.False(t, res.Cached)

	require.Equal(t, 1, prompt.CreateCount())
	inputs := prompt.Created()[0].Inputs()
	require.Len(t, inputs, 2)
	assert.Equal(t, "Context: Rental application\n\nQuestion: What do I bring?", inputs[0])
	assert.Equal(t, capability.DefaultSlot, prompt.LastOptions().Slot)
}

func TestAsk_NoFallback(t *testing.T) {
	prompt := capabilitytest.New(capability.Prompt).WithResponder(func(string, capability.Options) (string, error) {
		return "", errors.New("context overflow")
	})
	cloud := &fakeCloud{reply: "cloud answer"}
	d, _ := newDispatcher(t, dispatch.Options{Cloud: cloud}, prompt)

	res := d.Ask(context.Background(), "What do I bring?", "")
	assert.Equal(t, dispatch.Failed, res.Outcome)
	assert.Equal(t, dispatch.ErrKindInvocationFailed, res.ErrorKind)
	assert.Empty(t, cloud.requests())
}

func TestCache_HitWithinTTL(t *testing.T) {
	clock := newFakeClock()
	summarizer := capabilitytest.New(capability.Summarize)
	c := cache.New[dispatch.Result](cache.WithTTL(5*time.Minute), cache.WithClock(clock.Now))
	d, _ := newDispatcher(t, dispatch.Options{Cache: c}, summarizer)
	ctx := context.Background()

	first := d.Summarize(ctx, "Bring two forms of ID.", "tldr")
	require.Equal(t, dispatch.Success, first.Outcome)
	assert.False(t, first.Cached)

	clock.Advance(4 * time.Minute)
	second := d.Summarize(ctx, "Bring two forms of ID.", "tldr")
	assert.True(t, second.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.Len(t, summarizer.Created()[0].Inputs(), 1)

	other := d.Summarize(ctx, "Bring two forms of ID.", "headline")
	assert.False(t, other.Cached, "mode is part of the key")

	clock.Advance(2 * time.Minute)
	third := d.Summarize(ctx, "Bring two forms of ID.", "tldr")
	assert.False(t, third.Cached, "entries expire after the TTL")

	assert.Zero(t, d.PruneCache())
	clock.Advance(6 * time.Minute)
	assert.Equal(t, 2, d.PruneCache())

	snap := d.Metrics().Snapshot()
	assert.Equal(t, 4, snap.TotalRequests)
	assert.Equal(t, 1, snap.CacheHits)
}

func TestCache_FailuresNotCached(t *testing.T) {
	var calls atomic.Int32
	summarizer := capabilitytest.New(capability.Summarize).WithResponder(func(input string, _ capability.Options) (string, error) {
		if calls.Add(1) == 1 {
			return "", errors.New("transient")
		}
		return input, nil
	})
	d, _ := newDispatcher(t, dispatch.Options{Cache: cache.New[dispatch.Result]()}, summarizer)
	ctx := context.Background()

	assert.Equal(t, dispatch.Failed, d.Summarize(ctx, "Some text.", "").Outcome)
	res := d.Summarize(ctx, "Some text.", "")
	assert.Equal(t, dispatch.Success, res.Outcome)
	assert.False(t, res.Cached)
	assert.EqualValues(t, 2, calls.Load())

	d.ClearCache()
	assert.False(t, d.Summarize(ctx, "Some text.", "").Cached)
}

func TestExecute_InvalidRequests(t *testing.T) {
	d, _ := newDispatcher(t, dispatch.Options{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  dispatch.Request
	}{
		{"unknown operation", dispatch.Request{Operation: "juggle", Input: "x"}},
		{"blank input", dispatch.Request{Operation: dispatch.OpSummarize, Input: "  \n "}},
		{"form without fields", dispatch.Request{Operation: dispatch.OpAnalyzeForm, Form: &dispatch.FormData{}}},
		{"guidance without field", dispatch.Request{Operation: dispatch.OpFieldGuidance}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Execute(ctx, tt.req)
			assert.Equal(t, dispatch.Failed, res.Outcome)
			assert.Equal(t, dispatch.ErrKindInvalidRequest, res.ErrorKind)
			assert.Equal(t, tt.req.Operation, res.Operation)
		})
	}
	assert.Zero(t, d.Metrics().Snapshot().TotalRequests, "rejected requests never run")
}

func TestExecute_ConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	summarizer := capabilitytest.New(capability.Summarize).WithResponder(func(input string, _ capability.Options) (string, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return input, nil
	})
	d, _ := newDispatcher(t, dispatch.Options{Concurrency: 2}, summarizer)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := d.Summarize(context.Background(), fmt.Sprintf("Document number %d.", i), "")
			assert.Equal(t, dispatch.Success, res.Outcome)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 8, d.Metrics().Snapshot().TotalRequests)
}

func TestExecute_CancelledWhileWaiting(t *testing.T) {
	release := make(chan struct{})
	summarizer := capabilitytest.New(capability.Summarize).WithResponder(func(input string, _ capability.Options) (string, error) {
		<-release
		return input, nil
	})
	d, _ := newDispatcher(t, dispatch.Options{Concurrency: 1}, summarizer)

	done := make(chan dispatch.Result)
	go func() { done <- d.Summarize(context.Background(), "First.", "") }()
	require.Eventually(t, func() bool {
		return summarizer.CreateCount() == 1 && len(summarizer.Created()[0].Inputs()) == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := d.Summarize(ctx, "Second.", "")
	assert.Equal(t, dispatch.Failed, res.Outcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	close(release)
	assert.Equal(t, dispatch.Success, (<-done).Outcome)
}

func TestBatch_PreservesOrder(t *testing.T) {
	summarizer := capabilitytest.New(capability.Summarize).WithResponder(func(input string, _ capability.Options) (string, error) {
		if strings.Contains(input, "slow") {
			time.Sleep(30 * time.Millisecond)
		}
		return "summary of " + input, nil
	})
	d, _ := newDispatcher(t, dispatch.Options{Concurrency: 3}, summarizer)

	reqs := []dispatch.Request{
		{Operation: dispatch.OpSummarize, Input: "slow one"},
		{Operation: dispatch.OpSummarize, Input: "fast two"},
		{Operation: "juggle", Input: "x"},
		{Operation: dispatch.OpSummarize, Input: "fast three"},
	}
	results := d.Batch(context.Background(), reqs)
	require.Len(t, results, 4)
	assert.Equal(t, "summary of slow one", results[0].Text)
	assert.Equal(t, "summary of fast two", results[1].Text)
	assert.Equal(t, dispatch.ErrKindInvalidRequest, results[2].ErrorKind)
	assert.Equal(t, "summary of fast three", results[3].Text)

	snap := d.Metrics().Snapshot()
	assert.Equal(t, 4, snap.ParallelOperations)
	assert.Equal(t, 3, snap.TotalRequests)
}

func TestBatch_AdmitsInSubmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	summarizer := capabilitytest.New(capability.Summarize).WithResponder(func(input string, _ capability.Options) (string, error) {
		mu.Lock()
		order = append(order, input)
		mu.Unlock()
		return input, nil
	})
	d, _ := newDispatcher(t, dispatch.Options{Concurrency: 1}, summarizer)

	var reqs []dispatch.Request
	var want []string
	for i := range 6 {
		in := fmt.Sprintf("Document %d.", i)
		reqs = append(reqs, dispatch.Request{Operation: dispatch.OpSummarize, Input: in})
		want = append(want, in)
	}
	d.Batch(context.Background(), reqs)
	assert.Equal(t, want, order)
}
