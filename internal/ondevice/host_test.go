package ondevice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Techy2419/DocuGuide/internal/capability"
)

// fakeServer is a minimal model server.
type fakeServer struct {
	mu        sync.Mutex
	installed []string
	requests  []map[string]any
	reply     string
	stream    []string
	pullFail  string
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var models []map[string]any
		for _, m := range f.installed {
			models = append(models, map[string]any{"name": m, "model": m, "size": 1})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"models": models})
	})
	mux.HandleFunc("POST /api/pull", func(w http.ResponseWriter, r *http.Request) {
		var req struct{ Name string }
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		enc := json.NewEncoder(w)
		_ = enc.Encode(map[string]any{"status": "pulling manifest"})
		_ = enc.Encode(map[string]any{"status": "downloading", "completed": 50, "total": 100})
		f.mu.Lock()
		fail := f.pullFail
		f.mu.Unlock()
		if fail != "" {
			_ = enc.Encode(map[string]any{"error": fail})
			return
		}
		_ = enc.Encode(map[string]any{"status": "downloading", "completed": 100, "total": 100})
		_ = enc.Encode(map[string]any{"status": "success"})
		f.mu.Lock()
		f.installed = append(f.installed, req.Name)
		f.mu.Unlock()
	})
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		f.mu.Lock()
		f.requests = append(f.requests, body)
		reply, chunks := f.reply, f.stream
		f.mu.Unlock()

		if body["stream"] == true {
			w.Header().Set("Content-Type", "text/event-stream")
			for i, c := range chunks {
				finish := "null"
				if i == len(chunks)-1 {
					finish = `"stop"`
				}
				fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\","+
					"\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":%s}]}\n\n", c, finish)
			}
			fmt.Fprint(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"m\","+
				"\"choices\":[],\"usage\":{\"prompt_tokens\":20,\"completion_tokens\":7,\"total_tokens\":27}}\n\n")
			fmt.Fprint(w, "data: [DONE]\n\n")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id": "1", "object": "chat.completion", "created": 1, "model": "m",
			"choices": []any{map[string]any{
				"index": 0, "finish_reason": "stop",
				"message": map[string]any{"role": "assistant", "content": reply},
			}},
			"usage": map[string]any{"prompt_tokens": 30, "completion_tokens": 10, "total_tokens": 40},
		})
	})
	return mux
}

func (f *fakeServer) lastRequest() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newHost(t *testing.T, f *fakeServer) *Host {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL, ContextWindow: 100})
}

func providerFor(t *testing.T, h *Host, kind capability.Kind) capability.Provider {
	t.Helper()
	for _, p := range h.Providers() {
		if p.Kind() == kind {
			return p
		}
	}
	t.Fatalf("no provider for %s", kind)
	return nil
}

func TestAvailability(t *testing.T) {
	ctx := context.Background()
	f := &fakeServer{installed: []string{DefaultModel}}
	h := newHost(t, f)

	st, err := providerFor(t, h, capability.Summarize).Availability(ctx, capability.Options{})
	require.NoError(t, err)
	assert.Equal(t, capability.Ready, st.State)

	tr := providerFor(t, h, capability.Translate)
	st, err = tr.Availability(ctx, capability.Options{SourceLanguage: "es", TargetLanguage: "en"})
	require.NoError(t, err)
	assert.Equal(t, capability.Ready, st.State)

	st, err = tr.Availability(ctx, capability.Options{SourceLanguage: "tlh", TargetLanguage: "en"})
	require.NoError(t, err)
	assert.Equal(t, capability.Unavailable, st.State)
}

func TestAvailability_NotInstalled(t *testing.T) {
	h := newHost(t, &fakeServer{})
	st, err := providerFor(t, h, capability.Prompt).Availability(context.Background(), capability.Options{})
	require.NoError(t, err)
	assert.Equal(t, capability.Downloadable, st.State)
}

func TestAvailability_ServerDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := New(Options{BaseURL: url})
	_, err := providerFor(t, h, capability.Prompt).Availability(context.Background(), capability.Options{})
	assert.Error(t, err)
}

func TestProviders_DisabledKind(t *testing.T) {
	h := New(Options{Models: map[capability.Kind]string{capability.Proofread: ""}})
	for _, p := range h.Providers() {
		assert.NotEqual(t, capability.Proofread, p.Kind())
	}
	assert.Len(t, h.Providers(), len(capability.AllKinds)-1)
}

func TestDownload(t *testing.T) {
	ctx := context.Background()
	f := &fakeServer{}
	h := newHost(t, f)
	p := providerFor(t, h, capability.Write)

	var got []float64
	err := p.(capability.Downloader).Download(ctx, capability.Options{}, func(frac float64) { got = append(got, frac) })
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, 1}, got)

	st, err := p.Availability(ctx, capability.Options{})
	require.NoError(t, err)
	assert.Equal(t, capability.Ready, st.State)
}

func TestDownload_Failure(t *testing.T) {
	ctx := context.Background()
	h := newHost(t, &fakeServer{pullFail: "disk full"})
	p := providerFor(t, h, capability.Write)

	err := p.(capability.Downloader).Download(ctx, capability.Options{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	st, err := p.Availability(ctx, capability.Options{})
	require.NoError(t, err)
	assert.Equal(t, capability.Downloadable, st.State)
}

func TestHandle_Invoke(t *testing.T) {
	ctx := context.Background()
	f := &fakeServer{installed: []string{DefaultModel}, reply: "Bring two forms of ID."}
	h := newHost(t, f)

	temp, topK := 0.4, 5
	hd, err := providerFor(t, h, capability.Prompt).Create(ctx, capability.Options{
		SystemPrompt: "You help with forms.", Temperature: &temp, TopK: &topK,
	}, nil)
	require.NoError(t, err)

	out, err := hd.Invoke(ctx, "What do I bring?")
	require.NoError(t, err)
	assert.Equal(t, "Bring two forms of ID.", out)
	assert.Equal(t, 40, hd.TokensSoFar())
	assert.Equal(t, 100, hd.MaxTokens())

	req := f.lastRequest()
	assert.Equal(t, DefaultModel, req["model"])
	assert.InDelta(t, 0.4, req["temperature"], 1e-9)
	assert.InDelta(t, 5, req["top_k"], 1e-9)

	_, err = hd.Invoke(ctx, "And for a minor?")
	require.NoError(t, err)
	msgs := f.lastRequest()["messages"].([]any)
	require.Len(t, msgs, 4, "prompt sessions keep history")
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "What do I bring?", msgs[1].(map[string]any)["content"])
	assert.Equal(t, 80, hd.TokensSoFar())
}

func TestHandle_StatelessKinds(t *testing.T) {
	ctx := context.Background()
	f := &fakeServer{installed: []string{DefaultModel}, reply: "Hola"}
	h := newHost(t, f)

	hd, err := providerFor(t, h, capability.Translate).Create(ctx, capability.Options{SourceLanguage: "en", TargetLanguage: "es"}, nil)
	require.NoError(t, err)

	for range 2 {
		_, err = hd.Invoke(ctx, "Hello")
		require.NoError(t, err)
	}
	msgs := f.lastRequest()["messages"].([]any)
	require.Len(t, msgs, 2)
	sys := msgs[0].(map[string]any)["content"].(string)
	assert.Contains(t, sys, "from English to Spanish")
}

func TestHandle_Streaming(t *testing.T) {
	ctx := context.Background()
	f := &fakeServer{installed: []string{DefaultModel}, stream: []string{"Your ", "full ", "name."}}
	h := newHost(t, f)

	hd, err := providerFor(t, h, capability.Prompt).Create(ctx, capability.Options{}, nil)
	require.NoError(t, err)

	ch, err := hd.InvokeStreaming(ctx, "Which name?")
	require.NoError(t, err)

	var text strings.Builder
	var done *capability.Event
	for ev := range ch {
		switch ev.Type {
		case capability.EventTextDelta:
			text.WriteString(ev.TextDelta)
		case capability.EventDone:
			done = &ev
		case capability.EventError:
			t.Fatalf("stream error: %v", ev.Error)
		}
	}
	assert.Equal(t, "Your full name.", text.String())
	require.NotNil(t, done)
	assert.Equal(t, 27, done.Usage.InputTokens+done.Usage.OutputTokens)
	assert.Equal(t, 27, hd.TokensSoFar())
	assert.Equal(t, true, f.lastRequest()["stream"])
}

func TestHandle_CloneAndDestroy(t *testing.T) {
	ctx := context.Background()
	f := &fakeServer{installed: []string{DefaultModel}, reply: "ok"}
	h := newHost(t, f)

	hd, err := providerFor(t, h, capability.Prompt).Create(ctx, capability.Options{SystemPrompt: "Be terse."}, nil)
	require.NoError(t, err)
	_, err = hd.Invoke(ctx, "first")
	require.NoError(t, err)

	clone, err := hd.Clone(ctx)
	require.NoError(t, err)
	assert.Zero(t, clone.TokensSoFar())

	_, err = clone.Invoke(ctx, "second")
	require.NoError(t, err)
	msgs := f.lastRequest()["messages"].([]any)
	require.Len(t, msgs, 2, "clone starts without history")
	assert.Contains(t, msgs[0].(map[string]any)["content"], "Be terse.")

	hd.Destroy()
	_, err = hd.Invoke(ctx, "third")
	assert.ErrorIs(t, err, errDestroyed)
}

func TestCreate_NotReady(t *testing.T) {
	h := newHost(t, &fakeServer{})
	_, err := providerFor(t, h, capability.Summarize).Create(context.Background(), capability.Options{}, nil)
	assert.Error(t, err)
}

func TestSystemPrompt(t *testing.T) {
	got := systemPrompt(capability.Summarize, capability.Options{Mode: "tldr", SharedContext: "A rental form."})
	assert.Contains(t, got, "two or three plain sentences")
	assert.Contains(t, got, "Context: A rental form.")

	got = systemPrompt(capability.Summarize, capability.Options{Mode: "unknown"})
	assert.Contains(t, got, "key points")

	assert.Contains(t, systemPrompt(capability.DetectLanguage, capability.Options{}), "detectedLanguage")
}
