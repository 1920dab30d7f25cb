// Package ondevice implements the capability host contract on top of a local
// model server speaking the Ollama API. Model presence is read from
// /api/tags, downloads stream from /api/pull, and sessions talk to the
// server's OpenAI-compatible chat endpoint.
package ondevice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Techy2419/DocuGuide/internal/capability"
	"github.com/Techy2419/DocuGuide/internal/language"
)

const (
	DefaultBaseURL       = "http://localhost:11434"
	DefaultModel         = "gemma3:1b"
	DefaultContextWindow = 6144
)

// Options configures a Host.
type Options struct {
	BaseURL string
	// Models maps each kind to the model that serves it. Kinds without an
	// entry use DefaultModel; an explicit empty string disables the kind.
	Models        map[capability.Kind]string
	ContextWindow int
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Host is a local model server.
type Host struct {
	baseURL       string
	models        map[capability.Kind]string
	contextWindow int
	httpClient    *http.Client
	client        openai.Client
	logger        *slog.Logger

	mu      sync.Mutex
	pulling map[string]float64 // model -> percent
}

func New(o Options) *Host {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	if o.ContextWindow <= 0 {
		o.ContextWindow = DefaultContextWindow
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	models := make(map[capability.Kind]string, len(capability.AllKinds))
	for _, k := range capability.AllKinds {
		m, ok := o.Models[k]
		if !ok {
			m = DefaultModel
		}
		models[k] = m
	}
	return &Host{
		baseURL:       o.BaseURL,
		models:        models,
		contextWindow: o.ContextWindow,
		httpClient:    o.HTTPClient,
		client: openai.NewClient(
			option.WithBaseURL(o.BaseURL+"/v1"),
			option.WithAPIKey("ollama"),
			option.WithHTTPClient(o.HTTPClient),
			option.WithMaxRetries(0),
		),
		logger:  o.Logger.With("subsystem", "ondevice"),
		pulling: make(map[string]float64),
	}
}

// Providers returns one capability.Provider per enabled kind.
func (h *Host) Providers() []capability.Provider {
	var out []capability.Provider
	for _, k := range capability.AllKinds {
		if h.models[k] == "" {
			continue
		}
		out = append(out, &kindProvider{host: h, kind: k, model: h.models[k]})
	}
	return out
}

// tagsResponse is the body of GET /api/tags.
type tagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
		Size  int64  `json:"size"`
	} `json:"models"`
}

// pullProgress is one NDJSON line of POST /api/pull.
type pullProgress struct {
	Status    string `json:"status"`
	Completed int64  `json:"completed,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Error     string `json:"error,omitempty"`
}

// installed lists the models present on the server.
func (h *Host) installed(ctx context.Context) (map[string]bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list models: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("model server returned status %d", resp.StatusCode)
	}
	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to decode model list: %w", err)
	}
	out := make(map[string]bool, len(tags.Models))
	for _, m := range tags.Models {
		out[m.Name] = true
		out[m.Model] = true
		// "gemma3" and "gemma3:latest" name the same model.
		out[strings.TrimSuffix(m.Name, ":latest")] = true
	}
	return out, nil
}

func (h *Host) status(ctx context.Context, model string) (capability.Status, error) {
	h.mu.Lock()
	pct, pulling := h.pulling[model]
	h.mu.Unlock()
	if pulling {
		return capability.Status{State: capability.Downloading, Progress: pct}, nil
	}

	have, err := h.installed(ctx)
	if err != nil {
		return capability.Status{}, err
	}
	if have[model] {
		return capability.Status{State: capability.Ready}, nil
	}
	return capability.Status{State: capability.Downloadable}, nil
}

// pull downloads model, reporting fractional progress to monitor.
func (h *Host) pull(ctx context.Context, model string, monitor capability.Monitor) error {
	h.mu.Lock()
	if _, busy := h.pulling[model]; busy {
		h.mu.Unlock()
		return fmt.Errorf("model %s is already downloading", model)
	}
	h.pulling[model] = 0
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pulling, model)
		h.mu.Unlock()
	}()

	h.logger.Info("model download started", "model", model)

	body, err := json.Marshal(map[string]any{"name": model, "stream": true})
	if err != nil {
		return fmt.Errorf("failed to marshal pull request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		h.logger.Error("model download failed", "model", model, "error", err)
		return fmt.Errorf("failed to pull model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model server returned status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var p pullProgress
		if err := json.Unmarshal(scanner.Bytes(), &p); err != nil {
			h.logger.Warn("unparseable pull progress", "error", err)
			continue
		}
		if p.Error != "" {
			h.logger.Error("model download failed", "model", model, "error", p.Error)
			return fmt.Errorf("download failed: %s", p.Error)
		}
		if p.Total > 0 {
			frac := float64(p.Completed) / float64(p.Total)
			h.mu.Lock()
			h.pulling[model] = frac * 100
			h.mu.Unlock()
			if monitor != nil {
				monitor(frac)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("pull stream error: %w", err)
	}

	h.logger.Info("model download completed", "model", model)
	return nil
}

// kindProvider serves one capability kind from the host.
type kindProvider struct {
	host  *Host
	kind  capability.Kind
	model string
}

func (p *kindProvider) Kind() capability.Kind { return p.kind }

func (p *kindProvider) Availability(ctx context.Context, opts capability.Options) (capability.Status, error) {
	if p.kind == capability.Translate && (opts.SourceLanguage != "" || opts.TargetLanguage != "") {
		if !language.IsSupported(opts.SourceLanguage) || !language.IsSupported(opts.TargetLanguage) {
			return capability.Status{State: capability.Unavailable}, nil
		}
	}
	return p.host.status(ctx, p.model)
}

// Params mirrors the sampling ranges browsers advertise for built-in models.
func (p *kindProvider) Params(context.Context) (capability.Params, error) {
	return capability.Params{
		DefaultTemperature: 1,
		MaxTemperature:     2,
		DefaultTopK:        3,
		MaxTopK:            128,
	}, nil
}

func (p *kindProvider) Create(ctx context.Context, opts capability.Options, monitor capability.Monitor) (capability.Handle, error) {
	st, err := p.host.status(ctx, p.model)
	if err != nil {
		return nil, err
	}
	if st.State != capability.Ready {
		return nil, fmt.Errorf("model %s is %s", p.model, st.State)
	}
	if monitor != nil {
		monitor(1)
	}
	return &handle{
		host:      p.host,
		kind:      p.kind,
		model:     p.model,
		opts:      opts,
		system:    systemPrompt(p.kind, opts),
		maxTokens: p.host.contextWindow,
	}, nil
}

func (p *kindProvider) Download(ctx context.Context, _ capability.Options, monitor capability.Monitor) error {
	return p.host.pull(ctx, p.model, monitor)
}
