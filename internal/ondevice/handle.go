package ondevice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/Techy2419/DocuGuide/internal/capability"
)

var errDestroyed = errors.New("session destroyed")

// handle is one model session. Prompt sessions keep their conversation so
// follow-up questions see earlier turns; every other kind is stateless per call.
type handle struct {
	host      *Host
	kind      capability.Kind
	model     string
	opts      capability.Options
	system    string
	maxTokens int

	mu        sync.Mutex
	history   []openai.ChatCompletionMessageParamUnion
	tokens    int
	destroyed bool
}

func (h *handle) params(input string) (openai.ChatCompletionNewParams, []option.RequestOption, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return openai.ChatCompletionNewParams{}, nil, errDestroyed
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(h.history)+2)
	if h.system != "" {
		msgs = append(msgs, openai.SystemMessage(h.system))
	}
	msgs = append(msgs, h.history...)
	msgs = append(msgs, openai.UserMessage(input))

	p := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(h.model),
		Messages: msgs,
	}
	if h.opts.Temperature != nil {
		p.Temperature = openai.Float(*h.opts.Temperature)
	}
	var reqOpts []option.RequestOption
	if h.opts.TopK != nil {
		// Not part of the OpenAI schema; the server reads it as a sampler option.
		reqOpts = append(reqOpts, option.WithJSONSet("top_k", *h.opts.TopK))
	}
	return p, reqOpts, nil
}

// record accounts for a finished exchange.
func (h *handle) record(input, output string, usage capability.Usage) {
	n := usage.InputTokens + usage.OutputTokens
	if n == 0 {
		n = estimateTokens(h.system) + estimateTokens(input) + estimateTokens(output)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tokens += n
	if h.kind == capability.Prompt {
		h.history = append(h.history, openai.UserMessage(input), openai.AssistantMessage(output))
	}
}

func (h *handle) Invoke(ctx context.Context, input string) (string, error) {
	params, reqOpts, err := h.params(input)
	if err != nil {
		return "", err
	}
	resp, err := h.host.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", h.model, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s: empty response", h.model)
	}
	out := resp.Choices[0].Message.Content
	h.record(input, out, capability.Usage{
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
	})
	return out, nil
}

func (h *handle) InvokeStreaming(ctx context.Context, input string) (<-chan capability.Event, error) {
	params, reqOpts, err := h.params(input)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := h.host.client.Chat.Completions.NewStreaming(ctx, params, reqOpts...)
	ch := make(chan capability.Event)
	go h.processStream(ctx, input, stream, ch)
	return ch, nil
}

// processStream reads the SSE stream and emits capability events. Every send
// also watches ctx so an abandoned consumer never strands the goroutine.
func (h *handle) processStream(ctx context.Context, input string, stream *ssestream.Stream[openai.ChatCompletionChunk], ch chan<- capability.Event) {
	defer close(ch)
	defer stream.Close()

	send := func(ev capability.Event) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var out strings.Builder
	var usage capability.Usage
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage = capability.Usage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			out.WriteString(delta)
			if !send(capability.Event{Type: capability.EventTextDelta, TextDelta: delta}) {
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		send(capability.Event{Type: capability.EventError, Error: fmt.Errorf("%s streaming error: %w", h.model, err)})
		return
	}

	h.record(input, out.String(), usage)
	send(capability.Event{Type: capability.EventDone, Usage: &usage})
}

func (h *handle) TokensSoFar() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tokens
}

func (h *handle) MaxTokens() int { return h.maxTokens }

// Clone starts a fresh session with the same configuration and no history.
func (h *handle) Clone(context.Context) (capability.Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		return nil, errDestroyed
	}
	return &handle{
		host:      h.host,
		kind:      h.kind,
		model:     h.model,
		opts:      h.opts,
		system:    h.system,
		maxTokens: h.maxTokens,
	}, nil
}

func (h *handle) Destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed = true
	h.history = nil
}

// estimateTokens approximates the token count of s (about 4 bytes per token).
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
