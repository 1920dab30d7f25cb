package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

const DefaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicOptions configures an AnthropicProvider.
type AnthropicOptions struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	HTTPClient  *http.Client
}

// AnthropicProvider implements Provider using the Anthropic native API.
type AnthropicProvider struct {
	client      anthropic.Client
	model       string
	temperature float64
	maxTokens   int
}

func NewAnthropicProvider(o AnthropicOptions) *AnthropicProvider {
	if o.Model == "" {
		o.Model = DefaultAnthropicModel
	}
	if o.Temperature <= 0 {
		o.Temperature = DefaultTemperature
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	opts := []anthropicoption.RequestOption{
		anthropicoption.WithAPIKey(o.APIKey),
		anthropicoption.WithMaxRetries(0),
	}
	if o.BaseURL != "" {
		opts = append(opts, anthropicoption.WithBaseURL(o.BaseURL))
	}
	if o.HTTPClient != nil {
		opts = append(opts, anthropicoption.WithHTTPClient(o.HTTPClient))
	}
	return &AnthropicProvider{
		client:      anthropic.NewClient(opts...),
		model:       o.Model,
		temperature: o.Temperature,
		maxTokens:   o.MaxTokens,
	}
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.model }

func (p *AnthropicProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = int64(p.maxTokens)
	}
	temp := p.temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}

	system, msgs := buildAnthropicMessages(req)
	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: anthropic.Float(temp),
	}
	if len(system) > 0 {
		params.System = system
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic completion: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return nil, fmt.Errorf("anthropic completion: %w", ErrEmptyResponse)
	}
	return &ChatResponse{
		Text:  b.String(),
		Model: string(msg.Model),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// buildAnthropicMessages splits system text out of the conversation, since
// the Messages API takes it as a separate parameter.
func buildAnthropicMessages(req *ChatRequest) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	if req.SystemPrompt != "" {
		system = append(system, anthropic.TextBlockParam{Text: req.SystemPrompt})
	}
	var msgs []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system, msgs
}
