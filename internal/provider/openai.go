package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	DefaultBaseURL     = "https://openrouter.ai/api/v1"
	DefaultModel       = "anthropic/claude-sonnet-4.5"
	DefaultTemperature = 0.1
	DefaultMaxTokens   = 2000
)

// OpenAIOptions configures an OpenAIProvider.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string // defaults to DefaultBaseURL
	Model   string // defaults to DefaultModel
	// Referer and Title identify the calling application. OpenRouter reads
	// them from the HTTP-Referer and X-Title headers.
	Referer     string
	Title       string
	Temperature float64
	MaxTokens   int
	HTTPClient  *http.Client
}

// OpenAIProvider implements Provider for all OpenAI-compatible APIs,
// including OpenRouter, OpenAI, DeepSeek, Groq, etc.
type OpenAIProvider struct {
	client      openai.Client
	model       string
	name        string
	baseURL     string
	temperature float64
	maxTokens   int
}

func NewOpenAIProvider(o OpenAIOptions) *OpenAIProvider {
	if o.BaseURL == "" {
		o.BaseURL = DefaultBaseURL
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.Temperature <= 0 {
		o.Temperature = DefaultTemperature
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(o.APIKey),
		option.WithBaseURL(o.BaseURL),
		// Retries are handled by WithRetry so they are visible in logs.
		option.WithMaxRetries(0),
	}
	if o.Referer != "" {
		opts = append(opts, option.WithHeader("HTTP-Referer", o.Referer))
	}
	if o.Title != "" {
		opts = append(opts, option.WithHeader("X-Title", o.Title))
	}
	if o.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(o.HTTPClient))
	}

	return &OpenAIProvider{
		client:      openai.NewClient(opts...),
		model:       o.Model,
		name:        nameFromBaseURL(o.BaseURL),
		baseURL:     o.BaseURL,
		temperature: o.Temperature,
		maxTokens:   o.MaxTokens,
	}
}

func nameFromBaseURL(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "openrouter"):
		return "openrouter"
	case strings.Contains(baseURL, "deepseek"):
		return "deepseek"
	case strings.Contains(baseURL, "generativelanguage.googleapis.com"):
		return "gemini"
	case strings.Contains(baseURL, "groq"):
		return "groq"
	case strings.Contains(baseURL, "localhost"), strings.Contains(baseURL, "127.0.0.1"):
		return "local"
	default:
		return "openai"
	}
}

func (p *OpenAIProvider) Name() string         { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.model }

func (p *OpenAIProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	temp := p.temperature
	if req.Temperature != nil {
		temp = *req.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    buildOpenAIMessages(req),
		Temperature: openai.Float(temp),
		MaxTokens:   openai.Int(int64(maxTokens)),
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", p.name, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, fmt.Errorf("%s completion: %w", p.name, ErrEmptyResponse)
	}
	return &ChatResponse{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

// buildOpenAIMessages converts unified messages to OpenAI API params.
func buildOpenAIMessages(req *ChatRequest) []openai.ChatCompletionMessageParamUnion {
	var params []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		params = append(params, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			params = append(params, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params = append(params, openai.AssistantMessage(m.Content))
		default:
			params = append(params, openai.UserMessage(m.Content))
		}
	}
	return params
}
