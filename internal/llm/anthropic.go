package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicProvider implements Provider for Claude and Anthropic-compatible APIs.
type AnthropicProvider struct {
	client      *anthropic.Client
	model       string
	name        string
	maxTokens   int
	temperature float64
}

// NewAnthropic creates a new Anthropic provider with a static API key.
func NewAnthropic(apiKey, model string) *AnthropicProvider {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)

	if model == "" {
		model = defaultAnthropicModel
	}
	return &AnthropicProvider{client: &client, model: model, name: "anthropic"}
}

// NewAnthropicCompat creates a provider for an endpoint that speaks the
// Anthropic messages format under a different name (e.g. Kimi).
func NewAnthropicCompat(name, baseURL, apiKey, model string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithBaseURL(baseURL)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{client: &client, model: model, name: name}
}

// WithDefaults sets the token limit and temperature used when a request
// leaves them unset.
func (p *AnthropicProvider) WithDefaults(maxTokens int, temperature float64) *AnthropicProvider {
	p.maxTokens = maxTokens
	p.temperature = temperature
	return p
}

func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var messages []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := int64(firstPositive(req.MaxTokens, p.maxTokens, 1024))
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if temp := firstPositiveFloat(req.Temperature, p.temperature); temp > 0 {
		params.Temperature = anthropic.Float(temp)
	}

	// Streaming lets the caller's context deadline cancel mid-response.
	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		if err := message.Accumulate(stream.Current()); err != nil {
			return nil, &ProviderError{
				Message:  fmt.Sprintf("stream accumulate: %v", err),
				Provider: p.Name(),
			}
		}
	}
	if err := stream.Err(); err != nil {
		pe := &ProviderError{Message: err.Error(), Provider: p.Name()}
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			pe.StatusCode = apiErr.StatusCode
		}
		return nil, pe
	}

	var content strings.Builder
	for _, block := range message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			content.WriteString(text.Text)
		}
	}

	return &CompletionResponse{
		Content:      content.String(),
		Model:        string(message.Model),
		Provider:     p.Name(),
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
		StopReason:   string(message.StopReason),
	}, nil
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstPositiveFloat(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
