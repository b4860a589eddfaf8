package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaProvider talks to a local or self-hosted Ollama server. It serves
// as the last-resort text backend and as an embedder.
type OllamaProvider struct {
	client      *api.Client
	model       string
	embedModel  string
	maxTokens   int
	temperature float64
}

// NewOllama creates an Ollama backend for baseURL (e.g. http://localhost:11434).
func NewOllama(baseURL, model, embedModel string) (*OllamaProvider, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url: %w", err)
	}
	if model == "" {
		model = "llama3.2"
	}
	if embedModel == "" {
		embedModel = "nomic-embed-text"
	}
	return &OllamaProvider{
		client:     api.NewClient(u, &http.Client{Timeout: 2 * time.Minute}),
		model:      model,
		embedModel: embedModel,
	}, nil
}

// WithDefaults sets the token limit and temperature used when a request
// leaves them unset.
func (p *OllamaProvider) WithDefaults(maxTokens int, temperature float64) *OllamaProvider {
	p.maxTokens = maxTokens
	p.temperature = temperature
	return p
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	messages := make([]api.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, api.Message{Role: m.Role, Content: m.Content})
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	stream := false
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options:  map[string]interface{}{},
	}
	if max := firstPositive(req.MaxTokens, p.maxTokens); max > 0 {
		chatReq.Options["num_predict"] = max
	}
	if temp := firstPositiveFloat(req.Temperature, p.temperature); temp > 0 {
		chatReq.Options["temperature"] = temp
	}

	var content strings.Builder
	out := &CompletionResponse{Model: model, Provider: p.Name()}
	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		content.WriteString(resp.Message.Content)
		if resp.Done {
			out.InputTokens = resp.PromptEvalCount
			out.OutputTokens = resp.EvalCount
			out.StopReason = resp.DoneReason
		}
		return nil
	})
	if err != nil {
		return nil, ollamaError(err)
	}
	out.Content = strings.TrimSpace(content.String())
	return out, nil
}

// Embed returns the Ollama embedding for text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{Model: p.embedModel, Input: text})
	if err != nil {
		return nil, ollamaError(err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, nil
	}
	return resp.Embeddings[0], nil
}

func ollamaError(err error) error {
	pe := &ProviderError{Message: err.Error(), Provider: "ollama"}
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		pe.StatusCode = statusErr.StatusCode
	}
	return pe
}
