package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/nous-labs/attune/pkg/memory"
)

// GeminiProvider generates text and embeddings through the Gemini API.
type GeminiProvider struct {
	client     *genai.Client
	model      string
	embedModel string
	maxTokens  int32
	temp       float32
}

// NewGemini creates a Gemini backend. embedModel may be empty when the
// provider is only used for text.
func NewGemini(ctx context.Context, apiKey, model, embedModel string) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Backend: genai.BackendGeminiAPI,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	if embedModel == "" {
		embedModel = "text-embedding-004"
	}
	return &GeminiProvider{client: client, model: model, embedModel: embedModel}, nil
}

// WithDefaults sets the token limit and temperature used when a request
// leaves them unset.
func (p *GeminiProvider) WithDefaults(maxTokens int, temperature float64) *GeminiProvider {
	p.maxTokens = int32(maxTokens)
	p.temp = float32(temperature)
	return p
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if max := firstPositive(req.MaxTokens, int(p.maxTokens)); max > 0 {
		cfg.MaxOutputTokens = int32(max)
	}
	if temp := firstPositiveFloat(req.Temperature, float64(p.temp)); temp > 0 {
		t := float32(temp)
		cfg.Temperature = &t
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, geminiError(err)
	}

	out := &CompletionResponse{
		Content:  strings.TrimSpace(resp.Text()),
		Model:    model,
		Provider: p.Name(),
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if len(resp.Candidates) > 0 {
		out.StopReason = string(resp.Candidates[0].FinishReason)
	}
	return out, nil
}

// Embed returns the Gemini embedding for text.
func (p *GeminiProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	task := "RETRIEVAL_QUERY"
	if memory.IsDocumentTask(ctx) {
		task = "RETRIEVAL_DOCUMENT"
	}
	resp, err := p.client.Models.EmbedContent(ctx, p.embedModel, contents, &genai.EmbedContentConfig{TaskType: task})
	if err != nil {
		return nil, geminiError(err)
	}
	if len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil {
		return nil, nil
	}
	return resp.Embeddings[0].Values, nil
}

func geminiError(err error) error {
	pe := &ProviderError{Message: err.Error(), Provider: "gemini"}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		pe.StatusCode = apiErr.Code
	}
	return pe
}
