package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nous-labs/attune/internal/llm"
	coredaemon "github.com/nous-labs/attune/pkg/daemon"
	"github.com/nous-labs/attune/pkg/embeddings"
	"github.com/nous-labs/attune/pkg/memory"
	"github.com/nous-labs/attune/pkg/memory/graph"
	"github.com/nous-labs/attune/pkg/memory/redisbuf"
	"github.com/nous-labs/attune/pkg/realtime"
)

// buildProviders creates the text backends in router order. A backend
// that cannot be created is skipped with a warning.
func buildProviders(ctx context.Context, cfgs []ProviderConfig) []llm.Provider {
	var out []llm.Provider
	for _, pc := range cfgs {
		p, err := newProvider(ctx, pc)
		if err != nil {
			slog.Warn("LLM provider skipped", "provider", pc.Provider, "reason", "provider_config", "error", err)
			continue
		}
		slog.Info("LLM provider configured", "provider", p.Name(), "model", pc.Model)
		out = append(out, p)
	}
	return out
}

func newProvider(ctx context.Context, pc ProviderConfig) (llm.Provider, error) {
	switch strings.ToLower(pc.Provider) {
	case "anthropic":
		if pc.APIKey == "" {
			return nil, fmt.Errorf("anthropic: api_key is required")
		}
		return llm.NewAnthropic(pc.APIKey, pc.Model).WithDefaults(pc.MaxOutput, pc.Temperature), nil
	case "anthropic-compat":
		if pc.BaseURL == "" || pc.APIKey == "" {
			return nil, fmt.Errorf("anthropic-compat: base_url and api_key are required")
		}
		name := pc.Name
		if name == "" {
			name = "anthropic-compat"
		}
		return llm.NewAnthropicCompat(name, pc.BaseURL, pc.APIKey, pc.Model).WithDefaults(pc.MaxOutput, pc.Temperature), nil
	case "gemini":
		p, err := llm.NewGemini(ctx, pc.APIKey, pc.Model, pc.EmbedModel)
		if err != nil {
			return nil, err
		}
		return p.WithDefaults(pc.MaxOutput, pc.Temperature), nil
	case "ollama":
		p, err := llm.NewOllama(pc.BaseURL, pc.Model, pc.EmbedModel)
		if err != nil {
			return nil, err
		}
		return p.WithDefaults(pc.MaxOutput, pc.Temperature), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", pc.Provider)
	}
}

// buildEmbedders creates the embedding backends in router order.
func buildEmbedders(ctx context.Context, cfgs []ProviderConfig) []llm.Embedder {
	var out []llm.Embedder
	for _, pc := range cfgs {
		e, err := newEmbedder(ctx, pc)
		if err != nil {
			slog.Warn("embedding backend skipped", "provider", pc.Provider, "reason", "provider_config", "error", err)
			continue
		}
		slog.Info("embedding backend configured", "provider", e.Name(), "model", pc.EmbedModel)
		out = append(out, e)
	}
	return out
}

func newEmbedder(ctx context.Context, pc ProviderConfig) (llm.Embedder, error) {
	switch strings.ToLower(pc.Provider) {
	case "tei":
		if pc.BaseURL == "" {
			return nil, fmt.Errorf("tei: base_url is required")
		}
		return embeddings.NewTEIClient(pc.BaseURL), nil
	case "gemini":
		if pc.EmbedModel == "" {
			return nil, fmt.Errorf("gemini: embed_model is required")
		}
		return llm.NewGemini(ctx, pc.APIKey, pc.Model, pc.EmbedModel)
	case "ollama":
		if pc.EmbedModel == "" {
			return nil, fmt.Errorf("ollama: embed_model is required")
		}
		return llm.NewOllama(pc.BaseURL, pc.Model, pc.EmbedModel)
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", pc.Provider)
	}
}

// backends holds the memory adapters and what must be closed on stop.
type backends struct {
	stores   memory.Stores
	history  *memory.InMemoryHistory // nil when history lives in Redis
	semantic *embeddings.Store       // nil without Postgres
	handoff  memory.Handoff
	closers  []func() error
}

func (b *backends) close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// buildBackends connects the configured stores. Each one falls back to its
// in-process adapter, so a missing database narrows recall but never stops
// the assistant.
func buildBackends(ctx context.Context, cfg Config, profiles memory.ProfileStore, router *llm.Router) *backends {
	mc := cfg.Memory
	b := &backends{}

	if strings.EqualFold(mc.HistoryBackend, "redis") && mc.RedisAddr != "" {
		buf, err := redisbuf.New(ctx, mc.RedisAddr, mc.RedisPassword, mc.RedisDB, mc.HistoryMax)
		if err != nil {
			slog.Warn("redis history unavailable, using in-process buffer", "reason", "store_unavailable", "error", err)
		} else {
			b.stores.History = buf
			b.closers = append(b.closers, buf.Close)
		}
	}
	if b.stores.History == nil {
		b.history = memory.NewInMemoryHistory(mc.HistoryMax)
		b.stores.History = b.history
	}

	b.stores.Profiles = profiles
	if profiles == nil {
		b.stores.Profiles = memory.NewInMemoryProfiles(memory.DefaultLimits())
	}

	if mc.PostgresURL != "" {
		store, err := embeddings.NewStore(ctx, mc.PostgresURL, mc.VectorDim)
		if err == nil {
			err = store.Init(ctx)
			if err != nil {
				store.Close()
			}
		}
		if err != nil {
			slog.Warn("semantic memory unavailable, using in-process store", "reason", "store_unavailable", "error", err)
		} else {
			b.semantic = store
			b.stores.Semantic = embeddings.NewRecall(store, func(ctx context.Context, text string) ([]float32, error) {
				return router.GenerateEmbedding(ctx, text, store.Dim())
			})
			b.closers = append(b.closers, func() error { store.Close(); return nil })
			slog.Info("semantic memory initialized", "dim", store.Dim())
		}
	}
	if b.stores.Semantic == nil {
		var embed memory.EmbedFunc
		if len(cfg.LLM.Embedders) > 0 {
			dim := cfg.LLM.EmbeddingDim
			embed = func(ctx context.Context, text string) ([]float32, error) {
				return router.GenerateEmbedding(ctx, text, dim)
			}
		}
		b.stores.Semantic = memory.NewInMemorySemantic(embed)
	}

	if mc.Neo4j.URI != "" {
		g, err := graph.New(ctx, mc.Neo4j.URI, mc.Neo4j.User, mc.Neo4j.Password, mc.Neo4j.Limit)
		if err != nil {
			slog.Warn("graph facts unavailable, using in-process store", "reason", "store_unavailable", "error", err)
		} else {
			b.stores.Facts = g
			b.closers = append(b.closers, func() error { return g.Close(context.Background()) })
		}
	}
	if b.stores.Facts == nil {
		b.stores.Facts = memory.NewInMemoryFacts()
	}

	if mc.Handoff.NATSURL != "" {
		nc, err := realtime.Connect(mc.Handoff.NATSURL)
		if err != nil {
			slog.Warn("extraction hand-off disabled", "reason", "handoff_unavailable", "error", err)
		} else {
			b.handoff = realtime.NewNATSHandoff(nc, mc.Handoff.Subject)
			b.closers = append(b.closers, func() error { nc.Close(); return nil })
		}
	}
	return b
}

// semanticMaxAge is the retention of recall snippets, zero for none.
func (c MemoryConfig) semanticMaxAge() time.Duration {
	return coredaemon.ParseDuration(c.SemanticMaxAge, 0)
}
