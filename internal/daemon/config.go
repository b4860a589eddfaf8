package daemon

import (
	"os"
	"time"

	"github.com/nous-labs/attune/internal/behavior"
	"github.com/nous-labs/attune/internal/channel/matrix"
	"github.com/nous-labs/attune/internal/emotion"
	"github.com/nous-labs/attune/internal/intent"
	"github.com/nous-labs/attune/internal/llm"
	"github.com/nous-labs/attune/internal/persona"
	"github.com/nous-labs/attune/internal/pipeline"
	"github.com/nous-labs/attune/internal/prompt"
	coredaemon "github.com/nous-labs/attune/pkg/daemon"
	"github.com/nous-labs/attune/pkg/memory"
)

// Config is the "assistant" block under modules in the host config.
type Config struct {
	// Preamble replaces the default system framing of every prompt.
	Preamble string `json:"preamble,omitempty"`

	LLM      LLMConfig      `json:"llm"`
	Memory   MemoryConfig   `json:"memory"`
	Intent   IntentConfig   `json:"intent"`
	Emotion  emotion.Config `json:"emotion"`
	Persona  persona.Config `json:"persona"`
	Behavior BehaviorConfig `json:"behavior"`
	Prompt   prompt.Budgets `json:"prompt"`
	Pipeline PipelineConfig `json:"pipeline"`
	Tasks    TasksConfig    `json:"tasks"`
	Matrix   matrix.Config  `json:"matrix"`
}

// LLMConfig lists generation and embedding backends in router order.
type LLMConfig struct {
	Providers    []ProviderConfig `json:"providers"`
	Embedders    []ProviderConfig `json:"embedders"`
	Cooldown     string           `json:"cooldown,omitempty"`
	Hedge        bool             `json:"hedge,omitempty"`
	HedgeDelay   string           `json:"hedge_delay,omitempty"`
	Timeout      string           `json:"timeout,omitempty"`
	EmbeddingDim int              `json:"embedding_dim,omitempty"` // in-memory semantic store width
}

// ProviderConfig holds settings for a single backend.
type ProviderConfig struct {
	Provider    string  `json:"provider"`       // anthropic, anthropic-compat, gemini, ollama, tei
	Name        string  `json:"name,omitempty"` // anthropic-compat only
	Model       string  `json:"model,omitempty"`
	EmbedModel  string  `json:"embed_model,omitempty"`
	APIKey      string  `json:"api_key,omitempty"` // can use env var reference: "$ANTHROPIC_API_KEY"
	BaseURL     string  `json:"base_url,omitempty"`
	MaxOutput   int     `json:"max_output,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// MemoryConfig selects and tunes the four memory stores. Every backend
// falls back to its in-process adapter when unset or unreachable.
type MemoryConfig struct {
	HistoryBackend string         `json:"history_backend,omitempty"` // memory, redis
	RedisAddr      string         `json:"redis_addr,omitempty"`
	RedisPassword  string         `json:"redis_password,omitempty"`
	RedisDB        int            `json:"redis_db,omitempty"`
	HistoryMax     int            `json:"history_max,omitempty"` // turns kept per session
	HistoryTTL     string         `json:"history_ttl,omitempty"`
	HistoryLimit   int            `json:"history_limit,omitempty"` // turns read per prompt
	SemanticTopK   int            `json:"semantic_top_k,omitempty"`
	FactBudget     int            `json:"fact_budget,omitempty"`
	PostgresURL    string         `json:"postgres_url,omitempty"`
	VectorDim      int            `json:"vector_dim,omitempty"`
	SemanticMaxAge string         `json:"semantic_max_age,omitempty"` // recall snippets older than this are pruned
	Neo4j          Neo4jConfig    `json:"neo4j"`
	Timeouts       TimeoutsConfig `json:"timeouts"`
	Handoff        HandoffConfig  `json:"handoff"`
}

type Neo4jConfig struct {
	URI      string `json:"uri,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

type TimeoutsConfig struct {
	History  string `json:"history,omitempty"`
	Profile  string `json:"profile,omitempty"`
	Semantic string `json:"semantic,omitempty"`
	Facts    string `json:"facts,omitempty"`
	Write    string `json:"write,omitempty"`
}

// HandoffConfig enables the asynchronous extraction hand-off over NATS.
type HandoffConfig struct {
	NATSURL string `json:"nats_url,omitempty"`
	Subject string `json:"subject,omitempty"`
}

type IntentConfig struct {
	FetchMin  float64 `json:"fetch_min,omitempty"`
	CreateMin float64 `json:"create_min,omitempty"`
	ChatMin   float64 `json:"chat_min,omitempty"`
	Timeout   string  `json:"timeout,omitempty"`
}

type BehaviorConfig struct {
	Alpha          float64 `json:"alpha,omitempty"`
	Scale          float64 `json:"scale,omitempty"`
	LongChars      int     `json:"long_chars,omitempty"`
	ShortChars     int     `json:"short_chars,omitempty"`
	DeepAbove      float64 `json:"deep_above,omitempty"`
	ConciseBelow   float64 `json:"concise_below,omitempty"`
	DominantShare  float64 `json:"dominant_share,omitempty"`
	MinToneSamples int     `json:"min_tone_samples,omitempty"`
	TTL            string  `json:"ttl,omitempty"`
}

type PipelineConfig struct {
	GenerateTimeout string `json:"generate_timeout,omitempty"`
	Apology         string `json:"apology,omitempty"`
	IdleAfter       string `json:"idle_after,omitempty"` // per-user state unused this long is swept
}

// TasksConfig bounds the intent inbox kept for the task subsystem.
type TasksConfig struct {
	MaxPerUser int    `json:"max_per_user,omitempty"`
	TTL        string `json:"ttl,omitempty"`
}

// DefaultConfig returns a config using environment variables, suitable
// for a single-container deployment.
func DefaultConfig() Config {
	cfg := Config{
		Emotion:  emotion.DefaultConfig(),
		Persona:  persona.DefaultConfig(),
		Prompt:   prompt.DefaultBudgets(),
		Pipeline: PipelineConfig{GenerateTimeout: "30s", IdleAfter: "24h"},
		Tasks:    TasksConfig{MaxPerUser: 50, TTL: "168h"},
		LLM: LLMConfig{
			Cooldown:     "30s",
			HedgeDelay:   "400ms",
			Timeout:      "20s",
			EmbeddingDim: 768,
		},
		Memory: MemoryConfig{
			HistoryBackend: envOr("ATTUNE_HISTORY_BACKEND", "memory"),
			RedisAddr:      envOr("ATTUNE_REDIS_ADDR", ""),
			HistoryMax:     40,
			HistoryTTL:     "24h",
			HistoryLimit:   20,
			SemanticTopK:   5,
			FactBudget:     800,
			PostgresURL:    envOr("ATTUNE_PG_URL", ""),
			VectorDim:      768,
			SemanticMaxAge: "2160h",
			Neo4j: Neo4jConfig{
				URI:      envOr("ATTUNE_NEO4J_URI", ""),
				User:     envOr("ATTUNE_NEO4J_USER", "neo4j"),
				Password: envOr("ATTUNE_NEO4J_PASSWORD", ""),
			},
			Handoff: HandoffConfig{
				NATSURL: envOr("ATTUNE_HANDOFF_NATS_URL", ""),
				Subject: "attune.extract",
			},
		},
		Matrix: matrix.Config{
			Homeserver: envOr("MATRIX_HOMESERVER", ""),
			UserID:     envOr("MATRIX_BOT_USER", "attune"),
			Password:   envOr("MATRIX_BOT_PASSWORD", ""),
			ServerName: envOr("MATRIX_SERVER_NAME", ""),
			DataDir:    envOr("ATTUNE_DATA_DIR", "/data"),
		},
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		cfg.LLM.Providers = append(cfg.LLM.Providers, ProviderConfig{
			Provider:    "anthropic",
			Model:       "claude-sonnet-4-5",
			APIKey:      key,
			MaxOutput:   1024,
			Temperature: 0.7,
		})
	}
	if url := os.Getenv("ATTUNE_OLLAMA_URL"); url != "" {
		local := ProviderConfig{Provider: "ollama", BaseURL: url, Model: "llama3.2", EmbedModel: "nomic-embed-text"}
		cfg.LLM.Providers = append(cfg.LLM.Providers, local)
		cfg.LLM.Embedders = append(cfg.LLM.Embedders, local)
	}
	if url := os.Getenv("ATTUNE_TEI_URL"); url != "" {
		cfg.LLM.Embedders = append(cfg.LLM.Embedders, ProviderConfig{Provider: "tei", BaseURL: url})
	}
	return cfg
}

// resolve expands $VAR references in secrets and endpoints.
func (c *Config) resolve() {
	for i := range c.LLM.Providers {
		c.LLM.Providers[i].resolve()
	}
	for i := range c.LLM.Embedders {
		c.LLM.Embedders[i].resolve()
	}
	m := &c.Memory
	m.RedisAddr = coredaemon.ResolveEnv(m.RedisAddr)
	m.RedisPassword = coredaemon.ResolveEnv(m.RedisPassword)
	m.PostgresURL = coredaemon.ResolveEnv(m.PostgresURL)
	m.Neo4j.URI = coredaemon.ResolveEnv(m.Neo4j.URI)
	m.Neo4j.Password = coredaemon.ResolveEnv(m.Neo4j.Password)
	m.Handoff.NATSURL = coredaemon.ResolveEnv(m.Handoff.NATSURL)
	c.Matrix.Homeserver = coredaemon.ResolveEnv(c.Matrix.Homeserver)
	c.Matrix.UserID = coredaemon.ResolveEnv(c.Matrix.UserID)
	c.Matrix.Password = coredaemon.ResolveEnv(c.Matrix.Password)
	c.Matrix.ServerName = coredaemon.ResolveEnv(c.Matrix.ServerName)
}

func (p *ProviderConfig) resolve() {
	p.APIKey = coredaemon.ResolveEnv(p.APIKey)
	p.BaseURL = coredaemon.ResolveEnv(p.BaseURL)
}

func (c LLMConfig) routerConfig() llm.RouterConfig {
	def := llm.DefaultRouterConfig()
	return llm.RouterConfig{
		Cooldown:       coredaemon.ParseDuration(c.Cooldown, def.Cooldown),
		Hedge:          c.Hedge,
		HedgeDelay:     coredaemon.ParseDuration(c.HedgeDelay, def.HedgeDelay),
		DefaultTimeout: coredaemon.ParseDuration(c.Timeout, def.DefaultTimeout),
	}
}

func (c MemoryConfig) coordinatorConfig() memory.Config {
	def := memory.DefaultConfig()
	cfg := def
	cfg.HistoryTTL = coredaemon.ParseDuration(c.HistoryTTL, def.HistoryTTL)
	if c.HistoryLimit > 0 {
		cfg.HistoryLimit = c.HistoryLimit
	}
	if c.SemanticTopK > 0 {
		cfg.SemanticTopK = c.SemanticTopK
	}
	if c.FactBudget > 0 {
		cfg.FactBudget = c.FactBudget
	}
	cfg.Timeouts = memory.Timeouts{
		History:  coredaemon.ParseDuration(c.Timeouts.History, def.Timeouts.History),
		Profile:  coredaemon.ParseDuration(c.Timeouts.Profile, def.Timeouts.Profile),
		Semantic: coredaemon.ParseDuration(c.Timeouts.Semantic, def.Timeouts.Semantic),
		Facts:    coredaemon.ParseDuration(c.Timeouts.Facts, def.Timeouts.Facts),
		Write:    coredaemon.ParseDuration(c.Timeouts.Write, def.Timeouts.Write),
	}
	return cfg
}

func (c IntentConfig) classifierConfig() intent.Config {
	return intent.Config{
		FetchMin:  c.FetchMin,
		CreateMin: c.CreateMin,
		ChatMin:   c.ChatMin,
		Timeout:   coredaemon.ParseDuration(c.Timeout, intent.DefaultConfig().Timeout),
	}
}

func (c BehaviorConfig) trackerConfig() behavior.Config {
	return behavior.Config{
		Alpha:          c.Alpha,
		Scale:          c.Scale,
		LongChars:      c.LongChars,
		ShortChars:     c.ShortChars,
		DeepAbove:      c.DeepAbove,
		ConciseBelow:   c.ConciseBelow,
		DominantShare:  c.DominantShare,
		MinToneSamples: c.MinToneSamples,
		TTL:            coredaemon.ParseDuration(c.TTL, behavior.DefaultConfig().TTL),
	}
}

func (c PipelineConfig) pipelineConfig() pipeline.Config {
	return pipeline.Config{
		GenerateTimeout: coredaemon.ParseDuration(c.GenerateTimeout, 30*time.Second),
		Apology:         c.Apology,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
