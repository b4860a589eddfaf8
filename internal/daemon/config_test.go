package daemon

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResolveExpandsEnvReferences(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-test")
	t.Setenv("TEST_PG_URL", "postgres://localhost/attune")

	cfg := Config{
		LLM:    LLMConfig{Providers: []ProviderConfig{{Provider: "anthropic", APIKey: "$TEST_ANTHROPIC_KEY"}}},
		Memory: MemoryConfig{PostgresURL: "$TEST_PG_URL", RedisAddr: "$UNSET_ATTUNE_VAR"},
	}
	cfg.resolve()

	assert.Equal(t, "sk-test", cfg.LLM.Providers[0].APIKey)
	assert.Equal(t, "postgres://localhost/attune", cfg.Memory.PostgresURL)
	assert.Equal(t, "$UNSET_ATTUNE_VAR", cfg.Memory.RedisAddr, "unset references are left alone")
}

func TestRouterConfigDurations(t *testing.T) {
	rc := LLMConfig{Cooldown: "5s", Hedge: true, HedgeDelay: "bogus", Timeout: ""}.routerConfig()
	assert.Equal(t, 5*time.Second, rc.Cooldown)
	assert.True(t, rc.Hedge)
	assert.Equal(t, 400*time.Millisecond, rc.HedgeDelay)
	assert.Equal(t, 20*time.Second, rc.DefaultTimeout)
}

func TestCoordinatorConfigKeepsDefaults(t *testing.T) {
	mc := MemoryConfig{HistoryLimit: 8, Timeouts: TimeoutsConfig{Semantic: "1s"}}.coordinatorConfig()
	assert.Equal(t, 8, mc.HistoryLimit)
	assert.Equal(t, 5, mc.SemanticTopK)
	assert.Equal(t, time.Second, mc.Timeouts.Semantic)
	assert.Equal(t, 300*time.Millisecond, mc.Timeouts.History)
}

func TestUnknownProviderIsSkipped(t *testing.T) {
	providers := buildProviders(t.Context(), []ProviderConfig{
		{Provider: "mystery"},
		{Provider: "anthropic"}, // no key
		{Provider: "anthropic", APIKey: "sk-test", Model: "claude-sonnet-4-5"},
	})
	if assert.Len(t, providers, 1) {
		assert.Equal(t, "anthropic", providers[0].Name())
	}
}
