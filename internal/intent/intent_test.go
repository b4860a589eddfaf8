package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/attune/pkg/metrics"
)

type fakeGen struct {
	reply string
	err   error
	calls int
}

func (g *fakeGen) GenerateText(context.Context, string, time.Duration) (string, error) {
	g.calls++
	return g.reply, g.err
}

func TestFastPathAccepted(t *testing.T) {
	tests := []struct {
		text   string
		action Action
		data   map[string]string
	}{
		{"Show my tasks", FetchTasks, nil},
		{"What's on my todo list?", FetchTasks, nil},
		{"Remind me to call mom tomorrow", CreateTask, map[string]string{"title": "call mom", "when": "tomorrow"}},
		{"remind me to stretch in 20 minutes", CreateTask, map[string]string{"title": "stretch", "when": "in 20 minutes"}},
		{"Remember that my sister is called Ana.", SaveFact, map[string]string{"fact": "my sister is called ana"}},
		{"Hello!", GeneralChat, nil},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			gen := &fakeGen{}
			c := New(gen, DefaultConfig(), nil)
			got := c.Classify(context.Background(), tt.text)
			assert.Equal(t, tt.action, got.Action)
			assert.Equal(t, SourceFast, got.Source)
			assert.Equal(t, tt.data, got.Data)
			assert.Zero(t, gen.calls, "fast path must not call the model")
		})
	}
}

func TestAmbiguousTimeEscalates(t *testing.T) {
	for _, text := range []string{
		"remind me to call mom later",
		"remind me to call mom tomorrow or maybe next week",
		"i need to renew my passport",
	} {
		gen := &fakeGen{reply: "```json\n{\"action\": \"create_task\", \"data\": {\"title\": \"call mom\", \"when\": \"later\"}}\n```"}
		rec := metrics.New("test")
		got := New(gen, DefaultConfig(), rec).Classify(context.Background(), text)
		assert.Equal(t, 1, gen.calls, text)
		assert.Equal(t, SourceModel, got.Source, text)
		assert.Equal(t, CreateTask, got.Action, text)
		assert.Equal(t, "later", got.Data["when"], text)
		assert.Equal(t, int64(1), rec.Count("intent.escalate"))
	}
}

func TestMalformedEscalationFallsBack(t *testing.T) {
	gen := &fakeGen{reply: `sure, that's {"action": "create_task", "data": {"title": `}
	rec := metrics.New("test")
	got := New(gen, DefaultConfig(), rec).Classify(context.Background(), "remind me to water plants sometime")

	assert.Equal(t, CreateTask, got.Action)
	assert.Equal(t, SourceFallback, got.Source)
	assert.Nil(t, got.Data, "partial data is discarded")
	assert.Equal(t, int64(1), rec.Count("intent.fallback.parse_failed"))
}

func TestGeneratorErrorFallsBack(t *testing.T) {
	gen := &fakeGen{err: errors.New("all providers exhausted")}
	got := New(gen, DefaultConfig(), nil).Classify(context.Background(), "what do you think about the weather")
	assert.Equal(t, GeneralChat, got.Action)
	assert.Equal(t, SourceFallback, got.Source)
}

func TestNilGenerator(t *testing.T) {
	got := New(nil, DefaultConfig(), nil).Classify(context.Background(), "tell me something")
	assert.Equal(t, GeneralChat, got.Action)
	assert.Equal(t, SourceFallback, got.Source)
}

func TestParseModelOutput(t *testing.T) {
	res, err := ParseModelOutput(`Here you go: {"action":"SAVE_FACT","data":{"fact":"likes tea","extra":null}} thanks`)
	require.NoError(t, err)
	assert.Equal(t, SaveFact, res.Action)
	assert.Equal(t, map[string]string{"fact": "likes tea"}, res.Data)

	res, err = ParseModelOutput(`{"action":"general_chat","data":{"title":"ignored"}}`)
	require.NoError(t, err)
	assert.Nil(t, res.Data)

	_, err = ParseModelOutput(`{"action":"delete_everything"}`)
	assert.Error(t, err)
	_, err = ParseModelOutput(`no json here`)
	assert.Error(t, err)
}

func TestThresholdsAreConfigurable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChatMin = 0.4
	gen := &fakeGen{}
	got := New(gen, cfg, nil).Classify(context.Background(), "tell me about rust")
	assert.Equal(t, SourceFast, got.Source)
	assert.Zero(t, gen.calls)
}
