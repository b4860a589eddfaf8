package emotion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrailingJoyEmoji(t *testing.T) {
	r := NewDetector(DefaultConfig()).Detect("see you at the station 😊")
	assert.Equal(t, Happy, r.Emotion)
	assert.GreaterOrEqual(t, r.Confidence, 0.5)
	assert.Equal(t, "cheerful", r.Tone)
	assert.NotEmpty(t, r.LeadEmoji)
}

func TestNoSignalIsNeutral(t *testing.T) {
	r := NewDetector(DefaultConfig()).Detect("the meeting moved to room 4")
	assert.Equal(t, Neutral, r.Emotion)
	assert.Equal(t, 0.3, r.Confidence)
	assert.Empty(t, r.LeadEmoji)
}

func TestEmojiOutweighsKeyword(t *testing.T) {
	// one sad keyword (1.0) against one happy emoji (1.2)
	r := NewDetector(DefaultConfig()).Detect("I miss it 😀")
	assert.Equal(t, Happy, r.Emotion)
}

func TestPriorityBreaksTies(t *testing.T) {
	d := NewDetector(DefaultConfig())
	assert.Equal(t, Angry, d.Detect("I'm sad and angry").Emotion)
	assert.Equal(t, Sad, d.Detect("happy but sad").Emotion)
	assert.Equal(t, Anxious, d.Detect("excited and nervous").Emotion)
}

func TestConfidenceBounded(t *testing.T) {
	d := NewDetector(DefaultConfig())
	for _, text := range []string{
		"",
		"happy happy happy happy happy 😀😀😀😀",
		"sad angry worried wow thanks great",
		"!!!!!!!!!!!!!!!!!!!!!!!! furious",
	} {
		r := d.Detect(text)
		assert.GreaterOrEqual(t, r.Confidence, 0.0, text)
		assert.LessOrEqual(t, r.Confidence, 1.0, text)
		assert.LessOrEqual(t, r.Intensity, 1.0, text)
	}
}

func TestAdvancedToxicShortCircuit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Advanced = true
	r := NewDetector(cfg).Detect("shut up you are so happy 😀")
	assert.Equal(t, Toxic, r.Emotion)
	assert.Equal(t, 1.0, r.Confidence)
	assert.Equal(t, 0.0, r.Entropy)
	assert.Empty(t, r.LeadEmoji)
	assert.Empty(t, r.Palette)
}

func TestAdvancedEmojiThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Advanced = true
	d := NewDetector(cfg)

	clear := d.Detect("so happy and excited today 🎉")
	assert.Equal(t, Happy, clear.Emotion)
	assert.GreaterOrEqual(t, clear.Confidence, 0.55)
	assert.LessOrEqual(t, clear.Entropy, 0.6)
	assert.NotEmpty(t, clear.LeadEmoji)

	mixed := d.Detect("happy sad angry worried wow thanks")
	assert.Greater(t, mixed.Entropy, 0.6)
	assert.Empty(t, mixed.LeadEmoji, "spread-out distribution suggests no emoji")
}

func TestSarcasmHelpers(t *testing.T) {
	assert.True(t, HasSarcasmMarker("Oh I just love mondays /s"))
	assert.True(t, HasSarcasmMarker("yeah right, that went well"))
	assert.False(t, HasSarcasmMarker("I love mondays"))
	assert.Equal(t, 1, PositiveEmojiHits("great, I hate this 😊"))
	assert.Equal(t, 1, NegativeHits("great, I hate this 😊"))
}

func TestLogNegativeStreak(t *testing.T) {
	l := NewLog(5)
	l.Record("u", Sad)
	l.Record("u", Sad)
	e, n := l.NegativeStreak("u")
	assert.Equal(t, Sad, e)
	assert.Equal(t, 2, n)

	l.Record("u", Angry)
	_, n = l.NegativeStreak("u")
	assert.Equal(t, 1, n, "a different negative category restarts the run")

	l.Record("u", Happy)
	e, n = l.NegativeStreak("u")
	assert.Equal(t, Emotion(""), e)
	assert.Zero(t, n)

	for i := 0; i < 7; i++ {
		l.Record("u", Anxious)
	}
	require.Len(t, l.Recent("u"), 5)
	_, n = l.NegativeStreak("u")
	assert.Equal(t, 5, n)
}

func TestLogPrune(t *testing.T) {
	l := NewLog(3)
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	l.Record("old", Sad)
	now = now.Add(2 * time.Hour)
	l.Record("fresh", Sad)

	assert.Equal(t, 1, l.Prune(time.Hour))
	assert.Nil(t, l.Recent("old"))
	assert.NotNil(t, l.Recent("fresh"))
}
