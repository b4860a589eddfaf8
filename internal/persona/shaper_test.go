package persona

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/attune/internal/emotion"
	"github.com/nous-labs/attune/pkg/metrics"
)

const longBase = "Here are a few ideas for the weekend that might fit what you enjoy."

func newTestShaper(t *testing.T) (*Shaper, *metrics.Recorder) {
	t.Helper()
	rec := metrics.New("test")
	s := New(DefaultConfig(), nil, nil, rec)
	s.pick = func(int) int { return 0 }
	return s, rec
}

func detected(e emotion.Emotion, conf float64) emotion.Result {
	return emotion.Result{Emotion: e, Confidence: conf, Palette: emotion.PaletteFor(e)}
}

func TestConfidenceGate(t *testing.T) {
	s, rec := newTestShaper(t)
	out := s.Shape(Input{UserID: "u", UserText: "meh", Base: longBase, Emotion: detected(emotion.Happy, 0.2)})

	assert.Equal(t, emotion.Neutral, out.Emotion)
	assert.Equal(t, ReasonLowConfidence, out.Reason)
	assert.Equal(t, longBase, out.Text)
	assert.Zero(t, out.Emoji)
	assert.Equal(t, int64(1), rec.Count("persona.gate.low_confidence"))
}

func TestSarcasmGate(t *testing.T) {
	for _, text := range []string{
		"Oh I just love it when my car breaks down /s",
		"my flight got cancelled and I'm so upset 😊",
	} {
		s, rec := newTestShaper(t)
		out := s.Shape(Input{UserID: "u", UserText: text, Base: longBase, Emotion: detected(emotion.Happy, 0.9)})
		assert.Equal(t, emotion.Neutral, out.Emotion, text)
		assert.Equal(t, ReasonSarcasm, out.Reason, text)
		assert.Equal(t, longBase, out.Text, text)
		assert.Equal(t, int64(1), rec.Count("persona.gate.sarcasm"))
	}
}

func TestSarcasmGateIgnoresNegativeEmotion(t *testing.T) {
	s, _ := newTestShaper(t)
	out := s.Shape(Input{UserID: "u", UserText: "worst day ever /s", Base: longBase, Emotion: detected(emotion.Sad, 0.9)})
	assert.Equal(t, emotion.Sad, out.Emotion)
	assert.Empty(t, out.Reason)
}

func TestTemplateRotationAvoidsRecent(t *testing.T) {
	s, _ := newTestShaper(t)
	var picked []string
	for i := 0; i < 8; i++ {
		out := s.Shape(Input{UserID: "u", UserText: "yay", Base: "ok", Emotion: detected(emotion.Happy, 0.9), Style: "balanced"})
		picked = append(picked, out.Template)
	}
	for i := range picked {
		for j := i - 1; j >= 0 && j >= i-3; j-- {
			assert.NotEqual(t, picked[i], picked[j], "template %d repeats one of the last 3", i)
		}
	}
}

func TestTemplateRotationFallsBackToFullSet(t *testing.T) {
	s, rec := newTestShaper(t)
	// concise happy has exactly three options, the same as the window
	for i := 0; i < 4; i++ {
		out := s.Shape(Input{UserID: "u", Base: "ok", Emotion: detected(emotion.Happy, 0.9), Style: "concise"})
		require.NotEmpty(t, out.Template)
	}
	assert.Equal(t, int64(1), rec.Count("persona.template.rotation_reset"))
}

func TestRotationNeverRepeatsBackToBack(t *testing.T) {
	rec := metrics.New("test")
	s := New(DefaultConfig(), nil, nil, rec)
	// sad balanced has three options, no more than the window
	in := Input{UserID: "u", Base: longBase, Emotion: detected(emotion.Sad, 0.9), Style: "balanced"}

	prev := ""
	for i := 0; i < 40; i++ {
		out := s.Shape(in)
		require.NotEmpty(t, out.Template, "turn %d", i)
		assert.NotEqual(t, prev, out.Template, "turn %d repeats the previous template", i)
		prev = out.Template
	}
	assert.Positive(t, rec.Count("persona.template.rotation_reset"))
}

func TestRotationIsPerUser(t *testing.T) {
	s, _ := newTestShaper(t)
	a := s.Shape(Input{UserID: "a", Base: "ok", Emotion: detected(emotion.Happy, 0.9)})
	b := s.Shape(Input{UserID: "b", Base: "ok", Emotion: detected(emotion.Happy, 0.9)})
	assert.Equal(t, a.Template, b.Template)
}

func TestEscalationOnFourthTurn(t *testing.T) {
	s, rec := newTestShaper(t)
	in := Input{UserID: "u", UserText: "I feel so down", Base: longBase, Emotion: detected(emotion.Sad, 0.9)}

	for i := 1; i <= 3; i++ {
		out := s.Shape(in)
		assert.False(t, out.Escalated, "turn %d", i)
	}
	out := s.Shape(in)
	assert.True(t, out.Escalated)
	assert.Contains(t, out.Text, "I'm here to listen")
	assert.Equal(t, int64(1), rec.Count("persona.escalation"))
}

func TestTwoNegativesDoNotEscalate(t *testing.T) {
	s, _ := newTestShaper(t)
	sad := Input{UserID: "u", Base: longBase, Emotion: detected(emotion.Sad, 0.9)}
	s.Shape(sad)
	s.Shape(sad)
	out := s.Shape(Input{UserID: "u", Base: longBase, Emotion: detected(emotion.Neutral, 0.3)})
	assert.False(t, out.Escalated)

	mixed := New(DefaultConfig(), nil, nil, nil)
	mixed.Shape(Input{UserID: "m", Base: longBase, Emotion: detected(emotion.Sad, 0.9)})
	mixed.Shape(Input{UserID: "m", Base: longBase, Emotion: detected(emotion.Angry, 0.9)})
	mixed.Shape(Input{UserID: "m", Base: longBase, Emotion: detected(emotion.Sad, 0.9)})
	out = mixed.Shape(Input{UserID: "m", Base: longBase, Emotion: detected(emotion.Sad, 0.9)})
	assert.False(t, out.Escalated, "streak must be the same category")
}

func TestBlend(t *testing.T) {
	s, _ := newTestShaper(t)
	assert.Equal(t, "tmpl "+longBase, s.blend("tmpl", longBase, 0.1))
	assert.Equal(t, "tmpl", s.blend("tmpl", "Sure thing.", 0.1), "short base")
	assert.Equal(t, "tmpl", s.blend("tmpl", longBase, 0.9), "intense")
	assert.Equal(t, longBase, s.blend("", longBase, 0.9), "no template")
}

func TestNeutralGetsNoTemplateOrEmoji(t *testing.T) {
	s, _ := newTestShaper(t)
	out := s.Shape(Input{UserID: "u", Base: longBase, Emotion: detected(emotion.Neutral, 0.3)})
	assert.Equal(t, longBase, out.Text)
	assert.Empty(t, out.Template)
	assert.Zero(t, out.Emoji)
}

func TestEnrichSkipsCodeFence(t *testing.T) {
	s, rec := newTestShaper(t)
	text := "Try this:\n```go\nfmt.Println(1)\n```\nDone."
	got, n := s.enrich(text, []string{"😊"})
	assert.Equal(t, text, got)
	assert.Zero(t, n)
	assert.Equal(t, int64(1), rec.Count("persona.emoji.skipped_code"))
}

func TestEnrichNeverRepeatsMoreThanTwice(t *testing.T) {
	s, _ := newTestShaper(t)
	s.cfg.EmojiBudget = 5
	got, n := s.enrich("One. Two. Three. Four.", []string{"😊"})
	assert.Equal(t, "😊 One. Two. 😊 Three. Four.", got)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, strings.Count(got, "😊"))
}

func TestEnrichRespectsBudget(t *testing.T) {
	s, _ := newTestShaper(t)
	got, n := s.enrich("A. B. C. D. E. F.", []string{"😊", "🎉", "✨", "🙌"})
	assert.Equal(t, 3, n, "one lead plus a budget of two")
	assert.True(t, strings.HasPrefix(got, "😊 "))
}

func TestEnrichKeepsExistingLead(t *testing.T) {
	s, _ := newTestShaper(t)
	got, n := s.enrich("🎉 Congrats on the new job", []string{"😊"})
	assert.Equal(t, "🎉 Congrats on the new job", got)
	assert.Zero(t, n)
}

func TestShapeRecoversFromFault(t *testing.T) {
	s, rec := newTestShaper(t)
	s.pick = func(n int) int { return n + 10 }
	out := s.Shape(Input{UserID: "u", Base: longBase, Emotion: detected(emotion.Happy, 0.9)})
	assert.Equal(t, longBase, out.Text)
	assert.Equal(t, ReasonFault, out.Reason)
	assert.Equal(t, int64(1), rec.Count("persona.fault"))
}
