// Package emotion infers the emotional tone of a message from keyword and
// emoji density, and keeps a short rolling log per user for streak detection.
package emotion

import (
	"math"
	"strings"
)

// Result is the per-turn detection.
type Result struct {
	Emotion    Emotion             `json:"emotion"`
	Confidence float64             `json:"confidence"`
	Intensity  float64             `json:"intensity"`
	Entropy    float64             `json:"entropy,omitempty"`
	Tone       string              `json:"tone"`
	LeadEmoji  string              `json:"lead_emoji,omitempty"`
	Palette    []string            `json:"palette,omitempty"`
	Scores     map[Emotion]float64 `json:"scores,omitempty"`
}

// Config tunes detection. The weights and thresholds are empirical.
type Config struct {
	EmojiWeight       float64 `json:"emoji_weight"`
	NeutralConfidence float64 `json:"neutral_confidence"`
	Advanced          bool    `json:"advanced"`
	Smoothing         float64 `json:"smoothing"`          // advanced: added to every score before normalizing
	MinEmojiConf      float64 `json:"min_emoji_confidence"` // advanced
	MaxEmojiEntropy   float64 `json:"max_emoji_entropy"`    // advanced
}

// DefaultConfig returns the standard weights.
func DefaultConfig() Config {
	return Config{
		EmojiWeight:       1.2,
		NeutralConfidence: 0.3,
		Smoothing:         0.05,
		MinEmojiConf:      0.55,
		MaxEmojiEntropy:   0.6,
	}
}

var tones = map[Emotion]string{
	Happy:     "cheerful",
	Sad:       "gentle",
	Angry:     "calm",
	Anxious:   "reassuring",
	Surprised: "curious",
	Grateful:  "warm",
	Neutral:   "neutral",
	Toxic:     "firm",
}

var palettes = map[Emotion][]string{
	Happy:     {"😊", "🎉", "✨", "🙌"},
	Sad:       {"💙", "🫂", "🌧️"},
	Angry:     {"😌", "🧘"},
	Anxious:   {"🌿", "💛", "🤍"},
	Surprised: {"😮", "🤩", "✨"},
	Grateful:  {"🙏", "💛", "🤗"},
}

// ToneFor returns the response tone label for e.
func ToneFor(e Emotion) string { return tones[e] }

// PaletteFor returns the emoji palette for e. Neutral and toxic have none.
func PaletteFor(e Emotion) []string { return palettes[e] }

// Detector is stateless and safe for concurrent use.
type Detector struct {
	cfg Config
}

// NewDetector creates a detector, filling unset fields from DefaultConfig.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.EmojiWeight <= 0 {
		cfg.EmojiWeight = def.EmojiWeight
	}
	if cfg.NeutralConfidence <= 0 {
		cfg.NeutralConfidence = def.NeutralConfidence
	}
	if cfg.Smoothing <= 0 {
		cfg.Smoothing = def.Smoothing
	}
	if cfg.MinEmojiConf <= 0 {
		cfg.MinEmojiConf = def.MinEmojiConf
	}
	if cfg.MaxEmojiEntropy <= 0 {
		cfg.MaxEmojiEntropy = def.MaxEmojiEntropy
	}
	return &Detector{cfg: cfg}
}

// Detect classifies text.
func (d *Detector) Detect(text string) Result {
	if d.cfg.Advanced {
		return d.detectAdvanced(text)
	}
	scores, words := d.score(text)
	best, bestScore, total := argmax(scores)
	if bestScore <= 0 {
		return d.neutral()
	}
	share := bestScore / total
	conf := clamp01(share * math.Min(1, 0.5+0.25*bestScore))
	return d.result(best, conf, intensity(bestScore, words, text), scores)
}

func (d *Detector) detectAdvanced(text string) Result {
	t := tokenize(text)
	if t.hits(toxicLexicon) > 0 {
		return Result{Emotion: Toxic, Confidence: 1, Entropy: 0, Intensity: 1, Tone: tones[Toxic]}
	}
	scores, words := d.score(text)
	best, bestScore, _ := argmax(scores)
	if bestScore <= 0 {
		r := d.neutral()
		r.Entropy = 1
		return r
	}

	probs := make([]float64, len(Priority))
	var sum float64
	for i, e := range Priority {
		probs[i] = scores[e] + d.cfg.Smoothing
		sum += probs[i]
	}
	var h float64
	for i := range probs {
		probs[i] /= sum
		if probs[i] > 0 {
			h -= probs[i] * math.Log(probs[i])
		}
	}
	entropy := clamp01(h / math.Log(float64(len(probs))))
	conf := clamp01((scores[best] + d.cfg.Smoothing) / sum)

	r := d.result(best, conf, intensity(bestScore, words, text), scores)
	r.Entropy = entropy
	if conf < d.cfg.MinEmojiConf || entropy > d.cfg.MaxEmojiEntropy {
		r.LeadEmoji = ""
		r.Palette = nil
	}
	return r
}

func (d *Detector) score(text string) (map[Emotion]float64, int) {
	t := tokenize(text)
	scores := make(map[Emotion]float64, len(Priority))
	for _, e := range Priority {
		scores[e] = float64(t.hits(keywords[e])) + d.cfg.EmojiWeight*float64(emojiHits(text, emojis[e]))
	}
	return scores, t.count
}

// argmax walks Priority so ties resolve to the earlier category.
func argmax(scores map[Emotion]float64) (Emotion, float64, float64) {
	best, bestScore, total := Neutral, 0.0, 0.0
	for _, e := range Priority {
		s := scores[e]
		total += s
		if s > bestScore {
			best, bestScore = e, s
		}
	}
	return best, bestScore, total
}

func (d *Detector) neutral() Result {
	return Result{Emotion: Neutral, Confidence: d.cfg.NeutralConfidence, Tone: tones[Neutral]}
}

func (d *Detector) result(e Emotion, conf, inten float64, scores map[Emotion]float64) Result {
	r := Result{
		Emotion:    e,
		Confidence: conf,
		Intensity:  inten,
		Tone:       tones[e],
		Palette:    append([]string(nil), palettes[e]...),
		Scores:     scores,
	}
	if len(r.Palette) > 0 {
		r.LeadEmoji = r.Palette[0]
	}
	return r
}

// intensity grows with signal density and exclamation marks.
func intensity(bestScore float64, words int, text string) float64 {
	density := bestScore / math.Max(1, float64(words))
	return clamp01(density*3 + 0.1*float64(strings.Count(text, "!")))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
