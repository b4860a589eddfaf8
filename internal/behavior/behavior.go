// Package behavior tracks a smoothed per-user preference for reply depth and
// tone. Everything here is advisory: reads fall back to neutral defaults and
// write failures are logged, never propagated into the turn.
package behavior

import (
	"context"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nous-labs/attune/pkg/metrics"
)

// Complexity classifies what kind of answer a message asks for.
type Complexity string

const (
	HowTo       Complexity = "howto"
	Explanatory Complexity = "explanatory"
	Factual     Complexity = "factual"
	Chitchat    Complexity = "chitchat"
)

// Detail levels derived from depth_bias.
const (
	DetailDeep     = "deep"
	DetailBalanced = "balanced"
	DetailConcise  = "concise"
)

// Signal is the persisted per-user state.
type Signal struct {
	DepthBias        float64        `json:"depth_bias"`
	ToneCounts       map[string]int `json:"tone_pref_counts,omitempty"`
	ComplexityCounts map[string]int `json:"complexity_counts,omitempty"`
	Samples          int            `json:"samples"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Profile is the read-side summary consumed by the shaper.
type Profile struct {
	DepthBias    float64 `json:"depth_bias"`
	DetailLevel  string  `json:"detail_level"`
	DominantTone string  `json:"dominant_tone,omitempty"`
}

// Interaction is one observed user turn.
type Interaction struct {
	UserID string
	Text   string
	Tone   string // tone label of the turn, e.g. from emotion detection
}

// Config holds the tracker constants. They are empirical.
type Config struct {
	Alpha          float64       `json:"alpha"`            // EWMA weight of the newest observation
	Scale          float64       `json:"scale"`            // maps a unit delta onto the bias range
	LongChars      int           `json:"long_chars"`       // at or above: +1
	ShortChars     int           `json:"short_chars"`      // at or below: -1
	DeepAbove      float64       `json:"deep_above"`       // bias > DeepAbove is deep
	ConciseBelow   float64       `json:"concise_below"`    // bias < ConciseBelow is concise
	DominantShare  float64       `json:"dominant_share"`   // share a tone needs to dominate
	MinToneSamples int           `json:"min_tone_samples"`
	TTL            time.Duration `json:"ttl"`
}

// DefaultConfig returns the standard constants.
func DefaultConfig() Config {
	return Config{
		Alpha:          0.3,
		Scale:          2,
		LongChars:      200,
		ShortChars:     20,
		DeepAbove:      0.6,
		ConciseBelow:   -0.6,
		DominantShare:  0.6,
		MinToneSamples: 3,
		TTL:            30 * 24 * time.Hour,
	}
}

// MaxBias bounds depth_bias in both directions.
const MaxBias = 2.0

// Store persists signals with expiry.
type Store interface {
	Load(ctx context.Context, userID string) (Signal, bool, error)
	Save(ctx context.Context, userID string, s Signal, ttl time.Duration) error
}

// Tracker applies interactions to stored signals.
type Tracker struct {
	store   Store
	cfg     Config
	metrics *metrics.Recorder
	mu      sync.Mutex // serializes read-modify-write per process
	now     func() time.Time
}

// New creates a tracker. A nil store keeps signals in memory.
func New(store Store, cfg Config, rec *metrics.Recorder) *Tracker {
	def := DefaultConfig()
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.Scale <= 0 {
		cfg.Scale = def.Scale
	}
	if cfg.LongChars <= 0 {
		cfg.LongChars = def.LongChars
	}
	if cfg.ShortChars <= 0 {
		cfg.ShortChars = def.ShortChars
	}
	if cfg.DeepAbove == 0 {
		cfg.DeepAbove = def.DeepAbove
	}
	if cfg.ConciseBelow == 0 {
		cfg.ConciseBelow = def.ConciseBelow
	}
	if cfg.DominantShare <= 0 {
		cfg.DominantShare = def.DominantShare
	}
	if cfg.MinToneSamples <= 0 {
		cfg.MinToneSamples = def.MinToneSamples
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{store: store, cfg: cfg, metrics: rec, now: time.Now}
}

// BaseDelta is +1 for long messages, -1 for very short ones, 0 otherwise.
func (t *Tracker) BaseDelta(text string) float64 {
	n := utf8.RuneCountInString(strings.TrimSpace(text))
	switch {
	case n >= t.cfg.LongChars:
		return 1
	case n <= t.cfg.ShortChars:
		return -1
	}
	return 0
}

// Multiplier scales a delta by complexity class. How-to and explanatory
// requests amplify positive deltas and dampen negative ones; factual and
// chitchat do the inverse.
func Multiplier(c Complexity, delta float64) float64 {
	amplify := c == HowTo || c == Explanatory
	switch {
	case delta > 0 && amplify, delta < 0 && !amplify:
		return 1.5
	case delta == 0:
		return 1
	}
	return 0.5
}

// Apply folds one observation into s and returns the result.
func (t *Tracker) Apply(s Signal, in Interaction) Signal {
	c := ClassifyComplexity(in.Text)
	base := t.BaseDelta(in.Text)
	target := base * Multiplier(c, base) * t.cfg.Scale
	s.DepthBias = clamp((1-t.cfg.Alpha)*s.DepthBias+t.cfg.Alpha*target, -MaxBias, MaxBias)

	if s.ComplexityCounts == nil {
		s.ComplexityCounts = map[string]int{}
	}
	s.ComplexityCounts[string(c)]++
	if in.Tone != "" {
		if s.ToneCounts == nil {
			s.ToneCounts = map[string]int{}
		}
		s.ToneCounts[in.Tone]++
	}
	s.Samples++
	s.UpdatedAt = t.now()
	return s
}

// Update loads, applies and saves. The returned error is advisory.
func (t *Tracker) Update(ctx context.Context, in Interaction) (Signal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, _, err := t.store.Load(ctx, in.UserID)
	if err != nil {
		slog.Warn("behavior load failed", "user", in.UserID, "reason", "store_unavailable", "error", err)
		s = Signal{}
	}
	s = t.Apply(s, in)
	if err := t.store.Save(ctx, in.UserID, s, t.cfg.TTL); err != nil {
		t.metrics.Inc("behavior.save_failed")
		slog.Warn("behavior save failed", "user", in.UserID, "reason", "store_unavailable", "error", err)
		return s, err
	}
	t.metrics.Inc("behavior.update")
	return s, nil
}

// Profile returns the read-side summary, or balanced defaults when nothing
// is stored or the store fails.
func (t *Tracker) Profile(ctx context.Context, userID string) Profile {
	s, ok, err := t.store.Load(ctx, userID)
	if err != nil {
		slog.Warn("behavior read failed", "user", userID, "reason", "store_unavailable", "error", err)
		return Profile{DetailLevel: DetailBalanced}
	}
	if !ok {
		return Profile{DetailLevel: DetailBalanced}
	}
	return t.Summarize(s)
}

// Summarize derives detail level and dominant tone from a signal.
func (t *Tracker) Summarize(s Signal) Profile {
	p := Profile{DepthBias: s.DepthBias, DetailLevel: DetailBalanced}
	switch {
	case s.DepthBias > t.cfg.DeepAbove:
		p.DetailLevel = DetailDeep
	case s.DepthBias < t.cfg.ConciseBelow:
		p.DetailLevel = DetailConcise
	}
	total := 0
	for _, n := range s.ToneCounts {
		total += n
	}
	if total >= t.cfg.MinToneSamples {
		for tone, n := range s.ToneCounts {
			if float64(n)/float64(total) >= t.cfg.DominantShare {
				p.DominantTone = tone
				break
			}
		}
	}
	return p
}

var (
	howToRe       = regexp.MustCompile(`\b(how (do|can|should|would) (i|you|we)|how to|step[- ]by[- ]step|steps to|guide|tutorial|walk me through|set ?up|install|configure)\b`)
	explanatoryRe = regexp.MustCompile(`\b(why|explain|how does|how do(es)? .+ work|what's the difference|what is the difference|compare|pros and cons|in detail|elaborate)\b`)
	factualRe     = regexp.MustCompile(`^(what|when|who|where|which|is|are|does|did|can|how (many|much|old|far|long))\b`)
)

// ClassifyComplexity buckets a message by the depth of answer it implies.
func ClassifyComplexity(text string) Complexity {
	s := strings.ToLower(strings.TrimSpace(text))
	switch {
	case howToRe.MatchString(s):
		return HowTo
	case explanatoryRe.MatchString(s):
		return Explanatory
	case factualRe.MatchString(s) && len(strings.Fields(s)) <= 12:
		return Factual
	}
	return Chitchat
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
