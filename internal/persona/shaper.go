// Package persona turns a generated reply into an emotionally appropriate
// one: gating low-confidence and sarcastic signals, rotating openers,
// checking in on negative streaks and adding a bounded amount of emoji.
package persona

import (
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nous-labs/attune/internal/emotion"
	"github.com/nous-labs/attune/pkg/metrics"
)

// Gate reasons.
const (
	ReasonLowConfidence = "low_confidence"
	ReasonSarcasm       = "sarcasm"
	ReasonFault         = "fault"
)

// Config holds the shaper thresholds. They are empirical.
type Config struct {
	MinConfidence    float64 `json:"min_confidence"`
	RotationWindow   int     `json:"rotation_window"`   // templates to avoid per (user, emotion, style)
	EscalationStreak int     `json:"escalation_streak"` // same-category negatives before checking in
	ShortReplyChars  int     `json:"short_reply_chars"` // base replies at most this long use the template alone
	IntenseAbove     float64 `json:"intense_above"`     // intensity at or above uses the template alone
	EmojiBudget      int     `json:"emoji_budget"`      // sentence emoji after the lead
	MaxEmojiRepeat   int     `json:"max_emoji_repeat"`
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MinConfidence:    0.4,
		RotationWindow:   3,
		EscalationStreak: 3,
		ShortReplyChars:  24,
		IntenseAbove:     0.5,
		EmojiBudget:      2,
		MaxEmojiRepeat:   2,
	}
}

// Input is one turn to shape.
type Input struct {
	UserID   string
	UserText string
	Base     string // generated reply
	Emotion  emotion.Result
	Style    string // behavior detail level
}

// Output is the shaped reply and what happened to it.
type Output struct {
	Text      string          `json:"text"`
	Emotion   emotion.Emotion `json:"emotion"`
	Reason    string          `json:"reason,omitempty"`
	Template  string          `json:"template,omitempty"`
	Escalated bool            `json:"escalated,omitempty"`
	Emoji     int             `json:"emoji,omitempty"`
}

// Shaper is safe for concurrent use.
type Shaper struct {
	cfg       Config
	templates Templates
	log       *emotion.Log
	metrics   *metrics.Recorder
	pick      func(n int) int

	mu     sync.Mutex
	recent map[string]*rotation
	now    func() time.Time
}

type rotation struct {
	used     []int
	lastUsed time.Time
}

// New creates a shaper. log may be shared with other components; nil
// creates a private one.
func New(cfg Config, templates Templates, log *emotion.Log, rec *metrics.Recorder) *Shaper {
	def := DefaultConfig()
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.RotationWindow <= 0 {
		cfg.RotationWindow = def.RotationWindow
	}
	if cfg.EscalationStreak <= 0 {
		cfg.EscalationStreak = def.EscalationStreak
	}
	if cfg.ShortReplyChars <= 0 {
		cfg.ShortReplyChars = def.ShortReplyChars
	}
	if cfg.IntenseAbove <= 0 {
		cfg.IntenseAbove = def.IntenseAbove
	}
	if cfg.EmojiBudget < 0 {
		cfg.EmojiBudget = 0
	}
	if cfg.MaxEmojiRepeat <= 0 {
		cfg.MaxEmojiRepeat = def.MaxEmojiRepeat
	}
	if templates == nil {
		templates = DefaultTemplates()
	}
	if log == nil {
		log = emotion.NewLog(emotion.DefaultLogSize)
	}
	return &Shaper{
		cfg:       cfg,
		templates: templates,
		log:       log,
		metrics:   rec,
		pick:      rand.Intn,
		recent:    map[string]*rotation{},
		now:       time.Now,
	}
}

// Shape never panics. On any internal fault it returns the base reply
// unchanged with Reason "fault".
func (s *Shaper) Shape(in Input) (out Output) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.Inc("persona.fault")
			slog.Error("persona shaping failed", "user", in.UserID, "reason", ReasonFault, "panic", fmt.Sprint(r))
			out = Output{Text: in.Base, Emotion: emotion.Neutral, Reason: ReasonFault}
		}
	}()
	return s.shape(in)
}

func (s *Shaper) shape(in Input) Output {
	out := Output{Emotion: in.Emotion.Emotion}
	if out.Emotion == "" {
		out.Emotion = emotion.Neutral
	}

	// 1. confidence gate
	if out.Emotion != emotion.Neutral && in.Emotion.Confidence < s.cfg.MinConfidence {
		out.Emotion, out.Reason = emotion.Neutral, ReasonLowConfidence
		s.metrics.Inc("persona.gate.low_confidence")
	}
	// 2. sarcasm gate
	if out.Emotion.Positive() && isSarcastic(in.UserText) {
		out.Emotion, out.Reason = emotion.Neutral, ReasonSarcasm
		s.metrics.Inc("persona.gate.sarcasm")
	}
	s.metrics.Inc("persona.emotion." + string(out.Emotion))

	// 3. template rotation
	style := normalizeStyle(in.Style)
	if out.Emotion != emotion.Neutral {
		out.Template = s.selectTemplate(in.UserID, out.Emotion, style)
	}

	// 4. escalation, judged on the turns before this one
	streakCat, streak := s.log.NegativeStreak(in.UserID)
	s.log.Record(in.UserID, out.Emotion)

	// 5. blend
	out.Text = s.blend(out.Template, in.Base, in.Emotion.Intensity)
	if streak >= s.cfg.EscalationStreak {
		if clause := escalationClauses[streakCat]; clause != "" {
			out.Text = joinSentences(out.Text, clause)
			out.Escalated = true
			s.metrics.Inc("persona.escalation")
		}
	}

	// 6. emoji
	if out.Emotion != emotion.Neutral {
		out.Text, out.Emoji = s.enrich(out.Text, in.Emotion.Palette)
	}
	return out
}

func isSarcastic(userText string) bool {
	if emotion.HasSarcasmMarker(userText) {
		return true
	}
	return emotion.PositiveEmojiHits(userText) > 0 && emotion.NegativeHits(userText) > 0
}

func normalizeStyle(style string) string {
	switch style {
	case "concise", "deep":
		return style
	}
	return "balanced"
}

// selectTemplate avoids the last RotationWindow picks for this key and
// falls back to the full set when every option was used recently. The
// previous pick stays excluded so a template never repeats back to back.
func (s *Shaper) selectTemplate(userID string, e emotion.Emotion, style string) string {
	options := s.templates[e][style]
	if len(options) == 0 {
		options = s.templates[e]["balanced"]
	}
	if len(options) == 0 {
		return ""
	}

	key := userID + "|" + string(e) + "|" + style
	s.mu.Lock()
	defer s.mu.Unlock()
	rot, ok := s.recent[key]
	if !ok {
		rot = &rotation{}
		s.recent[key] = rot
	}

	used := make(map[int]bool, len(rot.used))
	for _, i := range rot.used {
		used[i] = true
	}
	candidates := make([]int, 0, len(options))
	for i := range options {
		if !used[i] {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		s.metrics.Inc("persona.template.rotation_reset")
		last := -1
		if n := len(rot.used); n > 0 && len(options) > 1 {
			last = rot.used[n-1]
		}
		for i := range options {
			if i != last {
				candidates = append(candidates, i)
			}
		}
	}

	idx := candidates[s.pick(len(candidates))]
	rot.used = append(rot.used, idx)
	if len(rot.used) > s.cfg.RotationWindow {
		rot.used = rot.used[len(rot.used)-s.cfg.RotationWindow:]
	}
	rot.lastUsed = s.now()
	s.metrics.Inc("persona.template.selected")
	return options[idx]
}

// PruneRotations forgets rotation state unused for idle.
func (s *Shaper) PruneRotations(idle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-idle)
	n := 0
	for k, r := range s.recent {
		if r.lastUsed.Before(cutoff) {
			delete(s.recent, k)
			n++
		}
	}
	return n
}

func (s *Shaper) blend(template, base string, intensity float64) string {
	base = strings.TrimSpace(base)
	switch {
	case template == "":
		s.metrics.Inc("persona.blend.base")
		return base
	case base == "", utf8.RuneCountInString(base) <= s.cfg.ShortReplyChars, intensity >= s.cfg.IntenseAbove:
		s.metrics.Inc("persona.blend.verbatim")
		return template
	}
	s.metrics.Inc("persona.blend.concat")
	return joinSentences(template, base)
}

func joinSentences(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + " " + b
}

var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+\s*|[^.!?]+$`)

// enrich adds a lead emoji when the text has none, then up to EmojiBudget
// emoji after complete sentences. Text containing a code fence is returned
// untouched.
func (s *Shaper) enrich(text string, palette []string) (string, int) {
	if strings.Contains(text, "```") {
		s.metrics.Inc("persona.emoji.skipped_code")
		return text, 0
	}
	if len(palette) == 0 || text == "" {
		return text, 0
	}

	counts := map[string]int{}
	for _, e := range palette {
		counts[e] = strings.Count(text, e)
	}
	added := 0
	next := 0
	choose := func() string {
		for tries := 0; tries < len(palette); tries++ {
			e := palette[next%len(palette)]
			next++
			if counts[e] < s.cfg.MaxEmojiRepeat {
				counts[e]++
				return e
			}
		}
		return ""
	}

	lead := false
	if !containsEmoji(text) {
		if e := choose(); e != "" {
			text = e + " " + text
			added++
			lead = true
			s.metrics.Inc("persona.emoji.lead")
		}
	}

	budget := s.cfg.EmojiBudget
	segments := sentenceRe.FindAllString(text, -1)
	if len(segments) == 0 || strings.Join(segments, "") != text {
		return text, added
	}
	var sb strings.Builder
	for i, seg := range segments {
		trimmed := strings.TrimRight(seg, " \t\n")
		if trimmed == "" {
			sb.WriteString(seg)
			continue
		}
		complete := strings.ContainsAny(trimmed[len(trimmed)-1:], ".!?")
		if budget > 0 && complete && !(lead && i == 0) && !containsEmoji(seg) {
			if e := choose(); e != "" {
				sb.WriteString(trimmed + " " + e + seg[len(trimmed):])
				budget--
				added++
				s.metrics.Inc("persona.emoji.sentence")
				continue
			}
		}
		sb.WriteString(seg)
	}
	return sb.String(), added
}

func containsEmoji(s string) bool {
	for _, r := range s {
		if emotion.IsEmoji(r) {
			return true
		}
	}
	return false
}
