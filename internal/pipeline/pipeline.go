// Package pipeline runs one user turn end to end: emotion detection, intent
// classification and memory gathering fan out concurrently and join before
// the prompt is composed, the reply generated and then shaped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/attune/internal/behavior"
	"github.com/nous-labs/attune/internal/emotion"
	"github.com/nous-labs/attune/internal/intent"
	"github.com/nous-labs/attune/internal/persona"
	"github.com/nous-labs/attune/internal/prompt"
	"github.com/nous-labs/attune/pkg/memory"
	"github.com/nous-labs/attune/pkg/metrics"
	"github.com/nous-labs/attune/pkg/realtime"
)

// DefaultApology is the reply when no generation backend is available.
const DefaultApology = "I'm sorry, I can't come up with a reply right now. Please try again in a moment."

// ErrInvalidInput is returned for a turn without a user or text.
var ErrInvalidInput = errors.New("invalid input")

// Generator produces the base reply. *llm.Router implements it.
type Generator interface {
	GenerateText(ctx context.Context, prompt string, timeout time.Duration) (string, error)
}

// IntentSink receives actionable intents for the task subsystem.
type IntentSink interface {
	Dispatch(ctx context.Context, userID string, r intent.Result) error
}

// Publisher emits realtime events. *realtime.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, e realtime.Event)
}

// Turn is one inbound user message.
type Turn struct {
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id,omitempty"` // defaults to UserID
	Text      string    `json:"text"`
	At        time.Time `json:"at,omitempty"`
}

// Reply is the outcome of a turn.
type Reply struct {
	Text      string            `json:"text"`
	Base      string            `json:"base,omitempty"`
	Emotion   emotion.Result    `json:"emotion"`
	Intent    intent.Result     `json:"intent"`
	Shaping   persona.Output    `json:"shaping"`
	Detail    string            `json:"detail_level"`
	Degraded  map[string]string `json:"degraded,omitempty"`
	Exhausted bool              `json:"exhausted,omitempty"`
	Elapsed   time.Duration     `json:"elapsed"`
}

// Config tunes the pipeline.
type Config struct {
	GenerateTimeout time.Duration `json:"generate_timeout"`
	Apology         string        `json:"apology"`
}

// Deps are the components a pipeline drives. Sink and Bus are optional.
type Deps struct {
	Detector   *emotion.Detector
	Classifier *intent.Classifier
	Memory     *memory.Coordinator
	Composer   *prompt.Composer
	Generator  Generator
	Shaper     *persona.Shaper
	Behavior   *behavior.Tracker
	Sink       IntentSink
	Bus        Publisher
	Metrics    *metrics.Recorder
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	Deps
	cfg Config
	now func() time.Time
}

// New creates a pipeline.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Detector == nil:
		return nil, errors.New("pipeline: emotion detector is required")
	case deps.Classifier == nil:
		return nil, errors.New("pipeline: intent classifier is required")
	case deps.Memory == nil:
		return nil, errors.New("pipeline: memory coordinator is required")
	case deps.Composer == nil:
		return nil, errors.New("pipeline: prompt composer is required")
	case deps.Generator == nil:
		return nil, errors.New("pipeline: generator is required")
	case deps.Shaper == nil:
		return nil, errors.New("pipeline: persona shaper is required")
	case deps.Behavior == nil:
		return nil, errors.New("pipeline: behavior tracker is required")
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 30 * time.Second
	}
	if strings.TrimSpace(cfg.Apology) == "" {
		cfg.Apology = DefaultApology
	}
	return &Pipeline{Deps: deps, cfg: cfg, now: time.Now}, nil
}

// Handle processes one turn. Only invalid input and caller cancellation
// surface as errors; backend failures degrade the reply instead.
func (p *Pipeline) Handle(ctx context.Context, t Turn) (Reply, error) {
	t.UserID = strings.TrimSpace(t.UserID)
	t.Text = strings.TrimSpace(t.Text)
	if t.UserID == "" || t.Text == "" {
		return Reply{}, fmt.Errorf("%w: user and text are required", ErrInvalidInput)
	}
	if t.SessionID == "" {
		t.SessionID = t.UserID
	}
	if t.At.IsZero() {
		t.At = p.now()
	}
	start := p.now()
	p.Metrics.Inc("pipeline.turn")

	var (
		reply    Reply
		gathered memory.Context
		style    behavior.Profile
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reply.Emotion = p.Detector.Detect(t.Text)
		return nil
	})
	g.Go(func() error {
		reply.Intent = p.Classifier.Classify(gctx, t.Text)
		return nil
	})
	g.Go(func() error {
		gathered = p.Memory.Gather(gctx, t.UserID, t.SessionID, t.Text)
		return nil
	})
	g.Go(func() error {
		style = p.Behavior.Profile(gctx, t.UserID)
		return nil
	})
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	reply.Degraded = gathered.Degraded
	reply.Detail = style.DetailLevel

	p.publish(ctx, realtime.EventEmotion, t.UserID, reply.Emotion)
	p.publish(ctx, realtime.EventIntent, t.UserID, reply.Intent)
	p.dispatch(ctx, t.UserID, reply.Intent)

	facts, notes := splitNotes(gathered.Facts)
	composed := p.Composer.Compose(prompt.Input{
		Message:   t.Text,
		State:     stateLabel(reply.Emotion, style),
		History:   gathered.History,
		Semantic:  gathered.Semantic,
		Facts:     facts,
		Profile:   gathered.Profile,
		UserFacts: notes,
	})

	base, err := p.Generator.GenerateText(ctx, composed, p.cfg.GenerateTimeout)
	switch {
	case err != nil && ctx.Err() != nil:
		return Reply{}, ctx.Err()
	case err != nil:
		p.Metrics.Inc("pipeline.apology")
		slog.Error("reply generation failed", "user", t.UserID, "reason", "provider_exhausted", "error", err)
		reply.Exhausted = true
		reply.Text = p.cfg.Apology
		reply.Shaping = persona.Output{Text: reply.Text, Emotion: reply.Emotion.Emotion, Reason: "exhausted"}
	default:
		reply.Base = base
		reply.Shaping = p.Shaper.Shape(persona.Input{
			UserID:   t.UserID,
			UserText: t.Text,
			Base:     base,
			Emotion:  reply.Emotion,
			Style:    style.DetailLevel,
		})
		reply.Text = reply.Shaping.Text
	}

	p.record(ctx, t, reply)
	p.publish(ctx, realtime.EventReply, t.UserID, map[string]any{
		"text":      reply.Text,
		"emotion":   reply.Shaping.Emotion,
		"escalated": reply.Shaping.Escalated,
		"exhausted": reply.Exhausted,
	})

	reply.Elapsed = p.now().Sub(start)
	p.Metrics.Observe("pipeline.latency", float64(reply.Elapsed.Milliseconds()))
	return reply, nil
}

// record runs the write path. Failures are logged and never change the reply.
func (p *Pipeline) record(ctx context.Context, t Turn, r Reply) {
	// Update logs its own failures.
	_, _ = p.Behavior.Update(ctx, behavior.Interaction{UserID: t.UserID, Text: t.Text, Tone: r.Emotion.Tone})

	update := memory.MessageUpdate{UserID: t.UserID, SessionID: t.SessionID, UserText: t.Text, At: t.At}
	if !r.Exhausted {
		update.AssistantText = r.Text
	}
	if _, err := p.Memory.PostMessageUpdate(ctx, update); err != nil {
		p.Metrics.Inc("pipeline.write_degraded")
		slog.Warn("memory write-back incomplete", "user", t.UserID, "reason", "store_unavailable", "error", err)
	}
}

func (p *Pipeline) dispatch(ctx context.Context, userID string, r intent.Result) {
	if p.Sink == nil || r.Action == intent.GeneralChat {
		return
	}
	if err := p.Sink.Dispatch(ctx, userID, r); err != nil {
		p.Metrics.Inc("pipeline.intent_dropped")
		slog.Warn("intent dispatch failed", "user", userID, "action", r.Action, "reason", "sink_unavailable", "error", err)
	}
}

func (p *Pipeline) publish(ctx context.Context, typ, userID string, payload any) {
	if p.Bus == nil {
		return
	}
	p.Bus.Publish(ctx, realtime.NewEvent(typ, userID, payload))
}

// splitNotes separates free-form "remember that" notes from other facts.
func splitNotes(all []memory.GraphFact) (facts []memory.GraphFact, notes []string) {
	for _, f := range all {
		if f.Predicate == "noted" {
			notes = append(notes, f.Object)
			continue
		}
		facts = append(facts, f)
	}
	return facts, notes
}

func stateLabel(e emotion.Result, b behavior.Profile) string {
	var parts []string
	if e.Emotion != "" && e.Emotion != emotion.Neutral {
		parts = append(parts, fmt.Sprintf("The user seems %s; answer in a %s tone.", e.Emotion, e.Tone))
	}
	switch b.DetailLevel {
	case behavior.DetailConcise:
		parts = append(parts, "Keep replies short.")
	case behavior.DetailDeep:
		parts = append(parts, "The user likes thorough, detailed answers.")
	}
	if b.DominantTone != "" && b.DominantTone != e.Tone {
		parts = append(parts, "They usually respond well to a "+b.DominantTone+" tone.")
	}
	return strings.Join(parts, " ")
}
