package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/nous-labs/attune/pkg/metrics"
)

// ExtractionVersion is the schema version of ExtractionRequest.
const ExtractionVersion = 1

// ExtractionRequest is handed to the asynchronous extraction consumer.
type ExtractionRequest struct {
	Version       int       `json:"v"`
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id"`
	UserText      string    `json:"user_text"`
	AssistantText string    `json:"assistant_text,omitempty"`
	At            time.Time `json:"at"`
}

// Handoff delivers an ExtractionRequest to an out-of-process consumer.
// Delivery is fire-and-forget.
type Handoff interface {
	Handoff(ctx context.Context, req ExtractionRequest) error
}

// Timeouts bounds each adapter call.
type Timeouts struct {
	History  time.Duration `json:"history"`
	Profile  time.Duration `json:"profile"`
	Semantic time.Duration `json:"semantic"`
	Facts    time.Duration `json:"facts"`
	Write    time.Duration `json:"write"`
}

// Config tunes the Coordinator.
type Config struct {
	HistoryLimit     int
	HistoryTTL       time.Duration
	SemanticTopK     int
	FactBudget       int // characters across all flattened facts
	SemanticMinChars int // shorter user messages are not stored for recall
	Limits           Limits
	Timeouts         Timeouts
}

// DefaultConfig returns the standard coordinator settings.
func DefaultConfig() Config {
	return Config{
		HistoryLimit:     20,
		HistoryTTL:       24 * time.Hour,
		SemanticTopK:     5,
		FactBudget:       800,
		SemanticMinChars: 12,
		Limits:           DefaultLimits(),
		Timeouts: Timeouts{
			History:  300 * time.Millisecond,
			Profile:  300 * time.Millisecond,
			Semantic: 800 * time.Millisecond,
			Facts:    500 * time.Millisecond,
			Write:    2 * time.Second,
		},
	}
}

// Stores groups the four adapters. Any of them may be nil.
type Stores struct {
	History  HistoryStore
	Profiles ProfileStore
	Semantic SemanticStore
	Facts    FactStore
}

// Coordinator gathers turn context from every store and writes new facts back.
type Coordinator struct {
	stores    Stores
	cfg       Config
	extractor *Extractor
	handoff   Handoff
	metrics   *metrics.Recorder
}

// NewCoordinator creates a coordinator. handoff may be nil.
func NewCoordinator(stores Stores, cfg Config, handoff Handoff, rec *metrics.Recorder) *Coordinator {
	def := DefaultConfig()
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = def.HistoryTTL
	}
	if cfg.SemanticTopK <= 0 {
		cfg.SemanticTopK = def.SemanticTopK
	}
	if cfg.FactBudget <= 0 {
		cfg.FactBudget = def.FactBudget
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = def.Limits
	}
	cfg.Timeouts = fillTimeouts(cfg.Timeouts, def.Timeouts)
	return &Coordinator{
		stores:    stores,
		cfg:       cfg,
		extractor: NewExtractor(),
		handoff:   handoff,
		metrics:   rec,
	}
}

func fillTimeouts(t, def Timeouts) Timeouts {
	if t.History <= 0 {
		t.History = def.History
	}
	if t.Profile <= 0 {
		t.Profile = def.Profile
	}
	if t.Semantic <= 0 {
		t.Semantic = def.Semantic
	}
	if t.Facts <= 0 {
		t.Facts = def.Facts
	}
	if t.Write <= 0 {
		t.Write = def.Write
	}
	return t
}

// Extractor returns the deterministic fact extractor used on the write path.
func (c *Coordinator) Extractor() *Extractor { return c.extractor }

// Gather reads all four stores concurrently. A store that fails or exceeds
// its timeout contributes an empty section; Gather itself never fails.
func (c *Coordinator) Gather(ctx context.Context, userID, sessionID, query string) Context {
	var (
		out                                Context
		histErr, profErr, semErr, factsErr error
	)

	var g errgroup.Group
	if c.stores.History != nil {
		g.Go(func() error {
			out.History, histErr = within(ctx, c.cfg.Timeouts.History, func(actx context.Context) ([]Turn, error) {
				return c.stores.History.GetHistory(actx, sessionID, c.cfg.HistoryLimit)
			})
			return nil
		})
	}
	if c.stores.Profiles != nil {
		g.Go(func() error {
			out.Profile, profErr = within(ctx, c.cfg.Timeouts.Profile, func(actx context.Context) (UserProfile, error) {
				return c.stores.Profiles.GetProfile(actx, userID)
			})
			return nil
		})
	}
	if c.stores.Semantic != nil && strings.TrimSpace(query) != "" {
		g.Go(func() error {
			out.Semantic, semErr = within(ctx, c.cfg.Timeouts.Semantic, func(actx context.Context) ([]SemanticRecord, error) {
				return c.stores.Semantic.QuerySemantic(actx, userID, query, c.cfg.SemanticTopK)
			})
			return nil
		})
	}
	if c.stores.Facts != nil {
		g.Go(func() error {
			out.Facts, factsErr = within(ctx, c.cfg.Timeouts.Facts, func(actx context.Context) ([]GraphFact, error) {
				return c.stores.Facts.GetFacts(actx, userID)
			})
			return nil
		})
	}
	_ = g.Wait()

	if histErr != nil {
		out.History = nil
		c.degrade(&out, SectionHistory, userID, histErr)
	}
	if profErr != nil {
		out.Profile = UserProfile{}
		c.degrade(&out, SectionProfile, userID, profErr)
	}
	if semErr != nil {
		out.Semantic = nil
		c.degrade(&out, SectionSemantic, userID, semErr)
	}
	if factsErr != nil {
		out.Facts = nil
		c.degrade(&out, SectionFacts, userID, factsErr)
	}
	if len(out.History) > c.cfg.HistoryLimit {
		out.History = out.History[len(out.History)-c.cfg.HistoryLimit:]
	}
	if len(out.Semantic) > c.cfg.SemanticTopK {
		out.Semantic = out.Semantic[:c.cfg.SemanticTopK]
	}
	out.Facts = budgetFacts(out.Facts, c.cfg.FactBudget)
	return out
}

// within runs fn under a timeout and stops waiting when it expires, even if
// fn ignores its context.
func within[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	actx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(actx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-actx.Done():
		var zero T
		return zero, actx.Err()
	}
}

func (c *Coordinator) degrade(out *Context, section, userID string, err error) {
	reason := "unavailable"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "timeout"
	} else if errors.Is(err, context.Canceled) {
		reason = "canceled"
	}
	if out.Degraded == nil {
		out.Degraded = map[string]string{}
	}
	out.Degraded[section] = reason
	c.metrics.Inc("memory.degraded." + section + "." + reason)
	slog.Warn("memory section degraded", "section", section, "user", userID, "reason", reason, "error", err)
}

// budgetFacts keeps facts in order while their flattened text fits budget.
func budgetFacts(facts []GraphFact, budget int) []GraphFact {
	used := 0
	for i, f := range facts {
		n := utf8.RuneCountInString(f.String()) + 1
		if used+n > budget {
			return facts[:i]
		}
		used += n
	}
	return facts
}

// MessageUpdate is the write-path input for one completed turn.
type MessageUpdate struct {
	UserID        string
	SessionID     string
	UserText      string
	AssistantText string
	At            time.Time
}

// UpdateResult reports what the write path did.
type UpdateResult struct {
	Extraction Extraction
	Profile    UserProfile
	Merged     bool
}

// PostMessageUpdate appends the turn to the buffer, extracts facts with the
// deterministic extractor, merges them into the profile and forwards the
// turn to the asynchronous handoff. Store errors are joined and returned;
// callers treat them as advisory.
func (c *Coordinator) PostMessageUpdate(ctx context.Context, u MessageUpdate) (UpdateResult, error) {
	var res UpdateResult
	if u.At.IsZero() {
		u.At = time.Now()
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.Write)
	defer cancel()

	var errs []error
	if c.stores.History != nil {
		turns := []Turn{{Role: "user", Text: u.UserText, Timestamp: u.At}}
		if u.AssistantText != "" {
			turns = append(turns, Turn{Role: "assistant", Text: u.AssistantText, Timestamp: u.At})
		}
		if err := c.stores.History.AppendHistory(wctx, u.SessionID, turns, c.cfg.HistoryTTL); err != nil {
			errs = append(errs, fmt.Errorf("append history: %w", err))
		}
	}

	res.Extraction = c.extractor.Extract(u.UserText)
	if !res.Extraction.Patch.IsEmpty() && c.stores.Profiles != nil {
		p, err := c.stores.Profiles.MergeProfile(wctx, u.UserID, res.Extraction.Patch)
		if err != nil {
			errs = append(errs, fmt.Errorf("merge profile: %w", err))
		} else {
			res.Profile = p
			res.Merged = true
			c.metrics.Inc("memory.profile.merged")
		}
	}
	if len(res.Extraction.Facts) > 0 {
		if fw, ok := c.stores.Facts.(FactWriter); ok {
			if err := fw.AddFacts(wctx, u.UserID, res.Extraction.Facts); err != nil {
				errs = append(errs, fmt.Errorf("add facts: %w", err))
			}
		}
	}
	if sw, ok := c.stores.Semantic.(SemanticWriter); ok && utf8.RuneCountInString(u.UserText) >= c.cfg.SemanticMinChars {
		if err := sw.StoreSemantic(wctx, u.UserID, u.UserText); err != nil {
			errs = append(errs, fmt.Errorf("store semantic: %w", err))
		}
	}

	if c.handoff != nil {
		req := ExtractionRequest{
			Version:       ExtractionVersion,
			UserID:        u.UserID,
			SessionID:     u.SessionID,
			UserText:      u.UserText,
			AssistantText: u.AssistantText,
			At:            u.At,
		}
		go func() {
			hctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.Write)
			defer cancel()
			if err := c.handoff.Handoff(hctx, req); err != nil {
				c.metrics.Inc("memory.handoff.failed")
				slog.Warn("extraction handoff failed", "user", req.UserID, "reason", "handoff_failed", "error", err)
			}
		}()
	}

	err := errors.Join(errs...)
	if err != nil {
		c.metrics.Inc("memory.write.partial")
	}
	return res, err
}
