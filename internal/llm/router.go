package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nous-labs/attune/pkg/metrics"
)

// RouterConfig tunes rotation, cooldown and hedging.
type RouterConfig struct {
	Cooldown       time.Duration // how long a failed backend is skipped
	Hedge          bool          // dispatch to a secondary after HedgeDelay
	HedgeDelay     time.Duration
	DefaultTimeout time.Duration // per-call timeout when the caller passes zero
}

// DefaultRouterConfig returns conservative defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Cooldown:       30 * time.Second,
		Hedge:          false,
		HedgeDelay:     400 * time.Millisecond,
		DefaultTimeout: 20 * time.Second,
	}
}

// ProviderState reports a backend and, when it is cooling down, until when.
type ProviderState struct {
	Name          string    `json:"name"`
	Kind          string    `json:"kind"` // "text" or "embedding"
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// Router owns the ordered backend lists and their cooldown state. Build one
// per process and share it by reference.
type Router struct {
	providers []Provider
	embedders []Embedder
	cfg       RouterConfig
	metrics   *metrics.Recorder
	now       func() time.Time

	mu          sync.Mutex
	cooldown    map[string]time.Time
	textCursor  int
	embedCursor int
}

// NewRouter creates a router over providers (text) and embedders, tried in
// the given order.
func NewRouter(providers []Provider, embedders []Embedder, cfg RouterConfig, rec *metrics.Recorder) *Router {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultRouterConfig().Cooldown
	}
	if cfg.HedgeDelay <= 0 {
		cfg.HedgeDelay = DefaultRouterConfig().HedgeDelay
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultRouterConfig().DefaultTimeout
	}
	return &Router{
		providers: providers,
		embedders: embedders,
		cfg:       cfg,
		metrics:   rec,
		now:       time.Now,
		cooldown:  map[string]time.Time{},
	}
}

// GenerateText sends prompt as a single user message.
func (r *Router) GenerateText(ctx context.Context, prompt string, timeout time.Duration) (string, error) {
	resp, err := r.Complete(ctx, CompletionRequest{
		Messages: []Message{{Role: "user", Content: prompt}},
	}, timeout)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Complete runs req against the backends. Each backend is tried at most once
// per call; the error is ErrProviderExhausted when none succeeds.
func (r *Router) Complete(ctx context.Context, req CompletionRequest, timeout time.Duration) (*CompletionResponse, error) {
	if len(r.providers) == 0 {
		return nil, ErrNoProvider
	}
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	order := r.textOrder()
	if len(order) == 0 {
		r.metrics.Inc("provider.exhausted")
		return nil, fmt.Errorf("%w: every provider is cooling down", ErrProviderExhausted)
	}

	var errs []error
	if r.cfg.Hedge && len(order) >= 2 {
		resp, err := r.hedge(ctx, req, timeout, order[0], order[1])
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, err)
		order = order[2:]
	}

	for _, idx := range order {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p := r.providers[idx]
		if r.coolingDown(textKey(p.Name())) {
			continue
		}
		resp, err := r.call(ctx, p, req, timeout)
		if err == nil {
			r.setTextCursor(idx)
			return resp, nil
		}
		r.fail(textKey(p.Name()), err)
		errs = append(errs, err)
	}

	r.metrics.Inc("provider.exhausted")
	if len(errs) == 0 {
		return nil, ErrProviderExhausted
	}
	return nil, fmt.Errorf("%w: %w", ErrProviderExhausted, errors.Join(errs...))
}

type hedgeResult struct {
	idx  int
	resp *CompletionResponse
	err  error
}

// hedge dispatches to primary, then to secondary after HedgeDelay or as
// soon as primary fails. The first success wins and the other leg's
// context is cancelled without waiting for it.
func (r *Router) hedge(ctx context.Context, req CompletionRequest, timeout time.Duration, primary, secondary int) (*CompletionResponse, error) {
	r.metrics.Inc("hedge.dispatch")

	hctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan hedgeResult, 2)
	launch := func(idx int) {
		p := r.providers[idx]
		go func() {
			resp, err := r.call(hctx, p, req, timeout)
			results <- hedgeResult{idx: idx, resp: resp, err: err}
		}()
	}

	launch(primary)
	launched, pending := 1, 1
	timer := time.NewTimer(r.cfg.HedgeDelay)
	defer timer.Stop()

	startSecondary := func() {
		if launched < 2 {
			r.metrics.Inc("hedge.secondary")
			launch(secondary)
			launched++
			pending++
		}
	}

	var errs []error
	for pending > 0 {
		select {
		case <-timer.C:
			startSecondary()
		case res := <-results:
			pending--
			name := r.providers[res.idx].Name()
			if res.err == nil {
				cancel()
				r.metrics.Inc("hedge.winner." + name)
				if res.idx == primary {
					r.metrics.Inc("hedge.primary_win")
				} else {
					r.metrics.Inc("hedge.secondary_win")
				}
				r.setTextCursor(res.idx)
				return res.resp, nil
			}
			r.fail(textKey(name), res.err)
			errs = append(errs, res.err)
			startSecondary()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.metrics.Inc("hedge.exhausted")
	return nil, errors.Join(errs...)
}

func (r *Router) call(ctx context.Context, p Provider, req CompletionRequest, timeout time.Duration) (*CompletionResponse, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	resp, err := p.Complete(cctx, req)
	r.metrics.Observe("provider.latency."+p.Name(), float64(r.now().Sub(start).Milliseconds()))
	if err != nil {
		return nil, err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return nil, &ProviderError{Message: "empty completion", Provider: p.Name()}
	}
	if resp.Provider == "" {
		resp.Provider = p.Name()
	}
	return resp, nil
}

// GenerateEmbedding returns a vector of exactly dim elements. A backend
// error rotates to the next embedder; an empty vector is a hard failure.
func (r *Router) GenerateEmbedding(ctx context.Context, text string, dim int) ([]float32, error) {
	if len(r.embedders) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, ErrNoProvider)
	}

	order := r.embedOrder()
	var errs []error
	for _, idx := range order {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e := r.embedders[idx]
		cctx, cancel := context.WithTimeout(ctx, r.cfg.DefaultTimeout)
		start := r.now()
		vec, err := e.Embed(cctx, text)
		cancel()
		r.metrics.Observe("provider.latency."+e.Name(), float64(r.now().Sub(start).Milliseconds()))
		if err != nil {
			r.fail(embedKey(e.Name()), err)
			errs = append(errs, err)
			continue
		}
		adapted, err := AdaptDimension(vec, dim)
		if err != nil {
			r.metrics.Inc("provider.embedding.empty." + e.Name())
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		r.mu.Lock()
		r.embedCursor = idx
		r.mu.Unlock()
		return adapted, nil
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: every embedder is cooling down", ErrEmbeddingFailed)
	}
	return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, errors.Join(errs...))
}

// AdaptDimension zero-pads vec at the tail or truncates it to dim. An empty
// vector is an error. A non-positive dim returns vec unchanged.
func AdaptDimension(vec []float32, dim int) ([]float32, error) {
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrEmbeddingFailed)
	}
	if dim <= 0 || len(vec) == dim {
		return vec, nil
	}
	out := make([]float32, dim)
	copy(out, vec)
	return out, nil
}

// State lists every backend with its current cooldown deadline.
func (r *Router) State() []ProviderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()

	out := make([]ProviderState, 0, len(r.providers)+len(r.embedders))
	for _, p := range r.providers {
		st := ProviderState{Name: p.Name(), Kind: "text"}
		if until, ok := r.cooldown[textKey(p.Name())]; ok && until.After(now) {
			st.CooldownUntil = until
		}
		out = append(out, st)
	}
	for _, e := range r.embedders {
		st := ProviderState{Name: e.Name(), Kind: "embedding"}
		if until, ok := r.cooldown[embedKey(e.Name())]; ok && until.After(now) {
			st.CooldownUntil = until
		}
		out = append(out, st)
	}
	return out
}

// PruneCooldowns drops expired cooldown entries and reports how many were removed.
func (r *Router) PruneCooldowns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for k, until := range r.cooldown {
		if !until.After(now) {
			delete(r.cooldown, k)
			n++
		}
	}
	return n
}

func (r *Router) fail(key string, err error) {
	until := r.now().Add(r.cfg.Cooldown)
	r.mu.Lock()
	r.cooldown[key] = until
	r.mu.Unlock()

	name := strings.SplitN(key, ":", 2)[1]
	r.metrics.Inc("provider.failure." + name)
	r.metrics.Inc("provider.cooldown." + name)
	slog.Warn("provider failed, cooling down", "provider", key, "until", until.Format(time.RFC3339), "error", err)
}

func (r *Router) coolingDown(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.cooldown[key]
	if !ok {
		return false
	}
	if !until.After(r.now()) {
		delete(r.cooldown, key)
		return false
	}
	return true
}

// textOrder returns provider indexes starting at the cursor, skipping
// backends in cooldown.
func (r *Router) textOrder() []int {
	r.mu.Lock()
	start := r.textCursor
	r.mu.Unlock()
	return r.order(len(r.providers), start, func(i int) string { return textKey(r.providers[i].Name()) })
}

func (r *Router) embedOrder() []int {
	r.mu.Lock()
	start := r.embedCursor
	r.mu.Unlock()
	return r.order(len(r.embedders), start, func(i int) string { return embedKey(r.embedders[i].Name()) })
}

func (r *Router) order(n, start int, key func(int) string) []int {
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if r.coolingDown(key(idx)) {
			continue
		}
		out = append(out, idx)
	}
	return out
}

func (r *Router) setTextCursor(idx int) {
	r.mu.Lock()
	r.textCursor = idx
	r.mu.Unlock()
}

func textKey(name string) string  { return "text:" + name }
func embedKey(name string) string { return "embed:" + name }
