package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nous-labs/attune/pkg/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeProvider struct {
	name  string
	delay time.Duration
	err   error
	reply string
	calls atomic.Int32
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, _ CompletionRequest) (*CompletionResponse, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	reply := f.reply
	if reply == "" {
		reply = "hello from " + f.name
	}
	return &CompletionResponse{Content: reply}, nil
}

type fakeEmbedder struct {
	name  string
	vec   []float32
	err   error
	calls atomic.Int32
}

func (f *fakeEmbedder) Name() string { return f.name }

func (f *fakeEmbedder) Embed(context.Context, string) ([]float32, error) {
	f.calls.Add(1)
	return f.vec, f.err
}

func TestRouterSkipsProviderInCooldown(t *testing.T) {
	a := &fakeProvider{name: "a", err: errors.New("503")}
	b := &fakeProvider{name: "b"}
	r := NewRouter([]Provider{a, b}, nil, RouterConfig{Cooldown: time.Minute}, metrics.New("test"))

	text, err := r.GenerateText(context.Background(), "hi", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello from b", text)
	assert.Equal(t, int32(1), a.calls.Load())

	for i := 0; i < 5; i++ {
		_, err := r.GenerateText(context.Background(), "hi", time.Second)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), a.calls.Load(), "provider in cooldown must not be invoked")
	assert.Equal(t, int32(6), b.calls.Load())

	states := r.State()
	require.Len(t, states, 2)
	assert.False(t, states[0].CooldownUntil.IsZero())
	assert.True(t, states[1].CooldownUntil.IsZero())
}

func TestRouterCooldownExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	a := &fakeProvider{name: "a", err: errors.New("boom")}
	b := &fakeProvider{name: "b"}
	r := NewRouter([]Provider{a, b}, nil, RouterConfig{Cooldown: 30 * time.Second}, nil)
	r.now = func() time.Time { return now }

	_, err := r.GenerateText(context.Background(), "hi", time.Second)
	require.NoError(t, err)
	require.Equal(t, int32(1), a.calls.Load())

	// Cursor now points at b; fail b so the next pass reaches a again.
	b.err = errors.New("down")
	now = now.Add(31 * time.Second)
	a.err = nil

	text, err := r.GenerateText(context.Background(), "hi", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello from a", text)
	assert.Equal(t, int32(2), a.calls.Load())
	assert.Equal(t, 0, r.PruneCooldowns(), "b is still cooling down")

	now = now.Add(time.Minute)
	assert.Equal(t, 1, r.PruneCooldowns())
}

func TestRouterExhaustsAfterOnePass(t *testing.T) {
	a := &fakeProvider{name: "a", err: errors.New("a down")}
	b := &fakeProvider{name: "b", err: errors.New("b down")}
	rec := metrics.New("test")
	r := NewRouter([]Provider{a, b}, nil, RouterConfig{Cooldown: time.Minute}, rec)

	_, err := r.GenerateText(context.Background(), "hi", time.Second)
	require.ErrorIs(t, err, ErrProviderExhausted)
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())

	_, err = r.GenerateText(context.Background(), "hi", time.Second)
	require.ErrorIs(t, err, ErrProviderExhausted)
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())
	assert.Equal(t, int64(2), rec.Count("provider.exhausted"))
}

func TestRouterTreatsEmptyCompletionAsFailure(t *testing.T) {
	a := &fakeProvider{name: "a", reply: "   "}
	b := &fakeProvider{name: "b"}
	r := NewRouter([]Provider{a, b}, nil, RouterConfig{}, nil)

	text, err := r.GenerateText(context.Background(), "hi", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello from b", text)
}

func TestHedgeFirstSuccessWins(t *testing.T) {
	slow := &fakeProvider{name: "slow", delay: 2 * time.Second}
	fast := &fakeProvider{name: "fast", delay: 5 * time.Millisecond}
	rec := metrics.New("test")
	r := NewRouter([]Provider{slow, fast}, nil, RouterConfig{Hedge: true, HedgeDelay: 20 * time.Millisecond}, rec)

	start := time.Now()
	text, err := r.GenerateText(context.Background(), "hi", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello from fast", text)
	assert.Less(t, time.Since(start), time.Second)

	assert.Equal(t, int64(1), rec.CountPrefix("hedge.winner."), "exactly one winner metric")
	assert.Equal(t, int64(1), rec.Count("hedge.winner.fast"))
	assert.Equal(t, int64(1), rec.Count("hedge.secondary_win"))
}

func TestHedgePrimaryWinsBeforeDelay(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	secondary := &fakeProvider{name: "secondary"}
	rec := metrics.New("test")
	r := NewRouter([]Provider{primary, secondary}, nil, RouterConfig{Hedge: true, HedgeDelay: time.Second}, rec)

	text, err := r.GenerateText(context.Background(), "hi", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello from primary", text)
	assert.Equal(t, int32(0), secondary.calls.Load())
	assert.Equal(t, int64(1), rec.CountPrefix("hedge.winner."))
	assert.Zero(t, rec.Count("hedge.secondary"))
}

func TestHedgeLaunchesSecondaryOnEarlyFailure(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errors.New("500")}
	secondary := &fakeProvider{name: "secondary"}
	r := NewRouter([]Provider{primary, secondary}, nil, RouterConfig{Hedge: true, HedgeDelay: 10 * time.Second}, nil)

	start := time.Now()
	text, err := r.GenerateText(context.Background(), "hi", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello from secondary", text)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestHedgeFallsThroughToRemainingProviders(t *testing.T) {
	a := &fakeProvider{name: "a", err: errors.New("a")}
	b := &fakeProvider{name: "b", err: errors.New("b")}
	c := &fakeProvider{name: "c"}
	r := NewRouter([]Provider{a, b, c}, nil, RouterConfig{Hedge: true, HedgeDelay: 5 * time.Millisecond}, nil)

	text, err := r.GenerateText(context.Background(), "hi", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello from c", text)
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestAdaptDimension(t *testing.T) {
	in := []float32{1, 2, 3}

	padded, err := AdaptDimension(in, 5)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 0, 0}, padded)

	truncated, err := AdaptDimension(in, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, truncated)

	same, err := AdaptDimension(in, 3)
	require.NoError(t, err)
	assert.Equal(t, in, same)

	_, err = AdaptDimension(nil, 3)
	require.ErrorIs(t, err, ErrEmbeddingFailed)
}

func TestGenerateEmbeddingRotatesOnError(t *testing.T) {
	bad := &fakeEmbedder{name: "bad", err: errors.New("timeout")}
	good := &fakeEmbedder{name: "good", vec: []float32{0.5, 0.25}}
	r := NewRouter(nil, []Embedder{bad, good}, RouterConfig{}, nil)

	vec, err := r.GenerateEmbedding(context.Background(), "hiking", 4)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.25, 0, 0}, vec)
	assert.Equal(t, int32(1), bad.calls.Load())
}

func TestGenerateEmbeddingEmptyVectorIsHardFailure(t *testing.T) {
	empty := &fakeEmbedder{name: "empty"}
	spare := &fakeEmbedder{name: "spare", vec: []float32{1}}
	r := NewRouter(nil, []Embedder{empty, spare}, RouterConfig{}, nil)

	_, err := r.GenerateEmbedding(context.Background(), "x", 8)
	require.ErrorIs(t, err, ErrEmbeddingFailed)
	assert.Equal(t, int32(0), spare.calls.Load())
}

func TestNoProviders(t *testing.T) {
	r := NewRouter(nil, nil, RouterConfig{}, nil)
	_, err := r.GenerateText(context.Background(), "hi", 0)
	require.ErrorIs(t, err, ErrNoProvider)
	_, err = r.GenerateEmbedding(context.Background(), "hi", 3)
	require.ErrorIs(t, err, ErrEmbeddingFailed)
}
