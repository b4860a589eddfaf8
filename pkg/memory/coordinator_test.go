package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/attune/pkg/metrics"
)

func newTestCoordinator() (*Coordinator, Stores) {
	stores := Stores{
		History:  NewInMemoryHistory(10),
		Profiles: NewInMemoryProfiles(DefaultLimits()),
		Semantic: NewInMemorySemantic(nil),
		Facts:    NewInMemoryFacts(),
	}
	return NewCoordinator(stores, DefaultConfig(), nil, metrics.New("test")), stores
}

func TestGatherAfterHobbyStatement(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator()

	_, err := c.PostMessageUpdate(ctx, MessageUpdate{
		UserID: "u1", SessionID: "s1",
		UserText:      "I love hiking and chess",
		AssistantText: "Those sound like great ways to spend time!",
	})
	require.NoError(t, err)

	got := c.Gather(ctx, "u1", "s1", "What do I like?")
	assert.Empty(t, got.Degraded)
	assert.ElementsMatch(t, []string{"hiking", "chess"}, got.Profile.Hobbies)
	require.Len(t, got.History, 2)
	assert.Equal(t, "user", got.History[0].Role)

	var facts []string
	for _, f := range got.Facts {
		facts = append(facts, f.String())
	}
	assert.Contains(t, facts, "user enjoys hiking")
	assert.Contains(t, facts, "user enjoys chess")
}

type failingStore struct{}

func (failingStore) GetHistory(context.Context, string, int) ([]Turn, error) {
	return nil, errors.New("redis down")
}

func (failingStore) AppendHistory(context.Context, string, []Turn, time.Duration) error {
	return errors.New("redis down")
}

func (failingStore) GetFacts(context.Context, string) ([]GraphFact, error) {
	return []GraphFact{{Subject: "partial", Predicate: "is", Object: "data"}}, errors.New("neo4j down")
}

type slowProfiles struct{ delay time.Duration }

func (s slowProfiles) GetProfile(ctx context.Context, _ string) (UserProfile, error) {
	select {
	case <-time.After(s.delay):
		return UserProfile{Name: "late"}, nil
	case <-ctx.Done():
		return UserProfile{}, ctx.Err()
	}
}

func (s slowProfiles) MergeProfile(context.Context, string, ProfilePatch) (UserProfile, error) {
	return UserProfile{}, nil
}

func TestGatherDegradesPerSection(t *testing.T) {
	sem := NewInMemorySemantic(nil)
	require.NoError(t, sem.StoreSemantic(context.Background(), "u1", "we talked about mountain hiking trails"))

	cfg := DefaultConfig()
	cfg.Timeouts.Profile = 20 * time.Millisecond
	rec := metrics.New("test")
	c := NewCoordinator(Stores{
		History:  failingStore{},
		Profiles: slowProfiles{delay: time.Second},
		Semantic: sem,
		Facts:    failingStore{},
	}, cfg, nil, rec)

	start := time.Now()
	got := c.Gather(context.Background(), "u1", "s1", "hiking trails")
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.Empty(t, got.History)
	assert.Empty(t, got.Facts, "partial results from a failed store are discarded")
	assert.True(t, got.Profile.IsEmpty())
	require.Len(t, got.Semantic, 1)
	assert.Equal(t, map[string]string{
		SectionHistory: "unavailable",
		SectionFacts:   "unavailable",
		SectionProfile: "timeout",
	}, got.Degraded)
	assert.Equal(t, int64(1), rec.Count("memory.degraded.profile.timeout"))
}

func TestGatherWithNilStores(t *testing.T) {
	c := NewCoordinator(Stores{}, Config{}, nil, nil)
	got := c.Gather(context.Background(), "u", "s", "anything")
	assert.Empty(t, got.History)
	assert.Empty(t, got.Degraded)
}

func TestGatherTruncatesFactsToBudget(t *testing.T) {
	facts := NewInMemoryFacts()
	var many []GraphFact
	for i := 0; i < 50; i++ {
		many = append(many, GraphFact{Subject: "user", Predicate: "enjoys", Object: strings.Repeat("x", 20)})
		many[i].Object += string(rune('a' + i%26))
	}
	require.NoError(t, facts.AddFacts(context.Background(), "u", many))

	cfg := DefaultConfig()
	cfg.FactBudget = 100
	c := NewCoordinator(Stores{Facts: facts}, cfg, nil, nil)
	got := c.Gather(context.Background(), "u", "s", "q")

	total := 0
	for _, f := range got.Facts {
		total += len(f.String()) + 1
	}
	assert.LessOrEqual(t, total, 100)
	assert.NotEmpty(t, got.Facts)
}

func TestPostMessageUpdateReportsStoreErrors(t *testing.T) {
	c := NewCoordinator(Stores{
		History:  failingStore{},
		Profiles: NewInMemoryProfiles(DefaultLimits()),
	}, DefaultConfig(), nil, nil)

	res, err := c.PostMessageUpdate(context.Background(), MessageUpdate{UserID: "u", SessionID: "s", UserText: "my name is Ada"})
	require.Error(t, err)
	assert.True(t, res.Merged, "profile merge still happens when history fails")
	assert.Equal(t, "Ada", res.Profile.Name)
}

type recordingHandoff struct {
	mu   sync.Mutex
	reqs []ExtractionRequest
	done chan struct{}
}

func (h *recordingHandoff) Handoff(_ context.Context, req ExtractionRequest) error {
	h.mu.Lock()
	h.reqs = append(h.reqs, req)
	h.mu.Unlock()
	close(h.done)
	return nil
}

func TestPostMessageUpdateHandsOff(t *testing.T) {
	h := &recordingHandoff{done: make(chan struct{})}
	c := NewCoordinator(Stores{}, DefaultConfig(), h, nil)

	_, err := c.PostMessageUpdate(context.Background(), MessageUpdate{UserID: "u", SessionID: "s", UserText: "hello there"})
	require.NoError(t, err)

	select {
	case <-h.done:
	case <-time.After(time.Second):
		t.Fatal("handoff not called")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.reqs, 1)
	assert.Equal(t, ExtractionVersion, h.reqs[0].Version)
	assert.Equal(t, "hello there", h.reqs[0].UserText)
}

func TestInMemoryHistoryTrimsAndExpires(t *testing.T) {
	ctx := context.Background()
	h := NewInMemoryHistory(3)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		require.NoError(t, h.AppendHistory(ctx, "s", []Turn{{Role: "user", Text: string(rune('a' + i))}}, time.Hour))
	}
	turns, err := h.GetHistory(ctx, "s", 10)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "c", turns[0].Text)
	assert.Equal(t, "e", turns[2].Text)

	limited, _ := h.GetHistory(ctx, "s", 2)
	assert.Equal(t, "d", limited[0].Text)

	now = now.Add(2 * time.Hour)
	n, _ := h.Sweep(ctx)
	assert.Equal(t, 1, n)
	turns, _ = h.GetHistory(ctx, "s", 10)
	assert.Empty(t, turns)
}

func TestInMemorySemanticRanksByOverlap(t *testing.T) {
	ctx := context.Background()
	s := NewInMemorySemantic(nil)
	require.NoError(t, s.StoreSemantic(ctx, "u", "I went hiking in the Alps"))
	require.NoError(t, s.StoreSemantic(ctx, "u", "Chess openings are fun"))
	require.NoError(t, s.StoreSemantic(ctx, "other", "hiking boots"))

	got, err := s.QuerySemantic(ctx, "u", "best hiking spots", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "I went hiking in the Alps", got[0].Snippet)
}
