package memory

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryHistory is a process-local turn buffer with per-session TTL and
// FIFO trimming at maxItems.
type InMemoryHistory struct {
	mu       sync.Mutex
	sessions map[string]*sessionBuf
	maxItems int
	now      func() time.Time
}

type sessionBuf struct {
	turns     []Turn
	expiresAt time.Time
}

// NewInMemoryHistory creates a buffer holding at most maxItems turns per session.
func NewInMemoryHistory(maxItems int) *InMemoryHistory {
	if maxItems <= 0 {
		maxItems = 40
	}
	return &InMemoryHistory{sessions: map[string]*sessionBuf{}, maxItems: maxItems, now: time.Now}
}

func (h *InMemoryHistory) GetHistory(_ context.Context, sessionID string, limit int) ([]Turn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	if !buf.expiresAt.IsZero() && !buf.expiresAt.After(h.now()) {
		delete(h.sessions, sessionID)
		return nil, nil
	}
	turns := buf.turns
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]Turn(nil), turns...), nil
}

func (h *InMemoryHistory) AppendHistory(_ context.Context, sessionID string, turns []Turn, ttl time.Duration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	buf, ok := h.sessions[sessionID]
	if !ok || (!buf.expiresAt.IsZero() && !buf.expiresAt.After(h.now())) {
		buf = &sessionBuf{}
		h.sessions[sessionID] = buf
	}
	buf.turns = append(buf.turns, turns...)
	if len(buf.turns) > h.maxItems {
		buf.turns = append([]Turn(nil), buf.turns[len(buf.turns)-h.maxItems:]...)
	}
	if ttl > 0 {
		buf.expiresAt = h.now().Add(ttl)
	}
	return nil
}

// Sweep drops expired sessions and reports how many were removed.
func (h *InMemoryHistory) Sweep(context.Context) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	n := 0
	for id, buf := range h.sessions {
		if !buf.expiresAt.IsZero() && !buf.expiresAt.After(now) {
			delete(h.sessions, id)
			n++
		}
	}
	return n, nil
}

// InMemoryProfiles stores profiles in a map. Merges are serialized by a mutex.
type InMemoryProfiles struct {
	mu       sync.Mutex
	profiles map[string]UserProfile
	limits   Limits
}

// NewInMemoryProfiles creates an empty profile store.
func NewInMemoryProfiles(lim Limits) *InMemoryProfiles {
	return &InMemoryProfiles{profiles: map[string]UserProfile{}, limits: lim}
}

func (s *InMemoryProfiles) GetProfile(_ context.Context, userID string) (UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profiles[userID].Clone(), nil
}

func (s *InMemoryProfiles) MergeProfile(_ context.Context, userID string, patch ProfilePatch) (UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged, _ := ApplyPatch(s.profiles[userID], patch, s.limits)
	s.profiles[userID] = merged
	return merged.Clone(), nil
}

// EmbedFunc turns text into a vector.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

type documentTaskKey struct{}

// WithDocumentTask marks ctx so embedders that distinguish tasks embed the
// text as a stored document rather than a search query.
func WithDocumentTask(ctx context.Context) context.Context {
	return context.WithValue(ctx, documentTaskKey{}, true)
}

// IsDocumentTask reports whether ctx was marked by WithDocumentTask.
func IsDocumentTask(ctx context.Context) bool {
	v, _ := ctx.Value(documentTaskKey{}).(bool)
	return v
}

// InMemorySemantic keeps snippets per user. With an EmbedFunc it ranks by
// cosine similarity; without one it ranks by shared-word overlap.
type InMemorySemantic struct {
	mu      sync.Mutex
	records map[string][]semanticEntry
	embed   EmbedFunc
	maxPer  int
}

type semanticEntry struct {
	id     string
	text   string
	vec    []float32
	tokens map[string]bool
}

// NewInMemorySemantic creates a semantic store. embed may be nil.
func NewInMemorySemantic(embed EmbedFunc) *InMemorySemantic {
	return &InMemorySemantic{records: map[string][]semanticEntry{}, embed: embed, maxPer: 500}
}

func (s *InMemorySemantic) StoreSemantic(ctx context.Context, userID, text string) error {
	e := semanticEntry{id: uuid.NewString(), text: text, tokens: tokenSet(text)}
	if s.embed != nil {
		vec, err := s.embed(WithDocumentTask(ctx), text)
		if err != nil {
			return err
		}
		e.vec = vec
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := append(s.records[userID], e)
	if len(recs) > s.maxPer {
		recs = recs[len(recs)-s.maxPer:]
	}
	s.records[userID] = recs
	return nil
}

func (s *InMemorySemantic) QuerySemantic(ctx context.Context, userID, text string, topK int) ([]SemanticRecord, error) {
	var qvec []float32
	if s.embed != nil {
		vec, err := s.embed(ctx, text)
		if err != nil {
			return nil, err
		}
		qvec = vec
	}
	qtokens := tokenSet(text)

	s.mu.Lock()
	entries := append([]semanticEntry(nil), s.records[userID]...)
	s.mu.Unlock()

	out := make([]SemanticRecord, 0, len(entries))
	for _, e := range entries {
		var score float64
		if qvec != nil && e.vec != nil {
			score = cosine(qvec, e.vec)
		} else {
			score = overlap(qtokens, e.tokens)
		}
		if score <= 0 {
			continue
		}
		out = append(out, SemanticRecord{ID: e.id, Snippet: e.text, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// InMemoryFacts stores deduplicated triples per user, newest first.
type InMemoryFacts struct {
	mu    sync.Mutex
	facts map[string][]GraphFact
}

// NewInMemoryFacts creates an empty fact store.
func NewInMemoryFacts() *InMemoryFacts {
	return &InMemoryFacts{facts: map[string][]GraphFact{}}
}

func (s *InMemoryFacts) GetFacts(_ context.Context, userID string) ([]GraphFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]GraphFact(nil), s.facts[userID]...), nil
}

func (s *InMemoryFacts) AddFacts(_ context.Context, userID string, facts []GraphFact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing := s.facts[userID]
	for _, f := range facts {
		key := strings.ToLower(f.String())
		kept := existing[:0:0]
		for _, e := range existing {
			if strings.ToLower(e.String()) != key {
				kept = append(kept, e)
			}
		}
		existing = append([]GraphFact{f}, kept...)
	}
	s.facts[userID] = existing
	return nil
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "i": true, "do": true, "to": true, "and": true, "or": true,
	"is": true, "are": true, "what": true, "my": true, "me": true, "you": true, "it": true, "of": true,
	"in": true, "on": true, "for": true, "with": true, "that": true, "this": true,
}

func tokenSet(text string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	}) {
		if !stopwords[w] && len(w) > 1 {
			out[w] = true
		}
	}
	return out
}

func overlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	shared := 0
	for w := range a {
		if b[w] {
			shared++
		}
	}
	return float64(shared) / math.Sqrt(float64(len(a)*len(b)))
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
