// Package memory defines the conversation memory model, the adapter
// contracts each backing store implements, and the Coordinator that reads
// from all of them concurrently and writes extracted facts back.
package memory

import (
	"context"
	"strings"
	"time"
)

// Turn is one message in the short-term conversation buffer.
type Turn struct {
	Role      string    `json:"role"` // user, assistant
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
}

// UserProfile is the deterministic, merge-updated profile of a user.
// Empty strings mean "unknown".
type UserProfile struct {
	Name        string            `json:"name,omitempty"`
	Timezone    string            `json:"timezone,omitempty"`
	Birthday    string            `json:"birthday,omitempty"`
	Hobbies     []string          `json:"hobbies,omitempty"`
	Favorites   map[string]string `json:"favorites,omitempty"`
	Preferences map[string]string `json:"preferences,omitempty"`
	Version     int64             `json:"version"`
}

// IsEmpty reports whether the profile carries no user data.
func (p UserProfile) IsEmpty() bool {
	return p.Name == "" && p.Timezone == "" && p.Birthday == "" &&
		len(p.Hobbies) == 0 && len(p.Favorites) == 0 && len(p.Preferences) == 0
}

// Clone returns a deep copy.
func (p UserProfile) Clone() UserProfile {
	out := p
	out.Hobbies = append([]string(nil), p.Hobbies...)
	out.Favorites = cloneMap(p.Favorites)
	out.Preferences = cloneMap(p.Preferences)
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// SemanticRecord is a snippet returned by vector-similarity recall.
type SemanticRecord struct {
	ID      string  `json:"id"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// GraphFact is a subject/predicate/object triple.
type GraphFact struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

// String flattens the triple into one line of text.
func (f GraphFact) String() string {
	return strings.TrimSpace(f.Subject + " " + strings.ReplaceAll(f.Predicate, "_", " ") + " " + f.Object)
}

// Adapter contracts. Implementations must honour ctx deadlines.

type HistoryStore interface {
	GetHistory(ctx context.Context, sessionID string, limit int) ([]Turn, error)
	AppendHistory(ctx context.Context, sessionID string, turns []Turn, ttl time.Duration) error
}

type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (UserProfile, error)
	// MergeProfile applies patch with ApplyPatch semantics and returns the
	// stored result. Implementations must never overwrite blindly.
	MergeProfile(ctx context.Context, userID string, patch ProfilePatch) (UserProfile, error)
}

type SemanticStore interface {
	QuerySemantic(ctx context.Context, userID, text string, topK int) ([]SemanticRecord, error)
}

type FactStore interface {
	GetFacts(ctx context.Context, userID string) ([]GraphFact, error)
}

// SemanticWriter is implemented by semantic stores that accept new snippets.
type SemanticWriter interface {
	StoreSemantic(ctx context.Context, userID, text string) error
}

// FactWriter is implemented by fact stores that accept new triples.
type FactWriter interface {
	AddFacts(ctx context.Context, userID string, facts []GraphFact) error
}

// Section names used in Context.Degraded.
const (
	SectionHistory  = "history"
	SectionProfile  = "profile"
	SectionSemantic = "semantic"
	SectionFacts    = "facts"
)

// Context is everything gathered for one turn. A section whose adapter
// failed or timed out is empty and listed in Degraded with a reason code.
type Context struct {
	History  []Turn            `json:"history,omitempty"`
	Profile  UserProfile       `json:"profile"`
	Semantic []SemanticRecord  `json:"semantic,omitempty"`
	Facts    []GraphFact       `json:"facts,omitempty"`
	Degraded map[string]string `json:"degraded,omitempty"`
}
