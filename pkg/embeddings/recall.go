package embeddings

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/nous-labs/attune/pkg/memory"
)

const (
	// rrfK is the smoothing constant for Reciprocal Rank Fusion.
	// Standard value from Cormack et al. (2009).
	rrfK = 60
	// overFetchMultiplier fetches more results from each source for better fusion.
	overFetchMultiplier = 3
)

// Index is the storage Recall ranks against. *Store implements it.
type Index interface {
	Insert(ctx context.Context, userID, content string, embedding []float32) (string, error)
	Search(ctx context.Context, userID string, queryEmbedding []float32, limit int) ([]SearchResult, error)
	KeywordSearch(ctx context.Context, userID, query string, limit int) ([]SearchResult, error)
}

// Recall is the semantic memory adapter. Embeddings come from embed, which
// is expected to return vectors already adapted to the index width.
type Recall struct {
	index Index
	embed memory.EmbedFunc
}

// NewRecall creates a semantic adapter over index.
func NewRecall(index Index, embed memory.EmbedFunc) *Recall {
	return &Recall{index: index, embed: embed}
}

// StoreSemantic embeds text as a document and writes it to the index.
func (r *Recall) StoreSemantic(ctx context.Context, userID, text string) error {
	vec, err := r.embed(memory.WithDocumentTask(ctx), text)
	if err != nil {
		return err
	}
	_, err = r.index.Insert(ctx, userID, text, vec)
	return err
}

// QuerySemantic combines vector similarity with full-text search using
// Reciprocal Rank Fusion. If one side fails the other is used alone.
func (r *Recall) QuerySemantic(ctx context.Context, userID, query string, topK int) ([]memory.SemanticRecord, error) {
	if topK <= 0 {
		topK = 5
	}
	fetchLimit := topK * overFetchMultiplier

	var (
		vectorResults, keywordResults []SearchResult
		vectorErr, keywordErr         error
		wg                            sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		vec, err := r.embed(ctx, query)
		if err != nil {
			vectorErr = err
			return
		}
		vectorResults, vectorErr = r.index.Search(ctx, userID, vec, fetchLimit)
	}()
	go func() {
		defer wg.Done()
		keywordResults, keywordErr = r.index.KeywordSearch(ctx, userID, query, fetchLimit)
	}()
	wg.Wait()

	switch {
	case vectorErr != nil && keywordErr != nil:
		return nil, errors.Join(vectorErr, keywordErr)
	case vectorErr != nil:
		slog.Warn("vector search failed, using keyword-only", "user", userID, "error", vectorErr)
		vectorResults = nil
	case keywordErr != nil:
		slog.Warn("keyword search failed, using vector-only", "user", userID, "error", keywordErr)
		keywordResults = nil
	}

	fused := reciprocalRankFusion([][]SearchResult{vectorResults, keywordResults}, rrfK)
	if len(fused) > topK {
		fused = fused[:topK]
	}
	return fused, nil
}

// reciprocalRankFusion merges multiple ranked lists using RRF.
// Formula: RRF_score(d) = Σ 1/(k + rank_i(d))
func reciprocalRankFusion(lists [][]SearchResult, k int) []memory.SemanticRecord {
	scores := make(map[string]float64)
	content := make(map[string]string)
	var order []string

	for _, list := range lists {
		for rank, result := range list {
			if _, seen := scores[result.ID]; !seen {
				order = append(order, result.ID)
				content[result.ID] = result.Content
			}
			// rank is 0-indexed, RRF uses 1-indexed
			scores[result.ID] += 1.0 / (float64(k) + float64(rank+1))
		}
	}

	fused := make([]memory.SemanticRecord, 0, len(order))
	for _, id := range order {
		fused = append(fused, memory.SemanticRecord{ID: id, Snippet: content[id], Score: scores[id]})
	}
	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].Score > fused[j].Score
	})
	return fused
}
