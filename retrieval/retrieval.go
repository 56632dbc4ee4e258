// Package retrieval finds the case chunks most relevant to a query by
// fusing semantic (vector) and keyword (FTS5) search.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/casegraph-dev/casegraph/llm"
	"github.com/casegraph-dev/casegraph/store"
)

const (
	defaultK  = 8
	weightVec = 1.0
	weightFTS = 0.8
)

// Retriever embeds queries and searches the case's chunk index.
type Retriever struct {
	store *store.Store
	embed llm.Provider
}

// New creates a retriever.
func New(s *store.Store, embed llm.Provider) *Retriever {
	return &Retriever{store: s, embed: embed}
}

// Search returns the top-k chunks for the query within one case. Vector and
// keyword results are fused with RRF; a failing keyword leg degrades to
// vector-only rather than failing the search.
func (r *Retriever) Search(ctx context.Context, caseID, query string, k int) ([]store.RetrievalResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = defaultK
	}

	embedded, err := r.embed.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(embedded.Vectors) != 1 {
		return nil, fmt.Errorf("expected 1 query embedding, got %d", len(embedded.Vectors))
	}

	// Over-fetch both legs so fusion has something to rerank.
	fetchK := k * 3

	vecResults, err := r.store.VectorSearch(ctx, caseID, embedded.Vectors[0], fetchK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	ftsResults, err := r.store.KeywordSearch(ctx, caseID, ftsQuery(query), fetchK)
	if err != nil {
		slog.Warn("retrieval: keyword search failed, using vector results only",
			"case_id", caseID, "error", err)
		ftsResults = nil
	}

	return fuseRRF(vecResults, ftsResults, weightVec, weightFTS, k), nil
}

// ftsQuery turns free text into a safe FTS5 OR-query: bare words only,
// quoted, so user punctuation cannot break MATCH syntax.
func ftsQuery(query string) string {
	var terms []string
	for _, f := range strings.Fields(query) {
		w := strings.Trim(f, `"'.,;:!?()[]{}`)
		if len(w) < 2 {
			continue
		}
		terms = append(terms, `"`+strings.ReplaceAll(w, `"`, ``)+`"`)
	}
	if len(terms) == 0 {
		return `""`
	}
	return strings.Join(terms, " OR ")
}
