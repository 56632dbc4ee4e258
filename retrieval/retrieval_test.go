//go:build cgo

package retrieval

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/casegraph-dev/casegraph/llm"
	"github.com/casegraph-dev/casegraph/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), 4)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fixedEmbedder returns a constant vector for any input.
type fixedEmbedder struct {
	vec []float32
}

func (f *fixedEmbedder) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	return &llm.GenerateResponse{Text: "{}"}, nil
}

func (f *fixedEmbedder) Embed(ctx context.Context, texts []string) (*llm.EmbedResponse, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return &llm.EmbedResponse{Vectors: out, Model: "fake-embed"}, nil
}

func (f *fixedEmbedder) Name() string    { return "fake" }
func (f *fixedEmbedder) ModelID() string { return "fake-embed" }

func seedSearchableCase(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()

	docID, err := s.UpsertDocument(ctx, store.Document{
		CaseID: "c", Path: "/docs/a.txt", Filename: "a.txt",
		SourceType: "text", Status: "success",
	})
	if err != nil {
		t.Fatalf("seeding document: %v", err)
	}

	chunks := []store.Chunk{
		{DocumentID: docID, Ord: 0, Content: "the wire transfer went to an offshore account", EndOffset: 45},
		{DocumentID: docID, Ord: 1, Content: "weather in the city was unremarkable", EndOffset: 36},
	}
	ids, err := s.InsertChunks(ctx, chunks)
	if err != nil {
		t.Fatalf("seeding chunks: %v", err)
	}
	// First chunk near the query vector, second far.
	if err := s.InsertEmbedding(ctx, ids[0], []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("seeding embedding: %v", err)
	}
	if err := s.InsertEmbedding(ctx, ids[1], []float32{0, 1, 0, 0}); err != nil {
		t.Fatalf("seeding embedding: %v", err)
	}
}

func TestSearchFusesVectorAndKeyword(t *testing.T) {
	s := newTestStore(t)
	seedSearchableCase(t, s)
	r := New(s, &fixedEmbedder{vec: []float32{1, 0, 0, 0}})

	results, err := r.Search(context.Background(), "c", "offshore transfer", 5)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected results")
	}
	// The offshore chunk wins both legs, so it must rank first.
	if !strings.Contains(results[0].Content, "offshore") {
		t.Errorf("expected offshore chunk first, got %q", results[0].Content)
	}
}

func TestSearchScopedToCase(t *testing.T) {
	s := newTestStore(t)
	seedSearchableCase(t, s)
	r := New(s, &fixedEmbedder{vec: []float32{1, 0, 0, 0}})

	results, err := r.Search(context.Background(), "other-case", "offshore transfer", 5)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results in another case, got %d", len(results))
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	s := newTestStore(t)
	r := New(s, &fixedEmbedder{vec: []float32{1, 0, 0, 0}})

	results, err := r.Search(context.Background(), "c", "   ", 5)
	if err != nil {
		t.Fatalf("searching: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results for empty query, got %d", len(results))
	}
}

func TestFTSQuerySanitizesPunctuation(t *testing.T) {
	got := ftsQuery(`who paid "Acme, Inc."? (urgent!)`)
	if strings.ContainsAny(got, "?!(),") {
		t.Errorf("punctuation should be stripped: %q", got)
	}
	if !strings.Contains(got, `"Acme"`) {
		t.Errorf("terms should be quoted: %q", got)
	}
}

func TestFuseRRFPrefersDualMethodHits(t *testing.T) {
	vec := []store.RetrievalResult{
		{ChunkID: 1, Content: "both"},
		{ChunkID: 2, Content: "vector only"},
	}
	fts := []store.RetrievalResult{
		{ChunkID: 3, Content: "keyword only"},
		{ChunkID: 1, Content: "both"},
	}

	fused := fuseRRF(vec, fts, 1.0, 1.0, 10)
	if len(fused) != 3 {
		t.Fatalf("expected 3 fused results, got %d", len(fused))
	}
	if fused[0].ChunkID != 1 {
		t.Errorf("chunk present in both legs should rank first, got %d", fused[0].ChunkID)
	}
}

func TestFuseRRFLimit(t *testing.T) {
	var vec []store.RetrievalResult
	for i := int64(1); i <= 10; i++ {
		vec = append(vec, store.RetrievalResult{ChunkID: i})
	}
	fused := fuseRRF(vec, nil, 1.0, 1.0, 3)
	if len(fused) != 3 {
		t.Errorf("expected 3 results after limit, got %d", len(fused))
	}
}
