//go:build cgo

package graph

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/casegraph-dev/casegraph/cost"
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

// fakeProvider returns canned responses in call order, cycling the last one.
type fakeProvider struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
}

func (f *fakeProvider) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	i := f.calls
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	f.calls++
	return &llm.GenerateResponse{
		Text:  f.responses[i],
		Model: "fake-model",
		Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, Reported: true},
	}, nil
}

func (f *fakeProvider) Embed(ctx context.Context, texts []string) (*llm.EmbedResponse, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return &llm.EmbedResponse{Vectors: out, Model: "fake-model"}, nil
}

func (f *fakeProvider) Name() string    { return "fake" }
func (f *fakeProvider) ModelID() string { return "fake-model" }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

const sampleExtraction = `{
	"entities": [
		{"name": "John Smith", "type": "person", "summary": "the suspect"},
		{"name": "Acme Corp", "type": "organization", "summary": ""}
	],
	"relationships": [
		{"source": "John Smith", "target": "Acme Corp", "type": "works_for"}
	]
}`

func testSpec() PromptSpec {
	return PromptSpec{
		EntityTypes:       []string{"person", "organization"},
		RelationshipTypes: []string{"works_for"},
		Template:          "{entity_types} {relationship_types}\n{text}",
	}
}

func seedChunks(t *testing.T, s *store.Store, caseID string, contents ...string) []store.Chunk {
	t.Helper()
	ctx := context.Background()
	docID, err := s.UpsertDocument(ctx, store.Document{
		CaseID: caseID, Path: "/docs/a.txt", Filename: "a.txt",
		SourceType: "text", Status: "processing",
	})
	if err != nil {
		t.Fatalf("seeding document: %v", err)
	}
	chunks := make([]store.Chunk, len(contents))
	for i, c := range contents {
		chunks[i] = store.Chunk{DocumentID: docID, Ord: i, Content: c, EndOffset: len(c)}
	}
	ids, err := s.InsertChunks(ctx, chunks)
	if err != nil {
		t.Fatalf("seeding chunks: %v", err)
	}
	for i := range chunks {
		chunks[i].ID = ids[i]
	}
	return chunks
}

// ---------------------------------------------------------------------------
// Builder
// ---------------------------------------------------------------------------

func TestBuildWritesGraphAndLedger(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	provider := &fakeProvider{responses: []string{sampleExtraction}}
	b := NewBuilder(s, provider, cost.New(s), 1)

	chunks := seedChunks(t, s, "case-1", "John Smith works for Acme Corp.")

	outcome, err := b.Build(ctx, "case-1", "a.txt", chunks, testSpec(), nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if outcome.EntitiesCreated != 2 {
		t.Errorf("entities created: got %d, want 2", outcome.EntitiesCreated)
	}
	if outcome.RelationshipsCreated != 1 {
		t.Errorf("relationships created: got %d, want 1", outcome.RelationshipsCreated)
	}

	if _, err := s.GetEntity(ctx, "case-1", "john smith|person"); err != nil {
		t.Errorf("entity not persisted: %v", err)
	}
	rels, _ := s.RelationshipsByCase(ctx, "case-1")
	if len(rels) != 1 || rels[0].SourceKey != "john smith|person" {
		t.Errorf("relationship not persisted: %+v", rels)
	}

	// One ingestion cost record per chunk call.
	records, _ := s.ListCostRecords(ctx, "case-1")
	if len(records) != 1 {
		t.Fatalf("expected 1 cost record, got %d", len(records))
	}
	if records[0].JobType != cost.JobIngestion {
		t.Errorf("job type: got %s", records[0].JobType)
	}
}

func TestBuildMalformedResponseIsChunkScoped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	provider := &fakeProvider{responses: []string{
		"this is not json at all",
		sampleExtraction,
	}}
	b := NewBuilder(s, provider, nil, 1)

	chunks := seedChunks(t, s, "case-1", "garbled chunk", "John Smith works for Acme Corp.")

	outcome, err := b.Build(ctx, "case-1", "a.txt", chunks, testSpec(), nil)
	if err != nil {
		t.Fatalf("a malformed chunk must not fail the document: %v", err)
	}
	if outcome.EntitiesCreated != 2 {
		t.Errorf("good chunk should still commit: %+v", outcome)
	}
}

func TestBuildAllChunksFailing(t *testing.T) {
	s := newTestStore(t)
	provider := &fakeProvider{err: errors.New("provider down")}
	b := NewBuilder(s, provider, nil, 2)

	chunks := seedChunks(t, s, "case-1", "one", "two")

	if _, err := b.Build(context.Background(), "case-1", "a.txt", chunks, testSpec(), nil); err == nil {
		t.Fatal("expected error when every chunk fails")
	}
}

func TestBuildCancelledBeforeDispatch(t *testing.T) {
	s := newTestStore(t)
	provider := &fakeProvider{responses: []string{sampleExtraction}}
	b := NewBuilder(s, provider, nil, 1)

	chunks := seedChunks(t, s, "case-1", "one", "two")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Build(ctx, "case-1", "a.txt", chunks, testSpec(), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if provider.callCount() != 0 {
		t.Errorf("cancelled build must not issue chunk calls, got %d", provider.callCount())
	}
}

func TestBuildProgressCallback(t *testing.T) {
	s := newTestStore(t)
	provider := &fakeProvider{responses: []string{sampleExtraction}}
	b := NewBuilder(s, provider, nil, 1)

	chunks := seedChunks(t, s, "case-1", "John Smith works for Acme Corp.")

	var stages []string
	_, err := b.Build(context.Background(), "case-1", "a.txt", chunks, testSpec(),
		func(ev ProgressEvent) { stages = append(stages, ev.Stage) })
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	want := []string{StageExtractionStarted, StageChunkProcessed, StageExtractionFinished}
	if len(stages) != len(want) {
		t.Fatalf("stages: got %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage %d: got %s, want %s", i, stages[i], want[i])
		}
	}
}

func TestBuildProgressCallbackSerializedAcrossWorkers(t *testing.T) {
	s := newTestStore(t)
	provider := &fakeProvider{responses: []string{sampleExtraction}}
	b := NewBuilder(s, provider, nil, 4)

	chunks := seedChunks(t, s, "case-1",
		"chunk one", "chunk two", "chunk three", "chunk four",
		"chunk five", "chunk six", "chunk seven", "chunk eight")

	// The callback appends without its own locking. With four workers this
	// loses events or trips the race detector unless delivery is serialized.
	var processed []int
	_, err := b.Build(context.Background(), "case-1", "a.txt", chunks, testSpec(),
		func(ev ProgressEvent) {
			if ev.Stage == StageChunkProcessed {
				processed = append(processed, ev.ChunkIndex)
			}
		})
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if len(processed) != len(chunks) {
		t.Fatalf("expected %d chunk events, got %d", len(chunks), len(processed))
	}
	seen := map[int]bool{}
	for _, i := range processed {
		if seen[i] {
			t.Errorf("chunk %d reported twice", i)
		}
		seen[i] = true
	}
}

// ---------------------------------------------------------------------------
// Writer
// ---------------------------------------------------------------------------

func TestWriterMissingEndpointSkipsOneItem(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := NewWriter(s)

	outcome, err := w.Write(ctx, "case-1", ExtractionResult{
		Entities: []ExtractedEntity{
			{Name: "John Smith", Type: "person"},
			{Name: "Acme Corp", Type: "organization"},
		},
		Relationships: []ExtractedRelationship{
			// Endpoint never extracted or persisted.
			{Source: "John Smith", Target: "Ghost Inc", Type: "works_for"},
			{Source: "John Smith", Target: "Acme Corp", Type: "works_for"},
		},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if outcome.RelationshipsSkipped != 1 {
		t.Errorf("skipped: got %d, want 1", outcome.RelationshipsSkipped)
	}
	if outcome.RelationshipsCreated != 1 {
		t.Errorf("the valid relationship must still commit: %+v", outcome)
	}
}

func TestWriterCrossDocumentMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := NewWriter(s)

	// Same entity mentioned in two batches (two documents).
	first, _ := w.Write(ctx, "case-1", ExtractionResult{
		Entities: []ExtractedEntity{{Name: "John Smith", Type: "person",
			Properties: map[string]string{"role": "suspect"}}},
	})
	second, _ := w.Write(ctx, "case-1", ExtractionResult{
		Entities: []ExtractedEntity{{Name: "john smith", Type: "Person",
			Properties: map[string]string{"alias": "JS"}}},
	})

	if first.EntitiesCreated != 1 || second.EntitiesCreated != 0 || second.EntitiesMerged != 1 {
		t.Errorf("expected create then merge: first %+v second %+v", first, second)
	}

	entities, _ := s.EntitiesByCase(ctx, "case-1")
	if len(entities) != 1 {
		t.Fatalf("expected exactly one persisted entity, got %d", len(entities))
	}
	if entities[0].Properties["role"] != "suspect" || entities[0].Properties["alias"] != "JS" {
		t.Errorf("properties not merged across documents: %v", entities[0].Properties)
	}
}

func TestWriterResolvesEndpointTypeFromCase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	w := NewWriter(s)

	// Entity persisted by an earlier batch.
	w.Write(ctx, "case-1", ExtractionResult{
		Entities: []ExtractedEntity{{Name: "Acme Corp", Type: "organization"}},
	})

	// Later batch references it by bare name.
	outcome, err := w.Write(ctx, "case-1", ExtractionResult{
		Entities: []ExtractedEntity{{Name: "John Smith", Type: "person"}},
		Relationships: []ExtractedRelationship{
			{Source: "John Smith", Target: "Acme Corp", Type: "works_for"},
		},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if outcome.RelationshipsCreated != 1 {
		t.Errorf("endpoint should resolve against the case: %+v", outcome)
	}
}

// ---------------------------------------------------------------------------
// Resolver
// ---------------------------------------------------------------------------

func seedSimilarEntities(t *testing.T, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	entities := []store.Entity{
		{CaseID: "c", Name: "John Smith", EntityType: "person"},
		{CaseID: "c", Name: "Jon Smith", EntityType: "person"},
		{CaseID: "c", Name: "Jane Doe", EntityType: "person"},
		{CaseID: "c", Name: "John Smith", EntityType: "organization"}, // same name, other type
	}
	for _, e := range entities {
		if _, _, err := s.UpsertEntity(ctx, e); err != nil {
			t.Fatalf("seeding entity: %v", err)
		}
	}
}

func TestSuggestMergesFindsSimilarPair(t *testing.T) {
	s := newTestStore(t)
	seedSimilarEntities(t, s)
	r := NewResolver(s, 0.5, 20)

	candidates, err := r.SuggestMerges(context.Background(), "c", nil)
	if err != nil {
		t.Fatalf("suggesting: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d: %+v", len(candidates), candidates)
	}
	c := candidates[0]
	if c.Key1 != "john smith|person" || c.Key2 != "jon smith|person" {
		t.Errorf("wrong pair: %s / %s", c.Key1, c.Key2)
	}
	if c.Key1 > c.Key2 {
		t.Error("candidate keys must be sorted")
	}
}

func TestSuggestMergesExcludesRejectedPair(t *testing.T) {
	s := newTestStore(t)
	seedSimilarEntities(t, s)
	ctx := context.Background()

	if err := s.RejectMerge(ctx, "c", "jon smith|person", "john smith|person", "user-1"); err != nil {
		t.Fatalf("rejecting: %v", err)
	}

	r := NewResolver(s, 0.5, 20)
	candidates, err := r.SuggestMerges(ctx, "c", nil)
	if err != nil {
		t.Fatalf("suggesting: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("rejected pair must never resurface, got %+v", candidates)
	}
}

func TestSuggestMergesBelowThreshold(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.UpsertEntity(ctx, store.Entity{CaseID: "c", Name: "John Smith", EntityType: "person"})
	s.UpsertEntity(ctx, store.Entity{CaseID: "c", Name: "Jane Doe", EntityType: "person"})

	r := NewResolver(s, 0.82, 20)
	candidates, err := r.SuggestMerges(ctx, "c", nil)
	if err != nil {
		t.Fatalf("suggesting: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("dissimilar names must stay distinct entities, got %+v", candidates)
	}
}

func TestSuggestMergesScopedToNewKeys(t *testing.T) {
	s := newTestStore(t)
	seedSimilarEntities(t, s)
	r := NewResolver(s, 0.5, 20)
	ctx := context.Background()

	// Scope to an entity unrelated to the similar pair.
	candidates, err := r.SuggestMerges(ctx, "c", []string{"jane doe|person"})
	if err != nil {
		t.Fatalf("suggesting: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("pair outside scope should not surface, got %+v", candidates)
	}

	candidates, _ = r.SuggestMerges(ctx, "c", []string{"jon smith|person"})
	if len(candidates) != 1 {
		t.Errorf("pair touching scoped key should surface, got %+v", candidates)
	}
}

// ---------------------------------------------------------------------------
// Traversal
// ---------------------------------------------------------------------------

func TestTraverse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, e := range []store.Entity{
		{CaseID: "c", Name: "A", EntityType: "person"},
		{CaseID: "c", Name: "B", EntityType: "person"},
		{CaseID: "c", Name: "C", EntityType: "organization"},
	} {
		s.UpsertEntity(ctx, e)
	}
	s.UpsertRelationship(ctx, store.Relationship{CaseID: "c",
		SourceKey: "a|person", TargetKey: "b|person", RelType: "knows"})
	s.UpsertRelationship(ctx, store.Relationship{CaseID: "c",
		SourceKey: "b|person", TargetKey: "c|organization", RelType: "works_for"})

	t.Run("depth 0 returns only seeds", func(t *testing.T) {
		n, err := Traverse(ctx, s, "c", []string{"a|person"}, 0)
		if err != nil {
			t.Fatalf("traversing: %v", err)
		}
		if len(n.Entities) != 1 || n.Entities[0].Key != "a|person" {
			t.Errorf("got %+v", n.Entities)
		}
	})

	t.Run("depth 1 reaches direct neighbours", func(t *testing.T) {
		n, _ := Traverse(ctx, s, "c", []string{"a|person"}, 1)
		if len(n.Entities) != 2 {
			t.Errorf("expected seed + 1 neighbour, got %d", len(n.Entities))
		}
	})

	t.Run("depth 2 covers the chain", func(t *testing.T) {
		n, _ := Traverse(ctx, s, "c", []string{"a|person"}, 2)
		if len(n.Entities) != 3 {
			t.Errorf("expected full chain, got %d", len(n.Entities))
		}
	})

	t.Run("unknown seed ignored", func(t *testing.T) {
		n, _ := Traverse(ctx, s, "c", []string{"ghost|person"}, 2)
		if len(n.Entities) != 0 {
			t.Errorf("expected no entities, got %d", len(n.Entities))
		}
	})
}
