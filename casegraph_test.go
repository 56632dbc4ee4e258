//go:build cgo

package casegraph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/casegraph-dev/casegraph/cost"
	"github.com/casegraph-dev/casegraph/llm"
	"github.com/casegraph-dev/casegraph/store"
)

// fakeProvider cycles through canned generate responses and returns a fixed
// embedding vector. An optional gate blocks Generate until released, for
// exercising the in-flight ingestion guard.
type fakeProvider struct {
	mu         sync.Mutex
	responses  []string
	calls      int
	entered    chan struct{}
	release    chan struct{}
	embedUsage llm.Usage
}

func (f *fakeProvider) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	f.mu.Lock()
	text := "{}"
	if len(f.responses) > 0 {
		if f.calls < len(f.responses) {
			text = f.responses[f.calls]
		} else {
			text = f.responses[len(f.responses)-1]
		}
	}
	f.calls++
	if f.entered != nil {
		close(f.entered)
		f.entered = nil
	}
	release := f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &llm.GenerateResponse{
		Text:  text,
		Model: "fake-model",
		Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150, Reported: true},
	}, nil
}

// embedUsage, when set, is attached to embed responses so ledger tests can
// exercise providers that report embedding token counts.
func (f *fakeProvider) Embed(ctx context.Context, texts []string) (*llm.EmbedResponse, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return &llm.EmbedResponse{Vectors: out, Model: "fake-model", Usage: f.embedUsage}, nil
}

func (f *fakeProvider) Name() string    { return "fake" }
func (f *fakeProvider) ModelID() string { return "fake-model" }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestEngine(t *testing.T, provider llm.Provider) *engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	cfg.EmbeddingDim = 4
	cfg.ExtractionConcurrency = 2

	s, err := store.New(cfg.DBPath, cfg.EmbeddingDim)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	e := newEngine(cfg, s, provider, provider)
	t.Cleanup(func() { e.Close() })
	return e
}

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing test file: %v", err)
	}
	return path
}

// meetingExtraction matches the document "John Smith met Jane Doe on
// 2024-03-01 at Acme Corp."
const meetingExtraction = `{
	"entities": [
		{"name": "John Smith", "type": "Person"},
		{"name": "Jane Doe", "type": "Person"},
		{"name": "Acme Corp", "type": "Organization"}
	],
	"relationships": [
		{"source": "John Smith", "source_type": "Person",
		 "target": "Jane Doe", "target_type": "Person",
		 "type": "met", "properties": {"date": "2024-03-01"}},
		{"source": "John Smith", "source_type": "Person",
		 "target": "Acme Corp", "target_type": "Organization",
		 "type": "works_for"}
	]
}`

// ---------------------------------------------------------------------------
// Ingestion
// ---------------------------------------------------------------------------

func TestIngestMissingCaseIDIsPreflight(t *testing.T) {
	provider := &fakeProvider{}
	e := newTestEngine(t, provider)
	path := writeTestFile(t, "a.txt", "some content")

	_, err := e.IngestFile(context.Background(), "  ", path)
	if !errors.Is(err, ErrMissingCaseID) {
		t.Fatalf("expected ErrMissingCaseID, got %v", err)
	}
	if provider.callCount() != 0 {
		t.Errorf("no work should be attempted, got %d provider calls", provider.callCount())
	}
	docs, err := e.ListDocuments(context.Background(), "c")
	if err != nil {
		t.Fatalf("listing documents: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("no document should be created, got %d", len(docs))
	}
}

func TestIngestEmptyFileSkipped(t *testing.T) {
	e := newTestEngine(t, &fakeProvider{})
	path := writeTestFile(t, "empty.txt", "   \n\n  ")

	res, err := e.IngestFile(context.Background(), "c", path)
	if err != nil {
		t.Fatalf("ingesting: %v", err)
	}
	if res.Status != "skipped" || res.Reason != "empty" {
		t.Errorf("expected skipped/empty, got %s/%s", res.Status, res.Reason)
	}
	sum, err := e.Summary(context.Background(), "c")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Entities != 0 {
		t.Errorf("skipped ingest must create zero entities, got %d", sum.Entities)
	}
}

func TestIngestTextDocumentBuildsGraphAndTimeline(t *testing.T) {
	e := newTestEngine(t, &fakeProvider{responses: []string{meetingExtraction}})
	ctx := context.Background()
	path := writeTestFile(t, "meeting.txt", "John Smith met Jane Doe on 2024-03-01 at Acme Corp.")

	res, err := e.IngestFile(ctx, "c", path, WithProfile("generic"))
	if err != nil {
		t.Fatalf("ingesting: %v", err)
	}
	if res.Status != "success" {
		t.Fatalf("expected success, got %s (%s)", res.Status, res.Reason)
	}
	if res.EntitiesCreated != 3 {
		t.Errorf("expected 3 entities created, got %d", res.EntitiesCreated)
	}
	if res.RelationshipsCreated != 2 {
		t.Errorf("expected 2 relationships created, got %d", res.RelationshipsCreated)
	}

	events, err := e.Timeline(ctx, "c", store.TimelineFilter{From: "2024-01-01", To: "2024-12-31"})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 timeline event, got %d", len(events))
	}
	ev := events[0]
	if ev.Date != "2024-03-01" {
		t.Errorf("event date: got %s", ev.Date)
	}
	// The dated meeting connects its endpoints and, through John Smith,
	// his employer.
	want := map[string]bool{
		"john smith|person":      true,
		"jane doe|person":        true,
		"acme corp|organization": true,
	}
	for _, key := range ev.Connected {
		if !want[key] {
			t.Errorf("unexpected connected entity %s", key)
		}
		delete(want, key)
	}
	if len(want) != 0 {
		t.Errorf("missing connected entities: %v", want)
	}
}

func TestIngestCrossDocumentSameEntityMergedOnce(t *testing.T) {
	e := newTestEngine(t, &fakeProvider{responses: []string{meetingExtraction}})
	ctx := context.Background()

	first := writeTestFile(t, "one.txt", "John Smith met Jane Doe on 2024-03-01 at Acme Corp.")
	second := writeTestFile(t, "two.txt", "Another report also naming John Smith, Jane Doe and Acme Corp.")

	if _, err := e.IngestFile(ctx, "c", first); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	res, err := e.IngestFile(ctx, "c", second)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if res.EntitiesCreated != 0 {
		t.Errorf("second mention must not create entities, got %d created", res.EntitiesCreated)
	}
	if res.EntitiesMerged != 3 {
		t.Errorf("expected 3 merged entities, got %d", res.EntitiesMerged)
	}

	sum, err := e.Summary(ctx, "c")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Entities != 3 {
		t.Errorf("expected exactly 3 entities across documents, got %d", sum.Entities)
	}
	if sum.Documents != 2 {
		t.Errorf("expected 2 documents, got %d", sum.Documents)
	}
}

func TestIngestUnchangedContentSkipped(t *testing.T) {
	e := newTestEngine(t, &fakeProvider{responses: []string{meetingExtraction}})
	ctx := context.Background()
	path := writeTestFile(t, "a.txt", "John Smith met Jane Doe on 2024-03-01 at Acme Corp.")

	if _, err := e.IngestFile(ctx, "c", path); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	res, err := e.IngestFile(ctx, "c", path)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if res.Status != "skipped" || res.Reason != "unchanged" {
		t.Errorf("expected skipped/unchanged, got %s/%s", res.Status, res.Reason)
	}
}

func TestIngestChangedContentReingestsSameDocument(t *testing.T) {
	e := newTestEngine(t, &fakeProvider{responses: []string{meetingExtraction}})
	ctx := context.Background()
	path := writeTestFile(t, "a.txt", "John Smith met Jane Doe on 2024-03-01 at Acme Corp.")

	first, err := e.IngestFile(ctx, "c", path)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := os.WriteFile(path, []byte("Revised: Jane Doe now leads the Acme Corp inquiry."), 0o644); err != nil {
		t.Fatalf("rewriting file: %v", err)
	}

	second, err := e.IngestFile(ctx, "c", path)
	if err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	if second.Status != "success" {
		t.Fatalf("expected success, got %s (%s)", second.Status, second.Reason)
	}
	if second.DocumentID != first.DocumentID {
		t.Errorf("re-ingest must reuse the document row: got %d, want %d",
			second.DocumentID, first.DocumentID)
	}

	sum, err := e.Summary(ctx, "c")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Documents != 1 {
		t.Errorf("expected 1 document after re-ingest, got %d", sum.Documents)
	}

	chunks, err := e.Store().GetChunksByDocument(ctx, second.DocumentID)
	if err != nil {
		t.Fatalf("reading chunks: %v", err)
	}
	if len(chunks) != 1 || !strings.Contains(chunks[0].Content, "Revised") {
		t.Errorf("chunks not replaced on the same document: %+v", chunks)
	}
}

func TestIngestConcurrentSamePathRefused(t *testing.T) {
	provider := &fakeProvider{
		responses: []string{meetingExtraction},
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
	entered := provider.entered
	e := newTestEngine(t, provider)
	ctx := context.Background()
	path := writeTestFile(t, "a.txt", "John Smith met Jane Doe on 2024-03-01 at Acme Corp.")

	done := make(chan error, 1)
	go func() {
		_, err := e.IngestFile(ctx, "c", path)
		done <- err
	}()
	<-entered

	_, err := e.IngestFile(ctx, "c", path)
	if !errors.Is(err, ErrIngestInProgress) {
		t.Errorf("expected ErrIngestInProgress, got %v", err)
	}

	close(provider.release)
	if err := <-done; err != nil {
		t.Fatalf("first ingest: %v", err)
	}
}

func TestIngestRecordsCostLedger(t *testing.T) {
	e := newTestEngine(t, &fakeProvider{responses: []string{meetingExtraction}})
	ctx := context.Background()
	path := writeTestFile(t, "a.txt", "John Smith met Jane Doe on 2024-03-01 at Acme Corp.")

	if _, err := e.IngestFile(ctx, "c", path); err != nil {
		t.Fatalf("ingesting: %v", err)
	}

	records, err := e.Store().ListCostRecords(ctx, "c")
	if err != nil {
		t.Fatalf("listing cost records: %v", err)
	}
	var extraction, embedding int
	for _, r := range records {
		if r.JobType != cost.JobIngestion {
			t.Errorf("unexpected job type %s", r.JobType)
		}
		if strings.Contains(r.Description, "extraction") {
			extraction++
			if r.TotalTokens == nil || *r.TotalTokens != 150 {
				t.Errorf("extraction record should carry reported tokens")
			}
		}
		if r.Description == "chunk embedding" {
			embedding++
			if r.TotalTokens != nil {
				t.Errorf("embedding usage is unreported, tokens must be null")
			}
		}
	}
	if extraction != 1 {
		t.Errorf("expected 1 extraction cost record, got %d", extraction)
	}
	if embedding != 1 {
		t.Errorf("expected 1 embedding cost record, got %d", embedding)
	}
}

func TestIngestLedgerCapturesReportedEmbeddingUsage(t *testing.T) {
	e := newTestEngine(t, &fakeProvider{
		responses:  []string{meetingExtraction},
		embedUsage: llm.Usage{PromptTokens: 12, TotalTokens: 12, Reported: true},
	})
	ctx := context.Background()
	path := writeTestFile(t, "a.txt", "John Smith met Jane Doe on 2024-03-01 at Acme Corp.")

	if _, err := e.IngestFile(ctx, "c", path); err != nil {
		t.Fatalf("ingesting: %v", err)
	}

	records, err := e.Store().ListCostRecords(ctx, "c")
	if err != nil {
		t.Fatalf("listing cost records: %v", err)
	}
	var found bool
	for _, r := range records {
		if r.Description != "chunk embedding" {
			continue
		}
		found = true
		if r.TotalTokens == nil || *r.TotalTokens != 12 {
			t.Errorf("reported embedding usage must reach the ledger: %+v", r)
		}
	}
	if !found {
		t.Fatal("no embedding cost record written")
	}
}

func TestTruncateForEmbed(t *testing.T) {
	if got := truncateForEmbed("short text"); got != "short text" {
		t.Errorf("short text must pass through, got %q", got)
	}

	long := strings.Repeat("word ", maxEmbedChars/5+10)
	got := truncateForEmbed(long)
	if len(got) > maxEmbedChars {
		t.Errorf("truncated text too long: %d bytes", len(got))
	}
	if strings.HasSuffix(got, " ") || !strings.HasSuffix(got, "word") {
		t.Errorf("expected a word-boundary cut, got tail %q", got[len(got)-8:])
	}

	// No spaces at all, with the byte limit landing mid-rune: the cut must
	// back off to a rune boundary.
	runs := "a" + strings.Repeat("€", maxEmbedChars)
	got = truncateForEmbed(runs)
	if len(got) > maxEmbedChars {
		t.Errorf("truncated text too long: %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Error("truncation split a multi-byte rune")
	}
}

// ---------------------------------------------------------------------------
// Merge decisions
// ---------------------------------------------------------------------------

func seedNearDuplicates(t *testing.T, e *engine) {
	t.Helper()
	ctx := context.Background()
	for _, ent := range []store.Entity{
		{CaseID: "c", Name: "John Smith", EntityType: "person"},
		{CaseID: "c", Name: "Jon Smith", EntityType: "person"},
	} {
		if _, _, err := e.Store().UpsertEntity(ctx, ent); err != nil {
			t.Fatalf("seeding entity: %v", err)
		}
	}
}

func TestRejectedPairNeverResurfaces(t *testing.T) {
	e := newTestEngine(t, &fakeProvider{})
	ctx := context.Background()
	seedNearDuplicates(t, e)

	// Generic's 0.82 threshold is tighter than the Jon/John similarity;
	// resolution sensitivity is a profile decision, so tune it there.
	dir := t.TempDir()
	lenient := `{"name": "generic", "resolution": {"similarity_threshold": 0.5}}`
	if err := os.WriteFile(filepath.Join(dir, "generic.json"), []byte(lenient), 0o644); err != nil {
		t.Fatalf("writing profile: %v", err)
	}
	e.cfg.ProfileDir = dir

	candidates, err := e.SuggestMerges(ctx, "c", "generic")
	if err != nil {
		t.Fatalf("suggesting: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}

	if err := e.RejectMerge(ctx, "c", candidates[0].Key1, candidates[0].Key2, "user-1"); err != nil {
		t.Fatalf("rejecting: %v", err)
	}
	// Rejecting again, in swapped order, is a no-op.
	if err := e.RejectMerge(ctx, "c", candidates[0].Key2, candidates[0].Key1, "user-2"); err != nil {
		t.Fatalf("duplicate reject must not error: %v", err)
	}

	candidates, err = e.SuggestMerges(ctx, "c", "generic")
	if err != nil {
		t.Fatalf("suggesting after reject: %v", err)
	}
	if len(candidates) != 0 {
		t.Errorf("rejected pair resurfaced: %v", candidates)
	}
}

func TestAcceptMergeCombinesEntities(t *testing.T) {
	e := newTestEngine(t, &fakeProvider{})
	ctx := context.Background()
	seedNearDuplicates(t, e)

	if err := e.AcceptMerge(ctx, "c", "john smith|person", "jon smith|person"); err != nil {
		t.Fatalf("accepting merge: %v", err)
	}
	sum, err := e.Summary(ctx, "c")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Entities != 1 {
		t.Errorf("expected 1 entity after merge, got %d", sum.Entities)
	}
}

func TestAcceptMergeUnknownEntity(t *testing.T) {
	e := newTestEngine(t, &fakeProvider{})

	err := e.AcceptMerge(context.Background(), "c", "nobody|person", "also nobody|person")
	if !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("expected ErrEntityNotFound, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Profiles
// ---------------------------------------------------------------------------

func TestLoadProfileUnknownFallsBackToGeneric(t *testing.T) {
	p := LoadProfile("no-such-profile", "")
	if p.Name != GenericProfile {
		t.Errorf("expected generic fallback, got %q", p.Name)
	}
	if len(p.Ingestion.EntityTypes) == 0 {
		t.Error("generic profile must define entity types")
	}
}

func TestLoadProfileFraud(t *testing.T) {
	p := LoadProfile("fraud", "")
	if p.Name != "fraud" {
		t.Fatalf("expected fraud profile, got %q", p.Name)
	}
	if p.Resolution.SimilarityThreshold <= 0 {
		t.Error("similarity threshold must be set")
	}
}

func TestLoadProfileDirOverride(t *testing.T) {
	dir := t.TempDir()
	custom := `{"name": "generic", "ingestion": {"chunk_size": 321, "entity_types": ["Widget"]}}`
	if err := os.WriteFile(filepath.Join(dir, "generic.json"), []byte(custom), 0o644); err != nil {
		t.Fatalf("writing profile: %v", err)
	}

	p := LoadProfile("generic", dir)
	if p.Ingestion.ChunkSize != 321 {
		t.Errorf("override not applied, chunk size %d", p.Ingestion.ChunkSize)
	}
}
