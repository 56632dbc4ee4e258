// Package casegraph ingests investigation-case documents into a property
// graph of entities and relationships backed by SQLite, with durable
// rejection memory for duplicate-merge suggestions, an append-only cost
// ledger, and a derived case timeline.
package casegraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/casegraph-dev/casegraph/assistant"
	"github.com/casegraph-dev/casegraph/chunker"
	"github.com/casegraph-dev/casegraph/cost"
	"github.com/casegraph-dev/casegraph/extractor"
	"github.com/casegraph-dev/casegraph/graph"
	"github.com/casegraph-dev/casegraph/llm"
	"github.com/casegraph-dev/casegraph/retrieval"
	"github.com/casegraph-dev/casegraph/store"
)

// Engine is the main entry point for the case graph pipeline.
type Engine interface {
	// IngestFile extracts, chunks, embeds, and graph-builds one document for
	// a case. It always returns the per-file result contract for contained
	// failure modes; only pre-flight and fatal conditions return an error.
	IngestFile(ctx context.Context, caseID, path string, opts ...IngestOption) (*IngestResult, error)

	// SuggestMerges returns fuzzy duplicate-entity candidates for the case,
	// strongest first, with previously rejected pairs excluded.
	SuggestMerges(ctx context.Context, caseID, profileName string) ([]graph.MergeCandidate, error)

	// AcceptMerge merges fromKey into intoKey: properties are unioned,
	// relationships repointed, the absorbed entity deleted.
	AcceptMerge(ctx context.Context, caseID, intoKey, fromKey string) error

	// RejectMerge durably records the pair as a non-duplicate so it is never
	// suggested again for this case. Rejecting twice is a no-op.
	RejectMerge(ctx context.Context, caseID, key1, key2, rejectedBy string) error

	// Timeline derives chronologically ordered events from date-bearing
	// entity and relationship properties in the case graph.
	Timeline(ctx context.Context, caseID string, filter store.TimelineFilter) ([]store.TimelineEvent, error)

	// Ask answers a question about the case from retrieved chunks and graph
	// context, appending one ai_assistant cost record.
	Ask(ctx context.Context, caseID, question, profileName string) (*assistant.Answer, error)

	// Summary returns entity/relationship/document counts for the case.
	Summary(ctx context.Context, caseID string) (*store.CaseSummary, error)

	// ListDocuments returns all documents ingested into the case.
	ListDocuments(ctx context.Context, caseID string) ([]store.Document, error)

	// Reindex drops and recreates the vector index for a new embedding
	// dimension. Existing documents must be re-ingested afterwards.
	Reindex(ctx context.Context, dim int) error

	// Store returns the underlying store for diagnostic access.
	Store() *store.Store

	// Close cleanly shuts down the engine.
	Close() error
}

// IngestResult is the stable per-file ingestion result contract.
type IngestResult struct {
	JobID                string                 `json:"job_id"`
	Status               string                 `json:"status"` // success|skipped|error
	Reason               string                 `json:"reason,omitempty"`
	File                 string                 `json:"file"`
	DocumentID           int64                  `json:"document_id,omitempty"`
	Chunks               int                    `json:"chunks,omitempty"`
	EntitiesCreated      int                    `json:"entities_created,omitempty"`
	EntitiesMerged       int                    `json:"entities_merged,omitempty"`
	RelationshipsCreated int                    `json:"relationships_created,omitempty"`
	RelationshipsSkipped int                    `json:"relationships_skipped,omitempty"`
	MergeCandidates      []graph.MergeCandidate `json:"merge_candidates,omitempty"`
}

// IngestOption configures ingestion behavior.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	profileName   string
	forceReingest bool
	progress      graph.ProgressFunc
}

// WithProfile selects the named profile for this ingestion. An unknown name
// falls back to the generic profile.
func WithProfile(name string) IngestOption {
	return func(o *ingestOptions) { o.profileName = name }
}

// WithForceReingest re-processes the file even if its content hash is
// unchanged.
func WithForceReingest() IngestOption {
	return func(o *ingestOptions) { o.forceReingest = true }
}

// WithProgress attaches a synchronous, observe-only progress callback. It
// cannot abort or alter the pipeline.
func WithProgress(fn graph.ProgressFunc) IngestOption {
	return func(o *ingestOptions) { o.progress = fn }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg        Config
	store      *store.Store
	chatLLM    llm.Provider
	embedLLM   llm.Provider
	extractors *extractor.Registry
	costs      *cost.Tracker
	builder    *graph.Builder
	retriever  *retrieval.Retriever
	assist     *assistant.Assistant

	// inFlight guards against concurrent ingestion of the same file into the
	// same case, which would double-create entities.
	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates a casegraph engine with the given configuration.
func New(cfg Config) (Engine, error) {
	dbPath := cfg.resolveDBPath()

	if cfg.EmbeddingDim == 0 {
		cfg.EmbeddingDim = 768
	}

	s, err := store.New(dbPath, cfg.EmbeddingDim)
	if err != nil {
		if errors.Is(err, store.ErrDimMismatch) {
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingDimMismatch, err)
		}
		return nil, fmt.Errorf("opening store: %w", err)
	}

	chatLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Chat.Provider,
		Model:    cfg.Chat.Model,
		BaseURL:  cfg.Chat.BaseURL,
		APIKey:   cfg.Chat.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}

	embedLLM, err := llm.NewProvider(llm.Config{
		Provider: cfg.Embedding.Provider,
		Model:    cfg.Embedding.Model,
		BaseURL:  cfg.Embedding.BaseURL,
		APIKey:   cfg.Embedding.APIKey,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("creating embedding provider: %w", err)
	}

	return newEngine(cfg, s, chatLLM, embedLLM), nil
}

// newEngine wires the pipeline from already-constructed collaborators.
// Split out so tests can substitute provider doubles.
func newEngine(cfg Config, s *store.Store, chatLLM, embedLLM llm.Provider) *engine {
	costs := cost.New(s)
	retriever := retrieval.New(s, embedLLM)
	return &engine{
		cfg:        cfg,
		store:      s,
		chatLLM:    chatLLM,
		embedLLM:   embedLLM,
		extractors: extractor.NewRegistry(),
		costs:      costs,
		builder:    graph.NewBuilder(s, chatLLM, costs, cfg.ExtractionConcurrency),
		retriever:  retriever,
		assist:     assistant.New(s, chatLLM, retriever, costs),
		inFlight:   make(map[string]bool),
	}
}

// IngestFile runs the full pipeline for one file. Extraction, chunk-level
// LLM failures, and missing relationship endpoints are contained per the
// result contract; only pre-flight errors and fatal index conditions abort.
func (e *engine) IngestFile(ctx context.Context, caseID, path string, opts ...IngestOption) (*IngestResult, error) {
	// Pre-flight: nothing is attempted without a case.
	if strings.TrimSpace(caseID) == "" {
		return nil, ErrMissingCaseID
	}

	options := &ingestOptions{}
	for _, o := range opts {
		o(options)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	filename := filepath.Base(absPath)

	if !e.acquire(caseID, absPath) {
		return nil, fmt.Errorf("%w: %s", ErrIngestInProgress, filename)
	}
	defer e.release(caseID, absPath)

	jobID := uuid.NewString()
	result := &IngestResult{JobID: jobID, File: filename}

	content, err := os.ReadFile(absPath)
	if err != nil {
		result.Status = extractor.StatusError
		result.Reason = err.Error()
		return result, nil
	}
	hash := store.HashContent(string(content))

	if !options.forceReingest {
		if existing, err := e.store.GetDocumentByPath(ctx, caseID, absPath); err == nil &&
			existing.ContentHash == hash && existing.Status == extractor.StatusSuccess {
			slog.Info("ingest: content unchanged, skipping",
				"job_id", jobID, "case_id", caseID, "file", filename)
			result.Status = extractor.StatusSkipped
			result.Reason = "unchanged"
			result.DocumentID = existing.ID
			return result, nil
		}
	}

	profile := LoadProfile(options.profileName, e.cfg.ProfileDir)
	start := time.Now()
	slog.Info("ingest: extracting document",
		"job_id", jobID, "case_id", caseID, "file", filename, "profile", profile.Name)

	outcome := e.extractors.Extract(ctx, absPath)

	docID, err := e.store.UpsertDocument(ctx, store.Document{
		CaseID:         caseID,
		Path:           absPath,
		Filename:       filename,
		SourceType:     extractor.SourceType(absPath),
		Status:         outcome.Status,
		Reason:         outcome.Reason,
		MetaPages:      outcome.Meta.PageCount,
		MetaParagraphs: outcome.Meta.ParagraphCount,
		ContentHash:    hash,
	})
	if err != nil {
		return nil, fmt.Errorf("upserting document: %w", err)
	}
	result.DocumentID = docID
	result.Status = outcome.Status
	result.Reason = outcome.Reason

	if outcome.Status != extractor.StatusSuccess {
		slog.Info("ingest: document not processed",
			"job_id", jobID, "case_id", caseID, "file", filename,
			"status", outcome.Status, "reason", outcome.Reason)
		return result, nil
	}

	chunks := chunker.New(chunker.Config{
		Size:    profile.Ingestion.ChunkSize,
		Overlap: profile.Ingestion.ChunkOverlap,
	}).Split(outcome.Text)
	result.Chunks = len(chunks)

	if len(chunks) == 0 {
		e.finishDocument(ctx, docID, extractor.StatusSkipped, extractor.ReasonEmpty)
		result.Status = extractor.StatusSkipped
		result.Reason = extractor.ReasonEmpty
		return result, nil
	}

	// Re-ingest replaces chunks and embeddings; the document record stays.
	if err := e.store.DeleteDocumentData(ctx, docID); err != nil {
		return nil, fmt.Errorf("cleaning old data: %w", err)
	}

	storeChunks := make([]store.Chunk, len(chunks))
	for i, c := range chunks {
		storeChunks[i] = store.Chunk{
			DocumentID:  docID,
			Ord:         c.Index,
			Content:     c.Text,
			StartOffset: c.Start,
			EndOffset:   c.End,
		}
	}
	chunkIDs, err := e.store.InsertChunks(ctx, storeChunks)
	if err != nil {
		e.finishDocument(ctx, docID, extractor.StatusError, "storing chunks")
		return nil, fmt.Errorf("inserting chunks: %w", err)
	}
	for i := range storeChunks {
		storeChunks[i].ID = chunkIDs[i]
	}

	slog.Info("ingest: indexing embeddings",
		"job_id", jobID, "case_id", caseID, "file", filename, "chunks", len(chunks))
	if err := e.embedChunks(ctx, caseID, storeChunks); err != nil {
		e.finishDocument(ctx, docID, extractor.StatusError, "embedding")
		if errors.Is(err, store.ErrDimMismatch) {
			return nil, fmt.Errorf("%w: %v", ErrEmbeddingDimMismatch, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	spec := graph.PromptSpec{
		EntityTypes:       profile.Ingestion.EntityTypes,
		RelationshipTypes: profile.Ingestion.RelationshipTypes,
		Template:          profile.Ingestion.PromptTemplate,
	}
	written, err := e.builder.Build(ctx, caseID, filename, storeChunks, spec, options.progress)
	if written != nil {
		result.EntitiesCreated = written.EntitiesCreated
		result.EntitiesMerged = written.EntitiesMerged
		result.RelationshipsCreated = written.RelationshipsCreated
		result.RelationshipsSkipped = written.RelationshipsSkipped
	}
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled: committed chunks stand, the document stays partial.
			e.finishDocument(ctx, docID, extractor.StatusError, "cancelled")
			result.Status = extractor.StatusError
			result.Reason = "cancelled"
			return result, err
		}
		e.finishDocument(ctx, docID, extractor.StatusError, "extraction failed")
		result.Status = extractor.StatusError
		result.Reason = "extraction failed"
		return result, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	// Duplicate suggestions are scoped to the entities this document touched.
	if written != nil && len(written.EntityKeys) > 0 {
		resolver := graph.NewResolver(e.store,
			profile.Resolution.SimilarityThreshold, profile.Resolution.MaxCandidates)
		candidates, rerr := resolver.SuggestMerges(ctx, caseID, written.EntityKeys)
		if rerr != nil {
			slog.Warn("ingest: merge suggestion failed",
				"job_id", jobID, "case_id", caseID, "error", rerr)
		} else {
			result.MergeCandidates = candidates
		}
	}

	e.finishDocument(ctx, docID, extractor.StatusSuccess, "")
	result.Status = extractor.StatusSuccess
	result.Reason = ""

	slog.Info("ingest: document ready",
		"job_id", jobID, "case_id", caseID, "file", filename,
		"chunks", len(chunks),
		"entities_created", result.EntitiesCreated,
		"relationships_created", result.RelationshipsCreated,
		"merge_candidates", len(result.MergeCandidates),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return result, nil
}

// SuggestMerges surfaces fuzzy duplicate candidates across the whole case.
func (e *engine) SuggestMerges(ctx context.Context, caseID, profileName string) ([]graph.MergeCandidate, error) {
	if strings.TrimSpace(caseID) == "" {
		return nil, ErrMissingCaseID
	}
	profile := LoadProfile(profileName, e.cfg.ProfileDir)
	resolver := graph.NewResolver(e.store,
		profile.Resolution.SimilarityThreshold, profile.Resolution.MaxCandidates)
	return resolver.SuggestMerges(ctx, caseID, nil)
}

// AcceptMerge merges fromKey into intoKey.
func (e *engine) AcceptMerge(ctx context.Context, caseID, intoKey, fromKey string) error {
	if strings.TrimSpace(caseID) == "" {
		return ErrMissingCaseID
	}
	if err := e.store.MergeEntities(ctx, caseID, intoKey, fromKey); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %v", ErrEntityNotFound, err)
		}
		return err
	}
	slog.Info("graph: entities merged", "case_id", caseID, "into", intoKey, "from", fromKey)
	return nil
}

// RejectMerge records the pair as a confirmed non-duplicate.
func (e *engine) RejectMerge(ctx context.Context, caseID, key1, key2, rejectedBy string) error {
	if strings.TrimSpace(caseID) == "" {
		return ErrMissingCaseID
	}
	return e.store.RejectMerge(ctx, caseID, key1, key2, rejectedBy)
}

// Timeline derives the case's chronological event view.
func (e *engine) Timeline(ctx context.Context, caseID string, filter store.TimelineFilter) ([]store.TimelineEvent, error) {
	if strings.TrimSpace(caseID) == "" {
		return nil, ErrMissingCaseID
	}
	return e.store.QueryTimeline(ctx, caseID, filter)
}

// Ask answers a case question using the named profile's chat configuration.
func (e *engine) Ask(ctx context.Context, caseID, question, profileName string) (*assistant.Answer, error) {
	if strings.TrimSpace(caseID) == "" {
		return nil, ErrMissingCaseID
	}
	profile := LoadProfile(profileName, e.cfg.ProfileDir)
	return e.assist.Ask(ctx, caseID, question, assistant.ChatSpec{
		SystemPrompt:     profile.Chat.SystemPrompt,
		MaxContextChunks: profile.Chat.MaxContextChunks,
	})
}

// Summary returns the case's graph counts.
func (e *engine) Summary(ctx context.Context, caseID string) (*store.CaseSummary, error) {
	if strings.TrimSpace(caseID) == "" {
		return nil, ErrMissingCaseID
	}
	return e.store.Summary(ctx, caseID)
}

// ListDocuments returns all documents ingested into the case.
func (e *engine) ListDocuments(ctx context.Context, caseID string) ([]store.Document, error) {
	if strings.TrimSpace(caseID) == "" {
		return nil, ErrMissingCaseID
	}
	return e.store.ListDocuments(ctx, caseID)
}

// Reindex rebuilds the vector index for a new embedding dimension.
func (e *engine) Reindex(ctx context.Context, dim int) error {
	return e.store.Reindex(ctx, dim)
}

// Store returns the underlying store for diagnostic access.
func (e *engine) Store() *store.Store {
	return e.store
}

// Close shuts down the engine.
func (e *engine) Close() error {
	return e.store.Close()
}

// acquire takes the per-file single-flight slot; false means an ingestion of
// this file into this case is already running.
func (e *engine) acquire(caseID, path string) bool {
	key := caseID + "\x00" + path
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[key] {
		return false
	}
	e.inFlight[key] = true
	return true
}

func (e *engine) release(caseID, path string) {
	e.mu.Lock()
	delete(e.inFlight, caseID+"\x00"+path)
	e.mu.Unlock()
}

// finishDocument records the terminal document status. The write must land
// even when the job's context was cancelled.
func (e *engine) finishDocument(ctx context.Context, docID int64, status, reason string) {
	if err := e.store.UpdateDocumentOutcome(context.WithoutCancel(ctx), docID, status, reason); err != nil {
		slog.Warn("ingest: updating document status failed",
			"doc_id", docID, "status", status, "error", err)
	}
}

// maxEmbedChars caps a single text sent to the embedding model. Most
// embedding models have an 8192-token window; ~24000 chars leaves headroom
// for tokenisers with lower char/token ratios.
const maxEmbedChars = 24000

// truncateForEmbed truncates text to at most maxEmbedChars bytes, cutting on
// a word boundary when one exists and on a rune boundary otherwise.
func truncateForEmbed(text string) string {
	if len(text) <= maxEmbedChars {
		return text
	}
	cut := strings.LastIndex(text[:maxEmbedChars], " ")
	if cut <= 0 {
		cut = maxEmbedChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
	}
	return text[:cut]
}

// embedChunks indexes chunk embeddings in batches. Each provider call is
// recorded in the cost ledger, with token counts when the provider reports
// usage on its embeddings endpoint and null counts otherwise. A batch
// failure falls back to per-text embedding so one oversized text does not
// lose the batch. A dimension mismatch is fatal and aborts immediately.
func (e *engine) embedChunks(ctx context.Context, caseID string, chunks []store.Chunk) error {
	const batchSize = 32
	var failed int

	record := func(resp *llm.EmbedResponse) {
		if e.costs == nil {
			return
		}
		entry := cost.Entry{
			JobType:     cost.JobIngestion,
			Provider:    e.embedLLM.Name(),
			Model:       e.embedLLM.ModelID(),
			CaseID:      caseID,
			Description: "chunk embedding",
		}
		if resp != nil {
			entry.Model = resp.Model
			entry.Usage = resp.Usage
		}
		e.costs.Record(ctx, entry)
	}

	for i := 0; i < len(chunks); i += batchSize {
		end := min(i+batchSize, len(chunks))

		texts := make([]string, end-i)
		for j := i; j < end; j++ {
			texts[j-i] = truncateForEmbed(chunks[j].Content)
		}

		resp, err := e.embedLLM.Embed(ctx, texts)
		record(resp)
		if err != nil {
			slog.Warn("ingest: embedding batch failed, falling back to individual",
				"batch_start", i, "batch_end", end, "error", err)
			for j, text := range texts {
				single, serr := e.embedLLM.Embed(ctx, []string{text})
				record(single)
				if serr != nil || single == nil || len(single.Vectors) == 0 || len(single.Vectors[0]) == 0 {
					slog.Warn("ingest: embedding single chunk failed",
						"chunk_id", chunks[i+j].ID, "error", serr)
					failed++
					continue
				}
				if serr := e.store.InsertEmbedding(ctx, chunks[i+j].ID, single.Vectors[0]); serr != nil {
					if errors.Is(serr, store.ErrDimMismatch) {
						return serr
					}
					slog.Warn("ingest: storing embedding failed",
						"chunk_id", chunks[i+j].ID, "error", serr)
					failed++
				}
			}
			continue
		}

		for j, emb := range resp.Vectors {
			if err := e.store.InsertEmbedding(ctx, chunks[i+j].ID, emb); err != nil {
				if errors.Is(err, store.ErrDimMismatch) {
					return err
				}
				slog.Warn("ingest: storing embedding failed",
					"chunk_id", chunks[i+j].ID, "error", err)
				failed++
			}
		}
	}

	if failed == len(chunks) {
		return fmt.Errorf("all %d chunks failed embedding", len(chunks))
	}
	if failed > 0 {
		slog.Warn("ingest: some embeddings failed", "failed", failed, "total", len(chunks))
	}
	return nil
}
