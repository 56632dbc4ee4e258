package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/casegraph-dev/casegraph/cost"
	"github.com/casegraph-dev/casegraph/llm"
	"github.com/casegraph-dev/casegraph/store"
)

// defaultConcurrency bounds parallel chunk extraction when the caller does
// not configure a window.
const defaultConcurrency = 4

// perChunkTimeout caps how long a single chunk extraction can take.
const perChunkTimeout = 90 * time.Second

// Progress stages reported to the ingestion callback.
const (
	StageExtractionStarted  = "extraction_started"
	StageChunkProcessed     = "chunk_processed"
	StageExtractionFinished = "extraction_finished"
)

// ProgressEvent is an observational checkpoint during extraction. Callbacks
// are invoked synchronously and carry no control-flow meaning: a callback
// cannot abort or alter the pipeline.
type ProgressEvent struct {
	Stage      string `json:"stage"`
	File       string `json:"file"`
	ChunkIndex int    `json:"chunk_index"`
	ChunkTotal int    `json:"chunk_total"`
}

// ProgressFunc receives progress events. Events are delivered one at a
// time, never concurrently, so the callback needs no synchronization of
// its own. Nil is a valid no-op callback.
type ProgressFunc func(ProgressEvent)

// Builder is the extraction orchestrator: one LLM call per chunk under a
// bounded concurrency window, committing each chunk's result through the
// graph writer as it arrives.
type Builder struct {
	store       *store.Store
	chat        llm.Provider
	writer      *Writer
	costs       *cost.Tracker
	concurrency int
}

// NewBuilder creates an extraction orchestrator.
func NewBuilder(s *store.Store, chat llm.Provider, costs *cost.Tracker, concurrency int) *Builder {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Builder{
		store:       s,
		chat:        chat,
		writer:      NewWriter(s),
		costs:       costs,
		concurrency: concurrency,
	}
}

// Build runs extraction over a document's chunks and commits results to the
// case graph. Cancellation is cooperative and checked before dispatching
// each chunk: an in-flight LLM call is not preempted and chunks already
// committed stand (no rollback). A malformed LLM response or a failed chunk
// is chunk-scoped; Build fails only when every chunk fails.
func (b *Builder) Build(ctx context.Context, caseID, file string, chunks []store.Chunk, spec PromptSpec, progress ProgressFunc) (*WriteOutcome, error) {
	if len(chunks) == 0 {
		return &WriteOutcome{}, nil
	}

	emit(progress, ProgressEvent{Stage: StageExtractionStarted, File: file, ChunkTotal: len(chunks)})

	slog.Info("graph: extracting chunks",
		"case_id", caseID, "file", file,
		"chunks", len(chunks), "concurrency", b.concurrency)

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		sem        = make(chan struct{}, b.concurrency)
		outcome    = &WriteOutcome{}
		failed     int
		completed  int
		dispatched int
		start      = time.Now()
	)

	for i := range chunks {
		// Cooperative cancellation between chunks only.
		if ctx.Err() != nil {
			slog.Info("graph: extraction cancelled",
				"case_id", caseID, "file", file,
				"dispatched", dispatched, "total", len(chunks))
			break
		}
		dispatched++

		wg.Add(1)
		go func(chunk store.Chunk, index int) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			chunkCtx, cancel := context.WithTimeout(ctx, perChunkTimeout)
			defer cancel()

			chunkOutcome, err := b.processChunk(chunkCtx, caseID, chunk, spec)

			mu.Lock()
			completed++
			n := completed
			if err != nil {
				failed++
			} else if chunkOutcome != nil {
				outcome.Add(chunkOutcome)
			}
			// Emitted under the lock so callbacks never run concurrently.
			emit(progress, ProgressEvent{
				Stage: StageChunkProcessed, File: file,
				ChunkIndex: index, ChunkTotal: len(chunks),
			})
			mu.Unlock()

			if err != nil {
				slog.Warn("graph: chunk extraction failed",
					"case_id", caseID, "chunk_ord", chunk.Ord, "error", err)
			} else {
				slog.Debug("graph: chunk processed",
					"progress", fmt.Sprintf("%d/%d", n, len(chunks)),
					"chunk_ord", chunk.Ord,
					"elapsed", time.Since(start).Round(time.Millisecond))
			}

		}(chunks[i], i)
	}

	wg.Wait()

	emit(progress, ProgressEvent{Stage: StageExtractionFinished, File: file, ChunkTotal: len(chunks)})

	if dispatched > 0 && failed == dispatched {
		return outcome, fmt.Errorf("extraction failed for all %d chunks", dispatched)
	}
	if failed > 0 {
		slog.Warn("graph: extraction completed with failures",
			"case_id", caseID, "file", file,
			"succeeded", dispatched-failed, "failed", failed)
	}
	return outcome, ctx.Err()
}

// processChunk performs the single extraction LLM call for one chunk,
// records its cost, and commits the parsed result. Transient provider
// failures are retried inside the llm client; what surfaces here is final.
func (b *Builder) processChunk(ctx context.Context, caseID string, chunk store.Chunk, spec PromptSpec) (*WriteOutcome, error) {
	resp, err := b.chat.Generate(ctx, llm.GenerateRequest{
		Prompt:      spec.RenderPrompt(chunk.Content),
		Temperature: 0.0,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction call: %w", err)
	}

	if b.costs != nil {
		b.costs.Record(ctx, cost.Entry{
			JobType:     cost.JobIngestion,
			Provider:    b.chat.Name(),
			Model:       resp.Model,
			Usage:       resp.Usage,
			CaseID:      caseID,
			Description: fmt.Sprintf("chunk %d extraction", chunk.Ord),
		})
	}

	result, err := parseExtraction(resp.Text)
	if err != nil {
		// Chunk-scoped: a malformed response loses this chunk's mentions,
		// never the document.
		slog.Warn("graph: malformed extraction response, skipping chunk",
			"case_id", caseID, "chunk_ord", chunk.Ord, "error", err)
		return &WriteOutcome{}, nil
	}

	return b.writer.Write(ctx, caseID, *result)
}

func emit(progress ProgressFunc, ev ProgressEvent) {
	if progress != nil {
		progress(ev)
	}
}
