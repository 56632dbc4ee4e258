package casegraph

import "errors"

var (
	// ErrMissingCaseID is returned when an operation requires a case ID and
	// none was supplied. This is a pre-flight failure: nothing is attempted.
	ErrMissingCaseID = errors.New("casegraph: case id is required")

	// ErrIngestInProgress is returned when a second ingestion of the same
	// file into the same case is requested while one is already running.
	ErrIngestInProgress = errors.New("casegraph: ingestion already in progress for this file")

	// ErrExtractionFailed is returned when LLM extraction fails for every
	// chunk of a document.
	ErrExtractionFailed = errors.New("casegraph: extraction failed")

	// ErrEmbeddingFailed is returned when embedding generation fails for
	// every chunk of a document.
	ErrEmbeddingFailed = errors.New("casegraph: embedding generation failed")

	// ErrEmbeddingDimMismatch is returned when the configured embedding
	// provider produces vectors of a different dimension than the existing
	// index. Recovery requires an explicit full reindex; there is no silent
	// migration.
	ErrEmbeddingDimMismatch = errors.New("casegraph: embedding dimension does not match index")

	// ErrEntityNotFound is returned when a merge decision references an
	// entity key that does not exist in the case.
	ErrEntityNotFound = errors.New("casegraph: entity not found")
)
