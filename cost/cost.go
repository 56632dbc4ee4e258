// Package cost records every provider call in the append-only cost ledger
// and prices token usage for the models that bill per token.
package cost

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/casegraph-dev/casegraph/llm"
	"github.com/casegraph-dev/casegraph/store"
)

// Job types recorded in the ledger.
const (
	JobIngestion = "ingestion"
	JobAssistant = "ai_assistant"
)

// modelPrice holds USD per 1M tokens.
type modelPrice struct {
	Prompt     float64
	Completion float64
}

// pricing maps provider/model to per-token pricing. Local providers are
// free; unknown paid models record zero cost with the tokens still logged,
// so the ledger stays complete even when the price list lags.
var pricing = map[string]map[string]modelPrice{
	"openai": {
		"gpt-4o":                 {Prompt: 2.50, Completion: 10.00},
		"gpt-4o-mini":            {Prompt: 0.15, Completion: 0.60},
		"gpt-4.1":                {Prompt: 2.00, Completion: 8.00},
		"gpt-4.1-mini":           {Prompt: 0.40, Completion: 1.60},
		"text-embedding-3-small": {Prompt: 0.02},
		"text-embedding-3-large": {Prompt: 0.13},
	},
}

// Entry describes one provider call to be recorded.
type Entry struct {
	JobType     string
	Provider    string
	Model       string
	Usage       llm.Usage
	CaseID      string
	UserID      string
	Description string
}

// Tracker appends cost records to the store. Records are write-only from
// the tracker's perspective; reporting reads go straight to the store.
type Tracker struct {
	store *store.Store
}

// New creates a cost tracker backed by the given store.
func New(s *store.Store) *Tracker {
	return &Tracker{store: s}
}

// Record prices the entry and appends it to the ledger. Unreported usage is
// stored as null token counts, never zero. A ledger write failure is logged
// and returned but callers treat it as non-fatal: losing a cost row must not
// fail the pipeline work it accounts for.
func (t *Tracker) Record(ctx context.Context, e Entry) error {
	rec := store.CostRecord{
		ID:          uuid.NewString(),
		JobType:     e.JobType,
		Provider:    e.Provider,
		Model:       e.Model,
		CaseID:      e.CaseID,
		UserID:      e.UserID,
		Description: e.Description,
	}
	if e.Usage.Reported {
		prompt, completion, total := e.Usage.PromptTokens, e.Usage.CompletionTokens, e.Usage.TotalTokens
		rec.PromptTokens = &prompt
		rec.CompletionTokens = &completion
		rec.TotalTokens = &total
		rec.CostUSD = Price(e.Provider, e.Model, e.Usage)
	}

	if err := t.store.InsertCostRecord(ctx, rec); err != nil {
		slog.Warn("cost: recording ledger entry failed",
			"job_type", e.JobType,
			"provider", e.Provider,
			"model", e.Model,
			"error", err,
		)
		return err
	}
	return nil
}

// Price computes the USD cost of the reported usage, zero for local and
// unknown models.
func Price(provider, model string, usage llm.Usage) float64 {
	models, ok := pricing[strings.ToLower(provider)]
	if !ok {
		return 0
	}
	p, ok := models[strings.ToLower(model)]
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)*p.Prompt/1e6 +
		float64(usage.CompletionTokens)*p.Completion/1e6
}
