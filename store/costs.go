package store

import (
	"context"
	"database/sql"
)

// CostRecord is one append-only row in the provider cost ledger. Token
// pointers are nil when the provider did not report usage; zero would be
// indistinguishable from a genuinely free call.
type CostRecord struct {
	ID               string  `json:"id"`
	JobType          string  `json:"job_type"` // ingestion, ai_assistant
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     *int    `json:"prompt_tokens,omitempty"`
	CompletionTokens *int    `json:"completion_tokens,omitempty"`
	TotalTokens      *int    `json:"total_tokens,omitempty"`
	CostUSD          float64 `json:"cost_usd"`
	CaseID           string  `json:"case_id,omitempty"`
	UserID           string  `json:"user_id,omitempty"`
	Description      string  `json:"description,omitempty"`
	CreatedAt        string  `json:"created_at"`
}

// InsertCostRecord appends one row to the cost ledger. Records are never
// updated or deleted.
func (s *Store) InsertCostRecord(ctx context.Context, r CostRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cost_records (id, job_type, provider, model,
			prompt_tokens, completion_tokens, total_tokens,
			cost_usd, case_id, user_id, description)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.JobType, r.Provider, r.Model,
		nullableInt(r.PromptTokens), nullableInt(r.CompletionTokens), nullableInt(r.TotalTokens),
		r.CostUSD, nullIfEmpty(r.CaseID), nullIfEmpty(r.UserID), r.Description)
	return err
}

// ListCostRecords returns the case's cost records, newest first.
func (s *Store) ListCostRecords(ctx context.Context, caseID string) ([]CostRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_type, provider, model,
			prompt_tokens, completion_tokens, total_tokens,
			cost_usd, case_id, user_id, description, created_at
		FROM cost_records WHERE case_id = ? ORDER BY created_at DESC, id
	`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []CostRecord
	for rows.Next() {
		var r CostRecord
		var prompt, completion, total sql.NullInt64
		var caseID, userID sql.NullString
		if err := rows.Scan(&r.ID, &r.JobType, &r.Provider, &r.Model,
			&prompt, &completion, &total,
			&r.CostUSD, &caseID, &userID, &r.Description, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.PromptTokens = intPtr(prompt)
		r.CompletionTokens = intPtr(completion)
		r.TotalTokens = intPtr(total)
		r.CaseID = caseID.String
		r.UserID = userID.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// TotalCost returns the summed USD cost for a case, optionally filtered by
// job type (empty jobType sums everything).
func (s *Store) TotalCost(ctx context.Context, caseID, jobType string) (float64, error) {
	var total float64
	var err error
	if jobType == "" {
		err = s.db.QueryRowContext(ctx,
			"SELECT COALESCE(SUM(cost_usd), 0) FROM cost_records WHERE case_id = ?",
			caseID).Scan(&total)
	} else {
		err = s.db.QueryRowContext(ctx,
			"SELECT COALESCE(SUM(cost_usd), 0) FROM cost_records WHERE case_id = ? AND job_type = ?",
			caseID, jobType).Scan(&total)
	}
	return total, err
}

func nullableInt(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
