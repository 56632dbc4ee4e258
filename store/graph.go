package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// Entity represents a row in the entities table. Key identity is the
// normalized (name, type) pair, unique within a case.
type Entity struct {
	ID         int64             `json:"id"`
	CaseID     string            `json:"case_id"`
	Key        string            `json:"entity_key"`
	Name       string            `json:"name"`
	EntityType string            `json:"entity_type"`
	Summary    string            `json:"summary"`
	Properties map[string]string `json:"properties"`
}

// Relationship represents a row in the relationships table. Endpoints are
// entity keys, which must exist in the same case at write time.
type Relationship struct {
	ID         int64             `json:"id"`
	CaseID     string            `json:"case_id"`
	SourceKey  string            `json:"source_key"`
	TargetKey  string            `json:"target_key"`
	RelType    string            `json:"rel_type"`
	Properties map[string]string `json:"properties"`
}

// RejectedPair is a rejection-memory row: a candidate pair the user declined
// to merge, with keys sorted so the pair is order-independent.
type RejectedPair struct {
	CaseID     string `json:"case_id"`
	Key1       string `json:"entity_key_1"`
	Key2       string `json:"entity_key_2"`
	RejectedBy string `json:"rejected_by"`
	CreatedAt  string `json:"created_at"`
}

// EntityKey derives the normalized identity key for an entity. The same
// mention spelled with different casing or padding always maps to one key.
func EntityKey(name, entityType string) string {
	return strings.ToLower(strings.TrimSpace(name)) + "|" + strings.ToLower(strings.TrimSpace(entityType))
}

// NormalizePair returns the two keys in lexicographic order. Rejection rows
// are always stored normalized so (a,b) and (b,a) are the same pair.
func NormalizePair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// UpsertEntity creates the entity on first mention or merges into the
// existing row keyed by (case_id, entity_key): property maps are unioned
// with incoming values winning per key, and a non-empty incoming summary
// replaces the stored one. Returns the entity ID and whether a new row was
// created. Safe under concurrent writers: the read-merge-write runs in one
// transaction.
func (s *Store) UpsertEntity(ctx context.Context, e Entity) (int64, bool, error) {
	if e.Key == "" {
		e.Key = EntityKey(e.Name, e.EntityType)
	}

	var id int64
	var created bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var existingID int64
		var existingSummary, existingProps string
		err := tx.QueryRowContext(ctx,
			"SELECT id, summary, properties FROM entities WHERE case_id = ? AND entity_key = ?",
			e.CaseID, e.Key).Scan(&existingID, &existingSummary, &existingProps)
		switch {
		case err == sql.ErrNoRows:
			res, err := tx.ExecContext(ctx, `
				INSERT INTO entities (case_id, entity_key, name, entity_type, summary, properties)
				VALUES (?, ?, ?, ?, ?, ?)
			`, e.CaseID, e.Key, e.Name, e.EntityType, e.Summary, marshalProps(e.Properties))
			if err != nil {
				return err
			}
			id, err = res.LastInsertId()
			created = true
			return err
		case err != nil:
			return err
		}

		merged, err := unionProps(existingProps, e.Properties)
		if err != nil {
			return err
		}
		summary := existingSummary
		if e.Summary != "" {
			summary = e.Summary
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE entities SET summary = ?, properties = ? WHERE id = ?",
			summary, merged, existingID)
		id = existingID
		return err
	})
	return id, created, err
}

// GetEntity retrieves one entity by case and key.
func (s *Store) GetEntity(ctx context.Context, caseID, key string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, case_id, entity_key, name, entity_type, summary, properties
		FROM entities WHERE case_id = ? AND entity_key = ?
	`, caseID, key)
	return scanEntity(row)
}

// EntitiesByCase returns every entity in a case, ordered by key for
// deterministic output.
func (s *Store) EntitiesByCase(ctx context.Context, caseID string) ([]Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, entity_key, name, entity_type, summary, properties
		FROM entities WHERE case_id = ? ORDER BY entity_key
	`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		var e Entity
		var props string
		if err := rows.Scan(&e.ID, &e.CaseID, &e.Key, &e.Name, &e.EntityType,
			&e.Summary, &props); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(props), &e.Properties); err != nil {
			return nil, fmt.Errorf("entity %s has invalid properties: %w", e.Key, err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// EntityKeysByName returns the keys of case entities whose normalized name
// matches, across all types. Used to resolve relationship endpoints the
// extractor named without a type.
func (s *Store) EntityKeysByName(ctx context.Context, caseID, name string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_key FROM entities
		WHERE case_id = ? AND LOWER(name) = LOWER(TRIM(?))
		ORDER BY entity_key
	`, caseID, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpsertRelationship creates or updates a relationship keyed by
// (case_id, source_key, target_key, rel_type). Both endpoints must already
// exist in the case; a missing endpoint fails with ErrMissingEndpoint naming
// the absent key, leaving the rest of the batch unaffected. Returns whether
// a new row was created.
func (s *Store) UpsertRelationship(ctx context.Context, r Relationship) (bool, error) {
	var created bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, key := range []string{r.SourceKey, r.TargetKey} {
			var n int
			if err := tx.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM entities WHERE case_id = ? AND entity_key = ?",
				r.CaseID, key).Scan(&n); err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: %s", ErrMissingEndpoint, key)
			}
		}

		var existingID int64
		var existingProps string
		err := tx.QueryRowContext(ctx, `
			SELECT id, properties FROM relationships
			WHERE case_id = ? AND source_key = ? AND target_key = ? AND rel_type = ?
		`, r.CaseID, r.SourceKey, r.TargetKey, r.RelType).Scan(&existingID, &existingProps)
		switch {
		case err == sql.ErrNoRows:
			_, err := tx.ExecContext(ctx, `
				INSERT INTO relationships (case_id, source_key, target_key, rel_type, properties)
				VALUES (?, ?, ?, ?, ?)
			`, r.CaseID, r.SourceKey, r.TargetKey, r.RelType, marshalProps(r.Properties))
			created = true
			return err
		case err != nil:
			return err
		}

		merged, err := unionProps(existingProps, r.Properties)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE relationships SET properties = ? WHERE id = ?", merged, existingID)
		return err
	})
	return created, err
}

// RelationshipsByCase returns every relationship in a case.
func (s *Store) RelationshipsByCase(ctx context.Context, caseID string) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, case_id, source_key, target_key, rel_type, properties
		FROM relationships WHERE case_id = ? ORDER BY source_key, target_key, rel_type
	`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rels []Relationship
	for rows.Next() {
		var r Relationship
		var props string
		if err := rows.Scan(&r.ID, &r.CaseID, &r.SourceKey, &r.TargetKey,
			&r.RelType, &props); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(props), &r.Properties); err != nil {
			return nil, fmt.Errorf("relationship %s->%s has invalid properties: %w",
				r.SourceKey, r.TargetKey, err)
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// MergeEntities merges the entity at fromKey into the one at intoKey:
// properties are unioned (the surviving entity's values win), the surviving
// summary is kept unless empty, relationships are repointed to intoKey, and
// the absorbed entity is deleted. Repointing a relationship that would
// duplicate an existing one drops the absorbed copy.
func (s *Store) MergeEntities(ctx context.Context, caseID, intoKey, fromKey string) error {
	if intoKey == fromKey {
		return fmt.Errorf("cannot merge an entity into itself: %s", intoKey)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var intoID, fromID int64
		var intoSummary, fromSummary, intoProps, fromProps string
		err := tx.QueryRowContext(ctx,
			"SELECT id, summary, properties FROM entities WHERE case_id = ? AND entity_key = ?",
			caseID, intoKey).Scan(&intoID, &intoSummary, &intoProps)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: entity %s", ErrNotFound, intoKey)
		}
		if err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx,
			"SELECT id, summary, properties FROM entities WHERE case_id = ? AND entity_key = ?",
			caseID, fromKey).Scan(&fromID, &fromSummary, &fromProps)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: entity %s", ErrNotFound, fromKey)
		}
		if err != nil {
			return err
		}

		// Union with the surviving entity winning per key: absorbed values
		// only fill gaps.
		var into map[string]string
		if err := json.Unmarshal([]byte(intoProps), &into); err != nil {
			return err
		}
		merged, err := unionProps(fromProps, into)
		if err != nil {
			return err
		}
		summary := intoSummary
		if summary == "" {
			summary = fromSummary
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE entities SET summary = ?, properties = ? WHERE id = ?",
			summary, merged, intoID); err != nil {
			return err
		}

		// Repoint relationships; OR IGNORE drops copies that collide with an
		// existing (source, target, type) row, which are then deleted.
		if _, err := tx.ExecContext(ctx, `
			UPDATE OR IGNORE relationships SET source_key = ?
			WHERE case_id = ? AND source_key = ?
		`, intoKey, caseID, fromKey); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE OR IGNORE relationships SET target_key = ?
			WHERE case_id = ? AND target_key = ?
		`, intoKey, caseID, fromKey); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM relationships
			WHERE case_id = ? AND (source_key = ? OR target_key = ?)
		`, caseID, fromKey, fromKey); err != nil {
			return err
		}

		// Drop self-loops produced by merging two connected entities.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM relationships
			WHERE case_id = ? AND source_key = ? AND target_key = ?
		`, caseID, intoKey, intoKey); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", fromID)
		return err
	})
}

// --- Rejection memory ---

// RejectMerge records that the user declined to merge the two entities.
// Keys are normalized before storage; rejecting an already-rejected pair is
// a no-op, relying on the primary key constraint.
func (s *Store) RejectMerge(ctx context.Context, caseID, key1, key2, rejectedBy string) error {
	k1, k2 := NormalizePair(key1, key2)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO rejected_merges (case_id, entity_key_1, entity_key_2, rejected_by)
		VALUES (?, ?, ?, ?)
	`, caseID, k1, k2, rejectedBy)
	return err
}

// IsRejected reports whether the pair was previously rejected for the case,
// in either key order.
func (s *Store) IsRejected(ctx context.Context, caseID, key1, key2 string) (bool, error) {
	k1, k2 := NormalizePair(key1, key2)
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rejected_merges
		WHERE case_id = ? AND entity_key_1 = ? AND entity_key_2 = ?
	`, caseID, k1, k2).Scan(&n)
	return n > 0, err
}

// RejectedPairs returns all rejected pairs for a case. The resolver loads
// these once per resolution pass to filter candidates.
func (s *Store) RejectedPairs(ctx context.Context, caseID string) ([]RejectedPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT case_id, entity_key_1, entity_key_2, rejected_by, created_at
		FROM rejected_merges WHERE case_id = ?
	`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []RejectedPair
	for rows.Next() {
		var p RejectedPair
		if err := rows.Scan(&p.CaseID, &p.Key1, &p.Key2, &p.RejectedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// --- Case summary ---

// CaseSummary holds counts of graph objects within one case.
type CaseSummary struct {
	Documents     int `json:"documents"`
	Chunks        int `json:"chunks"`
	Entities      int `json:"entities"`
	Relationships int `json:"relationships"`
	RejectedPairs int `json:"rejected_pairs"`
}

// Summary returns object counts for a case.
func (s *Store) Summary(ctx context.Context, caseID string) (*CaseSummary, error) {
	sum := &CaseSummary{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM documents WHERE case_id = ?", &sum.Documents},
		{"SELECT COUNT(*) FROM chunks WHERE document_id IN (SELECT id FROM documents WHERE case_id = ?)", &sum.Chunks},
		{"SELECT COUNT(*) FROM entities WHERE case_id = ?", &sum.Entities},
		{"SELECT COUNT(*) FROM relationships WHERE case_id = ?", &sum.Relationships},
		{"SELECT COUNT(*) FROM rejected_merges WHERE case_id = ?", &sum.RejectedPairs},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query, caseID).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return sum, nil
}

// --- helpers ---

func scanEntity(row *sql.Row) (*Entity, error) {
	var e Entity
	var props string
	err := row.Scan(&e.ID, &e.CaseID, &e.Key, &e.Name, &e.EntityType, &e.Summary, &props)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(props), &e.Properties); err != nil {
		return nil, fmt.Errorf("entity %s has invalid properties: %w", e.Key, err)
	}
	return &e, nil
}

func marshalProps(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// unionProps merges incoming property values over the stored JSON map;
// incoming values win per key.
func unionProps(storedJSON string, incoming map[string]string) (string, error) {
	merged := map[string]string{}
	if storedJSON != "" {
		if err := json.Unmarshal([]byte(storedJSON), &merged); err != nil {
			return "", fmt.Errorf("invalid stored properties: %w", err)
		}
	}
	for k, v := range incoming {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
