package graph

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/casegraph-dev/casegraph/store"
)

// WriteOutcome aggregates per-item results of committing one extraction
// batch. Writes are not all-or-nothing: a skipped or failed item never rolls
// back its neighbours.
type WriteOutcome struct {
	EntitiesCreated      int      `json:"entities_created"`
	EntitiesMerged       int      `json:"entities_merged"`
	RelationshipsCreated int      `json:"relationships_created"`
	RelationshipsMerged  int      `json:"relationships_merged"`
	RelationshipsSkipped int      `json:"relationships_skipped"` // missing endpoint
	Failed               int      `json:"failed"`
	EntityKeys           []string `json:"entity_keys,omitempty"` // keys touched by this batch
}

// Add folds another outcome into this one.
func (o *WriteOutcome) Add(other *WriteOutcome) {
	o.EntitiesCreated += other.EntitiesCreated
	o.EntitiesMerged += other.EntitiesMerged
	o.RelationshipsCreated += other.RelationshipsCreated
	o.RelationshipsMerged += other.RelationshipsMerged
	o.RelationshipsSkipped += other.RelationshipsSkipped
	o.Failed += other.Failed
	o.EntityKeys = append(o.EntityKeys, other.EntityKeys...)
}

// Writer commits extraction results to the graph store with create-or-merge
// semantics.
type Writer struct {
	store *store.Store
}

// NewWriter creates a graph writer.
func NewWriter(s *store.Store) *Writer {
	return &Writer{store: s}
}

// Write upserts the batch's entities first, then its relationships. An
// unnamed or untyped entity is dropped silently; a relationship whose
// endpoint is missing from the case is skipped with a warning while the rest
// of the batch proceeds.
func (w *Writer) Write(ctx context.Context, caseID string, result ExtractionResult) (*WriteOutcome, error) {
	outcome := &WriteOutcome{}

	for _, e := range result.Entities {
		name := strings.TrimSpace(e.Name)
		entityType := strings.ToLower(strings.TrimSpace(e.Type))
		if name == "" || entityType == "" {
			continue
		}

		_, created, err := w.store.UpsertEntity(ctx, store.Entity{
			CaseID:     caseID,
			Name:       name,
			EntityType: entityType,
			Summary:    strings.TrimSpace(e.Summary),
			Properties: e.Properties,
		})
		if err != nil {
			slog.Warn("graph: entity upsert failed",
				"case_id", caseID, "entity", name, "error", err)
			outcome.Failed++
			continue
		}
		if created {
			outcome.EntitiesCreated++
		} else {
			outcome.EntitiesMerged++
		}
		outcome.EntityKeys = append(outcome.EntityKeys, store.EntityKey(name, entityType))
	}

	// Endpoint types the LLM omitted are resolved against this batch's
	// entities first, then against the case.
	batchTypes := map[string]string{}
	for _, e := range result.Entities {
		name := strings.ToLower(strings.TrimSpace(e.Name))
		if name != "" && batchTypes[name] == "" {
			batchTypes[name] = strings.ToLower(strings.TrimSpace(e.Type))
		}
	}

	for _, r := range result.Relationships {
		relType := strings.ToLower(strings.TrimSpace(r.Type))
		if strings.TrimSpace(r.Source) == "" || strings.TrimSpace(r.Target) == "" || relType == "" {
			continue
		}

		srcKey := w.endpointKey(ctx, caseID, r.Source, r.SourceType, batchTypes)
		tgtKey := w.endpointKey(ctx, caseID, r.Target, r.TargetType, batchTypes)
		if srcKey == tgtKey {
			continue
		}

		created, err := w.store.UpsertRelationship(ctx, store.Relationship{
			CaseID:     caseID,
			SourceKey:  srcKey,
			TargetKey:  tgtKey,
			RelType:    relType,
			Properties: r.Properties,
		})
		switch {
		case errors.Is(err, store.ErrMissingEndpoint):
			slog.Warn("graph: relationship endpoint missing, skipping",
				"case_id", caseID, "source", srcKey, "target", tgtKey, "type", relType)
			outcome.RelationshipsSkipped++
		case err != nil:
			slog.Warn("graph: relationship upsert failed",
				"case_id", caseID, "source", srcKey, "target", tgtKey, "error", err)
			outcome.Failed++
		case created:
			outcome.RelationshipsCreated++
		default:
			outcome.RelationshipsMerged++
		}
	}

	return outcome, nil
}

// endpointKey derives the entity key for a relationship endpoint. An
// explicit type wins; otherwise the batch's entities are consulted, then the
// case. An unresolvable endpoint keeps an empty type so the upsert surfaces
// it as missing.
func (w *Writer) endpointKey(ctx context.Context, caseID, name, explicitType string, batchTypes map[string]string) string {
	if t := strings.TrimSpace(explicitType); t != "" {
		return store.EntityKey(name, t)
	}
	norm := strings.ToLower(strings.TrimSpace(name))
	if t := batchTypes[norm]; t != "" {
		return store.EntityKey(name, t)
	}
	if keys, err := w.store.EntityKeysByName(ctx, caseID, name); err == nil && len(keys) > 0 {
		return keys[0]
	}
	return store.EntityKey(name, "")
}
