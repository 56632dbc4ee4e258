package store

import (
	"context"
	"sort"
	"time"
)

// TimelineEvent is a derived view: an entity or relationship whose property
// map carries an ISO date. Events are never stored, always recomputed from
// current graph state, so a concurrent ingestion may extend the view
// mid-scan.
type TimelineEvent struct {
	Date      string   `json:"date"` // ISO 2006-01-02
	Kind      string   `json:"kind"` // entity, relationship
	EventType string   `json:"event_type"`
	EntityKey string   `json:"entity_key,omitempty"`
	SourceKey string   `json:"source_key,omitempty"`
	TargetKey string   `json:"target_key,omitempty"`
	Name      string   `json:"name,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	Connected []string `json:"connected,omitempty"` // directly connected entity keys
}

// TimelineFilter narrows a timeline query. Zero values mean no filtering on
// that axis; From and To are inclusive ISO dates.
type TimelineFilter struct {
	From  string   `json:"from,omitempty"`
	To    string   `json:"to,omitempty"`
	Types []string `json:"types,omitempty"`
}

const isoDate = "2006-01-02"

// QueryTimeline scans the case's entities and relationships for date-bearing
// properties matching the filter and returns events sorted ascending by date.
func (s *Store) QueryTimeline(ctx context.Context, caseID string, filter TimelineFilter) ([]TimelineEvent, error) {
	typeSet := map[string]bool{}
	for _, t := range filter.Types {
		typeSet[t] = true
	}

	// Adjacency for the connected-entities column.
	rels, err := s.RelationshipsByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	adjacent := map[string][]string{}
	for _, r := range rels {
		adjacent[r.SourceKey] = append(adjacent[r.SourceKey], r.TargetKey)
		adjacent[r.TargetKey] = append(adjacent[r.TargetKey], r.SourceKey)
	}

	var events []TimelineEvent

	entities, err := s.EntitiesByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	for _, e := range entities {
		date, ok := eventDate(e.Properties)
		if !ok || !inRange(date, filter.From, filter.To) {
			continue
		}
		if len(typeSet) > 0 && !typeSet[e.EntityType] {
			continue
		}
		events = append(events, TimelineEvent{
			Date:      date,
			Kind:      "entity",
			EventType: e.EntityType,
			EntityKey: e.Key,
			Name:      e.Name,
			Summary:   e.Summary,
			Connected: adjacent[e.Key],
		})
	}

	for _, r := range rels {
		date, ok := eventDate(r.Properties)
		if !ok || !inRange(date, filter.From, filter.To) {
			continue
		}
		if len(typeSet) > 0 && !typeSet[r.RelType] {
			continue
		}
		events = append(events, TimelineEvent{
			Date:      date,
			Kind:      "relationship",
			EventType: r.RelType,
			SourceKey: r.SourceKey,
			TargetKey: r.TargetKey,
			Connected: relationshipNeighborhood(r, adjacent),
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Date < events[j].Date
	})
	return events, nil
}

// relationshipNeighborhood lists the entities a relationship event touches:
// both endpoints plus every entity directly connected to either endpoint,
// endpoints first, deduplicated.
func relationshipNeighborhood(r Relationship, adjacent map[string][]string) []string {
	keys := []string{r.SourceKey, r.TargetKey}
	seen := map[string]bool{r.SourceKey: true, r.TargetKey: true}
	for _, end := range [2]string{r.SourceKey, r.TargetKey} {
		for _, n := range adjacent[end] {
			if !seen[n] {
				seen[n] = true
				keys = append(keys, n)
			}
		}
	}
	return keys
}

// eventDate extracts a valid ISO date from a property map.
func eventDate(props map[string]string) (string, bool) {
	d, ok := props["date"]
	if !ok || d == "" {
		return "", false
	}
	if _, err := time.Parse(isoDate, d); err != nil {
		return "", false
	}
	return d, true
}

// inRange reports whether an ISO date falls within the inclusive bounds.
// ISO dates compare correctly as strings.
func inRange(date, from, to string) bool {
	if from != "" && date < from {
		return false
	}
	if to != "" && date > to {
		return false
	}
	return true
}
