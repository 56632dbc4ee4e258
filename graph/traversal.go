package graph

import (
	"context"

	"github.com/casegraph-dev/casegraph/store"
)

// Neighborhood holds the entities reached by a bounded traversal from seed
// keys, in breadth-first discovery order.
type Neighborhood struct {
	Entities []store.Entity
}

// Traverse expands from the seed entity keys up to depth hops over the
// case's relationships. Depth 0 returns only the seeds that exist; unknown
// seeds are ignored. Used by the assistant to pull graph context around the
// entities a question mentions.
func Traverse(ctx context.Context, s *store.Store, caseID string, seedKeys []string, depth int) (*Neighborhood, error) {
	result := &Neighborhood{}
	if len(seedKeys) == 0 || depth < 0 {
		return result, nil
	}

	entities, err := s.EntitiesByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]store.Entity, len(entities))
	for _, e := range entities {
		byKey[e.Key] = e
	}

	rels, err := s.RelationshipsByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	adjacent := map[string][]string{}
	for _, r := range rels {
		adjacent[r.SourceKey] = append(adjacent[r.SourceKey], r.TargetKey)
		adjacent[r.TargetKey] = append(adjacent[r.TargetKey], r.SourceKey)
	}

	visited := map[string]bool{}
	frontier := make([]string, 0, len(seedKeys))
	for _, k := range seedKeys {
		if _, ok := byKey[k]; ok && !visited[k] {
			visited[k] = true
			frontier = append(frontier, k)
			result.Entities = append(result.Entities, byKey[k])
		}
	}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, k := range frontier {
			for _, n := range adjacent[k] {
				if visited[n] {
					continue
				}
				visited[n] = true
				if e, ok := byKey[n]; ok {
					result.Entities = append(result.Entities, e)
					next = append(next, n)
				}
			}
		}
		frontier = next
	}

	return result, nil
}
