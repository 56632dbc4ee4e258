package graph

import (
	"context"
	"sort"
	"strings"

	"github.com/casegraph-dev/casegraph/store"
)

// MergeCandidate is an ephemeral pair of possible duplicates surfaced for
// user decision. Candidates are never persisted; acceptance merges the
// graph, rejection writes a RejectedPair.
type MergeCandidate struct {
	Key1       string  `json:"entity_key_1"`
	Key2       string  `json:"entity_key_2"`
	Similarity float64 `json:"similarity"`
}

// Resolver finds likely-duplicate entities within a case. Exact-key
// duplicates never reach it: the store's upsert merges those on write. What
// remains is fuzzy matching over normalized names, filtered through the
// case's rejection memory.
type Resolver struct {
	store         *store.Store
	threshold     float64
	maxCandidates int
}

// NewResolver creates a resolver with the profile's similarity threshold and
// candidate cap.
func NewResolver(s *store.Store, threshold float64, maxCandidates int) *Resolver {
	if threshold <= 0 || threshold > 1 {
		threshold = 0.82
	}
	if maxCandidates <= 0 {
		maxCandidates = 20
	}
	return &Resolver{store: s, threshold: threshold, maxCandidates: maxCandidates}
}

// SuggestMerges returns merge candidates for the case, strongest first. If
// newKeys is non-empty only pairs touching one of those keys are considered,
// which is how ingestion scopes suggestion to the entities it just wrote;
// empty newKeys compares the whole case. Pairs present in rejection memory
// are excluded unconditionally, regardless of score.
func (r *Resolver) SuggestMerges(ctx context.Context, caseID string, newKeys []string) ([]MergeCandidate, error) {
	entities, err := r.store.EntitiesByCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if len(entities) < 2 {
		return nil, nil
	}

	rejected, err := r.store.RejectedPairs(ctx, caseID)
	if err != nil {
		return nil, err
	}
	rejectedSet := make(map[[2]string]bool, len(rejected))
	for _, p := range rejected {
		rejectedSet[[2]string{p.Key1, p.Key2}] = true
	}

	scope := map[string]bool{}
	for _, k := range newKeys {
		scope[k] = true
	}

	var candidates []MergeCandidate
	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			a, b := entities[i], entities[j]
			if a.EntityType != b.EntityType {
				continue
			}
			if len(scope) > 0 && !scope[a.Key] && !scope[b.Key] {
				continue
			}
			k1, k2 := store.NormalizePair(a.Key, b.Key)
			if rejectedSet[[2]string{k1, k2}] {
				continue
			}
			score := nameSimilarity(a.Name, b.Name)
			if score < r.threshold {
				continue
			}
			candidates = append(candidates, MergeCandidate{
				Key1: k1, Key2: k2, Similarity: score,
			})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Similarity > candidates[j].Similarity
	})
	if len(candidates) > r.maxCandidates {
		candidates = candidates[:r.maxCandidates]
	}
	return candidates, nil
}

// nameSimilarity scores two display names in [0,1] using Jaccard similarity
// over character trigrams of the normalized names. Padding lets short names
// contribute boundary trigrams.
func nameSimilarity(a, b string) float64 {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}

	ta, tb := trigrams(na), trigrams(nb)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	intersection := 0
	for t := range ta {
		if tb[t] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func trigrams(s string) map[string]bool {
	padded := []rune("  " + s + " ")
	grams := make(map[string]bool)
	for i := 0; i+3 <= len(padded); i++ {
		grams[string(padded[i:i+3])] = true
	}
	return grams
}
