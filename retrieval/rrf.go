package retrieval

import (
	"sort"

	"github.com/casegraph-dev/casegraph/store"
)

const rrfK = 60 // RRF constant (standard value from literature)

// fuseRRF implements Reciprocal Rank Fusion to combine vector and keyword
// result sets. Each set is ranked independently, then scores are combined
// using: score = sum(weight_i / (k + rank_i)).
func fuseRRF(vecResults, ftsResults []store.RetrievalResult, weightVec, weightFTS float64, maxResults int) []store.RetrievalResult {
	type fusedEntry struct {
		result store.RetrievalResult
		score  float64
	}

	fused := make(map[int64]*fusedEntry)

	for rank, r := range vecResults {
		entry, ok := fused[r.ChunkID]
		if !ok {
			entry = &fusedEntry{result: r}
			fused[r.ChunkID] = entry
		}
		entry.score += weightVec / float64(rrfK+rank+1)
	}

	for rank, r := range ftsResults {
		entry, ok := fused[r.ChunkID]
		if !ok {
			entry = &fusedEntry{result: r}
			fused[r.ChunkID] = entry
		}
		entry.score += weightFTS / float64(rrfK+rank+1)
	}

	entries := make([]*fusedEntry, 0, len(fused))
	for _, e := range fused {
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].score > entries[j].score
	})

	if maxResults > 0 && len(entries) > maxResults {
		entries = entries[:maxResults]
	}

	results := make([]store.RetrievalResult, len(entries))
	for i, e := range entries {
		results[i] = e.result
		results[i].Score = e.score
	}
	return results
}
