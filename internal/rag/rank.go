package rag

import "sort"

// RankAndMerge applies source priority (FAQ outranks document outranks
// conversation) with score as tiebreaker, returning a stable order (spec
// §4.6).
func RankAndMerge(chunks []Chunk) []Chunk {
	out := make([]Chunk, len(chunks))
	copy(out, chunks)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].SourceType.priority(), out[j].SourceType.priority()
		if pi != pj {
			return pi < pj
		}
		return out[i].Score > out[j].Score
	})
	return out
}
