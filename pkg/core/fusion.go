package core

import "sort"

// DefaultRRFK is the default reciprocal rank fusion constant
const DefaultRRFK = 10

// RankedList is one ranked input to ReciprocalRankFusion, best first.
type RankedList struct {
	IDs    []string
	Weight float64 // 0 means 1
}

// FusedItem is one fused result
type FusedItem struct {
	ID    string
	Score float64
}

// ReciprocalRankFusion scores every id as the sum over the lists containing
// it of weight/(k+rank), with ranks starting at 0. Results are sorted by
// descending score; equal scores keep the order in which ids were first seen.
// Items scoring below cutoff are dropped.
func ReciprocalRankFusion(k, cutoff float64, lists ...RankedList) []FusedItem {
	if k <= 0 {
		k = DefaultRRFK
	}

	index := make(map[string]int)
	var fused []FusedItem
	for _, list := range lists {
		weight := list.Weight
		if weight == 0 {
			weight = 1
		}
		for rank, id := range list.IDs {
			score := weight / (k + float64(rank))
			if i, ok := index[id]; ok {
				fused[i].Score += score
				continue
			}
			index[id] = len(fused)
			fused = append(fused, FusedItem{ID: id, Score: score})
		}
	}

	sort.SliceStable(fused, func(i, j int) bool { return fused[i].Score > fused[j].Score })

	if cutoff > 0 {
		kept := fused[:0]
		for _, item := range fused {
			if item.Score >= cutoff {
				kept = append(kept, item)
			}
		}
		fused = kept
	}
	return fused
}
