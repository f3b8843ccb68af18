package resonance

import (
	"github.com/fyrsmithlabs/braidd/internal/clustering"
	"github.com/fyrsmithlabs/braidd/internal/strand"
)

// BraidHistory indexes the promotion-time S of existing braids by the
// cluster they were promoted from. Braids without origin scores are
// skipped. The input slice is not modified.
func BraidHistory(braids []*strand.Strand) HistoryFunc {
	ordered := append([]*strand.Strand(nil), braids...)
	strand.Order(ordered)

	idx := make(map[clustering.Key][]float64)
	for _, b := range ordered {
		if !b.IsBraid() || b.OriginScores == nil {
			continue
		}
		k := clustering.Key{Kind: b.Kind, Level: b.Level - 1, Dimension: b.Dimension, Bucket: b.BucketKey}
		idx[k] = append(idx[k], b.OriginScores.S)
	}
	return func(key clustering.Key) []float64 {
		return idx[key]
	}
}
