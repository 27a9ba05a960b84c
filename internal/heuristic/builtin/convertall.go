// Package builtin ships the one reference heuristic spec.md allows
// alongside the host contract itself: a direct port of heudiconv's
// convertall.py, which places every series under a flat run{item:03d}
// key with no subject/modality-specific logic.
package builtin

import (
	"github.com/dcmpipe/dcmpipe/internal/dcm"
	"github.com/dcmpipe/dcmpipe/internal/heuristic"
)

func init() {
	heuristic.Register("convertall", New)
}

// ConvertAll implements heuristic.Heuristic by bucketing every series into
// a single run{item:03d} key, in encounter order.
type ConvertAll struct {
	heuristic.Base
}

// New constructs the convertall heuristic.
func New() heuristic.Heuristic { return ConvertAll{} }

// InfoToDict mirrors convertall.py's infotodict: one key, every series id
// appended to it in seqinfo order.
func (ConvertAll) InfoToDict(seqinfos []dcm.SeqInfo) ([]heuristic.Decision, error) {
	key, err := heuristic.CreateKey("run{item:03d}", []string{"nii.gz"}, nil)
	if err != nil {
		return nil, err
	}
	matches := make([]heuristic.Match, 0, len(seqinfos))
	for _, s := range seqinfos {
		matches = append(matches, heuristic.Match{SeriesID: s.SeriesID})
	}
	return []heuristic.Decision{{Key: key, Matches: matches}}, nil
}
