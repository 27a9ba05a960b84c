package provenance

import (
	"github.com/dcmpipe/dcmpipe/internal/dcm"
)

// Resolution is the outcome of comparing a subject[/session]'s stored
// provenance against the current run's heuristic and seqinfo table.
type Resolution struct {
	// ForceAll is true when no prior record exists or the stored
	// heuristic differs from the current one; every series must be
	// reconverted.
	ForceAll bool
	// Skip lists series ids whose outputs already exist, are unchanged
	// since the stored run, and may be left alone. Empty when ForceAll.
	Skip map[string]bool
}

// OutputsExist reports whether a series' final outputs are already
// present on disk, so Resolve can decide whether an unchanged series may
// be skipped.
type OutputsExist func(seriesID string) bool

// Resolve decides, for one subject[/session], which series may be
// skipped on a rerun. It always consults the flat-file record directly
// (never the supplementary index) so this decision remains authoritative
// regardless of whether the index is present, stale, or missing.
func Resolve(prior Record, hadPrior bool, currentHeuristic []byte, currentSeqInfos []dcm.SeqInfo, outputsExist OutputsExist) Resolution {
	if !hadPrior {
		return Resolution{ForceAll: true, Skip: map[string]bool{}}
	}
	if HeuristicHash(prior.Heuristic) != HeuristicHash(currentHeuristic) {
		return Resolution{ForceAll: true, Skip: map[string]bool{}}
	}

	priorBySeries := make(map[string]dcm.SeqInfo, len(prior.SeqInfos))
	for _, si := range prior.SeqInfos {
		priorBySeries[si.SeriesID] = si
	}

	skip := map[string]bool{}
	for _, cur := range currentSeqInfos {
		prev, ok := priorBySeries[cur.SeriesID]
		if !ok || !seqInfoUnchanged(prev, cur) {
			continue
		}
		if outputsExist(cur.SeriesID) {
			skip[cur.SeriesID] = true
		}
	}
	return Resolution{Skip: skip}
}

// seqInfoUnchanged compares the fields that would affect conversion
// output, ignoring total_files_till_now and example_dcm_file, which may
// shift harmlessly between runs over the same series.
func seqInfoUnchanged(a, b dcm.SeqInfo) bool {
	if a.SeriesUID != b.SeriesUID || a.ProtocolName != b.ProtocolName {
		return false
	}
	if a.Dim1 != b.Dim1 || a.Dim2 != b.Dim2 || a.Dim3 != b.Dim3 || a.Dim4 != b.Dim4 {
		return false
	}
	if a.TR != b.TR && !(isNaN(a.TR) && isNaN(b.TR)) {
		return false
	}
	if a.TE != b.TE && !(isNaN(a.TE) && isNaN(b.TE)) {
		return false
	}
	return true
}

func isNaN(f float64) bool {
	return f != f
}
