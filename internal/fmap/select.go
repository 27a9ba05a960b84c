package fmap

import (
	"fmt"
	"sort"
	"time"
)

// Criterion chooses among several fieldmap groups that are all compatible
// with a given run.
type Criterion string

const (
	CriterionFirst   Criterion = "First"
	CriterionClosest Criterion = "Closest"
)

// AcqTimeLookup resolves a produced NIfTI's scans.tsv-relative filename to
// its recorded acq_time string ("n/a" when unknown).
type AcqTimeLookup func(filename string) (string, bool)

// SeriesNumberLookup resolves a fieldmap group's key to the series number
// of its first member, used to break a tie between two fieldmap groups
// acquired equidistant in time from the run (lower series number wins).
type SeriesNumberLookup func(fmapKey string) int

func parseAcqTime(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// SelectFmapFromCompatibleGroups picks one fmap group key out of
// compatibleFmapGroups for runFilename, per
// select_fmap_from_compatible_groups. Returns "" when compatibleFmapGroups
// is empty.
func SelectFmapFromCompatibleGroups(
	runFilename string,
	compatibleFmapGroups map[string][]string,
	criterion Criterion,
	acqTime AcqTimeLookup,
	seriesNumber SeriesNumberLookup,
) (string, error) {
	if len(compatibleFmapGroups) == 0 {
		return "", nil
	}
	if len(compatibleFmapGroups) == 1 {
		for k := range compatibleFmapGroups {
			return k, nil
		}
	}

	keys := make([]string, 0, len(compatibleFmapGroups))
	for k := range compatibleFmapGroups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	switch criterion {
	case CriterionFirst:
		best := ""
		var bestTime time.Time
		haveBest := false
		for _, k := range keys {
			t, ok := acqTimeForGroup(compatibleFmapGroups[k], acqTime)
			if !ok {
				continue
			}
			if !haveBest || t.Before(bestTime) || (t.Equal(bestTime) && seriesNumber(k) < seriesNumber(best)) {
				best, bestTime, haveBest = k, t, true
			}
		}
		if !haveBest {
			return keys[0], nil
		}
		return best, nil

	case CriterionClosest:
		runTime, ok := acqTime(runFilename)
		if !ok {
			return "", fmt.Errorf("no acq_time recorded for run %s", runFilename)
		}
		rt, ok := parseAcqTime(runTime)
		if !ok {
			return "", fmt.Errorf("unparseable acq_time %q for run %s", runTime, runFilename)
		}
		best := ""
		var bestDiff time.Duration
		haveBest := false
		for _, k := range keys {
			t, ok := acqTimeForGroup(compatibleFmapGroups[k], acqTime)
			if !ok {
				continue
			}
			diff := t.Sub(rt)
			if diff < 0 {
				diff = -diff
			}
			if !haveBest || diff < bestDiff || (diff == bestDiff && seriesNumber(k) < seriesNumber(best)) {
				best, bestDiff, haveBest = k, diff, true
			}
		}
		if !haveBest {
			return "", fmt.Errorf("no compatible fmap group has a known acq_time")
		}
		return best, nil

	default:
		return "", fmt.Errorf("invalid fmap selection criterion %q", criterion)
	}
}

func acqTimeForGroup(group []string, lookup AcqTimeLookup) (time.Time, bool) {
	for _, member := range group {
		if s, ok := lookup(member); ok {
			if t, ok := parseAcqTime(s); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
