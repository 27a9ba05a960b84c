// Package fmap associates fieldmap acquisitions with the runs they correct
// for distortion, grouping a session's fieldmaps, matching them against
// each non-fieldmap run by a configurable parameter, and selecting one
// compatible fieldmap group per run when more than one qualifies.
package fmap

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var fmapStripRe = regexp.MustCompile(
	`(_dir-[0-9a-zA-Z]*)?(_phase[12])?(_phasediff)?(_magnitude[12])?(_fieldmap)?`,
)

// FindFmapGroups partitions a session's fmap sidecar paths into groups that
// are meant to be used together (reversed phase-encode pairs,
// magnitude/phase pairs), keyed by the filename prefix shared once the
// fmap-specific suffix is stripped, per
// original_source/heudiconv/bids.py's find_fmap_groups.
func FindFmapGroups(fmapJSONPaths []string) map[string][]string {
	groups := map[string][]string{}
	for _, p := range fmapJSONPaths {
		base := strings.TrimSuffix(filepath.Base(p), ".json")
		key := fmapStripRe.ReplaceAllString(base, "")
		groups[key] = append(groups[key], p)
	}
	for k := range groups {
		sort.Strings(groups[k])
	}
	return groups
}
