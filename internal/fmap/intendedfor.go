package fmap

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Assignment is one fieldmap group's resolved IntendedFor list: paths of
// the non-fieldmap runs it corrects, relative to the subject directory per
// spec.md §4.6.
type Assignment struct {
	FmapGroupKey string
	IntendedFor  []string
}

// PopulateIntendedFor computes, for every fmap group in a session, the set
// of non-fieldmap run paths it should be marked as IntendedFor, per
// populate_intended_for. runJSONPaths and fmapJSONPaths are absolute
// sidecar paths within the session; subjectRoot anchors the relative
// IntendedFor entries.
func PopulateIntendedFor(
	subjectRoot string,
	runJSONPaths []string,
	fmapJSONPaths []string,
	matchingParameters []MatchingParameter,
	criterion Criterion,
	read SidecarReader,
	acqTime AcqTimeLookup,
	seriesNumber SeriesNumberLookup,
) ([]Assignment, error) {
	fmapGroups := FindFmapGroups(fmapJSONPaths)

	selected := map[string]string{} // run json -> fmap group key
	for _, runJSON := range runJSONPaths {
		if strings.HasSuffix(strings.TrimSuffix(runJSON, ".json"), "_sbref") {
			continue
		}
		compatible, err := FindCompatibleFmapsForRun(runJSON, fmapGroups, matchingParameters, read)
		if err != nil {
			return nil, err
		}
		runNifti := niftiNameFor(runJSON)
		key, err := SelectFmapFromCompatibleGroups(runNifti, compatible, criterion, acqTime, seriesNumber)
		if err != nil {
			return nil, fmt.Errorf("selecting fmap for %s: %w", runJSON, err)
		}
		if key != "" {
			selected[runJSON] = key
		}
	}

	byGroup := map[string][]string{}
	for runJSON, key := range selected {
		rel, err := filepath.Rel(subjectRoot, niftiNameFor(runJSON))
		if err != nil {
			return nil, fmt.Errorf("relativizing %s to %s: %w", runJSON, subjectRoot, err)
		}
		byGroup[key] = append(byGroup[key], filepath.ToSlash(rel))
	}

	var assignments []Assignment
	for key, intended := range byGroup {
		sort.Strings(intended)
		assignments = append(assignments, Assignment{FmapGroupKey: key, IntendedFor: intended})
	}
	sort.Slice(assignments, func(i, j int) bool { return assignments[i].FmapGroupKey < assignments[j].FmapGroupKey })
	return assignments, nil
}

func niftiNameFor(jsonPath string) string {
	return strings.TrimSuffix(jsonPath, ".json") + ".nii.gz"
}
