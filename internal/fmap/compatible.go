package fmap

import "fmt"

// SidecarReader reads a sidecar JSON's raw bytes given its path. Supplied
// by the caller so this package never touches the filesystem directly.
type SidecarReader func(path string) ([]byte, error)

// FindCompatibleFmapsForRun returns the subset of fmapGroups whose first
// member agrees with jsonFile under every one of matchingParameters, per
// find_compatible_fmaps_for_run.
func FindCompatibleFmapsForRun(jsonFile string, fmapGroups map[string][]string, matchingParameters []MatchingParameter, read SidecarReader) (map[string][]string, error) {
	runInfo := make(map[MatchingParameter]KeyInfo, len(matchingParameters))
	runData, err := read(jsonFile)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", jsonFile, err)
	}
	for _, param := range matchingParameters {
		ki, err := GetKeyInfo(jsonFile, runData, param)
		if err != nil {
			return nil, err
		}
		runInfo[param] = ki
	}

	compatible := map[string][]string{}
	for key, group := range fmapGroups {
		if len(group) == 0 {
			continue
		}
		fmapData, err := read(group[0])
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", group[0], err)
		}
		ok := true
		for _, param := range matchingParameters {
			fmapInfo, err := GetKeyInfo(group[0], fmapData, param)
			if err != nil {
				return nil, err
			}
			if !runInfo[param].equal(fmapInfo) {
				ok = false
				break
			}
		}
		if ok {
			compatible[key] = group
		}
	}
	return compatible, nil
}
