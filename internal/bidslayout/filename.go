package bidslayout

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// DefaultSuffix returns the modality suffix a heuristic's target should get
// when it omitted one, per spec.md §4.5.
func DefaultSuffix(datatype string) string {
	switch datatype {
	case "anat":
		return "T1w"
	case "fmap":
		return "epi"
	case "func":
		return "bold"
	default:
		return ""
	}
}

// RewriteLegacyPhaseRec rewrites a legacy rec-magnitude/rec-phase entity
// into the modern part-mag/part-phase entity, in place.
func RewriteLegacyPhaseRec(n *Name) {
	rec, ok := n.Get("rec")
	if !ok {
		return
	}
	switch strings.ToLower(rec) {
	case "magnitude":
		n.entities = removeEntity(n.entities, "rec")
		n.Set("part", "mag", true)
	case "phase":
		n.entities = removeEntity(n.entities, "rec")
		n.Set("part", "phase", true)
	}
}

func removeEntity(entities []Entity, key string) []Entity {
	out := entities[:0:0]
	for _, e := range entities {
		if e.Key != key {
			out = append(out, e)
		}
	}
	return out
}

// EchoSource describes one produced file's echo identity for
// AssignEchoNumbers: the echo number from the EchoNumbers tag when known,
// else its echo time for a fallback ascending sort.
type EchoSource struct {
	Path          string
	EchoNumber    int
	HasEchoNumber bool
	EchoTime      float64
	HasEchoTime   bool
}

// AssignEchoNumbers orders a multi-echo acquisition's produced files and
// returns each path's echo-N label. EchoNumbers wins when present;
// otherwise echoes are numbered by ascending EchoTime (echo 1 = shortest
// TE), per spec.md §4.5.
func AssignEchoNumbers(files []EchoSource) map[string]int {
	out := make(map[string]int, len(files))
	if len(files) <= 1 {
		if len(files) == 1 {
			out[files[0].Path] = 1
		}
		return out
	}

	haveAllEchoNumbers := true
	for _, f := range files {
		if !f.HasEchoNumber {
			haveAllEchoNumbers = false
			break
		}
	}
	sorted := make([]EchoSource, len(files))
	copy(sorted, files)
	if haveAllEchoNumbers {
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].EchoNumber < sorted[j].EchoNumber })
	} else {
		sort.SliceStable(sorted, func(i, j int) bool {
			ti, tj := sorted[i].EchoTime, sorted[j].EchoTime
			if !sorted[i].HasEchoTime {
				ti = math.Inf(1)
			}
			if !sorted[j].HasEchoTime {
				tj = math.Inf(1)
			}
			if ti != tj {
				return ti < tj
			}
			return sorted[i].Path < sorted[j].Path
		})
	}
	for i, f := range sorted {
		out[f.Path] = i + 1
	}
	return out
}

// AssignMagnitudeIndices orders a fieldmap's magnitude files deterministically
// and returns each path's 1-based magnitude index (magnitude1, magnitude2).
func AssignMagnitudeIndices(paths []string) map[string]int {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)
	out := make(map[string]int, len(sorted))
	for i, p := range sorted {
		out[p] = i + 1
	}
	return out
}

// InjectEcho sets the echo entity at its canonical position (handled
// automatically by Name.String's fixed ordering; InjectEcho just assigns
// the value).
func InjectEcho(n *Name, echoNumber int) {
	n.Set("echo", fmt.Sprintf("%d", echoNumber), true)
}
