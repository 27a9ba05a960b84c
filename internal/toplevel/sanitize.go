package toplevel

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dcmpipe/dcmpipe/internal/bidslayout"
)

// dateFieldPrefixes and dateFieldSuffixes are combined pairwise into the
// sidecar keys a scanner may have stamped with a real acquisition
// timestamp: AcquisitionDateTime, AcquisitionDate, StudyDateTime,
// StudyDate, SeriesDateTime, SeriesDate.
var dateFieldPrefixes = []string{"Acquisition", "Study", "Series"}
var dateFieldSuffixes = []string{"DateTime", "Date"}

// SanitizeJSONFiles strips scanner-stamped date/time fields from each sidecar
// in jsonFiles and stamps HeudiconvVersion, mirroring
// tuneup_bids_json_files's two passes: a per-file date scrub followed by a
// fieldmap-specific EchoTime reconciliation. It refuses to write any sidecar
// that still contains the substring "Date" after scrubbing, since that is
// the only reliable signal that a field the scrubber doesn't know about is
// still leaking an acquisition timestamp.
func SanitizeJSONFiles(jsonFiles []string, engineVersion string) error {
	if len(jsonFiles) == 0 {
		return nil
	}

	for _, path := range jsonFiles {
		if err := sanitizeOne(path, engineVersion); err != nil {
			return err
		}
	}

	return reconcileFieldmapEchoTimes(jsonFiles)
}

func sanitizeOne(path, engineVersion string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	s, err := bidslayout.ParseSidecar(data)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for _, prefix := range dateFieldPrefixes {
		for _, suffix := range dateFieldSuffixes {
			s.Delete(prefix + suffix)
		}
	}

	rendered, err := s.MarshalIndent()
	if err != nil {
		return fmt.Errorf("rendering %s: %w", path, err)
	}
	if strings.Contains(string(rendered), "Date") {
		return fmt.Errorf("%s: sidecar still contains a date field after sanitizing", path)
	}

	if _, ok := s.Get("HeudiconvVersion"); ok {
		return fmt.Errorf("%s: already carries HeudiconvVersion, refusing to re-sanitize", path)
	}
	if err := s.Set("HeudiconvVersion", engineVersion); err != nil {
		return err
	}
	rendered, err = s.MarshalIndent()
	if err != nil {
		return fmt.Errorf("rendering %s: %w", path, err)
	}
	return os.WriteFile(path, rendered, 0o644)
}

// reconcileFieldmapEchoTimes groups jsonFiles by their fmap run basename
// (the filename with its trailing _phasediff/_magnitudeN suffix removed) and,
// for every basename with both a phasediff sidecar and at least one
// magnitude sidecar, copies each magnitude file's EchoTime into the
// phasediff sidecar as EchoTime1/EchoTime2 (tuneup_bids_json_files never
// reorders them, so EchoTime1/EchoTime2 follow the magnitude files'
// numbering, not necessarily ascending TE).
func reconcileFieldmapEchoTimes(jsonFiles []string) error {
	basenameSet := map[string]bool{}
	for _, path := range jsonFiles {
		if filepath.Base(filepath.Dir(path)) != "fmap" {
			continue
		}
		basenameSet[fmapBasename(path)] = true
	}

	basenames := make([]string, 0, len(basenameSet))
	for b := range basenameSet {
		basenames = append(basenames, b)
	}
	sort.Strings(basenames)

	for _, basename := range basenames {
		phasediffPath := basename + "_phasediff.json"
		if _, err := os.Stat(phasediffPath); err != nil {
			continue
		}
		magnitudePaths, err := filepath.Glob(basename + "_magnitude*.json")
		if err != nil {
			return fmt.Errorf("globbing magnitude siblings of %s: %w", basename, err)
		}
		if len(magnitudePaths) == 0 {
			continue
		}

		phasediffData, err := os.ReadFile(phasediffPath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", phasediffPath, err)
		}
		phasediff, err := bidslayout.ParseSidecar(phasediffData)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", phasediffPath, err)
		}

		for i := 1; i <= 2; i++ {
			magPath := fmt.Sprintf("%s_magnitude%d.json", basename, i)
			magData, err := os.ReadFile(magPath)
			if err != nil {
				continue
			}
			mag, err := bidslayout.ParseSidecar(magData)
			if err != nil {
				return fmt.Errorf("parsing %s: %w", magPath, err)
			}
			echoTime, ok := mag.Get("EchoTime")
			if !ok {
				continue
			}
			phasediff.SetRaw(fmt.Sprintf("EchoTime%d", i), echoTime)
		}

		rendered, err := phasediff.MarshalIndent()
		if err != nil {
			return fmt.Errorf("rendering %s: %w", phasediffPath, err)
		}
		if err := os.WriteFile(phasediffPath, rendered, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", phasediffPath, err)
		}
	}
	return nil
}

// fmapBasename strips the last underscore-delimited suffix token (phasediff,
// magnitude1, magnitude2, ...) off a fmap sidecar's path.
func fmapBasename(path string) string {
	idx := strings.LastIndex(path, "_")
	if idx < 0 {
		return path
	}
	return path[:idx]
}
