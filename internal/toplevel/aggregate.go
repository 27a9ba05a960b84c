package toplevel

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/dcmpipe/dcmpipe/internal/bidslayout"
)

var taskAcqRe = regexp.MustCompile(`_(task-[^_.]*(?:_acq-[^_.]*)?)_.*\.json$`)

const eventsStub = "onset\tduration\ttrial_type\tresponse_time\tstim_file\tTODO -- fill in rows and add more tab-separated columns if desired"

// PopulateAggregatedJSONs scans every subject directory under root for
// *_task-*_bold.json sidecars and writes one task-level JSON at the
// dataset root per distinct (task, acq) pair, retaining only the fields
// common to every contributing sidecar, per populate_aggregated_jsons. It
// also stamps a stub *_events.tsv next to each run's first echo (or its
// only echo) when one doesn't already exist.
func PopulateAggregatedJSONs(root string) error {
	matches, err := findTaskBoldJSONs(root)
	if err != nil {
		return err
	}

	tasks := map[string]map[string]any{}
	for _, fpath := range matches {
		m := taskAcqRe.FindStringSubmatch(fpath)
		if m == nil {
			continue
		}
		taskAcq := m[1]
		data, err := os.ReadFile(fpath)
		if err != nil {
			return fmt.Errorf("reading %s: %w", fpath, err)
		}
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			return fmt.Errorf("parsing %s: %w", fpath, err)
		}
		if existing, ok := tasks[taskAcq]; ok {
			tasks[taskAcq] = intersectFields(existing, fields)
		} else {
			tasks[taskAcq] = fields
		}

		if err := writeEventsStubIfNeeded(fpath); err != nil {
			return err
		}
	}

	taskAcqs := make([]string, 0, len(tasks))
	for k := range tasks {
		taskAcqs = append(taskAcqs, k)
	}
	sort.Strings(taskAcqs)

	for _, taskAcq := range taskAcqs {
		fields := tasks[taskAcq]
		taskFile := filepath.Join(root, taskAcq+"_bold.json")
		placeholders := map[string]string{
			"TaskName":   fmt.Sprintf("TODO: full task name for %s", taskNameFromKey(taskAcq)),
			"CogAtlasID": "http://www.cognitiveatlas.org/task/id/TODO",
		}
		if data, err := os.ReadFile(taskFile); err == nil {
			var existing map[string]any
			if err := json.Unmarshal(data, &existing); err == nil {
				for key := range placeholders {
					if v, ok := existing[key]; ok {
						if s, ok := v.(string); ok {
							placeholders[key] = s
						}
					}
				}
			}
		}

		out := bidslayout.NewSidecar()
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := out.Set(k, fields[k]); err != nil {
				return err
			}
		}
		for _, k := range []string{"TaskName", "CogAtlasID"} {
			if err := out.Set(k, placeholders[k]); err != nil {
				return err
			}
		}
		rendered, err := out.MarshalIndent()
		if err != nil {
			return err
		}
		if err := os.WriteFile(taskFile, rendered, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func taskNameFromKey(taskAcq string) string {
	task := strings.SplitN(taskAcq, "_", 2)[0]
	return strings.TrimPrefix(task, "task-")
}

func intersectFields(a, b map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range a {
		if bv, ok := b[k]; ok && jsonEqual(v, bv) {
			out[k] = v
		}
	}
	return out
}

func jsonEqual(a, b any) bool {
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return string(ab) == string(bb)
}

func findTaskBoldJSONs(root string) ([]string, error) {
	var matches []string
	subjDirs, err := filepath.Glob(filepath.Join(root, "sub-*"))
	if err != nil {
		return nil, err
	}
	for _, subjDir := range subjDirs {
		err := filepath.WalkDir(subjDir, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				base := filepath.Base(p)
				if base == ".heudiconv" || base == ".datalad" {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.Contains(p, "_task-") && strings.HasSuffix(p, "_bold.json") {
				matches = append(matches, p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(matches)
	return matches, nil
}

// writeEventsStubIfNeeded writes a placeholder *_events.tsv for boldPath's
// run, skipping any echo after the first in a multi-echo acquisition
// (BIDS specifies one _events.tsv per run, shared across echoes) and never
// overwriting an existing one.
func writeEventsStubIfNeeded(boldPath string) error {
	base := strings.TrimSuffix(boldPath, "_bold.json")
	if idx := strings.Index(base, "_echo-"); idx >= 0 {
		rest := base[idx+len("_echo-"):]
		parts := strings.SplitN(rest, "_", 2)
		if parts[0] != "1" {
			return nil
		}
		base = base[:idx]
		if len(parts) == 2 {
			base += "_" + parts[1]
		}
	}
	eventsPath := base + "_events.tsv"
	if _, err := os.Lstat(eventsPath); err == nil {
		return nil
	}
	return os.WriteFile(eventsPath, []byte(eventsStub), 0o644)
}
