package provenance

import (
	"os"
	"strings"
	"testing"

	"github.com/dcmpipe/dcmpipe/internal/dcm"
	"github.com/dcmpipe/dcmpipe/internal/heuristic"
)

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}

func countLines(s string) int {
	return len(strings.Split(strings.TrimRight(s, "\n"), "\n"))
}

func TestStoreLoadMissingReturnsNotOK(t *testing.T) {
	s := New(t.TempDir())
	_, ok, err := s.Load("01", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Fatal("expected no prior record")
	}
}

func TestStoreSaveAndLoadRoundTrips(t *testing.T) {
	s := New(t.TempDir())
	rec := Record{
		Heuristic: []byte("def infotodict(seqinfo):\n    return {}\n"),
		SeqInfos: []dcm.SeqInfo{
			{SeriesID: "1-1", ProtocolName: "localizer", Dim4: 1, TR: 2.0, TE: 0.03},
		},
		FileGroup: map[string][]string{"1-1": {"/a/1.dcm", "/a/2.dcm"}},
		Auto: []heuristic.Decision{
			{
				Key:     heuristic.Key{Template: "sub-{subject}/anat/sub-{subject}_T1w", OutTypes: []string{"nii.gz"}},
				Matches: []heuristic.Match{{SeriesID: "1-1"}},
			},
		},
	}
	if err := s.Save("01", "", rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, ok, err := s.Load("01", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !ok {
		t.Fatal("expected record to exist")
	}
	if string(loaded.Heuristic) != string(rec.Heuristic) {
		t.Fatalf("heuristic mismatch: %q", loaded.Heuristic)
	}
	if len(loaded.SeqInfos) != 1 || loaded.SeqInfos[0].SeriesID != "1-1" {
		t.Fatalf("seqinfos mismatch: %+v", loaded.SeqInfos)
	}
	if len(loaded.FileGroup["1-1"]) != 2 {
		t.Fatalf("filegroup mismatch: %+v", loaded.FileGroup)
	}
	if len(loaded.Auto) != 1 || loaded.Auto[0].Key.Template != rec.Auto[0].Key.Template {
		t.Fatalf("auto mapping mismatch: %+v", loaded.Auto)
	}
}

func TestStoreSessionScopedPaths(t *testing.T) {
	s := New(t.TempDir())
	dir := s.InfoDir("01", "pre")
	if !pathContains(dir, "ses-pre") {
		t.Fatalf("expected session segment in %s", dir)
	}
	noSession := s.InfoDir("01", "")
	if pathContains(noSession, "ses-") {
		t.Fatalf("did not expect session segment in %s", noSession)
	}
}

func pathContains(path, sub string) bool {
	for i := 0; i+len(sub) <= len(path); i++ {
		if path[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestEffectiveDecisionsPrefersDistinctEdit(t *testing.T) {
	s := New(t.TempDir())
	auto := []heuristic.Decision{
		{Key: heuristic.Key{Template: "a", OutTypes: []string{"nii.gz"}}, Matches: []heuristic.Match{{SeriesID: "1-1"}}},
	}
	got, err := s.EffectiveDecisions("01", "", auto)
	if err != nil {
		t.Fatalf("EffectiveDecisions: %v", err)
	}
	if len(got) != 1 || got[0].Key.Template != "a" {
		t.Fatalf("expected auto mapping when no edit exists, got %+v", got)
	}

	editDir := s.editDir("01", "")
	if err := writeDecisionsFile(editDir, []heuristic.Decision{
		{Key: heuristic.Key{Template: "b", OutTypes: []string{"nii.gz"}}, Matches: []heuristic.Match{{SeriesID: "1-1"}}},
	}); err != nil {
		t.Fatalf("writeDecisionsFile: %v", err)
	}

	got, err = s.EffectiveDecisions("01", "", auto)
	if err != nil {
		t.Fatalf("EffectiveDecisions: %v", err)
	}
	if len(got) != 1 || got[0].Key.Template != "b" {
		t.Fatalf("expected edit override to win, got %+v", got)
	}
}

func TestAppendRerunLogIsAppendOnly(t *testing.T) {
	s := New(t.TempDir())
	if err := s.AppendRerunLog("01", "", "first run"); err != nil {
		t.Fatalf("AppendRerunLog: %v", err)
	}
	if err := s.AppendRerunLog("01", "", "second run"); err != nil {
		t.Fatalf("AppendRerunLog: %v", err)
	}
	data, err := readFile(s.rerunLogPath("01", ""))
	if err != nil {
		t.Fatalf("reading rerun log: %v", err)
	}
	if count := countLines(data); count != 2 {
		t.Fatalf("expected 2 log lines, got %d: %q", count, data)
	}
}
