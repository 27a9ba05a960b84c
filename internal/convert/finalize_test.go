package convert

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dcmpipe/dcmpipe/internal/bidslayout"
)

func TestPathAllocatorDisambiguates(t *testing.T) {
	alloc := NewPathAllocator()
	first := alloc.Claim("/out/sub-01/anat/sub-01_T1w.nii.gz")
	second := alloc.Claim("/out/sub-01/anat/sub-01_T1w.nii.gz")
	third := alloc.Claim("/out/sub-01/anat/sub-01_T1w.nii.gz")
	if first != "/out/sub-01/anat/sub-01_T1w.nii.gz" {
		t.Fatalf("first = %q", first)
	}
	if second != "/out/sub-01/anat/sub-01_T1w__dup-01.nii.gz" {
		t.Fatalf("second = %q", second)
	}
	if third != "/out/sub-01/anat/sub-01_T1w__dup-02.nii.gz" {
		t.Fatalf("third = %q", third)
	}
}

func TestSuppressNIfTI(t *testing.T) {
	if !SuppressNIfTI([]string{"ORIGINAL", "PRIMARY", "SCOUT"}, "") {
		t.Fatal("expected scout image type to suppress NIfTI")
	}
	if !SuppressNIfTI(nil, "Localizer") {
		t.Fatal("expected localizer protocol to suppress NIfTI")
	}
	if SuppressNIfTI([]string{"ORIGINAL", "PRIMARY"}, "bold_task") {
		t.Fatal("did not expect suppression for ordinary acquisition")
	}
}

func TestFinalizeOutputsDropsBvalBvecForNonDWI(t *testing.T) {
	dir := t.TempDir()
	workPrefix := filepath.Join(dir, "work_heudiconvabcd1234")
	writeFile(t, workPrefix+".nii.gz", "nii")
	writeFile(t, workPrefix+".json", "{}")
	writeFile(t, workPrefix+".bval", "0")
	writeFile(t, workPrefix+".bvec", "0 0 0")

	placement, err := bidslayout.ResolvePlacement(filepath.Join(dir, "sub-01_task-rest"), "func", "", "")
	if err != nil {
		t.Fatalf("ResolvePlacement: %v", err)
	}
	out := Output{Files: map[string]string{
		"nii.gz": workPrefix + ".nii.gz",
		"json":   workPrefix + ".json",
		"bval":   workPrefix + ".bval",
		"bvec":   workPrefix + ".bvec",
	}}
	final, err := FinalizeOutputs(out, placement, NewPathAllocator(), false)
	if err != nil {
		t.Fatalf("FinalizeOutputs: %v", err)
	}
	if _, ok := final["bval"]; ok {
		t.Fatal("did not expect bval kept for non-dwi suffix")
	}
	if _, ok := final["nii.gz"]; !ok {
		t.Fatal("expected nii.gz kept")
	}
}

func TestFinalizeOutputsKeepsBvalBvecForDWI(t *testing.T) {
	dir := t.TempDir()
	workPrefix := filepath.Join(dir, "work_heudiconvabcd1234")
	writeFile(t, workPrefix+".nii.gz", "nii")
	writeFile(t, workPrefix+".bval", "0")
	writeFile(t, workPrefix+".bvec", "0 0 0")

	placement, err := bidslayout.ResolvePlacement(filepath.Join(dir, "sub-01"), "dwi", "dwi", "")
	if err != nil {
		t.Fatalf("ResolvePlacement: %v", err)
	}
	out := Output{Files: map[string]string{
		"nii.gz": workPrefix + ".nii.gz",
		"bval":   workPrefix + ".bval",
		"bvec":   workPrefix + ".bvec",
	}}
	final, err := FinalizeOutputs(out, placement, NewPathAllocator(), false)
	if err != nil {
		t.Fatalf("FinalizeOutputs: %v", err)
	}
	if _, ok := final["bval"]; !ok {
		t.Fatal("expected bval kept for dwi suffix")
	}
}

func TestFinalizeOutputsSuppressesNIfTI(t *testing.T) {
	dir := t.TempDir()
	workPrefix := filepath.Join(dir, "work_heudiconvabcd1234")
	writeFile(t, workPrefix+".nii.gz", "nii")
	writeFile(t, workPrefix+".json", "{}")

	placement, err := bidslayout.ResolvePlacement(filepath.Join(dir, "sub-01_acq-scout"), "anat", "", "")
	if err != nil {
		t.Fatalf("ResolvePlacement: %v", err)
	}
	out := Output{Files: map[string]string{"nii.gz": workPrefix + ".nii.gz", "json": workPrefix + ".json"}}
	final, err := FinalizeOutputs(out, placement, NewPathAllocator(), true)
	if err != nil {
		t.Fatalf("FinalizeOutputs: %v", err)
	}
	if _, ok := final["nii.gz"]; ok {
		t.Fatal("did not expect nii.gz kept when suppressed")
	}
	if _, ok := final["json"]; !ok {
		t.Fatal("expected json kept even when nii.gz suppressed")
	}
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing fixture %s: %v", path, err)
	}
}
