package convert

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/dcmpipe/dcmpipe/internal/bidslayout"
	"github.com/dcmpipe/dcmpipe/internal/engine"
)

// PathAllocator disambiguates final output paths that two different
// conversion groups independently resolved to the same name, appending
// "__dup-NN" after the BIDS suffix and before the extension on the second and later
// claimant, per spec.md §4.4.
type PathAllocator struct {
	mu    sync.Mutex
	count map[string]int
}

// NewPathAllocator builds an empty allocator, one per engine run.
func NewPathAllocator() *PathAllocator {
	return &PathAllocator{count: map[string]int{}}
}

// Claim returns path unchanged the first time it's claimed, and a
// "__dup-NN"-suffixed variant (before the extension) on every subsequent
// claim of the same path.
func (a *PathAllocator) Claim(path string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.count[path]
	a.count[path] = n + 1
	if n == 0 {
		return path
	}
	dir, base := filepath.Split(path)
	ext := ""
	for _, known := range []string{".nii.gz", ".json", ".bval", ".bvec"} {
		if len(base) > len(known) && base[len(base)-len(known):] == known {
			ext = known
			base = base[:len(base)-len(known)]
			break
		}
	}
	return filepath.Join(dir, fmt.Sprintf("%s__dup-%02d%s", base, n, ext))
}

// SuppressNIfTI reports whether a produced NIfTI should be dropped while
// its DICOM source is still retained, per spec.md §4.4's scout/derived
// suppression rule: scanner-internal scouts and motion-corrected-derived
// series carry no diagnostic imaging value as NIfTI but their DICOMs are
// kept for provenance.
func SuppressNIfTI(imageType []string, protocolName string) bool {
	for _, t := range imageType {
		if t == "SCOUT" || t == "DERIVED" {
			return true
		}
	}
	return protocolName == "Localizer" || protocolName == "localizer"
}

// FinalizeOutputs moves a transcoder Output's produced files to their final
// BIDS-relative names, applying the path allocator's dup-NN disambiguation.
// bval/bvec are only kept for the "dwi" suffix, per spec.md §4.4.
func FinalizeOutputs(out Output, placement *bidslayout.Placement, alloc *PathAllocator, suppressNIfTI bool) (map[string]string, error) {
	final := map[string]string{}
	isDWI := placement.Name.Suffix() == "dwi"

	for ext, srcPath := range out.Files {
		if ext == "dicom" {
			continue
		}
		if (ext == "bval" || ext == "bvec") && !isDWI {
			continue
		}
		if ext == "nii.gz" && suppressNIfTI {
			continue
		}
		placement.Name.SetExtension(ext)
		destPath, err := placement.FinalPath()
		if err != nil {
			return nil, err
		}
		destPath = alloc.Claim(destPath)
		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return nil, &engine.FilesystemError{Op: "mkdir", Path: filepath.Dir(destPath), Err: err}
		}
		if err := os.Rename(srcPath, destPath); err != nil {
			return nil, &engine.FilesystemError{Op: "rename", Path: destPath, Err: err}
		}
		final[ext] = destPath
	}
	return final, nil
}

// FinalizeDicomCopy moves a DicomCopy output's sourcedata directory to its
// final location under alloc's disambiguation.
func FinalizeDicomCopy(out Output, placement *bidslayout.Placement, alloc *PathAllocator) (string, error) {
	srcDir, ok := out.Files["dicom"]
	if !ok {
		return "", fmt.Errorf("dicom output missing from transcoder result")
	}
	placement.Name.SetExtension("")
	stem, err := placement.FinalPath()
	if err != nil {
		return "", err
	}
	destDir := alloc.Claim(stem)
	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		return "", &engine.FilesystemError{Op: "mkdir", Path: filepath.Dir(destDir), Err: err}
	}
	if err := os.Rename(srcDir, destDir); err != nil {
		return "", &engine.FilesystemError{Op: "rename", Path: destDir, Err: err}
	}
	return destDir, nil
}

// SortByPath returns paths in ascending lexical order, the deterministic
// order the engine applies before assigning echo numbers or magnitude
// indices across a group's produced files.
func SortByPath(paths []string) []string {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)
	return sorted
}
