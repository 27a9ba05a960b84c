package convert

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/dcmpipe/dcmpipe/internal/bidslayout"
	"github.com/dcmpipe/dcmpipe/internal/dcm"
	"github.com/dcmpipe/dcmpipe/internal/engine"
	"github.com/dcmpipe/dcmpipe/internal/heuristic"
)

// Datatyper extracts a BIDS datatype directory ("anat", "func", "fmap", ...)
// from a decision's target path, for modality-suffix defaulting. The
// heuristic's template is expected to place the datatype as one of the
// path's directory components (e.g. "sub-01/func/sub-01_task-rest"); it
// returns "" when none of the known datatypes appear.
func Datatyper(target string) string {
	known := map[string]bool{
		"anat": true, "func": true, "fmap": true, "dwi": true,
		"perf": true, "meg": true, "eeg": true, "ieeg": true, "beh": true,
	}
	for _, part := range filepathSplit(target) {
		if known[part] {
			return part
		}
	}
	return ""
}

func filepathSplit(path string) []string {
	var parts []string
	for {
		dir, file := filepath.Split(path)
		if file != "" {
			parts = append(parts, file)
		}
		if dir == "" || dir == path {
			break
		}
		path = filepath.Clean(dir)
		if path == "." || path == "/" {
			break
		}
	}
	return parts
}

// Run converts every planned Item against store's DICOM files, writing
// final BIDS outputs under outdir. It returns the full set of per-item
// errors rather than stopping at the first one: a transcoder failure is
// fatal only for the series it affects (engine.IsFatalForSeries), so other
// items in the same run still get a chance to convert.
func Run(ctx context.Context, items []Item, store *dcm.Store, transcoders map[string]Transcoder, alloc *PathAllocator, maxRetries int, logger *slog.Logger) ([]string, []error) {
	var produced []string
	var errs []error

	for _, item := range items {
		files, err := FilesForItem(item, store)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(files) == 0 {
			errs = append(errs, fmt.Errorf("conversion item %q has no source files", item.Target))
			continue
		}

		datatype := Datatyper(item.Target)
		for _, outtype := range item.Key.OutTypes {
			t, ok := transcoders[outtype]
			if !ok {
				errs = append(errs, fmt.Errorf("no transcoder registered for outtype %q", outtype))
				continue
			}

			placement, err := bidslayout.ResolvePlacement(item.Target, datatype, "", "")
			if err != nil {
				errs = append(errs, err)
				continue
			}

			if outtype == "dicom" {
				workDir := WorkingPrefix(filepath.Dir(item.Target), filepath.Base(item.Target))
				out, err := RunWithRetry(ctx, t, files, workDir, maxRetries, logger)
				if err != nil {
					errs = append(errs, annotateSeriesError(err, item))
					continue
				}
				dest, err := FinalizeDicomCopy(out, placement, alloc)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				produced = append(produced, dest)
				continue
			}

			workingPrefix := WorkingPrefix(filepath.Dir(item.Target), filepath.Base(item.Target))
			out, err := RunWithRetry(ctx, t, files, workingPrefix, maxRetries, logger)
			if err != nil {
				errs = append(errs, annotateSeriesError(err, item))
				continue
			}
			suppress := len(item.SeriesIDs) > 0 && seriesSuppressesNIfTI(item.SeriesIDs, store)
			final, err := FinalizeOutputs(out, placement, alloc, suppress)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, p := range final {
				produced = append(produced, p)
			}
		}
	}
	return produced, errs
}

func seriesSuppressesNIfTI(seriesIDs []string, store *dcm.Store) bool {
	for _, sid := range seriesIDs {
		g, ok := store.BySeriesID(sid)
		if !ok {
			continue
		}
		if SuppressNIfTI(g.SeqInfo.ImageType, g.SeqInfo.ProtocolName) {
			return true
		}
	}
	return false
}

func annotateSeriesError(err error, item Item) error {
	seriesID := ""
	if len(item.SeriesIDs) > 0 {
		seriesID = item.SeriesIDs[0]
	}
	if te, ok := err.(*engine.TranscoderError); ok {
		te.SeriesID = seriesID
		return te
	}
	return err
}

// ValidateDecisions is a thin wrapper kept here so callers in cmd/dcmpipe
// don't need to import internal/heuristic directly just to validate.
func ValidateDecisions(decisions []heuristic.Decision, seqinfos []dcm.SeqInfo) error {
	return heuristic.Validate(decisions, seqinfos)
}
