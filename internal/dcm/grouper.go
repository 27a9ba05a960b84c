package dcm

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"
)

// SeriesGroup is one acquired series: its SeqInfo plus the ordered list of
// contributing DICOM file paths.
type SeriesGroup struct {
	SeqInfo SeqInfo
	Files   []string
}

// StudyGroup is one top-level group produced by the configured grouping
// mode (a study, an accession, the whole input, or a custom partition),
// holding its series in series-number order.
type StudyGroup struct {
	Key    string
	Series []SeriesGroup
}

// CustomGrouper lets a heuristic take over top-level grouping entirely by
// naming either a DICOM attribute (resolved via LookupAttribute) or
// supplying a callback. Exactly one of AttributeName or Func should be set;
// AttributeName is checked first, matching spec.md §4.2's "a DICOM
// attribute name or a function".
type CustomGrouper struct {
	AttributeName string
	Func          func([]*DicomFile) (map[string][]*DicomFile, error)
}

// Options configures Group.
type Options struct {
	Mode GroupingMode
	// Custom is consulted only when Mode == GroupingCustom.
	Custom CustomGrouper
	// SplitEchoes sub-partitions a series by EchoNumbers when present, so
	// that echo sets land in stable, independently-orderable sub-series
	// (spec.md §4.2).
	SplitEchoes bool
	// FileFilter, when non-nil, excludes a path from grouping when it
	// returns false (a heuristic's filter_files, inverted to "keep").
	FileFilter func(path string) bool
	// DicomFilter, when non-nil, excludes a parsed DICOM from grouping when
	// it returns true (a heuristic's filter_dicom).
	DicomFilter func(*DicomFile) bool
}

// GroupingMode mirrors engine.GroupingMode without importing the engine
// package (avoiding an import cycle); the two are kept in lockstep by the
// caller via string conversion.
type GroupingMode string

const (
	GroupingAccessionNumber GroupingMode = "accession_number"
	GroupingStudyUID        GroupingMode = "studyUID"
	GroupingAll             GroupingMode = "all"
	GroupingCustom          GroupingMode = "custom"
)

// Group partitions files into StudyGroups per opts.Mode, then into series
// within each group by SeriesInstanceUID (optionally split by echo), and
// builds one SeqInfo per series. Returned StudyGroups are in the order
// their first file was encountered, except with a custom grouping callback,
// where they follow the iteration order of the callback's map, which is not
// defined; series within a group are ordered by ascending series number.
func Group(files []*DicomFile, opts Options) ([]StudyGroup, error) {
	kept := make([]*DicomFile, 0, len(files))
	for _, f := range files {
		if opts.FileFilter != nil && !opts.FileFilter(f.Path) {
			continue
		}
		if opts.DicomFilter != nil && opts.DicomFilter(f) {
			continue
		}
		if f.IsNonImageStorage() {
			continue
		}
		if f.SeriesInstanceUID == "" {
			continue
		}
		kept = append(kept, f)
	}

	groupIDs, order, err := topLevelGroups(kept, opts)
	if err != nil {
		return nil, err
	}

	groups := make([]StudyGroup, 0, len(order))
	for _, key := range order {
		seriesMap := map[string][]*DicomFile{}
		seriesOrder := []string{}
		for _, f := range groupIDs[key] {
			sid := seriesSubKey(f, opts.SplitEchoes)
			if _, ok := seriesMap[sid]; !ok {
				seriesOrder = append(seriesOrder, sid)
			}
			seriesMap[sid] = append(seriesMap[sid], f)
		}

		series := make([]SeriesGroup, 0, len(seriesOrder))
		for idx, sid := range seriesOrder {
			sg, buildErr := buildSeriesGroup(seriesMap[sid], idx)
			if buildErr != nil {
				return nil, buildErr
			}
			series = append(series, sg)
		}
		sort.SliceStable(series, func(i, j int) bool {
			return seriesNumberOf(series[i].SeqInfo.SeriesID) < seriesNumberOf(series[j].SeqInfo.SeriesID)
		})
		groups = append(groups, StudyGroup{Key: key, Series: series})
	}
	return groups, nil
}

// topLevelGroups assigns each file to a group key per the configured mode
// and returns both the per-key file slices and the first-seen key order.
func topLevelGroups(files []*DicomFile, opts Options) (map[string][]*DicomFile, []string, error) {
	out := map[string][]*DicomFile{}
	var order []string
	add := func(key string, f *DicomFile) {
		if _, ok := out[key]; !ok {
			order = append(order, key)
		}
		out[key] = append(out[key], f)
	}

	switch opts.Mode {
	case GroupingAll:
		for _, f := range files {
			add("all", f)
		}
	case GroupingStudyUID:
		for _, f := range files {
			add(f.StudyInstanceUID, f)
		}
	case GroupingAccessionNumber, "":
		for _, f := range files {
			key := f.StudyInstanceUID + "|" + f.AccessionNumber
			add(key, f)
		}
	case GroupingCustom:
		if opts.Custom.AttributeName != "" {
			for _, f := range files {
				v, ok := AttributeByName(f, opts.Custom.AttributeName)
				if !ok {
					v = "unknown"
				}
				add(v, f)
			}
		} else if opts.Custom.Func != nil {
			m, err := opts.Custom.Func(files)
			if err != nil {
				return nil, nil, fmt.Errorf("custom grouping callback: %w", err)
			}
			for k, fs := range m {
				out[k] = fs
				order = append(order, k)
			}
		} else {
			return nil, nil, fmt.Errorf("custom grouping selected but no attribute or function configured")
		}
	default:
		return nil, nil, fmt.Errorf("unknown grouping mode %q", opts.Mode)
	}
	return out, order, nil
}

func seriesSubKey(f *DicomFile, splitEchoes bool) string {
	if !splitEchoes {
		return f.SeriesInstanceUID
	}
	if echo, ok := f.EchoNumber(); ok {
		return fmt.Sprintf("%s:echo%d", f.SeriesInstanceUID, echo)
	}
	return f.SeriesInstanceUID
}

func seriesNumberOf(seriesID string) int {
	parts := strings.SplitN(seriesID, "-", 2)
	n := 0
	fmt.Sscanf(parts[0], "%d", &n)
	return n
}

// buildSeriesGroup sorts a series' files deterministically and extracts its
// SeqInfo. seriesIndex is used as the series number when the first file
// carries none; TotalFilesTillNow is filled in by the caller once overall
// ordering across the study is known.
func buildSeriesGroup(files []*DicomFile, seriesIndex int) (SeriesGroup, error) {
	if len(files) == 0 {
		return SeriesGroup{}, fmt.Errorf("empty series group")
	}
	sortSeriesFiles(files)
	first := files[0]

	seriesNum := first.SeriesNumber
	if seriesNum < 0 {
		seriesNum = seriesIndex
	}
	seriesID := fmt.Sprintf("%d-%s", seriesNum, sanitizeForID(first.ProtocolName))

	te, teOK := first.EchoTime()
	if !teOK {
		te = math.NaN()
	}
	tr, trOK := first.RepetitionTime()
	trMs := math.NaN()
	if trOK {
		trMs = tr
	}

	imageType := first.ImageType
	motionCorrected := strings.Contains(strings.ToUpper(first.SeriesDescription), "MOCO")
	for _, it := range imageType {
		if strings.Contains(strings.ToUpper(it), "MOCO") {
			motionCorrected = true
		}
	}
	isDerived := false
	for _, it := range imageType {
		if strings.EqualFold(it, "DERIVED") {
			isDerived = true
		}
	}

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}

	rows, cols := first.Rows, first.Columns
	dim4 := first.NumberOfFrames
	if dim4 < 1 {
		dim4 = 1
	}
	if dim4 == 1 && len(files) > 1 {
		// multi-file series (one file per slice/volume): dim4 tracks file count
		dim4 = len(files)
	}

	seq := SeqInfo{
		ExampleDcmFile:         filepath.Base(first.Path),
		SeriesID:               seriesID,
		DcmDirName:             filepath.Base(filepath.Dir(first.Path)),
		Unspecified2:           "-",
		Unspecified3:           "-",
		Dim1:                   rows,
		Dim2:                   cols,
		Dim3:                   1,
		Dim4:                   dim4,
		TR:                     trMs,
		TE:                     te,
		ProtocolName:           first.ProtocolName,
		IsMotionCorrected:      motionCorrected,
		IsDerived:              isDerived,
		PatientID:              first.PatientID,
		StudyDescription:       first.StudyDescription,
		ReferringPhysicianName: first.ReferringPhysicianName,
		SeriesDescription:      first.SeriesDescription,
		ImageType:              imageType,
		AccessionNumber:        first.AccessionNumber,
		PatientAge:             first.PatientAge,
		PatientSex:             first.PatientSex,
		Date:                   first.AcquisitionDate,
		SeriesUID:              first.SeriesInstanceUID,
		Time:                   first.AcquisitionTime,
	}
	return SeriesGroup{SeqInfo: seq, Files: paths}, nil
}

// sortSeriesFiles orders a series' files so that downstream transcoding of
// multi-file series (e.g. fieldmap magnitude pairs) is deterministic:
// ascending echo number first (absent sorts last), then path.
func sortSeriesFiles(files []*DicomFile) {
	sort.SliceStable(files, func(i, j int) bool {
		ei, iok := files[i].EchoNumber()
		ej, jok := files[j].EchoNumber()
		if iok != jok {
			return iok
		}
		if iok && jok && ei != ej {
			return ei < ej
		}
		return files[i].Path < files[j].Path
	})
}

func sanitizeForID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "none"
	}
	var b strings.Builder
	for _, r := range s {
		if r == ' ' {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// AssignTotals fills TotalFilesTillNow across every series of every group,
// in the order groups/series are given, matching the running-total
// semantics of the original grouper.
func AssignTotals(groups []StudyGroup) {
	total := 0
	for gi := range groups {
		for si := range groups[gi].Series {
			total += len(groups[gi].Series[si].Files)
			groups[gi].Series[si].SeqInfo.TotalFilesTillNow = total
		}
	}
}

// CheckStudyConsistency verifies spec.md §3's invariant that every SeqInfo
// within a study shares patient_id and study_description. It returns the
// first mismatch found.
func CheckStudyConsistency(series []SeriesGroup) error {
	if len(series) == 0 {
		return nil
	}
	wantPatient := series[0].SeqInfo.PatientID
	wantStudy := series[0].SeqInfo.StudyDescription
	for _, s := range series[1:] {
		if s.SeqInfo.PatientID != wantPatient {
			return fmt.Errorf("conflicting patient_id within study: %q vs %q", wantPatient, s.SeqInfo.PatientID)
		}
		if s.SeqInfo.StudyDescription != wantStudy {
			return fmt.Errorf("conflicting study_description within study: %q vs %q", wantStudy, s.SeqInfo.StudyDescription)
		}
	}
	return nil
}
