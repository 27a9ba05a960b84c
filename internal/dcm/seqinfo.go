// Package dcm reads DICOM headers (stopping before pixel data), groups
// files into series, and produces SeqInfo records per series.
package dcm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SeqInfo is one record per acquired series. Field order is canonical and
// persisted verbatim to dicominfo.tsv; it must never be reordered — the
// provenance store and every heuristic that indexes seqinfo by position
// depends on it.
type SeqInfo struct {
	TotalFilesTillNow      int
	ExampleDcmFile         string
	SeriesID               string
	DcmDirName             string
	Unspecified2           string
	Unspecified3           string
	Dim1                   int
	Dim2                   int
	Dim3                   int
	Dim4                   int
	TR                     float64
	TE                     float64
	ProtocolName           string
	IsMotionCorrected      bool
	IsDerived              bool
	PatientID              string
	StudyDescription       string
	ReferringPhysicianName string
	SeriesDescription      string
	ImageType              []string
	AccessionNumber        string
	PatientAge             string
	PatientSex             string
	Date                   string
	SeriesUID              string
	Time                   string
}

// seqInfoColumns is the canonical TSV header, in persisted column order.
var seqInfoColumns = []string{
	"total_files_till_now", "example_dcm_file", "series_id", "dcm_dir_name",
	"unspecified2", "unspecified3", "dim1", "dim2", "dim3", "dim4", "TR", "TE",
	"protocol_name", "is_motion_corrected", "is_derived", "patient_id",
	"study_description", "referring_physician_name", "series_description",
	"image_type", "accession_number", "patient_age", "patient_sex", "date",
	"series_uid", "time",
}

func formatFloat(f float64) string {
	if math.IsNaN(f) {
		return "nan"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func parseFloat(s string) (float64, error) {
	if s == "" || s == "nan" || s == "NaN" {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// Row renders the SeqInfo as a tab-separated row in canonical column order.
func (s SeqInfo) Row() []string {
	return []string{
		strconv.Itoa(s.TotalFilesTillNow),
		s.ExampleDcmFile,
		s.SeriesID,
		s.DcmDirName,
		s.Unspecified2,
		s.Unspecified3,
		strconv.Itoa(s.Dim1),
		strconv.Itoa(s.Dim2),
		strconv.Itoa(s.Dim3),
		strconv.Itoa(s.Dim4),
		formatFloat(s.TR),
		formatFloat(s.TE),
		s.ProtocolName,
		strconv.FormatBool(s.IsMotionCorrected),
		strconv.FormatBool(s.IsDerived),
		s.PatientID,
		s.StudyDescription,
		s.ReferringPhysicianName,
		s.SeriesDescription,
		strings.Join(s.ImageType, ","),
		s.AccessionNumber,
		s.PatientAge,
		s.PatientSex,
		s.Date,
		s.SeriesUID,
		s.Time,
	}
}

// ParseSeqInfoRow parses a single TSV data row (as produced by Row) back
// into a SeqInfo. It is the exact inverse of Row, so that dicominfo.tsv
// round-trips through the grouper's serializer/parser.
func ParseSeqInfoRow(row []string) (SeqInfo, error) {
	if len(row) != len(seqInfoColumns) {
		return SeqInfo{}, fmt.Errorf("seqinfo row has %d fields, want %d", len(row), len(seqInfoColumns))
	}
	var s SeqInfo
	var err error
	atoi := func(v string) int {
		n, convErr := strconv.Atoi(v)
		if convErr != nil {
			err = convErr
		}
		return n
	}
	s.TotalFilesTillNow = atoi(row[0])
	s.ExampleDcmFile = row[1]
	s.SeriesID = row[2]
	s.DcmDirName = row[3]
	s.Unspecified2 = row[4]
	s.Unspecified3 = row[5]
	s.Dim1 = atoi(row[6])
	s.Dim2 = atoi(row[7])
	s.Dim3 = atoi(row[8])
	s.Dim4 = atoi(row[9])
	if s.TR, err = parseFloat(row[10]); err != nil {
		return SeqInfo{}, err
	}
	if s.TE, err = parseFloat(row[11]); err != nil {
		return SeqInfo{}, err
	}
	s.ProtocolName = row[12]
	s.IsMotionCorrected = row[13] == "true"
	s.IsDerived = row[14] == "true"
	s.PatientID = row[15]
	s.StudyDescription = row[16]
	s.ReferringPhysicianName = row[17]
	s.SeriesDescription = row[18]
	if row[19] != "" {
		s.ImageType = strings.Split(row[19], ",")
	}
	s.AccessionNumber = row[20]
	s.PatientAge = row[21]
	s.PatientSex = row[22]
	s.Date = row[23]
	s.SeriesUID = row[24]
	s.Time = row[25]
	if err != nil {
		return SeqInfo{}, err
	}
	return s, nil
}

// WriteSeqInfoTSV renders rows (in the order given) to dicominfo.tsv format.
func WriteSeqInfoTSV(rows []SeqInfo) string {
	var b strings.Builder
	b.WriteString(strings.Join(seqInfoColumns, "\t"))
	b.WriteByte('\n')
	for _, r := range rows {
		b.WriteString(strings.Join(r.Row(), "\t"))
		b.WriteByte('\n')
	}
	return b.String()
}

// ParseSeqInfoTSV parses dicominfo.tsv content back into rows, in file
// order. The header line is validated against the canonical column set.
func ParseSeqInfoTSV(content string) ([]SeqInfo, error) {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, nil
	}
	header := strings.Split(lines[0], "\t")
	if len(header) != len(seqInfoColumns) {
		return nil, fmt.Errorf("dicominfo.tsv header has %d columns, want %d", len(header), len(seqInfoColumns))
	}
	for i, h := range header {
		if h != seqInfoColumns[i] {
			return nil, fmt.Errorf("dicominfo.tsv column %d is %q, want %q", i, h, seqInfoColumns[i])
		}
	}
	rows := make([]SeqInfo, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		row, err := ParseSeqInfoRow(strings.Split(line, "\t"))
		if err != nil {
			return nil, fmt.Errorf("parsing dicominfo.tsv row: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
