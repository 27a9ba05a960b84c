package bidslayout

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ScanRow is one row of a subject's *_scans.tsv: the produced file's path
// relative to the subject directory, its acquisition time, the operator
// recorded by the scanner, and a random string guarding against
// filename collisions across sessions.
type ScanRow struct {
	Filename  string
	AcqTime   string
	Operator  string
	RandomStr string
}

// AcqTimeSource carries the DICOM fields scans.tsv's acq_time column is
// derived from, in the engine's fallback order: acquisition date/time, then
// content date/time, then "n/a".
type AcqTimeSource struct {
	AcquisitionDate string
	AcquisitionTime string
	ContentDate     string
	ContentTime     string
}

// FormatAcqTime builds scans.tsv's acq_time column, preserving whatever
// sub-second precision the scanner recorded (DICOM TM values may carry
// fractional seconds as ".ffffff"). Returns "n/a" when neither acquisition
// nor content date/time is available.
func FormatAcqTime(src AcqTimeSource) string {
	if t, ok := formatDicomDateTime(src.AcquisitionDate, src.AcquisitionTime); ok {
		return t
	}
	if t, ok := formatDicomDateTime(src.ContentDate, src.ContentTime); ok {
		return t
	}
	return "n/a"
}

func formatDicomDateTime(date, clock string) (string, bool) {
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if len(date) < 8 || clock == "" {
		return "", false
	}
	year, month, day := date[0:4], date[4:6], date[6:8]

	hh, mm, ss, frac := "00", "00", "00", ""
	if len(clock) >= 6 {
		hh, mm, ss = clock[0:2], clock[2:4], clock[4:6]
		if dot := strings.IndexByte(clock, '.'); dot >= 0 {
			frac = clock[dot:]
		}
	}
	ts := fmt.Sprintf("%s-%s-%sT%s:%s:%s%s", year, month, day, hh, mm, ss, frac)
	if _, err := time.Parse("2006-01-02T15:04:05", ts[:19]); err != nil {
		return "", false
	}
	return ts, true
}

// NewRandomStr returns an 8-character hex string for scans.tsv's random_str
// column, guarding against filename collisions when two acquisitions would
// otherwise produce identical rows.
func NewRandomStr() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating scans.tsv random string: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// SortScanRows orders rows by ascending acq_time, placing rows with an
// unknown ("n/a") acq_time last, and breaking ties by filename.
func SortScanRows(rows []ScanRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		ai, aj := rows[i].AcqTime, rows[j].AcqTime
		iNA, jNA := ai == "n/a", aj == "n/a"
		if iNA != jNA {
			return !iNA
		}
		if ai != aj {
			return ai < aj
		}
		return rows[i].Filename < rows[j].Filename
	})
}

// ScansTSV renders rows as a tab-separated scans.tsv document, header first.
func ScansTSV(rows []ScanRow) string {
	var b strings.Builder
	b.WriteString("filename\tacq_time\toperator\trandstr\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\n", r.Filename, r.AcqTime, r.Operator, r.RandomStr)
	}
	return b.String()
}

// ParseScansTSV parses a scans.tsv document back into rows, for merging
// against a prior run's file. A missing or empty header-only document
// yields a nil slice.
func ParseScansTSV(content string) ([]ScanRow, error) {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, nil
	}
	var rows []ScanRow
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			return nil, fmt.Errorf("scans.tsv row has %d fields, want 4: %q", len(fields), line)
		}
		rows = append(rows, ScanRow{Filename: fields[0], AcqTime: fields[1], Operator: fields[2], RandomStr: fields[3]})
	}
	return rows, nil
}

// MergeScanRows merges newRows into existing, keyed by Filename: a row for
// a filename already present in existing is left untouched (the engine
// never rewrites a prior run's scans.tsv entry), and new filenames are
// appended, after which the combined set is re-sorted.
func MergeScanRows(existing, newRows []ScanRow) []ScanRow {
	seen := make(map[string]bool, len(existing))
	merged := make([]ScanRow, len(existing))
	copy(merged, existing)
	for _, r := range merged {
		seen[r.Filename] = true
	}
	for _, r := range newRows {
		if seen[r.Filename] {
			continue
		}
		merged = append(merged, r)
		seen[r.Filename] = true
	}
	SortScanRows(merged)
	return merged
}
