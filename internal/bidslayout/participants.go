package bidslayout

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ParticipantRow is one row of participants.tsv.
type ParticipantRow struct {
	ParticipantID string
	Age           string
	Sex           string
	Group         string
}

// MaybeNA returns "n/a" for an empty or whitespace-only value, else the
// trimmed value unchanged.
func MaybeNA(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return "n/a"
	}
	return v
}

// TreatAge normalizes a DICOM PatientAge value (format nnnD/W/M/Y, e.g.
// "032Y" or "009M") into participants.tsv's age column. A months value is
// converted to fractional years with two decimal places ("9/12" of a year
// reads as 0.75); years, weeks, and days pass through as a plain number of
// years/weeks/days respectively, since the engine records whatever unit the
// scanner used when it isn't months. An unparseable or empty value becomes
// "n/a".
func TreatAge(raw string) string {
	age := strings.TrimSpace(raw)
	if age == "" {
		return "n/a"
	}
	unit := age[len(age)-1]
	numPart := strings.TrimLeft(age[:len(age)-1], "0")
	if numPart == "" {
		numPart = "0"
	}
	n, err := strconv.Atoi(numPart)
	if err != nil {
		return "n/a"
	}
	switch unit {
	case 'M', 'm':
		return strconv.FormatFloat(float64(n)/12.0, 'f', 2, 64)
	case 'Y', 'y', 'W', 'w', 'D', 'd':
		return strconv.Itoa(n)
	default:
		return "n/a"
	}
}

// ParseParticipantsTSV parses a participants.tsv document back into rows,
// for merging a new subject's row into a prior run's file.
func ParseParticipantsTSV(content string) ([]ParticipantRow, error) {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return nil, nil
	}
	var rows []ParticipantRow
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 4 {
			return nil, fmt.Errorf("participants.tsv row has %d fields, want 4: %q", len(fields), line)
		}
		rows = append(rows, ParticipantRow{ParticipantID: fields[0], Age: fields[1], Sex: fields[2], Group: fields[3]})
	}
	return rows, nil
}

// ParticipantsTSV renders one deduplicated row per subject (first-seen
// values win for a subject seen more than once across sessions), sorted by
// participant_id.
func ParticipantsTSV(rows []ParticipantRow) string {
	seen := make(map[string]bool, len(rows))
	var unique []ParticipantRow
	for _, r := range rows {
		if seen[r.ParticipantID] {
			continue
		}
		seen[r.ParticipantID] = true
		unique = append(unique, r)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].ParticipantID < unique[j].ParticipantID })

	var b strings.Builder
	b.WriteString("participant_id\tage\tsex\tgroup\n")
	for _, r := range unique {
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\n", r.ParticipantID, MaybeNA(r.Age), MaybeNA(r.Sex), MaybeNA(r.Group))
	}
	return b.String()
}
