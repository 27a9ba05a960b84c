package bidslayout

import "testing"

func TestFormatAcqTimePreservesFraction(t *testing.T) {
	got := FormatAcqTime(AcqTimeSource{AcquisitionDate: "20230115", AcquisitionTime: "143012.500000"})
	want := "2023-01-15T14:30:12.500000"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestFormatAcqTimeFallsBackToContentTime(t *testing.T) {
	got := FormatAcqTime(AcqTimeSource{ContentDate: "20230115", ContentTime: "143012"})
	if got != "2023-01-15T14:30:12" {
		t.Fatalf("got %q", got)
	}
}

func TestFormatAcqTimeNA(t *testing.T) {
	if got := FormatAcqTime(AcqTimeSource{}); got != "n/a" {
		t.Fatalf("got %q, want n/a", got)
	}
}

func TestSortScanRowsOrdersByAcqTimeThenFilename(t *testing.T) {
	rows := []ScanRow{
		{Filename: "c.nii.gz", AcqTime: "n/a"},
		{Filename: "b.nii.gz", AcqTime: "2023-01-15T10:00:00"},
		{Filename: "a.nii.gz", AcqTime: "2023-01-15T09:00:00"},
	}
	SortScanRows(rows)
	want := []string{"a.nii.gz", "b.nii.gz", "c.nii.gz"}
	for i, w := range want {
		if rows[i].Filename != w {
			t.Fatalf("rows[%d] = %q, want %q", i, rows[i].Filename, w)
		}
	}
}

func TestMergeScanRowsKeepsExistingUntouched(t *testing.T) {
	existing := []ScanRow{{Filename: "a.nii.gz", AcqTime: "2023-01-15T09:00:00", Operator: "orig"}}
	incoming := []ScanRow{{Filename: "a.nii.gz", AcqTime: "2023-01-15T09:00:00", Operator: "new"}}
	merged := MergeScanRows(existing, incoming)
	if len(merged) != 1 || merged[0].Operator != "orig" {
		t.Fatalf("got %+v, want existing row preserved", merged)
	}
}

func TestMergeScanRowsAppendsNew(t *testing.T) {
	existing := []ScanRow{{Filename: "a.nii.gz", AcqTime: "2023-01-15T09:00:00"}}
	incoming := []ScanRow{{Filename: "b.nii.gz", AcqTime: "2023-01-15T08:00:00"}}
	merged := MergeScanRows(existing, incoming)
	if len(merged) != 2 || merged[0].Filename != "b.nii.gz" {
		t.Fatalf("got %+v", merged)
	}
}

func TestParseScansTSVRoundTrips(t *testing.T) {
	rows := []ScanRow{
		{Filename: "func/a.nii.gz", AcqTime: "2023-01-15T09:00:00", Operator: "n/a", RandomStr: "abcd1234"},
		{Filename: "anat/b.nii.gz", AcqTime: "n/a", Operator: "n/a", RandomStr: "deadbeef"},
	}
	parsed, err := ParseScansTSV(ScansTSV(rows))
	if err != nil {
		t.Fatalf("ParseScansTSV: %v", err)
	}
	if len(parsed) != len(rows) {
		t.Fatalf("got %d rows, want %d", len(parsed), len(rows))
	}
	for i, r := range rows {
		if parsed[i] != r {
			t.Fatalf("row %d: got %+v, want %+v", i, parsed[i], r)
		}
	}
}

func TestParseScansTSVEmptyContent(t *testing.T) {
	rows, err := ParseScansTSV("")
	if err != nil {
		t.Fatalf("ParseScansTSV: %v", err)
	}
	if rows != nil {
		t.Fatalf("expected nil rows, got %+v", rows)
	}
}

func TestNewRandomStrLength(t *testing.T) {
	s, err := NewRandomStr()
	if err != nil {
		t.Fatalf("NewRandomStr: %v", err)
	}
	if len(s) != 8 {
		t.Fatalf("len = %d, want 8", len(s))
	}
}
