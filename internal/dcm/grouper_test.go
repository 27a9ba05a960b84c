package dcm

import (
	"testing"
)

func mkFile(path, study, series, accession, protocol string, seriesNum int) *DicomFile {
	return NewDicomFile(path, Fields{
		StudyInstanceUID:  study,
		SeriesInstanceUID: series,
		AccessionNumber:   accession,
		PatientID:         "sub-01",
		StudyDescription:  "study-desc",
		ProtocolName:      protocol,
		SeriesDescription: protocol,
		SeriesNumber:      seriesNum,
		Rows:              64,
		Columns:           64,
		NumberOfFrames:    1,
	})
}

func TestGroupByAccessionNumber(t *testing.T) {
	files := []*DicomFile{
		mkFile("/d/a1.dcm", "study1", "series1", "acc1", "localizer", 1),
		mkFile("/d/a2.dcm", "study1", "series2", "acc1", "bold", 2),
		mkFile("/d/b1.dcm", "study2", "series3", "acc2", "localizer", 1),
	}
	groups, err := Group(files, Options{Mode: GroupingAccessionNumber})
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if len(groups[0].Series) != 2 {
		t.Fatalf("group 0: got %d series, want 2", len(groups[0].Series))
	}
	if groups[0].Series[0].SeqInfo.ProtocolName != "localizer" {
		t.Fatalf("expected localizer (series 1) first, got %s", groups[0].Series[0].SeqInfo.ProtocolName)
	}
	if groups[0].Series[1].SeqInfo.ProtocolName != "bold" {
		t.Fatalf("expected bold (series 2) second, got %s", groups[0].Series[1].SeqInfo.ProtocolName)
	}
}

func TestGroupByStudyUID(t *testing.T) {
	files := []*DicomFile{
		mkFile("/d/a1.dcm", "study1", "series1", "acc1", "localizer", 1),
		mkFile("/d/a2.dcm", "study1", "series2", "acc2", "bold", 2),
	}
	groups, err := Group(files, Options{Mode: GroupingStudyUID})
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1 (same study)", len(groups))
	}
	if len(groups[0].Series) != 2 {
		t.Fatalf("got %d series, want 2", len(groups[0].Series))
	}
}

func TestGroupAll(t *testing.T) {
	files := []*DicomFile{
		mkFile("/d/a1.dcm", "study1", "series1", "acc1", "localizer", 1),
		mkFile("/d/b1.dcm", "study2", "series2", "acc2", "bold", 2),
	}
	groups, err := Group(files, Options{Mode: GroupingAll})
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	if len(groups[0].Series) != 2 {
		t.Fatalf("got %d series, want 2", len(groups[0].Series))
	}
}

func TestGroupCustomAttribute(t *testing.T) {
	files := []*DicomFile{
		mkFile("/d/a1.dcm", "study1", "series1", "acc1", "localizer", 1),
		mkFile("/d/a2.dcm", "study1", "series2", "acc1", "bold", 2),
	}
	groups, err := Group(files, Options{
		Mode:   GroupingCustom,
		Custom: CustomGrouper{AttributeName: "patientid"},
	})
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1 (same patient id)", len(groups))
	}
}

func TestGroupCustomFunc(t *testing.T) {
	files := []*DicomFile{
		mkFile("/d/a1.dcm", "study1", "series1", "acc1", "localizer", 1),
		mkFile("/d/b1.dcm", "study2", "series2", "acc2", "bold", 2),
	}
	groups, err := Group(files, Options{
		Mode: GroupingCustom,
		Custom: CustomGrouper{Func: func(fs []*DicomFile) (map[string][]*DicomFile, error) {
			out := map[string][]*DicomFile{}
			for _, f := range fs {
				out["one-bucket"] = append(out["one-bucket"], f)
			}
			return out, nil
		}},
	})
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	if len(groups) != 1 || len(groups[0].Series) != 2 {
		t.Fatalf("unexpected grouping result: %+v", groups)
	}
}

func TestGroupExcludesNonImageStorage(t *testing.T) {
	f := mkFile("/d/a1.dcm", "study1", "series1", "acc1", "localizer", 1)
	f.SOPClassUID = "1.2.840.10008.5.1.4.1.1.66"
	groups, err := Group([]*DicomFile{f}, Options{Mode: GroupingAll})
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected raw data storage file excluded, got %d groups", len(groups))
	}
}

func TestGroupSplitEchoes(t *testing.T) {
	f1 := mkFile("/d/e1.dcm", "study1", "series1", "acc1", "fmap", 5)
	f1.HasEchoNumber, f1.EchoNumberVal = true, 1
	f2 := mkFile("/d/e2.dcm", "study1", "series1", "acc1", "fmap", 5)
	f2.HasEchoNumber, f2.EchoNumberVal = true, 2

	groups, err := Group([]*DicomFile{f1, f2}, Options{Mode: GroupingAll, SplitEchoes: true})
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	if len(groups[0].Series) != 2 {
		t.Fatalf("expected echo split to yield 2 series, got %d", len(groups[0].Series))
	}
}

func TestCheckStudyConsistency(t *testing.T) {
	ok := []SeriesGroup{
		{SeqInfo: SeqInfo{PatientID: "sub-01", StudyDescription: "d"}},
		{SeqInfo: SeqInfo{PatientID: "sub-01", StudyDescription: "d"}},
	}
	if err := CheckStudyConsistency(ok); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	bad := []SeriesGroup{
		{SeqInfo: SeqInfo{PatientID: "sub-01", StudyDescription: "d"}},
		{SeqInfo: SeqInfo{PatientID: "sub-02", StudyDescription: "d"}},
	}
	if err := CheckStudyConsistency(bad); err == nil {
		t.Fatal("expected patient_id mismatch error")
	}
}

func TestAssignTotals(t *testing.T) {
	groups := []StudyGroup{{Series: []SeriesGroup{
		{Files: []string{"a", "b"}},
		{Files: []string{"c"}},
	}}}
	AssignTotals(groups)
	if groups[0].Series[0].SeqInfo.TotalFilesTillNow != 2 {
		t.Fatalf("got %d, want 2", groups[0].Series[0].SeqInfo.TotalFilesTillNow)
	}
	if groups[0].Series[1].SeqInfo.TotalFilesTillNow != 3 {
		t.Fatalf("got %d, want 3", groups[0].Series[1].SeqInfo.TotalFilesTillNow)
	}
}
