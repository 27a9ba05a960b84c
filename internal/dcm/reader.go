package dcm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Fields is the flattened subset of DICOM header values the pipeline needs
// downstream, extracted once at parse time so grouping, heuristics, and
// tests never touch the underlying dicom.Dataset directly.
type Fields struct {
	StudyInstanceUID        string
	SeriesInstanceUID       string
	AccessionNumber         string
	Modality                string
	PatientID               string
	StudyDescription        string
	SeriesDescription       string
	PatientAge              string
	PatientSex              string
	AcquisitionDate         string
	AcquisitionTime         string
	ContentDate             string
	ContentTime             string
	ImageType               []string
	ReferringPhysicianName  string
	PerformingPhysicianName string
	ProtocolName            string
	SequenceName            string
	SOPClassUID             string

	SeriesNumber int // -1 when absent

	EchoNumberVal    int
	HasEchoNumber    bool
	EchoTimeVal      float64
	HasEchoTime      bool
	RepetitionTimeMs float64
	HasRepetitionTime bool

	Rows           int
	Columns        int
	NumberOfFrames int
}

// DicomFile is a path plus the Fields extracted from it. Header parsing
// stops before pixel data.
type DicomFile struct {
	Path string
	Fields
}

// NewDicomFile builds a DicomFile directly from already-extracted fields,
// bypassing the dicom library entirely. Used by tests and by any future
// non-file DICOM source.
func NewDicomFile(path string, fields Fields) *DicomFile {
	return &DicomFile{Path: path, Fields: fields}
}

// siemensProtocolNameTag is the private Siemens tag (0019,109C) used as a
// protocol-name fallback when the standard tag is absent.
var siemensProtocolNameTag = tag.Tag{Group: 0x0019, Element: 0x109c}

// gePhilipsSequenceNameTag is (0018,0024), present on GE and Philips.
var gePhilipsSequenceNameTag = tag.Tag{Group: 0x0018, Element: 0x0024}

// ReadHeader parses path as a DICOM file, stopping before pixel data and
// tolerating missing optional tags. A file that is not a valid DICOM
// returns an error so the caller can exclude it silently.
func ReadHeader(path string) (*DicomFile, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &DicomFile{Path: path, Fields: extractFields(ds)}, nil
}

func extractFields(ds dicom.Dataset) Fields {
	element := func(t tag.Tag) *dicom.Element {
		elem, err := ds.FindElementByTag(t)
		if err != nil {
			return nil
		}
		return elem
	}
	str := func(t tag.Tag) string {
		elem := element(t)
		if elem == nil {
			return ""
		}
		vals, ok := elem.Value.GetValue().([]string)
		if !ok || len(vals) == 0 {
			return ""
		}
		return strings.TrimSpace(vals[0])
	}
	strs := func(t tag.Tag) []string {
		elem := element(t)
		if elem == nil {
			return nil
		}
		vals, ok := elem.Value.GetValue().([]string)
		if !ok {
			return nil
		}
		out := make([]string, len(vals))
		for i, v := range vals {
			out[i] = strings.TrimSpace(v)
		}
		return out
	}
	intVal := func(t tag.Tag) (int, bool) {
		s := str(t)
		if s == "" {
			return 0, false
		}
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	floatVal := func(t tag.Tag) (float64, bool) {
		s := str(t)
		if s == "" {
			return 0, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}

	f := Fields{
		StudyInstanceUID:        str(tag.StudyInstanceUID),
		SeriesInstanceUID:       str(tag.SeriesInstanceUID),
		AccessionNumber:         str(tag.AccessionNumber),
		Modality:                str(tag.Modality),
		PatientID:               str(tag.PatientID),
		StudyDescription:        str(tag.StudyDescription),
		SeriesDescription:       str(tag.SeriesDescription),
		PatientAge:              str(tag.PatientAge),
		PatientSex:              str(tag.PatientSex),
		AcquisitionDate:         str(tag.AcquisitionDate),
		AcquisitionTime:         str(tag.AcquisitionTime),
		ContentDate:             str(tag.ContentDate),
		ContentTime:             str(tag.ContentTime),
		ImageType:               strs(tag.ImageType),
		ReferringPhysicianName:  str(tag.ReferringPhysicianName),
		PerformingPhysicianName: str(tag.PerformingPhysicianName),
		SOPClassUID:             str(tag.SOPClassUID),
	}

	f.SeriesNumber = -1
	if n, ok := intVal(tag.SeriesNumber); ok {
		f.SeriesNumber = n
	}
	f.EchoNumberVal, f.HasEchoNumber = intVal(tag.EchoNumbers)
	f.EchoTimeVal, f.HasEchoTime = floatVal(tag.EchoTime)
	f.RepetitionTimeMs, f.HasRepetitionTime = floatVal(tag.RepetitionTime)

	if v := str(tag.ProtocolName); v != "" {
		f.ProtocolName = v
	} else {
		f.ProtocolName = str(siemensProtocolNameTag)
	}

	if v := str(gePhilipsSequenceNameTag); v != "" {
		f.SequenceName = v
	} else if v := str(siemensProtocolNameTag); v != "" {
		f.SequenceName = v
	} else {
		f.SequenceName = "Not found"
	}

	f.Rows, _ = intVal(tag.Rows)
	f.Columns, _ = intVal(tag.Columns)
	if n, ok := intVal(tag.NumberOfFrames); ok && n >= 1 {
		f.NumberOfFrames = n
	} else {
		f.NumberOfFrames = 1
	}

	return f
}

// str returns the raw DICOM attribute value named by a heuristic's custom
// grouping key; used by AttributeByName in tags.go.
func (f *DicomFile) str(t tag.Tag) string {
	switch t {
	case tag.StudyInstanceUID:
		return f.StudyInstanceUID
	case tag.SeriesInstanceUID:
		return f.SeriesInstanceUID
	case tag.AccessionNumber:
		return f.AccessionNumber
	case tag.PatientID:
		return f.PatientID
	case tag.ProtocolName:
		return f.ProtocolName
	case tag.SeriesDescription:
		return f.SeriesDescription
	case tag.StudyDescription:
		return f.StudyDescription
	case tag.Modality:
		return f.Modality
	case tag.ReferringPhysicianName:
		return f.ReferringPhysicianName
	case tag.PatientAge:
		return f.PatientAge
	case tag.PatientSex:
		return f.PatientSex
	case tag.AcquisitionDate:
		return f.AcquisitionDate
	case tag.AcquisitionTime:
		return f.AcquisitionTime
	case tag.ContentDate:
		return f.ContentDate
	case tag.ContentTime:
		return f.ContentTime
	case tag.SOPClassUID:
		return f.SOPClassUID
	case tag.SeriesNumber:
		return strconv.Itoa(f.SeriesNumber)
	case tag.EchoNumbers:
		if f.HasEchoNumber {
			return strconv.Itoa(f.EchoNumberVal)
		}
		return ""
	case tag.EchoTime:
		if f.HasEchoTime {
			return strconv.FormatFloat(f.EchoTimeVal, 'g', -1, 64)
		}
		return ""
	case tag.RepetitionTime:
		if f.HasRepetitionTime {
			return strconv.FormatFloat(f.RepetitionTimeMs, 'g', -1, 64)
		}
		return ""
	case tag.ImageType:
		return strings.Join(f.ImageType, ",")
	default:
		return ""
	}
}

// EchoNumber returns EchoNumbers when present.
func (f *DicomFile) EchoNumber() (int, bool) { return f.EchoNumberVal, f.HasEchoNumber }

// EchoTime returns EchoTime in milliseconds, or ok=false when absent.
func (f *DicomFile) EchoTime() (float64, bool) { return f.EchoTimeVal, f.HasEchoTime }

// RepetitionTime returns RepetitionTime in milliseconds, or ok=false when absent.
func (f *DicomFile) RepetitionTime() (float64, bool) { return f.RepetitionTimeMs, f.HasRepetitionTime }

// IsNonImageStorage reports whether the file is a non-image storage class
// that should never anchor a series (Raw Data Storage, Grayscale Softcopy
// Presentation State Storage).
func (f *DicomFile) IsNonImageStorage() bool {
	switch f.SOPClassUID {
	case "1.2.840.10008.5.1.4.1.1.66", // Raw Data Storage
		"1.2.840.10008.5.1.4.1.1.11.1": // Grayscale Softcopy Presentation State Storage
		return true
	}
	return false
}
