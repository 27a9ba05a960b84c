package e2e

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// seriesFixture describes one series worth of synthetic DICOM instances to
// write to disk for a scenario's input directory. Pixel content is a flat
// fill -- these scenarios only exercise header-driven grouping, heuristic
// matching, and BIDS placement, never pixel values.
type seriesFixture struct {
	StudyUID          string
	SeriesUID         string
	AccessionNumber   string
	PatientID         string
	PatientAge        string
	PatientSex        string
	Modality          string
	SeriesNumber      int
	SeriesDescription string
	ProtocolName      string
	ImageType         []string
	AcquisitionDate   string
	AcquisitionTime   string
	Rows              int
	Columns           int
	// EchoTimes has one entry per instance written; a multi-echo series
	// supplies more than one. A nil/empty slice writes a single instance.
	EchoTimes []float64
	Diffusion bool
}

func mustElement(t tag.Tag, value interface{}) *dicom.Element {
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		panic(fmt.Sprintf("building element %v: %v", t, err))
	}
	return elem
}

// writeSeries writes one synthetic DICOM file per echo (or a single file
// for a non-multi-echo series) into dir.
func writeSeries(dir string, f seriesFixture) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	rows, cols := f.Rows, f.Columns
	if rows == 0 {
		rows = 4
	}
	if cols == 0 {
		cols = 4
	}

	echoTimes := f.EchoTimes
	if len(echoTimes) == 0 {
		echoTimes = []float64{0}
	}

	for i, te := range echoTimes {
		instance := i + 1

		nativeFrame := frame.NewNativeFrame[uint16](16, rows, cols, rows*cols, 1)
		for idx := range nativeFrame.RawData {
			nativeFrame.RawData[idx] = 128
		}
		pixelDataInfo := dicom.PixelDataInfo{
			Frames: []*frame.Frame{{Encapsulated: false, NativeData: nativeFrame}},
		}

		elements := []*dicom.Element{
			mustElement(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
			mustElement(tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.4"}),
			mustElement(tag.SOPInstanceUID, []string{fmt.Sprintf("%s.%d", f.SeriesUID, instance)}),
			mustElement(tag.StudyInstanceUID, []string{f.StudyUID}),
			mustElement(tag.SeriesInstanceUID, []string{f.SeriesUID}),
			mustElement(tag.AccessionNumber, []string{f.AccessionNumber}),
			mustElement(tag.Modality, []string{f.Modality}),
			mustElement(tag.PatientID, []string{f.PatientID}),
			mustElement(tag.PatientAge, []string{f.PatientAge}),
			mustElement(tag.PatientSex, []string{f.PatientSex}),
			mustElement(tag.SeriesNumber, []string{fmt.Sprintf("%d", f.SeriesNumber)}),
			mustElement(tag.InstanceNumber, []string{fmt.Sprintf("%d", instance)}),
			mustElement(tag.SeriesDescription, []string{f.SeriesDescription}),
			mustElement(tag.ProtocolName, []string{f.ProtocolName}),
			mustElement(tag.AcquisitionDate, []string{f.AcquisitionDate}),
			mustElement(tag.AcquisitionTime, []string{f.AcquisitionTime}),
			mustElement(tag.ContentDate, []string{f.AcquisitionDate}),
			mustElement(tag.ContentTime, []string{f.AcquisitionTime}),
			mustElement(tag.Rows, []int{rows}),
			mustElement(tag.Columns, []int{cols}),
			mustElement(tag.BitsAllocated, []int{16}),
			mustElement(tag.BitsStored, []int{16}),
			mustElement(tag.HighBit, []int{15}),
			mustElement(tag.PixelRepresentation, []int{0}),
			mustElement(tag.SamplesPerPixel, []int{1}),
			mustElement(tag.PhotometricInterpretation, []string{"MONOCHROME2"}),
		}
		if len(f.ImageType) > 0 {
			elements = append(elements, mustElement(tag.ImageType, f.ImageType))
		}
		if len(f.EchoTimes) > 0 {
			elements = append(elements,
				mustElement(tag.EchoNumbers, []string{fmt.Sprintf("%d", instance)}),
				mustElement(tag.EchoTime, []string{fmt.Sprintf("%.2f", te)}),
			)
		}
		if f.Diffusion {
			elements = append(elements,
				mustElement(tag.DiffusionBValue, []string{"1000"}),
				mustElement(tag.DiffusionGradientOrientation, []string{"0", "0", "1"}),
			)
		}
		elements = append(elements, mustElement(tag.PixelData, pixelDataInfo))

		path := filepath.Join(dir, fmt.Sprintf("IM-%04d-%04d.dcm", f.SeriesNumber, instance))
		out, err := os.Create(path)
		if err != nil {
			return err
		}
		writeErr := dicom.Write(out, dicom.Dataset{Elements: elements})
		closeErr := out.Close()
		if writeErr != nil {
			return fmt.Errorf("writing %s: %w", path, writeErr)
		}
		if closeErr != nil {
			return closeErr
		}
	}
	return nil
}
