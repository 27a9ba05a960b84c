package dcm

import (
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// attributeRegistry maps the DICOM keywords a heuristic's "custom" grouping
// mode (spec.md §4.2) may name to their tag.Tag, generalizing the teacher's
// internal/util/tagregistry.go name lookup from a fixed generator-tag set
// to the attributes a grouping heuristic plausibly needs.
var attributeRegistry = map[string]tag.Tag{
	"studyinstanceuid":       tag.StudyInstanceUID,
	"seriesinstanceuid":      tag.SeriesInstanceUID,
	"accessionnumber":        tag.AccessionNumber,
	"patientid":              tag.PatientID,
	"protocolname":           tag.ProtocolName,
	"seriesdescription":      tag.SeriesDescription,
	"studydescription":       tag.StudyDescription,
	"seriesnumber":           tag.SeriesNumber,
	"modality":               tag.Modality,
	"echonumbers":            tag.EchoNumbers,
	"echotime":               tag.EchoTime,
	"repetitiontime":         tag.RepetitionTime,
	"acquisitiondate":        tag.AcquisitionDate,
	"acquisitiontime":        tag.AcquisitionTime,
	"contentdate":            tag.ContentDate,
	"contenttime":            tag.ContentTime,
	"referringphysicianname": tag.ReferringPhysicianName,
	"imagetype":              tag.ImageType,
	"patientage":             tag.PatientAge,
	"patientsex":             tag.PatientSex,
	"sopclassuid":            tag.SOPClassUID,
	"institutionname":        tag.InstitutionName,
}

// LookupAttribute resolves a case-insensitive DICOM keyword to its tag.Tag.
func LookupAttribute(name string) (tag.Tag, bool) {
	t, ok := attributeRegistry[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// AttributeByName returns the first string value of the DICOM attribute
// named by a heuristic's "custom" grouping attribute, used to partition
// input when grouping is delegated to a plain tag name rather than a
// callback (spec.md §4.2).
func AttributeByName(f *DicomFile, name string) (string, bool) {
	t, ok := LookupAttribute(name)
	if !ok {
		return "", false
	}
	v := f.str(t)
	return v, v != ""
}
