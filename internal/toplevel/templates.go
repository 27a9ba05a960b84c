// Package toplevel manages the dataset-wide files an engine run shares
// across every subject it converts: dataset_description.json, CHANGES,
// README, participants.tsv/json, task sidecars, and the advisory locking
// that keeps concurrent engine instances from corrupting them.
package toplevel

import (
	"os"
	"path/filepath"

	"github.com/dcmpipe/dcmpipe/internal/bidslayout"
)

const bidsVersion = "1.8.0"

// DatasetDefaults overrides the placeholder values populate_bids_templates
// ported from would otherwise leave as "TODO:" stubs.
type DatasetDefaults struct {
	License         string
	Authors         []string
	Acknowledgements string
}

// PopulateTemplates writes the dataset-wide template files under path when
// they don't already exist, per populate_bids_templates. Existing files are
// left untouched — "do not touch any existing thing, it may be precious".
func PopulateTemplates(path string, defaults DatasetDefaults) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}

	descriptor := filepath.Join(path, "dataset_description.json")
	if !exists(descriptor) {
		if err := writeDatasetDescription(descriptor, defaults); err != nil {
			return err
		}
	}

	sourcedataReadme := filepath.Join(path, "sourcedata", "README")
	if exists(filepath.Dir(sourcedataReadme)) {
		if err := createIfMissing(sourcedataReadme,
			"TODO: Provide description about source data, e.g.\n"+
				"Directory below contains DICOMS compressed into tarballs per "+
				"each sequence, replicating directory hierarchy of the BIDS dataset itself."); err != nil {
			return err
		}
	}

	if err := createIfMissing(filepath.Join(path, "CHANGES"),
		"0.0.1  Initial data acquired\n"+
			"TODOs:\n\t- verify and possibly extend information in participants.tsv\n"+
			"\t- fill out dataset_description.json, README, sourcedata/README (if present)\n"+
			"\t- provide _events.tsv file for each _bold.nii.gz with onsets of events"); err != nil {
		return err
	}
	if err := createIfMissing(filepath.Join(path, "README"),
		"TODO: Provide description for the dataset -- basic details about the "+
			"study, possibly pointing to pre-registration (if public or embargoed)"); err != nil {
		return err
	}
	if err := createIfMissing(filepath.Join(path, "scans.json"), scansFileFieldsJSON); err != nil {
		return err
	}
	if err := createIfMissing(filepath.Join(path, ".bidsignore"), ".duecredit.p"); err != nil {
		return err
	}
	if exists(filepath.Join(path, ".git")) {
		if err := createIfMissing(filepath.Join(path, ".gitignore"), ".duecredit.p"); err != nil {
			return err
		}
	}
	return nil
}

func writeDatasetDescription(path string, d DatasetDefaults) error {
	s := bidslayout.NewSidecar()
	must := func(err error) {
		if err != nil {
			panic(err) // Set only fails on unmarshalable values, never the case here
		}
	}
	must(s.Set("Name", "TODO: name of the dataset"))
	must(s.Set("BIDSVersion", bidsVersion))
	must(s.Set("License", orDefault(d.License, "TODO: choose a license, e.g. PDDL (http://opendatacommons.org/licenses/pddl/)")))
	must(s.Set("Authors", orDefaultSlice(d.Authors, []string{"TODO:", "First1 Last1", "First2 Last2", "..."})))
	must(s.Set("Acknowledgements", orDefault(d.Acknowledgements, "TODO: whom you want to acknowledge")))
	must(s.Set("HowToAcknowledge", "TODO: describe how to acknowledge -- either cite a corresponding paper, or just in acknowledgement section"))
	must(s.Set("Funding", []string{"TODO", "GRANT #1", "GRANT #2"}))
	must(s.Set("ReferencesAndLinks", []string{"TODO", "List of papers or websites"}))
	must(s.Set("DatasetDOI", "TODO: eventually a DOI for the dataset"))
	out, err := s.MarshalIndent()
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o644)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultSlice(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

const scansFileFieldsJSON = `{
  "filename": {
    "Description": "Name of the nifti file"
  },
  "acq_time": {
    "LongName": "Acquisition time",
    "Description": "Acquisition time of particular scan"
  },
  "operator": {
    "Description": "Name of the operator"
  },
  "randstr": {
    "LongName": "Random string",
    "Description": "md5 hash used to maintain the confidentiality of subjects"
  }
}`

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func createIfMissing(path, contents string) error {
	if exists(path) {
		return nil
	}
	return os.WriteFile(path, []byte(contents), 0o644)
}
