package fmap

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dcmpipe/dcmpipe/internal/bidslayout"
)

// MatchingParameter selects which sidecar field(s) the engine requires to
// agree between a fieldmap and the run it corrects, per
// original_source/heudiconv/bids.py's AllowedFmapParameterMatching.
type MatchingParameter string

const (
	MatchShims                    MatchingParameter = "Shims"
	MatchImagingVolume            MatchingParameter = "ImagingVolume"
	MatchModalityAcquisitionLabel MatchingParameter = "ModalityAcquisitionLabel"
	MatchCustomAcquisitionLabel   MatchingParameter = "CustomAcquisitionLabel"
	MatchPlainAcquisitionLabel    MatchingParameter = "PlainAcquisitionLabel"
	MatchForce                    MatchingParameter = "Force"
)

const forceKeyInfo = "__force__"

// KeyInfo gathers the match key for one sidecar under one parameter. Two
// sidecars are compatible under a parameter when their KeyInfo values are
// equal (for float slices, within a small tolerance).
type KeyInfo struct {
	Strings []string
	Floats  []float64
}

func (k KeyInfo) equal(o KeyInfo) bool {
	if len(k.Strings) > 0 || len(o.Strings) > 0 {
		if len(k.Strings) != len(o.Strings) {
			return false
		}
		for i := range k.Strings {
			if k.Strings[i] != o.Strings[i] {
				return false
			}
		}
		return true
	}
	if len(k.Floats) != len(o.Floats) {
		return false
	}
	for i := range k.Floats {
		if math.Abs(k.Floats[i]-o.Floats[i]) > 1e-4 {
			return false
		}
	}
	return true
}

// GetKeyInfo extracts the information a matching parameter compares,
// reading jsonPath's sidecar (and, for ModalityAcquisitionLabel/
// CustomAcquisitionLabel/PlainAcquisitionLabel, its BIDS entities), per
// get_key_info_for_fmap_assignment. ImagingVolume is read from the
// sidecar's recorded acquisition geometry fields rather than a decoded
// NIfTI header, since pixel/volume decoding is out of scope here.
func GetKeyInfo(jsonPath string, sidecar []byte, param MatchingParameter) (KeyInfo, error) {
	switch param {
	case MatchShims:
		s, err := bidslayout.ParseSidecar(sidecar)
		if err != nil {
			return KeyInfo{}, fmt.Errorf("reading sidecar %s: %w", jsonPath, err)
		}
		raw, ok := s.Get("ShimSetting")
		if !ok {
			return KeyInfo{}, nil
		}
		floats, err := parseFloatArray(string(raw))
		if err != nil {
			return KeyInfo{}, fmt.Errorf("parsing ShimSetting in %s: %w", jsonPath, err)
		}
		return KeyInfo{Floats: floats}, nil

	case MatchImagingVolume:
		s, err := bidslayout.ParseSidecar(sidecar)
		if err != nil {
			return KeyInfo{}, fmt.Errorf("reading sidecar %s: %w", jsonPath, err)
		}
		var floats []float64
		for _, field := range []string{"ImageOrientationPatientDICOM", "PixelSpacing", "SliceThickness", "AcquisitionMatrixPE"} {
			raw, ok := s.Get(field)
			if !ok {
				continue
			}
			vs, err := parseFloatArray(string(raw))
			if err == nil {
				floats = append(floats, vs...)
			}
		}
		return KeyInfo{Floats: floats}, nil

	case MatchModalityAcquisitionLabel:
		modality := filepath.Base(filepath.Dir(jsonPath))
		if modality == "fmap" {
			n, err := bidslayout.Parse(filepath.Base(jsonPath))
			if err != nil {
				return KeyInfo{}, err
			}
			acq, _ := n.Get("acq")
			lower := strings.ToLower(acq)
			switch {
			case containsAny(lower, "fmri", "bold", "func"):
				return KeyInfo{Strings: []string{"func"}}, nil
			case containsAny(lower, "diff", "dwi"):
				return KeyInfo{Strings: []string{"dwi"}}, nil
			case containsAny(lower, "anat", "struct"):
				return KeyInfo{Strings: []string{"anat"}}, nil
			}
			return KeyInfo{}, nil
		}
		return KeyInfo{Strings: []string{modality}}, nil

	case MatchCustomAcquisitionLabel:
		modality := filepath.Base(filepath.Dir(jsonPath))
		n, err := bidslayout.Parse(filepath.Base(jsonPath))
		if err != nil {
			return KeyInfo{}, err
		}
		var label string
		if modality == "func" {
			label, _ = n.Get("task")
		} else {
			label, _ = n.Get("acq")
		}
		return KeyInfo{Strings: []string{label}}, nil

	case MatchPlainAcquisitionLabel:
		n, err := bidslayout.Parse(filepath.Base(jsonPath))
		if err != nil {
			return KeyInfo{}, err
		}
		label, _ := n.Get("acq")
		return KeyInfo{Strings: []string{label}}, nil

	case MatchForce:
		return KeyInfo{Strings: []string{forceKeyInfo}}, nil

	default:
		return KeyInfo{}, nil
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func parseFloatArray(raw string) ([]float64, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "[]")
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
