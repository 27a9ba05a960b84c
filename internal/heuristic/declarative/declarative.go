// Package declarative implements the YAML-based heuristic backend: a data
// file naming match rules against seqinfo fields and the output template
// each rule feeds, for sites that want a heuristic without compiling Go.
package declarative

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dcmpipe/dcmpipe/internal/dcm"
	"github.com/dcmpipe/dcmpipe/internal/heuristic"
)

func init() {
	heuristic.RegisterPathLoader(".yaml", LoadFile)
	heuristic.RegisterPathLoader(".yml", LoadFile)
}

// Match is one rule's predicate: every non-empty field other than Modality
// must hold for the rule to apply to a series. String comparisons are
// case-insensitive substring checks. Modality is parsed but not evaluated,
// since SeqInfo carries no modality.
type Match struct {
	ProtocolContains          string `yaml:"protocol_name_contains"`
	SeriesDescriptionContains string `yaml:"series_description_contains"`
	ImageTypeContains         string `yaml:"image_type_contains"`
	Modality                  string `yaml:"modality"`
}

func (m Match) matches(s dcm.SeqInfo) bool {
	if m.ProtocolContains != "" && !containsFold(s.ProtocolName, m.ProtocolContains) {
		return false
	}
	if m.SeriesDescriptionContains != "" && !containsFold(s.SeriesDescription, m.SeriesDescriptionContains) {
		return false
	}
	if m.ImageTypeContains != "" {
		found := false
		for _, it := range s.ImageType {
			if containsFold(it, m.ImageTypeContains) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// Rule pairs a Match predicate with the output key it feeds.
type Rule struct {
	Match    Match    `yaml:"match"`
	Template string   `yaml:"template"`
	OutTypes []string `yaml:"outtypes"`
}

// Doc is the top-level YAML shape: an ordered list of rules, evaluated
// first-match-wins, plus an optional fallback for series no rule claims.
type Doc struct {
	Rules    []Rule `yaml:"rules"`
	Fallback *Rule  `yaml:"fallback"`
	// FilterProtocols, when set, excludes any series whose protocol name
	// contains one of these substrings (case-insensitive), implementing
	// filter_dicom declaratively.
	FilterProtocols []string `yaml:"filter_protocols"`
	// IntendedForMatching, when set, enables C6 with this matching
	// parameter (spec.md §4.6): Shims, ImagingVolume,
	// ModalityAcquisitionLabel, CustomAcquisitionLabel, or Force.
	IntendedForMatching string `yaml:"intended_for_matching"`
	IntendedForCriterion string `yaml:"intended_for_criterion"`
}

// Heuristic implements heuristic.Heuristic by walking Doc's rules.
type Heuristic struct {
	heuristic.Base
	doc Doc
}

// LoadFile parses a YAML heuristic file.
func LoadFile(path string) (heuristic.Heuristic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading heuristic %s: %w", path, err)
	}
	return Load(data)
}

// Load parses YAML heuristic content directly.
func Load(data []byte) (heuristic.Heuristic, error) {
	var doc Doc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing declarative heuristic: %w", err)
	}
	for i, r := range doc.Rules {
		if strings.TrimSpace(r.Template) == "" {
			return nil, fmt.Errorf("rule %d has an empty template", i)
		}
	}
	return Heuristic{doc: doc}, nil
}

// InfoToDict evaluates each series against the rules in order, grouping
// series that land on the same template into one Decision.
func (h Heuristic) InfoToDict(seqinfos []dcm.SeqInfo) ([]heuristic.Decision, error) {
	order := []string{}
	byTemplate := map[string]*heuristic.Decision{}

	assign := func(r Rule, s dcm.SeqInfo) error {
		key, err := heuristic.CreateKey(r.Template, r.OutTypes, nil)
		if err != nil {
			return err
		}
		d, ok := byTemplate[r.Template]
		if !ok {
			d = &heuristic.Decision{Key: key}
			byTemplate[r.Template] = d
			order = append(order, r.Template)
		}
		d.Matches = append(d.Matches, heuristic.Match{SeriesID: s.SeriesID})
		return nil
	}

	for _, s := range seqinfos {
		matched := false
		for _, r := range h.doc.Rules {
			if r.Match.matches(s) {
				if err := assign(r, s); err != nil {
					return nil, err
				}
				matched = true
				break
			}
		}
		if !matched && h.doc.Fallback != nil {
			if err := assign(*h.doc.Fallback, s); err != nil {
				return nil, err
			}
		}
	}

	decisions := make([]heuristic.Decision, 0, len(order))
	for _, t := range order {
		decisions = append(decisions, *byTemplate[t])
	}
	return decisions, nil
}

// FilterDicom excludes series whose protocol name matches a configured
// filter substring.
func (h Heuristic) FilterDicom(f *dcm.DicomFile) bool {
	for _, substr := range h.doc.FilterProtocols {
		if containsFold(f.ProtocolName, substr) {
			return true
		}
	}
	return false
}

// PopulateIntendedForOpts exposes the declarative fmap matching config to C6.
func (h Heuristic) PopulateIntendedForOpts() map[string]any {
	if h.doc.IntendedForMatching == "" {
		return nil
	}
	opts := map[string]any{"matching_parameter": h.doc.IntendedForMatching}
	if h.doc.IntendedForCriterion != "" {
		opts["criterion"] = h.doc.IntendedForCriterion
	}
	return opts
}
