package bidslayout

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// Placement is a fully resolved output path: directory plus parsed name,
// ready for FinalPath once any echo/magnitude disambiguation has been
// applied.
type Placement struct {
	Dir  string
	Name *Name
}

// ResolvePlacement parses a heuristic-expanded target path (directory plus
// BIDS-entity filename stem, no suffix/extension decided yet) and applies
// the modality default suffix when the heuristic's template didn't name
// one, per spec.md §4.5.
func ResolvePlacement(targetPath, datatype, suffix, extension string) (*Placement, error) {
	dir, base := filepath.Split(targetPath)
	n, err := Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing heuristic target %q: %w", targetPath, err)
	}
	if suffix == "" {
		suffix = DefaultSuffix(datatype)
	}
	n.SetSuffix(suffix)
	n.SetExtension(extension)
	RewriteLegacyPhaseRec(n)
	return &Placement{Dir: strings.TrimSuffix(dir, "/"), Name: n}, nil
}

// FinalPath renders a Placement's full output path.
func (p *Placement) FinalPath() (string, error) {
	name, err := p.Name.String()
	if err != nil {
		return "", err
	}
	return filepath.Join(p.Dir, name), nil
}

// ApplyMagnitudeSuffix overrides a fieldmap placement's suffix with its
// 1-based magnitude index ("magnitude1", "magnitude2"), per BIDS fieldmap
// naming: magnitude images are distinguished by suffix, not by entity.
func ApplyMagnitudeSuffix(p *Placement, index int) {
	p.Name.SetSuffix(fmt.Sprintf("magnitude%d", index))
}

// SidecarEdit is one field the engine itself computes and therefore owns;
// anything not listed here is left untouched when merging into a
// transcoder-produced sidecar, per spec.md §4.5's "preserves fields not
// under its control".
type SidecarEdit struct {
	Key   string
	Value any
}

// MergeSidecar applies the engine's own edits on top of a transcoder's
// sidecar and stamps HeudiconvVersion, returning the bytes to write. When
// pretty-printing the transcoder document would change the semantics of a
// quoted string, it instead returns a compact, unindented rendering of the
// merged fields (each untouched value keeps its original bytes) and logs a
// warning; the warning does not name the sidecar file.
func MergeSidecar(transcoderJSON []byte, edits []SidecarEdit, engineVersion string, logger *slog.Logger) ([]byte, error) {
	s, err := ParseSidecar(transcoderJSON)
	if err != nil {
		return nil, fmt.Errorf("parsing transcoder sidecar: %w", err)
	}
	for _, e := range edits {
		if err := s.Set(e.Key, e.Value); err != nil {
			return nil, err
		}
	}
	if err := s.Set("HeudiconvVersion", engineVersion); err != nil {
		return nil, err
	}
	out, err := s.MarshalIndent()
	if err != nil {
		return nil, fmt.Errorf("rendering sidecar: %w", err)
	}
	if !RoundTripSafe(transcoderJSON) {
		if logger != nil {
			logger.Warn("sidecar pretty-print would alter value semantics, writing compact merge instead")
		}
		return compactMerge(transcoderJSON, edits, engineVersion)
	}
	return out, nil
}

// compactMerge performs the same field overlay as MergeSidecar without
// round-tripping through indentation, used when RoundTripSafe rejects the
// pretty-printed form.
func compactMerge(transcoderJSON []byte, edits []SidecarEdit, engineVersion string) ([]byte, error) {
	s, err := ParseSidecar(transcoderJSON)
	if err != nil {
		return nil, err
	}
	for _, e := range edits {
		if err := s.Set(e.Key, e.Value); err != nil {
			return nil, err
		}
	}
	if err := s.Set("HeudiconvVersion", engineVersion); err != nil {
		return nil, err
	}
	var parts []string
	for _, key := range s.order {
		v, _ := s.Get(key)
		kJSON := `"` + strings.ReplaceAll(key, `"`, `\"`) + `"`
		parts = append(parts, kJSON+":"+string(v))
	}
	return []byte("{" + strings.Join(parts, ",") + "}"), nil
}
