// Package heuristic hosts the pluggable decision module that maps seqinfo
// records onto BIDS conversion targets. A heuristic is resolved by
// filesystem path or by a short bundled name, and its return values are
// validated against the series actually present before C4 acts on them.
package heuristic

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dcmpipe/dcmpipe/internal/dcm"
)

// Key is a conversion target: a BIDS-ish output template plus the file
// types the heuristic wants produced for it. It mirrors create_key's
// (template, outtype, annotation_classes) tuple.
type Key struct {
	Template    string
	OutTypes    []string
	Annotations []string
}

// CreateKey is the default create_key helper the engine provides so a
// heuristic need not reimplement it.
func CreateKey(template string, outTypes []string, annotations []string) (Key, error) {
	if strings.TrimSpace(template) == "" {
		return Key{}, fmt.Errorf("heuristic key template must be a non-empty string")
	}
	if len(outTypes) == 0 {
		outTypes = []string{"nii.gz"}
	}
	return Key{Template: template, OutTypes: outTypes, Annotations: annotations}, nil
}

var allowedOutTypes = map[string]bool{
	"nii": true, "nii.gz": true, "dicom": true,
}

// Decision binds one conversion target to the SeriesIDs (or, when the
// heuristic needs to pass extra template slots, a richer Match) it applies
// to.
type Decision struct {
	Key     Key
	Matches []Match
}

// Match is one item bound to a Key: a series id, plus any extra named
// template slots the heuristic supplied via a dict value instead of a bare
// series id.
type Match struct {
	SeriesID string
	Extra    map[string]string
}

// IDs is infotoids' return shape: the locator/session/subject derived from
// the data when the heuristic wants to override what the caller supplied.
type IDs struct {
	Locator string
	Session string
	Subject string
}

// Heuristic is the full entry-point contract. Every method may be a no-op
// default; Host wraps a partial implementation supplied by a backend to
// fill in defaults for anything the heuristic's author left out.
type Heuristic interface {
	InfoToDict(seqinfos []dcm.SeqInfo) ([]Decision, error)
	InfoToIDs(seqinfos []dcm.SeqInfo, outdir string) (IDs, bool, error)
	FilterFiles(path string) bool
	FilterDicom(f *dcm.DicomFile) bool
	Grouping() (string, func([]*dcm.DicomFile) (map[string][]*dcm.DicomFile, error), bool)
	PopulateIntendedForOpts() map[string]any
}

// Base implements Heuristic with the documented defaults (spec.md §4.3:
// "any may be omitted; defaults then apply"). Backends embed Base and
// override only the methods they implement.
type Base struct{}

func (Base) InfoToIDs(seqinfos []dcm.SeqInfo, outdir string) (IDs, bool, error) {
	return IDs{}, false, nil
}
func (Base) FilterFiles(path string) bool { return false }
func (Base) FilterDicom(f *dcm.DicomFile) bool { return false }
func (Base) Grouping() (string, func([]*dcm.DicomFile) (map[string][]*dcm.DicomFile, error), bool) {
	return "", nil, false
}
func (Base) PopulateIntendedForOpts() map[string]any { return nil }

// Validate checks every Decision's Key and Matches against the seqinfos
// actually present, per spec.md §4.3's host validation requirement.
func Validate(decisions []Decision, seqinfos []dcm.SeqInfo) error {
	known := make(map[string]bool, len(seqinfos))
	for _, s := range seqinfos {
		known[s.SeriesID] = true
	}
	for _, d := range decisions {
		if strings.TrimSpace(d.Key.Template) == "" {
			return fmt.Errorf("heuristic returned a decision with an empty template")
		}
		for _, ot := range d.Key.OutTypes {
			if !allowedOutTypes[ot] {
				return fmt.Errorf("heuristic key %q uses disallowed outtype %q", d.Key.Template, ot)
			}
		}
		for _, m := range d.Matches {
			if !known[m.SeriesID] {
				return fmt.Errorf("heuristic key %q references unknown series id %q", d.Key.Template, m.SeriesID)
			}
		}
	}
	return nil
}

// Load resolves heuristic by path first, then by bundled name, matching
// spec.md §4.3's "path lookup precedes name lookup". A ".yaml"/".yml" path
// loads the declarative backend; any other existing path is treated as a
// compiled Go plugin (built with -buildmode=plugin, exporting a package
// level `New func() heuristic.Heuristic`). A bare name with no path
// separator and no matching file resolves against the bundled registry.
func Load(spec string) (Heuristic, string, error) {
	if strings.ContainsRune(spec, os.PathSeparator) || pathExists(spec) {
		resolved, err := filepath.Abs(spec)
		if err != nil {
			return nil, "", fmt.Errorf("resolving heuristic path %s: %w", spec, err)
		}
		h, err := loadFromPath(resolved)
		if err != nil {
			return nil, "", err
		}
		return h, resolved, nil
	}
	h, ok := bundled[spec]
	if !ok {
		return nil, "", fmt.Errorf("unknown bundled heuristic %q", spec)
	}
	return h(), spec, nil
}

func pathExists(p string) bool {
	_, err := os.Lstat(p)
	return err == nil
}

var bundled = map[string]func() Heuristic{}

// Register adds a heuristic constructor to the bundled-by-name registry.
// Called from init() in the backends that ship with the engine.
func Register(name string, ctor func() Heuristic) {
	bundled[name] = ctor
}

// BundledNames lists every name registered against the bundled registry,
// sorted, for callers (such as an interactive picker) that want to offer a
// menu rather than require the name be known in advance.
func BundledNames() []string {
	names := make([]string, 0, len(bundled))
	for name := range bundled {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// pathLoaders maps a lowercased file extension (including the dot) to a
// backend's loader, so declarative-format backends can register
// themselves without the heuristic package importing them directly (which
// would create an import cycle, since those backends implement Heuristic
// and so must import this package).
var pathLoaders = map[string]func(path string) (Heuristic, error){}

// RegisterPathLoader adds a backend loader for the given extension. Called
// from the backend package's init(); callers that want that backend
// available must blank-import its package.
func RegisterPathLoader(ext string, fn func(path string) (Heuristic, error)) {
	pathLoaders[strings.ToLower(ext)] = fn
}

func loadFromPath(path string) (Heuristic, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if loader, ok := pathLoaders[ext]; ok {
		return loader(path)
	}
	return loadPlugin(path)
}
