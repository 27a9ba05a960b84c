// Package provenance persists, per subject (and session), the heuristic
// that produced a conversion, its seqinfo table, and the engine's
// key->series mapping, so that a later run against the same inputs can
// detect drift and decide what to skip.
package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dcmpipe/dcmpipe/internal/dcm"
	"github.com/dcmpipe/dcmpipe/internal/heuristic"
)

// Store roots the hidden provenance directory at an output dataset root.
type Store struct {
	Root string
}

// New returns a Store rooted under the given output dataset root.
func New(root string) *Store {
	return &Store{Root: root}
}

// InfoDir is the per-subject[/session] info directory, matching the
// on-disk layout's `.heudiconv/<SID>[/ses-<SES>]/info/` path.
func (s *Store) InfoDir(subject, session string) string {
	if session == "" {
		return filepath.Join(s.Root, ".heudiconv", subject, "info")
	}
	return filepath.Join(s.Root, ".heudiconv", subject, "ses-"+session, "info")
}

func (s *Store) heuristicPath(subject, session string) string {
	return filepath.Join(s.InfoDir(subject, session), "heuristic.py")
}

func (s *Store) dicomInfoPath(subject, session string) string {
	return filepath.Join(s.InfoDir(subject, session), "dicominfo.tsv")
}

func (s *Store) fileGroupPath(subject, session string) string {
	return filepath.Join(s.InfoDir(subject, session), "filegroup.json")
}

func (s *Store) autoDir(subject, session string) string {
	return filepath.Join(s.InfoDir(subject, session), "auto")
}

func (s *Store) editDir(subject, session string) string {
	return filepath.Join(s.InfoDir(subject, session), "edit")
}

func (s *Store) rerunLogPath(subject, session string) string {
	return filepath.Join(s.InfoDir(subject, session), "rerun.log")
}

// decisionDTO is the JSON-serializable shape of a heuristic.Decision, kept
// separate from heuristic.Key/Match so field renames there don't silently
// change the on-disk auto/edit mapping format.
type decisionDTO struct {
	Template    string     `json:"template"`
	OutTypes    []string   `json:"outtypes"`
	Annotations []string   `json:"annotations,omitempty"`
	Matches     []matchDTO `json:"matches"`
}

type matchDTO struct {
	SeriesID string            `json:"series_id"`
	Extra    map[string]string `json:"extra,omitempty"`
}

func toDTOs(decisions []heuristic.Decision) []decisionDTO {
	out := make([]decisionDTO, 0, len(decisions))
	for _, d := range decisions {
		matches := make([]matchDTO, 0, len(d.Matches))
		for _, m := range d.Matches {
			matches = append(matches, matchDTO{SeriesID: m.SeriesID, Extra: m.Extra})
		}
		out = append(out, decisionDTO{
			Template:    d.Key.Template,
			OutTypes:    d.Key.OutTypes,
			Annotations: d.Key.Annotations,
			Matches:     matches,
		})
	}
	return out
}

func fromDTOs(dtos []decisionDTO) []heuristic.Decision {
	out := make([]heuristic.Decision, 0, len(dtos))
	for _, dto := range dtos {
		matches := make([]heuristic.Match, 0, len(dto.Matches))
		for _, m := range dto.Matches {
			matches = append(matches, heuristic.Match{SeriesID: m.SeriesID, Extra: m.Extra})
		}
		out = append(out, heuristic.Decision{
			Key: heuristic.Key{
				Template:    dto.Template,
				OutTypes:    dto.OutTypes,
				Annotations: dto.Annotations,
			},
			Matches: matches,
		})
	}
	return out
}

// Record is the full provenance snapshot for one subject[/session].
type Record struct {
	Heuristic []byte
	SeqInfos  []dcm.SeqInfo
	FileGroup map[string][]string
	Auto      []heuristic.Decision
}

// HeuristicHash is the stable fingerprint used both for drift detection
// and as the index's heuristic_hash column.
func HeuristicHash(heuristicSource []byte) string {
	sum := sha256.Sum256(heuristicSource)
	return hex.EncodeToString(sum[:])
}

// Load reads the stored provenance for a subject[/session]. ok is false
// when no record has ever been written (first run).
func (s *Store) Load(subject, session string) (Record, bool, error) {
	heuristicSrc, err := os.ReadFile(s.heuristicPath(subject, session))
	if os.IsNotExist(err) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("reading stored heuristic: %w", err)
	}

	var rec Record
	rec.Heuristic = heuristicSrc

	tsvData, err := os.ReadFile(s.dicomInfoPath(subject, session))
	if err != nil && !os.IsNotExist(err) {
		return Record{}, false, fmt.Errorf("reading dicominfo.tsv: %w", err)
	}
	if err == nil {
		rec.SeqInfos, err = dcm.ParseSeqInfoTSV(string(tsvData))
		if err != nil {
			return Record{}, false, fmt.Errorf("parsing dicominfo.tsv: %w", err)
		}
	}

	fgData, err := os.ReadFile(s.fileGroupPath(subject, session))
	if err != nil && !os.IsNotExist(err) {
		return Record{}, false, fmt.Errorf("reading filegroup.json: %w", err)
	}
	if err == nil {
		if err := json.Unmarshal(fgData, &rec.FileGroup); err != nil {
			return Record{}, false, fmt.Errorf("parsing filegroup.json: %w", err)
		}
	}

	rec.Auto, err = s.readDecisionDir(s.autoDir(subject, session))
	if err != nil {
		return Record{}, false, err
	}

	return rec, true, nil
}

// LoadEdit reads an edit/ override mapping, if one has been placed by a
// human reviewer. ok is false when no override exists.
func (s *Store) LoadEdit(subject, session string) ([]heuristic.Decision, bool, error) {
	decisions, err := s.readDecisionDir(s.editDir(subject, session))
	if err != nil {
		return nil, false, err
	}
	if decisions == nil {
		return nil, false, nil
	}
	return decisions, true, nil
}

func (s *Store) readDecisionDir(dir string) ([]heuristic.Decision, error) {
	data, err := os.ReadFile(filepath.Join(dir, "decisions.json"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var dtos []decisionDTO
	if err := json.Unmarshal(data, &dtos); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", dir, err)
	}
	return fromDTOs(dtos), nil
}

// Save writes the heuristic source, seqinfo table, file group mapping, and
// engine-derived key->series auto mapping for a subject[/session],
// overwriting any prior snapshot. It never touches edit/, which is
// exclusively a human-authored override.
func (s *Store) Save(subject, session string, rec Record) error {
	dir := s.InfoDir(subject, session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating provenance dir: %w", err)
	}
	if err := os.WriteFile(s.heuristicPath(subject, session), rec.Heuristic, 0o644); err != nil {
		return fmt.Errorf("writing heuristic.py: %w", err)
	}
	if err := os.WriteFile(s.dicomInfoPath(subject, session), []byte(dcm.WriteSeqInfoTSV(rec.SeqInfos)), 0o644); err != nil {
		return fmt.Errorf("writing dicominfo.tsv: %w", err)
	}
	fgData, err := json.MarshalIndent(rec.FileGroup, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling filegroup.json: %w", err)
	}
	if err := os.WriteFile(s.fileGroupPath(subject, session), fgData, 0o644); err != nil {
		return fmt.Errorf("writing filegroup.json: %w", err)
	}

	if err := writeDecisionsFile(s.autoDir(subject, session), rec.Auto); err != nil {
		return fmt.Errorf("writing auto mapping: %w", err)
	}
	return nil
}

// writeDecisionsFile writes a decisions.json into dir, creating it if
// needed. Shared by Save (auto/) and by tests and editors writing edit/.
func writeDecisionsFile(dir string, decisions []heuristic.Decision) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(toDTOs(decisions), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "decisions.json"), data, 0o644)
}

// AppendRerunLog appends a timestamped line to the per-subject rerun log.
func (s *Store) AppendRerunLog(subject, session, message string) error {
	dir := s.InfoDir(subject, session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating provenance dir: %w", err)
	}
	f, err := os.OpenFile(s.rerunLogPath(subject, session), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening rerun log: %w", err)
	}
	defer f.Close()
	line := fmt.Sprintf("%s\t%s\n", time.Now().UTC().Format(time.RFC3339), message)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("appending rerun log: %w", err)
	}
	return nil
}

// EffectiveDecisions returns the edit/ override when present and distinct
// from auto/, otherwise the auto/ mapping itself. This is the "edit, if
// present and non-identical, overrides for the next rerun" rule.
func (s *Store) EffectiveDecisions(subject, session string, auto []heuristic.Decision) ([]heuristic.Decision, error) {
	edit, ok, err := s.LoadEdit(subject, session)
	if err != nil {
		return nil, err
	}
	if !ok {
		return auto, nil
	}
	if decisionsEqual(edit, auto) {
		return auto, nil
	}
	return edit, nil
}

func decisionsEqual(a, b []heuristic.Decision) bool {
	aj, _ := json.Marshal(toDTOs(sortedDecisions(a)))
	bj, _ := json.Marshal(toDTOs(sortedDecisions(b)))
	return string(aj) == string(bj)
}

func sortedDecisions(decisions []heuristic.Decision) []heuristic.Decision {
	out := make([]heuristic.Decision, len(decisions))
	copy(out, decisions)
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Template < out[j].Key.Template })
	return out
}
