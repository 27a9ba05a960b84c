package provenance

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // register the pure-Go sqlite driver
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS conversions (
	subject         TEXT NOT NULL,
	session         TEXT NOT NULL DEFAULT '',
	series_id       TEXT NOT NULL,
	heuristic_hash  TEXT NOT NULL,
	output_hash     TEXT NOT NULL,
	converted_at    TEXT NOT NULL,
	PRIMARY KEY (subject, session, series_id)
);
`

// Index is the supplementary cross-subject resume cache backed by
// .heudiconv/index.db. It never decides anything on its own: Resolve
// always re-validates against the flat-file Record before a lookup here
// is trusted.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (creating if absent) the index database under an output
// dataset root.
func OpenIndex(root string) (*Index, error) {
	path := filepath.Join(root, ".heudiconv", "index.db")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating index dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=synchronous(normal)")
	if err != nil {
		return nil, fmt.Errorf("opening index db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database handle.
func (i *Index) Close() error {
	return i.db.Close()
}

// Entry is one cached (subject, session, series) conversion record.
type Entry struct {
	HeuristicHash string
	OutputHash    string
	ConvertedAt   time.Time
}

// Record upserts a cache entry after a series has been converted (or
// confirmed unchanged) this run.
func (i *Index) Record(subject, session, seriesID, heuristicHash, outputHash string, convertedAt time.Time) error {
	_, err := i.db.Exec(`INSERT INTO conversions (subject, session, series_id, heuristic_hash, output_hash, converted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject, session, series_id) DO UPDATE SET
			heuristic_hash = excluded.heuristic_hash,
			output_hash = excluded.output_hash,
			converted_at = excluded.converted_at`,
		subject, session, seriesID, heuristicHash, outputHash, convertedAt.UTC().Format(time.RFC3339))
	return err
}

// Lookup returns the cached entry for one series, if any.
func (i *Index) Lookup(subject, session, seriesID string) (Entry, bool, error) {
	row := i.db.QueryRow(`SELECT heuristic_hash, output_hash, converted_at FROM conversions
		WHERE subject = ? AND session = ? AND series_id = ?`, subject, session, seriesID)
	var e Entry
	var convertedAt string
	if err := row.Scan(&e.HeuristicHash, &e.OutputHash, &convertedAt); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, false, nil
		}
		return Entry{}, false, err
	}
	e.ConvertedAt, _ = time.Parse(time.RFC3339, convertedAt)
	return e, true, nil
}

// Forget removes every cached entry for a subject[/session], used when a
// rebuild determines the cache has drifted from the flat-file record.
func (i *Index) Forget(subject, session string) error {
	_, err := i.db.Exec(`DELETE FROM conversions WHERE subject = ? AND session = ?`, subject, session)
	return err
}

// Rebuild repopulates the cache for one subject[/session] from its
// authoritative flat-file record, used when the index is missing or a
// lookup's heuristic_hash no longer matches the record on disk.
func Rebuild(idx *Index, subject, session string, rec Record, outputHashes map[string]string, convertedAt time.Time) error {
	if err := idx.Forget(subject, session); err != nil {
		return fmt.Errorf("clearing stale index entries: %w", err)
	}
	hash := HeuristicHash(rec.Heuristic)
	for _, si := range rec.SeqInfos {
		outHash := outputHashes[si.SeriesID]
		if err := idx.Record(subject, session, si.SeriesID, hash, outHash, convertedAt); err != nil {
			return fmt.Errorf("rebuilding index for series %s: %w", si.SeriesID, err)
		}
	}
	return nil
}
