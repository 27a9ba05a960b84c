package dcm

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"
)

// Store is an indexed, in-memory table of SeriesGroups for one run, letting
// C4 and C6 look series up by id, top-level group or protocol name without
// re-scanning the grouper's output on every query.
type Store struct {
	db *memdb.MemDB
}

const seriesTable = "series"

func newSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			seriesTable: {
				Name: seriesTable,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "SeriesID"},
					},
					"seriesUID": {
						Name:         "seriesUID",
						Unique:       false,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "SeriesUID"},
					},
					"group": {
						Name:         "group",
						Unique:       false,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "GroupKey"},
					},
					"protocol": {
						Name:         "protocol",
						Unique:       false,
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "ProtocolName"},
					},
				},
			},
		},
	}
}

// indexedSeries is the flattened, memdb-indexable projection of a
// SeriesGroup; SeqInfo and Files stay attached for retrieval.
type indexedSeries struct {
	SeriesID     string
	SeriesUID    string
	GroupKey     string
	ProtocolName string
	Group        SeriesGroup
}

// NewStore builds an indexed Store from the grouper's output.
func NewStore(groups []StudyGroup) (*Store, error) {
	db, err := memdb.NewMemDB(newSchema())
	if err != nil {
		return nil, fmt.Errorf("building series index: %w", err)
	}
	txn := db.Txn(true)
	for _, g := range groups {
		for _, s := range g.Series {
			rec := indexedSeries{
				SeriesID:     s.SeqInfo.SeriesID,
				SeriesUID:    s.SeqInfo.SeriesUID,
				GroupKey:     g.Key,
				ProtocolName: s.SeqInfo.ProtocolName,
				Group:        s,
			}
			if err := txn.Insert(seriesTable, rec); err != nil {
				txn.Abort()
				return nil, fmt.Errorf("indexing series %s: %w", s.SeqInfo.SeriesID, err)
			}
		}
	}
	txn.Commit()
	return &Store{db: db}, nil
}

// BySeriesID looks up a single series by its SeriesID.
func (s *Store) BySeriesID(id string) (SeriesGroup, bool) {
	txn := s.db.Txn(false)
	raw, err := txn.First(seriesTable, "id", id)
	if err != nil || raw == nil {
		return SeriesGroup{}, false
	}
	return raw.(indexedSeries).Group, true
}

// ByGroup returns every series belonging to the named top-level group,
// ordered by SeriesID as a string (not necessarily series-number order:
// callers that need that should consult the StudyGroup directly).
func (s *Store) ByGroup(groupKey string) ([]SeriesGroup, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(seriesTable, "group", groupKey)
	if err != nil {
		return nil, fmt.Errorf("querying group %s: %w", groupKey, err)
	}
	var out []SeriesGroup
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(indexedSeries).Group)
	}
	return out, nil
}

// ByProtocolName returns every series whose protocol name matches exactly,
// used by heuristics that key off protocol rather than series id.
func (s *Store) ByProtocolName(name string) ([]SeriesGroup, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(seriesTable, "protocol", name)
	if err != nil {
		return nil, fmt.Errorf("querying protocol %s: %w", name, err)
	}
	var out []SeriesGroup
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(indexedSeries).Group)
	}
	return out, nil
}

// All returns every indexed series.
func (s *Store) All() ([]SeriesGroup, error) {
	txn := s.db.Txn(false)
	it, err := txn.Get(seriesTable, "id")
	if err != nil {
		return nil, fmt.Errorf("listing series: %w", err)
	}
	var out []SeriesGroup
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(indexedSeries).Group)
	}
	return out, nil
}
