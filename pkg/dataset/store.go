package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/malbeclabs/datakit/pkg/record"
)

// CorruptError reports an existing dataset file that could not be read back.
// The store never overwrites such a file; the caller must resolve it first.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("dataset %s is unreadable: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

type Config struct {
	Logger *slog.Logger
	Path   string
	Schema record.Schema
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Path == "" {
		return errors.New("path is required")
	}
	if err := cfg.Schema.Validate(); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	return nil
}

// Store reconciles fetched records with the on-disk CSV dataset at a single
// path. One pipeline run owns the file exclusively; concurrent writers are
// not supported.
type Store struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (s *Store) Path() string { return s.cfg.Path }

// Result summarizes one merge.
type Result struct {
	Added    int // records not previously in the dataset
	Replaced int // records that won a dedup-key conflict
	Removed  int // records discarded by a scope replacement
	Total    int // records in the dataset after the merge
}

// Load reads the existing dataset. An absent file yields no records; an
// unreadable or mis-shaped file yields a CorruptError.
func (s *Store) Load() ([]record.Record, error) {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &CorruptError{Path: s.cfg.Path, Err: err}
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, &CorruptError{Path: s.cfg.Path, Err: err}
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]
	if len(header) != len(s.cfg.Schema.Columns) {
		return nil, &CorruptError{Path: s.cfg.Path, Err: fmt.Errorf("header has %d columns, schema has %d", len(header), len(s.cfg.Schema.Columns))}
	}
	for i, c := range s.cfg.Schema.Columns {
		if header[i] != c {
			return nil, &CorruptError{Path: s.cfg.Path, Err: fmt.Errorf("header column %d is %q, expected %q", i, header[i], c)}
		}
	}

	records := make([]record.Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		records = append(records, s.cfg.Schema.FromRow(row))
	}
	return records, nil
}

// Merge reconciles incoming records with the dataset under the given policy
// and writes the union back atomically. An empty incoming set leaves the file
// untouched.
func (s *Store) Merge(incoming []record.Record, policy Policy) (Result, error) {
	existing, err := s.Load()
	if err != nil {
		return Result{}, err
	}

	if len(incoming) == 0 {
		s.log.Debug("dataset/store: nothing fetched, dataset unchanged", "path", s.cfg.Path, "total", len(existing))
		return Result{Total: len(existing)}, nil
	}

	merged, res := policy.Merge(existing, incoming)
	res.Total = len(merged)

	if err := s.write(merged); err != nil {
		return Result{}, err
	}
	s.log.Debug("dataset/store: merged", "path", s.cfg.Path,
		"added", res.Added, "replaced", res.Replaced, "removed", res.Removed, "total", res.Total)
	return res, nil
}

// Replace discards the existing dataset and writes only the incoming records.
// A corrupt existing file still fails: replacement must be explicit, not a
// side effect of unreadable state.
func (s *Store) Replace(incoming []record.Record) (Result, error) {
	existing, err := s.Load()
	if err != nil {
		return Result{}, err
	}
	if err := s.write(incoming); err != nil {
		return Result{}, err
	}
	return Result{
		Added:   len(incoming),
		Removed: len(existing),
		Total:   len(incoming),
	}, nil
}

// MaxTime returns the newest timestamp in the given column across the
// dataset. Reports false when the file is absent or no value parses. Used to
// resume incremental fetch windows from where the last run left off.
func (s *Store) MaxTime(column string) (time.Time, bool, error) {
	records, err := s.Load()
	if err != nil {
		return time.Time{}, false, err
	}

	var max time.Time
	found := false
	for _, r := range records {
		if t, ok := record.TimeValue(r, column); ok {
			if !found || t.After(max) {
				max = t
				found = true
			}
		}
	}
	return max, found, nil
}

// write sorts records by the schema time column and atomically replaces the
// dataset file: stage to a temp file, fsync, rename.
func (s *Store) write(records []record.Record) error {
	sorted := make([]record.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		return s.less(sorted[i], sorted[j])
	})

	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create dataset directory: %w", err)
	}

	tmp := s.cfg.Path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to stage dataset: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(s.cfg.Schema.Columns); err != nil {
		f.Close()
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, r := range sorted {
		if err := w.Write(s.cfg.Schema.Row(r)); err != nil {
			f.Close()
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("failed to flush dataset: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync dataset: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close staged dataset: %w", err)
	}

	if err := os.Rename(tmp, s.cfg.Path); err != nil {
		return fmt.Errorf("failed to replace dataset: %w", err)
	}
	return nil
}

func (s *Store) less(a, b record.Record) bool {
	col := s.cfg.Schema.TimeColumn
	ta, aok := record.TimeValue(a, col)
	tb, bok := record.TimeValue(b, col)
	if aok && bok {
		return ta.Before(tb)
	}
	return record.String(a, col) < record.String(b, col)
}
