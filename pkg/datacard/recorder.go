package datacard

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Entry summarizes one pipeline run for the data card.
type Entry struct {
	Source string   // human-readable source name, e.g. "USGS Earthquake Catalog"
	Scope  string   // window or scope description, e.g. "2024-01-01 -> 2024-02-01"
	Count  int      // records fetched in this run
	Fields []string // optional field highlights
}

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Path   string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Path == "" {
		return errors.New("path is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Recorder appends run summaries to a shared Markdown data card. Entries are
// append-only: prior sections are never reformatted or removed.
type Recorder struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Recorder{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

func (r *Recorder) Path() string { return r.cfg.Path }

// Append writes one section for the given entry, creating the file with a
// top-level header on first use.
func (r *Recorder) Append(e Entry) error {
	header := ""
	if _, err := os.Stat(r.cfg.Path); errors.Is(err, fs.ErrNotExist) {
		header = "# Data Card\n"
	}

	if err := os.MkdirAll(filepath.Dir(r.cfg.Path), 0o755); err != nil {
		return fmt.Errorf("failed to create data card directory: %w", err)
	}

	f, err := os.OpenFile(r.cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open data card: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(header + r.section(e)); err != nil {
		return fmt.Errorf("failed to append data card entry: %w", err)
	}

	r.log.Debug("datacard: appended entry", "path", r.cfg.Path, "source", e.Source, "count", e.Count)
	return nil
}

func (r *Recorder) section(e Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n## %s\n\n", e.Source)
	fmt.Fprintf(&b, "**Run:** %s at %s\n", uuid.NewString(), r.cfg.Clock.Now().UTC().Format("2006-01-02T15:04:05Z"))
	if e.Scope != "" {
		fmt.Fprintf(&b, "**Scope:** %s\n", e.Scope)
	}
	fmt.Fprintf(&b, "**Records fetched:** %d\n", e.Count)
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, "**Fields:** %s.\n", strings.Join(e.Fields, ", "))
	}
	return b.String()
}
