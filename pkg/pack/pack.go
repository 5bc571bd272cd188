package pack

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// MissingFileError reports a listed input file that does not exist.
type MissingFileError struct {
	Path string
}

func (e *MissingFileError) Error() string {
	return fmt.Sprintf("file not found: %s", e.Path)
}

// Spec describes one dataset package.
type Spec struct {
	Title   string
	Owner   string // publishing-platform username (owner slug)
	Slug    string // dataset slug, lowercase-dash
	License string // license short name, e.g. CC0-1.0
	Files   []string

	// Description is an optional Markdown file installed as README.md in
	// the package, per the platform's dataset UX.
	Description string
}

func (s *Spec) Validate() error {
	if s.Title == "" {
		return errors.New("title is required")
	}
	if s.Owner == "" {
		return errors.New("owner is required")
	}
	if s.Slug == "" {
		return errors.New("slug is required")
	}
	if len(s.Files) == 0 {
		return errors.New("at least one file is required")
	}
	if s.License == "" {
		s.License = "CC0-1.0"
	}
	return nil
}

// Metadata is the dataset-metadata.json descriptor consumed by the external
// publishing CLI.
type Metadata struct {
	Title     string     `json:"title"`
	ID        string     `json:"id"`
	Licenses  []License  `json:"licenses"`
	Resources []Resource `json:"resources,omitempty"`
}

type License struct {
	Name string `json:"name"`
}

type Resource struct {
	Path        string `json:"path"`
	Description string `json:"description"`
}

// MetadataFilename is the descriptor name the publishing CLI expects.
const MetadataFilename = "dataset-metadata.json"

// Build assembles a publish-ready folder: the metadata descriptor plus a
// copy of every listed file. It is a pure function of its inputs; re-running
// overwrites the target's contents. All inputs are checked before anything
// is written.
func Build(log *slog.Logger, spec Spec, outDir string) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	for _, f := range spec.Files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			return "", &MissingFileError{Path: f}
		} else if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", f, err)
		}
	}
	if spec.Description != "" {
		if _, err := os.Stat(spec.Description); err != nil {
			return "", &MissingFileError{Path: spec.Description}
		}
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create package directory: %w", err)
	}

	meta := Metadata{
		Title:    spec.Title,
		ID:       spec.Owner + "/" + spec.Slug,
		Licenses: []License{{Name: spec.License}},
	}
	for _, f := range spec.Files {
		meta.Resources = append(meta.Resources, Resource{
			Path:        filepath.Base(f),
			Description: describe(f),
		})
	}

	body, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}
	metaPath := filepath.Join(outDir, MetadataFilename)
	if err := os.WriteFile(metaPath, append(body, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	for _, f := range spec.Files {
		if err := copyFile(f, filepath.Join(outDir, filepath.Base(f))); err != nil {
			return "", err
		}
	}
	if spec.Description != "" {
		if err := copyFile(spec.Description, filepath.Join(outDir, "README.md")); err != nil {
			return "", err
		}
	}

	log.Info("pack: package prepared", "dir", outDir, "id", meta.ID, "files", len(spec.Files))
	return outDir, nil
}

func describe(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return "CSV data file"
	case ".parquet":
		return "Parquet data file"
	case ".json":
		return "JSON data file"
	case ".md":
		return "Documentation"
	default:
		return "Data file"
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
