// Package home lays out the output directory of one expansion target.
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DirSuffix is appended to the source name for the default output directory.
	DirSuffix = "_expanded"

	// SectionsDirName is the subdirectory for per-section artifacts.
	SectionsDirName = "sections"

	// CheckpointFileName is the progress checkpoint.
	CheckpointFileName = "progress.json"

	// ReportFileName is the structured statistics of the last run.
	ReportFileName = "report.json"

	// CallsFileName logs every completion attempt, one JSON object per line.
	CallsFileName = "calls.jsonl"
)

// Dir represents the output directory of one source document.
type Dir struct {
	path   string
	source string
}

// New creates a Dir for source. If path is empty, uses the default
// {source dir}/{name}_expanded.
func New(source, path string) (*Dir, error) {
	if source == "" {
		return nil, fmt.Errorf("source document is required")
	}
	abs, err := filepath.Abs(source)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source path: %w", err)
	}
	if path == "" {
		path = filepath.Join(filepath.Dir(abs), baseName(abs)+DirSuffix)
	}
	return &Dir{path: path, source: abs}, nil
}

func baseName(source string) string {
	name := filepath.Base(source)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Path returns the root path of the output directory.
func (d *Dir) Path() string {
	return d.path
}

// Source returns the absolute source document path.
func (d *Dir) Source() string {
	return d.source
}

// SectionsPath returns the directory for per-section artifacts.
func (d *Dir) SectionsPath() string {
	return filepath.Join(d.path, SectionsDirName)
}

// CheckpointPath returns the path of the progress checkpoint.
func (d *Dir) CheckpointPath() string {
	return filepath.Join(d.path, CheckpointFileName)
}

// ReportPath returns the path of the run report.
func (d *Dir) ReportPath() string {
	return filepath.Join(d.path, ReportFileName)
}

// CallsPath returns the path of the attempt log.
func (d *Dir) CallsPath() string {
	return filepath.Join(d.path, CallsFileName)
}

// MergedPath returns the merged document path: {name}_expanded{ext}.
func (d *Dir) MergedPath() string {
	ext := filepath.Ext(d.source)
	return filepath.Join(d.path, baseName(d.source)+DirSuffix+ext)
}

// EnsureExists creates the output directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	// Create sections directory (this also creates the parent)
	if err := os.MkdirAll(d.SectionsPath(), 0o755); err != nil {
		return fmt.Errorf("failed to create sections directory: %w", err)
	}
	return nil
}

// Exists returns true if the output directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// CheckpointExists returns true if a checkpoint has been written.
func (d *Dir) CheckpointExists() bool {
	_, err := os.Stat(d.CheckpointPath())
	return err == nil
}
