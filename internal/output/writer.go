package output

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/jackzampolin/quill/internal/outline"
)

// Writer owns every file a run produces for one document. It is used
// from the scheduler goroutine only.
type Writer struct {
	doc         *outline.Document
	sectionsDir string
	mergedPath  string
	now         func() time.Time
	logger      *slog.Logger

	bodies    map[string]string // id -> body
	artifacts map[string]string // id -> artifact path
	merged    []byte            // last bytes written to (or read from) mergedPath
}

// Config configures a Writer.
type Config struct {
	Document    *outline.Document
	SectionsDir string
	MergedPath  string
	Logger      *slog.Logger
	// Now stamps generated_at; defaults to time.Now.
	Now func() time.Time
}

// NewWriter creates a writer; call Load before the first write.
func NewWriter(cfg Config) (*Writer, error) {
	if cfg.Document == nil {
		return nil, fmt.Errorf("document is required")
	}
	if cfg.SectionsDir == "" || cfg.MergedPath == "" {
		return nil, fmt.Errorf("sections dir and merged path are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Writer{
		doc:         cfg.Document,
		sectionsDir: cfg.SectionsDir,
		mergedPath:  cfg.MergedPath,
		now:         now,
		logger:      logger,
		bodies:      make(map[string]string),
		artifacts:   make(map[string]string),
	}, nil
}

// Load reads the bodies of artifacts already on disk and the current
// merged document. Unreadable artifacts are skipped with a warning and
// treated as absent.
func (w *Writer) Load() (int, error) {
	for _, sec := range w.doc.Sections {
		matches, err := filepath.Glob(filepath.Join(w.sectionsDir, artifactGlob(sec.ID)))
		if err != nil {
			return 0, fmt.Errorf("failed to scan artifacts: %w", err)
		}
		// Prefer the name the current title produces.
		want := filepath.Join(w.sectionsDir, ArtifactName(sec))
		sort.SliceStable(matches, func(i, j int) bool { return matches[i] == want && matches[j] != want })

		for _, path := range matches {
			a, err := ReadArtifact(path)
			if err != nil {
				w.logger.Warn("ignoring unreadable artifact", "path", path, "error", err)
				continue
			}
			if a.Meta.ID != sec.ID {
				continue
			}
			w.bodies[sec.ID] = a.Body
			w.artifacts[sec.ID] = path
			break
		}
	}

	data, err := os.ReadFile(w.mergedPath)
	switch {
	case err == nil:
		w.merged = data
	case !errors.Is(err, fs.ErrNotExist):
		return 0, fmt.Errorf("failed to read merged document: %w", err)
	}

	if len(w.bodies) > 0 {
		w.logger.Debug("loaded existing artifacts", "count", len(w.bodies))
	}
	return len(w.bodies), nil
}

// HasArtifact reports whether id already has an artifact.
func (w *Writer) HasArtifact(id string) bool {
	_, ok := w.artifacts[id]
	return ok
}

// Body returns the body recorded for id.
func (w *Writer) Body(id string) (string, bool) {
	b, ok := w.bodies[id]
	return b, ok
}

// ArtifactPath returns the artifact path recorded for id.
func (w *Writer) ArtifactPath(id string) string {
	return w.artifacts[id]
}

// WriteSection writes the artifact for sec. An existing artifact is never
// rewritten; written is false in that case and the existing body wins.
func (w *Writer) WriteSection(sec outline.Section, body string) (written bool, err error) {
	if w.HasArtifact(sec.ID) {
		return false, nil
	}

	body = strings.TrimSpace(body)
	a := &Artifact{
		Meta: Meta{
			ID:          sec.ID,
			Title:       sec.Title,
			Depth:       sec.Depth,
			Parent:      sec.Parent(),
			Length:      BodyLength(body),
			GeneratedAt: w.now().UTC().Truncate(time.Second),
		},
		Body: body,
	}
	data, err := a.Encode()
	if err != nil {
		return false, err
	}

	if err := os.MkdirAll(w.sectionsDir, 0o755); err != nil {
		return false, fmt.Errorf("failed to create sections dir: %w", err)
	}
	path := filepath.Join(w.sectionsDir, ArtifactName(sec))
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("failed to write artifact %s: %w", sec.ID, err)
	}

	w.bodies[sec.ID] = body
	w.artifacts[sec.ID] = path
	w.logger.Debug("artifact written", "section", sec.ID, "path", path)
	return true, nil
}

// Render returns the merged document: the source with every known body
// inserted below its heading. Order follows the source, never completion.
func (w *Writer) Render() []byte {
	inserts := make(map[int]string, len(w.bodies))
	for _, sec := range w.doc.Sections {
		if body, ok := w.bodies[sec.ID]; ok {
			inserts[sec.Line] = body
		}
	}

	lines := w.doc.Lines()
	var buf bytes.Buffer
	buf.Grow(len(w.doc.Source) + len(inserts)*4096)
	for i, line := range lines {
		buf.WriteString(line)
		if body, ok := inserts[i]; ok {
			buf.WriteString("\n\n")
			buf.WriteString(body)
			if i+1 < len(lines) && strings.TrimSpace(lines[i+1]) != "" {
				buf.WriteString("\n")
			}
		}
		if i+1 < len(lines) {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes()
}

// Flush writes the merged document when its bytes changed.
func (w *Writer) Flush() (bool, error) {
	data := w.Render()
	if w.merged != nil && bytes.Equal(data, w.merged) {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(w.mergedPath), 0o755); err != nil {
		return false, fmt.Errorf("failed to create output dir: %w", err)
	}
	if err := atomicwriter.WriteFile(w.mergedPath, data, 0o644); err != nil {
		return false, fmt.Errorf("failed to write merged document: %w", err)
	}
	w.merged = data
	return true, nil
}

// MergedPath returns the merged document path.
func (w *Writer) MergedPath() string {
	return w.mergedPath
}
