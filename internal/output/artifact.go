// Package output writes per-section artifacts and the merged document.
package output

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jackzampolin/quill/internal/outline"
)

const (
	frontMatterDelim = "---\n"
	maxTitleRunes    = 80
)

// ErrNoFrontMatter is returned for files that are not artifacts.
var ErrNoFrontMatter = errors.New("missing front matter")

// Meta is the front matter of an artifact file.
type Meta struct {
	ID          string    `yaml:"id"`
	Title       string    `yaml:"title"`
	Depth       int       `yaml:"depth"`
	Parent      string    `yaml:"parent,omitempty"`
	Length      int       `yaml:"length"`
	GeneratedAt time.Time `yaml:"generated_at"`
}

// Artifact is one independent per-section output file.
type Artifact struct {
	Meta Meta
	Body string
}

var unsafeRunes = regexp.MustCompile(`[^\p{L}\p{N}_-]+`)

// SanitizeTitle turns a title into a file-name fragment.
func SanitizeTitle(title string) string {
	s := unsafeRunes.ReplaceAllString(title, "_")
	s = strings.Trim(s, "_-")
	if r := []rune(s); len(r) > maxTitleRunes {
		s = strings.TrimRight(string(r[:maxTitleRunes]), "_-")
	}
	if s == "" {
		return "section"
	}
	return s
}

// ArtifactName returns the deterministic file name of a section's artifact.
func ArtifactName(sec outline.Section) string {
	return fmt.Sprintf("chapter_%s._%s.md", sec.ID, SanitizeTitle(sec.Title))
}

// artifactGlob matches any artifact for id regardless of its title.
func artifactGlob(id string) string {
	return "chapter_" + id + "._*.md"
}

// BodyLength is the length of a generated body in characters.
func BodyLength(body string) int {
	return len([]rune(body))
}

// Encode renders an artifact as front matter followed by the body.
func (a *Artifact) Encode() ([]byte, error) {
	meta, err := yaml.Marshal(a.Meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal front matter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(frontMatterDelim)
	buf.Write(meta)
	buf.WriteString(frontMatterDelim)
	buf.WriteString("\n")
	buf.WriteString(a.Body)
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// ParseArtifact is the inverse of Encode.
func ParseArtifact(data []byte) (*Artifact, error) {
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(s, frontMatterDelim) {
		return nil, ErrNoFrontMatter
	}
	rest := s[len(frontMatterDelim):]
	end := strings.Index(rest, "\n"+frontMatterDelim)
	if end < 0 {
		return nil, ErrNoFrontMatter
	}

	var a Artifact
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &a.Meta); err != nil {
		return nil, fmt.Errorf("failed to parse front matter: %w", err)
	}
	if a.Meta.ID == "" {
		return nil, fmt.Errorf("%w: no id", ErrNoFrontMatter)
	}
	a.Body = strings.TrimSpace(rest[end+1+len(frontMatterDelim):])
	return &a, nil
}

// ReadArtifact loads an artifact file.
func ReadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	a, err := ParseArtifact(data)
	if err != nil {
		return nil, fmt.Errorf("artifact %s: %w", path, err)
	}
	return a, nil
}
