// Package outline extracts the numbered headings of a source document.
//
// A document is expanded one heading level at a time. The level is chosen
// by the caller as a depth, one more than the number of components in a
// heading's numeric path: "1.2.2.11 Title" has depth 5 and
// "1.2.2.11.1 Title" has depth 6. Two conventions are recognized under one
// pattern:
//
//   - markdown headings of any level: "## ▼ 1.2.2.11. Title (3页)"
//   - plain numbered lines: "1.2.5.1 Title（15页）"
//
// Headings inside code blocks are never sections.
package outline

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Section is one heading of the source document targeted for expansion.
type Section struct {
	// ID is the numeric path, suffixed with -N when the path repeats.
	ID string `json:"id" yaml:"id"`
	// Path is the numeric path as written in the document.
	Path  string `json:"path" yaml:"path"`
	Title string `json:"title" yaml:"title"`
	Depth int    `json:"depth" yaml:"depth"`
	// Index is the document order of the section among the selected sections.
	Index int `json:"index" yaml:"index"`
	// Line is the zero-based source line the generated body is inserted after.
	Line int `json:"line" yaml:"line"`
}

// Label returns the "id title" form used in prompts and logs.
func (s Section) Label() string {
	return s.Path + " " + s.Title
}

// Parent returns the numeric path of the enclosing heading, or "" for a
// single-component path.
func (s Section) Parent() string {
	i := strings.LastIndex(s.Path, ".")
	if i < 0 {
		return ""
	}
	return s.Path[:i]
}

// Document is a parsed source document.
type Document struct {
	Source   []byte
	Depth    int
	Sections []Section
	// Hash identifies the document version (sha256 of Source).
	Hash string
	// Ambiguity is set when headings exist at both supported depths.
	Ambiguity *Ambiguity
}

// Ambiguity reports that more than one supported depth matched.
// The caller decides; Parse never switches depth on its own.
type Ambiguity struct {
	Counts    map[int]int
	Requested int
	Suggested int
}

// Section returns the section with the given id.
func (d *Document) Section(id string) (Section, bool) {
	for _, s := range d.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return Section{}, false
}

// IDs returns the section ids in document order.
func (d *Document) IDs() []string {
	ids := make([]string, len(d.Sections))
	for i, s := range d.Sections {
		ids[i] = s.ID
	}
	return ids
}

// Lines splits the source into lines without their terminators.
func (d *Document) Lines() []string {
	return strings.Split(string(d.Source), "\n")
}

// HashSource returns the hex sha256 of a source document.
func HashSource(src []byte) string {
	sum := sha256.Sum256(src)
	return hex.EncodeToString(sum[:])
}
