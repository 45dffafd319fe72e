package outline

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	// DepthFifth selects fifth-level headings, numbered with four
	// components (1.2.2.11).
	DepthFifth = 5
	// DepthSixth selects sixth-level headings, numbered with five
	// components (1.2.2.11.1).
	DepthSixth = 6

	// DefaultDepth is used when the caller does not choose a depth.
	DefaultDepth = DepthSixth
)

var (
	// ErrUnsupportedDepth is returned for depths other than 5 and 6.
	ErrUnsupportedDepth = errors.New("unsupported heading depth")

	// ErrNoHeadings is wrapped by ParseError.
	ErrNoHeadings = errors.New("no headings found")
)

// SupportedDepths lists the depths Parse accepts.
var SupportedDepths = []int{DepthFifth, DepthSixth}

// ParseError reports that no heading matched the requested depth.
type ParseError struct {
	Depth int
	// Counts maps every depth seen in the document to its heading count.
	Counts map[int]int
	// Suggested is the other supported depth when it has matches, else 0.
	Suggested int
}

func (e *ParseError) Error() string {
	if e.Suggested != 0 {
		return fmt.Sprintf("no headings at depth %d: found %d at depth %d, rerun with depth %d",
			e.Depth, e.Counts[e.Suggested], e.Suggested, e.Suggested)
	}
	return fmt.Sprintf("no headings at depth %d", e.Depth)
}

func (e *ParseError) Unwrap() error {
	return ErrNoHeadings
}

// IsSupported reports whether depth is one of SupportedDepths.
func IsSupported(depth int) bool {
	for _, d := range SupportedDepths {
		if d == depth {
			return true
		}
	}
	return false
}

var (
	headingPattern    = regexp.MustCompile(`^(\d+(?:\.\d+)*)\.?\s+(\S.*)$`)
	paginationPattern = regexp.MustCompile(`(?:\s*[(（]\s*(?:\d+\s*页?|p{1,2}\.\s*\d+(?:\s*[-–]\s*\d+)?|\d+\s*pages?)\s*[)）])+$`)
)

// decorations are marker runes placed before heading numbers.
const decorations = "▼▽▶►▸★☆■□●○◆◇"

// candidate is a numbered heading found anywhere in the document.
type candidate struct {
	path  string
	title string
	depth int
	line  int
}

// Parse returns the sections at the requested depth in document order.
func Parse(src []byte, depth int) (*Document, error) {
	if !IsSupported(depth) {
		return nil, fmt.Errorf("%w: %d (supported: %d, %d)", ErrUnsupportedDepth, depth, DepthFifth, DepthSixth)
	}

	candidates := scan(src)
	counts := countDepths(candidates)

	doc := &Document{
		Source: src,
		Depth:  depth,
		Hash:   HashSource(src),
	}

	seen := make(map[string]int)
	for _, c := range candidates {
		if c.depth != depth {
			continue
		}
		seen[c.path]++
		id := c.path
		if n := seen[c.path]; n > 1 {
			id = fmt.Sprintf("%s-%d", c.path, n)
		}
		doc.Sections = append(doc.Sections, Section{
			ID:    id,
			Path:  c.path,
			Title: c.title,
			Depth: depth,
			Index: len(doc.Sections),
			Line:  c.line,
		})
	}

	other := alternative(depth)
	if len(doc.Sections) == 0 {
		pe := &ParseError{Depth: depth, Counts: counts}
		if counts[other] > 0 {
			pe.Suggested = other
		}
		return nil, pe
	}

	if counts[other] > 0 {
		suggested := depth
		if counts[other] > counts[depth] {
			suggested = other
		}
		doc.Ambiguity = &Ambiguity{
			Counts:    counts,
			Requested: depth,
			Suggested: suggested,
		}
	}

	return doc, nil
}

// CountDepths returns the number of numbered headings at each depth.
func CountDepths(src []byte) map[int]int {
	return countDepths(scan(src))
}

func countDepths(candidates []candidate) map[int]int {
	counts := make(map[int]int)
	for _, c := range candidates {
		counts[c.depth]++
	}
	return counts
}

func alternative(depth int) int {
	if depth == DepthFifth {
		return DepthSixth
	}
	return DepthFifth
}

// scan walks the markdown block structure and collects numbered headings
// from heading nodes and from individual paragraph lines.
func scan(src []byte) []candidate {
	starts := lineStarts(src)
	root := goldmark.New().Parser().Parse(text.NewReader(src))

	var out []candidate
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindHeading:
			segs := n.Lines()
			if segs.Len() == 0 {
				return ast.WalkSkipChildren, nil
			}
			var content []byte
			for i := 0; i < segs.Len(); i++ {
				seg := segs.At(i)
				content = append(content, seg.Value(src)...)
			}
			last := lineOf(starts, segs.At(segs.Len()-1).Start)
			if c, ok := match(content); ok {
				c.line = underlineEnd(src, starts, last)
				out = append(out, c)
			}
			return ast.WalkSkipChildren, nil

		case ast.KindParagraph, ast.KindTextBlock:
			segs := n.Lines()
			for i := 0; i < segs.Len(); i++ {
				seg := segs.At(i)
				if c, ok := match(seg.Value(src)); ok {
					c.line = lineOf(starts, seg.Start)
					out = append(out, c)
				}
			}
			return ast.WalkSkipChildren, nil

		case ast.KindFencedCodeBlock, ast.KindCodeBlock, ast.KindHTMLBlock:
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	sort.SliceStable(out, func(i, j int) bool { return out[i].line < out[j].line })
	return out
}

// match recognizes "▼ 1.2.3. Title (3页)" style heading text.
func match(raw []byte) (candidate, bool) {
	s := cleanDecorations(string(bytes.TrimSpace(raw)))
	m := headingPattern.FindStringSubmatch(s)
	if m == nil {
		return candidate{}, false
	}
	title := strings.TrimSpace(m[2])
	title = strings.TrimSpace(strings.TrimSuffix(title, "**"))
	title = strings.TrimSpace(paginationPattern.ReplaceAllString(title, ""))
	if title == "" {
		return candidate{}, false
	}
	return candidate{
		path:  m[1],
		title: title,
		depth: LevelOf(m[1]),
	}, true
}

// LevelOf returns the outline level of a numeric path. The numbering starts
// below the document title, so a path sits one level deeper than its
// component count: "1.2.2.11" is a fifth-level heading.
func LevelOf(path string) int {
	return strings.Count(path, ".") + 2
}

func cleanDecorations(s string) string {
	for {
		before := s
		s = strings.TrimPrefix(s, "**")
		s = strings.TrimLeft(s, decorations)
		s = strings.TrimSpace(s)
		if s == before {
			return s
		}
	}
}

func lineStarts(src []byte) []int {
	starts := []int{0}
	for i, b := range src {
		if b == '\n' {
			starts = append(starts, i+1)
		}
	}
	return starts
}

func lineOf(starts []int, offset int) int {
	return sort.Search(len(starts), func(i int) bool { return starts[i] > offset }) - 1
}

// underlineEnd moves past a setext underline so bodies land below it.
func underlineEnd(src []byte, starts []int, line int) int {
	if strings.HasPrefix(strings.TrimSpace(lineText(src, starts, line)), "#") {
		return line
	}
	next := strings.TrimSpace(lineText(src, starts, line+1))
	if next != "" && (strings.Trim(next, "=") == "" || strings.Trim(next, "-") == "") {
		return line + 1
	}
	return line
}

func lineText(src []byte, starts []int, line int) string {
	if line < 0 || line >= len(starts) {
		return ""
	}
	end := len(src)
	if line+1 < len(starts) {
		end = starts[line+1]
	}
	return string(src[starts[line]:end])
}
