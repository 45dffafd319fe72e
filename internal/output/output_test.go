package output

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackzampolin/quill/internal/outline"
)

const threeSections = `# 1 Guide

1.1.1.1.1 A

1.1.1.1.2 B
1.1.1.1.3 C
`

func parseDoc(t *testing.T, src string) *outline.Document {
	t.Helper()
	doc, err := outline.Parse([]byte(src), outline.DepthSixth)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return doc
}

func newTestWriter(t *testing.T, doc *outline.Document, dir string) *Writer {
	t.Helper()
	w, err := NewWriter(Config{
		Document:    doc,
		SectionsDir: filepath.Join(dir, "sections"),
		MergedPath:  filepath.Join(dir, "doc_expanded.md"),
		Now:         func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return w
}

func TestSanitizeTitle(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Scaled dot-product attention", "Scaled_dot-product_attention"},
		{"注意力机制：原理/实现", "注意力机制_原理_实现"},
		{"  ** weird ** ", "weird"},
		{"???", "section"},
		{strings.Repeat("长", 100), strings.Repeat("长", 80)},
	}
	for _, tt := range tests {
		if got := SanitizeTitle(tt.in); got != tt.want {
			t.Errorf("SanitizeTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestArtifactName(t *testing.T) {
	sec := outline.Section{ID: "1.2.1.3.1", Title: "Multi head"}
	if got := ArtifactName(sec); got != "chapter_1.2.1.3.1._Multi_head.md" {
		t.Errorf("ArtifactName() = %s", got)
	}
}

func TestArtifact_EncodeParse(t *testing.T) {
	a := &Artifact{
		Meta: Meta{ID: "1.1.1.1.1", Title: "Title: with colon", Depth: 6, Parent: "1.1.1.1", Length: 4},
		Body: "Body\n\nSecond paragraph",
	}
	data, err := a.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("---\nid: 1.1.1.1.1\n")) {
		t.Errorf("unexpected encoding:\n%s", data)
	}
	back, err := ParseArtifact(data)
	if err != nil {
		t.Fatalf("ParseArtifact() error = %v", err)
	}
	if back.Meta.Title != a.Meta.Title || back.Body != a.Body {
		t.Errorf("parsed = %+v", back)
	}

	if _, err := ParseArtifact([]byte("plain text")); err == nil {
		t.Error("expected error for plain text")
	}
}

func TestWriter_OrderIndependentOfCompletion(t *testing.T) {
	doc := parseDoc(t, threeSections)
	dir := t.TempDir()
	w := newTestWriter(t, doc, dir)

	// Complete C, A, B.
	for _, i := range []int{2, 0, 1} {
		sec := doc.Sections[i]
		if _, err := w.WriteSection(sec, "Body of "+sec.Title); err != nil {
			t.Fatal(err)
		}
		if _, err := w.Flush(); err != nil {
			t.Fatal(err)
		}
	}

	want := `# 1 Guide

1.1.1.1.1 A

Body of A

1.1.1.1.2 B

Body of B

1.1.1.1.3 C

Body of C
`
	got, _ := os.ReadFile(filepath.Join(dir, "doc_expanded.md"))
	if string(got) != want {
		t.Errorf("merged document:\n%s\nwant:\n%s", got, want)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "sections"))
	if len(entries) != 3 {
		t.Errorf("got %d artifacts, want 3", len(entries))
	}
}

func TestWriter_PartialRender(t *testing.T) {
	doc := parseDoc(t, threeSections)
	w := newTestWriter(t, doc, t.TempDir())

	w.WriteSection(doc.Sections[1], "Only B")
	got := string(w.Render())
	if !strings.Contains(got, "1.1.1.1.2 B\n\nOnly B\n\n1.1.1.1.3 C") {
		t.Errorf("render:\n%s", got)
	}
	if !strings.HasPrefix(got, "# 1 Guide\n\n1.1.1.1.1 A\n\n1.1.1.1.2 B") {
		t.Errorf("untouched headings changed:\n%s", got)
	}
}

func TestWriter_Idempotent(t *testing.T) {
	doc := parseDoc(t, threeSections)
	dir := t.TempDir()
	w := newTestWriter(t, doc, dir)

	sec := doc.Sections[0]
	if written, err := w.WriteSection(sec, "first"); err != nil || !written {
		t.Fatalf("WriteSection() = %v, %v", written, err)
	}
	w.Flush()
	path := w.ArtifactPath(sec.ID)
	before, _ := os.ReadFile(path)

	if written, _ := w.WriteSection(sec, "second"); written {
		t.Error("existing artifact was rewritten")
	}
	after, _ := os.ReadFile(path)
	if !bytes.Equal(before, after) {
		t.Error("artifact bytes changed")
	}
	if changed, _ := w.Flush(); changed {
		t.Error("Flush rewrote an unchanged merged document")
	}

	// A fresh writer over the same directory sees the artifact.
	w2 := newTestWriter(t, doc, dir)
	if !w2.HasArtifact(sec.ID) {
		t.Fatal("Load() missed existing artifact")
	}
	if body, _ := w2.Body(sec.ID); body != "first" {
		t.Errorf("Body() = %q", body)
	}
	if changed, _ := w2.Flush(); changed {
		t.Error("Flush after Load rewrote identical bytes")
	}
}

func TestWriter_LoadIgnoresForeignFiles(t *testing.T) {
	doc := parseDoc(t, threeSections)
	dir := t.TempDir()
	sections := filepath.Join(dir, "sections")
	os.MkdirAll(sections, 0o755)
	os.WriteFile(filepath.Join(sections, "chapter_1.1.1.1.1._A.md"), []byte("no front matter"), 0o644)

	w := newTestWriter(t, doc, dir)
	if w.HasArtifact("1.1.1.1.1") {
		t.Error("unreadable file treated as artifact")
	}
}

func TestWriter_SetextInsertion(t *testing.T) {
	doc := parseDoc(t, "1.1.1.1.1 Setext\n----------------\n\ntext\n")
	w := newTestWriter(t, doc, t.TempDir())
	w.WriteSection(doc.Sections[0], "Body")

	want := "1.1.1.1.1 Setext\n----------------\n\nBody\n\ntext\n"
	if got := string(w.Render()); got != want {
		t.Errorf("render = %q, want %q", got, want)
	}
}
