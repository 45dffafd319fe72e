package prompts

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func newTestResolver() *Resolver {
	r := NewResolver(nil)
	r.Register(EmbeddedPrompt{Key: "test.user", Text: "Expand {{.Title}} in {{ .MaxWords }} words about {{.Title}}"})
	return r
}

func TestExtractVariables(t *testing.T) {
	got := ExtractVariables("Expand {{.Title}} in {{ .MaxWords }} words {{- .Title -}}")
	want := []string{"MaxWords", "Title"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractVariables() = %v, want %v", got, want)
	}
}

func TestResolver_Resolve(t *testing.T) {
	r := newTestResolver()

	p, err := r.Resolve("test.user")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if p.IsOverride {
		t.Error("expected embedded default")
	}
	if p.Hash != HashText(p.Text) {
		t.Error("hash mismatch")
	}

	if _, err := r.Resolve("missing"); !errors.Is(err, ErrPromptNotFound) {
		t.Errorf("error = %v, want ErrPromptNotFound", err)
	}
}

func TestResolver_Override(t *testing.T) {
	r := newTestResolver()

	if err := r.Override("test.user", "Just {{.Title}}", "inline"); err != nil {
		t.Fatalf("Override() error = %v", err)
	}
	p, _ := r.Resolve("test.user")
	if !p.IsOverride || p.Text != "Just {{.Title}}" {
		t.Errorf("Resolve() = %+v", p)
	}

	if err := r.Override("test.user", "{{.Unknown}}", "inline"); err == nil {
		t.Error("expected error for unknown variable")
	}
	if err := r.Override("test.user", "{{.Title", "inline"); err == nil {
		t.Error("expected template parse error")
	}
	if err := r.Override("nope", "x", "inline"); !errors.Is(err, ErrPromptNotFound) {
		t.Errorf("error = %v, want ErrPromptNotFound", err)
	}
}

func TestResolver_LoadDir(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "test.user.tmpl"), []byte("About {{.Title}}"), 0o644)
	os.WriteFile(filepath.Join(dir, "other.tmpl"), []byte("ignored"), 0o644)
	os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644)

	r := newTestResolver()
	n, err := r.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if n != 1 {
		t.Errorf("loaded %d overrides, want 1", n)
	}
	p, _ := r.Resolve("test.user")
	if p.Source != filepath.Join(dir, "test.user.tmpl") {
		t.Errorf("Source = %s", p.Source)
	}

	if n, err := r.LoadDir(filepath.Join(dir, "absent")); err != nil || n != 0 {
		t.Errorf("LoadDir(absent) = %d, %v", n, err)
	}
}
