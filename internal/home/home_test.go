package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew_Default(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "proposal.md")

	d, err := New(src, "")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if want := filepath.Join(tmp, "proposal_expanded"); d.Path() != want {
		t.Errorf("Path() = %s, want %s", d.Path(), want)
	}
	if want := filepath.Join(tmp, "proposal_expanded", "proposal_expanded.md"); d.MergedPath() != want {
		t.Errorf("MergedPath() = %s, want %s", d.MergedPath(), want)
	}
	if filepath.Base(d.CheckpointPath()) != "progress.json" || filepath.Base(d.ReportPath()) != "report.json" {
		t.Errorf("checkpoint %s report %s", d.CheckpointPath(), d.ReportPath())
	}
	if filepath.Dir(d.CallsPath()) != d.Path() {
		t.Errorf("CallsPath() = %s", d.CallsPath())
	}
}

func TestNew_CustomPath(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	d, err := New("notes.txt", out)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if d.Path() != out {
		t.Errorf("Path() = %s", d.Path())
	}
	if filepath.Base(d.MergedPath()) != "notes_expanded.txt" {
		t.Errorf("MergedPath() = %s", d.MergedPath())
	}
	if !filepath.IsAbs(d.Source()) {
		t.Errorf("Source() = %s, want absolute", d.Source())
	}
}

func TestNew_RequiresSource(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Error("expected error")
	}
}

func TestEnsureExists(t *testing.T) {
	d, _ := New(filepath.Join(t.TempDir(), "doc.md"), "")
	if d.Exists() {
		t.Fatal("directory should not exist yet")
	}
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists() error = %v", err)
	}
	if info, err := os.Stat(d.SectionsPath()); err != nil || !info.IsDir() {
		t.Errorf("sections dir missing: %v", err)
	}
	if d.CheckpointExists() {
		t.Error("no checkpoint expected")
	}
}
