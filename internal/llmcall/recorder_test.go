package llmcall

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackzampolin/quill/internal/providers"
)

func TestRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "calls.jsonl")
	r, err := NewRecorder(Config{Path: path})
	if err != nil {
		t.Fatalf("NewRecorder() error = %v", err)
	}

	ok := New(&providers.ChatResult{PromptTokens: 10, CompletionTokens: 900, ModelUsed: "m", Provider: "mock"}, 3500, nil, "",
		RecordOptions{Section: "1.1.1.1.1", Attempt: 1, Started: time.Now().Add(-time.Second)})
	failed := New(nil, 0, errors.New("slow down"), "rate_limited",
		RecordOptions{Section: "1.1.1.1.2", Attempt: 2, Provider: "mock"})
	r.Record(ok)
	r.Record(failed)
	if dropped := r.Close(); dropped != 0 {
		t.Errorf("dropped = %d", dropped)
	}
	r.Record(ok) // after Close: ignored

	calls, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if !calls[0].Success || calls[0].OutputTokens != 900 || calls[0].Length != 3500 || calls[0].LatencyMs < 1000 {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].Success || calls[1].Class != "rate_limited" || calls[1].Error != "slow down" {
		t.Errorf("second call = %+v", calls[1])
	}

	// Reopening appends.
	r, err = NewRecorder(Config{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	r.Record(ok)
	r.Close()
	calls, _ = Read(path)
	if len(calls) != 3 {
		t.Errorf("calls after append = %d", len(calls))
	}
}

func TestRecorder_NilSafe(t *testing.T) {
	var r *Recorder
	r.Record(&Call{})
}
