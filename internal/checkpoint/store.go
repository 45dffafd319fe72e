// Package checkpoint persists which sections of a document reached a
// terminal outcome so interrupted runs can resume.
//
// A Store is owned by a single goroutine (the scheduler); it is not safe
// for concurrent use.
package checkpoint

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FileVersion is written to every checkpoint.
const FileVersion = 1

//go:embed schema.json
var schemaJSON []byte

var (
	// ErrResetSucceeded is returned when Reset names a succeeded section.
	ErrResetSucceeded = errors.New("cannot reset a succeeded section")
	// ErrAlreadySucceeded is returned when Save would replace a success.
	ErrAlreadySucceeded = errors.New("section already succeeded")
	// ErrInvalidCheckpoint is wrapped when the file fails validation.
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")
)

// Status is the terminal state recorded for a section.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusExhausted Status = "exhausted"
)

// Record is the completion metadata of one section.
type Record struct {
	Status      Status    `json:"status" yaml:"status"`
	Title       string    `json:"title,omitempty" yaml:"title,omitempty"`
	CompletedAt time.Time `json:"completed_at" yaml:"completed_at"`
	Length      int       `json:"length" yaml:"length"`
	Attempts    int       `json:"attempts" yaml:"attempts"`
	LastError   string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Recovered   bool      `json:"recovered,omitempty" yaml:"recovered,omitempty"`
	Artifact    string    `json:"artifact,omitempty" yaml:"artifact,omitempty"`
}

// DocumentInfo identifies the document a checkpoint belongs to.
type DocumentInfo struct {
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	Hash   string `json:"hash,omitempty" yaml:"hash,omitempty"`
	Depth  int    `json:"depth" yaml:"depth"`
}

// Stats accumulates across runs.
type Stats struct {
	Runs       int            `json:"runs" yaml:"runs"`
	Attempts   int            `json:"attempts" yaml:"attempts"`
	Characters int64          `json:"characters" yaml:"characters"`
	Retries    map[string]int `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// RunRecord summarizes one invocation.
type RunRecord struct {
	ID         string    `json:"id" yaml:"id"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Attempts   int       `json:"attempts" yaml:"attempts"`
	Succeeded  int       `json:"succeeded" yaml:"succeeded"`
	Exhausted  int       `json:"exhausted" yaml:"exhausted"`
	Skipped    int       `json:"skipped" yaml:"skipped"`
	Recovered  int       `json:"recovered,omitempty" yaml:"recovered,omitempty"`
	Characters int64     `json:"characters" yaml:"characters"`
	Outcome    string    `json:"outcome" yaml:"outcome"`
	PromptHash string    `json:"prompt_hash,omitempty" yaml:"prompt_hash,omitempty"`

	// Retries counts retry decisions by classification name.
	Retries map[string]int `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// File is the on-disk checkpoint.
type File struct {
	Version  int               `json:"version" yaml:"version"`
	Document DocumentInfo      `json:"document" yaml:"document"`
	Sections map[string]Record `json:"sections" yaml:"sections"`
	Stats    Stats             `json:"stats" yaml:"stats"`
	Runs     []RunRecord       `json:"runs,omitempty" yaml:"runs,omitempty"`
}

// Store loads and persists a checkpoint file.
type Store struct {
	path    string
	file    File
	changed bool
	logger  *slog.Logger
}

// Config configures a Store.
type Config struct {
	Path     string
	Document DocumentInfo
	Logger   *slog.Logger
}

// Open loads the checkpoint at cfg.Path. A missing file yields an empty
// store for cfg.Document; nothing is written until the first Save.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		path:   cfg.Path,
		logger: logger.With("checkpoint", cfg.Path),
		file: File{
			Version:  FileVersion,
			Document: cfg.Document,
			Sections: make(map[string]Record),
		},
	}

	loaded, err := Read(cfg.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	s.file = *loaded
	if cfg.Document.Hash != "" && loaded.Document.Hash != "" && cfg.Document.Hash != loaded.Document.Hash {
		s.changed = true
		s.logger.Warn("document changed since checkpoint was written; keeping recorded sections",
			"previous_hash", shortHash(loaded.Document.Hash), "hash", shortHash(cfg.Document.Hash))
	}
	if cfg.Document.Depth != 0 && loaded.Document.Depth != cfg.Document.Depth {
		s.changed = true
		s.logger.Warn("heading depth differs from checkpoint",
			"previous_depth", loaded.Document.Depth, "depth", cfg.Document.Depth)
	}
	if cfg.Document.Hash != "" {
		s.file.Document = cfg.Document
	}

	s.logger.Debug("checkpoint loaded", "sections", len(s.file.Sections), "runs", len(s.file.Runs))
	return s, nil
}

// Read loads and validates a checkpoint file without opening a Store.
func Read(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := validate(data); err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrInvalidCheckpoint, path, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrInvalidCheckpoint, path, err)
	}
	if f.Sections == nil {
		f.Sections = make(map[string]Record)
	}
	return &f, nil
}

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("progress.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to load checkpoint schema: %w", err)
	}
	schema, err := compiler.Compile("progress.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile checkpoint schema: %w", err)
	}
	return schema, nil
})

func validate(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return schema.Validate(doc)
}

// Path returns the checkpoint file path.
func (s *Store) Path() string {
	return s.path
}

// DocumentChanged reports whether the source hash or depth differs from
// the one recorded by a previous run.
func (s *Store) DocumentChanged() bool {
	return s.changed
}

// Document returns the document identity the store records.
func (s *Store) Document() DocumentInfo {
	return s.file.Document
}

// IsDone reports whether id reached a terminal outcome. Exhausted sections
// count as done until reset.
func (s *Store) IsDone(id string) bool {
	_, ok := s.file.Sections[id]
	return ok
}

// Get returns the record for id.
func (s *Store) Get(id string) (Record, bool) {
	r, ok := s.file.Sections[id]
	return r, ok
}

// Completed returns a copy of every recorded section.
func (s *Store) Completed() map[string]Record {
	out := make(map[string]Record, len(s.file.Sections))
	for id, r := range s.file.Sections {
		out[id] = r
	}
	return out
}

// Exhausted returns the ids recorded as Exhausted, sorted.
func (s *Store) Exhausted() []string {
	var ids []string
	for id, r := range s.file.Sections {
		if r.Status == StatusExhausted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Stats returns the cumulative statistics.
func (s *Store) Stats() Stats {
	return s.file.Stats
}

// Runs returns the run history, oldest first.
func (s *Store) Runs() []RunRecord {
	return append([]RunRecord(nil), s.file.Runs...)
}

// Save records a terminal outcome and rewrites the file before returning.
// A succeeded record is never replaced.
func (s *Store) Save(id string, rec Record) error {
	prev, had := s.file.Sections[id]
	if had && prev.Status == StatusSucceeded {
		if rec.Status == StatusSucceeded {
			return nil
		}
		return fmt.Errorf("save %s: %w", id, ErrAlreadySucceeded)
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}

	s.file.Sections[id] = rec
	if err := s.write(); err != nil {
		if had {
			s.file.Sections[id] = prev
		} else {
			delete(s.file.Sections, id)
		}
		return err
	}
	return nil
}

// Reset removes Exhausted records so the sections are scheduled again.
// With no ids every Exhausted record is removed. Naming a succeeded id
// fails without changing anything; unknown ids are ignored.
func (s *Store) Reset(ids []string) ([]string, error) {
	if len(ids) == 0 {
		ids = s.Exhausted()
	}

	var removed []string
	for _, id := range ids {
		rec, ok := s.file.Sections[id]
		if !ok {
			continue
		}
		if rec.Status == StatusSucceeded {
			return nil, fmt.Errorf("reset %s: %w", id, ErrResetSucceeded)
		}
		removed = append(removed, id)
	}
	if len(removed) == 0 {
		return nil, nil
	}

	prev := make(map[string]Record, len(removed))
	for _, id := range removed {
		prev[id] = s.file.Sections[id]
		delete(s.file.Sections, id)
	}
	if err := s.write(); err != nil {
		for id, r := range prev {
			s.file.Sections[id] = r
		}
		return nil, err
	}
	s.logger.Info("reset exhausted sections", "count", len(removed))
	return removed, nil
}

// RecordRun appends a run summary and folds it into the cumulative stats.
func (s *Store) RecordRun(run RunRecord) error {
	s.file.Runs = append(s.file.Runs, run)
	s.file.Stats.Runs++
	s.file.Stats.Attempts += run.Attempts
	s.file.Stats.Characters += run.Characters
	for k, n := range run.Retries {
		if s.file.Stats.Retries == nil {
			s.file.Stats.Retries = make(map[string]int)
		}
		s.file.Stats.Retries[k] += n
	}
	return s.write()
}

func (s *Store) write() error {
	if s.file.Version == 0 {
		s.file.Version = FileVersion
	}
	data, err := json.MarshalIndent(s.file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	if err := atomicwriter.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
