package llmcall

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// DefaultBuffer is the number of calls queued before Record drops.
const DefaultBuffer = 256

// Recorder appends calls to a JSON-lines file from a background
// goroutine. Record never blocks the caller.
type Recorder struct {
	calls  chan *Call
	done   chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	dropped int
}

// Config configures a Recorder.
type Config struct {
	// Path is the JSON-lines file; it is created or appended to.
	Path   string
	Buffer int
	Logger *slog.Logger
}

// NewRecorder opens the call log and starts the writer goroutine.
func NewRecorder(cfg Config) (*Recorder, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create call log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open call log: %w", err)
	}

	r := &Recorder{
		calls:  make(chan *Call, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go r.run(f)
	return r, nil
}

func (r *Recorder) run(f *os.File) {
	defer close(r.done)

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for call := range r.calls {
		if err := enc.Encode(call); err != nil {
			r.logger.Warn("failed to record call", "section", call.Section, "error", err)
			continue
		}
		// Flush when the queue drains so the log trails the run closely.
		if len(r.calls) == 0 {
			if err := w.Flush(); err != nil {
				r.logger.Warn("failed to flush call log", "error", err)
			}
		}
	}
	if err := w.Flush(); err != nil {
		r.logger.Warn("failed to flush call log", "error", err)
	}
	if err := f.Close(); err != nil {
		r.logger.Warn("failed to close call log", "error", err)
	}
}

// Record queues a call. When the queue is full the call is dropped.
func (r *Recorder) Record(call *Call) {
	if r == nil || call == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.calls <- call:
	default:
		r.dropped++
	}
}

// Close drains the queue and closes the file. It returns the number of
// dropped calls.
func (r *Recorder) Close() int {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return r.dropped
	}
	r.closed = true
	close(r.calls)
	r.mu.Unlock()

	<-r.done
	if r.dropped > 0 {
		r.logger.Warn("call log dropped records", "count", r.dropped)
	}
	return r.dropped
}

// Read loads every call from a JSON-lines file.
func Read(path string) ([]Call, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var calls []Call
	dec := json.NewDecoder(f)
	for dec.More() {
		var c Call
		if err := dec.Decode(&c); err != nil {
			return calls, fmt.Errorf("failed to decode call %d: %w", len(calls)+1, err)
		}
		calls = append(calls, c)
	}
	return calls, nil
}
