package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/quill/internal/checkpoint"
	"github.com/jackzampolin/quill/internal/outline"
	"github.com/jackzampolin/quill/internal/output"
	"github.com/jackzampolin/quill/internal/providers"
	"github.com/jackzampolin/quill/internal/report"
	"github.com/jackzampolin/quill/internal/retry"
)

const threeSections = `# 1 Guide

1.1.1.1.1 A

1.1.1.1.2 B

1.1.1.1.3 C
`

var fixedNow = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

func parseDoc(t *testing.T, src string) *outline.Document {
	t.Helper()
	doc, err := outline.Parse([]byte(src), outline.DepthSixth)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return doc
}

func manySections(n int) string {
	var b strings.Builder
	b.WriteString("# Guide\n\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "### 1.1.1.1.%d. Topic %d\n\n", i, i)
	}
	return b.String()
}

// harness reopens the checkpoint and output on every run, like a new process.
type harness struct {
	t   *testing.T
	dir string
	doc *outline.Document
}

func newHarness(t *testing.T, src string) *harness {
	return &harness{t: t, dir: t.TempDir(), doc: parseDoc(t, src)}
}

func (h *harness) store() *checkpoint.Store {
	h.t.Helper()
	s, err := checkpoint.Open(checkpoint.Config{
		Path:     filepath.Join(h.dir, "progress.json"),
		Document: checkpoint.DocumentInfo{Source: "guide.md", Hash: h.doc.Hash, Depth: h.doc.Depth},
	})
	if err != nil {
		h.t.Fatalf("checkpoint.Open() error = %v", err)
	}
	return s
}

func (h *harness) writer() *output.Writer {
	h.t.Helper()
	w, err := output.NewWriter(output.Config{
		Document:    h.doc,
		SectionsDir: filepath.Join(h.dir, "sections"),
		MergedPath:  h.mergedPath(),
		Now:         fixedNow,
	})
	if err != nil {
		h.t.Fatalf("NewWriter() error = %v", err)
	}
	return w
}

func (h *harness) mergedPath() string {
	return filepath.Join(h.dir, "guide_expanded.md")
}

func (h *harness) merged() string {
	h.t.Helper()
	data, err := os.ReadFile(h.mergedPath())
	if err != nil {
		h.t.Fatalf("read merged: %v", err)
	}
	return string(data)
}

func (h *harness) run(ctx context.Context, exp Expander, mutate func(*SchedulerConfig)) (*report.Summary, error) {
	h.t.Helper()
	cfg := SchedulerConfig{
		Expander:    exp,
		Store:       h.store(),
		Writer:      h.writer(),
		Concurrency: 3,
		Now:         fixedNow,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewScheduler(cfg)
	if err != nil {
		h.t.Fatalf("NewScheduler() error = %v", err)
	}
	return s.Run(ctx, h.doc)
}

func TestScheduler_ThreeSectionsInOrder(t *testing.T) {
	h := newHarness(t, threeSections)
	mock := newMock(respondWithBody)

	sum, err := h.run(context.Background(), newTestWorker(t, mock, nil), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Succeeded != 3 || sum.StopReason != report.StopCompleted {
		t.Fatalf("summary = %+v", sum)
	}

	merged := h.merged()
	a := strings.Index(merged, bodyFor("1.1.1.1.1"))
	b := strings.Index(merged, bodyFor("1.1.1.1.2"))
	c := strings.Index(merged, bodyFor("1.1.1.1.3"))
	if a < 0 || b < 0 || c < 0 || !(a < b && b < c) {
		t.Errorf("bodies out of order (a=%d b=%d c=%d):\n%s", a, b, c, merged)
	}

	files, _ := filepath.Glob(filepath.Join(h.dir, "sections", "chapter_*.md"))
	if len(files) != 3 {
		t.Errorf("artifacts = %v, want 3", files)
	}
	for _, f := range files {
		if _, err := output.ReadArtifact(f); err != nil {
			t.Errorf("ReadArtifact(%s) error = %v", f, err)
		}
	}
}

func TestScheduler_OrderIndependentOfCompletion(t *testing.T) {
	h := newHarness(t, threeSections)

	delays := map[string]time.Duration{
		"1.1.1.1.1": 40 * time.Millisecond,
		"1.1.1.1.2": 80 * time.Millisecond,
		"1.1.1.1.3": 0,
	}
	var mu sync.Mutex
	var completed []string
	mock := newMock(func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
		id := sectionOf(req)
		time.Sleep(delays[id])
		mu.Lock()
		completed = append(completed, id)
		mu.Unlock()
		return &providers.ChatResult{Content: bodyFor(id)}, nil
	})

	if _, err := h.run(context.Background(), newTestWorker(t, mock, nil), nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := strings.Join(completed, ","); got != "1.1.1.1.3,1.1.1.1.1,1.1.1.1.2" {
		t.Fatalf("completion order = %s, want C,A,B", got)
	}

	// The merged document equals a render from the full body set.
	w := h.writer()
	if _, err := w.Load(); err != nil {
		t.Fatal(err)
	}
	if h.merged() != string(w.Render()) {
		t.Error("merged document differs from document-order render")
	}
	merged := h.merged()
	if !(strings.Index(merged, bodyFor("1.1.1.1.1")) < strings.Index(merged, bodyFor("1.1.1.1.2")) &&
		strings.Index(merged, bodyFor("1.1.1.1.2")) < strings.Index(merged, bodyFor("1.1.1.1.3"))) {
		t.Errorf("merged document not in A, B, C order:\n%s", merged)
	}
}

func TestScheduler_RateLimitedSectionRetries(t *testing.T) {
	h := newHarness(t, threeSections)

	var mu sync.Mutex
	calls := make(map[string]int)
	mock := newMock(func(_ context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
		id := sectionOf(req)
		mu.Lock()
		calls[id]++
		n := calls[id]
		mu.Unlock()
		if id == "1.1.1.1.2" && n <= 2 {
			return nil, &providers.APIError{Provider: "mock", StatusCode: 429, Message: "rate limited"}
		}
		return &providers.ChatResult{Content: bodyFor(id)}, nil
	})

	sum, err := h.run(context.Background(), newTestWorker(t, mock, nil), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Succeeded != 3 || sum.Exhausted != 0 {
		t.Fatalf("summary = %+v", sum)
	}

	b, ok := sum.Section("1.1.1.1.2")
	if !ok {
		t.Fatal("missing section B in report")
	}
	if b.Attempts != 3 || b.Retries[retry.RateLimited.String()] != 2 {
		t.Errorf("section B = %+v", b)
	}
	for _, id := range []string{"1.1.1.1.1", "1.1.1.1.3"} {
		st, _ := sum.Section(id)
		if st.Attempts != 1 || len(st.Retries) != 0 {
			t.Errorf("section %s = %+v", id, st)
		}
	}
	if sum.Retries[retry.RateLimited.String()] != 2 {
		t.Errorf("run retries = %v", sum.Retries)
	}
}

func TestScheduler_ConcurrencyBound(t *testing.T) {
	h := newHarness(t, manySections(10))
	mock := newMock(respondWithBody)
	mock.Latency = 15 * time.Millisecond

	sum, err := h.run(context.Background(), newTestWorker(t, mock, nil), func(c *SchedulerConfig) {
		c.Concurrency = 3
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Succeeded != 10 {
		t.Fatalf("Succeeded = %d", sum.Succeeded)
	}
	if peak := mock.PeakInFlight(); peak > 3 {
		t.Errorf("peak in-flight = %d, want <= 3", peak)
	}
	if mock.RequestCount() != 10 {
		t.Errorf("requests = %d, want 10", mock.RequestCount())
	}
}

func TestScheduler_Idempotent(t *testing.T) {
	h := newHarness(t, threeSections)
	if _, err := h.run(context.Background(), newTestWorker(t, newMock(respondWithBody), nil), nil); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	before := h.merged()

	mock := newMock(respondWithBody)
	sum, err := h.run(context.Background(), newTestWorker(t, mock, nil), nil)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if mock.RequestCount() != 0 {
		t.Errorf("second run made %d requests", mock.RequestCount())
	}
	if sum.Skipped != 3 {
		t.Errorf("Skipped = %d, want 3", sum.Skipped)
	}
	if h.merged() != before {
		t.Error("merged document changed on idempotent run")
	}

	runs := h.store().Runs()
	if len(runs) != 2 {
		t.Fatalf("run history = %d entries", len(runs))
	}
	if runs[0].Succeeded != 3 || runs[1].Skipped != 3 {
		t.Errorf("runs = %+v", runs)
	}
}

func TestScheduler_ResumeMatchesUninterrupted(t *testing.T) {
	sequential := func(c *SchedulerConfig) { c.Concurrency = 1 }

	clean := newHarness(t, threeSections)
	if _, err := clean.run(context.Background(), newTestWorker(t, newMock(respondWithBody), nil), sequential); err != nil {
		t.Fatalf("uninterrupted Run() error = %v", err)
	}

	h := &harness{t: t, dir: t.TempDir(), doc: clean.doc}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupting := newMock(func(c context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
		if sectionOf(req) == "1.1.1.1.3" {
			cancel()
			<-c.Done()
			return nil, c.Err()
		}
		return respondWithBody(c, req)
	})
	sum, err := h.run(ctx, newTestWorker(t, interrupting, nil), sequential)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("interrupted Run() error = %v, want context.Canceled", err)
	}
	if sum.StopReason != report.StopCancelled || sum.Cancelled != 1 {
		t.Errorf("interrupted summary = %+v", sum)
	}
	store := h.store()
	if store.IsDone("1.1.1.1.3") {
		t.Fatal("cancelled section must not be checkpointed")
	}
	if len(store.Completed()) != 2 {
		t.Fatalf("Completed() = %v", store.Completed())
	}

	mock := newMock(respondWithBody)
	if _, err := h.run(context.Background(), newTestWorker(t, mock, nil), sequential); err != nil {
		t.Fatalf("resumed Run() error = %v", err)
	}
	if mock.RequestCount() != 1 || sectionOf(&mock.Requests()[0]) != "1.1.1.1.3" {
		t.Errorf("resume requests = %d", mock.RequestCount())
	}
	if !bytes.Equal([]byte(h.merged()), []byte(clean.merged())) {
		t.Errorf("resumed output differs:\n--- resumed\n%s\n--- clean\n%s", h.merged(), clean.merged())
	}
}

func TestScheduler_SystemicOutage(t *testing.T) {
	h := newHarness(t, manySections(6))
	down := newMock(func(context.Context, *providers.ChatRequest) (*providers.ChatResult, error) {
		return nil, &providers.APIError{Provider: "mock", StatusCode: 503, Message: "unavailable"}
	})
	oneShot := func(c *WorkerConfig) {
		p := testPolicy()
		p.MaxAttempts = 1
		c.Policy = p
	}
	sched := func(c *SchedulerConfig) {
		c.Concurrency = 1
		c.FailureThreshold = 2
	}

	sum, err := h.run(context.Background(), newTestWorker(t, down, oneShot), sched)
	if !errors.Is(err, ErrSystemicOutage) {
		t.Fatalf("Run() error = %v, want ErrSystemicOutage", err)
	}
	if down.RequestCount() != 3 {
		t.Errorf("requests = %d, want 3", down.RequestCount())
	}
	if sum.StopReason != report.StopSystemicOutage || sum.Exhausted != 3 {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.FailedIDs()) != 3 || sum.Failed[0].LastError != retry.ConnectionDropped.String() {
		t.Errorf("failed = %+v", sum.Failed)
	}

	// The checkpoint survives: a healthy rerun only does the untouched sections.
	up := newMock(respondWithBody)
	sum, err = h.run(context.Background(), newTestWorker(t, up, nil), sched)
	if err != nil {
		t.Fatalf("rerun error = %v", err)
	}
	if up.RequestCount() != 3 || sum.Skipped != 3 {
		t.Errorf("rerun requests = %d skipped = %d", up.RequestCount(), sum.Skipped)
	}

	// Exhausted sections come back only after an explicit reset.
	store := h.store()
	removed, err := store.Reset(nil)
	if err != nil || len(removed) != 3 {
		t.Fatalf("Reset() = %v, %v", removed, err)
	}
	up.Reset()
	if _, err := h.run(context.Background(), newTestWorker(t, up, nil), sched); err != nil {
		t.Fatalf("run after reset error = %v", err)
	}
	if up.RequestCount() != 3 {
		t.Errorf("requests after reset = %d", up.RequestCount())
	}
	if got := len(h.store().Completed()); got != 6 {
		t.Errorf("completed = %d, want 6", got)
	}
}

func TestScheduler_IsolatedFailureDoesNotHalt(t *testing.T) {
	h := newHarness(t, threeSections)
	mock := newMock(func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
		if sectionOf(req) == "1.1.1.1.2" {
			return nil, errors.New("unexpected provider failure")
		}
		return respondWithBody(ctx, req)
	})

	sum, err := h.run(context.Background(), newTestWorker(t, mock, nil), func(c *SchedulerConfig) { c.FailureThreshold = 1 })
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Succeeded != 2 || sum.Exhausted != 1 {
		t.Errorf("summary = %+v", sum)
	}
	rec, ok := h.store().Get("1.1.1.1.2")
	if !ok || rec.Status != checkpoint.StatusExhausted || rec.LastError != retry.Unknown.String() {
		t.Errorf("record = %+v", rec)
	}
	if strings.Contains(h.merged(), bodyFor("1.1.1.1.2")) {
		t.Error("exhausted section has a body")
	}
}

func TestScheduler_RecoversOrphanArtifacts(t *testing.T) {
	h := newHarness(t, threeSections)
	w := h.writer()
	if _, err := w.Load(); err != nil {
		t.Fatal(err)
	}
	sec, _ := h.doc.Section("1.1.1.1.1")
	if _, err := w.WriteSection(sec, bodyFor(sec.ID)); err != nil {
		t.Fatalf("WriteSection() error = %v", err)
	}

	mock := newMock(respondWithBody)
	sum, err := h.run(context.Background(), newTestWorker(t, mock, nil), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if mock.RequestCount() != 2 {
		t.Errorf("requests = %d, want 2", mock.RequestCount())
	}
	if sum.Recovered != 1 || sum.Succeeded != 2 {
		t.Errorf("summary = %+v", sum)
	}
	rec, _ := h.store().Get(sec.ID)
	if !rec.Recovered || rec.Status != checkpoint.StatusSucceeded {
		t.Errorf("record = %+v", rec)
	}
	if !strings.Contains(h.merged(), bodyFor(sec.ID)) {
		t.Error("recovered body missing from merged document")
	}
}

func TestScheduler_Only(t *testing.T) {
	h := newHarness(t, threeSections)
	mock := newMock(respondWithBody)

	_, err := h.run(context.Background(), newTestWorker(t, mock, nil), func(c *SchedulerConfig) {
		c.Only = []string{"1.1.1.1.2"}
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if mock.RequestCount() != 1 || sectionOf(&mock.Requests()[0]) != "1.1.1.1.2" {
		t.Errorf("requests = %d", mock.RequestCount())
	}

	_, err = h.run(context.Background(), newTestWorker(t, mock, nil), func(c *SchedulerConfig) {
		c.Only = []string{"9.9.9.9.9"}
	})
	if !errors.Is(err, ErrUnknownSection) {
		t.Errorf("error = %v, want ErrUnknownSection", err)
	}
}
