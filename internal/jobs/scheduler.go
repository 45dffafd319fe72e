package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jackzampolin/quill/internal/checkpoint"
	"github.com/jackzampolin/quill/internal/outline"
	"github.com/jackzampolin/quill/internal/output"
	"github.com/jackzampolin/quill/internal/report"
)

const (
	// DefaultConcurrency is the number of sections expanded at once.
	DefaultConcurrency = 3
	// DefaultFailureThreshold is the number of consecutive exhausted
	// sections tolerated before the run halts.
	DefaultFailureThreshold = 3
)

var (
	// ErrSystemicOutage is returned when consecutive sections exhaust their
	// attempts beyond the failure threshold.
	ErrSystemicOutage = errors.New("systemic outage")

	// ErrUnknownSection is returned when Only names an id the document lacks.
	ErrUnknownSection = errors.New("unknown section id")
)

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Expander Expander
	Store    *checkpoint.Store
	Writer   *output.Writer

	// Concurrency is the ceiling on in-flight sections.
	Concurrency int
	// FailureThreshold is the number of consecutive exhausted sections
	// tolerated; one more halts the run.
	FailureThreshold int
	// Only restricts the run to these section ids.
	Only []string

	RunID      string
	PromptHash string

	Logger *slog.Logger
	// ProgressInterval paces progress log lines. Zero disables them.
	ProgressInterval time.Duration
	Now              func() time.Time
}

// Scheduler admits pending sections into workers and is the only writer of
// the checkpoint, the artifacts and the merged document.
type Scheduler struct {
	expander    Expander
	store       *checkpoint.Store
	writer      *output.Writer
	concurrency int
	threshold   int
	only        []string
	runID       string
	promptHash  string
	logger      *slog.Logger
	progress    time.Duration
	now         func() time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Expander == nil || cfg.Store == nil || cfg.Writer == nil {
		return nil, fmt.Errorf("expander, store and writer are required")
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Scheduler{
		expander:    cfg.Expander,
		store:       cfg.Store,
		writer:      cfg.Writer,
		concurrency: concurrency,
		threshold:   threshold,
		only:        cfg.Only,
		runID:       runID,
		promptHash:  cfg.PromptHash,
		logger:      logger.With("run_id", runID),
		progress:    cfg.ProgressInterval,
		now:         now,
	}, nil
}

// RunID identifies the run in logs and the checkpoint history.
func (s *Scheduler) RunID() string {
	return s.runID
}

// run is the state of one Run call. It is touched by the scheduler
// goroutine only.
type run struct {
	agg         *report.Aggregator
	inFlight    map[string]bool
	consecutive int
	halted      bool
	err         error
}

// Run expands every pending section of doc and returns the run summary.
// The error is ErrSystemicOutage, the context error on cancellation, or a
// write failure; per-section failures are reported in the summary only.
func (s *Scheduler) Run(ctx context.Context, doc *outline.Document) (*report.Summary, error) {
	if _, err := s.writer.Load(); err != nil {
		return nil, err
	}

	r := &run{
		agg:      report.NewAggregator(report.Config{RunID: s.runID, Total: len(doc.Sections), Now: s.now}),
		inFlight: make(map[string]bool),
	}

	pending, err := s.pending(doc, r)
	if err != nil {
		return nil, err
	}
	if _, err := s.writer.Flush(); err != nil {
		return nil, err
	}

	s.logger.Info("run started",
		"sections", len(doc.Sections),
		"pending", len(pending),
		"concurrency", s.concurrency)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	results := make(chan Outcome, s.concurrency)

	var ticker <-chan time.Time
	if s.progress > 0 {
		t := time.NewTicker(s.progress)
		defer t.Stop()
		ticker = t.C
	}

	next := 0
	for {
		for !r.halted && runCtx.Err() == nil && next < len(pending) && len(r.inFlight) < s.concurrency {
			sec := pending[next]
			next++
			if r.inFlight[sec.ID] {
				continue
			}
			r.inFlight[sec.ID] = true
			g.Go(func() error {
				results <- s.expander.Expand(runCtx, sec)
				return nil
			})
		}
		if len(r.inFlight) == 0 {
			break
		}

		select {
		case out := <-results:
			delete(r.inFlight, out.Section.ID)
			if err := s.handle(r, out); err != nil && r.err == nil {
				r.err = err
				r.halted = true
				cancel()
			}
		case <-ticker:
			sum := r.agg.Summary()
			s.logger.Info("progress",
				"done", sum.Succeeded+sum.Recovered+sum.Exhausted,
				"pending", len(pending)-next,
				"in_flight", len(r.inFlight),
				"retries", sum.RetryTotal)
		}
	}
	_ = g.Wait()

	switch {
	case r.err != nil:
	case ctx.Err() != nil:
		r.agg.Stop(report.StopCancelled)
		r.err = ctx.Err()
	default:
		r.agg.Stop(report.StopCompleted)
	}

	summary := r.agg.Summary()
	if err := s.store.RecordRun(summary.RunRecord(s.promptHash)); err != nil && r.err == nil {
		r.err = err
	}

	s.logger.Info("run finished",
		"outcome", summary.StopReason,
		"succeeded", summary.Succeeded,
		"exhausted", summary.Exhausted,
		"skipped", summary.Skipped,
		"elapsed", summary.Elapsed.Round(time.Millisecond))
	return summary, r.err
}

// pending returns the sections that still need a completion call, in
// document order. Artifacts left by an earlier run without a checkpoint
// record are adopted here instead of being generated again.
func (s *Scheduler) pending(doc *outline.Document, r *run) ([]outline.Section, error) {
	var only map[string]bool
	if len(s.only) > 0 {
		only = make(map[string]bool, len(s.only))
		for _, id := range s.only {
			if _, ok := doc.Section(id); !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownSection, id)
			}
			only[id] = true
		}
	}

	var pending []outline.Section
	skipped := 0
	for _, sec := range doc.Sections {
		if only != nil && !only[sec.ID] {
			continue
		}
		if s.store.IsDone(sec.ID) {
			if rec, _ := s.store.Get(sec.ID); rec.Status == checkpoint.StatusSucceeded && !s.writer.HasArtifact(sec.ID) {
				s.logger.Warn("checkpointed section has no artifact", "section", sec.ID)
			}
			skipped++
			continue
		}

		if body, ok := s.writer.Body(sec.ID); ok {
			length := output.BodyLength(body)
			rec := checkpoint.Record{
				Status:      checkpoint.StatusSucceeded,
				Title:       sec.Title,
				CompletedAt: s.now().UTC(),
				Length:      length,
				Recovered:   true,
				Artifact:    s.writer.ArtifactPath(sec.ID),
			}
			if err := s.store.Save(sec.ID, rec); err != nil {
				return nil, err
			}
			r.agg.Record(report.SectionOutcome{
				ID:     sec.ID,
				Title:  sec.Title,
				Index:  sec.Index,
				Result: report.ResultRecovered,
				Length: length,
			})
			s.logger.Info("recovered existing artifact", "section", sec.ID, "chars", length)
			continue
		}

		pending = append(pending, sec)
	}
	r.agg.Skip(skipped)
	return pending, nil
}

// handle commits one outcome: artifact, merged document, checkpoint, report.
func (s *Scheduler) handle(r *run, out Outcome) error {
	sec := out.Section
	so := report.SectionOutcome{
		ID:        sec.ID,
		Title:     sec.Title,
		Index:     sec.Index,
		Attempts:  out.Attempts,
		Retries:   out.Retries,
		LastError: out.LastError,
		Length:    out.Length,
		Tokens:    out.Tokens,
		CostUSD:   out.CostUSD,
		Elapsed:   out.Elapsed,
	}
	if out.Err != nil {
		so.Message = out.Err.Error()
	}

	switch {
	case out.Cancelled:
		so.Result = report.ResultCancelled
		r.agg.Record(so)
		return nil

	case out.Status == StatusSucceeded:
		if _, err := s.writer.WriteSection(sec, out.Body); err != nil {
			return err
		}
		if _, err := s.writer.Flush(); err != nil {
			return err
		}
		if err := s.store.Save(sec.ID, checkpoint.Record{
			Status:      checkpoint.StatusSucceeded,
			Title:       sec.Title,
			CompletedAt: s.now().UTC(),
			Length:      out.Length,
			Attempts:    out.Attempts,
			Artifact:    s.writer.ArtifactPath(sec.ID),
		}); err != nil {
			return err
		}
		so.Result = report.ResultSucceeded
		r.agg.Record(so)
		r.consecutive = 0
		return nil

	case out.Status == StatusExhausted:
		if err := s.store.Save(sec.ID, checkpoint.Record{
			Status:      checkpoint.StatusExhausted,
			Title:       sec.Title,
			CompletedAt: s.now().UTC(),
			Attempts:    out.Attempts,
			LastError:   out.LastError.String(),
		}); err != nil {
			return err
		}
		so.Result = report.ResultExhausted
		r.agg.Record(so)

		r.consecutive++
		if r.consecutive > s.threshold && !r.halted {
			r.agg.Stop(report.StopSystemicOutage)
			s.logger.Error("halting run",
				"consecutive_failures", r.consecutive,
				"threshold", s.threshold,
				"last_error", out.LastError.String())
			return fmt.Errorf("%w: %d consecutive sections exhausted", ErrSystemicOutage, r.consecutive)
		}
		return nil
	}

	return fmt.Errorf("section %s: unexpected outcome status %s", sec.ID, out.Status)
}
