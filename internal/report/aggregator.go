// Package report tallies section outcomes into a run summary.
package report

import (
	"sort"
	"sync"
	"time"

	"github.com/jackzampolin/quill/internal/retry"
)

// Stop reasons recorded in Summary.StopReason.
const (
	StopCompleted      = "completed"
	StopSystemicOutage = "systemic_outage"
	StopCancelled      = "cancelled"
)

// Result is the terminal state of a section in a run.
type Result string

const (
	ResultSucceeded Result = "succeeded"
	ResultExhausted Result = "exhausted"
	ResultRecovered Result = "recovered"
	ResultCancelled Result = "cancelled"
)

// SectionOutcome is what the scheduler reports for one section.
type SectionOutcome struct {
	ID    string
	Title string
	// Index is the document order of the section.
	Index    int
	Result   Result
	Attempts int
	// Retries counts retry decisions by classification.
	Retries   map[retry.Classification]int
	LastError retry.Classification
	Message   string
	Length    int
	Tokens    int
	CostUSD   float64
	Elapsed   time.Duration
}

// Aggregator accumulates outcomes for one run.
type Aggregator struct {
	mu sync.Mutex

	runID     string
	total     int
	startedAt time.Time
	now       func() time.Time

	skipped    int
	outcomes   []SectionOutcome
	stopReason string
}

// Config configures an Aggregator.
type Config struct {
	RunID string
	// Total is the number of sections in the document.
	Total int
	Now   func() time.Time
}

// NewAggregator starts the run clock.
func NewAggregator(cfg Config) *Aggregator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		runID:     cfg.RunID,
		total:     cfg.Total,
		startedAt: now(),
		now:       now,
	}
}

// Record adds one section outcome.
func (a *Aggregator) Record(o SectionOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes = append(a.outcomes, o)
}

// Skip counts sections already complete before the run.
func (a *Aggregator) Skip(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.skipped += n
}

// Stop records why the run ended. The first non-completed reason wins.
func (a *Aggregator) Stop(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopReason == "" || a.stopReason == StopCompleted {
		a.stopReason = reason
	}
}

// Summary computes the run summary as of now.
func (a *Aggregator) Summary() *Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	finished := a.now()
	s := &Summary{
		RunID:      a.runID,
		StartedAt:  a.startedAt,
		FinishedAt: finished,
		Elapsed:    finished.Sub(a.startedAt),
		Total:      a.total,
		Skipped:    a.skipped,
		Retries:    make(map[string]int),
		StopReason: a.stopReason,
	}
	if s.StopReason == "" {
		s.StopReason = StopCompleted
	}

	outcomes := make([]SectionOutcome, len(a.outcomes))
	copy(outcomes, a.outcomes)
	sort.SliceStable(outcomes, func(i, j int) bool { return outcomes[i].Index < outcomes[j].Index })

	for _, o := range outcomes {
		s.Attempts += o.Attempts
		s.Tokens += o.Tokens
		s.CostUSD += o.CostUSD

		stat := SectionStat{
			ID:       o.ID,
			Title:    o.Title,
			Result:   o.Result,
			Attempts: o.Attempts,
			Length:   o.Length,
			Elapsed:  o.Elapsed.Round(time.Millisecond).String(),
		}
		for c, n := range o.Retries {
			if n == 0 {
				continue
			}
			s.Retries[c.String()] += n
			s.RetryTotal += n
			if stat.Retries == nil {
				stat.Retries = make(map[string]int)
			}
			stat.Retries[c.String()] = n
		}
		s.Sections = append(s.Sections, stat)

		switch o.Result {
		case ResultSucceeded:
			s.Succeeded++
			s.Characters += int64(o.Length)
		case ResultRecovered:
			s.Recovered++
			s.Characters += int64(o.Length)
		case ResultExhausted:
			s.Exhausted++
			s.Failed = append(s.Failed, FailedSection{
				ID:        o.ID,
				Title:     o.Title,
				LastError: o.LastError.String(),
				Message:   o.Message,
				Attempts:  o.Attempts,
			})
		case ResultCancelled:
			s.Cancelled++
		}
	}

	if generated := s.Succeeded + s.Recovered; generated > 0 {
		s.AvgCharacters = s.Characters / int64(generated)
	}
	if decided := s.Succeeded + s.Exhausted; decided > 0 {
		s.SuccessRate = float64(s.Succeeded) / float64(decided)
	}
	if mins := s.Elapsed.Minutes(); mins > 0 {
		s.SectionsPerMinute = float64(s.Succeeded) / mins
	}
	s.ElapsedSeconds = s.Elapsed.Seconds()
	return s
}
