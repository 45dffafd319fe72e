package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/moby/sys/atomicwriter"

	"github.com/jackzampolin/quill/internal/checkpoint"
)

// Summary is the structured statistics record of one run.
type Summary struct {
	RunID          string        `json:"run_id" yaml:"run_id"`
	StartedAt      time.Time     `json:"started_at" yaml:"started_at"`
	FinishedAt     time.Time     `json:"finished_at" yaml:"finished_at"`
	Elapsed        time.Duration `json:"-" yaml:"-"`
	ElapsedSeconds float64       `json:"elapsed_seconds" yaml:"elapsed_seconds"`
	StopReason     string        `json:"stop_reason" yaml:"stop_reason"`

	Total     int `json:"total" yaml:"total"`
	Attempts  int `json:"attempts" yaml:"attempts"`
	Succeeded int `json:"succeeded" yaml:"succeeded"`
	Exhausted int `json:"exhausted" yaml:"exhausted"`
	Skipped   int `json:"skipped" yaml:"skipped"`
	Recovered int `json:"recovered" yaml:"recovered"`
	Cancelled int `json:"cancelled" yaml:"cancelled"`

	RetryTotal int            `json:"retry_total" yaml:"retry_total"`
	Retries    map[string]int `json:"retries" yaml:"retries"`

	Characters        int64   `json:"characters" yaml:"characters"`
	AvgCharacters     int64   `json:"avg_characters" yaml:"avg_characters"`
	Tokens            int     `json:"tokens" yaml:"tokens"`
	CostUSD           float64 `json:"cost_usd" yaml:"cost_usd"`
	SuccessRate       float64 `json:"success_rate" yaml:"success_rate"`
	SectionsPerMinute float64 `json:"sections_per_minute" yaml:"sections_per_minute"`

	Failed   []FailedSection `json:"failed" yaml:"failed"`
	Sections []SectionStat   `json:"sections,omitempty" yaml:"sections,omitempty"`
}

// FailedSection lists an Exhausted section for a targeted re-run.
type FailedSection struct {
	ID        string `json:"id" yaml:"id"`
	Title     string `json:"title" yaml:"title"`
	LastError string `json:"last_error" yaml:"last_error"`
	Message   string `json:"message,omitempty" yaml:"message,omitempty"`
	Attempts  int    `json:"attempts" yaml:"attempts"`
}

// SectionStat is the per-section line of the report.
type SectionStat struct {
	ID       string         `json:"id" yaml:"id"`
	Title    string         `json:"title" yaml:"title"`
	Result   Result         `json:"result" yaml:"result"`
	Attempts int            `json:"attempts" yaml:"attempts"`
	Retries  map[string]int `json:"retries,omitempty" yaml:"retries,omitempty"`
	Length   int            `json:"length" yaml:"length"`
	Elapsed  string         `json:"elapsed" yaml:"elapsed"`
}

// Section returns the stat line for id.
func (s *Summary) Section(id string) (SectionStat, bool) {
	for _, st := range s.Sections {
		if st.ID == id {
			return st, true
		}
	}
	return SectionStat{}, false
}

// FailedIDs returns the ids of Exhausted sections, sorted.
func (s *Summary) FailedIDs() []string {
	ids := make([]string, len(s.Failed))
	for i, f := range s.Failed {
		ids[i] = f.ID
	}
	return ids
}

// RunRecord converts the summary into a checkpoint run entry.
func (s *Summary) RunRecord(promptHash string) checkpoint.RunRecord {
	retries := make(map[string]int, len(s.Retries))
	for k, v := range s.Retries {
		retries[k] = v
	}
	return checkpoint.RunRecord{
		ID:         s.RunID,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
		Attempts:   s.Attempts,
		Succeeded:  s.Succeeded,
		Exhausted:  s.Exhausted,
		Skipped:    s.Skipped,
		Recovered:  s.Recovered,
		Characters: s.Characters,
		Retries:    retries,
		Outcome:    s.StopReason,
		PromptHash: promptHash,
	}
}

// WriteText prints the human-readable summary.
func (s *Summary) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "Run\t%s (%s)\n", s.RunID, s.StopReason)
	fmt.Fprintf(tw, "Elapsed\t%s\n", s.Elapsed.Round(time.Second))
	fmt.Fprintf(tw, "Sections\t%d total, %d succeeded, %d exhausted, %d skipped, %d recovered\n",
		s.Total, s.Succeeded, s.Exhausted, s.Skipped, s.Recovered)
	if s.Cancelled > 0 {
		fmt.Fprintf(tw, "Cancelled\t%d in flight\n", s.Cancelled)
	}
	fmt.Fprintf(tw, "Attempts\t%d (%d retries)\n", s.Attempts, s.RetryTotal)
	if len(s.Retries) > 0 {
		kinds := make([]string, 0, len(s.Retries))
		for k := range s.Retries {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		parts := make([]string, 0, len(kinds))
		for _, k := range kinds {
			parts = append(parts, fmt.Sprintf("%s=%d", k, s.Retries[k]))
		}
		fmt.Fprintf(tw, "Retries\t%s\n", strings.Join(parts, " "))
	}
	fmt.Fprintf(tw, "Success rate\t%.1f%%\n", s.SuccessRate*100)
	fmt.Fprintf(tw, "Characters\t%d (avg %d per section)\n", s.Characters, s.AvgCharacters)
	fmt.Fprintf(tw, "Throughput\t%.2f sections/min\n", s.SectionsPerMinute)
	if s.Tokens > 0 {
		fmt.Fprintf(tw, "Tokens\t%d ($%.4f)\n", s.Tokens, s.CostUSD)
	}

	if len(s.Failed) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "FAILED\tLAST ERROR\tATTEMPTS\tTITLE")
		for _, f := range s.Failed {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", f.ID, f.LastError, f.Attempts, f.Title)
		}
	}
	return tw.Flush()
}

// WriteJSON writes the summary atomically to path.
func (s *Summary) WriteJSON(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create report dir: %w", err)
	}
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// ReadJSON loads a report written by WriteJSON.
func ReadJSON(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse report %s: %w", path, err)
	}
	s.Elapsed = time.Duration(s.ElapsedSeconds * float64(time.Second))
	return &s, nil
}
