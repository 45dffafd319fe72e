// Package llmcall records every completion attempt for traceability.
// Each attempt is one JSON line with its section, prompt hash, outcome and
// usage; generated text itself lives in the section artifacts.
package llmcall

import (
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/quill/internal/providers"
)

// Call represents a recorded completion attempt.
type Call struct {
	// Unique identifier
	ID string `json:"id"`

	// Timing
	Timestamp time.Time `json:"timestamp"`
	LatencyMs int64     `json:"latency_ms"`

	// Context references
	RunID   string `json:"run_id,omitempty"`
	Section string `json:"section"`
	Attempt int    `json:"attempt"`

	// Prompt traceability
	PromptHash   string `json:"prompt_hash,omitempty"`
	Strengthened bool   `json:"strengthened,omitempty"`

	// Model info
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`

	// Token usage
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`

	// Response
	Length       int    `json:"length"`
	FinishReason string `json:"finish_reason,omitempty"`

	// Status
	Success bool   `json:"success"`
	Class   string `json:"class,omitempty"`
	Error   string `json:"error,omitempty"`
}

// RecordOptions provides context for recording a call.
type RecordOptions struct {
	RunID        string
	Section      string
	Attempt      int
	PromptHash   string
	Strengthened bool
	Provider     string
	Model        string
	Started      time.Time
}

// New creates a Call from an attempt. result may be nil when the request
// failed before a response; length is the validated body length.
func New(result *providers.ChatResult, length int, failure error, class string, opts RecordOptions) *Call {
	call := &Call{
		ID:           uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		RunID:        opts.RunID,
		Section:      opts.Section,
		Attempt:      opts.Attempt,
		PromptHash:   opts.PromptHash,
		Strengthened: opts.Strengthened,
		Provider:     opts.Provider,
		Model:        opts.Model,
		Length:       length,
		Success:      failure == nil,
	}
	if !opts.Started.IsZero() {
		call.LatencyMs = time.Since(opts.Started).Milliseconds()
	}

	if result != nil {
		call.InputTokens = result.PromptTokens
		call.OutputTokens = result.CompletionTokens
		call.CostUSD = result.CostUSD
		call.FinishReason = result.FinishReason
		if result.ModelUsed != "" {
			call.Model = result.ModelUsed
		}
		if result.Provider != "" {
			call.Provider = result.Provider
		}
	}

	if failure != nil {
		call.Class = class
		call.Error = failure.Error()
	}
	return call
}
