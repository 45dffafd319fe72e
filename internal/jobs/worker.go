package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	retrygo "github.com/avast/retry-go/v4"

	"github.com/jackzampolin/quill/internal/llmcall"
	"github.com/jackzampolin/quill/internal/outline"
	"github.com/jackzampolin/quill/internal/output"
	"github.com/jackzampolin/quill/internal/prompts/expand"
	"github.com/jackzampolin/quill/internal/providers"
	"github.com/jackzampolin/quill/internal/retry"
)

// DefaultAttemptTimeout bounds a single completion call.
const DefaultAttemptTimeout = 120 * time.Second

// Expander turns one section into an Outcome. Worker is the production
// implementation; the scheduler depends only on this interface.
type Expander interface {
	Expand(ctx context.Context, sec outline.Section) Outcome
}

// Outcome is the terminal result of one section's attempts, sent from the
// worker goroutine to the scheduler.
type Outcome struct {
	Section  outline.Section
	Status   Status
	Body     string
	Length   int
	Attempts int
	Retries  map[retry.Classification]int

	// LastError is the classification of the final failure.
	LastError retry.Classification
	Err       error

	Tokens  int
	CostUSD float64
	Elapsed time.Duration

	// Cancelled is set when the run context ended before a terminal state.
	Cancelled bool
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Client providers.LLMClient
	Frame  *expand.Frame
	// Limiter is shared by every worker of a run. Optional.
	Limiter *providers.RateLimiter
	Policy  retry.Policy

	AttemptTimeout   time.Duration
	MinContentLength int

	// Recorder receives one entry per attempt. Optional.
	Recorder *llmcall.Recorder
	RunID    string

	Logger *slog.Logger
}

// Worker is the ExpansionWorker: one completion call per attempt, failures
// classified and paced by the retry policy.
type Worker struct {
	client     providers.LLMClient
	frame      *expand.Frame
	limiter    *providers.RateLimiter
	policy     retry.Policy
	timeout    time.Duration
	minContent int
	recorder   *llmcall.Recorder
	runID      string
	logger     *slog.Logger
}

// NewWorker creates a worker.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if cfg.Frame == nil {
		return nil, fmt.Errorf("prompt frame is required")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}

	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = DefaultAttemptTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		client:     cfg.Client,
		frame:      cfg.Frame,
		limiter:    cfg.Limiter,
		policy:     cfg.Policy,
		timeout:    timeout,
		minContent: cfg.MinContentLength,
		recorder:   cfg.Recorder,
		runID:      cfg.RunID,
		logger:     logger.With("provider", cfg.Client.Name()),
	}, nil
}

// Expand drives sec to Succeeded or Exhausted. It never returns an error:
// failures are part of the Outcome.
func (w *Worker) Expand(ctx context.Context, sec outline.Section) Outcome {
	start := time.Now()
	task := NewTask(sec)
	logger := w.logger.With("section", sec.ID)

	out := Outcome{Section: sec}
	var body string

	attempt := func() error {
		if err := task.Begin(); err != nil {
			return retrygo.Unrecoverable(err)
		}

		hint := task.Hint(w.minContent)
		req, err := w.frame.Build(sec, hint)
		if err != nil {
			_ = task.Abandon(err)
			return retrygo.Unrecoverable(err)
		}

		opts := llmcall.RecordOptions{
			RunID:        w.runID,
			Section:      sec.ID,
			Attempt:      task.Attempts,
			PromptHash:   w.frame.Hash(),
			Strengthened: hint.MinLength > 0,
			Provider:     w.client.Name(),
			Model:        req.Model,
		}
		text, err := w.call(ctx, req, &out, opts)
		if err == nil {
			body = text
			return task.Succeed()
		}

		if ctx.Err() != nil {
			return retrygo.Unrecoverable(ctx.Err())
		}

		class := retry.Classify(err)
		if class == retry.RateLimited && w.limiter != nil {
			w.limiter.Record429(retry.RetryAfter(err))
		}

		retrying, ferr := task.Fail(class, err, w.policy)
		if ferr != nil {
			return retrygo.Unrecoverable(ferr)
		}
		if !retrying {
			logger.Warn("section exhausted",
				"attempts", task.Attempts,
				"class", class.String(),
				"error", err)
			return retrygo.Unrecoverable(err)
		}

		logger.Info("attempt failed, retrying",
			"attempt", task.Attempts,
			"class", class.String(),
			"delay", task.NextDelay,
			"error", err)
		return err
	}

	_ = retrygo.Do(attempt,
		retrygo.Context(ctx),
		retrygo.Attempts(uint(w.policy.MaxAttempts)),
		retrygo.DelayType(func(uint, error, *retrygo.Config) time.Duration {
			return task.NextDelay
		}),
		retrygo.LastErrorOnly(true),
	)

	out.Status = task.Status
	out.Attempts = task.Attempts
	out.Retries = task.Retries
	out.Elapsed = time.Since(start)

	switch task.Status {
	case StatusSucceeded:
		out.Body = body
		out.Length = output.BodyLength(body)
		logger.Info("section expanded", "chars", out.Length, "attempts", task.Attempts)
	case StatusExhausted:
		out.LastError = task.LastClass
		out.Err = task.LastErr
	default:
		out.Cancelled = true
		out.LastError = task.LastClass
		out.Err = ctx.Err()
		if out.Err == nil {
			out.Err = task.LastErr
		}
		logger.Debug("section cancelled", "status", task.Status.String(), "attempts", task.Attempts)
	}
	return out
}

// call performs one paced completion request and validates its length.
func (w *Worker) call(ctx context.Context, req *providers.ChatRequest, out *Outcome, opts llmcall.RecordOptions) (string, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	opts.Started = time.Now()
	result, err := w.client.Chat(attemptCtx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("attempt timed out after %s: %w", w.timeout, err)
		}
		w.record(nil, 0, err, opts)
		return "", err
	}
	out.Tokens += result.TotalTokens
	out.CostUSD += result.CostUSD

	text := strings.TrimSpace(result.Content)
	n := output.BodyLength(text)
	if n < w.minContent {
		err = &retry.InsufficientContentError{Length: n, Min: w.minContent}
	}
	w.record(result, n, err, opts)
	if err != nil {
		return "", err
	}
	return text, nil
}

func (w *Worker) record(result *providers.ChatResult, length int, err error, opts llmcall.RecordOptions) {
	if w.recorder == nil {
		return
	}
	class := ""
	if err != nil {
		class = retry.Classify(err).String()
	}
	w.recorder.Record(llmcall.New(result, length, err, class, opts))
}

var _ Expander = (*Worker)(nil)
