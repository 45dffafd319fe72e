// Package jobs runs the expansion of a document's sections: a per-section
// task state machine, the worker that drives one section through its
// attempts, and the scheduler that bounds concurrency and owns every write.
package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackzampolin/quill/internal/outline"
	"github.com/jackzampolin/quill/internal/prompts/expand"
	"github.com/jackzampolin/quill/internal/retry"
)

// ErrInvalidTransition is returned for a state change the task does not allow.
var ErrInvalidTransition = errors.New("invalid task transition")

// Status is the state of a generation task.
type Status int

const (
	StatusPending Status = iota
	StatusInFlight
	StatusRetryScheduled
	StatusSucceeded
	StatusExhausted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusRetryScheduled:
		return "retry_scheduled"
	case StatusSucceeded:
		return "succeeded"
	case StatusExhausted:
		return "exhausted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusExhausted
}

// Task tracks one section through its attempts:
//
//	Pending -> InFlight -> Succeeded | RetryScheduled | Exhausted
//	RetryScheduled -> InFlight
type Task struct {
	Section  outline.Section
	Status   Status
	Attempts int

	// Failures counts failed attempts by classification.
	Failures map[retry.Classification]int
	// Retries counts failures that were followed by another attempt.
	Retries map[retry.Classification]int

	LastClass retry.Classification
	LastErr   error
	// NextDelay is the wait chosen by the last Fail that scheduled a retry.
	NextDelay time.Duration

	lastLength int
}

// NewTask creates a pending task.
func NewTask(sec outline.Section) *Task {
	return &Task{
		Section:  sec,
		Status:   StatusPending,
		Failures: make(map[retry.Classification]int),
		Retries:  make(map[retry.Classification]int),
	}
}

func (t *Task) transition(to Status, allowed ...Status) error {
	for _, from := range allowed {
		if t.Status == from {
			t.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s (section %s)", ErrInvalidTransition, t.Status, to, t.Section.ID)
}

// Begin starts an attempt.
func (t *Task) Begin() error {
	if err := t.transition(StatusInFlight, StatusPending, StatusRetryScheduled); err != nil {
		return err
	}
	t.Attempts++
	t.NextDelay = 0
	return nil
}

// Succeed completes the in-flight attempt.
func (t *Task) Succeed() error {
	return t.transition(StatusSucceeded, StatusInFlight)
}

// Fail records a failed attempt and asks policy what happens next. When
// retrying is true the task is RetryScheduled and NextDelay holds the wait;
// otherwise it is Exhausted.
func (t *Task) Fail(class retry.Classification, cause error, policy retry.Policy) (retrying bool, err error) {
	if t.Status != StatusInFlight {
		return false, fmt.Errorf("%w: fail while %s (section %s)", ErrInvalidTransition, t.Status, t.Section.ID)
	}

	t.Failures[class]++
	t.LastClass = class
	t.LastErr = cause

	var short *retry.InsufficientContentError
	if errors.As(cause, &short) {
		t.lastLength = short.Length
	}

	if !policy.Allow(class, t.Attempts, t.Failures[class]) {
		t.Status = StatusExhausted
		return false, nil
	}

	t.Retries[class]++
	t.NextDelay = policy.DelayFor(class, t.Attempts, retry.RetryAfter(cause))
	t.Status = StatusRetryScheduled
	return true, nil
}

// Abandon exhausts an in-flight task without consulting the policy, for
// failures no retry can fix.
func (t *Task) Abandon(cause error) error {
	if err := t.transition(StatusExhausted, StatusInFlight); err != nil {
		return err
	}
	t.LastClass = retry.Unknown
	t.LastErr = cause
	return nil
}

// Hint returns the prompt adjustment for the next attempt. Once any attempt
// came back short every later attempt asks for more, even after failures
// of another class.
func (t *Task) Hint(minLength int) expand.Hint {
	if t.Failures[retry.InsufficientContent] == 0 || t.Status == StatusPending {
		return expand.Hint{}
	}
	return expand.Hint{PreviousLength: t.lastLength, MinLength: minLength}
}

// RetryCount returns the number of retries across classifications.
func (t *Task) RetryCount() int {
	n := 0
	for _, c := range t.Retries {
		n += c
	}
	return n
}
