package retry

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Policy decides whether a failed attempt is retried and how long to wait.
type Policy struct {
	// MaxAttempts is the per-section attempt ceiling across all kinds.
	MaxAttempts int
	// TimeoutAttempts is the smaller budget for Timeout failures.
	TimeoutAttempts int

	// RateLimited waits a fixed window drawn from [RateLimitMin, RateLimitMax].
	RateLimitMin time.Duration
	RateLimitMax time.Duration

	// ConnectionDropped backs off exponentially from BackoffBase up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	TimeoutDelay      time.Duration
	InsufficientDelay time.Duration
	// UnknownCap bounds the exponential backoff used for Unknown failures.
	UnknownCap time.Duration

	// Jitter returns a random duration in [0, n). Nil uses math/rand/v2.
	Jitter func(n time.Duration) time.Duration
}

// DefaultPolicy returns the production retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       5,
		TimeoutAttempts:   3,
		RateLimitMin:      30 * time.Second,
		RateLimitMax:      45 * time.Second,
		BackoffBase:       5 * time.Second,
		BackoffCap:        120 * time.Second,
		TimeoutDelay:      15 * time.Second,
		InsufficientDelay: 2 * time.Second,
		UnknownCap:        60 * time.Second,
	}
}

// Validate checks the policy for usable values.
func (p Policy) Validate() error {
	var errs []error
	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts))
	}
	if p.TimeoutAttempts < 1 {
		errs = append(errs, fmt.Errorf("timeout attempts must be at least 1, got %d", p.TimeoutAttempts))
	}
	if p.RateLimitMin < 0 || p.RateLimitMax < p.RateLimitMin {
		errs = append(errs, fmt.Errorf("rate limit window %v-%v is inverted", p.RateLimitMin, p.RateLimitMax))
	}
	if p.BackoffBase <= 0 || p.BackoffCap < p.BackoffBase {
		errs = append(errs, fmt.Errorf("backoff base %v must be positive and not exceed cap %v", p.BackoffBase, p.BackoffCap))
	}
	if p.UnknownCap < p.BackoffBase {
		errs = append(errs, fmt.Errorf("unknown cap %v is below backoff base %v", p.UnknownCap, p.BackoffBase))
	}
	return errors.Join(errs...)
}

// Allow reports whether another attempt may follow a failure of class.
// attempts counts every attempt made so far for the section; classAttempts
// counts those that failed with class.
func (p Policy) Allow(class Classification, attempts, classAttempts int) bool {
	if attempts >= p.MaxAttempts {
		return false
	}
	if class == Timeout && classAttempts >= p.TimeoutAttempts {
		return false
	}
	return true
}

// Delay returns the wait before the attempt following the attempt-th
// failed attempt (1-based).
func (p Policy) Delay(class Classification, attempt int) time.Duration {
	return p.DelayFor(class, attempt, 0)
}

// DelayFor is Delay with a server-requested pause. A RateLimited delay is
// never shorter than retryAfter.
func (p Policy) DelayFor(class Classification, attempt int, retryAfter time.Duration) time.Duration {
	switch class {
	case RateLimited:
		d := p.RateLimitMin + p.jitter(p.RateLimitMax-p.RateLimitMin)
		if retryAfter > d {
			d = retryAfter
		}
		return d
	case ConnectionDropped:
		return p.exponential(attempt, p.BackoffCap)
	case Timeout:
		return p.TimeoutDelay
	case InsufficientContent:
		return p.InsufficientDelay
	default:
		return p.exponential(attempt, p.UnknownCap)
	}
}

// exponential doubles from BackoffBase per attempt, adds up to a quarter
// of jitter, and never exceeds ceiling.
func (p Policy) exponential(attempt int, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	d += p.jitter(d / 4)
	if d > ceiling {
		d = ceiling
	}
	return d
}

func (p Policy) jitter(n time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	if p.Jitter != nil {
		return p.Jitter(n)
	}
	return time.Duration(rand.Int64N(int64(n)))
}
