package retry

import (
	"testing"
	"time"
)

func noJitter(time.Duration) time.Duration { return 0 }

func TestPolicy_Delay(t *testing.T) {
	p := DefaultPolicy()
	p.Jitter = noJitter

	tests := []struct {
		class   Classification
		attempt int
		want    time.Duration
	}{
		{RateLimited, 1, 30 * time.Second},
		{RateLimited, 4, 30 * time.Second},
		{ConnectionDropped, 1, 5 * time.Second},
		{ConnectionDropped, 2, 10 * time.Second},
		{ConnectionDropped, 3, 20 * time.Second},
		{ConnectionDropped, 10, 120 * time.Second},
		{Timeout, 1, 15 * time.Second},
		{Timeout, 2, 15 * time.Second},
		{InsufficientContent, 3, 2 * time.Second},
		{Unknown, 1, 5 * time.Second},
		{Unknown, 5, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.class, tt.attempt); got != tt.want {
			t.Errorf("Delay(%s, %d) = %v, want %v", tt.class, tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_RateLimitWindow(t *testing.T) {
	p := DefaultPolicy()
	for i := 0; i < 200; i++ {
		d := p.Delay(RateLimited, i%5+1)
		if d < p.RateLimitMin || d > p.RateLimitMax {
			t.Fatalf("Delay(RateLimited) = %v, outside %v-%v", d, p.RateLimitMin, p.RateLimitMax)
		}
	}
	if got := p.DelayFor(RateLimited, 1, 90*time.Second); got != 90*time.Second {
		t.Errorf("DelayFor with retry-after = %v, want 90s", got)
	}
}

func TestPolicy_JitterStaysUnderCap(t *testing.T) {
	p := DefaultPolicy()
	for attempt := 1; attempt <= 8; attempt++ {
		for i := 0; i < 50; i++ {
			if d := p.Delay(ConnectionDropped, attempt); d < p.BackoffBase || d > p.BackoffCap {
				t.Fatalf("Delay(ConnectionDropped, %d) = %v", attempt, d)
			}
		}
	}
}

func TestPolicy_Allow(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name          string
		class         Classification
		attempts      int
		classAttempts int
		want          bool
	}{
		{"first rate limit", RateLimited, 1, 1, true},
		{"fourth rate limit", RateLimited, 4, 4, true},
		{"ceiling reached", RateLimited, 5, 5, false},
		{"ceiling mixed kinds", ConnectionDropped, 5, 1, false},
		{"timeout budget left", Timeout, 2, 2, true},
		{"timeout budget spent", Timeout, 3, 3, false},
		{"timeout after others", Timeout, 4, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Allow(tt.class, tt.attempts, tt.classAttempts); got != tt.want {
				t.Errorf("Allow() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicy_Validate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Errorf("DefaultPolicy().Validate() = %v", err)
	}

	p := DefaultPolicy()
	p.MaxAttempts = 0
	p.RateLimitMax = time.Second
	if err := p.Validate(); err == nil {
		t.Error("expected validation error")
	}
}
