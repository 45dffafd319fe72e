// Package retry classifies expansion failures and computes the delay
// before the next attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/jackzampolin/quill/internal/providers"
)

// Classification is the retry-relevant kind of a failed attempt.
type Classification int

const (
	Unknown Classification = iota
	RateLimited
	ConnectionDropped
	Timeout
	InsufficientContent
)

// Classifications lists every kind in report order.
var Classifications = []Classification{RateLimited, ConnectionDropped, Timeout, InsufficientContent, Unknown}

var names = map[Classification]string{
	Unknown:             "unknown",
	RateLimited:         "rate_limited",
	ConnectionDropped:   "connection_dropped",
	Timeout:             "timeout",
	InsufficientContent: "insufficient_content",
}

func (c Classification) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("classification(%d)", int(c))
}

// MarshalText implements encoding.TextMarshaler.
func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Classification) UnmarshalText(b []byte) error {
	parsed, err := ParseClassification(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseClassification is the inverse of String.
func ParseClassification(s string) (Classification, error) {
	for c, name := range names {
		if name == s {
			return c, nil
		}
	}
	return Unknown, fmt.Errorf("unknown classification %q", s)
}

// ErrInsufficientContent is wrapped by InsufficientContentError.
var ErrInsufficientContent = errors.New("insufficient content")

// InsufficientContentError reports generated text shorter than required.
type InsufficientContentError struct {
	Length int
	Min    int
}

func (e *InsufficientContentError) Error() string {
	return fmt.Sprintf("insufficient content: %d characters, need %d", e.Length, e.Min)
}

func (e *InsufficientContentError) Unwrap() error {
	return ErrInsufficientContent
}

// Classify maps a failure onto a Classification. It never returns a
// classification for a nil error other than Unknown.
func Classify(err error) Classification {
	if err == nil {
		return Unknown
	}

	if errors.Is(err, ErrInsufficientContent) {
		return InsufficientContent
	}

	var apiErr *providers.APIError
	if errors.As(err, &apiErr) {
		if c, ok := classifyStatus(apiErr.StatusCode); ok {
			return c
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return ConnectionDropped
	}

	return classifyMessage(strings.ToLower(err.Error()))
}

func classifyStatus(code int) (Classification, bool) {
	switch {
	case code == http.StatusTooManyRequests:
		return RateLimited, true
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout, code == 524:
		return Timeout, true
	case code >= 500:
		return ConnectionDropped, true
	}
	return Unknown, false
}

func classifyMessage(msg string) Classification {
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "429"), strings.Contains(msg, "too many requests"):
		return RateLimited
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return Timeout
	case strings.Contains(msg, "server disconnected"), strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"), strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "unexpected eof"):
		return ConnectionDropped
	}
	return Unknown
}

// RetryAfter returns the server-requested pause carried by err, if any.
func RetryAfter(err error) time.Duration {
	var apiErr *providers.APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
