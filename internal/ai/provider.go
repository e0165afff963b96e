package ai

import (
	"context"
	"errors"
	"fmt"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params are the per-call generation knobs. The zero value lets the
// adapter fall back to its configured defaults.
type Params struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// Provider is a text-generation backend. Implementations are stateless
// besides their HTTP client and safe for concurrent use.
type Provider interface {
	Name() string
	// Complete returns the full assistant text for the given messages.
	Complete(ctx context.Context, messages []Message, params Params) (string, error)
	// Stream returns token deltas as they arrive. Both channels are
	// closed when the stream ends; at most one error is sent.
	Stream(ctx context.Context, messages []Message, params Params) (<-chan string, <-chan error)
}

type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindRateLimited ErrorKind = "rate_limited"
	KindProvider    ErrorKind = "provider_error"
)

// Error is the common taxonomy every adapter translates into.
type Error struct {
	Provider string
	Kind     ErrorKind
	Status   int
	Msg      string
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Msg)
}

func newError(provider string, kind ErrorKind, status int, msg string) *Error {
	return &Error{Provider: provider, Kind: kind, Status: status, Msg: msg}
}

func kindOf(err error) (ErrorKind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	k, ok := kindOf(err)
	return ok && k == KindTimeout
}

func IsRateLimited(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRateLimited
}

// Retryable reports whether a fallback provider should be tried:
// timeouts and 5xx-class (or transport-level) provider failures, but
// not rate limits and not 4xx rejections.
func Retryable(err error) bool {
	if IsTimeout(err) {
		return true
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindProvider && (pe.Status == 0 || pe.Status >= 500)
	}
	return false
}

// classifyStatus maps an HTTP status to the error taxonomy.
func classifyStatus(provider string, status int, body string) *Error {
	switch {
	case status == 429:
		return newError(provider, KindRateLimited, status, body)
	case status == 408 || status == 504:
		return newError(provider, KindTimeout, status, body)
	default:
		return newError(provider, KindProvider, status, body)
	}
}

// classifyTransport maps a transport-level error (client.Do failure,
// mid-stream read failure) to the taxonomy.
func classifyTransport(provider string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(provider, KindTimeout, 0, err.Error())
	}
	type timeouter interface{ Timeout() bool }
	var te timeouter
	if errors.As(err, &te) && te.Timeout() {
		return newError(provider, KindTimeout, 0, err.Error())
	}
	return newError(provider, KindProvider, 0, err.Error())
}
