package orchestrator

import (
	"errors"
	"fmt"

	"github.com/fitforge/fitforge-backend/internal/quota"
)

// ErrQuotaExceeded is returned before any provider call when the user
// is at their daily ceiling.
var ErrQuotaExceeded = quota.ErrExceeded

// ErrProviderUnavailable covers primary failure plus failed fallback.
var ErrProviderUnavailable = errors.New("provider unavailable")

// ErrProviderRateLimited is surfaced immediately with no retry against
// the same provider within the request.
var ErrProviderRateLimited = errors.New("provider rate limited")

// ErrInvalidGeneration is surfaced after the one corrective re-prompt
// still produced a schema-invalid response.
var ErrInvalidGeneration = errors.New("generation failed validation")

// ErrTooManyStreams bounds concurrent streaming chats per user.
var ErrTooManyStreams = errors.New("too many concurrent streams")

// PersistenceError is never silently swallowed: if a durable write
// fails after a successful generation the caller is told the turn did
// not complete.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
