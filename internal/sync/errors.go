package sync

import (
	"errors"
	"fmt"
)

// ValidationError rejects a malformed change. Non-retryable: resubmitting
// the same change can never succeed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid change: %s", e.Reason)
}

// TransientError wraps a durable-store failure. The client retries with
// backoff; the coordinator itself never retries, so the only protection
// against duplicate effects stays the changeId guard.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient storage error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
