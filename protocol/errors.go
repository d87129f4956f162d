package protocol

import (
	"errors"
	"fmt"
)

// Precondition failures reported synchronously by Reconcile and the
// host-facing operations. No network call is made and no state is persisted
// when one of these is returned.
var (
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrEmptyContributionList = errors.New("empty contribution list")
	ErrDuplicateReconcile    = errors.New("reconcile already in flight for viewing id")
	ErrInvalidDirection      = errors.New("invalid donation direction")
)

// IsPreconditionError reports whether err is one of the synchronous
// precondition failures, letting control surfaces distinguish a rejected
// request from a broken pipeline.
func IsPreconditionError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrEmptyContributionList) ||
		errors.Is(err, ErrDuplicateReconcile) ||
		errors.Is(err, ErrInvalidDirection)
}

// ErrProofVerification indicates a refill batch proof did not verify. The
// attempt is abandoned whole (no partial token acceptance) and retried on the
// next scheduled attempt.
var ErrProofVerification = errors.New("batch proof verification failed")

// ConfigError is fatal at startup and never swallowed.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// StatusError reports an unexpected HTTP status from a ledger server.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// ResponseError reports a response body that could not be interpreted.
type ResponseError struct {
	URL string
	Err error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("malformed response from %s: %v", e.URL, e.Err)
}

func (e *ResponseError) Unwrap() error { return e.Err }
