package crawler

import (
	"errors"
	"fmt"
)

// ErrVisitNotFound is returned by visit lookups for keys the store has
// never seen. It is a normal outcome, not a StoreIOError.
var ErrVisitNotFound = errors.New("visit not found")

// NetworkError wraps transport-level fetch failures. Retryable under budget.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPStatusError marks a fetch that completed with a non-2xx status.
// Retryable under budget.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d fetching %s", e.StatusCode, e.URL)
}

// MalformedPageError marks markup that did not match the expected page shape.
// Retryable under budget: a CDN hiccup or partial render can mimic it.
type MalformedPageError struct {
	Kind   PageKind
	Reason string
}

func (e *MalformedPageError) Error() string {
	return fmt.Sprintf("malformed %s page: %s", e.Kind, e.Reason)
}

// StoreIOError wraps checkpoint store failures. Fatal to the run.
type StoreIOError struct {
	Op  string
	Err error
}

func (e *StoreIOError) Error() string {
	return fmt.Sprintf("checkpoint store %s: %v", e.Op, e.Err)
}

func (e *StoreIOError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err is a transport-level fetch failure.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsMalformed reports whether err is a page-shape mismatch.
func IsMalformed(err error) bool {
	var me *MalformedPageError
	return errors.As(err, &me)
}

// IsStoreIO reports whether err is a fatal store failure.
func IsStoreIO(err error) bool {
	var se *StoreIOError
	return errors.As(err, &se)
}
