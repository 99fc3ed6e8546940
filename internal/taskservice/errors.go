package taskservice

import "fmt"

// TransportError is raised for any non-2xx response other than the 404s
// the contract documents as meaningful (next/list-of-none). StatusCode lets
// the Runner distinguish "retry next tick" from cases it should log louder.
type TransportError struct {
	StatusCode int
	Path       string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("task service: unexpected status %d for %s", e.StatusCode, e.Path)
}

// TimeoutError is a distinct, retryable error kind — distinguishable from a
// generic TransportError so callers can log it as a timeout specifically.
type TimeoutError struct {
	Path string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task service: timed out calling %s", e.Path)
}

// ConflictError describes a claim held by another runner. Claim does not
// return it: Claim reports a 409 as a ClaimResult with Success false and a
// nil error.
type ConflictError struct {
	ClaimedBy string
	Stale     bool
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task service: claim held by %q (stale=%v)", e.ClaimedBy, e.Stale)
}
