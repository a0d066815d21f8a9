// Package errors provides custom error types for logimon.
//
// Two families live here:
//   - Session errors raised by the browser layer (expired session, failed
//     login, failed scrape) with a recovery strategy each.
//   - The job error taxonomy: every failure that reaches the orchestrator
//     boundary is classified by Kind and wrapped in a JobError that carries
//     the record index and the step that failed.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies a job outcome that is not a plain success.
type Kind int

const (
	// KindUnexpected is anything not covered by the other kinds.
	KindUnexpected Kind = iota
	// KindParseAmbiguity: a date or time was missing and a sentinel was used.
	// Informational, never fails a job.
	KindParseAmbiguity
	// KindProbeFailure: the tracking surface had no new coordinates.
	// A clean early exit, not an error.
	KindProbeFailure
	// KindRouteNotFound: the planner returned no candidates.
	KindRouteNotFound
	// KindPersistenceRace: the records file changed under a job. Last writer
	// wins; kept for classification only.
	KindPersistenceRace
)

func (k Kind) String() string {
	switch k {
	case KindParseAmbiguity:
		return "parse_ambiguity"
	case KindProbeFailure:
		return "probe_failure"
	case KindRouteNotFound:
		return "route_not_found"
	case KindPersistenceRace:
		return "persistence_race"
	default:
		return "unexpected"
	}
}

// JobError is the single error shape returned by one orchestrator step.
//
// Fields:
//   - Kind: Classification used by logging, metrics and the journal
//   - Index: Stable record index the job ran for
//   - Step: State the job was in ("locating", "routing", "complete")
//   - Err: Underlying cause, may be nil for informational kinds
type JobError struct {
	Kind  Kind
	Index string
	Step  string
	Err   error
}

func (e *JobError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job %s: %s (%s): %v", e.Index, e.Step, e.Kind, e.Err)
	}
	return fmt.Sprintf("job %s: %s (%s)", e.Index, e.Step, e.Kind)
}

// Unwrap returns the wrapped error for error chain inspection
func (e *JobError) Unwrap() error {
	return e.Err
}

// NewJobError creates a job error with context
func NewJobError(kind Kind, index, step string, err error) *JobError {
	return &JobError{Kind: kind, Index: index, Step: step, Err: err}
}

// KindOf returns the Kind of the first JobError in err's chain, or
// KindUnexpected.
func KindOf(err error) Kind {
	var je *JobError
	if stderrors.As(err, &je) {
		return je.Kind
	}
	return KindUnexpected
}

// SessionExpiredError indicates that the tracking surface logged us out.
//
// This error is returned when:
//   - The login form is detected on a page that should show the unit list
//   - Session cookies have expired
//
// Recovery strategy: Re-login with credentials
type SessionExpiredError struct {
	Message string
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("session expired: %s", e.Message)
}

// NewSessionExpiredError creates a new session expired error with context
func NewSessionExpiredError(msg string) *SessionExpiredError {
	return &SessionExpiredError{Message: msg}
}

// LoginFailedError indicates that a login attempt to the tracking surface
// failed.
//
// Recovery strategy: Restart the browser session, then alert the operator
type LoginFailedError struct {
	Message string
	Err     error
}

func (e *LoginFailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("login failed: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("login failed: %s", e.Message)
}

// Unwrap returns the wrapped error for error chain inspection
func (e *LoginFailedError) Unwrap() error {
	return e.Err
}

// NewLoginFailedError creates a new login failed error with context
func NewLoginFailedError(msg string, err error) *LoginFailedError {
	return &LoginFailedError{Message: msg, Err: err}
}

// FetchError wraps failures while scraping an external surface.
//
// This error is returned when:
//   - Navigation to the tracking or mapping page fails
//   - Polling for a result element runs out of attempts
//   - Page JavaScript evaluation fails
type FetchError struct {
	Message string
	Err     error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("fetch error: %s", e.Message)
}

// Unwrap returns the wrapped error for error chain inspection
func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewFetchError creates a new fetch error with context
func NewFetchError(msg string, err error) *FetchError {
	return &FetchError{Message: msg, Err: err}
}

// IsLoginFailed checks if the error chain contains a login failure
func IsLoginFailed(err error) bool {
	var le *LoginFailedError
	return stderrors.As(err, &le)
}

// IsSessionExpired checks if the error chain contains a session expiry
func IsSessionExpired(err error) bool {
	var se *SessionExpiredError
	return stderrors.As(err, &se)
}
