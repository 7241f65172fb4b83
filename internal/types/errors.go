package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies job failures and per-institution diagnostics.
type ErrorKind string

const (
	ErrConfig              ErrorKind = "config_error"
	ErrBudgetExhausted     ErrorKind = "budget_exhausted"
	ErrNoInstitutionsFound ErrorKind = "no_institutions_found"
	ErrResearchFailed      ErrorKind = "research_failed"
	ErrExtractionFailed    ErrorKind = "extraction_failed"
	ErrProviderUnavailable ErrorKind = "provider_unavailable"
	ErrCancelled           ErrorKind = "cancelled"
	ErrTimedOut            ErrorKind = "timed_out"
)

// Stopped reports whether the kind ends a job as Cancelled rather than Failed.
func (k ErrorKind) Stopped() bool {
	return k == ErrCancelled || k == ErrTimedOut
}

// JobError is a job-terminating error.
type JobError struct {
	Kind        ErrorKind
	Message     string
	Institution string
	Cause       error
}

// NewJobError creates a JobError of the given kind.
func NewJobError(kind ErrorKind, message string, cause error) *JobError {
	return &JobError{Kind: kind, Message: message, Cause: cause}
}

func (e *JobError) Error() string {
	msg := string(e.Kind)
	if e.Institution != "" {
		msg += fmt.Sprintf("(%s)", e.Institution)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *JobError) Unwrap() error {
	return e.Cause
}

// Is matches any JobError of the same kind.
func (e *JobError) Is(target error) bool {
	var t *JobError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Cause == nil
}

// Kind returns a sentinel usable with errors.Is.
func Kind(k ErrorKind) error {
	return &JobError{Kind: k}
}

// KindOf returns the kind of the first JobError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	return ""
}

// DiagnosticKind names a recoverable condition attached to a job.
type DiagnosticKind string

const (
	DiagResearchFailed      DiagnosticKind = "research_failed"
	DiagExtractionFailed    DiagnosticKind = "extraction_failed"
	DiagBudgetExceeded      DiagnosticKind = "budget_exceeded"
	DiagInstitutionsReduced DiagnosticKind = "institutions_reduced"
	DiagRetried             DiagnosticKind = "retried"
	DiagProviderAbsent      DiagnosticKind = "provider_absent"
)

// Diagnostic is a non-fatal note about how a job ran.
type Diagnostic struct {
	Kind        DiagnosticKind `json:"kind"`
	Institution string         `json:"institution,omitempty"`
	Message     string         `json:"message"`
}

func (d Diagnostic) String() string {
	if d.Institution != "" {
		return fmt.Sprintf("%s(%s): %s", d.Kind, d.Institution, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Kind, d.Message)
}
