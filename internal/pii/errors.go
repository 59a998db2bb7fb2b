package pii

import (
	"errors"
	"fmt"
)

// Error taxonomy. Messages never include input text.
var (
	// ErrRecognizerUnavailable is absorbed by the orchestrator and only
	// changes the detection mode to degraded.
	ErrRecognizerUnavailable = errors.New("statistical recognizer unavailable")

	// ErrRedactionInvariant aborts the request: no partial output is returned.
	ErrRedactionInvariant = errors.New("redaction invariant violated")

	// ErrMalformedInput is a client validation error.
	ErrMalformedInput = errors.New("malformed input")
)

// MalformedInputError describes why the input was rejected.
type MalformedInputError struct {
	Reason string
	Limit  int // byte limit when Reason is "too_large"
}

func (e *MalformedInputError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("malformed input: %s (limit %d bytes)", e.Reason, e.Limit)
	}
	return "malformed input: " + e.Reason
}

func (e *MalformedInputError) Unwrap() error { return ErrMalformedInput }

// Reasons reported by MalformedInputError.
const (
	ReasonTooLarge         = "too_large"
	ReasonInvalidUTF8      = "invalid_utf8"
	ReasonInvalidJSON      = "invalid_json"
	ReasonInvalidPseudonym = "invalid_pseudonym"
)

// InvariantError reports a failed post-redaction check. Count is the number
// of offending spans; the spans themselves are not included.
type InvariantError struct {
	Check string
	Count int
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("redaction invariant violated: %s (%d spans)", e.Check, e.Count)
}

func (e *InvariantError) Unwrap() error { return ErrRedactionInvariant }

// UnavailableError wraps the cause of a recognizer failure.
type UnavailableError struct {
	Recognizer string
	Reason     string
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recognizer %s unavailable (%s): %v", e.Recognizer, e.Reason, e.Err)
	}
	return fmt.Sprintf("recognizer %s unavailable (%s)", e.Recognizer, e.Reason)
}

func (e *UnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRecognizerUnavailable}
	}
	return []error{ErrRecognizerUnavailable, e.Err}
}
