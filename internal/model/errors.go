package model

import (
	"context"
	"errors"
	"fmt"
)

// Error is a classified engine error.
//
// The code tells callers what to do next:
//   - VALIDATION_ERROR: fix the input; never retried
//   - TIMEOUT: try again with backoff; never a NotFound
//   - NOT_FOUND: the artifact is absent from both tiers
//   - HANDLER_ERROR: the realm handler failed; detail kept verbatim
//   - DURABILITY_FAILURE: the durable commit could not be made
type Error struct {
	// Code identifies the error class.
	Code Code

	// Message is a human-readable description.
	Message string

	// ExecutionID identifies the affected execution, if any.
	ExecutionID string

	// ArtifactID identifies the affected artifact, if any.
	ArtifactID string

	// Err is the underlying cause.
	Err error
}

// Code categorizes engine errors.
type Code string

const (
	CodeValidation Code = "VALIDATION_ERROR"
	CodeTimeout    Code = "TIMEOUT"
	CodeNotFound   Code = "NOT_FOUND"
	CodeHandler    Code = "HANDLER_ERROR"
	CodeDurability Code = "DURABILITY_FAILURE"
)

// Sentinels for errors.Is. Matching compares codes only.
var (
	ErrValidation = &Error{Code: CodeValidation}
	ErrTimeout    = &Error{Code: CodeTimeout}
	ErrNotFound   = &Error{Code: CodeNotFound}
	ErrHandler    = &Error{Code: CodeHandler}
	ErrDurability = &Error{Code: CodeDurability}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.ExecutionID != "":
		return fmt.Sprintf("%s: %s (execution=%s)", e.Code, msg, e.ExecutionID)
	case e.ArtifactID != "":
		return fmt.Sprintf("%s: %s (artifact=%s)", e.Code, msg, e.ArtifactID)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Info returns the persisted form of the error.
func (e *Error) Info() *ErrorInfo {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return &ErrorInfo{Code: e.Code, Message: msg}
}

// CodeOf returns the code of the first *Error in err's chain, or "" if
// there is none. Bare context deadline errors classify as TIMEOUT.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var me *Error
	if errors.As(err, &me) {
		return me.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	return ""
}

// IsValidation reports whether err is a VALIDATION_ERROR.
func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }

// IsTimeout reports whether err is a TIMEOUT.
func IsTimeout(err error) bool { return CodeOf(err) == CodeTimeout }

// IsNotFound reports whether err is a NOT_FOUND.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

// IsHandler reports whether err is a HANDLER_ERROR.
func IsHandler(err error) bool { return CodeOf(err) == CodeHandler }

// IsDurability reports whether err is a DURABILITY_FAILURE.
func IsDurability(err error) bool { return CodeOf(err) == CodeDurability }

// Retryable reports whether a failure with this code may succeed if the
// same intent is submitted again.
func (c Code) Retryable() bool {
	return c == CodeTimeout || c == CodeDurability
}

// NewValidationError creates a VALIDATION_ERROR.
func NewValidationError(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// NewNotFoundError creates a NOT_FOUND for the named entity.
func NewNotFoundError(kind, id string) *Error {
	e := &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
	if kind == "artifact" {
		e.ArtifactID = id
	}
	if kind == "execution" {
		e.ExecutionID = id
	}
	return e
}

// NewTimeoutError creates a TIMEOUT for operation op.
func NewTimeoutError(op string, cause error) *Error {
	return &Error{Code: CodeTimeout, Message: op + " exceeded its deadline", Err: cause}
}

// NewHandlerError wraps a handler failure. The handler's message is kept
// verbatim for operators.
func NewHandlerError(executionID string, cause error) *Error {
	msg := "handler failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Code: CodeHandler, Message: msg, ExecutionID: executionID, Err: cause}
}

// NewDurabilityError creates a DURABILITY_FAILURE.
func NewDurabilityError(cause error) *Error {
	msg := "durable commit failed"
	if cause != nil {
		msg = "durable commit failed: " + cause.Error()
	}
	return &Error{Code: CodeDurability, Message: msg, Err: cause}
}

// Classify turns any error into an *Error. Unclassified errors become
// DURABILITY_FAILURE since they originate in the persistence path.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return me
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError("execution", err)
	}
	return NewDurabilityError(err)
}
