package orchestrator

import (
	"errors"
	"fmt"
)

type (
	// ErrorCode classifies orchestration failures.
	ErrorCode string

	// Error is the typed failure returned by orchestration operations.
	Error struct {
		// Code is the stable failure category.
		Code ErrorCode `json:"code"`
		// Message is the human-readable description.
		Message string `json:"message"`
		// Metadata optionally carries structured failure context.
		Metadata map[string]any `json:"metadata,omitempty"`
	}
)

const (
	// CodeNotFound indicates no run record or signal exists for the id.
	CodeNotFound ErrorCode = "not_found"
	// CodeBadRequest indicates an illegal transition or malformed input.
	CodeBadRequest ErrorCode = "bad_request"
	// CodeAlreadyRunning indicates resume contention against a live holder.
	CodeAlreadyRunning ErrorCode = "already_running"
	// CodeTimeout indicates the configured wall-clock budget was exceeded.
	CodeTimeout ErrorCode = "timeout"
	// CodeInternal indicates a transport, validation or unexpected failure.
	CodeInternal ErrorCode = "internal"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds an Error with the given code and formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsError converts err into an *Error, wrapping unclassified errors as
// CodeInternal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var oerr *Error
	if errors.As(err, &oerr) {
		return oerr
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
