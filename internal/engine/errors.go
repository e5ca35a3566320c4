package engine

import (
	"errors"
	"fmt"
)

// ErrorCode classifies engine failures for retry and session handling.
type ErrorCode string

const (
	// Transient: the operation may succeed if retried.
	CodeBusy        ErrorCode = "busy"
	CodeUnavailable ErrorCode = "unavailable"
	CodeInternal    ErrorCode = "internal"

	// Fatal: the engine handle is poisoned and must be recreated.
	CodeCrashed ErrorCode = "crashed"

	// Permanent: the input is at fault; retrying cannot help.
	CodeUnsupported ErrorCode = "unsupported"
	CodeCorrupt     ErrorCode = "corrupt"
)

// ErrSessionClosed is returned by operations on a closed Session.
var ErrSessionClosed = errors.New("engine session closed")

// EngineError represents an engine failure with classification context.
type EngineError struct {
	Code    ErrorCode
	Op      string
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Code, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Op, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new classified engine error.
func NewEngineError(code ErrorCode, op, message string, err error) *EngineError {
	return &EngineError{
		Code:    code,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// Common error constructors
func BusyError(op, message string, err error) *EngineError {
	return NewEngineError(CodeBusy, op, message, err)
}

func UnavailableError(op, message string, err error) *EngineError {
	return NewEngineError(CodeUnavailable, op, message, err)
}

func InternalError(op, message string, err error) *EngineError {
	return NewEngineError(CodeInternal, op, message, err)
}

func CrashedError(op, message string, err error) *EngineError {
	return NewEngineError(CodeCrashed, op, message, err)
}

func UnsupportedError(op, message string, err error) *EngineError {
	return NewEngineError(CodeUnsupported, op, message, err)
}

func CorruptError(op, message string, err error) *EngineError {
	return NewEngineError(CodeCorrupt, op, message, err)
}

// IsTransient reports whether err is an engine failure worth retrying.
func IsTransient(err error) bool {
	var ee *EngineError
	if !errors.As(err, &ee) {
		return false
	}
	switch ee.Code {
	case CodeBusy, CodeUnavailable, CodeInternal:
		return true
	}
	return false
}

// IsFatal reports whether err poisoned the engine handle.
func IsFatal(err error) bool {
	var ee *EngineError
	if !errors.As(err, &ee) {
		return false
	}
	return ee.Code == CodeCrashed
}

// IsPermanent reports whether err blames the input document.
func IsPermanent(err error) bool {
	var ee *EngineError
	if !errors.As(err, &ee) {
		return false
	}
	return ee.Code == CodeUnsupported || ee.Code == CodeCorrupt
}
