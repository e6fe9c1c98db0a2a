// Package errors provides structured error handling for Quasar.
//
// Every error carries an ErrorType that callers branch on. The ingestion core
// surfaces the following domain types:
//
//   - ErrorTypeParse: a source record could not be decoded. The Reader stays
//     usable and is positioned past the bad record.
//   - ErrorTypeNotFound / ErrorTypeLocationNotFound: a resolution target is absent.
//   - ErrorTypeAmbiguous: zero or several operator candidates where exactly one was required.
//   - ErrorTypeSchemaMismatch: a batch disagrees with a table descriptor.
//   - ErrorTypeUnsupported: a backend lacks the requested capability.
//
// No component retries on its own; IsRetryable is offered to orchestrators
// that want to implement their own policy.
package errors

import (
	"context"
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents validation errors
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeFile represents file operation errors
	ErrorTypeFile ErrorType = "file"
	// ErrorTypeConnection represents connection errors
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeCanceled represents operations aborted by their context
	ErrorTypeCanceled ErrorType = "canceled"

	// ErrorTypeParse represents a malformed source record
	ErrorTypeParse ErrorType = "parse"
	// ErrorTypeNotFound represents a missing registered identity or symbol
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeLocationNotFound represents a path that does not resolve to a resource
	ErrorTypeLocationNotFound ErrorType = "location_not_found"
	// ErrorTypeAmbiguous represents a resolution with zero or several candidates
	ErrorTypeAmbiguous ErrorType = "ambiguous_definition"
	// ErrorTypeSchemaMismatch represents a batch/descriptor schema disagreement
	ErrorTypeSchemaMismatch ErrorType = "schema_mismatch"
	// ErrorTypeUnsupported represents an operation a backend cannot perform
	ErrorTypeUnsupported ErrorType = "unsupported_operation"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	// If already our error type, preserve the stack
	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, errType ErrorType, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return Wrap(err, errType, fmt.Sprintf(format, args...))
}

// FromContext converts a context error into a canceled or timeout error.
// It returns nil when err is nil.
func FromContext(err error, message string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, ErrorTypeTimeout, message)
	}
	return Wrap(err, ErrorTypeCanceled, message)
}

// IsRetryable returns true if the error is retryable
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeTimeout, ErrorTypeConnection:
		return true
	default:
		return false
	}
}

// IsType checks if the error, or any structured error it wraps, is of the
// given type.
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Type == errType {
			return true
		}
		err = e.Cause
	}
	return false
}

// TypeOf returns the type of the outermost structured error, or "" when err
// carries none.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Type
}

// Detail returns a detail value recorded on the outermost structured error.
func Detail(err error, key string) (interface{}, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Details == nil {
		return nil, false
	}
	v, ok := e.Details[key]
	return v, ok
}

// IsParse reports whether err is a malformed-record error.
func IsParse(err error) bool { return IsType(err, ErrorTypeParse) }

// IsNotFound reports whether err is a missing identity or symbol.
func IsNotFound(err error) bool { return IsType(err, ErrorTypeNotFound) }

// IsLocationNotFound reports whether err is a missing resource location.
func IsLocationNotFound(err error) bool { return IsType(err, ErrorTypeLocationNotFound) }

// IsAmbiguous reports whether err is an ambiguous operator resolution.
func IsAmbiguous(err error) bool { return IsType(err, ErrorTypeAmbiguous) }

// IsSchemaMismatch reports whether err is a schema disagreement.
func IsSchemaMismatch(err error) bool { return IsType(err, ErrorTypeSchemaMismatch) }

// IsUnsupported reports whether err is an unsupported backend operation.
func IsUnsupported(err error) bool { return IsType(err, ErrorTypeUnsupported) }

// Is, As and Join re-export the standard library helpers so callers need a
// single errors import.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
