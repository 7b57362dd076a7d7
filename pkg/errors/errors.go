// Package errors provides the structured error system shared by the cache and transport cores.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code.
type ErrorCode string

const (
	// ErrCodeOK is reported by CodeOf for a nil error.
	ErrCodeOK ErrorCode = "OK"

	// Buffer and segment errors
	ErrCodeBusy   ErrorCode = "BUSY"
	ErrCodeState  ErrorCode = "STATE"
	ErrCodeFull   ErrorCode = "FULL"
	ErrCodeOffset ErrorCode = "OFFSET"

	// Directory errors
	ErrCodeKeyCollision ErrorCode = "KEY_COLLISION"
	ErrCodeDirectoryIO  ErrorCode = "DIRECTORY_IO"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"

	// Configuration errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"

	// Operation errors
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeShutdown          ErrorCode = "SHUTDOWN_IN_PROGRESS"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryDirectory     ErrorCategory = "directory"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// CoreError represents a structured error with context and metadata.
type CoreError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	// Retryable marks transient failures; BUSY is the canonical one.
	Retryable bool `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Sentinel errors returned on hot paths. They are shared values and must not
// be mutated; call Clone before attaching details.
var (
	ErrBusy      = sentinel(ErrCodeBusy, "contention with concurrent writers")
	ErrState     = sentinel(ErrCodeState, "operation invalid for current lifecycle state")
	ErrFull      = sentinel(ErrCodeFull, "buffer capacity exhausted")
	ErrOffset    = sentinel(ErrCodeOffset, "read beyond written data")
	ErrCollision = sentinel(ErrCodeKeyCollision, "directory entry belongs to a different key")
	ErrCanceled  = sentinel(ErrCodeOperationCanceled, "operation canceled")
	ErrNotFound  = sentinel(ErrCodeNotFound, "directory entry not found")
	ErrShutdown  = sentinel(ErrCodeShutdown, "processor is shutting down")
)

func sentinel(code ErrorCode, message string) *CoreError {
	return &CoreError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Retryable: IsRetryableByDefault(code),
	}
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *CoreError) Unwrap() error {
	return e.Cause
}

// Is reports whether target carries the same error code.
func (e *CoreError) Is(target error) bool {
	if t, ok := target.(*CoreError); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *CoreError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("CoreError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *CoreError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new error with default values for its code.
func NewError(code ErrorCode, message string) *CoreError {
	return &CoreError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *CoreError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates an error with the given code around cause.
func Wrap(cause error, code ErrorCode, message string) *CoreError {
	return NewError(code, message).WithCause(cause)
}

// Clone returns a mutable copy, stamped with the current time.
func (e *CoreError) Clone() *CoreError {
	c := *e
	c.Timestamp = time.Now()
	c.Details = make(map[string]interface{}, len(e.Details))
	for k, v := range e.Details {
		c.Details[k] = v
	}
	return &c
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeBusy, ErrCodeFull:
		return CategoryResource
	case ErrCodeState, ErrCodeOffset, ErrCodeShutdown:
		return CategoryState
	case ErrCodeKeyCollision, ErrCodeDirectoryIO, ErrCodeNotFound:
		return CategoryDirectory
	case ErrCodeInvalidConfig, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeOperationCanceled, ErrCodeRetryExhausted:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
// FULL is recoverable only after the buffer cycles back to UNUSED, so it is not
// retried in place.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeBusy, ErrCodeDirectoryIO:
		return true
	default:
		return false
	}
}

// IsProgrammingError reports codes that indicate a caller bug rather than a
// runtime condition.
func IsProgrammingError(code ErrorCode) bool {
	return code == ErrCodeState || code == ErrCodeOffset
}

// CodeOf extracts the error code of err. A nil error yields ErrCodeOK and an
// unstructured error yields ErrCodeInternalError.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	for err != nil {
		if ce, ok := err.(*CoreError); ok {
			return ce.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ErrCodeInternalError
}

// IsRetryable reports whether err is a CoreError flagged retryable.
func IsRetryable(err error) bool {
	for err != nil {
		if ce, ok := err.(*CoreError); ok {
			return ce.Retryable
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithDetail adds detailed information to an error
func (e *CoreError) WithDetail(key string, value interface{}) *CoreError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *CoreError) WithComponent(component string) *CoreError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *CoreError) WithOperation(operation string) *CoreError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *CoreError) WithCause(cause error) *CoreError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *CoreError) WithStack() *CoreError {
	e.Stack = CaptureStack(2)
	return e
}
