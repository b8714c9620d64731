// Package errors provides structured error types for Shuttle.
// Errors carry a stable code, a category, and optional context so the
// session layer can decide between retrying, surfacing, and dropping.
package errors

import (
	"fmt"
	"strings"
)

// Category classifies errors for consistent handling and display.
type Category string

const (
	CategoryHistory   Category = "history"   // History store lookups and eviction
	CategoryProcess   Category = "process"   // Resolution processing and normalization
	CategoryTransport Category = "transport" // Chunk transport and acknowledgment
	CategoryPlayback  Category = "playback"  // Playback cursor operations
	CategoryConfig    Category = "config"    // Configuration loading/parsing
	CategoryInternal  Category = "internal"  // Internal/unexpected errors
)

// ShuttleError is a structured error with a code and context.
// It implements the error interface and supports error wrapping.
type ShuttleError struct {
	// Code is a unique identifier for this error type (e.g., "STEP_EXPIRED")
	Code string

	// Category classifies this error for consistent handling
	Category Category

	// Message is the primary error message describing what went wrong
	Message string

	// Context provides additional key-value details about the error
	Context map[string]string

	// Cause is the underlying error that triggered this error (for wrapping)
	Cause error
}

// Error implements the error interface.
func (e *ShuttleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain inspection.
func (e *ShuttleError) Unwrap() error {
	return e.Cause
}

// Is reports whether e matches target for errors.Is() checks.
// Two ShuttleErrors match if they have the same Code.
func (e *ShuttleError) Is(target error) bool {
	if t, ok := target.(*ShuttleError); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a new ShuttleError with the given code, category, and message.
func New(code string, category Category, message string) *ShuttleError {
	return &ShuttleError{
		Code:     code,
		Category: category,
		Message:  message,
		Context:  make(map[string]string),
	}
}

// Newf creates a new ShuttleError with a formatted message.
func Newf(code string, category Category, format string, args ...interface{}) *ShuttleError {
	return New(code, category, fmt.Sprintf(format, args...))
}

// WithContext adds a context key-value pair and returns the error for chaining.
func (e *ShuttleError) WithContext(key, value string) *ShuttleError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithCause wraps an underlying error and returns the error for chaining.
func (e *ShuttleError) WithCause(cause error) *ShuttleError {
	e.Cause = cause
	return e
}

// ContextString returns a formatted string of all context entries.
func (e *ShuttleError) ContextString() string {
	if len(e.Context) == 0 {
		return ""
	}
	var parts []string
	for k, v := range e.Context {
		parts = append(parts, fmt.Sprintf("%s=%q", k, v))
	}
	return strings.Join(parts, ", ")
}

// Wrap wraps an existing error with a ShuttleError.
func Wrap(err error, code string, category Category, message string) *ShuttleError {
	return New(code, category, message).WithCause(err)
}

// AsShuttleError attempts to convert an error to a ShuttleError.
func AsShuttleError(err error) (*ShuttleError, bool) {
	if err == nil {
		return nil, false
	}
	if se, ok := err.(*ShuttleError); ok {
		return se, true
	}
	return nil, false
}

// IsCategory checks if an error is a ShuttleError with the given category.
func IsCategory(err error, category Category) bool {
	if se, ok := AsShuttleError(err); ok {
		return se.Category == category
	}
	return false
}

// IsCode checks if an error is a ShuttleError with the given code.
func IsCode(err error, code string) bool {
	if se, ok := AsShuttleError(err); ok {
		return se.Code == code
	}
	return false
}

// Retryable reports whether the session layer may retry the failed
// operation. Data-model errors are deterministic and never retryable;
// only transport-level timeouts are.
func Retryable(err error) bool {
	se, ok := AsShuttleError(err)
	if !ok {
		return false
	}
	return se.Code == ErrAckTimeout
}

// -----------------------------------------------------------------------------
// Helper Constructors
// -----------------------------------------------------------------------------

// HistoryError creates a new history store error.
func HistoryError(code, message string) *ShuttleError {
	return New(code, CategoryHistory, message)
}

// HistoryErrorf creates a new history store error with formatted message.
func HistoryErrorf(code, format string, args ...interface{}) *ShuttleError {
	return Newf(code, CategoryHistory, format, args...)
}

// ProcessError creates a new resolution processing error.
func ProcessError(code, message string) *ShuttleError {
	return New(code, CategoryProcess, message)
}

// ProcessErrorf creates a new resolution processing error with formatted message.
func ProcessErrorf(code, format string, args ...interface{}) *ShuttleError {
	return Newf(code, CategoryProcess, format, args...)
}

// TransportError creates a new chunk transport error.
func TransportError(code, message string) *ShuttleError {
	return New(code, CategoryTransport, message)
}

// TransportErrorf creates a new chunk transport error with formatted message.
func TransportErrorf(code, format string, args ...interface{}) *ShuttleError {
	return Newf(code, CategoryTransport, format, args...)
}

// PlaybackError creates a new playback error.
func PlaybackError(code, message string) *ShuttleError {
	return New(code, CategoryPlayback, message)
}

// PlaybackErrorf creates a new playback error with formatted message.
func PlaybackErrorf(code, format string, args ...interface{}) *ShuttleError {
	return Newf(code, CategoryPlayback, format, args...)
}

// ConfigError creates a new configuration error.
func ConfigError(code, message string) *ShuttleError {
	return New(code, CategoryConfig, message)
}

// InternalError creates a new internal/unexpected error.
func InternalError(code, message string) *ShuttleError {
	return New(code, CategoryInternal, message)
}
