// Package errors provides the structured error taxonomy used across cloudvol.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode identifies a specific failure.
type ErrorCode string

const (
	// Configuration
	ErrCodeInvalidConfig       ErrorCode = "INVALID_CONFIG"
	ErrCodeMissingConfig       ErrorCode = "MISSING_CONFIG"
	ErrCodeUnsupportedPlatform ErrorCode = "UNSUPPORTED_PLATFORM"
	ErrCodeSessionReconfigured ErrorCode = "SESSION_RECONFIGURED"

	// Transient I/O
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrCodeServiceThrottled  ErrorCode = "SERVICE_THROTTLED"
	ErrCodeServerError       ErrorCode = "SERVER_ERROR"

	// Terminal I/O
	ErrCodeRetryExhausted     ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeStorageIO          ErrorCode = "STORAGE_IO"

	// Authentication
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeSignatureMismatch    ErrorCode = "SIGNATURE_MISMATCH"
	ErrCodeAccessDenied         ErrorCode = "ACCESS_DENIED"
	ErrCodeCredentialsExpired   ErrorCode = "CREDENTIALS_EXPIRED"

	// Flush
	ErrCodeFlushFailed ErrorCode = "FLUSH_FAILED"

	// Not found
	ErrCodeObjectNotFound ErrorCode = "OBJECT_NOT_FOUND"
	ErrCodeBucketNotFound ErrorCode = "BUCKET_NOT_FOUND"

	// State and arguments
	ErrCodeInvalidState     ErrorCode = "INVALID_STATE"
	ErrCodeInvalidHandle    ErrorCode = "INVALID_HANDLE"
	ErrCodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	ErrCodeReadOnly         ErrorCode = "READ_ONLY"
	ErrCodeFileExists       ErrorCode = "FILE_EXISTS"
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"
	ErrCodeInternalError    ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory groups codes by how callers must react to them.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryTransient     ErrorCategory = "transient"
	CategoryTerminal      ErrorCategory = "terminal"
	CategoryAuth          ErrorCategory = "auth"
	CategoryFlush         ErrorCategory = "flush"
	CategoryNotFound      ErrorCategory = "not_found"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidConfig:        CategoryConfiguration,
	ErrCodeMissingConfig:        CategoryConfiguration,
	ErrCodeUnsupportedPlatform:  CategoryConfiguration,
	ErrCodeSessionReconfigured:  CategoryConfiguration,
	ErrCodeConnectionTimeout:    CategoryTransient,
	ErrCodeNetworkError:         CategoryTransient,
	ErrCodeServiceThrottled:     CategoryTransient,
	ErrCodeServerError:          CategoryTransient,
	ErrCodeRetryExhausted:       CategoryTerminal,
	ErrCodeServiceUnavailable:   CategoryTerminal,
	ErrCodeStorageIO:            CategoryTerminal,
	ErrCodeAuthenticationFailed: CategoryAuth,
	ErrCodeSignatureMismatch:    CategoryAuth,
	ErrCodeAccessDenied:         CategoryAuth,
	ErrCodeCredentialsExpired:   CategoryAuth,
	ErrCodeFlushFailed:          CategoryFlush,
	ErrCodeObjectNotFound:       CategoryNotFound,
	ErrCodeBucketNotFound:       CategoryNotFound,
	ErrCodeInvalidState:         CategoryState,
	ErrCodeInvalidHandle:        CategoryState,
	ErrCodeInvalidArgument:      CategoryState,
	ErrCodeReadOnly:             CategoryState,
	ErrCodeFileExists:           CategoryState,
	ErrCodeComponentStopped:     CategoryState,
}

// VOLError is the structured error returned by every cloudvol component.
type VOLError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	Key       string `json:"key,omitempty"`

	// Retryable is true only for transient failures.
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface.
func (e *VOLError) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString("[")
		b.WriteString(e.Component)
		if e.Operation != "" {
			b.WriteString(":")
			b.WriteString(e.Operation)
		}
		b.WriteString("] ")
	}
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Key != "" {
		fmt.Fprintf(&b, " (key=%s)", e.Key)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *VOLError) Unwrap() error {
	return e.Cause
}

// Is matches another VOLError by code.
func (e *VOLError) Is(target error) bool {
	if t, ok := target.(*VOLError); ok {
		return e.Code == t.Code
	}
	return false
}

// JSON returns the error as a JSON string.
func (e *VOLError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a VOLError with defaults derived from its code.
func NewError(code ErrorCode, message string) *VOLError {
	category := GetCategory(code)
	return &VOLError{
		Code:      code,
		Category:  category,
		Message:   message,
		Retryable: category == CategoryTransient,
		Timestamp: time.Now(),
	}
}

// Newf creates a VOLError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *VOLError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a VOLError around cause.
func Wrap(cause error, code ErrorCode, message string) *VOLError {
	return NewError(code, message).WithCause(cause)
}

// GetCategory returns the category for code.
func GetCategory(code ErrorCode) ErrorCategory {
	if c, ok := categories[code]; ok {
		return c
	}
	return CategoryInternal
}

// WithDetail adds a detail entry.
func (e *VOLError) WithDetail(key string, value interface{}) *VOLError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component.
func (e *VOLError) WithComponent(component string) *VOLError {
	e.Component = component
	return e
}

// WithOperation sets the operation.
func (e *VOLError) WithOperation(operation string) *VOLError {
	e.Operation = operation
	return e
}

// WithKey sets the object key.
func (e *VOLError) WithKey(key string) *VOLError {
	e.Key = key
	return e
}

// WithCause sets the underlying cause.
func (e *VOLError) WithCause(cause error) *VOLError {
	e.Cause = cause
	return e
}

// As extracts the outermost VOLError from err.
func As(err error) (*VOLError, bool) {
	var v *VOLError
	if stderr.As(err, &v) {
		return v, true
	}
	return nil, false
}

// CodeOf returns the code of the outermost VOLError in err, or "".
func CodeOf(err error) ErrorCode {
	if v, ok := As(err); ok {
		return v.Code
	}
	return ""
}

// CategoryOf returns the category of the outermost VOLError in err.
func CategoryOf(err error) ErrorCategory {
	if v, ok := As(err); ok {
		return v.Category
	}
	return CategoryInternal
}

func IsConfiguration(err error) bool { return CategoryOf(err) == CategoryConfiguration }
func IsTransient(err error) bool     { return CategoryOf(err) == CategoryTransient }
func IsTerminal(err error) bool      { return CategoryOf(err) == CategoryTerminal }
func IsAuth(err error) bool          { return CategoryOf(err) == CategoryAuth }
func IsFlushFailure(err error) bool  { return CategoryOf(err) == CategoryFlush }
func IsNotFound(err error) bool      { return CategoryOf(err) == CategoryNotFound }

// IsRetryable reports whether err carries the retryable flag.
func IsRetryable(err error) bool {
	v, ok := As(err)
	return ok && v.Retryable
}
