package rerrors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode is a stable machine-readable error code. Codes are part of the
// external contract: they surface in tool results and audit metadata and
// must never be renamed.
type ErrorCode string

const (
	ErrCodeValidation           ErrorCode = "VALIDATION"
	ErrCodeAuthn                ErrorCode = "AUTHN"
	ErrCodeAuthzDenied          ErrorCode = "AUTHZ_DENIED"
	ErrCodeDeviceNotFound       ErrorCode = "DEVICE_NOT_FOUND"
	ErrCodeEnvironmentMismatch  ErrorCode = "ENVIRONMENT_MISMATCH"
	ErrCodeCapabilityDenied     ErrorCode = "CAPABILITY_DENIED"
	ErrCodeDeviceUnreachable    ErrorCode = "DEVICE_UNREACHABLE"
	ErrCodePlanNotFound         ErrorCode = "PLAN_NOT_FOUND"
	ErrCodePlanStateConflict    ErrorCode = "PLAN_STATE_CONFLICT"
	ErrCodeApprovalExpired      ErrorCode = "APPROVAL_EXPIRED"
	ErrCodeApprovalTokenInvalid ErrorCode = "APPROVAL_TOKEN_INVALID"
	ErrCodeSelfApproval         ErrorCode = "SELF_APPROVAL"
	ErrCodeJobNotFound          ErrorCode = "JOB_NOT_FOUND"
	ErrCodeJobStateConflict     ErrorCode = "JOB_STATE_CONFLICT"
	ErrCodeRetriesExhausted     ErrorCode = "RETRIES_EXHAUSTED"
	ErrCodeRollbackNotEnabled   ErrorCode = "ROLLBACK_NOT_ENABLED"
	ErrCodeNoPreviousState      ErrorCode = "NO_PREVIOUS_STATE"
	ErrCodeNoCredentials        ErrorCode = "NO_CREDENTIALS"
	ErrCodeDecryption           ErrorCode = "DECRYPTION"
	ErrCodeNotFound             ErrorCode = "NOT_FOUND"
	ErrCodeInternal             ErrorCode = "INTERNAL"
	ErrCodeUnavailable          ErrorCode = "UNAVAILABLE"
	ErrCodeUnknown              ErrorCode = "UNKNOWN"
)

// Error is the control plane's error type. It carries a code, a human
// message, an optional wrapped cause and free-form metadata.
type Error struct {
	Code       ErrorCode
	Message    string
	Cause      error
	Metadata   map[string]any
	Retryable  bool
	StackTrace string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// WithMetadata attaches a key/value pair and returns the error for chaining.
func (e *Error) WithMetadata(key string, value any) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// New creates an error with a code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Retryable:  retryableCode(code),
		StackTrace: captureStack(),
	}
}

// Newf creates an error with a code and formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a code and message. Returns nil when
// err is nil.
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    message,
		Cause:      err,
		Retryable:  retryableCode(code),
		StackTrace: captureStack(),
	}
}

// Wrapf wraps an existing error with a code and formatted message.
func Wrapf(err error, code ErrorCode, format string, args ...any) *Error {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// GetCode extracts the code from an error chain, or ErrCodeUnknown.
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeUnknown
}

// IsCode reports whether any error in the chain carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// IsRetryable reports whether the error is safe to retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

func retryableCode(code ErrorCode) bool {
	switch code {
	case ErrCodeDeviceUnreachable, ErrCodeUnavailable:
		return true
	}
	return false
}

func captureStack() string {
	var sb strings.Builder
	pcs := make([]uintptr, 16)
	// Skip runtime.Callers, captureStack and the constructor.
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&sb, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return sb.String()
}
