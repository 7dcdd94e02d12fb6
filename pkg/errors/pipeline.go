package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a classified stage failure.
type ErrorCode string

const (
	ErrTimeout               ErrorCode = "timeout"
	ErrRateLimit             ErrorCode = "rate_limit"
	ErrCapabilityUnavailable ErrorCode = "capability_unavailable"
	ErrStorage               ErrorCode = "storage_unavailable"
	ErrMalformedDocument     ErrorCode = "malformed_document"
	ErrUnsupportedDocument   ErrorCode = "unsupported_document"
	ErrInvalidInput          ErrorCode = "invalid_input"
	ErrInvalidOutput         ErrorCode = "invalid_output"
	ErrDependencyUnmet       ErrorCode = "dependency_unmet"
	ErrCancelled             ErrorCode = "cancelled"
	ErrProcessingError       ErrorCode = "processing_error"
)

// Class is the retry classification of a failure.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// StageError is a structured error for a failed stage attempt.
type StageError struct {
	Code    ErrorCode
	Stage   string
	Message string
	Cause   error
}

func (e *StageError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Stage, msg)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// Class returns the retry classification of the error's code.
func (e *StageError) Class() Class {
	if IsRetryable(e.Code) {
		return ClassTransient
	}
	return ClassPermanent
}

// NewStageError creates a StageError with the given code.
func NewStageError(code ErrorCode, message string, cause error) *StageError {
	return &StageError{Code: code, Message: message, Cause: cause}
}

// Transient wraps cause as a retryable capability failure.
func Transient(message string, cause error) *StageError {
	return NewStageError(ErrCapabilityUnavailable, message, cause)
}

// Permanent wraps cause as an input rejection that must not be retried.
func Permanent(message string, cause error) *StageError {
	return NewStageError(ErrInvalidInput, message, cause)
}

// ClassifyError inspects an error and returns a *StageError with the appropriate code.
// Errors that are already a StageError keep their code.
func ClassifyError(err error, stage string) *StageError {
	if err == nil {
		return nil
	}

	var existing *StageError
	if errors.As(err, &existing) {
		if existing.Stage == "" && stage != "" {
			cp := *existing
			cp.Stage = stage
			return &cp
		}
		return existing
	}

	se := &StageError{Stage: stage, Cause: err}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		se.Code = ErrTimeout
		se.Message = "operation timed out"
		return se
	case errors.Is(err, context.Canceled):
		se.Code = ErrCancelled
		se.Message = "operation cancelled"
		return se
	case errors.Is(err, ErrStorageUnavailable):
		se.Code = ErrStorage
	case errors.Is(err, ErrUnsupportedKind):
		se.Code = ErrUnsupportedDocument
	case errors.Is(err, ErrDependenciesUnmet):
		se.Code = ErrDependencyUnmet
	}
	if se.Code != "" {
		se.Message = err.Error()
		return se
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	se.Message = msg

	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") ||
		strings.Contains(lower, "too many requests") || strings.Contains(lower, "resource_exhausted"):
		se.Code = ErrRateLimit
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		se.Code = ErrTimeout
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "unavailable") ||
		strings.Contains(lower, "503") || strings.Contains(lower, "no such host") ||
		strings.Contains(lower, "connection reset"):
		se.Code = ErrCapabilityUnavailable
	case strings.Contains(lower, "malformed") || strings.Contains(lower, "corrupt"):
		se.Code = ErrMalformedDocument
	case strings.Contains(lower, "unsupported"):
		se.Code = ErrUnsupportedDocument
	default:
		se.Code = ErrProcessingError
	}
	return se
}

// Classify returns whether err is transient or permanent.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	return ClassifyError(err, "").Class()
}

// IsTimeout returns true if the error is a timeout error.
func IsTimeout(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Code == ErrTimeout
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsErrorRetryable returns true if the error is likely transient and worth retrying.
func IsErrorRetryable(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// CodeOf returns the error code of err after classification.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return ClassifyError(err, "").Code
}
