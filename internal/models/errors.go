package models

import (
	"errors"
	"fmt"
)

type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeExternal   ErrorType = "external"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeTimeout    ErrorType = "timeout"
)

// PipelineError carries a stable machine-readable code alongside the message
// so callers can branch on failures without string matching.
type PipelineError struct {
	Type     ErrorType
	Code     string
	Message  string
	Cause    error
	Metadata map[string]interface{}
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

func (e *PipelineError) Is(target error) bool {
	var other *PipelineError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// Retryable reports whether the failure is worth retrying. Validation and
// not-found failures never are; infrastructure failures always are.
func (e *PipelineError) Retryable() bool {
	switch e.Type {
	case ErrorTypeExternal, ErrorTypeTimeout, ErrorTypeInternal:
		return true
	default:
		return false
	}
}

// WithCause returns a copy carrying the underlying error. Copying keeps the
// package-level sentinels immutable.
func (e *PipelineError) WithCause(cause error) *PipelineError {
	clone := e.clone()
	clone.Cause = cause
	return clone
}

func (e *PipelineError) WithMetadata(key string, value interface{}) *PipelineError {
	clone := e.clone()
	clone.Metadata[key] = value
	return clone
}

func (e *PipelineError) clone() *PipelineError {
	metadata := make(map[string]interface{}, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		metadata[k] = v
	}
	return &PipelineError{
		Type:     e.Type,
		Code:     e.Code,
		Message:  e.Message,
		Cause:    e.Cause,
		Metadata: metadata,
	}
}

func newError(errType ErrorType, code, message string) *PipelineError {
	return &PipelineError{
		Type:     errType,
		Code:     code,
		Message:  message,
		Metadata: map[string]interface{}{},
	}
}

func NewValidationError(code, message string) *PipelineError {
	return newError(ErrorTypeValidation, code, message)
}

func NewNotFoundError(code, message string) *PipelineError {
	return newError(ErrorTypeNotFound, code, message)
}

func NewExternalError(code, message string) *PipelineError {
	return newError(ErrorTypeExternal, code, message)
}

func NewInternalError(code, message string) *PipelineError {
	return newError(ErrorTypeInternal, code, message)
}

func NewTimeoutError(code, message string) *PipelineError {
	return newError(ErrorTypeTimeout, code, message)
}

func WrapExternalError(service string, err error) *PipelineError {
	return NewExternalError(service+"_ERROR", "external service call failed").WithCause(err)
}

var (
	ErrEntryNotFound    = NewNotFoundError("ENTRY_NOT_FOUND", "entry not found")
	ErrJobNotFound      = NewNotFoundError("JOB_NOT_FOUND", "job not found")
	ErrAnalysisNotFound = NewNotFoundError("ANALYSIS_NOT_FOUND", "no analysis stored for entry")
	ErrEmptyContent     = NewValidationError("EMPTY_CONTENT", "article content is empty")
	ErrContentMissing   = NewValidationError("CONTENT_MISSING", "no source content available for entry")
	ErrNotOwned         = NewValidationError("NOT_OWNED", "entry does not belong to the requesting user")
)
