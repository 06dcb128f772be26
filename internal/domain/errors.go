package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound indicates that a requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates that the input data is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidDOI indicates that a string could not be parsed as a DOI.
	ErrInvalidDOI = errors.New("invalid DOI")

	// ErrMalformedRecord indicates that a cached artifact or a service
	// response could not be decoded.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrAmbiguousRelation indicates that metadata declares more than one
	// successor, or a successor that is not a DOI.
	ErrAmbiguousRelation = errors.New("ambiguous preprint relation")

	// ErrResolutionCycle indicates that preprint resolution did not reach a
	// terminal DOI within the hop limit.
	ErrResolutionCycle = errors.New("preprint resolution cycle")

	// ErrDownloadExhausted indicates that every PDF download strategy failed.
	ErrDownloadExhausted = errors.New("could not download PDF")

	// ErrRateLimited indicates that the request was rate limited.
	ErrRateLimited = errors.New("rate limited")

	// ErrServiceUnavailable indicates that an external service is unavailable.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrCancelled indicates that an operation was cancelled.
	ErrCancelled = errors.New("cancelled")
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError provides details about a not found entity.
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// RateLimitError provides details about a rate limit error.
type RateLimitError struct {
	Source     string
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s: retry after %s", e.Source, e.RetryAfter)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// ExternalAPIError provides details about an external API error.
type ExternalAPIError struct {
	Source     string
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *ExternalAPIError) Error() string {
	return fmt.Sprintf("%s API error (status %d): %s", e.Source, e.StatusCode, e.Message)
}

// Unwrap returns the underlying cause error.
func (e *ExternalAPIError) Unwrap() error {
	return e.Cause
}

// MalformedRecordError reports an artifact or response that failed to decode.
type MalformedRecordError struct {
	Source string
	Cause  error
}

// Error implements the error interface.
func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record from %s: %v", e.Source, e.Cause)
}

// Unwrap lets errors.Is match both ErrMalformedRecord and the decode error.
func (e *MalformedRecordError) Unwrap() []error {
	return []error{ErrMalformedRecord, e.Cause}
}

// RelationError reports a preprint relation that cannot be followed safely.
type RelationError struct {
	DOI     DOI
	Reason  string
	Targets []string
}

// Error implements the error interface.
func (e *RelationError) Error() string {
	return fmt.Sprintf("%s: %s [%s]", e.DOI.URL(), e.Reason, strings.Join(e.Targets, ", "))
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *RelationError) Unwrap() error {
	return ErrAmbiguousRelation
}

// CycleError reports a resolution chain that exceeded the hop limit.
type CycleError struct {
	Start DOI
	Hops  int
	Chain []DOI
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("resolution of %s did not terminate after %d hops", e.Start.Stem(), e.Hops)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *CycleError) Unwrap() error {
	return ErrResolutionCycle
}

// StageError attributes a pipeline failure to a DOI and stage.
type StageError struct {
	DOI   DOI
	Stage Stage
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.DOI.Stem(), e.Stage, e.Err)
}

// Unwrap returns the wrapped error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(source string, retryAfter time.Duration) *RateLimitError {
	return &RateLimitError{
		Source:     source,
		RetryAfter: retryAfter,
	}
}

// NewExternalAPIError creates a new ExternalAPIError.
func NewExternalAPIError(source string, statusCode int, message string, cause error) *ExternalAPIError {
	return &ExternalAPIError{
		Source:     source,
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
	}
}

// NewMalformedRecordError creates a new MalformedRecordError.
func NewMalformedRecordError(source string, cause error) *MalformedRecordError {
	return &MalformedRecordError{
		Source: source,
		Cause:  cause,
	}
}

// NewStageError wraps err with the DOI and stage it occurred in. A nil err
// yields nil, and an err that is already a StageError is returned unchanged.
func NewStageError(doi DOI, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return err
	}
	return &StageError{DOI: doi, Stage: stage, Err: err}
}
