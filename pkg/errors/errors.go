// Package errors defines the classified error taxonomy shared by the
// conflict-resolution engine. Each error carries a class so callers can
// distinguish expected concurrency outcomes from genuine failures without
// string matching.
package errors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorClass represents the classification of an engine error.
type ErrorClass int

const (
	// ClassUnknown indicates an unclassified error
	ClassUnknown ErrorClass = iota
	// ClassValidation indicates malformed input; local, never retried
	ClassValidation
	// ClassPermanent indicates a permanent failure that should not be retried
	ClassPermanent
	// ClassContention indicates an expected concurrency outcome
	ClassContention
	// ClassTimeout indicates the configured deadline was exceeded
	ClassTimeout
	// ClassUnavailable indicates a degraded collaborator; fallback applies
	ClassUnavailable
)

// EngineError is an error with a class and stable code.
type EngineError struct {
	Code    string
	Message string
	Class   ErrorClass
	cause   error
}

func (e *EngineError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error { return e.cause }

// Is matches two engine errors by code so sentinel comparison works across
// wrapping.
func (e *EngineError) Is(target error) bool {
	var other *EngineError
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

// Sentinel codes for the engine taxonomy.
const (
	CodeValidation           = "VALIDATION"
	CodeAncestorNotFound     = "ANCESTOR_NOT_FOUND"
	CodeOutOfBounds          = "OPERATION_OUT_OF_BOUNDS"
	CodeAlreadyResolving     = "ALREADY_RESOLVING"
	CodeMergeTimeout         = "MERGE_TIMEOUT"
	CodeAIAdapterUnavailable = "AI_ADAPTER_UNAVAILABLE"
)

// NewValidation creates a ValidationError for malformed operation or
// version input.
func NewValidation(msg string) *EngineError {
	return &EngineError{Code: CodeValidation, Message: msg, Class: ClassValidation}
}

// NewAncestorNotFound reports a version DAG pruned past the divergence
// point. This is surfaced, never treated as "no conflict".
func NewAncestorNotFound(contentID uuid.UUID, a, b uuid.UUID) *EngineError {
	return &EngineError{
		Code:    CodeAncestorNotFound,
		Message: fmt.Sprintf("no common ancestor for versions %s and %s of content %s", a, b, contentID),
		Class:   ClassPermanent,
	}
}

// NewOutOfBounds reports an operation whose position or length falls
// outside the current content. Clamping would silently lose data, so the
// operation fails instead.
func NewOutOfBounds(position, length, contentLen int) *EngineError {
	return &EngineError{
		Code:    CodeOutOfBounds,
		Message: fmt.Sprintf("operation at position %d (length %d) exceeds content length %d", position, length, contentLen),
		Class:   ClassPermanent,
	}
}

// NewAlreadyResolving reports that another resolver won the race for a
// conflict. Callers may treat this as "someone else is handling it".
func NewAlreadyResolving(conflictID uuid.UUID) *EngineError {
	return &EngineError{
		Code:    CodeAlreadyResolving,
		Message: fmt.Sprintf("conflict %s is already being resolved", conflictID),
		Class:   ClassContention,
	}
}

// NewMergeTimeout reports a merge aborted at its configured bound. The
// caller decides whether to retry.
func NewMergeTimeout(conflictID uuid.UUID, timeoutMs int64) *EngineError {
	return &EngineError{
		Code:    CodeMergeTimeout,
		Message: fmt.Sprintf("merge of conflict %s exceeded %dms", conflictID, timeoutMs),
		Class:   ClassTimeout,
	}
}

// NewAIAdapterUnavailable wraps an AI capability failure. Triggers the
// automatic fallback to three-way merge.
func NewAIAdapterUnavailable(cause error) *EngineError {
	return &EngineError{
		Code:    CodeAIAdapterUnavailable,
		Message: "semantic merge capability unavailable",
		Class:   ClassUnavailable,
		cause:   cause,
	}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }

// IsAncestorNotFound reports whether err is an ancestor-not-found error.
func IsAncestorNotFound(err error) bool { return hasCode(err, CodeAncestorNotFound) }

// IsOutOfBounds reports whether err is an out-of-bounds operation error.
func IsOutOfBounds(err error) bool { return hasCode(err, CodeOutOfBounds) }

// IsAlreadyResolving reports whether err is a lost resolver race.
func IsAlreadyResolving(err error) bool { return hasCode(err, CodeAlreadyResolving) }

// IsMergeTimeout reports whether err is a merge timeout.
func IsMergeTimeout(err error) bool { return hasCode(err, CodeMergeTimeout) }

// IsAIAdapterUnavailable reports whether err is an AI capability failure.
func IsAIAdapterUnavailable(err error) bool { return hasCode(err, CodeAIAdapterUnavailable) }

func hasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
