// Package apperr carries workflow errors with a stable machine-readable code
// and renders them for the HTTP API.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Workflow error codes.
const (
	CodeLabResultsIncomplete       = "LAB_RESULTS_INCOMPLETE"
	CodeLabAlreadyVerified         = "LAB_ALREADY_VERIFIED"
	CodeFinalizeBlockedUnverified  = "ENCOUNTER_FINALIZE_BLOCKED_UNVERIFIED_LAB"
	CodePublishBlockedNotFinalized = "LAB_PUBLISH_BLOCKED_NOT_FINALIZED"
	CodeEncounterNotLab            = "ENCOUNTER_NOT_LAB"
	CodeEncounterClosed            = "ENCOUNTER_CLOSED"
	CodeInvalidEncounterTransition = "ENCOUNTER_INVALID_TRANSITION"
	CodeLabItemHasResults          = "LAB_ITEM_HAS_RESULTS"
	CodeLabSampleNotCollected      = "LAB_SAMPLE_NOT_COLLECTED"
	CodeLabInvalidParameter        = "LAB_INVALID_PARAMETER"
	CodeLabInvalidTransition       = "LAB_INVALID_TRANSITION"
	CodeLabTestInactive            = "LAB_TEST_INACTIVE"
	CodeDocumentNotRendered        = "DOCUMENT_NOT_RENDERED"
	CodeNotFound                   = "NOT_FOUND"
	CodeValidation                 = "VALIDATION_FAILED"
)

type Kind int

const (
	KindConflict Kind = iota
	KindNotFound
	KindValidation
)

// Error is a non-retryable workflow error. Details are rendered verbatim so
// callers can enrich their message (missing parameters, blocking items).
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on code so errors.Is(err, &Error{Code: ...}) works across wraps.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus maps the error kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusConflict
	}
}

// With returns the error with an extra detail attached.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

func NotFound(resource string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: resource + " not found"}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the workflow code of err, or "" when err is not an *Error.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

func IsNotFound(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == KindNotFound
}
