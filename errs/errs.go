// Package errs defines the closed set of error kinds used across the CMDB
// core and the HTTP response mapping for each of them.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error without requiring callers to type-switch on a
// concrete error type. It is attached to a wrapped error via New.
type Kind string

const (
	ValidationFailure      Kind = "ValidationFailure"
	CINotFound             Kind = "CINotFound"
	RelationshipNotFound   Kind = "RelationshipNotFound"
	JobNotFound            Kind = "JobNotFound"
	InvalidConditionType   Kind = "InvalidConditionType"
	InvalidRelationshipType Kind = "InvalidRelationshipType"
	DateParseFailure       Kind = "DateParseFailure"
	QueryFailure           Kind = "QueryFailure"
	QueueFailure           Kind = "QueueFailure"
	RateLimited            Kind = "RateLimited"
	Cancelled              Kind = "Cancelled"
	Conflict               Kind = "Conflict"
)

// statusFor maps a Kind to the HTTP status code a client should see.
// Query/queue failures never leak their underlying message to clients;
// validation and not-found kinds are surfaced verbatim per spec.md §7.
var statusFor = map[Kind]int{
	ValidationFailure:       http.StatusBadRequest,
	CINotFound:              http.StatusNotFound,
	RelationshipNotFound:    http.StatusNotFound,
	JobNotFound:             http.StatusNotFound,
	InvalidConditionType:    http.StatusBadRequest,
	InvalidRelationshipType: http.StatusBadRequest,
	DateParseFailure:        http.StatusBadRequest,
	QueryFailure:            http.StatusInternalServerError,
	QueueFailure:            http.StatusInternalServerError,
	RateLimited:             http.StatusTooManyRequests,
	Cancelled:               http.StatusConflict,
	Conflict:                http.StatusConflict,
}

// Error wraps an underlying error with a Kind classification.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a new classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error under the given kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusCode returns the HTTP status to use for err, defaulting to 500 for
// unclassified errors.
func StatusCode(err error) int {
	if e, ok := As(err); ok {
		if code, found := statusFor[e.Kind]; found {
			return code
		}
	}
	return http.StatusInternalServerError
}

// KindOf returns the Kind of err, or "" if err is not a classified Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}
