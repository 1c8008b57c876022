// Package uerr models the service error taxonomy as tagged errors with a
// stable code, an HTTP status and a JSON-RPC code mapping. The HTTP and
// JSON-RPC adapters are the only places that convert to wire codes.
package uerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the stable error code surfaced to clients.
type Kind string

const (
	Unauthorized       Kind = "unauthorized"
	Forbidden          Kind = "forbidden"
	NotAMember         Kind = "not_a_member"
	OriginNotAllowed   Kind = "origin_not_allowed"
	NotFound           Kind = "not_found"
	ValidationError    Kind = "validation_error"
	MessageTooLarge    Kind = "message_too_large"
	InvalidRoomID      Kind = "invalid_room_id"
	Conflict           Kind = "conflict"
	DuplicateRequest   Kind = "duplicate_request"
	IdempotencyEvicted Kind = "idempotency_evicted"
	RateLimited        Kind = "rate_limited"
	Internal           Kind = "internal_error"
)

// Error is a tagged service error.
type Error struct {
	Kind    Kind
	Message string
	Data    map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds a tagged error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches a payload to the error.
func (e *Error) WithData(data map[string]any) *Error {
	e.Data = data
	return e
}

// KindOf extracts the taxonomy kind from any error. Unrecognized errors
// map to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// MessageOf extracts the client-safe message from an error. Internal
// errors are masked; the original is for logs only.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "an unexpected error occurred"
}

// DataOf extracts the attached payload, if any.
func DataOf(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) {
		return e.Data
	}
	return nil
}

// HTTPStatus maps a kind to its HTTP status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden, NotAMember, OriginNotAllowed:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case ValidationError, MessageTooLarge, InvalidRoomID:
		return http.StatusBadRequest
	case Conflict, DuplicateRequest, IdempotencyEvicted:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// JSONRPCCode maps a kind to its JSON-RPC error code.
func JSONRPCCode(kind Kind) int {
	switch kind {
	case Unauthorized:
		return -32001
	case Forbidden, NotAMember, OriginNotAllowed:
		return -32003
	case NotFound:
		return -32004
	case ValidationError, MessageTooLarge, InvalidRoomID:
		return -32602
	case Conflict, DuplicateRequest, IdempotencyEvicted:
		return -32600
	case RateLimited:
		return -32029
	default:
		return -32603
	}
}
