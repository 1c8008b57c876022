package uerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("sendMessage: %w", New(MessageTooLarge, "body exceeds 8000 bytes"))
	assert.Equal(t, MessageTooLarge, KindOf(err))
	assert.Equal(t, "body exceeds 8000 bytes", MessageOf(err))
}

func TestKindOfUnknownError(t *testing.T) {
	err := errors.New("disk full")
	assert.Equal(t, Internal, KindOf(err))
	// raw message never leaks
	assert.NotContains(t, MessageOf(err), "disk")
}

func TestHTTPMapping(t *testing.T) {
	cases := map[Kind]int{
		Unauthorized:       http.StatusUnauthorized,
		Forbidden:          http.StatusForbidden,
		NotAMember:         http.StatusForbidden,
		OriginNotAllowed:   http.StatusForbidden,
		NotFound:           http.StatusNotFound,
		ValidationError:    http.StatusBadRequest,
		MessageTooLarge:    http.StatusBadRequest,
		InvalidRoomID:      http.StatusBadRequest,
		Conflict:           http.StatusConflict,
		RateLimited:        http.StatusTooManyRequests,
		Internal:           http.StatusInternalServerError,
		Kind("unmodelled"): http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, HTTPStatus(kind), string(kind))
	}
}

func TestJSONRPCMapping(t *testing.T) {
	assert.Equal(t, -32001, JSONRPCCode(Unauthorized))
	assert.Equal(t, -32003, JSONRPCCode(OriginNotAllowed))
	assert.Equal(t, -32004, JSONRPCCode(NotFound))
	assert.Equal(t, -32602, JSONRPCCode(ValidationError))
	assert.Equal(t, -32600, JSONRPCCode(DuplicateRequest))
	assert.Equal(t, -32029, JSONRPCCode(RateLimited))
	assert.Equal(t, -32603, JSONRPCCode(Internal))
}

func TestWithData(t *testing.T) {
	err := New(IdempotencyEvicted, "request id evicted").WithData(map[string]any{"client_request_id": "k1"})
	assert.Equal(t, "k1", DataOf(err)["client_request_id"])
}
