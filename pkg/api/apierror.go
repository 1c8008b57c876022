// Package api is the HTTP surface: REST routes, the SSE room stream and
// the middleware chain. It is one of the two places errors become wire
// codes; everything below it speaks uerr kinds.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ubl-labs/ubl-core/pkg/uerr"
)

// writeJSON writes a success payload wrapped in the response envelope.
// Every response carries request_id and server_time alongside the payload
// fields.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, payload map[string]any) {
	body := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["request_id"] = RequestIDFrom(r.Context())
	body["server_time"] = time.Now().UTC().Format(time.RFC3339)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorBody is the error half of the envelope.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// writeError converts a service error to its HTTP shape. Unrecognized
// errors are logged and masked as internal_error; the original never
// reaches the client.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := uerr.KindOf(err)
	status := uerr.HTTPStatus(kind)
	if status == http.StatusInternalServerError {
		slog.Error("internal server error",
			"path", r.URL.Path, "request_id", RequestIDFrom(r.Context()), "error", err)
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, r, status, map[string]any{
		"error": errorBody{Code: string(kind), Message: uerr.MessageOf(err), Data: uerr.DataOf(err)},
	})
}
