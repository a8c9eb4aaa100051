// Package httputil provides shared JSON request/response helpers for HTTP
// handlers.
package httputil

import (
	"encoding/json"
	"net/http"

	dErrors "github.com/uncovering-world/track-your-regions/pkg/domain-errors"
)

// errorResponse is the wire shape of every error body.
type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a domain error to its HTTP status and a stable error code.
// Internal errors omit the description so storage details never reach
// clients.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	resp := errorResponse{Error: codeString(code)}
	if code != dErrors.CodeInternal {
		resp.Description = dErrors.MessageOf(err)
	}
	WriteJSON(w, dErrors.ToHTTPStatus(code), resp)
}

// Decode parses the request body into T. On failure it writes a bad-request
// response and returns false; the handler should just return.
func Decode[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid request body"))
		var zero T
		return zero, false
	}
	return v, true
}

func codeString(c dErrors.Code) string {
	if c == dErrors.CodeInternal {
		return "internal_error"
	}
	return string(c)
}
