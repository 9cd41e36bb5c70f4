// Package api implements the HTTP surface: command submission and lifecycle
// reads, robot registry operations, queue stats, the event stream, and the
// supervisor health handshake. Chi provides routing; every /v1 route sits
// behind the bearer token middleware while /health and /metrics stay open.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/ChengTingFung-2425/robot-command-console-sub001/internal/errcode"
)

// errorBody is the uniform error response shape shared with failed records
// and events.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeErr maps a taxonomy error onto the response: status from the code and
// the uniform error body. Anything outside the taxonomy collapses to
// ERR_INTERNAL without leaking its detail.
func writeErr(w http.ResponseWriter, err error, traceID string) {
	e, ok := errcode.As(err)
	if !ok {
		e = errcode.New(errcode.CodeInternal, "internal error")
	}
	writeErrStatus(w, e.Code.HTTPStatus(), e, traceID)
}

// writeErrStatus is writeErr with an explicit status, for the few places the
// default mapping differs (an unknown command id reads as 404).
func writeErrStatus(w http.ResponseWriter, status int, e *errcode.Error, traceID string) {
	if e.Code == errcode.CodeQueueFull {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, errorBody{
		Code:    string(e.Code),
		Message: e.Message,
		Details: e.Details,
		TraceID: traceID,
	})
}

// decodeJSON decodes a bounded request body, rejecting unknown fields. On
// failure it writes the validation error and reports false so handlers can
// early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeErr(w, errcode.New(errcode.CodeValidation, "invalid request body").
			WithDetail("reason", err.Error()), "")
		return false
	}
	return true
}
