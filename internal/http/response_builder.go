package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"ledgerd/internal/core"
	"ledgerd/internal/middleware/trace"
)

// retryAfterSeconds is advertised on 503 responses caused by contention or
// a briefly unavailable store.
const retryAfterSeconds = "1"

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error     string            `json:"error"`
	Fields    []core.FieldError `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// statusFor maps the core error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrAccountInUse):
		return http.StatusConflict
	case errors.Is(err, core.ErrConflict), errors.Is(err, core.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err to the client. Internal failures are logged and
// described generically.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), RequestID: trace.GetRequestID(r.Context())}

	var verr *core.ValidationError
	if errors.As(err, &verr) {
		body.Error = core.ErrInvalid.Error()
		body.Fields = verr.Fields
	}

	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", retryAfterSeconds)
	case http.StatusInternalServerError:
		slog.ErrorContext(r.Context(), "Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}

// writeBadRequest reports input that could not be decoded at all.
func writeBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, RequestID: trace.GetRequestID(r.Context())})
}
