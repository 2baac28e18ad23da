package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kokino/broker/internal/brokererr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// writeError maps a brokererr.Kind to the HTTP status table and writes
// a {error, message} body. Non-brokererr errors are treated as internal.
func writeError(w http.ResponseWriter, err error) {
	var be *brokererr.Error
	if !errors.As(err, &be) {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal", "message": err.Error()})
		return
	}

	status, code := statusFor(be.Kind)
	body := map[string]any{"error": code, "message": be.Error()}
	if be.RetryHint != "" {
		body["retryHint"] = be.RetryHint
	}
	writeJSON(w, status, body)
}

func statusFor(kind brokererr.Kind) (int, string) {
	switch kind {
	case brokererr.KindValidation:
		return http.StatusBadRequest, "ValidationError"
	case brokererr.KindNotFound:
		return http.StatusNotFound, "NotFound"
	case brokererr.KindConflict:
		return http.StatusConflict, "Conflict"
	case brokererr.KindBusy:
		return http.StatusTooManyRequests, "Busy"
	case brokererr.KindTimeout:
		return http.StatusGatewayTimeout, "Timeout"
	case brokererr.KindUpstream:
		return http.StatusUnprocessableEntity, "ExecutionFailed"
	case brokererr.KindIntegrity:
		return http.StatusInternalServerError, "IntegrityViolation"
	default:
		return http.StatusInternalServerError, "Internal"
	}
}

func badRequest(op, msg string) error {
	return brokererr.Newf(brokererr.KindValidation, op, "%s", msg)
}

func notFound(op, msg string) error {
	return brokererr.Newf(brokererr.KindNotFound, op, "%s", msg)
}
