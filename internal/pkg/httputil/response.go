package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/mahmoodhamdi/Bulk-Email-Sender-sub001/internal/pkg/logger"
)

// Envelope is the standard payload for operator-facing operations: a success
// flag, an error string on failure, and optional operation counts.
type Envelope struct {
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	CancelledJobs *int   `json:"cancelledJobs,omitempty"`
	RetriedCount  *int   `json:"retriedCount,omitempty"`
	Processed     *int   `json:"processed,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("json encode", "err", err.Error())
	}
}

// OK writes a 200 response with the given data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Fail writes the typed error envelope. Handlers never surface raw internal
// error strings through this path; callers pass a safe message.
func Fail(w http.ResponseWriter, status int, message string) {
	JSON(w, status, Envelope{Success: false, Error: message})
}

// BadRequest writes a 400 error envelope.
func BadRequest(w http.ResponseWriter, message string) {
	Fail(w, http.StatusBadRequest, message)
}

// NotFound writes a 404 error envelope.
func NotFound(w http.ResponseWriter, message string) {
	Fail(w, http.StatusNotFound, message)
}

// InternalError writes a 500 envelope. Logs the real error but returns a
// generic message to the client (never leak internals).
func InternalError(w http.ResponseWriter, err error) {
	logger.Error("internal error", "err", err.Error())
	Fail(w, http.StatusInternalServerError, "internal server error")
}

// Decode reads JSON from the request body into dst.
// Returns false and writes a 400 response if parsing fails.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		BadRequest(w, "invalid JSON")
		return false
	}
	return true
}
