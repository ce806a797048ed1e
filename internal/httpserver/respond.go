package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/oroboros/controlplane/internal/apperr"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{
		Error:   err,
		Message: message,
	})
}

// RespondAppError maps an *apperr.Error to its HTTP status and writes it as
// a JSON error response. Any other error is treated as an
// unmapped internal failure.
func RespondAppError(w http.ResponseWriter, err error) {
	if e, ok := apperr.As(err); ok {
		RespondError(w, apperr.HTTPStatus(e.Kind), string(e.Kind), e.Message)
		return
	}
	RespondError(w, http.StatusInternalServerError, "internal_error", err.Error())
}
