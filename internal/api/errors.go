package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/cc-bridge/internal/computer"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeNotFound     = "not_found"
	ErrCodeNotConnected = "not_connected"
	ErrCodeTimeout      = "timeout"
	ErrCodeBadGateway   = "computer_error"
	ErrCodeInternal     = "internal_error"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// writeComputerError maps bridge errors onto HTTP statuses:
// not connected is 409, a timed out wait is 504, a link that dropped or a
// failed send is 502.
func (s *Server) writeComputerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, computer.ErrNotConnected):
		writeError(w, http.StatusConflict, ErrCodeNotConnected, "no computer connected")
	case errors.Is(err, computer.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "computer did not reply in time")
	case errors.Is(err, computer.ErrConnectionClosed), errors.Is(err, computer.ErrSendFailed):
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, err.Error())
	case errors.Is(err, computer.ErrMalformedPayload), errors.Is(err, computer.ErrUnknownType):
		writeError(w, http.StatusBadGateway, ErrCodeBadGateway, err.Error())
	default:
		s.logger.Error("computer request failed", "error", err)
		writeInternalError(w, "internal server error")
	}
}
