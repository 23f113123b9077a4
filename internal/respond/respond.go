// Package respond centralizes the JSON response shapes the API layer
// writes, so every handler reports errors the same way.
package respond

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/kestrel-labs/sigresolve/internal/apperr"
)

// ErrorResponse is the body the error helpers below write. The router's
// own 404 for unmatched paths is plain text, not this shape.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes data as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// WriteError writes a standardized error response.
func WriteError(w http.ResponseWriter, statusCode int, message string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Code:    statusCode,
		Message: message,
	})
}

// WriteErrorMessage writes an error response whose "error" field is msg
// verbatim, for call sites where the contract is a literal error string
// (e.g. auth failures) rather than the generic status-text shape.
func WriteErrorMessage(w http.ResponseWriter, statusCode int, msg string) {
	WriteJSON(w, statusCode, ErrorResponse{Error: msg, Code: statusCode})
}

// WriteBadRequest writes a 400 Bad Request response.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message)
}

// WriteNotFound writes a 404 Not Found response.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, message)
}

// WriteInternalError writes a 500 Internal Server Error response.
func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, message)
}

// WriteErr inspects err's apperr.Kind (if any) and writes the status the
// taxonomy maps it to, falling back to 500 for unrecognized errors.
func WriteErr(w http.ResponseWriter, err error) {
	if ae, ok := apperr.As(err); ok {
		WriteError(w, ae.HTTPStatus(), ae.Message)
		return
	}
	WriteInternalError(w, err.Error())
}
