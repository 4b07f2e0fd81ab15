// Package respond renders the uniform response envelope every endpoint
// returns: {success, message, data, errors}. Callers translate it into UI
// feedback; handlers never hand-roll JSON.
package respond

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "labtrace/pkg/domain-errors"
)

// Envelope is the uniform result shape of the service boundary.
type Envelope struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Data    any                 `json:"data,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
}

// OK writes a success envelope.
func OK(w http.ResponseWriter, status int, message string, data any) {
	write(w, status, Envelope{Success: true, Message: message, Data: data})
}

// Error translates a domain error into the envelope and the matching HTTP
// status. Untyped errors render as opaque internal faults.
func Error(w http.ResponseWriter, err error) {
	var de *dErrors.Error
	if !errors.As(err, &de) {
		write(w, http.StatusInternalServerError, Envelope{
			Success: false,
			Message: "internal error",
		})
		return
	}
	write(w, statusFor(de.Code), Envelope{
		Success: false,
		Message: de.Message,
		Errors:  de.Fields,
	})
}

func statusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeValidation:
		return http.StatusBadRequest
	case dErrors.CodeAuthentication:
		return http.StatusUnauthorized
	case dErrors.CodeForbidden:
		return http.StatusForbidden
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeInvalidTransition, dErrors.CodeConflict:
		return http.StatusConflict
	case dErrors.CodeIncompleteData:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func write(w http.ResponseWriter, status int, envelope Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope)
}
