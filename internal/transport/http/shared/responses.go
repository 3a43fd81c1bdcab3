// Package shared holds the JSON response helpers used by every handler.
package shared

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "canopy/pkg/domain-errors"
)

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the stable code, a message, and the offending field
// for validation failures.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// WriteJSON writes a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError maps a coded domain error onto an HTTP status and JSON body.
// Uncoded errors become opaque 500s; details stay in logs.
func WriteError(w http.ResponseWriter, err error) {
	var coded *dErrors.Error
	if !errors.As(err, &coded) {
		WriteJSON(w, http.StatusInternalServerError, ErrorBody{Error: ErrorDetail{
			Code:    string(dErrors.CodeInternal),
			Message: "internal error",
		}})
		return
	}
	WriteJSON(w, statusFor(coded.ErrCode), ErrorBody{Error: ErrorDetail{
		Code:    string(coded.ErrCode),
		Message: coded.Message,
		Field:   coded.Field,
	}})
}

func statusFor(code dErrors.Code) int {
	switch code {
	case dErrors.CodeValidation, dErrors.CodeBadRequest:
		return http.StatusBadRequest
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeDuplicate, dErrors.CodeConflict, dErrors.CodeStaleState:
		return http.StatusConflict
	case dErrors.CodePreconditionNotMet:
		return http.StatusPreconditionFailed
	case dErrors.CodeIllegalTransition, dErrors.CodeResubmissionLimit:
		return http.StatusUnprocessableEntity
	case dErrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
