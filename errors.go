package main

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Domain errors. Services wrap these with context; callers match with errors.Is.
var (
	ErrConflict           = errors.New("conflict")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyHasSegment  = errors.New("user already has segment")
	ErrDoesNotHaveSegment = errors.New("user does not have segment")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrSigning            = errors.New("token signing failed")
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

// statusFor maps a domain error to its HTTP status and error code.
// ok is false for errors outside the taxonomy, which are infrastructure faults.
func statusFor(err error) (status int, code string, ok bool) {
	switch {
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "CONFLICT", true
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, "UNAUTHORIZED", true
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", true
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", true
	case errors.Is(err, ErrAlreadyHasSegment):
		return http.StatusBadRequest, "ALREADY_HAS_SEGMENT", true
	case errors.Is(err, ErrDoesNotHaveSegment):
		return http.StatusBadRequest, "DOES_NOT_HAVE_SEGMENT", true
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest, "INVALID_REQUEST", true
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR", false
}

// writeServiceError writes err using the domain taxonomy. Infrastructure
// faults (signing, storage) are logged and reported without their details.
func (a *App) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, ok := statusFor(err)
	if !ok {
		a.Log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		writeError(w, status, code, "Internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}
