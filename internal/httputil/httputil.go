// Package httputil holds the small set of JSON response helpers shared by
// every httpapi handler, grounded on the teacher's
// infrastructure/httputil response-writing idiom (WriteJSON/BadRequest/
// NotFound/InternalError), trimmed to what this API surface needs.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/scanforge/socscan/internal/apperr"
)

// WriteJSON writes data as a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// errorBody is the wire shape of every error response.
type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteError writes a plain (non-apperr) error as a JSON error body.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, errorBody{Code: http.StatusText(status), Message: message})
}

// WriteAppError writes an *apperr.Error using its code and mapped HTTP
// status (spec §7 "Error taxonomy").
func WriteAppError(w http.ResponseWriter, err error) {
	if appErr, ok := err.(*apperr.Error); ok {
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		WriteJSON(w, status, errorBody{Code: string(appErr.Code), Message: appErr.Message, Details: appErr.Details})
		return
	}
	WriteError(w, http.StatusInternalServerError, err.Error())
}

func BadRequest(w http.ResponseWriter, message string) { WriteError(w, http.StatusBadRequest, message) }
func NotFound(w http.ResponseWriter, message string)   { WriteError(w, http.StatusNotFound, message) }
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, message)
}

// DecodeJSON decodes r's body into v, writing a 400 response and returning
// false on failure.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		BadRequest(w, "malformed request body: "+err.Error())
		return false
	}
	return true
}
