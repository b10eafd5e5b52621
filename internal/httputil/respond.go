// Package httputil provides JSON response helpers and pagination metadata
// for the HTTP surface.
package httputil

import (
	"encoding/json"
	"net/http"

	svcerr "github.com/jobforge/appcatalog/internal/errors"
)

// Pagination describes the window of a list response.
type Pagination struct {
	RecordCount    int    `json:"recordCount"`
	RecordLimit    int    `json:"recordLimit"`
	RecordsSkipped int    `json:"recordsSkipped"`
	OrderBy        string `json:"orderBy"`
	StartAfter     string `json:"startAfter"`
	TotalCount     int    `json:"totalCount"`
}

// ListResponse is the envelope for list endpoints.
type ListResponse struct {
	Result   interface{} `json:"result"`
	Metadata Pagination  `json:"metadata"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// WriteJSON serializes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err as a structured error body, mapping ServiceError
// codes onto HTTP status; anything else becomes a 500.
func WriteError(w http.ResponseWriter, err error) {
	se := svcerr.GetServiceError(err)
	if se == nil {
		se = svcerr.Internal("internal server error", err)
	}
	WriteJSON(w, se.HTTPStatus, errorBody{Error: errorDetail{
		Code:    string(se.Code),
		Message: se.Message,
		Details: se.Details,
	}})
}

// WriteErrorResponse renders an explicit error without a ServiceError value.
func WriteErrorResponse(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	WriteJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message, Details: details}})
}

// Unauthorized writes a 401 with an optional message.
func Unauthorized(w http.ResponseWriter, message string) {
	if message == "" {
		message = "unauthorized"
	}
	WriteErrorResponse(w, http.StatusUnauthorized, string(svcerr.CodeUnauthorized), message, nil)
}

// DecodeJSON decodes a request body, rejecting unknown fields is left to the
// caller since PATCH bodies are intentionally sparse.
func DecodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return svcerr.InvalidArgument("malformed JSON body").WithDetails("cause", err.Error())
	}
	return nil
}
