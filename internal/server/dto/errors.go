// Package dto defines the HTTP API request and response types.
//
// Every error response has the same shape:
//
//	{"status": "error", "errorName": "<Kind>", "errorMessage": "<message>"}
//
// where the HTTP status code is the kind's status code.
package dto

import (
	stderrors "errors"
	"net/http"

	"github.com/hooktable/hooktable/internal/errors"
)

// StatusError is the status of every error response.
const StatusError = "error"

// ErrorResponse is the standard API error response.
type ErrorResponse struct {
	Status       string      `json:"status"`
	ErrorName    errors.Kind `json:"errorName"`
	ErrorMessage string      `json:"errorMessage"`
}

// NewErrorResponse returns the status code and body for err. Errors without a
// kind are reported as a generic internal error.
func NewErrorResponse(err error) (int, ErrorResponse) {
	var mbe *http.MaxBytesError
	if stderrors.As(err, &mbe) {
		return http.StatusRequestEntityTooLarge, ErrorResponse{
			Status:       StatusError,
			ErrorName:    errors.KindMissingField,
			ErrorMessage: "Request body too large",
		}
	}
	statusCode := http.StatusInternalServerError
	var ews errors.ErrorWithStatus
	if stderrors.As(err, &ews) {
		statusCode = ews.StatusCode()
	}
	kind, msg := errors.Public(err)
	return statusCode, ErrorResponse{Status: StatusError, ErrorName: kind, ErrorMessage: msg}
}
