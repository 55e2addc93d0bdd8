// Package errors provides structured error handling for the cargo service.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Submission errors
	CodeValidation Code = "VALIDATION"
	CodeFetch      Code = "FETCH"
	CodeDecode     Code = "DECODE"
	CodePersist    Code = "PERSIST"

	// Realtime errors
	CodeDelivery Code = "DELIVERY"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeDecode:
		return http.StatusUnprocessableEntity
	case CodeFetch:
		return http.StatusBadGateway
	case CodeNotFound:
		return http.StatusNotFound
	default:
		// PERSIST and DELIVERY collapse into a generic server failure.
		return http.StatusInternalServerError
	}
}
