package types

import (
	"errors"
	"net/http"
)

// Failure classes returned by the card core. Callers classify with errors.Is;
// the core wraps them with context via fmt.Errorf("...: %w", ...).
var (
	ErrDeviceNotFound   = errors.New("device not found")
	ErrResourceConflict = errors.New("resource already claimed")
	ErrIOFault          = errors.New("caller buffer fault")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrUnsupported      = errors.New("unsupported")
)

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewErrorResponse builds a consistent API error payload.
// details can be string, map, struct, etc.
func NewErrorResponse(code, message string, details any) ErrorResponse {
	return ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// Classify maps a card error to an HTTP status and an API error code.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		return http.StatusNotFound, "CARD_404"
	case errors.Is(err, ErrResourceConflict):
		return http.StatusConflict, "CARD_409"
	case errors.Is(err, ErrIOFault):
		return http.StatusBadRequest, "CARD_IOFAULT"
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest, "CARD_400"
	case errors.Is(err, ErrInvalidOperation):
		return http.StatusUnprocessableEntity, "CARD_422"
	case errors.Is(err, ErrUnsupported):
		return http.StatusNotImplemented, "CARD_501"
	default:
		return http.StatusInternalServerError, "CARD_500"
	}
}
