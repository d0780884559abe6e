package connector

import (
	"net/http"
	"strings"
)

const (
	GRPCCodeAborted            = "Aborted"
	GRPCCodeFailedPrecondition = "FailedPrecondition"
	GRPCCodeInternal           = "Internal"
	GRPCCodeInvalidArgument    = "InvalidArgument"
	GRPCCodeNotFound           = "NotFound"
	GRPCCodePermissionDenied   = "PermissionDenied"
	GRPCCodeUnavailable        = "Unavailable"
)

const errCodeInternal = "CONNECTOR_INTERNAL"

// ErrorMapping pairs a connector error code with protocol level codes.
type ErrorMapping struct {
	Code       string
	HTTPStatus int
	GRPCCode   string
	Retryable  bool
}

// ErrorEnvelope is the JSON error body returned to counter-parties and API callers.
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MapError maps connector errors to HTTP and gRPC codes.
func MapError(err error) ErrorMapping {
	code := strings.TrimSpace(ErrorCode(err))

	switch code {
	case ErrCodeConcurrencyConflict:
		return ErrorMapping{Code: code, HTTPStatus: http.StatusConflict, GRPCCode: GRPCCodeAborted, Retryable: true}
	case ErrCodeNotFound:
		return ErrorMapping{Code: code, HTTPStatus: http.StatusNotFound, GRPCCode: GRPCCodeNotFound}
	case ErrCodeValidation:
		return ErrorMapping{Code: code, HTTPStatus: http.StatusBadRequest, GRPCCode: GRPCCodeInvalidArgument}
	case ErrCodeInvalidTransition:
		return ErrorMapping{Code: code, HTTPStatus: http.StatusConflict, GRPCCode: GRPCCodeFailedPrecondition}
	case ErrCodePolicyDenied:
		return ErrorMapping{Code: code, HTTPStatus: http.StatusForbidden, GRPCCode: GRPCCodePermissionDenied}
	case ErrCodeTransport, ErrCodeNack:
		return ErrorMapping{Code: code, HTTPStatus: http.StatusBadGateway, GRPCCode: GRPCCodeUnavailable, Retryable: true}
	default:
		return ErrorMapping{Code: errCodeInternal, HTTPStatus: http.StatusInternalServerError, GRPCCode: GRPCCodeInternal}
	}
}

// HTTPStatusForError returns the mapped HTTP status.
func HTTPStatusForError(err error) int {
	return MapError(err).HTTPStatus
}

// EnvelopeForError builds the JSON error body for err, nil for nil.
func EnvelopeForError(err error) *ErrorEnvelope {
	if err == nil {
		return nil
	}
	return &ErrorEnvelope{
		Code:    MapError(err).Code,
		Message: err.Error(),
	}
}
