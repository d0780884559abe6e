package connector

import (
	"context"
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

const (
	ErrCodeConcurrencyConflict = "CONNECTOR_CONCURRENCY_CONFLICT"
	ErrCodeNotFound            = "CONNECTOR_NOT_FOUND"
	ErrCodeValidation          = "CONNECTOR_VALIDATION_FAILED"
	ErrCodeTransport           = "CONNECTOR_TRANSPORT_FAILED"
	ErrCodeNack                = "CONNECTOR_NACK"
	ErrCodeInvalidTransition   = "CONNECTOR_INVALID_TRANSITION"
	ErrCodePolicyDenied        = "CONNECTOR_POLICY_DENIED"
	ErrCodeStoreUnavailable    = "CONNECTOR_STORE_UNAVAILABLE"
)

var (
	ErrConcurrencyConflict = apperrors.New("concurrency conflict", apperrors.CategoryConflict).
				WithTextCode(ErrCodeConcurrencyConflict)
	ErrNotFound = apperrors.New("entity not found", apperrors.CategoryNotFound).
			WithTextCode(ErrCodeNotFound)
	ErrValidation = apperrors.New("validation failed", apperrors.CategoryValidation).
			WithTextCode(ErrCodeValidation)
	ErrTransport = apperrors.New("transport failed", apperrors.CategoryExternal).
			WithTextCode(ErrCodeTransport)
	ErrNack = apperrors.New("message rejected by counter-party", apperrors.CategoryExternal).
		WithTextCode(ErrCodeNack)
	ErrInvalidTransition = apperrors.New("invalid transition", apperrors.CategoryBadInput).
				WithTextCode(ErrCodeInvalidTransition)
	ErrPolicyDenied = apperrors.New("policy denied", apperrors.CategoryAuthz).
			WithTextCode(ErrCodePolicyDenied)
	ErrStoreUnavailable = apperrors.New("store not configured", apperrors.CategoryInternal).
				WithTextCode(ErrCodeStoreUnavailable)
)

// NewError clones base with a specific message, cause and metadata.
func NewError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrValidation
	}
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// Conflict is shorthand for a concurrency conflict on entity id.
func Conflict(id, reason string) *apperrors.Error {
	return NewError(ErrConcurrencyConflict, reason, nil, map[string]any{"entity_id": id})
}

// Validation is shorthand for a caller error.
func Validation(message string, metadata map[string]any) *apperrors.Error {
	return NewError(ErrValidation, message, nil, metadata)
}

// Transport wraps a dispatch failure so managers treat it as recoverable.
func Transport(message string, source error) *apperrors.Error {
	return NewError(ErrTransport, message, source, nil)
}

// ErrorCode returns the first non empty text code found in the chain. Wrapping
// go-errors values without a code are looked through.
func ErrorCode(err error) string {
	for err != nil {
		var ge *apperrors.Error
		if !stderrors.As(err, &ge) {
			return ""
		}
		if ge.TextCode != "" {
			return ge.TextCode
		}
		err = ge.Source
	}
	return ""
}

func IsConflict(err error) bool {
	return ErrorCode(err) == ErrCodeConcurrencyConflict
}

func IsNotFound(err error) bool {
	return ErrorCode(err) == ErrCodeNotFound
}

func IsValidation(err error) bool {
	return ErrorCode(err) == ErrCodeValidation
}

// IsTransport matches transport failures and counter-party nacks.
func IsTransport(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeTransport, ErrCodeNack:
		return true
	}
	return false
}

func IsInvalidTransition(err error) bool {
	return ErrorCode(err) == ErrCodeInvalidTransition
}

func IsPolicyDenied(err error) bool {
	return ErrorCode(err) == ErrCodePolicyDenied
}

// IsRecoverable reports whether a transition failure should leave the entity
// in place for another attempt.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if IsTransport(err) || IsConflict(err) {
		return true
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}
