package issuer

import (
	"errors"
	"net/http"

	"github.com/ParichayaHQ/issuer/internal/statuslist"
	"github.com/ParichayaHQ/issuer/internal/store"
	"github.com/ParichayaHQ/issuer/internal/vc"
)

// ErrorType names the API error classes. The value is serialized as
// data.type in error responses.
type ErrorType string

const (
	TypeValidationError     ErrorType = "ValidationError"
	TypeDataError           ErrorType = "DataError"
	TypeDuplicateError      ErrorType = "DuplicateError"
	TypeNotAllowedError     ErrorType = "NotAllowedError"
	TypeInvalidStateError   ErrorType = "InvalidStateError"
	TypeNotFoundError       ErrorType = "NotFoundError"
	TypeQuotaExceededError  ErrorType = "QuotaExceededError"
	TypeInternalServerError ErrorType = "InternalServerError"
)

// Error is the issuer API error envelope
type Error struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error class to its response status
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidationError, TypeDataError:
		return http.StatusBadRequest
	case TypeNotAllowedError:
		return http.StatusForbidden
	case TypeNotFoundError:
		return http.StatusNotFound
	case TypeDuplicateError, TypeInvalidStateError:
		return http.StatusConflict
	case TypeQuotaExceededError:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates an error of the given class
func NewError(errType ErrorType, message string) *Error {
	return &Error{Type: errType, Message: message}
}

// NewErrorWithCause creates an error of the given class wrapping a cause
func NewErrorWithCause(errType ErrorType, message string, cause error) *Error {
	return &Error{Type: errType, Message: message, Cause: cause}
}

// AsError classifies err into the API taxonomy. Already classified errors
// pass through; storage and status list errors map by kind; everything
// else is internal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case statuslist.IsQuotaExceeded(err):
		return NewErrorWithCause(TypeQuotaExceededError, "status list capacity exhausted", err)
	case store.IsExists(err):
		return NewErrorWithCause(TypeDuplicateError, "credential already exists", err)
	case store.IsNotFound(err):
		return NewErrorWithCause(TypeNotFoundError, "not found", err)
	case statuslist.IsAllocatorMismatch(err):
		return NewErrorWithCause(TypeValidationError, "index allocator mismatch", err)
	}

	var vcErr *vc.VCError
	if errors.As(err, &vcErr) {
		switch vcErr.Code {
		case vc.ErrorInvalidCredential, vc.ErrorUnknownTerm, vc.ErrorInvalidContext:
			return NewErrorWithCause(TypeDataError, vcErr.Message, err)
		case vc.ErrorInvalidType, vc.ErrorInvalidOptions:
			return NewErrorWithCause(TypeValidationError, vcErr.Message, err)
		}
	}

	return NewErrorWithCause(TypeInternalServerError, "internal error", err)
}
