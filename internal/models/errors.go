package models

import "errors"

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrValidation     = errors.New("invalid request")
	ErrPersistence    = errors.New("persistence failed")
	ErrNotFound       = errors.New("not found")
	ErrTransport      = errors.New("transport failed")
)

type ErrorCode string

const (
	ErrorCodeAuthentication ErrorCode = "authentication"
	ErrorCodeValidation     ErrorCode = "validation"
	ErrorCodePersistence    ErrorCode = "persistence"
	ErrorCodeNotFound       ErrorCode = "not_found"
	ErrorCodeTransport      ErrorCode = "transport"
	ErrorCodeInternal       ErrorCode = "internal"
)

// CodeOf maps an error to the code reported in outbound error events.
func CodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrAuthentication):
		return ErrorCodeAuthentication
	case errors.Is(err, ErrValidation):
		return ErrorCodeValidation
	case errors.Is(err, ErrPersistence):
		return ErrorCodePersistence
	case errors.Is(err, ErrNotFound):
		return ErrorCodeNotFound
	case errors.Is(err, ErrTransport):
		return ErrorCodeTransport
	}
	return ErrorCodeInternal
}
