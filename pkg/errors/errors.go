package errors

import (
	"errors"
)

type Code string

const (
	CodeAuthenticationFailed Code = "authentication_failed"
	CodeUnauthorized         Code = "unauthorized"
	CodeSecretNotFound       Code = "secret_not_found"
	CodeValidationFailed     Code = "validation_failed"
)

const (
	CodeUnknown          Code = "unknown"
	CodeStoreUnavailable Code = "store_unavailable"
	CodeInvalidConfig    Code = "invalid_config"
)

var (
	ErrMissingStore = errors.New("vaultagent: secret store is required")
	ErrClosed       = errors.New("vaultagent: client is closed")
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	if e.Message != "" {
		return e.Message
	}

	if e.Err != nil {
		return e.Err.Error()
	}

	return string(e.Code)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func IsCode(err error, code Code) bool {
	var typed *Error
	if !errors.As(err, &typed) {
		return false
	}
	return typed.Code == code
}

// IsRetryable reports whether a store failure is transient and worth
// retrying on a later attempt rather than being surfaced as permanent.
func IsRetryable(err error) bool {
	return IsCode(err, CodeStoreUnavailable) || IsCode(err, CodeUnknown)
}
