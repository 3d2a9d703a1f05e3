package apierr

import (
	"errors"
	"fmt"
)

const (
	CodeProviderUnavailable = "provider_unavailable"
	CodeProviderCallFailed  = "provider_call_failed"
	CodeNotFound            = "not_found"
	CodeValidation          = "validation_failure"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func ProviderUnavailable(provider string) *Error {
	return &Error{Status: 503, Code: CodeProviderUnavailable, Err: fmt.Errorf("provider %s unavailable: circuit open", provider)}
}

func ProviderCallFailed(provider string, err error) *Error {
	return &Error{Status: 502, Code: CodeProviderCallFailed, Err: fmt.Errorf("provider %s call failed: %w", provider, err)}
}

func NotFound(what string) *Error {
	return &Error{Status: 404, Code: CodeNotFound, Err: fmt.Errorf("%s not found", what)}
}

func Validation(err error) *Error {
	return &Error{Status: 400, Code: CodeValidation, Err: err}
}

func IsCode(err error, code string) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}
