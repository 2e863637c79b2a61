package event

import (
	"errors"
	"fmt"
)

// Code classifies every error a handler can return to a connection.
type Code string

const (
	CodeValidation    Code = "validation_error"
	CodeAuthorization Code = "authorization_error"
	CodeNotFound      Code = "not_found"
	CodeProvider      Code = "provider_error"
	CodeConflict      Code = "concurrency_conflict"
	CodeTimeout       Code = "timeout_error"
	CodeSessionEnded  Code = "session_ended"
	CodeInternal      Code = "internal_error"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf maps any error to its wire code, defaulting to internal_error so
// nothing leaves a handler unclassified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// AsEnvelope converts any error into an error envelope for the wire.
func AsEnvelope(err error) Envelope {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: CodeInternal, Message: err.Error()}
	}
	return MustMake(TypeError, e)
}
