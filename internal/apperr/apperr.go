// Package apperr carries the error taxonomy shared by the messaging core
// and its HTTP surface.
package apperr

import (
	"errors"
	"fmt"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is matches another *AppError by code, so sentinel values work with
// errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func Validation(msg string) error       { return New(CodeValidation, msg) }
func PermissionDenied(msg string) error { return New(CodePermissionDenied, msg) }
func Conflict(msg string) error         { return New(CodeConflict, msg) }
func NotFound(msg string) error         { return New(CodeNotFound, msg) }

func Transient(msg string, cause error) error {
	return Wrap(CodeTransientStore, msg, cause)
}

func PermanentFailure(reason error) error {
	return Wrap(CodePermanentFailure, "retry attempts exhausted", reason)
}

// CodeOf returns the code of the first AppError in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
