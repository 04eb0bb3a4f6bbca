// Package errors defines the coded errors that classify how a collection
// run failed. Import it as apperrors next to the standard errors package.
package errors

import (
	"errors"
	"fmt"
)

// Error codes reported in run outcomes.
const (
	CodeUnknown           = "UNKNOWN"
	CodeLockBusy          = "LOCK_BUSY"
	CodeThrottled         = "THROTTLED"
	CodeConversationFetch = "CONVERSATION_FETCH"
	CodeFetch             = "FETCH"
	CodePersistence       = "PERSISTENCE"
	CodeFatalInit         = "FATAL_INIT"
	CodeConfig            = "CONFIG"
)

// ApplicationError is implemented by every coded error.
type ApplicationError interface {
	error
	Code() string
	Unwrap() error
}

// Error is a coded error with an optional cause.
type Error struct {
	code    string
	message string
	err     error
}

// New returns a coded error.
func New(code, message string, cause error) error {
	return &Error{code: code, message: message, err: cause}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

func (e *Error) Code() string {
	return e.code
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches another coded error by code, so errors.Is(err, &Error{code: X})
// style checks work through wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.message == "" && t.err == nil && t.code == e.code
}

// Sentinels usable with errors.Is.
var (
	ErrLockBusy    = &Error{code: CodeLockBusy}
	ErrFatalInit   = &Error{code: CodeFatalInit}
	ErrFetch       = &Error{code: CodeFetch}
	ErrPersistence = &Error{code: CodePersistence}
	ErrConfig      = &Error{code: CodeConfig}
)

// Code returns the code of the first coded error in err's chain,
// or CodeUnknown if there is none.
func Code(err error) string {
	var appErr ApplicationError
	if errors.As(err, &appErr) {
		return appErr.Code()
	}
	return CodeUnknown
}

// Recoverable reports whether a run that failed with err may simply be
// retried later.
func Recoverable(err error) bool {
	switch Code(err) {
	case CodeLockBusy, CodeThrottled:
		return true
	default:
		return false
	}
}

func NewLockBusyError(message string, cause error) error {
	return New(CodeLockBusy, message, cause)
}

func NewFatalInitError(message string, cause error) error {
	return New(CodeFatalInit, message, cause)
}

func NewFetchError(message string, cause error) error {
	return New(CodeFetch, message, cause)
}

func NewConversationFetchError(message string, cause error) error {
	return New(CodeConversationFetch, message, cause)
}

func NewPersistenceError(message string, cause error) error {
	return New(CodePersistence, message, cause)
}

func NewConfigError(message string, cause error) error {
	return New(CodeConfig, message, cause)
}
