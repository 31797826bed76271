// Package wserr defines the stable client-facing error codes and the
// internal error type that carries them, mirrored from the gateway's
// original WsPrismError/ClientCode pairing.
package wserr

import (
	"errors"
	"fmt"
)

// Code is a stable, client-visible error code. These strings appear
// verbatim in sys.error payloads and must never change once shipped.
type Code string

const (
	BadRequest         Code = "BAD_REQUEST"
	AuthFailed         Code = "AUTH_FAILED"
	RateLimited        Code = "RATE_LIMITED"
	PayloadTooLarge    Code = "PAYLOAD_TOO_LARGE"
	NotAllowed         Code = "NOT_ALLOWED"
	UnsupportedVersion Code = "UNSUPPORTED_VERSION"
	Internal           Code = "INTERNAL"
	TooManySessions    Code = "TOO_MANY_SESSIONS"
	Timeout            Code = "TIMEOUT"
)

// Error is the unified error type returned by every fallible core operation.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// New builds an Error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// As extracts a *Error from err, following the wrapping chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns err's client code, or Internal if err is not a *Error.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return Internal
}
