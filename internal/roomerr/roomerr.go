// internal/roomerr/roomerr.go
package roomerr

import (
	"errors"
	"fmt"
)

// Code identifies a room-service failure class. Codes are stable strings so
// clients can branch on them without parsing messages.
type Code string

const (
	CodeRoomNotFound      Code = "ROOM_NOT_FOUND"
	CodeRoomInProgress    Code = "ROOM_IN_PROGRESS"
	CodeRoomCodeExhausted Code = "ROOM_CODE_EXHAUSTED"
	CodeStartPrecondition Code = "START_PRECONDITION_FAILED"
	CodeGameNotActive     Code = "GAME_NOT_ACTIVE"
	CodeNotHost           Code = "NOT_HOST"
	CodeStoreUnavailable  Code = "STORE_UNAVAILABLE"
)

// Error carries a Code plus a human-readable message. Use errors.Is with the
// sentinel values below; the Code survives wrapping.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Code, so sentinel comparison works.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New builds an Error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return &Error{Code: code}
	}
	return &Error{Code: code, Msg: err.Error(), Err: err}
}

// Sentinels for errors.Is checks.
var (
	ErrRoomNotFound      = &Error{Code: CodeRoomNotFound}
	ErrRoomInProgress    = &Error{Code: CodeRoomInProgress}
	ErrRoomCodeExhausted = &Error{Code: CodeRoomCodeExhausted}
	ErrStartPrecondition = &Error{Code: CodeStartPrecondition}
	ErrGameNotActive     = &Error{Code: CodeGameNotActive}
	ErrNotHost           = &Error{Code: CodeNotHost}
	ErrStoreUnavailable  = &Error{Code: CodeStoreUnavailable}
)

// CodeOf extracts the Code from err, or empty string if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
