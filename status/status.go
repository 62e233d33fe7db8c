// Package status defines the closed set of terminal outcomes a call can
// resolve to, and the error type that carries them to the caller.
package status

import (
	"errors"
	"fmt"
)

// Code identifies the terminal outcome of a call. Every call resolves to
// exactly one Code.
type Code uint8

const (
	// Ok means the call completed and the peer reported success.
	Ok Code = iota
	// Cancelled means the caller abandoned the call before completion.
	Cancelled
	// DeadlineExceeded means the call's deadline elapsed before a terminal
	// outcome was observed.
	DeadlineExceeded
	// Unavailable means a transport-level failure: the connection dropped,
	// could not be established, or ran out of stream ids.
	Unavailable
	// Internal means a codec or protocol violation on an otherwise healthy
	// connection.
	Internal
)

func (c Code) String() string {
	switch c {
	case Ok:
		return "Ok"
	case Cancelled:
		return "Cancelled"
	case DeadlineExceeded:
		return "DeadlineExceeded"
	case Unavailable:
		return "Unavailable"
	case Internal:
		return "Internal"
	default:
		return fmt.Sprintf("Code(%d)", uint8(c))
	}
}

// Status is the terminal outcome of a call. The zero value is Ok with no
// message.
type Status struct {
	code Code
	msg  string
	err  error
}

// New constructs a Status from a code and message.
func New(c Code, msg string) *Status {
	return &Status{code: c, msg: msg}
}

// Newf constructs a Status from a code and a format string.
func Newf(c Code, format string, a ...interface{}) *Status {
	return New(c, fmt.Sprintf(format, a...))
}

// WrapErr constructs a Status that retains the causing error for
// errors.Is/As inspection.
func WrapErr(c Code, err error) *Status {
	if err == nil {
		return New(c, "")
	}
	return &Status{code: c, msg: err.Error(), err: err}
}

func (s *Status) Code() Code {
	if s == nil {
		return Ok
	}
	return s.code
}

func (s *Status) Message() string {
	if s == nil {
		return ""
	}
	return s.msg
}

// Err returns an error carrying this status, or nil if the code is Ok.
func (s *Status) Err() error {
	if s.Code() == Ok {
		return nil
	}
	return &Error{status: s}
}

func (s *Status) String() string {
	if s.Message() == "" {
		return s.Code().String()
	}
	return fmt.Sprintf("%v: %v", s.Code(), s.Message())
}

// Error wraps a non-Ok Status as an error.
type Error struct {
	status *Status
}

func (e *Error) Error() string {
	return "rpc status " + e.status.String()
}

func (e *Error) Status() *Status { return e.status }

func (e *Error) Unwrap() error { return e.status.err }

// FromError extracts the Status from an error produced by Err. A nil error
// yields Ok. Errors with no embedded status are classified Internal, so
// callers always observe a member of the closed taxonomy.
func FromError(err error) *Status {
	if err == nil {
		return New(Ok, "")
	}
	var se *Error
	if errors.As(err, &se) {
		return se.status
	}
	return WrapErr(Internal, err)
}

// CodeOf is shorthand for FromError(err).Code().
func CodeOf(err error) Code {
	return FromError(err).Code()
}
