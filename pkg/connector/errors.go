package connector

import (
	"errors"
)

// ErrSessionClosed is returned by sessions and sinks used after Close.
var ErrSessionClosed = errors.New("session closed")

// ConnectError means the stream session could not be established. It is fatal.
type ConnectError struct {
	Stage string
	Err   error
}

func (e *ConnectError) Error() string {
	if e == nil {
		return "connect failed"
	}
	msg := "connect failed"
	if e.Stage != "" {
		msg += " during " + e.Stage
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DecodeError means a payload was not valid structured text.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "decode failed"
	}
	msg := "decode failed"
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WriteError means a record could not be persisted.
type WriteError struct {
	Category Category
	Name     string
	Err      error
}

func (e *WriteError) Error() string {
	if e == nil {
		return "write failed"
	}
	msg := "write failed"
	if e.Category != "" {
		msg += " category=" + string(e.Category)
	}
	if e.Name != "" {
		msg += " name=" + e.Name
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *WriteError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// AsConnectError extracts a ConnectError from an error chain.
func AsConnectError(err error) (*ConnectError, bool) {
	var target *ConnectError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// AsDecodeError extracts a DecodeError from an error chain.
func AsDecodeError(err error) (*DecodeError, bool) {
	var target *DecodeError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// AsWriteError extracts a WriteError from an error chain.
func AsWriteError(err error) (*WriteError, bool) {
	var target *WriteError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
