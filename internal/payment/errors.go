package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind separates retryable failures from final ones.
type Kind int

const (
	// Transient failures (timeouts, 5xx, rate limits) may succeed on retry.
	Transient Kind = iota + 1
	// Terminal failures (declines, invalid hold) will not.
	Terminal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Terminal:
		return "terminal"
	}
	return "unknown"
}

// Error is returned by every Gateway method on failure.
type Error struct {
	Kind    Kind
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("payment %s: %s %s", e.Op, e.Kind, e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransient builds a retryable error.
func NewTransient(op, code, msg string, err error) *Error {
	return &Error{Kind: Transient, Op: op, Code: code, Message: msg, Err: err}
}

// NewTerminal builds a final error.
func NewTerminal(op, code, msg string) *Error {
	return &Error{Kind: Terminal, Op: op, Code: code, Message: msg}
}

// IsTransient reports whether err is a retryable gateway failure. Context
// deadlines and network errors count as transient.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// IsTerminal reports whether err is a final gateway failure.
func IsTerminal(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == Terminal
}

// Code extracts the provider code, or "" when err is not an *Error.
func Code(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// classify wraps a transport-level failure as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	code := "network_error"
	if errors.Is(err, context.DeadlineExceeded) {
		code = "timeout"
	} else if errors.Is(err, context.Canceled) {
		code = "canceled"
	}
	return NewTransient(op, code, "", err)
}
