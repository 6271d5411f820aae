package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNoCommandChannel is returned by RunCommand on providers whose
// instances are reached over a shell channel instead.
var ErrNoCommandChannel = errors.New("provider: no command channel, use the remote shell")

// ErrNotFound is returned when the requested instance does not exist.
var ErrNotFound = errors.New("provider: instance not found")

// ErrorKind classifies provider API failures so callers can decide
// between retrying, failing, and surfacing a billing problem.
type ErrorKind int

const (
	// Transient covers timeouts, rate limits, and resource locks. Safe to
	// retry with backoff.
	Transient ErrorKind = iota

	// Terminal covers invalid credentials and bad parameters. Retrying
	// cannot help.
	Terminal

	// Billing covers quota and payment-method blocks. Surfaced as a
	// distinct setup status so the user can self-serve a fix.
	Billing
)

// Error is a classified provider API failure.
type Error struct {
	Kind ErrorKind
	Op   string

	// InstanceType is set on Billing errors: the size class that the
	// account is not allowed to launch.
	InstanceType string

	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewTransient wraps err as a retryable provider failure.
func NewTransient(op string, err error) *Error {
	return &Error{Kind: Transient, Op: op, Err: err}
}

// NewTerminal wraps err as a non-retryable provider failure.
func NewTerminal(op string, err error) *Error {
	return &Error{Kind: Terminal, Op: op, Err: err}
}

// NewBilling wraps err as a payment-method block for the given size class.
func NewBilling(op, instanceType string, err error) *Error {
	return &Error{Kind: Billing, Op: op, InstanceType: instanceType, Err: err}
}

// IsTransient reports whether err is a retryable provider failure.
// Unclassified network-level failures count as transient.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// IsBilling reports whether err is a payment-method block.
func IsBilling(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == Billing
}

// BillingType returns the offending size class from a billing error, or
// "" when err is not one.
func BillingType(err error) string {
	var pe *Error
	if errors.As(err, &pe) && pe.Kind == Billing {
		return pe.InstanceType
	}
	return ""
}

// IsNotFound reports whether err means the instance does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// looksLikeTimeout is a last-resort textual check for SDK errors that
// reach us unclassified.
func looksLikeTimeout(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}
