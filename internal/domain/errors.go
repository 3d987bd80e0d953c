package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// FetchKind classifies why fetching slots failed. The poll loop picks its
// recovery policy from the kind, never from the error text.
type FetchKind int

const (
	// FetchUnknown covers malformed responses, unexpected schemas and
	// anything not recognised as transient or auth.
	FetchUnknown FetchKind = iota
	// FetchTransient means the portal is temporarily unavailable
	// (maintenance, rate limiting, gateway errors, timeouts).
	FetchTransient
	// FetchAuth means the session or token is no longer accepted.
	FetchAuth
)

// String returns the metric/log label for the kind.
func (k FetchKind) String() string {
	switch k {
	case FetchTransient:
		return "transient"
	case FetchAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// FetchError is returned by fetchers for any failed portal interaction.
type FetchError struct {
	Kind   FetchKind
	Op     string // e.g. "terms", "token", "login"
	Status int    // HTTP status, 0 when no response was received
	Err    error
}

// NewFetchError builds a FetchError.
func NewFetchError(kind FetchKind, op string, status int, err error) *FetchError {
	return &FetchError{Kind: kind, Op: op, Status: status, Err: err}
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf classifies err. Tagged FetchErrors keep their kind; deadlines and
// network timeouts are transient; everything else is unknown.
func KindOf(err error) FetchKind {
	if err == nil {
		return FetchUnknown
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FetchTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return FetchTransient
	}
	return FetchUnknown
}
