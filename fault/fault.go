// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// fault.go - Error classification.

// Package fault classifies errors returned by the core so that callers can
// tell bad input from security violations, network trouble and broken
// protocol state without parsing strings.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the class of a failure.
type Kind uint8

const (
	// Unknown is reported for errors that were never classified.
	Unknown Kind = iota

	// Client is bad input: self connection, missing fields, malformed
	// identities, requests to blocked identities.  Nothing was mutated.
	Client

	// Security is a failed permission or key material assertion.
	Security

	// Network is a delivery failure that survived the single retry.
	Network

	// Consistency is protocol state that no longer lines up, such as a
	// reply for a request that does not exist.
	Consistency

	// Transfer is a classified outbox delivery failure.
	Transfer
)

// String returns the textual kind name.
func (k Kind) String() string {
	switch k {
	case Client:
		return "client"
	case Security:
		return "security"
	case Network:
		return "network"
	case Consistency:
		return "consistency"
	case Transfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s fault: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s fault: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind and the name of the failing operation.  A nil err
// yields nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Clientf returns a Client fault with a formatted message.
func Clientf(op, format string, args ...any) error {
	return &Error{Kind: Client, Op: op, Err: fmt.Errorf(format, args...)}
}

// Securityf returns a Security fault with a formatted message.
func Securityf(op, format string, args ...any) error {
	return &Error{Kind: Security, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is returns true if err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
