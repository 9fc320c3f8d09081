// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// identity.go - Federated host identities.

// Package identity implements the domain name shaped identifiers of
// federated identity hosts.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

// MaxLength is the maximum length of an identity in its ASCII form.
const MaxLength = 253

// ErrInvalid is returned for identities that are not valid domain names.
var ErrInvalid = errors.New("identity: invalid domain name")

// Identity is the globally unique name of a host.  The zero value is the
// empty identity, which is never valid.
type Identity string

// Parse normalizes s to its lowercase ASCII form and validates it.
func Parse(s string) (Identity, error) {
	ascii, err := idna.Lookup.ToASCII(strings.TrimSuffix(strings.TrimSpace(s), "."))
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	ascii = strings.ToLower(ascii)
	if len(ascii) == 0 || len(ascii) > MaxLength {
		return "", fmt.Errorf("%w: %q: bad length", ErrInvalid, s)
	}
	labels := strings.Split(ascii, ".")
	if len(labels) < 2 {
		return "", fmt.Errorf("%w: %q: needs at least two labels", ErrInvalid, s)
	}
	for _, l := range labels {
		if l == "" || len(l) > 63 {
			return "", fmt.Errorf("%w: %q: bad label", ErrInvalid, s)
		}
	}
	return Identity(ascii), nil
}

// MustParse is like Parse but panics on error.  It is meant for constants
// and tests.
func MustParse(s string) Identity {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the identity as a string.
func (id Identity) String() string {
	return string(id)
}

// IsZero returns true for the empty identity.
func (id Identity) IsZero() bool {
	return id == ""
}

// Validate checks an already constructed identity, e.g. one decoded from a
// wire message.
func (id Identity) Validate() error {
	parsed, err := Parse(string(id))
	if err != nil {
		return err
	}
	if parsed != id {
		return fmt.Errorf("%w: %q is not normalized", ErrInvalid, string(id))
	}
	return nil
}
