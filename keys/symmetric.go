// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// symmetric.go - Symmetric keys and key wrapping.

package keys

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the size of every symmetric key in bytes.
	KeySize = 32

	nonceSize = 24
)

var (
	// ErrInvalidKeySize is returned when key material has the wrong length.
	ErrInvalidKeySize = errors.New("keys: invalid key size")

	// ErrUnwrapFailed is returned when a ciphertext does not authenticate
	// under the given key.
	ErrUnwrapFailed = errors.New("keys: failed to unwrap")

	// ErrNilKey is returned when a required key is absent.
	ErrNilKey = errors.New("keys: nil key")
)

// SymmetricKey is sensitive key material.  Owners must call Wipe on every
// exit path once the key is no longer needed; using a wiped key panics.
type SymmetricKey struct {
	b     []byte
	wiped bool
}

// NewRandomKey returns a fresh random key.
func NewRandomKey() (*SymmetricKey, error) {
	b := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return &SymmetricKey{b: b}, nil
}

// NewKeyFromBytes copies b into a new key.  The caller remains responsible
// for wiping b.
func NewKeyFromBytes(b []byte) (*SymmetricKey, error) {
	if len(b) != KeySize {
		return nil, ErrInvalidKeySize
	}
	k := &SymmetricKey{b: make([]byte, KeySize)}
	copy(k.b, b)
	return k, nil
}

// Bytes returns the raw key material.  The slice aliases the key and is
// zeroed by Wipe.
func (k *SymmetricKey) Bytes() []byte {
	k.mustBeAlive()
	return k.b
}

// Clone returns an independent copy of the key.
func (k *SymmetricKey) Clone() *SymmetricKey {
	k.mustBeAlive()
	c, _ := NewKeyFromBytes(k.b)
	return c
}

// Equal compares two keys in constant time.
func (k *SymmetricKey) Equal(other *SymmetricKey) bool {
	if k == nil || other == nil || k.wiped || other.wiped {
		return false
	}
	return subtle.ConstantTimeCompare(k.b, other.b) == 1
}

// Wipe zeroes the key material.  It is safe to call on a nil key and more
// than once.
func (k *SymmetricKey) Wipe() {
	if k == nil {
		return
	}
	memguard.WipeBytes(k.b)
	k.wiped = true
}

// IsWiped returns true once Wipe was called.
func (k *SymmetricKey) IsWiped() bool {
	return k == nil || k.wiped
}

func (k *SymmetricKey) mustBeAlive() {
	if k == nil || k.wiped || len(k.b) != KeySize {
		panic("BUG: keys: use of nil, wiped or corrupted key")
	}
}

func (k *SymmetricKey) array() *[KeySize]byte {
	k.mustBeAlive()
	return (*[KeySize]byte)(k.b)
}

// Seal encrypts and authenticates plaintext under k.  The random nonce is
// prepended to the returned ciphertext.
func (k *SymmetricKey) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, k.array()), nil
}

// Open authenticates and decrypts a ciphertext produced by Seal.
func (k *SymmetricKey) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < nonceSize+secretbox.Overhead {
		return nil, ErrUnwrapFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	plaintext, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, k.array())
	if !ok {
		return nil, ErrUnwrapFailed
	}
	return plaintext, nil
}

// WrappedKey is a symmetric key encrypted under another symmetric key.
type WrappedKey struct {
	Ciphertext []byte `cbor:"1,keyasint"`
}

// WrapKey encrypts other under k.
func (k *SymmetricKey) WrapKey(other *SymmetricKey) (*WrappedKey, error) {
	if other == nil {
		return nil, ErrNilKey
	}
	ct, err := k.Seal(other.Bytes())
	if err != nil {
		return nil, err
	}
	return &WrappedKey{Ciphertext: ct}, nil
}

// UnwrapKey decrypts a key wrapped under k.
func (k *SymmetricKey) UnwrapKey(w *WrappedKey) (*SymmetricKey, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: missing wrapped key", ErrUnwrapFailed)
	}
	b, err := k.Open(w.Ciphertext)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(b)
	return NewKeyFromBytes(b)
}

// WipeAll wipes every key, skipping nils.
func WipeAll(ks ...*SymmetricKey) {
	for _, k := range ks {
		k.Wipe()
	}
}
