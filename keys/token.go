// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// token.go - Access registrations and client access tokens.

package keys

import (
	"errors"
	"time"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"
)

// TokenKind identifies what a Client Access Token was issued to.
type TokenKind uint8

const (
	TokenKindApp TokenKind = iota + 1
	TokenKindIdentityConnection
	TokenKindDevice
)

const portableTokenVersion = 1

var (
	// ErrTokenMismatch is returned when a token does not belong to a
	// registration.
	ErrTokenMismatch = errors.New("keys: token does not match registration")

	// ErrRevoked is returned when using a revoked registration.
	ErrRevoked = errors.New("keys: registration is revoked")

	// ErrInvalidToken is returned when decoding a malformed token.
	ErrInvalidToken = errors.New("keys: invalid client access token")
)

// AccessRegistration is the server side half of an issued token.  Combined
// with the token's half-key it yields the Key-Store Key and the session's
// shared secret.
type AccessRegistration struct {
	ID                                  uuid.UUID   `cbor:"1,keyasint"`
	Kind                                TokenKind   `cbor:"2,keyasint"`
	Created                             time.Time   `cbor:"3,keyasint"`
	IsRevoked                           bool        `cbor:"4,keyasint"`
	ClientAccessKeyEncryptedKeyStoreKey *WrappedKey `cbor:"5,keyasint"`
	KeyStoreKeyEncryptedSharedSecret    *WrappedKey `cbor:"6,keyasint"`
}

// KeyStoreKey recovers the Key-Store Key with a bearer token.  The caller
// must wipe the returned key.
func (r *AccessRegistration) KeyStoreKey(t *ClientAccessToken) (*SymmetricKey, error) {
	if r.IsRevoked {
		return nil, ErrRevoked
	}
	if t == nil || t.ID != r.ID {
		return nil, ErrTokenMismatch
	}
	return t.HalfKey.UnwrapKey(r.ClientAccessKeyEncryptedKeyStoreKey)
}

// DecryptSharedSecret recovers the session shared secret with a bearer
// token.  The caller must wipe the returned key.
func (r *AccessRegistration) DecryptSharedSecret(t *ClientAccessToken) (*SymmetricKey, error) {
	ksk, err := r.KeyStoreKey(t)
	if err != nil {
		return nil, err
	}
	defer ksk.Wipe()
	return ksk.UnwrapKey(r.KeyStoreKeyEncryptedSharedSecret)
}

// ClientAccessToken is the bearer credential handed to a remote party.
type ClientAccessToken struct {
	ID           uuid.UUID
	Kind         TokenKind
	HalfKey      *SymmetricKey
	SharedSecret *SymmetricKey
}

type portableToken struct {
	Version      uint8     `cbor:"1,keyasint"`
	ID           uuid.UUID `cbor:"2,keyasint"`
	Kind         TokenKind `cbor:"3,keyasint"`
	HalfKey      []byte    `cbor:"4,keyasint"`
	SharedSecret []byte    `cbor:"5,keyasint"`
}

// ToPortableBytes serializes the token for transmission or storage.  The
// caller should wipe the result once it has been wrapped.
func (t *ClientAccessToken) ToPortableBytes() ([]byte, error) {
	p := &portableToken{
		Version:      portableTokenVersion,
		ID:           t.ID,
		Kind:         t.Kind,
		HalfKey:      t.HalfKey.Bytes(),
		SharedSecret: t.SharedSecret.Bytes(),
	}
	return cbor.Marshal(p)
}

// ParseClientAccessToken decodes a token produced by ToPortableBytes.
func ParseClientAccessToken(b []byte) (*ClientAccessToken, error) {
	p := new(portableToken)
	if err := cbor.Unmarshal(b, p); err != nil {
		return nil, ErrInvalidToken
	}
	defer func() {
		memguard.WipeBytes(p.HalfKey)
		memguard.WipeBytes(p.SharedSecret)
	}()
	if p.Version != portableTokenVersion || p.ID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	hk, err := NewKeyFromBytes(p.HalfKey)
	if err != nil {
		return nil, ErrInvalidToken
	}
	ss, err := NewKeyFromBytes(p.SharedSecret)
	if err != nil {
		hk.Wipe()
		return nil, ErrInvalidToken
	}
	return &ClientAccessToken{ID: p.ID, Kind: p.Kind, HalfKey: hk, SharedSecret: ss}, nil
}

type portableAuthToken struct {
	Version uint8     `cbor:"1,keyasint"`
	ID      uuid.UUID `cbor:"2,keyasint"`
	Kind    TokenKind `cbor:"3,keyasint"`
	HalfKey []byte    `cbor:"4,keyasint"`
}

// ToAuthBytes serializes the bearer part of the token, which omits the
// shared secret.
func (t *ClientAccessToken) ToAuthBytes() ([]byte, error) {
	return cbor.Marshal(&portableAuthToken{
		Version: portableTokenVersion,
		ID:      t.ID,
		Kind:    t.Kind,
		HalfKey: t.HalfKey.Bytes(),
	})
}

// ParseAuthToken decodes a bearer credential produced by ToAuthBytes.  The
// returned token has no SharedSecret.
func ParseAuthToken(b []byte) (*ClientAccessToken, error) {
	p := new(portableAuthToken)
	if err := cbor.Unmarshal(b, p); err != nil {
		return nil, ErrInvalidToken
	}
	defer memguard.WipeBytes(p.HalfKey)
	if p.Version != portableTokenVersion || p.ID == uuid.Nil {
		return nil, ErrInvalidToken
	}
	hk, err := NewKeyFromBytes(p.HalfKey)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &ClientAccessToken{ID: p.ID, Kind: p.Kind, HalfKey: hk}, nil
}

// Wipe zeroes the token's key material.
func (t *ClientAccessToken) Wipe() {
	if t == nil {
		return
	}
	t.HalfKey.Wipe()
	t.SharedSecret.Wipe()
}

// SealToken serializes t and encrypts it under key.
func SealToken(key *SymmetricKey, t *ClientAccessToken) ([]byte, error) {
	b, err := t.ToPortableBytes()
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(b)
	return key.Seal(b)
}

// OpenToken reverses SealToken.
func OpenToken(key *SymmetricKey, ciphertext []byte) (*ClientAccessToken, error) {
	b, err := key.Open(ciphertext)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(b)
	return ParseClientAccessToken(b)
}

// CreateClientAccessToken issues a new token backed by keyStoreKey.  When
// sharedSecret is nil a fresh one is generated, otherwise a copy of it is
// used so that two parties can converge on one secret.
func CreateClientAccessToken(keyStoreKey *SymmetricKey, kind TokenKind, sharedSecret *SymmetricKey) (*AccessRegistration, *ClientAccessToken, error) {
	if keyStoreKey == nil {
		return nil, nil, ErrNilKey
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, nil, err
	}
	halfKey, err := NewRandomKey()
	if err != nil {
		return nil, nil, err
	}
	var ss *SymmetricKey
	if sharedSecret != nil {
		ss = sharedSecret.Clone()
	} else if ss, err = NewRandomKey(); err != nil {
		halfKey.Wipe()
		return nil, nil, err
	}
	t := &ClientAccessToken{ID: id, Kind: kind, HalfKey: halfKey, SharedSecret: ss}

	r := &AccessRegistration{
		ID:      id,
		Kind:    kind,
		Created: time.Now().UTC(),
	}
	if r.ClientAccessKeyEncryptedKeyStoreKey, err = halfKey.WrapKey(keyStoreKey); err != nil {
		t.Wipe()
		return nil, nil, err
	}
	if r.KeyStoreKeyEncryptedSharedSecret, err = keyStoreKey.WrapKey(ss); err != nil {
		t.Wipe()
		return nil, nil, err
	}
	return r, t, nil
}
