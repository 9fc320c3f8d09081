// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// envelope.go - Public key and shared secret envelopes.

package keys

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/awnumar/memguard"
	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/hkdf"
)

const (
	// FingerprintSize is the size of a public key fingerprint.
	FingerprintSize = 32

	kemEnvelopeInfo = "circlehost/v1/kem-envelope"
)

var (
	// ErrSchemeMismatch is returned when an envelope was sealed with a
	// different KEM scheme than the key it is opened with.
	ErrSchemeMismatch = errors.New("keys: kem scheme mismatch")

	// ErrStaleKey is returned when an envelope was sealed to a public key
	// other than the current one.
	ErrStaleKey = errors.New("keys: envelope sealed to a stale public key")

	// ErrOpenFailed is returned when an envelope fails to authenticate.
	ErrOpenFailed = errors.New("keys: failed to open envelope")

	// ErrUnknownScheme is returned for an unsupported KEM scheme name.
	ErrUnknownScheme = errors.New("keys: unknown kem scheme")
)

// Fingerprint identifies a KEM public key.
type Fingerprint [FingerprintSize]byte

// FingerprintOf returns the fingerprint of pk.
func FingerprintOf(pk kem.PublicKey) Fingerprint {
	return Fingerprint(hash.Sum256From(pk))
}

// SchemeByName resolves a KEM scheme.
func SchemeByName(name string) (kem.Scheme, error) {
	s := schemes.ByName(name)
	if s == nil {
		return nil, ErrUnknownScheme
	}
	return s, nil
}

// SealedBox is a payload sealed to a recipient's KEM public key.
type SealedBox struct {
	Scheme         string      `cbor:"1,keyasint"`
	KeyFingerprint Fingerprint `cbor:"2,keyasint"`
	KEMCiphertext  []byte      `cbor:"3,keyasint"`
	Nonce          []byte      `cbor:"4,keyasint"`
	Ciphertext     []byte      `cbor:"5,keyasint"`
}

func deriveEnvelopeKey(ss []byte, fp Fingerprint) ([]byte, error) {
	k := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, ss, fp[:], []byte(kemEnvelopeInfo))
	if _, err := io.ReadFull(r, k); err != nil {
		return nil, err
	}
	return k, nil
}

// SealToPublicKey encrypts plaintext so that only the holder of the private
// key matching pk can read it.
func SealToPublicKey(pk kem.PublicKey, plaintext, ad []byte) (*SealedBox, error) {
	s := pk.Scheme()
	kemCt, ss, err := s.Encapsulate(pk)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(ss)

	fp := FingerprintOf(pk)
	k, err := deriveEnvelopeKey(ss, fp)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(k)

	aead, err := chacha20poly1305.New(k)
	if err != nil {
		return nil, err
	}
	defer aead.Reset()
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return &SealedBox{
		Scheme:         s.Name(),
		KeyFingerprint: fp,
		KEMCiphertext:  kemCt,
		Nonce:          nonce,
		Ciphertext:     aead.Seal(nil, nonce, plaintext, ad),
	}, nil
}

// OpenWithPrivateKey decrypts a SealedBox.  ErrStaleKey is returned without
// attempting decryption when the box names another key.
func OpenWithPrivateKey(sk kem.PrivateKey, box *SealedBox, ad []byte) ([]byte, error) {
	s := sk.Scheme()
	if box.Scheme != s.Name() {
		return nil, ErrSchemeMismatch
	}
	fp := FingerprintOf(sk.Public())
	if box.KeyFingerprint != fp {
		return nil, ErrStaleKey
	}
	if len(box.Nonce) != chacha20poly1305.NonceSize {
		return nil, ErrOpenFailed
	}
	ss, err := s.Decapsulate(sk, box.KEMCiphertext)
	if err != nil {
		return nil, ErrOpenFailed
	}
	defer memguard.WipeBytes(ss)
	k, err := deriveEnvelopeKey(ss, fp)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(k)

	aead, err := chacha20poly1305.New(k)
	if err != nil {
		return nil, err
	}
	defer aead.Reset()
	plaintext, err := aead.Open(nil, box.Nonce, box.Ciphertext, ad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

// SharedSecretBox is a payload sealed under a connection's shared secret.
type SharedSecretBox struct {
	Nonce      []byte `cbor:"1,keyasint"`
	Ciphertext []byte `cbor:"2,keyasint"`
}

// SealWithSharedSecret encrypts plaintext under ss, binding ad.
func SealWithSharedSecret(ss *SymmetricKey, plaintext, ad []byte) (*SharedSecretBox, error) {
	aead, err := chacha20poly1305.New(ss.Bytes())
	if err != nil {
		return nil, err
	}
	defer aead.Reset()
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return &SharedSecretBox{Nonce: nonce, Ciphertext: aead.Seal(nil, nonce, plaintext, ad)}, nil
}

// OpenWithSharedSecret reverses SealWithSharedSecret.
func OpenWithSharedSecret(ss *SymmetricKey, box *SharedSecretBox, ad []byte) ([]byte, error) {
	if box == nil || len(box.Nonce) != chacha20poly1305.NonceSize {
		return nil, ErrOpenFailed
	}
	aead, err := chacha20poly1305.New(ss.Bytes())
	if err != nil {
		return nil, err
	}
	defer aead.Reset()
	plaintext, err := aead.Open(nil, box.Nonce, box.Ciphertext, ad)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

// PublishedKey is a KEM public key as served to other hosts.
type PublishedKey struct {
	Scheme string `cbor:"1,keyasint"`
	Key    []byte `cbor:"2,keyasint"`
}

// Publish encodes pk.
func Publish(pk kem.PublicKey) (*PublishedKey, error) {
	b, err := pk.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &PublishedKey{Scheme: pk.Scheme().Name(), Key: b}, nil
}

// PublicKey decodes the published key.
func (p *PublishedKey) PublicKey() (kem.PublicKey, error) {
	s, err := SchemeByName(p.Scheme)
	if err != nil {
		return nil, err
	}
	return s.UnmarshalBinaryPublicKey(p.Key)
}
