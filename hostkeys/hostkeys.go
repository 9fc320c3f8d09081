// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// hostkeys.go - Host long term keys.

// Package hostkeys manages the host's long term key material: the KEM key
// pair other hosts seal connection requests to, the host-wide ICR key that
// protects stored remote tokens, and the system key that protects outbox
// items while no owner is signed in.
package hostkeys

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/argon2"
	"gopkg.in/op/go-logging.v1"

	"github.com/circlehost/circlehost/caller"
	"github.com/circlehost/circlehost/core/log"
	"github.com/circlehost/circlehost/keys"
	"github.com/circlehost/circlehost/storage"
)

const (
	kemKey    = "kem"
	icrKey    = "icr"
	systemKey = "system"

	saltSize = 16

	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

var (
	// ErrNotInitialized is returned before Initialize created the keys.
	ErrNotInitialized = errors.New("hostkeys: not initialized")

	// ErrEmptySecret is returned for an empty system secret.
	ErrEmptySecret = errors.New("hostkeys: empty system secret")
)

type kemRecord struct {
	Scheme              string    `cbor:"1,keyasint"`
	PublicKey           []byte    `cbor:"2,keyasint"`
	EncryptedPrivateKey []byte    `cbor:"3,keyasint"`
	Created             time.Time `cbor:"4,keyasint"`
}

type icrRecord struct {
	MasterKeyEncryptedIcrKey *keys.WrappedKey `cbor:"1,keyasint"`
	Created                  time.Time        `cbor:"2,keyasint"`
}

type systemRecord struct {
	Salt []byte `cbor:"1,keyasint"`
}

// Keychain holds the host's long term keys.
type Keychain struct {
	sync.RWMutex

	log    *logging.Logger
	coll   storage.Collection
	scheme kem.Scheme

	publicKey kem.PublicKey
	systemKey *keys.SymmetricKey
}

// Initialize creates the KEM key pair and the ICR key if they do not exist
// yet.  It requires the owner's master key.
func (k *Keychain) Initialize(cc *caller.Context) error {
	mk, err := cc.MasterKey()
	if err != nil {
		return err
	}

	k.Lock()
	defer k.Unlock()

	if _, err := storage.Get[kemRecord](k.coll, kemKey); errors.Is(err, storage.ErrNotFound) {
		if err = k.generateKEMLocked(mk); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if _, err := storage.Get[icrRecord](k.coll, icrKey); errors.Is(err, storage.ErrNotFound) {
		ik, err := keys.NewRandomKey()
		if err != nil {
			return err
		}
		defer ik.Wipe()
		w, err := mk.WrapKey(ik)
		if err != nil {
			return err
		}
		k.log.Noticef("Created host ICR key.")
		return storage.Put(k.coll, icrKey, &icrRecord{MasterKeyEncryptedIcrKey: w, Created: time.Now().UTC()})
	} else if err != nil {
		return err
	}
	return nil
}

func (k *Keychain) generateKEMLocked(mk *keys.SymmetricKey) error {
	pk, sk, err := k.scheme.GenerateKeyPair()
	if err != nil {
		return err
	}
	pkb, err := pk.MarshalBinary()
	if err != nil {
		return err
	}
	skb, err := sk.MarshalBinary()
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(skb)
	ct, err := mk.Seal(skb)
	if err != nil {
		return err
	}
	r := &kemRecord{
		Scheme:              k.scheme.Name(),
		PublicKey:           pkb,
		EncryptedPrivateKey: ct,
		Created:             time.Now().UTC(),
	}
	if err = storage.Put(k.coll, kemKey, r); err != nil {
		return err
	}
	k.publicKey = pk
	k.log.Noticef("Generated %s key pair %x.", k.scheme.Name(), keys.FingerprintOf(pk))
	return nil
}

// Rotate replaces the KEM key pair.  Envelopes sealed to the previous
// public key are refused from now on.
func (k *Keychain) Rotate(cc *caller.Context) error {
	mk, err := cc.MasterKey()
	if err != nil {
		return err
	}
	k.Lock()
	defer k.Unlock()
	return k.generateKEMLocked(mk)
}

func (k *Keychain) record() (*kemRecord, error) {
	r, err := storage.Get[kemRecord](k.coll, kemKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotInitialized
	}
	return r, err
}

// PublicKey returns the current KEM public key.
func (k *Keychain) PublicKey() (kem.PublicKey, error) {
	k.RLock()
	pk := k.publicKey
	k.RUnlock()
	if pk != nil {
		return pk, nil
	}

	k.Lock()
	defer k.Unlock()
	r, err := k.record()
	if err != nil {
		return nil, err
	}
	s, err := keys.SchemeByName(r.Scheme)
	if err != nil {
		return nil, err
	}
	if k.publicKey, err = s.UnmarshalBinaryPublicKey(r.PublicKey); err != nil {
		return nil, err
	}
	return k.publicKey, nil
}

// Published returns the current public key in its served form.
func (k *Keychain) Published() (*keys.PublishedKey, error) {
	pk, err := k.PublicKey()
	if err != nil {
		return nil, err
	}
	return keys.Publish(pk)
}

// Fingerprint returns the fingerprint of the current public key.
func (k *Keychain) Fingerprint() (keys.Fingerprint, error) {
	pk, err := k.PublicKey()
	if err != nil {
		return keys.Fingerprint{}, err
	}
	return keys.FingerprintOf(pk), nil
}

// PrivateKey decrypts the current KEM private key with masterKey.
func (k *Keychain) PrivateKey(masterKey *keys.SymmetricKey) (kem.PrivateKey, error) {
	k.RLock()
	defer k.RUnlock()
	r, err := k.record()
	if err != nil {
		return nil, err
	}
	s, err := keys.SchemeByName(r.Scheme)
	if err != nil {
		return nil, err
	}
	skb, err := masterKey.Open(r.EncryptedPrivateKey)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(skb)
	return s.UnmarshalBinaryPrivateKey(skb)
}

// IcrKey decrypts the host-wide ICR key.  The caller must wipe it.
func (k *Keychain) IcrKey(masterKey *keys.SymmetricKey) (*keys.SymmetricKey, error) {
	r, err := storage.Get[icrRecord](k.coll, icrKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, err
	}
	return masterKey.UnwrapKey(r.MasterKeyEncryptedIcrKey)
}

// SystemKey returns the key protecting data that background work needs
// without an owner present.  It stays valid until Close.
func (k *Keychain) SystemKey() *keys.SymmetricKey {
	return k.systemKey
}

// Close wipes the in-memory key material.
func (k *Keychain) Close() {
	k.Lock()
	defer k.Unlock()
	k.systemKey.Wipe()
	k.publicKey = nil
}

func (k *Keychain) deriveSystemKey(secret []byte) error {
	if len(secret) == 0 {
		return ErrEmptySecret
	}
	r, err := storage.Get[systemRecord](k.coll, systemKey)
	if errors.Is(err, storage.ErrNotFound) {
		r = &systemRecord{Salt: make([]byte, saltSize)}
		if _, err = io.ReadFull(rand.Reader, r.Salt); err != nil {
			return err
		}
		if err = storage.Put(k.coll, systemKey, r); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	b := argon2.IDKey(secret, r.Salt, argonTime, argonMemory, argonThreads, keys.KeySize)
	defer memguard.WipeBytes(b)
	k.systemKey, err = keys.NewKeyFromBytes(b)
	return err
}

// New returns a Keychain persisting to coll.  systemSecret is stretched
// into the system key; the caller may wipe it afterwards.
func New(logBackend *log.Backend, coll storage.Collection, schemeName string, systemSecret []byte) (*Keychain, error) {
	s, err := keys.SchemeByName(schemeName)
	if err != nil {
		return nil, fmt.Errorf("hostkeys: %w: %v", err, schemeName)
	}
	k := &Keychain{
		log:    logBackend.GetLogger("hostkeys"),
		coll:   coll,
		scheme: s,
	}
	if err = k.deriveSystemKey(systemSecret); err != nil {
		return nil, err
	}
	return k, nil
}
