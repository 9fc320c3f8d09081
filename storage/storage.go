// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// storage.go - Key/value collections.

// Package storage defines the key/value collections the core persists its
// records in.  Each collection has last-writer-wins semantics per key.
package storage

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// Collection names.
const (
	PendingRequests     = "pending_requests"
	SentRequests        = "sent_requests"
	ICR                 = "icr"
	HostKeys            = "host_keys"
	AwaitingTransferKey = "awaiting_transfer_key"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrClosed is returned when using a closed store.
	ErrClosed = errors.New("storage: closed")
)

// Collection is a named set of key/value pairs.
type Collection interface {
	// Get returns a copy of the value stored at key or ErrNotFound.
	Get(key string) ([]byte, error)

	// Put stores value at key, replacing any previous value.
	Put(key string, value []byte) error

	// Delete removes key.  Deleting a missing key is not an error.
	Delete(key string) error

	// ForEach calls fn for every pair in key order.  fn must not modify
	// the collection.
	ForEach(fn func(key string, value []byte) error) error
}

// Store hands out collections.
type Store interface {
	Collection(name string) (Collection, error)
	Close() error
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Marshal encodes v the way collections store values.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Get decodes the value at key into a new T.
func Get[T any](c Collection, key string) (*T, error) {
	b, err := c.Get(key)
	if err != nil {
		return nil, err
	}
	v := new(T)
	if err := cbor.Unmarshal(b, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Put encodes v and stores it at key.
func Put[T any](c Collection, key string, v *T) error {
	b, err := encMode.Marshal(v)
	if err != nil {
		return err
	}
	return c.Put(key, b)
}

// ForEach decodes every value in c.
func ForEach[T any](c Collection, fn func(key string, v *T) error) error {
	return c.ForEach(func(key string, b []byte) error {
		v := new(T)
		if err := cbor.Unmarshal(b, v); err != nil {
			return err
		}
		return fn(key, v)
	})
}

// Exists returns true if key is present.
func Exists(c Collection, key string) (bool, error) {
	_, err := c.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}
