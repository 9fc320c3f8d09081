// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// pubkeys.go - Remote public key cache.

// Package pubkeys caches the KEM public keys of remote hosts.
package pubkeys

import (
	"context"
	"sync"

	"github.com/katzenpost/hpqc/kem"
	"gopkg.in/op/go-logging.v1"

	"github.com/circlehost/circlehost/core/log"
	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/keys"
)

// Fetcher retrieves a remote host's current public key.
type Fetcher interface {
	GetPublicKey(ctx context.Context, remote identity.Identity) (*keys.PublishedKey, error)
}

// Cache is a sender side cache of remote public keys.  Entries live until
// invalidated.
type Cache struct {
	sync.Mutex

	log     *logging.Logger
	fetcher Fetcher
	keys    map[identity.Identity]kem.PublicKey
}

// Get returns the cached key for remote, fetching it if absent.
func (c *Cache) Get(ctx context.Context, remote identity.Identity) (kem.PublicKey, error) {
	c.Lock()
	pk, ok := c.keys[remote]
	c.Unlock()
	if ok {
		return pk, nil
	}

	pub, err := c.fetcher.GetPublicKey(ctx, remote)
	if err != nil {
		return nil, err
	}
	if pk, err = pub.PublicKey(); err != nil {
		return nil, err
	}

	c.Lock()
	defer c.Unlock()
	c.keys[remote] = pk
	c.log.Debugf("Cached public key %x for %v.", keys.FingerprintOf(pk), remote)
	return pk, nil
}

// Invalidate drops the cached key for remote.
func (c *Cache) Invalidate(remote identity.Identity) {
	c.Lock()
	defer c.Unlock()
	if _, ok := c.keys[remote]; ok {
		c.log.Debugf("Invalidated public key for %v.", remote)
	}
	delete(c.keys, remote)
}

// New returns an empty Cache.
func New(logBackend *log.Backend, fetcher Fetcher) *Cache {
	return &Cache{
		log:     logBackend.GetLogger("pubkeys"),
		fetcher: fetcher,
		keys:    make(map[identity.Identity]kem.PublicKey),
	}
}
