// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// memstore.go - In-memory collections.

// Package memstore implements storage.Store in memory.
package memstore

import (
	"slices"
	"sync"

	"github.com/circlehost/circlehost/storage"
)

type collection struct {
	sync.RWMutex
	m map[string][]byte
}

func (c *collection) Get(key string) ([]byte, error) {
	c.RLock()
	defer c.RUnlock()
	v, ok := c.m[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return slices.Clone(v), nil
}

func (c *collection) Put(key string, value []byte) error {
	c.Lock()
	defer c.Unlock()
	c.m[key] = slices.Clone(value)
	return nil
}

func (c *collection) Delete(key string) error {
	c.Lock()
	defer c.Unlock()
	delete(c.m, key)
	return nil
}

func (c *collection) ForEach(fn func(string, []byte) error) error {
	c.RLock()
	ks := make([]string, 0, len(c.m))
	for k := range c.m {
		ks = append(ks, k)
	}
	snapshot := make(map[string][]byte, len(c.m))
	for _, k := range ks {
		snapshot[k] = slices.Clone(c.m[k])
	}
	c.RUnlock()

	slices.Sort(ks)
	for _, k := range ks {
		if err := fn(k, snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

// Store is an in-memory storage.Store.
type Store struct {
	sync.Mutex
	collections map[string]*collection
}

// Collection returns the named collection, creating it if needed.
func (s *Store) Collection(name string) (storage.Collection, error) {
	s.Lock()
	defer s.Unlock()
	if s.collections == nil {
		return nil, storage.ErrClosed
	}
	c, ok := s.collections[name]
	if !ok {
		c = &collection{m: make(map[string][]byte)}
		s.collections[name] = c
	}
	return c, nil
}

// Close discards every collection.
func (s *Store) Close() error {
	s.Lock()
	defer s.Unlock()
	s.collections = nil
	return nil
}

// New returns an empty Store.
func New() *Store {
	return &Store{collections: make(map[string]*collection)}
}
