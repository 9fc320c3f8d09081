// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// boltstore.go - BoltDB backed collections.

// Package boltstore implements storage.Store with one bbolt bucket per
// collection.
package boltstore

import (
	"fmt"
	"slices"

	bolt "go.etcd.io/bbolt"

	"github.com/circlehost/circlehost/storage"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	version        = 0
)

type collection struct {
	db   *bolt.DB
	name []byte
}

func (c *collection) Get(key string) ([]byte, error) {
	var v []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(c.name)
		b := bkt.Get([]byte(key))
		if b == nil {
			return storage.ErrNotFound
		}
		// bbolt values are only valid for the life of the transaction.
		v = slices.Clone(b)
		return nil
	})
	return v, err
}

func (c *collection) Put(key string, value []byte) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(c.name).Put([]byte(key), value)
	})
}

func (c *collection) Delete(key string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(c.name).Delete([]byte(key))
	})
}

func (c *collection) ForEach(fn func(string, []byte) error) error {
	return c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(c.name).ForEach(func(k, v []byte) error {
			return fn(string(k), slices.Clone(v))
		})
	})
}

// Store is a bbolt backed storage.Store.
type Store struct {
	db *bolt.DB
}

// DB returns the underlying database.
func (s *Store) DB() *bolt.DB {
	return s.db
}

// Collection returns the named collection, creating its bucket if needed.
func (s *Store) Collection(name string) (storage.Collection, error) {
	if name == metadataBucket {
		return nil, fmt.Errorf("boltstore: reserved collection name: %v", name)
	}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	}); err != nil {
		return nil, err
	}
	return &collection{db: s.db, name: []byte(name)}, nil
}

// Close syncs and closes the database.
func (s *Store) Close() error {
	s.db.Sync()
	return s.db.Close()
}

// New creates (or loads) a store with the given file name f.
func New(f string) (*Store, error) {
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != version {
				return fmt.Errorf("boltstore: incompatible version: %d", uint(b[0]))
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{version})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}
