// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/circlehost/circlehost/storage"
	"github.com/circlehost/circlehost/storage/boltstore"
	"github.com/circlehost/circlehost/storage/memstore"
)

type record struct {
	Name  string `cbor:"1,keyasint"`
	Count int    `cbor:"2,keyasint"`
}

func testStore(t *testing.T, s storage.Store) {
	require := require.New(t)

	c, err := s.Collection(storage.ICR)
	require.NoError(err)

	_, err = c.Get("missing")
	require.ErrorIs(err, storage.ErrNotFound)
	ok, err := storage.Exists(c, "missing")
	require.NoError(err)
	require.False(ok)

	require.NoError(storage.Put(c, "b", &record{Name: "b", Count: 2}))
	require.NoError(storage.Put(c, "a", &record{Name: "a", Count: 1}))
	require.NoError(storage.Put(c, "a", &record{Name: "a", Count: 3}))

	r, err := storage.Get[record](c, "a")
	require.NoError(err)
	require.Equal(3, r.Count)

	var seen []string
	require.NoError(storage.ForEach(c, func(k string, v *record) error {
		require.Equal(k, v.Name)
		seen = append(seen, k)
		return nil
	}))
	require.Equal([]string{"a", "b"}, seen)

	errStop := errors.New("stop")
	require.ErrorIs(c.ForEach(func(string, []byte) error { return errStop }), errStop)

	// Returned values do not alias the store.
	b, err := c.Get("b")
	require.NoError(err)
	b[0] ^= 0xff
	r, err = storage.Get[record](c, "b")
	require.NoError(err)
	require.Equal("b", r.Name)

	require.NoError(c.Delete("a"))
	require.NoError(c.Delete("a"))
	ok, err = storage.Exists(c, "a")
	require.NoError(err)
	require.False(ok)

	// Collections are independent.
	other, err := s.Collection(storage.SentRequests)
	require.NoError(err)
	_, err = other.Get("b")
	require.ErrorIs(err, storage.ErrNotFound)
}

func TestMemstore(t *testing.T) {
	s := memstore.New()
	testStore(t, s)
	require.NoError(t, s.Close())
	_, err := s.Collection(storage.ICR)
	require.ErrorIs(t, err, storage.ErrClosed)
}

func TestBoltstore(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "store.db")
	s, err := boltstore.New(f)
	require.NoError(err)
	testStore(t, s)

	_, err = s.Collection("metadata")
	require.Error(err)
	require.NoError(s.Close())

	// Reopening keeps the data.
	s, err = boltstore.New(f)
	require.NoError(err)
	defer s.Close()
	c, err := s.Collection(storage.ICR)
	require.NoError(err)
	ok, err := storage.Exists(c, "b")
	require.NoError(err)
	require.True(ok)
}
