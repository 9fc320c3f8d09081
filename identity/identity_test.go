// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	require := require.New(t)

	id, err := Parse("  Frodo.Example.COM. ")
	require.NoError(err)
	require.Equal(Identity("frodo.example.com"), id)
	require.NoError(id.Validate())

	id, err = Parse("bücher.example")
	require.NoError(err)
	require.Equal(Identity("xn--bcher-kva.example"), id)

	for _, bad := range []string{"", "localhost", "a..b", ".example"} {
		_, err = Parse(bad)
		require.ErrorIs(err, ErrInvalid, bad)
	}

	require.Error(Identity("Frodo.Example").Validate())
	require.True(Identity("").IsZero())
}
