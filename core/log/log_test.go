// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"
)

func TestBackendFile(t *testing.T) {
	require := require.New(t)

	f := filepath.Join(t.TempDir(), "host.log")
	b, err := New(f, "info", false)
	require.NoError(err)

	l := b.GetLogger("registry")
	l.Debug("not written")
	l.Infof("connected %s", "frodo.example")

	require.True(b.IsEnabledFor(logging.INFO, "registry"))
	require.False(b.IsEnabledFor(logging.DEBUG, "registry"))

	require.NoError(b.Rotate())
	l.Warning("after rotate")

	raw, err := os.ReadFile(f)
	require.NoError(err)
	require.Contains(string(raw), "registry: connected frodo.example")
	require.Contains(string(raw), "after rotate")
	require.NotContains(string(raw), "not written")
}

func TestBackendInvalidLevel(t *testing.T) {
	_, err := New("", "chatty", false)
	require.Error(t, err)
}
