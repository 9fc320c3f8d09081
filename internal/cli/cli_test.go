// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package cli

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUsageError(t *testing.T) {
	require.True(t, IsUsageError(errors.New("unknown flag: --frobnicate")))
	require.True(t, IsUsageError(errors.New("accepts 1 arg(s), received 0")))
	require.True(t, IsUsageError(errors.New("failed to load config file 'x': nope")))
	require.False(t, IsUsageError(errors.New("outbox: item not found")))
}
