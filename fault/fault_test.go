// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package fault

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	require := require.New(t)

	errBlocked := errors.New("identity is blocked")
	err := New(Security, "AssertConnectionIsNoneOrValid", errBlocked)
	require.True(Is(err, Security))
	require.ErrorIs(err, errBlocked)
	require.Equal("AssertConnectionIsNoneOrValid: security fault: identity is blocked", err.Error())

	wrapped := fmt.Errorf("accept: %w", err)
	require.Equal(Security, KindOf(wrapped))

	require.Nil(New(Client, "op", nil))
	require.Equal(Unknown, KindOf(errors.New("plain")))
	require.False(Is(nil, Client))
	require.True(Is(Clientf("send", "cannot connect to %s", "self"), Client))
}
