/*
 * Copyright (c) 2018 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package xml

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJID_ParseParts(t *testing.T) {
	j, err := NewJIDString("user@EXAMPLE.com/resource")
	require.NoError(t, err)
	require.Equal(t, "user", j.Node())
	require.Equal(t, "example.com", j.Domain())
	require.Equal(t, "resource", j.Resource())
	require.True(t, j.IsFull())
}

func TestJID_BareDomainOnly(t *testing.T) {
	j, err := NewJIDString("xmpp.example.org")
	require.NoError(t, err)
	require.Equal(t, "", j.Node())
	require.Equal(t, "xmpp.example.org", j.Domain())
	require.True(t, j.IsBare())
}

func TestJID_EmptyRejected(t *testing.T) {
	_, err := NewJIDString("")
	require.ErrorIs(t, err, ErrInvalidJID)
}

func TestJID_ToBareJID(t *testing.T) {
	j, err := NewJIDString("user@example.com/resource")
	require.NoError(t, err)
	bare := j.ToBareJID()
	require.Equal(t, "user@example.com", bare.String())
}

func TestJID_DomainLowercased(t *testing.T) {
	j, err := NewJID("", "Example.COM", "")
	require.NoError(t, err)
	require.Equal(t, "example.com", j.Domain())
}
