package pairing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveRecordIsMirrored(t *testing.T) {
	alice, err := DeriveRecord("orange-tiger-42", "alice", "bob")
	require.NoError(t, err)
	bob, err := DeriveRecord("orange-tiger-42", "bob", "alice")
	require.NoError(t, err)

	require.Equal(t, "bob", alice.PeerID)
	require.Equal(t, "alice", bob.PeerID)

	// What alice expects bob to present is exactly what bob presents.
	require.Equal(t, alice.LocalKey, bob.RemoteKey)
	require.Equal(t, alice.RemoteKey, bob.LocalKey)
	require.NotEqual(t, alice.LocalKey, alice.RemoteKey)
	require.Len(t, alice.LocalKey, 64)
}

func TestDeriveRecordIsDeterministic(t *testing.T) {
	first, err := DeriveRecord("same-code", "alice", "bob")
	require.NoError(t, err)
	second, err := DeriveRecord("same-code", "alice", "bob")
	require.NoError(t, err)
	require.Equal(t, first.LocalKey, second.LocalKey)
	require.Equal(t, first.RemoteKey, second.RemoteKey)
}

func TestDeriveRecordDependsOnCode(t *testing.T) {
	first, err := DeriveRecord("code-one", "alice", "bob")
	require.NoError(t, err)
	second, err := DeriveRecord("code-two", "alice", "bob")
	require.NoError(t, err)
	require.NotEqual(t, first.LocalKey, second.LocalKey)
}

func TestDeriveRecordRejectsBadInput(t *testing.T) {
	_, err := DeriveRecord("", "alice", "bob")
	require.Error(t, err)
	_, err = DeriveRecord("code", "alice", "alice")
	require.Error(t, err)
	_, err = DeriveRecord("code", "", "bob")
	require.Error(t, err)
}
