package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStableStoreSaveLoadRoundTrip(t *testing.T) {
	s, err := newFileStableStore(t.TempDir())
	require.NoError(t, err)

	empty, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, stableMeta{}, empty)

	require.NoError(t, s.Save(stableMeta{CurrentTerm: 4, VotedFor: "b"}))

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(4), got.CurrentTerm)
	require.Equal(t, "b", got.VotedFor)
}
