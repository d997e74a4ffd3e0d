package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileSnapshotStoreSaveLoadRoundTrip(t *testing.T) {
	s, err := newFileSnapshotStore(t.TempDir())
	require.NoError(t, err)

	_, ok, err := s.Load()
	require.NoError(t, err)
	require.False(t, ok)

	data := &SnapshotData{
		Meta:      SnapshotMeta{LastIncludedIndex: 10, LastIncludedTerm: 3},
		KV:        map[string]string{"k": "v"},
		Sequences: map[string]uint64{"client-1": 7},
	}
	require.NoError(t, s.Save(data))

	got, ok, err := s.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(10), got.Meta.LastIncludedIndex)
	require.Equal(t, "v", got.KV["k"])
	require.Equal(t, uint64(7), got.Sequences["client-1"])
}

func TestFileSnapshotStoreSaveOverwritesPrevious(t *testing.T) {
	s, err := newFileSnapshotStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save(&SnapshotData{Meta: SnapshotMeta{LastIncludedIndex: 1}, KV: map[string]string{"a": "1"}}))
	require.NoError(t, s.Save(&SnapshotData{Meta: SnapshotMeta{LastIncludedIndex: 2}, KV: map[string]string{"b": "2"}}))

	got, ok, err := s.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), got.Meta.LastIncludedIndex)
	_, hasA := got.KV["a"]
	require.False(t, hasA, "only one snapshot is ever kept on disk")
}
