package raft

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLogStore(t *testing.T) *fileLogStore {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "node")
	s, err := newFileLogStore(dir, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFileLogStoreAppendAndGet(t *testing.T) {
	s := newTestLogStore(t)

	require.NoError(t, s.Append(&LogEntry{Index: 1, Term: 1, Kind: EntryPut, Key: "a", Value: "1"}))
	require.NoError(t, s.Append(&LogEntry{Index: 2, Term: 1, Kind: EntryPut, Key: "b", Value: "2"}))

	last, err := s.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)

	e, ok, err := s.GetEntry(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", e.Key)

	_, ok, err = s.GetEntry(99)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFileLogStoreAppendRejectsNonContiguous(t *testing.T) {
	s := newTestLogStore(t)
	require.NoError(t, s.Append(&LogEntry{Index: 1, Term: 1}))
	err := s.Append(&LogEntry{Index: 3, Term: 1})
	require.Error(t, err)
}

func TestFileLogStoreAppendAllDetectsConflict(t *testing.T) {
	s := newTestLogStore(t)
	require.NoError(t, s.Append(&LogEntry{Index: 1, Term: 1}))
	require.NoError(t, s.Append(&LogEntry{Index: 2, Term: 1}))
	require.NoError(t, s.Append(&LogEntry{Index: 3, Term: 1}))

	// prevLogIndex/prevLogTerm mismatch against the follower's log.
	ok, err := s.AppendAll(2, 5, []LogEntry{{Index: 3, Term: 5}})
	require.NoError(t, err)
	require.False(t, ok)

	last, _ := s.LastIndex()
	require.Equal(t, uint64(3), last, "a failed AppendAll must not modify the log")
}

func TestFileLogStoreAppendAllTruncatesOnTermMismatch(t *testing.T) {
	s := newTestLogStore(t)
	require.NoError(t, s.Append(&LogEntry{Index: 1, Term: 1}))
	require.NoError(t, s.Append(&LogEntry{Index: 2, Term: 1}))
	require.NoError(t, s.Append(&LogEntry{Index: 3, Term: 1}))

	ok, err := s.AppendAll(1, 1, []LogEntry{{Index: 2, Term: 2, Kind: EntryPut, Key: "x"}})
	require.NoError(t, err)
	require.True(t, ok)

	last, _ := s.LastIndex()
	require.Equal(t, uint64(2), last)
	e, _, _ := s.GetEntry(2)
	require.Equal(t, uint64(2), e.Term)
}

func TestFileLogStoreReplayStopsAtCorruption(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "node")
	logger := zap.NewNop().Sugar()

	s, err := newFileLogStore(dir, logger)
	require.NoError(t, err)
	require.NoError(t, s.Append(&LogEntry{Index: 1, Term: 1, Kind: EntryPut, Key: "a"}))
	require.NoError(t, s.Append(&LogEntry{Index: 2, Term: 1, Kind: EntryPut, Key: "b"}))
	require.NoError(t, s.Close())

	path := filepath.Join(dir, "raft.log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not valid json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2, err := newFileLogStore(dir, logger)
	require.NoError(t, err)
	defer s2.Close()

	last, err := s2.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last, "replay must discard the trailing corrupted line")
}

func TestFileLogStoreDeleteUpTo(t *testing.T) {
	s := newTestLogStore(t)
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, s.Append(&LogEntry{Index: i, Term: 1}))
	}
	require.NoError(t, s.DeleteUpTo(3))

	first, _ := s.FirstIndex()
	require.Equal(t, uint64(4), first)
	_, ok, _ := s.GetEntry(3)
	require.False(t, ok)
	_, ok, _ = s.GetEntry(4)
	require.True(t, ok)
}
