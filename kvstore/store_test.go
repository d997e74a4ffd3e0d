package kvstore

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jahnavikedia/raft-cache-sub002/raft"
)

func newTestStore() *Store {
	return New(zap.NewNop().Sugar())
}

func TestApplyPutThenGet(t *testing.T) {
	s := newTestStore()

	s.Apply(&raft.LogEntry{Index: 1, Term: 1, Kind: raft.EntryPut, Key: "a", Value: "1"})

	v, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)
}

func TestApplyDeleteRemovesKey(t *testing.T) {
	s := newTestStore()
	s.Apply(&raft.LogEntry{Index: 1, Term: 1, Kind: raft.EntryPut, Key: "a", Value: "1"})
	s.Apply(&raft.LogEntry{Index: 2, Term: 1, Kind: raft.EntryDelete, Key: "a"})

	_, ok := s.Get("a")
	require.False(t, ok)
}

func TestApplyNoopIsIgnored(t *testing.T) {
	s := newTestStore()
	result := s.Apply(&raft.LogEntry{Index: 1, Term: 1, Kind: raft.EntryNoop})
	require.Nil(t, result)
	require.Equal(t, 0, s.Len())
}

func TestApplyDeduplicatesRetransmittedSequence(t *testing.T) {
	s := newTestStore()

	first := s.Apply(&raft.LogEntry{Index: 1, Term: 1, Kind: raft.EntryPut, Key: "a", Value: "1", ClientID: "c1", Sequence: 1}).(ApplyResult)
	require.False(t, first.Deduplicated)

	// Retransmission of the same request: same sequence, different
	// (already-committed) value would be a client bug, but the store
	// must still refuse to reapply it.
	s.Apply(&raft.LogEntry{Index: 2, Term: 1, Kind: raft.EntryPut, Key: "a", Value: "2", ClientID: "c1", Sequence: 1})

	v, _ := s.Get("a")
	require.Equal(t, "1", v, "a duplicate sequence must not be reapplied")
}

func TestApplyPutReturnsTheJustWrittenValue(t *testing.T) {
	s := newTestStore()

	first := s.Apply(&raft.LogEntry{Index: 1, Term: 1, Kind: raft.EntryPut, Key: "a", Value: "1"}).(ApplyResult)
	require.Equal(t, "1", first.Value, "a PUT must report the value it just wrote, not the prior one")

	second := s.Apply(&raft.LogEntry{Index: 2, Term: 1, Kind: raft.EntryPut, Key: "a", Value: "2"}).(ApplyResult)
	require.Equal(t, "2", second.Value, "a PUT overwriting an existing key must still report the new value, not the old one")
	require.Equal(t, "1", second.PriorValue, "the pre-image is still tracked separately from the reported value")
	require.True(t, second.Existed)
}

func TestApplyAdvancesPastDeduplication(t *testing.T) {
	s := newTestStore()
	s.Apply(&raft.LogEntry{Index: 1, Term: 1, Kind: raft.EntryPut, Key: "a", Value: "1", ClientID: "c1", Sequence: 1})
	result := s.Apply(&raft.LogEntry{Index: 2, Term: 1, Kind: raft.EntryPut, Key: "a", Value: "2", ClientID: "c1", Sequence: 2}).(ApplyResult)

	require.False(t, result.Deduplicated)
	v, _ := s.Get("a")
	require.Equal(t, "2", v)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	s := newTestStore()
	s.Apply(&raft.LogEntry{Index: 1, Term: 1, Kind: raft.EntryPut, Key: "a", Value: "1", ClientID: "c1", Sequence: 1})
	s.Apply(&raft.LogEntry{Index: 2, Term: 1, Kind: raft.EntryPut, Key: "b", Value: "2"})

	snap, err := s.Snapshot()
	require.NoError(t, err)

	restored := newTestStore()
	require.NoError(t, restored.Restore(snap))

	v, ok := restored.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)
	require.Equal(t, 2, restored.Len())

	// A client retrying its already-applied sequence after a restore must
	// still be told it was deduplicated.
	result := restored.Apply(&raft.LogEntry{Index: 3, Term: 1, Kind: raft.EntryPut, Key: "a", Value: "99", ClientID: "c1", Sequence: 1}).(ApplyResult)
	require.True(t, result.Deduplicated)
	v, _ = restored.Get("a")
	require.Equal(t, "1", v)
}

func TestEvictionHookInvokedOnMutation(t *testing.T) {
	s := newTestStore()
	sizes := []int{}
	s.SetEvictionHook(func(size int) { sizes = append(sizes, size) })

	s.Apply(&raft.LogEntry{Index: 1, Term: 1, Kind: raft.EntryPut, Key: "a", Value: "1"})
	s.Apply(&raft.LogEntry{Index: 2, Term: 1, Kind: raft.EntryPut, Key: "b", Value: "2"})

	require.Equal(t, []int{1, 2}, sizes)
}
