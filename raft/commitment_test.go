package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommitTrackerComputeNRequiresMajority(t *testing.T) {
	tr := newCommitTracker("a", []string{"b", "c"})

	tr.setMatchIndex("a", 5)
	require.Equal(t, uint64(0), tr.computeN(), "one of three replicas is not a majority")

	tr.setMatchIndex("b", 5)
	require.Equal(t, uint64(5), tr.computeN())

	tr.setMatchIndex("c", 2)
	require.Equal(t, uint64(5), tr.computeN(), "the third, lagging replica should not pull the majority index down")
}

func TestCommitTrackerSetMatchIndexNeverRegresses(t *testing.T) {
	tr := newCommitTracker("a", []string{"b"})
	tr.setMatchIndex("b", 10)
	tr.setMatchIndex("b", 4)
	require.Equal(t, uint64(10), tr.matchIndex["b"])
}
