package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRandomTimeoutWithinBounds(t *testing.T) {
	min, max := 150*time.Millisecond, 300*time.Millisecond
	start := time.Now()
	<-randomTimeout(min, max)
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, min)
	require.Less(t, elapsed, max+50*time.Millisecond)
}

func TestQuorumSize(t *testing.T) {
	require.Equal(t, 1, quorumSize(1))
	require.Equal(t, 2, quorumSize(2))
	require.Equal(t, 2, quorumSize(3))
	require.Equal(t, 3, quorumSize(4))
	require.Equal(t, 3, quorumSize(5))
}

func TestExcludePeer(t *testing.T) {
	out := excludePeer([]string{"a", "b", "c"}, "b")
	require.Equal(t, []string{"a", "c"}, out)
}

func TestBackoffSequenceAndCap(t *testing.T) {
	b := newBackoff()
	require.Equal(t, 100*time.Millisecond, b.Next())
	require.Equal(t, 200*time.Millisecond, b.Next())
	require.Equal(t, 400*time.Millisecond, b.Next())
	require.Equal(t, 800*time.Millisecond, b.Next())
	require.Equal(t, 1600*time.Millisecond, b.Next())
	require.Equal(t, 2*time.Second, b.Next(), "backoff must cap at 2s")
	require.Equal(t, 2*time.Second, b.Next())

	b.Reset()
	require.Equal(t, 100*time.Millisecond, b.Next())
}
