package raft

import (
	"math/rand"
	"time"
)

// randomTimeout returns a channel that fires once after a random duration in
// [min, max). Mirrors the teacher's randomTimeout helper, generalized to
// take explicit bounds instead of a single base duration.
func randomTimeout(min, max time.Duration) <-chan time.Time {
	if max <= min {
		return time.After(min)
	}
	extra := time.Duration(rand.Int63n(int64(max - min)))
	return time.After(min + extra)
}

// asyncNotifyCh does a non-blocking send on a capacity-1 signal channel,
// coalescing redundant wakeups the way the teacher's replication trigger
// channels do.
func asyncNotifyCh(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func minUint64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// excludePeer returns a copy of peers with target removed, if present.
func excludePeer(peers []string, target string) []string {
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		if p != target {
			out = append(out, p)
		}
	}
	return out
}

func peerContained(peers []string, target string) bool {
	for _, p := range peers {
		if p == target {
			return true
		}
	}
	return false
}

// quorumSize returns the number of votes (including self) required for a
// strict majority of a cluster of the given total size.
func quorumSize(clusterSize int) int {
	return clusterSize/2 + 1
}
