package raft

import (
	"fmt"
	"time"
)

// Config holds the tunables for a single Raft node. It plays the role the
// teacher's Config played, generalized with the concrete values spec.md §4.5
// names instead of leaving them to the caller.
type Config struct {
	// LocalID uniquely identifies this node within the cluster, and is
	// compared lexically to break peer-connection ties (§4.2).
	LocalID string

	// ElectionTimeoutMin/Max bound the randomized election timeout.
	// Reset whenever a valid heartbeat is observed, a vote is granted, or
	// the node steps down.
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration

	// HeartbeatInterval is how often a leader sends AppendEntries to each
	// peer in the absence of new entries to propose.
	HeartbeatInterval time.Duration

	// SnapshotInterval is how often the snapshot goroutine checks whether
	// a new snapshot should be taken.
	SnapshotInterval time.Duration

	// SnapshotThreshold is the number of entries applied since the last
	// snapshot at which a new snapshot is triggered.
	SnapshotThreshold uint64

	// TrailingLogs is the minimum number of log entries kept on disk
	// behind a snapshot, so that a slightly-lagging follower can still be
	// caught up with AppendEntries instead of InstallSnapshot.
	TrailingLogs uint64

	// MaxAppendEntries caps how many log entries are sent in a single
	// AppendEntries RPC.
	MaxAppendEntries int

	// DataDir is the node-specific directory holding raft.log, snapshot,
	// and meta.json (spec.md §6).
	DataDir string
}

// DefaultConfig returns a Config populated with the values spec.md §4.5
// prescribes.
func DefaultConfig() *Config {
	return &Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		SnapshotInterval:   20 * time.Second,
		SnapshotThreshold:  1000,
		TrailingLogs:       64,
		MaxAppendEntries:   64,
		DataDir:            "data",
	}
}

// Validate checks internal consistency of a Config.
func (c *Config) Validate() error {
	if c.LocalID == "" {
		return fmt.Errorf("raft: Config.LocalID must not be empty")
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax < c.ElectionTimeoutMin {
		return fmt.Errorf("raft: invalid election timeout bounds [%v, %v]", c.ElectionTimeoutMin, c.ElectionTimeoutMax)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("raft: HeartbeatInterval must be positive")
	}
	if c.HeartbeatInterval >= c.ElectionTimeoutMin {
		return fmt.Errorf("raft: HeartbeatInterval must be smaller than the election timeout")
	}
	if c.MaxAppendEntries <= 0 {
		return fmt.Errorf("raft: MaxAppendEntries must be positive")
	}
	return nil
}
