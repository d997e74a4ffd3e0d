package raft

// SnapshotMeta describes a stored snapshot's coordinates in the log
// (spec.md §3, §4.4).
type SnapshotMeta struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
}

// SnapshotData is the payload a snapshot captures: the full KV map and the
// per-client sequence map (spec.md §3).
type SnapshotData struct {
	Meta      SnapshotMeta
	KV        map[string]string
	Sequences map[string]uint64
}

// SnapshotStore persists and restores point-in-time state machine images
// (C4). A single implementation keeps exactly one snapshot on disk at a
// time, per spec.md §6 ("snapshot" is a fixed filename, not a log of
// historical snapshots).
type SnapshotStore interface {
	// Save writes data atomically (tmp file + rename) and triggers log
	// compaction via the caller.
	Save(data *SnapshotData) error

	// Load returns the most recently saved snapshot, or (nil, false, nil)
	// if none exists.
	Load() (*SnapshotData, bool, error)
}
