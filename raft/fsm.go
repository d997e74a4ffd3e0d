package raft

// FSM is the state machine the consensus core applies committed entries
// to (C6). kvstore.Store implements this interface; the raft package never
// inspects KV semantics directly, only drives Apply/Snapshot/Restore in
// log order.
type FSM interface {
	// Apply applies a single committed entry and returns a result that is
	// handed back to the client future that proposed it (nil for NO_OP,
	// which is never surfaced to clients).
	Apply(entry *LogEntry) interface{}

	// Snapshot captures the current state machine image.
	Snapshot() (*SnapshotData, error)

	// Restore replaces the state machine's contents with the given image
	// (used both at boot and after an InstallSnapshot RPC).
	Restore(data *SnapshotData) error
}
