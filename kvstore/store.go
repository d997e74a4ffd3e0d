// Package kvstore implements the replicated key-value state machine (C6):
// a plain in-memory map driven exclusively by committed log entries, with
// at-most-once semantics for client writes.
package kvstore

import (
	"sync"

	"go.uber.org/zap"

	"github.com/jahnavikedia/raft-cache-sub002/raft"
)

// ApplyResult is what Apply returns for a PUT/DELETE entry, surfaced back
// to the proposing client through the log future's Response().
type ApplyResult struct {
	// Value is the value the command reports to the client: for a PUT,
	// the value just written; DELETE leaves this empty.
	Value string

	// PriorValue and Existed describe the key's state immediately before
	// this operation took effect (or, for a deduplicated replay, before
	// the original operation took effect). DELETE uses Existed to report
	// whether the key was actually present and removed.
	PriorValue string
	Existed    bool

	// Deduplicated is true when this result was served from the
	// per-client sequence cache rather than by reapplying the command.
	Deduplicated bool
}

// clientRecord remembers the highest sequence number applied for one
// client and the result it produced, so a retransmitted request is
// answered without being applied twice (spec.md §3, §4.6).
type clientRecord struct {
	sequence uint64
	result   ApplyResult
}

// Store is the FSM committed entries are applied to. It holds no
// knowledge of Raft; raft.Raft drives Apply/Snapshot/Restore strictly in
// log order.
type Store struct {
	mu sync.RWMutex

	data    map[string]string
	clients map[string]clientRecord

	logger *zap.SugaredLogger

	// evictionHook is invoked after every successful mutation with the
	// store's current size, a seam for an external capacity-based
	// eviction policy. No eviction policy ships in this repo (out of
	// scope); the default hook is a no-op.
	evictionHook func(size int)
}

// New constructs an empty Store.
func New(logger *zap.SugaredLogger) *Store {
	return &Store{
		data:         make(map[string]string),
		clients:      make(map[string]clientRecord),
		logger:       logger,
		evictionHook: func(int) {},
	}
}

// SetEvictionHook installs a callback invoked after each mutating Apply
// with the store's current key count. Intended for a future capacity
// management policy; nil clears the hook.
func (s *Store) SetEvictionHook(hook func(size int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hook == nil {
		hook = func(int) {}
	}
	s.evictionHook = hook
}

var _ raft.FSM = (*Store)(nil)

// Apply applies one committed entry. NO_OP entries (used to commit prior
// terms per spec.md §4.5) are ignored and return nil. PUT/DELETE entries
// carrying a ClientID are deduplicated against the last sequence number
// seen for that client (I is at-most-once, spec.md §4.6): a sequence at or
// below the recorded one returns the cached prior result unapplied.
func (s *Store) Apply(entry *raft.LogEntry) interface{} {
	switch entry.Kind {
	case raft.EntryNoop:
		return nil
	case raft.EntryPut, raft.EntryDelete:
		return s.applyMutation(entry)
	default:
		s.logger.Errorw("unrecognized log entry kind", "kind", entry.Kind, "index", entry.Index)
		return nil
	}
}

func (s *Store) applyMutation(entry *raft.LogEntry) ApplyResult {
	s.mu.Lock()

	if entry.ClientID != "" {
		if rec, ok := s.clients[entry.ClientID]; ok && entry.Sequence <= rec.sequence {
			result := rec.result
			result.Deduplicated = true
			s.mu.Unlock()
			return result
		}
	}

	prior, existed := s.data[entry.Key]
	result := ApplyResult{PriorValue: prior, Existed: existed}

	switch entry.Kind {
	case raft.EntryPut:
		s.data[entry.Key] = entry.Value
		result.Value = entry.Value
	case raft.EntryDelete:
		delete(s.data, entry.Key)
	}

	if entry.ClientID != "" {
		s.clients[entry.ClientID] = clientRecord{sequence: entry.Sequence, result: result}
	}

	hook := s.evictionHook
	size := len(s.data)
	s.mu.Unlock()

	hook(size)
	return result
}

// Get performs a local read of the applied state. It does not consult the
// leader, so on a follower the result may lag behind the leader's.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// Keys returns a snapshot of every key currently present.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for k := range s.data {
		out = append(out, k)
	}
	return out
}

// Len reports the current number of keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Snapshot captures the full key-value map and per-client sequence table
// (spec.md §3). The Meta fields are filled in by the caller, which alone
// knows the snapshot's log coordinates.
func (s *Store) Snapshot() (*raft.SnapshotData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kv := make(map[string]string, len(s.data))
	for k, v := range s.data {
		kv[k] = v
	}
	seqs := make(map[string]uint64, len(s.clients))
	for id, rec := range s.clients {
		seqs[id] = rec.sequence
	}
	return &raft.SnapshotData{KV: kv, Sequences: seqs}, nil
}

// Restore replaces the store's entire contents with data. The per-client
// result cache is reset to empty results at the restored sequence number:
// a client that retries a request already reflected in the restored image
// will be told it deduplicated, but PriorValue is necessarily unknown
// across a snapshot boundary (spec.md §9 leaves this underspecified; an
// empty PriorValue is the honest answer here).
func (s *Store) Restore(data *raft.SnapshotData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]string, len(data.KV))
	for k, v := range data.KV {
		s.data[k] = v
	}
	s.clients = make(map[string]clientRecord, len(data.Sequences))
	for id, seq := range data.Sequences {
		s.clients[id] = clientRecord{sequence: seq}
	}
	return nil
}
