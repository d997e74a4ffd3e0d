package raft

import "errors"

// Sentinel errors surfaced across the consensus core. Client proposals fail
// with ErrNotLeader or ErrShutdown, and also with ErrPersistFailure when the
// leader cannot persist the proposed entry; everything else is handled
// internally via role transitions and retries (spec §7).
var (
	// ErrNotLeader is returned when a client operation is attempted against
	// a node that is not currently the cluster leader.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrShutdown is returned to any pending operation when a node is
	// terminating.
	ErrShutdown = errors.New("raft: node is shutting down")

	// errStaleTerm signals that a received term was behind ours. Internal
	// only; never surfaced to a client.
	errStaleTerm = errors.New("raft: stale term")

	// ErrPersistFailure indicates a write to durable storage failed. A
	// failure to persist currentTerm/votedFor panics. A leader that cannot
	// append a proposed entry fails that proposal with this error and steps
	// down to Follower; a follower that cannot append replicated entries
	// does not acknowledge them. In those two cases the node keeps running.
	ErrPersistFailure = errors.New("raft: failed to persist durable state")

	// ErrDecodeFailure indicates an inbound frame was oversized, could not
	// be parsed, or had fields inconsistent with its type. The transport's
	// read loop closes the connection on it (as on any read error); the
	// dialing side then reconnects.
	ErrDecodeFailure = errors.New("raft: failed to decode frame")

	// ErrConnectionLost indicates a transient transport failure. The
	// transport reconnects on its own schedule; callers should not retry
	// immediately.
	ErrConnectionLost = errors.New("raft: connection to peer lost")

	// ErrTimeout is returned by a synchronous peer Call that received no
	// response within the allotted window.
	ErrTimeout = errors.New("raft: rpc call timed out")

	// ErrUnknownPeer is returned when an operation names a peer that is
	// not part of the configured cluster.
	ErrUnknownPeer = errors.New("raft: unknown peer")
)
