package raft

// RPC represents a single inbound request dispatched to the consensus
// goroutine by the transport. RespCh is used by the consensus core to send
// back exactly one response, which the transport writes to the wire.
type RPC struct {
	Command *Message
	RespCh  chan<- *Message
}

// Respond delivers resp on the RPC's response channel. Safe to call at
// most once per RPC.
func (r RPC) Respond(resp *Message) {
	r.RespCh <- resp
}

// Transport is the peer transport contract (C2): one persistent connection
// per peer, asynchronous send/broadcast, and synchronous Call-style helpers
// for the three RPCs the consensus core issues as a candidate or leader.
type Transport interface {
	// LocalID returns this node's identity as advertised in HELLO frames.
	LocalID() string

	// Consumer returns the channel of inbound RPCs the consensus
	// goroutine should process. There is exactly one consumer for the
	// lifetime of the transport.
	Consumer() <-chan RPC

	// AppendEntries, RequestVote, and InstallSnapshot send the named RPC
	// to peer and block for a matching response or ErrConnectionLost /
	// ErrTimeout.
	AppendEntries(peer string, req *Message) (*Message, error)
	RequestVote(peer string, req *Message) (*Message, error)
	InstallSnapshot(peer string, req *Message) (*Message, error)

	// SendMessage is fire-and-forget: it enqueues msg on peer's live
	// connection and returns immediately, or returns ErrConnectionLost if
	// there is no live connection. The consensus core retries via its own
	// timers; SendMessage never retries on the caller's behalf.
	SendMessage(peer string, msg *Message) error

	// BroadcastMessage is best-effort to every known peer.
	BroadcastMessage(msg *Message)

	// ConnectedPeers reports how many configured peers currently have a
	// live connection, for Status() (spec.md §6).
	ConnectedPeers() int

	Close() error
}
