package raft

// MessageType discriminates the tagged union carried by every wire frame
// (spec.md §4.1).
type MessageType string

const (
	MsgHello                   MessageType = "HELLO"
	MsgAppendEntries           MessageType = "APPEND_ENTRIES"
	MsgAppendEntriesResponse   MessageType = "APPEND_ENTRIES_RESPONSE"
	MsgRequestVote             MessageType = "REQUEST_VOTE"
	MsgRequestVoteResponse     MessageType = "REQUEST_VOTE_RESPONSE"
	MsgInstallSnapshot         MessageType = "INSTALL_SNAPSHOT"
	MsgInstallSnapshotResponse MessageType = "INSTALL_SNAPSHOT_RESPONSE"
)

// Message is the single shape that carries every peer RPC. Only the fields
// relevant to Type are populated; the rest are left zero. requestID
// correlates a response frame with the Call that sent the request, letting
// the transport layer (C2) implement a synchronous Call() on top of an
// asynchronous, frame-multiplexed connection.
type Message struct {
	Type      MessageType `json:"type"`
	RequestID uint64      `json:"requestId,omitempty"`
	Term      uint64      `json:"term"`
	SenderID  string      `json:"senderId"`

	// HELLO
	NodeID string `json:"nodeId,omitempty"`

	// APPEND_ENTRIES
	LeaderID     string      `json:"leaderId,omitempty"`
	PrevLogIndex uint64      `json:"prevLogIndex,omitempty"`
	PrevLogTerm  uint64      `json:"prevLogTerm,omitempty"`
	Entries      []LogEntry  `json:"entries,omitempty"`
	LeaderCommit uint64      `json:"leaderCommit,omitempty"`

	// APPEND_ENTRIES_RESPONSE
	Success    bool   `json:"success,omitempty"`
	MatchIndex uint64 `json:"matchIndex,omitempty"`
	FollowerID string `json:"followerId,omitempty"`

	// REQUEST_VOTE
	CandidateID  string `json:"candidateId,omitempty"`
	LastLogIndex uint64 `json:"lastLogIndex,omitempty"`
	LastLogTerm  uint64 `json:"lastLogTerm,omitempty"`

	// REQUEST_VOTE_RESPONSE
	VoteGranted bool   `json:"voteGranted,omitempty"`
	VoterID     string `json:"voterId,omitempty"`

	// INSTALL_SNAPSHOT / INSTALL_SNAPSHOT_RESPONSE
	LastIncludedIndex uint64 `json:"lastIncludedIndex,omitempty"`
	LastIncludedTerm  uint64 `json:"lastIncludedTerm,omitempty"`
	Data              []byte `json:"data,omitempty"`
}

// valid reports whether the frame's populated fields are consistent with
// its declared Type, so decode-time validation can reject malformed frames
// per spec.md §9 ("reject at decode time any frame whose declared fields
// are inconsistent with its type").
func (m *Message) valid() bool {
	switch m.Type {
	case MsgHello:
		return m.NodeID != ""
	case MsgAppendEntries:
		return m.LeaderID != ""
	case MsgAppendEntriesResponse:
		return m.FollowerID != ""
	case MsgRequestVote:
		return m.CandidateID != ""
	case MsgRequestVoteResponse:
		return m.VoterID != ""
	case MsgInstallSnapshot:
		return m.LeaderID != ""
	case MsgInstallSnapshotResponse:
		return true
	default:
		return false
	}
}
