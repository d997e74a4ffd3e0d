package raft

import (
	"sync"
	"sync/atomic"
)

// RaftState enumerates the three roles a node can hold (spec.md §3).
type RaftState uint32

const (
	Follower RaftState = iota
	Candidate
	Leader
	Shutdown
)

func (s RaftState) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// raftState holds the volatile, frequently-read fields of the consensus
// core behind atomics, so status queries and the hot RPC path never
// contend with each other for a single mutex (spec.md §5 names
// currentTerm/commitIndex/lastApplied among the fields the consensus
// mutex guards; splitting them into atomics here is a deliberate
// strengthening — see DESIGN.md).
type raftState struct {
	currentTerm uint64
	commitIndex uint64
	lastApplied uint64
	lastLogIndex uint64
	lastLogTerm  uint64

	state uint32 // RaftState

	votedForMu sync.Mutex
	votedFor   string
}

func (r *raftState) getState() RaftState {
	return RaftState(atomic.LoadUint32(&r.state))
}

func (r *raftState) setState(s RaftState) {
	atomic.StoreUint32(&r.state, uint32(s))
}

func (r *raftState) getCurrentTerm() uint64 {
	return atomic.LoadUint64(&r.currentTerm)
}

func (r *raftState) setCurrentTerm(t uint64) {
	atomic.StoreUint64(&r.currentTerm, t)
}

func (r *raftState) getVotedFor() string {
	r.votedForMu.Lock()
	defer r.votedForMu.Unlock()
	return r.votedFor
}

func (r *raftState) setVotedFor(id string) {
	r.votedForMu.Lock()
	defer r.votedForMu.Unlock()
	r.votedFor = id
}

func (r *raftState) getCommitIndex() uint64 {
	return atomic.LoadUint64(&r.commitIndex)
}

func (r *raftState) setCommitIndex(idx uint64) {
	atomic.StoreUint64(&r.commitIndex, idx)
}

func (r *raftState) getLastApplied() uint64 {
	return atomic.LoadUint64(&r.lastApplied)
}

func (r *raftState) setLastApplied(idx uint64) {
	atomic.StoreUint64(&r.lastApplied, idx)
}

func (r *raftState) getLastLogIndex() uint64 {
	return atomic.LoadUint64(&r.lastLogIndex)
}

func (r *raftState) setLastLogIndex(idx uint64) {
	atomic.StoreUint64(&r.lastLogIndex, idx)
}

func (r *raftState) getLastLogTerm() uint64 {
	return atomic.LoadUint64(&r.lastLogTerm)
}

func (r *raftState) setLastLogTerm(t uint64) {
	atomic.StoreUint64(&r.lastLogTerm, t)
}

func (r *raftState) getLastEntry() (uint64, uint64) {
	return r.getLastLogIndex(), r.getLastLogTerm()
}
