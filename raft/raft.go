package raft

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// commitTuple pairs a committed log entry with the future that should be
// resolved once it has been applied to the FSM, mirroring the teacher's
// commitTuple.
type commitTuple struct {
	entry  LogEntry
	future *logFuture
}

// leaderState is only valid while the node holds the Leader role.
type leaderState struct {
	commitCh chan matchUpdate
	tracker  *commitTracker
	repl     map[string]*followerReplication
}

// matchUpdate reports a peer's newly observed matchIndex, consumed by the
// leader loop to recompute the commit index under the term-aware rule.
type matchUpdate struct {
	peer  string
	index uint64
	term  uint64
}

// Raft is a single node's consensus engine (C5), generalized from the
// teacher's Raft struct to the spec's string peer ids, KV log entries, and
// term-aware commitment rule.
type Raft struct {
	raftState

	conf   *Config
	fsm    FSM
	logs   LogStore
	stable *fileStableStore
	snaps  SnapshotStore
	trans  Transport
	logger *zap.SugaredLogger

	peers  []string // does not include localID
	leader atomic.Value

	applyCh       chan *logFuture
	fsmCommitCh   chan commitTuple
	fsmSnapshotCh chan *snapshotReq
	snapshotCh    chan *snapshotFuture

	leaderState leaderState

	inflightMu sync.Mutex
	inflight   map[uint64]*logFuture

	shutdownLock sync.Mutex
	shutdownCh   chan struct{}
	shutdown     bool

	wg sync.WaitGroup
}

type snapshotReq struct {
	errCh chan error
	index uint64
	term  uint64
}

// NewRaft constructs a node from its collaborators and starts its
// background goroutines. Mirrors the teacher's NewRaft.
func NewRaft(conf *Config, fsm FSM, logs LogStore, stable *fileStableStore, snaps SnapshotStore, peers []string, trans Transport, logger *zap.SugaredLogger) (*Raft, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	if peerContained(peers, conf.LocalID) {
		return nil, fmt.Errorf("raft: peer list must not contain the local id %q", conf.LocalID)
	}

	meta, err := stable.Load()
	if err != nil {
		return nil, fmt.Errorf("raft: load stable state: %w", err)
	}

	lastIdx, err := logs.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("raft: read last log index: %w", err)
	}
	lastTerm, err := logs.LastTerm()
	if err != nil {
		return nil, fmt.Errorf("raft: read last log term: %w", err)
	}

	r := &Raft{
		conf:          conf,
		fsm:           fsm,
		logs:          logs,
		stable:        stable,
		snaps:         snaps,
		trans:         trans,
		logger:        logger,
		peers:         excludePeer(peers, conf.LocalID),
		applyCh:       make(chan *logFuture),
		fsmCommitCh:   make(chan commitTuple, 128),
		fsmSnapshotCh: make(chan *snapshotReq),
		snapshotCh:    make(chan *snapshotFuture),
		inflight:      make(map[uint64]*logFuture),
		shutdownCh:    make(chan struct{}),
	}
	r.leader.Store("")
	r.setState(Follower)
	r.setCurrentTerm(meta.CurrentTerm)
	r.setVotedFor(meta.VotedFor)
	r.setLastLogIndex(lastIdx)
	r.setLastLogTerm(lastTerm)

	if err := r.restoreFromSnapshot(); err != nil {
		return nil, err
	}
	if diskCommit, err := logs.CommitIndex(); err == nil && diskCommit > r.getCommitIndex() {
		r.setCommitIndex(diskCommit)
	}

	r.goFunc(r.run)
	r.goFunc(r.runFSM)
	r.goFunc(r.runSnapshots)
	return r, nil
}

func (r *Raft) goFunc(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// Leader returns the current known leader's id, or "" if unknown.
func (r *Raft) Leader() string {
	return r.leader.Load().(string)
}

// Stats reports the fields node.Status() needs (spec.md §6).
type Stats struct {
	State       string
	Term        uint64
	CommitIndex uint64
	LastApplied uint64
	LogSize     uint64
	Leader      string
	Peers       int
}

func (r *Raft) Stats() Stats {
	size, _ := r.logs.Size()
	return Stats{
		State:       r.getState().String(),
		Term:        r.getCurrentTerm(),
		CommitIndex: r.getCommitIndex(),
		LastApplied: r.getLastApplied(),
		LogSize:     size,
		Leader:      r.Leader(),
		Peers:       r.trans.ConnectedPeers(),
	}
}

// Propose submits a client command to the leader's log. Non-leaders reject
// immediately with ErrNotLeader (spec.md §4.5, §4.7).
func (r *Raft) Propose(kind EntryKind, key, value, clientID string, sequence uint64) ApplyFuture {
	f := newLogFuture(LogEntry{Kind: kind, Key: key, Value: value, ClientID: clientID, Sequence: sequence})
	select {
	case r.applyCh <- f:
		return f
	case <-r.shutdownCh:
		return errorFuture{ErrShutdown}
	}
}

// Shutdown stops all background routines. Not graceful: pending futures
// resolve with ErrShutdown (spec.md §5).
func (r *Raft) Shutdown() {
	r.shutdownLock.Lock()
	defer r.shutdownLock.Unlock()
	if !r.shutdown {
		close(r.shutdownCh)
		r.shutdown = true
		r.setState(Shutdown)
	}
	r.wg.Wait()

	r.inflightMu.Lock()
	for _, f := range r.inflight {
		f.respond(ErrShutdown)
	}
	r.inflightMu.Unlock()
	for {
		select {
		case ct := <-r.fsmCommitCh:
			if ct.future != nil {
				ct.future.respond(ErrShutdown)
			}
		default:
			return
		}
	}
}

// Snapshot manually forces a snapshot and blocks until it completes.
func (r *Raft) Snapshot() error {
	f := newSnapshotFuture()
	select {
	case r.snapshotCh <- f:
	case <-r.shutdownCh:
		return ErrShutdown
	}
	return f.Error()
}

func (r *Raft) String() string {
	return fmt.Sprintf("node[%s] %v", r.conf.LocalID, r.getState())
}

// ---- main role loops, mirroring the teacher's run/runFollower/runCandidate/runLeader ----

func (r *Raft) run() {
	for {
		select {
		case <-r.shutdownCh:
			return
		default:
		}
		switch r.getState() {
		case Follower:
			r.runFollower()
		case Candidate:
			r.runCandidate()
		case Leader:
			r.runLeader()
		case Shutdown:
			return
		}
	}
}

func (r *Raft) runFollower() {
	r.logger.Infow("entering follower state", "term", r.getCurrentTerm())
	timeout := randomTimeout(r.conf.ElectionTimeoutMin, r.conf.ElectionTimeoutMax)
	for {
		select {
		case rpc := <-r.trans.Consumer():
			r.processRPC(rpc)
			timeout = randomTimeout(r.conf.ElectionTimeoutMin, r.conf.ElectionTimeoutMax)

		case a := <-r.applyCh:
			a.respond(ErrNotLeader)

		case <-timeout:
			r.logger.Warnw("election timeout, becoming candidate", "term", r.getCurrentTerm())
			r.leader.Store("")
			r.setState(Candidate)
			return

		case <-r.shutdownCh:
			return
		}
	}
}

func (r *Raft) runCandidate() {
	r.logger.Infow("entering candidate state", "term", r.getCurrentTerm()+1)
	voteCh := r.electSelf()
	electionTimer := randomTimeout(r.conf.ElectionTimeoutMin, r.conf.ElectionTimeoutMax)

	granted := 0
	needed := quorumSize(len(r.peers) + 1)

	for r.getState() == Candidate {
		select {
		case rpc := <-r.trans.Consumer():
			r.processRPC(rpc)

		case vote, ok := <-voteCh:
			if !ok {
				continue
			}
			if vote.Term > r.getCurrentTerm() {
				r.stepDown(vote.Term)
				return
			}
			if vote.VoteGranted {
				granted++
			}
			if granted >= needed {
				r.logger.Infow("election won", "term", r.getCurrentTerm(), "votes", granted)
				r.leader.Store(r.conf.LocalID)
				r.setState(Leader)
				return
			}

		case a := <-r.applyCh:
			a.respond(ErrNotLeader)

		case <-electionTimer:
			r.logger.Warnw("election timed out, restarting")
			return

		case <-r.shutdownCh:
			return
		}
	}
}

func (r *Raft) runLeader() {
	r.logger.Infow("entering leader state", "term", r.getCurrentTerm())

	r.leaderState.commitCh = make(chan matchUpdate, 128)
	r.leaderState.tracker = newCommitTracker(r.conf.LocalID, r.peers)
	r.leaderState.repl = make(map[string]*followerReplication)

	defer func() {
		for _, fr := range r.leaderState.repl {
			close(fr.stopCh)
		}
		r.leaderState.commitCh = nil
		r.leaderState.tracker = nil
		r.leaderState.repl = nil
	}()

	for _, peer := range r.peers {
		r.startReplication(peer)
	}

	noop := newLogFuture(LogEntry{Kind: EntryNoop})
	r.dispatchLog(noop)

	r.leaderLoop()
}

func (r *Raft) startReplication(peer string) {
	lastIdx := r.getLastLogIndex()
	fr := &followerReplication{
		peer:      peer,
		nextIndex: lastIdx + 1,
		stopCh:    make(chan struct{}),
		triggerCh: make(chan struct{}, 1),
	}
	r.leaderState.repl[peer] = fr
	r.goFunc(func() { r.replicate(fr) })
}

func (r *Raft) leaderLoop() {
	for r.getState() == Leader {
		select {
		case rpc := <-r.trans.Consumer():
			r.processRPC(rpc)

		case mu := <-r.leaderState.commitCh:
			r.leaderState.tracker.setMatchIndex(mu.peer, mu.index)
			r.advanceLeaderCommit()

		case newLog := <-r.applyCh:
			r.dispatchLog(newLog)

		case <-r.shutdownCh:
			return
		}
	}
}

// advanceLeaderCommit implements the commitment rule (spec.md §4.5): find
// the largest N a majority has replicated, and only actually commit up to
// an N whose entry term equals the current term (walking downward from the
// raw majority index until that holds, since the term constraint can make
// the true committable index lower than the raw quorum index).
func (r *Raft) advanceLeaderCommit() {
	n := r.leaderState.tracker.computeN()
	current := r.getCommitIndex()
	for n > current {
		entry, ok, err := r.logs.GetEntry(n)
		if err != nil {
			r.logger.Errorw("failed to read log entry while computing commit index", "index", n, "error", err)
			return
		}
		if ok && entry.Term == r.getCurrentTerm() {
			break
		}
		n--
	}
	if n <= current {
		return
	}
	newCommit, err := r.logs.AdvanceCommit(n)
	if err != nil {
		r.logger.Errorw("failed to advance commit index", "error", err)
		return
	}
	r.setCommitIndex(newCommit)
	r.processLogs(newCommit, nil)
}

// dispatchLog appends a leader-proposed entry to the local log (I4: a
// leader never overwrites its own entries) and notifies replicators.
func (r *Raft) dispatchLog(f *logFuture) {
	f.log.Index = r.getLastLogIndex() + 1
	f.log.Term = r.getCurrentTerm()

	if err := r.logs.Append(&f.log); err != nil {
		r.logger.Errorw("failed to persist proposed entry, stepping down", "error", err)
		f.respond(fmt.Errorf("%w: %v", ErrPersistFailure, err))
		r.setState(Follower)
		return
	}

	r.setLastLogIndex(f.log.Index)
	r.setLastLogTerm(f.log.Term)
	r.leaderState.tracker.setMatchIndex(r.conf.LocalID, f.log.Index)
	r.registerInflight(f)

	for _, fr := range r.leaderState.repl {
		asyncNotifyCh(fr.triggerCh)
	}

	// A single-node cluster (no peers) commits immediately.
	if len(r.peers) == 0 {
		r.advanceLeaderCommit()
	}
}

func (r *Raft) registerInflight(f *logFuture) {
	r.inflightMu.Lock()
	r.inflight[f.log.Index] = f
	r.inflightMu.Unlock()
}

func (r *Raft) takeInflight(index uint64) *logFuture {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	f := r.inflight[index]
	delete(r.inflight, index)
	return f
}

// processLogs applies every committed-but-unapplied entry up to index, in
// order (I6), resolving the matching future (if any).
func (r *Raft) processLogs(index uint64, future *logFuture) {
	lastApplied := r.getLastApplied()
	if index <= lastApplied {
		return
	}
	for idx := lastApplied + 1; idx <= index; idx++ {
		var entry LogEntry
		var f *logFuture
		if future != nil && future.log.Index == idx {
			entry = future.log
			f = future
		} else if pending := r.takeInflight(idx); pending != nil {
			entry = pending.log
			f = pending
		} else {
			e, ok, err := r.logs.GetEntry(idx)
			if err != nil || !ok {
				r.logger.Errorw("failed to read committed entry", "index", idx, "error", err)
				return
			}
			entry = e
		}
		r.submitApply(entry, f)
		r.setLastApplied(idx)
	}
}

func (r *Raft) submitApply(entry LogEntry, f *logFuture) {
	select {
	case r.fsmCommitCh <- commitTuple{entry, f}:
	case <-r.shutdownCh:
		if f != nil {
			f.respond(ErrShutdown)
		}
	}
}

// runFSM applies committed entries to the FSM off the consensus hot path
// (spec.md §5), and services user- and system-triggered snapshot requests.
func (r *Raft) runFSM() {
	for {
		select {
		case req := <-r.fsmSnapshotCh:
			data, err := r.fsm.Snapshot()
			if err == nil && data != nil {
				data.Meta.LastIncludedIndex = req.index
				data.Meta.LastIncludedTerm = req.term
			}
			if err != nil {
				req.errCh <- err
				continue
			}
			if err := r.snaps.Save(data); err != nil {
				req.errCh <- err
				continue
			}
			req.errCh <- nil

		case ct := <-r.fsmCommitCh:
			resp := r.fsm.Apply(&ct.entry)
			if ct.future != nil {
				ct.future.response = resp
				ct.future.respond(nil)
			}

		case <-r.shutdownCh:
			return
		}
	}
}

func (r *Raft) processRPC(rpc RPC) {
	switch rpc.Command.Type {
	case MsgAppendEntries:
		rpc.Respond(r.appendEntries(rpc.Command))
	case MsgRequestVote:
		rpc.Respond(r.requestVote(rpc.Command))
	case MsgInstallSnapshot:
		rpc.Respond(r.installSnapshot(rpc.Command))
	default:
		r.logger.Errorw("unexpected inbound command", "type", rpc.Command.Type)
		rpc.Respond(nil)
	}
}

func (r *Raft) stepDown(term uint64) {
	r.setCurrentTerm(term)
	r.setVotedFor("")
	r.persistStable()
	r.setState(Follower)
}

func (r *Raft) persistStable() {
	if err := r.stable.Save(stableMeta{CurrentTerm: r.getCurrentTerm(), VotedFor: r.getVotedFor()}); err != nil {
		r.logger.Errorw("failed to persist stable state, node cannot continue", "error", err)
		panic(fmt.Errorf("%w: %v", ErrPersistFailure, err))
	}
}

func (r *Raft) appendEntries(a *Message) *Message {
	resp := &Message{Type: MsgAppendEntriesResponse, Term: r.getCurrentTerm(), FollowerID: r.conf.LocalID, Success: false}

	if a.Term < r.getCurrentTerm() {
		return resp
	}
	if a.Term > r.getCurrentTerm() || r.getState() != Follower {
		r.setCurrentTerm(a.Term)
		r.setVotedFor("")
		r.persistStable()
		r.setState(Follower)
		resp.Term = a.Term
	}

	r.leader.Store(a.LeaderID)

	ok, err := r.logs.AppendAll(a.PrevLogIndex, a.PrevLogTerm, a.Entries)
	if err != nil {
		r.logger.Errorw("failed to persist replicated entries, cannot acknowledge", "error", err)
		return resp
	}
	if !ok {
		lastIdx, _ := r.logs.LastIndex()
		resp.MatchIndex = lastIdx
		return resp
	}

	lastIdx, _ := r.logs.LastIndex()
	lastTerm, _ := r.logs.LastTerm()
	r.setLastLogIndex(lastIdx)
	r.setLastLogTerm(lastTerm)

	if a.LeaderCommit > r.getCommitIndex() {
		newCommit := minUint64(a.LeaderCommit, lastIdx)
		if _, err := r.logs.AdvanceCommit(newCommit); err == nil {
			r.setCommitIndex(newCommit)
			r.processLogs(newCommit, nil)
		}
	}

	resp.Success = true
	resp.MatchIndex = a.PrevLogIndex + uint64(len(a.Entries))
	return resp
}

func (r *Raft) requestVote(req *Message) *Message {
	resp := &Message{Type: MsgRequestVoteResponse, Term: r.getCurrentTerm(), VoterID: r.conf.LocalID, VoteGranted: false}

	if req.Term < r.getCurrentTerm() {
		return resp
	}
	if req.Term > r.getCurrentTerm() {
		r.setCurrentTerm(req.Term)
		r.setVotedFor("")
		r.persistStable()
		r.setState(Follower)
		resp.Term = req.Term
	}

	votedFor := r.getVotedFor()
	if votedFor != "" && votedFor != req.CandidateID {
		return resp
	}

	lastIdx, lastTerm := r.getLastEntry()
	upToDate := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIdx)
	if !upToDate {
		return resp
	}

	r.setVotedFor(req.CandidateID)
	r.persistStable()
	r.setState(Follower)
	resp.VoteGranted = true
	return resp
}

func (r *Raft) installSnapshot(req *Message) *Message {
	resp := &Message{Type: MsgInstallSnapshotResponse, Term: r.getCurrentTerm(), FollowerID: r.conf.LocalID}

	if req.Term < r.getCurrentTerm() {
		return resp
	}
	if req.Term > r.getCurrentTerm() {
		r.setCurrentTerm(req.Term)
		r.setVotedFor("")
		r.persistStable()
		r.setState(Follower)
		resp.Term = req.Term
	}
	r.leader.Store(req.LeaderID)

	var data SnapshotData
	if err := unmarshalSnapshotPayload(req.Data, &data); err != nil {
		r.logger.Errorw("failed to decode install-snapshot payload", "error", err)
		return resp
	}
	data.Meta.LastIncludedIndex = req.LastIncludedIndex
	data.Meta.LastIncludedTerm = req.LastIncludedTerm

	if err := r.fsm.Restore(&data); err != nil {
		r.logger.Errorw("failed to restore fsm from installed snapshot", "error", err)
		return resp
	}
	if err := r.snaps.Save(&data); err != nil {
		r.logger.Errorw("failed to persist installed snapshot", "error", err)
		return resp
	}

	r.setLastApplied(req.LastIncludedIndex)
	if err := r.logs.DeleteUpTo(req.LastIncludedIndex); err != nil {
		r.logger.Errorw("failed to compact log after install-snapshot", "error", err)
	}
	r.setLastLogIndex(req.LastIncludedIndex)
	r.setLastLogTerm(req.LastIncludedTerm)
	r.setCommitIndex(maxUint64(r.getCommitIndex(), req.LastIncludedIndex))

	r.logger.Infow("installed snapshot from leader", "lastIncludedIndex", req.LastIncludedIndex)
	resp.Success = true
	return resp
}

func (r *Raft) electSelf() <-chan *Message {
	respCh := make(chan *Message, len(r.peers)+1)

	r.setCurrentTerm(r.getCurrentTerm() + 1)
	r.setVotedFor(r.conf.LocalID)
	r.persistStable()

	lastIdx, lastTerm := r.getLastEntry()
	term := r.getCurrentTerm()

	for _, peer := range r.peers {
		peer := peer
		r.goFunc(func() {
			resp, err := r.trans.RequestVote(peer, &Message{
				Term: term, CandidateID: r.conf.LocalID,
				LastLogIndex: lastIdx, LastLogTerm: lastTerm,
			})
			if err != nil {
				respCh <- &Message{Term: term, VoteGranted: false, VoterID: peer}
				return
			}
			respCh <- resp
		})
	}

	respCh <- &Message{Term: term, VoteGranted: true, VoterID: r.conf.LocalID}
	return respCh
}
