package raft

import (
	"time"

	json "github.com/goccy/go-json"
)

// followerReplication tracks one peer's replication progress while this
// node is leader (spec.md §4.3/§4.4): a dedicated goroutine per peer sends
// AppendEntries (or InstallSnapshot, once the peer has fallen behind the
// trailing log window) on every heartbeat tick or trigger.
type followerReplication struct {
	peer      string
	nextIndex uint64
	stopCh    chan struct{}
	triggerCh chan struct{}
}

// replicate drives a single peer's AppendEntries/InstallSnapshot stream
// until told to stop (leadership lost) or the node shuts down.
func (r *Raft) replicate(fr *followerReplication) {
	ticker := time.NewTicker(r.conf.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-fr.stopCh:
			return
		case <-r.shutdownCh:
			return
		case <-ticker.C:
			r.replicateOnce(fr)
		case <-fr.triggerCh:
			r.replicateOnce(fr)
		}
	}
}

func (r *Raft) replicateOnce(fr *followerReplication) {
	if r.getState() != Leader {
		return
	}

	firstIdx, err := r.logs.FirstIndex()
	if err != nil {
		r.logger.Errorw("failed to read first log index during replication", "peer", fr.peer, "error", err)
		return
	}
	if firstIdx != 0 && fr.nextIndex < firstIdx {
		r.sendInstallSnapshot(fr)
		return
	}
	r.sendAppendEntries(fr)
}

func (r *Raft) sendAppendEntries(fr *followerReplication) {
	prevIndex := fr.nextIndex - 1
	var prevTerm uint64
	if prevIndex > 0 {
		if e, ok, err := r.logs.GetEntry(prevIndex); err == nil && ok {
			prevTerm = e.Term
		}
	}

	entries, err := r.logs.Slice(fr.nextIndex)
	if err != nil {
		r.logger.Errorw("failed to read log slice for replication", "peer", fr.peer, "error", err)
		return
	}
	if len(entries) > r.conf.MaxAppendEntries {
		entries = entries[:r.conf.MaxAppendEntries]
	}

	req := &Message{
		Term:         r.getCurrentTerm(),
		LeaderID:     r.conf.LocalID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: r.getCommitIndex(),
	}

	resp, err := r.trans.AppendEntries(fr.peer, req)
	if err != nil {
		// Transient; the next tick or trigger retries. No backoff here —
		// the transport's own dial backoff already paces reconnects.
		return
	}
	if resp.Term > r.getCurrentTerm() {
		r.stepDown(resp.Term)
		return
	}
	if !resp.Success {
		if fr.nextIndex > 1 {
			fr.nextIndex--
		}
		return
	}

	if len(entries) > 0 {
		fr.nextIndex = entries[len(entries)-1].Index + 1
	}
	if resp.MatchIndex > 0 {
		select {
		case r.leaderState.commitCh <- matchUpdate{peer: fr.peer, index: resp.MatchIndex, term: r.getCurrentTerm()}:
		case <-r.shutdownCh:
		}
	}
}

func (r *Raft) sendInstallSnapshot(fr *followerReplication) {
	data, ok, err := r.snaps.Load()
	if err != nil || !ok {
		r.logger.Errorw("no local snapshot available to install on lagging peer", "peer", fr.peer, "error", err)
		return
	}
	payload, err := marshalSnapshotPayload(data)
	if err != nil {
		r.logger.Errorw("failed to encode snapshot payload", "peer", fr.peer, "error", err)
		return
	}

	req := &Message{
		Term:              r.getCurrentTerm(),
		LeaderID:          r.conf.LocalID,
		LastIncludedIndex: data.Meta.LastIncludedIndex,
		LastIncludedTerm:  data.Meta.LastIncludedTerm,
		Data:              payload,
	}
	resp, err := r.trans.InstallSnapshot(fr.peer, req)
	if err != nil {
		return
	}
	if resp.Term > r.getCurrentTerm() {
		r.stepDown(resp.Term)
		return
	}
	if resp.Success {
		fr.nextIndex = data.Meta.LastIncludedIndex + 1
		select {
		case r.leaderState.commitCh <- matchUpdate{peer: fr.peer, index: data.Meta.LastIncludedIndex, term: r.getCurrentTerm()}:
		case <-r.shutdownCh:
		}
	}
}

// marshalSnapshotPayload/unmarshalSnapshotPayload carry a SnapshotData over
// the wire inside an InstallSnapshot Message, reusing the same on-disk
// shape the snapshot store persists.
func marshalSnapshotPayload(data *SnapshotData) ([]byte, error) {
	disk := onDiskSnapshot{
		LastIncludedIndex: data.Meta.LastIncludedIndex,
		LastIncludedTerm:  data.Meta.LastIncludedTerm,
		Data:              data.KV,
		Sequences:         data.Sequences,
	}
	return json.Marshal(&disk)
}

func unmarshalSnapshotPayload(body []byte, out *SnapshotData) error {
	var disk onDiskSnapshot
	if err := json.Unmarshal(body, &disk); err != nil {
		return err
	}
	out.Meta = SnapshotMeta{LastIncludedIndex: disk.LastIncludedIndex, LastIncludedTerm: disk.LastIncludedTerm}
	out.KV = disk.Data
	out.Sequences = disk.Sequences
	return nil
}

// restoreFromSnapshot loads any on-disk snapshot at boot and primes the
// FSM and volatile state from it (spec.md §4.4: a restarting node replays
// its snapshot before replaying trailing log entries).
func (r *Raft) restoreFromSnapshot() error {
	data, ok, err := r.snaps.Load()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := r.fsm.Restore(data); err != nil {
		return err
	}
	r.setLastApplied(data.Meta.LastIncludedIndex)
	r.setCommitIndex(maxUint64(r.getCommitIndex(), data.Meta.LastIncludedIndex))
	if r.getLastLogIndex() < data.Meta.LastIncludedIndex {
		r.setLastLogIndex(data.Meta.LastIncludedIndex)
		r.setLastLogTerm(data.Meta.LastIncludedTerm)
	}
	return nil
}
