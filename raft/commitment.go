package raft

import "sort"

// commitTracker computes the new commit index for a leader from the
// matchIndex of every voter, enforcing the commitment rule's essential
// term constraint (spec.md §4.5): a leader only commits index N when a
// majority of voters (including itself) have matchIndex >= N AND the
// entry at N was created in the leader's current term.
//
// This replaces the teacher's generic inflight/quorumPolicy pair, which
// tallied raw vote counts per index with no term check at all — sufficient
// for the teacher's toy membership-change demo, but unsafe for spec.md's
// commitment rule, where committing a stale-term entry on replica count
// alone is the textbook Raft correctness bug the NO_OP entry exists to
// avoid. See DESIGN.md for the rationale.
type commitTracker struct {
	matchIndex map[string]uint64 // peer id -> highest index known replicated
	self       string
	quorum     int
}

func newCommitTracker(self string, peers []string) *commitTracker {
	t := &commitTracker{
		matchIndex: make(map[string]uint64, len(peers)+1),
		self:       self,
		quorum:     quorumSize(len(peers) + 1),
	}
	for _, p := range peers {
		t.matchIndex[p] = 0
	}
	t.matchIndex[self] = 0
	return t
}

func (t *commitTracker) setMatchIndex(peer string, index uint64) {
	if cur, ok := t.matchIndex[peer]; !ok || index > cur {
		t.matchIndex[peer] = index
	}
}

// computeN returns the largest index a strict majority of voters have
// replicated, without regard to term (the term check happens separately
// in the caller, which is the only place that knows each entry's term).
func (t *commitTracker) computeN() uint64 {
	indexes := make([]uint64, 0, len(t.matchIndex))
	for _, idx := range t.matchIndex {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] > indexes[j] })
	if t.quorum > len(indexes) {
		return 0
	}
	return indexes[t.quorum-1]
}
