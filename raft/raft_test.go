package raft

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeFSM is a minimal FSM stub for exercising the consensus core in
// isolation from the key-value semantics layered on top of it elsewhere.
type fakeFSM struct {
	mu      sync.Mutex
	applied []LogEntry
}

func (f *fakeFSM) Apply(entry *LogEntry) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, *entry)
	return entry.Value
}

func (f *fakeFSM) Snapshot() (*SnapshotData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kv := make(map[string]string)
	for _, e := range f.applied {
		if e.Kind == EntryPut {
			kv[e.Key] = e.Value
		}
	}
	return &SnapshotData{KV: kv, Sequences: map[string]uint64{}}, nil
}

func (f *fakeFSM) Restore(data *SnapshotData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = nil
	for k, v := range data.KV {
		f.applied = append(f.applied, LogEntry{Kind: EntryPut, Key: k, Value: v})
	}
	return nil
}

func (f *fakeFSM) hasApplied(key, value string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.applied {
		if e.Kind == EntryPut && e.Key == key && e.Value == value {
			return true
		}
	}
	return false
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

type testCluster struct {
	nodes []*Raft
	fsms  []*fakeFSM
	trans []*NetTransport
}

func newTestCluster(t *testing.T, size int) *testCluster {
	t.Helper()
	logger := zap.NewNop().Sugar()

	ids := make([]string, size)
	addrs := make(map[string]string, size)
	for i := 0; i < size; i++ {
		ids[i] = fmt.Sprintf("n%d", i)
		addrs[ids[i]] = fmt.Sprintf("127.0.0.1:%d", freePort(t))
	}

	cluster := &testCluster{}
	for i := 0; i < size; i++ {
		peers := make(map[string]string, size-1)
		for j := 0; j < size; j++ {
			if i != j {
				peers[ids[j]] = addrs[ids[j]]
			}
		}

		trans, err := NewNetTransport(ids[i], addrs[ids[i]], peers, time.Second, logger)
		require.NoError(t, err)

		conf := DefaultConfig()
		conf.LocalID = ids[i]
		conf.DataDir = t.TempDir()
		conf.ElectionTimeoutMin = 60 * time.Millisecond
		conf.ElectionTimeoutMax = 120 * time.Millisecond
		conf.HeartbeatInterval = 20 * time.Millisecond

		logStore, err := newFileLogStore(conf.DataDir, logger)
		require.NoError(t, err)
		stableStore, err := newFileStableStore(conf.DataDir)
		require.NoError(t, err)
		snapStore, err := newFileSnapshotStore(conf.DataDir)
		require.NoError(t, err)

		fsm := &fakeFSM{}
		peerIDs := make([]string, 0, size-1)
		for id := range peers {
			peerIDs = append(peerIDs, id)
		}

		r, err := NewRaft(conf, fsm, logStore, stableStore, snapStore, peerIDs, trans, logger)
		require.NoError(t, err)

		cluster.nodes = append(cluster.nodes, r)
		cluster.fsms = append(cluster.fsms, fsm)
		cluster.trans = append(cluster.trans, trans)
	}
	return cluster
}

func (c *testCluster) shutdown() {
	for _, r := range c.nodes {
		r.Shutdown()
	}
}

func (c *testCluster) awaitLeader(t *testing.T, timeout time.Duration) *Raft {
	t.Helper()
	return c.awaitLeaderExcluding(t, timeout)
}

// awaitLeaderExcluding polls until a live node (other than those in
// exclude) reports itself as Leader and returns the first one found, for
// use after a node has been
// killed and must not be mistaken for the cluster's current leader.
func (c *testCluster) awaitLeaderExcluding(t *testing.T, timeout time.Duration, exclude ...*Raft) *Raft {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
	nodeLoop:
		for _, r := range c.nodes {
			for _, ex := range exclude {
				if r == ex {
					continue nodeLoop
				}
			}
			if r.getState() == Leader {
				return r
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no leader elected within timeout")
	return nil
}

// killLeader waits for the current leader, then shuts down its consensus
// core and transport, simulating the leader-failure scenario spec.md
// names: the cluster must re-elect from among the surviving nodes.
func (c *testCluster) killLeader(t *testing.T) (killed *Raft, killedFSM *fakeFSM) {
	t.Helper()
	leader := c.awaitLeader(t, 5*time.Second)
	for i, r := range c.nodes {
		if r == leader {
			r.Shutdown()
			c.trans[i].Close()
			return r, c.fsms[i]
		}
	}
	t.Fatal("leader not found among cluster nodes")
	return nil, nil
}

func TestClusterElectsExactlyOneLeader(t *testing.T) {
	c := newTestCluster(t, 3)
	defer c.shutdown()

	leader := c.awaitLeader(t, 5*time.Second)
	require.NotNil(t, leader)

	leaders := 0
	for _, r := range c.nodes {
		if r.getState() == Leader {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
}

func TestClusterReplicatesCommittedEntry(t *testing.T) {
	c := newTestCluster(t, 3)
	defer c.shutdown()

	leader := c.awaitLeader(t, 5*time.Second)

	f := leader.Propose(EntryPut, "hello", "world", "client-1", 1)
	require.NoError(t, f.Error())
	require.Equal(t, "world", f.Response())

	require.Eventually(t, func() bool {
		for _, r := range c.nodes {
			if r.getCommitIndex() < 2 { // NO_OP + the PUT
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "all nodes should eventually commit the leader's entry")
}

func TestClusterReelectsAfterLeaderFailureAndPreservesCommittedState(t *testing.T) {
	c := newTestCluster(t, 3)
	defer c.shutdown()

	leader := c.awaitLeader(t, 5*time.Second)
	f := leader.Propose(EntryPut, "hello", "world", "client-1", 1)
	require.NoError(t, f.Error())

	require.Eventually(t, func() bool {
		for _, r := range c.nodes {
			if r.getCommitIndex() < 2 { // NO_OP + the PUT
				return false
			}
		}
		return true
	}, 5*time.Second, 20*time.Millisecond, "the PUT must be committed everywhere before the leader is killed")

	killed, _ := c.killLeader(t)

	newLeader := c.awaitLeaderExcluding(t, 5*time.Second, killed)
	require.NotNil(t, newLeader)
	require.NotEqual(t, killed, newLeader, "a new leader must be elected from the surviving nodes")

	survivingApplied := false
	for i, r := range c.nodes {
		if r == killed {
			continue
		}
		if c.fsms[i].hasApplied("hello", "world") {
			survivingApplied = true
		}
	}
	require.True(t, survivingApplied, "state committed before the leader failure must survive on the remaining nodes")

	f2 := newLeader.Propose(EntryPut, "after", "failover", "client-1", 2)
	require.NoError(t, f2.Error())
}

func TestNonLeaderRejectsPropose(t *testing.T) {
	c := newTestCluster(t, 3)
	defer c.shutdown()

	c.awaitLeader(t, 5*time.Second)

	for _, r := range c.nodes {
		if r.getState() != Leader {
			f := r.Propose(EntryPut, "k", "v", "client-1", 1)
			require.ErrorIs(t, f.Error(), ErrNotLeader)
			return
		}
	}
}
