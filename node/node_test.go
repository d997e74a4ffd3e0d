package node

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jahnavikedia/raft-cache-sub002/raft"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().String()
}

func newSingleNode(t *testing.T) *Node {
	t.Helper()
	conf := raft.DefaultConfig()
	conf.ElectionTimeoutMin = 50 * time.Millisecond
	conf.ElectionTimeoutMax = 100 * time.Millisecond
	conf.HeartbeatInterval = 15 * time.Millisecond

	n, err := New(Options{
		ID:         "solo",
		ListenAddr: freeAddr(t),
		Peers:      map[string]string{},
		DataDir:    t.TempDir(),
		Logger:     zap.NewNop().Sugar(),
		Config:     conf,
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Shutdown() })
	return n
}

func TestSingleNodeBecomesLeaderAndServesWrites(t *testing.T) {
	n := newSingleNode(t)

	require.Eventually(t, func() bool {
		return n.Status().State == "Leader"
	}, 3*time.Second, 10*time.Millisecond)

	_, err := n.Put("hello", "world", "client-1", 1)
	require.NoError(t, err)

	v, ok := n.Get("hello")
	require.True(t, ok)
	require.Equal(t, "world", v)
}

func TestSingleNodeDeleteRemovesKey(t *testing.T) {
	n := newSingleNode(t)
	require.Eventually(t, func() bool { return n.Status().State == "Leader" }, 3*time.Second, 10*time.Millisecond)

	_, err := n.Put("k", "v", "client-1", 1)
	require.NoError(t, err)
	_, err = n.Delete("k", "client-1", 2)
	require.NoError(t, err)

	_, ok := n.Get("k")
	require.False(t, ok)
}

func TestStatusReportsKeyCount(t *testing.T) {
	n := newSingleNode(t)
	require.Eventually(t, func() bool { return n.Status().State == "Leader" }, 3*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := n.Put(fmt.Sprintf("k%d", i), "v", "client-1", uint64(i+1))
		require.NoError(t, err)
	}

	require.Equal(t, 3, n.Status().KeyCount)
}
