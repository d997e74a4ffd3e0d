package raft

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// NetTransport implements Transport over raw TCP with length-prefixed JSON
// framing (C1+C2). Exactly one canonical connection is kept per peer; when
// both ends race to connect, the link initiated by the lower nodeId wins
// (spec.md §4.2, and the deterministic tie-break spec.md §9 asks for).
type NetTransport struct {
	localID  string
	listener net.Listener
	logger   *zap.SugaredLogger

	consumer chan RPC

	peerAddrs map[string]string // configured peer id -> host:port

	mu        sync.Mutex
	conns     map[string]*peerConn
	closed    bool
	closeCh   chan struct{}
	nextReqID uint64

	callTimeout time.Duration
}

// NewNetTransport binds listenAddr and begins dialing every configured
// peer. localID is advertised in HELLO frames and used for tie-break.
func NewNetTransport(localID, listenAddr string, peerAddrs map[string]string, callTimeout time.Duration, logger *zap.SugaredLogger) (*NetTransport, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("raft: listen on %s: %w", listenAddr, err)
	}
	t := &NetTransport{
		localID:     localID,
		listener:    ln,
		logger:      logger,
		consumer:    make(chan RPC, 256),
		peerAddrs:   peerAddrs,
		conns:       make(map[string]*peerConn),
		closeCh:     make(chan struct{}),
		callTimeout: callTimeout,
	}
	go t.acceptLoop()
	for peerID, addr := range peerAddrs {
		go t.dialLoop(peerID, addr)
	}
	return t, nil
}

func (t *NetTransport) LocalID() string          { return t.localID }
func (t *NetTransport) Consumer() <-chan RPC     { return t.consumer }
func (t *NetTransport) ConnectedPeers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// weInitiatedWins reports whether a connection this node initiated to
// remoteID should be kept, per the lower-nodeId-initiated tie-break.
func weInitiatedWins(localID, remoteID string) bool {
	return localID < remoteID
}

func (t *NetTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closeCh:
				return
			default:
				t.logger.Warnw("accept failed", "error", err)
				continue
			}
		}
		go t.handleAccepted(conn)
	}
}

func (t *NetTransport) handleAccepted(conn net.Conn) {
	remoteID, r, err := t.handshake(conn)
	if err != nil {
		t.logger.Warnw("handshake failed on accepted connection", "error", err)
		conn.Close()
		return
	}
	initiatedByMe := false
	if weInitiatedWins(t.localID, remoteID) == initiatedByMe {
		t.adopt(remoteID, conn, r)
	} else {
		t.logger.Debugw("closing losing inbound connection", "peer", remoteID)
		conn.Close()
	}
}

func (t *NetTransport) dialLoop(peerID, addr string) {
	b := newBackoff()
	for {
		select {
		case <-t.closeCh:
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err != nil {
			time.Sleep(b.Next())
			continue
		}
		remoteID, r, err := t.handshake(conn)
		if err != nil {
			conn.Close()
			time.Sleep(b.Next())
			continue
		}
		if remoteID != peerID {
			t.logger.Warnw("peer identity mismatch", "configured", peerID, "actual", remoteID)
			conn.Close()
			time.Sleep(b.Next())
			continue
		}
		b.Reset()

		initiatedByMe := true
		if weInitiatedWins(t.localID, remoteID) == initiatedByMe {
			pc := t.adopt(remoteID, conn, r)
			<-pc.closeCh // block here until this link dies, then redial
		} else {
			conn.Close()
		}
		time.Sleep(b.Next())
	}
}

// handshake exchanges HELLO frames over a freshly (dis)connected socket and
// returns the peer's advertised id and a buffered reader positioned after
// the HELLO frame.
func (t *NetTransport) handshake(conn net.Conn) (string, *bufio.Reader, error) {
	if err := writeFrame(conn, &Message{Type: MsgHello, SenderID: t.localID, NodeID: t.localID}); err != nil {
		return "", nil, err
	}
	r := bufio.NewReader(conn)
	msg, err := readFrame(r)
	if err != nil {
		return "", nil, err
	}
	if msg.Type != MsgHello || msg.NodeID == "" {
		return "", nil, fmt.Errorf("raft: expected HELLO, got %q", msg.Type)
	}
	return msg.NodeID, r, nil
}

// adopt installs conn as the canonical link for peerID, closing and
// replacing whatever was there before, and starts its reader/writer
// goroutines.
func (t *NetTransport) adopt(peerID string, conn net.Conn, r *bufio.Reader) *peerConn {
	pc := &peerConn{
		id:      peerID,
		conn:    conn,
		w:       bufio.NewWriter(conn),
		outCh:   make(chan *Message, 256),
		pending: make(map[uint64]chan *Message),
		closeCh: make(chan struct{}),
	}

	t.mu.Lock()
	if old, ok := t.conns[peerID]; ok {
		t.mu.Unlock()
		old.close()
		t.mu.Lock()
	}
	t.conns[peerID] = pc
	t.mu.Unlock()

	t.logger.Infow("peer connection established", "peer", peerID)
	go t.readLoop(pc, r)
	go t.writeLoop(pc)
	return pc
}

func (t *NetTransport) readLoop(pc *peerConn, r *bufio.Reader) {
	defer t.dropConn(pc)
	for {
		msg, err := readFrame(r)
		if err != nil {
			return
		}
		if isResponseType(msg.Type) {
			pc.deliverResponse(msg)
			continue
		}
		t.dispatchInbound(pc, msg)
	}
}

func isResponseType(mt MessageType) bool {
	switch mt {
	case MsgAppendEntriesResponse, MsgRequestVoteResponse, MsgInstallSnapshotResponse:
		return true
	default:
		return false
	}
}

// dispatchInbound pushes an inbound request onto the consumer queue (the
// single inbound queue spec.md §9 calls for to avoid reentrant locking) and
// arranges for the eventual reply to be written back with the matching
// requestId.
func (t *NetTransport) dispatchInbound(pc *peerConn, msg *Message) {
	respCh := make(chan *Message, 1)
	select {
	case t.consumer <- RPC{Command: msg, RespCh: respCh}:
	case <-t.closeCh:
		return
	}
	go func() {
		select {
		case resp := <-respCh:
			if resp == nil {
				return
			}
			resp.RequestID = msg.RequestID
			resp.SenderID = t.localID
			pc.enqueue(resp)
		case <-t.closeCh:
		}
	}()
}

func (t *NetTransport) writeLoop(pc *peerConn) {
	for {
		select {
		case msg := <-pc.outCh:
			if err := writeFrame(pc.w, msg); err != nil {
				t.dropConn(pc)
				return
			}
			if err := pc.w.Flush(); err != nil {
				t.dropConn(pc)
				return
			}
		case <-pc.closeCh:
			return
		}
	}
}

func (t *NetTransport) dropConn(pc *peerConn) {
	t.mu.Lock()
	if t.conns[pc.id] == pc {
		delete(t.conns, pc.id)
	}
	t.mu.Unlock()
	pc.close()
}

func (t *NetTransport) getConn(peer string) (*peerConn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.conns[peer]
	return pc, ok
}

func (t *NetTransport) SendMessage(peer string, msg *Message) error {
	pc, ok := t.getConn(peer)
	if !ok {
		return ErrConnectionLost
	}
	msg.SenderID = t.localID
	pc.enqueue(msg)
	return nil
}

func (t *NetTransport) BroadcastMessage(msg *Message) {
	t.mu.Lock()
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.mu.Unlock()
	for _, pc := range conns {
		m := *msg
		m.SenderID = t.localID
		pc.enqueue(&m)
	}
}

// call sends req to peer and blocks for the matching response, implementing
// the synchronous RequestVote/AppendEntries/InstallSnapshot helpers on top
// of the async connection.
func (t *NetTransport) call(peer string, req *Message) (*Message, error) {
	pc, ok := t.getConn(peer)
	if !ok {
		return nil, ErrConnectionLost
	}
	reqID := atomic.AddUint64(&t.nextReqID, 1)
	req.RequestID = reqID
	req.SenderID = t.localID

	respCh := make(chan *Message, 1)
	pc.registerPending(reqID, respCh)
	defer pc.unregisterPending(reqID)

	pc.enqueue(req)

	select {
	case resp := <-respCh:
		return resp, nil
	case <-time.After(t.callTimeout):
		return nil, ErrTimeout
	case <-pc.closeCh:
		return nil, ErrConnectionLost
	case <-t.closeCh:
		return nil, ErrShutdown
	}
}

func (t *NetTransport) AppendEntries(peer string, req *Message) (*Message, error) {
	req.Type = MsgAppendEntries
	return t.call(peer, req)
}

func (t *NetTransport) RequestVote(peer string, req *Message) (*Message, error) {
	req.Type = MsgRequestVote
	return t.call(peer, req)
}

func (t *NetTransport) InstallSnapshot(peer string, req *Message) (*Message, error) {
	req.Type = MsgInstallSnapshot
	return t.call(peer, req)
}

func (t *NetTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*peerConn, 0, len(t.conns))
	for _, pc := range t.conns {
		conns = append(conns, pc)
	}
	t.mu.Unlock()

	close(t.closeCh)
	for _, pc := range conns {
		pc.close()
	}
	return t.listener.Close()
}

// peerConn is the single canonical connection to one peer: one writer
// goroutine drains outCh, one reader goroutine dispatches inbound frames
// (spec.md §5's "one reader task per peer connection" / "one writer task
// per peer connection").
type peerConn struct {
	id      string
	conn    net.Conn
	w       *bufio.Writer
	outCh   chan *Message
	closeCh chan struct{}
	closeOnce sync.Once

	pendingMu sync.Mutex
	pending   map[uint64]chan *Message
}

func (pc *peerConn) enqueue(msg *Message) {
	select {
	case pc.outCh <- msg:
	default:
		// Outbound queue full or connection gone: drop rather than block
		// the caller, per spec.md §4.2's fire-and-forget contract.
	}
}

func (pc *peerConn) registerPending(reqID uint64, ch chan *Message) {
	pc.pendingMu.Lock()
	pc.pending[reqID] = ch
	pc.pendingMu.Unlock()
}

func (pc *peerConn) unregisterPending(reqID uint64) {
	pc.pendingMu.Lock()
	delete(pc.pending, reqID)
	pc.pendingMu.Unlock()
}

func (pc *peerConn) deliverResponse(msg *Message) {
	pc.pendingMu.Lock()
	ch, ok := pc.pending[msg.RequestID]
	pc.pendingMu.Unlock()
	if ok {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (pc *peerConn) close() {
	pc.closeOnce.Do(func() {
		close(pc.closeCh)
		pc.conn.Close()
	})
}
