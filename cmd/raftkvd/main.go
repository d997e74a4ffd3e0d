// Command raftkvd runs a single replicated key-value store node.
//
// Example, a three-node cluster on localhost:
//
//	raftkvd -id a -listen :7001 -peers b=localhost:7002,c=localhost:7003 -data ./data
//	raftkvd -id b -listen :7002 -peers a=localhost:7001,c=localhost:7003 -data ./data
//	raftkvd -id c -listen :7003 -peers a=localhost:7001,b=localhost:7002 -data ./data
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/jahnavikedia/raft-cache-sub002/node"
	"github.com/jahnavikedia/raft-cache-sub002/raft"
)

func main() {
	var (
		id       = flag.String("id", "", "this node's unique id")
		listen   = flag.String("listen", "", "address to listen for peer connections on; clients connect on the next port up")
		peersArg = flag.String("peers", "", "comma-separated id=host:port list of other cluster members")
		dataDir  = flag.String("data", "data", "directory for this node's durable state")
		dev      = flag.Bool("dev", false, "use a human-readable development log encoder instead of JSON")
	)
	flag.Parse()

	logger, err := newLogger(*dev)
	if err != nil {
		fmt.Fprintln(os.Stderr, "raftkvd: failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *id == "" || *listen == "" {
		logger.Fatal("raftkvd: -id and -listen are required")
	}
	peers, err := parsePeers(*peersArg)
	if err != nil {
		logger.Fatalw("raftkvd: invalid -peers", "error", err)
	}

	n, err := node.New(node.Options{
		ID:         *id,
		ListenAddr: *listen,
		Peers:      peers,
		DataDir:    *dataDir,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalw("raftkvd: failed to start node", "error", err)
	}

	clientLn, err := net.Listen("tcp", clientAddr(*listen))
	if err != nil {
		logger.Fatalw("raftkvd: failed to open client listener", "error", err)
	}
	srv := newClientServer(n, logger)
	go srv.serve(clientLn)

	logger.Infow("node started", "id", *id, "listen", *listen, "peers", peers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	clientLn.Close()
	if err := n.Shutdown(); err != nil {
		logger.Errorw("error during shutdown", "error", err)
	}
}

func newLogger(dev bool) (*zap.SugaredLogger, error) {
	if dev {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		return l.Sugar(), nil
	}
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func parsePeers(arg string) (map[string]string, error) {
	peers := make(map[string]string)
	if arg == "" {
		return peers, nil
	}
	for _, pair := range strings.Split(arg, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("malformed peer entry %q, want id=host:port", pair)
		}
		peers[parts[0]] = parts[1]
	}
	return peers, nil
}

// clientAddr derives the client-facing listener address from the peer
// listen address by incrementing the port by one, keeping the command
// line to a single -listen flag.
func clientAddr(peerAddr string) string {
	host, port, err := net.SplitHostPort(peerAddr)
	if err != nil {
		return peerAddr
	}
	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return peerAddr
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", p+1))
}

// clientServer speaks a trivial newline-delimited JSON request/response
// protocol for interactive and scripted clients, separate from the
// length-prefixed peer wire format (spec.md §6 describes these as
// independent surfaces).
type clientServer struct {
	node   *node.Node
	logger *zap.SugaredLogger
}

func newClientServer(n *node.Node, logger *zap.SugaredLogger) *clientServer {
	return &clientServer{node: n, logger: logger}
}

type clientRequest struct {
	Op       string `json:"op"`
	Key      string `json:"key"`
	Value    string `json:"value"`
	ClientID string `json:"clientId"`
	Sequence uint64 `json:"sequence"`
}

type clientResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Value  string `json:"value,omitempty"`
	Found  bool   `json:"found,omitempty"`
	Leader string `json:"leader,omitempty"`
}

func (s *clientServer) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *clientServer) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		var req clientRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			enc.Encode(clientResponse{Error: fmt.Sprintf("bad request: %v", err)})
			continue
		}
		enc.Encode(s.dispatch(&req))
	}
}

func (s *clientServer) dispatch(req *clientRequest) clientResponse {
	switch req.Op {
	case "GET":
		v, found := s.node.Get(req.Key)
		return clientResponse{OK: true, Value: v, Found: found}

	case "PUT":
		_, err := s.node.Put(req.Key, req.Value, req.ClientID, req.Sequence)
		return s.writeResponse(err)

	case "DELETE":
		_, err := s.node.Delete(req.Key, req.ClientID, req.Sequence)
		return s.writeResponse(err)

	case "STATUS":
		status := s.node.Status()
		return clientResponse{OK: true, Leader: status.Leader}

	case "KEYS":
		return clientResponse{OK: true, Value: strings.Join(s.node.Keys(), ",")}

	default:
		return clientResponse{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

func (s *clientServer) writeResponse(err error) clientResponse {
	if err == nil {
		return clientResponse{OK: true}
	}
	resp := clientResponse{Error: err.Error()}
	if err == raft.ErrNotLeader {
		resp.Leader = s.node.Status().Leader
	}
	return resp
}
