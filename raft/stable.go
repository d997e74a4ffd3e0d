package raft

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
)

// stableMeta is the persistent state that must survive a restart
// (spec.md §3, §6): currentTerm and votedFor, stored as meta.json.
type stableMeta struct {
	CurrentTerm uint64 `json:"currentTerm"`
	VotedFor    string `json:"votedFor"`
}

// fileStableStore persists currentTerm/votedFor to data/node-<id>/meta.json,
// written before any reply that depends on it (spec.md §6).
type fileStableStore struct {
	mu   sync.Mutex
	path string
}

func newFileStableStore(dataDir string) (*fileStableStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("raft: create meta dir: %w", err)
	}
	return &fileStableStore{path: filepath.Join(dataDir, "meta.json")}, nil
}

func (s *fileStableStore) Load() (stableMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return stableMeta{}, nil
		}
		return stableMeta{}, fmt.Errorf("raft: read meta.json: %w", err)
	}
	var m stableMeta
	if err := json.Unmarshal(body, &m); err != nil {
		return stableMeta{}, fmt.Errorf("raft: decode meta.json: %w", err)
	}
	return m, nil
}

func (s *fileStableStore) Save(m stableMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("raft: encode meta.json: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, body, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailure, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailure, err)
	}
	return nil
}
