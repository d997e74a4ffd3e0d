package raft

import "go.uber.org/zap"

// NewFileLogStore opens (creating if necessary) the durable log file under
// dataDir and replays it into memory. The returned value satisfies
// LogStore; callers outside this package never need the concrete type.
func NewFileLogStore(dataDir string, logger *zap.SugaredLogger) (LogStore, error) {
	return newFileLogStore(dataDir, logger)
}

// NewFileStableStore opens the meta.json file under dataDir holding
// currentTerm/votedFor.
func NewFileStableStore(dataDir string) (*fileStableStore, error) {
	return newFileStableStore(dataDir)
}

// NewFileSnapshotStore opens the snapshot file under dataDir. The returned
// value satisfies SnapshotStore.
func NewFileSnapshotStore(dataDir string) (SnapshotStore, error) {
	return newFileSnapshotStore(dataDir)
}
