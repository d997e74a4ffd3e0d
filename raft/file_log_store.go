package raft

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// fileLogStore is the C3 implementation: an in-memory ordered slice of
// entries mirrored to an append-only text file, one JSON object per line,
// fsync'd after each append (spec.md §4.3, §6).
type fileLogStore struct {
	mu sync.Mutex

	path    string
	file    *os.File
	entries []LogEntry // entries[i] has Index == baseIndex+i

	baseIndex   uint64 // index of entries[0]; if entries is empty, last index + 1 (0 for a fresh log)
	commitIndex uint64

	logger *zap.SugaredLogger
}

func newFileLogStore(dataDir string, logger *zap.SugaredLogger) (*fileLogStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("raft: create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "raft.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("raft: open log file: %w", err)
	}
	s := &fileLogStore{path: path, file: f, logger: logger}
	if err := s.replay(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// replay loads entries from the log file. Per spec.md §9's resolution of
// the open question on corrupted lines: replay stops at the first
// corrupted or incomplete trailing line, treating the remainder as a crash
// truncation rather than skipping over it (skipping would risk violating
// I1 if a middle line is lost).
func (s *fileLogStore) replay() error {
	if _, err := s.file.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(s.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<24)

	var validUpTo int64
	var offset int64
	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := int64(len(line)) + 1 // + newline
		var entry LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			s.logger.Warnw("stopping log replay at corrupted line", "offset", offset, "error", err)
			break
		}
		if len(s.entries) == 0 {
			s.baseIndex = entry.Index
		} else if entry.Index != s.baseIndex+uint64(len(s.entries)) {
			s.logger.Warnw("stopping log replay: non-contiguous index", "want", s.baseIndex+uint64(len(s.entries)), "got", entry.Index)
			break
		}
		s.entries = append(s.entries, entry)
		offset += lineLen
		validUpTo = offset
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warnw("log scan error, truncating to last valid entry", "error", err)
	}
	// Discard any trailing partial/garbage bytes so a future append starts
	// from a clean offset (spec.md §6: "trailing partial lines from a
	// crash must be discarded on replay").
	if err := s.file.Truncate(validUpTo); err != nil {
		return fmt.Errorf("raft: truncate log to last valid entry: %w", err)
	}
	if _, err := s.file.Seek(0, 2); err != nil {
		return err
	}
	return nil
}

func (s *fileLogStore) writeLine(entry *LogEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("raft: encode log entry: %w", err)
	}
	body = append(body, '\n')
	if _, err := s.file.Write(body); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailure, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailure, err)
	}
	return nil
}

func (s *fileLogStore) Append(entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lastIndex := s.lastIndexLocked()
	if entry.Index != lastIndex+1 {
		return fmt.Errorf("raft: non-contiguous append: have last index %d, got %d", lastIndex, entry.Index)
	}
	if len(s.entries) > 0 && entry.Term < s.entries[len(s.entries)-1].Term {
		return fmt.Errorf("raft: term regression in append: %d < %d", entry.Term, s.entries[len(s.entries)-1].Term)
	}
	if err := s.writeLine(entry); err != nil {
		return err
	}
	if len(s.entries) == 0 {
		s.baseIndex = entry.Index
	}
	s.entries = append(s.entries, *entry)
	return nil
}

// AppendAll implements the follower side of AppendEntries exactly as
// spec.md §4.3 describes: truncate only from the first index whose
// existing entry disagrees in term, then append. This deliberately does
// NOT delete-then-reappend entries that already match (the teacher's
// approach), since doing so would pointlessly rewrite the file on every
// duplicate heartbeat and would violate I4 in spirit for entries the
// leader itself still considers canonical.
func (s *fileLogStore) AppendAll(prevIndex, prevTerm uint64, entries []LogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prevIndex != 0 {
		e, ok := s.getEntryLocked(prevIndex)
		if !ok || e.Term != prevTerm {
			return false, nil
		}
	}

	conflictAt := uint64(0)
	for _, newEntry := range entries {
		existing, ok := s.getEntryLocked(newEntry.Index)
		if !ok {
			break
		}
		if existing.Term != newEntry.Term {
			conflictAt = newEntry.Index
			break
		}
	}
	if conflictAt != 0 {
		if err := s.truncateFromLocked(conflictAt); err != nil {
			return false, err
		}
	}

	for _, newEntry := range entries {
		if _, ok := s.getEntryLocked(newEntry.Index); ok {
			// Already present and matching (conflictAt==0 path, or
			// entries before the conflict point).
			continue
		}
		entry := newEntry
		if err := s.writeLine(&entry); err != nil {
			return false, err
		}
		if len(s.entries) == 0 {
			s.baseIndex = entry.Index
		}
		s.entries = append(s.entries, entry)
	}
	return true, nil
}

func (s *fileLogStore) getEntryLocked(index uint64) (LogEntry, bool) {
	if len(s.entries) == 0 || index < s.baseIndex || index > s.baseIndex+uint64(len(s.entries))-1 {
		return LogEntry{}, false
	}
	return s.entries[index-s.baseIndex], true
}

func (s *fileLogStore) GetEntry(index uint64) (LogEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.getEntryLocked(index)
	return e, ok, nil
}

func (s *fileLogStore) Slice(fromIndex uint64) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 || fromIndex > s.baseIndex+uint64(len(s.entries))-1 {
		return nil, nil
	}
	start := uint64(0)
	if fromIndex > s.baseIndex {
		start = fromIndex - s.baseIndex
	}
	out := make([]LogEntry, len(s.entries)-int(start))
	copy(out, s.entries[start:])
	return out, nil
}

func (s *fileLogStore) FirstIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return 0, nil
	}
	return s.baseIndex, nil
}

// lastIndexLocked returns the last-known index. When the in-memory slice
// is empty (right after a snapshot compaction) the "last index" is the
// snapshot's lastIncludedIndex, tracked via baseIndex-1 by convention (see
// DeleteUpTo).
func (s *fileLogStore) lastIndexLocked() uint64 {
	if len(s.entries) == 0 {
		if s.baseIndex == 0 {
			return 0
		}
		return s.baseIndex - 1
	}
	return s.baseIndex + uint64(len(s.entries)) - 1
}

func (s *fileLogStore) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIndexLocked(), nil
}

func (s *fileLogStore) LastTerm() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return 0, nil
	}
	return s.entries[len(s.entries)-1].Term, nil
}

func (s *fileLogStore) Size() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.entries)), nil
}

func (s *fileLogStore) truncateFromLocked(index uint64) error {
	if len(s.entries) == 0 || index < s.baseIndex {
		return nil
	}
	cut := index - s.baseIndex
	if cut >= uint64(len(s.entries)) {
		return nil
	}
	s.entries = s.entries[:cut]
	return s.rewriteLocked()
}

func (s *fileLogStore) TruncateFrom(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncateFromLocked(index)
}

// DeleteUpTo removes entries with index <= index, used by snapshot
// compaction (C4). The file is rewritten to contain only the surviving
// entries.
func (s *fileLogStore) DeleteUpTo(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		if index >= s.baseIndex {
			s.baseIndex = index + 1
		}
		return nil
	}
	if index < s.baseIndex {
		return nil
	}
	cut := index - s.baseIndex + 1
	if cut >= uint64(len(s.entries)) {
		s.baseIndex = index + 1
		s.entries = nil
	} else {
		s.entries = s.entries[cut:]
		s.baseIndex = s.entries[0].Index
	}
	return s.rewriteLocked()
}

// rewriteLocked rewrites the backing file to hold exactly s.entries,
// via a temp file + rename for crash safety.
func (s *fileLogStore) rewriteLocked() error {
	tmpPath := s.path + ".rewrite.tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailure, err)
	}
	w := bufio.NewWriter(tmp)
	for i := range s.entries {
		body, err := json.Marshal(&s.entries[i])
		if err != nil {
			tmp.Close()
			return fmt.Errorf("raft: encode log entry during rewrite: %w", err)
		}
		if _, err := w.Write(append(body, '\n')); err != nil {
			tmp.Close()
			return fmt.Errorf("%w: %v", ErrPersistFailure, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrPersistFailure, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", ErrPersistFailure, err)
	}
	tmp.Close()
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailure, err)
	}

	s.file.Close()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistFailure, err)
	}
	s.file = f
	return nil
}

func (s *fileLogStore) AdvanceCommit(n uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.lastIndexLocked()
	next := maxUint64(s.commitIndex, n)
	if next > last {
		next = last
	}
	s.commitIndex = next
	return s.commitIndex, nil
}

func (s *fileLogStore) CommitIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitIndex, nil
}

func (s *fileLogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
