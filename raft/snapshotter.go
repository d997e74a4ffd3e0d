package raft

import "time"

// runSnapshots periodically checks whether enough log growth has
// accumulated to warrant a new snapshot (spec.md §4.4: triggered when
// entries applied since the last snapshot reach SnapshotThreshold), and
// services the manual Snapshot() future alongside the same request path
// the FSM goroutine uses to actually produce the image.
func (r *Raft) runSnapshots() {
	ticker := time.NewTicker(r.conf.SnapshotInterval)
	defer ticker.Stop()

	var lastSnapshotIndex uint64

	for {
		select {
		case <-r.shutdownCh:
			return

		case f := <-r.snapshotCh:
			f.respond(r.takeSnapshot(&lastSnapshotIndex))

		case <-ticker.C:
			applied := r.getLastApplied()
			if applied-lastSnapshotIndex >= r.conf.SnapshotThreshold {
				if err := r.takeSnapshot(&lastSnapshotIndex); err != nil {
					r.logger.Errorw("periodic snapshot failed", "error", err)
				}
			}
		}
	}
}

func (r *Raft) takeSnapshot(lastSnapshotIndex *uint64) error {
	index := r.getLastApplied()
	term := r.getCurrentTerm()
	if e, ok, err := r.logs.GetEntry(index); err == nil && ok {
		term = e.Term
	}

	req := &snapshotReq{errCh: make(chan error, 1), index: index, term: term}
	select {
	case r.fsmSnapshotCh <- req:
	case <-r.shutdownCh:
		return ErrShutdown
	}

	var err error
	select {
	case err = <-req.errCh:
	case <-r.shutdownCh:
		return ErrShutdown
	}
	if err != nil {
		return err
	}

	*lastSnapshotIndex = index

	if index > r.conf.TrailingLogs {
		if err := r.logs.DeleteUpTo(index - r.conf.TrailingLogs); err != nil {
			r.logger.Errorw("failed to compact log after snapshot", "error", err)
		}
	}
	return nil
}
