package raft

// Future is a generic completion handle: exactly one resolution is ever
// delivered (spec.md §9). Error blocks until that resolution arrives.
type Future interface {
	Error() error
}

// ApplyFuture is the handle returned by Raft.Propose; Response carries
// whatever FSM.Apply returned for the committed entry.
type ApplyFuture interface {
	Future
	Response() interface{}
}

type errorFuture struct {
	err error
}

func (e errorFuture) Error() error       { return e.err }
func (e errorFuture) Response() interface{} { return nil }

// logFuture tracks a log entry proposed by this node from dispatch through
// commit through FSM application, resolved exactly once by the applier.
type logFuture struct {
	log      LogEntry
	errCh    chan error
	response interface{}
}

func newLogFuture(entry LogEntry) *logFuture {
	return &logFuture{log: entry, errCh: make(chan error, 1)}
}

func (f *logFuture) Error() error {
	return <-f.errCh
}

func (f *logFuture) Response() interface{} {
	return f.response
}

func (f *logFuture) respond(err error) {
	select {
	case f.errCh <- err:
	default:
	}
}

// snapshotFuture backs the user-triggered Snapshot() call.
type snapshotFuture struct {
	errCh chan error
}

func newSnapshotFuture() *snapshotFuture {
	return &snapshotFuture{errCh: make(chan error, 1)}
}

func (f *snapshotFuture) Error() error { return <-f.errCh }
func (f *snapshotFuture) respond(err error) {
	select {
	case f.errCh <- err:
	default:
	}
}
