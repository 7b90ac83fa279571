package flush

import (
	"sync"

	"github.com/objectfs/cloudvol/pkg/errors"
)

// State is the consistency state of one open file.
type State int

const (
	// Clean means the remote object matches every byte the file exposes.
	Clean State = iota
	// Dirty means staged writes (or a fresh create) are not yet durable.
	Dirty
	// Flushing means a flush is uploading the staged bytes.
	Flushing
	// FlushFailed means the last flush gave up; the staged bytes are kept.
	FlushFailed
)

func (s State) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Flushing:
		return "flushing"
	case FlushFailed:
		return "flush_failed"
	default:
		return "unknown"
	}
}

// Tracker holds the state of one file and enforces the legal transitions:
//
//	Clean -> Dirty -> Flushing -> Clean
//	                  Flushing -> FlushFailed -> Flushing
//	FlushFailed -> Dirty (new write)
type Tracker struct {
	mu    sync.Mutex
	state State
}

// NewTracker returns a tracker starting in initial.
func NewTracker(initial State) *Tracker {
	return &Tracker{state: initial}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// MarkDirty records a staged write. A failed flush stays visible as
// FlushFailed until the next flush attempt.
func (t *Tracker) MarkDirty() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Clean {
		t.state = Dirty
	}
}

// begin moves to Flushing. It returns false when there is nothing to flush.
func (t *Tracker) begin() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case Clean:
		return false, nil
	case Dirty, FlushFailed:
		t.state = Flushing
		return true, nil
	default:
		return false, errors.NewError(errors.ErrCodeInvalidState, "flush already in progress").
			WithComponent("flush")
	}
}

func (t *Tracker) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.state = FlushFailed
		return
	}
	t.state = Clean
}
