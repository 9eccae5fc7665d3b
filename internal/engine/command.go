// Package engine implements the isolated per-session command execution
// engine that mediates between an MCP client and a single long-lived CDB
// child process: the debugger process adapter, command registry, batch
// planner, queue processor, timeout supervisor, health monitor, recovery
// orchestrator, notification sink, and the session facade that composes
// them.
package engine

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is a command's position in its state machine.
type State int

const (
	StateQueued State = iota
	StateExecuting
	StateCompleted
	StateFailed
	StateCancelled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed_out"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal reports whether s is one of the four terminal states.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	default:
		return false
	}
}

// validTransitions enumerates the state machine's allowed edges. Mirrors
// the workflow state machine's transition table, narrowed to the six
// command states.
var validTransitions = map[State]map[State]bool{
	StateQueued: {
		StateExecuting: true,
		StateCancelled: true, // cancel before dequeue
	},
	StateExecuting: {
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
		StateTimedOut:  true,
	},
}

// CanTransitionTo reports whether from -> to is a legal edge.
func CanTransitionTo(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

var seq atomic.Int64

// nextSeq returns a process-lifetime-unique, monotonically increasing
// sequence number used to stably order records created within the same
// timestamp tick (UUIDs are not themselves time-sortable).
func nextSeq() int64 {
	return seq.Add(1)
}

// CommandRecord is the registry's unit of storage: one submitted command
// and everything known about its execution.
type CommandRecord struct {
	ID       string
	Seq      int64
	Text     string
	State    State
	BatchID  string // empty if not part of a batch

	SubmittedAt time.Time
	StartedAt   time.Time // zero until state >= Executing
	EndedAt     time.Time // zero until terminal

	Output string
	Err    error

	// cancel is a one-shot, signal-only cancellation handle. Closing it
	// signals cancellation; it must never be closed twice.
	cancel     chan struct{}
	cancelOnce func()

	// done is closed exactly once, when the record reaches a terminal
	// state, so that any number of concurrent waiters can observe
	// completion without polling. GetResult does not wait on it; it
	// returns a snapshot at once.
	done chan struct{}

	readCount int
}

// newCommandRecord creates a fresh Queued record for the given text.
func newCommandRecord(text string) *CommandRecord {
	id := uuid.New().String()
	cancelCh := make(chan struct{})
	var closeOnce int32
	return &CommandRecord{
		ID:          id,
		Seq:         nextSeq(),
		Text:        text,
		State:       StateQueued,
		SubmittedAt: time.Now(),
		cancel:      cancelCh,
		cancelOnce: func() {
			if atomic.CompareAndSwapInt32(&closeOnce, 0, 1) {
				close(cancelCh)
			}
		},
		done: make(chan struct{}),
	}
}

// CancelSignal returns the channel that is closed when this command is
// cancelled (by client request or timeout). Safe to read concurrently.
func (r *CommandRecord) CancelSignal() <-chan struct{} {
	return r.cancel
}

// Done returns the channel that is closed once the record reaches a
// terminal state. Multiple callers may select on it concurrently.
func (r *CommandRecord) Done() <-chan struct{} {
	return r.done
}

// requestCancel signals the cancellation handle. Idempotent.
func (r *CommandRecord) requestCancel() {
	r.cancelOnce()
}

// Snapshot is an immutable copy of a CommandRecord safe to hand to callers
// outside the registry's lock.
type Snapshot struct {
	ID          string
	Seq         int64
	Text        string
	State       State
	BatchID     string
	SubmittedAt time.Time
	StartedAt   time.Time
	EndedAt     time.Time
	Output      string
	Err         error
}

func (r *CommandRecord) snapshot() Snapshot {
	return Snapshot{
		ID:          r.ID,
		Seq:         r.Seq,
		Text:        r.Text,
		State:       r.State,
		BatchID:     r.BatchID,
		SubmittedAt: r.SubmittedAt,
		StartedAt:   r.StartedAt,
		EndedAt:     r.EndedAt,
		Output:      r.Output,
		Err:         r.Err,
	}
}
