package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/errkind"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/log"
)

// Registry owns command records for one session. Implementations must be
// thread-safe; Get returns a consistent snapshot, never a mutable pointer
// shared with writers.
type Registry interface {
	// Insert creates a new Queued record for text and returns its id.
	Insert(text string) string

	// SetExecuting transitions id to Executing, recording the start time.
	SetExecuting(id string, at time.Time) error

	// Complete transitions id to Completed with the given output.
	// A second call on an already-terminal id returns errkind.ErrAlreadyTerminal.
	Complete(id string, output string) error

	// Fail transitions id to Failed with the given error.
	Fail(id string, cause error) error

	// Cancel transitions id to Cancelled. Valid from Queued or Executing.
	Cancel(id string, reason string) error

	// TimeOut transitions id to TimedOut. Valid only from Executing.
	TimeOut(id string) error

	// Get returns a snapshot of id, or ok=false if unknown.
	Get(id string) (Snapshot, bool)

	// List returns snapshots of all known records, newest first.
	List() []Snapshot

	// MarkRead records an observation of id via get_result/list_commands
	// and returns the record's terminal time (zero while it is not yet
	// terminal), or ok=false if id is unknown. The returned time does not
	// include the retention window; the sweep applies that separately.
	MarkRead(id string) (retireAfter time.Time, ok bool)

	// CancelAllPending cancels every Queued/Executing record with reason
	// and returns the count affected. Used by the recovery orchestrator via
	// a callback, and by session Close.
	CancelAllPending(reason string) int

	// record returns the live record for internal engine use (queue
	// processor, batch planner). Not part of the public facade.
	record(id string) (*CommandRecord, bool)

	// sweepRetirable removes terminal records observed at least once whose
	// terminal timestamp is older than minAge. Returns the count removed.
	sweepRetirable(minAge time.Duration) int
}

type inMemoryRegistry struct {
	mu      sync.RWMutex
	records map[string]*CommandRecord
}

// NewRegistry creates a new in-memory Registry.
func NewRegistry() Registry {
	return &inMemoryRegistry{records: make(map[string]*CommandRecord)}
}

func (r *inMemoryRegistry) Insert(text string) string {
	rec := newCommandRecord(text)
	r.mu.Lock()
	r.records[rec.ID] = rec
	r.mu.Unlock()
	log.Debug(log.CatRegistry, "command inserted", "id", rec.ID)
	return rec.ID
}

func (r *inMemoryRegistry) SetExecuting(id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return errkind.ErrNotFound
	}
	if rec.State.IsTerminal() {
		return errkind.ErrAlreadyTerminal
	}
	if !CanTransitionTo(rec.State, StateExecuting) {
		return errkind.ErrAlreadyTerminal
	}
	rec.State = StateExecuting
	rec.StartedAt = at
	return nil
}

func (r *inMemoryRegistry) Complete(id string, output string) error {
	return r.terminate(id, StateCompleted, output, nil)
}

func (r *inMemoryRegistry) Fail(id string, cause error) error {
	return r.terminate(id, StateFailed, "", cause)
}

func (r *inMemoryRegistry) Cancel(id string, reason string) error {
	r.mu.Lock()
	rec, ok := r.records[id]
	if !ok {
		r.mu.Unlock()
		return errkind.ErrNotFound
	}
	if rec.State.IsTerminal() {
		r.mu.Unlock()
		return errkind.ErrAlreadyTerminal
	}
	rec.requestCancel()
	r.mu.Unlock()
	return r.terminate(id, StateCancelled, "", errkind.ErrCancelled)
}

func (r *inMemoryRegistry) TimeOut(id string) error {
	return r.terminate(id, StateTimedOut, "", errkind.ErrTimedOut)
}

// terminate applies a terminal transition atomically. Idempotent: a second
// terminal transition on an already-terminal record is a no-op that
// reports errkind.ErrAlreadyTerminal, per the spec's idempotence law.
func (r *inMemoryRegistry) terminate(id string, to State, output string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return errkind.ErrNotFound
	}
	if rec.State.IsTerminal() {
		return errkind.ErrAlreadyTerminal
	}
	if !CanTransitionTo(rec.State, to) {
		// Queued -> {Completed,Failed,TimedOut} directly is not modeled by
		// the spec's state machine for anything but Cancel; treat as a
		// no-op rather than panic, matching "never revisits" invariant.
		return errkind.ErrAlreadyTerminal
	}

	rec.State = to
	rec.Output = output
	rec.Err = cause
	rec.EndedAt = time.Now()
	close(rec.done)
	log.Debug(log.CatRegistry, "command terminated", "id", id, "state", to.String())
	return nil
}

func (r *inMemoryRegistry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return Snapshot{}, false
	}
	return rec.snapshot(), true
}

func (r *inMemoryRegistry) List() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Snapshot, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.After(out[j].SubmittedAt)
		}
		return out[i].Seq > out[j].Seq
	})
	return out
}

func (r *inMemoryRegistry) MarkRead(id string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return time.Time{}, false
	}
	rec.readCount++
	if rec.EndedAt.IsZero() {
		return time.Time{}, true
	}
	return rec.EndedAt, true
}

func (r *inMemoryRegistry) CancelAllPending(reason string) int {
	r.mu.RLock()
	var pending []string
	for id, rec := range r.records {
		if !rec.State.IsTerminal() {
			pending = append(pending, id)
		}
	}
	r.mu.RUnlock()

	n := 0
	for _, id := range pending {
		if err := r.Cancel(id, reason); err == nil {
			n++
		}
	}
	return n
}

func (r *inMemoryRegistry) record(id string) (*CommandRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

func (r *inMemoryRegistry) sweepRetirable(minAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, rec := range r.records {
		if !rec.State.IsTerminal() {
			continue
		}
		if rec.readCount < 1 {
			continue
		}
		if now.Sub(rec.EndedAt) < minAge {
			continue
		}
		delete(r.records, id)
		removed++
	}
	return removed
}
