package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/errkind"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/log"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/tracing"
)

// ProcessorConfig holds the Queue Processor's tunables, a subset of the
// session-level Config relevant to this component.
type ProcessorConfig struct {
	CommandTimeout    time.Duration
	BatchCeiling      time.Duration
	Batch             BatchConfig
	HeartbeatInterval time.Duration
}

// queueEntry is one Queued command awaiting dequeue.
type queueEntry struct {
	id   string
	text string
}

// Processor is the single-consumer loop (Queue Processor, D) that dequeues
// command ids, asks the Batch Planner to form a plan, invokes the adapter,
// records results in the registry, and emits notifications. Within the
// processor only this loop calls adapter.Execute; a configured health probe
// also calls it from the health-check goroutine, and the adapter's own lock
// serializes the two.
type Processor struct {
	cfg      ProcessorConfig
	registry Registry
	adapter  Adapter
	timeouts *TimeoutSupervisor
	recovery *RecoveryOrchestrator
	sink     NotificationSink

	mu       sync.Mutex
	queue    []queueEntry
	notEmpty chan struct{}

	degraded   bool
	degradedMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProcessor creates a Processor over registry/adapter, with timeouts and
// recovery wired in so steps 7-8 of the loop can act on them.
func NewProcessor(cfg ProcessorConfig, registry Registry, adapter Adapter, timeouts *TimeoutSupervisor, recovery *RecoveryOrchestrator, sink NotificationSink) *Processor {
	if sink == nil {
		sink = LogSink{}
	}
	return &Processor{
		cfg:      cfg,
		registry: registry,
		adapter:  adapter,
		timeouts: timeouts,
		recovery: recovery,
		sink:     sink,
		notEmpty: make(chan struct{}, 1),
	}
}

// Run starts the consumer loop and blocks until ctx is cancelled or Stop is
// called. Intended to be run in its own goroutine by the session façade.
func (p *Processor) Run(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	defer p.wg.Done()

	for {
		id, text, ok := p.dequeue()
		if !ok {
			select {
			case <-p.ctx.Done():
				return
			case <-p.notEmpty:
				continue
			}
		}
		p.processOne(id, text)
	}
}

// Stop cancels the consumer loop and waits for it to exit.
func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Enqueue appends a Queued id/text pair and wakes the consumer loop.
func (p *Processor) Enqueue(id, text string) {
	p.mu.Lock()
	p.queue = append(p.queue, queueEntry{id: id, text: text})
	p.mu.Unlock()
	select {
	case p.notEmpty <- struct{}{}:
	default:
	}
}

func (p *Processor) dequeue() (string, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return "", "", false
	}
	head := p.queue[0]
	p.queue = p.queue[1:]
	return head.id, head.text, true
}

// peekAndTake returns the batch planner's lookahead function. Each call
// removes and returns the next queued entry; processOne puts back an entry
// the planner took but did not add to the plan.
func (p *Processor) peekAndTake() func() (string, string, bool) {
	return func() (string, string, bool) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if len(p.queue) == 0 {
			return "", "", false
		}
		head := p.queue[0]
		p.queue = p.queue[1:]
		return head.id, head.text, true
	}
}

func (p *Processor) requeueFront(entries []queueEntry) {
	if len(entries) == 0 {
		return
	}
	p.mu.Lock()
	p.queue = append(entries, p.queue...)
	p.mu.Unlock()
}

// processOne implements steps 2-8 of the queue processor loop for one
// dequeued head.
func (p *Processor) processOne(headID, headText string) {
	spanCtx, span := tracing.StartCommandSpan(p.ctx, headID, headText)
	defer span.End()

	var lastTaken *queueEntry
	take := p.peekAndTake()
	peek := func() (string, string, bool) {
		id, text, ok := take()
		if ok {
			lastTaken = &queueEntry{id: id, text: text}
		}
		return id, text, ok
	}
	plan := planBatch(p.cfg.Batch, headID, headText, peek)
	if lastTaken != nil && lastTaken.id != plan.IDs[len(plan.IDs)-1] {
		// The planner stopped at a non-batchable entry; it stays queued.
		p.requeueFront([]queueEntry{*lastTaken})
	}

	// Step 3: verify every planned id is still Queued (a cancel may have
	// raced the dequeue); drop any that aren't, and requeue nothing since a
	// cancelled id is already terminal.
	live := make([]string, 0, len(plan.IDs))
	for _, id := range plan.IDs {
		snap, ok := p.registry.Get(id)
		if ok && snap.State == StateQueued {
			live = append(live, id)
		}
	}
	if len(live) == 0 {
		return
	}
	plan.IDs = live

	// Step 4: mark Executing, emit notifications.
	now := time.Now()
	for _, id := range plan.IDs {
		if err := p.registry.SetExecuting(id, now); err != nil {
			continue
		}
		p.sink.CommandStatus(CommandStatusEvent{ID: id, State: StateExecuting, BatchID: batchIDFor(plan)})
	}

	timeout := p.cfg.CommandTimeout
	if plan.IsBatch {
		timeout = effectiveTimeout(p.cfg.CommandTimeout, len(plan.IDs), p.cfg.BatchCeiling)
	}

	execCtx, execCancel := context.WithTimeout(spanCtx, timeout)
	stop := p.startHeartbeats(plan)
	raw, err := p.adapter.Execute(execCtx, composeBatch(plan))
	execCancel()
	stop()

	switch {
	case err == nil:
		p.completeBatch(plan, raw)
	case errIsCancelled(err):
		span.SetStatus(codes.Error, "cancelled")
		p.terminalize(plan, StateCancelled, "", err)
	case errIsTimedOut(err):
		span.SetStatus(codes.Error, "timed out")
		p.terminalize(plan, StateTimedOut, "", err)
	case errIsUnresponsive(err):
		span.SetStatus(codes.Error, "unresponsive")
		p.terminalize(plan, StateFailed, "", fmt.Errorf("%w: %v", errkind.ErrAdapterFault, err))
		p.recoverAndResume(err)
	default:
		span.SetStatus(codes.Error, err.Error())
		p.terminalize(plan, StateFailed, "", fmt.Errorf("%w: %v", errkind.ErrAdapterFault, err))
		p.recoverAndResume(err)
	}
}

// batchIDFor returns the batch label for notifications: empty for a solo
// plan, or the head id for a true batch.
func batchIDFor(plan Plan) string {
	if !plan.IsBatch {
		return ""
	}
	return plan.IDs[0]
}

func (p *Processor) completeBatch(plan Plan, raw string) {
	results := parseBatch(plan, raw)
	for _, id := range plan.IDs {
		res := results[id]
		if p.timeouts != nil {
			p.timeouts.Cancel(id)
		}
		if res.Err != nil {
			_ = p.registry.Fail(id, res.Err)
			p.sink.CommandStatus(CommandStatusEvent{ID: id, State: StateFailed, BatchID: batchIDFor(plan)})
			continue
		}
		_ = p.registry.Complete(id, res.Output)
		p.sink.CommandStatus(CommandStatusEvent{ID: id, State: StateCompleted, BatchID: batchIDFor(plan)})
	}
}

// terminalize applies to to every planned id still non-terminal. If only a
// subset of a batch was the true cause (e.g. one cancel triggered the whole
// plan's cancellation signal), the remaining ids are still attributed the
// same terminal state per the spec's "mid-batch" attribution rule, since the
// adapter cannot report partial batch cancellation once the combined signal
// fired.
func (p *Processor) terminalize(plan Plan, state State, output string, cause error) {
	for _, id := range plan.IDs {
		if p.timeouts != nil {
			p.timeouts.Cancel(id)
		}
		var err error
		switch state {
		case StateCancelled:
			err = p.registry.Cancel(id, cause.Error())
		case StateTimedOut:
			err = p.registry.TimeOut(id)
		default:
			err = p.registry.Fail(id, cause)
		}
		if err != nil && !errors.Is(err, errkind.ErrAlreadyTerminal) {
			log.Warn(log.CatQueue, "terminalize failed", "id", id, "error", err)
		}
		p.sink.CommandStatus(CommandStatusEvent{ID: id, State: state, BatchID: batchIDFor(plan)})
	}
}

// recoverAndResume is step 8: on adapter fault, invoke recovery; the loop
// resumes naturally at the top of Run regardless of outcome, since a failed
// recovery still returns control. The processor itself marks the session
// Degraded when Recover fails and clears the mark when it succeeds.
func (p *Processor) recoverAndResume(cause error) {
	if p.recovery == nil {
		return
	}
	if err := p.recovery.Recover(p.ctx, cause.Error()); err != nil {
		p.setDegraded(true)
		log.Error(log.CatQueue, "recovery failed, session degraded", "error", err)
		return
	}
	p.setDegraded(false)
}

func (p *Processor) setDegraded(v bool) {
	p.degradedMu.Lock()
	p.degraded = v
	p.degradedMu.Unlock()
}

// Degraded reports whether the session is in the degraded state described
// by step 8: the most recent recovery attempt failed.
func (p *Processor) Degraded() bool {
	p.degradedMu.RLock()
	defer p.degradedMu.RUnlock()
	return p.degraded
}

// startHeartbeats spawns a ticking goroutine that emits CommandHeartbeat
// notifications for every id in plan while it is Executing, returning a
// stop function to call once the batch completes.
func (p *Processor) startHeartbeats(plan Plan) func() {
	if p.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	start := time.Now()
	go func() {
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				elapsed := time.Since(start)
				for _, id := range plan.IDs {
					prefix := plan.Texts[id]
					if len(prefix) > 40 {
						prefix = prefix[:40]
					}
					p.sink.CommandHeartbeat(CommandHeartbeatEvent{
						ID:      id,
						Elapsed: elapsed,
						Message: heartbeatMessage(prefix, elapsed),
					})
				}
			}
		}
	}()
	return func() { close(done) }
}

// RequeueAfterRestart is called after an adapter restart mid-queue: any
// command left Executing at the moment of restart is marked Failed with
// reason "session restart" rather than silently retried, per the
// restartability contract.
func (p *Processor) RequeueAfterRestart(executingIDs []string) {
	for _, id := range executingIDs {
		_ = p.registry.Fail(id, fmt.Errorf("%w: session restart", errkind.ErrAdapterFault))
		p.sink.CommandStatus(CommandStatusEvent{ID: id, State: StateFailed})
	}
}

func errIsCancelled(err error) bool {
	return errors.Is(err, errkind.ErrCancelled)
}

func errIsTimedOut(err error) bool {
	return errors.Is(err, errkind.ErrTimedOut)
}

func errIsUnresponsive(err error) bool {
	return errors.Is(err, errkind.ErrUnresponsive)
}
