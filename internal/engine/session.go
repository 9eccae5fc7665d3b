package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/errkind"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/log"
)

// Config gathers every knob of the session engine, combining the
// processor's, batch planner's, health monitor's, and recovery
// orchestrator's tunables into the one struct the façade's constructor
// takes.
type Config struct {
	CommandTimeout    time.Duration
	BatchCeiling      time.Duration
	Batch             BatchConfig
	HeartbeatInterval time.Duration

	HealthCacheTTL    time.Duration
	HealthProbeText   string
	HealthProbeTO     time.Duration
	HealthCheckPeriod time.Duration

	Recovery RecoveryConfig

	AdapterStartupWindow time.Duration
	AdapterBreakGrace    time.Duration
	AdapterStopGrace     time.Duration

	RetentionObservations int
	RetentionSweepPeriod  time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:    10 * time.Minute,
		BatchCeiling:      2 * time.Minute,
		Batch: BatchConfig{
			Enabled:          true,
			MaxSize:          5,
			Wait:             2 * time.Second,
			ExcludedPrefixes: []string{"!analyze", "!dump", "!heap"},
		},
		HeartbeatInterval: 15 * time.Second,

		HealthCacheTTL:    30 * time.Second,
		HealthProbeTO:     3 * time.Second,
		HealthCheckPeriod: 60 * time.Second,

		Recovery: RecoveryConfig{
			MaxAttempts: 3,
			Cooldown:    5 * time.Minute,
			BreakGrace:  5 * time.Second,
			BaseBackoff: 2 * time.Second,
			MaxBackoff:  1 * time.Minute,
			ProbeAfter:  2 * time.Second,
		},

		AdapterStartupWindow: 30 * time.Second,
		AdapterBreakGrace:    5 * time.Second,
		AdapterStopGrace:     5 * time.Second,

		RetentionObservations: 1,
		RetentionSweepPeriod:  1 * time.Minute,
	}
}

// Diagnostics summarizes a session's live state for the diagnostics tool.
type Diagnostics struct {
	SessionID        string
	Healthy          bool
	Degraded         bool
	RecoveryAttempts int
	QueueDepth       int
	TotalSubmitted   int
	TotalCompleted   int
	TotalFailed      int
	TotalCancelled   int
	TotalTimedOut    int
	HealthDiff       string
}

// Session is the public façade (Session Façade, I) composing the Debugger
// Process Adapter, Command Registry, Batch Planner, Queue Processor,
// Timeout Supervisor, Health Monitor, Recovery Orchestrator, and
// Notification Sink into one per-session operation surface.
type Session struct {
	id         string
	cfg        Config
	adapter    Adapter
	registry   Registry
	timeouts   *TimeoutSupervisor
	health     *HealthMonitor
	recovery   *RecoveryOrchestrator
	processor  *Processor
	sink       NotificationSink

	target, symbolPath string

	openedAt time.Time
	closedAt time.Time
	closeMu  sync.Mutex
	closed   bool

	counters struct {
		sync.Mutex
		submitted, completed, failed, cancelled, timedOut int
	}

	stopSweep context.CancelFunc
	stopHC    context.CancelFunc
	wg        sync.WaitGroup
}

// NewSession creates and starts a session: spawns the adapter against
// target/symbolPath, starts the queue processor loop, and begins periodic
// health checks and retention sweeps. The returned Session is ready to
// accept Submit calls.
func NewSession(ctx context.Context, id string, cfg Config, adapter Adapter, sink NotificationSink, target, symbolPath string) (*Session, error) {
	if sink == nil {
		sink = LogSink{}
	}

	registry := NewRegistry()
	timeouts := NewTimeoutSupervisor(nil)
	health := NewHealthMonitor(adapter, cfg.HealthCacheTTL, cfg.HealthProbeText, cfg.HealthProbeTO)

	s := &Session{
		id:         id,
		cfg:        cfg,
		adapter:    adapter,
		registry:   registry,
		timeouts:   timeouts,
		health:     health,
		sink:       sink,
		target:     target,
		symbolPath: symbolPath,
		openedAt:   time.Now(),
	}

	s.recovery = NewRecoveryOrchestrator(cfg.Recovery, RecoveryDeps{
		Adapter:          adapter,
		Health:           health,
		CancelAllPending: func(reason string) int { return registry.CancelAllPending(reason) },
		Target:           func() (string, string) { return s.target, s.symbolPath },
		Sink:             sink,
	})

	s.processor = NewProcessor(ProcessorConfig{
		CommandTimeout:    cfg.CommandTimeout,
		BatchCeiling:      cfg.BatchCeiling,
		Batch:             cfg.Batch,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, registry, adapter, timeouts, s.recovery, &countingSink{session: s, next: sink})

	if err := adapter.Start(ctx, target, symbolPath); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.processor.Run(ctx)
	}()

	s.startBackground(ctx)

	sink.SessionEvent(SessionLifecycleEvent{Kind: SessionOpened})
	log.Info(log.CatSession, "session opened", "id", id, "target", target)
	return s, nil
}

func (s *Session) startBackground(ctx context.Context) {
	hcCtx, hcCancel := context.WithCancel(ctx)
	s.stopHC = hcCancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runHealthChecks(hcCtx)
	}()

	sweepCtx, sweepCancel := context.WithCancel(ctx)
	s.stopSweep = sweepCancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runRetentionSweep(sweepCtx)
	}()
}

func (s *Session) runHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy := s.health.IsHealthy(ctx)
			s.sink.ServerHealth(ServerHealthEvent{Healthy: healthy})
		}
	}
}

func (s *Session) runRetentionSweep(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetentionSweepPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.registry.sweepRetirable(2 * s.cfg.CommandTimeout)
		}
	}
}

// Submit enqueues text as a new Queued command, registers its timeout, and
// returns its id.
func (s *Session) Submit(text string) (string, error) {
	if s.isClosed() {
		return "", errkind.ErrClosed
	}
	if s.processor.Degraded() {
		return "", errkind.ErrDegraded
	}
	id := s.registry.Insert(text)
	s.incr(&s.counters.submitted)

	s.timeouts.Start(id, s.cfg.CommandTimeout, func() {
		if r, found := s.registry.record(id); found {
			r.requestCancel()
		}
		_ = s.registry.TimeOut(id)
		s.incr(&s.counters.timedOut)
		s.sink.CommandStatus(CommandStatusEvent{ID: id, State: StateTimedOut})
	})

	s.processor.Enqueue(id, text)
	log.Debug(log.CatSession, "command submitted", "id", id)
	return id, nil
}

// Cancel requests cancellation of id, valid from Queued or Executing.
func (s *Session) Cancel(id, reason string) error {
	s.timeouts.Cancel(id)
	if err := s.registry.Cancel(id, reason); err != nil {
		return err
	}
	s.incr(&s.counters.cancelled)
	return nil
}

// GetResult returns id's current snapshot, recording an observation for
// retention purposes.
func (s *Session) GetResult(id string) (Snapshot, error) {
	snap, ok := s.registry.Get(id)
	if !ok {
		return Snapshot{}, errkind.ErrNotFound
	}
	s.registry.MarkRead(id)
	return snap, nil
}

// countingSink wraps a NotificationSink and increments the owning session's
// completed/failed counters exactly once, at the moment the processor
// reports the transition, rather than as a side effect of later reads.
type countingSink struct {
	session *Session
	next    NotificationSink
}

func (c *countingSink) CommandStatus(ev CommandStatusEvent) {
	switch ev.State {
	case StateCompleted:
		c.session.incr(&c.session.counters.completed)
	case StateFailed:
		c.session.incr(&c.session.counters.failed)
	}
	c.next.CommandStatus(ev)
}

func (c *countingSink) CommandHeartbeat(ev CommandHeartbeatEvent) { c.next.CommandHeartbeat(ev) }
func (c *countingSink) SessionRecovery(ev SessionRecoveryEvent)   { c.next.SessionRecovery(ev) }
func (c *countingSink) ServerHealth(ev ServerHealthEvent)         { c.next.ServerHealth(ev) }
func (c *countingSink) SessionEvent(ev SessionLifecycleEvent)     { c.next.SessionEvent(ev) }

// ListCommands returns snapshots of every known command, newest first.
func (s *Session) ListCommands() []Snapshot {
	return s.registry.List()
}

// Close idempotently tears the session down: cancels all pending commands,
// stops background loops, and stops the adapter.
func (s *Session) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closedAt = time.Now()
	s.closeMu.Unlock()

	s.registry.CancelAllPending("session closing")
	if s.stopHC != nil {
		s.stopHC()
	}
	if s.stopSweep != nil {
		s.stopSweep()
	}
	s.processor.Stop()
	err := s.adapter.Stop()
	s.wg.Wait()

	s.sink.SessionEvent(SessionLifecycleEvent{Kind: SessionClosed})
	log.Info(log.CatSession, "session closed", "id", s.id)
	return err
}

func (s *Session) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

// GetDiagnostics reports the session's live state for the diagnostics tool.
func (s *Session) GetDiagnostics(ctx context.Context) Diagnostics {
	s.counters.Lock()
	d := Diagnostics{
		SessionID:        s.id,
		Healthy:          s.health.IsHealthy(ctx),
		Degraded:         s.processor.Degraded(),
		RecoveryAttempts: s.recovery.Attempts(),
		TotalSubmitted:   s.counters.submitted,
		TotalCompleted:   s.counters.completed,
		TotalFailed:      s.counters.failed,
		TotalCancelled:   s.counters.cancelled,
		TotalTimedOut:    s.counters.timedOut,
		HealthDiff:       s.health.LastHealthDiff(),
	}
	s.counters.Unlock()
	return d
}

func (s *Session) incr(field *int) {
	s.counters.Lock()
	*field++
	s.counters.Unlock()
}
