package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/errkind"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/log"
)

// RecoveryConfig holds the Recovery Orchestrator's tunables.
type RecoveryConfig struct {
	MaxAttempts   int
	Cooldown      time.Duration
	BreakGrace    time.Duration
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	ProbeAfter    time.Duration
}

// RecoveryDeps are the callbacks the orchestrator needs from its
// surrounding components, passed in rather than referenced directly so the
// queue processor and recovery orchestrator don't import each other.
type RecoveryDeps struct {
	Adapter         Adapter
	Health          *HealthMonitor
	CancelAllPending func(reason string) int
	Target          func() (target, symbolPath string)
	Sink            NotificationSink
}

// RecoveryOrchestrator restarts a stuck or crashed adapter with exponential
// backoff, bounded by MaxAttempts within Cooldown of each other.
type RecoveryOrchestrator struct {
	cfg  RecoveryConfig
	deps RecoveryDeps

	mu          sync.RWMutex
	attempts    int
	lastAttempt time.Time
}

// NewRecoveryOrchestrator creates an orchestrator over deps with cfg.
func NewRecoveryOrchestrator(cfg RecoveryConfig, deps RecoveryDeps) *RecoveryOrchestrator {
	return &RecoveryOrchestrator{cfg: cfg, deps: deps}
}

// Eligible reports whether another recovery attempt may be made now: either
// the attempt counter hasn't been exhausted, or the cooldown window since
// the last attempt has elapsed (which resets the counter).
func (o *RecoveryOrchestrator) Eligible() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.attempts < o.cfg.MaxAttempts {
		return true
	}
	return time.Since(o.lastAttempt) >= o.cfg.Cooldown
}

// Attempts returns the current attempt counter (for diagnostics).
func (o *RecoveryOrchestrator) Attempts() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.attempts
}

func (o *RecoveryOrchestrator) recordAttempt() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if time.Since(o.lastAttempt) >= o.cfg.Cooldown {
		o.attempts = 0
	}
	o.attempts++
	o.lastAttempt = time.Now()
	return o.attempts
}

func (o *RecoveryOrchestrator) resetAttempts() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts = 0
}

// Recover runs the restart procedure: cancel in-flight work, attempt a soft
// break, probe health, and if still unhealthy stop and restart the adapter
// with exponential backoff between tries. Returns errkind.ErrRecoveryExhausted
// if not Eligible.
func (o *RecoveryOrchestrator) Recover(ctx context.Context, reason string) error {
	if !o.Eligible() {
		o.notify(SessionRecoveryEvent{Phase: "failed", Reason: "max attempts exhausted", Attempt: o.Attempts()})
		return errkind.ErrRecoveryExhausted
	}

	attempt := o.recordAttempt()
	o.notify(SessionRecoveryEvent{Phase: "started", Reason: reason, Attempt: attempt})
	log.Warn(log.CatRecovery, "recovery started", "reason", reason, "attempt", attempt)

	o.deps.CancelAllPending("session recovering: " + reason)

	_ = o.deps.Adapter.SignalBreak()
	breakCtx, cancel := context.WithTimeout(ctx, o.cfg.BreakGrace)
	defer cancel()
	<-breakCtx.Done()

	o.deps.Health.Invalidate()
	probeCtx, probeCancel := context.WithTimeout(ctx, o.cfg.ProbeAfter)
	healthy := o.deps.Health.IsHealthy(probeCtx)
	probeCancel()

	if healthy {
		o.resetAttempts()
		o.notify(SessionRecoveryEvent{Phase: "completed", Reason: "break sufficed", Attempt: attempt})
		log.Info(log.CatRecovery, "recovery completed without restart", "attempt", attempt)
		return nil
	}

	o.deps.CancelAllPending("session recovering: restarting adapter")

	if err := o.deps.Adapter.Stop(); err != nil {
		log.Warn(log.CatRecovery, "recovery stop failed", "error", err)
	}

	backoff := o.backoffFor(attempt)
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return ctx.Err()
	}

	if o.deps.Adapter.IsActive() {
		o.notify(SessionRecoveryEvent{Phase: "failed", Reason: "adapter still active after stop", Attempt: attempt})
		return fmt.Errorf("%w: adapter still active after stop", errkind.ErrAdapterFault)
	}

	target, symbolPath := o.deps.Target()
	if err := o.deps.Adapter.Start(ctx, target, symbolPath); err != nil {
		o.notify(SessionRecoveryEvent{Phase: "failed", Reason: err.Error(), Attempt: attempt})
		return fmt.Errorf("%w: restart failed: %v", errkind.ErrRecoveryExhausted, err)
	}

	o.deps.Health.Invalidate()
	o.notify(SessionRecoveryEvent{Phase: "completed", Reason: "adapter restarted", Attempt: attempt})
	log.Info(log.CatRecovery, "recovery completed with restart", "attempt", attempt)
	return nil
}

// backoffFor returns BaseBackoff doubled per attempt, capped at MaxBackoff.
func (o *RecoveryOrchestrator) backoffFor(attempt int) time.Duration {
	d := o.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if o.cfg.MaxBackoff > 0 && d >= o.cfg.MaxBackoff {
			return o.cfg.MaxBackoff
		}
	}
	if o.cfg.MaxBackoff > 0 && d > o.cfg.MaxBackoff {
		return o.cfg.MaxBackoff
	}
	return d
}

func (o *RecoveryOrchestrator) notify(ev SessionRecoveryEvent) {
	if o.deps.Sink != nil {
		o.deps.Sink.SessionRecovery(ev)
	}
}
