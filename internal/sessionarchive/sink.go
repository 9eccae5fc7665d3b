package sessionarchive

import (
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/engine"
)

// Sink adapts an Archive to the engine.NotificationSink interface so it can
// sit alongside the log/broker sinks in a session's engine.MultiSink. It
// records every command terminal-state transition and session lifecycle
// event; heartbeats, recovery phases, and health verdicts are not
// audit-worthy on their own and are dropped.
type Sink struct {
	archive   *Archive
	sessionID string
}

// NewSink wraps archive for sessionID.
func NewSink(archive *Archive, sessionID string) *Sink {
	return &Sink{archive: archive, sessionID: sessionID}
}

var _ engine.NotificationSink = (*Sink)(nil)

func (s *Sink) CommandStatus(ev engine.CommandStatusEvent) {
	if !isTerminal(ev.State) {
		return
	}
	go s.archive.RecordCommand(s.sessionID, engine.Snapshot{
		ID:      ev.ID,
		State:   ev.State,
		BatchID: ev.BatchID,
		EndedAt: time.Now(),
	})
}

func (s *Sink) CommandHeartbeat(engine.CommandHeartbeatEvent) {}

func (s *Sink) SessionRecovery(ev engine.SessionRecoveryEvent) {
	if ev.Phase != "started" {
		return
	}
	go s.archive.RecordSessionEvent(s.sessionID, "recovery_started", ev.Reason)
}

func (s *Sink) ServerHealth(engine.ServerHealthEvent) {}

func (s *Sink) SessionEvent(ev engine.SessionLifecycleEvent) {
	go s.archive.RecordSessionEvent(s.sessionID, string(ev.Kind), "")
}

func isTerminal(state engine.State) bool {
	switch state {
	case engine.StateCompleted, engine.StateFailed, engine.StateCancelled, engine.StateTimedOut:
		return true
	default:
		return false
	}
}
