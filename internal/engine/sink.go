package engine

import (
	"context"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/log"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/pubsub"
)

// CommandStatusEvent reports a command's state transition.
type CommandStatusEvent struct {
	ID      string
	State   State
	BatchID string
}

// CommandHeartbeatEvent reports that a long-running command is still
// Executing, with a human-readable elapsed message.
type CommandHeartbeatEvent struct {
	ID      string
	Elapsed time.Duration
	Message string
}

// SessionRecoveryEvent reports a phase of the recovery procedure.
type SessionRecoveryEvent struct {
	Phase   string // "started", "completed", "failed"
	Reason  string
	Attempt int
}

// ServerHealthEvent reports a health verdict change.
type ServerHealthEvent struct {
	Healthy bool
}

// SessionEventKind distinguishes lifecycle events for SessionEvent.
type SessionEventKind string

const (
	SessionOpened SessionEventKind = "opened"
	SessionClosed SessionEventKind = "closed"
)

// SessionLifecycleEvent reports a session opening or closing.
type SessionLifecycleEvent struct {
	Kind SessionEventKind
}

// NotificationSink delivers fire-and-forget notifications to whatever is
// listening (MCP notification fan-out, diagnostics, logs). Every method must
// be non-blocking for the caller: slow or absent subscribers must never
// stall the queue processor or recovery orchestrator.
type NotificationSink interface {
	CommandStatus(ev CommandStatusEvent)
	CommandHeartbeat(ev CommandHeartbeatEvent)
	SessionRecovery(ev SessionRecoveryEvent)
	ServerHealth(ev ServerHealthEvent)
	SessionEvent(ev SessionLifecycleEvent)
}

// BrokerSink fans every category out over its own pubsub.Broker, so callers
// can subscribe to just the categories they need.
type BrokerSink struct {
	status    *pubsub.Broker[CommandStatusEvent]
	heartbeat *pubsub.Broker[CommandHeartbeatEvent]
	recovery  *pubsub.Broker[SessionRecoveryEvent]
	health    *pubsub.Broker[ServerHealthEvent]
	lifecycle *pubsub.Broker[SessionLifecycleEvent]
}

// NewBrokerSink creates a BrokerSink with a fresh broker per category.
func NewBrokerSink() *BrokerSink {
	return &BrokerSink{
		status:    pubsub.NewBroker[CommandStatusEvent](),
		heartbeat: pubsub.NewBroker[CommandHeartbeatEvent](),
		recovery:  pubsub.NewBroker[SessionRecoveryEvent](),
		health:    pubsub.NewBroker[ServerHealthEvent](),
		lifecycle: pubsub.NewBroker[SessionLifecycleEvent](),
	}
}

func (s *BrokerSink) CommandStatus(ev CommandStatusEvent)       { s.status.Publish(pubsub.UpdatedEvent, ev) }
func (s *BrokerSink) CommandHeartbeat(ev CommandHeartbeatEvent) { s.heartbeat.Publish(pubsub.UpdatedEvent, ev) }
func (s *BrokerSink) SessionRecovery(ev SessionRecoveryEvent)   { s.recovery.Publish(pubsub.UpdatedEvent, ev) }
func (s *BrokerSink) ServerHealth(ev ServerHealthEvent)         { s.health.Publish(pubsub.UpdatedEvent, ev) }
func (s *BrokerSink) SessionEvent(ev SessionLifecycleEvent)     { s.lifecycle.Publish(pubsub.UpdatedEvent, ev) }

// SubscribeStatus returns a channel of command status events, closed when
// ctx is cancelled.
func (s *BrokerSink) SubscribeStatus(ctx context.Context) <-chan pubsub.Event[CommandStatusEvent] {
	return s.status.Subscribe(ctx)
}

// SubscribeHeartbeat returns a channel of command heartbeat events.
func (s *BrokerSink) SubscribeHeartbeat(ctx context.Context) <-chan pubsub.Event[CommandHeartbeatEvent] {
	return s.heartbeat.Subscribe(ctx)
}

// SubscribeRecovery returns a channel of session recovery events.
func (s *BrokerSink) SubscribeRecovery(ctx context.Context) <-chan pubsub.Event[SessionRecoveryEvent] {
	return s.recovery.Subscribe(ctx)
}

// SubscribeHealth returns a channel of server health events.
func (s *BrokerSink) SubscribeHealth(ctx context.Context) <-chan pubsub.Event[ServerHealthEvent] {
	return s.health.Subscribe(ctx)
}

// SubscribeLifecycle returns a channel of session lifecycle events.
func (s *BrokerSink) SubscribeLifecycle(ctx context.Context) <-chan pubsub.Event[SessionLifecycleEvent] {
	return s.lifecycle.Subscribe(ctx)
}

// LogSink writes every notification through internal/log, for deployments
// without a live MCP notification subscriber.
type LogSink struct{}

func (LogSink) CommandStatus(ev CommandStatusEvent) {
	log.Debug(log.CatQueue, "command status", "id", ev.ID, "state", ev.State.String(), "batch", ev.BatchID)
}

func (LogSink) CommandHeartbeat(ev CommandHeartbeatEvent) {
	log.Debug(log.CatQueue, "command heartbeat", "id", ev.ID, "elapsed", ev.Elapsed.String(), "message", ev.Message)
}

func (LogSink) SessionRecovery(ev SessionRecoveryEvent) {
	log.Info(log.CatRecovery, "session recovery", "phase", ev.Phase, "reason", ev.Reason, "attempt", ev.Attempt)
}

func (LogSink) ServerHealth(ev ServerHealthEvent) {
	log.Info(log.CatHealth, "server health", "healthy", ev.Healthy)
}

func (LogSink) SessionEvent(ev SessionLifecycleEvent) {
	log.Info(log.CatSession, "session event", "kind", string(ev.Kind))
}

// MultiSink fans notifications out to every sink in the slice, in order.
type MultiSink []NotificationSink

func (m MultiSink) CommandStatus(ev CommandStatusEvent) {
	for _, s := range m {
		s.CommandStatus(ev)
	}
}

func (m MultiSink) CommandHeartbeat(ev CommandHeartbeatEvent) {
	for _, s := range m {
		s.CommandHeartbeat(ev)
	}
}

func (m MultiSink) SessionRecovery(ev SessionRecoveryEvent) {
	for _, s := range m {
		s.SessionRecovery(ev)
	}
}

func (m MultiSink) ServerHealth(ev ServerHealthEvent) {
	for _, s := range m {
		s.ServerHealth(ev)
	}
}

func (m MultiSink) SessionEvent(ev SessionLifecycleEvent) {
	for _, s := range m {
		s.SessionEvent(ev)
	}
}
