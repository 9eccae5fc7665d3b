// Package sessiondir owns the server-wide set of open debugger sessions: it
// validates targets and symbol paths, translates WSL-style paths to their
// Windows equivalents, and constructs/tears down each session's core
// engine.
package sessiondir

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/config"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/engine"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/errkind"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/log"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/sessionarchive"
)

// AdapterFactory builds a fresh engine.Adapter for a new session, given a
// cdbPath and a session id (mixed into the adapter's sentinel literals).
type AdapterFactory func(cdbPath, sessionID string) engine.Adapter

// Directory owns every currently-open Session, keyed by id. Its lock is
// independent of any session's internal locks, so opening or closing one
// session never blocks on another session's queue processor loop.
type Directory struct {
	cfg         config.Config
	factory     AdapterFactory
	archive     *sessionarchive.Archive
	dumpWatcher *DumpWatcher

	mu       sync.RWMutex
	sessions map[string]*Session
}

// DirectoryOption configures a Directory at construction.
type DirectoryOption func(*Directory)

// WithArchive attaches a write-only SQLite audit trail: every session
// opened afterwards has its command/lifecycle events additionally recorded
// to archive.
func WithArchive(archive *sessionarchive.Archive) DirectoryOption {
	return func(d *Directory) { d.archive = archive }
}

// WithDumpWatcher attaches a DumpWatcher: every session opened against a
// WSL-visible path afterwards has its dump file existence-checked up front
// and its directory watched for external changes for as long as the
// session stays open.
func WithDumpWatcher(dw *DumpWatcher) DirectoryOption {
	return func(d *Directory) { d.dumpWatcher = dw }
}

// Session pairs a core engine.Session with the directory-level metadata an
// MCP client needs (target, symbol path, open time).
type Session struct {
	ID         string
	Target     string
	SymbolPath string
	OpenedAt   time.Time

	engine *engine.Session
}

// NewDirectory creates an empty Directory using cfg's defaults for every
// session it opens.
func NewDirectory(cfg config.Config, factory AdapterFactory, opts ...DirectoryOption) *Directory {
	d := &Directory{
		cfg:      cfg,
		factory:  factory,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var wslPathPattern = regexp.MustCompile(`^/mnt/([a-zA-Z])(/.*)?$`)

// TranslatePath converts a WSL-style path (/mnt/c/Users/...) to its Windows
// equivalent (C:\Users\...). Paths that don't match the /mnt/<drive> shape
// are returned unchanged, since CDB may also be given a native Windows path
// directly.
func TranslatePath(p string) string {
	m := wslPathPattern.FindStringSubmatch(p)
	if m == nil {
		return p
	}
	drive := strings.ToUpper(m[1])
	rest := strings.ReplaceAll(strings.TrimPrefix(m[2], "/"), "/", `\`)
	if rest == "" {
		return drive + `:\`
	}
	return drive + `:\` + rest
}

// ValidateSymbolPath accepts an empty symbol path and rejects one holding
// shell metacharacters (;&|`$), since the path flows directly into the CDB
// command line.
func ValidateSymbolPath(symbolPath string) error {
	if symbolPath == "" {
		return nil
	}
	if strings.ContainsAny(symbolPath, ";&|`$") {
		return fmt.Errorf("%w: symbol path contains disallowed characters", errkind.ErrInvalidInput)
	}
	return nil
}

// Open validates target/symbolPath, translates WSL paths, constructs a new
// core engine session, and registers it under a freshly minted session id.
func (d *Directory) Open(ctx context.Context, target, symbolPath string, sink engine.NotificationSink) (*Session, error) {
	if target == "" {
		return nil, fmt.Errorf("%w: target must not be empty", errkind.ErrInvalidInput)
	}
	if err := ValidateSymbolPath(symbolPath); err != nil {
		return nil, err
	}

	if d.dumpWatcher != nil && strings.HasPrefix(target, "/") {
		if err := validateDumpExists(target); err != nil {
			return nil, err
		}
		d.dumpWatcher.Watch(target)
	}

	target = TranslatePath(target)
	symbolPath = TranslatePath(symbolPath)

	id := uuid.New().String()
	adapter := d.factory(d.cfg.CDBPath, id)

	if d.archive != nil {
		sink = engine.MultiSink{sink, sessionarchive.NewSink(d.archive, id)}
	}

	ec := d.cfg.ToEngineConfig()
	engCfg := engine.Config{
		CommandTimeout:    ec.CommandTimeout,
		BatchCeiling:      ec.BatchCeiling,
		HeartbeatInterval: ec.HeartbeatInterval,
		Batch: engine.BatchConfig{
			Enabled:          ec.BatchEnabled,
			MaxSize:          ec.BatchMaxSize,
			Wait:             ec.BatchWait,
			ExcludedPrefixes: ec.BatchExcluded,
		},
		HealthCacheTTL:    ec.HealthCacheTTL,
		HealthProbeText:   ec.HealthProbeCommand,
		HealthProbeTO:     ec.HealthProbeTimeout,
		HealthCheckPeriod: ec.HealthCheckInterval,
		Recovery: engine.RecoveryConfig{
			MaxAttempts: ec.RecoveryMaxAttempts,
			Cooldown:    ec.RecoveryCooldown,
			BreakGrace:  ec.AdapterBreakGrace,
			BaseBackoff: ec.RestartBaseDelay,
			MaxBackoff:  ec.RestartMaxDelay,
			ProbeAfter:  ec.HealthProbeTimeout,
		},
		AdapterStartupWindow:  ec.AdapterStartupWindow,
		AdapterBreakGrace:     ec.AdapterBreakGrace,
		AdapterStopGrace:      ec.AdapterStopGrace,
		RetentionObservations: 1,
		RetentionSweepPeriod:  ec.RetentionSweepPeriod,
	}

	eng, err := engine.NewSession(ctx, id, engCfg, adapter, sink, target, symbolPath)
	if err != nil {
		return nil, fmt.Errorf("sessiondir: open %s: %w", id, err)
	}

	sess := &Session{ID: id, Target: target, SymbolPath: symbolPath, OpenedAt: time.Now(), engine: eng}

	d.mu.Lock()
	d.sessions[id] = sess
	d.mu.Unlock()

	log.Info(log.CatSession, "session directory: opened", "id", id, "target", path.Base(target))
	return sess, nil
}

// Get returns the session registered under id, or ok=false.
func (d *Directory) Get(id string) (*Session, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sessions[id]
	return s, ok
}

// List returns every currently-open session.
func (d *Directory) List() []*Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	return out
}

// Close tears down and unregisters id's session.
func (d *Directory) Close(id string) error {
	d.mu.Lock()
	sess, ok := d.sessions[id]
	if ok {
		delete(d.sessions, id)
	}
	d.mu.Unlock()

	if !ok {
		return errkind.ErrNotFound
	}
	log.Info(log.CatSession, "session directory: closing", "id", id)
	return sess.engine.Close()
}

// CloseAll tears down every open session, for server shutdown.
func (d *Directory) CloseAll() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		_ = d.Close(id)
	}
}

// Engine returns the underlying core engine session, for the tool adapters.
func (s *Session) Engine() *engine.Session { return s.engine }
