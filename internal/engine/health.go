package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/log"
)

const healthCacheKey = "verdict"

// HealthMonitor probes the adapter and caches the verdict for
// cacheTTL, so frequent callers (diagnostics, periodic checks) don't
// re-probe CDB on every call.
type HealthMonitor struct {
	adapter   Adapter
	cacheTTL  time.Duration
	probeText string
	probeTO   time.Duration
	cache     *cache.Cache

	mu           sync.Mutex
	wasHealthy   bool
	probeOutputs []string // oldest first, most recent last, capped at 2
	lastDiff     string
}

// NewHealthMonitor creates a monitor over adapter. probeText is an
// optional lightweight command (e.g. ".echo ping") run through the adapter
// when the cached verdict is stale; empty disables the probe and relies on
// adapter.IsActive() alone.
func NewHealthMonitor(adapter Adapter, cacheTTL time.Duration, probeText string, probeTimeout time.Duration) *HealthMonitor {
	return &HealthMonitor{
		adapter:    adapter,
		cacheTTL:   cacheTTL,
		probeText:  probeText,
		probeTO:    probeTimeout,
		cache:      cache.New(cacheTTL, 2*cacheTTL),
		wasHealthy: true, // assume healthy at session start; no flip to diff yet
	}
}

// IsHealthy returns the cached verdict if younger than cacheTTL; otherwise
// recomputes from adapter.IsActive() and, if configured, a short-timeout
// probe command. A probe that times out flips the verdict to unhealthy for
// the TTL window.
func (h *HealthMonitor) IsHealthy(ctx context.Context) bool {
	if v, found := h.cache.Get(healthCacheKey); found {
		return v.(bool)
	}

	healthy := h.recompute(ctx)
	h.cache.Set(healthCacheKey, healthy, cache.DefaultExpiration)
	return healthy
}

func (h *HealthMonitor) recompute(ctx context.Context) bool {
	healthy := h.probe(ctx)

	h.mu.Lock()
	flipped := h.wasHealthy && !healthy
	h.wasHealthy = healthy
	h.mu.Unlock()

	if flipped {
		h.computeDiff()
	}
	return healthy
}

func (h *HealthMonitor) probe(ctx context.Context) bool {
	if !h.adapter.IsActive() {
		return false
	}
	if h.probeText == "" {
		return true
	}

	probeCtx, cancel := context.WithTimeout(ctx, h.probeTO)
	defer cancel()
	out, err := h.adapter.Execute(probeCtx, h.probeText)
	if err != nil {
		log.Warn(log.CatHealth, "health probe failed", "error", err)
		return false
	}
	h.recordProbeOutput(out)
	return true
}

func (h *HealthMonitor) recordProbeOutput(out string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probeOutputs = append(h.probeOutputs, out)
	if len(h.probeOutputs) > 2 {
		h.probeOutputs = h.probeOutputs[len(h.probeOutputs)-2:]
	}
}

// computeDiff renders a compact textual diff between the two most recent
// probe outputs, so a healthy->unhealthy flip can surface what changed in
// CDB's banner/prompt text rather than just "unhealthy".
func (h *HealthMonitor) computeDiff() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.probeOutputs) < 2 {
		return
	}

	prev, cur := h.probeOutputs[0], h.probeOutputs[1]
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(prev, cur, false)

	var sb strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			sb.WriteString("+" + strings.TrimSpace(d.Text) + " ")
		case diffmatchpatch.DiffDelete:
			sb.WriteString("-" + strings.TrimSpace(d.Text) + " ")
		}
	}
	h.lastDiff = strings.TrimSpace(sb.String())
}

// LastHealthDiff returns the compact diff captured at the most recent
// healthy->unhealthy transition, or "" if none has occurred.
func (h *HealthMonitor) LastHealthDiff() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastDiff
}

// Invalidate clears the cached verdict, forcing the next IsHealthy call to
// recompute. Used after recovery so a stale "unhealthy" verdict doesn't
// linger past a successful restart.
func (h *HealthMonitor) Invalidate() {
	h.cache.Delete(healthCacheKey)
}
