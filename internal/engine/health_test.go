package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a minimal in-memory Adapter double for engine unit tests.
type fakeAdapter struct {
	active      bool
	executeErr  error
	executeOut  string
	executeCall int
	started     bool
	stopped     bool
	target      string
	symbolPath  string
}

func (f *fakeAdapter) Start(ctx context.Context, target, symbolPath string) error {
	f.started = true
	f.active = true
	f.target = target
	f.symbolPath = symbolPath
	return nil
}

func (f *fakeAdapter) Stop() error {
	f.stopped = true
	f.active = false
	return nil
}

func (f *fakeAdapter) Execute(ctx context.Context, rawInput string) (string, error) {
	f.executeCall++
	if f.executeErr != nil {
		return "", f.executeErr
	}
	return f.executeOut, nil
}

func (f *fakeAdapter) SignalBreak() error   { return nil }
func (f *fakeAdapter) IsActive() bool       { return f.active }
func (f *fakeAdapter) StderrTail() []string { return nil }

func TestHealthMonitor_UnhealthyWhenInactive(t *testing.T) {
	a := &fakeAdapter{active: false}
	h := NewHealthMonitor(a, time.Minute, "", 0)
	assert.False(t, h.IsHealthy(context.Background()))
}

func TestHealthMonitor_HealthyWithoutProbe(t *testing.T) {
	a := &fakeAdapter{active: true}
	h := NewHealthMonitor(a, time.Minute, "", 0)
	assert.True(t, h.IsHealthy(context.Background()))
}

func TestHealthMonitor_ProbeFailureIsUnhealthy(t *testing.T) {
	a := &fakeAdapter{active: true, executeErr: errors.New("no response")}
	h := NewHealthMonitor(a, time.Minute, ".echo ping", time.Second)
	assert.False(t, h.IsHealthy(context.Background()))
}

func TestHealthMonitor_CachesVerdict(t *testing.T) {
	a := &fakeAdapter{active: true}
	h := NewHealthMonitor(a, time.Minute, ".echo ping", time.Second)

	require.True(t, h.IsHealthy(context.Background()))
	assert.Equal(t, 1, a.executeCall)

	a.active = false // would flip the verdict if recomputed
	assert.True(t, h.IsHealthy(context.Background()), "cached verdict must be reused within TTL")
	assert.Equal(t, 1, a.executeCall)
}

func TestHealthMonitor_InvalidateForcesRecompute(t *testing.T) {
	a := &fakeAdapter{active: true}
	h := NewHealthMonitor(a, time.Minute, "", 0)
	require.True(t, h.IsHealthy(context.Background()))

	a.active = false
	h.Invalidate()
	assert.False(t, h.IsHealthy(context.Background()))
}

func TestHealthMonitor_DiffsProbeOutputsOnFlipToUnhealthy(t *testing.T) {
	a := &fakeAdapter{active: true, executeOut: "0:000> banner v1"}
	h := NewHealthMonitor(a, time.Minute, ".echo ping", time.Second)
	require.True(t, h.IsHealthy(context.Background()))
	assert.Empty(t, h.LastHealthDiff(), "no flip yet")

	h.Invalidate()
	a.executeOut = "0:000> banner v2 (bugcheck)"
	require.True(t, h.IsHealthy(context.Background()))

	h.Invalidate()
	a.active = false
	require.False(t, h.IsHealthy(context.Background()))

	assert.Contains(t, h.LastHealthDiff(), "+2 (bugcheck)")
}
