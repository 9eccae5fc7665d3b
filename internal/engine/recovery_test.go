package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/errkind"
)

func testRecoveryConfig() RecoveryConfig {
	return RecoveryConfig{
		MaxAttempts: 2,
		Cooldown:    50 * time.Millisecond,
		BreakGrace:  10 * time.Millisecond,
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
		ProbeAfter:  10 * time.Millisecond,
	}
}

func TestRecoveryOrchestrator_RecoversWithoutRestartIfBreakSufficed(t *testing.T) {
	a := &fakeAdapter{active: true}
	health := NewHealthMonitor(a, time.Minute, "", 0)
	cancelled := 0
	orch := NewRecoveryOrchestrator(testRecoveryConfig(), RecoveryDeps{
		Adapter:          a,
		Health:           health,
		CancelAllPending: func(reason string) int { cancelled++; return 0 },
		Target:           func() (string, string) { return "dump.dmp", "" },
		Sink:             LogSink{},
	})

	err := orch.Recover(context.Background(), "adapter fault")
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled, "break-sufficed path still cancels pending once")
	assert.False(t, a.stopped, "must not restart the adapter if health recovers after the break")
	assert.Equal(t, 0, orch.Attempts(), "attempts reset after a successful recovery")
}

func TestRecoveryOrchestrator_RestartsWhenUnhealthyAfterBreak(t *testing.T) {
	a := &fakeAdapter{active: false}
	health := NewHealthMonitor(a, time.Minute, "", 0)
	orch := NewRecoveryOrchestrator(testRecoveryConfig(), RecoveryDeps{
		Adapter:          a,
		Health:           health,
		CancelAllPending: func(reason string) int { return 0 },
		Target:           func() (string, string) { return "dump.dmp", "sympath" },
		Sink:             LogSink{},
	})

	err := orch.Recover(context.Background(), "adapter fault")
	require.NoError(t, err)
	assert.True(t, a.stopped)
	assert.True(t, a.started)
	assert.Equal(t, "dump.dmp", a.target)
	assert.Equal(t, "sympath", a.symbolPath)
}

func TestRecoveryOrchestrator_ExhaustsAfterMaxAttempts(t *testing.T) {
	cfg := testRecoveryConfig()
	cfg.MaxAttempts = 1
	cfg.Cooldown = time.Hour

	a := &fakeAdapter{active: false}
	health := NewHealthMonitor(a, time.Millisecond, "", 0)
	orch := NewRecoveryOrchestrator(cfg, RecoveryDeps{
		Adapter:          a,
		Health:           health,
		CancelAllPending: func(reason string) int { return 0 },
		Target:           func() (string, string) { return "", "" },
		Sink:             LogSink{},
	})

	require.True(t, orch.Eligible())
	require.NoError(t, orch.Recover(context.Background(), "first fault"))

	assert.False(t, orch.Eligible())
	err := orch.Recover(context.Background(), "second fault")
	assert.ErrorIs(t, err, errkind.ErrRecoveryExhausted)
}

func TestRecoveryOrchestrator_BackoffDoublesAndCaps(t *testing.T) {
	orch := &RecoveryOrchestrator{cfg: RecoveryConfig{BaseBackoff: time.Second, MaxBackoff: 4 * time.Second}}
	assert.Equal(t, time.Second, orch.backoffFor(1))
	assert.Equal(t, 2*time.Second, orch.backoffFor(2))
	assert.Equal(t, 4*time.Second, orch.backoffFor(3))
	assert.Equal(t, 4*time.Second, orch.backoffFor(4), "must cap at MaxBackoff")
}
