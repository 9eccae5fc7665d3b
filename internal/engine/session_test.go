package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSessionConfig() Config {
	cfg := DefaultConfig()
	cfg.CommandTimeout = time.Second
	cfg.HealthCheckPeriod = 50 * time.Millisecond
	cfg.RetentionSweepPeriod = 50 * time.Millisecond
	cfg.HeartbeatInterval = 0
	cfg.Recovery.Cooldown = time.Hour
	return cfg
}

func TestSession_SubmitAndGetResult(t *testing.T) {
	adapter := &echoingAdapter{active: true, outputs: map[string]string{"k": "rax=0"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := NewSession(ctx, "sess-1", testSessionConfig(), adapter, nil, "dump.dmp", "")
	require.NoError(t, err)
	defer sess.Close()

	id, err := sess.Submit("k")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := sess.GetResult(id)
		return err == nil && snap.State == StateCompleted
	}, time.Second, 5*time.Millisecond)

	snap, err := sess.GetResult(id)
	require.NoError(t, err)
	assert.Equal(t, "rax=0", snap.Output)
}

func TestSession_ListCommands(t *testing.T) {
	adapter := &echoingAdapter{active: true, outputs: map[string]string{"k": "out1", "lm": "out2"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := NewSession(ctx, "sess-2", testSessionConfig(), adapter, nil, "", "")
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Submit("k")
	require.NoError(t, err)
	_, err = sess.Submit("lm")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(sess.ListCommands()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestSession_CloseIsIdempotentAndCancelsPending(t *testing.T) {
	adapter := &echoingAdapter{active: true, delay: time.Hour, outputs: map[string]string{}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := NewSession(ctx, "sess-3", testSessionConfig(), adapter, nil, "", "")
	require.NoError(t, err)

	id, err := sess.Submit("g")
	require.NoError(t, err)

	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close(), "Close must be idempotent")

	snap, err := sess.GetResult(id)
	require.NoError(t, err)
	assert.True(t, snap.State.IsTerminal())
}

func TestSession_SubmitAfterCloseFails(t *testing.T) {
	adapter := &echoingAdapter{active: true, outputs: map[string]string{}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := NewSession(ctx, "sess-4", testSessionConfig(), adapter, nil, "", "")
	require.NoError(t, err)
	require.NoError(t, sess.Close())

	_, err = sess.Submit("k")
	assert.Error(t, err)
}

func TestSession_Diagnostics(t *testing.T) {
	adapter := &echoingAdapter{active: true, outputs: map[string]string{"k": "out"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := NewSession(ctx, "sess-5", testSessionConfig(), adapter, nil, "", "")
	require.NoError(t, err)
	defer sess.Close()

	id, err := sess.Submit("k")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, _ := sess.GetResult(id)
		return snap.State == StateCompleted
	}, time.Second, 5*time.Millisecond)

	diag := sess.GetDiagnostics(ctx)
	assert.Equal(t, "sess-5", diag.SessionID)
	assert.True(t, diag.Healthy)
	assert.Equal(t, 1, diag.TotalSubmitted)
	assert.Equal(t, 1, diag.TotalCompleted)
}
