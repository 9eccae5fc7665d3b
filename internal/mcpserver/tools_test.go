package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/config"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/engine"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/sessiondir"
)

// echoSegment mirrors CDB's ".echo" framing: a composed
// ".echo START; cmd; .echo END;" segment round-trips as "START\n<output>\nEND\n".
var echoSegment = regexp.MustCompile(`\.echo (\S+); (.*?); \.echo (\S+);`)

func testEngineConfig() config.Config {
	cfg := config.Defaults()
	cfg.CommandTimeout = time.Second
	cfg.HealthCheckInterval = time.Hour
	cfg.RetentionSweepPeriod = time.Hour
	cfg.HeartbeatInterval = 0
	return cfg
}

type fakeAdapter struct {
	out string
}

func (a *fakeAdapter) Start(ctx context.Context, target, symbolPath string) error { return nil }
func (a *fakeAdapter) Stop() error                                                { return nil }
func (a *fakeAdapter) Execute(ctx context.Context, rawInput string) (string, error) {
	matches := echoSegment.FindAllStringSubmatch(rawInput, -1)
	var sb strings.Builder
	for _, m := range matches {
		start, end := m[1], m[3]
		fmt.Fprintf(&sb, "%s\n%s\n%s\n", start, a.out, end)
	}
	return sb.String(), nil
}
func (a *fakeAdapter) SignalBreak() error   { return nil }
func (a *fakeAdapter) IsActive() bool       { return true }
func (a *fakeAdapter) StderrTail() []string { return nil }

func newTestDirectory() *sessiondir.Directory {
	cfg := testEngineConfig()
	return sessiondir.NewDirectory(cfg, func(cdbPath, sessionID string) engine.Adapter {
		return &fakeAdapter{out: "output here"}
	})
}

func callTool(t *testing.T, server *Server, name string, args any) *ToolCallResult {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	result, rpcErr := server.handleToolsCall(mustMarshal(t, ToolCallParams{Name: name, Arguments: raw}))
	require.Nil(t, rpcErr)
	tc, ok := result.(*ToolCallResult)
	require.True(t, ok)
	return tc
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestRegisterSessionTools_FullLifecycle(t *testing.T) {
	dir := newTestDirectory()
	server := NewServer("test", "1.0.0")
	RegisterSessionTools(server, dir, engine.LogSink{})

	openResult := callTool(t, server, "open_session", map[string]any{"target": "/mnt/c/dumps/crash.dmp"})
	require.False(t, openResult.IsError)
	sessionID, ok := openResult.StructuredContent.(map[string]any)["session_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, sessionID)

	listResult := callTool(t, server, "list_sessions", map[string]any{})
	sessions := listResult.StructuredContent.(map[string]any)["sessions"].([]map[string]any)
	assert.Len(t, sessions, 1)

	submitResult := callTool(t, server, "submit_command", map[string]any{"session_id": sessionID, "command": "k"})
	require.False(t, submitResult.IsError)
	commandID, ok := submitResult.StructuredContent.(map[string]any)["command_id"].(string)
	require.True(t, ok)

	var snap map[string]any
	require.Eventually(t, func() bool {
		r := callTool(t, server, "get_result", map[string]any{"session_id": sessionID, "command_id": commandID})
		if r.IsError {
			return false
		}
		snap = r.StructuredContent.(map[string]any)
		return snap["state"] == "completed"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "output here", snap["output"])

	diagResult := callTool(t, server, "session_diagnostics", map[string]any{"session_id": sessionID})
	require.False(t, diagResult.IsError)

	closeResult := callTool(t, server, "close_session", map[string]any{"session_id": sessionID})
	require.False(t, closeResult.IsError)
}

func TestSubmitCommand_UnknownSessionIsError(t *testing.T) {
	dir := newTestDirectory()
	server := NewServer("test", "1.0.0")
	RegisterSessionTools(server, dir, engine.LogSink{})

	result := callTool(t, server, "submit_command", map[string]any{"session_id": "nope", "command": "k"})
	assert.True(t, result.IsError)
}
