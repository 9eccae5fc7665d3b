package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/CapulusCodeNinja/mcp-nexus/internal/engine"
	"github.com/CapulusCodeNinja/mcp-nexus/internal/sessiondir"
)

// RegisterSessionTools wires every Session Façade operation, plus
// open_session/list_sessions, onto server as MCP tools backed by dir.
func RegisterSessionTools(server *Server, dir *sessiondir.Directory, sink engine.NotificationSink) {
	server.RegisterTool(openSessionTool(), openSessionHandler(dir, sink))
	server.RegisterTool(listSessionsTool(), listSessionsHandler(dir))
	server.RegisterTool(submitCommandTool(), submitCommandHandler(dir))
	server.RegisterTool(cancelCommandTool(), cancelCommandHandler(dir))
	server.RegisterTool(getResultTool(), getResultHandler(dir))
	server.RegisterTool(listCommandsTool(), listCommandsHandler(dir))
	server.RegisterTool(closeSessionTool(), closeSessionHandler(dir))
	server.RegisterTool(sessionDiagnosticsTool(), sessionDiagnosticsHandler(dir))
}

func strProp(desc string) *PropertySchema { return &PropertySchema{Type: "string", Description: desc} }

func openSessionTool() Tool {
	return Tool{
		Name:        "open_session",
		Description: "Open a new CDB debugging session against a dump file or remote connection target.",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"target":      strProp("Dump file path or remote connection string."),
				"symbol_path": strProp("Optional symbol search path."),
			},
			Required: []string{"target"},
		},
	}
}

type openSessionArgs struct {
	Target     string `json:"target"`
	SymbolPath string `json:"symbol_path"`
}

func openSessionHandler(dir *sessiondir.Directory, sink engine.NotificationSink) ToolHandler {
	return func(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
		var args openSessionArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		sess, err := dir.Open(ctx, args.Target, args.SymbolPath, sink)
		if err != nil {
			return nil, err
		}
		return StructuredResult(fmt.Sprintf("session %s opened", sess.ID), map[string]any{
			"session_id": sess.ID,
			"target":     sess.Target,
		}), nil
	}
}

func listSessionsTool() Tool {
	return Tool{
		Name:        "list_sessions",
		Description: "List every currently open debugging session.",
		InputSchema: &InputSchema{Type: "object"},
	}
}

func listSessionsHandler(dir *sessiondir.Directory) ToolHandler {
	return func(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
		sessions := dir.List()
		out := make([]map[string]any, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, map[string]any{
				"session_id": s.ID,
				"target":     s.Target,
				"opened_at":  s.OpenedAt.Format(time.RFC3339),
			})
		}
		return StructuredResult(fmt.Sprintf("%d open session(s)", len(out)), map[string]any{"sessions": out}), nil
	}
}

func sessionArgBase() map[string]*PropertySchema {
	return map[string]*PropertySchema{"session_id": strProp("The session to act on.")}
}

func submitCommandTool() Tool {
	props := sessionArgBase()
	props["command"] = strProp("The CDB command text to submit.")
	return Tool{
		Name:        "submit_command",
		Description: "Submit a command to a session's debugger process. Returns immediately with a command id; poll get_result for completion.",
		InputSchema: &InputSchema{Type: "object", Properties: props, Required: []string{"session_id", "command"}},
	}
}

type submitArgs struct {
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
}

func submitCommandHandler(dir *sessiondir.Directory) ToolHandler {
	return func(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
		var args submitArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		sess, ok := dir.Get(args.SessionID)
		if !ok {
			return nil, fmt.Errorf("unknown session: %s", args.SessionID)
		}
		id, err := sess.Engine().Submit(args.Command)
		if err != nil {
			return nil, err
		}
		return StructuredResult(fmt.Sprintf("command %s queued", id), map[string]any{"command_id": id}), nil
	}
}

func cancelCommandTool() Tool {
	props := sessionArgBase()
	props["command_id"] = strProp("The command to cancel.")
	props["reason"] = strProp("Optional human-readable cancellation reason.")
	return Tool{
		Name:        "cancel_command",
		Description: "Cancel a queued or executing command.",
		InputSchema: &InputSchema{Type: "object", Properties: props, Required: []string{"session_id", "command_id"}},
	}
}

type cancelArgs struct {
	SessionID string `json:"session_id"`
	CommandID string `json:"command_id"`
	Reason    string `json:"reason"`
}

func cancelCommandHandler(dir *sessiondir.Directory) ToolHandler {
	return func(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
		var args cancelArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		sess, ok := dir.Get(args.SessionID)
		if !ok {
			return nil, fmt.Errorf("unknown session: %s", args.SessionID)
		}
		reason := args.Reason
		if reason == "" {
			reason = "client requested cancellation"
		}
		if err := sess.Engine().Cancel(args.CommandID, reason); err != nil {
			return nil, err
		}
		return SuccessResult(fmt.Sprintf("command %s cancelled", args.CommandID)), nil
	}
}

func getResultTool() Tool {
	props := sessionArgBase()
	props["command_id"] = strProp("The command to fetch.")
	return Tool{
		Name:        "get_result",
		Description: "Fetch a submitted command's current state and output, if completed.",
		InputSchema: &InputSchema{Type: "object", Properties: props, Required: []string{"session_id", "command_id"}},
	}
}

type getResultArgs struct {
	SessionID string `json:"session_id"`
	CommandID string `json:"command_id"`
}

func getResultHandler(dir *sessiondir.Directory) ToolHandler {
	return func(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
		var args getResultArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		sess, ok := dir.Get(args.SessionID)
		if !ok {
			return nil, fmt.Errorf("unknown session: %s", args.SessionID)
		}
		snap, err := sess.Engine().GetResult(args.CommandID)
		if err != nil {
			return nil, err
		}
		return StructuredResult(fmt.Sprintf("command %s is %s", snap.ID, snap.State.String()), snapshotToMap(snap)), nil
	}
}

func listCommandsTool() Tool {
	return Tool{
		Name:        "list_commands",
		Description: "List every known command in a session, newest first.",
		InputSchema: &InputSchema{Type: "object", Properties: sessionArgBase(), Required: []string{"session_id"}},
	}
}

type sessionOnlyArgs struct {
	SessionID string `json:"session_id"`
}

func listCommandsHandler(dir *sessiondir.Directory) ToolHandler {
	return func(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
		var args sessionOnlyArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		sess, ok := dir.Get(args.SessionID)
		if !ok {
			return nil, fmt.Errorf("unknown session: %s", args.SessionID)
		}
		snaps := sess.Engine().ListCommands()
		out := make([]map[string]any, 0, len(snaps))
		for _, s := range snaps {
			out = append(out, snapshotToMap(s))
		}
		return StructuredResult(fmt.Sprintf("%d command(s)", len(out)), map[string]any{"commands": out}), nil
	}
}

func closeSessionTool() Tool {
	return Tool{
		Name:        "close_session",
		Description: "Close a session, cancelling any pending commands and stopping its debugger process.",
		InputSchema: &InputSchema{Type: "object", Properties: sessionArgBase(), Required: []string{"session_id"}},
	}
}

func closeSessionHandler(dir *sessiondir.Directory) ToolHandler {
	return func(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
		var args sessionOnlyArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		if err := dir.Close(args.SessionID); err != nil {
			return nil, err
		}
		return SuccessResult(fmt.Sprintf("session %s closed", args.SessionID)), nil
	}
}

func sessionDiagnosticsTool() Tool {
	return Tool{
		Name:        "session_diagnostics",
		Description: "Report a session's health, recovery state, and command counters.",
		InputSchema: &InputSchema{Type: "object", Properties: sessionArgBase(), Required: []string{"session_id"}},
	}
}

func sessionDiagnosticsHandler(dir *sessiondir.Directory) ToolHandler {
	return func(ctx context.Context, raw json.RawMessage) (*ToolCallResult, error) {
		var args sessionOnlyArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
		sess, ok := dir.Get(args.SessionID)
		if !ok {
			return nil, fmt.Errorf("unknown session: %s", args.SessionID)
		}
		diag := sess.Engine().GetDiagnostics(ctx)
		result := map[string]any{
			"healthy":           diag.Healthy,
			"degraded":          diag.Degraded,
			"recovery_attempts": diag.RecoveryAttempts,
			"total_submitted":   diag.TotalSubmitted,
			"total_completed":   diag.TotalCompleted,
			"total_failed":      diag.TotalFailed,
			"total_cancelled":   diag.TotalCancelled,
			"total_timed_out":   diag.TotalTimedOut,
		}
		if diag.HealthDiff != "" {
			result["health_diff"] = diag.HealthDiff
		}
		return StructuredResult(fmt.Sprintf("session %s healthy=%v degraded=%v", diag.SessionID, diag.Healthy, diag.Degraded), result), nil
	}
}

func snapshotToMap(s engine.Snapshot) map[string]any {
	m := map[string]any{
		"id":    s.ID,
		"text":  s.Text,
		"state": s.State.String(),
	}
	if !s.SubmittedAt.IsZero() {
		m["submitted_at"] = s.SubmittedAt.Format(time.RFC3339)
	}
	if !s.StartedAt.IsZero() {
		m["started_at"] = s.StartedAt.Format(time.RFC3339)
	}
	if !s.EndedAt.IsZero() {
		m["ended_at"] = s.EndedAt.Format(time.RFC3339)
	}
	if s.Output != "" {
		m["output"] = s.Output
	}
	if s.Err != nil {
		m["error"] = s.Err.Error()
	}
	return m
}
