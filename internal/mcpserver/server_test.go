package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleRequestBytes_Initialize(t *testing.T) {
	s := NewServer("test-server", "1.2.3")

	req := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`
	resp := s.handleRequestBytes([]byte(req))

	var r Response
	require.NoError(t, json.Unmarshal(resp, &r))
	require.Nil(t, r.Error)

	data, err := json.Marshal(r.Result)
	require.NoError(t, err)
	var init InitializeResult
	require.NoError(t, json.Unmarshal(data, &init))
	assert.Equal(t, ProtocolVersion, init.ProtocolVersion)
	assert.Equal(t, "test-server", init.ServerInfo.Name)
}

func TestHandleRequestBytes_UnknownMethod(t *testing.T) {
	s := NewServer("test-server", "1.0.0")
	resp := s.handleRequestBytes([]byte(`{"jsonrpc":"2.0","id":1,"method":"bogus"}`))

	var r Response
	require.NoError(t, json.Unmarshal(resp, &r))
	require.NotNil(t, r.Error)
	assert.Equal(t, ErrCodeMethodNotFound, r.Error.Code)
}

func TestHandleRequestBytes_ToolsListAndCall(t *testing.T) {
	s := NewServer("test-server", "1.0.0")
	s.RegisterTool(Tool{
		Name:        "echo",
		Description: "echoes its input",
		InputSchema: &InputSchema{Type: "object", Properties: map[string]*PropertySchema{"text": {Type: "string"}}},
	}, func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error) {
		var p struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(args, &p)
		return SuccessResult(p.Text), nil
	})

	listResp := s.handleRequestBytes([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	var lr Response
	require.NoError(t, json.Unmarshal(listResp, &lr))
	listData, _ := json.Marshal(lr.Result)
	var list ToolsListResult
	require.NoError(t, json.Unmarshal(listData, &list))
	require.Len(t, list.Tools, 1)
	assert.Equal(t, "echo", list.Tools[0].Name)

	callResp := s.handleRequestBytes([]byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hi"}}}`))
	var cr Response
	require.NoError(t, json.Unmarshal(callResp, &cr))
	require.Nil(t, cr.Error)
	callData, _ := json.Marshal(cr.Result)
	var result ToolCallResult
	require.NoError(t, json.Unmarshal(callData, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "hi", result.Content[0].Text)
	assert.False(t, result.IsError)
}

func TestHandleRequestBytes_UnknownToolIsRPCError(t *testing.T) {
	s := NewServer("test-server", "1.0.0")
	resp := s.handleRequestBytes([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"missing"}}`))

	var r Response
	require.NoError(t, json.Unmarshal(resp, &r))
	require.NotNil(t, r.Error)
	assert.Equal(t, ErrCodeToolNotFound, r.Error.Code)
}

func TestServe_ReadsNewlineDelimitedRequests(t *testing.T) {
	s := NewServer("test-server", "1.0.0")
	in := bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	var out bytes.Buffer

	done := make(chan error, 1)
	go func() { done <- s.Serve(in, &out) }()

	require.NoError(t, <-done)
	assert.Contains(t, out.String(), `"jsonrpc"`)
}
