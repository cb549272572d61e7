package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test. When re-executed with the marker
// env set it acts as a line-delimited JSON-RPC server answering initialize
// and tools/list, which is all the preflight client speaks.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("JEEVES_MCP_HELPER") != "1" {
		return
	}
	defer os.Exit(0)

	scanner := bufio.NewScanner(os.Stdin)
	out := bufio.NewWriter(os.Stdout)
	for scanner.Scan() {
		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{
				"protocolVersion": ProtocolVersion,
				"serverInfo":      ServerInfo{Name: "fake-state", Version: "0.1.0"},
			}
		case "notifications/initialized":
			continue
		case "tools/list":
			result = map[string]any{
				"tools": []ToolSchema{
					{Name: "state_get_issue", Description: "read the issue record"},
					{Name: "state_update_issue_status", Description: "merge status flags"},
				},
			}
		default:
			raw, _ := json.Marshal(&RPCError{Code: -32601, Message: "method not found"})
			fmt.Fprintf(out, `{"jsonrpc":"2.0","id":%d,"error":%s}`+"\n", req.ID, raw)
			out.Flush()
			continue
		}
		raw, _ := json.Marshal(result)
		fmt.Fprintf(out, `{"jsonrpc":"2.0","id":%d,"result":%s}`+"\n", req.ID, raw)
		out.Flush()
	}
}

func newHelperClient(t *testing.T) *Client {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	pm := NewProcessManager(ProcessConfig{
		Command: exe,
		Args:    []string{"-test.run=TestHelperProcess"},
		Env:     map[string]string{"JEEVES_MCP_HELPER": "1"},
	}, nil)
	return NewClient(pm, nil)
}

func TestClientHandshakeAndListTools(t *testing.T) {
	client := newHelperClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	tools, err := client.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 2)
	require.Equal(t, "state_get_issue", tools[0].Name)
	require.Equal(t, "state_update_issue_status", tools[1].Name)
}

func TestClientUnknownMethodSurfacesRPCError(t *testing.T) {
	client := newHelperClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, client.Start(ctx))
	defer client.Stop()

	_, err := client.call(ctx, "tools/call", map[string]any{"name": "nope"})
	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32601, rpcErr.Code)
}

func TestClientStartFailsWhenCommandMissing(t *testing.T) {
	pm := NewProcessManager(ProcessConfig{Command: "definitely-not-a-real-binary-4242"}, nil)
	client := NewClient(pm, nil)

	err := client.Start(context.Background())
	require.Error(t, err)
}
