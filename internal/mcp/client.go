package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"jeeves/internal/logging"
)

// ProtocolVersion is the MCP protocol revision spoken by the engine.
const ProtocolVersion = "2024-11-05"

// Request is one JSON-RPC 2.0 request frame.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response is one JSON-RPC 2.0 response frame.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ServerInfo identifies a connected server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolSchema describes one tool exposed by a server.
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Client is a minimal MCP client over a ProcessManager's stdio transport.
// The engine uses it to preflight the state server (handshake + tool list)
// before handing the endpoint to a provider.
type Client struct {
	process *ProcessManager
	logger  logging.Logger

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *Response

	serverInfo *ServerInfo
}

// NewClient wraps a process manager.
func NewClient(process *ProcessManager, logger logging.Logger) *Client {
	return &Client{
		process: process,
		logger:  logging.OrNop(logger),
		pending: make(map[int64]chan *Response),
	}
}

// Start launches the server process, begins the read loop and performs the
// initialize handshake.
func (c *Client) Start(ctx context.Context) error {
	if err := c.process.Start(ctx); err != nil {
		return fmt.Errorf("start server process: %w", err)
	}
	go c.readLoop()

	result, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo":      ServerInfo{Name: "jeeves", Version: "1.0.0"},
	})
	if err != nil {
		_ = c.process.Stop(5 * time.Second)
		return fmt.Errorf("initialize handshake: %w", err)
	}
	var init struct {
		ProtocolVersion string     `json:"protocolVersion"`
		ServerInfo      ServerInfo `json:"serverInfo"`
	}
	if err := json.Unmarshal(result, &init); err != nil {
		return fmt.Errorf("decode initialize result: %w", err)
	}
	if init.ProtocolVersion != ProtocolVersion {
		c.logger.Warn("protocol version mismatch: client=%s server=%s", ProtocolVersion, init.ProtocolVersion)
	}
	c.serverInfo = &init.ServerInfo
	if err := c.notify("notifications/initialized"); err != nil {
		c.logger.Warn("initialized notification failed: %v", err)
	}
	c.logger.Info("mcp handshake complete: %s v%s", init.ServerInfo.Name, init.ServerInfo.Version)
	return nil
}

// Stop shuts the server process down.
func (c *Client) Stop() error {
	return c.process.Stop(5 * time.Second)
}

// ListTools fetches the server's tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]ToolSchema, error) {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return nil, fmt.Errorf("decode tools/list: %w", err)
	}
	return out.Tools, nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	req := Request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	ch := make(chan *Response, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(req); err != nil {
		return nil, err
	}
	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) notify(method string) error {
	return c.send(Request{JSONRPC: "2.0", Method: method})
}

func (c *Client) send(req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	stdin := c.process.Stdin()
	if stdin == nil {
		return fmt.Errorf("server not running")
	}
	_, err = stdin.Write(append(data, '\n'))
	return err
}

func (c *Client) readLoop() {
	stdout := c.process.Stdout()
	if stdout == nil {
		return
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.logger.Debug("skipping undecodable frame: %v", err)
			continue
		}
		if resp.ID == 0 {
			// Server-initiated notification; the engine ignores these.
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}
