// Package providertest runs in-process MCP tool providers for tests. Each
// Provider is a real go-sdk server reached through in-memory transports, and
// records how many tool calls it is executing at once so tests can assert on
// call serialization.
package providertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcpmgr"
)

// Provider is an in-process MCP server exposing a fixed set of test tools:
//
//   - echo:  returns the "text" argument
//   - sleep: waits "ms" milliseconds (or until cancelled), then returns "slept"
//   - block: waits until Release is called (or until cancelled)
type Provider struct {
	Name   string
	Server *mcp.Server

	mu          sync.Mutex
	conns       []mcp.Connection
	connects    int
	inflight    int
	maxInflight int
	calls       []string
	release     chan struct{}
	started     chan string
}

// Option adjusts a Provider under construction.
type Option func(*settings)

type settings struct {
	pageSize int
	noTools  bool
}

// WithPageSize makes tools/list paginate after n entries.
func WithPageSize(n int) Option { return func(s *settings) { s.pageSize = n } }

// WithoutTools builds a provider that registers no tools and therefore does
// not advertise the tools capability.
func WithoutTools() Option { return func(s *settings) { s.noTools = true } }

// New builds a provider with the default tool set.
func New(name string, opts ...Option) *Provider {
	var cfg settings
	for _, opt := range opts {
		opt(&cfg)
	}
	p := &Provider{
		Name:    name,
		release: make(chan struct{}, 16),
		started: make(chan string, 64),
	}
	p.Server = mcp.NewServer(&mcp.Implementation{Name: name, Version: "0.0.1"}, &mcp.ServerOptions{
		Instructions: "test provider " + name,
		PageSize:     cfg.pageSize,
	})
	if !cfg.noTools {
		p.AddTool("echo", "Echo back the text argument", p.echo)
		p.AddTool("sleep", "Sleep for ms milliseconds", p.sleep)
		p.AddTool("block", "Block until released", p.block)
	}
	return p
}

// AddTool registers an additional tool whose handler is counted like the
// built-in ones.
func (p *Provider) AddTool(name, description string, handler func(context.Context, map[string]any) (string, error)) {
	tool := &mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"text": {Type: "string"},
				"ms":   {Type: "integer"},
			},
		},
	}
	p.Server.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := decodeArgs(req)
		if err != nil {
			return nil, err
		}
		p.enter(name)
		defer p.exit()
		text, err := handler(ctx, args)
		if err != nil {
			return nil, err
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, nil
	})
}

// RemoveTool removes a tool from the provider.
func (p *Provider) RemoveTool(name string) {
	p.Server.RemoveTools(name)
}

func decodeArgs(req *mcp.CallToolRequest) (map[string]any, error) {
	args := map[string]any{}
	if req == nil || req.Params == nil || req.Params.Arguments == nil {
		return args, nil
	}
	raw, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return nil, err
	}
	if string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("providertest: decode arguments: %w", err)
	}
	return args, nil
}

func (p *Provider) enter(name string) {
	p.mu.Lock()
	p.inflight++
	if p.inflight > p.maxInflight {
		p.maxInflight = p.inflight
	}
	p.calls = append(p.calls, name)
	p.mu.Unlock()
	select {
	case p.started <- name:
	default:
	}
}

func (p *Provider) exit() {
	p.mu.Lock()
	p.inflight--
	p.mu.Unlock()
}

func (p *Provider) echo(_ context.Context, args map[string]any) (string, error) {
	text, _ := args["text"].(string)
	return text, nil
}

func (p *Provider) sleep(ctx context.Context, args map[string]any) (string, error) {
	ms, _ := args["ms"].(float64)
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return "slept", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *Provider) block(ctx context.Context, _ map[string]any) (string, error) {
	select {
	case <-p.release:
		return "released", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Release lets one blocked "block" call return.
func (p *Provider) Release() { p.release <- struct{}{} }

// Started delivers the name of every tool as it begins executing.
func (p *Provider) Started() <-chan string { return p.started }

// MaxInflight reports the highest number of tool calls that ever ran at once.
func (p *Provider) MaxInflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInflight
}

// Calls returns the tool names in the order the provider started them.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Connects reports how many transports have been handed out.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// Transport connects the provider to a fresh in-memory transport pair and
// returns the client end.
func (p *Provider) Transport(ctx context.Context) (mcp.Transport, error) {
	serverT, clientT := mcp.NewInMemoryTransports()
	if _, err := p.Server.Connect(ctx, &recordingTransport{Transport: serverT, p: p}, nil); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.connects++
	p.mu.Unlock()
	return clientT, nil
}

// recordingTransport keeps the raw server-side connection so it can be cut
// without waiting for running handlers.
type recordingTransport struct {
	mcp.Transport
	p *Provider
}

func (t *recordingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.Transport.Connect(ctx)
	if err != nil {
		return nil, err
	}
	t.p.mu.Lock()
	t.p.conns = append(t.p.conns, conn)
	t.p.mu.Unlock()
	return conn, nil
}

// Config returns a custom server descriptor wired to this provider.
func (p *Provider) Config(preconnect bool) *mcpmgr.CustomServerConfig {
	return &mcpmgr.CustomServerConfig{
		BaseServerConfig: mcpmgr.BaseServerConfig{Preconnect: preconnect},
		Connect:          p.Transport,
	}
}

// DropConnections closes the server side of every transport, simulating a
// provider crash. Tool calls still running never get to answer.
func (p *Provider) DropConnections() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// Silent returns a descriptor whose transport accepts writes but never
// answers, so the handshake can only end by timing out.
func Silent(timeout time.Duration) *mcpmgr.CustomServerConfig {
	return &mcpmgr.CustomServerConfig{
		BaseServerConfig: mcpmgr.BaseServerConfig{Timeout: timeout},
		Connect: func(context.Context) (mcp.Transport, error) {
			return silentTransport{}, nil
		},
	}
}

// Failing returns a descriptor whose transport cannot be built.
func Failing() *mcpmgr.CustomServerConfig {
	return &mcpmgr.CustomServerConfig{
		Connect: func(context.Context) (mcp.Transport, error) {
			return nil, errors.New("providertest: spawn failed")
		},
	}
}

type silentTransport struct{}

func (silentTransport) Connect(context.Context) (mcp.Connection, error) {
	return &silentConn{closed: make(chan struct{})}, nil
}

type silentConn struct {
	once   sync.Once
	closed chan struct{}
}

func (c *silentConn) Read(ctx context.Context) (jsonrpc.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("providertest: connection closed")
	}
}

func (c *silentConn) Write(context.Context, jsonrpc.Message) error {
	select {
	case <-c.closed:
		return errors.New("providertest: connection closed")
	default:
		return nil
	}
}

func (c *silentConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *silentConn) SessionID() string { return "" }
