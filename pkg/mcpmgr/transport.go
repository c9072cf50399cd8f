package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// buildTransports returns the transports to try, in order, for one
// connection attempt. Only HTTP descriptors yield more than one candidate
// (Streamable HTTP with SSE fallback).
func (r *Registry) buildTransports(ctx context.Context, serverID string, cfg ServerConfig) ([]mcp.Transport, error) {
	switch c := cfg.(type) {
	case *StdioServerConfig:
		t, err := buildStdioTransport(serverID, c)
		if err != nil {
			return nil, err
		}
		return []mcp.Transport{t}, nil
	case *HTTPServerConfig:
		return buildHTTPTransports(serverID, c)
	case *CustomServerConfig:
		if c.Connect == nil {
			return nil, fmt.Errorf("mcpmgr: transport factory missing for %q", serverID)
		}
		t, err := c.Connect(ctx)
		if err != nil {
			return nil, fmt.Errorf("mcpmgr: build transport for %q: %w", serverID, err)
		}
		return []mcp.Transport{t}, nil
	default:
		return nil, fmt.Errorf("mcpmgr: unsupported config for %q", serverID)
	}
}

func buildStdioTransport(serverID string, cfg *StdioServerConfig) (mcp.Transport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcpmgr: command missing for %q", serverID)
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	return &mcp.CommandTransport{Command: cmd}, nil
}

func buildHTTPTransports(serverID string, cfg *HTTPServerConfig) ([]mcp.Transport, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("mcpmgr: endpoint missing for %q", serverID)
	}
	client := decorateHTTPClient(cfg.HTTPClient, cfg.Headers, cfg.AuthProvider)
	sse := &mcp.SSEClientTransport{Endpoint: cfg.Endpoint, HTTPClient: client}
	if shouldPreferSSE(cfg) {
		return []mcp.Transport{sse}, nil
	}
	streamable := &mcp.StreamableClientTransport{
		Endpoint:   cfg.Endpoint,
		HTTPClient: client,
		MaxRetries: cfg.MaxRetries,
	}
	if cfg.PreferSSE != nil {
		// Explicit false: no SSE fallback.
		return []mcp.Transport{streamable}, nil
	}
	return []mcp.Transport{streamable, sse}, nil
}

func shouldPreferSSE(cfg *HTTPServerConfig) bool {
	if cfg.PreferSSE != nil {
		return *cfg.PreferSSE
	}
	return strings.HasSuffix(strings.TrimSpace(cfg.Endpoint), "/sse")
}

func decorateHTTPClient(base *http.Client, headers http.Header, provider HTTPAuthProvider) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	if len(headers) == 0 && provider == nil {
		return base
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:         defaultRoundTripper(base.Transport),
		headers:      cloneHeader(headers),
		authProvider: provider,
	}
	return &clone
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	clone := make(http.Header, len(h))
	for k, values := range h {
		clone[k] = append([]string(nil), values...)
	}
	return clone
}

type headerDecorator struct {
	next         http.RoundTripper
	headers      http.Header
	authProvider HTTPAuthProvider
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not mutate the caller's request.
	req = req.Clone(req.Context())
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if d.authProvider != nil && req.Header.Get("Authorization") == "" {
		token, err := d.authProvider(req.Context())
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", token)
		}
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}

// watchedTransport wraps a provider transport so that the first Read or
// Write failure on the resulting connection is reported before the error
// reaches the client session, and so JSON-RPC traffic can be logged. It keeps
// the connection it hands out so the registry can cut it with abort.
type watchedTransport struct {
	serverID string
	delegate mcp.Transport
	logger   RPCLogger
	onLost   func(error)

	mu      sync.Mutex
	conn    *watchedConnection
	aborted bool
}

var errTransportAborted = errors.New("mcpmgr: transport aborted")

func (t *watchedTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	wc := &watchedConnection{serverID: t.serverID, delegate: conn, logger: t.logger, onLost: t.onLost}
	t.mu.Lock()
	aborted := t.aborted
	if !aborted {
		t.conn = wc
	}
	t.mu.Unlock()
	if aborted {
		_ = wc.Close()
		return nil, errTransportAborted
	}
	return wc, nil
}

// abort closes the connection handed out by Connect, if any, and makes any
// later Connect fail.
func (t *watchedTransport) abort() error {
	t.mu.Lock()
	t.aborted = true
	wc := t.conn
	t.mu.Unlock()
	if wc == nil {
		return nil
	}
	return wc.Close()
}

type watchedConnection struct {
	serverID string
	delegate mcp.Connection
	logger   RPCLogger
	onLost   func(error)

	mu       sync.Mutex
	lostOnce sync.Once

	closeOnce sync.Once
	closeErr  error
}

func (c *watchedConnection) SessionID() string { return c.delegate.SessionID() }

func (c *watchedConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.lost(err)
		}
		return nil, err
	}
	c.emit(RPCDirectionReceive, msg)
	return msg, nil
}

func (c *watchedConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		if ctx.Err() == nil {
			c.lost(err)
		}
		return err
	}
	c.emit(RPCDirectionSend, msg)
	return nil
}

// Close is safe to call from both the registry and the client session.
func (c *watchedConnection) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.delegate.Close() })
	return c.closeErr
}

func (c *watchedConnection) lost(err error) {
	if c.onLost == nil {
		return
	}
	c.lostOnce.Do(func() { c.onLost(err) })
}

func (c *watchedConnection) emit(direction RPCDirection, msg jsonrpc.Message) {
	if c.logger == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded, err := json.Marshal(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.logger(RPCLogEvent{Direction: direction, Message: encoded, ServerID: c.serverID})
}
