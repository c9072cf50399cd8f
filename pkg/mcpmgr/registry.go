package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/oklog/ulid/v2"

	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcperr"
)

// ConnectionState represents the lifecycle of a managed connection.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateReady      ConnectionState = "ready"
	StateDegraded   ConnectionState = "degraded"
	StateClosed     ConnectionState = "closed"
)

// Metadata is the negotiated result of the initialize handshake.
type Metadata struct {
	ProtocolVersion string                  `json:"protocolVersion"`
	ServerInfo      *mcp.Implementation     `json:"serverInfo,omitempty"`
	Capabilities    *mcp.ServerCapabilities `json:"capabilities,omitempty"`
	Instructions    string                  `json:"instructions,omitempty"`
}

// Connection is one live (or failed) link to a provider. It is created by
// Registry.Open and never reused after it reaches StateClosed.
type Connection struct {
	ID       string
	Server   string
	OpenedAt time.Time

	session *mcp.ClientSession
	meta    Metadata

	mu    sync.RWMutex
	state ConnectionState
	fault error

	done     chan struct{}
	doneOnce sync.Once
	onChange func(*Connection, ConnectionState)

	// link and cancel hold the transport for the connection's lifetime;
	// release tears them down.
	link        *watchedTransport
	cancel      context.CancelFunc
	releaseOnce sync.Once
	releaseErr  error
}

func newConnection(server string, onChange func(*Connection, ConnectionState)) *Connection {
	return &Connection{
		ID:       ulid.Make().String(),
		Server:   server,
		OpenedAt: time.Now(),
		state:    StateConnecting,
		done:     make(chan struct{}),
		onChange: onChange,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Fault returns the error that degraded the connection, if any.
func (c *Connection) Fault() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fault
}

// Session exposes the underlying client session. It is nil when the
// handshake failed.
func (c *Connection) Session() *mcp.ClientSession { return c.session }

// Metadata returns the persisted handshake result.
func (c *Connection) Metadata() Metadata { return c.meta }

// Done is closed once the connection leaves StateReady, whether it degraded
// or was closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Degrade moves a connecting or ready connection to StateDegraded, recording
// err as its fault. It reports whether the transition happened.
func (c *Connection) Degrade(err error) bool {
	c.mu.Lock()
	if c.state == StateDegraded || c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = StateDegraded
	c.fault = err
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	c.notify(StateDegraded)
	return true
}

func (c *Connection) markReady() bool {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return false
	}
	c.state = StateReady
	c.mu.Unlock()
	c.notify(StateReady)
	return true
}

func (c *Connection) close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
	c.notify(StateClosed)
	return c.release()
}

// release closes the raw transport before the client session. Pending calls
// then fail at once instead of holding session.Close until they return.
func (c *Connection) release() error {
	c.releaseOnce.Do(func() {
		if c.link != nil {
			c.releaseErr = c.link.abort()
		}
		if c.cancel != nil {
			c.cancel()
		}
		if c.session != nil {
			// The transport is already gone; the session only reports that.
			_ = c.session.Close()
		}
	})
	return c.releaseErr
}

func (c *Connection) notify(state ConnectionState) {
	if c.onChange != nil {
		c.onChange(c, state)
	}
}

type entry struct {
	conn *Connection
	// err is the outcome of the handshake that produced conn.
	err error
	// connectCh is closed when the handshake finishes.
	connectCh chan struct{}
}

// Registry is the authoritative server-name to Connection map. It owns every
// connection state transition except transport-fault degradation reported by
// callers through Connection.Degrade.
type Registry struct {
	mu sync.RWMutex

	options RegistryOptions
	log     *slog.Logger

	configs map[string]ServerConfig
	entries map[string]*entry
}

// NewRegistry constructs a Registry for the given server descriptors. Nothing
// is dialed until Open is called.
func NewRegistry(cfg map[string]ServerConfig, opts *RegistryOptions) *Registry {
	options := opts.normalized()
	r := &Registry{
		options: options,
		log:     options.Logger.With("component", "registry"),
		configs: make(map[string]ServerConfig, len(cfg)),
		entries: make(map[string]*entry),
	}
	for id, sc := range cfg {
		r.configs[id] = sc
	}
	return r
}

// ListServers returns configured server names, sorted.
func (r *Registry) ListServers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.configs))
	for id := range r.configs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PreconnectServers returns the sorted names of servers flagged for eager
// connection.
func (r *Registry) PreconnectServers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, cfg := range r.configs {
		if IsPreconnect(cfg) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// HasServer reports whether a server name is configured.
func (r *Registry) HasServer(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.configs[serverID]
	return ok
}

// ServerConfig returns the descriptor for a server, or nil.
func (r *Registry) ServerConfig(serverID string) ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.configs[serverID]
}

// SetConfigs replaces the server descriptors. Existing connections are left
// untouched; callers reloading configuration close them first.
func (r *Registry) SetConfigs(cfg map[string]ServerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = make(map[string]ServerConfig, len(cfg))
	for id, sc := range cfg {
		r.configs[id] = sc
	}
}

// Get returns the current connection for a server, if any. Degraded
// connections are returned too so callers can report their state.
func (r *Registry) Get(serverID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[serverID]
	if !ok || e.conn == nil {
		return nil, false
	}
	return e.conn, true
}

// Connections returns a snapshot of all tracked connections ordered by
// server name.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.entries))
	for _, e := range r.entries {
		if e.conn != nil {
			conns = append(conns, e.conn)
		}
	}
	r.mu.RUnlock()
	sort.Slice(conns, func(i, j int) bool { return conns[i].Server < conns[j].Server })
	return conns
}

// Open returns the Ready connection for serverID, performing the handshake if
// none exists yet. Concurrent callers for the same server share a single
// handshake, which runs detached from ctx and is bounded only by the
// handshake timeout: a caller giving up does not fail it for the others. A
// failed handshake leaves a Degraded entry behind; later calls fail with
// NotReady until the entry is closed (for example by a reload).
func (r *Registry) Open(ctx context.Context, serverID string) (*Connection, error) {
	r.mu.Lock()
	cfg, ok := r.configs[serverID]
	if !ok {
		r.mu.Unlock()
		return nil, mcperr.Connection(mcperr.UnknownServer, nil, "unknown server %q", serverID)
	}
	e, ok := r.entries[serverID]
	if !ok {
		e = &entry{}
		r.entries[serverID] = e
	}
	if conn := e.conn; conn != nil {
		r.mu.Unlock()
		if conn.State() == StateReady {
			return conn, nil
		}
		return conn, mcperr.Connection(mcperr.NotReady, conn.Fault(), "server %q is %s; reload required", serverID, conn.State())
	}
	if e.connectCh == nil {
		e.connectCh = make(chan struct{})
		go r.connect(context.WithoutCancel(ctx), serverID, cfg, e)
	}
	ch := e.connectCh
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ch:
	}
	r.mu.Lock()
	conn, err := e.conn, e.err
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// connect runs one handshake for e and publishes its outcome.
func (r *Registry) connect(ctx context.Context, serverID string, cfg ServerConfig, e *entry) {
	conn, err := r.establish(ctx, serverID, cfg)

	r.mu.Lock()
	if r.entries[serverID] != e {
		// Closed while the handshake was in flight.
		e.err = mcperr.Connection(mcperr.NotReady, nil, "server %q was closed during handshake", serverID)
		close(e.connectCh)
		r.mu.Unlock()
		_ = conn.close()
		return
	}
	e.conn = conn
	e.err = err
	close(e.connectCh)
	r.mu.Unlock()
}

func (r *Registry) establish(ctx context.Context, serverID string, cfg ServerConfig) (*Connection, error) {
	base := cfg.base()
	conn := newConnection(serverID, r.options.OnStateChange)
	log := r.log.With("server", serverID, "connection", conn.ID)

	timeout := base.Timeout
	if timeout <= 0 {
		timeout = r.options.HandshakeTimeout
	}
	deadline := time.Now().Add(timeout)

	fail := func(err error) (*Connection, error) {
		wrapped := mcperr.Connection(mcperr.HandshakeFailed, err, "handshake with %q failed", serverID)
		conn.Degrade(wrapped)
		_ = conn.release()
		log.Warn("handshake failed", "error", err)
		if base.OnError != nil {
			base.OnError(wrapped)
		}
		return conn, wrapped
	}

	transports, err := r.buildTransports(ctx, serverID, cfg)
	if err != nil {
		return fail(err)
	}
	impl := &mcp.Implementation{
		Name:    r.options.DefaultClientName,
		Version: r.effectiveClientVersion(base),
	}
	clientOpts := r.composeClientOptions(serverID, base)
	logger := r.resolveLogger(base)

	// Failures while still connecting belong to the attempt, which may fall
	// back to another transport; monitorSession covers a loss right after
	// publication.
	onLost := func(err error) {
		if conn.State() != StateReady {
			return
		}
		if conn.Degrade(mcperr.Call(mcperr.TransportLost, err, "transport to %q lost", serverID)) {
			log.Warn("transport lost", "error", err)
		}
	}

	var errs []error
	for _, transport := range transports {
		client := mcp.NewClient(impl, &clientOpts)
		wrapped := &watchedTransport{serverID: serverID, delegate: transport, logger: logger, onLost: onLost}
		session, cancel, err := attempt(ctx, client, wrapped, deadline)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		conn.session = session
		conn.link = wrapped
		conn.cancel = cancel
		break
	}
	if conn.session == nil {
		return fail(errors.Join(errs...))
	}
	conn.meta = metadataOf(conn.session.InitializeResult())

	if hook := r.options.AfterHandshake; hook != nil {
		hctx, cancel := context.WithDeadline(ctx, deadline)
		err := hook(hctx, conn)
		cancel()
		if err != nil {
			return fail(err)
		}
	}
	if !conn.markReady() {
		// The transport died between handshake and publication.
		_ = conn.release()
		return conn, mcperr.Connection(mcperr.HandshakeFailed, conn.Fault(), "handshake with %q failed", serverID)
	}
	go r.monitorSession(conn, base)
	log.Info("connection ready", "protocol", conn.meta.ProtocolVersion)
	return conn, nil
}

// attempt runs the initialize handshake over t and gives up at deadline. The
// session lives on a context of its own, since some transports (SSE) tie
// their stream to the context passed to Connect; the returned cancel ends it.
func attempt(ctx context.Context, client *mcp.Client, t *watchedTransport, deadline time.Time) (*mcp.ClientSession, context.CancelFunc, error) {
	sctx, cancel := context.WithCancel(ctx)

	type result struct {
		session *mcp.ClientSession
		err     error
	}
	results := make(chan result, 1)
	go func() {
		session, err := client.Connect(sctx, t, nil)
		results <- result{session, err}
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case res := <-results:
		if res.err != nil {
			cancel()
			return nil, nil, res.err
		}
		return res.session, cancel, nil
	case <-timer.C:
	}

	// Closing the raw connection fails the pending initialize call, which
	// is the only way to unblock Connect.
	_ = t.abort()
	cancel()
	go func() {
		if res := <-results; res.session != nil {
			_ = res.session.Close()
		}
	}()
	return nil, nil, fmt.Errorf("no initialize response before deadline: %w", context.DeadlineExceeded)
}

func metadataOf(res *mcp.InitializeResult) Metadata {
	if res == nil {
		return Metadata{}
	}
	return Metadata{
		ProtocolVersion: res.ProtocolVersion,
		ServerInfo:      res.ServerInfo,
		Capabilities:    res.Capabilities,
		Instructions:    res.Instructions,
	}
}

func (r *Registry) monitorSession(conn *Connection, base *BaseServerConfig) {
	err := conn.session.Wait()
	if conn.State() == StateClosed {
		return
	}
	if err == nil {
		err = errors.New("session ended")
	}
	lost := mcperr.Call(mcperr.TransportLost, err, "session with %q ended", conn.Server)
	if conn.Degrade(lost) {
		r.log.Warn("session ended", "server", conn.Server, "connection", conn.ID, "error", err)
	}
	if base.OnError != nil {
		base.OnError(lost)
	}
}

// Close terminates the connection for serverID and forgets it. In-flight
// calls observe the closure through Connection.Done. Closing an unknown or
// idle server is a no-op.
func (r *Registry) Close(serverID string) error {
	r.mu.Lock()
	e, ok := r.entries[serverID]
	if ok {
		delete(r.entries, serverID)
	}
	r.mu.Unlock()
	if !ok || e.conn == nil {
		return nil
	}
	r.log.Info("closing connection", "server", serverID, "connection", e.conn.ID)
	return e.conn.close()
}

// CloseAll closes every tracked connection and returns the names of the
// servers that had one.
func (r *Registry) CloseAll() ([]string, error) {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	var (
		names []string
		errs  []error
	)
	for id, e := range entries {
		if e.conn == nil {
			continue
		}
		names = append(names, id)
		if err := e.conn.close(); err != nil {
			errs = append(errs, fmt.Errorf("mcpmgr: close %q: %w", id, err))
		}
	}
	sort.Strings(names)
	return names, errors.Join(errs...)
}

func (r *Registry) effectiveClientVersion(base *BaseServerConfig) string {
	if base.Version != "" {
		return base.Version
	}
	return r.options.DefaultClientVersion
}

func (r *Registry) composeClientOptions(serverID string, base *BaseServerConfig) mcp.ClientOptions {
	opts := r.options.DefaultClientOptions
	mergeClientOptions(&opts, &base.ClientOptions)

	originalTool := opts.ToolListChangedHandler
	opts.ToolListChangedHandler = func(ctx context.Context, req *mcp.ToolListChangedRequest) {
		if originalTool != nil {
			originalTool(ctx, req)
		}
		// Catalogs are immutable until reload.
		r.log.Info("provider tool list changed; reload to refresh catalog", "server", serverID)
	}
	return opts
}

func mergeClientOptions(dst, src *mcp.ClientOptions) {
	if src == nil {
		return
	}
	if src.CreateMessageHandler != nil {
		dst.CreateMessageHandler = src.CreateMessageHandler
	}
	if src.ElicitationHandler != nil {
		dst.ElicitationHandler = src.ElicitationHandler
	}
	if src.ToolListChangedHandler != nil {
		dst.ToolListChangedHandler = src.ToolListChangedHandler
	}
	if src.LoggingMessageHandler != nil {
		dst.LoggingMessageHandler = src.LoggingMessageHandler
	}
	if src.ProgressNotificationHandler != nil {
		dst.ProgressNotificationHandler = src.ProgressNotificationHandler
	}
	if src.KeepAlive != 0 {
		dst.KeepAlive = src.KeepAlive
	}
}

func (r *Registry) resolveLogger(base *BaseServerConfig) RPCLogger {
	if base.RPCLogger != nil {
		return base.RPCLogger
	}
	if r.options.RPCLogger != nil {
		return r.options.RPCLogger
	}
	if base.LogJSONRPC || r.options.DefaultLogJSONRPC {
		log := r.log
		return func(event RPCLogEvent) {
			log.Debug("jsonrpc", "server", event.ServerID, "direction", strings.ToUpper(string(event.Direction)), "message", string(event.Message))
		}
	}
	return nil
}
