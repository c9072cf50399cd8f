package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vikashloomba/mcp-session-daemon-go/pkg/catalog"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/dispatch"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/sessions"
)

// Daemon owns the registry, catalog, sessions and dispatcher, and serializes
// the control operations that reshape them.
type Daemon struct {
	opts Options
	log  *slog.Logger

	registry   *mcpmgr.Registry
	catalog    *catalog.Cache
	sessions   *sessions.Manager
	dispatcher *dispatch.Dispatcher
	events     *broker

	// gate is held shared by request entry and exclusively by reload, sweep
	// and shutdown.
	gate sync.RWMutex

	shuttingDown atomic.Bool
	startOnce    sync.Once
	startedAt    time.Time

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once

	mu         sync.Mutex
	readyTime  time.Time
	shutdownAt time.Time

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// New builds a Daemon and loads the initial server descriptors. Nothing is
// dialed until Start.
func New(opts *Options) (*Daemon, error) {
	options := opts.withDefaults()
	servers, err := options.Servers()
	if err != nil {
		return nil, fmt.Errorf("daemon: load servers: %w", err)
	}

	d := &Daemon{
		opts:      options,
		log:       options.Logger.With("component", "daemon"),
		events:    newBroker(),
		startedAt: time.Now(),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	d.catalog = catalog.New(nil, options.Logger)
	d.registry = mcpmgr.NewRegistry(servers, &mcpmgr.RegistryOptions{
		DefaultClientName:    options.Implementation.Name,
		DefaultClientVersion: options.Implementation.Version,
		HandshakeTimeout:     options.HandshakeTimeout,
		DefaultLogJSONRPC:    options.LogJSONRPC,
		Logger:               options.Logger,
		AfterHandshake:       d.catalog.Populate,
		OnStateChange:        d.onStateChange,
	})
	d.catalog.SetSource(d.registry)
	d.sessions = sessions.NewManager(d.registry, &sessions.Options{
		IdleTimeout: options.IdleTimeout,
		Logger:      options.Logger,
	})
	d.dispatcher = dispatch.New(d.sessions, d.catalog, &dispatch.Options{
		DefaultTimeout: options.CallTimeout,
		Logger:         options.Logger,
	})
	return d, nil
}

func (d *Daemon) onStateChange(conn *mcpmgr.Connection, state mcpmgr.ConnectionState) {
	if state != mcpmgr.StateDegraded {
		return
	}
	fault := ""
	if err := conn.Fault(); err != nil {
		fault = err.Error()
	}
	d.events.publish(Event{Type: EventDegraded, At: time.Now(), Data: map[string]string{
		"server":     conn.Server,
		"connection": conn.ID,
		"error":      fault,
	}})
}

// Start connects every preconnect server in parallel, fires the readiness
// signal, and starts the sweep loop. Preconnect failures are logged and
// leave the server Degraded; they do not fail Start.
func (d *Daemon) Start(ctx context.Context) error {
	started := false
	d.startOnce.Do(func() { started = true })
	if !started {
		return fmt.Errorf("daemon: already started")
	}
	if err := d.checkRunning(); err != nil {
		return err
	}

	d.gate.Lock()
	d.preconnect(ctx)
	d.gate.Unlock()

	d.mu.Lock()
	d.readyTime = time.Now()
	d.mu.Unlock()
	d.readyOnce.Do(func() { close(d.ready) })
	d.events.publish(Event{Type: EventReady, At: d.readyAt()})
	d.log.Info("daemon ready", "servers", len(d.registry.ListServers()))

	go d.sweepLoop(ctx)
	return nil
}

// preconnect opens every preconnect server and binds its Global session.
// Callers hold the gate.
func (d *Daemon) preconnect(ctx context.Context) {
	var g errgroup.Group
	for _, server := range d.registry.PreconnectServers() {
		g.Go(func() error {
			if _, err := d.sessions.EnsureGlobal(ctx, server); err != nil {
				d.log.Warn("preconnect failed", "server", server, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Daemon) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.done:
			return
		case now := <-ticker.C:
			d.Sweep(now)
		}
	}
}

// Sweep closes idle Dynamic sessions and drops expired calls. It never runs
// concurrently with a reload.
func (d *Daemon) Sweep(now time.Time) (sessionsClosed, callsDropped int) {
	d.gate.Lock()
	defer d.gate.Unlock()
	if d.shuttingDown.Load() {
		return 0, 0
	}
	return len(d.sessions.Sweep(now)), d.dispatcher.SweepPending(now)
}

// Ready is closed once Start has finished its initial preconnect.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Done is closed once Shutdown has completed.
func (d *Daemon) Done() <-chan struct{} { return d.done }

func (d *Daemon) readyAt() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readyTime
}

func (d *Daemon) isReady() bool {
	select {
	case <-d.ready:
		return true
	default:
		return false
	}
}

func (d *Daemon) checkRunning() error {
	if d.shuttingDown.Load() {
		return mcperr.Control(mcperr.ShuttingDown, "daemon is shutting down")
	}
	return nil
}

// ReloadResult reports a completed reload.
type ReloadResult struct {
	Success    bool      `json:"success"`
	OldServers []string  `json:"oldServers"`
	NewServers []string  `json:"newServers"`
	Timestamp  time.Time `json:"timestamp"`
}

// Reload closes every connection, drops every session and catalog, re-reads
// the server descriptors, and reconnects preconnect servers. Calls in flight
// fail with TransportLost. If the descriptors cannot be loaded nothing is
// changed. The result lists the servers holding a connection before the
// reload and after its preconnect pass; lazy servers appear in neither.
func (d *Daemon) Reload(ctx context.Context) (ReloadResult, error) {
	if err := d.checkRunning(); err != nil {
		return ReloadResult{}, err
	}
	servers, err := d.opts.Servers()
	if err != nil {
		return ReloadResult{}, fmt.Errorf("daemon: reload servers: %w", err)
	}

	d.gate.Lock()
	defer d.gate.Unlock()
	if err := d.checkRunning(); err != nil {
		return ReloadResult{}, err
	}

	old, err := d.registry.CloseAll()
	if err != nil {
		d.log.Warn("closing connections during reload", "error", err)
	}
	dropped := d.sessions.DropAll()
	d.catalog.Clear()
	d.registry.SetConfigs(servers)
	d.preconnect(ctx)

	res := ReloadResult{
		Success:    true,
		OldServers: nonNil(old),
		NewServers: nonNil(d.connectedServers()),
		Timestamp:  time.Now(),
	}
	d.log.Info("reloaded", "old", len(res.OldServers), "new", len(res.NewServers), "sessionsDropped", dropped)
	d.events.publish(Event{Type: EventReload, At: res.Timestamp, Data: res})
	return res, nil
}

func (d *Daemon) connectedServers() []string {
	var names []string
	for _, conn := range d.registry.Connections() {
		names = append(names, conn.Server)
	}
	return names
}

// ShutdownResult reports a completed shutdown.
type ShutdownResult struct {
	Success    bool      `json:"success"`
	ShutdownAt time.Time `json:"shutdownAt"`
}

// Shutdown closes every connection and rejects all later operations. It is
// idempotent; later calls return the original timestamp.
func (d *Daemon) Shutdown(context.Context) (ShutdownResult, error) {
	if !d.shuttingDown.CompareAndSwap(false, true) {
		<-d.done
		d.mu.Lock()
		defer d.mu.Unlock()
		return ShutdownResult{Success: true, ShutdownAt: d.shutdownAt}, nil
	}

	d.gate.Lock()
	names, err := d.registry.CloseAll()
	if err != nil {
		d.log.Warn("closing connections during shutdown", "error", err)
	}
	d.sessions.DropAll()
	d.catalog.Clear()
	d.gate.Unlock()

	at := time.Now()
	d.mu.Lock()
	d.shutdownAt = at
	d.mu.Unlock()

	d.log.Info("shutdown complete", "connectionsClosed", len(names))
	d.events.publish(Event{Type: EventShutdown, At: at})
	d.doneOnce.Do(func() { close(d.done) })
	return ShutdownResult{Success: true, ShutdownAt: at}, nil
}

// Health is the liveness report.
type Health struct {
	Status   string                 `json:"status"`
	Ready    bool                   `json:"ready"`
	Uptime   string                 `json:"uptime"`
	Sessions int                    `json:"sessions"`
	Pending  int                    `json:"pendingCalls"`
	Servers  []catalog.ServerStatus `json:"servers"`
}

// Health reports liveness and a summary of server state.
func (d *Daemon) Health() Health {
	h := Health{
		Status:   "ok",
		Ready:    d.isReady(),
		Uptime:   time.Since(d.startedAt).Round(time.Second).String(),
		Sessions: len(d.sessions.List()),
		Pending:  d.dispatcher.Pending(),
		Servers:  d.catalog.Servers(),
	}
	switch {
	case d.shuttingDown.Load():
		h.Status = "shutting_down"
	case !h.Ready:
		h.Status = "starting"
	}
	return h
}

// ConnectGlobal ensures the Global session of server.
func (d *Daemon) ConnectGlobal(ctx context.Context, server string) (sessions.Session, error) {
	d.gate.RLock()
	defer d.gate.RUnlock()
	if err := d.checkRunning(); err != nil {
		return sessions.Session{}, err
	}
	return d.sessions.EnsureGlobal(ctx, server)
}

// ConnectDynamic creates a new Dynamic session on server.
func (d *Daemon) ConnectDynamic(ctx context.Context, server string) (sessions.Session, error) {
	d.gate.RLock()
	defer d.gate.RUnlock()
	if err := d.checkRunning(); err != nil {
		return sessions.Session{}, err
	}
	return d.sessions.Connect(ctx, server)
}

// Call dispatches method on a session. The gate is held only while the call
// is resolved and enqueued.
func (d *Daemon) Call(ctx context.Context, sessionID, method string, params json.RawMessage, timeout time.Duration) (any, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	d.gate.RLock()
	if err := d.checkRunning(); err != nil {
		d.gate.RUnlock()
		return nil, err
	}
	pc, err := d.dispatcher.Submit(sessionID, method, params, deadline)
	d.gate.RUnlock()
	if err != nil {
		return nil, err
	}
	return pc.Wait(ctx)
}

// CloseSession unbinds a session.
func (d *Daemon) CloseSession(id string) (sessions.Closed, error) {
	d.gate.RLock()
	defer d.gate.RUnlock()
	if err := d.checkRunning(); err != nil {
		return sessions.Closed{}, err
	}
	return d.sessions.Close(id)
}

// Reconnect restores a closed Global session, or confirms a bound one.
func (d *Daemon) Reconnect(ctx context.Context, id string) (sessions.Session, error) {
	d.gate.RLock()
	defer d.gate.RUnlock()
	if err := d.checkRunning(); err != nil {
		return sessions.Session{}, err
	}
	return d.sessions.Reconnect(ctx, id)
}

// Sessions lists every bound session.
func (d *Daemon) Sessions() []sessions.Session { return d.sessions.List() }

// Servers is catalog layer 1.
func (d *Daemon) Servers() ([]catalog.ServerStatus, error) {
	if err := d.checkRunning(); err != nil {
		return nil, err
	}
	return d.catalog.Servers(), nil
}

// Tools is catalog layer 2.
func (d *Daemon) Tools(server string) ([]catalog.ToolSummary, error) {
	if err := d.checkRunning(); err != nil {
		return nil, err
	}
	return d.catalog.Tools(server)
}

// Tool is catalog layer 3.
func (d *Daemon) Tool(server, name string) (catalog.Tool, error) {
	if err := d.checkRunning(); err != nil {
		return catalog.Tool{}, err
	}
	return d.catalog.Tool(server, name)
}

// Metadata returns the negotiated handshake result of server's connection.
func (d *Daemon) Metadata(server string) (mcpmgr.Metadata, error) {
	if err := d.checkRunning(); err != nil {
		return mcpmgr.Metadata{}, err
	}
	if !d.registry.HasServer(server) {
		return mcpmgr.Metadata{}, mcperr.Connection(mcperr.UnknownServer, nil, "unknown server %q", server)
	}
	conn, ok := d.registry.Get(server)
	if !ok || conn.State() != mcpmgr.StateReady {
		return mcpmgr.Metadata{}, mcperr.Connection(mcperr.NotReady, nil, "server %q is not connected", server)
	}
	return conn.Metadata(), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
