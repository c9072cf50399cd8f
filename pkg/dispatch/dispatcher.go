// Package dispatch serializes calls onto provider connections.
//
// Every connection gets one lane: a FIFO queue drained by a single worker, so
// at most one request is on the wire per connection regardless of how many
// sessions share it. Each call carries a correlation id and an absolute
// deadline. A deadline abandons only that call; a transport failure degrades
// the connection and fails the active call and everything queued behind it.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vikashloomba/mcp-session-daemon-go/pkg/catalog"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/sessions"
)

// Supported methods.
const (
	MethodToolsList = "tools/list"
	MethodToolsCall = "tools/call"
)

// CallParams are the params of a tools/call request.
type CallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ListResult is the result of a tools/list request.
type ListResult struct {
	Tools []catalog.Tool `json:"tools"`
}

// Resolver maps session ids to connections. *sessions.Manager satisfies it.
type Resolver interface {
	Resolve(id string) (*mcpmgr.Connection, sessions.Kind, error)
	Touch(id string, now time.Time)
}

// ToolLister serves the cached tool descriptors of a server.
// *catalog.Cache satisfies it.
type ToolLister interface {
	Descriptors(server string) ([]catalog.Tool, error)
}

// Options configure a Dispatcher.
type Options struct {
	// DefaultTimeout applies when a call is submitted without a deadline.
	// Defaults to 30 seconds.
	DefaultTimeout time.Duration
	Logger         *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Dispatcher routes session calls onto per-connection lanes.
type Dispatcher struct {
	sessions Resolver
	tools    ToolLister
	opts     Options
	log      *slog.Logger

	mu    sync.Mutex
	lanes map[string]*lane
}

// New returns a Dispatcher.
func New(resolver Resolver, tools ToolLister, opts *Options) *Dispatcher {
	options := opts.withDefaults()
	return &Dispatcher{
		sessions: resolver,
		tools:    tools,
		opts:     options,
		log:      options.Logger.With("component", "dispatch"),
		lanes:    make(map[string]*lane),
	}
}

// PendingCall is one correlated request.
type PendingCall struct {
	ID         string
	SessionID  string
	Method     string
	Params     json.RawMessage
	Deadline   time.Time
	EnqueuedAt time.Time

	server string
	call   CallParams
	lane   *lane
	done   chan outcome

	// guarded by lane.mu
	cancel    context.CancelFunc
	abandoned bool
}

type outcome struct {
	result any
	err    error
}

func (pc *PendingCall) deliver(result any, err error) {
	select {
	case pc.done <- outcome{result: result, err: err}:
	default:
	}
}

// Dispatch submits a call and waits for its outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionID, method string, params json.RawMessage, deadline time.Time) (any, error) {
	pc, err := d.Submit(sessionID, method, params, deadline)
	if err != nil {
		return nil, err
	}
	return pc.Wait(ctx)
}

// Submit resolves the session, validates the request and enqueues it without
// waiting for the response. A zero deadline means the default timeout.
func (d *Dispatcher) Submit(sessionID, method string, params json.RawMessage, deadline time.Time) (*PendingCall, error) {
	conn, _, err := d.sessions.Resolve(sessionID)
	if err != nil {
		return nil, err
	}
	if conn.State() != mcpmgr.StateReady {
		return nil, mcperr.Connection(mcperr.NotReady, conn.Fault(), "server %q is %s", conn.Server, conn.State())
	}
	now := time.Now()
	if deadline.IsZero() {
		deadline = now.Add(d.opts.DefaultTimeout)
	}
	pc := &PendingCall{
		ID:         ulid.Make().String(),
		SessionID:  sessionID,
		Method:     method,
		Params:     params,
		Deadline:   deadline,
		EnqueuedAt: now,
		server:     conn.Server,
		done:       make(chan outcome, 1),
	}

	switch method {
	case MethodToolsList:
		tools, err := d.tools.Descriptors(conn.Server)
		if err != nil {
			return nil, err
		}
		d.sessions.Touch(sessionID, now)
		pc.deliver(ListResult{Tools: tools}, nil)
		return pc, nil
	case MethodToolsCall:
		call, err := decodeCallParams(params)
		if err != nil {
			return nil, err
		}
		pc.call = call
	default:
		return nil, mcperr.Session(mcperr.BadRequest, "unsupported method %q", method)
	}

	if err := d.laneFor(conn).enqueue(pc); err != nil {
		return nil, err
	}
	return pc, nil
}

func decodeCallParams(raw json.RawMessage) (CallParams, error) {
	var p CallParams
	if len(raw) == 0 {
		return p, mcperr.Session(mcperr.BadRequest, "tools/call requires params")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, mcperr.Session(mcperr.BadRequest, "invalid tools/call params: %v", err)
	}
	if p.Name == "" {
		return p, mcperr.Session(mcperr.BadRequest, "tools/call requires a tool name")
	}
	return p, nil
}

// Wait blocks until the call completes, its deadline passes, or ctx is done.
// Leaving early abandons only this correlation.
func (pc *PendingCall) Wait(ctx context.Context) (any, error) {
	timer := time.NewTimer(time.Until(pc.Deadline))
	defer timer.Stop()

	var cause error
	select {
	case out := <-pc.done:
		if out.err == nil && pc.lane != nil {
			pc.lane.touch(pc.SessionID)
		}
		return out.result, out.err
	case <-timer.C:
		cause = context.DeadlineExceeded
	case <-ctx.Done():
		cause = ctx.Err()
	}
	if pc.lane != nil {
		pc.lane.abandon(pc)
	}
	select {
	case out := <-pc.done:
		return out.result, out.err
	default:
	}
	return nil, mcperr.Call(mcperr.Timeout, cause, "call %s to %q abandoned", pc.ID, pc.server)
}

func (d *Dispatcher) laneFor(conn *mcpmgr.Connection) *lane {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.lanes[conn.ID]; ok {
		return l
	}
	l := newLane(conn, d.sessions, d.log)
	l.onExit = func() {
		d.mu.Lock()
		if d.lanes[conn.ID] == l {
			delete(d.lanes, conn.ID)
		}
		d.mu.Unlock()
	}
	d.lanes[conn.ID] = l
	go l.run()
	return l
}

// SweepPending fails every queued call whose deadline has passed and returns
// how many were dropped.
func (d *Dispatcher) SweepPending(now time.Time) int {
	d.mu.Lock()
	lanes := make([]*lane, 0, len(d.lanes))
	for _, l := range d.lanes {
		lanes = append(lanes, l)
	}
	d.mu.Unlock()
	n := 0
	for _, l := range lanes {
		n += l.sweep(now)
	}
	if n > 0 {
		d.log.Info("dropped expired calls", "count", n)
	}
	return n
}

// Pending reports the number of outstanding correlations across all lanes.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	lanes := make([]*lane, 0, len(d.lanes))
	for _, l := range d.lanes {
		lanes = append(lanes, l)
	}
	d.mu.Unlock()
	n := 0
	for _, l := range lanes {
		n += l.size()
	}
	return n
}
