// Package sessions binds caller-visible session ids to provider connections.
//
// Two kinds exist. A Global session has the deterministic id
// "{server}_global", is shared by every caller of that server, and is never
// swept. A Dynamic session has an opaque UUID, is created explicitly by a
// caller, and is closed explicitly or by the idle sweep. Any number of
// sessions may share one connection.
package sessions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcpmgr"
)

// Kind distinguishes Global from Dynamic sessions.
type Kind string

const (
	Global  Kind = "global"
	Dynamic Kind = "dynamic"
)

// Session is a snapshot of one binding.
type Session struct {
	ID           string        `json:"sessionId"`
	Kind         Kind          `json:"type"`
	Server       string        `json:"server"`
	ConnectionID string        `json:"connectionId"`
	CreatedAt    time.Time     `json:"createdAt"`
	LastUsedAt   time.Time     `json:"lastUsedAt"`
	IdleTimeout  time.Duration `json:"-"`

	conn *mcpmgr.Connection
}

// Connection returns the bound connection.
func (s Session) Connection() *mcpmgr.Connection { return s.conn }

// Closed reports a session that was just unbound.
type Closed struct {
	SessionID      string    `json:"sessionId"`
	Kind           Kind      `json:"type"`
	DisconnectedAt time.Time `json:"disconnectedAt"`
}

// Opener yields a Ready connection for a server. *mcpmgr.Registry satisfies it.
type Opener interface {
	Open(ctx context.Context, serverID string) (*mcpmgr.Connection, error)
}

// Options configure a Manager.
type Options struct {
	// IdleTimeout is how long a Dynamic session may go unused before Sweep
	// closes it. Defaults to 30 minutes.
	IdleTimeout time.Duration
	Logger      *slog.Logger
	// Now overrides the clock for tests.
	Now func() time.Time
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}

// Manager owns the session-id to connection map.
type Manager struct {
	opener Opener
	opts   Options
	log    *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	global singleflight.Group
}

// NewManager returns an empty Manager that opens connections through opener.
func NewManager(opener Opener, opts *Options) *Manager {
	options := opts.withDefaults()
	return &Manager{
		opener:   opener,
		opts:     options,
		log:      options.Logger.With("component", "sessions"),
		sessions: make(map[string]*Session),
	}
}

// EnsureGlobal returns the Global session for server, opening its connection
// if needed. Concurrent first callers converge on one session.
func (m *Manager) EnsureGlobal(ctx context.Context, server string) (Session, error) {
	id := GlobalSessionID(server)
	if s, ok := m.liveGlobal(id); ok {
		return s, nil
	}
	ch := m.global.DoChan(id, func() (any, error) {
		if s, ok := m.liveGlobal(id); ok {
			return s, nil
		}
		conn, err := m.opener.Open(context.WithoutCancel(ctx), server)
		if err != nil {
			return Session{}, err
		}
		return m.bind(id, Global, conn)
	})
	select {
	case <-ctx.Done():
		return Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

// liveGlobal returns an existing Global session unless its connection has
// been closed underneath it.
func (m *Manager) liveGlobal(id string) (Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	if s.conn.State() == mcpmgr.StateClosed {
		m.mu.Lock()
		if m.sessions[id] == s {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
		return Session{}, false
	}
	return *s, true
}

// Connect creates a new Dynamic session bound to server's connection.
func (m *Manager) Connect(ctx context.Context, server string) (Session, error) {
	conn, err := m.opener.Open(ctx, server)
	if err != nil {
		return Session{}, err
	}
	return m.bind(newDynamicID(), Dynamic, conn)
}

// bind registers a session on conn. An open that finished after a reload
// closed its connection binds nothing.
func (m *Manager) bind(id string, kind Kind, conn *mcpmgr.Connection) (Session, error) {
	now := m.opts.Now()
	s := &Session{
		ID:           id,
		Kind:         kind,
		Server:       conn.Server,
		ConnectionID: conn.ID,
		CreatedAt:    now,
		LastUsedAt:   now,
		IdleTimeout:  m.opts.IdleTimeout,
		conn:         conn,
	}
	m.mu.Lock()
	if conn.State() == mcpmgr.StateClosed {
		m.mu.Unlock()
		return Session{}, mcperr.Connection(mcperr.NotReady, nil, "connection to %q closed before session %s was bound", conn.Server, id)
	}
	m.sessions[id] = s
	m.mu.Unlock()
	m.log.Info("session opened", "session", id, "type", kind, "server", conn.Server, "connection", conn.ID)
	return *s, nil
}

// Resolve returns the connection and kind bound to id.
func (m *Manager) Resolve(id string) (*mcpmgr.Connection, Kind, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, "", err
	}
	return s.conn, s.Kind, nil
}

// Get returns a snapshot of the session bound to id.
func (m *Manager) Get(id string) (Session, error) {
	if !ValidSessionID(id) {
		return Session{}, mcperr.Session(mcperr.BadRequest, "malformed session id %q", id)
	}
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return Session{}, mcperr.Session(mcperr.NotFound, "session %q not found", id)
	}
	return *s, nil
}

// Touch records use of a session. Unknown ids are ignored.
func (m *Manager) Touch(id string, now time.Time) {
	m.mu.Lock()
	if s, ok := m.sessions[id]; ok && now.After(s.LastUsedAt) {
		s.LastUsedAt = now
	}
	m.mu.Unlock()
}

// Close unbinds id. The connection stays open for other sessions; only a
// reload or shutdown closes connections.
func (m *Manager) Close(id string) (Closed, error) {
	if !ValidSessionID(id) {
		return Closed{}, mcperr.Session(mcperr.BadRequest, "malformed session id %q", id)
	}
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return Closed{}, mcperr.Session(mcperr.NotFound, "session %q not found", id)
	}
	m.log.Info("session closed", "session", id, "type", s.Kind, "server", s.Server)
	return Closed{SessionID: id, Kind: s.Kind, DisconnectedAt: m.opts.Now()}, nil
}

// Reconnect restores the session named by id. A Global id is ensured again,
// opening its server's connection if a close or reload dropped it. A Dynamic
// id is only returned while still bound, since a closed one cannot be
// recreated under the same id.
func (m *Manager) Reconnect(ctx context.Context, id string) (Session, error) {
	if !ValidSessionID(id) {
		return Session{}, mcperr.Session(mcperr.BadRequest, "malformed session id %q", id)
	}
	if server, ok := GlobalServer(id); ok {
		return m.EnsureGlobal(ctx, server)
	}
	return m.Get(id)
}

// Sweep closes Dynamic sessions idle for longer than their timeout and
// returns their ids.
func (m *Manager) Sweep(now time.Time) []string {
	m.mu.Lock()
	var swept []string
	for id, s := range m.sessions {
		if s.Kind != Dynamic {
			continue
		}
		if now.Sub(s.LastUsedAt) > s.IdleTimeout {
			delete(m.sessions, id)
			swept = append(swept, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(swept)
	if len(swept) > 0 {
		m.log.Info("swept idle sessions", "count", len(swept))
	}
	return swept
}

// List returns every session ordered by id.
func (m *Manager) List() []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DropAll unbinds every session and reports how many there were.
func (m *Manager) DropAll() int {
	m.mu.Lock()
	n := len(m.sessions)
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	return n
}
