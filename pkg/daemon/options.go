package daemon

import (
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcpmgr"
)

// ServerSource yields the current server descriptors. It is called once at
// construction and again on every reload.
type ServerSource func() (map[string]mcpmgr.ServerConfig, error)

// StaticServers returns a source that always yields cfg.
func StaticServers(cfg map[string]mcpmgr.ServerConfig) ServerSource {
	return func() (map[string]mcpmgr.ServerConfig, error) { return cfg, nil }
}

// FileServers returns a source that re-reads the config file at path.
func FileServers(path string) ServerSource {
	return func() (map[string]mcpmgr.ServerConfig, error) {
		if path == "" {
			return map[string]mcpmgr.ServerConfig{}, nil
		}
		f, err := mcpmgr.LoadFile(path)
		if err != nil {
			return nil, err
		}
		return f.ServerConfigs()
	}
}

// Options configure a Daemon instance.
type Options struct {
	// Implementation identifies the daemon to providers during the handshake.
	Implementation *mcp.Implementation
	// Host and Port control the listen address used by ListenAndServe.
	// Defaults to 127.0.0.1:13579.
	Host string
	Port int
	// Servers supplies server descriptors. Defaults to no servers.
	Servers ServerSource
	// HandshakeTimeout bounds each provider handshake. Defaults to 5s.
	HandshakeTimeout time.Duration
	// CallTimeout is the deadline of calls that do not carry one. Defaults to 30s.
	CallTimeout time.Duration
	// IdleTimeout is how long a Dynamic session may stay unused. Defaults to 30m.
	IdleTimeout time.Duration
	// SweepInterval is the period of the idle and pending-call sweep. Defaults to 30s.
	SweepInterval time.Duration
	// MaxConnections caps concurrent HTTP connections; zero means unlimited.
	MaxConnections int
	// LogJSONRPC logs every provider message at debug level.
	LogJSONRPC bool
	// AuthToken, when set, must be presented as a bearer token on every
	// route except /health and /events.
	AuthToken string
	// AllowedOrigins extends the CORS allow-list beyond localhost origins.
	AllowedOrigins []string
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ShutdownTimeout bounds graceful HTTP shutdown. Defaults to 5s.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{Name: "mcpd", Version: "1.0.0"}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Host == "" {
		opts.Host = DefaultHost
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Servers == nil {
		opts.Servers = StaticServers(nil)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	return opts
}

// Addr is the host:port the daemon listens on.
func (o Options) Addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}
