package mcpmgr

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// HTTPAuthProvider dynamically supplies an Authorization header (for example,
// "Bearer <token>") for outbound HTTP requests to a provider.
type HTTPAuthProvider func(context.Context) (string, error)

// TransportFactory builds a transport for a custom server descriptor. It is
// called once per connection attempt.
type TransportFactory func(context.Context) (mcp.Transport, error)

// BaseServerConfig captures settings shared by all transport types.
type BaseServerConfig struct {
	ClientOptions mcp.ClientOptions
	// Timeout bounds the handshake. Zero falls back to
	// RegistryOptions.HandshakeTimeout.
	Timeout time.Duration
	Version string
	// Preconnect opens the connection (and its Global session) at daemon
	// start and after every reload instead of on first use.
	Preconnect bool
	OnError    func(error)
	LogJSONRPC bool
	RPCLogger  RPCLogger
}

// StdioServerConfig describes a provider launched as a child process speaking
// JSON-RPC over stdin/stdout.
type StdioServerConfig struct {
	BaseServerConfig
	Command string
	Args    []string
	Env     map[string]string
}

func (c *StdioServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// HTTPServerConfig describes a provider reachable over the Streamable HTTP or
// SSE transports.
type HTTPServerConfig struct {
	BaseServerConfig
	Endpoint     string
	HTTPClient   *http.Client
	MaxRetries   int
	Headers      http.Header
	AuthProvider HTTPAuthProvider
	// PreferSSE forces (true) or forbids (false) the SSE transport. When nil,
	// endpoints ending in "/sse" use SSE and everything else tries Streamable
	// HTTP first.
	PreferSSE *bool
}

func (c *HTTPServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// CustomServerConfig describes a provider whose transport is built in code,
// such as an in-process server.
type CustomServerConfig struct {
	BaseServerConfig
	Connect TransportFactory
}

func (c *CustomServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// ServerConfig is implemented by all transport-specific configurations. A
// map of server name to ServerConfig is the daemon's set of server
// descriptors.
type ServerConfig interface {
	base() *BaseServerConfig
}

// RegistryOptions configures a Registry instance.
type RegistryOptions struct {
	// DefaultClientName overrides the client name advertised during
	// initialization. When empty, "mcpd" is used.
	DefaultClientName string
	// DefaultClientVersion controls the semantic version reported to servers.
	DefaultClientVersion string
	// HandshakeTimeout is applied whenever a server configuration omits an
	// explicit timeout. Defaults to 5s.
	HandshakeTimeout time.Duration
	// DefaultClientOptions are merged into each server's BaseServerConfig
	// options prior to connection.
	DefaultClientOptions mcp.ClientOptions
	// DefaultLogJSONRPC toggles debug logging of JSON-RPC traffic for all
	// servers unless overridden per server.
	DefaultLogJSONRPC bool
	// RPCLogger provides a custom logger for JSON-RPC traffic; it takes
	// precedence over DefaultLogJSONRPC.
	RPCLogger RPCLogger
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// AfterHandshake runs once per connection after a successful handshake
	// and before the connection is published as Ready. An error fails the
	// open as HandshakeFailed.
	AfterHandshake func(context.Context, *Connection) error
	// OnStateChange observes every state transition.
	OnStateChange func(*Connection, ConnectionState)
}

func (o *RegistryOptions) normalized() RegistryOptions {
	if o == nil {
		o = &RegistryOptions{}
	}
	opts := *o
	if opts.DefaultClientName == "" {
		opts.DefaultClientName = "mcpd"
	}
	if opts.DefaultClientVersion == "" {
		opts.DefaultClientVersion = "1.0.0"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}
