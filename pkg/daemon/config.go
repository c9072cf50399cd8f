package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcpmgr"
)

const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 13579
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultCallTimeout      = 30 * time.Second
	DefaultIdleTimeout      = 30 * time.Minute
	DefaultSweepInterval    = 30 * time.Second
)

// Environment variables read by ApplyEnv. MCP_DAEMON_PORT is accepted as a
// fallback for MCPD_PORT.
const (
	EnvPort       = "MCPD_PORT"
	EnvPortLegacy = "MCP_DAEMON_PORT"
	EnvConfig     = "MCPD_CONFIG"
	EnvLogLevel   = "MCPD_LOG_LEVEL"
	EnvToken      = "MCPD_TOKEN"
)

// Config is the resolved daemon configuration before it is turned into
// Options. Sources are layered defaults, file, env, flags; each later layer
// overrides only what it sets.
type Config struct {
	Host             string
	Port             int
	ConfigPath       string
	LogLevel         slog.Level
	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	IdleTimeout      time.Duration
	SweepInterval    time.Duration
	MaxConnections   int
	LogJSONRPC       bool
	AuthToken        string
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Host:             DefaultHost,
		Port:             DefaultPort,
		LogLevel:         slog.LevelInfo,
		HandshakeTimeout: DefaultHandshakeTimeout,
		CallTimeout:      DefaultCallTimeout,
		IdleTimeout:      DefaultIdleTimeout,
		SweepInterval:    DefaultSweepInterval,
	}
}

// ApplyFile overlays the non-zero settings of a config file.
func (c *Config) ApplyFile(f *mcpmgr.FileConfig) {
	if f == nil {
		return
	}
	if f.Host != "" {
		c.Host = f.Host
	}
	if f.Port != 0 {
		c.Port = f.Port
	}
	if f.HandshakeTimeout > 0 {
		c.HandshakeTimeout = time.Duration(f.HandshakeTimeout)
	}
	if f.CallTimeout > 0 {
		c.CallTimeout = time.Duration(f.CallTimeout)
	}
	if f.IdleTimeout > 0 {
		c.IdleTimeout = time.Duration(f.IdleTimeout)
	}
	if f.SweepInterval > 0 {
		c.SweepInterval = time.Duration(f.SweepInterval)
	}
	if f.MaxConnections > 0 {
		c.MaxConnections = f.MaxConnections
	}
	if f.LogJSONRPC {
		c.LogJSONRPC = true
	}
}

// ConfigPathFromEnv returns the config path named by the environment, if any.
// It is resolved before the file is read, so it cannot live in ApplyEnv.
func ConfigPathFromEnv(lookup func(string) (string, bool)) string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, _ := lookup(EnvConfig)
	return strings.TrimSpace(v)
}

// ApplyEnv overlays settings from the environment. A nil lookup reads the
// process environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, key := range []string{EnvPort, EnvPortLegacy} {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		port, err := ParsePort(v)
		if err != nil {
			return fmt.Errorf("daemon: %s: %w", key, err)
		}
		c.Port = port
		break
	}
	if v, ok := lookup(EnvLogLevel); ok && strings.TrimSpace(v) != "" {
		level, err := ParseLogLevel(v)
		if err != nil {
			return fmt.Errorf("daemon: %s: %w", EnvLogLevel, err)
		}
		c.LogLevel = level
	}
	if v, ok := lookup(EnvToken); ok && strings.TrimSpace(v) != "" {
		c.AuthToken = strings.TrimSpace(v)
	}
	return nil
}

// Options converts the configuration into daemon Options.
func (c Config) Options(logger *slog.Logger) *Options {
	return &Options{
		Host:             c.Host,
		Port:             c.Port,
		Servers:          FileServers(c.ConfigPath),
		HandshakeTimeout: c.HandshakeTimeout,
		CallTimeout:      c.CallTimeout,
		IdleTimeout:      c.IdleTimeout,
		SweepInterval:    c.SweepInterval,
		MaxConnections:   c.MaxConnections,
		LogJSONRPC:       c.LogJSONRPC,
		AuthToken:        c.AuthToken,
		Logger:           logger,
	}
}

// ParsePort validates a TCP port number.
func ParsePort(v string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", v)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %d out of range", port)
	}
	return port, nil
}

// ParseLogLevel accepts debug, info, warn and error, case-insensitively.
func ParseLogLevel(v string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", v)
	}
	return level, nil
}
