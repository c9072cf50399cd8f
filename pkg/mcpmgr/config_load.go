package mcpmgr

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the on-disk daemon configuration. JSON documents are accepted
// too since JSON is a subset of YAML.
type FileConfig struct {
	Host             string                `yaml:"host"`
	Port             int                   `yaml:"port"`
	HandshakeTimeout Duration              `yaml:"handshakeTimeout"`
	CallTimeout      Duration              `yaml:"callTimeout"`
	IdleTimeout      Duration              `yaml:"idleTimeout"`
	SweepInterval    Duration              `yaml:"sweepInterval"`
	MaxConnections   int                   `yaml:"maxConnections"`
	LogJSONRPC       bool                  `yaml:"logJsonRpc"`
	Servers          map[string]FileServer `yaml:"mcpServers"`
}

// FileServer is one entry of the "mcpServers" map.
type FileServer struct {
	// Type is "stdio", "http", or "sse". When empty it is inferred: a command
	// means stdio, a url means http.
	Type        string            `yaml:"type"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	URL         string            `yaml:"url"`
	Headers     map[string]string `yaml:"headers"`
	BearerToken string            `yaml:"bearerToken"`
	MaxRetries  int               `yaml:"maxRetries"`
	// Preconnect defaults to true.
	Preconnect *bool    `yaml:"preconnect"`
	Disabled   bool     `yaml:"disabled"`
	Timeout    Duration `yaml:"timeout"`
	LogJSONRPC bool     `yaml:"logJsonRpc"`
}

// Duration is a duration written with a unit, such as "5s" or "1m30s". Bare
// numbers are rejected rather than read as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a string such as \"5s\"", node.Line)
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: duration %q needs a unit such as \"5s\": %w", node.Line, node.Value, err)
	}
	*d = Duration(v)
	return nil
}

// LoadFile reads and parses a configuration file.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a YAML or JSON configuration document and validates
// every server entry.
func ParseConfig(data []byte) (*FileConfig, error) {
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("mcpmgr: parse config: %w", err)
	}
	if _, err := cfg.ServerConfigs(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ServerConfigs converts the file entries into server descriptors. Disabled
// entries are skipped.
func (f *FileConfig) ServerConfigs() (map[string]ServerConfig, error) {
	out := make(map[string]ServerConfig, len(f.Servers))
	names := make([]string, 0, len(f.Servers))
	for name := range f.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		entry := f.Servers[name]
		if entry.Disabled {
			continue
		}
		if !validServerName(name) {
			return nil, fmt.Errorf("mcpmgr: invalid server name %q", name)
		}
		cfg, err := entry.serverConfig(name, f.LogJSONRPC)
		if err != nil {
			return nil, err
		}
		out[name] = cfg
	}
	return out, nil
}

func (s FileServer) serverConfig(name string, logRPC bool) (ServerConfig, error) {
	preconnect := true
	if s.Preconnect != nil {
		preconnect = *s.Preconnect
	}
	base := BaseServerConfig{
		Timeout:    time.Duration(s.Timeout),
		Preconnect: preconnect,
		LogJSONRPC: s.LogJSONRPC || logRPC,
	}
	kind := strings.ToLower(strings.TrimSpace(s.Type))
	if kind == "" {
		switch {
		case s.Command != "":
			kind = "stdio"
		case s.URL != "":
			kind = "http"
		}
	}
	switch kind {
	case "stdio":
		if s.Command == "" {
			return nil, fmt.Errorf("mcpmgr: server %q: command is required", name)
		}
		return &StdioServerConfig{
			BaseServerConfig: base,
			Command:          s.Command,
			Args:             append([]string(nil), s.Args...),
			Env:              s.Env,
		}, nil
	case "http", "streamable-http", "sse":
		if s.URL == "" {
			return nil, fmt.Errorf("mcpmgr: server %q: url is required", name)
		}
		cfg := &HTTPServerConfig{
			BaseServerConfig: base,
			Endpoint:         s.URL,
			MaxRetries:       s.MaxRetries,
		}
		if kind == "sse" {
			prefer := true
			cfg.PreferSSE = &prefer
		}
		if len(s.Headers) > 0 {
			cfg.Headers = make(http.Header, len(s.Headers))
			for k, v := range s.Headers {
				cfg.Headers.Set(k, v)
			}
		}
		if s.BearerToken != "" {
			cfg.Headers = mergeAuthorization(cfg.Headers, "Bearer "+s.BearerToken)
		}
		return cfg, nil
	case "":
		return nil, fmt.Errorf("mcpmgr: server %q: either command or url is required", name)
	default:
		return nil, fmt.Errorf("mcpmgr: server %q: unsupported type %q", name, s.Type)
	}
}

func mergeAuthorization(h http.Header, value string) http.Header {
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Authorization", value)
	return h
}

// validServerName keeps names usable inside "{server}_global" session ids
// and URL paths.
func validServerName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case (r == '-' || r == '_' || r == '.') && i > 0:
		default:
			return false
		}
	}
	return true
}
