package mcpmgr

import (
	"net/url"
	"strings"
)

// Transport names the wire transport a descriptor dials.
type Transport string

const (
	TransportStdio  Transport = "stdio"
	TransportHTTP   Transport = "http"
	TransportSSE    Transport = "sse"
	TransportCustom Transport = "custom"
)

// TransportOf returns the transport cfg dials first. HTTP descriptors that
// resolve to SSE report TransportSSE. Unknown or nil descriptors yield "".
func TransportOf(cfg ServerConfig) Transport {
	switch c := cfg.(type) {
	case *StdioServerConfig:
		return TransportStdio
	case *HTTPServerConfig:
		if shouldPreferSSE(c) {
			return TransportSSE
		}
		return TransportHTTP
	case *CustomServerConfig:
		return TransportCustom
	default:
		return ""
	}
}

// IsPreconnect reports whether cfg asks to be opened eagerly.
func IsPreconnect(cfg ServerConfig) bool {
	if cfg == nil {
		return false
	}
	return cfg.base().Preconnect
}

// Descriptor is the public view of a ServerConfig. It never carries
// environment, headers or credentials.
type Descriptor struct {
	Transport  Transport `json:"transport,omitempty"`
	Target     string    `json:"target,omitempty"`
	Preconnect bool      `json:"preconnect"`
}

// Describe summarizes cfg. Target is the command of a stdio server and the
// endpoint of an HTTP server with any userinfo and query stripped.
func Describe(cfg ServerConfig) Descriptor {
	d := Descriptor{Transport: TransportOf(cfg), Preconnect: IsPreconnect(cfg)}
	switch c := cfg.(type) {
	case *StdioServerConfig:
		d.Target = c.Command
	case *HTTPServerConfig:
		d.Target = redactEndpoint(c.Endpoint)
	}
	return d
}

func redactEndpoint(endpoint string) string {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Host == "" {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
