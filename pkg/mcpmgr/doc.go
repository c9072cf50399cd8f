// Package mcpmgr owns the daemon's persistent links to Model Context Protocol
// (MCP) tool providers. It is the transport adapter and connection registry
// layer: it builds stdio, Streamable HTTP, SSE, or custom transports, performs
// the initialize handshake under a bounded timeout, and tracks each server's
// Connection through its lifecycle on top of the modelcontextprotocol/go-sdk
// client.
//
// # Core entry points
//
//   - Registry is the long-lived, lock-guarded server-name → Connection map.
//     Construct it with NewRegistry, then call Open / Get / Close / CloseAll.
//   - ServerConfig (and the StdioServerConfig / HTTPServerConfig /
//     CustomServerConfig variants) declare how each provider is launched or
//     contacted. LoadFile and ParseConfig build them from a YAML or JSON
//     "mcpServers" document.
//   - Connection exposes the client session, the negotiated handshake
//     Metadata, and a Done channel that closes when the connection leaves the
//     Ready state.
//
// Connections move Connecting → Ready → Degraded → Closed. A failed handshake
// or a transport fault leaves the connection Degraded; the registry never
// retries on its own, and only closing the entry (a reload) lets Open dial the
// server again.
package mcpmgr
