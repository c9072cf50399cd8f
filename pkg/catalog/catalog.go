// Package catalog caches each provider's tool list and serves it in three
// disclosure layers: servers with their connection status, per-server
// name/description summaries, and the full schema of a single tool.
//
// A catalog is fetched exactly once per connection, immediately after the
// handshake and before the connection is published as ready. It is never
// refetched implicitly; reload clears it.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcpmgr"
)

// StatusDisconnected is reported for configured servers without a connection.
const StatusDisconnected = "disconnected"

// maxPages bounds cursor pagination against providers that loop.
const maxPages = 1000

// ServerStatus is a layer 1 entry.
type ServerStatus struct {
	Server       string `json:"server"`
	Status       string `json:"status"`
	ConnectionID string `json:"connectionId,omitempty"`
	ToolCount    int    `json:"toolCount"`
	mcpmgr.Descriptor
}

// ToolSummary is a layer 2 entry.
type ToolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Tool is a layer 3 entry.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

// Catalog is the immutable tool list fetched for one connection.
type Catalog struct {
	Server       string
	ConnectionID string
	Tools        []Tool
	FetchedAt    time.Time

	byName map[string]int
}

// Source reports configured servers and their current connections.
// *mcpmgr.Registry satisfies it.
type Source interface {
	ListServers() []string
	ServerConfig(serverID string) mcpmgr.ServerConfig
	Get(serverID string) (*mcpmgr.Connection, bool)
}

// Cache holds one Catalog per server.
type Cache struct {
	source Source
	log    *slog.Logger

	mu       sync.RWMutex
	catalogs map[string]*Catalog
}

// New returns an empty cache reading server state from source.
func New(source Source, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		source:   source,
		log:      logger.With("component", "catalog"),
		catalogs: make(map[string]*Catalog),
	}
}

// SetSource swaps the server source. The registry is built after the cache
// because Populate is wired as its after-handshake hook.
func (c *Cache) SetSource(source Source) {
	c.mu.Lock()
	c.source = source
	c.mu.Unlock()
}

// Populate fetches the tool list of a freshly handshaken connection and
// stores it. It has the signature of mcpmgr.RegistryOptions.AfterHandshake.
func (c *Cache) Populate(ctx context.Context, conn *mcpmgr.Connection) error {
	tools, err := fetchTools(ctx, conn)
	if err != nil {
		return fmt.Errorf("catalog: list tools for %q: %w", conn.Server, err)
	}
	cat := &Catalog{
		Server:       conn.Server,
		ConnectionID: conn.ID,
		Tools:        tools,
		FetchedAt:    time.Now(),
		byName:       make(map[string]int, len(tools)),
	}
	for i, t := range tools {
		if _, dup := cat.byName[t.Name]; !dup {
			cat.byName[t.Name] = i
		}
	}
	c.mu.Lock()
	c.catalogs[conn.Server] = cat
	c.mu.Unlock()
	c.log.Debug("catalog populated", "server", conn.Server, "connection", conn.ID, "tools", len(tools))
	return nil
}

func fetchTools(ctx context.Context, conn *mcpmgr.Connection) ([]Tool, error) {
	meta := conn.Metadata()
	if meta.Capabilities == nil || meta.Capabilities.Tools == nil {
		return []Tool{}, nil
	}
	session := conn.Session()
	if session == nil {
		return nil, fmt.Errorf("connection %s has no session", conn.ID)
	}

	tools := []Tool{}
	seen := make(map[string]struct{})
	cursor := ""
	for page := 0; page < maxPages; page++ {
		res, err := session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			if isMethodUnavailableError(err) {
				return []Tool{}, nil
			}
			return nil, err
		}
		for _, t := range res.Tools {
			if t == nil {
				continue
			}
			tools = append(tools, Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
		}
		if res.NextCursor == "" {
			return tools, nil
		}
		if _, loop := seen[res.NextCursor]; loop {
			return nil, fmt.Errorf("pagination cursor %q repeated", res.NextCursor)
		}
		seen[res.NextCursor] = struct{}{}
		cursor = res.NextCursor
	}
	return nil, fmt.Errorf("more than %d pages of tools", maxPages)
}

// Get returns the cached catalog for server.
func (c *Cache) Get(server string) (*Catalog, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cat, ok := c.catalogs[server]
	return cat, ok
}

// Servers is layer 1: every configured server with its connection status.
func (c *Cache) Servers() []ServerStatus {
	c.mu.RLock()
	source := c.source
	c.mu.RUnlock()
	if source == nil {
		return nil
	}
	names := source.ListServers()
	out := make([]ServerStatus, 0, len(names))
	for _, name := range names {
		entry := ServerStatus{
			Server:     name,
			Status:     StatusDisconnected,
			Descriptor: mcpmgr.Describe(source.ServerConfig(name)),
		}
		if conn, ok := source.Get(name); ok {
			entry.Status = string(conn.State())
			entry.ConnectionID = conn.ID
		}
		if cat, ok := c.Get(name); ok && (entry.ConnectionID == "" || cat.ConnectionID == entry.ConnectionID) {
			entry.ToolCount = len(cat.Tools)
		}
		out = append(out, entry)
	}
	return out
}

// Tools is layer 2: names and descriptions in provider order.
func (c *Cache) Tools(server string) ([]ToolSummary, error) {
	cat, err := c.lookup(server)
	if err != nil {
		return nil, err
	}
	out := make([]ToolSummary, len(cat.Tools))
	for i, t := range cat.Tools {
		out[i] = ToolSummary{Name: t.Name, Description: t.Description}
	}
	return out, nil
}

// Descriptors returns every full descriptor in provider order. It answers
// tools/list calls, whose callers expect input schemas.
func (c *Cache) Descriptors(server string) ([]Tool, error) {
	cat, err := c.lookup(server)
	if err != nil {
		return nil, err
	}
	return slices.Clone(cat.Tools), nil
}

// Tool is layer 3: the full descriptor of one exactly named tool.
func (c *Cache) Tool(server, name string) (Tool, error) {
	cat, err := c.lookup(server)
	if err != nil {
		return Tool{}, err
	}
	i, ok := cat.byName[name]
	if !ok {
		return Tool{}, mcperr.Session(mcperr.NotFound, "tool %q not found on server %q", name, server)
	}
	return cat.Tools[i], nil
}

func (c *Cache) lookup(server string) (*Catalog, error) {
	c.mu.RLock()
	source := c.source
	cat, ok := c.catalogs[server]
	c.mu.RUnlock()
	if ok && source == nil {
		return cat, nil
	}
	if ok {
		// A catalog outlives its connection only when a handshake finished
		// after the connection was closed under it.
		if conn, live := source.Get(server); live && conn.ID == cat.ConnectionID {
			return cat, nil
		}
	}
	if source != nil && !slices.Contains(source.ListServers(), server) {
		return nil, mcperr.Connection(mcperr.UnknownServer, nil, "unknown server %q", server)
	}
	return nil, mcperr.Connection(mcperr.NotReady, nil, "server %q has no catalog; connect first", server)
}

// Invalidate drops the catalog for one server.
func (c *Cache) Invalidate(server string) {
	c.mu.Lock()
	delete(c.catalogs, server)
	c.mu.Unlock()
}

// Clear drops every catalog.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.catalogs = make(map[string]*Catalog)
	c.mu.Unlock()
}

// isMethodUnavailableError recognizes providers that answer tools/list with a
// method-not-found style error despite advertising tools.
func isMethodUnavailableError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, marker := range []string{"method not found", "not implemented", "unsupported", "does not support", "unimplemented"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
