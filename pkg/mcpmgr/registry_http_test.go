package mcpmgr_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-session-daemon-go/internal/providertest"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcpmgr"
)

func TestRegistryOpensStreamableHTTPProvider(t *testing.T) {
	t.Parallel()

	provider := providertest.New("remote")
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return provider.Server }, nil)

	var (
		mu         sync.Mutex
		authHeader []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		authHeader = append(authHeader, r.Header.Get("Authorization"))
		mu.Unlock()
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	noSSE := false
	headers := http.Header{}
	headers.Set("Authorization", "Bearer remote-token")
	registry := mcpmgr.NewRegistry(map[string]mcpmgr.ServerConfig{
		"remote": &mcpmgr.HTTPServerConfig{
			Endpoint:  srv.URL,
			Headers:   headers,
			PreferSSE: &noSSE,
		},
	}, nil)
	t.Cleanup(func() { _, _ = registry.CloseAll() })

	conn, err := registry.Open(context.Background(), "remote")
	require.NoError(t, err)
	require.Equal(t, mcpmgr.StateReady, conn.State())
	require.Equal(t, "remote", conn.Metadata().ServerInfo.Name)

	res, err := conn.Session().CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"text": "over http"},
	})
	require.NoError(t, err)
	require.Equal(t, "over http", res.Content[0].(*mcp.TextContent).Text)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, authHeader)
	for _, got := range authHeader {
		require.Equal(t, "Bearer remote-token", got)
	}
}

func TestRegistrySSEProviderStaysReady(t *testing.T) {
	t.Parallel()

	provider := providertest.New("legacy")
	srv := httptest.NewServer(mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return provider.Server }, nil))
	t.Cleanup(srv.Close)

	useSSE := true
	registry := mcpmgr.NewRegistry(map[string]mcpmgr.ServerConfig{
		"legacy": &mcpmgr.HTTPServerConfig{Endpoint: srv.URL, PreferSSE: &useSSE},
	}, nil)
	t.Cleanup(func() { _, _ = registry.CloseAll() })

	conn, err := registry.Open(context.Background(), "legacy")
	require.NoError(t, err)

	// The event stream must outlive the handshake.
	time.Sleep(300 * time.Millisecond)
	require.Equal(t, mcpmgr.StateReady, conn.State(), "fault: %v", conn.Fault())

	res, err := conn.Session().CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"text": "over sse"},
	})
	require.NoError(t, err)
	require.Equal(t, "over sse", res.Content[0].(*mcp.TextContent).Text)
}
