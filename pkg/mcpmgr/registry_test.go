package mcpmgr_test

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-session-daemon-go/internal/providertest"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcpmgr"
)

func TestRegistryListsConfiguredServers(t *testing.T) {
	t.Parallel()

	demo := providertest.New("demo")
	lazy := providertest.New("lazy")
	registry := mcpmgr.NewRegistry(map[string]mcpmgr.ServerConfig{
		"demo": demo.Config(true),
		"lazy": lazy.Config(false),
	}, nil)

	if got, want := registry.ListServers(), []string{"demo", "lazy"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ListServers() = %v, expected %v", got, want)
	}
	if got, want := registry.PreconnectServers(), []string{"demo"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("PreconnectServers() = %v, expected %v", got, want)
	}
	if !registry.HasServer("demo") || registry.HasServer("missing") {
		t.Fatalf("HasServer mismatch")
	}
	if _, ok := registry.Get("demo"); ok {
		t.Fatalf("nothing should be connected before Open")
	}
}

func TestRegistryOpenPersistsHandshakeMetadata(t *testing.T) {
	t.Parallel()

	demo := providertest.New("demo")
	registry := mcpmgr.NewRegistry(map[string]mcpmgr.ServerConfig{"demo": demo.Config(true)}, nil)
	t.Cleanup(func() { _, _ = registry.CloseAll() })

	conn, err := registry.Open(context.Background(), "demo")
	require.NoError(t, err)
	require.Equal(t, mcpmgr.StateReady, conn.State())
	require.NotEmpty(t, conn.ID)
	require.NotNil(t, conn.Session())

	meta := conn.Metadata()
	require.NotEmpty(t, meta.ProtocolVersion)
	require.NotNil(t, meta.ServerInfo)
	require.Equal(t, "demo", meta.ServerInfo.Name)
	require.Equal(t, "test provider demo", meta.Instructions)
	require.NotNil(t, meta.Capabilities)
	require.NotNil(t, meta.Capabilities.Tools)

	got, ok := registry.Get("demo")
	require.True(t, ok)
	require.Same(t, conn, got)
}

func TestRegistryConcurrentOpenSharesOneHandshake(t *testing.T) {
	t.Parallel()

	demo := providertest.New("demo")
	registry := mcpmgr.NewRegistry(map[string]mcpmgr.ServerConfig{"demo": demo.Config(false)}, nil)
	t.Cleanup(func() { _, _ = registry.CloseAll() })

	const callers = 8
	conns := make([]*mcpmgr.Connection, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := registry.Open(context.Background(), "demo")
			if err != nil {
				t.Errorf("Open: %v", err)
				return
			}
			conns[i] = conn
		}(i)
	}
	wg.Wait()

	for _, conn := range conns {
		require.Same(t, conns[0], conn)
	}
	require.Equal(t, 1, demo.Connects())
}

func TestRegistryUnknownServer(t *testing.T) {
	t.Parallel()

	registry := mcpmgr.NewRegistry(nil, nil)
	_, err := registry.Open(context.Background(), "ghost")
	require.ErrorIs(t, err, mcperr.ErrUnknownServer)
}

func TestRegistryHandshakeTimeoutDegradesWithoutRetry(t *testing.T) {
	t.Parallel()

	registry := mcpmgr.NewRegistry(map[string]mcpmgr.ServerConfig{
		"silent": providertest.Silent(100 * time.Millisecond),
	}, nil)
	t.Cleanup(func() { _, _ = registry.CloseAll() })

	start := time.Now()
	_, err := registry.Open(context.Background(), "silent")
	require.ErrorIs(t, err, mcperr.ErrHandshakeFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)

	conn, ok := registry.Get("silent")
	require.True(t, ok)
	require.Equal(t, mcpmgr.StateDegraded, conn.State())

	// No automatic retry: the degraded entry answers NotReady.
	_, err = registry.Open(context.Background(), "silent")
	require.ErrorIs(t, err, mcperr.ErrNotReady)

	// Closing the entry (what reload does) allows a fresh attempt.
	require.NoError(t, registry.Close("silent"))
	_, ok = registry.Get("silent")
	require.False(t, ok)
}

func TestRegistryHandshakeOutlivesCancelledCaller(t *testing.T) {
	t.Parallel()

	demo := providertest.New("demo")
	registry := mcpmgr.NewRegistry(map[string]mcpmgr.ServerConfig{"demo": demo.Config(false)}, nil)
	t.Cleanup(func() { _, _ = registry.CloseAll() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := registry.Open(ctx, "demo"); err != nil {
		require.ErrorIs(t, err, context.Canceled)
	}

	// The abandoned handshake still completes for everyone else.
	conn, err := registry.Open(context.Background(), "demo")
	require.NoError(t, err)
	require.Equal(t, mcpmgr.StateReady, conn.State())
	require.Equal(t, 1, demo.Connects())
}

func TestRegistryCloseFailsInflightCall(t *testing.T) {
	t.Parallel()

	demo := providertest.New("demo")
	registry := mcpmgr.NewRegistry(map[string]mcpmgr.ServerConfig{"demo": demo.Config(true)}, nil)

	conn, err := registry.Open(context.Background(), "demo")
	require.NoError(t, err)

	callErr := make(chan error, 1)
	go func() {
		_, err := conn.Session().CallTool(context.Background(), &mcp.CallToolParams{Name: "block"})
		callErr <- err
	}()
	select {
	case <-demo.Started():
	case <-time.After(5 * time.Second):
		t.Fatalf("block call never started")
	}

	closed := make(chan struct{})
	go func() {
		_ = registry.Close("demo")
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close blocked on an in-flight call")
	}
	select {
	case err := <-callErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("in-flight call did not fail after Close")
	}
	require.Equal(t, mcpmgr.StateClosed, conn.State())
}

func TestRegistryTransportBuildFailure(t *testing.T) {
	t.Parallel()

	registry := mcpmgr.NewRegistry(map[string]mcpmgr.ServerConfig{"broken": providertest.Failing()}, nil)
	_, err := registry.Open(context.Background(), "broken")
	require.ErrorIs(t, err, mcperr.ErrHandshakeFailed)
	require.Contains(t, err.Error(), "spawn failed")
}

func TestRegistryAfterHandshakeErrorFailsOpen(t *testing.T) {
	t.Parallel()

	demo := providertest.New("demo")
	registry := mcpmgr.NewRegistry(map[string]mcpmgr.ServerConfig{"demo": demo.Config(true)}, &mcpmgr.RegistryOptions{
		AfterHandshake: func(context.Context, *mcpmgr.Connection) error {
			return context.DeadlineExceeded
		},
	})
	_, err := registry.Open(context.Background(), "demo")
	require.ErrorIs(t, err, mcperr.ErrHandshakeFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistryProviderCrashDegradesConnection(t *testing.T) {
	t.Parallel()

	demo := providertest.New("demo")
	var (
		mu     sync.Mutex
		states []mcpmgr.ConnectionState
	)
	registry := mcpmgr.NewRegistry(map[string]mcpmgr.ServerConfig{"demo": demo.Config(true)}, &mcpmgr.RegistryOptions{
		OnStateChange: func(_ *mcpmgr.Connection, s mcpmgr.ConnectionState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	t.Cleanup(func() { _, _ = registry.CloseAll() })

	conn, err := registry.Open(context.Background(), "demo")
	require.NoError(t, err)

	demo.DropConnections()

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("connection did not observe provider crash")
	}
	require.Equal(t, mcpmgr.StateDegraded, conn.State())
	require.ErrorIs(t, conn.Fault(), mcperr.ErrTransportLost)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []mcpmgr.ConnectionState{mcpmgr.StateReady, mcpmgr.StateDegraded}, states)
}

func TestRegistryCloseAll(t *testing.T) {
	t.Parallel()

	a := providertest.New("a")
	b := providertest.New("b")
	registry := mcpmgr.NewRegistry(map[string]mcpmgr.ServerConfig{
		"a": a.Config(true),
		"b": b.Config(true),
	}, nil)

	connA, err := registry.Open(context.Background(), "a")
	require.NoError(t, err)
	_, err = registry.Open(context.Background(), "b")
	require.NoError(t, err)
	require.Len(t, registry.Connections(), 2)

	names, err := registry.CloseAll()
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, names)
	require.Equal(t, mcpmgr.StateClosed, connA.State())
	require.Empty(t, registry.Connections())

	select {
	case <-connA.Done():
	default:
		t.Fatalf("Done should be closed after CloseAll")
	}
}
