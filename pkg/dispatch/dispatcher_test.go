package dispatch_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-session-daemon-go/internal/providertest"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/catalog"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/dispatch"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcpmgr"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/sessions"
)

type harness struct {
	provider   *providertest.Provider
	registry   *mcpmgr.Registry
	sessions   *sessions.Manager
	dispatcher *dispatch.Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	demo := providertest.New("demo")
	cache := catalog.New(nil, nil)
	registry := mcpmgr.NewRegistry(map[string]mcpmgr.ServerConfig{"demo": demo.Config(true)}, &mcpmgr.RegistryOptions{
		AfterHandshake: cache.Populate,
	})
	cache.SetSource(registry)
	t.Cleanup(func() { _, _ = registry.CloseAll() })
	mgr := sessions.NewManager(registry, nil)
	return &harness{
		provider:   demo,
		registry:   registry,
		sessions:   mgr,
		dispatcher: dispatch.New(mgr, cache, nil),
	}
}

func callParams(t *testing.T, name string, args map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(dispatch.CallParams{Name: name, Arguments: args})
	require.NoError(t, err)
	return raw
}

func resultText(t *testing.T, res any) string {
	t.Helper()
	ctr, ok := res.(*mcp.CallToolResult)
	require.True(t, ok, "unexpected result type %T", res)
	require.NotEmpty(t, ctr.Content)
	text, ok := ctr.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestDispatchToolCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, err := h.sessions.EnsureGlobal(context.Background(), "demo")
	require.NoError(t, err)

	res, err := h.dispatcher.Dispatch(context.Background(), s.ID, dispatch.MethodToolsCall,
		callParams(t, "echo", map[string]any{"text": "hello"}), time.Time{})
	require.NoError(t, err)
	require.Equal(t, "hello", resultText(t, res))
	require.Zero(t, h.dispatcher.Pending())
}

func TestDispatchToolsListServedFromCatalog(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, err := h.sessions.EnsureGlobal(context.Background(), "demo")
	require.NoError(t, err)

	res, err := h.dispatcher.Dispatch(context.Background(), s.ID, dispatch.MethodToolsList, nil, time.Time{})
	require.NoError(t, err)
	list, ok := res.(dispatch.ListResult)
	require.True(t, ok)
	require.Len(t, list.Tools, 3)
	for _, tool := range list.Tools {
		require.NotNil(t, tool.InputSchema, "tools/list carries the input schema of %s", tool.Name)
	}
	require.Empty(t, h.provider.Calls(), "tools/list must not invoke any tool")
}

func TestDispatchSerializesCallsPerConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	global, err := h.sessions.EnsureGlobal(context.Background(), "demo")
	require.NoError(t, err)
	dynamic, err := h.sessions.Connect(context.Background(), "demo")
	require.NoError(t, err)

	// Two sessions share one connection; submission order is wire order.
	first, err := h.dispatcher.Submit(global.ID, dispatch.MethodToolsCall, callParams(t, "block", nil), time.Time{})
	require.NoError(t, err)
	second, err := h.dispatcher.Submit(dynamic.ID, dispatch.MethodToolsCall, callParams(t, "echo", map[string]any{"text": "2"}), time.Time{})
	require.NoError(t, err)
	third, err := h.dispatcher.Submit(global.ID, dispatch.MethodToolsCall, callParams(t, "sleep", map[string]any{"ms": 10}), time.Time{})
	require.NoError(t, err)

	select {
	case name := <-h.provider.Started():
		require.Equal(t, "block", name)
	case <-time.After(5 * time.Second):
		t.Fatalf("first call never reached the provider")
	}
	require.Equal(t, 3, h.dispatcher.Pending())
	h.provider.Release()

	for _, pc := range []*dispatch.PendingCall{first, second, third} {
		_, err := pc.Wait(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, []string{"block", "echo", "sleep"}, h.provider.Calls())
	require.Equal(t, 1, h.provider.MaxInflight())
}

func TestDispatchConcurrentCallersNeverInterleave(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, err := h.sessions.EnsureGlobal(context.Background(), "demo")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.dispatcher.Dispatch(context.Background(), s.ID, dispatch.MethodToolsCall,
				callParams(t, "sleep", map[string]any{"ms": 5}), time.Time{})
			if err != nil {
				t.Errorf("Dispatch: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Len(t, h.provider.Calls(), 8)
	require.Equal(t, 1, h.provider.MaxInflight())
}

func TestDispatchTimeoutLeavesConnectionUsable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, err := h.sessions.EnsureGlobal(context.Background(), "demo")
	require.NoError(t, err)

	_, err = h.dispatcher.Dispatch(context.Background(), s.ID, dispatch.MethodToolsCall,
		callParams(t, "sleep", map[string]any{"ms": 300}), time.Now().Add(100*time.Millisecond))
	require.ErrorIs(t, err, mcperr.ErrTimeout)

	conn, ok := h.registry.Get("demo")
	require.True(t, ok)
	require.Equal(t, mcpmgr.StateReady, conn.State())

	res, err := h.dispatcher.Dispatch(context.Background(), s.ID, dispatch.MethodToolsCall,
		callParams(t, "echo", map[string]any{"text": "still here"}), time.Time{})
	require.NoError(t, err)
	require.Equal(t, "still here", resultText(t, res))
}

func TestDispatchExpiredQueuedCallIsNeverSent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, err := h.sessions.EnsureGlobal(context.Background(), "demo")
	require.NoError(t, err)

	slow, err := h.dispatcher.Submit(s.ID, dispatch.MethodToolsCall, callParams(t, "sleep", map[string]any{"ms": 200}), time.Time{})
	require.NoError(t, err)
	queued, err := h.dispatcher.Submit(s.ID, dispatch.MethodToolsCall,
		callParams(t, "echo", map[string]any{"text": "late"}), time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, h.dispatcher.SweepPending(time.Now()))

	_, err = queued.Wait(context.Background())
	require.ErrorIs(t, err, mcperr.ErrTimeout)

	_, err = slow.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"sleep"}, h.provider.Calls())
}

func TestDispatchTransportLossFailsActiveAndQueued(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, err := h.sessions.EnsureGlobal(context.Background(), "demo")
	require.NoError(t, err)

	active, err := h.dispatcher.Submit(s.ID, dispatch.MethodToolsCall, callParams(t, "block", nil), time.Time{})
	require.NoError(t, err)
	queued, err := h.dispatcher.Submit(s.ID, dispatch.MethodToolsCall, callParams(t, "echo", map[string]any{"text": "x"}), time.Time{})
	require.NoError(t, err)

	select {
	case <-h.provider.Started():
	case <-time.After(5 * time.Second):
		t.Fatalf("active call never started")
	}
	h.provider.DropConnections()

	_, err = active.Wait(context.Background())
	require.ErrorIs(t, err, mcperr.ErrTransportLost)
	_, err = queued.Wait(context.Background())
	require.ErrorIs(t, err, mcperr.ErrTransportLost)

	conn, ok := h.registry.Get("demo")
	require.True(t, ok)
	require.Equal(t, mcpmgr.StateDegraded, conn.State())

	_, err = h.dispatcher.Dispatch(context.Background(), s.ID, dispatch.MethodToolsCall,
		callParams(t, "echo", map[string]any{"text": "x"}), time.Time{})
	require.ErrorIs(t, err, mcperr.ErrNotReady)
}

func TestDispatchProviderErrorIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, err := h.sessions.EnsureGlobal(context.Background(), "demo")
	require.NoError(t, err)

	_, err = h.dispatcher.Dispatch(context.Background(), s.ID, dispatch.MethodToolsCall,
		callParams(t, "no_such_tool", nil), time.Time{})
	require.ErrorIs(t, err, mcperr.ErrRejected)

	conn, _ := h.registry.Get("demo")
	require.Equal(t, mcpmgr.StateReady, conn.State())
}

func TestDispatchValidatesRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, err := h.sessions.EnsureGlobal(context.Background(), "demo")
	require.NoError(t, err)

	cases := []struct {
		name    string
		session string
		method  string
		params  json.RawMessage
		want    error
	}{
		{"unknown session", "nobody", dispatch.MethodToolsCall, callParams(t, "echo", nil), mcperr.ErrNotFound},
		{"malformed session", "bad id", dispatch.MethodToolsCall, callParams(t, "echo", nil), mcperr.ErrBadRequest},
		{"unknown method", s.ID, "resources/list", nil, mcperr.ErrBadRequest},
		{"missing params", s.ID, dispatch.MethodToolsCall, nil, mcperr.ErrBadRequest},
		{"missing name", s.ID, dispatch.MethodToolsCall, json.RawMessage(`{"arguments":{}}`), mcperr.ErrBadRequest},
		{"bad json", s.ID, dispatch.MethodToolsCall, json.RawMessage(`{`), mcperr.ErrBadRequest},
	}
	for _, tc := range cases {
		_, err := h.dispatcher.Dispatch(context.Background(), tc.session, tc.method, tc.params, time.Time{})
		require.ErrorIs(t, err, tc.want, tc.name)
	}
}

func TestDispatchTouchesSessionOnSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	s, err := h.sessions.Connect(context.Background(), "demo")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, err = h.dispatcher.Dispatch(context.Background(), s.ID, dispatch.MethodToolsCall,
		callParams(t, "echo", map[string]any{"text": "x"}), time.Time{})
	require.NoError(t, err)

	after, err := h.sessions.Get(s.ID)
	require.NoError(t, err)
	require.True(t, after.LastUsedAt.After(s.LastUsedAt))
}
