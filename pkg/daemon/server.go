package daemon

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/rs/cors"
	"golang.org/x/net/netutil"

	"github.com/vikashloomba/mcp-session-daemon-go/pkg/sessions"
)

// Handler returns the HTTP control surface. When an auth token is configured
// every route except /health and /events requires it as a bearer token.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /reload", d.handleReload)
	mux.HandleFunc("POST /shutdown", d.handleShutdown)
	mux.HandleFunc("POST /connect", d.handleConnect)
	mux.HandleFunc("POST /sessions", d.handleConnectDynamic)
	mux.HandleFunc("GET /sessions", d.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{id}", d.handleCloseSession)
	mux.HandleFunc("POST /sessions/{id}/reconnect", d.handleReconnect)
	mux.HandleFunc("POST /call", d.handleCall)
	mux.HandleFunc("GET /servers", d.handleServers)
	mux.HandleFunc("GET /servers/{server}/tools", d.handleTools)
	mux.HandleFunc("GET /servers/{server}/tools/{tool}", d.handleTool)
	mux.HandleFunc("GET /servers/{server}/metadata", d.handleMetadata)

	var protected http.Handler = mux
	if d.opts.AuthToken != "" {
		protected = auth.RequireBearerToken(d.verifyToken, &auth.RequireBearerTokenOptions{})(mux)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /health", d.handleHealth)
	root.HandleFunc("GET /events", d.handleEvents)
	root.Handle("/", protected)

	c := cors.New(cors.Options{
		AllowOriginFunc: d.allowOrigin,
		AllowedMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders:  []string{"Content-Type", "Authorization"},
	})
	return c.Handler(root)
}

func (d *Daemon) verifyToken(_ context.Context, token string, _ *http.Request) (*auth.TokenInfo, error) {
	if subtle.ConstantTimeCompare([]byte(token), []byte(d.opts.AuthToken)) != 1 {
		return nil, auth.ErrInvalidToken
	}
	return &auth.TokenInfo{Expiration: time.Now().Add(time.Hour)}, nil
}

// allowOrigin admits loopback origins plus any configured extras.
func (d *Daemon) allowOrigin(origin string) bool {
	for _, allowed := range d.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ListenAndServe runs the HTTP surface until ctx is cancelled, the daemon
// shuts down, or the listener fails.
func (d *Daemon) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.opts.Addr())
	if err != nil {
		return fmt.Errorf("daemon: listen: %w", err)
	}
	return d.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	d.httpServerMu.Lock()
	if d.httpServer != nil {
		serv := d.httpServer
		d.httpServerMu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("daemon: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: ln.Addr().String(), Handler: d.Handler()}
	d.httpServer = srv
	d.httpServerMu.Unlock()
	defer func() {
		d.httpServerMu.Lock()
		if d.httpServer == srv {
			d.httpServer = nil
		}
		d.httpServerMu.Unlock()
	}()

	if d.opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, d.opts.MaxConnections)
	}
	d.log.Info("listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), d.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	select {
	case <-ctx.Done():
		shutdown()
		return ctx.Err()
	case <-d.Done():
		shutdown()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := d.Health()
	status := http.StatusOK
	if !h.Ready || h.Status == "shutting_down" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (d *Daemon) handleReload(w http.ResponseWriter, r *http.Request) {
	res, err := d.Reload(r.Context())
	if err != nil {
		d.logError("reload", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *Daemon) handleShutdown(w http.ResponseWriter, r *http.Request) {
	res, err := d.Shutdown(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (d *Daemon) handleConnect(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest[ConnectRequest](r)
	if err != nil {
		writeError(w, err)
		return
	}
	s, err := d.ConnectGlobal(r.Context(), req.Server)
	if err != nil {
		d.logError("connect", err, "server", req.Server)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectResponse{Success: true, SessionID: s.ID, Type: string(s.Kind)})
}

func (d *Daemon) handleConnectDynamic(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest[ConnectRequest](r)
	if err != nil {
		writeError(w, err)
		return
	}
	s, err := d.ConnectDynamic(r.Context(), req.Server)
	if err != nil {
		d.logError("connect dynamic", err, "server", req.Server)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectResponse{Success: true, SessionID: s.ID, Type: string(s.Kind)})
}

func (d *Daemon) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list := d.Sessions()
	if list == nil {
		list = []sessions.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (d *Daemon) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	closed, err := d.CloseSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

func (d *Daemon) handleReconnect(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s, err := d.Reconnect(r.Context(), id)
	if err != nil {
		d.logError("reconnect", err, "session", id)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnectResponse{Success: true, SessionID: s.ID, Type: string(s.Kind)})
}

func (d *Daemon) handleCall(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest[CallRequest](r)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := d.Call(r.Context(), req.SessionID, req.Method, req.Params, req.timeout())
	if err != nil {
		d.logError("call", err, "session", req.SessionID, "method", req.Method)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CallResponse{Success: true, Result: res})
}

func (d *Daemon) handleServers(w http.ResponseWriter, r *http.Request) {
	servers, err := d.Servers()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

func (d *Daemon) handleTools(w http.ResponseWriter, r *http.Request) {
	server := r.PathValue("server")
	tools, err := d.Tools(server)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"server": server, "tools": tools})
}

func (d *Daemon) handleTool(w http.ResponseWriter, r *http.Request) {
	tool, err := d.Tool(r.PathValue("server"), r.PathValue("tool"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tool)
}

func (d *Daemon) handleMetadata(w http.ResponseWriter, r *http.Request) {
	meta, err := d.Metadata(r.PathValue("server"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (d *Daemon) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	d.log.Error(msg, attrs...)
}
