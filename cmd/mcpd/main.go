// Command mcpd runs the MCP session daemon.
//
//	mcpd [flags]        serve until SIGINT/SIGTERM or POST /shutdown
//	mcpd wait [flags]   block until a running daemon reports ready
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/vikashloomba/mcp-session-daemon-go/pkg/daemon"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcpmgr"
)

func main() {
	args := os.Args[1:]
	wait := len(args) > 0 && args[0] == "wait"
	if wait {
		args = args[1:]
	}

	fs := pflag.NewFlagSet("mcpd", pflag.ExitOnError)
	host := fs.String("host", daemon.DefaultHost, "listen host")
	port := fs.Int("port", daemon.DefaultPort, "listen port")
	configPath := fs.String("config", "", "path to the YAML or JSON server config (env "+daemon.EnvConfig+")")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error (env "+daemon.EnvLogLevel+")")
	handshakeTimeout := fs.Duration("handshake-timeout", daemon.DefaultHandshakeTimeout, "bound on each provider handshake")
	callTimeout := fs.Duration("call-timeout", daemon.DefaultCallTimeout, "deadline for calls that do not set one")
	idleTimeout := fs.Duration("idle-timeout", daemon.DefaultIdleTimeout, "idle lifetime of dynamic sessions")
	sweepInterval := fs.Duration("sweep-interval", daemon.DefaultSweepInterval, "period of the idle session sweep")
	maxConnections := fs.Int("max-connections", 0, "cap on concurrent HTTP connections (0 = unlimited)")
	logJSONRPC := fs.Bool("log-jsonrpc", false, "log every provider message at debug level")
	token := fs.String("token", "", "bearer token required on all routes but /health and /events (env "+daemon.EnvToken+")")
	allowedOrigins := fs.StringSlice("allow-origin", nil, "extra CORS origins besides localhost")
	readyTimeout := fs.Duration("timeout", 10*time.Second, "how long wait blocks before giving up")
	_ = fs.Parse(args)

	cfg := daemon.DefaultConfig()
	cfg.ConfigPath = daemon.ConfigPathFromEnv(nil)
	if fs.Changed("config") {
		cfg.ConfigPath = *configPath
	}
	if cfg.ConfigPath != "" {
		file, err := mcpmgr.LoadFile(cfg.ConfigPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg.ApplyFile(file)
	}
	if err := cfg.ApplyEnv(nil); err != nil {
		log.Fatalf("invalid environment: %v", err)
	}

	if fs.Changed("host") {
		cfg.Host = *host
	}
	if fs.Changed("port") {
		cfg.Port = *port
	}
	if fs.Changed("log-level") {
		level, err := daemon.ParseLogLevel(*logLevel)
		if err != nil {
			log.Fatalf("invalid --log-level: %v", err)
		}
		cfg.LogLevel = level
	}
	if fs.Changed("handshake-timeout") {
		cfg.HandshakeTimeout = *handshakeTimeout
	}
	if fs.Changed("call-timeout") {
		cfg.CallTimeout = *callTimeout
	}
	if fs.Changed("idle-timeout") {
		cfg.IdleTimeout = *idleTimeout
	}
	if fs.Changed("sweep-interval") {
		cfg.SweepInterval = *sweepInterval
	}
	if fs.Changed("max-connections") {
		cfg.MaxConnections = *maxConnections
	}
	if fs.Changed("log-jsonrpc") {
		cfg.LogJSONRPC = *logJSONRPC
	}
	if fs.Changed("token") {
		cfg.AuthToken = *token
	}

	logger := newLogger(cfg.LogLevel)
	opts := cfg.Options(logger)
	opts.AllowedOrigins = *allowedOrigins

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if wait {
		baseURL := "http://" + opts.Addr()
		if err := daemon.WaitReady(ctx, baseURL, *readyTimeout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("ready")
		return
	}

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("daemon stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *daemon.Options, logger *slog.Logger) error {
	d, err := daemon.New(opts)
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- d.ListenAndServe(ctx)
	}()

	if err := d.Start(ctx); err != nil {
		return err
	}

	select {
	case err = <-serveErr:
	case <-d.Done():
		err = <-serveErr
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, sErr := d.Shutdown(shutdownCtx); sErr != nil {
		logger.Warn("shutdown", "error", sErr)
	}
	return err
}

// newLogger writes human-readable text to a terminal and JSON otherwise.
func newLogger(level slog.Level) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
}
