// Command agentd serves a single named agent instance: it loads the
// agent-class configuration, wires an agentrt.Agent, registers any
// configured MCP servers, and serves the HTTP/WebSocket surface until an
// interrupt signal arrives.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/agentcore/internal/agentrt"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/durable"
	"github.com/basket/agentcore/internal/mcpmgr"
	"github.com/basket/agentcore/internal/obs"
)

func main() {
	instanceName := flag.String("name", "default", "instance name within the agent class namespace")
	otelEnabled := flag.Bool("otel", false, "enable OpenTelemetry span export")
	otelExporter := flag.String("otel-exporter", "stdout", "otlp | stdout")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatal(nil, "E_CONFIG_LOAD", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	provider, err := obs.NewProvider(ctx, obs.Config{
		Enabled:     *otelEnabled,
		Exporter:    *otelExporter,
		ServiceName: "agentcore-" + cfg.ClassName,
	})
	if err != nil {
		fatal(logger, "E_OTEL_INIT", err)
	}
	defer provider.Shutdown(ctx)

	agent, err := agentrt.New(ctx, agentrt.Config{
		ClassName:         cfg.ClassName,
		Name:              *instanceName,
		DBPath:            cfg.DBPath(*instanceName),
		AllowOrigins:      cfg.AllowOrigins,
		Bridge:            durable.NewMemoryBridge(),
		DurableSigningKey: cfg.DurableSigningKey(),
	})
	if err != nil {
		fatal(logger, "E_AGENT_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = agent.Destroy(shutdownCtx)
	}()

	agent.WithObservability(obs.SinkFunc(func(ctx context.Context, ev bus.ObservabilityEvent) {
		logger.Info("observability event", "type", ev.Type, "id", ev.ID)
	}), provider)

	agent.OnError(func(ctx context.Context, connID string, err error) {
		logger.Error("agent error", "connection", connID, "error", err)
	})

	registerConfiguredMCPServers(ctx, agent, cfg, logger)

	if err := agent.Start(ctx); err != nil {
		fatal(logger, "E_AGENT_START", err)
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				logger.Info("config.yaml changed, restart to apply", "path", ev.Path)
			}
		}()
	}

	go runTaskCleanup(ctx, agent, cfg, logger)

	server := &http.Server{Addr: cfg.BindAddr, Handler: agent}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatal(logger, "E_LISTEN", err)
	}
	go func() {
		logger.Info("agent listening", "addr", cfg.BindAddr, "class", cfg.ClassName, "instance", *instanceName)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// runTaskCleanup periodically deletes terminal task rows older than the
// configured interval.
func runTaskCleanup(ctx context.Context, agent *agentrt.Agent, cfg config.Config, logger *slog.Logger) {
	interval := time.Duration(cfg.TaskCleanupIntervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := agent.Tasks.CleanupOldTasks(ctx, interval.Milliseconds())
			if err != nil {
				logger.Error("task cleanup", "error", err)
			} else if n > 0 {
				logger.Info("task cleanup", "deleted", n)
			}
		}
	}
}

func registerConfiguredMCPServers(ctx context.Context, agent *agentrt.Agent, cfg config.Config, logger *slog.Logger) {
	for _, s := range cfg.MCPServers {
		opts := mcpmgr.Options{
			Transport: mcpmgr.TransportKind(s.Transport),
			Headers:   s.Headers,
			Timeout:   s.Timeout,
		}
		if _, err := agent.MCP.RegisterServer(ctx, s.ID, s.Name, s.URL, opts); err != nil {
			logger.Error("register mcp server", "id", s.ID, "error", err)
		}
	}
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func fatal(logger *slog.Logger, reasonCode string, err error) {
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", err)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %v\n", reasonCode, err)
	}
	os.Exit(1)
}
