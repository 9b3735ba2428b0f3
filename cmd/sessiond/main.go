// sessiond runs the RPC messaging session runtime as a standalone daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/accelsess/rpcsession/internal/config"
	"github.com/accelsess/rpcsession/internal/ctxloop"
	sessionmetrics "github.com/accelsess/rpcsession/internal/metrics"
	"github.com/accelsess/rpcsession/internal/pool"
	"github.com/accelsess/rpcsession/internal/session"
	"github.com/accelsess/rpcsession/internal/server"
	"github.com/accelsess/rpcsession/internal/transport/simtransport"
	appversion "github.com/accelsess/rpcsession/internal/version"
	"github.com/accelsess/rpcsession/internal/wire"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("sessiond starting",
		slog.String("version", appversion.Version),
		slog.Int("contexts", cfg.Runtime.Contexts),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := sessionmetrics.NewCollector(reg)

	p := pool.New(cfg.Pool.ToPoolConfig())

	driver := simtransport.NewDriver()
	binder := server.NewBinder(driver, p, logger)

	if err := runServers(cfg, binder, collector, reg, logger, *configPath, logLevel); err != nil {
		logger.Error("sessiond exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("sessiond stopped")
	return 0
}

// runServers binds every configured listen URI, starts the context run
// loops and the metrics HTTP server, and blocks until a shutdown signal is
// observed.
func runServers(
	cfg *config.Config,
	binder *server.Binder,
	collector *sessionmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	contexts, err := startContexts(g, gCtx, cfg.Runtime.Contexts, logger)
	if err != nil {
		return fmt.Errorf("start contexts: %w", err)
	}
	_ = contexts // reserved for a concrete driver's transport-to-context assignment

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	introspectSrv := newIntrospectServer(binder)

	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		logger.Info("introspection server listening", slog.String("addr", introspectAddr))
		return listenAndServe(gCtx, introspectSrv, introspectAddr)
	})

	if err := bindListeners(gCtx, binder, cfg.Listen, collector, logger); err != nil {
		return fmt.Errorf("bind listeners: %w", err)
	}

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv, introspectSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startContexts creates cfg.Runtime.Contexts ctxloop.Context run loops and
// schedules each one's Run on g. A concrete transport driver would assign
// each inbound/outbound Transport to one of these; the in-process
// reference driver used here owns its own goroutines instead (§1 "out of
// scope"), so the loops currently sit idle beyond accepting posted work.
func startContexts(g *errgroup.Group, ctx context.Context, n int, logger *slog.Logger) ([]*ctxloop.Context, error) {
	contexts := make([]*ctxloop.Context, 0, n)
	for i := 0; i < n; i++ {
		c, err := ctxloop.New(i, logger)
		if err != nil {
			return nil, fmt.Errorf("create context %d: %w", i, err)
		}
		contexts = append(contexts, c)
		g.Go(func() error {
			err := c.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	return contexts, nil
}

// bindListeners binds every configured listen URI on the Binder, wiring a
// default session.Callbacks that auto-accepts inbound sessions with no
// advertised portals and tracks setup/lifecycle metrics.
func bindListeners(ctx context.Context, binder *server.Binder, listeners []config.ListenConfig, collector *sessionmetrics.Collector, logger *slog.Logger) error {
	for _, l := range listeners {
		cb := defaultServerCallbacks(collector, logger)
		if err := binder.Bind(ctx, l.URI, cb); err != nil {
			return fmt.Errorf("bind %s: %w", l.URI, err)
		}
	}
	return nil
}

// defaultServerCallbacks builds the session.Callbacks used for every
// accepted session: accept with no portals, and mirror lifecycle/setup
// events into the Prometheus collector.
func defaultServerCallbacks(collector *sessionmetrics.Collector, logger *slog.Logger) session.Callbacks {
	return session.Callbacks{
		OnNewSession: func(_ *session.Session, req wire.SetupRequest) session.Disposition {
			logger.Info("accepting inbound session setup", slog.Uint64("peer_session_id", uint64(req.SessionID)))
			collector.IncSetupOutcome("accept")
			return session.Accept(nil, nil)
		},
		OnSessionEvent: func(s *session.Session, ev session.SessionEvent) {
			switch ev.Kind {
			case session.EventEstablished:
				collector.RegisterSessionOnline("server")
			case session.EventTeardown:
				collector.UnregisterSessionOnline("server")
			case session.EventRejectedKind, session.EventRefusedKind, session.EventConnError, session.EventSessionError:
				logger.Warn("session event",
					slog.Uint64("session_id", uint64(s.ID)),
					slog.String("kind", ev.Kind.String()),
					slog.Uint64("reason", uint64(ev.Reason)),
				)
			}
		},
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd, at half the
// configured watchdog interval. Exits immediately if no watchdog is
// configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level only (no declarative sessions to reconcile)
// -------------------------------------------------------------------------

func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, logger)
		}
	}
}

func reloadConfig(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// introspectAddr is the fixed listen address for the JSON session
// introspection endpoint sessionctl polls.
const introspectAddr = ":9101"

// sessionView is the JSON shape returned by the introspection endpoint for
// one acceptor session.
type sessionView struct {
	ID    uint32 `json:"id"`
	Type  string `json:"type"`
	URI   string `json:"uri"`
	State string `json:"state"`
}

// newIntrospectServer serves a read-only snapshot of the Binder's acceptor
// sessions as JSON, for sessionctl to render as a table (§4.7: the Binder
// is the only registry of server-side sessions, there is no remote admin
// RPC surface in scope for this module — see DESIGN.md).
func newIntrospectServer(binder *server.Binder) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, _ *http.Request) {
		sessions := binder.Sessions()
		views := make([]sessionView, 0, len(sessions))
		for _, s := range sessions {
			typ := "client"
			if s.Type == session.TypeServer {
				typ = "server"
			}
			views = append(views, sessionView{
				ID:    s.ID,
				Type:  typ,
				URI:   s.URI,
				State: s.State().String(),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(views)
	})
	return &http.Server{
		Addr:              introspectAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
