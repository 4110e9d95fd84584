// bngd daemon -- IPoE subscriber session management (BNG control plane).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/saphalpdyl/aether/internal/coa"
	"github.com/saphalpdyl/aether/internal/config"
	"github.com/saphalpdyl/aether/internal/datapath"
	"github.com/saphalpdyl/aether/internal/engine"
	"github.com/saphalpdyl/aether/internal/events"
	"github.com/saphalpdyl/aether/internal/health"
	"github.com/saphalpdyl/aether/internal/lease"
	bngmetrics "github.com/saphalpdyl/aether/internal/metrics"
	bngradius "github.com/saphalpdyl/aether/internal/radius"
	"github.com/saphalpdyl/aether/internal/router"
	"github.com/saphalpdyl/aether/internal/sniffer"
	appversion "github.com/saphalpdyl/aether/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP server
// to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// commandQueueDepth bounds the engine's periodic-tick/CoA command inbox.
const commandQueueDepth = 2048

// authRetryInterval is how often sessions stuck in PENDING_AUTH with an
// IP get the authorization pipeline re-run.
const authRetryInterval = 10 * time.Second

// startupPingTimeout bounds the initial Redis reachability check. An
// unreachable event stream at startup is a fatal configuration error.
const startupPingTimeout = 5 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	bngID := flag.String("bng-id", "", "BNG identity (overrides daemon.bng_id from config)")
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	// 2. Load config.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}
	if *bngID != "" {
		cfg.Daemon.BNGID = *bngID
	}

	// 3. Set up logger with dynamic level support for SIGHUP reload.
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("bngd starting",
		slog.String("version", appversion.Version),
		slog.String("bng_id", cfg.Daemon.BNGID),
		slog.String("instance_id", cfg.Daemon.InstanceID),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	// 4. Create Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := bngmetrics.NewCollector(reg)

	// 5. Run the daemon.
	if err := runDaemon(cfg, reg, collector, logger, *configPath, logLevel); err != nil {
		logger.Error("bngd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("bngd stopped")
	return 0
}

// runDaemon builds every component, wires them into the single-writer
// engine, and runs them under an errgroup with signal-aware context for
// graceful shutdown.
func runDaemon(
	cfg *config.Config,
	reg *prometheus.Registry,
	collector *bngmetrics.Collector,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
) error {
	nasIP, err := netip.ParseAddr(cfg.Sniffer.RelayAgentIP)
	if err != nil {
		return fmt.Errorf("parse sniffer.relay_agent_ip %q: %w", cfg.Sniffer.RelayAgentIP, err)
	}

	serverAddrs, err := cfg.Sniffer.ServerAddrPorts()
	if err != nil {
		return fmt.Errorf("parse sniffer.server_addrs: %w", err)
	}
	if len(serverAddrs) == 0 {
		return errors.New("sniffer.server_addrs must name at least one DHCP server")
	}

	// errgroup with signal-aware context.
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	// Event stream: an unreachable Redis at startup is fatal.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pingCtx, cancelPing := context.WithTimeout(ctx, startupPingTimeout)
	defer cancelPing()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("event stream unreachable at %s: %w", cfg.Redis.Addr, err)
	}

	dispatcher := events.New(events.Config{
		BNGID:  cfg.Daemon.BNGID,
		NASIP:  nasIP.String(),
		Stream: cfg.Redis.Stream,
	}, rdb)

	rules, shaper, err := datapath.New(datapath.Config{
		Backend:       cfg.Datapath.Backend,
		TableName:     cfg.Datapath.TableName,
		DownlinkIface: cfg.Sniffer.ClientIface,
		UplinkIface:   cfg.Sniffer.UplinkIface,
	}, logger)
	if err != nil {
		return fmt.Errorf("create datapath backend: %w", err)
	}

	radiusClient := bngradius.New(bngradius.Config{
		AuthAddr: cfg.RADIUS.AuthAddr,
		AcctAddr: cfg.RADIUS.AcctAddr,
		Secret:   []byte(cfg.RADIUS.Secret),
		Timeout:  cfg.RADIUS.Timeout,
	})

	leaseClient := lease.New(lease.Config{
		BaseURL:    cfg.Lease.URL,
		AuthUser:   cfg.Lease.Username,
		AuthPass:   cfg.Lease.Password,
		RelayID:    cfg.Daemon.BNGID,
		Timeout:    cfg.Lease.RequestTimeout,
		MaxRetries: 3,
	})

	routers := router.New(router.Config{
		PingInterval: cfg.Router.PingInterval,
		PingTimeout:  cfg.Router.PingTimeout,
	})

	healthReporter, err := health.New(health.Config{CgroupRoot: cfg.Health.CgroupPath})
	if err != nil {
		return fmt.Errorf("create health reporter: %w", err)
	}

	eng := engine.New(engine.Config{
		BNGID:                 cfg.Daemon.BNGID,
		NASIP:                 nasIP,
		SubscriberIface:       cfg.Sniffer.ClientIface,
		NAKThreshold:          cfg.Timers.NAKTerminateThreshold,
		MarkIdleGrace:         cfg.Timers.MarkIdleGrace,
		MarkDisconnectGrace:   cfg.Timers.MarkDisconnectGrace,
		IdleGraceAfterConnect: cfg.Timers.IdleGraceAfterConnect,
		EnableIdleDisconnect:  cfg.Timers.EnableIdleDisconnect,
		TombstoneTTL:          cfg.Timers.TombstoneTTL,
		TombstoneExpiryGrace:  cfg.Timers.TombstoneExpiryGrace,
	}, engine.Deps{
		RADIUS:  radiusClient,
		Rules:   rules,
		Shaper:  shaper,
		Events:  dispatcher,
		Leases:  leaseClient,
		Routers: routers,
		Health:  healthReporter,
		Logger:  logger,
		Metrics: collector,
	})

	dhcpCh := make(chan engine.DHCPEvent, cfg.Sniffer.QueueDepth)
	cmdCh := make(chan engine.Command, commandQueueDepth)

	snif, err := sniffer.New(sniffer.Config{
		BNGID:        cfg.Daemon.BNGID,
		ClientIface:  cfg.Sniffer.ClientIface,
		UplinkIface:  cfg.Sniffer.UplinkIface,
		RelayAgentIP: nasIP,
		ServerAddrs:  serverAddrs,
	}, logger)
	if err != nil {
		return fmt.Errorf("create DHCP sniffer: %w", err)
	}
	defer snif.Close()

	coaSrv, err := coa.New(coa.Config{
		SocketPath:   cfg.CoA.SocketPath,
		ReadTimeout:  cfg.CoA.ReadTimeout,
		ReplyTimeout: cfg.CoA.ReplyTimeout,
	}, cmdCh, logger)
	if err != nil {
		return fmt.Errorf("create CoA bridge: %w", err)
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCancel(eng.Run(gCtx, dhcpCh, cmdCh))
	})

	g.Go(func() error {
		return ignoreCancel(snif.Run(gCtx, dhcpCh))
	})

	g.Go(func() error {
		logger.Info("CoA bridge listening", slog.String("socket", cfg.CoA.SocketPath))
		return ignoreCancel(coaSrv.Run(gCtx))
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	startTickers(gCtx, g, cfg, cmdCh, logger)
	startSIGHUPHandler(gCtx, g, configPath, logLevel, cmdCh, logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// startTickers registers one goroutine per periodic engine command. Each
// enqueues its command kind on a fixed interval; a full command queue
// skips the tick rather than blocking the ticker (the next interval
// retries, and every tick handler is idempotent).
func startTickers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	cmdCh chan<- engine.Command,
	logger *slog.Logger,
) {
	ticks := []struct {
		name     string
		kind     engine.CommandKind
		interval time.Duration
	}{
		{"interim", engine.CmdInterim, cfg.Timers.InterimInterval},
		{"reconcile", engine.CmdReconcile, cfg.Lease.PollInterval},
		{"auth_retry", engine.CmdAuthRetry, authRetryInterval},
		{"disconnection_check", engine.CmdDisconnectionCheck, cfg.Timers.MarkDisconnectGrace},
		{"router_ping", engine.CmdRouterPing, cfg.Router.PingInterval},
		{"bng_health", engine.CmdBNGHealth, cfg.Health.ReportInterval},
	}

	for _, tk := range ticks {
		g.Go(func() error {
			ticker := time.NewTicker(tk.interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					select {
					case cmdCh <- engine.Command{Kind: tk.kind}:
					default:
						logger.Warn("command queue full, skipping tick",
							slog.String("tick", tk.name),
						)
					}
				}
			}
		})
	}
}

// startSIGHUPHandler registers the SIGHUP goroutine: a reload re-reads
// the log level from the config file and forces an immediate lease
// reconciliation, the closest thing this daemon has to "re-converge on
// declared state".
func startSIGHUPHandler(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	cmdCh chan<- engine.Command,
	logger *slog.Logger,
) {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)

	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				logger.Info("received SIGHUP, reloading log level and forcing reconcile")
				reloadLogLevel(configPath, logLevel, logger)
				select {
				case cmdCh <- engine.Command{Kind: engine.CmdReconcile}:
				default:
					logger.Warn("command queue full, reconcile not enqueued")
				}
			}
		}
	})
}

// reloadLogLevel re-reads the configuration file and applies its log
// level via the shared LevelVar. Errors are logged but do not stop the
// daemon -- the previous level remains in effect.
func reloadLogLevel(configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()),
		)
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("log level reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)
}

// gracefulShutdown stops the metrics HTTP server with a bounded drain.
// The parent context is already cancelled when this function is called;
// context.WithoutCancel detaches from it so the drain timeout applies.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")

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

// listenAndServe creates a TCP listener using a ListenConfig and serves
// HTTP requests until the server is shut down.
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

// newMetricsServer creates an HTTP server for the Prometheus metrics
// endpoint plus a trivial liveness probe.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ignoreCancel maps context cancellation to a clean nil return so the
// errgroup's first real error, not the cascade of cancellations it
// triggers, is what surfaces from Wait.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loadConfig loads configuration from a file path or returns defaults.
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

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
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
