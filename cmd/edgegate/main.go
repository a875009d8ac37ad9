// Package main runs the edgegate API gateway.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/edgegate/access"
	"github.com/c360/edgegate/audit"
	"github.com/c360/edgegate/config"
	"github.com/c360/edgegate/credential"
	"github.com/c360/edgegate/destination"
	"github.com/c360/edgegate/errors"
	"github.com/c360/edgegate/gateway"
	"github.com/c360/edgegate/health"
	"github.com/c360/edgegate/kvstore"
	"github.com/c360/edgegate/kvstore/memory"
	"github.com/c360/edgegate/kvstore/natskv"
	"github.com/c360/edgegate/kvstore/redisstore"
	"github.com/c360/edgegate/metric"
	"github.com/c360/edgegate/natsclient"
	"github.com/c360/edgegate/pkg/tlsutil"
	"github.com/c360/edgegate/ratelimit"
	"github.com/c360/edgegate/responsecache"
	"github.com/c360/edgegate/route"
	"github.com/c360/edgegate/transform"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "edgegate"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := loadEnvFile(cliCfg.EnvFile); err != nil {
		return err
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := config.NewLoader().LoadFile(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Gateway.Version == "" || cfg.Gateway.Version == "dev" {
		cfg.Gateway.Version = Version
	}

	if cliCfg.Validate {
		if _, err := buildRouteTable(cfg); err != nil {
			return err
		}
		logger.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("Starting edgegate",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"environment", cfg.Gateway.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return app.run(ctx)
}

// app owns every long-lived component so shutdown can unwind them in order
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	server  *http.Server
	metrics *metric.Server
	audit   *audit.Logger
	nats    *natsclient.Client
	certs   *tlsutil.CertManager
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	registry := metric.NewMetricsRegistry()
	coreMetrics := registry.CoreMetrics()

	defs, err := cfg.RouteDefinitions()
	if err != nil {
		return nil, err
	}
	routes, err := route.NewTable(defs)
	if err != nil {
		return nil, fmt.Errorf("build route table: %w", err)
	}

	if cfg.NeedsNATS(defs...) {
		if a.nats, err = connectToNATS(ctx, cfg.NATS, logger, coreMetrics); err != nil {
			return nil, err
		}
	}

	store, err := a.buildStore(ctx)
	if err != nil {
		_ = a.close()
		return nil, err
	}

	resolver, err := credential.NewResolver(cfg.Credentials, credential.WithLogger(logger))
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("create credential resolver: %w", err)
	}

	controller, err := access.NewController(cfg.Access)
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("create access controller: %w", err)
	}

	limiter, err := ratelimit.New(store, cfg.RateLimit,
		ratelimit.WithLogger(logger),
		ratelimit.WithMetrics(coreMetrics))
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("create rate limiter: %w", err)
	}

	httpOpts := []destination.HTTPOption{
		destination.WithRetry(cfg.Dispatch.RetryConfig()),
		destination.WithHTTPLogger(logger),
	}
	if !cfg.Dispatch.TLS.IsZero() {
		clientTLS, err := tlsutil.LoadClientConfig(cfg.Dispatch.TLS)
		if err != nil {
			_ = a.close()
			return nil, fmt.Errorf("load upstream TLS: %w", err)
		}
		httpOpts = append(httpOpts, destination.WithTLS(clientTLS))
	}
	upstream := destination.NewHTTP(httpOpts...)
	dest := destination.NewMux().Handle(upstream, "http", "https")
	if cfg.NeedsConsul(defs...) {
		consul, err := destination.NewConsul(cfg.Consul, upstream, logger)
		if err != nil {
			_ = a.close()
			return nil, fmt.Errorf("create consul destination: %w", err)
		}
		dest.Handle(consul, "consul")
	}
	if a.nats != nil {
		dest.Handle(destination.NewNATS(a.nats, logger), "nats")
	}

	checker := health.NewChecker(health.WithLogger(logger), health.WithMetrics(coreMetrics))
	checker.Register("store", store.Ping)
	if a.nats != nil {
		nc := a.nats
		checker.Register("nats", func(context.Context) error {
			// RTT flushes a PING through the server, not just the local state.
			if _, err := nc.RTT(); err != nil {
				return fmt.Errorf("nats %s: %w", nc.Status(), errors.ErrNoConnection)
			}
			return nil
		})
	}

	var auditor gateway.Auditor
	if cfg.Audit.Enabled {
		if a.audit, err = a.buildAudit(ctx, registry, coreMetrics, checker); err != nil {
			_ = a.close()
			return nil, err
		}
		auditor = a.audit
		auditLogger := a.audit
		checker.RegisterOptional("audit", func(context.Context) error {
			stats := auditLogger.Stats()
			if stats.QueueSize > 0 && stats.QueueDepth >= stats.QueueSize {
				return fmt.Errorf("audit queue full: %w", errors.ErrResourceExhausted)
			}
			return nil
		})
	}

	gw, err := gateway.New(cfg.Gateway, gateway.Deps{
		Resolver:    resolver,
		Access:      controller,
		Limiter:     limiter,
		Routes:      routes,
		Transforms:  transform.NewRegistry(),
		Destination: dest,
		Cache:       responsecache.New(store, responsecache.WithLogger(logger), responsecache.WithMetrics(coreMetrics)),
		Audit:       auditor,
		Health:      checker,
		Metrics:     coreMetrics,
		Logger:      logger,
	})
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("create gateway: %w", err)
	}

	serverTLS, err := tlsutil.LoadServerConfig(cfg.Server.TLS)
	if err != nil {
		_ = a.close()
		return nil, fmt.Errorf("load listener TLS: %w", err)
	}
	if serverTLS != nil && cfg.Server.TLS.ACME.Enabled {
		if a.certs, err = tlsutil.NewACMEManager(cfg.Server.TLS.ACME, logger); err == nil {
			err = a.certs.Load(ctx)
		}
		if err != nil {
			_ = a.close()
			return nil, fmt.Errorf("acme certificate: %w", err)
		}
		a.certs.Apply(serverTLS)
		checker.RegisterOptional("tls_certificate", func(context.Context) error {
			if notAfter := a.certs.NotAfter(); !time.Now().Before(notAfter) {
				return fmt.Errorf("certificate expired at %s", notAfter.Format(time.RFC3339))
			}
			return nil
		})
		logger.Info("ACME certificate loaded", "domains", cfg.Server.TLS.ACME.Domains, "not_after", a.certs.NotAfter())
	}

	mux := http.NewServeMux()
	gw.RegisterHTTPHandlers(mux)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		TLSConfig:         serverTLS,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if cfg.Metrics.Enabled {
		a.metrics = metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, registry)
	}
	return a, nil
}

func connectToNATS(
	ctx context.Context,
	cfg config.NATSConfig,
	logger *slog.Logger,
	coreMetrics *metric.Metrics,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(cfg.Name),
		natsclient.WithReconnect(cfg.MaxReconnects, cfg.ReconnectWait),
		natsclient.WithTimeout(cfg.Timeout),
		natsclient.WithAuth(cfg.Username, cfg.Password, cfg.Token),
		natsclient.OnHealthChange(func(healthy bool) {
			coreMetrics.RecordComponentHealth("nats", healthy)
			if !healthy {
				logger.Warn("NATS connection lost")
			}
		}),
	}
	if cfg.TLS.CertFile != "" || cfg.TLS.CAFile != "" {
		opts = append(opts, natsclient.WithTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile))
	}

	client, err := natsclient.NewClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "url", cfg.URL)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(ctx)
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

func (a *app) buildStore(ctx context.Context) (kvstore.Store, error) {
	switch a.cfg.Store.Backend {
	case config.StoreNATS:
		store, err := natskv.New(ctx, a.nats, a.cfg.Store.NATS, a.logger)
		if err != nil {
			return nil, fmt.Errorf("create nats store: %w", err)
		}
		return store, nil
	case config.StoreRedis:
		store, err := redisstore.New(ctx, a.cfg.Store.Redis, a.logger)
		if err != nil {
			return nil, fmt.Errorf("create redis store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return memory.New(ctx, memory.WithCleanupInterval(a.cfg.Store.CleanupInterval)), nil
	}
}

func (a *app) buildAudit(
	ctx context.Context,
	registry *metric.MetricsRegistry,
	coreMetrics *metric.Metrics,
	checker *health.Checker,
) (*audit.Logger, error) {
	var sinks []audit.Sink
	if slices.Contains(a.cfg.Audit.Sinks, config.SinkSlog) {
		sinks = append(sinks, audit.NewSlogSink(a.logger.With("component", "audit")))
	}
	if slices.Contains(a.cfg.Audit.Sinks, config.SinkJetStream) {
		sink, err := audit.NewJetStreamSink(ctx, a.nats, a.cfg.Audit.Stream)
		if err != nil {
			return nil, fmt.Errorf("create audit stream sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if slices.Contains(a.cfg.Audit.Sinks, config.SinkDatabase) {
		sink, err := audit.NewDatabaseSink(ctx, a.cfg.Audit.Database)
		if err != nil {
			return nil, fmt.Errorf("create audit database sink: %w", err)
		}
		a.closers = append(a.closers, sink.Close)
		checker.RegisterOptional("audit_database", sink.Ping)
		sinks = append(sinks, sink)
	}

	auditLogger := audit.NewLogger(a.cfg.Audit.Pool, sinks, registry,
		audit.WithLogger(a.logger),
		audit.WithMetrics(coreMetrics))
	// Delivery outlives the signal context so Stop can drain the queue.
	if err := auditLogger.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("start audit logger: %w", err)
	}
	return auditLogger, nil
}

// buildRouteTable is used by --validate to catch route errors without
// connecting to any backend.
func buildRouteTable(cfg *config.Config) (*route.Table, error) {
	defs, err := cfg.RouteDefinitions()
	if err != nil {
		return nil, err
	}
	table, err := route.NewTable(defs)
	if err != nil {
		return nil, fmt.Errorf("build route table: %w", err)
	}
	if err := gateway.CheckTransforms(table, transform.NewRegistry()); err != nil {
		return nil, err
	}
	return table, nil
}

func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.metrics != nil {
		g.Go(func() error {
			if err := a.metrics.Start(); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		a.logger.Info("Metrics server started", "addr", a.cfg.Metrics.Addr, "path", a.cfg.Metrics.Path)
	}

	if a.certs != nil {
		g.Go(func() error {
			a.certs.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		var err error
		if a.server.TLSConfig != nil {
			// certificates come from TLSConfig
			err = a.server.ListenAndServeTLS("", "")
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	a.logger.Info("edgegate started", "addr", a.cfg.Server.ListenAddr, "tls", a.server.TLSConfig != nil)

	<-gctx.Done()
	if ctx.Err() != nil {
		a.logger.Info("Received shutdown signal")
	}

	shutdownErr := a.shutdown(a.cfg.Server.ShutdownTimeout)
	runErr := g.Wait()
	if runErr != nil {
		a.logger.Error("Server failed", "error", runErr)
	}
	if shutdownErr != nil {
		return stderrors.Join(runErr, fmt.Errorf("graceful shutdown failed: %w", shutdownErr))
	}
	a.logger.Info("edgegate shutdown complete")
	return runErr
}

// shutdown stops accepting requests, drains audit delivery, then releases
// the store and NATS connection.
func (a *app) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway server: %w", err))
	}
	if a.audit != nil {
		remaining := timeout
		if deadline, ok := ctx.Deadline(); ok {
			remaining = time.Until(deadline)
		}
		if err := a.audit.Stop(remaining); err != nil {
			errs = append(errs, fmt.Errorf("audit logger: %w", err))
		}
	}
	if a.metrics != nil {
		if err := a.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.nats.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close NATS: %w", err))
		}
		a.nats = nil
	}
	return stderrors.Join(errs...)
}
