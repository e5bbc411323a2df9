// ABOUTME: Server wires the store, registry, dispatcher, notifiers and API into one process
// ABOUTME: Runs the HTTP API and gRPC health listeners on TCP or a Tailscale node

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/tsnet"

	"github.com/2389/coven-dispatch/internal/api"
	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/dedupe"
	"github.com/2389/coven-dispatch/internal/dispatch"
	"github.com/2389/coven-dispatch/internal/notify"
	"github.com/2389/coven-dispatch/internal/perf"
	"github.com/2389/coven-dispatch/internal/registry"
	"github.com/2389/coven-dispatch/internal/scheduler"
	"github.com/2389/coven-dispatch/internal/store"
	"github.com/2389/coven-dispatch/internal/telemetry"
)

// HealthService is the service name reported by the gRPC health server.
const HealthService = "coven.dispatch"

// Server owns every long-lived component of coven-dispatch.
type Server struct {
	config      *config.Config
	store       store.Store
	registry    *registry.Registry
	tracker     *perf.Tracker
	dispatcher  *dispatch.Dispatcher
	broadcaster *notify.Broadcaster
	async       *notify.Async
	idempotency *dedupe.Cache
	scheduler   *scheduler.Scheduler
	metrics     *telemetry.Metrics
	api         *api.API
	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	shutdownTracing func(context.Context) error
}

// initStore opens the SQLite database named in the config.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// newGRPCServer creates the gRPC server that carries grpc.health.v1.
func newGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
}

// New builds a Server from configuration. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlStore, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	srv, err := newWithStore(cfg, sqlStore, logger)
	if err != nil {
		_ = sqlStore.Close()
		return nil, err
	}
	return srv, nil
}

// newWithStore wires every component around an open store.
func newWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Server, error) {
	shutdownTracing, err := telemetry.SetupTracing(context.Background(), telemetry.TracingConfig{
		Enabled:  cfg.Tracing.Enabled,
		Exporter: cfg.Tracing.Exporter,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up tracing: %w", err)
	}

	srv := &Server{
		config:          cfg,
		store:           s,
		logger:          logger,
		shutdownTracing: shutdownTracing,
	}

	promRegistry := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		srv.metrics = telemetry.MustNewMetrics(promRegistry)
	}

	srv.registry = registry.New(s, logger, registry.WithDefaultMaxConcurrent(cfg.Routing.DefaultMaxConcurrent))
	srv.tracker = perf.NewTracker(s, logger)
	srv.broadcaster = notify.NewBroadcaster(logger)

	notifiers := notify.Multi{srv.broadcaster}
	if cfg.Notifier.WebhooksEnabled {
		webhook := notify.NewWebhook(notify.WebhookConfig{
			Timeout:         cfg.Notifier.Timeout,
			RateLimit:       cfg.Notifier.RateLimit,
			Burst:           cfg.Notifier.Burst,
			BreakerFailures: cfg.Notifier.BreakerFailures,
			BreakerTimeout:  cfg.Notifier.BreakerTimeout,
			AllowPrivate:    cfg.Notifier.AllowPrivate,
		}, logger, notify.WithObserver(func(event notify.EventType, outcome string) {
			srv.metrics.ObserveWebhook(string(event), outcome)
		}))
		notifiers = append(notifiers, webhook)
		if cfg.Notifier.AllowPrivate {
			logger.Warn("webhooks may target private addresses (notifier.allow_private)")
		}
	}
	srv.async = notify.NewAsync(notifiers, cfg.Notifier.Timeout, logger)

	srv.dispatcher = dispatch.New(s, srv.registry, srv.tracker, dispatch.Config{
		Weights:               cfg.Routing.Weights,
		DefaultTimeoutSeconds: cfg.Routing.DefaultTimeoutSeconds,
		DefaultMaxRetries:     cfg.Routing.MaxRetries(),
		SweepConcurrency:      cfg.Routing.SweepConcurrency,
	}, logger,
		dispatch.WithNotifier(srv.async),
		dispatch.WithMetrics(srv.metrics),
	)

	srv.idempotency = dedupe.New(cfg.Idempotency.TTL, cfg.Idempotency.MaxEntries)

	if cfg.Maintenance.Enabled {
		srv.scheduler = scheduler.New(scheduler.Config{
			RoutePending:  cfg.Maintenance.RoutePending,
			CheckTimeouts: cfg.Maintenance.CheckTimeouts,
			RunTimeout:    cfg.Maintenance.RunTimeout,
		}, srv.dispatcher, srv.metrics, logger)
	}

	srv.api = api.New(api.Config{
		Dispatcher:        srv.dispatcher,
		Registry:          srv.registry,
		Tracker:           srv.tracker,
		Broadcaster:       srv.broadcaster,
		Idempotency:       srv.idempotency,
		Store:             s,
		MaintenanceSecret: cfg.Maintenance.SharedSecret,
	}, logger)
	if cfg.Maintenance.SharedSecret == "" {
		logger.Warn("maintenance endpoint disabled - no shared_secret configured")
	}

	mux := http.NewServeMux()
	srv.api.RegisterRoutes(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		logger.Info("prometheus metrics enabled", "path", cfg.Metrics.Path)
	}

	srv.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv.grpcServer = newGRPCServer()
	srv.health = health.NewServer()
	healthpb.RegisterHealthServer(srv.grpcServer, srv.health)
	srv.setServing(healthpb.HealthCheckResponse_SERVING)

	return srv, nil
}

// setServing updates the overall and named health status.
func (s *Server) setServing(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthService, status)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Dispatcher returns the task dispatcher.
func (s *Server) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when
// configured, gRPC health.
func (s *Server) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	s.logger.Info("starting coven-dispatch",
		"http_addr", s.config.Server.HTTPAddr,
		"grpc_addr", s.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if s.config.Server.GRPCAddr == "" {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (s *Server) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.GRPCAddr != "" || s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
				"grpc_addr", s.config.Server.GRPCAddr,
				"http_addr", s.config.Server.HTTPAddr,
			)
		}
		return s.setupTailscaleListeners(ctx)
	}
	return s.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning an error channel.
func (s *Server) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			s.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run starts the listeners and the maintenance scheduler, then blocks until
// ctx is cancelled or a server fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	grpcLn, httpLn, err := s.setupListeners(ctx)
	if err != nil {
		return err
	}

	if s.scheduler != nil {
		if err := s.scheduler.Start(ctx); err != nil {
			_ = httpLn.Close()
			if grpcLn != nil {
				_ = grpcLn.Close()
			}
			return fmt.Errorf("starting scheduler: %w", err)
		}
	}

	errCh := s.startServers(grpcLn, httpLn)

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	// The run context is already canceled, so shutdown gets a fresh one.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting work, drains in-flight notifications and closes
// the store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down coven-dispatch")
	s.setServing(healthpb.HealthCheckResponse_NOT_SERVING)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	s.shutdownGRPCServer(ctx)

	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	s.async.Wait()
	s.broadcaster.Close()
	s.idempotency.Close()

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "tracing shutdown", s.shutdownTracing(ctx))
	errs = appendCloseError(errs, "store close", s.store.Close())

	return errors.Join(errs...)
}
