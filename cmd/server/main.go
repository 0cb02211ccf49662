package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tripsaga/cmd/server/config"
	"tripsaga/internal/adapters/httpapi"
	"tripsaga/internal/dispatch"
	"tripsaga/internal/observability"
	"tripsaga/internal/orchestrator"
	"tripsaga/internal/realtime"
	"tripsaga/internal/reliability"
	"tripsaga/internal/transport/amqp"

	"github.com/joho/godotenv"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const (
	orchestratorHealthService = "tripsaga.Orchestrator"
	dispatchHealthService     = "tripsaga.Dispatch"
	healthPollInterval        = 5 * time.Second
	shutdownTimeout           = 5 * time.Second
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func run(ctx context.Context) error {
	serverCfg, err := config.LoadServer()
	if err != nil {
		return err
	}
	storeCfg, err := config.LoadStore()
	if err != nil {
		return err
	}
	dispatchCfg, err := config.LoadDispatch()
	if err != nil {
		return err
	}
	obsCfg, err := config.LoadObservability()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics := observability.NewMetrics()

	sagaStore, cleanupStore, err := buildSagaStore(ctx, storeCfg, log.Printf)
	if err != nil {
		return err
	}
	defer cleanupStore()

	base, replies, cleanupDispatch, err := buildDispatcher(runCtx, dispatchCfg, log.Printf)
	if err != nil {
		return err
	}
	defer cleanupDispatch()
	dispatcher := newReliableDispatcher(base, dispatchCfg, metrics)

	registry := realtime.NewRegistry(
		realtime.WithBufferSize(serverCfg.StreamBuffer),
		realtime.WithIdleTimeout(serverCfg.StreamIdleTimeout),
		realtime.WithLogger(log.Printf),
	)
	metrics.RegisterGauge(observability.GaugeActiveStreams, func() int64 {
		return int64(registry.Len())
	})
	metrics.RegisterGauge(observability.GaugeDispatchBreakerOpen, func() int64 {
		if dispatcher.Healthy() {
			return 0
		}
		return 1
	})

	service := orchestrator.NewService(sagaStore, registry, dispatcher,
		orchestrator.WithMetrics(metrics),
		orchestrator.WithLogger(log.Printf),
		orchestrator.WithRetryPolicy(reliability.RetryPolicy{
			MaxAttempts: serverCfg.SagaMaxAttempts,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    250 * time.Millisecond,
		}),
		orchestrator.WithDispatchTimeout(dispatchCfg.Timeout),
	)

	errCh := make(chan error, 3)
	if replies != nil {
		go func() {
			if err := service.ConsumeReplies(runCtx, replies, serverCfg.ReplyWorkers); err != nil {
				errCh <- err
			}
		}()
	}

	limiter := reliability.NewRateLimiter(serverCfg.RateLimitInterval, serverCfg.RateLimitBurst, metrics.AddRateLimitWait)

	api := httpapi.NewHandler(service, log.Printf)
	httpSrv := &http.Server{
		Addr:              serverCfg.HTTPAddr,
		Handler:           instrumentHTTP(api, api.Route, limiter, metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("HTTP API listening on %s", serverCfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	lis, err := net.Listen("tcp", serverCfg.GRPCAddr)
	if err != nil {
		return err
	}
	grpcSrv := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics)),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(orchestratorHealthService, healthpb.HealthCheckResponse_SERVING)
	go watchDispatchHealth(runCtx, healthServer, dispatcher.Healthy, healthPollInterval)

	if env := os.Getenv("APP_ENV"); env != "production" {
		reflection.Register(grpcSrv)
		log.Println("gRPC reflection enabled (APP_ENV=", env, ")")
	}

	go func() {
		log.Printf("gRPC health listening on %s", serverCfg.GRPCAddr)
		errCh <- grpcSrv.Serve(lis)
	}()

	obsSrv := startObservabilityServer(obsCfg, metrics)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	healthServer.Shutdown()
	metrics.MarkShutdown(metrics.InFlight())

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	// Open streams hold their handlers until the registry lets go of them.
	registry.CloseAll()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	cancel()
	grpcSrv.GracefulStop()
	_ = obsSrv.Shutdown(shutdownCtx)
	return runErr
}

// buildDispatcher returns the worker transport for the configured mode and, when that transport
// also carries replies, the source to consume them from. HTTP workers call back on POST /replies.
func buildDispatcher(ctx context.Context, cfg config.DispatchConfig, logf func(format string, args ...any)) (dispatch.Dispatcher, dispatch.ReplySource, func(), error) {
	switch cfg.Mode {
	case config.DispatchLocal:
		bus := dispatch.NewBus(256)
		sim := dispatch.NewSimulator(bus, cfg.LocalWorkerDelay, logf)
		go func() {
			if err := sim.Run(ctx); err != nil {
				logf("simulator stopped: %v", err)
			}
		}()
		return bus, bus, func() {}, nil
	case config.DispatchAMQP:
		routes, err := dispatch.LoadRoutes(cfg.RoutesFile)
		if err != nil {
			return nil, nil, nil, err
		}
		transport, err := amqp.Dial(cfg.AMQPURL, amqp.Config{
			Exchange:   cfg.AMQPExchange,
			ReplyQueue: cfg.AMQPReplyQueue,
			Prefetch:   cfg.AMQPPrefetch,
		}, routes, logf)
		if err != nil {
			return nil, nil, nil, err
		}
		cleanup := func() {
			if err := transport.Close(); err != nil {
				logf("close amqp: %v", err)
			}
		}
		return transport, transport, cleanup, nil
	case config.DispatchHTTP:
		routes, err := dispatch.LoadRoutes(cfg.RoutesFile)
		if err != nil {
			return nil, nil, nil, err
		}
		client := &http.Client{Timeout: cfg.Timeout}
		return dispatch.NewHTTPDispatcher(client, routes), nil, func() {}, nil
	default:
		return nil, nil, nil, errors.New("unsupported dispatch mode " + cfg.Mode)
	}
}

func newReliableDispatcher(base dispatch.Dispatcher, cfg config.DispatchConfig, metrics *observability.Metrics) *dispatch.ReliableDispatcher {
	limiter := reliability.NewRateLimiter(cfg.RateLimitInterval, cfg.RateLimitBurst, metrics.AddRateLimitWait)
	breaker := reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
		MaxFailures:  cfg.BreakerFailures,
		ResetTimeout: cfg.BreakerReset,
	})
	retry := reliability.RetryPolicy{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
		OnRetry: func(attempt int, err error) {
			log.Printf("dispatch: attempt %d failed, retrying: %v", attempt, err)
		},
	}
	return dispatch.NewReliableDispatcher(base, limiter, breaker, retry)
}

// watchDispatchHealth mirrors the dispatch breaker onto the health service until ctx ends.
func watchDispatchHealth(ctx context.Context, hs *health.Server, healthy func() bool, interval time.Duration) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !healthy() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus(dispatchHealthService, status)
	}
	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

func startObservabilityServer(cfg config.ObservabilityConfig, metrics *observability.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(metrics))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("observability server error: %v", err)
		}
	}()

	return srv
}
