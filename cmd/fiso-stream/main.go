package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lsm/fiso-stream/internal/awsutil"
	"github.com/lsm/fiso-stream/internal/config"
	"github.com/lsm/fiso-stream/internal/listener"
	"github.com/lsm/fiso-stream/internal/observability"
	"github.com/lsm/fiso-stream/internal/provider/ddbstreams"
	"github.com/lsm/fiso-stream/internal/retry"
	"github.com/lsm/fiso-stream/internal/streams"
	"github.com/lsm/fiso-stream/internal/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides FISO_LOG_LEVEL)")
	configPath := flag.String("config", config.Path(), "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := observability.GetLogLevel(*logLevel)
	if *logLevel == "" && cfg.LogLevel != "" {
		level = observability.ParseLogLevel(cfg.LogLevel)
	}
	logger := observability.NewLogger("fiso-stream", level)
	slog.SetDefault(logger)

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig("fiso-stream"), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer tcancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	sess, err := awsutil.NewSession(cfg.AWS)
	if err != nil {
		return err
	}

	deps, err := buildDeps(cfg, sess, tracer, logger)
	if err != nil {
		return err
	}
	defer deps.close(logger)

	sources, watch, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	lis := listener.New(listener.Config{
		Binding:              listener.DynamoDB(ddbstreams.New(sess), cfg.AWS.Region, nil),
		Registry:             sources,
		Invoker:              deps.router,
		Reporter:             deps.reports,
		Checkpointer:         deps.checkpointer,
		ValidateTarget:       deps.router.Validate,
		Interval:             cfg.Listener.Interval,
		SupervisorInterval:   cfg.Listener.SupervisorInterval,
		MaxConcurrentPollers: cfg.Listener.MaxConcurrentPollers,
		MaxInitAttempts:      cfg.Listener.MaxInitAttempts,
		MinPollInterval:      cfg.Listener.MinPollInterval,
		MaxPollInterval:      cfg.Listener.MaxPollInterval,
		GetRecordsRPS:        cfg.Listener.GetRecordsRPS,
		InvokeRetry: retry.Config{
			InitialInterval: cfg.Listener.InvokeRetry.InitialInterval,
			MaxInterval:     cfg.Listener.InvokeRetry.MaxInterval,
			Jitter:          cfg.Listener.InvokeRetry.Jitter,
		},
		ShutdownTimeout: cfg.Listener.ShutdownTimeout,
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          tracer,
	})
	if watch != nil {
		watch.OnChange(func([]streams.Source) { lis.Notify() })
	}

	// Health server
	health := observability.NewHealthServer()
	health.SetStatusFunc(func() any { return lis.Status() })

	// Start metrics + health HTTP server
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("GET /healthz", health.Handler())
	mux.Handle("GET /readyz", health.Handler())
	mux.Handle("GET /statusz", health.Handler())
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("metrics server starting", "addr", cfg.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if watch != nil {
		g.Go(func() error {
			if err := watch.Watch(gctx); err != nil {
				logger.Error("registry watcher error", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		health.SetReady(true)
		defer health.SetReady(false)
		return lis.Run(gctx)
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
