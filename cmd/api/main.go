// Package main is the entry point for the attendance synchronizer.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/onnwee/attendsync/internal/api"
	"github.com/onnwee/attendsync/internal/attendance"
	"github.com/onnwee/attendsync/internal/channel"
	"github.com/onnwee/attendsync/internal/clock"
	"github.com/onnwee/attendsync/internal/config"
	"github.com/onnwee/attendsync/internal/fanout"
	"github.com/onnwee/attendsync/internal/health"
	"github.com/onnwee/attendsync/internal/importer"
	"github.com/onnwee/attendsync/internal/jobs"
	"github.com/onnwee/attendsync/internal/middleware"
	"github.com/onnwee/attendsync/internal/reconcile"
	"github.com/onnwee/attendsync/internal/syncer"
	"github.com/onnwee/attendsync/internal/tracing"
	"github.com/onnwee/attendsync/internal/transport"
	"github.com/onnwee/attendsync/internal/view"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

const (
	serviceName = "attendsync"
	version     = "0.1.0"
)

// rateLimitCleanupInterval is how often expired in-memory rate limit buckets are dropped.
const rateLimitCleanupInterval = 5 * time.Minute

// subscriberQueueSize bounds the pending updates of each view subscriber.
const subscriberQueueSize = 1024

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (environment variables take precedence)")
	help := flag.Bool("help", false, "display help message")
	flag.Parse()

	if *help {
		fmt.Println("attendsync - attendance synchronizer")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if cfg == nil {
		fmt.Fprintln(os.Stderr, errors.Join(errs...))
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	if len(errs) > 0 {
		for _, err := range errs {
			logger.Error("invalid configuration", "error", err)
		}
		os.Exit(1)
	}
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// registerer is implemented by every package metrics type.
type registerer interface {
	Register(reg prometheus.Registerer) error
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:  serviceName,
		Version:      version,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		InsecureMode: cfg.TracingInsecure,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown failed", "error", err)
		}
	}()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpMetrics := middleware.NewMetrics()
	transportMetrics := transport.NewMetrics()
	channelMetrics := channel.NewMetrics()
	reconcileMetrics := reconcile.NewMetrics()
	syncMetrics := syncer.NewMetrics()
	fanoutMetrics := fanout.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	for _, m := range []registerer{httpMetrics, transportMetrics, channelMetrics, reconcileMetrics, syncMetrics, fanoutMetrics, jobMetrics} {
		if err := m.Register(reg); err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	// Reconciliation pipeline
	loc := cfg.Location()
	clk := clock.Real()
	cache := view.New()
	defer cache.Close()

	engine := reconcile.NewEngine(reconcile.Config{
		Store:              cache,
		Clock:              clk,
		DuplicateTolerance: cfg.DuplicateTolerance(),
		Location:           loc,
		Logger:             logger,
		Metrics:            reconcileMetrics,
	})
	normalizer := attendance.NewNormalizer(attendance.NormalizerConfig{
		DefaultCourseID: cfg.DefaultCourseID,
		Location:        loc,
	})
	synchronizer, err := syncer.New(syncer.Config{
		Normalizer: normalizer,
		Engine:     engine,
		Clock:      clk,
		Logger:     logger,
		Metrics:    syncMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create synchronizer: %w", err)
	}

	// Delivery channel
	recognition, err := transport.New(transport.Config{
		BaseURL:        cfg.RecognitionURL,
		DefaultTimeout: cfg.RequestTimeout(),
		Logger:         logger,
		Metrics:        transportMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create recognition client: %w", err)
	}

	chCfg := channel.DefaultConfig()
	chCfg.PushURL = cfg.DeliveryURL
	chCfg.PollURL = cfg.PollURL
	chCfg.ProbeURL = cfg.RecognitionURL
	chCfg.RequestTimeout = cfg.RequestTimeout()
	chCfg.PollInterval = cfg.PollInterval()
	chCfg.ProbeInterval = cfg.ProbeInterval()
	chCfg.BackoffBase = cfg.BackoffBase()
	chCfg.BackoffCeiling = cfg.BackoffCeiling()
	chCfg.FailureThreshold = cfg.FailureThreshold
	chCfg.SimulationEnabled = cfg.EnableSimulationMode

	manager, err := channel.NewManager(chCfg, recognition, synchronizer.HandlePayload,
		channel.WithSimulator(channel.NewSimulator(channel.SimulatorConfig{
			CourseID: cfg.DefaultCourseID,
			Location: loc,
		})),
		channel.WithClock(clk),
		channel.WithLogger(logger),
		channel.WithMetrics(channelMetrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create delivery channel: %w", err)
	}

	// Import sources
	var sources []importer.Source
	if cfg.APIBaseURL != "" {
		dashboard, err := transport.New(transport.Config{
			BaseURL: cfg.APIBaseURL,
			Logger:  logger,
			Metrics: transportMetrics,
		})
		if err != nil {
			return fmt.Errorf("failed to create dashboard client: %w", err)
		}
		sources = append(sources, importer.NewRESTSource(dashboard, 0))
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(5)
		db.SetConnMaxIdleTime(5 * time.Minute)
		sources = append(sources, importer.NewPostgresSource(db, logger))
	}

	imp := importer.New(synchronizer, sources,
		importer.WithLogger(logger),
		importer.WithJobMetrics(jobMetrics),
	)
	runImport := func(ctx context.Context, date attendance.Date) {
		if len(sources) == 0 {
			return
		}
		if _, err := imp.Run(ctx, date); err != nil {
			logger.Error("attendance import failed", "date", date.String(), "error", err)
		}
	}

	rollover := syncer.NewRolloverJob(syncer.RolloverConfig{
		Location:   loc,
		Clock:      clk,
		Logger:     logger,
		JobMetrics: jobMetrics,
		OnRollover: runImport,
	}, synchronizer)

	// Fan-out
	broadcaster := fanout.NewBroadcaster(
		fanout.WithBroadcastLogger(logger),
		fanout.WithBroadcastMetrics(fanoutMetrics),
	)
	broadcastSub := cache.Subscribe(broadcaster.Broadcast, view.WithQueueSize(subscriberQueueSize))
	defer broadcastSub.Unsubscribe()

	checkers := []api.NamedChecker{{
		Name:    "recognition",
		Checker: health.NewRecognitionChecker(recognition, cfg.RecognitionURL, 0),
	}}
	if db != nil {
		checkers = append(checkers, api.NamedChecker{Name: "database", Checker: health.NewDBChecker(db), Critical: true})
	}

	var rateStore middleware.RateLimitStore
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()

		publisher := fanout.NewRedisPublisher(client, fanout.RedisConfig{
			Logger:  logger,
			Metrics: fanoutMetrics,
		})
		publishSub := cache.Subscribe(publisher.Handle, view.WithQueueSize(subscriberQueueSize))
		defer publishSub.Unsubscribe()

		rateStore = middleware.NewRedisRateLimitStore(client, logger, httpMetrics)
		checkers = append(checkers, api.NamedChecker{Name: "redis", Checker: health.NewRedisChecker(client)})
		logger.Info("redis enabled", "channel", publisher.Channel())
	} else {
		mem := middleware.NewInMemoryRateLimitStore()
		rateStore = mem
		go func() {
			ticker := time.NewTicker(rateLimitCleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					mem.Cleanup()
				}
			}
		}()
	}

	handler := newHandler(handlerDeps{
		logger:      logger,
		records:     cache,
		marker:      synchronizer,
		channel:     manager,
		broadcaster: broadcaster,
		health:      api.NewHealthHandlers(logger, checkers...),
		registry:    reg,
		metrics:     httpMetrics,
		rateStore:   rateStore,
		markLimit:   middleware.MarkLimit(cfg.MarkRateLimitPerMinute),
		origins:     cfg.AllowedOrigins(),
		streamURL:   cfg.StreamURL(),
	})

	// Background work
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start delivery channel: %w", err)
	}
	if err := rollover.Start(ctx); err != nil {
		manager.Stop()
		return fmt.Errorf("failed to start rollover job: %w", err)
	}
	go runImport(ctx, attendance.DateOf(clk.Now().In(loc)))

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case <-quit:
		logger.Info("shutting down server...")
	case runErr = <-serverErr:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	broadcaster.CloseAll()
	rollover.Stop()
	manager.Stop()

	return runErr
}
