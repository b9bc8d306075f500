package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/artifact-analyst/internal/api"
	"github.com/ahrav/artifact-analyst/internal/api/health"
	"github.com/ahrav/artifact-analyst/internal/app/dispatch"
	"github.com/ahrav/artifact-analyst/internal/app/quality"
	"github.com/ahrav/artifact-analyst/internal/app/scanner"
	"github.com/ahrav/artifact-analyst/internal/app/scanning"
	"github.com/ahrav/artifact-analyst/internal/app/worker"
	"github.com/ahrav/artifact-analyst/internal/config"
	"github.com/ahrav/artifact-analyst/internal/config/fileloader"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/internal/infra/eventbus/kafka"
	"github.com/ahrav/artifact-analyst/internal/infra/eventbus/memory"
	"github.com/ahrav/artifact-analyst/internal/infra/notify"
	scannerExec "github.com/ahrav/artifact-analyst/internal/infra/scanner"
	"github.com/ahrav/artifact-analyst/internal/infra/storage"
	memStore "github.com/ahrav/artifact-analyst/internal/infra/storage/scanning/memory"
	pgStore "github.com/ahrav/artifact-analyst/internal/infra/storage/scanning/postgres"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
	"github.com/ahrav/artifact-analyst/pkg/common/otel"
)

const serviceType = "controller"

var build = "develop"

func main() {
	_, _ = maxprocs.Set()

	configPath := flag.String("config", os.Getenv("ANALYST_CONFIG"), "path to the YAML configuration")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		log.Fatalf("failed to get hostname: %v", err)
	}

	cfg, err := config.NewViperLoader(*configPath).Load(context.Background())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	svcName := fmt.Sprintf("CONTROLLER-%s", hostname)
	metadata := map[string]string{
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}
	lg := logger.NewWithMetadata(
		os.Stdout,
		logger.ParseLevel(cfg.Telemetry.LogLevel),
		svcName,
		otel.GetTraceID,
		logEvents,
		metadata,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, hostname, lg); err != nil {
		lg.Error(ctx, "controller stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, hostname string, log *logger.Logger) error {
	tel, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		ExcludedRoutes: map[string]struct{}{
			"/liveness":  {},
			"/readiness": {},
			"/metrics":   {},
		},
		Probability: cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer telemetryTeardown(context.Background())

	tracer := tel.TracerProvider.Tracer(cfg.Telemetry.ServiceName)
	mp := tel.MeterProvider

	store, pinger, closeStore, err := openStore(ctx, cfg.Database, log, tracer)
	if err != nil {
		return err
	}
	defer closeStore()

	scanners, err := loadScanners(ctx, cfg)
	if err != nil {
		return err
	}
	log.Info(ctx, "scanners loaded", "scanners", scanners.Names())

	catalog := dispatch.NewCatalogSource(cfg.Dispatch.BatchSize)
	if cfg.CatalogFile != "" {
		if catalog, err = dispatch.LoadCatalog(cfg.CatalogFile, cfg.Dispatch.BatchSize); err != nil {
			return fmt.Errorf("loading catalog: %w", err)
		}
	}

	bus := memory.NewBus(log)
	defer bus.Close()
	publisher := memory.NewDomainEventPublisher(bus)

	if cfg.Kafka.Enabled() {
		forwarder, err := kafka.ConnectWithRetry(ctx, cfg.Kafka, log, mp, tracer)
		if err != nil {
			return fmt.Errorf("connecting to kafka: %w", err)
		}
		defer forwarder.Close()
		if err := bus.SubscribeHandler(ctx, forwarder); err != nil {
			return fmt.Errorf("subscribing kafka forwarder: %w", err)
		}
	}

	notifier := notify.NewWebhookNotifier(log, tracer, notify.WithTimeout(cfg.Notifications.Timeout))
	defer notifier.Close()
	if err := bus.SubscribeHandler(ctx, notifier); err != nil {
		return fmt.Errorf("subscribing webhook notifier: %w", err)
	}
	if cfg.Notifications.Audit {
		if err := bus.SubscribeHandler(ctx, notify.NewAuditLogger(log)); err != nil {
			return fmt.Errorf("subscribing audit logger: %w", err)
		}
	}

	metrics, err := scanning.NewScanMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating scan metrics: %w", err)
	}

	dispatcher := dispatch.New(cfg.Dispatch, store, catalog, metrics, publisher, log, tracer)
	defer dispatcher.Close()

	details := scanner.NewDetailManager(store.ResultDetails(), tracer, nil)
	svc := scanning.NewService(
		cfg.Scanning,
		store,
		dispatcher,
		scanners,
		quality.NewGate(store.Plans(), log, tracer),
		metrics,
		publisher,
		log,
		tracer,
		scanning.WithConverters(scanner.DefaultConverters()),
		scanning.WithResultManagers(scanner.ResultManagers{
			scanner.TypeStandard: details,
			scanner.TypeOverview: details,
		}),
		scanning.WithNotificationRegistrar(notifier),
	)

	apiMetrics, err := api.NewMetrics(mp)
	if err != nil {
		return fmt.Errorf("creating api metrics: %w", err)
	}
	server := api.NewServer(api.Config{
		Build:           build,
		Addr:            cfg.HTTP.Addr,
		Log:             log,
		Metrics:         apiMetrics,
		Engine:          svc,
		Scanners:        scanners,
		Store:           pinger,
		ReadTimeout:     cfg.HTTP.ReadTimeout,
		WriteTimeout:    cfg.HTTP.WriteTimeout,
		ShutdownTimeout: cfg.HTTP.ShutdownTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })

	sweeper := scanning.NewSweeper(svc, log, tracer)
	sweeper.Start(gctx)

	// A configured scan command runs an in-process worker pool that claims
	// sub-tasks without going through the HTTP API.
	if len(cfg.Worker.Command) > 0 {
		exec, err := scannerExec.NewCommandExecutor(cfg.Worker.Command, log, tracer)
		if err != nil {
			return fmt.Errorf("creating scan executor: %w", err)
		}
		workerMetrics, err := worker.NewMetrics(mp)
		if err != nil {
			return fmt.Errorf("creating worker metrics: %w", err)
		}
		w := worker.New(
			hostname,
			worker.Config{
				Concurrency: cfg.Worker.Concurrency,
				PollRate:    cfg.Worker.PollRate,
				IdleBackoff: cfg.Worker.IdleBackoff,
			},
			worker.NewLocalController(svc, scanners),
			exec,
			log,
			workerMetrics,
			tracer,
		)
		g.Go(func() error { return w.Run(gctx) })
	}

	log.Info(ctx, "controller started", "addr", cfg.HTTP.Addr, "build", build)

	runErr := g.Wait()
	sweeper.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := svc.Close(shutdownCtx); err != nil {
		log.Error(shutdownCtx, "failed to close scan service", "error", err)
	}
	log.Info(shutdownCtx, "controller stopped")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// openStore connects to Postgres and applies the migrations, or falls back to
// the in-memory store when no database URL is configured.
func openStore(
	ctx context.Context,
	cfg config.DatabaseConfig,
	log *logger.Logger,
	tracer trace.Tracer,
) (domain.Store, health.Pinger, func(), error) {
	if cfg.URL == "" {
		log.Warn(ctx, "no database configured, using the in-memory store")
		return memStore.NewStore(), nil, func() {}, nil
	}

	pool, err := storage.OpenPool(ctx, storage.PoolConfig{
		URL:      cfg.URL,
		MinConns: cfg.MinConns,
		MaxConns: cfg.MaxConns,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	if err := storage.Migrate(pool, cfg.Migrations); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info(ctx, "migrations applied")

	return pgStore.NewStore(pool, tracer), health.PingFunc(pool.Ping), pool.Close, nil
}

// loadScanners merges the inline scanner definitions with those of the
// scanners file.
func loadScanners(ctx context.Context, cfg *config.Config) (*scanner.Registry, error) {
	defs := append([]domain.Scanner(nil), cfg.Scanners...)
	if cfg.ScannersFile != "" {
		fromFile, err := fileloader.NewFileLoader(cfg.ScannersFile).Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading scanners file: %w", err)
		}
		defs = append(defs, fromFile...)
	}
	reg, err := scanner.NewRegistry(defs...)
	if err != nil {
		return nil, fmt.Errorf("registering scanners: %w", err)
	}
	return reg, nil
}
