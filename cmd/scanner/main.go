package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/artifact-analyst/internal/api/client"
	"github.com/ahrav/artifact-analyst/internal/app/worker"
	"github.com/ahrav/artifact-analyst/internal/config"
	scannerExec "github.com/ahrav/artifact-analyst/internal/infra/scanner"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
	"github.com/ahrav/artifact-analyst/pkg/common/otel"
)

const serviceType = "scanner"

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

	svcName := fmt.Sprintf("SCANNER-%s", hostname)
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
		logger.Events{},
		metadata,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, hostname, lg); err != nil {
		lg.Error(ctx, "scanner stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, hostname string, log *logger.Logger) error {
	if len(cfg.Worker.Command) == 0 {
		return errors.New("worker.command must be set")
	}

	tel, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      cfg.Telemetry.ServiceName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		Probability:      cfg.Telemetry.Probability,
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

	ctrl, err := client.New(cfg.Worker.ControllerURL, client.WithUser(hostname))
	if err != nil {
		return fmt.Errorf("creating controller client: %w", err)
	}

	exec, err := scannerExec.NewCommandExecutor(cfg.Worker.Command, log, tracer)
	if err != nil {
		return fmt.Errorf("creating scan executor: %w", err)
	}

	metrics, err := worker.NewMetrics(tel.MeterProvider)
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
		ctrl,
		exec,
		log,
		metrics,
		tracer,
	)

	log.Info(ctx, "scanner started", "controller", cfg.Worker.ControllerURL, "command", cfg.Worker.Command)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info(ctx, "scanner stopped")
	return nil
}
