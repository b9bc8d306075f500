// Package scanning implements the scan orchestration engine: the claim protocol
// workers use to take sub-tasks, the result pipeline that finalizes them exactly
// once, the reconciliation sweeper and the cancellation controller.
package scanning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ahrav/artifact-analyst/internal/domain/events"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/pkg/common/logger"
	"github.com/ahrav/artifact-analyst/pkg/common/timeutil"
)

// Defaults of the orchestration engine.
const (
	DefaultMaxExecuteTimes   = 3
	DefaultMaxRetryPullTimes = 3
	DefaultExecuteTimeout    = 1200 * time.Second
	DefaultStopTaskDelay     = 2 * time.Second
	DefaultDrainPoolSize     = 200
	DefaultSweepInterval     = 3 * time.Second
	DefaultBlockTimeoutBatch = 1000

	// executeTimeoutMargin is added to every claim deadline so a worker that is
	// reporting right at its deadline is not reclaimed underneath itself.
	executeTimeoutMargin = time.Minute
)

// Config tunes the orchestration engine.
type Config struct {
	// MaxExecuteTimes is the number of claims after which a stuck executing
	// sub-task is finalized as TIMEOUT instead of being handed out again.
	MaxExecuteTimes int `mapstructure:"max_execute_times" validate:"min=1"`
	// MaxRetryPullTimes is the number of consecutive lost claim races after
	// which Claim gives up and returns nothing.
	MaxRetryPullTimes int `mapstructure:"max_retry_pull_times" validate:"min=1"`
	// ExecuteTimeout is the ceiling for idle claims, stale parents and blocked sub-tasks.
	ExecuteTimeout time.Duration `mapstructure:"execute_timeout" validate:"gt=0"`
	// StopTaskDelay lets in-flight submissions land before a stopped task is drained.
	StopTaskDelay time.Duration `mapstructure:"stop_task_delay" validate:"gte=0"`
	// DrainPoolSize bounds concurrently running drains.
	DrainPoolSize int64 `mapstructure:"drain_pool_size" validate:"min=1"`
	// SweepInterval is the fixed delay of every sweeper duty.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
	// BlockTimeoutBatch caps how many blocked sub-tasks one sweep finalizes.
	BlockTimeoutBatch int `mapstructure:"block_timeout_batch" validate:"min=1"`
	// EnqueueTimedOut enables re-enqueueing timed-out sub-tasks through the dispatcher.
	EnqueueTimedOut bool `mapstructure:"enqueue_timed_out"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxExecuteTimes:   DefaultMaxExecuteTimes,
		MaxRetryPullTimes: DefaultMaxRetryPullTimes,
		ExecuteTimeout:    DefaultExecuteTimeout,
		StopTaskDelay:     DefaultStopTaskDelay,
		DrainPoolSize:     DefaultDrainPoolSize,
		SweepInterval:     DefaultSweepInterval,
		BlockTimeoutBatch: DefaultBlockTimeoutBatch,
	}
}

// ServiceOption configures optional collaborators of the Service.
type ServiceOption func(*Service)

// WithTimeProvider overrides the clock.
func WithTimeProvider(tp timeutil.Provider) ServiceOption {
	return func(s *Service) { s.timeProvider = tp }
}

// WithConverters sets the registry used to convert raw scanner output.
func WithConverters(r domain.ConverterRegistry) ServiceOption {
	return func(s *Service) { s.converters = r }
}

// WithResultManagers sets the registry used to persist detailed scanner output.
func WithResultManagers(r domain.ResultManagerRegistry) ServiceOption {
	return func(s *Service) { s.resultManagers = r }
}

// WithPermissionChecker sets the checker consulted at intake.
func WithPermissionChecker(p domain.PermissionChecker) ServiceOption {
	return func(s *Service) { s.permissions = p }
}

// Service is the orchestration engine shared by the API and the sweeper.
// Every node runs its own Service; they coordinate only through the store.
type Service struct {
	cfg Config

	store          domain.Store
	dispatcher     domain.Dispatcher
	scanners       domain.ScannerRegistry
	gate           domain.QualityGate
	metrics        domain.MetricsRecorder
	publisher      events.DomainEventPublisher
	converters     domain.ConverterRegistry
	resultManagers domain.ResultManagerRegistry
	permissions    domain.PermissionChecker
	notifications  NotificationRegistrar

	// drains bounds the delayed stop drains; pending tracks scheduled ones.
	drains  *semaphore.Weighted
	pending sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	timers      map[*time.Timer]struct{}
	drainCtx    context.Context
	cancelDrain context.CancelFunc

	timeProvider timeutil.Provider
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewService creates the orchestration engine.
func NewService(
	cfg Config,
	store domain.Store,
	dispatcher domain.Dispatcher,
	scanners domain.ScannerRegistry,
	gate domain.QualityGate,
	metrics domain.MetricsRecorder,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...ServiceOption,
) *Service {
	drainCtx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:          cfg,
		store:        store,
		dispatcher:   dispatcher,
		scanners:     scanners,
		gate:         gate,
		metrics:      metrics,
		publisher:    publisher,
		drains:       semaphore.NewWeighted(cfg.DrainPoolSize),
		timers:       make(map[*time.Timer]struct{}),
		drainCtx:     drainCtx,
		cancelDrain:  cancel,
		timeProvider: timeutil.Default(),
		logger:       logger.With("component", "scan_service"),
		tracer:       tracer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns a parent task.
func (s *Service) Get(ctx context.Context, taskID string) (*domain.ScanTask, error) {
	id, err := parseID(taskID)
	if err != nil {
		return nil, err
	}
	return s.store.Tasks().Get(ctx, id)
}

// GetSubtask returns an active sub-task together with its scanner.
func (s *Service) GetSubtask(ctx context.Context, subtaskID string) (*domain.SubScanTask, domain.Scanner, error) {
	id, err := parseID(subtaskID)
	if err != nil {
		return nil, domain.Scanner{}, err
	}
	st, err := s.store.Subtasks().Get(ctx, id)
	if err != nil {
		return nil, domain.Scanner{}, err
	}
	scanner, err := s.scanners.Get(st.Scanner)
	if err != nil {
		return nil, domain.Scanner{}, err
	}
	return st, scanner, nil
}

// publish delivers events that belong to a committed unit of work. Listener
// failures are logged and never undo the committed state.
func (s *Service) publish(ctx context.Context, evts ...events.DomainEvent) {
	for _, evt := range evts {
		if err := s.publisher.PublishDomainEvent(ctx, evt); err != nil {
			s.logger.Error(ctx, "failed to publish domain event",
				"event_type", evt.EventType(),
				"error", err,
			)
		}
	}
}

func (s *Service) now() time.Time { return s.timeProvider.Now() }

func parseID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: malformed id %q", domain.ErrInvalidParameter, raw)
	}
	return id, nil
}
