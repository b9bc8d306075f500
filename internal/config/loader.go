package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/ahrav/artifact-analyst/internal/app/dispatch"
	"github.com/ahrav/artifact-analyst/internal/app/scanning"
)

// EnvPrefix prefixes every environment override, e.g. ANALYST_DATABASE_URL.
const EnvPrefix = "ANALYST"

// Loader provides configuration loading capabilities. It abstracts the source
// of configuration to allow for different implementations like files or the
// environment.
type Loader interface {
	Load(ctx context.Context) (*Config, error)
}

// ViperLoader reads an optional YAML file and environment overrides.
type ViperLoader struct {
	path string
}

// NewViperLoader creates a loader. An empty path reads the environment only.
func NewViperLoader(path string) *ViperLoader { return &ViperLoader{path: path} }

// Load assembles and validates the configuration.
func (l *ViperLoader) Load(ctx context.Context) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags of cfg.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// setDefaults registers every key so environment overrides apply even when
// the file omits them.
func setDefaults(v *viper.Viper) {
	eng := scanning.DefaultConfig()
	v.SetDefault("scanning.max_execute_times", eng.MaxExecuteTimes)
	v.SetDefault("scanning.max_retry_pull_times", eng.MaxRetryPullTimes)
	v.SetDefault("scanning.execute_timeout", eng.ExecuteTimeout)
	v.SetDefault("scanning.stop_task_delay", eng.StopTaskDelay)
	v.SetDefault("scanning.drain_pool_size", eng.DrainPoolSize)
	v.SetDefault("scanning.sweep_interval", eng.SweepInterval)
	v.SetDefault("scanning.block_timeout_batch", eng.BlockTimeoutBatch)
	v.SetDefault("scanning.enqueue_timed_out", eng.EnqueueTimedOut)

	disp := dispatch.DefaultConfig()
	v.SetDefault("dispatch.max_active_per_project", disp.MaxActivePerProject)
	v.SetDefault("dispatch.batch_size", disp.BatchSize)
	v.SetDefault("dispatch.submissions", disp.Submissions)

	v.SetDefault("database.url", "")
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.migrations", "db/migrations")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.task_topic", "scan-task-status")
	v.SetDefault("kafka.subtask_topic", "scan-subtask-status")
	v.SetDefault("kafka.client_id", "artifact-analyst")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "30s")

	v.SetDefault("telemetry.service_name", "artifact-analyst")
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.probability", 0.1)
	v.SetDefault("telemetry.log_level", "info")

	v.SetDefault("worker.controller_url", "http://localhost:8080")
	v.SetDefault("worker.poll_rate", 1.0)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.idle_backoff", "5s")

	v.SetDefault("notifications.timeout", "5s")
	v.SetDefault("notifications.audit", true)

	v.SetDefault("scanners_file", "")
	v.SetDefault("catalog_file", "")
}
