// Package config holds the process configuration of the controller and the
// scanner worker.
package config

import (
	"time"

	"github.com/ahrav/artifact-analyst/internal/app/dispatch"
	"github.com/ahrav/artifact-analyst/internal/app/scanning"
	domain "github.com/ahrav/artifact-analyst/internal/domain/scanning"
	"github.com/ahrav/artifact-analyst/internal/infra/eventbus/kafka"
)

// Config represents the top-level configuration.
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database"`
	// Kafka forwards status events; forwarding is off when no brokers are set.
	Kafka         kafka.Config        `mapstructure:"kafka"`
	HTTP          HTTPConfig          `mapstructure:"http"`
	Telemetry     TelemetryConfig     `mapstructure:"telemetry"`
	Scanning      scanning.Config     `mapstructure:"scanning"`
	Dispatch      dispatch.Config     `mapstructure:"dispatch"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Notifications NotificationsConfig `mapstructure:"notifications"`

	// Scanners are the scanners known to the node. ScannersFile adds the
	// definitions of a standalone YAML file.
	Scanners     []domain.Scanner `mapstructure:"scanners" validate:"dive"`
	ScannersFile string           `mapstructure:"scanners_file"`

	// CatalogFile lists the artifacts the dispatcher selects from.
	CatalogFile string `mapstructure:"catalog_file"`
}

// DatabaseConfig points at the shared Postgres store. An empty URL selects
// the in-memory store, which only suits a single node.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MinConns int32  `mapstructure:"min_conns" validate:"gte=0"`
	MaxConns int32  `mapstructure:"max_conns" validate:"gte=1"`
	// Migrations is the directory of the schema migrations.
	Migrations string `mapstructure:"migrations"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// TelemetryConfig configures the OTLP exporters. An empty endpoint disables export.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name" validate:"required"`
	Endpoint    string  `mapstructure:"endpoint"`
	Probability float64 `mapstructure:"probability" validate:"gte=0,lte=1"`
	LogLevel    string  `mapstructure:"log_level" validate:"oneof=debug info warn error"`
}

// WorkerConfig configures a scanner worker.
type WorkerConfig struct {
	ControllerURL string        `mapstructure:"controller_url" validate:"omitempty,url"`
	PollRate      float64       `mapstructure:"poll_rate" validate:"gt=0"`
	Concurrency   int           `mapstructure:"concurrency" validate:"min=1"`
	Command       []string      `mapstructure:"command"`
	IdleBackoff   time.Duration `mapstructure:"idle_backoff"`
}

// NotificationsConfig configures the completion listeners.
type NotificationsConfig struct {
	// Timeout bounds one webhook delivery.
	Timeout time.Duration `mapstructure:"timeout"`
	Audit   bool          `mapstructure:"audit"`
}
