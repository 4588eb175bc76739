// Package config holds the wallet service configuration and the loaders that
// populate it.
package config

import (
	"errors"
	"fmt"
	"time"
)

// StoreBackend selects where profile state is persisted.
type StoreBackend string

const (
	StoreBackendMemory   StoreBackend = "memory"
	StoreBackendPostgres StoreBackend = "postgres"
)

// SinkType selects where telemetry events go.
type SinkType string

const (
	SinkTypeLog   SinkType = "log"
	SinkTypeKafka SinkType = "kafka"
)

// MetricsBackend selects which metrics implementation the services report to.
type MetricsBackend string

const (
	MetricsBackendPrometheus MetricsBackend = "prometheus"
	MetricsBackendOtel       MetricsBackend = "otel"
)

// Config represents the top-level configuration.
type Config struct {
	// ProfileID names the user profile whose wallet this process manages.
	ProfileID string `yaml:"profile_id" mapstructure:"profile_id"`
	// UserID is handed to the ledger when loading the account.
	UserID string `yaml:"user_id" mapstructure:"user_id"`

	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Web       WebConfig       `yaml:"web" mapstructure:"web"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
	Otel      OtelConfig      `yaml:"otel" mapstructure:"otel"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
	Ledger    LedgerConfig    `yaml:"ledger" mapstructure:"ledger"`
	Balance   BalanceConfig   `yaml:"balance" mapstructure:"balance"`
}

// LogConfig controls the logger.
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
}

// WebConfig controls the HTTP listeners.
type WebConfig struct {
	APIAddr         string        `yaml:"api_addr" mapstructure:"api_addr"`
	DebugAddr       string        `yaml:"debug_addr" mapstructure:"debug_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// StoreConfig selects and configures the profile store.
type StoreConfig struct {
	Backend       StoreBackend `yaml:"backend" mapstructure:"backend"`
	DSN           string       `yaml:"dsn" mapstructure:"dsn"`
	MigrationsDir string       `yaml:"migrations_dir" mapstructure:"migrations_dir"`
	MinConns      int32        `yaml:"min_conns" mapstructure:"min_conns"`
	MaxConns      int32        `yaml:"max_conns" mapstructure:"max_conns"`
}

// TelemetryConfig selects the telemetry sink.
type TelemetryConfig struct {
	Sink SinkType `yaml:"sink" mapstructure:"sink"`
	// RecorderLimit bounds how many recent events the HTTP surface can show.
	RecorderLimit int         `yaml:"recorder_limit" mapstructure:"recorder_limit"`
	Kafka         KafkaConfig `yaml:"kafka" mapstructure:"kafka"`
}

// KafkaConfig configures the Kafka telemetry sink.
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers" mapstructure:"brokers"`
	Topic          string        `yaml:"topic" mapstructure:"topic"`
	ClientID       string        `yaml:"client_id" mapstructure:"client_id"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
}

// OtelConfig configures trace and metric export.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string  `yaml:"endpoint" mapstructure:"endpoint"`
	ServiceName string  `yaml:"service_name" mapstructure:"service_name"`
	Probability float64 `yaml:"probability" mapstructure:"probability"`
	Insecure    bool    `yaml:"insecure" mapstructure:"insecure"`
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	Backend   MetricsBackend `yaml:"backend" mapstructure:"backend"`
	Namespace string         `yaml:"namespace" mapstructure:"namespace"`
}

// LedgerConfig configures the ledger facade and the simulated network.
type LedgerConfig struct {
	Trustline RetryConfig `yaml:"trustline_retry" mapstructure:"trustline_retry"`

	CreationDelay     time.Duration `yaml:"creation_delay" mapstructure:"creation_delay"`
	TrustlineFailures int           `yaml:"trustline_failures" mapstructure:"trustline_failures"`
	StartingBalance   string        `yaml:"starting_balance" mapstructure:"starting_balance"`
	SDKVersion        string        `yaml:"sdk_version" mapstructure:"sdk_version"`
	NetworkVersion    string        `yaml:"network_version" mapstructure:"network_version"`
}

// RetryConfig defines bounded exponential retry behavior.
type RetryConfig struct {
	// MaxAttempts is how many times to try before giving up.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
	// InitialWait is the initial backoff duration (e.g., 1s).
	InitialWait time.Duration `yaml:"initial_wait" mapstructure:"initial_wait"`
	// MaxWait is the upper bound for the backoff (e.g., 30s).
	MaxWait time.Duration `yaml:"max_wait" mapstructure:"max_wait"`
}

// BalanceConfig throttles balance stream reconnects.
type BalanceConfig struct {
	// ReconnectRate is the number of reconnects allowed per second. Zero
	// disables throttling.
	ReconnectRate  float64 `yaml:"reconnect_rate" mapstructure:"reconnect_rate"`
	ReconnectBurst int     `yaml:"reconnect_burst" mapstructure:"reconnect_burst"`
}

// Default returns a configuration that runs entirely in process.
func Default() *Config {
	return &Config{
		ProfileID: "default",
		UserID:    "local-user",
		Log:       LogConfig{Level: "info"},
		Web: WebConfig{
			APIAddr:         "0.0.0.0:6000",
			DebugAddr:       "0.0.0.0:6010",
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    10 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 20 * time.Second,
		},
		Store: StoreConfig{
			Backend:       StoreBackendMemory,
			MigrationsDir: "db/migrations",
			MinConns:      2,
			MaxConns:      10,
		},
		Telemetry: TelemetryConfig{
			Sink:          SinkTypeLog,
			RecorderLimit: 256,
			Kafka: KafkaConfig{
				Topic:          "wallet-telemetry",
				ClientID:       "walletd",
				ConnectTimeout: 2 * time.Minute,
			},
		},
		Otel: OtelConfig{
			ServiceName: "walletd",
			Endpoint:    "tempo:4317",
			Probability: 0.05,
			Insecure:    true,
		},
		Metrics: MetricsConfig{Backend: MetricsBackendPrometheus, Namespace: "wallet"},
		Ledger: LedgerConfig{
			Trustline: RetryConfig{
				MaxAttempts: 3,
				InitialWait: 500 * time.Millisecond,
				MaxWait:     5 * time.Second,
			},
			CreationDelay:   2 * time.Second,
			StartingBalance: "0",
			SDKVersion:      "3",
			NetworkVersion:  "3",
		},
		Balance: BalanceConfig{ReconnectRate: 1, ReconnectBurst: 3},
	}
}

// Validate reports every configuration problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.ProfileID == "" {
		errs = append(errs, errors.New("profile_id is required"))
	}

	switch c.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	switch c.Telemetry.Sink {
	case SinkTypeLog:
	case SinkTypeKafka:
		if len(c.Telemetry.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("telemetry.kafka.brokers is required for the kafka sink"))
		}
		if c.Telemetry.Kafka.Topic == "" {
			errs = append(errs, errors.New("telemetry.kafka.topic is required for the kafka sink"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown telemetry sink %q", c.Telemetry.Sink))
	}

	switch c.Metrics.Backend {
	case MetricsBackendPrometheus, MetricsBackendOtel:
	default:
		errs = append(errs, fmt.Errorf("unknown metrics backend %q", c.Metrics.Backend))
	}

	if c.Otel.Probability < 0 || c.Otel.Probability > 1 {
		errs = append(errs, fmt.Errorf("otel.probability must be within [0,1], got %v", c.Otel.Probability))
	}
	if c.Ledger.Trustline.MaxAttempts < 1 {
		errs = append(errs, errors.New("ledger.trustline_retry.max_attempts must be at least 1"))
	}
	if c.Balance.ReconnectRate > 0 && c.Balance.ReconnectBurst < 1 {
		errs = append(errs, errors.New("balance.reconnect_burst must be at least 1 when throttling"))
	}

	return errors.Join(errs...)
}
