// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport and storage backends.
const (
	BackendMemory = "memory"
	BackendPubSub = "pubsub"
	BackendKafka  = "kafka"
	BackendGCS    = "gcs"
	BackendLocal  = "local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Transport TransportConfig `mapstructure:"transport"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	// SubmitRPS limits regional job submissions per client; zero disables the limit.
	SubmitRPS   float64 `mapstructure:"submit_rps"`
	SubmitBurst int     `mapstructure:"submit_burst"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WorkerConfig governs the single-origin worker pool.
type WorkerConfig struct {
	Concurrency        int `mapstructure:"concurrency"`
	QueueDepth         int `mapstructure:"queue_depth"`
	AggregateWorkers   int `mapstructure:"aggregate_workers"`
	StreetRadiusMeters int `mapstructure:"street_radius_meters"`
}

// TransportConfig selects the message transport for work items and results.
type TransportConfig struct {
	Kind string `mapstructure:"kind"`
}

// PubSubConfig names the Pub/Sub topics and subscriptions.
type PubSubConfig struct {
	ProjectID          string `mapstructure:"project_id"`
	JobTopic           string `mapstructure:"job_topic"`
	JobSubscription    string `mapstructure:"job_subscription"`
	ResultTopic        string `mapstructure:"result_topic"`
	ResultSubscription string `mapstructure:"result_subscription"`
}

// KafkaConfig names the brokers and topics.
type KafkaConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	Group       string   `mapstructure:"group"`
	JobTopic    string   `mapstructure:"job_topic"`
	ResultTopic string   `mapstructure:"result_topic"`
}

// StorageConfig sets the blob backend and object prefixes.
type StorageConfig struct {
	Kind         string `mapstructure:"kind"`
	GCSBucket    string `mapstructure:"gcs_bucket"`
	BaseDir      string `mapstructure:"base_dir"`
	GridPrefix   string `mapstructure:"grid_prefix"`
	ResultPrefix string `mapstructure:"result_prefix"`
}

// DBConfig controls access to the job registry database. An empty DSN keeps jobs in memory.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig points the collator at Redis. An empty URL buffers origins in memory.
type RedisConfig struct {
	URL        string `mapstructure:"url"`
	TTLMinutes int    `mapstructure:"ttl_minutes"`
}

// RoutingConfig locates the routing network.
type RoutingConfig struct {
	FixturePath string `mapstructure:"fixture_path"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	// OTLPEndpoint is an OTLP/HTTP collector URL. Spans are not exported when it is empty.
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
}

// Load builds a Config from disk/environment. An empty path searches the working directory,
// /etc/regional-access and $HOME/.regional-access for a regional-access config file.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ACCESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		// Without an explicit file, look in the usual places and fall back to defaults.
		v.SetConfigName("regional-access")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/regional-access/")
		v.AddConfigPath("$HOME/.regional-access")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("server.submit_rps", 1.0)
	v.SetDefault("server.submit_burst", 5)
	v.SetDefault("logging.development", true)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("worker.aggregate_workers", 1)
	v.SetDefault("worker.street_radius_meters", 2000)
	v.SetDefault("transport.kind", BackendMemory)
	v.SetDefault("pubsub.job_topic", "regional-jobs")
	v.SetDefault("pubsub.job_subscription", "regional-jobs-worker")
	v.SetDefault("pubsub.result_topic", "regional-results")
	v.SetDefault("pubsub.result_subscription", "regional-results-collator")
	v.SetDefault("kafka.group", "regional-access")
	v.SetDefault("kafka.job_topic", "regional-jobs")
	v.SetDefault("kafka.result_topic", "regional-results")
	v.SetDefault("storage.kind", BackendMemory)
	v.SetDefault("storage.base_dir", "data")
	v.SetDefault("storage.grid_prefix", "grids")
	v.SetDefault("storage.result_prefix", "results")
	v.SetDefault("db.table", "regional_jobs")
	v.SetDefault("db.max_open_conns", 4)
	v.SetDefault("redis.ttl_minutes", 24*60)
	v.SetDefault("telemetry.service_name", "regional-access")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.QueueDepth <= 0 {
		return fmt.Errorf("worker.queue_depth must be > 0")
	}
	if c.Worker.StreetRadiusMeters <= 0 {
		return fmt.Errorf("worker.street_radius_meters must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Transport.Kind {
	case BackendMemory:
	case BackendPubSub:
		if c.PubSub.ProjectID == "" {
			return fmt.Errorf("pubsub.project_id is required for the pubsub transport")
		}
	case BackendKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required for the kafka transport")
		}
	default:
		return fmt.Errorf("unknown transport.kind %q", c.Transport.Kind)
	}
	switch c.Storage.Kind {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for local storage")
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for gcs storage")
		}
	default:
		return fmt.Errorf("unknown storage.kind %q", c.Storage.Kind)
	}
	return nil
}

// RequestTimeout converts the server timeout into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// BufferTTL is how long Redis keeps an unfinished job's origins.
func (c Config) BufferTTL() time.Duration {
	return time.Duration(c.Redis.TTLMinutes) * time.Minute
}

// ResultTopic is the default destination for origin results on the configured transport.
func (c Config) ResultTopic() string {
	if c.Transport.Kind == BackendKafka {
		return c.Kafka.ResultTopic
	}
	return c.PubSub.ResultTopic
}

// JobTopic is the destination for work items on the configured transport.
func (c Config) JobTopic() string {
	if c.Transport.Kind == BackendKafka {
		return c.Kafka.JobTopic
	}
	return c.PubSub.JobTopic
}
