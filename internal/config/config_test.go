package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  timeout_seconds: 30
auth:
  enabled: true
  api_key: secret
worker:
  concurrency: 6
  queue_depth: 128
  aggregate_workers: 4
  street_radius_meters: 1500
transport:
  kind: kafka
kafka:
  brokers: ["broker-1:9092", "broker-2:9092"]
  result_topic: origin-results
storage:
  kind: gcs
  gcs_bucket: bucket
  grid_prefix: destinations
redis:
  url: redis://localhost:6379/0
  ttl_minutes: 90
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Worker.Concurrency != 6 || cfg.Worker.AggregateWorkers != 4 || cfg.Worker.StreetRadiusMeters != 1500 {
		t.Fatalf("expected worker overrides to apply: %+v", cfg.Worker)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.ResultTopic() != "origin-results" || cfg.JobTopic() != "regional-jobs" {
		t.Fatalf("expected kafka overrides to apply: %+v", cfg.Kafka)
	}
	if cfg.Storage.GridPrefix != "destinations" || cfg.Storage.ResultPrefix != "results" {
		t.Fatalf("expected storage prefixes, got %+v", cfg.Storage)
	}
	if cfg.Logging.Development {
		t.Fatal("expected production logging")
	}
	if got := cfg.RequestTimeout(); got != 30*time.Second {
		t.Fatalf("expected request timeout 30s, got %v", got)
	}
	if got := cfg.BufferTTL(); got != 90*time.Minute {
		t.Fatalf("expected buffer ttl 90m, got %v", got)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Transport.Kind != BackendMemory || cfg.Storage.Kind != BackendMemory {
		t.Fatalf("expected in-memory backends by default, got %q/%q", cfg.Transport.Kind, cfg.Storage.Kind)
	}
	if cfg.Worker.StreetRadiusMeters != 2000 {
		t.Fatalf("expected 2000 m street radius, got %d", cfg.Worker.StreetRadiusMeters)
	}
	if cfg.Telemetry.ServiceName != "regional-access" || cfg.Telemetry.SampleRatio != 1 {
		t.Fatalf("unexpected telemetry defaults %+v", cfg.Telemetry)
	}
	if cfg.ResultTopic() != "regional-results" {
		t.Fatalf("expected pubsub result topic, got %q", cfg.ResultTopic())
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:    ServerConfig{Port: 8080},
		Worker:    WorkerConfig{Concurrency: 1, QueueDepth: 1, StreetRadiusMeters: 2000},
		Transport: TransportConfig{Kind: BackendMemory},
		Storage:   StorageConfig{Kind: BackendMemory},
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, "worker.concurrency"},
		{"invalid queue depth", func(c *Config) { c.Worker.QueueDepth = 0 }, "worker.queue_depth"},
		{"invalid radius", func(c *Config) { c.Worker.StreetRadiusMeters = -1 }, "worker.street_radius_meters"},
		{"sample ratio above one", func(c *Config) { c.Telemetry.SampleRatio = 2 }, "telemetry.sample_ratio"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"pubsub without project", func(c *Config) { c.Transport.Kind = BackendPubSub }, "pubsub.project_id"},
		{"kafka without brokers", func(c *Config) { c.Transport.Kind = BackendKafka }, "kafka.brokers"},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "sqs" }, "transport.kind"},
		{"gcs without bucket", func(c *Config) { c.Storage.Kind = BackendGCS }, "storage.gcs_bucket"},
		{"unknown storage", func(c *Config) { c.Storage.Kind = "s3" }, "storage.kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected base config to validate, got %v", err)
	}
}
