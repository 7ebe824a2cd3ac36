// Package config loads the drainqueue daemon's configuration: defaults,
// then an optional JSON file, then environment variable overrides, in that
// order — the same three-layer loader this module's teacher uses for its
// own daemon config.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// StreamConfig holds the Redis stream backend's connection and consumer
// group settings.
type StreamConfig struct {
	ConnString        string        `json:"conn_string"`
	StreamKey         string        `json:"stream_key"`
	Group             string        `json:"group"`
	Consumer          string        `json:"consumer"` // empty means a random v4 UUID
	AutoclaimEnabled  bool          `json:"autoclaim_enabled"`
	AutoclaimFreq     int           `json:"autoclaim_frequency"`
	AutoclaimMinIdle  time.Duration `json:"autoclaim_min_idle"`
}

// DrainConfig holds the worker pool and ack/drop cadence settings.
type DrainConfig struct {
	NumWorkers     int           `json:"num_workers"`
	AckInterval    time.Duration `json:"ack_interval"`
	DequeueTimeout time.Duration `json:"dequeue_timeout"`
	DropEnabled    bool          `json:"drop_enabled"`
	DropInterval   time.Duration `json:"drop_interval"`
	DropMinIdle    time.Duration `json:"drop_min_idle"`
	DropMaxRetries uint64        `json:"drop_max_retries"`
	DropBatchSize  uint64        `json:"drop_batch_size"`
}

// ObservabilityConfig holds the optional metrics/tracing decorator
// settings; by default metrics are on and tracing is off.
type ObservabilityConfig struct {
	MetricsEnabled   bool   `json:"metrics_enabled"`
	MetricsNamespace string `json:"metrics_namespace"`
	TracingEnabled   bool   `json:"tracing_enabled"`
	TracingEndpoint  string `json:"tracing_endpoint"`
	TracingService   string `json:"tracing_service"`
}

// DaemonConfig holds the example daemon's own process settings.
type DaemonConfig struct {
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	HealthAddr string `json:"health_addr"`
}

// Config is the central configuration struct for cmd/drainqueue.
type Config struct {
	Stream        StreamConfig        `json:"stream"`
	Drain         DrainConfig         `json:"drain"`
	Observability ObservabilityConfig `json:"observability"`
	Daemon        DaemonConfig        `json:"daemon"`
}

// DefaultConfig returns a Config with sensible defaults for a single-stream
// drainqueue daemon backed by a local Redis.
func DefaultConfig() *Config {
	return &Config{
		Stream: StreamConfig{
			ConnString:       "redis://localhost:6379/0",
			StreamKey:        "drainqueue:work",
			Group:            "drainqueue",
			AutoclaimEnabled: true,
			AutoclaimFreq:    10,
			AutoclaimMinIdle: 30 * time.Second,
		},
		Drain: DrainConfig{
			NumWorkers:     8,
			AckInterval:    time.Second,
			DequeueTimeout: 5 * time.Second,
			DropEnabled:    true,
			DropInterval:   time.Minute,
			DropMinIdle:    5 * time.Minute,
			DropMaxRetries: 5,
			DropBatchSize:  100,
		},
		Observability: ObservabilityConfig{
			MetricsEnabled:   true,
			MetricsNamespace: "drainqueue",
			TracingEnabled:   false,
			TracingEndpoint:  "localhost:4318",
			TracingService:   "drainqueue",
		},
		Daemon: DaemonConfig{
			LogLevel:   "info",
			LogFormat:  "text",
			HealthAddr: ":9090",
		},
	}
}

// LoadFromFile overlays a JSON config file on top of DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies DRAINQUEUE_* environment variable overrides to cfg in
// place.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("DRAINQUEUE_REDIS_URL"); v != "" {
		cfg.Stream.ConnString = v
	}
	if v := os.Getenv("DRAINQUEUE_STREAM_KEY"); v != "" {
		cfg.Stream.StreamKey = v
	}
	if v := os.Getenv("DRAINQUEUE_GROUP"); v != "" {
		cfg.Stream.Group = v
	}
	if v := os.Getenv("DRAINQUEUE_CONSUMER"); v != "" {
		cfg.Stream.Consumer = v
	}
	if v := os.Getenv("DRAINQUEUE_AUTOCLAIM_ENABLED"); v != "" {
		cfg.Stream.AutoclaimEnabled = parseBool(v)
	}
	if v := os.Getenv("DRAINQUEUE_AUTOCLAIM_FREQUENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.AutoclaimFreq = n
		}
	}
	if v := os.Getenv("DRAINQUEUE_AUTOCLAIM_MIN_IDLE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stream.AutoclaimMinIdle = d
		}
	}

	if v := os.Getenv("DRAINQUEUE_NUM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Drain.NumWorkers = n
		}
	}
	if v := os.Getenv("DRAINQUEUE_ACK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Drain.AckInterval = d
		}
	}
	if v := os.Getenv("DRAINQUEUE_DEQUEUE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Drain.DequeueTimeout = d
		}
	}
	if v := os.Getenv("DRAINQUEUE_DROP_ENABLED"); v != "" {
		cfg.Drain.DropEnabled = parseBool(v)
	}
	if v := os.Getenv("DRAINQUEUE_DROP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Drain.DropInterval = d
		}
	}
	if v := os.Getenv("DRAINQUEUE_DROP_MIN_IDLE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Drain.DropMinIdle = d
		}
	}
	if v := os.Getenv("DRAINQUEUE_DROP_MAX_RETRIES"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Drain.DropMaxRetries = n
		}
	}
	if v := os.Getenv("DRAINQUEUE_DROP_BATCH_SIZE"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Drain.DropBatchSize = n
		}
	}

	if v := os.Getenv("DRAINQUEUE_METRICS_ENABLED"); v != "" {
		cfg.Observability.MetricsEnabled = parseBool(v)
	}
	if v := os.Getenv("DRAINQUEUE_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.MetricsNamespace = v
	}
	if v := os.Getenv("DRAINQUEUE_TRACING_ENABLED"); v != "" {
		cfg.Observability.TracingEnabled = parseBool(v)
	}
	if v := os.Getenv("DRAINQUEUE_TRACING_ENDPOINT"); v != "" {
		cfg.Observability.TracingEndpoint = v
	}
	if v := os.Getenv("DRAINQUEUE_TRACING_SERVICE"); v != "" {
		cfg.Observability.TracingService = v
	}

	if v := os.Getenv("DRAINQUEUE_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("DRAINQUEUE_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("DRAINQUEUE_HEALTH_ADDR"); v != "" {
		cfg.Daemon.HealthAddr = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
