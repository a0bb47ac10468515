package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the file and the
// environment.
const (
	DefaultHTTPAddr           = ":8080"
	DefaultCacheTTL           = 12 * time.Hour
	DefaultPreloadConcurrency = 3
	DefaultFetchTimeout       = 30 * time.Second
	DefaultSnapshotPath       = "session-cache.db"
	DefaultSessionsTopic      = "sessions.changes"
	DefaultPaymentsTopic      = "payments.changes"
	DefaultKafkaGroup         = "session-cache"
)

// Broadcast modes.
const (
	BroadcastLoopback  = "loopback"
	BroadcastWebsocket = "websocket"
	BroadcastNone      = "none"
)

type Config struct {
	// UserID is bound at start. Other users are bound through the HTTP API.
	UserID   string `yaml:"user_id" env:"CACHE_USER"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL"`

	HTTP      HTTPConfig      `yaml:"http"`
	Postgres  PostgresConfig  `yaml:"postgres" envPrefix:"PG_"`
	Kafka     KafkaConfig     `yaml:"kafka" envPrefix:"KAFKA_"`
	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	Broadcast BroadcastConfig `yaml:"broadcast" envPrefix:"BROADCAST_"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" env:"HTTP_ADDR"`
}

type PostgresConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       string `yaml:"db" env:"DB"`

	// Migrate applies the embedded schema on start.
	Migrate bool `yaml:"migrate" env:"MIGRATE"`
}

// KafkaConfig configures the change feed. An empty broker list disables it.
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	SessionsTopic string   `yaml:"sessions_topic" env:"SESSIONS_TOPIC"`
	PaymentsTopic string   `yaml:"payments_topic" env:"PAYMENTS_TOPIC"`
	Group         string   `yaml:"group" env:"GROUP"`
	DLQTopic      string   `yaml:"dlq_topic" env:"DLQ_TOPIC"`
}

type CacheConfig struct {
	TTL                time.Duration `yaml:"ttl" env:"TTL"`
	PreloadConcurrency int           `yaml:"preload_concurrency" env:"PRELOAD_CONCURRENCY"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT"`

	// SnapshotPath is the SQLite file holding persisted snapshots. ":memory:"
	// keeps them in process.
	SnapshotPath string `yaml:"snapshot_path" env:"SNAPSHOT_PATH"`
}

type BroadcastConfig struct {
	// Mode is one of loopback | websocket | none.
	Mode string `yaml:"mode" env:"MODE"`

	// URL is the websocket hub base URL, e.g. ws://host:8080/ws. The user id
	// is appended as the last path segment.
	URL string `yaml:"url" env:"URL"`

	// Hub serves a relay hub at /ws/{user} on this instance.
	Hub bool `yaml:"hub" env:"HUB"`
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogLevel: "info",
		HTTP:     HTTPConfig{Addr: DefaultHTTPAddr},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "lunari",
			Password: "lunari",
			DB:       "lunari",
		},
		Kafka: KafkaConfig{
			SessionsTopic: DefaultSessionsTopic,
			PaymentsTopic: DefaultPaymentsTopic,
			Group:         DefaultKafkaGroup,
		},
		Cache: CacheConfig{
			TTL:                DefaultCacheTTL,
			PreloadConcurrency: DefaultPreloadConcurrency,
			FetchTimeout:       DefaultFetchTimeout,
			SnapshotPath:       DefaultSnapshotPath,
		},
		Broadcast: BroadcastConfig{Mode: BroadcastLoopback},
	}
}

func validate(cfg *Config) error {
	if cfg.Cache.TTL <= 0 {
		return errors.New("cache.ttl must be positive")
	}
	if cfg.Cache.PreloadConcurrency <= 0 {
		return errors.New("cache.preload_concurrency must be positive")
	}
	if cfg.Cache.FetchTimeout <= 0 {
		return errors.New("cache.fetch_timeout must be positive")
	}
	if cfg.Postgres.Port <= 0 || cfg.Postgres.Port > 65535 {
		return fmt.Errorf("postgres.port %d out of range", cfg.Postgres.Port)
	}
	if len(cfg.Kafka.Brokers) > 0 && (cfg.Kafka.SessionsTopic == "" || cfg.Kafka.PaymentsTopic == "") {
		return errors.New("kafka: sessions_topic and payments_topic are required when brokers are set")
	}
	switch cfg.Broadcast.Mode {
	case BroadcastLoopback, BroadcastNone:
	case BroadcastWebsocket:
		if cfg.Broadcast.URL == "" {
			return errors.New("broadcast.url is required in websocket mode")
		}
	default:
		return fmt.Errorf("broadcast.mode: unknown mode %q", cfg.Broadcast.Mode)
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps debug | info | warn | error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}
