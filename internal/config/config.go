// Package config loads ledger service configuration from an optional .env
// file, an optional YAML file and the environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/metatx_ledger/internal/metatx"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// FileEnv names the environment variable pointing at the YAML file.
const FileEnv = "LEDGER_CONFIG_FILE"

// Config is the complete service configuration.
type Config struct {
	ServiceName string `yaml:"service_name" env:"LEDGER_SERVICE_NAME"`
	HTTPAddr    string `yaml:"http_addr" env:"LEDGER_HTTP_ADDR"`
	LogLevel    string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat   string `yaml:"log_format" env:"LOG_FORMAT"`

	// DomainID is mixed into every signed message.
	DomainID string `yaml:"domain_id" env:"LEDGER_DOMAIN_ID"`

	Store StoreConfig `yaml:"store"`
	Kafka KafkaConfig `yaml:"kafka"`
	Auth  AuthConfig  `yaml:"auth"`
	Limit LimitConfig `yaml:"rate_limit"`
	Jobs  JobsConfig  `yaml:"jobs"`

	CORSOrigins []string `yaml:"cors_origins" env:"LEDGER_CORS_ORIGINS"`
}

type StoreConfig struct {
	Backend     string `yaml:"backend" env:"LEDGER_STORE"`
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`
	RedisAddr   string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPrefix string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
	// JournalCap bounds per-account journals where the backend caps them.
	JournalCap int `yaml:"journal_cap" env:"LEDGER_JOURNAL_CAP"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS"`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC"`
}

type AuthConfig struct {
	// JWTPublicKeyPath enables deposits when set.
	JWTPublicKeyPath string `yaml:"jwt_public_key_path" env:"JWT_PUBLIC_KEY_PATH"`
}

type LimitConfig struct {
	RPS   float64 `yaml:"rps" env:"RATE_LIMIT_RPS"`
	Burst int     `yaml:"burst" env:"RATE_LIMIT_BURST"`
}

type JobsConfig struct {
	StatsSchedule   string `yaml:"stats_schedule" env:"LEDGER_STATS_SCHEDULE"`
	CleanupSchedule string `yaml:"cleanup_schedule" env:"RATE_LIMIT_CLEANUP_SCHEDULE"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		ServiceName: "ledgerd",
		HTTPAddr:    ":8080",
		LogLevel:    "info",
		LogFormat:   "json",
		Store: StoreConfig{
			Backend:     BackendMemory,
			RedisPrefix: "ledger",
			JournalCap:  1000,
		},
		Kafka: KafkaConfig{Topic: "ledger.entries"},
		Limit: LimitConfig{RPS: 20, Burst: 40},
		Jobs: JobsConfig{
			StatsSchedule:   "@every 1m",
			CleanupSchedule: "@every 5m",
		},
	}
}

// Load builds the configuration. envFile may be empty; a missing .env is not
// an error.
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func (c *Config) normalize() {
	c.DomainID = strings.TrimSpace(c.DomainID)
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	c.Kafka.Brokers = compact(c.Kafka.Brokers)
	c.CORSOrigins = compact(c.CORSOrigins)
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports the first configuration error.
func (c Config) Validate() error {
	if c.DomainID == "" {
		return errors.New("domain id is required (LEDGER_DOMAIN_ID)")
	}
	if len(c.DomainID) > metatx.MaxDomainIDLength {
		return fmt.Errorf("domain id longer than %d bytes", metatx.MaxDomainIDLength)
	}
	if c.HTTPAddr == "" {
		return errors.New("http address is required")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.JournalCap <= 0 {
		return errors.New("journal cap must be positive")
	}
	if c.Limit.RPS <= 0 || c.Limit.Burst <= 0 {
		return errors.New("rate limit rps and burst must be positive")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka topic is required when brokers are set")
	}
	return nil
}
