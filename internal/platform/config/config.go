package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

// Server captures process level configuration for the registry server.
type Server struct {
	Addr        string    `yaml:"addr"`
	MetricsAddr string    `yaml:"metrics_addr"`
	HostToken   HostToken `yaml:"host_token"`
	Store       Store     `yaml:"store"`
	Redis       Redis     `yaml:"redis"`
	Kafka       Kafka     `yaml:"kafka"`
	RateLimit   RateLimit `yaml:"rate_limit"`
	Log         Log       `yaml:"log"`
}

// HostToken configures the bearer tokens the host issues to callers.
type HostToken struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
	TTL      time.Duration `yaml:"ttl"`
}

type Store struct {
	Backend     string `yaml:"backend"`
	PebblePath  string `yaml:"pebble_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// Redis configures the document cache. An empty URL disables caching.
type Redis struct {
	URL          string        `yaml:"url"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	DocumentTTL  time.Duration `yaml:"document_ttl"`
}

// Kafka configures the audit sink. No brokers means audit events stay in memory.
type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// RateLimit bounds requests per caller. Reads are keyed by client IP and
// mutations by the host-asserted account.
type RateLimit struct {
	Enabled    bool          `yaml:"enabled"`
	ReadLimit  int           `yaml:"read_limit"`
	WriteLimit int           `yaml:"write_limit"`
	Window     time.Duration `yaml:"window"`
}

type Log struct {
	Debug bool `yaml:"debug"`
	JSON  bool `yaml:"json"`
}

// Default returns the development configuration.
func Default() Server {
	return Server{
		Addr:        ":8080",
		MetricsAddr: ":8090",
		HostToken: HostToken{
			// Use a default for development - should be overridden in production
			Secret:   "dev-secret-key-change-in-production",
			Issuer:   "didregistry",
			Audience: "didregistry",
			TTL:      15 * time.Minute,
		},
		Store: Store{
			Backend:    BackendMemory,
			PebblePath: "data/subjects",
		},
		Redis: Redis{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			DocumentTTL:  5 * time.Minute,
		},
		Kafka: Kafka{
			Topic: "didregistry.subject-events",
		},
		RateLimit: RateLimit{
			Enabled:    true,
			ReadLimit:  100,
			WriteLimit: 50,
			Window:     time.Minute,
		},
	}
}

// FromEnv loads .env (if present), the YAML file named by DIDREGISTRY_CONFIG
// (if set) and then environment overrides.
func FromEnv() (Server, error) {
	_ = godotenv.Load(".env")
	return Load(os.Getenv("DIDREGISTRY_CONFIG"))
}

// Load builds a config from defaults, an optional YAML file and the
// environment. Environment values win over the file.
func Load(path string) (Server, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Server{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Server{}, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Server{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Server) error {
	setString(&cfg.Addr, "DIDREGISTRY_ADDR")
	setString(&cfg.MetricsAddr, "DIDREGISTRY_METRICS_ADDR")
	setString(&cfg.HostToken.Secret, "HOST_TOKEN_SECRET")
	setString(&cfg.HostToken.Issuer, "HOST_TOKEN_ISSUER")
	setString(&cfg.HostToken.Audience, "HOST_TOKEN_AUDIENCE")
	setString(&cfg.Store.Backend, "STORE_BACKEND")
	setString(&cfg.Store.PebblePath, "PEBBLE_PATH")
	setString(&cfg.Store.PostgresDSN, "DATABASE_URL")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Kafka.Topic, "KAFKA_TOPIC")
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	if err := setDuration(&cfg.HostToken.TTL, "HOST_TOKEN_TTL"); err != nil {
		return err
	}
	if err := setDuration(&cfg.Redis.DocumentTTL, "DOCUMENT_CACHE_TTL"); err != nil {
		return err
	}
	if err := setBool(&cfg.RateLimit.Enabled, "RATE_LIMIT_ENABLED"); err != nil {
		return err
	}
	if err := setInt(&cfg.RateLimit.ReadLimit, "RATE_LIMIT_READ"); err != nil {
		return err
	}
	if err := setInt(&cfg.RateLimit.WriteLimit, "RATE_LIMIT_WRITE"); err != nil {
		return err
	}
	if err := setDuration(&cfg.RateLimit.Window, "RATE_LIMIT_WINDOW"); err != nil {
		return err
	}
	if err := setBool(&cfg.Log.Debug, "LOG_DEBUG"); err != nil {
		return err
	}
	return setBool(&cfg.Log.JSON, "LOG_JSON")
}

// Validate rejects configurations the server cannot start with.
func (c Server) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendPebble:
		if c.Store.PebblePath == "" {
			errs = append(errs, errors.New("pebble store requires pebble_path"))
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres store requires postgres_dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.HostToken.Secret == "" {
		errs = append(errs, errors.New("host token secret is required"))
	}
	if c.HostToken.TTL <= 0 {
		errs = append(errs, errors.New("host token ttl must be positive"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.ReadLimit <= 0 || c.RateLimit.WriteLimit <= 0 || c.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("rate limits and window must be positive when enabled"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func splitList(v string) []string {
	var out []string
	for part := range strings.SplitSeq(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
