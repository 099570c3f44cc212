// Package config loads service configuration from defaults, an optional YAML
// file named by DTE_CONFIG_FILE, and environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	pstrings "dtesync/pkg/platform/strings"
)

// Config is the full service configuration.
type Config struct {
	Server      Server      `yaml:"server"`
	Log         Log         `yaml:"log"`
	Store       Store       `yaml:"store"`
	Redis       RedisConfig `yaml:"redis"`
	Authority   Authority   `yaml:"authority"`
	Contingency Contingency `yaml:"contingency"`
	Tracking    Tracking    `yaml:"tracking"`
	Kafka       Kafka       `yaml:"kafka"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// WSOrigins are the origin patterns accepted by the event stream.
	WSOrigins []string `yaml:"ws_origins"`
	// AdminToken guards the operator endpoints. Empty disables the check.
	AdminToken string `yaml:"admin_token"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Store selects the durable KV backend. See kvstore.Open for DSN forms.
type Store struct {
	DSN          string `yaml:"dsn"`
	Table        string `yaml:"table"`
	KeyNamespace string `yaml:"key_namespace"`
}

// RedisConfig tunes the connection pool when Store.DSN is a redis URL.
type RedisConfig struct {
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type Authority struct {
	BaseURL       string        `yaml:"base_url"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	Timeout       time.Duration `yaml:"timeout"`
	HealthTimeout time.Duration `yaml:"health_timeout"`
	TokenSkew     time.Duration `yaml:"token_skew"`
}

type Contingency struct {
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	MaxAttempts      int           `yaml:"max_attempts"`
	RetentionWindow  time.Duration `yaml:"retention_window"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffMax       time.Duration `yaml:"backoff_max"`
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	// AutoStart runs the sweep from boot instead of waiting for an enqueue.
	AutoStart bool `yaml:"auto_start"`
}

type Tracking struct {
	PollingInterval time.Duration `yaml:"polling_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	Timeout         time.Duration `yaml:"timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// Kafka enables the event sink when Brokers is set.
type Kafka struct {
	Brokers     []string `yaml:"brokers"`
	Topic       string   `yaml:"topic"`
	ClientID    string   `yaml:"client_id"`
	EnsureTopic bool     `yaml:"ensure_topic"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Server: Server{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Log:    Log{Level: "info", Format: "json"},
		Store:  Store{DSN: "file://./data/dte-kv.json"},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Authority: Authority{
			Timeout:       30 * time.Second,
			HealthTimeout: 5 * time.Second,
			TokenSkew:     time.Minute,
		},
		Contingency: Contingency{
			SweepInterval:    time.Minute,
			MaxAttempts:      5,
			RetentionWindow:  7 * 24 * time.Hour,
			RequestTimeout:   30 * time.Second,
			FailureThreshold: 1,
			SuccessThreshold: 1,
			CleanupInterval:  time.Hour,
		},
		Tracking: Tracking{
			PollingInterval: 5 * time.Second,
			MaxRetries:      10,
			Timeout:         5 * time.Minute,
			RequestTimeout:  30 * time.Second,
		},
		Kafka: Kafka{Topic: "dte.tracking.events", ClientID: "dtesync", EnsureTopic: true},
	}
}

// FromEnv builds the configuration so main stays lean.
func FromEnv() (Config, error) {
	return Load(os.Getenv("DTE_CONFIG_FILE"), os.LookupEnv)
}

// Load applies the YAML file at path (if any) and then the variables
// returned by lookup over the defaults.
func Load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	e := envReader{lookup: lookup}
	e.str("DTE_ADDR", &cfg.Server.Addr)
	e.duration("DTE_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	e.list("DTE_WS_ORIGINS", &cfg.Server.WSOrigins)
	e.str("DTE_ADMIN_TOKEN", &cfg.Server.AdminToken)
	e.str("DTE_LOG_LEVEL", &cfg.Log.Level)
	e.str("DTE_LOG_FORMAT", &cfg.Log.Format)
	e.str("DTE_STORE_DSN", &cfg.Store.DSN)
	e.str("DTE_STORE_TABLE", &cfg.Store.Table)
	e.str("DTE_STORE_NAMESPACE", &cfg.Store.KeyNamespace)
	e.integer("DTE_REDIS_POOL_SIZE", &cfg.Redis.PoolSize)
	e.str("DTE_AUTHORITY_URL", &cfg.Authority.BaseURL)
	e.str("DTE_AUTHORITY_USER", &cfg.Authority.User)
	e.str("DTE_AUTHORITY_PASSWORD", &cfg.Authority.Password)
	e.duration("DTE_AUTHORITY_TIMEOUT", &cfg.Authority.Timeout)
	e.duration("DTE_SWEEP_INTERVAL", &cfg.Contingency.SweepInterval)
	e.integer("DTE_MAX_ATTEMPTS", &cfg.Contingency.MaxAttempts)
	e.duration("DTE_RETENTION_WINDOW", &cfg.Contingency.RetentionWindow)
	e.duration("DTE_BACKOFF_BASE", &cfg.Contingency.BackoffBase)
	e.boolean("DTE_AUTO_SUBMIT", &cfg.Contingency.AutoStart)
	e.duration("DTE_POLLING_INTERVAL", &cfg.Tracking.PollingInterval)
	e.integer("DTE_TRACKING_MAX_RETRIES", &cfg.Tracking.MaxRetries)
	e.duration("DTE_TRACKING_TIMEOUT", &cfg.Tracking.Timeout)
	e.list("DTE_KAFKA_BROKERS", &cfg.Kafka.Brokers)
	e.str("DTE_KAFKA_TOPIC", &cfg.Kafka.Topic)
	if e.err != nil {
		return Config{}, e.err
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	if c.Authority.BaseURL == "" {
		return fmt.Errorf("authority base URL is required (DTE_AUTHORITY_URL)")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store DSN is required (DTE_STORE_DSN)")
	}
	if c.Contingency.MaxAttempts < 0 || c.Tracking.MaxRetries < 0 {
		return fmt.Errorf("retry limits cannot be negative")
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka topic is required when brokers are set")
	}
	return nil
}

// envReader records the first malformed variable.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	if e.err != nil || e.lookup == nil {
		return "", false
	}
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	*dst = pstrings.SplitList(v, ",")
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = d
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = n
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.err = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = b
}
