package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Queue backends understood by the relay.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Config holds all configuration for the router and relay binaries.
type Config struct {
	Env    string       `yaml:"env" envconfig:"ENV"`
	Log    LogConfig    `yaml:"log"`
	Router RouterConfig `yaml:"router"`
	Relay  RelayConfig  `yaml:"relay"`
	Queue  QueueConfig  `yaml:"queue"`
}

// LogConfig configures the zerolog logger.
type LogConfig struct {
	Level string `yaml:"level" envconfig:"LOG_LEVEL"`
}

// RouterConfig configures the presence router.
type RouterConfig struct {
	Addr         string        `yaml:"addr" envconfig:"ROUTER_ADDR"`
	AdminAddr    string        `yaml:"admin_addr" envconfig:"ROUTER_ADMIN_ADDR"`
	RelayAddr    string        `yaml:"relay_addr" envconfig:"RELAY_ADDR"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" envconfig:"ROUTER_IDLE_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"ROUTER_WRITE_TIMEOUT"`

	// Catch-up worker pool
	CatchUpWorkers int `yaml:"catchup_workers" envconfig:"ROUTER_CATCHUP_WORKERS"`
	CatchUpQueue   int `yaml:"catchup_queue" envconfig:"ROUTER_CATCHUP_QUEUE"`
	FetchLimit     int `yaml:"fetch_limit" envconfig:"ROUTER_FETCH_LIMIT"`

	// Relay RPC budgets
	RelayPoolSize   int           `yaml:"relay_pool_size" envconfig:"ROUTER_RELAY_POOL_SIZE"`
	RegisterTimeout time.Duration `yaml:"register_timeout" envconfig:"ROUTER_REGISTER_TIMEOUT"`
	SendTimeout     time.Duration `yaml:"send_timeout" envconfig:"ROUTER_SEND_TIMEOUT"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" envconfig:"ROUTER_FETCH_TIMEOUT"`
}

// RelayConfig configures the offline relay service.
type RelayConfig struct {
	Addr         string        `yaml:"addr" envconfig:"RELAY_LISTEN_ADDR"`
	AdminAddr    string        `yaml:"admin_addr" envconfig:"RELAY_ADMIN_ADDR"`
	ReadTimeout  time.Duration `yaml:"read_timeout" envconfig:"RELAY_READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" envconfig:"RELAY_WRITE_TIMEOUT"`
	FetchLimit   int           `yaml:"fetch_limit" envconfig:"RELAY_FETCH_LIMIT"`
}

// QueueConfig configures the durable queue backend and the gateway in
// front of it.
type QueueConfig struct {
	Backend    string `yaml:"backend" envconfig:"QUEUE_BACKEND"`
	URL        string `yaml:"url" envconfig:"QUEUE_URL"`
	SQLitePath string `yaml:"sqlite_path" envconfig:"QUEUE_SQLITE_PATH"`
	MaxDepth   int    `yaml:"max_depth" envconfig:"QUEUE_MAX_DEPTH"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" envconfig:"QUEUE_CONNECT_TIMEOUT"`
	CreateTimeout  time.Duration `yaml:"create_timeout" envconfig:"QUEUE_CREATE_TIMEOUT"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout" envconfig:"QUEUE_ENQUEUE_TIMEOUT"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout" envconfig:"QUEUE_FETCH_TIMEOUT"`

	BackoffInitial time.Duration `yaml:"backoff_initial" envconfig:"QUEUE_BACKOFF_INITIAL"`
	BackoffMax     time.Duration `yaml:"backoff_max" envconfig:"QUEUE_BACKOFF_MAX"`
	HealthInterval time.Duration `yaml:"health_interval" envconfig:"QUEUE_HEALTH_INTERVAL"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Env: "development",
		Log: LogConfig{Level: "info"},
		Router: RouterConfig{
			Addr:            ":5000",
			AdminAddr:       ":5080",
			RelayAddr:       "127.0.0.1:6000",
			IdleTimeout:     120 * time.Second,
			WriteTimeout:    5 * time.Second,
			CatchUpWorkers:  8,
			CatchUpQueue:    256,
			FetchLimit:      500,
			RelayPoolSize:   16,
			RegisterTimeout: 10 * time.Second,
			SendTimeout:     5 * time.Second,
			FetchTimeout:    15 * time.Second,
		},
		Relay: RelayConfig{
			Addr:         ":6000",
			AdminAddr:    ":6080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Second,
			FetchLimit:   500,
		},
		Queue: QueueConfig{
			Backend:        BackendRedis,
			URL:            "redis://localhost:6379/0",
			SQLitePath:     "./data/queues.db",
			MaxDepth:       1000,
			ConnectTimeout: 10 * time.Second,
			CreateTimeout:  10 * time.Second,
			EnqueueTimeout: 5 * time.Second,
			FetchTimeout:   10 * time.Second,
			BackoffInitial: 500 * time.Millisecond,
			BackoffMax:     30 * time.Second,
			HealthInterval: 15 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// the environment, in increasing order of precedence. A .env file in the
// working directory is loaded first if present.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if configPath != "" {
		if err := loadFromFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)

	return decoder.Decode(cfg)
}

// Validate checks the configuration for values the services cannot run with.
func (c *Config) Validate() error {
	if c.Router.Addr == "" {
		return fmt.Errorf("router address is required")
	}
	if c.Router.RelayAddr == "" {
		return fmt.Errorf("relay address is required")
	}
	if c.Relay.Addr == "" {
		return fmt.Errorf("relay listen address is required")
	}
	if c.Router.CatchUpWorkers <= 0 || c.Router.CatchUpQueue <= 0 {
		return fmt.Errorf("catch-up pool needs at least one worker and one queue slot")
	}
	if c.Router.FetchLimit <= 0 || c.Relay.FetchLimit <= 0 {
		return fmt.Errorf("fetch limit must be positive")
	}
	if c.Router.RelayPoolSize <= 0 {
		return fmt.Errorf("relay pool size must be positive")
	}

	switch c.Queue.Backend {
	case BackendRedis, BackendPostgres:
		if c.Queue.URL == "" {
			return fmt.Errorf("queue url is required for backend %q", c.Queue.Backend)
		}
	case BackendSQLite:
		if c.Queue.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for backend %q", c.Queue.Backend)
		}
	case BackendMemory:
		if c.IsProduction() {
			return fmt.Errorf("memory queue backend is not durable and cannot run in production")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}

	if c.Queue.MaxDepth < 0 {
		return fmt.Errorf("queue max depth cannot be negative")
	}
	if c.Queue.BackoffInitial <= 0 || c.Queue.BackoffMax < c.Queue.BackoffInitial {
		return fmt.Errorf("invalid queue backoff %s..%s", c.Queue.BackoffInitial, c.Queue.BackoffMax)
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
