// Package config loads chatsvc's runtime configuration, laid out the way
// the teacher's config.go does: one tagged struct, env+dotenv loading,
// validation, and both human-readable and structured dump helpers.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server identity
	Addr        string `env:"CHATSVC_ADDR" envDefault:":8080"`
	ServiceKey  string `env:"CHATSVC_SERVICE_KEY" envDefault:""`
	Hostname    string `env:"CHATSVC_HOSTNAME" envDefault:""`
	Address     string `env:"CHATSVC_ADVERTISE_ADDRESS" envDefault:"127.0.0.1"`
	Port        int    `env:"CHATSVC_ADVERTISE_PORT" envDefault:"8080"`
	AuthSecret  string `env:"CHATSVC_AUTH_SECRET" envDefault:""`
	DatabaseURL string `env:"CHATSVC_DATABASE_URL" envDefault:""`
	NATSURL     string `env:"CHATSVC_NATS_URL" envDefault:"nats://127.0.0.1:4222"`

	// Hashring
	HashringPositionsPerNode int `env:"HASHRING_POSITIONS_PER_NODE" envDefault:"3"`

	// Replication (spec.md §4.5 / §6)
	ReplicationN                int           `env:"REPLICATION_N" envDefault:"2"`
	ReplicationW                int           `env:"REPLICATION_W" envDefault:"1"`
	ReplicationPoolSize         int           `env:"REPLICATION_POOL_SIZE" envDefault:"20"`
	ReplicationQueueSize        int           `env:"REPLICATION_QUEUE_SIZE" envDefault:"100"`
	ReplicationTimeout          time.Duration `env:"REPLICATION_TIMEOUT" envDefault:"5s"`
	ReplicationMaxConnsPerPeer  int           `env:"REPLICATION_MAX_CONNS_PER_PEER" envDefault:"1"`
	ReplicationMaxErrors        int           `env:"REPLICATION_MAX_ERRORS" envDefault:"2"`
	ReplicationAllowSameHost    bool          `env:"REPLICATION_ALLOW_SAME_HOST" envDefault:"false"`

	// Polling / idle detection
	LongPollWait  time.Duration `env:"LONG_POLL_WAIT" envDefault:"10s"`
	IdleThreshold time.Duration `env:"IDLE_THRESHOLD" envDefault:"20s"`

	// Chat lifecycle
	ExpirationGrace time.Duration `env:"EXPIRATION_GRACE" envDefault:"360s"`

	// Garbage collection
	GCInterval time.Duration `env:"GC_INTERVAL" envDefault:"60s"`
	GCThrottle time.Duration `env:"GC_THROTTLE" envDefault:"100ms"`

	// Persistence / archive store
	PersistWorkerCount int `env:"PERSIST_WORKER_COUNT" envDefault:"4"`
	PersistQueueSize   int `env:"PERSIST_QUEUE_SIZE" envDefault:"100"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and the
// environment. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		} else {
			fmt.Println("info: no .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("configuration loaded and validated successfully")
	}
	return cfg, nil
}

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("CHATSVC_ADDR is required")
	}
	if c.ReplicationN < 1 {
		return fmt.Errorf("REPLICATION_N must be >= 1, got %d", c.ReplicationN)
	}
	if c.ReplicationW < 1 || c.ReplicationW > c.ReplicationN {
		return fmt.Errorf("REPLICATION_W must be between 1 and REPLICATION_N (%d), got %d", c.ReplicationN, c.ReplicationW)
	}
	if c.ReplicationPoolSize < 1 {
		return fmt.Errorf("REPLICATION_POOL_SIZE must be > 0, got %d", c.ReplicationPoolSize)
	}
	if c.ReplicationMaxConnsPerPeer < 1 {
		return fmt.Errorf("REPLICATION_MAX_CONNS_PER_PEER must be > 0, got %d", c.ReplicationMaxConnsPerPeer)
	}
	if c.HashringPositionsPerNode < 1 {
		return fmt.Errorf("HASHRING_POSITIONS_PER_NODE must be > 0, got %d", c.HashringPositionsPerNode)
	}
	if c.GCInterval <= 0 {
		return fmt.Errorf("GC_INTERVAL must be > 0, got %s", c.GCInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// Print logs configuration for debugging (human-readable format).
func (c *Config) Print() {
	fmt.Println("=== chatsvc configuration ===")
	fmt.Printf("Environment:       %s\n", c.Environment)
	fmt.Printf("Addr:              %s\n", c.Addr)
	fmt.Printf("Service key:       %s\n", c.ServiceKey)
	fmt.Printf("Advertise:         %s:%d\n", c.Address, c.Port)
	fmt.Printf("NATS URL:          %s\n", c.NATSURL)
	fmt.Println("--- replication ---")
	fmt.Printf("N=%d W=%d pool=%d queue=%d timeout=%s maxConnsPerPeer=%d maxErrors=%d allowSameHost=%v\n",
		c.ReplicationN, c.ReplicationW, c.ReplicationPoolSize, c.ReplicationQueueSize,
		c.ReplicationTimeout, c.ReplicationMaxConnsPerPeer, c.ReplicationMaxErrors, c.ReplicationAllowSameHost)
	fmt.Println("--- lifecycle ---")
	fmt.Printf("longPollWait=%s idleThreshold=%s expirationGrace=%s gcInterval=%s gcThrottle=%s\n",
		c.LongPollWait, c.IdleThreshold, c.ExpirationGrace, c.GCInterval, c.GCThrottle)
	fmt.Println("==============================")
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("service_key", c.ServiceKey).
		Str("advertise_address", c.Address).
		Int("advertise_port", c.Port).
		Str("nats_url", c.NATSURL).
		Int("replication_n", c.ReplicationN).
		Int("replication_w", c.ReplicationW).
		Int("replication_pool_size", c.ReplicationPoolSize).
		Dur("replication_timeout", c.ReplicationTimeout).
		Int("replication_max_conns_per_peer", c.ReplicationMaxConnsPerPeer).
		Int("replication_max_errors", c.ReplicationMaxErrors).
		Bool("replication_allow_same_host", c.ReplicationAllowSameHost).
		Dur("long_poll_wait", c.LongPollWait).
		Dur("idle_threshold", c.IdleThreshold).
		Dur("expiration_grace", c.ExpirationGrace).
		Dur("gc_interval", c.GCInterval).
		Dur("gc_throttle", c.GCThrottle).
		Int("hashring_positions_per_node", c.HashringPositionsPerNode).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("chatsvc configuration loaded")
}
