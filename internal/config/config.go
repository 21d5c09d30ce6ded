// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Per-user cap policies accepted by CAP_POLICY.
const (
	CapEvictOldest = "evict_oldest"
	CapReject      = "reject"
)

// Config is the full server configuration. Every field can be set through
// the environment; a .env file in the working directory is loaded first.
type Config struct {
	ListenAddr   string        `env:"LISTEN_ADDR" envDefault:":8080"`
	ServerName   string        `env:"SERVER_NAME"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"60s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	MaxFrameSize int64         `env:"MAX_FRAME_SIZE" envDefault:"65536"`
	// MaxConnections caps the total number of connections on this node.
	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"100000"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"DB_DSN" envDefault:"file:messenger.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"`
	// AutoMigrate applies pending migrations on startup.
	AutoMigrate bool `env:"AUTO_MIGRATE" envDefault:"true"`

	RedisAddr string `env:"REDIS_ADDR"`
	NATSURL   string `env:"NATS_URL"`

	JWTSecret string `env:"JWT_SECRET"`

	MaxConnectionsPerUser int           `env:"MAX_CONNECTIONS_PER_USER" envDefault:"8"`
	CapPolicy             string        `env:"CAP_POLICY" envDefault:"evict_oldest"`
	SendQueueSize         int           `env:"SEND_QUEUE_SIZE" envDefault:"64"`
	TypingTTL             time.Duration `env:"TYPING_TTL" envDefault:"5s"`
	TypingSweepInterval   time.Duration `env:"TYPING_SWEEP_INTERVAL" envDefault:"1s"`
	PresenceGrace         time.Duration `env:"PRESENCE_GRACE" envDefault:"5s"`
	StoreTimeout          time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	MembershipCacheTTL    time.Duration `env:"MEMBERSHIP_CACHE_TTL" envDefault:"2s"`
	PresenceTTL           time.Duration `env:"PRESENCE_TTL" envDefault:"5m"`
	HeartbeatInterval     time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout      time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`
}

// Load reads an optional .env file and parses the environment into Config.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "ws-1"
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	switch {
	case c.DBDriver != "postgres" && c.DBDriver != "sqlite":
		return fmt.Errorf("config: DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	case c.JWTSecret == "":
		return errors.New("config: JWT_SECRET is required")
	case c.MaxConnectionsPerUser < 1:
		return fmt.Errorf("config: MAX_CONNECTIONS_PER_USER must be positive, got %d", c.MaxConnectionsPerUser)
	case c.CapPolicy != CapEvictOldest && c.CapPolicy != CapReject:
		return fmt.Errorf("config: CAP_POLICY must be %s or %s, got %q", CapEvictOldest, CapReject, c.CapPolicy)
	case c.MaxConnections < 1:
		return fmt.Errorf("config: MAX_CONNECTIONS must be positive, got %d", c.MaxConnections)
	case c.SendQueueSize < 1:
		return fmt.Errorf("config: SEND_QUEUE_SIZE must be positive, got %d", c.SendQueueSize)
	case c.TypingTTL <= 0 || c.TypingSweepInterval <= 0:
		return errors.New("config: typing TTL and sweep interval must be positive")
	case c.PresenceGrace < 0:
		return errors.New("config: PRESENCE_GRACE must not be negative")
	case c.StoreTimeout <= 0:
		return errors.New("config: STORE_TIMEOUT must be positive")
	}
	return nil
}
