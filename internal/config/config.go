// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/trackfast/support-chat/internal/ws"
)

// Config holds every setting of the chat server. Empty DatabaseURL, RedisAddr
// or NATSURL select the in-process fallback for that dependency.
type Config struct {
	ListenAddr     string        `env:"LISTEN_ADDR" envDefault:":8080"`
	WorkerPoolSize int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"100000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisAddr   string `env:"REDIS_ADDR"`
	NATSURL     string `env:"NATS_URL"`
	ServerName  string `env:"SERVER_NAME"`

	JWTSecret        string        `env:"JWT_SECRET,notEmpty"`
	TokenTTL         time.Duration `env:"TOKEN_TTL" envDefault:"8h"`
	OwnershipTimeout time.Duration `env:"OWNERSHIP_TIMEOUT" envDefault:"2s"`

	SupervisorID    string `env:"SUPERVISOR_ID"`
	SupervisorEmail string `env:"SUPERVISOR_EMAIL"`
}

// Load reads an optional .env file and then parses the environment. Variables
// already set in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
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
		cfg.ServerName = "chat-1"
	}
	if (cfg.SupervisorID == "") != (cfg.SupervisorEmail == "") {
		return Config{}, errors.New("config: SUPERVISOR_ID and SUPERVISOR_EMAIL must be set together")
	}
	return cfg, nil
}

// Server returns the WebSocket server settings.
func (c Config) Server() ws.ServerConfig {
	sc := ws.DefaultServerConfig()
	sc.ListenAddr = c.ListenAddr
	if c.WorkerPoolSize > 0 {
		sc.WorkerPoolSize = c.WorkerPoolSize
	}
	if c.MaxConnections > 0 {
		sc.MaxConnections = c.MaxConnections
	}
	if c.ReadTimeout > 0 {
		sc.ReadTimeout = c.ReadTimeout
	}
	if c.WriteTimeout > 0 {
		sc.WriteTimeout = c.WriteTimeout
	}
	return sc
}
