// Package config reads the service configuration from the environment. The
// supervisor that launches the process communicates exclusively through these
// variables, so there is no config file and no flag surface beyond what
// cmd/server defines for development.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
)

// ErrTokenMissing marks an absent or too-short APP_TOKEN. main maps it to
// exit code 2, which the supervisor treats differently from ordinary startup
// failures.
var ErrTokenMissing = errors.New("APP_TOKEN is required and must be at least 16 characters")

const minTokenLen = 16

// Config is the full environment surface. Integer fields keep the unit their
// variable name carries; accessor methods return time.Duration.
type Config struct {
	Token string `env:"APP_TOKEN"`

	Host string `env:"HOST" envDefault:"127.0.0.1"`
	Port int    `env:"PORT" envDefault:"5000"`

	QueueMaxSize      int  `env:"QUEUE_MAX_SIZE" envDefault:"1000"`
	MaxWorkers        int  `env:"MAX_WORKERS" envDefault:"5"`
	PollIntervalMS    int  `env:"POLL_INTERVAL_MS" envDefault:"100"`
	DefaultTimeoutMS  int  `env:"DEFAULT_TIMEOUT_MS" envDefault:"10000"`
	MaxRetries        int  `env:"MAX_RETRIES" envDefault:"3"`
	HeartbeatTimeoutS int  `env:"HEARTBEAT_TIMEOUT_S" envDefault:"120"`
	ShutdownGraceS    int  `env:"SHUTDOWN_GRACE_S" envDefault:"10"`
	StoreTTLS         int  `env:"STORE_TTL_S" envDefault:"3600"`
	StrictTargetCheck bool `env:"STRICT_TARGET_CHECK" envDefault:"true"`

	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	MQTTBrokerURL string `env:"MQTT_BROKER_URL" envDefault:"tcp://127.0.0.1:1883"`
}

// FromEnv parses and validates the environment.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces ranges. The token check comes first so the distinct exit
// code survives even when other variables are also wrong.
func (c *Config) Validate() error {
	if len(c.Token) < minTokenLen {
		return ErrTokenMissing
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if c.QueueMaxSize < 1 {
		return fmt.Errorf("QUEUE_MAX_SIZE must be positive, got %d", c.QueueMaxSize)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("MAX_WORKERS must be positive, got %d", c.MaxWorkers)
	}
	if c.PollIntervalMS < 1 {
		return fmt.Errorf("POLL_INTERVAL_MS must be positive, got %d", c.PollIntervalMS)
	}
	if c.DefaultTimeoutMS < 1 {
		return fmt.Errorf("DEFAULT_TIMEOUT_MS must be positive, got %d", c.DefaultTimeoutMS)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.HeartbeatTimeoutS < 1 {
		return fmt.Errorf("HEARTBEAT_TIMEOUT_S must be positive, got %d", c.HeartbeatTimeoutS)
	}
	if c.ShutdownGraceS < 0 {
		return fmt.Errorf("SHUTDOWN_GRACE_S must not be negative, got %d", c.ShutdownGraceS)
	}
	if c.StoreTTLS < 1 {
		return fmt.Errorf("STORE_TTL_S must be positive, got %d", c.StoreTTLS)
	}
	return nil
}

// ListenAddr is the host:port the HTTP server binds. The default host is
// loopback only; exposing the service further is the supervisor's decision.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMS) * time.Millisecond
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutS) * time.Second
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceS) * time.Second
}

func (c *Config) StoreTTL() time.Duration {
	return time.Duration(c.StoreTTLS) * time.Second
}
