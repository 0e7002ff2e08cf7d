package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL,required"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	CodeTTLSeconds              int `env:"CODE_TTL_SECONDS" envDefault:"300"`
	HeartbeatIntervalSeconds    int `env:"HEARTBEAT_INTERVAL_SECONDS" envDefault:"20"`
	ReapThresholdSeconds        int `env:"REAP_THRESHOLD_SECONDS" envDefault:"60"`
	ReaperIntervalSeconds       int `env:"REAPER_INTERVAL_SECONDS" envDefault:"15"`
	PresenceTTLSeconds          int `env:"PRESENCE_TTL_SECONDS" envDefault:"60"`
	PendingMarkerTimeoutSeconds int `env:"PENDING_MARKER_TIMEOUT_SECONDS" envDefault:"10"`
}

func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.CodeTTLSeconds) * time.Second
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c *Config) ReapThreshold() time.Duration {
	return time.Duration(c.ReapThresholdSeconds) * time.Second
}

func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSeconds) * time.Second
}

func (c *Config) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSeconds) * time.Second
}

func (c *Config) PendingMarkerTimeout() time.Duration {
	return time.Duration(c.PendingMarkerTimeoutSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate rejects timeout combinations that would reap healthy clients.
// The reap threshold must tolerate at least one missed heartbeat.
func (c *Config) Validate() error {
	if c.CodeTTLSeconds <= 0 {
		return fmt.Errorf("CODE_TTL_SECONDS must be positive")
	}
	if c.HeartbeatIntervalSeconds <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL_SECONDS must be positive")
	}
	if c.ReapThresholdSeconds < 2*c.HeartbeatIntervalSeconds {
		return fmt.Errorf(
			"REAP_THRESHOLD_SECONDS (%d) must be at least twice HEARTBEAT_INTERVAL_SECONDS (%d)",
			c.ReapThresholdSeconds, c.HeartbeatIntervalSeconds,
		)
	}
	if c.PresenceTTLSeconds < 2*c.HeartbeatIntervalSeconds {
		return fmt.Errorf(
			"PRESENCE_TTL_SECONDS (%d) must be at least twice HEARTBEAT_INTERVAL_SECONDS (%d)",
			c.PresenceTTLSeconds, c.HeartbeatIntervalSeconds,
		)
	}
	if c.ReaperIntervalSeconds <= 0 {
		return fmt.Errorf("REAPER_INTERVAL_SECONDS must be positive")
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
