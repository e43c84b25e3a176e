// Package config loads the relay process's environment-derived
// configuration.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every tunable the relay reads from its environment.
type Config struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	BaseDomain      string        `env:"BASE_DOMAIN" envDefault:"agent.osaurus.ai"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"text"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses Config from the process environment, applying defaults for
// anything unset.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return c, nil
}
