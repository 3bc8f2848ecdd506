// Package config loads esimflow settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the process configuration.
type Config struct {
	Port            string        `env:"PORT" envDefault:"8080"`
	DatabasePath    string        `env:"DATABASE_PATH" envDefault:"esimflow.db"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER" envDefault:"esimflow"`

	// ExecutorCommand is split on spaces; empty selects the simulated executor.
	ExecutorCommand           []string      `env:"EXECUTOR_COMMAND" envSeparator:" "`
	ExecutorDeployTimeout     time.Duration `env:"EXECUTOR_DEPLOY_TIMEOUT" envDefault:"5m"`
	ExecutorDeactivateTimeout time.Duration `env:"EXECUTOR_DEACTIVATE_TIMEOUT" envDefault:"2m"`

	VerifyAttempts    int           `env:"VERIFY_ATTEMPTS" envDefault:"6"`
	VerifyDelay       time.Duration `env:"VERIFY_DELAY" envDefault:"2s"`
	VerifyMaxDelay    time.Duration `env:"VERIFY_MAX_DELAY" envDefault:"30s"`
	VerifyMaxDuration time.Duration `env:"VERIFY_MAX_DURATION" envDefault:"2m"`

	ArtifactTTL           time.Duration `env:"ARTIFACT_TTL" envDefault:"24h"`
	ArtifactPurgeInterval time.Duration `env:"ARTIFACT_PURGE_INTERVAL" envDefault:"1h"`

	MetricsPrefix string `env:"METRICS_PREFIX" envDefault:"esimflow"`
}

// Load reads an optional .env file from the working directory, then parses
// the environment. Variables already set win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

// RequireJWT reports an error when no signing secret is configured. Commands
// that issue or verify tokens call it; tenant administration does not.
func (c Config) RequireJWT() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	return nil
}
