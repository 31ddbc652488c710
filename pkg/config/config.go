// Package config loads daemon configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the relayd runtime configuration.
type Config struct {
	// ListenAddr is the control API listen address.
	ListenAddr string `env:"RELAY_ADDR" envDefault:":8090"`

	// DatabaseURL selects the durable store backend.
	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite:file:relay.sqlite?cache=shared&_pragma=busy_timeout(5000)"`

	// CachePath is the bbolt cache database location.
	CachePath string `env:"RELAY_CACHE_PATH" envDefault:"relay-cache.db"`

	// RemoteBaseURL is the safety service the sync engine delivers to.
	RemoteBaseURL string `env:"RELAY_REMOTE_URL" envDefault:"https://sync.navraksha.example"`

	// ShellURL is the application shell served to offline navigations.
	ShellURL string `env:"RELAY_SHELL_URL" envDefault:"https://app.navraksha.example/index.html"`

	// StaticAssets are the always-cache-first request identities.
	StaticAssets []string `env:"RELAY_STATIC_ASSETS" envSeparator:"," envDefault:"/index.html,/styles.css,/app.js,/manifest.json"`

	// StaticVersion names the static cache generation staged at startup.
	StaticVersion string `env:"RELAY_STATIC_VERSION" envDefault:"v1"`

	DeliveryTimeout time.Duration `env:"RELAY_DELIVERY_TIMEOUT" envDefault:"10s"`
	FetchTimeout    time.Duration `env:"RELAY_FETCH_TIMEOUT" envDefault:"15s"`
	DrainInterval   time.Duration `env:"RELAY_DRAIN_INTERVAL" envDefault:"1m"`
	SweepInterval   time.Duration `env:"RELAY_SWEEP_INTERVAL" envDefault:"1h"`
	ProbeInterval   time.Duration `env:"RELAY_PROBE_INTERVAL" envDefault:"30s"`

	// OTelStdout enables the stdout trace exporter for local runs.
	OTelStdout bool `env:"RELAY_OTEL_STDOUT" envDefault:"false"`
}

// FromEnv loads configuration from environment variables.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
