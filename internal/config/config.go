// Package config loads the CLI's runtime configuration: registry
// credentials, environment selector, worker concurrency, logging and
// the plugin names to register (spec §6.1). Nothing here is read by the compiler itself —
// FLOE_ENV is explicitly a runtime-only selector, never consulted at
// compile time (spec §6.1).
package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/floe-dev/floe/internal/ferrors"
)

// RegistryConfig carries OCI registry connection details, normally
// sourced from OCI_REGISTRY_* environment variables.
type RegistryConfig struct {
	Address  string `yaml:"address"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Insecure bool   `yaml:"insecure"`
}

// Config is the top-level CLI configuration document.
type Config struct {
	Environment string              `yaml:"environment"`
	Registry    RegistryConfig      `yaml:"registry"`
	Concurrency int                 `yaml:"concurrency"`
	Logging     LoggingConfig       `yaml:"logging"`
	Plugins     map[string][]string `yaml:"plugins"`
}

// LoggingConfig controls the telemetry logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Debug bool   `yaml:"debug"`
}

// defaults mirrors spec §5's stated defaults: bounded concurrency 8.
func defaults() Config {
	return Config{
		Environment: "production",
		Concurrency: 8,
		Logging:     LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML config file (if path is non-empty) and layers
// environment variable overrides on top: FLOE_ENV, OCI_REGISTRY_ADDRESS,
// OCI_REGISTRY_USERNAME, OCI_REGISTRY_PASSWORD (spec §6.1).
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, ferrors.Wrap(err, ferrors.KindSchema, "failed to read config file")
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, ferrors.Wrap(err, ferrors.KindSchema, "failed to parse config file")
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLOE_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("OCI_REGISTRY_ADDRESS"); v != "" {
		cfg.Registry.Address = v
	}
	if v := os.Getenv("OCI_REGISTRY_USERNAME"); v != "" {
		cfg.Registry.Username = v
	}
	if v := os.Getenv("OCI_REGISTRY_PASSWORD"); v != "" {
		cfg.Registry.Password = v
	}
}
