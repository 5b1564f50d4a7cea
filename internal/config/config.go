// Package config loads layered configuration: compiled defaults, a JSON
// file backend at $XDG_CONFIG_HOME/leadscout/config.json, then LEADSCOUT_*
// environment overrides. Provider API keys are secrets and come from the
// environment only.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Providers ProvidersConfig
	Jobs      JobsConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type ProvidersConfig struct {
	Apollo     ProviderConfig
	Hunter     ProviderConfig
	Perplexity PerplexityConfig
}

// ProviderConfig configures one HTTP email provider. A provider with an
// empty APIKey is left out of the registry.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	RPS     float64
}

type PerplexityConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	RPS     float64
}

type JobsConfig struct {
	PollInterval  string
	StuckAfter    string
	RetentionDays int
	Workers       int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4200,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Providers: ProvidersConfig{
			Apollo:     ProviderConfig{BaseURL: "https://api.apollo.io", RPS: 0.5},
			Hunter:     ProviderConfig{BaseURL: "https://api.hunter.io", RPS: 1},
			Perplexity: PerplexityConfig{BaseURL: "https://api.perplexity.ai", Model: "sonar", RPS: 1},
		},
		Jobs: JobsConfig{
			PollInterval:  "2s",
			StuckAfter:    "10m",
			RetentionDays: 30,
			Workers:       2,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "leadscout-data"
		}
	}
	return filepath.Join(dir, "leadscout")
}

// Load reads configuration from the file backend and environment.
// Environment variables (LEADSCOUT_*) override file values.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if cfg.Providers.Perplexity.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: Perplexity API key. " +
			"Set it via environment variable LEADSCOUT_PERPLEXITY_API_KEY")
	}

	return cfg, nil
}
