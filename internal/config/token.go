package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

const tokenKey = "server.api_token"

// GetAPIToken returns the bearer token that protects the local HTTP API.
// LEADSCOUT_API_TOKEN wins when set; otherwise the token is read from the
// config file, generated on first use.
func GetAPIToken(b ConfigBackend) (string, error) {
	if t := os.Getenv("LEADSCOUT_API_TOKEN"); t != "" {
		return t, nil
	}

	t, ok, err := b.GetString(tokenKey)
	if err != nil {
		return "", fmt.Errorf("reading API token: %w", err)
	}
	if ok && t != "" {
		return t, nil
	}

	t = uuid.NewString()
	if err := b.SetString(tokenKey, t); err != nil {
		return "", fmt.Errorf("persisting API token: %w", err)
	}
	return t, nil
}

// NewBackend exposes the default file backend for callers outside the
// package (CLI config commands, token bootstrap).
func NewBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}
