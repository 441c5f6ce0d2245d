//go:build !darwin

package config

import (
	"log/slog"
	"os"
	"path/filepath"
)

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "tagtime-data"
		}
	}
	return filepath.Join(dir, "tagtime")
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "tagtime")
}

func newPlatformBackend() ConfigBackend {
	p := filepath.Join(configDir(), "config.toml")
	b, err := openTOMLBackend(p)
	if err != nil {
		slog.Warn("could not read config file, using default values", "path", p, "error", err)
		return &tomlBackend{path: p, data: make(map[string]any)}
	}
	return b
}
