// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration from the environment.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config holds all runtime settings for the daemon.
type Config struct {
	Port    int
	DataDir string

	DBPath    string
	UploadDir string
	OutputDir string

	GifsicleBin  string
	BaselinePath string

	Workers        int
	MaxWorkers     int
	MaxUploadBytes int64

	Retention      time.Duration // 0 = keep artifacts indefinitely
	ReaperInterval time.Duration

	LogLevel string
}

// Defaults mirrored in the README.
const (
	defaultPort           = 8080
	defaultWorkers        = 2
	defaultMaxWorkers     = 10
	defaultMaxUploadBytes = 100 << 20 // 100 MiB
	defaultReaperInterval = time.Minute
)

// FromEnv builds a Config from environment variables, deriving unset
// paths from the data directory.
func FromEnv() Config {
	dataDir := ParseString("GIFPRESS_DATA_DIR", "./data")

	cfg := Config{
		Port:           ParseInt("GIFPRESS_PORT", defaultPort),
		DataDir:        dataDir,
		DBPath:         ParseString("GIFPRESS_DB_PATH", filepath.Join(dataDir, "gifpress.db")),
		UploadDir:      ParseString("GIFPRESS_UPLOAD_DIR", filepath.Join(dataDir, "uploads")),
		OutputDir:      ParseString("GIFPRESS_OUTPUT_DIR", filepath.Join(dataDir, "outputs")),
		GifsicleBin:    ParseString("GIFPRESS_GIFSICLE_BIN", "gifsicle"),
		BaselinePath:   ParseString("GIFPRESS_BASELINE_PATH", ""),
		Workers:        ParseInt("GIFPRESS_WORKERS", defaultWorkers),
		MaxWorkers:     ParseInt("GIFPRESS_MAX_WORKERS", defaultMaxWorkers),
		MaxUploadBytes: ParseInt64("GIFPRESS_MAX_UPLOAD_BYTES", defaultMaxUploadBytes),
		Retention:      ParseDuration("GIFPRESS_RETENTION", 0),
		ReaperInterval: ParseDuration("GIFPRESS_REAPER_INTERVAL", defaultReaperInterval),
		LogLevel:       ParseString("LOG_LEVEL", "info"),
	}
	return cfg
}

// Validate checks the configuration for values the daemon cannot start with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max workers must be at least 1")
	}
	if c.Workers < 1 || c.Workers > c.MaxWorkers {
		return fmt.Errorf("workers %d out of range [1,%d]", c.Workers, c.MaxWorkers)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("max upload bytes must be positive")
	}
	if c.ReaperInterval <= 0 {
		return fmt.Errorf("reaper interval must be positive")
	}
	return nil
}
