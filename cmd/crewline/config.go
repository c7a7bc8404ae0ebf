package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all crewline server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	MaxInFlight       int    `json:"max_in_flight"`
	DefaultMaxRetries int    `json:"default_max_retries"`
	Scheduler         bool   `json:"scheduler"`
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(crewlineDir(), "crewline.db"),
		LogLevel:    "info",
		MaxInFlight: 4,
		Scheduler:   true,
	}
}

func crewlineDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crewline"
	}
	return filepath.Join(home, ".crewline")
}

func settingsPath() string {
	return filepath.Join(crewlineDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CREWLINE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CREWLINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CREWLINE_MAX_IN_FLIGHT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxInFlight = n
		}
	}
	if v := os.Getenv("CREWLINE_DEFAULT_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultMaxRetries = n
		}
	}
	if v := os.Getenv("CREWLINE_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}
