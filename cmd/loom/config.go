package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds runner configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	PoolSize        int    `json:"pool_size"`
	ConditionEngine string `json:"condition_engine"`
	AgentBaseURL    string `json:"agent_base_url"`
}

func defaultConfig() Config {
	return Config{
		DBPath:          filepath.Join(loomDir(), "runs.db"),
		LogLevel:        "info",
		PoolSize:        8,
		ConditionEngine: "expr",
	}
}

func loomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func settingsPath() string {
	return filepath.Join(loomDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// settings.json overlays the defaults; a missing file is fine.
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Environment wins over the file.
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOM_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("LOOM_CONDITION_ENGINE"); v != "" {
		cfg.ConditionEngine = v
	}
	if v := os.Getenv("LOOM_AGENT_BASE_URL"); v != "" {
		cfg.AgentBaseURL = v
	}

	return cfg
}
