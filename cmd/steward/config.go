package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all steward server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr          string `json:"listen_addr"`
	DBPath              string `json:"db_path"`
	LogLevel            string `json:"log_level"`
	LogFormat           string `json:"log_format"`
	PoolSize            int    `json:"pool_size"`
	MaxBatch            int    `json:"max_batch"`
	InterventionTimeout string `json:"intervention_timeout"`
	JanitorSchedule     string `json:"janitor_schedule"`
	IdleTTL             string `json:"idle_ttl"`
	MCP                 bool   `json:"mcp"`

	LLMAPIKey  string `json:"llm_api_key"`
	LLMModel   string `json:"llm_model"`
	LLMBaseURL string `json:"llm_base_url"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr: ":4200",
		DBPath:     filepath.Join(stewardDir(), "steward.db"),
		LogLevel:   "info",
		LogFormat:  "text",
		PoolSize:   8,
		LLMModel:   "gpt-4o-mini",
	}
}

func stewardDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".steward"
	}
	return filepath.Join(home, ".steward")
}

func settingsPath() string {
	return filepath.Join(stewardDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STEWARD_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("STEWARD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STEWARD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STEWARD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("STEWARD_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("STEWARD_MAX_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBatch = n
		}
	}
	if v := os.Getenv("STEWARD_INTERVENTION_TIMEOUT"); v != "" {
		cfg.InterventionTimeout = v
	}
	if v := os.Getenv("STEWARD_JANITOR_SCHEDULE"); v != "" {
		cfg.JanitorSchedule = v
	}
	if v := os.Getenv("STEWARD_IDLE_TTL"); v != "" {
		cfg.IdleTTL = v
	}
	if v := os.Getenv("STEWARD_MCP"); v != "" {
		cfg.MCP = v == "true" || v == "1"
	}
	if v := os.Getenv("STEWARD_LLM_API_KEY"); v != "" {
		cfg.LLMAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.LLMAPIKey == "" {
		cfg.LLMAPIKey = v
	}
	if v := os.Getenv("STEWARD_LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}
	if v := os.Getenv("STEWARD_LLM_BASE_URL"); v != "" {
		cfg.LLMBaseURL = v
	}

	return cfg
}

// duration parses a config duration string, falling back when empty or
// malformed.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
