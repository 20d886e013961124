package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
)

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Queue    QueueConfig    `json:"queue"`
	Pool     PoolConfig     `json:"pool"`
	Loops    LoopConfig     `json:"loops"`
	Database DatabaseConfig `json:"database"`
	Notify   NotifyConfig   `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// QueueConfig holds per-task defaults and the retention window for the
// cleanup sweep.
type QueueConfig struct {
	MaxRetries     int `json:"max_retries"`
	TimeoutSeconds int `json:"timeout_seconds"`
	RetentionHours int `json:"retention_hours"`
	EventBuffer    int `json:"event_buffer"`
}

// PoolConfig bounds the worker pool and tunes scaling.
type PoolConfig struct {
	MinWorkers           int     `json:"min_workers"`
	MaxWorkers           int     `json:"max_workers"`
	TargetQueuePerWorker int     `json:"target_queue_per_worker"`
	LowUtilization       float64 `json:"low_utilization"`
	StaleAfterSeconds    int     `json:"stale_after_seconds"`
	WorkerType           string  `json:"worker_type"`
}

// LoopConfig sets the cadence of the background control loops.
type LoopConfig struct {
	HealthCheckSeconds int `json:"health_check_seconds"`
	ScalingSeconds     int `json:"scaling_seconds"`
	CleanupSeconds     int `json:"cleanup_seconds"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, and fills in defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with every default applied, for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.TimeoutSeconds == 0 {
		c.Queue.TimeoutSeconds = 60
	}
	if c.Queue.RetentionHours == 0 {
		c.Queue.RetentionHours = 24
	}
	if c.Queue.EventBuffer == 0 {
		c.Queue.EventBuffer = 256
	}
	if c.Pool.MinWorkers == 0 {
		c.Pool.MinWorkers = 1
	}
	if c.Pool.MaxWorkers == 0 {
		c.Pool.MaxWorkers = 10
	}
	if c.Pool.TargetQueuePerWorker == 0 {
		c.Pool.TargetQueuePerWorker = 5
	}
	if c.Pool.LowUtilization == 0 {
		c.Pool.LowUtilization = 0.3
	}
	if c.Pool.StaleAfterSeconds == 0 {
		c.Pool.StaleAfterSeconds = 30
	}
	if c.Pool.WorkerType == "" {
		c.Pool.WorkerType = "generic"
	}
	if c.Loops.HealthCheckSeconds == 0 {
		c.Loops.HealthCheckSeconds = 10
	}
	if c.Loops.ScalingSeconds == 0 {
		c.Loops.ScalingSeconds = 30
	}
	if c.Loops.CleanupSeconds == 0 {
		c.Loops.CleanupSeconds = 3600
	}
}
