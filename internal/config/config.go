package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine" validate:"required"`
	LLM      LLMConfig      `mapstructure:"llm" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required"`
}

// DatabaseConfig contains all database-related configuration settings.
// An empty URL selects the in-memory store, which is only suitable for
// development and tests.
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// EngineConfig contains the task engine tuning knobs.
type EngineConfig struct {
	WorkerCount            int           `mapstructure:"worker_count" validate:"required,gt=0"`
	QueueSize              int           `mapstructure:"queue_size" validate:"required,gt=0"`
	MaxRetries             int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryBackoff           time.Duration `mapstructure:"retry_backoff" validate:"required"`
	MaxRetryBackoff        time.Duration `mapstructure:"max_retry_backoff" validate:"required"`
	StuckTaskAge           time.Duration `mapstructure:"stuck_task_age" validate:"required"`
	StuckTaskCheckInterval time.Duration `mapstructure:"stuck_task_check_interval" validate:"required"`
	// NodeID distinguishes this process in a multi-node deployment; when
	// empty a random one is generated at startup.
	NodeID string `mapstructure:"node_id"`
}

// LLMConfig contains all LLM integration related settings.
type LLMConfig struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key" validate:"required"`
	ModelName    string `mapstructure:"model_name" validate:"required"`
}
