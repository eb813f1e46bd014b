// Package config provides configuration management for Engram.
// It loads settings from environment variables with the ENGRAM_ prefix,
// optionally overlaid by a YAML configuration file, and provides sensible
// defaults for all options.
//
// User settings (e.g., the default tenant name) are persisted to a settings
// table in a local SQLite database; see settings.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Engram memory service.
type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	User       UserConfig       `yaml:"user"`
}

// StorageConfig contains backend selection and connection settings.
type StorageConfig struct {
	// Backend is the storage backend: chromem or postgres (default: chromem).
	Backend string `yaml:"backend"`

	// DataPath is the root directory for per-tenant vector databases and the
	// settings database (default: ./data).
	DataPath string `yaml:"data_path"`

	// PostgresDSN is the PostgreSQL connection string for the relational
	// backend.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// EmbeddingsConfig contains embedding provider settings.
type EmbeddingsConfig struct {
	// Provider is the embedding provider: onnx, ollama, or mock
	// (default: onnx).
	Provider string `yaml:"provider"`

	// Dimensions is the embedding vector size (default: 384).
	Dimensions int `yaml:"dimensions"`

	// ModelDir is the local model cache directory (default: ./data/models).
	ModelDir string `yaml:"model_dir"`

	// ModelURL is the model artifact archive to download on first use.
	ModelURL string `yaml:"model_url"`

	// OnnxLibraryPath is the path to the onnxruntime shared library; empty
	// uses the runtime's default lookup.
	OnnxLibraryPath string `yaml:"onnx_library_path"`

	// OllamaURL is the Ollama API base URL (default: http://localhost:11434).
	OllamaURL string `yaml:"ollama_url"`

	// OllamaModel is the Ollama embedding model name
	// (default: nomic-embed-text).
	OllamaModel string `yaml:"ollama_model"`

	// OllamaTimeout is the per-request timeout (default: 30s).
	OllamaTimeout time.Duration `yaml:"ollama_timeout"`

	// OllamaRequestsPerSecond rate-limits the remote provider (default: 10).
	OllamaRequestsPerSecond int `yaml:"ollama_requests_per_second"`
}

// UserConfig contains user-specific settings that persist across restarts.
type UserConfig struct {
	// DefaultTenant is the tenant used when callers supply no username.
	// Env var: ENGRAM_DEFAULT_TENANT. Database key: default_tenant.
	DefaultTenant string `yaml:"default_tenant"`
}

// LoadConfig loads configuration from environment variables with sensible
// defaults. All environment variables use the ENGRAM_ prefix.
func LoadConfig() (*Config, error) {
	return buildBaseConfig(), nil
}

// LoadConfigFile loads configuration from environment variables, then
// overlays non-zero values from a YAML file. The file wins over the
// environment.
func LoadConfigFile(path string) (*Config, error) {
	cfg := buildBaseConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "chromem", "postgres":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("config: postgres backend requires ENGRAM_POSTGRES_DSN")
	}

	switch c.Embeddings.Provider {
	case "onnx", "ollama", "mock":
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimensions <= 0 {
		return fmt.Errorf("config: embedding dimensions must be positive")
	}
	return nil
}

// buildBaseConfig constructs a Config with values from environment variables
// and defaults.
func buildBaseConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:     getEnv("ENGRAM_STORAGE_BACKEND", "chromem"),
			DataPath:    getEnv("ENGRAM_DATA_PATH", "./data"),
			PostgresDSN: getEnv("ENGRAM_POSTGRES_DSN", ""),
		},
		Embeddings: EmbeddingsConfig{
			Provider:                getEnv("ENGRAM_EMBEDDING_PROVIDER", "onnx"),
			Dimensions:              getEnvInt("ENGRAM_EMBEDDING_DIMENSIONS", 384),
			ModelDir:                getEnv("ENGRAM_MODEL_DIR", "./data/models"),
			ModelURL:                getEnv("ENGRAM_MODEL_URL", ""),
			OnnxLibraryPath:         getEnv("ENGRAM_ONNX_LIBRARY_PATH", ""),
			OllamaURL:               getEnv("ENGRAM_OLLAMA_URL", "http://localhost:11434"),
			OllamaModel:             getEnv("ENGRAM_OLLAMA_MODEL", "nomic-embed-text"),
			OllamaTimeout:           getEnvDuration("ENGRAM_OLLAMA_TIMEOUT", 30*time.Second),
			OllamaRequestsPerSecond: getEnvInt("ENGRAM_OLLAMA_RPS", 10),
		},
		User: UserConfig{
			DefaultTenant: getEnv("ENGRAM_DEFAULT_TENANT", "default"),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. If the environment variable exists but cannot be parsed as an
// integer, it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable or returns a
// default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
