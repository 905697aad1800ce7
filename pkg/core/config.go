package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/merchantos/agentmem-go/pkg/rag"
)

// Config contains the complete configuration for an AgentMem client.
//
// It includes settings for:
//   - Storage backend (for memory and pattern persistence)
//   - Embedding provider (for vector generation)
//   - Consolidation (optional thresholds)
//
// Example:
//
//	config := &core.Config{
//	    Storage: core.StorageConfig{
//	        Provider: "sqlite",
//	        Path:     "./agentmem.db",
//	    },
//	    Embedder: core.EmbedderConfig{
//	        Provider:   "openai",
//	        APIKey:     "sk-...",
//	        Model:      "text-embedding-3-small",
//	        Dimensions: 1536,
//	    },
//	}
type Config struct {
	// Storage contains storage backend configuration.
	Storage StorageConfig `json:"storage"`

	// Embedder contains embedding provider configuration. An empty Provider
	// disables embeddings: memories are stored without vectors and search
	// degrades to keyword matching.
	Embedder EmbedderConfig `json:"embedder"`

	// Consolidation contains consolidation thresholds (optional).
	Consolidation *ConsolidationConfig `json:"consolidation,omitempty"`

	// NodeID is the snowflake node used for ID generation. Give each
	// process writing to a shared store a distinct node. Defaults to 1.
	NodeID int64 `json:"node_id,omitempty"`

	// Logger receives advisory-path events such as telemetry failures and
	// consolidation run summaries. Defaults to a no-op logger.
	Logger *zap.Logger `json:"-"`

	// Lessons is an optional read-only feed of failure lessons rendered
	// into assembled context.
	Lessons rag.LessonSource `json:"-"`
}

// StorageConfig contains configuration for the storage backend.
//
// Supported providers: sqlite, postgres, mysql, memory
type StorageConfig struct {
	// Provider is the storage backend name (sqlite, postgres, mysql, memory).
	Provider string `json:"provider"`

	// Path is the database file path (sqlite only).
	Path string `json:"path,omitempty"`

	// Host, Port, User, Password, and Database configure server backends.
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"password,omitempty"`
	Database string `json:"database,omitempty"`

	// SSLMode is the connection SSL mode (postgres only).
	SSLMode string `json:"ssl_mode,omitempty"`

	// Dimensions is the embedding vector width the backend stores. Must
	// match the embedder's dimensions. Defaults to 1536.
	Dimensions int `json:"dimensions,omitempty"`
}

// EmbedderConfig contains configuration for the embedding provider.
//
// Supported providers: openai, mock
type EmbedderConfig struct {
	// Provider is the embedding provider name (openai, mock).
	Provider string `json:"provider"`

	// APIKey is the API key for the embedding provider.
	APIKey string `json:"api_key"`

	// Model is the embedding model name (e.g., "text-embedding-3-small").
	Model string `json:"model,omitempty"`

	// BaseURL is the base URL for the API (optional, uses provider default
	// if empty).
	BaseURL string `json:"base_url,omitempty"`

	// Dimensions is the dimension of the embedding vectors (e.g., 1536).
	Dimensions int `json:"dimensions,omitempty"`
}

// ConsolidationConfig contains thresholds for the consolidation engine.
type ConsolidationConfig struct {
	// SimilarityThreshold is the cosine similarity at or above which two
	// memories are considered duplicates. Default: 0.92.
	SimilarityThreshold float64 `json:"similarity_threshold,omitempty"`

	// MinConfidenceToKeep is the confidence below which cleanup deactivates
	// a memory. Default: 0.2.
	MinConfidenceToKeep float64 `json:"min_confidence_to_keep,omitempty"`
}

// LoadConfigFromEnv loads configuration from environment variables.
//
// The function:
//  1. Searches for .env or .env.example files (up to 5 directory levels up)
//  2. Loads environment variables from the found file
//  3. Parses environment variables into a Config struct
//
// Supported environment variables:
//   - DATABASE_PROVIDER (sqlite, postgres, mysql, memory)
//   - SQLITE_PATH
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD,
//     POSTGRES_DATABASE, POSTGRES_SSLMODE
//   - MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASSWORD, MYSQL_DATABASE
//   - EMBEDDING_PROVIDER, EMBEDDING_API_KEY, EMBEDDING_MODEL,
//     EMBEDDING_BASE_URL, EMBEDDING_DIMENSIONS
//
// Returns a Config instance, or an error if loading fails.
//
// Example:
//
//	config, err := core.LoadConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
func LoadConfigFromEnv() (*Config, error) {
	// Use FindEnvFile to locate .env file (supports upward search)
	envPath, found := FindEnvFile()
	if found {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	provider := getEnvOrDefault("DATABASE_PROVIDER", "sqlite")
	dims, _ := strconv.Atoi(getEnvOrDefault("EMBEDDING_DIMENSIONS", "1536"))

	storageConfig := StorageConfig{Provider: provider, Dimensions: dims}

	switch provider {
	case "sqlite":
		storageConfig.Path = getEnvOrDefault("SQLITE_PATH", "./agentmem.db")
	case "postgres":
		port, _ := strconv.Atoi(getEnvOrDefault("POSTGRES_PORT", "5432"))
		storageConfig.Host = getEnvOrDefault("POSTGRES_HOST", "localhost")
		storageConfig.Port = port
		storageConfig.User = getEnvOrDefault("POSTGRES_USER", "postgres")
		storageConfig.Password = os.Getenv("POSTGRES_PASSWORD")
		storageConfig.Database = getEnvOrDefault("POSTGRES_DATABASE", "agentmem")
		storageConfig.SSLMode = getEnvOrDefault("POSTGRES_SSLMODE", "disable")
	case "mysql":
		port, _ := strconv.Atoi(getEnvOrDefault("MYSQL_PORT", "3306"))
		storageConfig.Host = getEnvOrDefault("MYSQL_HOST", "127.0.0.1")
		storageConfig.Port = port
		storageConfig.User = getEnvOrDefault("MYSQL_USER", "root")
		storageConfig.Password = os.Getenv("MYSQL_PASSWORD")
		storageConfig.Database = getEnvOrDefault("MYSQL_DATABASE", "agentmem")
	}

	embedderProvider := getEnvOrDefault("EMBEDDING_PROVIDER", "openai")
	embedderModel := os.Getenv("EMBEDDING_MODEL")
	if embedderProvider == "openai" && embedderModel == "" {
		embedderModel = "text-embedding-3-small"
	}

	config := &Config{
		Storage: storageConfig,
		Embedder: EmbedderConfig{
			Provider:   embedderProvider,
			APIKey:     os.Getenv("EMBEDDING_API_KEY"),
			Model:      embedderModel,
			BaseURL:    os.Getenv("EMBEDDING_BASE_URL"),
			Dimensions: dims,
		},
	}

	return config, nil
}

// LoadConfigFromEnvFile loads configuration from a specific .env file.
//
// Parameters:
//   - envPath: Path to the .env file
//
// Returns a Config instance, or an error if loading fails.
func LoadConfigFromEnvFile(envPath string) (*Config, error) {
	if err := godotenv.Load(envPath); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	return LoadConfigFromEnv()
}

// LoadConfigFromJSON loads configuration from a JSON file.
//
// Parameters:
//   - path: Path to the JSON configuration file
//
// Returns a Config instance, or an error if loading or parsing fails.
func LoadConfigFromJSON(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, NewMemoryError("LoadConfigFromJSON", err)
	}

	return &config, nil
}

// Validate validates the configuration.
//
// Checks that all required fields are set:
//   - Storage provider must be specified and known
//   - Server backends need host and database
//   - The openai embedder needs an API key
//
// Returns an error if validation fails, nil otherwise.
func (c *Config) Validate() error {
	switch c.Storage.Provider {
	case "sqlite", "memory":
	case "postgres", "mysql":
		if c.Storage.Host == "" || c.Storage.Database == "" {
			return NewMemoryError("Validate", ErrInvalidConfig)
		}
	default:
		return NewMemoryError("Validate", ErrInvalidConfig)
	}

	switch c.Embedder.Provider {
	case "", "mock":
	case "openai":
		if c.Embedder.APIKey == "" {
			return NewMemoryError("Validate", ErrInvalidConfig)
		}
	default:
		return NewMemoryError("Validate", ErrInvalidConfig)
	}

	return nil
}

// getEnvOrDefault gets an environment variable or returns the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FindEnvFile searches for .env or .env.example files.
//
// The search:
//  1. Checks the current directory
//  2. Searches up to 5 directory levels up
//  3. Returns the first .env or .env.example file found
//
// Returns:
//   - path: Path to the found file (empty if not found)
//   - found: True if a file was found, false otherwise
func FindEnvFile() (string, bool) {
	if _, err := os.Stat(".env"); err == nil {
		return ".env", true
	}
	if _, err := os.Stat(".env.example"); err == nil {
		return ".env.example", true
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		envExamplePath := filepath.Join(dir, ".env.example")

		if _, err := os.Stat(envPath); err == nil {
			return envPath, true
		}
		if _, err := os.Stat(envExamplePath); err == nil {
			return envExamplePath, true
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", false
}
