// Package config provides configuration loading and structs for the nagare server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values. Secrets belong here rather than in YAML.
const (
	EnvLLMBaseURL = "NAGARE_LLM_BASE_URL"
	EnvLLMToken   = "NAGARE_LLM_TOKEN"
	EnvDSN        = "NAGARE_DATABASE_DSN"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Router    RouterConfig    `yaml:"router"`
	Workers   WorkerConfig    `yaml:"workers"`
	Indexer   IndexerConfig   `yaml:"indexer"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Search    SearchConfig    `yaml:"search"`
	LLM       LLMConfig       `yaml:"llm"`
	Content   ContentConfig   `yaml:"content"`
	Inbox     InboxConfig     `yaml:"inbox"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig selects the metadata store and the on-disk locations of indices and queues.
type StorageConfig struct {
	// Driver is "sqlite3" or "postgres".
	Driver         string `yaml:"driver"`
	DSN            string `yaml:"dsn"`
	DatabasePath   string `yaml:"database_path"`
	BleveIndexPath string `yaml:"bleve_index_path"`
	QueuePath      string `yaml:"queue_path"`
}

// RouterConfig holds event router delivery settings.
type RouterConfig struct {
	MaxDeliveryAttempts int           `yaml:"max_delivery_attempts"`
	VisibilityTimeout   time.Duration `yaml:"visibility_timeout"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	// MaintenanceSpec is a five-field cron expression for queue GC and depth reporting.
	MaintenanceSpec string `yaml:"maintenance_spec"`
}

// WorkerConfig holds stage worker settings.
type WorkerConfig struct {
	ClassifyConcurrency int           `yaml:"classify_concurrency"`
	ExtractConcurrency  int           `yaml:"extract_concurrency"`
	MaxRetries          int           `yaml:"max_retries"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	CollaboratorTimeout time.Duration `yaml:"collaborator_timeout"`
}

// IndexerConfig holds resilient indexer settings.
type IndexerConfig struct {
	ChunkSize         int           `yaml:"chunk_size"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	EmbedMaxChars     int           `yaml:"embed_max_chars"`
	EmbedConcurrency  int           `yaml:"embed_concurrency"`
	WriteRetries      int           `yaml:"write_retries"`
	WriteRetryBase    time.Duration `yaml:"write_retry_base"`
	FailureSampleSize int           `yaml:"failure_sample_size"`
	Consumers         int           `yaml:"consumers"`
}

// EmbeddingConfig holds embedding collaborator settings.
type EmbeddingConfig struct {
	// Provider is "openai" for an OpenAI-compatible endpoint or "hash" for the deterministic local embedder.
	Provider   string        `yaml:"provider"`
	Dimensions int           `yaml:"dimensions"`
	CacheSize  int           `yaml:"cache_size"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
	RateLimit  float64       `yaml:"rate_limit"`
	Burst      int           `yaml:"burst"`
}

// SearchConfig holds search and fusion settings.
type SearchConfig struct {
	DefaultLimit   int     `yaml:"default_limit"`
	MaxLimit       int     `yaml:"max_limit"`
	TopKCandidates int     `yaml:"top_k_candidates"`
	RRFK           int     `yaml:"rrf_k"`
	KeywordWeight  float64 `yaml:"keyword_weight"`
	SemanticWeight float64 `yaml:"semantic_weight"`
}

// LLMConfig points the classification, extraction, and embedding collaborators at an OpenAI-compatible API.
// An empty BaseURL selects the local rule-based collaborators.
type LLMConfig struct {
	BaseURL        string   `yaml:"base_url"`
	Token          string   `yaml:"token"`
	ChatModel      string   `yaml:"chat_model"`
	EmbeddingModel string   `yaml:"embedding_model"`
	Categories     []string `yaml:"categories"`
}

// ContentConfig configures the content reader for s3:// source refs.
type ContentConfig struct {
	S3Region       string `yaml:"s3_region"`
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3UsePathStyle bool   `yaml:"s3_use_path_style"`
	MaxBytes       int64  `yaml:"max_bytes"`
}

// InboxConfig holds drop-folder watch settings.
type InboxConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *InboxConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Load reads and parses the config file at path, expands paths, applies environment
// overrides, and applies defaults. A .env file next to the config is loaded first when present.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	configDir := filepath.Dir(path)
	if err := loadDotEnv(filepath.Join(configDir, ".env")); err != nil {
		return nil, err
	}
	applyEnv(&cfg)
	ApplyDefaults(&cfg)

	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	cfg.Storage.QueuePath = expandPath(cfg.Storage.QueuePath, configDir)
	for i := range cfg.Inbox.Directories {
		cfg.Inbox.Directories[i] = expandPath(cfg.Inbox.Directories[i], configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite3":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	switch c.Embedding.Provider {
	case "hash", "openai":
	default:
		return fmt.Errorf("unsupported embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Provider == "openai" && c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required for the openai embedding provider")
	}
	if c.Search.KeywordWeight < 0 || c.Search.SemanticWeight < 0 {
		return fmt.Errorf("search weights must not be negative")
	}
	return nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvLLMBaseURL); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv(EnvLLMToken); v != "" {
		cfg.LLM.Token = v
	}
	if v := os.Getenv(EnvDSN); v != "" {
		cfg.Storage.DSN = v
	}
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
