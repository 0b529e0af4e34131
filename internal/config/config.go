// Package config provides the configuration of an eventkeep store: backend
// connection, query limits, index definitions and backups.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	kerrors "github.com/eventkeep/eventkeep/internal/errors"
)

// Storage types.
const (
	StorageSQLite = "sqlite"
	StorageBadger = "badger"
	StorageMemory = "memory"
)

// Backup types. An empty type disables backups.
const (
	BackupLocal = "local"
	BackupS3    = "s3"
)

// Config holds the configuration of an eventkeep store.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Query limits
	Query QueryConfig `json:"query" yaml:"query"`

	// Ingest configuration
	Ingest IngestConfig `json:"ingest" yaml:"ingest"`

	// Indexes lists the secondary index projections
	Indexes IndexConfig `json:"indexes" yaml:"indexes"`

	// Fields maps event type -> field name -> accessor path
	// ("source", "labels.host", "payload.status", ...)
	Fields map[string]map[string]string `json:"fields" yaml:"fields"`

	// Backup configuration
	Backup BackupConfig `json:"backup" yaml:"backup"`

	// Log configuration
	Log LogConfig `json:"log" yaml:"log"`
}

// StorageConfig selects the wide-column backend.
type StorageConfig struct {
	// Type is the backend: sqlite, badger, memory
	Type string `json:"type" yaml:"type"`

	// Path is the database file (sqlite) or directory (badger)
	Path string `json:"path" yaml:"path"`
}

// QueryConfig holds read-side limits.
type QueryConfig struct {
	// CountCap bounds approximate counts
	CountCap int `json:"count_cap" yaml:"count_cap"`

	// MaxEvents bounds one page of events
	MaxEvents int `json:"max_events" yaml:"max_events"`

	// FetchChunk is the number of event ids per multi-get
	FetchChunk int `json:"fetch_chunk" yaml:"fetch_chunk"`

	// FetchConcurrency is the number of multi-gets in flight
	FetchConcurrency int `json:"fetch_concurrency" yaml:"fetch_concurrency"`
}

// IngestConfig holds write-side settings.
type IngestConfig struct {
	// Concurrency is the number of messages stored in parallel by batch ingestion
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// IndexConfig maps channel names and event type names to projections. Each
// inner list is one projection (a set of field names).
type IndexConfig struct {
	Channels map[string][][]string `json:"channels" yaml:"channels"`
	Types    map[string][][]string `json:"types" yaml:"types"`
}

// BackupConfig holds snapshot backup configuration.
type BackupConfig struct {
	// Type is the object storage type: local, s3 (empty disables backups)
	Type string `json:"type" yaml:"type"`

	// Path is the local object storage root (for local type)
	Path string `json:"path" yaml:"path"`

	// Prefix is prepended to snapshot object paths
	Prefix string `json:"prefix" yaml:"prefix"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle forces path-style addressing (MinIO and friends)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	// Level is one of debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// JSON selects the JSON handler instead of text
	JSON bool `json:"json" yaml:"json"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/eventkeep",
		Storage: StorageConfig{
			Type: StorageSQLite,
			Path: "",
		},
		Query: QueryConfig{
			CountCap:         100000,
			MaxEvents:        1000,
			FetchChunk:       100,
			FetchConcurrency: 4,
		},
		Ingest: IngestConfig{
			Concurrency: 1,
		},
		Backup: BackupConfig{
			Prefix: "snapshots",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/eventkeep"
	}

	// Resolve storage path
	if c.Storage.Path == "" {
		switch c.Storage.Type {
		case StorageSQLite:
			c.Storage.Path = filepath.Join(c.DataDir, "eventkeep.db")
		case StorageBadger:
			c.Storage.Path = filepath.Join(c.DataDir, "badger")
		}
	}

	// Resolve backup path
	if c.Backup.Type == BackupLocal && c.Backup.Path == "" {
		c.Backup.Path = filepath.Join(c.DataDir, "backups")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return invalid("data_dir is required")
	}

	switch c.Storage.Type {
	case StorageSQLite, StorageBadger, StorageMemory:
	default:
		return invalid("invalid storage type: %s (must be sqlite, badger or memory)", c.Storage.Type)
	}

	switch c.Backup.Type {
	case "", BackupLocal:
	case BackupS3:
		if c.Backup.S3.Bucket == "" {
			return invalid("backup.s3.bucket is required when backup type is s3")
		}
	default:
		return invalid("invalid backup type: %s (must be local or s3)", c.Backup.Type)
	}
	if c.Backup.Type != "" && c.Storage.Type == StorageMemory {
		return invalid("backups need a persistent storage type, got %s", c.Storage.Type)
	}

	if c.Query.CountCap <= 0 {
		return invalid("query.count_cap must be positive, got %d", c.Query.CountCap)
	}
	if c.Query.MaxEvents <= 0 {
		return invalid("query.max_events must be positive, got %d", c.Query.MaxEvents)
	}
	if c.Query.FetchChunk <= 0 || c.Query.FetchConcurrency <= 0 {
		return invalid("query.fetch_chunk and query.fetch_concurrency must be positive")
	}
	if c.Ingest.Concurrency <= 0 {
		return invalid("ingest.concurrency must be positive, got %d", c.Ingest.Concurrency)
	}

	for kind, m := range map[string]map[string][][]string{"channels": c.Indexes.Channels, "types": c.Indexes.Types} {
		for name, sets := range m {
			for _, set := range sets {
				if len(set) == 0 {
					return invalid("indexes.%s.%s has an empty projection", kind, name)
				}
			}
		}
	}

	return nil
}

func invalid(format string, args ...interface{}) error {
	return kerrors.NewValidationError(kerrors.CodeInvalidConfig, fmt.Sprintf(format, args...))
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the EVENTKEEP_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("EVENTKEEP_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Storage configuration
	if v := os.Getenv("EVENTKEEP_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("EVENTKEEP_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}

	// Query configuration
	if v := os.Getenv("EVENTKEEP_QUERY_COUNT_CAP"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Query.CountCap)
	}
	if v := os.Getenv("EVENTKEEP_QUERY_MAX_EVENTS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Query.MaxEvents)
	}
	if v := os.Getenv("EVENTKEEP_QUERY_FETCH_CHUNK"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Query.FetchChunk)
	}
	if v := os.Getenv("EVENTKEEP_QUERY_FETCH_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Query.FetchConcurrency)
	}

	// Ingest configuration
	if v := os.Getenv("EVENTKEEP_INGEST_CONCURRENCY"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Ingest.Concurrency)
	}

	// Backup configuration
	if v := os.Getenv("EVENTKEEP_BACKUP_TYPE"); v != "" {
		cfg.Backup.Type = v
	}
	if v := os.Getenv("EVENTKEEP_BACKUP_PATH"); v != "" {
		cfg.Backup.Path = v
	}
	if v := os.Getenv("EVENTKEEP_S3_BUCKET"); v != "" {
		cfg.Backup.S3.Bucket = v
	}
	if v := os.Getenv("EVENTKEEP_S3_REGION"); v != "" {
		cfg.Backup.S3.Region = v
	}
	if v := os.Getenv("EVENTKEEP_S3_ENDPOINT"); v != "" {
		cfg.Backup.S3.Endpoint = v
	}
	if v := os.Getenv("EVENTKEEP_S3_USE_PATH_STYLE"); v != "" {
		cfg.Backup.S3.UsePathStyle = v == "true" || v == "1"
	}

	// Log configuration
	if v := os.Getenv("EVENTKEEP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("EVENTKEEP_LOG_JSON"); v != "" {
		cfg.Log.JSON = v == "true" || v == "1"
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir}
	switch c.Storage.Type {
	case StorageSQLite:
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	case StorageBadger:
		dirs = append(dirs, c.Storage.Path)
	}
	if c.Backup.Type == BackupLocal {
		dirs = append(dirs, c.Backup.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
