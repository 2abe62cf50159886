// Package config loads the library configuration from a YAML file with
// QUAVER_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/quaverhq/quaver/backend"
)

// Defaults for the tunables.
const (
	DefaultMaxCacheSizeBytes = int64(1) << 30
	DefaultMaxCacheFiles     = 10000
	DefaultChunkSizeBytes    = 1 << 20
	DefaultUploadWorkers     = 4
)

// Config is the library configuration.
type Config struct {
	// LibraryID identifies this library instance. Generated on first
	// load when absent.
	LibraryID string `yaml:"library_id"`

	// DatabasePath is the metadata database location.
	DatabasePath string `yaml:"database_path"`

	// CacheDir is the chunk cache directory.
	CacheDir string `yaml:"cache_dir"`

	// MaxCacheSizeBytes is the cache byte budget.
	MaxCacheSizeBytes int64 `yaml:"max_cache_size_bytes"`

	// MaxCacheFiles is the cache entry budget.
	MaxCacheFiles int `yaml:"max_cache_files"`

	// ChunkSizeBytes is the packing chunk size.
	ChunkSizeBytes int `yaml:"chunk_size_bytes"`

	// EncryptionKey is the hex-encoded 32-byte AEAD key. Empty
	// disables encrypted profiles.
	EncryptionKey string `yaml:"encryption_key"`

	// UploadWorkers bounds the packing pipeline: each worker seals and
	// uploads chunks, and the metadata rows land in one transaction.
	UploadWorkers int `yaml:"upload_workers"`

	// S3 optionally configures the cloud backend used when creating
	// cloud profiles from the CLI.
	S3 *backend.S3Config `yaml:"s3,omitempty"`
}

// Load reads the config file at path, fills defaults, and applies
// QUAVER_* environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("QUAVER_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("QUAVER_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv("QUAVER_MAX_CACHE_SIZE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.MaxCacheSizeBytes = n
		}
	}
	if v := os.Getenv("QUAVER_MAX_CACHE_FILES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxCacheFiles = n
		}
	}
	if v := os.Getenv("QUAVER_CHUNK_SIZE_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ChunkSizeBytes = n
		}
	}
	if v := os.Getenv("QUAVER_ENCRYPTION_KEY"); v != "" {
		c.EncryptionKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.LibraryID == "" {
		c.LibraryID = uuid.NewString()
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "quaver.db"
	}
	if c.CacheDir == "" {
		c.CacheDir = "cache"
	}
	if c.MaxCacheSizeBytes == 0 {
		c.MaxCacheSizeBytes = DefaultMaxCacheSizeBytes
	}
	if c.MaxCacheFiles == 0 {
		c.MaxCacheFiles = DefaultMaxCacheFiles
	}
	if c.ChunkSizeBytes == 0 {
		c.ChunkSizeBytes = DefaultChunkSizeBytes
	}
	if c.UploadWorkers == 0 {
		c.UploadWorkers = DefaultUploadWorkers
	}
}

// Save writes the config back to path. Used to persist a generated
// library id on first run.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}
