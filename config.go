package extractcache

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds cache construction parameters. The zero value is not
// usable; start from DefaultConfig or ConfigFromEnv.
type Config struct {
	// CacheDir is the root of all on-disk state (metadata store and
	// blobs).
	CacheDir string

	// MemoryBudgetBytes bounds the total byte size of the memory tier.
	MemoryBudgetBytes int64

	// VerifyHash enables content re-hashing during integrity checks.
	VerifyHash bool

	// BackendPoolSize bounds concurrent metadata backend connections.
	BackendPoolSize int

	// CompressionLevel is the deflate level for blob storage, 0..9.
	CompressionLevel int

	// FilterCapacity sizes the negative-existence bloom filter.
	FilterCapacity uint

	// Debug enables verbose diagnostic logging.
	Debug bool

	// AllowedPaths restricts inputs to descendants of these directories.
	// Empty means unrestricted.
	AllowedPaths []string
}

const (
	minMemoryBudget = 1 << 20       // 1 MiB
	maxMemoryBudget = 10 * (1 << 30) // 10 GiB
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		CacheDir:          "./cache_storage",
		MemoryBudgetBytes: 100 * (1 << 20),
		VerifyHash:        true,
		BackendPoolSize:   10,
		CompressionLevel:  6,
		FilterCapacity:    1_000_000,
		Debug:             false,
	}
}

// ConfigFromEnv returns the default configuration with overrides applied
// from same-named upper-case environment variables.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("CACHE_DIR"); v != "" {
		cfg.CacheDir = v
	}
	if v := os.Getenv("MEMORY_BUDGET_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, Errorf(KindConfigInvalid, "MEMORY_BUDGET_BYTES: %w", err)
		}
		cfg.MemoryBudgetBytes = n
	}
	if v := os.Getenv("VERIFY_HASH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, Errorf(KindConfigInvalid, "VERIFY_HASH: %w", err)
		}
		cfg.VerifyHash = b
	}
	if v := os.Getenv("BACKEND_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, Errorf(KindConfigInvalid, "BACKEND_POOL_SIZE: %w", err)
		}
		cfg.BackendPoolSize = n
	}
	if v := os.Getenv("COMPRESSION_LEVEL"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, Errorf(KindConfigInvalid, "COMPRESSION_LEVEL: %w", err)
		}
		cfg.CompressionLevel = n
	}
	if v := os.Getenv("FILTER_CAPACITY"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return Config{}, Errorf(KindConfigInvalid, "FILTER_CAPACITY: %w", err)
		}
		cfg.FilterCapacity = uint(n)
	}
	if v := os.Getenv("DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, Errorf(KindConfigInvalid, "DEBUG: %w", err)
		}
		cfg.Debug = b
	}
	if v := os.Getenv("ALLOWED_PATHS"); v != "" {
		cfg.AllowedPaths = filepath.SplitList(v)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for construction-time violations.
func (c Config) Validate() error {
	if c.CacheDir == "" {
		return Errorf(KindConfigInvalid, "cache dir must not be empty")
	}
	if c.MemoryBudgetBytes < minMemoryBudget {
		return Errorf(KindConfigInvalid, "memory budget must be at least %d bytes, got %d", int64(minMemoryBudget), c.MemoryBudgetBytes)
	}
	if c.MemoryBudgetBytes > maxMemoryBudget {
		return Errorf(KindConfigInvalid, "memory budget must not exceed %d bytes, got %d", int64(maxMemoryBudget), c.MemoryBudgetBytes)
	}
	if c.BackendPoolSize < 1 {
		return Errorf(KindConfigInvalid, "backend pool size must be at least 1, got %d", c.BackendPoolSize)
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 9 {
		return Errorf(KindConfigInvalid, "compression level must be between 0 and 9, got %d", c.CompressionLevel)
	}
	if c.FilterCapacity == 0 {
		return Errorf(KindConfigInvalid, "filter capacity must be positive")
	}
	return nil
}

// MetadataDBPath returns the on-disk location of the embedded metadata
// store under the cache directory.
func (c Config) MetadataDBPath() string {
	return filepath.Join(c.CacheDir, "metadata.db")
}

// String renders the config for logging without dumping field noise.
func (c Config) String() string {
	return fmt.Sprintf("cache_dir=%s memory_budget=%d verify_hash=%t pool=%d level=%d",
		c.CacheDir, c.MemoryBudgetBytes, c.VerifyHash, c.BackendPoolSize, c.CompressionLevel)
}
