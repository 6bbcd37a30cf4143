package extractcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, "./cache_storage", cfg.CacheDir)
	require.Equal(t, int64(100*(1<<20)), cfg.MemoryBudgetBytes)
	require.True(t, cfg.VerifyHash)
	require.Equal(t, 10, cfg.BackendPoolSize)
	require.Equal(t, 6, cfg.CompressionLevel)
	require.Equal(t, uint(1_000_000), cfg.FilterCapacity)
	require.False(t, cfg.Debug)
	require.Empty(t, cfg.AllowedPaths)

	require.NoError(t, cfg.Validate())
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CACHE_DIR", "/tmp/other-cache")
	t.Setenv("MEMORY_BUDGET_BYTES", "2097152")
	t.Setenv("VERIFY_HASH", "false")
	t.Setenv("BACKEND_POOL_SIZE", "4")
	t.Setenv("COMPRESSION_LEVEL", "9")
	t.Setenv("FILTER_CAPACITY", "5000")
	t.Setenv("DEBUG", "true")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)

	require.Equal(t, "/tmp/other-cache", cfg.CacheDir)
	require.Equal(t, int64(2097152), cfg.MemoryBudgetBytes)
	require.False(t, cfg.VerifyHash)
	require.Equal(t, 4, cfg.BackendPoolSize)
	require.Equal(t, 9, cfg.CompressionLevel)
	require.Equal(t, uint(5000), cfg.FilterCapacity)
	require.True(t, cfg.Debug)
}

func TestConfigFromEnvInvalidValue(t *testing.T) {
	t.Setenv("MEMORY_BUDGET_BYTES", "not-a-number")

	_, err := ConfigFromEnv()
	require.Error(t, err)
	require.Equal(t, KindConfigInvalid, KindOf(err))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty cache dir", func(c *Config) { c.CacheDir = "" }},
		{"memory budget too small", func(c *Config) { c.MemoryBudgetBytes = 1024 }},
		{"memory budget too large", func(c *Config) { c.MemoryBudgetBytes = 11 * (1 << 30) }},
		{"pool size zero", func(c *Config) { c.BackendPoolSize = 0 }},
		{"compression level negative", func(c *Config) { c.CompressionLevel = -1 }},
		{"compression level too high", func(c *Config) { c.CompressionLevel = 10 }},
		{"filter capacity zero", func(c *Config) { c.FilterCapacity = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			require.Error(t, err)
			require.Equal(t, KindConfigInvalid, KindOf(err))
		})
	}
}

func TestErrorKinds(t *testing.T) {
	err := Errorf(KindSourceMissing, "file not found: %s", "/tmp/x")

	require.Equal(t, KindSourceMissing, KindOf(err))
	require.True(t, IsKind(err, KindSourceMissing))
	require.False(t, IsKind(err, KindStorageFailure))
	require.Contains(t, err.Error(), "source_missing")

	require.Equal(t, Kind(""), KindOf(nil))
}
