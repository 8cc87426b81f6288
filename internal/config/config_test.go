package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("USAGE_CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, BackendMemory, cfg.Transport.Backend)
	assert.Equal(t, time.Hour, cfg.Aggregate.BucketWidth)
	assert.True(t, cfg.Aggregate.RebuildOnStart)
	assert.False(t, cfg.Archive.Enabled)
	assert.False(t, cfg.UsesRedis())
	assert.True(t, cfg.InsecureJWTSecret())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.yaml")
	content := `
storage:
  driver: postgres
  url: ${TEST_DB_URL}
transport:
  backend: redis
  partitions: 8
pipeline:
  retry_backoff: 250ms
aggregate:
  bucket_width: 15m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("USAGE_CONFIG_FILE", path)
	t.Setenv("TEST_DB_URL", "postgres://localhost/usage")
	t.Setenv("TRANSPORT_PARTITIONS", "16")
	t.Setenv("AGGREGATE_REBUILD_ON_START", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, "postgres://localhost/usage", cfg.Storage.URL)
	assert.Equal(t, 16, cfg.Transport.Partitions)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.RetryBackoff)
	assert.Equal(t, 15*time.Minute, cfg.Aggregate.BucketWidth)
	assert.False(t, cfg.Aggregate.RebuildOnStart)
	// untouched by file or env
	assert.Equal(t, 3, cfg.Pipeline.MaxRetries)
	assert.True(t, cfg.UsesRedis())
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("USAGE_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad driver", mutate: func(c *Config) { c.Storage.Driver = "mysql" }, errMsg: "STORAGE_DRIVER"},
		{name: "bad transport", mutate: func(c *Config) { c.Transport.Backend = "kafka" }, errMsg: "TRANSPORT_BACKEND"},
		{name: "no partitions", mutate: func(c *Config) { c.Transport.Partitions = 0 }, errMsg: "TRANSPORT_PARTITIONS"},
		{name: "tiny bucket", mutate: func(c *Config) { c.Aggregate.BucketWidth = time.Millisecond }, errMsg: "AGGREGATE_BUCKET_WIDTH"},
		{name: "fractional bucket", mutate: func(c *Config) { c.Aggregate.BucketWidth = 90500 * time.Millisecond }, errMsg: "AGGREGATE_BUCKET_WIDTH"},
		{name: "odd bucket", mutate: func(c *Config) { c.Aggregate.BucketWidth = 7 * time.Hour }},
		{name: "archive without bucket", mutate: func(c *Config) { c.Archive.Enabled = true }, errMsg: "ARCHIVE_S3_BUCKET"},
		{name: "journal template", mutate: func(c *Config) {
			c.Journal.Enabled = true
			c.Journal.FileTemplate = "/tmp/events.jsonl"
		}, errMsg: "JOURNAL_FILE_TEMPLATE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
