package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names shared by several settings.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	DriverPostgres  = "postgres"
	DriverSQLite    = "sqlite"
	defaultJWTValue = "supersecretkey"
)

// Config holds configuration for the ingestion service.
type Config struct {
	HTTPPort  string          `yaml:"http_port"`
	LogLevel  string          `yaml:"log_level"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Transport TransportConfig `yaml:"transport"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	DLQ       DLQConfig       `yaml:"dlq"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Journal   JournalConfig   `yaml:"journal"`
}

// AuthConfig holds the admin API credentials
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	// ServiceTokenHash is the argon2id hash of the token exchanged at /admin/token
	ServiceTokenHash string `yaml:"service_token_hash"`
	ServiceRole      string `yaml:"service_role"`
}

// StorageConfig holds database connection settings
type StorageConfig struct {
	Driver               string        `yaml:"driver"`
	URL                  string        `yaml:"url"`
	MaxOpenConns         int           `yaml:"max_open_conns"`
	MaxIdleConns         int           `yaml:"max_idle_conns"`
	ConnMaxLifetime      time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime      time.Duration `yaml:"conn_max_idle_time"`
	QueryTimeout         time.Duration `yaml:"query_timeout"`
	PayloadEncryptionKey string        `yaml:"payload_encryption_key"`
	AutoMigrate          bool          `yaml:"auto_migrate"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// TransportConfig selects and tunes the event bus
type TransportConfig struct {
	Backend       string        `yaml:"backend"`
	Partitions    int           `yaml:"partitions"`
	StreamPrefix  string        `yaml:"stream_prefix"`
	ConsumerGroup string        `yaml:"consumer_group"`
	ConsumerName  string        `yaml:"consumer_name"`
	Block         time.Duration `yaml:"block"`
	MaxLen        int64         `yaml:"max_len"`
}

// PipelineConfig tunes the partition workers
type PipelineConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	StoreTimeout   time.Duration `yaml:"store_timeout"`
	DedupCacheSize int           `yaml:"dedup_cache_size"`
	DedupCacheTTL  time.Duration `yaml:"dedup_cache_ttl"`
}

// AggregateConfig selects the aggregate store
type AggregateConfig struct {
	Backend        string        `yaml:"backend"`
	BucketWidth    time.Duration `yaml:"bucket_width"`
	RebuildOnStart bool          `yaml:"rebuild_on_start"`
	RedisPrefix    string        `yaml:"redis_prefix"`
}

// DLQConfig selects the dead-letter store
type DLQConfig struct {
	Backend string `yaml:"backend"`
	Name    string `yaml:"name"`
}

// ArchiveConfig holds configuration for the S3 export
type ArchiveConfig struct {
	Enabled      bool          `yaml:"enabled"`
	QueueBackend string        `yaml:"queue_backend"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	IncludeRaw   bool          `yaml:"include_raw"`
	S3Bucket     string        `yaml:"s3_bucket"`
	S3Region     string        `yaml:"s3_region"`
	S3Prefix     string        `yaml:"s3_prefix"`
	S3Endpoint   string        `yaml:"s3_endpoint"`
	S3AccessKey  string        `yaml:"s3_access_key"`
	S3SecretKey  string        `yaml:"s3_secret_key"`
	PodName      string        `yaml:"pod_name"`
}

// JournalConfig controls the raw-event journal
type JournalConfig struct {
	Enabled       bool          `yaml:"enabled"`
	FileTemplate  string        `yaml:"file_template"`
	MaxSize       int64         `yaml:"max_size"`
	MaxFiles      int           `yaml:"max_files"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns a configuration for a standalone deployment: SQLite
// storage and in-memory transport, aggregates and dead letters.
func Default() *Config {
	return &Config{
		HTTPPort: "8080",
		LogLevel: "info",
		Auth: AuthConfig{
			JWTSecret:   defaultJWTValue,
			TokenTTL:    15 * time.Minute,
			ServiceRole: "admin",
		},
		Storage: StorageConfig{
			Driver:          DriverSQLite,
			URL:             "usage.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 1 * time.Minute,
			QueryTimeout:    5 * time.Second,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			Address:      "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Transport: TransportConfig{
			Backend:       BackendMemory,
			Partitions:    4,
			StreamPrefix:  "usage",
			ConsumerGroup: "ingestd",
			Block:         2 * time.Second,
		},
		Pipeline: PipelineConfig{
			BatchSize:      100,
			MaxRetries:     3,
			RetryBackoff:   1 * time.Second,
			StoreTimeout:   5 * time.Second,
			DedupCacheSize: 10000,
			DedupCacheTTL:  10 * time.Minute,
		},
		Aggregate: AggregateConfig{
			Backend:        BackendMemory,
			BucketWidth:    time.Hour,
			RebuildOnStart: true,
			RedisPrefix:    "usage:",
		},
		DLQ: DLQConfig{
			Backend: BackendMemory,
			Name:    "usage",
		},
		Archive: ArchiveConfig{
			QueueBackend: BackendMemory,
			BatchSize:    1000,
			BatchTimeout: 5 * time.Minute,
			MaxRetries:   3,
			RetryBackoff: 1 * time.Second,
			S3Region:     "us-east-1",
			S3Prefix:     "usage/",
			PodName:      "ingestd-0",
		},
		Journal: JournalConfig{
			FileTemplate:  "/var/log/usage-ingest/events-%s.jsonl",
			MaxSize:       10_485_760, // 10 MB
			MaxFiles:      5,
			BufferSize:    1000,
			FlushInterval: 10 * time.Second,
		},
	}
}

// Load builds the configuration from the YAML file named by
// USAGE_CONFIG_FILE, if any, then applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("USAGE_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays a YAML file. ${VAR} references are expanded first.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPPort = getEnvString("HTTP_PORT", c.HTTPPort)
	c.LogLevel = getEnvString("LOG_LEVEL", c.LogLevel)

	c.Auth.JWTSecret = getEnvString("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.TokenTTL = getEnvDuration("JWT_TOKEN_TTL", c.Auth.TokenTTL)
	c.Auth.ServiceTokenHash = getEnvString("ADMIN_TOKEN_HASH", c.Auth.ServiceTokenHash)
	c.Auth.ServiceRole = getEnvString("ADMIN_TOKEN_ROLE", c.Auth.ServiceRole)

	c.Storage.Driver = getEnvString("STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.URL = getEnvString("DATABASE_URL", c.Storage.URL)
	c.Storage.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", c.Storage.MaxOpenConns)
	c.Storage.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", c.Storage.MaxIdleConns)
	c.Storage.ConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", c.Storage.ConnMaxLifetime)
	c.Storage.ConnMaxIdleTime = getEnvDuration("DB_CONN_MAX_IDLE_TIME", c.Storage.ConnMaxIdleTime)
	c.Storage.QueryTimeout = getEnvDuration("DB_QUERY_TIMEOUT", c.Storage.QueryTimeout)
	c.Storage.PayloadEncryptionKey = getEnvString("STORAGE_PAYLOAD_ENCRYPTION_KEY", c.Storage.PayloadEncryptionKey)
	c.Storage.AutoMigrate = getEnvBool("DB_AUTO_MIGRATE", c.Storage.AutoMigrate)

	c.Redis.Address = getEnvString("REDIS_ADDRESS", c.Redis.Address)
	c.Redis.Password = getEnvString("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.PoolSize = getEnvInt("REDIS_POOL_SIZE", c.Redis.PoolSize)
	c.Redis.MinIdleConns = getEnvInt("REDIS_MIN_IDLE_CONNS", c.Redis.MinIdleConns)
	c.Redis.DialTimeout = getEnvDuration("REDIS_DIAL_TIMEOUT", c.Redis.DialTimeout)
	c.Redis.ReadTimeout = getEnvDuration("REDIS_READ_TIMEOUT", c.Redis.ReadTimeout)
	c.Redis.WriteTimeout = getEnvDuration("REDIS_WRITE_TIMEOUT", c.Redis.WriteTimeout)

	c.Transport.Backend = getEnvString("TRANSPORT_BACKEND", c.Transport.Backend)
	c.Transport.Partitions = getEnvInt("TRANSPORT_PARTITIONS", c.Transport.Partitions)
	c.Transport.StreamPrefix = getEnvString("TRANSPORT_STREAM_PREFIX", c.Transport.StreamPrefix)
	c.Transport.ConsumerGroup = getEnvString("TRANSPORT_CONSUMER_GROUP", c.Transport.ConsumerGroup)
	c.Transport.ConsumerName = getEnvString("TRANSPORT_CONSUMER_NAME", c.Transport.ConsumerName)
	c.Transport.Block = getEnvDuration("TRANSPORT_BLOCK", c.Transport.Block)
	c.Transport.MaxLen = getEnvInt64("TRANSPORT_MAXLEN", c.Transport.MaxLen)

	c.Pipeline.BatchSize = getEnvInt("PIPELINE_BATCH_SIZE", c.Pipeline.BatchSize)
	c.Pipeline.MaxRetries = getEnvInt("PIPELINE_MAX_RETRIES", c.Pipeline.MaxRetries)
	c.Pipeline.RetryBackoff = getEnvDuration("PIPELINE_RETRY_BACKOFF", c.Pipeline.RetryBackoff)
	c.Pipeline.StoreTimeout = getEnvDuration("PIPELINE_STORE_TIMEOUT", c.Pipeline.StoreTimeout)
	c.Pipeline.DedupCacheSize = getEnvInt("PIPELINE_DEDUP_CACHE_SIZE", c.Pipeline.DedupCacheSize)
	c.Pipeline.DedupCacheTTL = getEnvDuration("PIPELINE_DEDUP_CACHE_TTL", c.Pipeline.DedupCacheTTL)

	c.Aggregate.Backend = getEnvString("AGGREGATE_BACKEND", c.Aggregate.Backend)
	c.Aggregate.BucketWidth = getEnvDuration("AGGREGATE_BUCKET_WIDTH", c.Aggregate.BucketWidth)
	c.Aggregate.RebuildOnStart = getEnvBool("AGGREGATE_REBUILD_ON_START", c.Aggregate.RebuildOnStart)
	c.Aggregate.RedisPrefix = getEnvString("AGGREGATE_REDIS_PREFIX", c.Aggregate.RedisPrefix)

	c.DLQ.Backend = getEnvString("DLQ_BACKEND", c.DLQ.Backend)
	c.DLQ.Name = getEnvString("DLQ_NAME", c.DLQ.Name)

	c.Archive.Enabled = getEnvBool("ARCHIVE_ENABLED", c.Archive.Enabled)
	c.Archive.QueueBackend = getEnvString("ARCHIVE_QUEUE_BACKEND", c.Archive.QueueBackend)
	c.Archive.BatchSize = getEnvInt("ARCHIVE_BATCH_SIZE", c.Archive.BatchSize)
	c.Archive.BatchTimeout = getEnvDuration("ARCHIVE_BATCH_TIMEOUT", c.Archive.BatchTimeout)
	c.Archive.MaxRetries = getEnvInt("ARCHIVE_MAX_RETRIES", c.Archive.MaxRetries)
	c.Archive.RetryBackoff = getEnvDuration("ARCHIVE_RETRY_BACKOFF", c.Archive.RetryBackoff)
	c.Archive.IncludeRaw = getEnvBool("ARCHIVE_INCLUDE_RAW", c.Archive.IncludeRaw)
	c.Archive.S3Bucket = getEnvString("ARCHIVE_S3_BUCKET", c.Archive.S3Bucket)
	c.Archive.S3Region = getEnvString("ARCHIVE_S3_REGION", c.Archive.S3Region)
	c.Archive.S3Prefix = getEnvString("ARCHIVE_S3_PREFIX", c.Archive.S3Prefix)
	c.Archive.S3Endpoint = getEnvString("ARCHIVE_S3_ENDPOINT", c.Archive.S3Endpoint)
	c.Archive.S3AccessKey = getEnvString("ARCHIVE_S3_ACCESS_KEY", c.Archive.S3AccessKey)
	c.Archive.S3SecretKey = getEnvString("ARCHIVE_S3_SECRET_KEY", c.Archive.S3SecretKey)
	c.Archive.PodName = getEnvString("POD_NAME", c.Archive.PodName)

	c.Journal.Enabled = getEnvBool("JOURNAL_ENABLED", c.Journal.Enabled)
	c.Journal.FileTemplate = getEnvString("JOURNAL_FILE_TEMPLATE", c.Journal.FileTemplate)
	c.Journal.MaxSize = getEnvInt64("JOURNAL_MAX_SIZE", c.Journal.MaxSize)
	c.Journal.MaxFiles = getEnvInt("JOURNAL_MAX_FILES", c.Journal.MaxFiles)
	c.Journal.BufferSize = getEnvInt("JOURNAL_BUFFER_SIZE", c.Journal.BufferSize)
	c.Journal.FlushInterval = getEnvDuration("JOURNAL_FLUSH_INTERVAL", c.Journal.FlushInterval)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.Storage.Driver == DriverPostgres || c.Storage.Driver == DriverSQLite,
		"STORAGE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Storage.Driver)
	check(c.Storage.URL != "", "DATABASE_URL is required")
	check(isBackend(c.Transport.Backend), "TRANSPORT_BACKEND must be memory or redis, got %q", c.Transport.Backend)
	check(isBackend(c.Aggregate.Backend), "AGGREGATE_BACKEND must be memory or redis, got %q", c.Aggregate.Backend)
	check(isBackend(c.DLQ.Backend), "DLQ_BACKEND must be memory or redis, got %q", c.DLQ.Backend)
	check(c.Transport.Partitions > 0, "TRANSPORT_PARTITIONS must be positive")
	check(c.Pipeline.BatchSize > 0, "PIPELINE_BATCH_SIZE must be positive")
	check(c.Pipeline.MaxRetries >= 0, "PIPELINE_MAX_RETRIES must not be negative")
	check(c.Pipeline.StoreTimeout > 0, "PIPELINE_STORE_TIMEOUT must be positive")
	check(c.Aggregate.BucketWidth >= time.Second && c.Aggregate.BucketWidth%time.Second == 0,
		"AGGREGATE_BUCKET_WIDTH must be a whole number of seconds, at least 1s")
	check(c.Auth.JWTSecret != "", "JWT_SECRET is required")

	if c.Archive.Enabled {
		check(c.Archive.S3Bucket != "", "ARCHIVE_S3_BUCKET is required when archiving is enabled")
		check(isBackend(c.Archive.QueueBackend), "ARCHIVE_QUEUE_BACKEND must be memory or redis, got %q", c.Archive.QueueBackend)
		check(c.Archive.BatchSize > 0, "ARCHIVE_BATCH_SIZE must be positive")
	}
	if c.Journal.Enabled {
		check(strings.Count(c.Journal.FileTemplate, "%s") == 1, "JOURNAL_FILE_TEMPLATE must contain exactly one %%s")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Transport.Backend == BackendRedis ||
		c.Aggregate.Backend == BackendRedis ||
		c.DLQ.Backend == BackendRedis ||
		(c.Archive.Enabled && c.Archive.QueueBackend == BackendRedis)
}

// InsecureJWTSecret reports whether the built-in development secret is in use.
func (c *Config) InsecureJWTSecret() bool {
	return c.Auth.JWTSecret == defaultJWTValue
}

func isBackend(s string) bool {
	return s == BackendMemory || s == BackendRedis
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvInt64(key string, defaultValue int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	intVal, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultValue
	}
	return intVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}
