package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/sdko-org/docvault/internal/encryption"
	"github.com/sdko-org/docvault/internal/errs"
)

const (
	BlobBackendS3         = "s3"
	BlobBackendFilesystem = "filesystem"

	MetadataDriverPostgres = "postgres"
	MetadataDriverSQLite   = "sqlite"
)

type Config struct {
	EncryptionKey []byte

	RenderPoolSize      int
	RenderTimeout       time.Duration
	GenerateTimeout     time.Duration
	RenderHandleMaxAge  time.Duration
	RenderHandleMaxUses int
	ChromePath          string
	ChromeNoSandbox     bool

	ResultCacheSize int
	TemplateDir     string
	TemplateWatch   bool

	BlobBackend    string
	BlobDir        string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3PartSize     int64
	S3Concurrency  int
	MetadataDriver string
	SQLitePath     string

	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     string
	PostgresDatabase string
	PostgresSSLMode  string

	HTTPAddr          string
	HTTPSAddr         string
	RateLimit         int
	RateLimitWindow   time.Duration
	ShutdownTimeout   time.Duration
	DocumentRetention time.Duration
	ReaperInterval    time.Duration
	LogLevel          string
}

// Load reads the configuration from the environment. A .env file in the
// working directory, or the file named by DOCVAULT_ENV_FILE, is applied
// first without overriding variables already set.
func Load() (*Config, error) {
	if err := loadDotEnv(getEnv("DOCVAULT_ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	rawKey, err := mustGetEnv("DOCVAULT_ENCRYPTION_KEY")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEncryptionKeyInvalid, err)
	}
	key, err := encryption.ParseKey(rawKey)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		EncryptionKey: key,

		RenderPoolSize:      getEnvInt("RENDER_POOL_SIZE", 3),
		RenderTimeout:       getEnvDuration("RENDER_TIMEOUT", 60*time.Second),
		GenerateTimeout:     getEnvDuration("GENERATE_TIMEOUT", 2*time.Minute),
		RenderHandleMaxAge:  getEnvDuration("RENDER_HANDLE_MAX_AGE", 30*time.Minute),
		RenderHandleMaxUses: getEnvInt("RENDER_HANDLE_MAX_USES", 200),
		ChromePath:          getEnv("CHROME_PATH", ""),
		ChromeNoSandbox:     getEnvBool("CHROME_NO_SANDBOX", false),

		ResultCacheSize: getEnvInt("RESULT_CACHE_SIZE", 10),
		TemplateDir:     getEnv("TEMPLATE_DIR", "./templates"),
		TemplateWatch:   getEnvBool("TEMPLATE_WATCH", true),

		BlobBackend:    strings.ToLower(getEnv("BLOB_BACKEND", BlobBackendS3)),
		BlobDir:        getEnv("BLOB_DIR", "./data/blobs"),
		S3Bucket:       getEnv("S3_BUCKET", "docvault"),
		S3Region:       getEnv("AWS_REGION", "us-east-1"),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3AccessKey:    getEnv("AWS_ACCESS_KEY_ID", ""),
		S3SecretKey:    getEnv("AWS_SECRET_ACCESS_KEY", ""),
		S3PartSize:     int64(getEnvInt("S3_PART_SIZE", 5*1024*1024)),
		S3Concurrency:  getEnvInt("S3_UPLOAD_CONCURRENCY", 3),
		MetadataDriver: strings.ToLower(getEnv("METADATA_DRIVER", MetadataDriverPostgres)),
		SQLitePath:     getEnv("SQLITE_PATH", "./data/docvault.db"),

		PostgresUser:     getEnv("POSTGRES_USER", "docvault"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresDatabase: getEnv("POSTGRES_DATABASE", "docvault"),
		PostgresSSLMode:  getEnv("POSTGRES_SSL_MODE", "disable"),

		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		HTTPSAddr:         getEnv("HTTPS_ADDR", ""),
		RateLimit:         getEnvInt("RATE_LIMIT", 100),
		RateLimitWindow:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		ShutdownTimeout:   getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		DocumentRetention: getEnvDuration("DOCUMENT_RETENTION", 720*time.Hour),
		ReaperInterval:    getEnvDuration("REAPER_INTERVAL", 30*time.Minute),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.BlobBackend {
	case BlobBackendS3:
		// An empty S3_ENDPOINT selects the regional AWS endpoint.
		if c.S3AccessKey == "" || c.S3SecretKey == "" {
			return errors.New("AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY are required for the s3 blob backend")
		}
	case BlobBackendFilesystem:
		if c.BlobDir == "" {
			return errors.New("BLOB_DIR is required for the filesystem blob backend")
		}
	default:
		return fmt.Errorf("unknown BLOB_BACKEND %q", c.BlobBackend)
	}

	switch c.MetadataDriver {
	case MetadataDriverPostgres, MetadataDriverSQLite:
	default:
		return fmt.Errorf("unknown METADATA_DRIVER %q", c.MetadataDriver)
	}

	if c.RenderPoolSize < 1 {
		return fmt.Errorf("RENDER_POOL_SIZE must be at least 1, got %d", c.RenderPoolSize)
	}
	if c.ResultCacheSize < 1 {
		return fmt.Errorf("RESULT_CACHE_SIZE must be at least 1, got %d", c.ResultCacheSize)
	}
	return nil
}

func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func mustGetEnv(key string) (string, error) {
	value := os.Getenv(key)
	if value == "" {
		return "", fmt.Errorf("missing required environment variable: %s", key)
	}
	return value, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
