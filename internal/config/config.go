package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

// Object backends.
const (
	BackendS3       = "s3"
	BackendPostgres = "postgres"
)

type Config struct {
	DBHost    string `envconfig:"DB_HOST" default:"postgres"`
	DBPort    int    `envconfig:"DB_PORT" default:"5432"`
	DBUser    string `envconfig:"DB_USER" default:"recordexport"`
	DBPass    string `envconfig:"DB_PASS" default:"password"`
	DBName    string `envconfig:"DB_NAME" default:"recordexport"`
	DBSSLMode string `envconfig:"DB_SSLMODE" default:"disable"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Object storage
	ObjectBackend  string   `envconfig:"OBJECT_BACKEND" default:"s3"`
	DefaultBucket  string   `envconfig:"DEFAULT_BUCKET" default:"records"`
	AllowedBuckets []string `envconfig:"ALLOWED_BUCKETS"`
	S3Region       string   `envconfig:"S3_REGION" default:"us-east-1"`
	S3Endpoint     string   `envconfig:"S3_ENDPOINT"`
	S3UsePathStyle bool     `envconfig:"S3_USE_PATH_STYLE" default:"false"`
	ListPageSize   int      `envconfig:"LIST_PAGE_SIZE" default:"1000"`
	ListMaxPages   int      `envconfig:"LIST_MAX_PAGES" default:"10000"`

	// Document store
	MongoURI      string   `envconfig:"MONGO_URI" default:"mongodb://mongo:27017"`
	MongoDatabase string   `envconfig:"MONGO_DATABASE" default:"records"`
	RoutingFile   string   `envconfig:"ROUTING_FILE"`
	AllowedFields []string `envconfig:"ALLOWED_FIELDS"`

	// Events are disabled when NSQD_HOST is empty.
	NSQDHost string `envconfig:"NSQD_HOST"`
	NSQDHTTP string `envconfig:"NSQD_HTTP"`

	RendererURL            string `envconfig:"RENDERER_URL"`
	RendererTimeoutSeconds int    `envconfig:"RENDERER_TIMEOUT_SECONDS" default:"30"`

	// Exports
	BatchMaxRows      int   `envconfig:"BATCH_MAX_ROWS" default:"100"`
	BatchConcurrency  int   `envconfig:"BATCH_CONCURRENCY" default:"1"`
	FetchConcurrency  int   `envconfig:"FETCH_CONCURRENCY" default:"4"`
	MaxManifestSizeMB int64 `envconfig:"MAX_MANIFEST_SIZE_MB" default:"10"`

	// Server
	ServerPort int `envconfig:"SERVER_PORT" default:"8081"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars set in the shell win over .env files.
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	_ = godotenv.Load(filepath.Join(cwd, "../../.env"))

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.DefaultBucket == "" {
		return fmt.Errorf("%w: DEFAULT_BUCKET", ErrMissingRequired)
	}
	if c.ObjectBackend != BackendS3 && c.ObjectBackend != BackendPostgres {
		return fmt.Errorf("%w: OBJECT_BACKEND must be %q or %q, got %q", ErrInvalidValue, BackendS3, BackendPostgres, c.ObjectBackend)
	}
	if c.BatchMaxRows <= 0 {
		return fmt.Errorf("%w: BATCH_MAX_ROWS must be positive", ErrInvalidValue)
	}
	if c.BatchConcurrency < 1 || c.FetchConcurrency < 1 {
		return fmt.Errorf("%w: concurrency must be at least 1", ErrInvalidValue)
	}
	return nil
}

// BucketAllowed reports whether requests may read from bucket. The default
// bucket is always allowed.
func (c *Config) BucketAllowed(bucket string) bool {
	return bucket == c.DefaultBucket || slices.Contains(c.AllowedBuckets, bucket)
}

func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPass, c.DBName, c.DBSSLMode)
}

func (c *Config) RendererTimeout() time.Duration {
	return time.Duration(c.RendererTimeoutSeconds) * time.Second
}

func (c *Config) MaxManifestBytes() int64 {
	return c.MaxManifestSizeMB << 20
}
