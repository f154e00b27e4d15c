package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"recordexport/features/export"
	"recordexport/internal/config"
	"recordexport/internal/docstore"
	"recordexport/internal/events"
	"recordexport/internal/objectstore"
)

// Dependencies are the external connections the app is built on.
type Dependencies struct {
	DB        *sql.DB
	Objects   objectstore.Backend
	Documents export.DocumentFinder
	// Publisher is nil when events are disabled.
	Publisher events.Publisher

	mongo    *mongo.Client
	producer *nsq.Producer
}

// Close releases every connection Bootstrap opened.
func (d *Dependencies) Close(ctx context.Context) {
	if d.producer != nil {
		d.producer.Stop()
	}
	if d.mongo != nil {
		if err := d.mongo.Disconnect(ctx); err != nil {
			slog.Warn("failed to disconnect mongo", "error", err)
		}
	}
	if d.DB != nil {
		if err := d.DB.Close(); err != nil {
			slog.Warn("failed to close db", "error", err)
		}
	}
}

func Bootstrap(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	retryDelay := time.Duration(cfg.BootstrapRetryDelaySeconds) * time.Second
	deps := &Dependencies{}

	// Database
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	deps.DB = db

	if err := WithRetry(ctx, cfg.BootstrapRetryAttempts, retryDelay, "db", db.PingContext); err != nil {
		deps.Close(ctx)
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if err := migrateUp(db, cfg.MigrationPath); err != nil {
		deps.Close(ctx)
		return nil, err
	}

	// Object storage
	switch cfg.ObjectBackend {
	case config.BackendPostgres:
		deps.Objects = objectstore.NewPostgresBackend(db, cfg.ListPageSize)
	default:
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			deps.Close(ctx)
			return nil, err
		}
		deps.Objects = objectstore.NewS3Backend(client, int32(min(cfg.ListPageSize, 1000))) // #nosec G115 -- bounded above
	}

	// Documents
	mc, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		deps.Close(ctx)
		return nil, fmt.Errorf("mongo client error: %w", err)
	}
	deps.mongo = mc
	ping := func(ctx context.Context) error { return mc.Ping(ctx, nil) }
	if err := WithRetry(ctx, cfg.BootstrapRetryAttempts, retryDelay, "mongo", ping); err != nil {
		deps.Close(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	deps.Documents = docstore.NewMongo(mc.Database(cfg.MongoDatabase))

	// NSQ Producer
	if cfg.NSQDHost == "" {
		slog.Info("NSQD_HOST not set, export events disabled")
		return deps, nil
	}
	producer, err := nsq.NewProducer(cfg.NSQDHost, nsq.NewConfig())
	if err != nil {
		deps.Close(ctx)
		return nil, fmt.Errorf("nsq producer error: %w", err)
	}
	deps.producer = producer
	deps.Publisher = producer

	if cfg.NSQDHTTP != "" {
		createTopics(cfg.NSQDHTTP)
	}
	return deps, nil
}

func migrateUp(db *sql.DB, path string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver error: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(path, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migration instance error: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up error: %w", err)
	}
	slog.Info("migrations applied")
	return nil
}

func newS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("aws config error: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3UsePathStyle
	}), nil
}

func createTopics(nsqdHTTP string) {
	create := func(topic string) {
		url := fmt.Sprintf("http://%s/topic/create?topic=%s", nsqdHTTP, topic)
		resp, err := http.Post(url, "application/json", nil) // #nosec G107 -- URL is built from internal NSQ config, not user input
		if err != nil {
			slog.Warn("failed to create NSQ topic", "topic", topic, "error", err)
			return
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Warn("failed to close NSQ topic creation response body", "error", closeErr)
		}
	}

	go func() {
		time.Sleep(2 * time.Second)
		create(config.TopicExportCompleted)
	}()
}

// WithRetry calls fn up to attempts times, sleeping delay between failures.
func WithRetry(ctx context.Context, attempts int, delay time.Duration, name string, fn func(context.Context) error) error {
	attempts = max(attempts, 1)
	var err error
	for i := range attempts {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		slog.Warn("dependency not ready, retrying", "dependency", name, "attempt", i+1, "max_attempts", attempts, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
