package testutils

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"recordexport/internal/config"
	"recordexport/internal/logger"
)

const (
	testDatabase      = "recordexport_test"
	testMongoDatabase = "records_test"
)

type IntegrationSuite struct {
	T     *testing.T
	DB    *sql.DB
	Mongo *mongo.Client
	NSQ   *nsq.Producer

	// SkipMongo and SkipNSQ keep Postgres-only tests fast.
	SkipMongo bool
	SkipNSQ   bool

	pgConnStr string
	mongoURI  string
	nsqAddr   string
	nsqHTTP   string

	pgContainer    *postgres.PostgresContainer
	mongoContainer testcontainers.Container
	nsqContainer   testcontainers.Container
}

func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	return &IntegrationSuite{T: t}
}

// MigrationPath is the file:// URL of the repository's migrations directory.
func MigrationPath() string {
	_, b, _, _ := runtime.Caller(0)
	return fmt.Sprintf("file://%s/../../migrations", filepath.Dir(b))
}

func (s *IntegrationSuite) Setup() {
	ctx := context.Background()

	// 1. Postgres
	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(testDatabase),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(s.T, err)
	s.pgContainer = pgContainer

	s.pgConnStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(s.T, err)

	s.DB, err = sql.Open("postgres", s.pgConnStr)
	require.NoError(s.T, err)

	m, err := migrate.New(MigrationPath(), s.pgConnStr)
	require.NoError(s.T, err)
	require.NoError(s.T, m.Up())

	// 2. Mongo
	if !s.SkipMongo {
		mongoC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "mongo:7",
				ExposedPorts: []string{"27017/tcp"},
				WaitingFor:   wait.ForListeningPort("27017/tcp").WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
		require.NoError(s.T, err)
		s.mongoContainer = mongoC

		host, err := mongoC.Host(ctx)
		require.NoError(s.T, err)
		port, err := mongoC.MappedPort(ctx, "27017")
		require.NoError(s.T, err)

		s.mongoURI = fmt.Sprintf("mongodb://%s:%s", host, port.Port())
		s.Mongo, err = mongo.Connect(ctx, options.Client().ApplyURI(s.mongoURI))
		require.NoError(s.T, err)
		require.NoError(s.T, s.Mongo.Ping(ctx, nil))
	}

	// 3. NSQ
	if !s.SkipNSQ {
		nsqC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "nsqio/nsq:v1.3.0",
				ExposedPorts: []string{"4150/tcp", "4151/tcp"},
				Cmd:          []string{"/nsqd", "--broadcast-address=localhost"},
				WaitingFor:   wait.ForLog("TCP: listening on").WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
		require.NoError(s.T, err)
		s.nsqContainer = nsqC

		host, err := nsqC.Host(ctx)
		require.NoError(s.T, err)
		tcpPort, err := nsqC.MappedPort(ctx, "4150")
		require.NoError(s.T, err)
		httpPort, err := nsqC.MappedPort(ctx, "4151")
		require.NoError(s.T, err)

		s.nsqAddr = fmt.Sprintf("%s:%s", host, tcpPort.Port())
		s.nsqHTTP = fmt.Sprintf("%s:%s", host, httpPort.Port())
		s.NSQ, err = nsq.NewProducer(s.nsqAddr, nsq.NewConfig())
		require.NoError(s.T, err)
	}
}

func (s *IntegrationSuite) Teardown() {
	ctx := context.Background()
	if s.NSQ != nil {
		s.NSQ.Stop()
	}
	if s.Mongo != nil {
		_ = s.Mongo.Disconnect(ctx)
	}
	if s.DB != nil {
		_ = s.DB.Close()
	}
	if s.pgContainer != nil {
		_ = s.pgContainer.Terminate(ctx)
	}
	if s.mongoContainer != nil {
		_ = s.mongoContainer.Terminate(ctx)
	}
	if s.nsqContainer != nil {
		_ = s.nsqContainer.Terminate(ctx)
	}
}

// MongoDatabase is the database the suite's documents live in.
func (s *IntegrationSuite) MongoDatabase() *mongo.Database {
	require.NotNil(s.T, s.Mongo, "mongo container not started")
	return s.Mongo.Database(testMongoDatabase)
}

// GetAppConfig returns a configuration pointing at the suite's containers,
// using the Postgres object backend.
func (s *IntegrationSuite) GetAppConfig() *config.Config {
	ctx := context.Background()
	host, err := s.pgContainer.Host(ctx)
	require.NoError(s.T, err)
	port, err := s.pgContainer.MappedPort(ctx, "5432")
	require.NoError(s.T, err)
	pgPort, err := strconv.Atoi(port.Port())
	require.NoError(s.T, err)

	return &config.Config{
		DBHost:        host,
		DBPort:        pgPort,
		DBUser:        "test",
		DBPass:        "test",
		DBName:        testDatabase,
		DBSSLMode:     "disable",
		MigrationPath: MigrationPath(),

		ObjectBackend: config.BackendPostgres,
		DefaultBucket: "records",
		ListPageSize:  100,
		ListMaxPages:  100,

		MongoURI:      s.mongoURI,
		MongoDatabase: testMongoDatabase,

		NSQDHost: s.nsqAddr,
		NSQDHTTP: s.nsqHTTP,

		RendererTimeoutSeconds: 5,
		BatchMaxRows:           100,
		BatchConcurrency:       1,
		FetchConcurrency:       4,
		MaxManifestSizeMB:      1,
		ServerPort:             8081,

		BootstrapRetryAttempts:     3,
		BootstrapRetryDelaySeconds: 1,
	}
}

func (s *IntegrationSuite) Logger() *slog.Logger {
	return slog.New(logger.NewContextHandler(slog.NewJSONHandler(os.Stdout, nil)))
}
