// Package testutil starts throwaway dependencies for integration tests.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/cloo-solutions/docrag/internal/database"
)

const (
	pgUser     = "docrag"
	pgPassword = "docrag"
	pgDatabase = "docrag"
)

// PostgresContainer is a PostgreSQL server with the pgvector extension available.
type PostgresContainer struct {
	Container testcontainers.Container
	Host      string
	Port      string
}

// NewPostgresContainer starts a pgvector container. It is terminated when the test ends.
func NewPostgresContainer(ctx context.Context, t *testing.T) *PostgresContainer {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "pgvector/pgvector:0.8.1-pg18",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     pgUser,
				"POSTGRES_PASSWORD": pgPassword,
				"POSTGRES_DB":       pgDatabase,
			},
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to create postgres container: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	host, port := endpoint(ctx, t, container, "5432")
	return &PostgresContainer{Container: container, Host: host, Port: port}
}

// ConnectionString returns the DSN of the container's database.
func (pc *PostgresContainer) ConnectionString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		pgUser, pgPassword, pc.Host, pc.Port, pgDatabase)
}

// NewTestPool connects to pc, retrying while the server warms up, and applies
// the embedded migrations.
func NewTestPool(ctx context.Context, t *testing.T, pc *PostgresContainer) *pgxpool.Pool {
	t.Helper()
	var pool *pgxpool.Pool
	var err error
	for i := 0; i < 5; i++ {
		pool, err = pgxpool.New(ctx, pc.ConnectionString())
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
		}
		time.Sleep(time.Duration(i+1) * 500 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to connect after retries: %v", err)
	}
	t.Cleanup(pool.Close)

	if err := database.Migrate(pc.ConnectionString(), zap.NewNop()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return pool
}

// NewMigratedPool starts a container and returns a migrated pool for it.
func NewMigratedPool(ctx context.Context, t *testing.T) *pgxpool.Pool {
	t.Helper()
	return NewTestPool(ctx, t, NewPostgresContainer(ctx, t))
}

// TruncateAll empties every table and resets the index version.
func TruncateAll(ctx context.Context, pool *pgxpool.Pool) error {
	for _, table := range []string{"chunks", "index_documents", "ingestion_jobs", "documents"} {
		if _, err := pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table, err)
		}
	}
	_, err := pool.Exec(ctx, "UPDATE index_state SET version = 0 WHERE id = 1")
	return err
}

// S3Container is an S3 compatible object store.
type S3Container struct {
	Container testcontainers.Container
	Host      string
	Port      string
	AccessKey string
	SecretKey string
}

// NewS3Container starts a RustFS container. It is terminated when the test ends.
func NewS3Container(ctx context.Context, t *testing.T) *S3Container {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rustfs/rustfs:latest",
			ExposedPorts: []string{"9000/tcp"},
			Env: map[string]string{
				"RUSTFS_ACCESS_KEY": "rustfsadmin",
				"RUSTFS_SECRET_KEY": "rustfsadmin",
			},
			WaitingFor: wait.ForListeningPort("9000/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to create s3 container: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	host, port := endpoint(ctx, t, container, "9000")
	return &S3Container{Container: container, Host: host, Port: port, AccessKey: "rustfsadmin", SecretKey: "rustfsadmin"}
}

// Endpoint returns the S3 endpoint URL
func (sc *S3Container) Endpoint() string {
	return fmt.Sprintf("http://%s:%s", sc.Host, sc.Port)
}

func endpoint(ctx context.Context, t *testing.T, c testcontainers.Container, port string) (string, string) {
	t.Helper()
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}
	return host, mapped.Port()
}
