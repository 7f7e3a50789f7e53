// Package testutil provides shared test infrastructure: throwaway containers
// for the external systems gtmlake talks to, and a quiet logger.
//
// Container helpers skip the calling test under -short or when Docker is not
// reachable, so unit runs never depend on a container runtime:
//
//	func TestPostgresBackend(t *testing.T) {
//	    pg := testutil.StartPostgres(t)
//	    backend, _ := pg.NewPostgresBackend(ctx, testutil.TestLogger())
//	    ...
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/gtmlake/internal/storage"
	"github.com/ashita-ai/gtmlake/migrations"
)

// TestContainer wraps a testcontainers container with the address used to reach it.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string // connection string or host:port, depending on the service
}

// StartPostgres starts a Postgres container with pgvector available.
// The container is terminated when the test finishes.
func StartPostgres(t testing.TB) *TestContainer {
	t.Helper()
	tc := start(t, testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "gtm",
			"POSTGRES_PASSWORD": "gtm",
			"POSTGRES_DB":       "gtm",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}, "5432/tcp")
	tc.DSN = fmt.Sprintf("postgres://gtm:gtm@%s/gtm?sslmode=disable", tc.DSN)
	return tc
}

// StartRedis starts a Redis container. DSN is host:port.
func StartRedis(t testing.TB) *TestContainer {
	t.Helper()
	return start(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}, "6379/tcp")
}

// StartMinIO starts a MinIO server with access key "minio" and secret
// "minio-secret". DSN is host:port.
func StartMinIO(t testing.TB) *TestContainer {
	t.Helper()
	return start(t, testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Cmd:          []string{"server", "/data"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "minio",
			"MINIO_ROOT_PASSWORD": "minio-secret",
		},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
	}, "9000/tcp")
}

func start(t testing.TB, req testcontainers.ContainerRequest, port nat.Port) *TestContainer {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("testutil: container runtime unavailable for %s: %v", req.Image, err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("testutil: failed to get container host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("testutil: failed to get container port: %v", err)
	}

	return &TestContainer{Container: container, DSN: fmt.Sprintf("%s:%s", host, mapped.Port())}
}

// NewPostgresBackend connects a storage backend to this container and runs all migrations.
func (tc *TestContainer) NewPostgresBackend(ctx context.Context, logger *slog.Logger) (*storage.PostgresBackend, error) {
	backend, err := storage.NewPostgresBackend(ctx, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create backend: %w", err)
	}
	if err := backend.RunMigrations(ctx, migrations.FS); err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return backend, nil
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
