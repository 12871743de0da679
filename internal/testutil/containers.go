//go:build integration

// Package testutil starts throwaway Postgres and Redis containers for
// integration tests.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error

	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// Postgres returns a pool connected to a migrated database. The container is
// shared by every test in the package; tests should use fresh user IDs.
func Postgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgOnce.Do(func() {
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "postgres:16-alpine",
				ExposedPorts: []string{"5432/tcp"},
				Env: map[string]string{
					"POSTGRES_USER":     "test",
					"POSTGRES_PASSWORD": "test",
					"POSTGRES_DB":       "quota_test",
				},
				WaitingFor: wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			pgErr = fmt.Errorf("starting postgres container: %w", err)
			return
		}
		host, err := c.Host(ctx)
		if err != nil {
			pgErr = err
			return
		}
		port, err := c.MappedPort(ctx, "5432")
		if err != nil {
			pgErr = err
			return
		}
		pgDSN = fmt.Sprintf("postgres://test:test@%s:%s/quota_test?sslmode=disable", host, port.Port())

		m, err := migrate.New("file://"+MigrationsPath(), pgDSN)
		if err != nil {
			pgErr = fmt.Errorf("creating migrator: %w", err)
			return
		}
		defer m.Close()
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			pgErr = fmt.Errorf("running migrations: %w", err)
		}
	})
	if pgErr != nil {
		t.Fatalf("postgres: %v", pgErr)
	}

	pool, err := pgxpool.New(ctx, pgDSN)
	if err != nil {
		t.Fatalf("connecting to postgres: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// Redis returns a client connected to a shared Redis container.
func Redis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	redisOnce.Do(func() {
		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			redisErr = fmt.Errorf("starting redis container: %w", err)
			return
		}
		host, err := c.Host(ctx)
		if err != nil {
			redisErr = err
			return
		}
		port, err := c.MappedPort(ctx, "6379")
		if err != nil {
			redisErr = err
			return
		}
		redisAddr = fmt.Sprintf("%s:%s", host, port.Port())
	})
	if redisErr != nil {
		t.Fatalf("redis: %v", redisErr)
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

// MigrationsPath returns the absolute path of the repository migrations.
func MigrationsPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}
