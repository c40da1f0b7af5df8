package clickhousetesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/malbeclabs/tiprouter/keeper/pkg/clickhouse"
	"github.com/malbeclabs/tiprouter/utils/pkg/retry"
	routertesting "github.com/malbeclabs/tiprouter/utils/pkg/testing"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"
)

type DBConfig struct {
	Database       string
	Username       string
	Password       string
	Port           string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.Port == "" {
		cfg.Port = "9000"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	addr      string
	container *tcch.ClickHouseContainer
}

// Addr returns the native protocol address (host:port).
func (db *DB) Addr() string {
	return db.addr
}

// Config returns client settings for the given database.
func (db *DB) Config(database string) clickhouse.Config {
	return clickhouse.Config{
		Logger:   db.log,
		Addr:     db.addr,
		Database: database,
		Username: db.cfg.Username,
		Password: db.cfg.Password,
	}
}

func (db *DB) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := testcontainers.TerminateContainer(db.container, testcontainers.StopContext(ctx)); err != nil {
		db.log.Error("failed to terminate ClickHouse container", "error", err)
	}
}

func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	var container *tcch.ClickHouseContainer
	err := retry.Do(ctx, containerRetry, func() (err error) {
		container, err = tcch.Run(ctx,
			cfg.ContainerImage,
			tcch.WithDatabase(cfg.Database),
			tcch.WithUsername(cfg.Username),
			tcch.WithPassword(cfg.Password),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start ClickHouse container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container host: %w", err)
	}
	mappedPort, err := container.MappedPort(ctx, nat.Port(cfg.Port+"/tcp"))
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container mapped port: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		addr:      fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		container: container,
	}, nil
}

// NewTestDatabase creates a uniquely named database with migrations applied
// and drops it on cleanup.
func NewTestDatabase(t *testing.T, db *DB) (clickhouse.Conn, string) {
	t.Helper()
	ctx := t.Context()

	admin := openWithRetry(t, db.Config(db.cfg.Database))
	t.Cleanup(func() { admin.Close() })

	name := "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	require.NoError(t, admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", name)))
	require.NoError(t, clickhouse.Migrate(ctx, db.Config(name)))

	conn := openWithRetry(t, db.Config(name))
	t.Cleanup(func() {
		dropCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = admin.Exec(dropCtx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", name))
		conn.Close()
	})
	return conn, name
}

// openWithRetry retries while ClickHouse finishes starting up.
func openWithRetry(t *testing.T, cfg clickhouse.Config) clickhouse.Conn {
	t.Helper()
	var conn clickhouse.Conn
	err := retry.Do(t.Context(), connRetry, func() (err error) {
		conn, err = clickhouse.Open(t.Context(), cfg)
		return err
	})
	require.NoError(t, err, "failed to open ClickHouse connection")
	return conn
}

var (
	containerRetry = retry.Config{
		MaxAttempts: 3,
		BaseBackoff: time.Second,
		MaxBackoff:  3 * time.Second,
		Retryable:   routertesting.IsRetryableContainerStartErr,
	}
	connRetry = retry.Config{
		MaxAttempts: 3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
		Retryable:   isRetryableConnectionErr,
	}
)

func isRetryableConnectionErr(err error) bool {
	s := err.Error()
	for _, pattern := range []string{"handshake", "packet", "failed to ping", "connection refused", "connection reset", "timeout", "dial tcp"} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
