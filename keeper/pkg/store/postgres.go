package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/malbeclabs/tiprouter/router/pkg/fees"
	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

const (
	upsertRecordSQL = `
INSERT INTO tip_router_records (ncn, epoch, kind, data, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (ncn, epoch, kind) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`

	insertVersionedSQL = `
INSERT INTO tip_router_records (ncn, epoch, kind, data, version, updated_at)
VALUES ($1, $2, $3, $4, 1, now())
ON CONFLICT (ncn, epoch, kind) DO NOTHING`

	updateVersionedSQL = `
UPDATE tip_router_records SET data = $4, version = version + 1, updated_at = now()
WHERE ncn = $1 AND epoch = $2 AND kind = $3 AND version = $5`
)

type PostgresConfig struct {
	Logger  *slog.Logger
	ConnStr string

	MaxConns int32
}

func (cfg *PostgresConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ConnStr == "" {
		return errors.New("connection string is required")
	}
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 10
	}
	return nil
}

type PostgresStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

// NewPostgresStore opens a pool and pings the database. Migrations are run
// separately with Migrate.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	cfg.Logger.Info("store: connected to postgres", "host", poolConfig.ConnConfig.Host, "database", poolConfig.ConnConfig.Database)
	return &PostgresStore{log: cfg.Logger, pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) LoadFeeConfig(ctx context.Context, ncn solana.PublicKey) (*fees.FeeConfig, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM tip_router_records WHERE ncn = $1 AND epoch = $2 AND kind = $3`,
		ncn.String(), int64(feeConfigEpoch), string(KindFeeConfig),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load fee config: %w", err)
	}
	cfg, err := fees.FeeConfigFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode fee config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) SaveFeeConfig(ctx context.Context, ncn solana.PublicKey, cfg *fees.FeeConfig) error {
	data, err := cfg.Bytes()
	if err != nil {
		return fmt.Errorf("failed to encode fee config: %w", err)
	}
	if _, err := s.pool.Exec(ctx, upsertRecordSQL, ncn.String(), int64(feeConfigEpoch), string(KindFeeConfig), data); err != nil {
		return fmt.Errorf("failed to save fee config: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadEpoch(ctx context.Context, ncn solana.PublicKey, epoch uint64) (EpochRecords, error) {
	dbEpoch, err := toBigint(epoch)
	if err != nil {
		return EpochRecords{}, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT kind, data, version FROM tip_router_records WHERE ncn = $1 AND epoch = $2 AND kind <> $3`,
		ncn.String(), dbEpoch, string(KindFeeConfig),
	)
	if err != nil {
		return EpochRecords{}, fmt.Errorf("failed to query epoch records: %w", err)
	}
	defer rows.Close()

	found := make(map[Kind][]byte, 3)
	var stateVersion int64
	for rows.Next() {
		var (
			kind    string
			data    []byte
			version int64
		)
		if err := rows.Scan(&kind, &data, &version); err != nil {
			return EpochRecords{}, fmt.Errorf("failed to scan epoch record: %w", err)
		}
		found[Kind(kind)] = data
		if Kind(kind) == KindEpochState {
			stateVersion = version
		}
	}
	if err := rows.Err(); err != nil {
		return EpochRecords{}, fmt.Errorf("failed to read epoch records: %w", err)
	}
	return decodeEpoch(found, uint64(stateVersion))
}

func (s *PostgresStore) SaveEpoch(ctx context.Context, ncn solana.PublicKey, epoch uint64, recs EpochRecords) error {
	dbEpoch, err := toBigint(epoch)
	if err != nil {
		return err
	}
	encoded, err := encodeEpoch(recs)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The epoch state row carries the version; it is written first so a stale
	// save touches nothing else.
	state := encoded[0]
	var tag pgconn.CommandTag
	if recs.Version == 0 {
		tag, err = tx.Exec(ctx, insertVersionedSQL, ncn.String(), dbEpoch, string(state.kind), state.data)
	} else {
		version, verr := toBigint(recs.Version)
		if verr != nil {
			return verr
		}
		tag, err = tx.Exec(ctx, updateVersionedSQL, ncn.String(), dbEpoch, string(state.kind), state.data, version)
	}
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", state.kind, err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("epoch %d saved from version %d: %w", epoch, recs.Version, ErrConflict)
	}

	for _, r := range encoded[1:] {
		if _, err := tx.Exec(ctx, upsertRecordSQL, ncn.String(), dbEpoch, string(r.kind), r.data); err != nil {
			return fmt.Errorf("failed to save %s: %w", r.kind, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit epoch records: %w", err)
	}
	s.log.Debug("store: saved epoch records", "ncn", ncn, "epoch", epoch, "records", len(encoded), "version", recs.Version+1)
	return nil
}

func toBigint(epoch uint64) (int64, error) {
	if epoch > math.MaxInt64 {
		return 0, fmt.Errorf("epoch %d: %w", epoch, routererr.ErrCastOverflow)
	}
	return int64(epoch), nil
}

type slogGooseLogger struct {
	log *slog.Logger
}

func (l *slogGooseLogger) Fatalf(format string, v ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l *slogGooseLogger) Printf(format string, v ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func withGoose(log *slog.Logger, connStr string, fn func(db *sql.DB) error) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	goose.SetLogger(&slogGooseLogger{log: log})
	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return fn(db)
}

// Migrate applies all pending migrations.
func Migrate(ctx context.Context, log *slog.Logger, connStr string) error {
	log.Info("store: running postgres migrations")
	return withGoose(log, connStr, func(db *sql.DB) error {
		if err := goose.UpContext(ctx, db, "migrations"); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("store: postgres migrations completed")
		return nil
	})
}

// MigrationStatus logs the status of every migration.
func MigrationStatus(ctx context.Context, log *slog.Logger, connStr string) error {
	return withGoose(log, connStr, func(db *sql.DB) error {
		return goose.StatusContext(ctx, db, "migrations")
	})
}
