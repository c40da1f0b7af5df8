package admin

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/malbeclabs/tiprouter/keeper/pkg/store"
)

// PgConfig holds the PostgreSQL connection settings.
type PgConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
}

// ConnStr builds a postgres URL from the config.
func (cfg PgConfig) ConnStr() string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     cfg.Host + ":" + cfg.Port,
		Path:     "/" + cfg.Database,
		RawQuery: url.Values{"sslmode": {sslMode}}.Encode(),
	}
	return u.String()
}

func (cfg PgConfig) Validate() error {
	if cfg.Host == "" || cfg.Port == "" {
		return fmt.Errorf("postgres host and port are required")
	}
	if cfg.Database == "" {
		return fmt.Errorf("postgres database is required")
	}
	if cfg.Username == "" {
		return fmt.Errorf("postgres username is required")
	}
	return nil
}

// PgMigrateUp runs all pending PostgreSQL migrations.
func PgMigrateUp(ctx context.Context, log *slog.Logger, cfg PgConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return store.Migrate(ctx, log, cfg.ConnStr())
}

// PgMigrateStatus shows the status of all PostgreSQL migrations.
func PgMigrateStatus(ctx context.Context, log *slog.Logger, cfg PgConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log.Info("PostgreSQL migration status")
	return store.MigrationStatus(ctx, log, cfg.ConnStr())
}
