package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/tiprouter/keeper/pkg/clickhouse"
	"github.com/malbeclabs/tiprouter/keeper/pkg/events"
	"github.com/malbeclabs/tiprouter/keeper/pkg/keeper"
	"github.com/malbeclabs/tiprouter/keeper/pkg/metrics"
	"github.com/malbeclabs/tiprouter/keeper/pkg/server"
	solanaledger "github.com/malbeclabs/tiprouter/keeper/pkg/solana"
	"github.com/malbeclabs/tiprouter/keeper/pkg/store"
	"github.com/malbeclabs/tiprouter/router/pkg/epochstate"
	"github.com/malbeclabs/tiprouter/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	jsonLogsFlag := flag.Bool("json-logs", false, "emit logs as JSON (or set LOG_FORMAT=json env var)")
	listenAddrFlag := flag.String("listen-addr", ":8080", "HTTP listen address for probes, metrics and the read API (or set LISTEN_ADDR env var)")
	allowedOriginsFlag := flag.StringSlice("allowed-origins", nil, "CORS allowed origins for the read API (or set ALLOWED_ORIGINS env var)")

	// Routing configuration
	ncnFlag := flag.String("ncn", "", "NCN public key (or set NCN env var)")
	epochFlag := flag.Uint64("epoch", 0, "Epoch to route rewards for (or set EPOCH env var)")
	routerAccountFlag := flag.String("router-account", "", "Account receiving the epoch's rewards (or set ROUTER_ACCOUNT env var)")
	slotsPerEpochFlag := flag.Uint64("slots-per-epoch", 432_000, "Slots per epoch")
	cooldownEpochsFlag := flag.Uint64("cooldown-epochs", 10, "Epochs after consensus before accounts can be closed")
	maxIterationsFlag := flag.Int("max-iterations", keeper.DefaultMaxIterations, "Maximum per-operator routing iterations per crank")
	refreshIntervalFlag := flag.Duration("refresh-interval", 30*time.Second, "Interval between cranks")

	// Solana configuration
	rpcURLFlag := flag.String("rpc-url", solanarpc.MainNetBeta_RPC, "Solana RPC URL (or set SOLANA_RPC_URL env var)")
	rpcRPSFlag := flag.Float64("rpc-rps", 10, "Maximum Solana RPC requests per second, 0 for no limit")

	// PostgreSQL configuration
	postgresURLFlag := flag.String("postgres-url", "", "PostgreSQL connection URL; records are kept in memory when empty (or set POSTGRES_URL env var)")
	postgresMaxConnsFlag := flag.Int32("postgres-max-conns", 10, "Maximum PostgreSQL pool connections")
	migrateFlag := flag.Bool("migrate", false, "Run store and event migrations before starting")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port); routing events are dropped when empty (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Sentry configuration
	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN; error reporting is disabled when empty (or set SENTRY_DSN env var)")
	sentryEnvFlag := flag.String("sentry-environment", "development", "Sentry environment (or set SENTRY_ENVIRONMENT env var)")

	flag.Parse()

	// Override flags with environment variables if set
	for env, dst := range map[string]*string{
		"LISTEN_ADDR":         listenAddrFlag,
		"NCN":                 ncnFlag,
		"ROUTER_ACCOUNT":      routerAccountFlag,
		"SOLANA_RPC_URL":      rpcURLFlag,
		"POSTGRES_URL":        postgresURLFlag,
		"CLICKHOUSE_ADDR_TCP": clickhouseAddrFlag,
		"CLICKHOUSE_DATABASE": clickhouseDatabaseFlag,
		"CLICKHOUSE_USERNAME": clickhouseUsernameFlag,
		"CLICKHOUSE_PASSWORD": clickhousePasswordFlag,
		"SENTRY_DSN":          sentryDSNFlag,
		"SENTRY_ENVIRONMENT":  sentryEnvFlag,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("EPOCH"); v != "" {
		epoch, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid EPOCH: %w", err)
		}
		*epochFlag = epoch
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		if err := flag.Set("allowed-origins", v); err != nil {
			return fmt.Errorf("invalid ALLOWED_ORIGINS: %w", err)
		}
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	if os.Getenv("LOG_FORMAT") == "json" {
		*jsonLogsFlag = true
	}

	log := logger.NewWithOptions(logger.Options{Verbose: *verboseFlag, JSON: *jsonLogsFlag})

	if *sentryDSNFlag != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              *sentryDSNFlag,
			Environment:      *sentryEnvFlag,
			Release:          version,
			EnableTracing:    true,
			TracesSampleRate: 0.1,
		}); err != nil {
			return fmt.Errorf("failed to initialize sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		log.Info("sentry: initialized", "environment", *sentryEnvFlag)
	}

	ncn, err := solana.PublicKeyFromBase58(*ncnFlag)
	if err != nil {
		return fmt.Errorf("--ncn: %w", err)
	}
	routerAccount, err := solana.PublicKeyFromBase58(*routerAccountFlag)
	if err != nil {
		return fmt.Errorf("--router-account: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	log.Info("keeper: starting", "version", version, "commit", commit, "date", date, "ncn", ncn, "epoch", *epochFlag)

	var st store.Store
	if *postgresURLFlag != "" {
		if *migrateFlag {
			if err := store.Migrate(ctx, log, *postgresURLFlag); err != nil {
				return err
			}
		}
		pg, err := store.NewPostgresStore(ctx, store.PostgresConfig{
			Logger:   log,
			ConnStr:  *postgresURLFlag,
			MaxConns: *postgresMaxConnsFlag,
		})
		if err != nil {
			return err
		}
		defer pg.Close()
		st = pg
	} else {
		log.Warn("keeper: no postgres url, keeping records in memory")
		st = store.NewMemoryStore()
	}

	var sink events.Sink = events.NopSink{}
	if *clickhouseAddrFlag != "" {
		chCfg := clickhouse.Config{
			Logger:   log,
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		}
		if *migrateFlag {
			if err := clickhouse.Migrate(ctx, chCfg); err != nil {
				return err
			}
		}
		conn, err := clickhouse.Open(ctx, chCfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		if sink, err = events.NewClickHouseSink(events.ClickHouseSinkConfig{Logger: log, Conn: conn}); err != nil {
			return err
		}
	}

	ledger, err := solanaledger.NewRPCLedger(solanaledger.RPCLedgerConfig{
		Logger:            log,
		RPC:               solanarpc.New(*rpcURLFlag),
		RequestsPerSecond: *rpcRPSFlag,
	})
	if err != nil {
		return err
	}

	k, err := keeper.New(keeper.Config{
		Logger:          log,
		Store:           st,
		Ledger:          ledger,
		Events:          sink,
		NCN:             ncn,
		Epoch:           *epochFlag,
		RouterAccount:   routerAccount,
		Schedule:        epochstate.EpochSchedule{SlotsPerEpoch: *slotsPerEpochFlag},
		CooldownEpochs:  *cooldownEpochsFlag,
		MaxIterations:   *maxIterationsFlag,
		RefreshInterval: *refreshIntervalFlag,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Logger:         log,
		Keeper:         k,
		ListenAddr:     *listenAddrFlag,
		AllowedOrigins: *allowedOriginsFlag,
		VersionInfo:    server.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	k.Start(gctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		if err := k.WaitReady(gctx); err != nil {
			return nil
		}
		log.Info("keeper: ready")
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("keeper: shutdown complete")
	return nil
}
