package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/tiprouter/admin/internal/admin"
	"github.com/malbeclabs/tiprouter/keeper/pkg/clickhouse"
	"github.com/malbeclabs/tiprouter/keeper/pkg/keeper"
	solanaledger "github.com/malbeclabs/tiprouter/keeper/pkg/solana"
	"github.com/malbeclabs/tiprouter/keeper/pkg/store"
	"github.com/malbeclabs/tiprouter/router/pkg/ballot"
	"github.com/malbeclabs/tiprouter/router/pkg/epochstate"
	"github.com/malbeclabs/tiprouter/router/pkg/fees"
	"github.com/malbeclabs/tiprouter/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// PostgreSQL configuration
	pgHostFlag := flag.String("pg-host", "localhost", "PostgreSQL host (or set POSTGRES_HOST env var)")
	pgPortFlag := flag.String("pg-port", "5432", "PostgreSQL port (or set POSTGRES_PORT env var)")
	pgDatabaseFlag := flag.String("pg-database", "tiprouter", "PostgreSQL database name (or set POSTGRES_DB env var)")
	pgUsernameFlag := flag.String("pg-username", "tiprouter", "PostgreSQL username (or set POSTGRES_USER env var)")
	pgPasswordFlag := flag.String("pg-password", "", "PostgreSQL password (or set POSTGRES_PASSWORD env var)")
	pgSSLModeFlag := flag.String("pg-sslmode", "disable", "PostgreSQL sslmode (or set POSTGRES_SSLMODE env var)")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", "default", "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Solana configuration
	rpcURLFlag := flag.String("rpc-url", solanarpc.MainNetBeta_RPC, "Solana RPC URL (or set SOLANA_RPC_URL env var)")
	slotsPerEpochFlag := flag.Uint64("slots-per-epoch", 432_000, "Slots per epoch")
	cooldownEpochsFlag := flag.Uint64("cooldown-epochs", 10, "Epochs after consensus before accounts can be closed")

	// Commands
	pgMigrateFlag := flag.Bool("pg-migrate", false, "Run PostgreSQL store migrations using goose")
	pgMigrateStatusFlag := flag.Bool("pg-migrate-status", false, "Show PostgreSQL store migration status")
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", false, "Run ClickHouse routing event migrations using goose")
	inspectFlag := flag.Bool("inspect", false, "Print the stored fee config and epoch records of an NCN")
	initFeeConfigFlag := flag.Bool("init-fee-config", false, "Create the fee config of an NCN")
	updateFeeConfigFlag := flag.Bool("update-fee-config", false, "Update the fee config of an NCN, effective next epoch")
	createEpochFlag := flag.Bool("create-epoch", false, "Create the epoch state of an NCN for --epoch")
	setWeightsFlag := flag.Bool("set-weights", false, "Create the weight table if needed and record how many weights are set")
	snapshotOperatorsFlag := flag.Bool("snapshot-operators", false, "Take the epoch snapshot from --operators-file")
	castVoteFlag := flag.Bool("cast-vote", false, "Record an operator's ballot vote")
	uploadFlag := flag.Bool("upload", false, "Record an operator's NCN fee group route upload")
	distributeBaseFlag := flag.Bool("distribute-base", false, "Record a base fee group payout to its wallet")
	distributeNcnFlag := flag.Bool("distribute-ncn", false, "Record an operator's NCN fee group payout to its receiver")
	closeEpochFlag := flag.Bool("close-epoch", false, "Close every record of the epoch once the cooldown has elapsed")

	// Command options
	ncnFlag := flag.String("ncn", "", "NCN public key (or set NCN env var)")
	epochFlag := flag.Uint64("epoch", 0, "Epoch to inspect or drive; the current epoch for fee config commands")
	daoFeeWalletFlag := flag.String("dao-fee-wallet", "", "Payout wallet of the default base fee group")
	blockEngineFeeBpsFlag := flag.Uint16("block-engine-fee-bps", 0, "Block engine fee in basis points")
	baseFeeGroupFlag := flag.Uint8("base-fee-group", 0, "Base fee group to update")
	baseFeeBpsFlag := flag.Uint16("base-fee-bps", 0, "Base fee group fee in basis points")
	baseFeeWalletFlag := flag.String("base-fee-wallet", "", "Payout wallet of the base fee group to update")
	ncnFeeGroupFlag := flag.Uint8("ncn-fee-group", 0, "NCN fee group to update or upload to")
	ncnFeeBpsFlag := flag.Uint16("ncn-fee-bps", 0, "NCN fee group fee in basis points")
	operatorFlag := flag.String("operator", "", "Operator public key for --upload, --cast-vote and --distribute-ncn")
	operatorIndexFlag := flag.Int("operator-index", -1, "Operator snapshot index for --upload")
	receiverFlag := flag.String("receiver", "", "Receiver public key for --upload")
	destinationFlag := flag.String("destination", "", "Payout destination for --distribute-base and --distribute-ncn")
	routerAccountFlag := flag.String("router-account", "", "Router account public key for epoch commands (or set ROUTER_ACCOUNT env var)")
	stMintCountFlag := flag.Uint64("st-mint-count", 0, "Number of stake mints in the weight table for --set-weights")
	weightsSetFlag := flag.Uint64("weights-set", 0, "Number of stake mints with a weight for --set-weights")
	vaultCountFlag := flag.Uint64("vault-count", 0, "Number of vaults in the epoch snapshot for --snapshot-operators")
	operatorsFileFlag := flag.String("operators-file", "", "JSON file of [{\"operator\": ..., \"delegations\": n}] for --snapshot-operators")
	resultFlag := flag.String("result", "", "Hex encoded ballot result for --cast-vote")
	stakeWeightFlag := flag.Uint64("stake-weight", 0, "Voting operator's stake weight for --cast-vote")
	totalStakeWeightFlag := flag.Uint64("total-stake-weight", 0, "Total stake weight of the epoch for --cast-vote")

	flag.Parse()

	log := logger.New(*verboseFlag)

	// Override flags with environment variables if set
	for env, dst := range map[string]*string{
		"POSTGRES_HOST":       pgHostFlag,
		"POSTGRES_PORT":       pgPortFlag,
		"POSTGRES_DB":         pgDatabaseFlag,
		"POSTGRES_USER":       pgUsernameFlag,
		"POSTGRES_PASSWORD":   pgPasswordFlag,
		"POSTGRES_SSLMODE":    pgSSLModeFlag,
		"CLICKHOUSE_ADDR_TCP": clickhouseAddrFlag,
		"CLICKHOUSE_DATABASE": clickhouseDatabaseFlag,
		"CLICKHOUSE_USERNAME": clickhouseUsernameFlag,
		"CLICKHOUSE_PASSWORD": clickhousePasswordFlag,
		"SOLANA_RPC_URL":      rpcURLFlag,
		"NCN":                 ncnFlag,
		"ROUTER_ACCOUNT":      routerAccountFlag,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgCfg := admin.PgConfig{
		Host:     *pgHostFlag,
		Port:     *pgPortFlag,
		Database: *pgDatabaseFlag,
		Username: *pgUsernameFlag,
		Password: *pgPasswordFlag,
		SSLMode:  *pgSSLModeFlag,
	}

	// Execute commands
	if *pgMigrateFlag {
		return admin.PgMigrateUp(ctx, log, pgCfg)
	}

	if *pgMigrateStatusFlag {
		return admin.PgMigrateStatus(ctx, log, pgCfg)
	}

	if *clickhouseMigrateFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate")
		}
		return clickhouse.Migrate(ctx, clickhouse.Config{
			Logger:   log,
			Addr:     *clickhouseAddrFlag,
			Database: *clickhouseDatabaseFlag,
			Username: *clickhouseUsernameFlag,
			Password: *clickhousePasswordFlag,
			Secure:   *clickhouseSecureFlag,
		})
	}

	epochCommand := *createEpochFlag || *setWeightsFlag || *snapshotOperatorsFlag || *castVoteFlag ||
		*uploadFlag || *distributeBaseFlag || *distributeNcnFlag || *closeEpochFlag
	if !*inspectFlag && !*initFeeConfigFlag && !*updateFeeConfigFlag && !epochCommand {
		flag.Usage()
		return nil
	}

	ncn, err := solana.PublicKeyFromBase58(*ncnFlag)
	if err != nil {
		return fmt.Errorf("--ncn: %w", err)
	}
	if err := pgCfg.Validate(); err != nil {
		return err
	}
	st, err := store.NewPostgresStore(ctx, store.PostgresConfig{Logger: log, ConnStr: pgCfg.ConnStr()})
	if err != nil {
		return err
	}
	defer st.Close()

	schedule := epochstate.EpochSchedule{SlotsPerEpoch: *slotsPerEpochFlag}

	switch {
	case *inspectFlag:
		params := admin.InspectParams{NCN: ncn, Epoch: *epochFlag, Schedule: schedule, CooldownEpochs: *cooldownEpochsFlag}
		ledger, err := newLedger(log, *rpcURLFlag)
		if err != nil {
			return err
		}
		if params.CurrentSlot, err = ledger.CurrentSlot(ctx); err != nil {
			log.Warn("admin: failed to get current slot, skipping state", "error", err)
			params.Schedule = epochstate.EpochSchedule{}
		}
		return admin.Inspect(ctx, log, os.Stdout, st, params)

	case *initFeeConfigFlag:
		wallet, err := solana.PublicKeyFromBase58(*daoFeeWalletFlag)
		if err != nil {
			return fmt.Errorf("--dao-fee-wallet: %w", err)
		}
		return admin.InitFeeConfig(ctx, log, st, admin.InitFeeConfigParams{
			NCN:               ncn,
			DaoFeeWallet:      wallet,
			BlockEngineFeeBps: *blockEngineFeeBpsFlag,
			DefaultBaseFeeBps: *baseFeeBpsFlag,
			DefaultNcnFeeBps:  *ncnFeeBpsFlag,
			CurrentEpoch:      *epochFlag,
		})

	case *updateFeeConfigFlag:
		baseGroup, err := fees.NewBaseFeeGroup(*baseFeeGroupFlag)
		if err != nil {
			return fmt.Errorf("--base-fee-group: %w", err)
		}
		ncnGroup, err := fees.NewNcnFeeGroup(*ncnFeeGroupFlag)
		if err != nil {
			return fmt.Errorf("--ncn-fee-group: %w", err)
		}
		u := fees.Update{BaseFeeGroup: baseGroup, NcnFeeGroup: ncnGroup}
		if flag.CommandLine.Changed("block-engine-fee-bps") {
			u.BlockEngineFeeBps = blockEngineFeeBpsFlag
		}
		if flag.CommandLine.Changed("base-fee-bps") {
			u.BaseFeeBps = baseFeeBpsFlag
		}
		if flag.CommandLine.Changed("ncn-fee-bps") {
			u.NcnFeeBps = ncnFeeBpsFlag
		}
		if *baseFeeWalletFlag != "" {
			wallet, err := solana.PublicKeyFromBase58(*baseFeeWalletFlag)
			if err != nil {
				return fmt.Errorf("--base-fee-wallet: %w", err)
			}
			u.BaseFeeWallet = &wallet
		}
		return admin.UpdateFeeConfig(ctx, log, st, ncn, u, *epochFlag)
	}

	routerAccount, err := solana.PublicKeyFromBase58(*routerAccountFlag)
	if err != nil {
		return fmt.Errorf("--router-account: %w", err)
	}
	ledger, err := newLedger(log, *rpcURLFlag)
	if err != nil {
		return err
	}
	k, err := keeper.New(keeper.Config{
		Logger:          log,
		Store:           st,
		Ledger:          ledger,
		NCN:             ncn,
		Epoch:           *epochFlag,
		RouterAccount:   routerAccount,
		Schedule:        schedule,
		CooldownEpochs:  *cooldownEpochsFlag,
		RefreshInterval: time.Minute,
	})
	if err != nil {
		return err
	}
	pubkey := func(name, value string) (solana.PublicKey, error) {
		key, err := solana.PublicKeyFromBase58(value)
		if err != nil {
			return solana.PublicKey{}, fmt.Errorf("--%s: %w", name, err)
		}
		return key, nil
	}

	switch {
	case *createEpochFlag:
		return k.CreateEpoch(ctx)

	case *setWeightsFlag:
		return k.SetWeights(ctx, *stMintCountFlag, *weightsSetFlag)

	case *snapshotOperatorsFlag:
		ops, err := admin.ReadOperatorsFile(*operatorsFileFlag)
		if err != nil {
			return fmt.Errorf("--operators-file: %w", err)
		}
		return k.SnapshotOperators(ctx, *vaultCountFlag, ops)

	case *castVoteFlag:
		operator, err := pubkey("operator", *operatorFlag)
		if err != nil {
			return err
		}
		result, err := admin.ParseResult(*resultFlag)
		if err != nil {
			return fmt.Errorf("--result: %w", err)
		}
		group, err := fees.NewNcnFeeGroup(*ncnFeeGroupFlag)
		if err != nil {
			return fmt.Errorf("--ncn-fee-group: %w", err)
		}
		vote := ballot.Vote{Operator: operator, Result: result}
		vote.StakeWeights[group.Index()] = *stakeWeightFlag
		return k.CastVote(ctx, vote, *totalStakeWeightFlag)

	case *uploadFlag:
		operator, err := pubkey("operator", *operatorFlag)
		if err != nil {
			return err
		}
		receiver, err := pubkey("receiver", *receiverFlag)
		if err != nil {
			return err
		}
		group, err := fees.NewNcnFeeGroup(*ncnFeeGroupFlag)
		if err != nil {
			return fmt.Errorf("--ncn-fee-group: %w", err)
		}
		return k.Upload(ctx, *operatorIndexFlag, operator, group, receiver)

	case *distributeBaseFlag:
		destination, err := pubkey("destination", *destinationFlag)
		if err != nil {
			return err
		}
		group, err := fees.NewBaseFeeGroup(*baseFeeGroupFlag)
		if err != nil {
			return fmt.Errorf("--base-fee-group: %w", err)
		}
		paid, err := k.DistributeBaseFeeGroup(ctx, group, destination)
		if err != nil {
			return err
		}
		log.Info("admin: distributed base fee group", "group", group, "destination", destination, "lamports", paid)
		return nil

	case *distributeNcnFlag:
		operator, err := pubkey("operator", *operatorFlag)
		if err != nil {
			return err
		}
		destination, err := pubkey("destination", *destinationFlag)
		if err != nil {
			return err
		}
		group, err := fees.NewNcnFeeGroup(*ncnFeeGroupFlag)
		if err != nil {
			return fmt.Errorf("--ncn-fee-group: %w", err)
		}
		paid, err := k.DistributeNcnFeeGroupRoute(ctx, operator, group, destination)
		if err != nil {
			return err
		}
		log.Info("admin: distributed ncn fee group route", "operator", operator, "group", group, "destination", destination, "lamports", paid)
		return nil

	default:
		return k.CloseEpoch(ctx)
	}
}

func newLedger(log *slog.Logger, rpcURL string) (*solanaledger.RPCLedger, error) {
	return solanaledger.NewRPCLedger(solanaledger.RPCLedgerConfig{
		Logger: log,
		RPC:    solanarpc.New(rpcURL),
	})
}
