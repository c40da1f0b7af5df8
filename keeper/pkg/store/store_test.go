package store

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/tiprouter/router/pkg/ballot"
	"github.com/malbeclabs/tiprouter/router/pkg/epochstate"
	"github.com/malbeclabs/tiprouter/router/pkg/fees"
	"github.com/malbeclabs/tiprouter/router/pkg/rewardrouter"
	routertesting "github.com/malbeclabs/tiprouter/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	ctx := context.Background()
	ncn := solana.NewWallet().PublicKey()

	t.Run("missing records", func(t *testing.T) {
		_, err := s.LoadEpoch(ctx, ncn, 7)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.LoadFeeConfig(ctx, ncn)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("fee config round trip", func(t *testing.T) {
		cfg, err := fees.NewFeeConfig(solana.NewWallet().PublicKey(), 0, 300, 200, 5)
		require.NoError(t, err)
		require.NoError(t, s.SaveFeeConfig(ctx, ncn, cfg))

		got, err := s.LoadFeeConfig(ctx, ncn)
		require.NoError(t, err)
		require.Equal(t, cfg, got)
	})

	t.Run("epoch state only", func(t *testing.T) {
		state := epochstate.New(ncn, 8, 800)
		require.NoError(t, state.UpdateInitializeWeightTable(3))
		require.NoError(t, s.SaveEpoch(ctx, ncn, 8, EpochRecords{State: state}))

		got, err := s.LoadEpoch(ctx, ncn, 8)
		require.NoError(t, err)
		require.Equal(t, uint64(1), got.Version)
		require.Equal(t, state, got.State)
		require.Nil(t, got.Router)
		require.Nil(t, got.Ballot)
	})

	t.Run("all records overwrite", func(t *testing.T) {
		state := epochstate.New(ncn, 9, 900)
		router := rewardrouter.New(ncn, 9, 950)
		box := ballot.NewBox(ncn, 9, 920)
		require.NoError(t, s.SaveEpoch(ctx, ncn, 9, EpochRecords{State: state, Router: router, Ballot: box}))

		_, err := router.RouteIncomingRewards(12_345)
		require.NoError(t, err)
		require.NoError(t, s.SaveEpoch(ctx, ncn, 9, EpochRecords{State: state, Router: router, Version: 1}))

		got, err := s.LoadEpoch(ctx, ncn, 9)
		require.NoError(t, err)
		require.Equal(t, router, got.Router)
		require.Equal(t, uint64(12_345), got.Router.RewardPool)
		require.Equal(t, box, got.Ballot)
		require.Equal(t, uint64(2), got.Version)
	})

	t.Run("stale saves conflict", func(t *testing.T) {
		require.NoError(t, s.SaveEpoch(ctx, ncn, 11, EpochRecords{State: epochstate.New(ncn, 11, 1_100)}))
		first, err := s.LoadEpoch(ctx, ncn, 11)
		require.NoError(t, err)
		second, err := s.LoadEpoch(ctx, ncn, 11)
		require.NoError(t, err)

		require.NoError(t, first.State.UpdateInitializeWeightTable(1))
		require.NoError(t, s.SaveEpoch(ctx, ncn, 11, first))

		// The second writer loaded the same version and must not overwrite.
		second.Router = rewardrouter.New(ncn, 11, 1_150)
		require.ErrorIs(t, s.SaveEpoch(ctx, ncn, 11, second), ErrConflict)
		require.ErrorIs(t, s.SaveEpoch(ctx, ncn, 11, EpochRecords{State: epochstate.New(ncn, 11, 0)}), ErrConflict)

		got, err := s.LoadEpoch(ctx, ncn, 11)
		require.NoError(t, err)
		require.Equal(t, uint64(2), got.Version)
		require.Equal(t, epochstate.Created, got.State.AccountStatus.WeightTable)
		require.Nil(t, got.Router)

		require.NoError(t, got.State.UpdateSetWeight(1))
		require.NoError(t, s.SaveEpoch(ctx, ncn, 11, got))
	})

	t.Run("state required", func(t *testing.T) {
		require.Error(t, s.SaveEpoch(ctx, ncn, 10, EpochRecords{Router: rewardrouter.New(ncn, 10, 0)}))
	})
}

func TestTipRouter_Store_Memory(t *testing.T) {
	t.Parallel()
	testStore(t, NewMemoryStore())
}

func TestTipRouter_Store_Memory_Isolation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	ncn := solana.NewWallet().PublicKey()
	state := epochstate.New(ncn, 1, 0)
	require.NoError(t, s.SaveEpoch(ctx, ncn, 1, EpochRecords{State: state}))

	require.NoError(t, state.UpdateInitializeWeightTable(1))
	got, err := s.LoadEpoch(ctx, ncn, 1)
	require.NoError(t, err)
	require.Equal(t, epochstate.DoesNotExist, got.State.AccountStatus.WeightTable)
}

func TestTipRouter_Store_Postgres(t *testing.T) {
	routertesting.SkipIfShort(t)
	t.Parallel()

	ctx := t.Context()
	log := routertesting.NewLogger()
	db, err := routertesting.NewPostgresDB(ctx, log, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	require.NoError(t, Migrate(ctx, log, db.ConnStr()))
	require.NoError(t, MigrationStatus(ctx, log, db.ConnStr()))

	s, err := NewPostgresStore(ctx, PostgresConfig{Logger: log, ConnStr: db.ConnStr()})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	testStore(t, s)

	pool := routertesting.NewPostgresPool(t, db)
	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM tip_router_records`).Scan(&count))
	require.Equal(t, 6, count)
}

func TestTipRouter_Store_PostgresConfig(t *testing.T) {
	t.Parallel()

	cfg := PostgresConfig{ConnStr: "postgres://localhost/x"}
	require.EqualError(t, cfg.Validate(), "logger is required")

	cfg = PostgresConfig{Logger: routertesting.NewLogger(), ConnStr: "postgres://localhost/x"}
	require.NoError(t, cfg.Validate())
	require.EqualValues(t, 10, cfg.MaxConns)
}
