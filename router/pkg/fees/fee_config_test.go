package fees

import (
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
)

func newTestFeeConfig(t *testing.T, epoch uint64) (*FeeConfig, solana.PublicKey) {
	t.Helper()
	dao := solana.NewWallet().PublicKey()
	cfg, err := NewFeeConfig(dao, 100, 300, 200, epoch)
	require.NoError(t, err)
	return cfg, dao
}

func u16(v uint16) *uint16 { return &v }

func TestTipRouter_Fees_NewFeeConfig(t *testing.T) {
	t.Parallel()

	t.Run("sets defaults", func(t *testing.T) {
		t.Parallel()
		cfg, dao := newTestFeeConfig(t, 10)

		wallet, err := cfg.BaseFeeWallet(DefaultBaseFeeGroup)
		require.NoError(t, err)
		require.Equal(t, dao, wallet)

		bps, err := cfg.BaseFeeBps(DefaultBaseFeeGroup, 10)
		require.NoError(t, err)
		require.Equal(t, uint16(300), bps)

		bps, err = cfg.NcnFeeBps(DefaultNcnFeeGroup, 10)
		require.NoError(t, err)
		require.Equal(t, uint16(200), bps)

		require.Equal(t, uint64(500), cfg.CurrentFees(10).TotalFeesBps())
	})

	t.Run("rejects totals over the cap", func(t *testing.T) {
		t.Parallel()
		_, err := NewFeeConfig(solana.NewWallet().PublicKey(), 1_000, 5_000, 4_001, 0)
		require.ErrorIs(t, err, routererr.ErrFeeCapExceeded)
		require.Equal(t, routererr.KindMismatch, routererr.KindOf(err))
	})

	t.Run("rejects a single fee over the cap", func(t *testing.T) {
		t.Parallel()
		_, err := NewFeeConfig(solana.NewWallet().PublicKey(), 0, MaxFeeBps+1, 0, 0)
		require.ErrorIs(t, err, routererr.ErrInvalidFee)
	})

	t.Run("requires a dao wallet", func(t *testing.T) {
		t.Parallel()
		_, err := NewFeeConfig(solana.PublicKey{}, 0, 0, 0, 0)
		require.Error(t, err)
	})
}

func TestTipRouter_Fees_DeferredActivation(t *testing.T) {
	t.Parallel()

	t.Run("update at epoch E only takes effect at E+1", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newTestFeeConfig(t, 10)
		before := cfg.CurrentFees(10)

		require.NoError(t, cfg.SetBaseFeeBps(DefaultBaseFeeGroup, 400, 10))

		require.Equal(t, before, cfg.CurrentFees(10))
		bps, err := cfg.BaseFeeBps(DefaultBaseFeeGroup, 11)
		require.NoError(t, err)
		require.Equal(t, uint16(400), bps)
		require.Equal(t, uint64(11), cfg.CurrentFees(11).ActivationEpoch)
	})

	t.Run("updates within one epoch accumulate", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newTestFeeConfig(t, 10)

		require.NoError(t, cfg.SetBaseFeeBps(1, 50, 10))
		require.NoError(t, cfg.SetNcnFeeBps(1, 60, 10))

		next := cfg.CurrentFees(11)
		require.Equal(t, uint16(300), next.BaseFeeGroupsBps[0])
		require.Equal(t, uint16(50), next.BaseFeeGroupsBps[1])
		require.Equal(t, uint16(200), next.NcnFeeGroupsBps[0])
		require.Equal(t, uint16(60), next.NcnFeeGroupsBps[1])
	})

	t.Run("later update builds on the active snapshot", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newTestFeeConfig(t, 10)

		require.NoError(t, cfg.SetBaseFeeBps(1, 50, 10))
		require.NoError(t, cfg.SetNcnFeeBps(1, 70, 12))

		require.Equal(t, uint16(0), cfg.CurrentFees(12).NcnFeeGroupsBps[1])
		at13 := cfg.CurrentFees(13)
		require.Equal(t, uint16(50), at13.BaseFeeGroupsBps[1])
		require.Equal(t, uint16(70), at13.NcnFeeGroupsBps[1])
		require.Equal(t, uint16(50), cfg.CurrentFees(12).BaseFeeGroupsBps[1])
	})

	t.Run("never more than two snapshots", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newTestFeeConfig(t, 10)
		for epoch := uint64(10); epoch < 20; epoch++ {
			require.NoError(t, cfg.SetBaseFeeBps(2, uint16(epoch), epoch))
			require.NotEqual(t, cfg.CurrentFees(epoch), cfg.UpdatableFees(epoch))
			require.Equal(t, epoch+1, cfg.UpdatableFees(epoch).ActivationEpoch)
		}
	})
}

func TestTipRouter_Fees_UpdateFeeConfig(t *testing.T) {
	t.Parallel()

	t.Run("applies all fields atomically", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newTestFeeConfig(t, 5)
		wallet := solana.NewWallet().PublicKey()

		require.NoError(t, cfg.UpdateFeeConfig(Update{
			BlockEngineFeeBps: u16(150),
			BaseFeeGroup:      3,
			BaseFeeWallet:     &wallet,
			BaseFeeBps:        u16(25),
			NcnFeeGroup:       2,
			NcnFeeBps:         u16(35),
		}, 5))

		require.Equal(t, uint16(150), cfg.BlockEngineFeeBps)
		got, err := cfg.BaseFeeWallet(3)
		require.NoError(t, err)
		require.Equal(t, wallet, got)
		require.Equal(t, uint16(25), cfg.CurrentFees(6).BaseFeeGroupsBps[3])
		require.Equal(t, uint16(35), cfg.CurrentFees(6).NcnFeeGroupsBps[2])
	})

	t.Run("rejected update leaves no partial state", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newTestFeeConfig(t, 5)
		before := *cfg
		wallet := solana.NewWallet().PublicKey()

		err := cfg.UpdateFeeConfig(Update{
			BlockEngineFeeBps: u16(9_000),
			BaseFeeGroup:      1,
			BaseFeeWallet:     &wallet,
			BaseFeeBps:        u16(600),
		}, 5)
		require.ErrorIs(t, err, routererr.ErrFeeCapExceeded)
		require.Equal(t, before, *cfg)
	})

	t.Run("rejects invalid groups", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newTestFeeConfig(t, 5)
		err := cfg.SetBaseFeeBps(BaseFeeGroupCount, 1, 5)
		require.ErrorIs(t, err, routererr.ErrInvalidFeeGroup)
		_, err = NewNcnFeeGroup(NcnFeeGroupCount)
		require.ErrorIs(t, err, routererr.ErrInvalidFeeGroup)
	})
}

func TestTipRouter_Fees_Adjusted(t *testing.T) {
	t.Parallel()

	t.Run("rescales by block engine fee", func(t *testing.T) {
		t.Parallel()
		cfg, err := NewFeeConfig(solana.NewWallet().PublicKey(), 5_000, 300, 200, 0)
		require.NoError(t, err)

		adjusted, err := cfg.AdjustedBaseFeeBps(DefaultBaseFeeGroup, 0)
		require.NoError(t, err)
		require.Equal(t, uint64(600), adjusted)

		adjusted, err = cfg.AdjustedNcnFeeBps(DefaultNcnFeeGroup, 0)
		require.NoError(t, err)
		require.Equal(t, uint64(400), adjusted)

		total, err := cfg.AdjustedTotalFeesBps(0)
		require.NoError(t, err)
		require.Equal(t, uint64(1_000), total)
	})

	t.Run("zero denominator is an error", func(t *testing.T) {
		t.Parallel()
		cfg, err := NewFeeConfig(solana.NewWallet().PublicKey(), MaxFeeBps, 0, 0, 0)
		require.NoError(t, err)

		_, err = cfg.AdjustedBaseFeeBps(DefaultBaseFeeGroup, 0)
		require.ErrorIs(t, err, routererr.ErrDivisionByZero)
	})
}

func TestTipRouter_Fees_Encoding(t *testing.T) {
	t.Parallel()

	cfg, _ := newTestFeeConfig(t, 7)
	require.NoError(t, cfg.SetNcnFeeBps(4, 11, 7))

	data, err := cfg.Bytes()
	require.NoError(t, err)
	require.Len(t, data, FeeConfigSize)

	got, err := FeeConfigFromBytes(data)
	require.NoError(t, err)
	require.Equal(t, cfg, got)

	_, err = FeeConfigFromBytes(data[:10])
	require.Error(t, err)
}

func TestTipRouter_Fees_EpochFees(t *testing.T) {
	t.Parallel()

	t.Run("captured schedule survives later updates", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newTestFeeConfig(t, 10)
		frozen := cfg.EpochFees(10)

		require.NoError(t, cfg.UpdateFeeConfig(Update{BaseFeeGroup: DefaultBaseFeeGroup, BaseFeeBps: u16(900)}, 11))
		require.NoError(t, cfg.UpdateFeeConfig(Update{BlockEngineFeeBps: u16(500)}, 12))

		// Both buffers have been rewritten, so the live config no longer
		// knows what epoch 10 paid.
		live, err := cfg.BaseFeeBps(DefaultBaseFeeGroup, 10)
		require.NoError(t, err)
		require.Equal(t, uint16(900), live)

		bps, err := frozen.BaseFeeBps(DefaultBaseFeeGroup)
		require.NoError(t, err)
		require.Equal(t, uint16(300), bps)
		require.Equal(t, uint16(100), frozen.BlockEngineFeeBps)
	})

	t.Run("adjusts with its own block engine fee", func(t *testing.T) {
		t.Parallel()
		f := EpochFees{BlockEngineFeeBps: 5_000, Fees: NewFees(300, 200, 0)}

		adjusted, err := f.AdjustedBaseFeeBps(DefaultBaseFeeGroup)
		require.NoError(t, err)
		require.Equal(t, uint64(600), adjusted)

		adjusted, err = f.AdjustedNcnFeeBps(DefaultNcnFeeGroup)
		require.NoError(t, err)
		require.Equal(t, uint64(400), adjusted)

		_, err = EpochFees{BlockEngineFeeBps: MaxFeeBps}.AdjustedBaseFeeBps(DefaultBaseFeeGroup)
		require.ErrorIs(t, err, routererr.ErrDivisionByZero)
	})
}
