package admin

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/tiprouter/keeper/pkg/keeper"
	"github.com/malbeclabs/tiprouter/keeper/pkg/store"
	"github.com/malbeclabs/tiprouter/router/pkg/ballot"
	"github.com/malbeclabs/tiprouter/router/pkg/epochstate"
	routertesting "github.com/malbeclabs/tiprouter/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type fixedLedger struct {
	mu   sync.Mutex
	slot uint64
}

func (l *fixedLedger) CurrentSlot(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.slot, nil
}

func (l *fixedLedger) VisibleBalance(context.Context, solana.PublicKey, uint64) (uint64, error) {
	return 0, nil
}

func TestTipRouter_Admin_ReadOperators(t *testing.T) {
	t.Parallel()

	a, b := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	ops, err := ReadOperators(strings.NewReader(`[{"operator":"` + a.String() + `","delegations":2},{"operator":"` + b.String() + `","delegations":0}]`))
	require.NoError(t, err)
	require.Equal(t, []keeper.OperatorSnapshot{{Operator: a, Delegations: 2}, {Operator: b}}, ops)

	for name, input := range map[string]string{
		"empty":         `[]`,
		"unknown field": `[{"operator":"` + a.String() + `","stake":1}]`,
		"missing key":   `[{"delegations":1}]`,
		"bad key":       `[{"operator":"nope"}]`,
	} {
		_, err := ReadOperators(strings.NewReader(input))
		require.Error(t, err, name)
	}

	_, err = ReadOperatorsFile("/does/not/exist.json")
	require.Error(t, err)
}

func TestTipRouter_Admin_ParseResult(t *testing.T) {
	t.Parallel()

	hexResult := strings.Repeat("ab", ballot.ResultSize)
	r, err := ParseResult("0x" + hexResult)
	require.NoError(t, err)
	require.Equal(t, byte(0xab), r[0])
	require.Equal(t, byte(0xab), r[ballot.ResultSize-1])

	_, err = ParseResult("abcd")
	require.ErrorContains(t, err, "want 32")
	_, err = ParseResult("zz")
	require.Error(t, err)
}

func TestTipRouter_Admin_DrivesEpochToConsensus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ncn := solana.NewWallet().PublicKey()
	st := store.NewMemoryStore()
	require.NoError(t, InitFeeConfig(ctx, routertesting.NewLogger(), st, InitFeeConfigParams{
		NCN:               ncn,
		DaoFeeWallet:      solana.NewWallet().PublicKey(),
		DefaultBaseFeeBps: 300,
		DefaultNcnFeeBps:  200,
		CurrentEpoch:      4,
	}))

	k, err := keeper.New(keeper.Config{
		Logger:          routertesting.NewLogger(),
		Store:           st,
		Ledger:          &fixedLedger{slot: 2_000},
		NCN:             ncn,
		Epoch:           4,
		RouterAccount:   solana.NewWallet().PublicKey(),
		Schedule:        epochstate.EpochSchedule{SlotsPerEpoch: 500},
		RefreshInterval: time.Minute,
	})
	require.NoError(t, err)

	operator := solana.NewWallet().PublicKey()
	ops, err := ReadOperators(strings.NewReader(`[{"operator":"` + operator.String() + `","delegations":1}]`))
	require.NoError(t, err)
	result, err := ParseResult(strings.Repeat("01", ballot.ResultSize))
	require.NoError(t, err)

	require.NoError(t, k.CreateEpoch(ctx))
	require.NoError(t, k.SetWeights(ctx, 1, 1))
	require.NoError(t, k.SnapshotOperators(ctx, 1, ops))
	require.NoError(t, k.CastVote(ctx, ballot.Vote{Operator: operator, Result: result, StakeWeights: ballot.StakeWeights{5}}, 5))

	recs, err := st.LoadEpoch(ctx, ncn, 4)
	require.NoError(t, err)
	require.True(t, recs.State.WasConsensusReached())
	require.Equal(t, operator, recs.State.Operators[0])
	require.Equal(t, uint64(500), recs.State.Fees.TotalFeesBps())

	state, err := recs.State.CurrentState(epochstate.EpochSchedule{SlotsPerEpoch: 500}, 0, 2_000)
	require.NoError(t, err)
	require.Equal(t, epochstate.StateSetupRouter, state)
}
