package rewardrouter

import (
	"math"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/tiprouter/router/pkg/ballot"
	"github.com/malbeclabs/tiprouter/router/pkg/fees"
	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
)

const testEpoch = 5

type testBallot struct {
	tally ballot.Tally
	votes []ballot.OperatorVote
	err   error
}

func (b *testBallot) WinningTally() (ballot.Tally, error) { return b.tally, b.err }
func (b *testBallot) OperatorVotes() []ballot.OperatorVote { return b.votes }

// newTestBallot builds a ballot where every vote with matched set counts
// toward the winning stake.
func newTestBallot(votes ...ballot.OperatorVote) *testBallot {
	b := &testBallot{votes: votes}
	for _, v := range votes {
		if !v.MatchedWinning {
			continue
		}
		for i, w := range v.StakeWeights {
			b.tally.StakeWeights[i] += w
		}
		b.tally.Votes++
	}
	return b
}

func vote(operator solana.PublicKey, matched bool, ws ...uint64) ballot.OperatorVote {
	v := ballot.OperatorVote{Operator: operator, MatchedWinning: matched}
	copy(v.StakeWeights[:], ws)
	return v
}

func newTestFeeConfig(t *testing.T, blockEngineFeeBps uint16) (*fees.FeeConfig, solana.PublicKey) {
	t.Helper()
	dao := solana.NewWallet().PublicKey()
	cfg, err := fees.NewFeeConfig(dao, blockEngineFeeBps, 300, 200, testEpoch)
	require.NoError(t, err)
	return cfg, dao
}

// newFundedRouter returns a router whose NCN fee group buckets hold the given
// balances, as if they had been routed from the pool.
func newFundedRouter(t *testing.T, buckets ...uint64) *BaseRewardRouter {
	t.Helper()
	r := New(solana.NewWallet().PublicKey(), testEpoch, 10)
	for i, v := range buckets {
		r.NcnFeeGroupRewards[i] = v
		r.RewardsProcessed += v
		r.TotalRewards += v
	}
	require.NoError(t, r.Validate())
	return r
}

func TestTipRouter_RewardRouter_RouteIncomingRewards(t *testing.T) {
	t.Parallel()

	t.Run("takes in the unaccounted balance once", func(t *testing.T) {
		t.Parallel()
		r := New(solana.NewWallet().PublicKey(), testEpoch, 10)

		incoming, err := r.RouteIncomingRewards(10_000)
		require.NoError(t, err)
		require.Equal(t, uint64(10_000), incoming)
		require.Equal(t, uint64(10_000), r.RewardPool)
		require.Equal(t, uint64(10_000), r.TotalRewards)

		incoming, err = r.RouteIncomingRewards(10_000)
		require.NoError(t, err)
		require.Zero(t, incoming)
		require.Equal(t, uint64(10_000), r.TotalRewards)

		incoming, err = r.RouteIncomingRewards(10_500)
		require.NoError(t, err)
		require.Equal(t, uint64(500), incoming)
		require.NoError(t, r.Validate())
	})

	t.Run("rejects a balance below what is accounted", func(t *testing.T) {
		t.Parallel()
		r := New(solana.NewWallet().PublicKey(), testEpoch, 10)
		_, err := r.RouteIncomingRewards(100)
		require.NoError(t, err)
		before := *r

		_, err = r.RouteIncomingRewards(99)
		require.ErrorIs(t, err, routererr.ErrArithmeticUnderflow)
		require.Equal(t, routererr.KindArithmetic, routererr.KindOf(err))
		require.Equal(t, before, *r)
	})
}

func TestTipRouter_RewardRouter_RouteRewardPool(t *testing.T) {
	t.Parallel()

	t.Run("splits and sweeps the remainder to the default group", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newTestFeeConfig(t, 0)
		r := New(solana.NewWallet().PublicKey(), testEpoch, 10)
		_, err := r.RouteIncomingRewards(10_000)
		require.NoError(t, err)

		split, err := r.RouteRewardPool(cfg.EpochFees(r.Epoch))
		require.NoError(t, err)
		require.Equal(t, uint64(300), split.BaseFeeGroupRewards[0])
		require.Equal(t, uint64(200), split.NcnFeeGroupRewards[0])
		require.Equal(t, uint64(9_500), split.Remainder)

		require.Zero(t, r.RewardPool)
		require.Equal(t, uint64(9_800), r.BaseFeeGroupRewards[0])
		require.Equal(t, uint64(200), r.NcnFeeGroupRewards[0])
		require.Equal(t, uint64(10_000), r.RewardsProcessed)
		require.NoError(t, r.Validate())
	})

	t.Run("scales fees by the block engine fee", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newTestFeeConfig(t, 5_000)
		r := New(solana.NewWallet().PublicKey(), testEpoch, 10)
		_, err := r.RouteIncomingRewards(10_000)
		require.NoError(t, err)

		_, err = r.RouteRewardPool(cfg.EpochFees(r.Epoch))
		require.NoError(t, err)
		require.Equal(t, uint64(9_600), r.BaseFeeGroupRewards[0])
		require.Equal(t, uint64(400), r.NcnFeeGroupRewards[0])
	})

	t.Run("an empty pool is a no-op", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newTestFeeConfig(t, 0)
		r := New(solana.NewWallet().PublicKey(), testEpoch, 10)
		split, err := r.RouteRewardPool(cfg.EpochFees(r.Epoch))
		require.NoError(t, err)
		require.Equal(t, PoolSplit{}, split)
	})

	t.Run("conserves every pool exactly", func(t *testing.T) {
		t.Parallel()
		cfg, _ := newTestFeeConfig(t, 250)
		require.NoError(t, cfg.SetBaseFeeBps(fees.BaseFeeGroup(1), 333, testEpoch))
		require.NoError(t, cfg.SetNcnFeeBps(fees.NcnFeeGroup(2), 777, testEpoch))
		require.NoError(t, cfg.SetNcnFeeBps(fees.NcnFeeGroup(7), 1_111, testEpoch))

		for _, pool := range []uint64{1, 7, 101, 9_999, 123_457, math.MaxUint64 / 3, math.MaxUint64} {
			r := New(solana.NewWallet().PublicKey(), testEpoch+1, 10)
			_, err := r.RouteIncomingRewards(pool)
			require.NoError(t, err)

			split, err := r.RouteRewardPool(cfg.EpochFees(r.Epoch))
			require.NoError(t, err)
			require.Zero(t, r.RewardPool)

			var total uint64
			for _, v := range r.BaseFeeGroupRewards {
				total += v
			}
			for _, v := range r.NcnFeeGroupRewards {
				total += v
			}
			require.Equal(t, pool, total, "pool %d", pool)
			require.Equal(t, pool, r.RewardsProcessed)
			require.NoError(t, r.Validate())
			require.LessOrEqual(t, split.Remainder, pool)
		}
	})
}

func TestTipRouter_RewardRouter_RouteNcnFeeGroupRewards(t *testing.T) {
	t.Parallel()

	t.Run("splits by winning stake weight", func(t *testing.T) {
		t.Parallel()
		a, b, c := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
		r := newFundedRouter(t, 100)
		bal := newTestBallot(vote(a, true, 3), vote(c, false, 5), vote(b, true, 1))

		credits, err := r.RouteNcnFeeGroupRewards(bal, 100)
		require.NoError(t, err)
		require.Len(t, credits, 2)
		require.False(t, r.StillRouting())

		got, err := r.NcnFeeGroupRouteReward(a, fees.DefaultNcnFeeGroup)
		require.NoError(t, err)
		require.Equal(t, uint64(75), got)
		got, err = r.NcnFeeGroupRouteReward(b, fees.DefaultNcnFeeGroup)
		require.NoError(t, err)
		require.Equal(t, uint64(25), got)

		_, err = r.NcnFeeGroupRouteReward(c, fees.DefaultNcnFeeGroup)
		require.ErrorIs(t, err, routererr.ErrOperatorRouteNotFound)
		require.Zero(t, r.NcnFeeGroupRewards[0])
		require.Equal(t, uint64(100), r.RewardsProcessed)
		require.NoError(t, r.Validate())
	})

	t.Run("leaves the flooring remainder in the bucket", func(t *testing.T) {
		t.Parallel()
		r := newFundedRouter(t, 10)
		bal := newTestBallot(
			vote(solana.NewWallet().PublicKey(), true, 1),
			vote(solana.NewWallet().PublicKey(), true, 1),
			vote(solana.NewWallet().PublicKey(), true, 1),
		)
		_, err := r.RouteNcnFeeGroupRewards(bal, 100)
		require.NoError(t, err)
		require.Equal(t, uint64(1), r.NcnFeeGroupRewards[0])
		for _, route := range r.ActiveRoutes() {
			require.Equal(t, uint64(3), route.Rewards[0])
		}
		require.NoError(t, r.Validate())
	})

	t.Run("resumes to the same result as a single pass", func(t *testing.T) {
		t.Parallel()
		var votes []ballot.OperatorVote
		for i := range 7 {
			votes = append(votes, vote(solana.NewWallet().PublicKey(), i != 3, uint64(i+1), 0, uint64(2*i+1), 0, 0, 0, 0, 5))
		}
		bal := newTestBallot(votes...)

		single := newFundedRouter(t, 1_000, 0, 7_777, 0, 0, 0, 0, 12_345)
		resumed := single.Clone()

		_, err := single.RouteNcnFeeGroupRewards(bal, 1_000)
		require.NoError(t, err)
		require.False(t, single.StillRouting())

		calls := 0
		for {
			_, err := resumed.RouteNcnFeeGroupRewards(bal, 2)
			require.NoError(t, err)
			calls++
			require.NoError(t, resumed.Validate())
			if !resumed.StillRouting() {
				break
			}
		}
		require.Greater(t, calls, 1)
		require.Equal(t, single, resumed)
	})

	t.Run("requires a winning result", func(t *testing.T) {
		t.Parallel()
		r := newFundedRouter(t, 10)
		bal := &testBallot{err: routererr.ErrNoWinningResult}
		_, err := r.RouteNcnFeeGroupRewards(bal, 10)
		require.ErrorIs(t, err, routererr.ErrNoWinningResult)
	})

	t.Run("rejects a non-positive iteration budget", func(t *testing.T) {
		t.Parallel()
		r := newFundedRouter(t, 10)
		_, err := r.RouteNcnFeeGroupRewards(newTestBallot(), 0)
		require.ErrorIs(t, err, routererr.ErrInvalidState)
	})

	t.Run("fails without mutation when the route table is full", func(t *testing.T) {
		t.Parallel()
		r := newFundedRouter(t, 1_000)
		for i := range r.Routes {
			r.Routes[i].Operator = solana.NewWallet().PublicKey()
		}
		before := *r

		_, err := r.RouteNcnFeeGroupRewards(newTestBallot(vote(solana.NewWallet().PublicKey(), true, 1)), 10)
		require.ErrorIs(t, err, routererr.ErrRouterFull)
		require.Equal(t, routererr.KindCapacity, routererr.KindOf(err))
		require.Equal(t, before, *r)
	})
}

func TestTipRouter_RewardRouter_Distribute(t *testing.T) {
	t.Parallel()

	newRouted := func(t *testing.T) (*BaseRewardRouter, *fees.FeeConfig, solana.PublicKey, solana.PublicKey) {
		cfg, dao := newTestFeeConfig(t, 0)
		operator := solana.NewWallet().PublicKey()
		r := New(solana.NewWallet().PublicKey(), testEpoch, 10)
		_, err := r.RouteIncomingRewards(10_000)
		require.NoError(t, err)
		_, err = r.RouteRewardPool(cfg.EpochFees(r.Epoch))
		require.NoError(t, err)
		_, err = r.RouteNcnFeeGroupRewards(newTestBallot(vote(operator, true, 1)), 10)
		require.NoError(t, err)
		return r, cfg, dao, operator
	}

	t.Run("pays a base fee group to its wallet", func(t *testing.T) {
		t.Parallel()
		r, cfg, dao, _ := newRouted(t)

		_, err := r.DistributeBaseFeeGroupRewards(cfg, fees.DefaultBaseFeeGroup, solana.NewWallet().PublicKey())
		require.ErrorIs(t, err, routererr.ErrDestinationMismatch)

		_, err = r.DistributeBaseFeeGroupRewards(cfg, fees.BaseFeeGroup(1), dao)
		require.ErrorIs(t, err, routererr.ErrReceiverNotFound)

		paid, err := r.DistributeBaseFeeGroupRewards(cfg, fees.DefaultBaseFeeGroup, dao)
		require.NoError(t, err)
		require.Equal(t, uint64(9_800), paid)
		require.Zero(t, r.BaseFeeGroupRewards[0])
		require.Equal(t, uint64(200), r.RewardsProcessed)
		require.Equal(t, uint64(200), r.TotalRewards)
		require.Equal(t, uint64(9_800), r.RewardsDistributed)
		require.NoError(t, r.Validate())

		lifetime, err := r.LifetimeRewards()
		require.NoError(t, err)
		require.Equal(t, uint64(10_000), lifetime)

		incoming, err := r.RouteIncomingRewards(10_000 - paid)
		require.NoError(t, err)
		require.Zero(t, incoming)
	})

	t.Run("pays a route to its authorized receiver", func(t *testing.T) {
		t.Parallel()
		r, _, _, operator := newRouted(t)
		receiver := solana.NewWallet().PublicKey()

		_, _, err := r.DistributeNcnFeeGroupRouteRewards(solana.NewWallet().PublicKey(), fees.DefaultNcnFeeGroup, receiver)
		require.ErrorIs(t, err, routererr.ErrOperatorRouteNotFound)

		_, _, err = r.DistributeNcnFeeGroupRouteRewards(operator, fees.DefaultNcnFeeGroup, receiver)
		require.ErrorIs(t, err, routererr.ErrReceiverNotFound)

		slot, err := r.AuthorizeReceiver(operator, fees.DefaultNcnFeeGroup, receiver)
		require.NoError(t, err)
		require.Zero(t, slot)

		_, _, err = r.DistributeNcnFeeGroupRouteRewards(operator, fees.DefaultNcnFeeGroup, solana.NewWallet().PublicKey())
		require.ErrorIs(t, err, routererr.ErrDestinationMismatch)

		slot, paid, err := r.DistributeNcnFeeGroupRouteRewards(operator, fees.DefaultNcnFeeGroup, receiver)
		require.NoError(t, err)
		require.Zero(t, slot)
		require.Equal(t, uint64(200), paid)
		require.Equal(t, uint64(9_800), r.RewardsProcessed)
		require.NoError(t, r.Validate())

		_, paid, err = r.DistributeNcnFeeGroupRouteRewards(operator, fees.DefaultNcnFeeGroup, receiver)
		require.NoError(t, err)
		require.Zero(t, paid)
	})

	t.Run("authorizing creates the route", func(t *testing.T) {
		t.Parallel()
		r := New(solana.NewWallet().PublicKey(), testEpoch, 10)
		operator := solana.NewWallet().PublicKey()
		_, err := r.AuthorizeReceiver(operator, fees.NcnFeeGroup(2), solana.NewWallet().PublicKey())
		require.NoError(t, err)
		route, slot, err := r.Route(operator)
		require.NoError(t, err)
		require.Zero(t, slot)
		require.False(t, route.HasRewards())

		_, err = r.AuthorizeReceiver(operator, fees.NcnFeeGroup(2), solana.PublicKey{})
		require.ErrorIs(t, err, routererr.ErrReceiverNotFound)
	})
}

func TestTipRouter_RewardRouter_Encoding(t *testing.T) {
	t.Parallel()

	r := newFundedRouter(t, 100, 50)
	_, err := r.RouteNcnFeeGroupRewards(newTestBallot(
		vote(solana.NewWallet().PublicKey(), true, 1, 1),
		vote(solana.NewWallet().PublicKey(), true, 2, 1),
	), 1)
	require.NoError(t, err)
	require.True(t, r.StillRouting())

	data, err := r.Bytes()
	require.NoError(t, err)
	require.Len(t, data, BaseRewardRouterSize)

	got, err := FromBytes(data)
	require.NoError(t, err)
	require.Equal(t, r, got)

	_, err = FromBytes(append(data, 0))
	require.Error(t, err)
}
