package rewardrouter

import (
	"fmt"
	"math"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/tiprouter/router/pkg/ballot"
	"github.com/malbeclabs/tiprouter/router/pkg/fees"
	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
	"github.com/malbeclabs/tiprouter/router/pkg/sharemath"
)

// RouteIncomingRewards moves whatever arrived since the last call into the
// reward pool. balance is the router's spendable ledger balance. It returns the
// amount taken in, which is zero when nothing changed.
func (r *BaseRewardRouter) RouteIncomingRewards(balance uint64) (uint64, error) {
	inTransit, err := r.RewardsInTransit()
	if err != nil {
		return 0, err
	}
	incoming, err := sharemath.Sub(balance, inTransit)
	if err != nil {
		return 0, fmt.Errorf("balance %d below accounted rewards %d: %w", balance, inTransit, err)
	}
	if incoming == 0 {
		return 0, nil
	}

	next := *r
	if next.TotalRewards, err = sharemath.Add(next.TotalRewards, incoming); err != nil {
		return 0, fmt.Errorf("total rewards: %w", err)
	}
	if next.RewardPool, err = sharemath.Add(next.RewardPool, incoming); err != nil {
		return 0, fmt.Errorf("reward pool: %w", err)
	}
	*r = next
	return incoming, nil
}

// PoolSplit is the outcome of one RouteRewardPool call.
type PoolSplit struct {
	BaseFeeGroupRewards [fees.BaseFeeGroupCount]uint64
	NcnFeeGroupRewards  [fees.NcnFeeGroupCount]uint64
	Remainder           uint64
}

// RouteRewardPool splits the whole pool across fee groups using the schedule
// frozen for the router's epoch. Every group's share is taken of the pool as
// it was at the start of the call; the flooring remainder goes to the default
// base fee group, leaving the pool empty.
func (r *BaseRewardRouter) RouteRewardPool(epochFees fees.EpochFees) (PoolSplit, error) {
	var split PoolSplit
	rewardsToProcess := r.RewardPool
	if rewardsToProcess == 0 {
		return split, nil
	}

	next := *r
	for _, group := range fees.AllBaseFeeGroups() {
		bps, err := epochFees.AdjustedBaseFeeBps(group)
		if err != nil {
			return PoolSplit{}, err
		}
		rewards, err := sharemath.Share(bps, fees.MaxFeeBps, rewardsToProcess)
		if err != nil {
			return PoolSplit{}, fmt.Errorf("base fee group %d: %w", group, err)
		}
		if err := next.routeFromPool(&next.BaseFeeGroupRewards[group.Index()], rewards); err != nil {
			return PoolSplit{}, fmt.Errorf("base fee group %d: %w", group, err)
		}
		split.BaseFeeGroupRewards[group.Index()] = rewards
	}
	for _, group := range fees.AllNcnFeeGroups() {
		bps, err := epochFees.AdjustedNcnFeeBps(group)
		if err != nil {
			return PoolSplit{}, err
		}
		rewards, err := sharemath.Share(bps, fees.MaxFeeBps, rewardsToProcess)
		if err != nil {
			return PoolSplit{}, fmt.Errorf("ncn fee group %d: %w", group, err)
		}
		if err := next.routeFromPool(&next.NcnFeeGroupRewards[group.Index()], rewards); err != nil {
			return PoolSplit{}, fmt.Errorf("ncn fee group %d: %w", group, err)
		}
		split.NcnFeeGroupRewards[group.Index()] = rewards
	}

	split.Remainder = next.RewardPool
	dflt := fees.DefaultBaseFeeGroup.Index()
	if err := next.routeFromPool(&next.BaseFeeGroupRewards[dflt], split.Remainder); err != nil {
		return PoolSplit{}, fmt.Errorf("remainder: %w", err)
	}
	*r = next
	return split, nil
}

func (r *BaseRewardRouter) routeFromPool(bucket *uint64, rewards uint64) (err error) {
	if rewards == 0 {
		return nil
	}
	if r.RewardPool, err = sharemath.Sub(r.RewardPool, rewards); err != nil {
		return fmt.Errorf("reward pool: %w", err)
	}
	if r.RewardsProcessed, err = sharemath.Add(r.RewardsProcessed, rewards); err != nil {
		return fmt.Errorf("rewards processed: %w", err)
	}
	if *bucket, err = sharemath.Add(*bucket, rewards); err != nil {
		return fmt.Errorf("bucket: %w", err)
	}
	return nil
}

// OperatorReward is one credit made by RouteNcnFeeGroupRewards.
type OperatorReward struct {
	Operator   solana.PublicKey
	Group      fees.NcnFeeGroup
	RouteIndex int
	Rewards    uint64
}

// RouteNcnFeeGroupRewards credits every operator that voted for the winning
// result with its stake-weighted share of each NCN fee group bucket. Shares
// are floored and any remainder stays in the bucket.
//
// Each vote examined costs one iteration. When maxIterations is reached the
// position is saved and StillRouting reports true; the next call resumes there
// with the bucket amount captured when the group was started.
func (r *BaseRewardRouter) RouteNcnFeeGroupRewards(b ballot.Ballot, maxIterations int) ([]OperatorReward, error) {
	if maxIterations <= 0 {
		return nil, fmt.Errorf("max iterations %d: %w", maxIterations, routererr.ErrInvalidState)
	}
	tally, err := b.WinningTally()
	if err != nil {
		return nil, err
	}
	votes := b.OperatorVotes()
	if len(votes) > math.MaxUint16 {
		return nil, fmt.Errorf("%d votes: %w", len(votes), routererr.ErrCastOverflow)
	}

	next := *r
	var (
		credits    []OperatorReward
		iterations int
	)
	startGroup := 0
	if next.Routing.StillRouting {
		startGroup = int(next.Routing.LastNcnGroupIndex)
	}
	for groupIndex := startGroup; groupIndex < fees.NcnFeeGroupCount; groupIndex++ {
		group := fees.NcnFeeGroup(groupIndex)
		rewardsToProcess := next.NcnFeeGroupRewards[groupIndex]
		startVote := 0
		if next.Routing.StillRouting {
			rewardsToProcess = next.Routing.LastRewardsToProcess
			startVote = int(next.Routing.LastVoteIndex)
			next.Routing = RoutingState{}
		}
		winningStake := tally.StakeWeights[groupIndex]
		if rewardsToProcess == 0 || winningStake == 0 {
			continue
		}

		for voteIndex := startVote; voteIndex < len(votes); voteIndex++ {
			if iterations >= maxIterations {
				next.Routing = RoutingState{
					StillRouting:         true,
					LastNcnGroupIndex:    uint8(groupIndex),
					LastVoteIndex:        uint16(voteIndex),
					LastRewardsToProcess: rewardsToProcess,
				}
				*r = next
				return credits, nil
			}
			iterations++

			vote := votes[voteIndex]
			if !vote.MatchedWinning {
				continue
			}
			rewards, err := sharemath.WeightedShare(vote.StakeWeights[groupIndex], winningStake, rewardsToProcess)
			if err != nil {
				return nil, fmt.Errorf("operator %s group %d: %w", vote.Operator, group, err)
			}
			if rewards == 0 {
				continue
			}
			routeIndex, err := next.routeToOperator(group, vote.Operator, rewards)
			if err != nil {
				return nil, err
			}
			credits = append(credits, OperatorReward{Operator: vote.Operator, Group: group, RouteIndex: routeIndex, Rewards: rewards})
		}
	}
	next.Routing = RoutingState{}
	*r = next
	return credits, nil
}

func (r *BaseRewardRouter) routeToOperator(group fees.NcnFeeGroup, operator solana.PublicKey, rewards uint64) (int, error) {
	bucket := &r.NcnFeeGroupRewards[group.Index()]
	remaining, err := sharemath.Sub(*bucket, rewards)
	if err != nil {
		return -1, fmt.Errorf("ncn fee group %d: %w", group, err)
	}
	i, err := r.routeIndexOrCreate(operator)
	if err != nil {
		return -1, err
	}
	balance, err := sharemath.Add(r.Routes[i].Rewards[group.Index()], rewards)
	if err != nil {
		return -1, fmt.Errorf("route %s group %d: %w", operator, group, err)
	}
	*bucket = remaining
	r.Routes[i].Rewards[group.Index()] = balance
	return i, nil
}
