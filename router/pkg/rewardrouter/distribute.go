package rewardrouter

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/tiprouter/router/pkg/fees"
	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
	"github.com/malbeclabs/tiprouter/router/pkg/sharemath"
)

// AuthorizeReceiver records the receiver allowed to collect an operator's
// rewards for a group, creating the operator's route if needed. It returns the
// route's slot index.
func (r *BaseRewardRouter) AuthorizeReceiver(operator solana.PublicKey, group fees.NcnFeeGroup, receiver solana.PublicKey) (int, error) {
	if err := group.Validate(); err != nil {
		return -1, err
	}
	if receiver.IsZero() {
		return -1, fmt.Errorf("zero receiver for operator %s: %w", operator, routererr.ErrReceiverNotFound)
	}
	next := *r
	i, err := next.routeIndexOrCreate(operator)
	if err != nil {
		return -1, err
	}
	next.Routes[i].Receivers[group.Index()] = receiver
	*r = next
	return i, nil
}

// DistributeBaseFeeGroupRewards pays out a base fee group bucket to the
// group's configured wallet and returns the amount paid.
func (r *BaseRewardRouter) DistributeBaseFeeGroupRewards(cfg *fees.FeeConfig, group fees.BaseFeeGroup, destination solana.PublicKey) (uint64, error) {
	wallet, err := cfg.BaseFeeWallet(group)
	if err != nil {
		return 0, err
	}
	if wallet.IsZero() {
		return 0, fmt.Errorf("base fee group %d has no wallet: %w", group, routererr.ErrReceiverNotFound)
	}
	if !wallet.Equals(destination) {
		return 0, fmt.Errorf("base fee group %d pays %s, not %s: %w", group, wallet, destination, routererr.ErrDestinationMismatch)
	}

	next := *r
	rewards := next.BaseFeeGroupRewards[group.Index()]
	next.BaseFeeGroupRewards[group.Index()] = 0
	if err := next.payOut(rewards); err != nil {
		return 0, fmt.Errorf("base fee group %d: %w", group, err)
	}
	*r = next
	return rewards, nil
}

// DistributeNcnFeeGroupRouteRewards pays out an operator's balance for a group
// to the receiver authorized for it. It returns the route's slot index and the
// amount paid.
func (r *BaseRewardRouter) DistributeNcnFeeGroupRouteRewards(operator solana.PublicKey, group fees.NcnFeeGroup, destination solana.PublicKey) (int, uint64, error) {
	if err := group.Validate(); err != nil {
		return -1, 0, err
	}
	i, ok := r.routeIndex(operator)
	if !ok {
		return -1, 0, fmt.Errorf("operator %s: %w", operator, routererr.ErrOperatorRouteNotFound)
	}
	receiver := r.Routes[i].Receivers[group.Index()]
	if receiver.IsZero() {
		return -1, 0, fmt.Errorf("operator %s group %d: %w", operator, group, routererr.ErrReceiverNotFound)
	}
	if !receiver.Equals(destination) {
		return -1, 0, fmt.Errorf("operator %s group %d pays %s, not %s: %w", operator, group, receiver, destination, routererr.ErrDestinationMismatch)
	}

	next := *r
	rewards := next.Routes[i].Rewards[group.Index()]
	next.Routes[i].Rewards[group.Index()] = 0
	if err := next.payOut(rewards); err != nil {
		return -1, 0, fmt.Errorf("operator %s group %d: %w", operator, group, err)
	}
	*r = next
	return i, rewards, nil
}

func (r *BaseRewardRouter) payOut(rewards uint64) (err error) {
	if r.RewardsProcessed, err = sharemath.Sub(r.RewardsProcessed, rewards); err != nil {
		return fmt.Errorf("rewards processed: %w", err)
	}
	if r.TotalRewards, err = sharemath.Sub(r.TotalRewards, rewards); err != nil {
		return fmt.Errorf("total rewards: %w", err)
	}
	if r.RewardsDistributed, err = sharemath.Add(r.RewardsDistributed, rewards); err != nil {
		return fmt.Errorf("rewards distributed: %w", err)
	}
	return nil
}
