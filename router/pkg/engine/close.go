package engine

import (
	"fmt"

	"github.com/malbeclabs/tiprouter/router/pkg/epochstate"
	"github.com/malbeclabs/tiprouter/router/pkg/fees"
	"github.com/malbeclabs/tiprouter/router/pkg/progress"
	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
	"github.com/malbeclabs/tiprouter/router/pkg/sharemath"
)

// closeDependent closes a record the epoch depends on. It is only allowed once
// the cooldown after consensus has elapsed.
func (e *Engine) closeDependent(op string, currentSlot uint64, fn func(next *Records) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ok, err := e.records.State.CanCloseEpochAccounts(e.cfg.Schedule, e.cfg.CooldownEpochs, currentSlot)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return fmt.Errorf("%s: cooldown after consensus has not elapsed: %w", op, routererr.ErrCannotCloseAccount)
	}
	if err := e.commit(op, fn); err != nil {
		return err
	}
	e.log.Info("engine: closed record", "op", op, "slot", currentSlot)
	return nil
}

func (e *Engine) CloseWeightTable(currentSlot uint64) error {
	return e.closeDependent("close weight table", currentSlot, func(next *Records) error {
		return next.State.CloseWeightTable()
	})
}

func (e *Engine) CloseEpochSnapshot(currentSlot uint64) error {
	return e.closeDependent("close epoch snapshot", currentSlot, func(next *Records) error {
		return next.State.CloseEpochSnapshot()
	})
}

func (e *Engine) CloseOperatorSnapshot(operatorIndex int, currentSlot uint64) error {
	return e.closeDependent("close operator snapshot", currentSlot, func(next *Records) error {
		return next.State.CloseOperatorSnapshot(operatorIndex)
	})
}

func (e *Engine) CloseBallotBox(currentSlot uint64) error {
	return e.closeDependent("close ballot box", currentSlot, func(next *Records) error {
		return next.State.CloseBallotBox()
	})
}

// CloseBaseRewardRouter closes the router once the pool, every base fee group
// bucket and every route have been paid out. Flooring remainders left in NCN
// fee group buckets do not block closing.
func (e *Engine) CloseBaseRewardRouter(currentSlot uint64) error {
	return e.closeDependent("close base reward router", currentSlot, func(next *Records) error {
		r := next.Router
		if r == nil {
			return fmt.Errorf("base reward router: %w", routererr.ErrDoesNotExist)
		}
		if r.StillRouting() {
			return routererr.ErrStillRouting
		}
		base, err := r.TotalBaseFeeGroupRewards()
		if err != nil {
			return err
		}
		if r.RewardPool > 0 || base > 0 {
			return fmt.Errorf("pool %d, base fee groups %d: %w", r.RewardPool, base, routererr.ErrAccountNotDrained)
		}
		for _, route := range r.ActiveRoutes() {
			if route.HasRewards() {
				return fmt.Errorf("route %s: %w", route.Operator, routererr.ErrAccountNotDrained)
			}
		}
		if r.RewardsProcessed > 0 {
			e.log.Warn("engine: closing router with unroutable remainder", "remainder", r.RewardsProcessed)
		}
		return next.State.CloseBaseRewardRouter()
	})
}

// CloseNcnRewardRouter closes an operator × group router once the balance of
// the operator snapshotted at operatorIndex has been paid out.
func (e *Engine) CloseNcnRewardRouter(operatorIndex int, group fees.NcnFeeGroup, currentSlot uint64) error {
	return e.closeDependent("close ncn reward router", currentSlot, func(next *Records) error {
		status, err := next.State.AccountStatus.NcnRewardRouterStatus(operatorIndex, group)
		if err != nil {
			return err
		}
		if status.IsOpen() {
			operator, err := next.State.Operator(operatorIndex)
			if err != nil {
				return err
			}
			if next.Router == nil {
				return fmt.Errorf("base reward router: %w", routererr.ErrDoesNotExist)
			}
			// An open operator router always has a route; a missing one means
			// the records disagree.
			route, _, err := next.Router.Route(operator)
			if err != nil {
				return fmt.Errorf("ncn reward router %d/%d: %w", operatorIndex, group, err)
			}
			balance, err := route.Reward(group)
			if err != nil {
				return err
			}
			if balance > 0 {
				return fmt.Errorf("operator %s group %d holds %d: %w", operator, group, balance, routererr.ErrAccountNotDrained)
			}
		}
		return next.State.CloseNcnRewardRouter(operatorIndex, group)
	})
}

// CloseEpochState closes the epoch record. Every dependent record must be
// closed and the epoch must have reached the close stage.
func (e *Engine) CloseEpochState(currentSlot uint64) error {
	err := e.apply("close epoch state", epochstate.StateClose, currentSlot, func(next *Records) error {
		return next.State.CloseEpochState()
	})
	if err != nil {
		return err
	}
	e.log.Info("engine: closed epoch state", "slot", currentSlot)
	return nil
}

// addPaid adds what a distribution progress has already paid out to held.
func addPaid(p progress.Progress, held uint64) (uint64, error) {
	if p.IsInvalid() {
		return held, nil
	}
	return sharemath.Add(p.Tally, held)
}
