// Package engine runs the lifecycle steps of one (NCN, epoch). Each step is
// rejected unless the epoch's derived state matches the stage it belongs to,
// and each step either commits all of its record updates or none of them.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/tiprouter/router/pkg/ballot"
	"github.com/malbeclabs/tiprouter/router/pkg/epochstate"
	"github.com/malbeclabs/tiprouter/router/pkg/fees"
	"github.com/malbeclabs/tiprouter/router/pkg/rewardrouter"
	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
)

type Config struct {
	Logger         *slog.Logger
	Schedule       epochstate.EpochSchedule
	CooldownEpochs uint64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return err
	}
	return nil
}

// Records are the persisted records an engine operates on. Router is nil until
// the base reward router has been set up.
type Records struct {
	State     *epochstate.EpochState
	FeeConfig *fees.FeeConfig
	Router    *rewardrouter.BaseRewardRouter
}

func (r Records) clone() Records {
	c := Records{State: r.State.Clone()}
	if r.FeeConfig != nil {
		fc := *r.FeeConfig
		c.FeeConfig = &fc
	}
	if r.Router != nil {
		c.Router = r.Router.Clone()
	}
	return c
}

type Engine struct {
	log *slog.Logger
	cfg Config

	mu      sync.Mutex
	records Records
}

func New(cfg Config, records Records) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if records.State == nil {
		return nil, errors.New("epoch state is required")
	}
	if records.FeeConfig == nil {
		return nil, errors.New("fee config is required")
	}
	return &Engine{
		log:     cfg.Logger.With("ncn", records.State.NCN.String(), "epoch", records.State.Epoch),
		cfg:     cfg,
		records: records.clone(),
	}, nil
}

// Records returns a copy of the current records.
func (e *Engine) Records() Records {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.records.clone()
}

// CurrentState derives the epoch's stage at currentSlot.
func (e *Engine) CurrentState(currentSlot uint64) (epochstate.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.records.State.CurrentState(e.cfg.Schedule, e.cfg.CooldownEpochs, currentSlot)
}

// apply runs fn on a copy of the records if the epoch is in state want, and
// commits the copy only if fn succeeds.
func (e *Engine) apply(op string, want epochstate.State, currentSlot uint64, fn func(next *Records) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	got, err := e.records.State.CurrentState(e.cfg.Schedule, e.cfg.CooldownEpochs, currentSlot)
	if err != nil {
		return fmt.Errorf("%s: failed to derive epoch state: %w", op, err)
	}
	if got != want {
		return fmt.Errorf("%s: epoch is in state %s, want %s: %w", op, got, want, routererr.ErrInvalidState)
	}
	return e.commit(op, fn)
}

func (e *Engine) commit(op string, fn func(next *Records) error) error {
	next := e.records.clone()
	if err := fn(&next); err != nil {
		e.log.Debug("engine: step rejected", "op", op, "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	e.records = next
	return nil
}

func (e *Engine) InitializeWeightTable(stMintCount uint64) error {
	return e.apply("initialize weight table", epochstate.StateSetWeight, 0, func(next *Records) error {
		return next.State.UpdateInitializeWeightTable(stMintCount)
	})
}

func (e *Engine) SetWeights(count uint64) error {
	return e.apply("set weights", epochstate.StateSetWeight, 0, func(next *Records) error {
		return next.State.UpdateSetWeight(count)
	})
}

// InitializeEpochSnapshot opens the epoch snapshot and freezes the fee schedule
// in effect for the epoch. Later fee config updates do not reach this epoch.
func (e *Engine) InitializeEpochSnapshot(operatorCount, vaultCount uint64) error {
	return e.apply("initialize epoch snapshot", epochstate.StateSnapshot, 0, func(next *Records) error {
		return next.State.UpdateInitializeEpochSnapshot(operatorCount, vaultCount, next.FeeConfig.EpochFees(next.State.Epoch))
	})
}

func (e *Engine) InitializeOperatorSnapshot(operatorIndex int, operator solana.PublicKey, delegationCount uint64) error {
	return e.apply("initialize operator snapshot", epochstate.StateSnapshot, 0, func(next *Records) error {
		return next.State.UpdateInitializeOperatorSnapshot(operatorIndex, operator, delegationCount)
	})
}

func (e *Engine) SnapshotVaultOperatorDelegation(operatorIndex int) error {
	return e.apply("snapshot vault operator delegation", epochstate.StateSnapshot, 0, func(next *Records) error {
		return next.State.UpdateSnapshotVaultOperatorDelegation(operatorIndex)
	})
}

func (e *Engine) InitializeBallotBox() error {
	return e.apply("initialize ballot box", epochstate.StateVote, 0, func(next *Records) error {
		return next.State.UpdateInitializeBallotBox()
	})
}

// RecordVotes mirrors the ballot into the epoch state, latching consensus at
// currentSlot once the ballot has a winning result.
func (e *Engine) RecordVotes(b ballot.Ballot, currentSlot uint64) error {
	return e.apply("record votes", epochstate.StateVote, currentSlot, func(next *Records) error {
		votes := b.OperatorVotes()
		consensus := true
		if _, err := b.WinningTally(); err != nil {
			if !errors.Is(err, routererr.ErrNoWinningResult) {
				return err
			}
			consensus = false
		}
		if err := next.State.UpdateCastVote(uint64(len(votes)), consensus, currentSlot); err != nil {
			return err
		}
		if consensus {
			var matched uint64
			for _, v := range votes {
				if v.MatchedWinning {
					matched++
				}
			}
			next.State.UpdateValidation(matched, uint64(len(votes)))
			e.log.Info("engine: consensus reached", "slot", currentSlot, "votes", len(votes), "matched", matched)
		}
		return nil
	})
}

func (e *Engine) InitializeBaseRewardRouter(currentSlot uint64) error {
	return e.apply("initialize base reward router", epochstate.StateSetupRouter, currentSlot, func(next *Records) error {
		if err := next.State.UpdateInitializeBaseRewardRouter(); err != nil {
			return err
		}
		next.Router = rewardrouter.New(next.State.NCN, next.State.Epoch, currentSlot)
		return nil
	})
}

// Upload authorizes receiver to collect an operator's rewards for a group. The
// operator must be the one snapshotted at operatorIndex and must have voted
// for the winning result.
func (e *Engine) Upload(b ballot.Ballot, currentSlot uint64, operatorIndex int, operator solana.PublicKey, group fees.NcnFeeGroup, receiver solana.PublicKey) error {
	return e.apply("upload", epochstate.StateDistribute, currentSlot, func(next *Records) error {
		bound, err := next.State.Operator(operatorIndex)
		if err != nil {
			return err
		}
		if !bound.Equals(operator) {
			return fmt.Errorf("operator index %d is %s, not %s: %w", operatorIndex, bound, operator, routererr.ErrOperatorRouteNotFound)
		}
		if !matchedWinning(b, operator) {
			return fmt.Errorf("operator %s has no winning vote: %w", operator, routererr.ErrOperatorRouteNotFound)
		}
		if _, err := next.Router.AuthorizeReceiver(operator, group, receiver); err != nil {
			return err
		}
		if err := next.State.UpdateUpload(operatorIndex, group); err != nil {
			return err
		}
		return syncDistributionTotals(next)
	})
}

// RouteResult describes what one RouteBaseRewards call moved.
type RouteResult struct {
	Incoming     uint64
	Split        rewardrouter.PoolSplit
	Credits      []rewardrouter.OperatorReward
	StillRouting bool
}

// RouteBaseRewards takes in new rewards from balance, splits the pool across
// fee groups and routes NCN fee group buckets to operators. While a previous
// per-operator pass is unfinished, intake and the pool split are skipped and
// only that pass continues.
func (e *Engine) RouteBaseRewards(b ballot.Ballot, balance uint64, maxIterations int, currentSlot uint64) (RouteResult, error) {
	var res RouteResult
	err := e.apply("route base rewards", epochstate.StateDistribute, currentSlot, func(next *Records) error {
		r := next.Router
		if !r.StillRouting() {
			incoming, err := r.RouteIncomingRewards(balance)
			if err != nil {
				return err
			}
			split, err := r.RouteRewardPool(next.State.Fees)
			if err != nil {
				return err
			}
			res.Incoming, res.Split = incoming, split
		}
		credits, err := r.RouteNcnFeeGroupRewards(b, maxIterations)
		if err != nil {
			return err
		}
		res.Credits = credits
		res.StillRouting = r.StillRouting()
		return syncDistributionTotals(next)
	})
	if err != nil {
		return RouteResult{}, err
	}
	e.log.Debug("engine: routed base rewards", "incoming", res.Incoming, "credits", len(res.Credits), "stillRouting", res.StillRouting)
	return res, nil
}

// DistributeBaseFeeGroupRewards pays out a base fee group bucket to destination.
func (e *Engine) DistributeBaseFeeGroupRewards(group fees.BaseFeeGroup, destination solana.PublicKey, currentSlot uint64) (uint64, error) {
	var paid uint64
	err := e.apply("distribute base fee group rewards", epochstate.StateDistribute, currentSlot, func(next *Records) error {
		amount, err := next.Router.DistributeBaseFeeGroupRewards(next.FeeConfig, group, destination)
		if err != nil {
			return err
		}
		paid = amount
		return next.State.UpdateDistributeBaseRewards(amount)
	})
	if err != nil {
		return 0, err
	}
	e.log.Info("engine: distributed base fee group rewards", "group", group, "destination", destination.String(), "amount", paid)
	return paid, nil
}

// DistributeNcnFeeGroupRouteRewards pays out an operator's group balance to destination.
func (e *Engine) DistributeNcnFeeGroupRouteRewards(operator solana.PublicKey, group fees.NcnFeeGroup, destination solana.PublicKey, currentSlot uint64) (uint64, error) {
	var paid uint64
	err := e.apply("distribute ncn fee group route rewards", epochstate.StateDistribute, currentSlot, func(next *Records) error {
		routeIndex, amount, err := next.Router.DistributeNcnFeeGroupRouteRewards(operator, group, destination)
		if err != nil {
			return err
		}
		paid = amount
		return next.State.UpdateDistributeNcnRewards(routeIndex, amount)
	})
	if err != nil {
		return 0, err
	}
	e.log.Info("engine: distributed ncn fee group route rewards", "operator", operator.String(), "group", group, "amount", paid)
	return paid, nil
}

// UpdateFeeConfig applies an update to the fee schedule. It takes effect in
// the epoch after currentEpoch.
func (e *Engine) UpdateFeeConfig(u fees.Update, currentEpoch uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.commit("update fee config", func(next *Records) error {
		return next.FeeConfig.UpdateFeeConfig(u, currentEpoch)
	})
}

func matchedWinning(b ballot.Ballot, operator solana.PublicKey) bool {
	for _, v := range b.OperatorVotes() {
		if v.Operator.Equals(operator) {
			return v.MatchedWinning
		}
	}
	return false
}

// syncDistributionTotals sizes the distribution progress from what the router
// holds plus what has been paid out.
func syncDistributionTotals(next *Records) error {
	st, r := next.State, next.Router
	lifetime, err := r.LifetimeRewards()
	if err != nil {
		return err
	}
	held, err := r.TotalBaseFeeGroupRewards()
	if err != nil {
		return err
	}
	baseRouted, err := addPaid(st.BaseDistributionProgress, held)
	if err != nil {
		return err
	}
	routes := r.ActiveRoutes()
	routeRouted := make([]uint64, len(routes))
	for i, route := range routes {
		held, err := route.TotalRewards()
		if err != nil {
			return err
		}
		if routeRouted[i], err = addPaid(st.NcnDistributionProgress[i], held); err != nil {
			return err
		}
	}
	return st.UpdateRouteBaseRewards(lifetime, baseRouted, routeRouted)
}
