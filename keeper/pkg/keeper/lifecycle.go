package keeper

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/tiprouter/keeper/pkg/store"
	"github.com/malbeclabs/tiprouter/router/pkg/ballot"
	"github.com/malbeclabs/tiprouter/router/pkg/epochstate"
	"github.com/malbeclabs/tiprouter/router/pkg/fees"
	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
)

// OperatorSnapshot is one operator of an epoch snapshot, in snapshot order.
type OperatorSnapshot struct {
	Operator    solana.PublicKey `json:"operator"`
	Delegations uint64           `json:"delegations"`
}

// CreateEpoch stores a fresh epoch state for the keeper's epoch. It fails with
// routererr.ErrAlreadyExists if the epoch has already been created.
func (k *Keeper) CreateEpoch(ctx context.Context) error {
	k.refreshMu.Lock()
	defer k.refreshMu.Unlock()

	if _, err := k.cfg.Store.LoadFeeConfig(ctx, k.cfg.NCN); err != nil {
		return fmt.Errorf("failed to load fee config: %w", err)
	}
	slot, err := k.cfg.Ledger.CurrentSlot(ctx)
	if err != nil {
		return err
	}
	state := epochstate.New(k.cfg.NCN, k.cfg.Epoch, slot)
	err = k.cfg.Store.SaveEpoch(ctx, k.cfg.NCN, k.cfg.Epoch, store.EpochRecords{State: state})
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("epoch %d: %w", k.cfg.Epoch, routererr.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create epoch: %w", err)
	}
	k.log.Info("keeper: created epoch", "slot", slot)
	return nil
}

// SetWeights creates the weight table for stMintCount mints if needed and
// records that weightsSet of them have a weight.
func (k *Keeper) SetWeights(ctx context.Context, stMintCount, weightsSet uint64) error {
	l, _, err := k.step(ctx, "set weights", func(l *loaded) error {
		if l.epoch.State.AccountStatus.WeightTable == epochstate.DoesNotExist {
			if err := l.engine.InitializeWeightTable(stMintCount); err != nil {
				return err
			}
		}
		return l.engine.SetWeights(weightsSet)
	})
	if err != nil {
		return err
	}
	k.log.Info("keeper: set weights", "weightsSet", weightsSet, "state", l.state.String())
	return nil
}

// SnapshotOperators takes the epoch snapshot: it binds each operator to its
// position in operators and records all of its delegations. Operators already
// snapshotted are skipped, so a partial snapshot can be completed by calling
// again with the same list.
func (k *Keeper) SnapshotOperators(ctx context.Context, vaultCount uint64, operators []OperatorSnapshot) error {
	l, _, err := k.step(ctx, "snapshot operators", func(l *loaded) error {
		st := l.epoch.State
		if st.AccountStatus.EpochSnapshot == epochstate.DoesNotExist {
			if err := l.engine.InitializeEpochSnapshot(uint64(len(operators)), vaultCount); err != nil {
				return err
			}
		} else if uint64(len(operators)) != st.OperatorCount {
			return fmt.Errorf("%d operators for a snapshot of %d: %w", len(operators), st.OperatorCount, routererr.ErrInvalidState)
		}
		for i, op := range operators {
			if st.AccountStatus.OperatorSnapshot[i] != epochstate.DoesNotExist {
				if !st.Operators[i].Equals(op.Operator) {
					return fmt.Errorf("operator index %d is %s, not %s: %w", i, st.Operators[i], op.Operator, routererr.ErrInvalidState)
				}
				continue
			}
			if err := l.engine.InitializeOperatorSnapshot(i, op.Operator, op.Delegations); err != nil {
				return err
			}
			for d := uint64(0); d < op.Delegations; d++ {
				if err := l.engine.SnapshotVaultOperatorDelegation(i); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	k.log.Info("keeper: snapshotted operators", "operators", len(operators), "state", l.state.String())
	return nil
}

// CastVote records an operator's vote in the ballot box, creating the box on
// the first vote, and latches consensus once two thirds of totalStakeWeight
// agrees. Only snapshotted operators may vote.
func (k *Keeper) CastVote(ctx context.Context, vote ballot.Vote, totalStakeWeight uint64) error {
	l, _, err := k.step(ctx, "cast vote", func(l *loaded) error {
		if _, err := l.epoch.State.OperatorIndex(vote.Operator); err != nil {
			return err
		}
		if l.epoch.State.AccountStatus.BallotBox == epochstate.DoesNotExist {
			if err := l.engine.InitializeBallotBox(); err != nil {
				return err
			}
		}
		if l.epoch.Ballot == nil {
			l.epoch.Ballot = ballot.NewBox(k.cfg.NCN, k.cfg.Epoch, l.slot)
		}
		v := vote
		if v.SlotVoted == 0 {
			v.SlotVoted = l.slot
		}
		if err := l.epoch.Ballot.CastVote(v, totalStakeWeight); err != nil {
			return err
		}
		return l.engine.RecordVotes(l.epoch.Ballot, l.slot)
	})
	if err != nil {
		return err
	}
	k.log.Info("keeper: recorded vote", "operator", vote.Operator, "consensus", l.epoch.Ballot.IsConsensusReached(), "state", l.state.String())
	return nil
}

// CloseEpoch closes every record of the epoch that is still open and then the
// epoch state itself. Nothing is closed unless all of it can be: the cooldown
// after consensus must have elapsed and every balance must have been paid out.
func (k *Keeper) CloseEpoch(ctx context.Context) error {
	l, _, err := k.step(ctx, "close epoch", func(l *loaded) error {
		e, st, slot := l.engine, l.epoch.State, l.slot
		status := st.AccountStatus

		if status.WeightTable.IsOpen() {
			if err := e.CloseWeightTable(slot); err != nil {
				return err
			}
		}
		if status.EpochSnapshot.IsOpen() {
			if err := e.CloseEpochSnapshot(slot); err != nil {
				return err
			}
		}
		for i, s := range status.OperatorSnapshot {
			if !s.IsOpen() {
				continue
			}
			if err := e.CloseOperatorSnapshot(i, slot); err != nil {
				return err
			}
		}
		if status.BallotBox.IsOpen() {
			if err := e.CloseBallotBox(slot); err != nil {
				return err
			}
		}
		for i := 0; i < int(st.OperatorCount); i++ {
			for _, group := range fees.AllNcnFeeGroups() {
				s, err := status.NcnRewardRouterStatus(i, group)
				if err != nil {
					return err
				}
				if !s.IsOpen() {
					continue
				}
				if err := e.CloseNcnRewardRouter(i, group, slot); err != nil {
					return err
				}
			}
		}
		if status.BaseRewardRouter.IsOpen() {
			if err := e.CloseBaseRewardRouter(slot); err != nil {
				return err
			}
		}
		return e.CloseEpochState(slot)
	})
	if err != nil {
		return err
	}
	k.log.Info("keeper: closed epoch", "slot", l.slot)
	return nil
}
