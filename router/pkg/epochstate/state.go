package epochstate

import (
	"errors"
	"fmt"

	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
	"github.com/malbeclabs/tiprouter/router/pkg/sharemath"
)

// State is a lifecycle stage of an epoch. Stages only move forward.
type State uint8

const (
	StateSetWeight State = iota
	StateSnapshot
	StateVote
	StateSetupRouter
	StateDistribute
	StateClose
)

func (s State) String() string {
	switch s {
	case StateSetWeight:
		return "set_weight"
	case StateSnapshot:
		return "snapshot"
	case StateVote:
		return "vote"
	case StateSetupRouter:
		return "setup_router"
	case StateDistribute:
		return "distribute"
	case StateClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// AllStates lists every state in lifecycle order.
func AllStates() []State {
	return []State{StateSetWeight, StateSnapshot, StateVote, StateSetupRouter, StateDistribute, StateClose}
}

// EpochSchedule maps ledger slots to epochs.
type EpochSchedule struct {
	SlotsPerEpoch uint64
}

func (s EpochSchedule) Validate() error {
	if s.SlotsPerEpoch == 0 {
		return errors.New("slots per epoch must be greater than 0")
	}
	return nil
}

// EpochForSlot returns the epoch containing slot.
func (s EpochSchedule) EpochForSlot(slot uint64) (uint64, error) {
	if s.SlotsPerEpoch == 0 {
		return 0, routererr.ErrDivisionByZero
	}
	return slot / s.SlotsPerEpoch, nil
}

// CanCloseEpochAccounts reports whether consensus was reached and at least
// cooldownEpochs epochs have passed since the epoch in which it was reached.
func (s *EpochState) CanCloseEpochAccounts(schedule EpochSchedule, cooldownEpochs, currentSlot uint64) (bool, error) {
	if !s.WasConsensusReached() {
		return false, nil
	}
	consensusEpoch, err := schedule.EpochForSlot(s.SlotConsensusReached)
	if err != nil {
		return false, err
	}
	currentEpoch, err := schedule.EpochForSlot(currentSlot)
	if err != nil {
		return false, err
	}
	closableEpoch, err := sharemath.Add(consensusEpoch, cooldownEpochs)
	if err != nil {
		return false, fmt.Errorf("closable epoch: %w", err)
	}
	return currentEpoch >= closableEpoch, nil
}

// AreAllClosed is true when every record the epoch depends on has been closed.
func (s *EpochState) AreAllClosed() bool {
	return s.AccountStatus.AreAllDependentsClosed()
}

// CurrentState derives the lifecycle stage from the stored statuses and
// progress. It is recomputed on every call and never stored.
func (s *EpochState) CurrentState(schedule EpochSchedule, cooldownEpochs, currentSlot uint64) (State, error) {
	st := s.AccountStatus
	switch {
	case st.WeightTable == DoesNotExist || !s.SetWeightProgress.IsComplete():
		return StateSetWeight, nil
	case st.EpochSnapshot == DoesNotExist || !s.EpochSnapshotProgress.IsComplete():
		return StateSnapshot, nil
	case st.BallotBox == DoesNotExist || !s.WasConsensusReached():
		return StateVote, nil
	case st.BaseRewardRouter == DoesNotExist:
		return StateSetupRouter, nil
	}
	if s.AreAllClosed() {
		ok, err := s.CanCloseEpochAccounts(schedule, cooldownEpochs, currentSlot)
		if err != nil {
			return StateDistribute, err
		}
		if ok {
			return StateClose, nil
		}
	}
	return StateDistribute, nil
}
