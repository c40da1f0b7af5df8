package epochstate

import (
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/malbeclabs/tiprouter/router/pkg/fees"
	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
)

// MaxOperators bounds the per-operator arrays of an epoch.
const MaxOperators = 256

// NcnRewardRouterCount is the number of operator × NCN fee group router slots.
const NcnRewardRouterCount = MaxOperators * fees.NcnFeeGroupCount

// EpochAccountStatusSize is the encoded size of an EpochAccountStatus.
const EpochAccountStatusSize = 6 + MaxOperators + NcnRewardRouterCount

// AccountStatus is the lifecycle of one dependent record of an epoch.
type AccountStatus uint8

const (
	DoesNotExist AccountStatus = iota
	Created
	CreatedWithReceiver
	Closed
)

func (s AccountStatus) String() string {
	switch s {
	case DoesNotExist:
		return "does_not_exist"
	case Created:
		return "created"
	case CreatedWithReceiver:
		return "created_with_receiver"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// IsOpen is true for a record that exists and has not been closed.
func (s AccountStatus) IsOpen() bool {
	return s == Created || s == CreatedWithReceiver
}

// EpochAccountStatus records the status of every record an epoch depends on.
type EpochAccountStatus struct {
	EpochState       AccountStatus
	WeightTable      AccountStatus
	EpochSnapshot    AccountStatus
	OperatorSnapshot [MaxOperators]AccountStatus
	BallotBox        AccountStatus
	BaseRewardRouter AccountStatus
	NcnRewardRouter  [NcnRewardRouterCount]AccountStatus
}

func ncnRewardRouterIndex(operatorIndex int, group fees.NcnFeeGroup) (int, error) {
	if err := checkOperatorIndex(operatorIndex); err != nil {
		return 0, err
	}
	if err := group.Validate(); err != nil {
		return 0, err
	}
	return operatorIndex*fees.NcnFeeGroupCount + group.Index(), nil
}

func checkOperatorIndex(operatorIndex int) error {
	if operatorIndex < 0 || operatorIndex >= MaxOperators {
		return fmt.Errorf("operator index %d: %w", operatorIndex, routererr.ErrOperatorFull)
	}
	return nil
}

// NcnRewardRouterStatus returns the status of the operator × group router.
func (s *EpochAccountStatus) NcnRewardRouterStatus(operatorIndex int, group fees.NcnFeeGroup) (AccountStatus, error) {
	i, err := ncnRewardRouterIndex(operatorIndex, group)
	if err != nil {
		return DoesNotExist, err
	}
	return s.NcnRewardRouter[i], nil
}

// AreAllDependentsClosed is true when the required records are closed and no
// optional per-operator record is still open. The epoch state record itself is
// not considered.
func (s *EpochAccountStatus) AreAllDependentsClosed() bool {
	for _, status := range []AccountStatus{s.WeightTable, s.EpochSnapshot, s.BallotBox, s.BaseRewardRouter} {
		if status != Closed {
			return false
		}
	}
	for _, status := range s.OperatorSnapshot {
		if status.IsOpen() {
			return false
		}
	}
	for _, status := range s.NcnRewardRouter {
		if status.IsOpen() {
			return false
		}
	}
	return true
}

func (s EpochAccountStatus) MarshalWithEncoder(enc *bin.Encoder) error {
	write := func(statuses ...AccountStatus) error {
		for _, status := range statuses {
			if err := enc.WriteUint8(uint8(status)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := write(s.EpochState, s.WeightTable, s.EpochSnapshot); err != nil {
		return err
	}
	if err := write(s.OperatorSnapshot[:]...); err != nil {
		return err
	}
	if err := write(s.BallotBox, s.BaseRewardRouter); err != nil {
		return err
	}
	return write(s.NcnRewardRouter[:]...)
}

func (s *EpochAccountStatus) UnmarshalWithDecoder(dec *bin.Decoder) error {
	read := func(statuses ...*AccountStatus) error {
		for _, status := range statuses {
			v, err := dec.ReadUint8()
			if err != nil {
				return err
			}
			if AccountStatus(v) > Closed {
				return fmt.Errorf("invalid account status %d", v)
			}
			*status = AccountStatus(v)
		}
		return nil
	}
	if err := read(&s.EpochState, &s.WeightTable, &s.EpochSnapshot); err != nil {
		return err
	}
	for i := range s.OperatorSnapshot {
		if err := read(&s.OperatorSnapshot[i]); err != nil {
			return err
		}
	}
	if err := read(&s.BallotBox, &s.BaseRewardRouter); err != nil {
		return err
	}
	for i := range s.NcnRewardRouter {
		if err := read(&s.NcnRewardRouter[i]); err != nil {
			return err
		}
	}
	return nil
}
