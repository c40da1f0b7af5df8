package epochstate

import (
	"bytes"
	"fmt"
	"math"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/tiprouter/router/pkg/fees"
	"github.com/malbeclabs/tiprouter/router/pkg/progress"
	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
)

// DefaultConsensusReachedSlot marks an epoch that has not reached consensus.
const DefaultConsensusReachedSlot = math.MaxUint64

const (
	epochStateHeaderSize    = solana.PublicKeyLength + 5*8
	epochStateProgressCount = 7 + 2*MaxOperators

	// EpochStateSize is the encoded size of an EpochState.
	EpochStateSize = epochStateHeaderSize + fees.EpochFeesSize + EpochAccountStatusSize +
		MaxOperators*solana.PublicKeyLength + epochStateProgressCount*progress.Size
)

// EpochState is the per (NCN, epoch) record from which the lifecycle stage is
// derived. Every lifecycle step updates it through one of the Update or Close
// methods.
type EpochState struct {
	NCN                  solana.PublicKey
	Epoch                uint64
	SlotCreated          uint64
	SlotConsensusReached uint64
	OperatorCount        uint64
	VaultCount           uint64

	// Fees is the fee schedule captured when the epoch snapshot was taken.
	// Routing uses it instead of the live fee config.
	Fees fees.EpochFees

	AccountStatus EpochAccountStatus

	// Operators holds the operator key snapshotted at each operator index.
	Operators [MaxOperators]solana.PublicKey

	SetWeightProgress         progress.Progress
	EpochSnapshotProgress     progress.Progress
	OperatorSnapshotProgress  [MaxOperators]progress.Progress
	VotingProgress            progress.Progress
	ValidationProgress        progress.Progress
	UploadProgress            progress.Progress
	TotalDistributionProgress progress.Progress
	BaseDistributionProgress  progress.Progress
	NcnDistributionProgress   [MaxOperators]progress.Progress
}

// New returns the epoch state of a freshly created epoch.
func New(ncn solana.PublicKey, epoch, slotCreated uint64) *EpochState {
	s := &EpochState{
		NCN:                       ncn,
		Epoch:                     epoch,
		SlotCreated:               slotCreated,
		SlotConsensusReached:      DefaultConsensusReachedSlot,
		SetWeightProgress:         progress.Invalid(),
		EpochSnapshotProgress:     progress.Invalid(),
		VotingProgress:            progress.Invalid(),
		ValidationProgress:        progress.Invalid(),
		UploadProgress:            progress.Invalid(),
		TotalDistributionProgress: progress.Invalid(),
		BaseDistributionProgress:  progress.Invalid(),
	}
	s.AccountStatus.EpochState = Created
	for i := range s.OperatorSnapshotProgress {
		s.OperatorSnapshotProgress[i] = progress.Invalid()
	}
	for i := range s.NcnDistributionProgress {
		s.NcnDistributionProgress[i] = progress.Invalid()
	}
	return s
}

// Clone returns a deep copy. EpochState holds no references so a value copy suffices.
func (s *EpochState) Clone() *EpochState {
	c := *s
	return &c
}

// WasConsensusReached reports whether the consensus latch has been set.
func (s *EpochState) WasConsensusReached() bool {
	return s.SlotConsensusReached != DefaultConsensusReachedSlot
}

// UpdateInitializeWeightTable records creation of the weight table sized for
// stMintCount supported mints.
func (s *EpochState) UpdateInitializeWeightTable(stMintCount uint64) error {
	if s.AccountStatus.WeightTable != DoesNotExist {
		return fmt.Errorf("weight table: %w", routererr.ErrAlreadyExists)
	}
	s.AccountStatus.WeightTable = Created
	s.SetWeightProgress = progress.New(0, stMintCount)
	return nil
}

// UpdateSetWeight records how many mint weights have been set. The count only
// moves forward.
func (s *EpochState) UpdateSetWeight(weightsSet uint64) error {
	if !s.AccountStatus.WeightTable.IsOpen() {
		return fmt.Errorf("weight table: %w", routererr.ErrDoesNotExist)
	}
	if weightsSet > s.SetWeightProgress.Total {
		return fmt.Errorf("set %d of %d weights: %w", weightsSet, s.SetWeightProgress.Total, routererr.ErrArithmeticOverflow)
	}
	if weightsSet < s.SetWeightProgress.Tally {
		return fmt.Errorf("set %d weights after %d: %w", weightsSet, s.SetWeightProgress.Tally, routererr.ErrArithmeticUnderflow)
	}
	s.SetWeightProgress.SetTally(weightsSet)
	return nil
}

// UpdateInitializeEpochSnapshot records creation of the epoch snapshot and
// freezes the fee schedule the epoch will be routed with.
func (s *EpochState) UpdateInitializeEpochSnapshot(operatorCount, vaultCount uint64, epochFees fees.EpochFees) error {
	if s.AccountStatus.EpochSnapshot != DoesNotExist {
		return fmt.Errorf("epoch snapshot: %w", routererr.ErrAlreadyExists)
	}
	if operatorCount > MaxOperators {
		return fmt.Errorf("%d operators: %w", operatorCount, routererr.ErrOperatorFull)
	}
	s.AccountStatus.EpochSnapshot = Created
	s.OperatorCount = operatorCount
	s.VaultCount = vaultCount
	s.Fees = epochFees
	s.EpochSnapshotProgress = progress.New(0, operatorCount)
	return nil
}

// UpdateInitializeOperatorSnapshot records creation of an operator snapshot and
// binds operator to operatorIndex. An operator with no delegations to snapshot
// is complete immediately.
func (s *EpochState) UpdateInitializeOperatorSnapshot(operatorIndex int, operator solana.PublicKey, delegationCount uint64) error {
	if err := checkOperatorIndex(operatorIndex); err != nil {
		return err
	}
	if uint64(operatorIndex) >= s.OperatorCount {
		return fmt.Errorf("operator index %d of %d: %w", operatorIndex, s.OperatorCount, routererr.ErrOperatorRouteNotFound)
	}
	if s.AccountStatus.OperatorSnapshot[operatorIndex] != DoesNotExist {
		return fmt.Errorf("operator snapshot %d: %w", operatorIndex, routererr.ErrAlreadyExists)
	}
	if operator.IsZero() {
		return fmt.Errorf("operator snapshot %d without operator: %w", operatorIndex, routererr.ErrOperatorRouteNotFound)
	}
	if _, err := s.OperatorIndex(operator); err == nil {
		return fmt.Errorf("operator %s: %w", operator, routererr.ErrAlreadyExists)
	}
	s.AccountStatus.OperatorSnapshot[operatorIndex] = Created
	s.Operators[operatorIndex] = operator
	s.OperatorSnapshotProgress[operatorIndex] = progress.New(0, delegationCount)
	if delegationCount == 0 {
		return s.EpochSnapshotProgress.Increment(1)
	}
	return nil
}

// OperatorIndex returns the snapshot index operator is bound to.
func (s *EpochState) OperatorIndex(operator solana.PublicKey) (int, error) {
	if !operator.IsZero() {
		for i := 0; i < int(min(s.OperatorCount, MaxOperators)); i++ {
			if s.Operators[i].Equals(operator) {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("operator %s is not in the snapshot: %w", operator, routererr.ErrOperatorRouteNotFound)
}

// Operator returns the operator key bound to operatorIndex.
func (s *EpochState) Operator(operatorIndex int) (solana.PublicKey, error) {
	if err := checkOperatorIndex(operatorIndex); err != nil {
		return solana.PublicKey{}, err
	}
	if uint64(operatorIndex) >= s.OperatorCount || s.Operators[operatorIndex].IsZero() {
		return solana.PublicKey{}, fmt.Errorf("operator index %d: %w", operatorIndex, routererr.ErrOperatorRouteNotFound)
	}
	return s.Operators[operatorIndex], nil
}

// UpdateSnapshotVaultOperatorDelegation records one snapshotted delegation of
// an operator, completing the operator when its last delegation is recorded.
func (s *EpochState) UpdateSnapshotVaultOperatorDelegation(operatorIndex int) error {
	if err := checkOperatorIndex(operatorIndex); err != nil {
		return err
	}
	if !s.AccountStatus.OperatorSnapshot[operatorIndex].IsOpen() {
		return fmt.Errorf("operator snapshot %d: %w", operatorIndex, routererr.ErrDoesNotExist)
	}
	p := &s.OperatorSnapshotProgress[operatorIndex]
	if p.IsComplete() {
		return fmt.Errorf("operator snapshot %d already complete: %w", operatorIndex, routererr.ErrInvalidState)
	}
	if err := p.Increment(1); err != nil {
		return err
	}
	if p.IsComplete() {
		return s.EpochSnapshotProgress.Increment(1)
	}
	return nil
}

// UpdateInitializeBallotBox records creation of the ballot box.
func (s *EpochState) UpdateInitializeBallotBox() error {
	if s.AccountStatus.BallotBox != DoesNotExist {
		return fmt.Errorf("ballot box: %w", routererr.ErrAlreadyExists)
	}
	s.AccountStatus.BallotBox = Created
	s.VotingProgress = progress.New(0, s.OperatorCount)
	return nil
}

// UpdateCastVote records voting progress. The vote count only moves forward.
// Consensus is a one-way latch: the first call that reports it stores
// currentSlot, later calls never reset it.
func (s *EpochState) UpdateCastVote(operatorsVoted uint64, consensusReached bool, currentSlot uint64) error {
	if !s.AccountStatus.BallotBox.IsOpen() {
		return fmt.Errorf("ballot box: %w", routererr.ErrDoesNotExist)
	}
	if consensusReached && currentSlot == DefaultConsensusReachedSlot {
		return fmt.Errorf("consensus slot: %w", routererr.ErrArithmeticOverflow)
	}
	if operatorsVoted < s.VotingProgress.Tally {
		return fmt.Errorf("%d votes after %d: %w", operatorsVoted, s.VotingProgress.Tally, routererr.ErrArithmeticUnderflow)
	}
	s.VotingProgress.SetTally(operatorsVoted)
	if consensusReached && !s.WasConsensusReached() {
		s.SlotConsensusReached = currentSlot
	}
	return nil
}

// UpdateValidation records how many of the votes cast matched the winning result.
func (s *EpochState) UpdateValidation(matched, voted uint64) {
	s.ValidationProgress = progress.New(matched, voted)
}

// UpdateInitializeBaseRewardRouter records creation of the base reward router.
func (s *EpochState) UpdateInitializeBaseRewardRouter() error {
	if s.AccountStatus.BaseRewardRouter != DoesNotExist {
		return fmt.Errorf("base reward router: %w", routererr.ErrAlreadyExists)
	}
	s.AccountStatus.BaseRewardRouter = Created
	s.UploadProgress = progress.New(0, s.OperatorCount)
	s.TotalDistributionProgress = progress.New(0, 0)
	s.BaseDistributionProgress = progress.New(0, 0)
	return nil
}

// UpdateUpload marks the operator × group router as carrying an authorized
// receiver. Upload progress counts operators with at least one receiver.
func (s *EpochState) UpdateUpload(operatorIndex int, group fees.NcnFeeGroup) error {
	if !s.AccountStatus.BaseRewardRouter.IsOpen() {
		return fmt.Errorf("base reward router: %w", routererr.ErrDoesNotExist)
	}
	i, err := ncnRewardRouterIndex(operatorIndex, group)
	if err != nil {
		return err
	}
	if uint64(operatorIndex) >= s.OperatorCount {
		return fmt.Errorf("operator index %d of %d: %w", operatorIndex, s.OperatorCount, routererr.ErrOperatorRouteNotFound)
	}
	if s.AccountStatus.NcnRewardRouter[i] == Closed {
		return fmt.Errorf("ncn reward router %d/%d: %w", operatorIndex, group, routererr.ErrInvalidState)
	}
	first := true
	for _, g := range fees.AllNcnFeeGroups() {
		if s.AccountStatus.NcnRewardRouter[operatorIndex*fees.NcnFeeGroupCount+g.Index()] == CreatedWithReceiver {
			first = false
			break
		}
	}
	if first && !s.UploadProgress.IsComplete() {
		if err := s.UploadProgress.Increment(1); err != nil {
			return err
		}
	}
	s.AccountStatus.NcnRewardRouter[i] = CreatedWithReceiver
	return nil
}

// UpdateRouteBaseRewards records the amounts routed so far: lifetime inflow,
// everything routed to base fee groups and, per route slot, everything routed
// to that operator. Totals include what has already been paid out.
func (s *EpochState) UpdateRouteBaseRewards(totalRewards, baseRouted uint64, routeRouted []uint64) error {
	if !s.AccountStatus.BaseRewardRouter.IsOpen() {
		return fmt.Errorf("base reward router: %w", routererr.ErrDoesNotExist)
	}
	if len(routeRouted) > MaxOperators {
		return fmt.Errorf("%d routes: %w", len(routeRouted), routererr.ErrRouterFull)
	}
	s.TotalDistributionProgress.SetTotal(totalRewards)
	s.BaseDistributionProgress.SetTotal(baseRouted)
	for i, routed := range routeRouted {
		if s.NcnDistributionProgress[i].IsInvalid() {
			s.NcnDistributionProgress[i] = progress.New(0, routed)
			continue
		}
		s.NcnDistributionProgress[i].SetTotal(routed)
	}
	return nil
}

// UpdateDistributeBaseRewards records a payout from a base fee group bucket.
func (s *EpochState) UpdateDistributeBaseRewards(amount uint64) error {
	if err := s.BaseDistributionProgress.Increment(amount); err != nil {
		return fmt.Errorf("base distribution progress: %w", err)
	}
	if err := s.TotalDistributionProgress.Increment(amount); err != nil {
		return fmt.Errorf("total distribution progress: %w", err)
	}
	return nil
}

// UpdateDistributeNcnRewards records a payout from the route in slot routeIndex.
func (s *EpochState) UpdateDistributeNcnRewards(routeIndex int, amount uint64) error {
	if err := checkOperatorIndex(routeIndex); err != nil {
		return err
	}
	if err := s.NcnDistributionProgress[routeIndex].Increment(amount); err != nil {
		return fmt.Errorf("ncn distribution progress %d: %w", routeIndex, err)
	}
	if err := s.TotalDistributionProgress.Increment(amount); err != nil {
		return fmt.Errorf("total distribution progress: %w", err)
	}
	return nil
}

func closeStatus(status *AccountStatus, name string) error {
	if !status.IsOpen() {
		return fmt.Errorf("%s is %s: %w", name, *status, routererr.ErrCannotCloseAccount)
	}
	*status = Closed
	return nil
}

func (s *EpochState) CloseWeightTable() error {
	return closeStatus(&s.AccountStatus.WeightTable, "weight table")
}

func (s *EpochState) CloseEpochSnapshot() error {
	return closeStatus(&s.AccountStatus.EpochSnapshot, "epoch snapshot")
}

func (s *EpochState) CloseOperatorSnapshot(operatorIndex int) error {
	if err := checkOperatorIndex(operatorIndex); err != nil {
		return err
	}
	return closeStatus(&s.AccountStatus.OperatorSnapshot[operatorIndex], fmt.Sprintf("operator snapshot %d", operatorIndex))
}

func (s *EpochState) CloseBallotBox() error {
	return closeStatus(&s.AccountStatus.BallotBox, "ballot box")
}

func (s *EpochState) CloseBaseRewardRouter() error {
	return closeStatus(&s.AccountStatus.BaseRewardRouter, "base reward router")
}

func (s *EpochState) CloseNcnRewardRouter(operatorIndex int, group fees.NcnFeeGroup) error {
	i, err := ncnRewardRouterIndex(operatorIndex, group)
	if err != nil {
		return err
	}
	return closeStatus(&s.AccountStatus.NcnRewardRouter[i], fmt.Sprintf("ncn reward router %d/%d", operatorIndex, group))
}

// CloseEpochState closes the epoch record itself. Every dependent record must
// already be closed.
func (s *EpochState) CloseEpochState() error {
	if !s.AccountStatus.AreAllDependentsClosed() {
		return fmt.Errorf("epoch state has open dependents: %w", routererr.ErrCannotCloseAccount)
	}
	return closeStatus(&s.AccountStatus.EpochState, "epoch state")
}

func (s *EpochState) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(s.NCN[:], false); err != nil {
		return err
	}
	for _, v := range []uint64{s.Epoch, s.SlotCreated, s.SlotConsensusReached, s.OperatorCount, s.VaultCount} {
		if err := enc.WriteUint64(v, bin.LE); err != nil {
			return err
		}
	}
	if err := s.Fees.MarshalWithEncoder(enc); err != nil {
		return err
	}
	if err := s.AccountStatus.MarshalWithEncoder(enc); err != nil {
		return err
	}
	for _, operator := range s.Operators {
		if err := enc.WriteBytes(operator[:], false); err != nil {
			return err
		}
	}
	for _, p := range s.progresses() {
		if err := p.MarshalWithEncoder(enc); err != nil {
			return err
		}
	}
	return nil
}

func (s *EpochState) UnmarshalWithDecoder(dec *bin.Decoder) error {
	ncn, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return err
	}
	s.NCN = solana.PublicKeyFromBytes(ncn)
	for _, v := range []*uint64{&s.Epoch, &s.SlotCreated, &s.SlotConsensusReached, &s.OperatorCount, &s.VaultCount} {
		if *v, err = dec.ReadUint64(bin.LE); err != nil {
			return err
		}
	}
	if err := s.Fees.UnmarshalWithDecoder(dec); err != nil {
		return err
	}
	if err := s.AccountStatus.UnmarshalWithDecoder(dec); err != nil {
		return err
	}
	for i := range s.Operators {
		b, err := dec.ReadNBytes(solana.PublicKeyLength)
		if err != nil {
			return err
		}
		s.Operators[i] = solana.PublicKeyFromBytes(b)
	}
	for _, p := range s.progresses() {
		if err := p.UnmarshalWithDecoder(dec); err != nil {
			return err
		}
	}
	return nil
}

func (s *EpochState) progresses() []*progress.Progress {
	ps := make([]*progress.Progress, 0, epochStateProgressCount)
	ps = append(ps, &s.SetWeightProgress, &s.EpochSnapshotProgress)
	for i := range s.OperatorSnapshotProgress {
		ps = append(ps, &s.OperatorSnapshotProgress[i])
	}
	ps = append(ps, &s.VotingProgress, &s.ValidationProgress, &s.UploadProgress,
		&s.TotalDistributionProgress, &s.BaseDistributionProgress)
	for i := range s.NcnDistributionProgress {
		ps = append(ps, &s.NcnDistributionProgress[i])
	}
	return ps
}

// Bytes returns the fixed-size encoding of the epoch state.
func (s *EpochState) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(EpochStateSize)
	if err := s.MarshalWithEncoder(bin.NewBorshEncoder(&buf)); err != nil {
		return nil, fmt.Errorf("failed to encode epoch state: %w", err)
	}
	return buf.Bytes(), nil
}

// FromBytes decodes an epoch state produced by Bytes.
func FromBytes(data []byte) (*EpochState, error) {
	if len(data) != EpochStateSize {
		return nil, fmt.Errorf("epoch state must be %d bytes, got %d", EpochStateSize, len(data))
	}
	s := &EpochState{}
	if err := s.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, fmt.Errorf("failed to decode epoch state: %w", err)
	}
	return s, nil
}
