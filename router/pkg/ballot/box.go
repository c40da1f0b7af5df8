package ballot

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/holiman/uint256"

	"github.com/malbeclabs/tiprouter/router/pkg/fees"
	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
)

const (
	// MaxVotes bounds the number of operators that can vote in one epoch.
	MaxVotes = 256

	// ResultSize is the size of a voted result.
	ResultSize = 32

	voteSize = solana.PublicKeyLength + ResultSize + fees.NcnFeeGroupCount*8 + 8

	// BoxSize is the encoded size of a Box.
	BoxSize = solana.PublicKeyLength + 3*8 + 1 + ResultSize + MaxVotes*voteSize

	noConsensus = ^uint64(0)
)

// Result is the value operators vote on, typically a merkle root.
type Result [ResultSize]byte

func (r Result) IsZero() bool { return r == Result{} }

// Vote is an operator's vote. A zero operator marks an empty slot.
type Vote struct {
	Operator     solana.PublicKey
	Result       Result
	StakeWeights StakeWeights
	SlotVoted    uint64
}

func (v Vote) isEmpty() bool { return v.Operator.IsZero() }

// Box records the votes of one epoch and latches the winning result once
// two thirds of the total stake agrees on it.
type Box struct {
	NCN                  solana.PublicKey
	Epoch                uint64
	SlotCreated          uint64
	SlotConsensusReached uint64
	HasWinner            bool
	Winner               Result
	Votes                [MaxVotes]Vote
}

var _ Ballot = (*Box)(nil)

func NewBox(ncn solana.PublicKey, epoch, slotCreated uint64) *Box {
	return &Box{
		NCN:                  ncn,
		Epoch:                epoch,
		SlotCreated:          slotCreated,
		SlotConsensusReached: noConsensus,
	}
}

// IsConsensusReached reports whether a winning result has been latched.
func (b *Box) IsConsensusReached() bool {
	return b.HasWinner
}

// CastVote records or replaces an operator's vote and re-tallies. A vote may
// not be changed after consensus. totalStakeWeight is the stake of every
// operator eligible to vote.
func (b *Box) CastVote(vote Vote, totalStakeWeight uint64) error {
	if vote.Operator.IsZero() {
		return fmt.Errorf("vote without operator: %w", routererr.ErrOperatorRouteNotFound)
	}
	if vote.Result.IsZero() {
		return fmt.Errorf("operator %s voted for an empty result: %w", vote.Operator, routererr.ErrNoWinningResult)
	}
	if _, err := vote.StakeWeights.Total(); err != nil {
		return err
	}

	next := *b
	slot := -1
	for i := range next.Votes {
		if next.Votes[i].Operator.Equals(vote.Operator) {
			slot = i
			break
		}
		if slot < 0 && next.Votes[i].isEmpty() {
			slot = i
		}
	}
	if slot < 0 {
		return fmt.Errorf("ballot box for epoch %d: %w", b.Epoch, routererr.ErrOperatorFull)
	}
	if existing := next.Votes[slot]; !existing.isEmpty() && next.HasWinner {
		return fmt.Errorf("operator %s cannot change vote after consensus: %w", vote.Operator, routererr.ErrInvalidState)
	}
	next.Votes[slot] = vote

	if !next.HasWinner {
		if err := next.tally(totalStakeWeight, vote.SlotVoted); err != nil {
			return err
		}
	}
	*b = next
	return nil
}

func (b *Box) tally(totalStakeWeight, currentSlot uint64) error {
	var (
		best      Result
		bestStake uint64
	)
	stakeByResult := make(map[Result]uint64)
	for _, v := range b.Votes {
		if v.isEmpty() {
			continue
		}
		stake, err := v.StakeWeights.Total()
		if err != nil {
			return err
		}
		sum := stakeByResult[v.Result] + stake
		if sum < stake {
			return fmt.Errorf("stake for result: %w", routererr.ErrArithmeticOverflow)
		}
		stakeByResult[v.Result] = sum
		if sum > bestStake {
			best, bestStake = v.Result, sum
		}
	}
	if bestStake == 0 || totalStakeWeight == 0 {
		return nil
	}

	// Consensus requires bestStake / totalStakeWeight >= 2/3.
	lhs := new(uint256.Int).Mul(uint256.NewInt(bestStake), uint256.NewInt(3))
	rhs := new(uint256.Int).Mul(uint256.NewInt(totalStakeWeight), uint256.NewInt(2))
	if lhs.Cmp(rhs) >= 0 {
		b.HasWinner = true
		b.Winner = best
		b.SlotConsensusReached = currentSlot
	}
	return nil
}

// OperatorsVoted returns the number of recorded votes.
func (b *Box) OperatorsVoted() uint64 {
	var n uint64
	for _, v := range b.Votes {
		if !v.isEmpty() {
			n++
		}
	}
	return n
}

func (b *Box) WinningTally() (Tally, error) {
	if !b.HasWinner {
		return Tally{}, fmt.Errorf("epoch %d: %w", b.Epoch, routererr.ErrNoWinningResult)
	}
	t := Tally{Result: b.Winner}
	for _, v := range b.Votes {
		if v.isEmpty() || v.Result != b.Winner {
			continue
		}
		weights, err := t.StakeWeights.add(v.StakeWeights)
		if err != nil {
			return Tally{}, err
		}
		t.StakeWeights = weights
		t.Votes++
	}
	return t, nil
}

// OperatorVotes returns the recorded votes in slot order.
func (b *Box) OperatorVotes() []OperatorVote {
	var votes []OperatorVote
	for _, v := range b.Votes {
		if v.isEmpty() {
			continue
		}
		votes = append(votes, OperatorVote{
			Operator:       v.Operator,
			MatchedWinning: b.HasWinner && v.Result == b.Winner,
			StakeWeights:   v.StakeWeights,
		})
	}
	return votes
}

func (b *Box) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(b.NCN[:], false); err != nil {
		return err
	}
	for _, v := range []uint64{b.Epoch, b.SlotCreated, b.SlotConsensusReached} {
		if err := enc.WriteUint64(v, bin.LE); err != nil {
			return err
		}
	}
	if err := enc.WriteBool(b.HasWinner); err != nil {
		return err
	}
	if err := enc.WriteBytes(b.Winner[:], false); err != nil {
		return err
	}
	for _, v := range b.Votes {
		if err := enc.WriteBytes(v.Operator[:], false); err != nil {
			return err
		}
		if err := enc.WriteBytes(v.Result[:], false); err != nil {
			return err
		}
		for _, w := range v.StakeWeights {
			if err := enc.WriteUint64(w, bin.LE); err != nil {
				return err
			}
		}
		if err := enc.WriteUint64(v.SlotVoted, bin.LE); err != nil {
			return err
		}
	}
	return nil
}

func (b *Box) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	var raw []byte
	if raw, err = dec.ReadNBytes(solana.PublicKeyLength); err != nil {
		return err
	}
	b.NCN = solana.PublicKeyFromBytes(raw)
	for _, v := range []*uint64{&b.Epoch, &b.SlotCreated, &b.SlotConsensusReached} {
		if *v, err = dec.ReadUint64(bin.LE); err != nil {
			return err
		}
	}
	if b.HasWinner, err = dec.ReadBool(); err != nil {
		return err
	}
	if raw, err = dec.ReadNBytes(ResultSize); err != nil {
		return err
	}
	copy(b.Winner[:], raw)
	for i := range b.Votes {
		v := &b.Votes[i]
		if raw, err = dec.ReadNBytes(solana.PublicKeyLength); err != nil {
			return err
		}
		v.Operator = solana.PublicKeyFromBytes(raw)
		if raw, err = dec.ReadNBytes(ResultSize); err != nil {
			return err
		}
		copy(v.Result[:], raw)
		for j := range v.StakeWeights {
			if v.StakeWeights[j], err = dec.ReadUint64(bin.LE); err != nil {
				return err
			}
		}
		if v.SlotVoted, err = dec.ReadUint64(bin.LE); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the fixed-size encoding of the box.
func (b *Box) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(BoxSize)
	if err := b.MarshalWithEncoder(bin.NewBorshEncoder(&buf)); err != nil {
		return nil, fmt.Errorf("failed to encode ballot box: %w", err)
	}
	return buf.Bytes(), nil
}

// BoxFromBytes decodes a box produced by Bytes.
func BoxFromBytes(data []byte) (*Box, error) {
	if len(data) != BoxSize {
		return nil, fmt.Errorf("ballot box must be %d bytes, got %d", BoxSize, len(data))
	}
	b := &Box{}
	if err := b.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, fmt.Errorf("failed to decode ballot box: %w", err)
	}
	return b, nil
}
