// Package ballot holds the stake-weighted consensus vote of an epoch. The
// reward router only reads it through the Ballot interface.
package ballot

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/tiprouter/router/pkg/fees"
	"github.com/malbeclabs/tiprouter/router/pkg/sharemath"
)

// StakeWeights is stake weight per NCN fee group.
type StakeWeights [fees.NcnFeeGroupCount]uint64

// Group returns the stake weight of an NCN fee group.
func (w StakeWeights) Group(group fees.NcnFeeGroup) (uint64, error) {
	if err := group.Validate(); err != nil {
		return 0, err
	}
	return w[group.Index()], nil
}

// Total returns the stake weight summed over all groups.
func (w StakeWeights) Total() (uint64, error) {
	var total uint64
	for _, v := range w {
		var err error
		if total, err = sharemath.Add(total, v); err != nil {
			return 0, fmt.Errorf("total stake weight: %w", err)
		}
	}
	return total, nil
}

func (w StakeWeights) add(o StakeWeights) (StakeWeights, error) {
	for i := range w {
		var err error
		if w[i], err = sharemath.Add(w[i], o[i]); err != nil {
			return StakeWeights{}, fmt.Errorf("stake weight of group %d: %w", i, err)
		}
	}
	return w, nil
}

// Tally is the winning result and the stake that voted for it.
type Tally struct {
	Result       Result
	StakeWeights StakeWeights
	Votes        uint64
}

// OperatorVote is one operator's recorded vote as seen by reward routing.
type OperatorVote struct {
	Operator       solana.PublicKey
	MatchedWinning bool
	StakeWeights   StakeWeights
}

// Ballot is the consensus collaborator consumed by reward routing.
type Ballot interface {
	// WinningTally returns routererr.ErrNoWinningResult until consensus is reached.
	WinningTally() (Tally, error)
	OperatorVotes() []OperatorVote
}
