package rewardrouter

import (
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/tiprouter/router/pkg/fees"
	"github.com/malbeclabs/tiprouter/router/pkg/sharemath"
)

// NcnRewardRouteSize is the encoded size of one route slot.
const NcnRewardRouteSize = solana.PublicKeyLength + fees.NcnFeeGroupCount*8 + fees.NcnFeeGroupCount*solana.PublicKeyLength

// NcnRewardRoute holds an operator's claimable balance per NCN fee group and
// the receiver authorized to collect each of them. A zero operator marks an
// empty slot.
type NcnRewardRoute struct {
	Operator  solana.PublicKey
	Rewards   [fees.NcnFeeGroupCount]uint64
	Receivers [fees.NcnFeeGroupCount]solana.PublicKey
}

func (r NcnRewardRoute) IsEmpty() bool {
	return r.Operator.IsZero()
}

// Reward returns the route's balance for a group.
func (r NcnRewardRoute) Reward(group fees.NcnFeeGroup) (uint64, error) {
	if err := group.Validate(); err != nil {
		return 0, err
	}
	return r.Rewards[group.Index()], nil
}

// TotalRewards returns the route's balance across all groups.
func (r NcnRewardRoute) TotalRewards() (uint64, error) {
	var total uint64
	for _, v := range r.Rewards {
		var err error
		if total, err = sharemath.Add(total, v); err != nil {
			return 0, fmt.Errorf("route %s total: %w", r.Operator, err)
		}
	}
	return total, nil
}

// HasRewards reports whether any group still holds a balance.
func (r NcnRewardRoute) HasRewards() bool {
	for _, v := range r.Rewards {
		if v > 0 {
			return true
		}
	}
	return false
}

func (r NcnRewardRoute) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(r.Operator[:], false); err != nil {
		return err
	}
	for _, v := range r.Rewards {
		if err := enc.WriteUint64(v, bin.LE); err != nil {
			return err
		}
	}
	for _, receiver := range r.Receivers {
		if err := enc.WriteBytes(receiver[:], false); err != nil {
			return err
		}
	}
	return nil
}

func (r *NcnRewardRoute) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	raw, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return err
	}
	r.Operator = solana.PublicKeyFromBytes(raw)
	for i := range r.Rewards {
		if r.Rewards[i], err = dec.ReadUint64(bin.LE); err != nil {
			return err
		}
	}
	for i := range r.Receivers {
		if raw, err = dec.ReadNBytes(solana.PublicKeyLength); err != nil {
			return err
		}
		r.Receivers[i] = solana.PublicKeyFromBytes(raw)
	}
	return nil
}
