// Package fees holds the deferred-activation fee schedule.
//
// A FeeConfig keeps two Fees snapshots. Reads for an epoch resolve to the most
// recently activated snapshot, and every update is written to the other one
// and stamped to activate at the following epoch, so an epoch that is already
// being processed never observes a fee change.
package fees

import (
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
)

// FeesSize is the encoded size of a Fees snapshot.
const FeesSize = 8 + 2*BaseFeeGroupCount + 2*NcnFeeGroupCount

// Fees is one snapshot of fee group basis points.
type Fees struct {
	ActivationEpoch  uint64
	BaseFeeGroupsBps [BaseFeeGroupCount]uint16
	NcnFeeGroupsBps  [NcnFeeGroupCount]uint16
}

// NewFees sets the default base and NCN groups; every other group starts at zero.
func NewFees(defaultBaseFeeBps, defaultNcnFeeBps uint16, activationEpoch uint64) Fees {
	var f Fees
	f.ActivationEpoch = activationEpoch
	f.BaseFeeGroupsBps[DefaultBaseFeeGroup] = defaultBaseFeeBps
	f.NcnFeeGroupsBps[DefaultNcnFeeGroup] = defaultNcnFeeBps
	return f
}

func (f Fees) BaseFeeBps(group BaseFeeGroup) (uint16, error) {
	if err := group.Validate(); err != nil {
		return 0, err
	}
	return f.BaseFeeGroupsBps[group], nil
}

func (f Fees) NcnFeeBps(group NcnFeeGroup) (uint16, error) {
	if err := group.Validate(); err != nil {
		return 0, err
	}
	return f.NcnFeeGroupsBps[group], nil
}

func (f *Fees) SetBaseFeeBps(group BaseFeeGroup, value uint16) error {
	if err := group.Validate(); err != nil {
		return err
	}
	if value > MaxFeeBps {
		return fmt.Errorf("base fee group %d set to %d bps: %w", group, value, routererr.ErrInvalidFee)
	}
	f.BaseFeeGroupsBps[group] = value
	return nil
}

func (f *Fees) SetNcnFeeBps(group NcnFeeGroup, value uint16) error {
	if err := group.Validate(); err != nil {
		return err
	}
	if value > MaxFeeBps {
		return fmt.Errorf("ncn fee group %d set to %d bps: %w", group, value, routererr.ErrInvalidFee)
	}
	f.NcnFeeGroupsBps[group] = value
	return nil
}

// TotalBaseFeesBps sums every base fee group.
func (f Fees) TotalBaseFeesBps() uint64 {
	var total uint64
	for _, bps := range f.BaseFeeGroupsBps {
		total += uint64(bps)
	}
	return total
}

// TotalNcnFeesBps sums every NCN fee group.
func (f Fees) TotalNcnFeesBps() uint64 {
	var total uint64
	for _, bps := range f.NcnFeeGroupsBps {
		total += uint64(bps)
	}
	return total
}

// TotalFeesBps sums every base and NCN fee group.
func (f Fees) TotalFeesBps() uint64 {
	return f.TotalBaseFeesBps() + f.TotalNcnFeesBps()
}

func (f Fees) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteUint64(f.ActivationEpoch, bin.LE); err != nil {
		return err
	}
	for _, bps := range f.BaseFeeGroupsBps {
		if err := enc.WriteUint16(bps, bin.LE); err != nil {
			return err
		}
	}
	for _, bps := range f.NcnFeeGroupsBps {
		if err := enc.WriteUint16(bps, bin.LE); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fees) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if f.ActivationEpoch, err = dec.ReadUint64(bin.LE); err != nil {
		return err
	}
	for i := range f.BaseFeeGroupsBps {
		if f.BaseFeeGroupsBps[i], err = dec.ReadUint16(bin.LE); err != nil {
			return err
		}
	}
	for i := range f.NcnFeeGroupsBps {
		if f.NcnFeeGroupsBps[i], err = dec.ReadUint16(bin.LE); err != nil {
			return err
		}
	}
	return nil
}
