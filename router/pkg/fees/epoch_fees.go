package fees

import (
	"fmt"

	bin "github.com/gagliardetto/binary"

	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
	"github.com/malbeclabs/tiprouter/router/pkg/sharemath"
)

// EpochFeesSize is the encoded size of an EpochFees.
const EpochFeesSize = 2 + FeesSize

// EpochFees is the fee schedule frozen for a single epoch. It is captured from
// the FeeConfig once and is unaffected by later updates to the config.
type EpochFees struct {
	BlockEngineFeeBps uint16
	Fees
}

// EpochFees returns the schedule in effect for epoch.
func (c *FeeConfig) EpochFees(epoch uint64) EpochFees {
	return EpochFees{
		BlockEngineFeeBps: c.BlockEngineFeeBps,
		Fees:              c.CurrentFees(epoch),
	}
}

// AdjustedBaseFeeBps rescales a base fee group by MaxFeeBps/(MaxFeeBps-blockEngineFee).
func (f EpochFees) AdjustedBaseFeeBps(group BaseFeeGroup) (uint64, error) {
	bps, err := f.BaseFeeBps(group)
	if err != nil {
		return 0, err
	}
	return f.adjust(uint64(bps))
}

// AdjustedNcnFeeBps rescales an NCN fee group by MaxFeeBps/(MaxFeeBps-blockEngineFee).
func (f EpochFees) AdjustedNcnFeeBps(group NcnFeeGroup) (uint64, error) {
	bps, err := f.NcnFeeBps(group)
	if err != nil {
		return 0, err
	}
	return f.adjust(uint64(bps))
}

func (f EpochFees) AdjustedTotalFeesBps() (uint64, error) {
	return f.adjust(f.TotalFeesBps())
}

func (f EpochFees) adjust(bps uint64) (uint64, error) {
	denominator, err := sharemath.Sub(MaxFeeBps, uint64(f.BlockEngineFeeBps))
	if err != nil {
		return 0, err
	}
	if denominator == 0 {
		return 0, fmt.Errorf("adjust %d bps with block engine fee %d: %w", bps, f.BlockEngineFeeBps, routererr.ErrDivisionByZero)
	}
	return sharemath.Share(MaxFeeBps, denominator, bps)
}

func (f EpochFees) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteUint16(f.BlockEngineFeeBps, bin.LE); err != nil {
		return err
	}
	return f.Fees.MarshalWithEncoder(enc)
}

func (f *EpochFees) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if f.BlockEngineFeeBps, err = dec.ReadUint16(bin.LE); err != nil {
		return err
	}
	return f.Fees.UnmarshalWithDecoder(dec)
}
