package fees

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
)

// FeeConfigSize is the encoded size of a FeeConfig.
const FeeConfigSize = 2 + solana.PublicKeyLength*BaseFeeGroupCount + 2*FeesSize

// FeeConfig is the double-buffered fee schedule of one NCN.
type FeeConfig struct {
	// BlockEngineFeeBps is taken before this schedule is applied.
	BlockEngineFeeBps uint16
	// BaseFeeWallets are the payout destinations of each base fee group.
	BaseFeeWallets [BaseFeeGroupCount]solana.PublicKey

	Fee1 Fees
	Fee2 Fees
}

// Update is a set of optional field changes applied atomically by UpdateFeeConfig.
type Update struct {
	BlockEngineFeeBps *uint16

	BaseFeeGroup  BaseFeeGroup
	BaseFeeWallet *solana.PublicKey
	BaseFeeBps    *uint16

	NcnFeeGroup NcnFeeGroup
	NcnFeeBps   *uint16
}

// NewFeeConfig builds a schedule whose both snapshots activate at currentEpoch.
func NewFeeConfig(daoFeeWallet solana.PublicKey, blockEngineFeeBps, defaultBaseFeeBps, defaultNcnFeeBps uint16, currentEpoch uint64) (*FeeConfig, error) {
	if daoFeeWallet.IsZero() {
		return nil, fmt.Errorf("dao fee wallet is required: %w", routererr.ErrDestinationMismatch)
	}
	if blockEngineFeeBps > MaxFeeBps || defaultBaseFeeBps > MaxFeeBps || defaultNcnFeeBps > MaxFeeBps {
		return nil, fmt.Errorf("fee above %d bps: %w", MaxFeeBps, routererr.ErrInvalidFee)
	}

	fees := NewFees(defaultBaseFeeBps, defaultNcnFeeBps, currentEpoch)
	cfg := &FeeConfig{
		BlockEngineFeeBps: blockEngineFeeBps,
		Fee1:              fees,
		Fee2:              fees,
	}
	cfg.BaseFeeWallets[DefaultBaseFeeGroup] = daoFeeWallet

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fee cap for both snapshots.
func (c *FeeConfig) Validate() error {
	if c.BaseFeeWallets[DefaultBaseFeeGroup].IsZero() {
		return fmt.Errorf("dao fee wallet is required: %w", routererr.ErrDestinationMismatch)
	}
	for _, f := range []Fees{c.Fee1, c.Fee2} {
		total := f.TotalFeesBps() + uint64(c.BlockEngineFeeBps)
		if total > MaxFeeBps {
			return fmt.Errorf("fees activating at epoch %d total %d bps > %d: %w", f.ActivationEpoch, total, MaxFeeBps, routererr.ErrFeeCapExceeded)
		}
	}
	return nil
}

func (c *FeeConfig) currentIndex(epoch uint64) int {
	fee1Active := c.Fee1.ActivationEpoch <= epoch
	fee2Active := c.Fee2.ActivationEpoch <= epoch
	switch {
	case fee1Active && fee2Active:
		if c.Fee2.ActivationEpoch > c.Fee1.ActivationEpoch {
			return 2
		}
		return 1
	case fee1Active:
		return 1
	case fee2Active:
		return 2
	default:
		// Neither has activated; the earlier one is what the epoch would have used.
		if c.Fee2.ActivationEpoch < c.Fee1.ActivationEpoch {
			return 2
		}
		return 1
	}
}

// CurrentFees returns the snapshot in effect for epoch.
func (c *FeeConfig) CurrentFees(epoch uint64) Fees {
	if c.currentIndex(epoch) == 2 {
		return c.Fee2
	}
	return c.Fee1
}

// UpdatableFees returns the snapshot not in effect for epoch.
func (c *FeeConfig) UpdatableFees(epoch uint64) Fees {
	return *c.updatable(epoch)
}

func (c *FeeConfig) updatable(epoch uint64) *Fees {
	if c.currentIndex(epoch) == 2 {
		return &c.Fee1
	}
	return &c.Fee2
}

// prepareUpdatable seeds the updatable snapshot from the current one unless it
// already holds a pending change for a future epoch.
func (c *FeeConfig) prepareUpdatable(epoch uint64) *Fees {
	updatable := c.updatable(epoch)
	if updatable.ActivationEpoch <= epoch {
		*updatable = c.CurrentFees(epoch)
	}
	return updatable
}

func (c *FeeConfig) BaseFeeBps(group BaseFeeGroup, epoch uint64) (uint16, error) {
	return c.CurrentFees(epoch).BaseFeeBps(group)
}

func (c *FeeConfig) NcnFeeBps(group NcnFeeGroup, epoch uint64) (uint16, error) {
	return c.CurrentFees(epoch).NcnFeeBps(group)
}

func (c *FeeConfig) BaseFeeWallet(group BaseFeeGroup) (solana.PublicKey, error) {
	if err := group.Validate(); err != nil {
		return solana.PublicKey{}, err
	}
	return c.BaseFeeWallets[group], nil
}

// AdjustedBaseFeeBps rescales a base fee group of the schedule in effect for epoch.
func (c *FeeConfig) AdjustedBaseFeeBps(group BaseFeeGroup, epoch uint64) (uint64, error) {
	return c.EpochFees(epoch).AdjustedBaseFeeBps(group)
}

// AdjustedNcnFeeBps rescales an NCN fee group of the schedule in effect for epoch.
func (c *FeeConfig) AdjustedNcnFeeBps(group NcnFeeGroup, epoch uint64) (uint64, error) {
	return c.EpochFees(epoch).AdjustedNcnFeeBps(group)
}

// AdjustedTotalFeesBps rescales the total fees of the snapshot in effect for epoch.
func (c *FeeConfig) AdjustedTotalFeesBps(epoch uint64) (uint64, error) {
	return c.EpochFees(epoch).AdjustedTotalFeesBps()
}

// SetBaseFeeBps schedules a base fee group change for epoch+1.
func (c *FeeConfig) SetBaseFeeBps(group BaseFeeGroup, value uint16, epoch uint64) error {
	return c.UpdateFeeConfig(Update{BaseFeeGroup: group, BaseFeeBps: &value}, epoch)
}

// SetNcnFeeBps schedules an NCN fee group change for epoch+1.
func (c *FeeConfig) SetNcnFeeBps(group NcnFeeGroup, value uint16, epoch uint64) error {
	return c.UpdateFeeConfig(Update{NcnFeeGroup: group, NcnFeeBps: &value}, epoch)
}

// SetBaseFeeWallet changes the payout destination of a base fee group.
func (c *FeeConfig) SetBaseFeeWallet(group BaseFeeGroup, wallet solana.PublicKey, epoch uint64) error {
	return c.UpdateFeeConfig(Update{BaseFeeGroup: group, BaseFeeWallet: &wallet}, epoch)
}

// UpdateFeeConfig applies every set field of u, stamps the updatable snapshot
// to activate at epoch+1 and re-validates the cap. On error c is unchanged.
func (c *FeeConfig) UpdateFeeConfig(u Update, epoch uint64) error {
	if err := u.BaseFeeGroup.Validate(); err != nil {
		return err
	}
	if err := u.NcnFeeGroup.Validate(); err != nil {
		return err
	}

	next := *c

	if u.BlockEngineFeeBps != nil {
		if *u.BlockEngineFeeBps > MaxFeeBps {
			return fmt.Errorf("block engine fee %d bps: %w", *u.BlockEngineFeeBps, routererr.ErrInvalidFee)
		}
		next.BlockEngineFeeBps = *u.BlockEngineFeeBps
	}
	if u.BaseFeeWallet != nil {
		next.BaseFeeWallets[u.BaseFeeGroup] = *u.BaseFeeWallet
	}

	updatable := next.prepareUpdatable(epoch)
	if u.BaseFeeBps != nil {
		if err := updatable.SetBaseFeeBps(u.BaseFeeGroup, *u.BaseFeeBps); err != nil {
			return err
		}
	}
	if u.NcnFeeBps != nil {
		if err := updatable.SetNcnFeeBps(u.NcnFeeGroup, *u.NcnFeeBps); err != nil {
			return err
		}
	}
	updatable.ActivationEpoch = epoch + 1

	if err := next.Validate(); err != nil {
		return err
	}

	*c = next
	return nil
}

func (c FeeConfig) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteUint16(c.BlockEngineFeeBps, bin.LE); err != nil {
		return err
	}
	for _, wallet := range c.BaseFeeWallets {
		if err := enc.WriteBytes(wallet[:], false); err != nil {
			return err
		}
	}
	if err := c.Fee1.MarshalWithEncoder(enc); err != nil {
		return err
	}
	return c.Fee2.MarshalWithEncoder(enc)
}

func (c *FeeConfig) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if c.BlockEngineFeeBps, err = dec.ReadUint16(bin.LE); err != nil {
		return err
	}
	for i := range c.BaseFeeWallets {
		b, err := dec.ReadNBytes(solana.PublicKeyLength)
		if err != nil {
			return err
		}
		c.BaseFeeWallets[i] = solana.PublicKeyFromBytes(b)
	}
	if err := c.Fee1.UnmarshalWithDecoder(dec); err != nil {
		return err
	}
	return c.Fee2.UnmarshalWithDecoder(dec)
}

// Bytes encodes the config into its fixed-size record layout.
func (c *FeeConfig) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := c.MarshalWithEncoder(bin.NewBorshEncoder(buf)); err != nil {
		return nil, fmt.Errorf("failed to encode fee config: %w", err)
	}
	return buf.Bytes(), nil
}

// FeeConfigFromBytes decodes a record produced by Bytes.
func FeeConfigFromBytes(data []byte) (*FeeConfig, error) {
	if len(data) != FeeConfigSize {
		return nil, fmt.Errorf("fee config record is %d bytes, expected %d", len(data), FeeConfigSize)
	}
	c := new(FeeConfig)
	if err := c.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, fmt.Errorf("failed to decode fee config: %w", err)
	}
	return c, nil
}
