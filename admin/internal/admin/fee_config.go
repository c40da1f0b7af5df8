package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/tiprouter/keeper/pkg/store"
	"github.com/malbeclabs/tiprouter/router/pkg/fees"
)

type InitFeeConfigParams struct {
	NCN               solana.PublicKey
	DaoFeeWallet      solana.PublicKey
	BlockEngineFeeBps uint16
	DefaultBaseFeeBps uint16
	DefaultNcnFeeBps  uint16
	CurrentEpoch      uint64
}

// InitFeeConfig creates the fee config of an NCN. It fails if one exists.
func InitFeeConfig(ctx context.Context, log *slog.Logger, st store.Store, p InitFeeConfigParams) error {
	if _, err := st.LoadFeeConfig(ctx, p.NCN); err == nil {
		return fmt.Errorf("fee config for %s already exists", p.NCN)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	cfg, err := fees.NewFeeConfig(p.DaoFeeWallet, p.BlockEngineFeeBps, p.DefaultBaseFeeBps, p.DefaultNcnFeeBps, p.CurrentEpoch)
	if err != nil {
		return fmt.Errorf("invalid fee config: %w", err)
	}
	if err := st.SaveFeeConfig(ctx, p.NCN, cfg); err != nil {
		return err
	}
	log.Info("admin: created fee config", "ncn", p.NCN, "epoch", p.CurrentEpoch, "totalFeesBps", cfg.CurrentFees(p.CurrentEpoch).TotalFeesBps())
	return nil
}

// UpdateFeeConfig applies u to the stored fee config. Fee changes take effect
// at the start of the next epoch.
func UpdateFeeConfig(ctx context.Context, log *slog.Logger, st store.Store, ncn solana.PublicKey, u fees.Update, currentEpoch uint64) error {
	cfg, err := st.LoadFeeConfig(ctx, ncn)
	if err != nil {
		return fmt.Errorf("failed to load fee config: %w", err)
	}
	if err := cfg.UpdateFeeConfig(u, currentEpoch); err != nil {
		return fmt.Errorf("failed to update fee config: %w", err)
	}
	if err := st.SaveFeeConfig(ctx, ncn, cfg); err != nil {
		return err
	}
	next := cfg.UpdatableFees(currentEpoch)
	log.Info("admin: updated fee config", "ncn", ncn, "activationEpoch", next.ActivationEpoch, "totalFeesBps", next.TotalFeesBps())
	return nil
}
