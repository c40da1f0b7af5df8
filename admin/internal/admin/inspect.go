package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/tiprouter/keeper/pkg/store"
	"github.com/malbeclabs/tiprouter/router/pkg/epochstate"
	"github.com/malbeclabs/tiprouter/router/pkg/fees"
)

type InspectParams struct {
	NCN   solana.PublicKey
	Epoch uint64
	// CurrentSlot, with Schedule and CooldownEpochs, resolves the epoch state.
	// It is skipped when Schedule is unset.
	CurrentSlot    uint64
	Schedule       epochstate.EpochSchedule
	CooldownEpochs uint64
}

type feesSummary struct {
	ActivationEpoch uint64 `json:"activation_epoch"`
	BaseFeeBps      uint64 `json:"base_fee_bps"`
	NcnFeeBps       uint64 `json:"ncn_fee_bps"`
	TotalFeesBps    uint64 `json:"total_fees_bps"`
}

type routerSummary struct {
	TotalRewards       uint64 `json:"total_rewards"`
	RewardPool         uint64 `json:"reward_pool"`
	RewardsProcessed   uint64 `json:"rewards_processed"`
	RewardsDistributed uint64 `json:"rewards_distributed"`
	StillRouting       bool   `json:"still_routing"`
	Routes             int    `json:"routes"`
}

type inspectSummary struct {
	NCN               string         `json:"ncn"`
	Epoch             uint64         `json:"epoch"`
	State             string         `json:"state,omitempty"`
	BlockEngineFeeBps *uint16        `json:"block_engine_fee_bps,omitempty"`
	CurrentFees       *feesSummary   `json:"current_fees,omitempty"`
	NextFees          *feesSummary   `json:"next_fees,omitempty"`
	EpochFees         *feesSummary   `json:"epoch_fees,omitempty"`
	Version           uint64         `json:"version,omitempty"`
	OperatorCount     uint64         `json:"operator_count,omitempty"`
	Voting            string         `json:"voting,omitempty"`
	Upload            string         `json:"upload,omitempty"`
	ConsensusReached  bool           `json:"consensus_reached"`
	Router            *routerSummary `json:"router,omitempty"`
}

func newFeesSummary(f fees.Fees) *feesSummary {
	return &feesSummary{
		ActivationEpoch: f.ActivationEpoch,
		BaseFeeBps:      f.TotalBaseFeesBps(),
		NcnFeeBps:       f.TotalNcnFeesBps(),
		TotalFeesBps:    f.TotalFeesBps(),
	}
}

// Inspect writes a JSON summary of the stored fee config and epoch records.
// Missing records are omitted from the summary.
func Inspect(ctx context.Context, log *slog.Logger, w io.Writer, st store.Store, p InspectParams) error {
	summary := inspectSummary{NCN: p.NCN.String(), Epoch: p.Epoch}

	cfg, err := st.LoadFeeConfig(ctx, p.NCN)
	switch {
	case err == nil:
		summary.BlockEngineFeeBps = &cfg.BlockEngineFeeBps
		summary.CurrentFees = newFeesSummary(cfg.CurrentFees(p.Epoch))
		summary.NextFees = newFeesSummary(cfg.UpdatableFees(p.Epoch))
	case errors.Is(err, store.ErrNotFound):
		log.Warn("admin: no fee config", "ncn", p.NCN)
	default:
		return fmt.Errorf("failed to load fee config: %w", err)
	}

	recs, err := st.LoadEpoch(ctx, p.NCN, p.Epoch)
	switch {
	case err == nil:
		s := recs.State
		summary.Version = recs.Version
		summary.OperatorCount = s.OperatorCount
		if s.AccountStatus.EpochSnapshot != epochstate.DoesNotExist {
			summary.EpochFees = newFeesSummary(s.Fees.Fees)
		}
		summary.Voting = s.VotingProgress.String()
		summary.Upload = s.UploadProgress.String()
		summary.ConsensusReached = s.WasConsensusReached()
		if p.Schedule.SlotsPerEpoch > 0 {
			state, err := s.CurrentState(p.Schedule, p.CooldownEpochs, p.CurrentSlot)
			if err != nil {
				return fmt.Errorf("failed to resolve epoch state: %w", err)
			}
			summary.State = state.String()
		}
		if r := recs.Router; r != nil {
			summary.Router = &routerSummary{
				TotalRewards:       r.TotalRewards,
				RewardPool:         r.RewardPool,
				RewardsProcessed:   r.RewardsProcessed,
				RewardsDistributed: r.RewardsDistributed,
				StillRouting:       r.StillRouting(),
				Routes:             len(r.ActiveRoutes()),
			}
		}
	case errors.Is(err, store.ErrNotFound):
		log.Warn("admin: no epoch records", "ncn", p.NCN, "epoch", p.Epoch)
	default:
		return fmt.Errorf("failed to load epoch records: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
