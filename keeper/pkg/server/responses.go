package server

import (
	"time"

	"github.com/malbeclabs/tiprouter/keeper/pkg/keeper"
	"github.com/malbeclabs/tiprouter/router/pkg/progress"
	"github.com/malbeclabs/tiprouter/router/pkg/rewardrouter"
)

type errorResponse struct {
	Error string `json:"error"`
}

type progressResponse struct {
	Tally    uint64 `json:"tally"`
	Total    uint64 `json:"total"`
	Complete bool   `json:"complete"`
}

// newProgress returns nil for the invalid sentinel.
func newProgress(p progress.Progress) *progressResponse {
	if p.IsInvalid() {
		return nil
	}
	return &progressResponse{Tally: p.Tally, Total: p.Total, Complete: p.IsComplete()}
}

type epochResponse struct {
	NCN                  string                       `json:"ncn"`
	Epoch                uint64                       `json:"epoch"`
	Slot                 uint64                       `json:"slot"`
	State                string                       `json:"state"`
	SlotConsensusReached *uint64                      `json:"slotConsensusReached"`
	OperatorCount        uint64                       `json:"operatorCount"`
	VaultCount           uint64                       `json:"vaultCount"`
	Accounts             map[string]string            `json:"accounts"`
	Progress             map[string]*progressResponse `json:"progress"`
	LastRunID            string                       `json:"lastRunId"`
	LastRunAt            time.Time                    `json:"lastRunAt"`
	LastError            string                       `json:"lastError,omitempty"`
}

func newEpochResponse(snap keeper.Snapshot) epochResponse {
	st := snap.EpochState
	resp := epochResponse{
		NCN:           snap.NCN.String(),
		Epoch:         snap.Epoch,
		Slot:          snap.Slot,
		State:         snap.State.String(),
		OperatorCount: st.OperatorCount,
		VaultCount:    st.VaultCount,
		Accounts: map[string]string{
			"epochState":       st.AccountStatus.EpochState.String(),
			"weightTable":      st.AccountStatus.WeightTable.String(),
			"epochSnapshot":    st.AccountStatus.EpochSnapshot.String(),
			"ballotBox":        st.AccountStatus.BallotBox.String(),
			"baseRewardRouter": st.AccountStatus.BaseRewardRouter.String(),
		},
		Progress: map[string]*progressResponse{
			"setWeight":         newProgress(st.SetWeightProgress),
			"epochSnapshot":     newProgress(st.EpochSnapshotProgress),
			"voting":            newProgress(st.VotingProgress),
			"validation":        newProgress(st.ValidationProgress),
			"upload":            newProgress(st.UploadProgress),
			"totalDistribution": newProgress(st.TotalDistributionProgress),
			"baseDistribution":  newProgress(st.BaseDistributionProgress),
		},
		LastRunID: snap.LastRunID.String(),
		LastRunAt: snap.LastRunAt.UTC(),
		LastError: snap.LastError,
	}
	if st.WasConsensusReached() {
		slot := st.SlotConsensusReached
		resp.SlotConsensusReached = &slot
	}
	return resp
}

type routeResponse struct {
	Operator  string           `json:"operator"`
	Rewards   map[uint8]uint64 `json:"rewards"`
	Receivers map[uint8]string `json:"receivers"`
}

type routerResponse struct {
	NCN                 string          `json:"ncn"`
	Epoch               uint64          `json:"epoch"`
	TotalRewards        uint64          `json:"totalRewards"`
	RewardPool          uint64          `json:"rewardPool"`
	RewardsProcessed    uint64          `json:"rewardsProcessed"`
	RewardsDistributed  uint64          `json:"rewardsDistributed"`
	StillRouting        bool            `json:"stillRouting"`
	BaseFeeGroupRewards []uint64        `json:"baseFeeGroupRewards"`
	NcnFeeGroupRewards  []uint64        `json:"ncnFeeGroupRewards"`
	Routes              []routeResponse `json:"routes"`
}

func newRouterResponse(r *rewardrouter.BaseRewardRouter) routerResponse {
	resp := routerResponse{
		NCN:                 r.NCN.String(),
		Epoch:               r.Epoch,
		TotalRewards:        r.TotalRewards,
		RewardPool:          r.RewardPool,
		RewardsProcessed:    r.RewardsProcessed,
		RewardsDistributed:  r.RewardsDistributed,
		StillRouting:        r.StillRouting(),
		BaseFeeGroupRewards: r.BaseFeeGroupRewards[:],
		NcnFeeGroupRewards:  r.NcnFeeGroupRewards[:],
		Routes:              []routeResponse{},
	}
	for _, route := range r.ActiveRoutes() {
		rr := routeResponse{
			Operator:  route.Operator.String(),
			Rewards:   make(map[uint8]uint64),
			Receivers: make(map[uint8]string),
		}
		for i := range route.Rewards {
			if route.Rewards[i] > 0 {
				rr.Rewards[uint8(i)] = route.Rewards[i]
			}
			if !route.Receivers[i].IsZero() {
				rr.Receivers[uint8(i)] = route.Receivers[i].String()
			}
		}
		resp.Routes = append(resp.Routes, rr)
	}
	return resp
}
