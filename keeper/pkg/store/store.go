package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/tiprouter/router/pkg/ballot"
	"github.com/malbeclabs/tiprouter/router/pkg/epochstate"
	"github.com/malbeclabs/tiprouter/router/pkg/fees"
	"github.com/malbeclabs/tiprouter/router/pkg/rewardrouter"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned by SaveEpoch when the stored records changed
	// since they were loaded.
	ErrConflict = errors.New("epoch records changed concurrently")
)

// Kind identifies a persisted record within an (ncn, epoch) key.
type Kind string

const (
	KindEpochState       Kind = "epoch_state"
	KindBaseRewardRouter Kind = "base_reward_router"
	KindFeeConfig        Kind = "fee_config"
	KindBallotBox        Kind = "ballot_box"
)

// feeConfigEpoch is the epoch slot the per-NCN fee config is stored under.
const feeConfigEpoch = 0

// EpochRecords are the per-epoch records of one NCN. Router and Ballot are nil
// until created. Version is the stored version the records were loaded at,
// zero for records that have never been saved.
type EpochRecords struct {
	State   *epochstate.EpochState
	Router  *rewardrouter.BaseRewardRouter
	Ballot  *ballot.Box
	Version uint64
}

type Store interface {
	LoadFeeConfig(ctx context.Context, ncn solana.PublicKey) (*fees.FeeConfig, error)
	SaveFeeConfig(ctx context.Context, ncn solana.PublicKey, cfg *fees.FeeConfig) error
	// LoadEpoch returns ErrNotFound when no epoch state exists for the key.
	LoadEpoch(ctx context.Context, ncn solana.PublicKey, epoch uint64) (EpochRecords, error)
	// SaveEpoch writes every non-nil record atomically if the stored version
	// still equals recs.Version, and returns ErrConflict otherwise. On success
	// the stored version is recs.Version+1.
	SaveEpoch(ctx context.Context, ncn solana.PublicKey, epoch uint64, recs EpochRecords) error
}

type record struct {
	kind Kind
	data []byte
}

func encodeEpoch(recs EpochRecords) ([]record, error) {
	if recs.State == nil {
		return nil, errors.New("epoch state is required")
	}
	data, err := recs.State.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode epoch state: %w", err)
	}
	out := []record{{kind: KindEpochState, data: data}}

	if recs.Router != nil {
		data, err := recs.Router.Bytes()
		if err != nil {
			return nil, fmt.Errorf("failed to encode base reward router: %w", err)
		}
		out = append(out, record{kind: KindBaseRewardRouter, data: data})
	}
	if recs.Ballot != nil {
		data, err := recs.Ballot.Bytes()
		if err != nil {
			return nil, fmt.Errorf("failed to encode ballot box: %w", err)
		}
		out = append(out, record{kind: KindBallotBox, data: data})
	}
	return out, nil
}

func decodeEpoch(rows map[Kind][]byte, version uint64) (EpochRecords, error) {
	recs := EpochRecords{Version: version}
	data, ok := rows[KindEpochState]
	if !ok {
		return recs, ErrNotFound
	}
	var err error
	if recs.State, err = epochstate.FromBytes(data); err != nil {
		return recs, fmt.Errorf("failed to decode epoch state: %w", err)
	}
	if data, ok := rows[KindBaseRewardRouter]; ok {
		if recs.Router, err = rewardrouter.FromBytes(data); err != nil {
			return recs, fmt.Errorf("failed to decode base reward router: %w", err)
		}
	}
	if data, ok := rows[KindBallotBox]; ok {
		if recs.Ballot, err = ballot.BoxFromBytes(data); err != nil {
			return recs, fmt.Errorf("failed to decode ballot box: %w", err)
		}
	}
	return recs, nil
}
