package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/tiprouter/router/pkg/fees"
)

type memoryKey struct {
	ncn   solana.PublicKey
	epoch uint64
	kind  Kind
}

// MemoryStore keeps encoded records in memory. Records round-trip through
// their binary encoding so callers never share pointers with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	rows     map[memoryKey][]byte
	versions map[memoryKey]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows:     make(map[memoryKey][]byte),
		versions: make(map[memoryKey]uint64),
	}
}

func (s *MemoryStore) LoadFeeConfig(_ context.Context, ncn solana.PublicKey) (*fees.FeeConfig, error) {
	s.mu.RLock()
	data, ok := s.rows[memoryKey{ncn, feeConfigEpoch, KindFeeConfig}]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cfg, err := fees.FeeConfigFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode fee config: %w", err)
	}
	return cfg, nil
}

func (s *MemoryStore) SaveFeeConfig(_ context.Context, ncn solana.PublicKey, cfg *fees.FeeConfig) error {
	data, err := cfg.Bytes()
	if err != nil {
		return fmt.Errorf("failed to encode fee config: %w", err)
	}
	s.mu.Lock()
	s.rows[memoryKey{ncn, feeConfigEpoch, KindFeeConfig}] = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadEpoch(_ context.Context, ncn solana.PublicKey, epoch uint64) (EpochRecords, error) {
	rows := make(map[Kind][]byte, 3)
	s.mu.RLock()
	for _, kind := range []Kind{KindEpochState, KindBaseRewardRouter, KindBallotBox} {
		if data, ok := s.rows[memoryKey{ncn, epoch, kind}]; ok {
			rows[kind] = data
		}
	}
	version := s.versions[memoryKey{ncn, epoch, KindEpochState}]
	s.mu.RUnlock()
	return decodeEpoch(rows, version)
}

func (s *MemoryStore) SaveEpoch(_ context.Context, ncn solana.PublicKey, epoch uint64, recs EpochRecords) error {
	encoded, err := encodeEpoch(recs)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memoryKey{ncn, epoch, KindEpochState}
	if stored := s.versions[key]; stored != recs.Version {
		return fmt.Errorf("epoch %d at version %d, saving from %d: %w", epoch, stored, recs.Version, ErrConflict)
	}
	for _, r := range encoded {
		s.rows[memoryKey{ncn, epoch, r.kind}] = r.data
	}
	s.versions[key] = recs.Version + 1
	return nil
}
