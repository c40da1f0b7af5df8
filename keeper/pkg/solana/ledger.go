package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/tiprouter/keeper/pkg/metrics"
	"github.com/malbeclabs/tiprouter/utils/pkg/retry"
	"golang.org/x/time/rate"
)

// Ledger is the chain view the keeper needs.
type Ledger interface {
	CurrentSlot(ctx context.Context) (uint64, error)
	// VisibleBalance is the lamports held by account above its rent-exempt
	// minimum for a record of dataSize bytes.
	VisibleBalance(ctx context.Context, account solana.PublicKey, dataSize uint64) (uint64, error)
}

type SolanaRPC interface {
	GetSlot(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	GetMinimumBalanceForRentExemption(ctx context.Context, dataSize uint64, commitment solanarpc.CommitmentType) (uint64, error)
}

type RPCLedgerConfig struct {
	Logger *slog.Logger
	RPC    SolanaRPC
	// RequestsPerSecond caps RPC calls. Zero disables the limit.
	RequestsPerSecond float64
	Retry             retry.Config
}

func (cfg *RPCLedgerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

type RPCLedger struct {
	log     *slog.Logger
	cfg     RPCLedgerConfig
	limiter *rate.Limiter

	rentMu    sync.Mutex
	rentCache map[uint64]uint64
}

func NewRPCLedger(cfg RPCLedgerConfig) (*RPCLedger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &RPCLedger{
		log:       cfg.Logger,
		cfg:       cfg,
		limiter:   limiter,
		rentCache: make(map[uint64]uint64),
	}, nil
}

func (l *RPCLedger) call(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := retry.Do(ctx, l.cfg.Retry, func() error {
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}
		return fn()
	})
	if err != nil {
		metrics.RPCRequestsTotal.WithLabelValues(op, "error").Inc()
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	metrics.RPCRequestsTotal.WithLabelValues(op, "success").Inc()
	l.log.Debug("solana: rpc call", "op", op, "duration", time.Since(start))
	return nil
}

func (l *RPCLedger) CurrentSlot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := l.call(ctx, "get slot", func() (err error) {
		slot, err = l.cfg.RPC.GetSlot(ctx, solanarpc.CommitmentFinalized)
		return err
	})
	return slot, err
}

func (l *RPCLedger) VisibleBalance(ctx context.Context, account solana.PublicKey, dataSize uint64) (uint64, error) {
	var lamports uint64
	err := l.call(ctx, "get balance", func() error {
		res, err := l.cfg.RPC.GetBalance(ctx, account, solanarpc.CommitmentFinalized)
		if err != nil {
			return err
		}
		if res == nil {
			return errors.New("empty balance response")
		}
		lamports = res.Value
		return nil
	})
	if err != nil {
		return 0, err
	}

	rent, err := l.rentExemptMinimum(ctx, dataSize)
	if err != nil {
		return 0, err
	}
	if lamports <= rent {
		return 0, nil
	}
	return lamports - rent, nil
}

// rentExemptMinimum is cached per size.
func (l *RPCLedger) rentExemptMinimum(ctx context.Context, dataSize uint64) (uint64, error) {
	l.rentMu.Lock()
	rent, ok := l.rentCache[dataSize]
	l.rentMu.Unlock()
	if ok {
		return rent, nil
	}
	err := l.call(ctx, "get rent exempt minimum", func() (err error) {
		rent, err = l.cfg.RPC.GetMinimumBalanceForRentExemption(ctx, dataSize, solanarpc.CommitmentFinalized)
		return err
	})
	if err != nil {
		return 0, err
	}
	l.rentMu.Lock()
	l.rentCache[dataSize] = rent
	l.rentMu.Unlock()
	return rent, nil
}
