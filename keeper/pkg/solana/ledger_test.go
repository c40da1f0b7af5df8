package solana

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/malbeclabs/tiprouter/utils/pkg/retry"
	routertesting "github.com/malbeclabs/tiprouter/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type mockSolanaRPC struct {
	getSlotFunc    func(context.Context, solanarpc.CommitmentType) (uint64, error)
	getBalanceFunc func(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	rentCalls      int
	rent           uint64
}

func (m *mockSolanaRPC) GetSlot(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error) {
	if m.getSlotFunc != nil {
		return m.getSlotFunc(ctx, commitment)
	}
	return 1_000, nil
}

func (m *mockSolanaRPC) GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
	if m.getBalanceFunc != nil {
		return m.getBalanceFunc(ctx, account, commitment)
	}
	return &solanarpc.GetBalanceResult{Value: 0}, nil
}

func (m *mockSolanaRPC) GetMinimumBalanceForRentExemption(_ context.Context, _ uint64, _ solanarpc.CommitmentType) (uint64, error) {
	m.rentCalls++
	return m.rent, nil
}

func newTestLedger(t *testing.T, rpc SolanaRPC) *RPCLedger {
	t.Helper()
	l, err := NewRPCLedger(RPCLedgerConfig{
		Logger: routertesting.NewLogger(),
		RPC:    rpc,
		Retry:  retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	require.NoError(t, err)
	return l
}

func TestTipRouter_Solana_RPCLedgerConfig(t *testing.T) {
	t.Parallel()

	_, err := NewRPCLedger(RPCLedgerConfig{RPC: &mockSolanaRPC{}})
	require.EqualError(t, err, "logger is required")
	_, err = NewRPCLedger(RPCLedgerConfig{Logger: routertesting.NewLogger()})
	require.EqualError(t, err, "rpc client is required")

	cfg := RPCLedgerConfig{Logger: routertesting.NewLogger(), RPC: &mockSolanaRPC{}}
	require.NoError(t, cfg.Validate())
	require.Equal(t, retry.DefaultConfig(), cfg.Retry)
}

func TestTipRouter_Solana_VisibleBalance(t *testing.T) {
	t.Parallel()

	account := solana.NewWallet().PublicKey()
	tests := []struct {
		name     string
		lamports uint64
		rent     uint64
		want     uint64
	}{
		{"above rent", 1_000_000, 890_880, 109_120},
		{"equal to rent", 890_880, 890_880, 0},
		{"below rent", 100, 890_880, 0},
		{"rent free", 500, 0, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rpc := &mockSolanaRPC{
				rent: tt.rent,
				getBalanceFunc: func(_ context.Context, got solana.PublicKey, c solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
					require.Equal(t, account, got)
					require.Equal(t, solanarpc.CommitmentFinalized, c)
					return &solanarpc.GetBalanceResult{Value: tt.lamports}, nil
				},
			}
			l := newTestLedger(t, rpc)

			got, err := l.VisibleBalance(context.Background(), account, 4096)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)

			_, err = l.VisibleBalance(context.Background(), account, 4096)
			require.NoError(t, err)
			require.Equal(t, 1, rpc.rentCalls)
		})
	}
}

func TestTipRouter_Solana_Retries(t *testing.T) {
	t.Parallel()

	t.Run("transient errors are retried", func(t *testing.T) {
		t.Parallel()
		calls := 0
		l := newTestLedger(t, &mockSolanaRPC{
			getSlotFunc: func(context.Context, solanarpc.CommitmentType) (uint64, error) {
				calls++
				if calls < 3 {
					return 0, errors.New("429 too many requests")
				}
				return 4_242, nil
			},
		})
		slot, err := l.CurrentSlot(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint64(4_242), slot)
		require.Equal(t, 3, calls)
	})

	t.Run("permanent errors are not", func(t *testing.T) {
		t.Parallel()
		calls := 0
		l := newTestLedger(t, &mockSolanaRPC{
			getBalanceFunc: func(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
				calls++
				return nil, errors.New("invalid param: WrongSize")
			},
		})
		_, err := l.VisibleBalance(context.Background(), solana.NewWallet().PublicKey(), 10)
		require.ErrorContains(t, err, "failed to get balance")
		require.Equal(t, 1, calls)
	})

	t.Run("empty response", func(t *testing.T) {
		t.Parallel()
		l := newTestLedger(t, &mockSolanaRPC{
			getBalanceFunc: func(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
				return nil, nil
			},
		})
		_, err := l.VisibleBalance(context.Background(), solana.NewWallet().PublicKey(), 10)
		require.ErrorContains(t, err, "empty balance response")
	})
}
