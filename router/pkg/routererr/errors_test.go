package routererr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTipRouter_RouterErr_KindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"foreign error", errors.New("boom"), KindUnknown},
		{"overflow", ErrArithmeticOverflow, KindArithmetic},
		{"wrapped accounting mismatch", fmt.Errorf("router: %w", ErrAccountingMismatch), KindArithmetic},
		{"router full", ErrRouterFull, KindCapacity},
		{"double wrapped receiver", fmt.Errorf("upload: %w", fmt.Errorf("group 3: %w", ErrReceiverNotFound)), KindNotFound},
		{"still routing", ErrStillRouting, KindSequencing},
		{"fee cap", fmt.Errorf("update: %w", ErrFeeCapExceeded), KindMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestTipRouter_RouterErr_EverySentinelHasKind(t *testing.T) {
	t.Parallel()

	for sentinel, kind := range kinds {
		require.NotEqual(t, KindUnknown, kind, sentinel.Error())
		require.NotEqual(t, "unknown", kind.String(), sentinel.Error())
	}
	require.Equal(t, "unknown", KindUnknown.String())
	require.Equal(t, "not_found", KindNotFound.String())
}
