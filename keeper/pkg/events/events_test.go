package events

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/malbeclabs/tiprouter/keeper/pkg/clickhouse"
	clickhousetesting "github.com/malbeclabs/tiprouter/keeper/pkg/clickhouse/testing"
	routertesting "github.com/malbeclabs/tiprouter/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

func testEvents(ncn solana.PublicKey) []Event {
	runID := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	op := solana.NewWallet().PublicKey()
	return []Event{
		{RunID: runID, NCN: ncn, Epoch: 9, Kind: KindIntake, Amount: 10_000, Slot: 1_000, At: at},
		{RunID: runID, NCN: ncn, Epoch: 9, Kind: KindRoutePool, Bucket: BucketBase, Group: 0, Amount: 300, Slot: 1_000, At: at},
		{RunID: runID, NCN: ncn, Epoch: 9, Kind: KindRoutePool, Bucket: BucketNcn, Group: 1, Amount: 200, Slot: 1_000, At: at},
		{RunID: runID, NCN: ncn, Epoch: 9, Kind: KindRouteOperator, Bucket: BucketNcn, Group: 0, Operator: op, Amount: 150, Slot: 1_000, At: at},
	}
}

func TestTipRouter_Events_MemorySink(t *testing.T) {
	t.Parallel()

	var sink MemorySink
	evs := testEvents(solana.NewWallet().PublicKey())
	require.NoError(t, sink.Write(context.Background(), evs[:2]))
	require.NoError(t, sink.Write(context.Background(), evs[2:]))
	require.Equal(t, evs, sink.Events())

	require.NoError(t, NopSink{}.Write(context.Background(), evs))
}

func TestTipRouter_Events_ClickHouseSinkConfig(t *testing.T) {
	t.Parallel()

	_, err := NewClickHouseSink(ClickHouseSinkConfig{})
	require.EqualError(t, err, "logger is required")
	_, err = NewClickHouseSink(ClickHouseSinkConfig{Logger: routertesting.NewLogger()})
	require.EqualError(t, err, "clickhouse connection is required")
}

func TestTipRouter_Events_ClickHouseSink(t *testing.T) {
	routertesting.SkipIfShort(t)
	t.Parallel()

	log := routertesting.NewLogger()
	db, err := clickhousetesting.NewDB(t.Context(), log, nil)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	conn, _ := clickhousetesting.NewTestDatabase(t, db)
	sink, err := NewClickHouseSink(ClickHouseSinkConfig{Logger: log, Conn: conn})
	require.NoError(t, err)

	ncn := solana.NewWallet().PublicKey()
	ctx := clickhouse.ContextWithSyncInsert(t.Context())
	require.NoError(t, sink.Write(ctx, nil))
	require.NoError(t, sink.Write(ctx, testEvents(ncn)))

	totals, err := sink.Totals(t.Context(), ncn, 9)
	require.NoError(t, err)
	require.Equal(t, map[Kind]uint64{
		KindIntake:        10_000,
		KindRoutePool:     500,
		KindRouteOperator: 150,
	}, totals)

	totals, err = sink.Totals(t.Context(), ncn, 10)
	require.NoError(t, err)
	require.Empty(t, totals)
}
