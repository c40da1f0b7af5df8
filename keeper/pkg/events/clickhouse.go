package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"github.com/malbeclabs/tiprouter/keeper/pkg/clickhouse"
)

const insertEventsSQL = `INSERT INTO tip_router_routing_events
	(run_id, ncn, epoch, kind, bucket, fee_group, operator, destination, amount, slot, at)`

type ClickHouseSinkConfig struct {
	Logger *slog.Logger
	Conn   clickhouse.Conn
}

func (cfg *ClickHouseSinkConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Conn == nil {
		return errors.New("clickhouse connection is required")
	}
	return nil
}

// ClickHouseSink appends events to tip_router_routing_events.
type ClickHouseSink struct {
	log  *slog.Logger
	conn clickhouse.Conn
}

func NewClickHouseSink(cfg ClickHouseSinkConfig) (*ClickHouseSink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ClickHouseSink{log: cfg.Logger, conn: cfg.Conn}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, insertEventsSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare event batch: %w", err)
	}
	defer func() { _ = batch.Abort() }()

	for _, e := range events {
		if err := batch.Append(
			e.RunID,
			e.NCN.String(),
			e.Epoch,
			string(e.Kind),
			string(e.Bucket),
			e.Group,
			keyString(e.Operator),
			keyString(e.Destination),
			e.Amount,
			e.Slot,
			e.At.UTC(),
		); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send event batch: %w", err)
	}

	s.log.Debug("events: wrote batch", "count", len(events))
	return nil
}

// Totals sums event amounts by kind for one epoch.
func (s *ClickHouseSink) Totals(ctx context.Context, ncn solana.PublicKey, epoch uint64) (map[Kind]uint64, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT kind, sum(amount) FROM tip_router_routing_events WHERE ncn = ? AND epoch = ? GROUP BY kind`,
		ncn.String(), epoch,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query event totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[Kind]uint64)
	for rows.Next() {
		var kind string
		var amount uint64
		if err := rows.Scan(&kind, &amount); err != nil {
			return nil, fmt.Errorf("failed to scan event totals: %w", err)
		}
		totals[Kind(kind)] = amount
	}
	return totals, rows.Err()
}
