package keeper

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/malbeclabs/tiprouter/keeper/pkg/events"
	"github.com/malbeclabs/tiprouter/router/pkg/engine"
	"github.com/malbeclabs/tiprouter/router/pkg/fees"
)

// step runs fn against freshly loaded records and saves the result. fn runs
// again from a fresh load if another writer saved the epoch first.
func (k *Keeper) step(ctx context.Context, op string, fn func(l *loaded) error) (*loaded, uuid.UUID, error) {
	k.refreshMu.Lock()
	defer k.refreshMu.Unlock()

	runID := uuid.New()
	l, err := k.update(ctx, func(l *loaded) (bool, error) {
		if err := fn(l); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, runID, fmt.Errorf("failed to %s: %w", op, err)
	}
	k.recordSnapshot(runID, l)
	return l, runID, nil
}

// Upload authorizes receiver to collect operator's rewards for group and saves
// the result. operator must be the operator snapshotted at operatorIndex.
func (k *Keeper) Upload(ctx context.Context, operatorIndex int, operator solana.PublicKey, group fees.NcnFeeGroup, receiver solana.PublicKey) error {
	l, runID, err := k.step(ctx, "upload receiver", func(l *loaded) error {
		if l.epoch.Ballot == nil {
			return errors.New("ballot box is required to upload")
		}
		return l.engine.Upload(l.epoch.Ballot, l.slot, operatorIndex, operator, group, receiver)
	})
	if err != nil {
		return err
	}

	e := k.baseEvent(runID, l.slot)
	e.Kind = events.KindUpload
	e.Bucket = events.BucketNcn
	e.Group = uint8(group)
	e.Operator = operator
	e.Destination = receiver
	if err := k.cfg.Events.Write(ctx, []events.Event{e}); err != nil {
		k.log.Warn("keeper: failed to write upload event", "error", err)
	}

	k.log.Info("keeper: uploaded receiver", "operator", operator, "group", group, "receiver", receiver)
	return nil
}

// DistributeBaseFeeGroup records that a base fee group bucket has been paid
// out to the group's wallet and returns the amount.
func (k *Keeper) DistributeBaseFeeGroup(ctx context.Context, group fees.BaseFeeGroup, destination solana.PublicKey) (uint64, error) {
	var paid uint64
	l, runID, err := k.step(ctx, "distribute base fee group", func(l *loaded) error {
		var err error
		paid, err = l.engine.DistributeBaseFeeGroupRewards(group, destination, l.slot)
		return err
	})
	if err != nil {
		return 0, err
	}
	k.writeDistribution(ctx, runID, l.slot, events.BucketBase, uint8(group), solana.PublicKey{}, destination, paid)
	return paid, nil
}

// DistributeNcnFeeGroupRoute records that an operator's balance for group has
// been paid out to its authorized receiver and returns the amount.
func (k *Keeper) DistributeNcnFeeGroupRoute(ctx context.Context, operator solana.PublicKey, group fees.NcnFeeGroup, destination solana.PublicKey) (uint64, error) {
	var paid uint64
	l, runID, err := k.step(ctx, "distribute ncn fee group route", func(l *loaded) error {
		var err error
		paid, err = l.engine.DistributeNcnFeeGroupRouteRewards(operator, group, destination, l.slot)
		return err
	})
	if err != nil {
		return 0, err
	}
	k.writeDistribution(ctx, runID, l.slot, events.BucketNcn, uint8(group), operator, destination, paid)
	return paid, nil
}

func (k *Keeper) writeDistribution(ctx context.Context, runID uuid.UUID, slot uint64, bucket events.Bucket, group uint8, operator, destination solana.PublicKey, amount uint64) {
	if amount == 0 {
		return
	}
	e := k.baseEvent(runID, slot)
	e.Kind, e.Bucket, e.Group = events.KindDistribute, bucket, group
	e.Operator, e.Destination, e.Amount = operator, destination, amount
	if err := k.cfg.Events.Write(ctx, []events.Event{e}); err != nil {
		k.log.Warn("keeper: failed to write distribution event", "error", err)
	}
}

// routeEvents lists every non-zero movement of one routing pass.
func routeEvents(base events.Event, res engine.RouteResult) []events.Event {
	var out []events.Event
	add := func(kind events.Kind, bucket events.Bucket, group uint8, operator solana.PublicKey, amount uint64) {
		if amount == 0 {
			return
		}
		e := base
		e.Kind, e.Bucket, e.Group, e.Operator, e.Amount = kind, bucket, group, operator, amount
		out = append(out, e)
	}

	add(events.KindIntake, events.BucketNone, 0, solana.PublicKey{}, res.Incoming)
	for i, amount := range res.Split.BaseFeeGroupRewards {
		add(events.KindRoutePool, events.BucketBase, uint8(i), solana.PublicKey{}, amount)
	}
	for i, amount := range res.Split.NcnFeeGroupRewards {
		add(events.KindRoutePool, events.BucketNcn, uint8(i), solana.PublicKey{}, amount)
	}
	add(events.KindRoutePool, events.BucketRemainder, uint8(fees.DefaultBaseFeeGroup), solana.PublicKey{}, res.Split.Remainder)
	for _, c := range res.Credits {
		add(events.KindRouteOperator, events.BucketNcn, uint8(c.Group), c.Operator, c.Rewards)
	}
	return out
}
