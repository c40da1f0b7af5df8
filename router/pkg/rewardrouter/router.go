// Package rewardrouter moves rewards of one (NCN, epoch) from an
// undifferentiated pool into fee group buckets and then into per-operator
// routes, and pays them out.
//
// Every mutating method works on a copy of the router and only writes it back
// once every step has succeeded, so a returned error leaves the router as it
// was.
package rewardrouter

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/tiprouter/router/pkg/fees"
	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
	"github.com/malbeclabs/tiprouter/router/pkg/sharemath"
)

// MaxOperators is the capacity of the route table.
const MaxOperators = 256

const (
	routerHeaderSize = solana.PublicKeyLength + 6*8 +
		fees.BaseFeeGroupCount*8 + fees.NcnFeeGroupCount*8 +
		1 + 1 + 2 + 8

	// BaseRewardRouterSize is the encoded size of a BaseRewardRouter.
	BaseRewardRouterSize = routerHeaderSize + MaxOperators*NcnRewardRouteSize
)

// RoutingState is where an interrupted per-operator routing pass resumes.
type RoutingState struct {
	StillRouting         bool
	LastNcnGroupIndex    uint8
	LastVoteIndex        uint16
	LastRewardsToProcess uint64
}

// BaseRewardRouter is the routing ledger of one (NCN, epoch).
//
// TotalRewards is the value currently held: it always equals RewardPool plus
// RewardsProcessed. RewardsDistributed counts what has been paid out, so the
// lifetime inflow is TotalRewards plus RewardsDistributed.
type BaseRewardRouter struct {
	NCN         solana.PublicKey
	Epoch       uint64
	SlotCreated uint64

	TotalRewards       uint64
	RewardPool         uint64
	RewardsProcessed   uint64
	RewardsDistributed uint64

	BaseFeeGroupRewards [fees.BaseFeeGroupCount]uint64
	NcnFeeGroupRewards  [fees.NcnFeeGroupCount]uint64

	Routing RoutingState
	Routes  [MaxOperators]NcnRewardRoute
}

func New(ncn solana.PublicKey, epoch, slotCreated uint64) *BaseRewardRouter {
	return &BaseRewardRouter{NCN: ncn, Epoch: epoch, SlotCreated: slotCreated}
}

// Clone returns a deep copy. The router holds no references.
func (r *BaseRewardRouter) Clone() *BaseRewardRouter {
	c := *r
	return &c
}

// StillRouting reports whether a per-operator routing pass was interrupted.
func (r *BaseRewardRouter) StillRouting() bool {
	return r.Routing.StillRouting
}

// LifetimeRewards returns everything that has ever entered the router.
func (r *BaseRewardRouter) LifetimeRewards() (uint64, error) {
	return sharemath.Add(r.TotalRewards, r.RewardsDistributed)
}

// RewardsInTransit returns the value the router is accountable for.
func (r *BaseRewardRouter) RewardsInTransit() (uint64, error) {
	return sharemath.Add(r.RewardPool, r.RewardsProcessed)
}

func (r *BaseRewardRouter) BaseFeeGroupReward(group fees.BaseFeeGroup) (uint64, error) {
	if err := group.Validate(); err != nil {
		return 0, err
	}
	return r.BaseFeeGroupRewards[group.Index()], nil
}

func (r *BaseRewardRouter) NcnFeeGroupReward(group fees.NcnFeeGroup) (uint64, error) {
	if err := group.Validate(); err != nil {
		return 0, err
	}
	return r.NcnFeeGroupRewards[group.Index()], nil
}

// TotalBaseFeeGroupRewards sums the base fee group buckets.
func (r *BaseRewardRouter) TotalBaseFeeGroupRewards() (uint64, error) {
	return sum(r.BaseFeeGroupRewards[:])
}

// ActiveRoutes returns the occupied route slots in slot order.
func (r *BaseRewardRouter) ActiveRoutes() []NcnRewardRoute {
	var routes []NcnRewardRoute
	for _, route := range r.Routes {
		if route.IsEmpty() {
			break
		}
		routes = append(routes, route)
	}
	return routes
}

// Route returns the route of an operator and its slot index.
func (r *BaseRewardRouter) Route(operator solana.PublicKey) (NcnRewardRoute, int, error) {
	i, ok := r.routeIndex(operator)
	if !ok {
		return NcnRewardRoute{}, -1, fmt.Errorf("operator %s: %w", operator, routererr.ErrOperatorRouteNotFound)
	}
	return r.Routes[i], i, nil
}

// NcnFeeGroupRouteReward returns an operator's balance for a group.
func (r *BaseRewardRouter) NcnFeeGroupRouteReward(operator solana.PublicKey, group fees.NcnFeeGroup) (uint64, error) {
	route, _, err := r.Route(operator)
	if err != nil {
		return 0, err
	}
	return route.Reward(group)
}

// HasRewards reports whether any value is still held by the router.
func (r *BaseRewardRouter) HasRewards() bool {
	return r.TotalRewards > 0
}

// Validate checks the conservation invariants.
func (r *BaseRewardRouter) Validate() error {
	inTransit, err := r.RewardsInTransit()
	if err != nil {
		return err
	}
	if inTransit != r.TotalRewards {
		return fmt.Errorf("total rewards %d != pool %d + processed %d: %w", r.TotalRewards, r.RewardPool, r.RewardsProcessed, routererr.ErrAccountingMismatch)
	}
	held, err := sum(r.BaseFeeGroupRewards[:])
	if err != nil {
		return err
	}
	ncn, err := sum(r.NcnFeeGroupRewards[:])
	if err != nil {
		return err
	}
	if held, err = sharemath.Add(held, ncn); err != nil {
		return err
	}
	for _, route := range r.Routes {
		total, err := route.TotalRewards()
		if err != nil {
			return err
		}
		if held, err = sharemath.Add(held, total); err != nil {
			return err
		}
	}
	if held != r.RewardsProcessed {
		return fmt.Errorf("buckets and routes hold %d, processed %d: %w", held, r.RewardsProcessed, routererr.ErrAccountingMismatch)
	}
	return nil
}

func (r *BaseRewardRouter) routeIndex(operator solana.PublicKey) (int, bool) {
	if operator.IsZero() {
		return -1, false
	}
	for i := range r.Routes {
		if r.Routes[i].IsEmpty() {
			return -1, false
		}
		if r.Routes[i].Operator.Equals(operator) {
			return i, true
		}
	}
	return -1, false
}

// routeIndexOrCreate returns the slot of an operator, claiming the first empty
// slot on first use.
func (r *BaseRewardRouter) routeIndexOrCreate(operator solana.PublicKey) (int, error) {
	if operator.IsZero() {
		return -1, fmt.Errorf("zero operator: %w", routererr.ErrOperatorRouteNotFound)
	}
	for i := range r.Routes {
		if r.Routes[i].Operator.Equals(operator) {
			return i, nil
		}
		if r.Routes[i].IsEmpty() {
			r.Routes[i] = NcnRewardRoute{Operator: operator}
			return i, nil
		}
	}
	return -1, fmt.Errorf("operator %s: %w", operator, routererr.ErrRouterFull)
}

func sum(values []uint64) (uint64, error) {
	var total uint64
	for _, v := range values {
		var err error
		if total, err = sharemath.Add(total, v); err != nil {
			return 0, err
		}
	}
	return total, nil
}

func (r *BaseRewardRouter) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteBytes(r.NCN[:], false); err != nil {
		return err
	}
	for _, v := range []uint64{r.Epoch, r.SlotCreated, r.TotalRewards, r.RewardPool, r.RewardsProcessed, r.RewardsDistributed} {
		if err := enc.WriteUint64(v, bin.LE); err != nil {
			return err
		}
	}
	for _, v := range r.BaseFeeGroupRewards {
		if err := enc.WriteUint64(v, bin.LE); err != nil {
			return err
		}
	}
	for _, v := range r.NcnFeeGroupRewards {
		if err := enc.WriteUint64(v, bin.LE); err != nil {
			return err
		}
	}
	if err := enc.WriteBool(r.Routing.StillRouting); err != nil {
		return err
	}
	if err := enc.WriteUint8(r.Routing.LastNcnGroupIndex); err != nil {
		return err
	}
	if err := enc.WriteUint16(r.Routing.LastVoteIndex, bin.LE); err != nil {
		return err
	}
	if err := enc.WriteUint64(r.Routing.LastRewardsToProcess, bin.LE); err != nil {
		return err
	}
	for _, route := range r.Routes {
		if err := route.MarshalWithEncoder(enc); err != nil {
			return err
		}
	}
	return nil
}

func (r *BaseRewardRouter) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	raw, err := dec.ReadNBytes(solana.PublicKeyLength)
	if err != nil {
		return err
	}
	r.NCN = solana.PublicKeyFromBytes(raw)
	for _, v := range []*uint64{&r.Epoch, &r.SlotCreated, &r.TotalRewards, &r.RewardPool, &r.RewardsProcessed, &r.RewardsDistributed} {
		if *v, err = dec.ReadUint64(bin.LE); err != nil {
			return err
		}
	}
	for i := range r.BaseFeeGroupRewards {
		if r.BaseFeeGroupRewards[i], err = dec.ReadUint64(bin.LE); err != nil {
			return err
		}
	}
	for i := range r.NcnFeeGroupRewards {
		if r.NcnFeeGroupRewards[i], err = dec.ReadUint64(bin.LE); err != nil {
			return err
		}
	}
	if r.Routing.StillRouting, err = dec.ReadBool(); err != nil {
		return err
	}
	if r.Routing.LastNcnGroupIndex, err = dec.ReadUint8(); err != nil {
		return err
	}
	if r.Routing.LastVoteIndex, err = dec.ReadUint16(bin.LE); err != nil {
		return err
	}
	if r.Routing.LastRewardsToProcess, err = dec.ReadUint64(bin.LE); err != nil {
		return err
	}
	for i := range r.Routes {
		if err := r.Routes[i].UnmarshalWithDecoder(dec); err != nil {
			return err
		}
	}
	return nil
}

// Bytes returns the fixed-size encoding of the router.
func (r *BaseRewardRouter) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(BaseRewardRouterSize)
	if err := r.MarshalWithEncoder(bin.NewBorshEncoder(&buf)); err != nil {
		return nil, fmt.Errorf("failed to encode base reward router: %w", err)
	}
	return buf.Bytes(), nil
}

// FromBytes decodes a router produced by Bytes.
func FromBytes(data []byte) (*BaseRewardRouter, error) {
	if len(data) != BaseRewardRouterSize {
		return nil, fmt.Errorf("base reward router must be %d bytes, got %d", BaseRewardRouterSize, len(data))
	}
	r := &BaseRewardRouter{}
	if err := r.UnmarshalWithDecoder(bin.NewBorshDecoder(data)); err != nil {
		return nil, fmt.Errorf("failed to decode base reward router: %w", err)
	}
	return r, nil
}
