package fees

import (
	"fmt"

	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
)

const (
	// MaxFeeBps is the cap on the sum of every fee group plus the block engine fee.
	MaxFeeBps = 10_000

	BaseFeeGroupCount = 8
	NcnFeeGroupCount  = 8
)

// BaseFeeGroup is a protocol-level fee group. Group 0 is the DAO group and
// receives any rounding remainder of a split.
type BaseFeeGroup uint8

// NcnFeeGroup is a fee group that is further split across operators.
type NcnFeeGroup uint8

const (
	DefaultBaseFeeGroup BaseFeeGroup = 0
	DefaultNcnFeeGroup  NcnFeeGroup  = 0
)

func NewBaseFeeGroup(i uint8) (BaseFeeGroup, error) {
	g := BaseFeeGroup(i)
	if err := g.Validate(); err != nil {
		return 0, err
	}
	return g, nil
}

func NewNcnFeeGroup(i uint8) (NcnFeeGroup, error) {
	g := NcnFeeGroup(i)
	if err := g.Validate(); err != nil {
		return 0, err
	}
	return g, nil
}

func (g BaseFeeGroup) Validate() error {
	if int(g) >= BaseFeeGroupCount {
		return fmt.Errorf("base fee group %d: %w", g, routererr.ErrInvalidFeeGroup)
	}
	return nil
}

func (g NcnFeeGroup) Validate() error {
	if int(g) >= NcnFeeGroupCount {
		return fmt.Errorf("ncn fee group %d: %w", g, routererr.ErrInvalidFeeGroup)
	}
	return nil
}

func (g BaseFeeGroup) Index() int { return int(g) }
func (g NcnFeeGroup) Index() int  { return int(g) }

// AllBaseFeeGroups returns every base fee group in routing order.
func AllBaseFeeGroups() []BaseFeeGroup {
	groups := make([]BaseFeeGroup, BaseFeeGroupCount)
	for i := range groups {
		groups[i] = BaseFeeGroup(i)
	}
	return groups
}

// AllNcnFeeGroups returns every NCN fee group in routing order.
func AllNcnFeeGroups() []NcnFeeGroup {
	groups := make([]NcnFeeGroup, NcnFeeGroupCount)
	for i := range groups {
		groups[i] = NcnFeeGroup(i)
	}
	return groups
}
