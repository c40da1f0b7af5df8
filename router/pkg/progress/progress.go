// Package progress tracks partial completion of bounded units of work that
// span many execution steps.
package progress

import (
	"fmt"
	"math"

	bin "github.com/gagliardetto/binary"

	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
	"github.com/malbeclabs/tiprouter/router/pkg/sharemath"
)

// Size is the encoded size of a Progress in bytes.
const Size = 16

const invalid = math.MaxUint64

// Progress is a tally/total pair. The zero value is a sized, empty unit of
// work; Invalid() marks a unit whose total is not yet known.
type Progress struct {
	Tally uint64
	Total uint64
}

// New returns a Progress with the given tally and total.
func New(tally, total uint64) Progress {
	return Progress{Tally: tally, Total: total}
}

// Invalid returns the "not yet sized" sentinel.
func Invalid() Progress {
	return Progress{Tally: invalid, Total: invalid}
}

func (p Progress) IsInvalid() bool {
	return p.Tally == invalid || p.Total == invalid
}

// IsComplete is true once the total is known and the tally has reached it.
func (p Progress) IsComplete() bool {
	return !p.IsInvalid() && p.Tally == p.Total
}

// SetTally overwrites the tally. An invalid progress keeps an invalid total.
func (p *Progress) SetTally(tally uint64) {
	p.Tally = tally
}

// SetTotal sizes the unit of work. If the tally is still the sentinel it
// starts at zero.
func (p *Progress) SetTotal(total uint64) {
	if p.Tally == invalid {
		p.Tally = 0
	}
	p.Total = total
}

// Increment adds n to the tally.
func (p *Progress) Increment(n uint64) error {
	if p.Tally == invalid {
		return fmt.Errorf("increment unsized progress: %w", routererr.ErrInvalidState)
	}
	tally, err := sharemath.Add(p.Tally, n)
	if err != nil {
		return fmt.Errorf("increment progress: %w", err)
	}
	p.Tally = tally
	return nil
}

// Decrement reverses a prior Increment of n.
func (p *Progress) Decrement(n uint64) error {
	if p.Tally == invalid {
		return fmt.Errorf("decrement unsized progress: %w", routererr.ErrInvalidState)
	}
	tally, err := sharemath.Sub(p.Tally, n)
	if err != nil {
		return fmt.Errorf("decrement progress: %w", err)
	}
	p.Tally = tally
	return nil
}

func (p Progress) String() string {
	if p.IsInvalid() {
		return "invalid"
	}
	return fmt.Sprintf("%d/%d", p.Tally, p.Total)
}

func (p Progress) MarshalWithEncoder(enc *bin.Encoder) error {
	if err := enc.WriteUint64(p.Tally, bin.LE); err != nil {
		return err
	}
	return enc.WriteUint64(p.Total, bin.LE)
}

func (p *Progress) UnmarshalWithDecoder(dec *bin.Decoder) (err error) {
	if p.Tally, err = dec.ReadUint64(bin.LE); err != nil {
		return err
	}
	p.Total, err = dec.ReadUint64(bin.LE)
	return err
}
