// Package routererr defines the error kinds returned by the reward routing core.
//
// Every core operation returns one of these sentinels, possibly wrapped with
// context via fmt.Errorf("...: %w", err). Callers match with errors.Is and may
// classify with KindOf.
package routererr

import "errors"

// Kind classifies an error returned by the routing core.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindArithmetic
	KindCapacity
	KindNotFound
	KindSequencing
	KindMismatch
)

func (k Kind) String() string {
	switch k {
	case KindArithmetic:
		return "arithmetic"
	case KindCapacity:
		return "capacity"
	case KindNotFound:
		return "not_found"
	case KindSequencing:
		return "sequencing"
	case KindMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Arithmetic
var (
	ErrArithmeticOverflow  = errors.New("arithmetic overflow")
	ErrArithmeticUnderflow = errors.New("arithmetic underflow")
	ErrDivisionByZero      = errors.New("division by zero")
	ErrCastOverflow        = errors.New("cast overflow")
	ErrAccountingMismatch  = errors.New("rewards accounting mismatch")
)

// Capacity
var (
	ErrRouterFull   = errors.New("operator route table is full")
	ErrOperatorFull = errors.New("operator index out of range")
)

// Not found
var (
	ErrOperatorRouteNotFound = errors.New("operator route not found")
	ErrNoWinningResult       = errors.New("no winning result")
	ErrReceiverNotFound      = errors.New("receiver not found")
)

// Sequencing
var (
	ErrInvalidState       = errors.New("invalid epoch state for operation")
	ErrCannotCloseAccount = errors.New("account cannot be closed yet")
	ErrAccountNotDrained  = errors.New("account still holds rewards")
	ErrAlreadyExists      = errors.New("account already exists")
	ErrDoesNotExist       = errors.New("account does not exist")
	ErrStillRouting       = errors.New("router is still routing")
)

// Mismatch
var (
	ErrDestinationMismatch = errors.New("destination does not match configured recipient")
	ErrFeeCapExceeded      = errors.New("total fees exceed cap")
	ErrInvalidFeeGroup     = errors.New("invalid fee group")
	ErrInvalidFee          = errors.New("invalid fee value")
)

var kinds = map[error]Kind{
	ErrArithmeticOverflow:    KindArithmetic,
	ErrArithmeticUnderflow:   KindArithmetic,
	ErrDivisionByZero:        KindArithmetic,
	ErrCastOverflow:          KindArithmetic,
	ErrAccountingMismatch:    KindArithmetic,
	ErrRouterFull:            KindCapacity,
	ErrOperatorFull:          KindCapacity,
	ErrOperatorRouteNotFound: KindNotFound,
	ErrNoWinningResult:       KindNotFound,
	ErrReceiverNotFound:      KindNotFound,
	ErrInvalidState:          KindSequencing,
	ErrCannotCloseAccount:    KindSequencing,
	ErrAccountNotDrained:     KindSequencing,
	ErrAlreadyExists:         KindSequencing,
	ErrDoesNotExist:          KindSequencing,
	ErrStillRouting:          KindSequencing,
	ErrDestinationMismatch:   KindMismatch,
	ErrFeeCapExceeded:        KindMismatch,
	ErrInvalidFeeGroup:       KindMismatch,
	ErrInvalidFee:            KindMismatch,
}

// KindOf returns the kind of the first sentinel found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for sentinel, kind := range kinds {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}
