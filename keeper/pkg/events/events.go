package events

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

type Kind string

const (
	KindIntake        Kind = "intake"
	KindRoutePool     Kind = "route_pool"
	KindRouteOperator Kind = "route_operator"
	KindUpload        Kind = "upload"
	KindDistribute    Kind = "distribute"
)

// Bucket names the router balance an amount moved into or was paid out of.
type Bucket string

const (
	BucketNone      Bucket = ""
	BucketBase      Bucket = "base"
	BucketNcn       Bucket = "ncn"
	BucketRemainder Bucket = "remainder"
)

// Event is one change the keeper made to the router.
type Event struct {
	RunID  uuid.UUID
	NCN    solana.PublicKey
	Epoch  uint64
	Kind   Kind
	Bucket Bucket
	// Group is the base or NCN fee group the amount moved into.
	Group       uint8
	Operator    solana.PublicKey
	Destination solana.PublicKey
	Amount      uint64
	Slot        uint64
	At          time.Time
}

type Sink interface {
	Write(ctx context.Context, events []Event) error
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Write(context.Context, []Event) error { return nil }

// MemorySink keeps every written event.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *MemorySink) Write(_ context.Context, events []Event) error {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func keyString(pk solana.PublicKey) string {
	if pk.IsZero() {
		return ""
	}
	return pk.String()
}
