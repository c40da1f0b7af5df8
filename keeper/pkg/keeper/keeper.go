package keeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/tiprouter/keeper/pkg/events"
	"github.com/malbeclabs/tiprouter/keeper/pkg/metrics"
	solanaledger "github.com/malbeclabs/tiprouter/keeper/pkg/solana"
	"github.com/malbeclabs/tiprouter/keeper/pkg/store"
	"github.com/malbeclabs/tiprouter/router/pkg/engine"
	"github.com/malbeclabs/tiprouter/router/pkg/epochstate"
	"github.com/malbeclabs/tiprouter/router/pkg/rewardrouter"
	"github.com/malbeclabs/tiprouter/router/pkg/routererr"
	"github.com/malbeclabs/tiprouter/utils/pkg/retry"
)

const DefaultMaxIterations = 512

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Store  store.Store
	Ledger solanaledger.Ledger
	Events events.Sink // optional, events are dropped when nil

	NCN   solana.PublicKey
	Epoch uint64
	// RouterAccount holds the lamports routed for the epoch.
	RouterAccount solana.PublicKey

	Schedule       epochstate.EpochSchedule
	CooldownEpochs uint64
	// MaxIterations bounds the per-operator routing done in one crank.
	MaxIterations   int
	RefreshInterval time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger is required")
	}
	if cfg.NCN.IsZero() {
		return errors.New("ncn is required")
	}
	if cfg.RouterAccount.IsZero() {
		return errors.New("router account is required")
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return err
	}
	if cfg.RefreshInterval <= 0 {
		return errors.New("refresh interval must be greater than 0")
	}
	if cfg.MaxIterations < 0 {
		return errors.New("max iterations must not be negative")
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Events == nil {
		cfg.Events = events.NopSink{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Snapshot is the keeper's view of the epoch after its last crank.
type Snapshot struct {
	NCN        solana.PublicKey
	Epoch      uint64
	Slot       uint64
	State      epochstate.State
	EpochState *epochstate.EpochState
	Router     *rewardrouter.BaseRewardRouter

	LastRunID uuid.UUID
	LastRunAt time.Time
	LastError string
}

// Keeper periodically routes the rewards that reached the router account.
type Keeper struct {
	log       *slog.Logger
	cfg       Config
	refreshMu sync.Mutex

	mu       sync.RWMutex
	snapshot *Snapshot

	readyOnce sync.Once
	readyCh   chan struct{}
}

func New(cfg Config) (*Keeper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Keeper{
		log:     cfg.Logger.With("ncn", cfg.NCN.String(), "epoch", cfg.Epoch),
		cfg:     cfg,
		readyCh: make(chan struct{}),
	}, nil
}

func (k *Keeper) Ready() bool {
	select {
	case <-k.readyCh:
		return true
	default:
		return false
	}
}

func (k *Keeper) WaitReady(ctx context.Context) error {
	select {
	case <-k.readyCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context cancelled while waiting for keeper: %w", ctx.Err())
	}
}

// Snapshot returns the state seen by the last crank. ok is false before the
// first crank finished loading records.
func (k *Keeper) Snapshot() (Snapshot, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.snapshot == nil {
		return Snapshot{}, false
	}
	s := *k.snapshot
	s.EpochState = s.EpochState.Clone()
	if s.Router != nil {
		s.Router = s.Router.Clone()
	}
	return s, true
}

func (k *Keeper) Start(ctx context.Context) {
	go func() {
		k.log.Info("keeper: starting crank loop", "interval", k.cfg.RefreshInterval)

		k.safeRefresh(ctx)

		ticker := k.cfg.Clock.NewTicker(k.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				k.safeRefresh(ctx)
			}
		}
	}()
}

func (k *Keeper) safeRefresh(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			k.log.Error("keeper: crank panicked", "panic", r)
			metrics.CrankTotal.WithLabelValues("panic").Inc()
		}
	}()

	if err := k.Refresh(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		k.log.Error("keeper: crank failed", "error", err)
	}
}

// Refresh runs one crank. A failed crank saves nothing and is retried on the
// next tick.
func (k *Keeper) Refresh(ctx context.Context) error {
	k.refreshMu.Lock()
	defer k.refreshMu.Unlock()

	start := k.cfg.Clock.Now()
	runID := uuid.New()
	log := k.log.With("run", runID.String())
	log.Debug("keeper: crank started")

	span := sentry.StartSpan(ctx, "keeper.crank", sentry.WithDescription(fmt.Sprintf("crank %s/%d", k.cfg.NCN, k.cfg.Epoch)))
	defer span.Finish()

	err := k.crank(span.Context(), runID, log)
	duration := k.cfg.Clock.Since(start)
	metrics.CrankDuration.Observe(duration.Seconds())
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		metrics.CrankTotal.WithLabelValues("error").Inc()
		metrics.CrankErrorsTotal.WithLabelValues(routererr.KindOf(err).String()).Inc()
		k.recordError(runID, start, err)
		if !errors.Is(err, context.Canceled) {
			sentry.CaptureException(err)
		}
		return err
	}
	span.Status = sentry.SpanStatusOK
	metrics.CrankTotal.WithLabelValues("success").Inc()
	log.Info("keeper: crank completed", "duration", duration.String())
	return nil
}

// conflictAttempts bounds how often an update is re-run after losing a save to
// another writer.
const conflictAttempts = 5

type loaded struct {
	engine *engine.Engine
	epoch  store.EpochRecords
	slot   uint64
	state  epochstate.State
}

func (k *Keeper) load(ctx context.Context) (*loaded, error) {
	feeConfig, err := k.cfg.Store.LoadFeeConfig(ctx, k.cfg.NCN)
	if err != nil {
		return nil, fmt.Errorf("failed to load fee config: %w", err)
	}
	recs, err := k.cfg.Store.LoadEpoch(ctx, k.cfg.NCN, k.cfg.Epoch)
	if err != nil {
		return nil, fmt.Errorf("failed to load epoch records: %w", err)
	}
	slot, err := k.cfg.Ledger.CurrentSlot(ctx)
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		Logger:         k.log,
		Schedule:       k.cfg.Schedule,
		CooldownEpochs: k.cfg.CooldownEpochs,
	}, engine.Records{State: recs.State, FeeConfig: feeConfig, Router: recs.Router})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	state, err := eng.CurrentState(slot)
	if err != nil {
		return nil, fmt.Errorf("failed to derive epoch state: %w", err)
	}
	return &loaded{engine: eng, epoch: recs, slot: slot, state: state}, nil
}

// save persists the engine's records along with the ballot box, provided
// nobody else saved the epoch since it was loaded.
func (k *Keeper) save(ctx context.Context, l *loaded) error {
	out := l.engine.Records()
	recs := store.EpochRecords{
		State:   out.State,
		Router:  out.Router,
		Ballot:  l.epoch.Ballot,
		Version: l.epoch.Version,
	}
	if err := k.cfg.Store.SaveEpoch(ctx, k.cfg.NCN, k.cfg.Epoch, recs); err != nil {
		return fmt.Errorf("failed to save epoch records: %w", err)
	}
	recs.Version++
	l.epoch = recs
	return nil
}

// update loads the epoch, runs fn and saves the result when fn reports a
// change. A save that lost to a concurrent writer is re-run from a fresh load.
// The last loaded epoch is returned even when fn fails.
func (k *Keeper) update(ctx context.Context, fn func(l *loaded) (bool, error)) (*loaded, error) {
	var last *loaded
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: conflictAttempts,
		Clock:       k.cfg.Clock,
		Retryable:   func(err error) bool { return errors.Is(err, store.ErrConflict) },
	}, func() error {
		l, err := k.load(ctx)
		if err != nil {
			return err
		}
		last = l
		changed, err := fn(l)
		if err != nil || !changed {
			return err
		}
		if l.state, err = l.engine.CurrentState(l.slot); err != nil {
			return fmt.Errorf("failed to derive epoch state: %w", err)
		}
		if err := k.save(ctx, l); err != nil {
			if errors.Is(err, store.ErrConflict) {
				metrics.SaveConflictsTotal.Inc()
				k.log.Debug("keeper: epoch changed concurrently, reloading", "error", err)
			}
			return err
		}
		return nil
	})
	return last, err
}

func (k *Keeper) crank(ctx context.Context, runID uuid.UUID, log *slog.Logger) error {
	var (
		res     engine.RouteResult
		balance uint64
		setup   bool
	)
	l, err := k.update(ctx, func(l *loaded) (bool, error) {
		res, balance, setup = engine.RouteResult{}, 0, false

		state := l.state
		if state == epochstate.StateSetupRouter {
			if err := l.engine.InitializeBaseRewardRouter(l.slot); err != nil {
				return false, fmt.Errorf("failed to set up base reward router: %w", err)
			}
			state, setup = epochstate.StateDistribute, true
		}
		if state != epochstate.StateDistribute {
			return false, nil
		}
		if l.epoch.Ballot == nil {
			return false, errors.New("ballot box is required to route rewards")
		}

		var err error
		balance, err = k.cfg.Ledger.VisibleBalance(ctx, k.cfg.RouterAccount, rewardrouter.BaseRewardRouterSize)
		if err != nil {
			return false, err
		}
		if res, err = l.engine.RouteBaseRewards(l.epoch.Ballot, balance, k.cfg.MaxIterations, l.slot); err != nil {
			return false, fmt.Errorf("failed to route base rewards: %w", err)
		}
		return true, nil
	})
	if l != nil {
		defer func() { k.recordSnapshot(runID, l) }()
	}
	if err != nil {
		return err
	}
	if l.state != epochstate.StateDistribute {
		log.Debug("keeper: nothing to route", "state", l.state.String(), "slot", l.slot)
		return nil
	}
	if setup {
		log.Info("keeper: set up base reward router", "slot", l.slot)
	}

	evs := routeEvents(k.baseEvent(runID, l.slot), res)
	for _, e := range evs {
		metrics.RewardsRoutedTotal.WithLabelValues(string(e.Kind)).Add(float64(e.Amount))
	}
	// Records are already saved, so a lost event batch is only logged.
	if err := k.cfg.Events.Write(ctx, evs); err != nil {
		log.Warn("keeper: failed to write events", "error", err, "count", len(evs))
	}

	log.Info("keeper: routed rewards",
		"slot", l.slot,
		"balance", balance,
		"incoming", res.Incoming,
		"credits", len(res.Credits),
		"stillRouting", res.StillRouting,
	)
	return nil
}

func (k *Keeper) baseEvent(runID uuid.UUID, slot uint64) events.Event {
	return events.Event{
		RunID: runID,
		NCN:   k.cfg.NCN,
		Epoch: k.cfg.Epoch,
		Slot:  slot,
		At:    k.cfg.Clock.Now(),
	}
}

func (k *Keeper) recordSnapshot(runID uuid.UUID, l *loaded) {
	s := &Snapshot{
		NCN:        k.cfg.NCN,
		Epoch:      k.cfg.Epoch,
		Slot:       l.slot,
		State:      l.state,
		EpochState: l.epoch.State.Clone(),
		LastRunID:  runID,
		LastRunAt:  k.cfg.Clock.Now(),
	}
	if l.epoch.Router != nil {
		s.Router = l.epoch.Router.Clone()
	}
	updateGauges(s)

	k.mu.Lock()
	k.snapshot = s
	k.mu.Unlock()
	k.readyOnce.Do(func() { close(k.readyCh) })
}

func (k *Keeper) recordError(runID uuid.UUID, at time.Time, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.snapshot == nil {
		return
	}
	k.snapshot.LastRunID = runID
	k.snapshot.LastRunAt = at
	k.snapshot.LastError = err.Error()
}

func updateGauges(s *Snapshot) {
	for _, st := range epochstate.AllStates() {
		v := 0.0
		if st == s.State {
			v = 1
		}
		metrics.EpochState.WithLabelValues(st.String()).Set(v)
	}
	if s.Router == nil {
		return
	}
	metrics.RouterBalance.WithLabelValues("pool").Set(float64(s.Router.RewardPool))
	metrics.RouterBalance.WithLabelValues("processed").Set(float64(s.Router.RewardsProcessed))
	metrics.RouterBalance.WithLabelValues("distributed").Set(float64(s.Router.RewardsDistributed))
}
