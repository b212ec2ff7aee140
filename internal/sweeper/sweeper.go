// Package sweeper is the reconciliation loop. It finds tickets that
// stopped making progress, re-queries both bridge contracts for the
// authoritative state, and either feeds the discovered fact back into
// the state machine or re-drives the missing transaction.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ticketbridge/relayer/internal/bridgeabi"
	"github.com/ticketbridge/relayer/internal/event"
	"github.com/ticketbridge/relayer/internal/idempotency"
	"github.com/ticketbridge/relayer/internal/leases"
	"github.com/ticketbridge/relayer/internal/lifecycle"
	"github.com/ticketbridge/relayer/internal/ticket"
)

var ErrInvalidConfig = errors.New("sweeper: invalid config")

// sweepLogIndex marks sweeper-synthesized records. The dispatcher owns
// MaxUint32; the sweeper sits just below it, both outside the range of
// real log indexes.
const sweepLogIndex = uint32(math.MaxUint32 - 1)

// ChainView executes read-only contract calls on one chain.
type ChainView interface {
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Reconciler is the state-machine surface the sweeper drives.
// ExpireDeferred replays timed-out out-of-order events; the sweeper
// dispatches whatever actions the replay produced.
type Reconciler interface {
	ExpireDeferred(ctx context.Context) (lifecycle.Result, error)
	MarkReconciling(ctx context.Context, ticketID, originChain uint64) error
}

// DispatchFunc re-submits a lost transaction.
type DispatchFunc func(ctx context.Context, act lifecycle.Action) error

// NotifyFunc forwards a dynamic-state notification surfaced while
// replaying expired deferrals.
type NotifyFunc func(ctx context.Context, note lifecycle.Notification) error

// SinkFunc feeds a synthesized record through the same admission and
// application path chain events take.
type SinkFunc func(ctx context.Context, rec event.Record) error

type Config struct {
	// Holder identifies this replica in the claim store.
	Holder string

	// Interval is the tick cadence.
	Interval time.Duration
	// StuckAfter is how long since the last recorded attempt before a
	// ticket counts as stuck.
	StuckAfter time.Duration
	// ClaimTTL bounds how long a replica may sit on one ticket.
	ClaimTTL time.Duration
	// BatchSize caps tickets swept per tick.
	BatchSize int

	// VaultContract is queried with isLocked on the origin chain.
	VaultContract common.Address
	// RepresentativeContract is queried with isMinted on the
	// destination chain.
	RepresentativeContract common.Address

	// Notify, when set, forwards notifications produced by expired
	// deferral replay. Nil notifications are logged only.
	Notify NotifyFunc

	Now func() time.Time
}

// Sweeper periodically reconciles stuck tickets against chain state.
type Sweeper struct {
	cfg Config

	store       ticket.Store
	claims      leases.Store
	machine     Reconciler
	origin      ChainView
	destination ChainView
	dispatch    DispatchFunc
	sink        SinkFunc
	log         *slog.Logger
}

func New(cfg Config, store ticket.Store, claims leases.Store, machine Reconciler, origin, destination ChainView, dispatch DispatchFunc, sink SinkFunc, log *slog.Logger) (*Sweeper, error) {
	if cfg.Holder == "" {
		return nil, fmt.Errorf("%w: empty holder", ErrInvalidConfig)
	}
	if store == nil || claims == nil || machine == nil {
		return nil, fmt.Errorf("%w: nil collaborator", ErrInvalidConfig)
	}
	if origin == nil || destination == nil {
		return nil, fmt.Errorf("%w: nil chain view", ErrInvalidConfig)
	}
	if dispatch == nil || sink == nil {
		return nil, fmt.Errorf("%w: nil dispatch/sink", ErrInvalidConfig)
	}
	if cfg.VaultContract == (common.Address{}) || cfg.RepresentativeContract == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing contract address", ErrInvalidConfig)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 10 * time.Minute
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Sweeper{
		cfg:         cfg,
		store:       store,
		claims:      claims,
		machine:     machine,
		origin:      origin,
		destination: destination,
		dispatch:    dispatch,
		sink:        sink,
		log:         log,
	}, nil
}

// Run ticks until ctx ends. Tick errors are logged, not fatal.
func (s *Sweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	for {
		if err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Error("sweep tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Tick runs one reconciliation pass: expire overdue deferred events,
// then sweep every stuck ticket this replica can claim.
func (s *Sweeper) Tick(ctx context.Context) error {
	res, err := s.machine.ExpireDeferred(ctx)
	for _, act := range res.Actions {
		if derr := s.dispatch(ctx, act); derr != nil {
			s.log.Error("dispatch replayed action",
				"kind", act.Kind, "ticket", act.TicketID, "error", derr)
		}
	}
	for _, note := range res.Notifications {
		if s.cfg.Notify == nil {
			s.log.Info("dynamic state from replayed deferral",
				"ticket", note.TicketID, "state", note.State)
			continue
		}
		if nerr := s.cfg.Notify(ctx, note); nerr != nil {
			s.log.Error("notify replayed dynamic state",
				"ticket", note.TicketID, "error", nerr)
		}
	}
	if err != nil {
		return fmt.Errorf("sweeper: expire deferred: %w", err)
	}

	cutoff := s.cfg.Now().Add(-s.cfg.StuckAfter)
	stuck, err := s.store.ListStuck(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("sweeper: list stuck: %w", err)
	}

	for _, t := range stuck {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.sweepTicket(ctx, t); err != nil {
			s.log.Error("sweep ticket failed",
				"ticket", t.TicketID, "originChain", t.OriginChain, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) sweepTicket(ctx context.Context, t ticket.Ticket) error {
	name := idempotency.TicketLeaseNameV1(t.TicketID, t.OriginChain)
	_, ok, err := s.claims.Acquire(ctx, name, s.cfg.Holder, s.cfg.ClaimTTL)
	if err != nil {
		return fmt.Errorf("acquire claim: %w", err)
	}
	if !ok {
		return nil
	}
	defer func() {
		if rerr := s.claims.Release(ctx, name, s.cfg.Holder); rerr != nil {
			s.log.Warn("release claim failed", "name", name, "error", rerr)
		}
	}()

	was := t.Status
	if err := s.machine.MarkReconciling(ctx, t.TicketID, t.OriginChain); err != nil {
		return fmt.Errorf("mark reconciling: %w", err)
	}

	s.log.Info("sweeping stuck ticket",
		"ticket", t.TicketID, "originChain", t.OriginChain,
		"status", was, "lastAttempt", t.LastAttemptAt)

	switch was {
	case ticket.StatusLockRequested:
		return s.sweepLockRequested(ctx, t)
	case ticket.StatusLockConfirmed, ticket.StatusMintSubmitted:
		return s.sweepMintDirection(ctx, t)
	case ticket.StatusBurnRequested:
		return s.sweepBurnRequested(ctx, t)
	case ticket.StatusBurnConfirmed, ticket.StatusUnlockSubmitted:
		return s.sweepUnlockDirection(ctx, t)
	case ticket.StatusReconciling:
		return s.sweepUnknownDirection(ctx, t)
	default:
		return nil
	}
}

// sweepLockRequested checks whether the user's lock landed without the
// watcher reporting it.
func (s *Sweeper) sweepLockRequested(ctx context.Context, t ticket.Ticket) error {
	locked, err := s.isLocked(ctx, t)
	if err != nil {
		return err
	}
	if !locked {
		// Lock transaction still pending on the origin chain; nothing
		// for the bridge to submit.
		return nil
	}
	return s.resolve(ctx, t, event.TypeLockConfirmed)
}

// sweepMintDirection re-drives the mint half: if the representative is
// already minted only the database is behind; otherwise the mint
// transaction was lost and is re-submitted.
func (s *Sweeper) sweepMintDirection(ctx context.Context, t ticket.Ticket) error {
	minted, err := s.isMinted(ctx, t)
	if err != nil {
		return err
	}
	if minted {
		return s.resolve(ctx, t, event.TypeMintConfirmed)
	}
	return s.redispatch(ctx, t, lifecycle.ActionSubmitMint)
}

// sweepBurnRequested checks whether the burn landed. A burned
// representative means the unlock half can start.
func (s *Sweeper) sweepBurnRequested(ctx context.Context, t ticket.Ticket) error {
	minted, err := s.isMinted(ctx, t)
	if err != nil {
		return err
	}
	if minted {
		// Burn transaction still pending on the destination chain.
		return nil
	}
	return s.resolve(ctx, t, event.TypeBurnConfirmed)
}

func (s *Sweeper) sweepUnlockDirection(ctx context.Context, t ticket.Ticket) error {
	locked, err := s.isLocked(ctx, t)
	if err != nil {
		return err
	}
	if !locked {
		return s.resolve(ctx, t, event.TypeUnlockConfirmed)
	}
	return s.redispatch(ctx, t, lifecycle.ActionSubmitUnlock)
}

// sweepUnknownDirection handles tickets that were already reconciling,
// where the pre-reconciliation status is gone. Both contracts are
// queried; an ambiguous answer is left for the next pass.
func (s *Sweeper) sweepUnknownDirection(ctx context.Context, t ticket.Ticket) error {
	locked, err := s.isLocked(ctx, t)
	if err != nil {
		return err
	}
	if !locked {
		return s.resolve(ctx, t, event.TypeUnlockConfirmed)
	}
	minted, err := s.isMinted(ctx, t)
	if err != nil {
		return err
	}
	if minted {
		return s.resolve(ctx, t, event.TypeMintConfirmed)
	}
	s.log.Warn("reconciling ticket direction ambiguous, leaving for next pass",
		"ticket", t.TicketID, "originChain", t.OriginChain)
	return nil
}

func (s *Sweeper) isLocked(ctx context.Context, t ticket.Ticket) (bool, error) {
	data, err := bridgeabi.PackIsLockedCall(t.TicketID)
	if err != nil {
		return false, err
	}
	ret, err := s.origin.Call(ctx, s.cfg.VaultContract, data)
	if err != nil {
		return false, fmt.Errorf("isLocked call: %w", err)
	}
	return bridgeabi.UnpackBoolResult("isLocked", ret)
}

func (s *Sweeper) isMinted(ctx context.Context, t ticket.Ticket) (bool, error) {
	data, err := bridgeabi.PackIsMintedCall(t.TicketID, t.OriginChain)
	if err != nil {
		return false, err
	}
	ret, err := s.destination.Call(ctx, s.cfg.RepresentativeContract, data)
	if err != nil {
		return false, fmt.Errorf("isMinted call: %w", err)
	}
	return bridgeabi.UnpackBoolResult("isMinted", ret)
}

// resolve feeds a fact discovered on chain back through the pipeline as
// a synthesized record.
func (s *Sweeper) resolve(ctx context.Context, t ticket.Ticket, typ event.Type) error {
	now := s.cfg.Now()
	chain := t.OriginChain
	switch typ {
	case event.TypeMintConfirmed:
		chain = t.DestinationChain
	}

	rec := event.Record{
		Chain:            chain,
		TxHash:           idempotency.SweepMarkV1(t.TicketID, t.OriginChain, uint8(typ), uint64(now.UnixNano())),
		LogIndex:         sweepLogIndex,
		Type:             typ,
		TicketID:         t.TicketID,
		OriginChain:      t.OriginChain,
		DestinationChain: t.DestinationChain,
		Owner:            t.Owner,
		ObservedAt:       now,
	}
	if err := s.sink(ctx, rec); err != nil {
		return fmt.Errorf("resolve %s: %w", typ, err)
	}
	s.log.Info("reconciled ticket from chain state",
		"ticket", t.TicketID, "originChain", t.OriginChain, "fact", typ)
	return nil
}

func (s *Sweeper) redispatch(ctx context.Context, t ticket.Ticket, kind lifecycle.ActionKind) error {
	s.log.Info("re-driving lost transaction",
		"ticket", t.TicketID, "originChain", t.OriginChain, "kind", kind)
	return s.dispatch(ctx, lifecycle.Action{
		Kind:             kind,
		TicketID:         t.TicketID,
		OriginChain:      t.OriginChain,
		DestinationChain: t.DestinationChain,
		Owner:            t.Owner,
	})
}
