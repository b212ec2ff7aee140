// Package lifecycle is the authoritative ticket state machine. It
// consumes admitted event records, enforces the bridge transition table,
// and produces the outbound actions the dispatcher must perform.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ticketbridge/relayer/internal/event"
	"github.com/ticketbridge/relayer/internal/ticket"
)

var ErrInvalidConfig = errors.New("lifecycle: invalid config")

type ticketKey struct {
	TicketID    uint64
	OriginChain uint64
}

// ActionKind identifies an outbound transaction the dispatcher must
// submit.
type ActionKind uint8

const (
	ActionUnknown ActionKind = iota
	ActionSubmitMint
	ActionSubmitUnlock
)

func (k ActionKind) String() string {
	switch k {
	case ActionSubmitMint:
		return "submit_mint"
	case ActionSubmitUnlock:
		return "submit_unlock"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Action is a required side effect produced by a transition.
type Action struct {
	Kind ActionKind

	TicketID         uint64
	OriginChain      uint64
	DestinationChain uint64
	Owner            [20]byte
}

// Notification reports a synchronized dynamic-state change, destined for
// the metadata service.
type Notification struct {
	TicketID    uint64
	OriginChain uint64
	State       ticket.DynamicState
}

// Result is what applying one event produced.
type Result struct {
	Actions       []Action
	Notifications []Notification

	// Deferred is true when the event arrived before its logical
	// predecessor and was queued for re-evaluation.
	Deferred bool
	// Stale is true when the event was behind the ticket's current
	// position and was dropped (reorg replay, late duplicate).
	Stale bool
}

type deferredEvent struct {
	rec      event.Record
	deadline time.Time
}

type pendingDynamic struct {
	rec event.Record
}

type Config struct {
	// DeferTTL bounds how long an out-of-order event waits for its
	// predecessor before the ticket is handed to reconciliation.
	DeferTTL time.Duration

	Now func() time.Time
}

// Machine applies events to tickets. Per-ticket application is
// serialized by a keyed mutex; different tickets transition in parallel.
type Machine struct {
	cfg   Config
	store ticket.Store
	log   *slog.Logger

	locks *keyedMutex

	mu         sync.Mutex
	deferred   map[ticketKey][]deferredEvent
	pendingDyn map[ticketKey][]pendingDynamic
}

func New(cfg Config, store ticket.Store, log *slog.Logger) (*Machine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.DeferTTL <= 0 {
		cfg.DeferTTL = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Machine{
		cfg:        cfg,
		store:      store,
		log:        log,
		locks:      newKeyedMutex(),
		deferred:   make(map[ticketKey][]deferredEvent),
		pendingDyn: make(map[ticketKey][]pendingDynamic),
	}, nil
}

// statusRank orders the forward bridge cycle. Events whose target rank
// is not ahead of the ticket's current rank are stale replays.
func statusRank(s ticket.Status) (int, bool) {
	switch s {
	case ticket.StatusUnbridged:
		return 0, true
	case ticket.StatusLockRequested:
		return 1, true
	case ticket.StatusLockConfirmed:
		return 2, true
	case ticket.StatusMintSubmitted:
		return 3, true
	case ticket.StatusMintConfirmed:
		return 4, true
	case ticket.StatusBurnRequested:
		return 5, true
	case ticket.StatusBurnConfirmed:
		return 6, true
	case ticket.StatusUnlockSubmitted:
		return 7, true
	default:
		return 0, false
	}
}

// edge describes how one event type advances a ticket.
type edge struct {
	from ticket.Status
	to   ticket.Status
}

func edgeFor(t event.Type) (edge, bool) {
	switch t {
	case event.TypeLockConfirmed:
		return edge{ticket.StatusLockRequested, ticket.StatusLockConfirmed}, true
	case event.TypeMintSubmitted:
		return edge{ticket.StatusLockConfirmed, ticket.StatusMintSubmitted}, true
	case event.TypeMintConfirmed:
		return edge{ticket.StatusMintSubmitted, ticket.StatusMintConfirmed}, true
	case event.TypeBurnRequested:
		return edge{ticket.StatusMintConfirmed, ticket.StatusBurnRequested}, true
	case event.TypeBurnConfirmed:
		return edge{ticket.StatusBurnRequested, ticket.StatusBurnConfirmed}, true
	case event.TypeUnlockSubmitted:
		return edge{ticket.StatusBurnConfirmed, ticket.StatusUnlockSubmitted}, true
	case event.TypeUnlockConfirmed:
		return edge{ticket.StatusUnlockSubmitted, ticket.StatusUnbridged}, true
	default:
		return edge{}, false
	}
}

// actionFor returns the side effect a completed transition emits.
func actionFor(t ticket.Ticket, to ticket.Status) []Action {
	switch to {
	case ticket.StatusLockConfirmed:
		return []Action{{
			Kind:             ActionSubmitMint,
			TicketID:         t.TicketID,
			OriginChain:      t.OriginChain,
			DestinationChain: t.DestinationChain,
			Owner:            t.Owner,
		}}
	case ticket.StatusBurnConfirmed:
		return []Action{{
			Kind:             ActionSubmitUnlock,
			TicketID:         t.TicketID,
			OriginChain:      t.OriginChain,
			DestinationChain: t.DestinationChain,
			Owner:            t.Owner,
		}}
	default:
		return nil
	}
}

// Apply runs one admitted event through the machine. It must only be
// called with records the deduplicator accepted.
func (m *Machine) Apply(ctx context.Context, rec event.Record) (Result, error) {
	key := ticketKey{rec.TicketID, rec.OriginChain}
	m.locks.lock(key)
	defer m.locks.unlock(key)

	res, err := m.applyLocked(ctx, rec)
	if err != nil {
		return res, err
	}
	if res.Deferred || res.Stale {
		return res, nil
	}

	// A successful transition may unblock earlier out-of-order arrivals.
	flushed, err := m.flushDeferredLocked(ctx, key)
	res.Actions = append(res.Actions, flushed.Actions...)
	res.Notifications = append(res.Notifications, flushed.Notifications...)
	return res, err
}

func (m *Machine) applyLocked(ctx context.Context, rec event.Record) (Result, error) {
	switch rec.Type {
	case event.TypeLockRequested:
		return m.applyLockRequested(ctx, rec)
	case event.TypeStateChanged:
		return m.applyStateChanged(ctx, rec)
	}

	e, ok := edgeFor(rec.Type)
	if !ok {
		m.log.Warn("event with no transition", "type", rec.Type, "ticket", rec.TicketID)
		return Result{Stale: true}, nil
	}

	cur, err := m.store.Get(ctx, rec.TicketID, rec.OriginChain)
	if err != nil {
		if errors.Is(err, ticket.ErrNotFound) {
			// Predecessor LockRequested not seen yet.
			return m.deferEvent(rec, "ticket not yet created"), nil
		}
		return Result{}, err
	}

	from := cur.Status
	switch {
	case from == e.from:
		// Expected predecessor state.
	case from == ticket.StatusReconciling:
		// Re-drive path: reconciliation accepts the next confirmed fact
		// directly, e.g. a mint that landed while we thought it was lost.
		from = ticket.StatusReconciling
	default:
		curRank, curOK := statusRank(cur.Status)
		toRank, toOK := statusRank(e.to)
		if curOK && toOK && toRank <= curRank && e.to != ticket.StatusUnbridged {
			m.log.Debug("drop stale event", "type", rec.Type, "ticket", rec.TicketID, "status", cur.Status)
			return Result{Stale: true}, nil
		}
		return m.deferEvent(rec, fmt.Sprintf("status %s, want %s", cur.Status, e.from)), nil
	}

	tr := ticket.Transition{
		From: from,
		To:   e.to,
		Ref:  rec.Ref(),
		At:   m.cfg.Now().UTC(),
	}
	if rec.Owner != ([20]byte{}) {
		owner := rec.Owner
		tr.Owner = &owner
	}
	updated, err := m.store.ApplyTransition(ctx, rec.TicketID, rec.OriginChain, tr)
	if err != nil {
		if errors.Is(err, ticket.ErrStaleStatus) {
			// Lost a race with another writer; the event is either now
			// stale or must wait for the new status.
			return m.deferEvent(rec, "concurrent transition"), nil
		}
		return Result{}, err
	}

	m.log.Info("ticket transition",
		"ticket", updated.TicketID, "originChain", updated.OriginChain,
		"from", cur.Status, "to", updated.Status, "event", rec.Type)

	res := Result{Actions: actionFor(updated, updated.Status)}
	if updated.Status.Settled() {
		notes, err := m.flushPendingDynamicLocked(ctx, ticketKey{rec.TicketID, rec.OriginChain})
		if err != nil {
			return res, err
		}
		res.Notifications = append(res.Notifications, notes...)
	}
	return res, nil
}

func (m *Machine) applyLockRequested(ctx context.Context, rec event.Record) (Result, error) {
	t := ticket.Ticket{
		TicketID:         rec.TicketID,
		OriginChain:      rec.OriginChain,
		DestinationChain: rec.DestinationChain,
		Owner:            rec.Owner,
		DynamicState:     ticket.DynamicValid,
		LastEvent:        rec.Ref(),
		LastAttemptAt:    m.cfg.Now().UTC(),
	}
	cur, created, err := m.store.UpsertLockRequested(ctx, t)
	if err != nil {
		return Result{}, err
	}
	if created {
		m.log.Info("ticket created", "ticket", rec.TicketID, "originChain", rec.OriginChain)
		return Result{}, nil
	}

	switch cur.Status {
	case ticket.StatusUnbridged:
		// Next bridge cycle for a ticket that completed a round trip.
		owner := rec.Owner
		_, err := m.store.ApplyTransition(ctx, rec.TicketID, rec.OriginChain, ticket.Transition{
			From:  ticket.StatusUnbridged,
			To:    ticket.StatusLockRequested,
			Ref:   rec.Ref(),
			Owner: &owner,
			At:    m.cfg.Now().UTC(),
		})
		if err != nil {
			if errors.Is(err, ticket.ErrStaleStatus) {
				return m.deferEvent(rec, "concurrent transition"), nil
			}
			return Result{}, err
		}
		m.log.Info("ticket re-entered bridge", "ticket", rec.TicketID, "originChain", rec.OriginChain)
		return Result{}, nil
	case ticket.StatusLockRequested:
		return Result{Stale: true}, nil
	default:
		// A lock request while a prior cycle is still in flight: one
		// cycle per ticket at a time.
		return m.deferEvent(rec, fmt.Sprintf("prior cycle still %s", cur.Status)), nil
	}
}

func (m *Machine) applyStateChanged(ctx context.Context, rec event.Record) (Result, error) {
	cur, err := m.store.Get(ctx, rec.TicketID, rec.OriginChain)
	if err != nil {
		if errors.Is(err, ticket.ErrNotFound) {
			// Dynamic state for a ticket the bridge has never touched is
			// not ours to mirror.
			return Result{Stale: true}, nil
		}
		return Result{}, err
	}

	key := ticketKey{rec.TicketID, rec.OriginChain}
	if !cur.Status.Settled() {
		// Mid-bridge mutation: queue until the chains agree again so the
		// displayed state never runs ahead of the bridge contract.
		m.mu.Lock()
		m.pendingDyn[key] = append(m.pendingDyn[key], pendingDynamic{rec: rec})
		m.mu.Unlock()
		m.log.Info("queued dynamic-state change mid-bridge",
			"ticket", rec.TicketID, "state", rec.DynamicState, "status", cur.Status)
		return Result{}, nil
	}

	if err := m.store.SetDynamicState(ctx, rec.TicketID, rec.OriginChain, rec.DynamicState); err != nil {
		return Result{}, err
	}
	m.log.Info("dynamic state changed", "ticket", rec.TicketID, "state", rec.DynamicState)
	return Result{Notifications: []Notification{{
		TicketID:    rec.TicketID,
		OriginChain: rec.OriginChain,
		State:       rec.DynamicState,
	}}}, nil
}

func (m *Machine) deferEvent(rec event.Record, reason string) Result {
	key := ticketKey{rec.TicketID, rec.OriginChain}
	m.mu.Lock()
	m.deferred[key] = append(m.deferred[key], deferredEvent{
		rec:      rec,
		deadline: m.cfg.Now().Add(m.cfg.DeferTTL),
	})
	m.mu.Unlock()

	m.log.Warn("ordering anomaly, deferring event",
		"ticket", rec.TicketID, "originChain", rec.OriginChain,
		"type", rec.Type, "reason", reason)
	return Result{Deferred: true}
}

// flushDeferredLocked re-applies deferred events for a ticket until no
// further progress is made. Caller holds the per-ticket lock.
func (m *Machine) flushDeferredLocked(ctx context.Context, key ticketKey) (Result, error) {
	var out Result
	for {
		m.mu.Lock()
		queue := m.deferred[key]
		delete(m.deferred, key)
		m.mu.Unlock()
		if len(queue) == 0 {
			return out, nil
		}

		progressed := false
		for _, d := range queue {
			res, err := m.applyLocked(ctx, d.rec)
			if err != nil {
				return out, err
			}
			if !res.Deferred && !res.Stale {
				progressed = true
			}
			out.Actions = append(out.Actions, res.Actions...)
			out.Notifications = append(out.Notifications, res.Notifications...)
		}
		if !progressed {
			return out, nil
		}
	}
}

func (m *Machine) flushPendingDynamicLocked(ctx context.Context, key ticketKey) ([]Notification, error) {
	m.mu.Lock()
	queue := m.pendingDyn[key]
	delete(m.pendingDyn, key)
	m.mu.Unlock()

	var notes []Notification
	for _, p := range queue {
		if err := m.store.SetDynamicState(ctx, key.TicketID, key.OriginChain, p.rec.DynamicState); err != nil {
			return notes, err
		}
		m.log.Info("applied queued dynamic state", "ticket", key.TicketID, "state", p.rec.DynamicState)
		notes = append(notes, Notification{
			TicketID:    key.TicketID,
			OriginChain: key.OriginChain,
			State:       p.rec.DynamicState,
		})
	}
	return notes, nil
}

// ExpireDeferred re-drives tickets whose deferred events outlived
// DeferTTL. The ticket is handed to reconciliation first, then the
// expired events are replayed: Reconciling accepts the next confirmed
// fact directly, so an expired burn still produces its unlock action.
// The caller dispatches the returned actions. Events that still cannot
// apply are re-deferred while the sweeper resolves the ticket from
// chain state.
func (m *Machine) ExpireDeferred(ctx context.Context) (Result, error) {
	now := m.cfg.Now()

	m.mu.Lock()
	expired := make(map[ticketKey][]event.Record)
	for key, queue := range m.deferred {
		kept := queue[:0]
		for _, d := range queue {
			if d.deadline.Before(now) {
				expired[key] = append(expired[key], d.rec)
				continue
			}
			kept = append(kept, d)
		}
		if len(kept) == 0 {
			delete(m.deferred, key)
		} else {
			m.deferred[key] = kept
		}
	}
	m.mu.Unlock()

	var out Result
	for key, recs := range expired {
		if err := m.MarkReconciling(ctx, key.TicketID, key.OriginChain); err != nil {
			return out, err
		}

		m.locks.lock(key)
		for _, rec := range recs {
			res, err := m.applyLocked(ctx, rec)
			if err != nil {
				m.locks.unlock(key)
				return out, err
			}
			out.Actions = append(out.Actions, res.Actions...)
			out.Notifications = append(out.Notifications, res.Notifications...)
		}
		flushed, err := m.flushDeferredLocked(ctx, key)
		m.locks.unlock(key)
		out.Actions = append(out.Actions, flushed.Actions...)
		out.Notifications = append(out.Notifications, flushed.Notifications...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// MarkReconciling hands a ticket to the sweeper. No-op for tickets that
// are already terminal, reconciling, or in a settled state.
func (m *Machine) MarkReconciling(ctx context.Context, ticketID, originChain uint64) error {
	key := ticketKey{ticketID, originChain}
	m.locks.lock(key)
	defer m.locks.unlock(key)

	cur, err := m.store.Get(ctx, ticketID, originChain)
	if err != nil {
		if errors.Is(err, ticket.ErrNotFound) {
			return nil
		}
		return err
	}
	if cur.Status.Terminal() || cur.Status.Settled() || cur.Status == ticket.StatusReconciling {
		return nil
	}

	_, err = m.store.ApplyTransition(ctx, ticketID, originChain, ticket.Transition{
		From: cur.Status,
		To:   ticket.StatusReconciling,
		Ref:  cur.LastEvent,
		At:   m.cfg.Now().UTC(),
	})
	if err != nil && !errors.Is(err, ticket.ErrStaleStatus) {
		return err
	}
	if err == nil {
		m.log.Warn("ticket handed to reconciliation",
			"ticket", ticketID, "originChain", originChain, "was", cur.Status)
	}
	return nil
}

// MarkFailed freezes a ticket after the dispatcher exhausted its retry
// budget. The origin-chain lock is left intact for manual intervention.
func (m *Machine) MarkFailed(ctx context.Context, ticketID, originChain uint64) error {
	key := ticketKey{ticketID, originChain}
	m.locks.lock(key)
	defer m.locks.unlock(key)

	cur, err := m.store.Get(ctx, ticketID, originChain)
	if err != nil {
		return err
	}
	if cur.Status.Terminal() {
		return nil
	}
	_, err = m.store.ApplyTransition(ctx, ticketID, originChain, ticket.Transition{
		From: cur.Status,
		To:   ticket.StatusFailed,
		Ref:  cur.LastEvent,
		At:   m.cfg.Now().UTC(),
	})
	if err != nil {
		return err
	}
	m.log.Error("ticket failed, manual intervention required",
		"ticket", ticketID, "originChain", originChain, "was", cur.Status)
	return nil
}

// DeferredCount reports queued out-of-order events, for the status
// surface.
func (m *Machine) DeferredCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, q := range m.deferred {
		n += len(q)
	}
	return n
}
