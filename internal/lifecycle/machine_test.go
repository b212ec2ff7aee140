package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/ticketbridge/relayer/internal/event"
	"github.com/ticketbridge/relayer/internal/ticket"
)

const (
	testOrigin = uint64(1)
	testDest   = uint64(137)
)

type harness struct {
	machine *Machine
	store   *ticket.MemoryStore
	now     time.Time
	seq     byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: ticket.NewMemoryStore(),
		now:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	m, err := New(Config{
		DeferTTL: 10 * time.Minute,
		Now:      func() time.Time { return h.now },
	}, h.store, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.machine = m
	return h
}

func (h *harness) rec(typ event.Type, ticketID uint64) event.Record {
	h.seq++
	var tx [32]byte
	tx[0] = h.seq
	chain := testOrigin
	switch typ {
	case event.TypeMintSubmitted, event.TypeMintConfirmed, event.TypeBurnRequested, event.TypeBurnConfirmed, event.TypeStateChanged:
		chain = testDest
	}
	return event.Record{
		Chain:            chain,
		TxHash:           tx,
		LogIndex:         0,
		BlockHeight:      uint64(100 + h.seq),
		Type:             typ,
		TicketID:         ticketID,
		OriginChain:      testOrigin,
		DestinationChain: testDest,
		Owner:            [20]byte{0xaa},
		ObservedAt:       h.now,
	}
}

func (h *harness) apply(t *testing.T, typ event.Type, ticketID uint64) Result {
	t.Helper()
	res, err := h.machine.Apply(context.Background(), h.rec(typ, ticketID))
	if err != nil {
		t.Fatalf("Apply %s: %v", typ, err)
	}
	return res
}

func (h *harness) status(t *testing.T, ticketID uint64) ticket.Status {
	t.Helper()
	cur, err := h.store.Get(context.Background(), ticketID, testOrigin)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return cur.Status
}

func TestMachine_FullRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.apply(t, event.TypeLockRequested, 7)
	if got := h.status(t, 7); got != ticket.StatusLockRequested {
		t.Fatalf("after lock request: %s", got)
	}

	res := h.apply(t, event.TypeLockConfirmed, 7)
	if len(res.Actions) != 1 || res.Actions[0].Kind != ActionSubmitMint {
		t.Fatalf("lock confirm actions: %+v", res.Actions)
	}
	if res.Actions[0].DestinationChain != testDest {
		t.Fatalf("mint action destination: %d", res.Actions[0].DestinationChain)
	}

	h.apply(t, event.TypeMintSubmitted, 7)
	h.apply(t, event.TypeMintConfirmed, 7)
	if got := h.status(t, 7); got != ticket.StatusMintConfirmed {
		t.Fatalf("after mint confirm: %s", got)
	}

	h.apply(t, event.TypeBurnRequested, 7)
	res = h.apply(t, event.TypeBurnConfirmed, 7)
	if len(res.Actions) != 1 || res.Actions[0].Kind != ActionSubmitUnlock {
		t.Fatalf("burn confirm actions: %+v", res.Actions)
	}

	h.apply(t, event.TypeUnlockSubmitted, 7)
	h.apply(t, event.TypeUnlockConfirmed, 7)
	if got := h.status(t, 7); got != ticket.StatusUnbridged {
		t.Fatalf("after unlock confirm: %s", got)
	}
}

func TestMachine_OutOfOrderDeferredThenFlushed(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.apply(t, event.TypeLockRequested, 9)

	// Mint confirmation observed before its mint-submitted predecessor.
	mc := h.apply(t, event.TypeMintConfirmed, 9)
	if !mc.Deferred {
		t.Fatalf("expected deferral, got %+v", mc)
	}
	if got := h.status(t, 9); got != ticket.StatusLockRequested {
		t.Fatalf("deferral must not move the ticket: %s", got)
	}
	if n := h.machine.DeferredCount(); n != 1 {
		t.Fatalf("deferred count: %d", n)
	}

	// The predecessors arrive; the deferred confirmation flushes through.
	h.apply(t, event.TypeLockConfirmed, 9)
	h.apply(t, event.TypeMintSubmitted, 9)
	if got := h.status(t, 9); got != ticket.StatusMintConfirmed {
		t.Fatalf("after flush: %s", got)
	}
	if n := h.machine.DeferredCount(); n != 0 {
		t.Fatalf("deferred count after flush: %d", n)
	}
}

func TestMachine_StaleReplayDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.apply(t, event.TypeLockRequested, 3)
	h.apply(t, event.TypeLockConfirmed, 3)
	h.apply(t, event.TypeMintSubmitted, 3)

	// A reorg replays the lock confirmation under a new tx hash.
	res := h.apply(t, event.TypeLockConfirmed, 3)
	if !res.Stale {
		t.Fatalf("expected stale drop, got %+v", res)
	}
	if len(res.Actions) != 0 {
		t.Fatalf("stale replay must not emit actions: %+v", res.Actions)
	}
	if got := h.status(t, 3); got != ticket.StatusMintSubmitted {
		t.Fatalf("stale replay moved the ticket: %s", got)
	}
}

func TestMachine_DuplicateLockRequestStale(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.apply(t, event.TypeLockRequested, 4)
	res := h.apply(t, event.TypeLockRequested, 4)
	if !res.Stale {
		t.Fatalf("expected stale, got %+v", res)
	}
}

func TestMachine_DynamicStateQueuedMidBridge(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.apply(t, event.TypeLockRequested, 5)
	h.apply(t, event.TypeLockConfirmed, 5)

	chg := h.rec(event.TypeStateChanged, 5)
	chg.DynamicState = ticket.DynamicCheckedIn
	res, err := h.machine.Apply(ctx, chg)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Notifications) != 0 {
		t.Fatalf("mid-bridge change must not notify yet: %+v", res.Notifications)
	}
	cur, err := h.store.Get(ctx, 5, testOrigin)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if cur.DynamicState != ticket.DynamicValid {
		t.Fatalf("dynamic state ran ahead of the bridge: %s", cur.DynamicState)
	}

	// Settling the ticket flushes the queued change exactly once.
	h.apply(t, event.TypeMintSubmitted, 5)
	settled := h.apply(t, event.TypeMintConfirmed, 5)
	if len(settled.Notifications) != 1 || settled.Notifications[0].State != ticket.DynamicCheckedIn {
		t.Fatalf("notifications at settle: %+v", settled.Notifications)
	}
	cur, _ = h.store.Get(ctx, 5, testOrigin)
	if cur.DynamicState != ticket.DynamicCheckedIn {
		t.Fatalf("queued change not applied: %s", cur.DynamicState)
	}
}

func TestMachine_DynamicStateAppliedWhenSettled(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.apply(t, event.TypeLockRequested, 6)
	h.apply(t, event.TypeLockConfirmed, 6)
	h.apply(t, event.TypeMintSubmitted, 6)
	h.apply(t, event.TypeMintConfirmed, 6)

	chg := h.rec(event.TypeStateChanged, 6)
	chg.DynamicState = ticket.DynamicRevoked
	res, err := h.machine.Apply(context.Background(), chg)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(res.Notifications) != 1 || res.Notifications[0].State != ticket.DynamicRevoked {
		t.Fatalf("notifications: %+v", res.Notifications)
	}
}

func TestMachine_DynamicStateForUnknownTicketDropped(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	chg := h.rec(event.TypeStateChanged, 999)
	chg.DynamicState = ticket.DynamicCheckedIn
	res, err := h.machine.Apply(context.Background(), chg)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !res.Stale {
		t.Fatalf("expected drop for unknown ticket, got %+v", res)
	}
}

func TestMachine_ExpiredDeferralReplaysBurnIntoUnlock(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.apply(t, event.TypeLockRequested, 8)
	h.apply(t, event.TypeLockConfirmed, 8)
	h.apply(t, event.TypeMintSubmitted, 8)

	// The mint confirmation never arrives; the burn cycle is observed
	// anyway and deferred.
	if res := h.apply(t, event.TypeBurnRequested, 8); !res.Deferred {
		t.Fatalf("expected burn request deferral, got %+v", res)
	}
	if res := h.apply(t, event.TypeBurnConfirmed, 8); !res.Deferred {
		t.Fatalf("expected burn confirm deferral, got %+v", res)
	}

	h.now = h.now.Add(11 * time.Minute)
	res, err := h.machine.ExpireDeferred(ctx)
	if err != nil {
		t.Fatalf("ExpireDeferred: %v", err)
	}

	// The durably observed burn is honored through the reconciliation
	// path, not dropped: the ticket lands on BurnConfirmed and the
	// unlock submission comes out.
	if got := h.status(t, 8); got != ticket.StatusBurnConfirmed {
		t.Fatalf("after expiry: %s", got)
	}
	if len(res.Actions) != 1 || res.Actions[0].Kind != ActionSubmitUnlock {
		t.Fatalf("replay actions: %+v", res.Actions)
	}
	if res.Actions[0].TicketID != 8 || res.Actions[0].OriginChain != testOrigin {
		t.Fatalf("replay action identity: %+v", res.Actions[0])
	}
	if n := h.machine.DeferredCount(); n != 0 {
		t.Fatalf("deferred count after expiry: %d", n)
	}
}

func TestMachine_ExpiredDeferralLeavesUnreplayableReconciling(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.apply(t, event.TypeLockRequested, 9)
	h.apply(t, event.TypeLockConfirmed, 9)

	// A second lock request mid-cycle has no reconciliation edge and
	// stays queued after replay.
	if res := h.apply(t, event.TypeLockRequested, 9); !res.Deferred {
		t.Fatalf("expected deferral, got %+v", res)
	}

	h.now = h.now.Add(11 * time.Minute)
	res, err := h.machine.ExpireDeferred(ctx)
	if err != nil {
		t.Fatalf("ExpireDeferred: %v", err)
	}
	if len(res.Actions) != 0 {
		t.Fatalf("unexpected actions: %+v", res.Actions)
	}
	if got := h.status(t, 9); got != ticket.StatusReconciling {
		t.Fatalf("after expiry: %s", got)
	}
	if n := h.machine.DeferredCount(); n != 1 {
		t.Fatalf("deferred count after expiry: %d", n)
	}
}

func TestMachine_ReconcilingAcceptsNextFact(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.apply(t, event.TypeLockRequested, 11)
	h.apply(t, event.TypeLockConfirmed, 11)
	if err := h.machine.MarkReconciling(context.Background(), 11, testOrigin); err != nil {
		t.Fatalf("MarkReconciling: %v", err)
	}

	// A mint that landed while the ticket sat in reconciliation.
	res := h.apply(t, event.TypeMintConfirmed, 11)
	if res.Deferred || res.Stale {
		t.Fatalf("reconciling ticket rejected chain fact: %+v", res)
	}
	if got := h.status(t, 11); got != ticket.StatusMintConfirmed {
		t.Fatalf("after reconciled fact: %s", got)
	}
}

func TestMachine_ReEntryAfterRoundTrip(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	for _, typ := range []event.Type{
		event.TypeLockRequested, event.TypeLockConfirmed, event.TypeMintSubmitted,
		event.TypeMintConfirmed, event.TypeBurnRequested, event.TypeBurnConfirmed,
		event.TypeUnlockSubmitted, event.TypeUnlockConfirmed,
	} {
		h.apply(t, typ, 12)
	}
	if got := h.status(t, 12); got != ticket.StatusUnbridged {
		t.Fatalf("after round trip: %s", got)
	}

	res := h.apply(t, event.TypeLockRequested, 12)
	if res.Deferred || res.Stale {
		t.Fatalf("re-entry rejected: %+v", res)
	}
	if got := h.status(t, 12); got != ticket.StatusLockRequested {
		t.Fatalf("after re-entry: %s", got)
	}
}

func TestMachine_LockRequestWhileInFlightDeferred(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	h.apply(t, event.TypeLockRequested, 13)
	h.apply(t, event.TypeLockConfirmed, 13)

	res := h.apply(t, event.TypeLockRequested, 13)
	if !res.Deferred {
		t.Fatalf("expected deferral during in-flight cycle, got %+v", res)
	}
}

func TestMachine_MarkFailedIsTerminal(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.apply(t, event.TypeLockRequested, 14)
	h.apply(t, event.TypeLockConfirmed, 14)
	if err := h.machine.MarkFailed(ctx, 14, testOrigin); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if got := h.status(t, 14); got != ticket.StatusFailed {
		t.Fatalf("after MarkFailed: %s", got)
	}

	// Terminal tickets stay put.
	if err := h.machine.MarkReconciling(ctx, 14, testOrigin); err != nil {
		t.Fatalf("MarkReconciling: %v", err)
	}
	if err := h.machine.MarkFailed(ctx, 14, testOrigin); err != nil {
		t.Fatalf("MarkFailed again: %v", err)
	}
	if got := h.status(t, 14); got != ticket.StatusFailed {
		t.Fatalf("terminal ticket moved: %s", got)
	}
}
