package dispatch

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ticketbridge/relayer/internal/eth"
	"github.com/ticketbridge/relayer/internal/event"
	"github.com/ticketbridge/relayer/internal/lifecycle"
	"github.com/ticketbridge/relayer/internal/ticket"
)

type sendOutcome struct {
	res eth.SendResult
	err error
}

type scriptedSubmitter struct {
	mu        sync.Mutex
	outcomes  []sendOutcome
	calls     int
	lastReq   eth.TxRequest
	syncCalls int

	receipt    *types.Receipt
	receiptErr error

	block chan struct{} // when non-nil, SendAndWaitMined waits on it
}

func (s *scriptedSubmitter) SendAndWaitMined(ctx context.Context, req eth.TxRequest) (eth.SendResult, error) {
	s.mu.Lock()
	s.calls++
	s.lastReq = req
	var out sendOutcome
	if len(s.outcomes) > 0 {
		out = s.outcomes[0]
		if len(s.outcomes) > 1 {
			s.outcomes = s.outcomes[1:]
		}
	}
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return eth.SendResult{}, ctx.Err()
		}
	}
	return out.res, out.err
}

func (s *scriptedSubmitter) SyncNonce(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncCalls++
	return 0, nil
}

func (s *scriptedSubmitter) ReceiptByHash(context.Context, common.Hash) (*types.Receipt, error) {
	return s.receipt, s.receiptErr
}

func (s *scriptedSubmitter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type recordingFailer struct {
	mu    sync.Mutex
	calls []uint64
}

func (f *recordingFailer) MarkFailed(_ context.Context, ticketID, _ uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ticketID)
	return nil
}

type recordingSink struct {
	mu   sync.Mutex
	recs []event.Record
}

func (s *recordingSink) sink(_ context.Context, rec event.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, rec)
	return nil
}

var (
	vaultAddr = common.HexToAddress("0x0000000000000000000000000000000000000aa1")
	reprAddr  = common.HexToAddress("0x0000000000000000000000000000000000000bb2")
)

func testConfig() Config {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return Config{
		VaultContract:          vaultAddr,
		RepresentativeContract: reprAddr,
		MaxAttempts:            3,
		SubmitTimeout:          time.Second,
		RetryDelay:             time.Millisecond,
		Now:                    func() time.Time { return now },
		Sleep:                  func(context.Context, time.Duration) error { return nil },
	}
}

func seedTicket(t *testing.T, store ticket.Store) ticket.Ticket {
	t.Helper()
	seeded, created, err := store.UpsertLockRequested(context.Background(), ticket.Ticket{
		TicketID:         7,
		OriginChain:      1,
		DestinationChain: 2,
		Owner:            [20]byte{0xde, 0xad},
	})
	if err != nil || !created {
		t.Fatalf("UpsertLockRequested: created=%v err=%v", created, err)
	}
	return seeded
}

func mintAction() lifecycle.Action {
	return lifecycle.Action{
		Kind:             lifecycle.ActionSubmitMint,
		TicketID:         7,
		OriginChain:      1,
		DestinationChain: 2,
		Owner:            [20]byte{0xde, 0xad},
	}
}

func successReceipt(hash common.Hash, block int64) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: big.NewInt(block),
	}
}

func TestDispatcher_MintSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ticket.NewMemoryStore()
	seedTicket(t, store)

	txHash := common.HexToHash("0x1111")
	destination := &scriptedSubmitter{outcomes: []sendOutcome{{
		res: eth.SendResult{TxHash: txHash, Receipt: successReceipt(txHash, 120)},
	}}}
	origin := &scriptedSubmitter{}
	failer := &recordingFailer{}
	sink := &recordingSink{}

	d, err := New(testConfig(), origin, destination, store, failer, sink.sink, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := d.Dispatch(ctx, mintAction()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if origin.callCount() != 0 {
		t.Fatalf("expected no origin sends, got %d", origin.callCount())
	}
	if destination.callCount() != 1 {
		t.Fatalf("expected 1 destination send, got %d", destination.callCount())
	}
	if destination.lastReq.To != reprAddr {
		t.Fatalf("to: got %s want %s", destination.lastReq.To, reprAddr)
	}
	if len(destination.lastReq.Data) <= 4 {
		t.Fatalf("expected calldata, got %d bytes", len(destination.lastReq.Data))
	}

	if len(sink.recs) != 1 {
		t.Fatalf("expected 1 synthetic record, got %d", len(sink.recs))
	}
	rec := sink.recs[0]
	if rec.Type != event.TypeMintSubmitted {
		t.Fatalf("type: got %s", rec.Type)
	}
	if rec.Chain != 2 {
		t.Fatalf("chain: got %d want 2", rec.Chain)
	}
	if rec.LogIndex != math.MaxUint32 {
		t.Fatalf("log index: got %d", rec.LogIndex)
	}
	if rec.TxHash != [32]byte(txHash) {
		t.Fatalf("tx hash: got %x", rec.TxHash)
	}
	if rec.BlockHeight != 120 {
		t.Fatalf("block height: got %d", rec.BlockHeight)
	}

	got, err := store.Get(ctx, 7, 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count: got %d want 1", got.RetryCount)
	}
}

func TestDispatcher_UnlockRoutesToOrigin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ticket.NewMemoryStore()
	seedTicket(t, store)

	txHash := common.HexToHash("0x2222")
	origin := &scriptedSubmitter{outcomes: []sendOutcome{{
		res: eth.SendResult{TxHash: txHash, Receipt: successReceipt(txHash, 55)},
	}}}
	destination := &scriptedSubmitter{}
	sink := &recordingSink{}

	d, err := New(testConfig(), origin, destination, store, &recordingFailer{}, sink.sink, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	act := mintAction()
	act.Kind = lifecycle.ActionSubmitUnlock
	if err := d.Dispatch(ctx, act); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if origin.callCount() != 1 || destination.callCount() != 0 {
		t.Fatalf("sends: origin=%d destination=%d", origin.callCount(), destination.callCount())
	}
	if origin.lastReq.To != vaultAddr {
		t.Fatalf("to: got %s want %s", origin.lastReq.To, vaultAddr)
	}
	if len(sink.recs) != 1 || sink.recs[0].Type != event.TypeUnlockSubmitted {
		t.Fatalf("sink: %+v", sink.recs)
	}
	if sink.recs[0].Chain != 1 {
		t.Fatalf("chain: got %d want 1", sink.recs[0].Chain)
	}
}

func TestDispatcher_NonceResyncThenSuccess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ticket.NewMemoryStore()
	seedTicket(t, store)

	txHash := common.HexToHash("0x3333")
	destination := &scriptedSubmitter{outcomes: []sendOutcome{
		{err: errors.New("nonce too low")},
		{res: eth.SendResult{TxHash: txHash, Receipt: successReceipt(txHash, 130)}},
	}}
	sink := &recordingSink{}

	d, err := New(testConfig(), &scriptedSubmitter{}, destination, store, &recordingFailer{}, sink.sink, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := d.Dispatch(ctx, mintAction()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if destination.callCount() != 2 {
		t.Fatalf("sends: got %d want 2", destination.callCount())
	}
	if destination.syncCalls != 1 {
		t.Fatalf("nonce syncs: got %d want 1", destination.syncCalls)
	}
	if len(sink.recs) != 1 {
		t.Fatalf("expected 1 synthetic record, got %d", len(sink.recs))
	}

	got, _ := store.Get(ctx, 7, 1)
	if got.RetryCount != 2 {
		t.Fatalf("retry count: got %d want 2", got.RetryCount)
	}
}

func TestDispatcher_ExhaustedMarksFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ticket.NewMemoryStore()
	seedTicket(t, store)

	destination := &scriptedSubmitter{outcomes: []sendOutcome{
		{err: errors.New("connection refused")},
	}}
	failer := &recordingFailer{}
	sink := &recordingSink{}

	d, err := New(testConfig(), &scriptedSubmitter{}, destination, store, failer, sink.sink, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	err = d.Dispatch(ctx, mintAction())
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}
	if destination.callCount() != 3 {
		t.Fatalf("sends: got %d want 3", destination.callCount())
	}
	if len(failer.calls) != 1 || failer.calls[0] != 7 {
		t.Fatalf("failer calls: %v", failer.calls)
	}
	if len(sink.recs) != 0 {
		t.Fatalf("expected no synthetic records, got %d", len(sink.recs))
	}
}

func TestDispatcher_AbandonedBroadcastFoundMined(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ticket.NewMemoryStore()
	seedTicket(t, store)

	txHash := common.HexToHash("0x4444")
	destination := &scriptedSubmitter{
		outcomes: []sendOutcome{{
			res: eth.SendResult{TxHash: txHash},
			err: context.DeadlineExceeded,
		}},
		receipt: successReceipt(txHash, 99),
	}
	sink := &recordingSink{}

	d, err := New(testConfig(), &scriptedSubmitter{}, destination, store, &recordingFailer{}, sink.sink, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := d.Dispatch(ctx, mintAction()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if destination.callCount() != 1 {
		t.Fatalf("sends: got %d want 1", destination.callCount())
	}
	if len(sink.recs) != 1 || sink.recs[0].TxHash != [32]byte(txHash) {
		t.Fatalf("sink: %+v", sink.recs)
	}
}

func TestDispatcher_SecondDispatchWhileInFlight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := ticket.NewMemoryStore()
	seedTicket(t, store)

	txHash := common.HexToHash("0x5555")
	release := make(chan struct{})
	destination := &scriptedSubmitter{
		outcomes: []sendOutcome{{
			res: eth.SendResult{TxHash: txHash, Receipt: successReceipt(txHash, 10)},
		}},
		block: release,
	}
	sink := &recordingSink{}

	d, err := New(testConfig(), &scriptedSubmitter{}, destination, store, &recordingFailer{}, sink.sink, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Dispatch(ctx, mintAction()) }()

	// Wait for the first dispatch to hit the submitter.
	deadline := time.After(5 * time.Second)
	for destination.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatalf("first dispatch never reached submitter")
		case <-time.After(time.Millisecond):
		}
	}

	if err := d.Dispatch(ctx, mintAction()); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	// Guard is released after completion.
	txHash2 := common.HexToHash("0x6666")
	destination.mu.Lock()
	destination.block = nil
	destination.outcomes = []sendOutcome{{
		res: eth.SendResult{TxHash: txHash2, Receipt: successReceipt(txHash2, 11)},
	}}
	destination.mu.Unlock()
	if err := d.Dispatch(ctx, mintAction()); err != nil {
		t.Fatalf("Dispatch after release: %v", err)
	}
}
