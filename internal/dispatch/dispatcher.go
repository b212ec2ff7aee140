// Package dispatch turns state-machine actions into on-chain
// transactions: mintRepresentative on the destination chain and
// unlockTicket on the origin chain.
//
// Every mined dispatch is fed back into the pipeline as a synthetic
// MintSubmitted/UnlockSubmitted record, so acknowledgements take the
// same admission path as externally observed events.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ticketbridge/relayer/internal/bridgeabi"
	"github.com/ticketbridge/relayer/internal/eth"
	"github.com/ticketbridge/relayer/internal/event"
	"github.com/ticketbridge/relayer/internal/lifecycle"
	"github.com/ticketbridge/relayer/internal/ticket"
)

var (
	ErrInvalidConfig = errors.New("dispatch: invalid config")
	// ErrInFlight means a transaction for the same ticket and direction
	// is already outstanding; the caller should drop the action.
	ErrInFlight = errors.New("dispatch: action already in flight")
	// ErrExhausted means the retry budget was spent without a successful
	// receipt and the ticket was marked failed.
	ErrExhausted = errors.New("dispatch: retry budget exhausted")
)

// syntheticLogIndex marks dispatcher-generated records. Real log indexes
// are small; MaxUint32 keeps synthetic records out of their key space.
const syntheticLogIndex = uint32(math.MaxUint32)

// Submitter is the transaction-sending surface of eth.Submitter.
type Submitter interface {
	SendAndWaitMined(ctx context.Context, req eth.TxRequest) (eth.SendResult, error)
	SyncNonce(ctx context.Context) (uint64, error)
	ReceiptByHash(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Failer marks a ticket as needing manual intervention once the retry
// budget is spent.
type Failer interface {
	MarkFailed(ctx context.Context, ticketID, originChain uint64) error
}

// SinkFunc receives the synthetic record for a mined dispatch. It is the
// same admit-then-apply path chain watcher events take.
type SinkFunc func(ctx context.Context, rec event.Record) error

type Config struct {
	// VaultContract receives unlockTicket calls on the origin chain.
	VaultContract common.Address
	// RepresentativeContract receives mintRepresentative calls on the
	// destination chain.
	RepresentativeContract common.Address

	// MaxAttempts bounds submissions per action, reverted and timed-out
	// attempts included.
	MaxAttempts int
	// SubmitTimeout bounds one send-and-wait attempt.
	SubmitTimeout time.Duration
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type inflightKey struct {
	ticketID    uint64
	originChain uint64
	kind        lifecycle.ActionKind
}

// Dispatcher executes lifecycle actions against the two chains. At most
// one transaction per (ticket, direction) is outstanding at a time.
type Dispatcher struct {
	cfg Config

	origin      Submitter
	destination Submitter
	store       ticket.Store
	failer      Failer
	sink        SinkFunc
	log         *slog.Logger

	mu       sync.Mutex
	inflight map[inflightKey]struct{}
}

func New(cfg Config, origin, destination Submitter, store ticket.Store, failer Failer, sink SinkFunc, log *slog.Logger) (*Dispatcher, error) {
	if origin == nil || destination == nil {
		return nil, fmt.Errorf("%w: nil submitter", ErrInvalidConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if failer == nil {
		return nil, fmt.Errorf("%w: nil failer", ErrInvalidConfig)
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: nil sink", ErrInvalidConfig)
	}
	if cfg.VaultContract == (common.Address{}) || cfg.RepresentativeContract == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing contract address", ErrInvalidConfig)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 2 * time.Minute
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Dispatcher{
		cfg:         cfg,
		origin:      origin,
		destination: destination,
		store:       store,
		failer:      failer,
		sink:        sink,
		log:         log,
		inflight:    make(map[inflightKey]struct{}),
	}, nil
}

// Dispatch submits the action's transaction and blocks until it is
// mined, the retry budget is spent, or ctx ends. A mined transaction is
// acknowledged through the sink before Dispatch returns.
func (d *Dispatcher) Dispatch(ctx context.Context, act lifecycle.Action) error {
	key := inflightKey{ticketID: act.TicketID, originChain: act.OriginChain, kind: act.Kind}

	d.mu.Lock()
	if _, busy := d.inflight[key]; busy {
		d.mu.Unlock()
		return fmt.Errorf("%w: ticket=%d kind=%s", ErrInFlight, act.TicketID, act.Kind)
	}
	d.inflight[key] = struct{}{}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.inflight, key)
		d.mu.Unlock()
	}()

	sub, req, err := d.prepare(act)
	if err != nil {
		return err
	}

	log := d.log.With(
		slog.Uint64("ticket_id", act.TicketID),
		slog.Uint64("origin_chain", act.OriginChain),
		slog.String("kind", act.Kind.String()),
	)

	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if _, err := d.store.RecordAttempt(ctx, act.TicketID, act.OriginChain, d.cfg.Now()); err != nil {
			return fmt.Errorf("dispatch: record attempt: %w", err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.SubmitTimeout)
		res, err := sub.SendAndWaitMined(attemptCtx, req)
		cancel()

		if err == nil {
			if res.Receipt != nil && res.Receipt.Status == types.ReceiptStatusSuccessful {
				return d.acknowledge(ctx, act, res.Receipt)
			}
			log.Warn("dispatch transaction reverted",
				slog.String("tx", res.TxHash.Hex()),
				slog.Int("attempt", attempt))
		} else {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			switch {
			case isNonceError(err):
				log.Warn("nonce desync, resyncing", slog.String("error", err.Error()))
				if _, serr := sub.SyncNonce(ctx); serr != nil {
					log.Warn("nonce resync failed", slog.String("error", serr.Error()))
				}
			case res.TxHash != (common.Hash{}):
				// The attempt deadline expired after broadcast. Check
				// inclusion before burning another attempt on a
				// transaction that may already be mined.
				if rcpt, rerr := sub.ReceiptByHash(ctx, res.TxHash); rerr == nil && rcpt != nil {
					if rcpt.Status == types.ReceiptStatusSuccessful {
						return d.acknowledge(ctx, act, rcpt)
					}
					log.Warn("broadcast transaction reverted",
						slog.String("tx", res.TxHash.Hex()),
						slog.Int("attempt", attempt))
				} else {
					log.Warn("dispatch attempt abandoned, transaction not yet mined",
						slog.String("tx", res.TxHash.Hex()),
						slog.Int("attempt", attempt))
				}
			default:
				log.Warn("dispatch attempt failed",
					slog.String("error", err.Error()),
					slog.Int("attempt", attempt))
			}
		}

		if attempt < d.cfg.MaxAttempts {
			if err := d.cfg.Sleep(ctx, d.cfg.RetryDelay); err != nil {
				return err
			}
		}
	}

	log.Error("dispatch retry budget exhausted, marking ticket failed",
		slog.Int("max_attempts", d.cfg.MaxAttempts))
	if err := d.failer.MarkFailed(ctx, act.TicketID, act.OriginChain); err != nil {
		return fmt.Errorf("dispatch: mark failed: %w", err)
	}
	return fmt.Errorf("%w: ticket=%d kind=%s attempts=%d", ErrExhausted, act.TicketID, act.Kind, d.cfg.MaxAttempts)
}

func (d *Dispatcher) prepare(act lifecycle.Action) (Submitter, eth.TxRequest, error) {
	owner := common.BytesToAddress(act.Owner[:])
	switch act.Kind {
	case lifecycle.ActionSubmitMint:
		data, err := bridgeabi.PackMintCalldata(act.TicketID, act.OriginChain, owner)
		if err != nil {
			return nil, eth.TxRequest{}, fmt.Errorf("dispatch: pack mint: %w", err)
		}
		return d.destination, eth.TxRequest{To: d.cfg.RepresentativeContract, Data: data}, nil
	case lifecycle.ActionSubmitUnlock:
		data, err := bridgeabi.PackUnlockCalldata(act.TicketID, owner)
		if err != nil {
			return nil, eth.TxRequest{}, fmt.Errorf("dispatch: pack unlock: %w", err)
		}
		return d.origin, eth.TxRequest{To: d.cfg.VaultContract, Data: data}, nil
	default:
		return nil, eth.TxRequest{}, fmt.Errorf("%w: unknown action kind %d", ErrInvalidConfig, act.Kind)
	}
}

// acknowledge feeds the mined dispatch back through the sink as a
// synthetic record keyed by the real transaction hash.
func (d *Dispatcher) acknowledge(ctx context.Context, act lifecycle.Action, rcpt *types.Receipt) error {
	rec := event.Record{
		LogIndex:         syntheticLogIndex,
		TicketID:         act.TicketID,
		OriginChain:      act.OriginChain,
		DestinationChain: act.DestinationChain,
		Owner:            act.Owner,
		ObservedAt:       d.cfg.Now(),
	}
	rec.TxHash = rcpt.TxHash
	if rcpt.BlockNumber != nil {
		rec.BlockHeight = rcpt.BlockNumber.Uint64()
	}
	switch act.Kind {
	case lifecycle.ActionSubmitMint:
		rec.Type = event.TypeMintSubmitted
		rec.Chain = act.DestinationChain
	case lifecycle.ActionSubmitUnlock:
		rec.Type = event.TypeUnlockSubmitted
		rec.Chain = act.OriginChain
	}
	if err := d.sink(ctx, rec); err != nil {
		return fmt.Errorf("dispatch: acknowledge %s: %w", rec.Type, err)
	}
	d.log.Info("dispatch mined",
		slog.Uint64("ticket_id", act.TicketID),
		slog.String("kind", act.Kind.String()),
		slog.String("tx", rcpt.TxHash.Hex()),
		slog.Uint64("block", rec.BlockHeight))
	return nil
}

func isNonceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "already known") ||
		strings.Contains(msg, "replacement transaction underpriced")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
