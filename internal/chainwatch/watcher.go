package chainwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ticketbridge/relayer/internal/event"
)

var ErrInvalidConfig = errors.New("chainwatch: invalid config")

// Backend is the chain-client capability a watcher needs. An
// *ethclient.Client satisfies it; tests use fakes. Each watcher owns its
// own backend instance: the two chains never share a connection.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// DecodeFunc turns one raw log into a normalized event record.
type DecodeFunc func(chainID uint64, lg types.Log) (event.Record, error)

// SinkFunc receives each confirmed record in block order. The watcher
// hands records over synchronously: a sink error aborts the batch
// before the cursor advances, so nothing admitted downstream is ever
// skipped on restart.
type SinkFunc func(ctx context.Context, rec event.Record) error

type Config struct {
	ChainID  uint64
	Contract common.Address
	Topics   []common.Hash

	// ConfirmationDepth withholds events until
	// latest - eventBlock >= ConfirmationDepth. Policy, not protocol:
	// always explicit, never hard-coded.
	ConfirmationDepth uint64

	StartBlock   uint64
	BatchSize    uint64
	PollInterval time.Duration

	// Transient RPC failures retry forever with exponential backoff
	// between RetryBaseDelay and RetryMaxDelay.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// ReorgWindow is how many recent anchor hashes are kept for reorg
	// detection.
	ReorgWindow int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Watcher scans one chain's bridge contract logs in block order and
// feeds normalized records to the sink. It is single-threaded
// internally so per-chain ordering is preserved.
type Watcher struct {
	cfg     Config
	backend Backend
	decode  DecodeFunc
	sink    SinkFunc
	cursor  CursorStore
	log     *slog.Logger

	anchors map[uint64]common.Hash
}

func New(cfg Config, backend Backend, decode DecodeFunc, sink SinkFunc, cursor CursorStore, log *slog.Logger) (*Watcher, error) {
	if backend == nil || decode == nil || sink == nil || cursor == nil {
		return nil, fmt.Errorf("%w: nil backend/decode/sink/cursor", ErrInvalidConfig)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("%w: ChainID must be non-zero", ErrInvalidConfig)
	}
	if (cfg.Contract == common.Address{}) {
		return nil, fmt.Errorf("%w: Contract must be non-zero", ErrInvalidConfig)
	}
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("%w: Topics must be non-empty", ErrInvalidConfig)
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 500
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 60 * time.Second
	}
	if cfg.ReorgWindow <= 0 {
		cfg.ReorgWindow = 64
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

	return &Watcher{
		cfg:     cfg,
		backend: backend,
		decode:  decode,
		sink:    sink,
		cursor:  cursor,
		log:     log.With("chain", cfg.ChainID),
		anchors: make(map[uint64]common.Hash),
	}, nil
}

// Run scans until ctx is canceled. Restart resumes from the persisted
// cursor; a detected reorg rewinds and re-emits the affected range, and
// downstream dedup absorbs the duplicates. The cursor only advances
// after the whole batch cleared the sink, so a crash re-scans rather
// than skips.
func (w *Watcher) Run(ctx context.Context) error {
	next := w.cfg.StartBlock
	if c, ok, err := w.cursor.Load(); err != nil {
		return err
	} else if ok {
		if c.LastProcessedBlock+1 > next {
			next = c.LastProcessedBlock + 1
		}
		for h, hex := range c.Anchors {
			w.anchors[h] = common.HexToHash(hex)
		}
		w.log.Info("resume from cursor", "lastProcessed", c.LastProcessedBlock, "next", next)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		latest, err := w.blockNumberWithRetry(ctx)
		if err != nil {
			return err
		}
		if latest < w.cfg.ConfirmationDepth {
			if err := w.cfg.Sleep(ctx, w.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}
		safe := latest - w.cfg.ConfirmationDepth

		rewound, err := w.rewindOnReorg(ctx, next, safe)
		if err != nil {
			return err
		}
		if rewound < next {
			w.log.Warn("reorg detected", "rewindTo", rewound, "was", next)
			next = rewound
		}

		if next > safe {
			if err := w.cfg.Sleep(ctx, w.cfg.PollInterval); err != nil {
				return err
			}
			continue
		}

		to := next + w.cfg.BatchSize - 1
		if to > safe {
			to = safe
		}

		if err := w.scanRange(ctx, next, to); err != nil {
			return err
		}

		if err := w.anchorRange(ctx, to); err != nil {
			return err
		}
		if err := w.saveCursor(to); err != nil {
			return err
		}
		next = to + 1
	}
}

// rewindOnReorg compares remembered anchor hashes against the chain and
// returns the block to resume from. Unchanged anchors return next as-is.
func (w *Watcher) rewindOnReorg(ctx context.Context, next, safe uint64) (uint64, error) {
	// Walk anchors from highest to lowest below next; the first mismatch
	// invalidates everything above the last agreeing anchor.
	var heights []uint64
	for h := range w.anchors {
		if h < next && h <= safe {
			heights = append(heights, h)
		}
	}
	if len(heights) == 0 {
		return next, nil
	}
	// Highest anchor first.
	max := heights[0]
	for _, h := range heights {
		if h > max {
			max = h
		}
	}

	hdr, err := w.headerWithRetry(ctx, max)
	if err != nil {
		return 0, err
	}
	if hdr.Hash() == w.anchors[max] {
		return next, nil
	}

	// Anchor moved: find the highest anchor that still agrees.
	agree := uint64(0)
	for _, h := range heights {
		if h == max {
			continue
		}
		hdr, err := w.headerWithRetry(ctx, h)
		if err != nil {
			return 0, err
		}
		if hdr.Hash() == w.anchors[h] && h > agree {
			agree = h
		}
	}
	// Drop invalidated anchors so the range is re-anchored after rescan.
	for h := range w.anchors {
		if h > agree {
			delete(w.anchors, h)
		}
	}
	return agree + 1, nil
}

func (w *Watcher) scanRange(ctx context.Context, from, to uint64) error {
	logs, err := w.filterLogsWithRetry(ctx, from, to)
	if err != nil {
		return err
	}

	observedAt := w.cfg.Now().UTC()
	emitted := 0
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		rec, err := w.decode(w.cfg.ChainID, lg)
		if err != nil {
			// Malformed logs are skipped, not fatal to the watcher.
			w.log.Warn("skip undecodable log",
				"block", lg.BlockNumber, "tx", lg.TxHash, "logIndex", lg.Index, "err", err)
			continue
		}
		rec.ObservedAt = observedAt
		if err := w.sink(ctx, rec); err != nil {
			return fmt.Errorf("chainwatch: deliver block %d log %d: %w", lg.BlockNumber, lg.Index, err)
		}
		emitted++
	}
	if emitted > 0 {
		w.log.Info("scanned range", "from", from, "to", to, "events", emitted)
	}
	return nil
}

func (w *Watcher) anchorRange(ctx context.Context, height uint64) error {
	hdr, err := w.headerWithRetry(ctx, height)
	if err != nil {
		return err
	}
	w.anchors[height] = hdr.Hash()

	// Keep the anchor window bounded.
	for len(w.anchors) > w.cfg.ReorgWindow {
		min := height
		for h := range w.anchors {
			if h < min {
				min = h
			}
		}
		delete(w.anchors, min)
	}
	return nil
}

func (w *Watcher) saveCursor(lastProcessed uint64) error {
	anchors := make(map[uint64]string, len(w.anchors))
	for h, hash := range w.anchors {
		anchors[h] = hash.Hex()
	}
	return w.cursor.Save(Cursor{
		LastProcessedBlock: lastProcessed,
		Anchors:            anchors,
	})
}

func (w *Watcher) blockNumberWithRetry(ctx context.Context) (uint64, error) {
	var n uint64
	err := w.withRetry(ctx, "blockNumber", func(ctx context.Context) error {
		var err error
		n, err = w.backend.BlockNumber(ctx)
		return err
	})
	return n, err
}

func (w *Watcher) headerWithRetry(ctx context.Context, height uint64) (*types.Header, error) {
	var hdr *types.Header
	err := w.withRetry(ctx, "headerByNumber", func(ctx context.Context) error {
		var err error
		hdr, err = w.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(height))
		return err
	})
	return hdr, err
}

func (w *Watcher) filterLogsWithRetry(ctx context.Context, from, to uint64) ([]types.Log, error) {
	q := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{w.cfg.Contract},
		Topics:    [][]common.Hash{w.cfg.Topics},
	}
	var logs []types.Log
	err := w.withRetry(ctx, "filterLogs", func(ctx context.Context) error {
		var err error
		logs, err = w.backend.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

// withRetry retries transient RPC failures forever with exponential
// backoff; only ctx cancellation stops it.
func (w *Watcher) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	delay := w.cfg.RetryBaseDelay
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.log.Warn("rpc call failed, backing off", "op", op, "attempt", attempt, "delay", delay, "err", err)
		if err := w.cfg.Sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > w.cfg.RetryMaxDelay {
			delay = w.cfg.RetryMaxDelay
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
