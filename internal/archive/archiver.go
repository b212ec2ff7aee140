package archive

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ticketbridge/relayer/internal/event"
)

// Line is the JSONL form of one archived record.
type Line struct {
	Chain       uint64    `json:"chain"`
	TxHash      string    `json:"txHash"`
	LogIndex    uint32    `json:"logIndex"`
	BlockHeight uint64    `json:"blockHeight"`
	Type        string    `json:"type"`
	TicketID    uint64    `json:"ticketId"`
	OriginChain uint64    `json:"originChain"`
	DestChain   uint64    `json:"destinationChain"`
	Owner       string    `json:"owner"`
	State       string    `json:"dynamicState,omitempty"`
	ObservedAt  time.Time `json:"observedAt"`
}

func lineFor(rec event.Record) Line {
	l := Line{
		Chain:       rec.Chain,
		TxHash:      "0x" + hex.EncodeToString(rec.TxHash[:]),
		LogIndex:    rec.LogIndex,
		BlockHeight: rec.BlockHeight,
		Type:        rec.Type.String(),
		TicketID:    rec.TicketID,
		OriginChain: rec.OriginChain,
		DestChain:   rec.DestinationChain,
		Owner:       "0x" + hex.EncodeToString(rec.Owner[:]),
		ObservedAt:  rec.ObservedAt.UTC(),
	}
	if rec.Type == event.TypeStateChanged {
		l.State = rec.DynamicState.String()
	}
	return l
}

type ArchiverConfig struct {
	// FlushInterval is how often buffered records are written out.
	FlushInterval time.Duration
	// MaxBatch flushes early once this many records are buffered for
	// one chain.
	MaxBatch int
	// MaxBuffer drops the oldest buffered records beyond this bound
	// when the store is unavailable.
	MaxBuffer int

	Now func() time.Time
}

// Archiver batches admitted records and writes them to the store as
// one JSONL object per chain per flush. Failures keep the batch for
// the next flush.
type Archiver struct {
	cfg   ArchiverConfig
	store Store
	log   *slog.Logger

	mu      sync.Mutex
	pending map[uint64][]event.Record
	seq     uint64
}

func NewArchiver(cfg ArchiverConfig, store Store, log *slog.Logger) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 500
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Archiver{
		cfg:     cfg,
		store:   store,
		log:     log,
		pending: make(map[uint64][]event.Record),
	}, nil
}

// Add buffers one admitted record. It never blocks the pipeline; when
// the buffer for a chain overflows the oldest records are dropped.
func (a *Archiver) Add(rec event.Record) {
	a.mu.Lock()
	q := append(a.pending[rec.Chain], rec)
	dropped := 0
	if over := len(q) - a.cfg.MaxBuffer; over > 0 {
		q = q[over:]
		dropped = over
	}
	a.pending[rec.Chain] = q
	full := len(q) >= a.cfg.MaxBatch
	a.mu.Unlock()

	if dropped > 0 {
		a.log.Warn("archive buffer overflow, dropped oldest records",
			"chain", rec.Chain, "dropped", dropped)
	}

	if full {
		// Early flush happens on the caller's context-free path; a
		// bounded background write keeps Add non-blocking.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			a.flushChain(ctx, rec.Chain)
		}()
	}
}

// Run flushes on the configured interval until ctx ends, with a final
// flush on the way out.
func (a *Archiver) Run(ctx context.Context) error {
	t := time.NewTicker(a.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			a.Flush(flushCtx)
			cancel()
			return ctx.Err()
		case <-t.C:
			a.Flush(ctx)
		}
	}
}

// Flush writes every chain's pending batch.
func (a *Archiver) Flush(ctx context.Context) {
	a.mu.Lock()
	chains := make([]uint64, 0, len(a.pending))
	for chain := range a.pending {
		chains = append(chains, chain)
	}
	a.mu.Unlock()

	for _, chain := range chains {
		a.flushChain(ctx, chain)
	}
}

func (a *Archiver) flushChain(ctx context.Context, chain uint64) {
	a.mu.Lock()
	batch := a.pending[chain]
	delete(a.pending, chain)
	a.seq++
	seq := a.seq
	a.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range batch {
		if err := enc.Encode(lineFor(rec)); err != nil {
			a.log.Error("archive encode failed", "chain", chain, "error", err)
			return
		}
	}

	key := fmt.Sprintf("events/%d/%s-%06d.jsonl",
		chain, a.cfg.Now().UTC().Format("20060102T150405"), seq)
	if err := a.store.Put(ctx, key, buf.Bytes()); err != nil {
		a.log.Warn("archive flush failed, retaining batch",
			"chain", chain, "records", len(batch), "error", err)
		a.mu.Lock()
		a.pending[chain] = append(batch, a.pending[chain]...)
		a.mu.Unlock()
		return
	}
	a.log.Debug("archived records", "chain", chain, "records", len(batch), "key", key)
}
