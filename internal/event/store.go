package event

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("event: not found")

// Store is the idempotency store: an append-only event log whose insert
// doubles as the admission check.
//
// Admit must be atomic with respect to concurrent admission of the same
// (chain, txHash, logIndex) key: exactly one caller observes true.
// Duplicate admission is an expected outcome, not an error.
type Store interface {
	Admit(ctx context.Context, rec Record) (bool, error)
	Get(ctx context.Context, chain uint64, txHash [32]byte, logIndex uint32) (Record, error)

	// ListByChain returns admitted records for a chain at or above
	// fromHeight, ordered by (block height, log index). Used for audit
	// and replay inspection.
	ListByChain(ctx context.Context, chain uint64, fromHeight uint64, limit int) ([]Record, error)
}
