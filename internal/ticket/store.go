package ticket

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("ticket: not found")
	ErrTicketMismatch = errors.New("ticket: ticket mismatch")
	ErrStaleStatus    = errors.New("ticket: stale status")
)

// Store persists BridgeableTicket records.
//
// ApplyTransition is compare-and-swap on Status: it fails with
// ErrStaleStatus when the stored status no longer equals Transition.From,
// which serializes concurrent writers without a store-level lock.
type Store interface {
	// UpsertLockRequested creates the ticket on its first LockRequested
	// event. The bool result is true when the record was created; an
	// existing record with different identity fields is ErrTicketMismatch.
	UpsertLockRequested(ctx context.Context, t Ticket) (Ticket, bool, error)

	Get(ctx context.Context, ticketID, originChain uint64) (Ticket, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Ticket, error)

	// ListStuck returns non-terminal tickets whose last attempt is older
	// than cutoff, for the reconciliation sweeper. Unbridged and
	// MintConfirmed are steady states and are never reported.
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]Ticket, error)

	ApplyTransition(ctx context.Context, ticketID, originChain uint64, tr Transition) (Ticket, error)

	// SetDynamicState applies a synchronized dynamic-state change.
	SetDynamicState(ctx context.Context, ticketID, originChain uint64, ds DynamicState) error

	// RecordAttempt bumps RetryCount and LastAttemptAt after a dispatch try.
	RecordAttempt(ctx context.Context, ticketID, originChain uint64, at time.Time) (Ticket, error)

	// StatusCounts returns the number of tickets per status.
	StatusCounts(ctx context.Context) (map[Status]int, error)
}
