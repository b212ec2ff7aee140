// Package leases provides expiring, named claims. The reconciliation
// sweeper takes a claim per ticket before re-driving it, so concurrent
// sweeper replicas never re-submit the same ticket twice.
package leases

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput = errors.New("leases: invalid input")
	ErrNotFound     = errors.New("leases: not found")
	ErrNotHolder    = errors.New("leases: not holder")
)

// Claim is a named, expiring ownership record.
type Claim struct {
	Name      string
	Holder    string
	ExpiresAt time.Time
}

// Store is a compare-and-swap claim API.
//
// Acquire succeeds when the claim is absent or expired at the store's
// notion of now. Extend succeeds only for the current holder. Release
// is idempotent when the claim is already absent.
type Store interface {
	Acquire(ctx context.Context, name, holder string, ttl time.Duration) (Claim, bool, error)
	Extend(ctx context.Context, name, holder string, ttl time.Duration) (Claim, bool, error)
	Release(ctx context.Context, name, holder string) error
	Get(ctx context.Context, name string) (Claim, error)
}

func validate(name, holder string, ttl time.Duration) error {
	if name == "" || holder == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/holder must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}
