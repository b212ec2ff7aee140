package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ticketbridge/relayer/internal/leases"
)

var ErrInvalidConfig = errors.New("leases/postgres: invalid config")

// Store keeps claims in the sweeper_claims table. Acquisition is a
// single INSERT ... ON CONFLICT statement, so the expiry check and the
// takeover happen atomically in the database.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("leases/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, name, holder string, ttl time.Duration) (leases.Claim, bool, error) {
	if s == nil || s.pool == nil {
		return leases.Claim{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := validateInput(name, holder, ttl); err != nil {
		return leases.Claim{}, false, err
	}

	var (
		gotHolder string
		expires   time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sweeper_claims (name, holder, expires_at, created_at, updated_at)
		VALUES ($1,$2, now() + ($3::bigint * interval '1 millisecond'), now(), now())
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE sweeper_claims.expires_at <= now()
		RETURNING holder, expires_at
	`, name, holder, ttlMilliseconds(ttl)).Scan(&gotHolder, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Someone else holds it; report the live claim.
			c, gerr := s.Get(ctx, name)
			if gerr != nil {
				return leases.Claim{}, false, gerr
			}
			return c, false, nil
		}
		return leases.Claim{}, false, fmt.Errorf("leases/postgres: acquire: %w", err)
	}

	return leases.Claim{Name: name, Holder: gotHolder, ExpiresAt: expires}, true, nil
}

func (s *Store) Extend(ctx context.Context, name, holder string, ttl time.Duration) (leases.Claim, bool, error) {
	if s == nil || s.pool == nil {
		return leases.Claim{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := validateInput(name, holder, ttl); err != nil {
		return leases.Claim{}, false, err
	}

	var (
		gotHolder string
		expires   time.Time
	)
	err := s.pool.QueryRow(ctx, `
		UPDATE sweeper_claims
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE name = $1 AND holder = $2
		RETURNING holder, expires_at
	`, name, holder, ttlMilliseconds(ttl)).Scan(&gotHolder, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c, gerr := s.Get(ctx, name)
			if errors.Is(gerr, leases.ErrNotFound) {
				return leases.Claim{}, false, leases.ErrNotFound
			}
			if gerr != nil {
				return leases.Claim{}, false, gerr
			}
			if c.Holder != holder {
				return leases.Claim{}, false, leases.ErrNotHolder
			}
			return leases.Claim{}, false, fmt.Errorf("leases/postgres: extend: unexpected no rows")
		}
		return leases.Claim{}, false, fmt.Errorf("leases/postgres: extend: %w", err)
	}

	return leases.Claim{Name: name, Holder: gotHolder, ExpiresAt: expires}, true, nil
}

func (s *Store) Release(ctx context.Context, name, holder string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" || holder == "" {
		return leases.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM sweeper_claims WHERE name = $1 AND holder = $2`, name, holder)
	if err != nil {
		return fmt.Errorf("leases/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	c, gerr := s.Get(ctx, name)
	if errors.Is(gerr, leases.ErrNotFound) {
		return nil
	}
	if gerr != nil {
		return gerr
	}
	if c.Holder != holder {
		return leases.ErrNotHolder
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (leases.Claim, error) {
	if s == nil || s.pool == nil {
		return leases.Claim{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if name == "" {
		return leases.Claim{}, leases.ErrInvalidInput
	}

	var (
		holder    string
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT holder, expires_at FROM sweeper_claims WHERE name = $1`, name).Scan(&holder, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return leases.Claim{}, leases.ErrNotFound
		}
		return leases.Claim{}, fmt.Errorf("leases/postgres: get: %w", err)
	}

	return leases.Claim{Name: name, Holder: holder, ExpiresAt: expiresAt}, nil
}

func ttlMilliseconds(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return ms
}

func validateInput(name, holder string, ttl time.Duration) error {
	if name == "" || holder == "" || ttl <= 0 {
		return leases.ErrInvalidInput
	}
	return nil
}
