package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ticketbridge/relayer/internal/ticket"
)

var ErrInvalidConfig = errors.New("ticket/postgres: invalid config")

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
		return fmt.Errorf("ticket/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) UpsertLockRequested(ctx context.Context, t ticket.Ticket) (ticket.Ticket, bool, error) {
	if s == nil || s.pool == nil {
		return ticket.Ticket{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if t.TicketID > math.MaxInt64 || t.OriginChain > math.MaxInt64 || t.DestinationChain > math.MaxInt64 {
		return ticket.Ticket{}, false, fmt.Errorf("%w: id out of range", ticket.ErrTicketMismatch)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO bridge_tickets (
			ticket_id,
			origin_chain,
			destination_chain,
			owner_address,
			status,
			dynamic_state,
			last_event_chain,
			last_event_height,
			last_event_tx_hash,
			last_event_log_index,
			last_attempt_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (ticket_id, origin_chain) DO NOTHING
	`,
		int64(t.TicketID), int64(t.OriginChain), int64(t.DestinationChain), t.Owner[:],
		int16(ticket.StatusLockRequested), int16(t.DynamicState),
		int64(t.LastEvent.Chain), int64(t.LastEvent.BlockHeight), t.LastEvent.TxHash[:], int64(t.LastEvent.LogIndex),
		t.LastAttemptAt.UTC(),
	)
	if err != nil {
		return ticket.Ticket{}, false, fmt.Errorf("ticket/postgres: insert: %w", err)
	}
	if tag.RowsAffected() == 1 {
		t.Status = ticket.StatusLockRequested
		return t, true, nil
	}

	cur, err := s.Get(ctx, t.TicketID, t.OriginChain)
	if err != nil {
		return ticket.Ticket{}, false, err
	}
	if cur.DestinationChain != t.DestinationChain {
		return ticket.Ticket{}, false, ticket.ErrTicketMismatch
	}
	return cur, false, nil
}

const selectColumns = `
	ticket_id,
	origin_chain,
	destination_chain,
	owner_address,
	status,
	dynamic_state,
	last_event_chain,
	last_event_height,
	last_event_tx_hash,
	last_event_log_index,
	retry_count,
	last_attempt_at
`

func (s *Store) Get(ctx context.Context, ticketID, originChain uint64) (ticket.Ticket, error) {
	if s == nil || s.pool == nil {
		return ticket.Ticket{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM bridge_tickets
		WHERE ticket_id = $1 AND origin_chain = $2
	`, int64(ticketID), int64(originChain))
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ticket.Ticket{}, ticket.ErrNotFound
		}
		return ticket.Ticket{}, fmt.Errorf("ticket/postgres: get: %w", err)
	}
	return t, nil
}

func (s *Store) ListByStatus(ctx context.Context, status ticket.Status, limit int) ([]ticket.Ticket, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM bridge_tickets
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, int16(status), limit)
	if err != nil {
		return nil, fmt.Errorf("ticket/postgres: list by status: %w", err)
	}
	defer rows.Close()
	return collectTickets(rows)
}

func (s *Store) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]ticket.Ticket, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM bridge_tickets
		WHERE status NOT IN ($1,$2,$3)
		  AND last_attempt_at < $4
		ORDER BY last_attempt_at ASC
		LIMIT $5
	`,
		int16(ticket.StatusUnbridged), int16(ticket.StatusMintConfirmed), int16(ticket.StatusFailed),
		cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("ticket/postgres: list stuck: %w", err)
	}
	defer rows.Close()
	return collectTickets(rows)
}

func (s *Store) ApplyTransition(ctx context.Context, ticketID, originChain uint64, tr ticket.Transition) (ticket.Ticket, error) {
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}

	var (
		tag pgx.Rows
		err error
	)
	if tr.Owner != nil {
		tag, err = s.pool.Query(ctx, `
			UPDATE bridge_tickets
			SET status = $4,
			    owner_address = $5,
			    last_event_chain = $6,
			    last_event_height = $7,
			    last_event_tx_hash = $8,
			    last_event_log_index = $9,
			    retry_count = 0,
			    last_attempt_at = $10,
			    updated_at = now()
			WHERE ticket_id = $1 AND origin_chain = $2 AND status = $3
			RETURNING `+selectColumns,
			int64(ticketID), int64(originChain), int16(tr.From), int16(tr.To), (*tr.Owner)[:],
			int64(tr.Ref.Chain), int64(tr.Ref.BlockHeight), tr.Ref.TxHash[:], int64(tr.Ref.LogIndex), at.UTC())
	} else {
		tag, err = s.pool.Query(ctx, `
			UPDATE bridge_tickets
			SET status = $4,
			    last_event_chain = $5,
			    last_event_height = $6,
			    last_event_tx_hash = $7,
			    last_event_log_index = $8,
			    retry_count = 0,
			    last_attempt_at = $9,
			    updated_at = now()
			WHERE ticket_id = $1 AND origin_chain = $2 AND status = $3
			RETURNING `+selectColumns,
			int64(ticketID), int64(originChain), int16(tr.From), int16(tr.To),
			int64(tr.Ref.Chain), int64(tr.Ref.BlockHeight), tr.Ref.TxHash[:], int64(tr.Ref.LogIndex), at.UTC())
	}
	if err != nil {
		return ticket.Ticket{}, fmt.Errorf("ticket/postgres: transition: %w", err)
	}
	defer tag.Close()

	if !tag.Next() {
		if err := tag.Err(); err != nil {
			return ticket.Ticket{}, fmt.Errorf("ticket/postgres: transition: %w", err)
		}
		// CAS missed: distinguish absent ticket from stale status.
		if _, err := s.Get(ctx, ticketID, originChain); err != nil {
			return ticket.Ticket{}, err
		}
		return ticket.Ticket{}, ticket.ErrStaleStatus
	}
	t, err := scanTicket(tag)
	if err != nil {
		return ticket.Ticket{}, fmt.Errorf("ticket/postgres: transition scan: %w", err)
	}
	return t, nil
}

func (s *Store) SetDynamicState(ctx context.Context, ticketID, originChain uint64, ds ticket.DynamicState) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bridge_tickets
		SET dynamic_state = $3, updated_at = now()
		WHERE ticket_id = $1 AND origin_chain = $2
	`, int64(ticketID), int64(originChain), int16(ds))
	if err != nil {
		return fmt.Errorf("ticket/postgres: set dynamic state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ticket.ErrNotFound
	}
	return nil
}

func (s *Store) RecordAttempt(ctx context.Context, ticketID, originChain uint64, at time.Time) (ticket.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE bridge_tickets
		SET retry_count = retry_count + 1,
		    last_attempt_at = $3,
		    updated_at = now()
		WHERE ticket_id = $1 AND origin_chain = $2
		RETURNING `+selectColumns,
		int64(ticketID), int64(originChain), at.UTC())
	t, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ticket.Ticket{}, ticket.ErrNotFound
		}
		return ticket.Ticket{}, fmt.Errorf("ticket/postgres: record attempt: %w", err)
	}
	return t, nil
}

func (s *Store) StatusCounts(ctx context.Context) (map[ticket.Status]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, count(*) FROM bridge_tickets GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("ticket/postgres: status counts: %w", err)
	}
	defer rows.Close()

	out := make(map[ticket.Status]int)
	for rows.Next() {
		var (
			st int16
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("ticket/postgres: status counts scan: %w", err)
		}
		out[ticket.Status(st)] = int(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ticket/postgres: status counts: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTicket(row rowScanner) (ticket.Ticket, error) {
	var (
		ticketID, originChain, destChain int64
		ownerRaw                         []byte
		status, dynState                 int16
		refChain, refHeight, refLogIdx   int64
		refTxHashRaw                     []byte
		retryCount                       int32
		lastAttemptAt                    time.Time
	)
	if err := row.Scan(
		&ticketID, &originChain, &destChain, &ownerRaw,
		&status, &dynState,
		&refChain, &refHeight, &refTxHashRaw, &refLogIdx,
		&retryCount, &lastAttemptAt,
	); err != nil {
		return ticket.Ticket{}, err
	}

	owner, err := to20(ownerRaw)
	if err != nil {
		return ticket.Ticket{}, err
	}
	var txHash [32]byte
	if refTxHashRaw != nil {
		txHash, err = to32(refTxHashRaw)
		if err != nil {
			return ticket.Ticket{}, err
		}
	}
	if ticketID < 0 || originChain < 0 || destChain < 0 || refChain < 0 || refHeight < 0 || refLogIdx < 0 {
		return ticket.Ticket{}, fmt.Errorf("ticket/postgres: negative values in db")
	}

	return ticket.Ticket{
		TicketID:         uint64(ticketID),
		OriginChain:      uint64(originChain),
		DestinationChain: uint64(destChain),
		Owner:            owner,
		Status:           ticket.Status(status),
		DynamicState:     ticket.DynamicState(dynState),
		LastEvent: ticket.EventRef{
			Chain:       uint64(refChain),
			BlockHeight: uint64(refHeight),
			TxHash:      txHash,
			LogIndex:    uint32(refLogIdx),
		},
		RetryCount:    int(retryCount),
		LastAttemptAt: lastAttemptAt,
	}, nil
}

func collectTickets(rows pgx.Rows) ([]ticket.Ticket, error) {
	var out []ticket.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("ticket/postgres: scan: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ticket/postgres: rows: %w", err)
	}
	return out, nil
}

func to32(b []byte) ([32]byte, error) {
	var out [32]byte
	if len(b) != 32 {
		return out, fmt.Errorf("ticket/postgres: expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func to20(b []byte) ([20]byte, error) {
	var out [20]byte
	if len(b) != 20 {
		return out, fmt.Errorf("ticket/postgres: expected 20 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
