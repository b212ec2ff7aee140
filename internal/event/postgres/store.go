package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ticketbridge/relayer/internal/event"
	"github.com/ticketbridge/relayer/internal/ticket"
)

var ErrInvalidConfig = errors.New("event/postgres: invalid config")

// Store is the durable append-only event log. Admission relies on the
// primary key: the first insert wins, re-deliveries hit the conflict arm.
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
		return fmt.Errorf("event/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Admit(ctx context.Context, rec event.Record) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO event_records (
			chain, tx_hash, log_index,
			block_height, event_type,
			ticket_id, origin_chain, destination_chain, owner_address, dynamic_state,
			observed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (chain, tx_hash, log_index) DO NOTHING
	`,
		int64(rec.Chain), rec.TxHash[:], int64(rec.LogIndex),
		int64(rec.BlockHeight), int16(rec.Type),
		int64(rec.TicketID), int64(rec.OriginChain), int64(rec.DestinationChain), rec.Owner[:], int16(rec.DynamicState),
		rec.ObservedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("event/postgres: admit: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Get(ctx context.Context, chain uint64, txHash [32]byte, logIndex uint32) (event.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT chain, tx_hash, log_index, block_height, event_type,
		       ticket_id, origin_chain, destination_chain, owner_address, dynamic_state,
		       observed_at
		FROM event_records
		WHERE chain = $1 AND tx_hash = $2 AND log_index = $3
	`, int64(chain), txHash[:], int64(logIndex))

	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return event.Record{}, event.ErrNotFound
		}
		return event.Record{}, fmt.Errorf("event/postgres: get: %w", err)
	}
	return rec, nil
}

func (s *Store) ListByChain(ctx context.Context, chain uint64, fromHeight uint64, limit int) ([]event.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT chain, tx_hash, log_index, block_height, event_type,
		       ticket_id, origin_chain, destination_chain, owner_address, dynamic_state,
		       observed_at
		FROM event_records
		WHERE chain = $1 AND block_height >= $2
		ORDER BY block_height ASC, log_index ASC
		LIMIT $3
	`, int64(chain), int64(fromHeight), limit)
	if err != nil {
		return nil, fmt.Errorf("event/postgres: list: %w", err)
	}
	defer rows.Close()

	var out []event.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("event/postgres: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event/postgres: rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (event.Record, error) {
	var (
		chain, logIndex, blockHeight     int64
		txHashRaw, ownerRaw              []byte
		eventType, dynState              int16
		ticketID, originChain, destChain int64
		observedAt                       time.Time
	)
	if err := row.Scan(
		&chain, &txHashRaw, &logIndex, &blockHeight, &eventType,
		&ticketID, &originChain, &destChain, &ownerRaw, &dynState,
		&observedAt,
	); err != nil {
		return event.Record{}, err
	}
	if chain < 0 || logIndex < 0 || blockHeight < 0 || ticketID < 0 || originChain < 0 || destChain < 0 {
		return event.Record{}, fmt.Errorf("event/postgres: negative values in db")
	}
	var txHash [32]byte
	if len(txHashRaw) != 32 {
		return event.Record{}, fmt.Errorf("event/postgres: expected 32-byte tx hash, got %d", len(txHashRaw))
	}
	copy(txHash[:], txHashRaw)
	var owner [20]byte
	if len(ownerRaw) != 20 {
		return event.Record{}, fmt.Errorf("event/postgres: expected 20-byte owner, got %d", len(ownerRaw))
	}
	copy(owner[:], ownerRaw)

	return event.Record{
		Chain:            uint64(chain),
		TxHash:           txHash,
		LogIndex:         uint32(logIndex),
		BlockHeight:      uint64(blockHeight),
		Type:             event.Type(eventType),
		TicketID:         uint64(ticketID),
		OriginChain:      uint64(originChain),
		DestinationChain: uint64(destChain),
		Owner:            owner,
		DynamicState:     ticket.DynamicState(dynState),
		ObservedAt:       observedAt,
	}, nil
}
