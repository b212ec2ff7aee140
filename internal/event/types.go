package event

import (
	"fmt"
	"time"

	"github.com/ticketbridge/relayer/internal/ticket"
)

// Type is the normalized event kind fed into the ticket state machine.
//
// Chain-observed kinds come from watcher log decoding; MintSubmitted and
// UnlockSubmitted are synthetic records emitted by the dispatcher when its
// own transaction is mined, so dispatcher acks flow through the same
// at-most-once admission as external events.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeLockRequested
	TypeLockConfirmed
	TypeMintSubmitted
	TypeMintConfirmed
	TypeBurnRequested
	TypeBurnConfirmed
	TypeUnlockSubmitted
	TypeUnlockConfirmed
	TypeStateChanged
)

func (t Type) String() string {
	switch t {
	case TypeLockRequested:
		return "lock_requested"
	case TypeLockConfirmed:
		return "lock_confirmed"
	case TypeMintSubmitted:
		return "mint_submitted"
	case TypeMintConfirmed:
		return "mint_confirmed"
	case TypeBurnRequested:
		return "burn_requested"
	case TypeBurnConfirmed:
		return "burn_confirmed"
	case TypeUnlockSubmitted:
		return "unlock_submitted"
	case TypeUnlockConfirmed:
		return "unlock_confirmed"
	case TypeStateChanged:
		return "state_changed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Record is one normalized, immutable chain observation.
//
// (Chain, TxHash, LogIndex) is the dedup key; the record log is
// append-only and doubles as the durable replay input.
type Record struct {
	Chain       uint64
	TxHash      [32]byte
	LogIndex    uint32
	BlockHeight uint64

	Type Type

	TicketID         uint64
	OriginChain      uint64
	DestinationChain uint64
	Owner            [20]byte
	DynamicState     ticket.DynamicState

	ObservedAt time.Time
}

// Ref returns the ticket.EventRef pointing at this record.
func (r Record) Ref() ticket.EventRef {
	return ticket.EventRef{
		Chain:       r.Chain,
		BlockHeight: r.BlockHeight,
		TxHash:      r.TxHash,
		LogIndex:    r.LogIndex,
	}
}
