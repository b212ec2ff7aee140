package ticket

import (
	"fmt"
	"time"
)

// Status is the bridge lifecycle position of a ticket.
//
// Statuses only move forward along the machine's edges; the sole
// backward edge is the sweeper-driven Reconciling retry path and the
// Unlock cycle back to Unbridged.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusUnbridged
	StatusLockRequested
	StatusLockConfirmed
	StatusMintSubmitted
	StatusMintConfirmed
	StatusBurnRequested
	StatusBurnConfirmed
	StatusUnlockSubmitted
	StatusReconciling
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusUnbridged:
		return "unbridged"
	case StatusLockRequested:
		return "lock_requested"
	case StatusLockConfirmed:
		return "lock_confirmed"
	case StatusMintSubmitted:
		return "mint_submitted"
	case StatusMintConfirmed:
		return "mint_confirmed"
	case StatusBurnRequested:
		return "burn_requested"
	case StatusBurnConfirmed:
		return "burn_confirmed"
	case StatusUnlockSubmitted:
		return "unlock_submitted"
	case StatusReconciling:
		return "reconciling"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseStatus maps a wire name like "lock_confirmed" back to a Status.
func ParseStatus(s string) (Status, error) {
	for st := StatusUnbridged; st <= StatusFailed; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return StatusUnknown, fmt.Errorf("ticket: unknown status %q", s)
}

// Terminal reports whether no further bridge transitions are expected.
// MintConfirmed is the bridged steady state: stable until the owner
// initiates a burn, so the sweeper does not treat it as stuck.
func (s Status) Terminal() bool {
	return s == StatusFailed
}

// Settled reports whether both chains agree on the ticket, i.e. queued
// dynamic-state updates may be applied.
func (s Status) Settled() bool {
	return s == StatusUnbridged || s == StatusMintConfirmed
}

// DynamicState is the application-level ticket state mirrored across
// chains, independent of bridge Status.
type DynamicState uint8

const (
	DynamicUnknown DynamicState = iota
	DynamicValid
	DynamicCheckedIn
	DynamicRevoked
)

func (d DynamicState) String() string {
	switch d {
	case DynamicValid:
		return "valid"
	case DynamicCheckedIn:
		return "checked_in"
	case DynamicRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(d))
	}
}

// EventRef points at the chain event that last advanced a ticket.
type EventRef struct {
	Chain       uint64
	BlockHeight uint64
	TxHash      [32]byte
	LogIndex    uint32
}

// Ticket is the cross-chain identity of one bridged ticket.
//
// Unique per (TicketID, OriginChain); created on the first LockRequested
// event and never deleted, so dedup guarantees survive restarts.
type Ticket struct {
	TicketID         uint64
	OriginChain      uint64
	DestinationChain uint64
	Owner            [20]byte

	Status       Status
	DynamicState DynamicState

	LastEvent EventRef

	RetryCount    int
	LastAttemptAt time.Time
}

// Transition is a CAS-style status advance recorded against a ticket.
// Owner, when non-nil, updates the claimed owner as asserted by the
// accepted event.
type Transition struct {
	From Status
	To   Status
	Ref  EventRef

	Owner *[20]byte
	At    time.Time
}
