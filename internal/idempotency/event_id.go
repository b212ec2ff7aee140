package idempotency

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/sha3"
)

const (
	eventIDPrefixV1   = "event"
	ticketKeyPrefixV1 = "ticket"
	sweepMarkPrefixV1 = "sweep"
)

// EventIDV1 computes the canonical id of a chain observation.
//
//	eventId = keccak256("event" || chainBE8 || txHash || logIndexBE4)
//
// The same tuple keys the durable event log, so the id is stable across
// re-delivery, reorg replay, and restarts.
func EventIDV1(chain uint64, txHash [32]byte, logIndex uint32) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(eventIDPrefixV1))

	var c [8]byte
	binary.BigEndian.PutUint64(c[:], chain)
	_, _ = h.Write(c[:])
	_, _ = h.Write(txHash[:])

	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], logIndex)
	_, _ = h.Write(idx[:])

	sum := h.Sum(nil)
	var out [32]byte
	copy(out[:], sum)
	return out
}

// TicketKeyV1 computes the canonical cross-chain key of a ticket.
//
//	ticketKey = keccak256("ticket" || ticketIdBE8 || originChainBE8)
func TicketKeyV1(ticketID, originChain uint64) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(ticketKeyPrefixV1))

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], ticketID)
	binary.BigEndian.PutUint64(buf[8:], originChain)
	_, _ = h.Write(buf[:])

	sum := h.Sum(nil)
	var out [32]byte
	copy(out[:], sum)
	return out
}

// TicketLeaseNameV1 derives the lease name guarding single-writer
// reconciliation of one ticket.
func TicketLeaseNameV1(ticketID, originChain uint64) string {
	key := TicketKeyV1(ticketID, originChain)
	return fmt.Sprintf("sweeper/ticket/%x", key[:8])
}

// SweepMarkV1 derives the pseudo transaction hash of a record the
// sweeper synthesizes from authoritative contract state.
//
//	sweepMark = keccak256("sweep" || ticketIdBE8 || originChainBE8 || kind || nonceBE8)
//
// The nonce makes repeated resolutions of the same ticket distinct, so
// a synthetic record that raced and lost can be retried on a later
// sweep without the admission log rejecting it.
func SweepMarkV1(ticketID, originChain uint64, kind uint8, nonce uint64) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(sweepMarkPrefixV1))

	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], ticketID)
	binary.BigEndian.PutUint64(buf[8:], originChain)
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte{kind})

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	_, _ = h.Write(n[:])

	sum := h.Sum(nil)
	var out [32]byte
	copy(out[:], sum)
	return out
}
