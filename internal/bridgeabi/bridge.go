// Package bridgeabi holds the ABI surface of the two bridge contracts:
// the TicketVault on a ticket's origin chain and the RepresentativeTicket
// collection on its destination chain.
package bridgeabi

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ticketbridge/relayer/internal/event"
	"github.com/ticketbridge/relayer/internal/ticket"
)

var (
	ErrInvalidInput = errors.New("bridgeabi: invalid input")
	ErrUnknownEvent = errors.New("bridgeabi: unknown event")
	ErrMalformedLog = errors.New("bridgeabi: malformed log")
)

// Vault (origin chain) event topics.
var (
	TopicTicketLockRequested = crypto.Keccak256Hash([]byte("TicketLockRequested(uint256,address,uint64)"))
	TopicTicketLocked        = crypto.Keccak256Hash([]byte("TicketLocked(uint256,address)"))
	TopicTicketUnlocked      = crypto.Keccak256Hash([]byte("TicketUnlocked(uint256,address)"))
	TopicTicketStateChanged  = crypto.Keccak256Hash([]byte("TicketStateChanged(uint256,uint8)"))
)

// Representative (destination chain) event topics.
var (
	TopicRepresentativeMinted        = crypto.Keccak256Hash([]byte("RepresentativeMinted(uint256,uint64,address)"))
	TopicRepresentativeBurnRequested = crypto.Keccak256Hash([]byte("RepresentativeBurnRequested(uint256,uint64,address)"))
	TopicRepresentativeBurned        = crypto.Keccak256Hash([]byte("RepresentativeBurned(uint256,uint64,address)"))
	TopicRepresentativeStateChanged  = crypto.Keccak256Hash([]byte("RepresentativeStateChanged(uint256,uint64,uint8)"))
)

const callABIJSON = `[
	{"type":"function","name":"mintRepresentative","stateMutability":"nonpayable","inputs":[
		{"name":"ticketId","type":"uint256"},
		{"name":"originChain","type":"uint64"},
		{"name":"owner","type":"address"}],"outputs":[]},
	{"type":"function","name":"unlockTicket","stateMutability":"nonpayable","inputs":[
		{"name":"ticketId","type":"uint256"},
		{"name":"owner","type":"address"}],"outputs":[]},
	{"type":"function","name":"isMinted","stateMutability":"view","inputs":[
		{"name":"ticketId","type":"uint256"},
		{"name":"originChain","type":"uint64"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"isLocked","stateMutability":"view","inputs":[
		{"name":"ticketId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

var (
	initOnce sync.Once
	initErr  error

	callABI abi.ABI

	uint64Args      abi.Arguments // (uint64)
	uint8Args       abi.Arguments // (uint8)
	uint64Uint8Args abi.Arguments // (uint64, uint8)
)

func initABI() error {
	initOnce.Do(func() {
		var err error
		callABI, err = abi.JSON(strings.NewReader(callABIJSON))
		if err != nil {
			initErr = fmt.Errorf("bridgeabi: parse call ABI: %w", err)
			return
		}

		u64, err := abi.NewType("uint64", "", nil)
		if err != nil {
			initErr = fmt.Errorf("bridgeabi: build uint64 type: %w", err)
			return
		}
		u8, err := abi.NewType("uint8", "", nil)
		if err != nil {
			initErr = fmt.Errorf("bridgeabi: build uint8 type: %w", err)
			return
		}
		uint64Args = abi.Arguments{{Name: "a", Type: u64}}
		uint8Args = abi.Arguments{{Name: "a", Type: u8}}
		uint64Uint8Args = abi.Arguments{{Name: "a", Type: u64}, {Name: "b", Type: u8}}
	})
	return initErr
}

// VaultTopics lists topic0 values the origin-chain watcher subscribes to.
func VaultTopics() []common.Hash {
	return []common.Hash{
		TopicTicketLockRequested,
		TopicTicketLocked,
		TopicTicketUnlocked,
		TopicTicketStateChanged,
	}
}

// RepresentativeTopics lists topic0 values the destination-chain watcher
// subscribes to.
func RepresentativeTopics() []common.Hash {
	return []common.Hash{
		TopicRepresentativeMinted,
		TopicRepresentativeBurnRequested,
		TopicRepresentativeBurned,
		TopicRepresentativeStateChanged,
	}
}

// DecodeVaultLog normalizes a TicketVault log observed on chainID.
// The vault lives on the ticket's origin chain, so OriginChain == chainID.
func DecodeVaultLog(chainID uint64, lg types.Log) (event.Record, error) {
	if err := initABI(); err != nil {
		return event.Record{}, err
	}
	if len(lg.Topics) == 0 {
		return event.Record{}, fmt.Errorf("%w: no topics", ErrMalformedLog)
	}

	rec := event.Record{
		Chain:       chainID,
		TxHash:      lg.TxHash,
		LogIndex:    uint32(lg.Index),
		BlockHeight: lg.BlockNumber,
		OriginChain: chainID,
	}

	switch lg.Topics[0] {
	case TopicTicketLockRequested:
		if err := decodeTicketOwnerTopics(lg, &rec); err != nil {
			return event.Record{}, err
		}
		vals, err := uint64Args.Unpack(lg.Data)
		if err != nil {
			return event.Record{}, fmt.Errorf("%w: lock-requested data: %v", ErrMalformedLog, err)
		}
		rec.Type = event.TypeLockRequested
		rec.DestinationChain = vals[0].(uint64)
		return rec, nil

	case TopicTicketLocked:
		if err := decodeTicketOwnerTopics(lg, &rec); err != nil {
			return event.Record{}, err
		}
		rec.Type = event.TypeLockConfirmed
		return rec, nil

	case TopicTicketUnlocked:
		if err := decodeTicketOwnerTopics(lg, &rec); err != nil {
			return event.Record{}, err
		}
		rec.Type = event.TypeUnlockConfirmed
		return rec, nil

	case TopicTicketStateChanged:
		if err := decodeTicketIDTopic(lg, &rec); err != nil {
			return event.Record{}, err
		}
		vals, err := uint8Args.Unpack(lg.Data)
		if err != nil {
			return event.Record{}, fmt.Errorf("%w: state-changed data: %v", ErrMalformedLog, err)
		}
		rec.Type = event.TypeStateChanged
		rec.DynamicState = ticket.DynamicState(vals[0].(uint8))
		return rec, nil
	}
	return event.Record{}, fmt.Errorf("%w: topic %s", ErrUnknownEvent, lg.Topics[0])
}

// DecodeRepresentativeLog normalizes a RepresentativeTicket log observed
// on chainID. OriginChain comes from the event payload because the
// representative collection hosts tickets from multiple origin chains.
func DecodeRepresentativeLog(chainID uint64, lg types.Log) (event.Record, error) {
	if err := initABI(); err != nil {
		return event.Record{}, err
	}
	if len(lg.Topics) == 0 {
		return event.Record{}, fmt.Errorf("%w: no topics", ErrMalformedLog)
	}

	rec := event.Record{
		Chain:            chainID,
		TxHash:           lg.TxHash,
		LogIndex:         uint32(lg.Index),
		BlockHeight:      lg.BlockNumber,
		DestinationChain: chainID,
	}

	switch lg.Topics[0] {
	case TopicRepresentativeMinted, TopicRepresentativeBurnRequested, TopicRepresentativeBurned:
		if err := decodeTicketOwnerTopics(lg, &rec); err != nil {
			return event.Record{}, err
		}
		vals, err := uint64Args.Unpack(lg.Data)
		if err != nil {
			return event.Record{}, fmt.Errorf("%w: representative data: %v", ErrMalformedLog, err)
		}
		rec.OriginChain = vals[0].(uint64)
		switch lg.Topics[0] {
		case TopicRepresentativeMinted:
			rec.Type = event.TypeMintConfirmed
		case TopicRepresentativeBurnRequested:
			rec.Type = event.TypeBurnRequested
		default:
			rec.Type = event.TypeBurnConfirmed
		}
		return rec, nil

	case TopicRepresentativeStateChanged:
		if err := decodeTicketIDTopic(lg, &rec); err != nil {
			return event.Record{}, err
		}
		vals, err := uint64Uint8Args.Unpack(lg.Data)
		if err != nil {
			return event.Record{}, fmt.Errorf("%w: representative state-changed data: %v", ErrMalformedLog, err)
		}
		rec.Type = event.TypeStateChanged
		rec.OriginChain = vals[0].(uint64)
		rec.DynamicState = ticket.DynamicState(vals[1].(uint8))
		return rec, nil
	}
	return event.Record{}, fmt.Errorf("%w: topic %s", ErrUnknownEvent, lg.Topics[0])
}

func decodeTicketIDTopic(lg types.Log, rec *event.Record) error {
	if len(lg.Topics) < 2 {
		return fmt.Errorf("%w: missing ticketId topic", ErrMalformedLog)
	}
	id := new(big.Int).SetBytes(lg.Topics[1][:])
	if !id.IsUint64() {
		return fmt.Errorf("%w: ticketId does not fit uint64", ErrMalformedLog)
	}
	rec.TicketID = id.Uint64()
	return nil
}

func decodeTicketOwnerTopics(lg types.Log, rec *event.Record) error {
	if err := decodeTicketIDTopic(lg, rec); err != nil {
		return err
	}
	if len(lg.Topics) < 3 {
		return fmt.Errorf("%w: missing owner topic", ErrMalformedLog)
	}
	rec.Owner = common.BytesToAddress(lg.Topics[2][:])
	return nil
}

// PackMintCalldata builds mintRepresentative calldata for the destination
// chain.
func PackMintCalldata(ticketID, originChain uint64, owner common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if (owner == common.Address{}) {
		return nil, fmt.Errorf("%w: owner must be non-zero", ErrInvalidInput)
	}
	b, err := callABI.Pack("mintRepresentative", new(big.Int).SetUint64(ticketID), originChain, owner)
	if err != nil {
		return nil, fmt.Errorf("bridgeabi: pack mintRepresentative: %w", err)
	}
	return b, nil
}

// PackUnlockCalldata builds unlockTicket calldata for the origin chain.
func PackUnlockCalldata(ticketID uint64, owner common.Address) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	if (owner == common.Address{}) {
		return nil, fmt.Errorf("%w: owner must be non-zero", ErrInvalidInput)
	}
	b, err := callABI.Pack("unlockTicket", new(big.Int).SetUint64(ticketID), owner)
	if err != nil {
		return nil, fmt.Errorf("bridgeabi: pack unlockTicket: %w", err)
	}
	return b, nil
}

// PackIsMintedCall builds the isMinted view call used by reconciliation
// re-queries on the destination chain.
func PackIsMintedCall(ticketID, originChain uint64) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := callABI.Pack("isMinted", new(big.Int).SetUint64(ticketID), originChain)
	if err != nil {
		return nil, fmt.Errorf("bridgeabi: pack isMinted: %w", err)
	}
	return b, nil
}

// PackIsLockedCall builds the isLocked view call used by reconciliation
// re-queries on the origin chain.
func PackIsLockedCall(ticketID uint64) ([]byte, error) {
	if err := initABI(); err != nil {
		return nil, err
	}
	b, err := callABI.Pack("isLocked", new(big.Int).SetUint64(ticketID))
	if err != nil {
		return nil, fmt.Errorf("bridgeabi: pack isLocked: %w", err)
	}
	return b, nil
}

// UnpackBoolResult decodes the return value of isMinted/isLocked.
func UnpackBoolResult(method string, ret []byte) (bool, error) {
	if err := initABI(); err != nil {
		return false, err
	}
	vals, err := callABI.Unpack(method, ret)
	if err != nil {
		return false, fmt.Errorf("bridgeabi: unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return false, fmt.Errorf("%w: %s returned %d values", ErrMalformedLog, method, len(vals))
	}
	v, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s returned non-bool", ErrMalformedLog, method)
	}
	return v, nil
}
