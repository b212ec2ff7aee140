package eth

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrInvalidSubmitterConfig = errors.New("eth: invalid submitter config")

// Backend is the write-side chain capability the submitter needs.
// An *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

type SubmitterConfig struct {
	ChainID            *big.Int
	GasLimitMultiplier float64
	MinTipCap          *big.Int

	ReceiptPollInterval time.Duration

	ReplaceAfter           time.Duration
	MaxReplacements        int
	ReplacementBumpPercent int
	MinReplacementTipBump  *big.Int
	MinReplacementFeeBump  *big.Int

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Submitter sends signed EIP-1559 transactions on one chain with a
// single signing identity and waits for inclusion, bumping fees per
// config when a transaction lingers. The dispatcher owns one Submitter
// per chain.
type Submitter struct {
	backend Backend
	cfg     SubmitterConfig
	signer  Signer
	nonces  *NonceManager
}

type TxRequest struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64 // optional; 0 => estimate
}

type SendResult struct {
	From         common.Address
	Nonce        uint64
	TxHash       common.Hash
	Receipt      *types.Receipt
	Replacements int
}

func NewSubmitter(backend Backend, signer Signer, cfg SubmitterConfig) (*Submitter, error) {
	if backend == nil || signer == nil {
		return nil, ErrInvalidSubmitterConfig
	}
	if (signer.Address() == common.Address{}) {
		return nil, ErrInvalidSubmitterConfig
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, ErrInvalidSubmitterConfig
	}
	if cfg.GasLimitMultiplier <= 0 {
		return nil, ErrInvalidSubmitterConfig
	}
	if cfg.MinTipCap == nil || cfg.MinTipCap.Sign() < 0 {
		return nil, ErrInvalidSubmitterConfig
	}
	if cfg.ReceiptPollInterval <= 0 {
		return nil, ErrInvalidSubmitterConfig
	}
	if cfg.MaxReplacements < 0 {
		return nil, ErrInvalidSubmitterConfig
	}
	if cfg.MaxReplacements > 0 {
		if cfg.ReplaceAfter <= 0 || cfg.ReplacementBumpPercent <= 0 {
			return nil, ErrInvalidSubmitterConfig
		}
		if cfg.MinReplacementTipBump == nil || cfg.MinReplacementFeeBump == nil {
			return nil, ErrInvalidSubmitterConfig
		}
		if cfg.MinReplacementTipBump.Sign() < 0 || cfg.MinReplacementFeeBump.Sign() < 0 {
			return nil, ErrInvalidSubmitterConfig
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}

	return &Submitter{
		backend: backend,
		cfg:     cfg,
		signer:  signer,
		nonces:  NewNonceManager(backend, signer.Address()),
	}, nil
}

func (s *Submitter) Address() common.Address { return s.signer.Address() }

// SyncNonce refreshes the local nonce from the backend. The dispatcher
// calls this after nonce-class send failures before resubmitting.
func (s *Submitter) SyncNonce(ctx context.Context) (uint64, error) {
	return s.nonces.Sync(ctx)
}

// ReceiptByHash looks up a receipt for an earlier submission. An error
// matching ethereum.NotFound means the transaction is unknown or still
// pending.
func (s *Submitter) ReceiptByHash(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return s.backend.TransactionReceipt(ctx, txHash)
}

// Call performs a read-only contract call at the latest block.
func (s *Submitter) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return s.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// SendAndWaitMined signs, broadcasts, and waits for inclusion. The wait
// is bounded only by ctx; callers own the timeout policy.
//
// When the wait is abandoned after a successful broadcast, the returned
// SendResult still carries the last broadcast TxHash so callers can
// re-query inclusion before resubmitting.
func (s *Submitter) SendAndWaitMined(ctx context.Context, req TxRequest) (SendResult, error) {
	from := s.signer.Address()

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit := req.GasLimit
	if gasLimit == 0 {
		est, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{
			From:  from,
			To:    &req.To,
			Value: value,
			Data:  req.Data,
		})
		if err != nil {
			return SendResult{}, err
		}
		gasLimit = applyGasMultiplier(est, s.cfg.GasLimitMultiplier)
	}

	suggestedTip, err := s.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return SendResult{}, err
	}
	header, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return SendResult{}, err
	}
	if header.BaseFee == nil || header.BaseFee.Sign() < 0 {
		return SendResult{}, fmt.Errorf("eth: missing baseFee in latest header")
	}

	tipCap, feeCap, err := Calc1559Fees(header.BaseFee, suggestedTip, s.cfg.MinTipCap)
	if err != nil {
		return SendResult{}, err
	}

	nonce, err := s.nonces.Next(ctx)
	if err != nil {
		return SendResult{}, err
	}

	to := req.To
	makeSigned := func(tip, fee *big.Int) (*types.Transaction, common.Hash, error) {
		tx := types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.cfg.ChainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: fee,
			Gas:       gasLimit,
			To:        &to,
			Value:     value,
			Data:      req.Data,
		})
		signed, err := s.signer.SignTx(tx, s.cfg.ChainID)
		if err != nil {
			return nil, common.Hash{}, err
		}
		return signed, signed.Hash(), nil
	}

	signed, h, err := makeSigned(tipCap, feeCap)
	if err != nil {
		return SendResult{}, err
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return SendResult{}, err
	}

	sent := []common.Hash{h}
	lastSentAt := s.cfg.Now()
	replacements := 0

	for {
		for _, txh := range sent {
			receipt, err := s.backend.TransactionReceipt(ctx, txh)
			if err == nil {
				return SendResult{
					From:         from,
					Nonce:        nonce,
					TxHash:       txh,
					Receipt:      receipt,
					Replacements: replacements,
				}, nil
			}
			if !errors.Is(err, ethereum.NotFound) {
				return SendResult{From: from, Nonce: nonce, TxHash: sent[len(sent)-1]}, err
			}
		}

		if s.cfg.MaxReplacements > 0 && replacements < s.cfg.MaxReplacements && s.cfg.Now().Sub(lastSentAt) >= s.cfg.ReplaceAfter {
			var err error
			tipCap, feeCap, err = Bump1559Fees(tipCap, feeCap, s.cfg.ReplacementBumpPercent, s.cfg.MinReplacementTipBump, s.cfg.MinReplacementFeeBump)
			if err != nil {
				return SendResult{From: from, Nonce: nonce, TxHash: sent[len(sent)-1]}, err
			}

			signed, h, err := makeSigned(tipCap, feeCap)
			if err != nil {
				return SendResult{From: from, Nonce: nonce, TxHash: sent[len(sent)-1]}, err
			}
			if err := s.backend.SendTransaction(ctx, signed); err != nil {
				return SendResult{From: from, Nonce: nonce, TxHash: sent[len(sent)-1]}, err
			}
			sent = append(sent, h)
			lastSentAt = s.cfg.Now()
			replacements++
			continue
		}

		if err := s.cfg.Sleep(ctx, s.cfg.ReceiptPollInterval); err != nil {
			return SendResult{From: from, Nonce: nonce, TxHash: sent[len(sent)-1]}, err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func applyGasMultiplier(est uint64, mult float64) uint64 {
	if mult <= 1 {
		return est
	}
	out := uint64(math.Ceil(float64(est) * mult))
	if out < est {
		// overflow or float error; fall back to the estimate.
		return est
	}
	return out
}
