package eth

import (
	"errors"
	"math/big"
)

var ErrInvalidFeeArgs = errors.New("eth: invalid fee args")

// Calc1559Fees prices a fresh mint or unlock submission from the chain
// head. The tip is the backend's suggestion floored at the submitter's
// MinTipCap; the fee cap leaves room for the base fee to double before
// the transaction prices out:
//
//	tipCap = max(suggestedTipCap, minTipCap)
//	feeCap = 2*baseFee + tipCap
func Calc1559Fees(baseFee, suggestedTipCap, minTipCap *big.Int) (tipCap, feeCap *big.Int, err error) {
	for _, v := range []*big.Int{baseFee, suggestedTipCap, minTipCap} {
		if v == nil || v.Sign() < 0 {
			return nil, nil, ErrInvalidFeeArgs
		}
	}

	tip := new(big.Int).Set(suggestedTipCap)
	if tip.Cmp(minTipCap) < 0 {
		tip.Set(minTipCap)
	}

	fee := new(big.Int).Lsh(baseFee, 1)
	fee.Add(fee, tip)
	return tip, fee, nil
}

// Bump1559Fees reprices a lingering submission for replacement. The
// txpool only accepts a replacement priced sufficiently above the
// original, and a pure percentage bump rounds to nothing on small
// values, so each cap is raised by bumpPercent with an absolute floor
// of minTipBump / minFeeCapBump on the increment. The fee cap is never
// left below the tip cap.
func Bump1559Fees(tipCap, feeCap *big.Int, bumpPercent int, minTipBump, minFeeCapBump *big.Int) (newTipCap, newFeeCap *big.Int, err error) {
	if tipCap == nil || feeCap == nil || tipCap.Sign() < 0 || feeCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if bumpPercent <= 0 {
		return nil, nil, ErrInvalidFeeArgs
	}
	if (minTipBump != nil && minTipBump.Sign() < 0) || (minFeeCapBump != nil && minFeeCapBump.Sign() < 0) {
		return nil, nil, ErrInvalidFeeArgs
	}

	newTip := bumped(tipCap, bumpPercent, minTipBump)
	newFee := bumped(feeCap, bumpPercent, minFeeCapBump)
	if newFee.Cmp(newTip) < 0 {
		newFee.Set(newTip)
	}
	return newTip, newFee, nil
}

// bumped raises v by pct percent, at least minBump above v.
func bumped(v *big.Int, pct int, minBump *big.Int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(int64(100+pct)))
	out.Div(out, big.NewInt(100))
	if minBump != nil && minBump.Sign() > 0 {
		floor := new(big.Int).Add(v, minBump)
		if out.Cmp(floor) < 0 {
			out.Set(floor)
		}
	}
	return out
}
