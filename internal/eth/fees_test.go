package eth

import (
	"errors"
	"math/big"
	"testing"
)

func gwei(n int64) *big.Int { return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000_000)) }

func TestCalc1559Fees(t *testing.T) {
	t.Parallel()

	tip, fee, err := Calc1559Fees(gwei(10), gwei(2), gwei(1))
	if err != nil {
		t.Fatalf("Calc1559Fees: %v", err)
	}
	if tip.Cmp(gwei(2)) != 0 {
		t.Fatalf("tip: %s", tip)
	}
	// feeCap = 2*baseFee + tip
	if fee.Cmp(gwei(22)) != 0 {
		t.Fatalf("fee: %s", fee)
	}

	// Suggested tip below the floor is raised to it.
	tip, _, err = Calc1559Fees(gwei(10), big.NewInt(1), gwei(1))
	if err != nil {
		t.Fatalf("Calc1559Fees: %v", err)
	}
	if tip.Cmp(gwei(1)) != 0 {
		t.Fatalf("floored tip: %s", tip)
	}
}

func TestCalc1559Fees_InvalidArgs(t *testing.T) {
	t.Parallel()

	if _, _, err := Calc1559Fees(nil, gwei(1), gwei(1)); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("nil baseFee err: %v", err)
	}
	if _, _, err := Calc1559Fees(big.NewInt(-1), gwei(1), gwei(1)); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("negative baseFee err: %v", err)
	}
}

func TestBump1559Fees_PercentBump(t *testing.T) {
	t.Parallel()

	tip, fee, err := Bump1559Fees(gwei(100), gwei(200), 15, big.NewInt(1), big.NewInt(1))
	if err != nil {
		t.Fatalf("Bump1559Fees: %v", err)
	}
	if tip.Cmp(gwei(115)) != 0 || fee.Cmp(gwei(230)) != 0 {
		t.Fatalf("bumped: tip=%s fee=%s", tip, fee)
	}
}

func TestBump1559Fees_MinimumAbsoluteBump(t *testing.T) {
	t.Parallel()

	// 15% of 2 wei rounds away; the absolute minimum must carry the bump.
	tip, fee, err := Bump1559Fees(big.NewInt(2), big.NewInt(4), 15, gwei(1), gwei(1))
	if err != nil {
		t.Fatalf("Bump1559Fees: %v", err)
	}
	wantTip := new(big.Int).Add(big.NewInt(2), gwei(1))
	wantFee := new(big.Int).Add(big.NewInt(4), gwei(1))
	if tip.Cmp(wantTip) != 0 || fee.Cmp(wantFee) != 0 {
		t.Fatalf("bumped: tip=%s fee=%s", tip, fee)
	}
}

func TestBump1559Fees_FeeCapNeverBelowTip(t *testing.T) {
	t.Parallel()

	tip, fee, err := Bump1559Fees(gwei(100), gwei(100), 15, gwei(50), big.NewInt(1))
	if err != nil {
		t.Fatalf("Bump1559Fees: %v", err)
	}
	if fee.Cmp(tip) < 0 {
		t.Fatalf("feeCap %s below tipCap %s", fee, tip)
	}
}

func TestBump1559Fees_InvalidArgs(t *testing.T) {
	t.Parallel()

	if _, _, err := Bump1559Fees(nil, gwei(1), 15, nil, nil); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("nil tip err: %v", err)
	}
	if _, _, err := Bump1559Fees(gwei(1), gwei(1), 0, nil, nil); !errors.Is(err, ErrInvalidFeeArgs) {
		t.Fatalf("zero percent err: %v", err)
	}
}
