package rebase

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func capLedger() *Ledger {
	l := pooledLedger(uint256.NewInt(1000), uint256.NewInt(1000))
	l.MaxExternalRatioBP = 2000
	return l
}

func TestExternalMintExactHeadroom(t *testing.T) {
	l := capLedger()
	headroom, err := l.MaxMintableExternalShares()
	if err != nil {
		t.Fatalf("max mintable: %v", err)
	}
	if headroom.Uint64() != 250 {
		t.Fatalf("max mintable = %s, want 250", headroom)
	}

	over := l.Clone()
	if _, err := over.mintExternalShares(vault, uint256.NewInt(251)); !errors.Is(err, ErrExternalCapExceeded) {
		t.Fatalf("expected ErrExternalCapExceeded, got %v", err)
	}

	value, err := l.mintExternalShares(vault, uint256.NewInt(250))
	if err != nil {
		t.Fatalf("mint at headroom: %v", err)
	}
	if value.Uint64() != 250 || l.ExternalValue.Uint64() != 250 {
		t.Fatalf("unexpected external value %s", l.ExternalValue)
	}
	// 250 of 1250 is exactly 20%.
	if err := checkExternalCap(l.ExternalValue, l.TotalPooledValue(), l.MaxExternalRatioBP); err != nil {
		t.Fatalf("cap boundary rejected: %v", err)
	}
	if headroom, _ := l.MaxMintableExternalShares(); !headroom.IsZero() {
		t.Fatalf("expected no headroom left, got %s", headroom)
	}
	if got := l.SharesOf(vault); got.Uint64() != 250 {
		t.Fatalf("recipient not credited: %s", got)
	}
}

func TestExternalCapHoldsAfterEveryMint(t *testing.T) {
	l := capLedger()
	for _, n := range []uint64{1, 17, 3, 90, 64, 200, 5, 1, 1, 40} {
		before := l.Clone()
		_, err := l.mintExternalShares(vault, uint256.NewInt(n))
		if err != nil {
			if !errors.Is(err, ErrExternalCapExceeded) {
				t.Fatalf("unexpected error: %v", err)
			}
			l = before
		}
		lhs := new(uint256.Int).Mul(l.ExternalValue, uint256.NewInt(MaxBasisPoints))
		rhs := new(uint256.Int).Mul(l.TotalPooledValue(), uint256.NewInt(uint64(l.MaxExternalRatioBP)))
		if lhs.Gt(rhs) {
			t.Fatalf("cap breached after minting %d: ext=%s total=%s", n, l.ExternalValue, l.TotalPooledValue())
		}
		if n%2 == 1 && l.ExternalShares.Uint64() > 10 {
			if _, err := l.burnExternalShares(vault, uint256.NewInt(3)); err != nil {
				t.Fatalf("burn: %v", err)
			}
		}
	}
}

func TestExternalBurn(t *testing.T) {
	l := capLedger()
	if _, err := l.mintExternalShares(vault, uint256.NewInt(200)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := l.burnExternalShares(vault, uint256.NewInt(201)); !errors.Is(err, ErrInsufficientExternalShares) {
		t.Fatalf("expected ErrInsufficientExternalShares, got %v", err)
	}
	if _, err := l.burnExternalShares(alice, uint256.NewInt(10)); !errors.Is(err, ErrInsufficientExternalShares) {
		t.Fatalf("expected holder check, got %v", err)
	}
	value, err := l.burnExternalShares(vault, uint256.NewInt(50))
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if value.Uint64() != 50 || l.ExternalShares.Uint64() != 150 || l.TotalShares.Uint64() != 1150 {
		t.Fatalf("unexpected state after burn: value=%s ext=%s total=%s", value, l.ExternalShares, l.TotalShares)
	}
	// Leave rounding dust in the external value, then burn the rest.
	l.ExternalValue.AddUint64(l.ExternalValue, 1)
	if _, err := l.burnExternalShares(vault, uint256.NewInt(150)); err != nil {
		t.Fatalf("burn remainder: %v", err)
	}
	if !l.ExternalValue.IsZero() || !l.ExternalShares.IsZero() {
		t.Fatalf("final burn must clear external balances, got %s/%s", l.ExternalValue, l.ExternalShares)
	}
}

func TestRebalanceExternalToInternal(t *testing.T) {
	l := capLedger()
	if _, err := l.mintExternalShares(vault, uint256.NewInt(200)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	total, shares := l.TotalPooledValue(), clone(l.TotalShares)
	moved, err := l.rebalanceExternalToInternal(uint256.NewInt(120))
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if moved.Uint64() != 120 || l.ExternalShares.Uint64() != 80 || l.ExternalValue.Uint64() != 80 {
		t.Fatalf("unexpected rebalance result: moved=%s ext=%s/%s", moved, l.ExternalValue, l.ExternalShares)
	}
	if !l.TotalPooledValue().Eq(total) || !l.TotalShares.Eq(shares) {
		t.Fatalf("rebalance must not change totals")
	}
	if l.BufferedValue.Uint64() != 1120 {
		t.Fatalf("buffered = %s", l.BufferedValue)
	}
	if _, err := l.rebalanceExternalToInternal(uint256.NewInt(81)); !errors.Is(err, ErrInsufficientExternalValue) {
		t.Fatalf("expected ErrInsufficientExternalValue, got %v", err)
	}
}

func TestMaxMintableUnboundedAtFullRatio(t *testing.T) {
	l := pooledLedger(uint256.NewInt(1000), uint256.NewInt(1000))
	l.MaxExternalRatioBP = MaxBasisPoints
	headroom, err := l.MaxMintableExternalShares()
	if err != nil {
		t.Fatalf("max mintable: %v", err)
	}
	if !headroom.Eq(new(uint256.Int).Not(new(uint256.Int))) {
		t.Fatalf("expected unbounded mint, got %s", headroom)
	}
	l.MaxExternalRatioBP = 0
	if headroom, _ := l.MaxMintableExternalShares(); !headroom.IsZero() {
		t.Fatalf("expected zero headroom at 0 bp, got %s", headroom)
	}
}
