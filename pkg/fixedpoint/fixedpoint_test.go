package fixedpoint

import "testing"

func TestMulDivRoundDown(t *testing.T) {
	got, err := MulDiv(7, 3, 2, RoundDown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 10 { // 21/2 = 10.5 -> 10
		t.Errorf("got %d, want 10", got)
	}
}

func TestMulDivRoundUp(t *testing.T) {
	got, err := MulDiv(7, 3, 2, RoundUp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 11 {
		t.Errorf("got %d, want 11", got)
	}
}

func TestMulDivOverflow(t *testing.T) {
	maxU64 := ^uint64(0)
	_, err := MulDiv(maxU64, maxU64, 1, RoundDown)
	if err == nil {
		t.Fatal("expected overflow error")
	}
}

func TestMulDivDivisionByZero(t *testing.T) {
	_, err := MulDiv(1, 1, 0, RoundDown)
	if err == nil {
		t.Fatal("expected division-by-zero overflow error")
	}
}

func TestRequiredCollateral(t *testing.T) {
	// size=1e18 (1 unit), price=2e18 ($2), leverage=5e4 (5x)
	// notional = 2e18; collateral = notional*1e4/5e4 = notional/5 = 4e17
	got, err := RequiredCollateral(1e18, 2e18, 5*LeverageScale)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := uint64(4e17)
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestPnLLong(t *testing.T) {
	// entry=2e18, exit=2.2e18, size=1e18, long (+1)
	// diff=0.2e18, pnl = 0.2e18 * 1e18 / 1e18 = 0.2e18
	got, err := PnL(2e18, 2.2e18, 1e18, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := int64(0.2e18)
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestPnLShortIsNegativeOfLong(t *testing.T) {
	long, _ := PnL(2e18, 2.2e18, 1e18, 1)
	short, _ := PnL(2e18, 2.2e18, 1e18, -1)
	if long != -short {
		t.Errorf("pnl not zero-sum: long=%d short=%d", long, short)
	}
}

func TestBpsOf(t *testing.T) {
	got, err := BpsOf(1_000_000, 50) // 0.5% of 1,000,000
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 5000 {
		t.Errorf("got %d, want 5000", got)
	}
}
