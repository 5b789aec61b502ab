package ledger

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/engineerr"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func TestLockReleaseRoundTrip(t *testing.T) {
	l := New()
	l.Deposit(alice, 1000)
	if err := l.Lock(alice, 400); err != nil {
		t.Fatalf("lock: %v", err)
	}
	bal := l.Get(alice)
	if bal.Available != 600 || bal.Locked != 400 {
		t.Fatalf("unexpected balance after lock: %+v", bal)
	}
	l.Release(alice, 400)
	bal = l.Get(alice)
	if bal.Available != 1000 || bal.Locked != 0 {
		t.Fatalf("unexpected balance after release: %+v", bal)
	}
}

func TestLockInsufficientBalance(t *testing.T) {
	l := New()
	l.Deposit(alice, 100)
	err := l.Lock(alice, 200)
	if code, ok := engineerr.CodeOf(err); !ok || code != engineerr.CodeInsufficientBalance {
		t.Fatalf("expected InsufficientBalance, got %v", err)
	}
	bal := l.Get(alice)
	if bal.Available != 100 {
		t.Fatalf("balance mutated on failed lock: %+v", bal)
	}
}

func TestTransfer(t *testing.T) {
	l := New()
	l.Deposit(alice, 500)
	if err := l.Transfer(alice, bob, 200); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if l.Get(alice).Available != 300 || l.Get(bob).Available != 200 {
		t.Fatalf("unexpected post-transfer balances: alice=%+v bob=%+v", l.Get(alice), l.Get(bob))
	}
}

func TestSettlePairZeroSum(t *testing.T) {
	l := New()
	l.Deposit(alice, 1000)
	l.Deposit(bob, 1000)
	l.Lock(alice, 400)
	l.Lock(bob, 400)

	err := l.SettlePair(SettlePairInput{
		LongTrader:      alice,
		ShortTrader:     bob,
		LongCollateral:  400,
		ShortCollateral: 400,
		PnlLong:         100,
		PnlShort:        -100,
		FeeLong:         0,
		FeeShort:        0,
	})
	if err != nil {
		t.Fatalf("settle pair: %v", err)
	}
	if got := l.Get(alice).Available; got != 1100 {
		t.Errorf("alice available = %d, want 1100", got)
	}
	if got := l.Get(bob).Available; got != 900 {
		t.Errorf("bob available = %d, want 900", got)
	}
}

func TestSettlePairRejectsNonZeroSum(t *testing.T) {
	l := New()
	l.Deposit(alice, 1000)
	l.Deposit(bob, 1000)
	l.Lock(alice, 400)
	l.Lock(bob, 400)

	err := l.SettlePair(SettlePairInput{
		LongTrader:      alice,
		ShortTrader:     bob,
		LongCollateral:  400,
		ShortCollateral: 400,
		PnlLong:         100,
		PnlShort:        -50, // broken: does not sum to zero
	})
	if code, ok := engineerr.CodeOf(err); !ok || code != engineerr.CodeZeroSumBroken {
		t.Fatalf("expected ZeroSumBroken, got %v", err)
	}
}

func TestSyncFromChainOnlyRaises(t *testing.T) {
	l := New()
	l.Deposit(alice, 500)
	applied, bal := l.SyncFromChain(alice, 300)
	if applied || bal != 500 {
		t.Fatalf("lower on-chain balance must not be applied, got applied=%v bal=%d", applied, bal)
	}
	applied, bal = l.SyncFromChain(alice, 800)
	if !applied || bal != 800 {
		t.Fatalf("higher on-chain balance must be applied, got applied=%v bal=%d", applied, bal)
	}
}
