package risk

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/fixedpoint"
	"github.com/memeperp/engine/pkg/ledger"
	"github.com/memeperp/engine/pkg/lifecycle"
	"github.com/memeperp/engine/pkg/positions"
)

var (
	token       = common.HexToAddress("0x00000000000000000000000000000000000001")
	alice       = common.HexToAddress("0x00000000000000000000000000000000000002")
	bob         = common.HexToAddress("0x00000000000000000000000000000000000003")
	insurance   = common.HexToAddress("0x00000000000000000000000000000000000009")
	entryPrice  = uint64(100_000_000_000_000_000_000) // 100.0
	unitSize    = uint64(1_000_000_000_000_000_000)   // 1.0
)

type fakeReopener struct {
	calls []reopenCall
	fill  uint64
}

type reopenCall struct {
	token, trader common.Address
	isLong        bool
	size          uint64
	leverage      uint64
}

func (f *fakeReopener) Reopen(token, trader common.Address, isLong bool, size, leverage uint64, nowUnix int64) (uint64, error) {
	f.calls = append(f.calls, reopenCall{token, trader, isLong, size, leverage})
	return f.fill, nil
}

// openPair deposits and locks collateral for both sides, then opens one
// active pair between alice (long) and bob (short) at entryPrice.
func openPair(t *testing.T, l *ledger.Ledger, store *positions.Store, longLeverage, shortLeverage uint64) {
	t.Helper()
	longCollateral, err := fixedpoint.RequiredCollateral(unitSize, entryPrice, longLeverage)
	if err != nil {
		t.Fatalf("required collateral: %v", err)
	}
	shortCollateral, err := fixedpoint.RequiredCollateral(unitSize, entryPrice, shortLeverage)
	if err != nil {
		t.Fatalf("required collateral: %v", err)
	}
	l.Deposit(alice, longCollateral)
	l.Deposit(bob, shortCollateral)
	if err := l.Lock(alice, longCollateral); err != nil {
		t.Fatalf("lock alice: %v", err)
	}
	if err := l.Lock(bob, shortCollateral); err != nil {
		t.Fatalf("lock bob: %v", err)
	}
	if _, err := store.ApplyTrade(positions.TradeInput{
		Token: token, LongTrader: alice, ShortTrader: bob,
		Size: unitSize, Price: entryPrice,
		LongLeverage: longLeverage, ShortLeverage: shortLeverage,
		NowUnix: 0, FundingIndex: 0,
	}); err != nil {
		t.Fatalf("apply trade: %v", err)
	}
}

func newRegistry(t *testing.T, maintenanceMarginBps uint64) *lifecycle.Registry {
	t.Helper()
	lc := lifecycle.NewRegistry()
	params := lifecycle.DefaultParams()
	params.MaintenanceMarginBps = maintenanceMarginBps
	if _, err := lc.Create(token, params, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := lc.Activate(token, params, 0); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return lc
}

func TestSweepSkipsHealthyPairs(t *testing.T) {
	l := ledger.New()
	store := positions.NewStore(l)
	openPair(t, l, store, 100_000, 100_000) // 10x both sides, 10% collateral cushion each
	lc := newRegistry(t, 500)               // 5% maintenance

	reopen := &fakeReopener{}
	e := NewEngine(lc, store, reopen, insurance)
	res, err := e.Sweep(token, entryPrice, 0, 1)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.Events) != 0 {
		t.Fatalf("expected no liquidations at entry price, got %d", len(res.Events))
	}
	if len(reopen.calls) != 0 {
		t.Fatalf("expected no reopen calls, got %d", len(reopen.calls))
	}
}

func TestSweepLiquidatesSingleBreachedSideAndReopensSurvivor(t *testing.T) {
	l := ledger.New()
	store := positions.NewStore(l)
	openPair(t, l, store, 100_000, 100_000) // both 10x, 10 collateral each
	lc := newRegistry(t, 500)               // 5% maintenance

	reopen := &fakeReopener{fill: unitSize}
	e := NewEngine(lc, store, reopen, insurance)

	// markPrice = 91: long's 10 collateral - 9 loss = 1 margin over 91 notional
	// ~1.1%, below the 5% bar; short gains symmetrically and stays healthy.
	markPrice := uint64(91_000_000_000_000_000_000)
	res, err := e.Sweep(token, markPrice, 0, 1)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("expected exactly one liquidation, got %d", len(res.Events))
	}
	ev := res.Events[0]
	if !ev.LiquidatedLong {
		t.Fatalf("expected the long side to be liquidated")
	}
	if ev.Outcome.WinningTrader != bob {
		t.Fatalf("expected bob to be the surviving trader")
	}
	if ev.ReopenedFilled != unitSize {
		t.Fatalf("expected the survivor's reopen to report the fake fill size, got %d", ev.ReopenedFilled)
	}
	if len(reopen.calls) != 1 {
		t.Fatalf("expected exactly one reopen call, got %d", len(reopen.calls))
	}
	call := reopen.calls[0]
	if call.trader != bob || call.isLong || call.size != unitSize || call.leverage != 100_000 {
		t.Fatalf("unexpected reopen call: %+v", call)
	}

	closed, err := store.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if closed.Status != positions.StatusLiquidatedLong {
		t.Fatalf("expected StatusLiquidatedLong, got %v", closed.Status)
	}
	if remaining := store.ListByToken(token); len(remaining) != 0 {
		t.Fatalf("expected the liquidated pair to drop out of ListByToken, got %d", len(remaining))
	}
}

func TestSweepLiquidatesLowerMarginRatioFirstOnDoubleBreach(t *testing.T) {
	l := ledger.New()
	store := positions.NewStore(l)
	// alice (long) at 50x carries thinner collateral than bob (short) at 10x,
	// so at an unmoved markPrice alice's ratio is lower and must go first.
	openPair(t, l, store, 500_000, 100_000)
	lc := newRegistry(t, 1500) // 15% maintenance; both sides are below this at entry price

	reopen := &fakeReopener{fill: unitSize}
	e := NewEngine(lc, store, reopen, insurance)

	res, err := e.Sweep(token, entryPrice, 0, 1)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(res.Events) != 1 {
		t.Fatalf("expected exactly one liquidation event per sweep pass, got %d", len(res.Events))
	}
	if !res.Events[0].LiquidatedLong {
		t.Fatalf("expected the thinner-collateral long side to be liquidated first")
	}
}

func TestLiquidationPriceMatchesMarginRatioBoundary(t *testing.T) {
	l := ledger.New()
	store := positions.NewStore(l)
	openPair(t, l, store, 100_000, 100_000)
	p, err := store.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	price, err := LiquidationPrice(p, 0, 500, true)
	if err != nil {
		t.Fatalf("liquidation price: %v", err)
	}
	ratio, err := marginRatioBps(p, price, 0, true)
	if err != nil {
		t.Fatalf("margin ratio: %v", err)
	}
	if diff := ratio - 500; diff < -2 || diff > 2 {
		t.Fatalf("expected the analytic liquidation price to land margin ratio at the 500bps boundary, got %d", ratio)
	}
}
