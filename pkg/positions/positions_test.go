package positions

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/ledger"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
	carol = common.HexToAddress("0x3333333333333333333333333333333333333333")
	token = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	fees  = common.HexToAddress("0xfeefeefeefeefeefeefeefeefeefeefeefeefee0")
)

func newLedgerFunded(addrs ...common.Address) *ledger.Ledger {
	l := ledger.New()
	for _, a := range addrs {
		l.Deposit(a, 1_000_000_000_000_000_000_000) // 1000 units at 1e18
		l.Lock(a, 100_000_000_000_000_000_000)       // lock 100 units as available collateral pool
	}
	return l
}

func TestApplyTradeOpensNewPair(t *testing.T) {
	l := newLedgerFunded(alice, bob)
	s := NewStore(l)

	out, err := s.ApplyTrade(TradeInput{
		Token: token, LongTrader: alice, ShortTrader: bob,
		Size: 1e18, Price: 2e18, LongLeverage: 10000, ShortLeverage: 10000,
		NowUnix: 100, FundingIndex: 0,
	})
	if err != nil {
		t.Fatalf("ApplyTrade: %v", err)
	}
	if out.OpenedPairID == 0 {
		t.Fatal("expected a new pair to open")
	}
	p, err := s.Get(out.OpenedPairID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Size != 1e18 || p.EntryPrice != 2e18 || p.Status != StatusActive {
		t.Errorf("unexpected pair: %+v", p)
	}
}

func TestApplyTradeClosesExistingPairFIFO(t *testing.T) {
	l := newLedgerFunded(alice, bob, carol)
	s := NewStore(l)

	// alice long vs bob short, opens a pair.
	open, _ := s.ApplyTrade(TradeInput{
		Token: token, LongTrader: alice, ShortTrader: bob,
		Size: 1e18, Price: 2e18, LongLeverage: 10000, ShortLeverage: 10000,
		NowUnix: 100,
	})
	if open.OpenedPairID == 0 {
		t.Fatal("expected pair to open")
	}

	// alice now goes short vs carol: should close alice's long pair against
	// bob at exit price 3e18, not open a new alice/carol pair.
	closeOut, err := s.ApplyTrade(TradeInput{
		Token: token, LongTrader: carol, ShortTrader: alice,
		Size: 1e18, Price: 3e18, LongLeverage: 10000, ShortLeverage: 10000,
		NowUnix: 200,
	})
	if err != nil {
		t.Fatalf("ApplyTrade close: %v", err)
	}
	if closeOut.OpenedPairID != 0 {
		t.Errorf("expected no new pair, fully netted by close, got %d", closeOut.OpenedPairID)
	}
	if len(closeOut.ClosedPairIDs) != 1 || closeOut.ClosedPairIDs[0] != open.OpenedPairID {
		t.Fatalf("expected original pair closed, got %+v", closeOut.ClosedPairIDs)
	}
	p, err := s.Get(open.OpenedPairID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p.Status != StatusClosed || p.Size != 0 {
		t.Errorf("expected pair fully closed, got %+v", p)
	}
	// alice bought at 2e18 and realized exit at 3e18: pnl = (3-2)*1 = +1e18 quote.
	if closeOut.RealizedPnlLong+closeOut.RealizedPnlShort != 0 {
		t.Error("expected realized pnl reported for both sides")
	}
}

func TestApplyTradeRejectsSameTrader(t *testing.T) {
	l := newLedgerFunded(alice)
	s := NewStore(l)
	_, err := s.ApplyTrade(TradeInput{Token: token, LongTrader: alice, ShortTrader: alice, Size: 1e18, Price: 1e18, LongLeverage: 10000, ShortLeverage: 10000})
	if err == nil {
		t.Fatal("expected PairMismatched for identical trader on both sides")
	}
}

func TestLiquidateSettlesAndRemovesPair(t *testing.T) {
	l := newLedgerFunded(alice, bob)
	s := NewStore(l)

	out, _ := s.ApplyTrade(TradeInput{
		Token: token, LongTrader: alice, ShortTrader: bob,
		Size: 1e18, Price: 2e18, LongLeverage: 50000, ShortLeverage: 50000,
		NowUnix: 100,
	})

	res, err := s.Liquidate(LiquidateInput{
		PairID: out.OpenedPairID, LiquidatedSide: true, // alice (long) liquidated on a price drop
		MarkPrice: 1e18, NowUnix: 200, LiquidationFeeBps: 500, LiquidatorAccount: fees,
	})
	if err != nil {
		t.Fatalf("Liquidate: %v", err)
	}
	if res.LosingTrader != alice || res.WinningTrader != bob {
		t.Errorf("unexpected sides: %+v", res)
	}
	if res.PaidToWinner == 0 {
		t.Error("expected winner to be paid something on a 1e18 adverse move")
	}

	if _, err := s.Liquidate(LiquidateInput{PairID: out.OpenedPairID, LiquidatedSide: true}); err == nil {
		t.Fatal("expected second liquidation of the same pair to fail")
	}
	if len(s.ListByToken(token)) != 0 {
		t.Error("expected no active pairs remaining after liquidation")
	}
}
