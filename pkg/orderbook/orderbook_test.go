package orderbook

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	alice = common.HexToAddress("0x1111111111111111111111111111111111111111")
	bob   = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func mkOrder(id uint64, trader common.Address, side Side, typ OrderType, size, price uint64, deadline int64) *Order {
	return &Order{
		ID:            id,
		Seq:           id,
		Trader:        trader,
		Side:          side,
		Type:          typ,
		SizeOriginal:  size,
		SizeRemaining: size,
		LimitPrice:    price,
		DeadlineUnix:  deadline,
		Status:        StatusNew,
	}
}

// S1 — simple fill: resting limit long fully matched by a market short.
func TestSimpleFill(t *testing.T) {
	b := New()
	alicesOrder := mkOrder(1, alice, Long, Limit, 1e18, 2e18, 1_000_000)
	res := b.Submit(alicesOrder, 0)
	if len(res.Fills) != 0 || !res.Rested {
		t.Fatalf("expected alice's limit to rest with no fills, got %+v rested=%v", res.Fills, res.Rested)
	}

	bobsOrder := mkOrder(2, bob, Short, Market, 1e18, 0, 1_000_000)
	res = b.Submit(bobsOrder, 0)
	if len(res.Fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(res.Fills))
	}
	f := res.Fills[0]
	if f.Price != 2e18 || f.Size != 1e18 {
		t.Errorf("unexpected fill: %+v", f)
	}
	if res.Rested {
		t.Error("market taker must never rest")
	}
	if b.Crossed() {
		t.Error("book must not be crossed at rest")
	}
	if _, ok := b.BestBid(); ok {
		t.Error("book should be empty after full match")
	}
}

// S2 — partial fill then rest.
func TestPartialFillThenRest(t *testing.T) {
	b := New()
	alicesOrder := mkOrder(1, alice, Long, Limit, 3e18, 2e18, 1_000_000)
	b.Submit(alicesOrder, 0)

	bobsOrder := mkOrder(2, bob, Short, Limit, 1e18, 2e18, 1_000_000)
	res := b.Submit(bobsOrder, 0)
	if len(res.Fills) != 1 || res.Fills[0].Size != 1e18 {
		t.Fatalf("expected one 1e18 fill, got %+v", res.Fills)
	}
	if alicesOrder.SizeRemaining != 2e18 {
		t.Errorf("alice remaining = %d, want 2e18", alicesOrder.SizeRemaining)
	}
	if bobsOrder.SizeRemaining != 0 {
		t.Errorf("bob remaining = %d, want 0", bobsOrder.SizeRemaining)
	}
}

// Price-time priority: two makers at the same price, earlier arrival fills
// first.
func TestPriceTimePriority(t *testing.T) {
	b := New()
	m1 := mkOrder(1, alice, Long, Limit, 1e18, 2e18, 1_000_000)
	m2 := mkOrder(2, bob, Long, Limit, 1e18, 2e18, 1_000_000)
	b.Submit(m1, 0)
	b.Submit(m2, 0)

	taker := mkOrder(3, bob, Short, Market, 1e18, 0, 1_000_000)
	res := b.Submit(taker, 0)
	if len(res.Fills) != 1 || res.Fills[0].MakerOrderID != 1 {
		t.Fatalf("expected m1 (earlier arrival) to fill first, got %+v", res.Fills)
	}
	if m2.SizeRemaining != 1e18 {
		t.Error("m2 should be untouched while m1 hadn't fully filled yet")
	}
}

// Market order against an empty book: no fills, does not rest.
func TestMarketOrderNoLiquidity(t *testing.T) {
	b := New()
	taker := mkOrder(1, alice, Long, Market, 1e18, 0, 1_000_000)
	res := b.Submit(taker, 0)
	if len(res.Fills) != 0 || res.Rested {
		t.Fatalf("expected no fills and no rest, got %+v rested=%v", res.Fills, res.Rested)
	}
	if taker.SizeRemaining != 1e18 {
		t.Error("taker size should be untouched when no liquidity exists")
	}
}

// Expired resting order is evicted and skipped, taker continues.
func TestExpiredRestingOrderSkipped(t *testing.T) {
	b := New()
	expired := mkOrder(1, alice, Long, Limit, 1e18, 2e18, 100) // deadline 100
	live := mkOrder(2, bob, Long, Limit, 1e18, 2e18, 1_000_000)
	b.Submit(expired, 50)
	b.Submit(live, 50)

	taker := mkOrder(3, alice, Short, Market, 1e18, 0, 1_000_000)
	res := b.Submit(taker, 200) // now=200 > expired deadline of 100
	if len(res.ExpiredSkipped) != 1 || res.ExpiredSkipped[0].ID != 1 {
		t.Fatalf("expected expired order 1 to be evicted, got %+v", res.ExpiredSkipped)
	}
	if len(res.Fills) != 1 || res.Fills[0].MakerOrderID != 2 {
		t.Fatalf("expected taker to fill against live order 2, got %+v", res.Fills)
	}
}

func TestCancelUnknownOrder(t *testing.T) {
	b := New()
	_, err := b.Cancel(999)
	if err == nil {
		t.Fatal("expected OrderNotFound for unknown order")
	}
}

func TestCancelRemovesFromDepth(t *testing.T) {
	b := New()
	o := mkOrder(1, alice, Long, Limit, 1e18, 2e18, 1_000_000)
	b.Submit(o, 0)
	if _, err := b.Cancel(1); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, ok := b.BestBid(); ok {
		t.Error("book should be empty after cancelling only order")
	}
}

// S6 — mark price jumps never cross the book by themselves.
func TestBookNeverSelfCrosses(t *testing.T) {
	b := New()
	bid := mkOrder(1, alice, Long, Limit, 1e18, 19*1e17, 1_000_000)
	ask := mkOrder(2, bob, Short, Limit, 1e18, 21*1e17, 1_000_000)
	b.Submit(bid, 0)
	b.Submit(ask, 0)
	if b.Crossed() {
		t.Fatal("book must not be crossed")
	}
	// No further book activity should make these two orders match each
	// other; only an explicit new taker crossing the spread can.
	if len(b.GetDepth(10).Bids) != 1 || len(b.GetDepth(10).Asks) != 1 {
		t.Fatal("both resting orders should remain untouched")
	}
}

func TestGetDepthAggregatesByPrice(t *testing.T) {
	b := New()
	b.Submit(mkOrder(1, alice, Long, Limit, 1e18, 2e18, 1_000_000), 0)
	b.Submit(mkOrder(2, bob, Long, Limit, 2e18, 2e18, 1_000_000), 0)
	b.Submit(mkOrder(3, alice, Long, Limit, 1e18, 19*1e17, 1_000_000), 0)

	depth := b.GetDepth(10)
	if len(depth.Bids) != 2 {
		t.Fatalf("expected 2 aggregated bid levels, got %d", len(depth.Bids))
	}
	if depth.Bids[0].Price != 2e18 || depth.Bids[0].TotalSize != 3e18 || depth.Bids[0].OrderCount != 2 {
		t.Errorf("unexpected top bid level: %+v", depth.Bids[0])
	}
}
