package markprice

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/lifecycle"
)

var token = common.HexToAddress("0x00000000000000000000000000000000000001")

type fakeLastTrade struct {
	price uint64
	ok    bool
}

func (f fakeLastTrade) LastTradePrice(common.Address) (uint64, bool) { return f.price, f.ok }

func newFeedWithToken(t *testing.T) (*Feed, *lifecycle.Registry) {
	t.Helper()
	lc := lifecycle.NewRegistry()
	params := lifecycle.DefaultParams()
	params.MaxPriceStepBps = 2000 // 20%
	params.MarkStaleAfter = 30_000_000_000 // 30s, in time.Duration nanoseconds
	if _, err := lc.Create(token, params, 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := lc.Activate(token, params, 0); err != nil {
		t.Fatalf("activate: %v", err)
	}
	return NewFeed(lc, fakeLastTrade{}), lc
}

func TestUpdateAcceptsWithinStepBound(t *testing.T) {
	f, lc := newFeedWithToken(t)
	if err := f.Update(token, 100_000_000_000_000_000_000, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := f.Update(token, 110_000_000_000_000_000_000, 2); err != nil {
		t.Fatalf("update: %v", err)
	}
	res := f.Query(token, 2)
	if !res.Fresh || res.Stale || res.Price != 110_000_000_000_000_000_000 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if lc.IsQuarantined(token) {
		t.Fatal("should not be quarantined after an in-bound step")
	}
}

func TestUpdateRejectsExcessiveStepAndQuarantines(t *testing.T) {
	f, lc := newFeedWithToken(t)
	if err := f.Update(token, 100_000_000_000_000_000_000, 1); err != nil {
		t.Fatalf("update: %v", err)
	}
	// A 50% jump exceeds the 20% step bound.
	if err := f.Update(token, 150_000_000_000_000_000_000, 2); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !lc.IsQuarantined(token) {
		t.Fatal("expected token to be quarantined on an out-of-bound step")
	}
	res := f.Query(token, 2)
	if res.Price != 100_000_000_000_000_000_000 {
		t.Fatalf("expected the last good price retained, got %d", res.Price)
	}
}

func TestUpdateRejectsOlderTimestamp(t *testing.T) {
	f, _ := newFeedWithToken(t)
	f.Update(token, 100, 10)
	f.Update(token, 999, 5) // older arrival, must be dropped
	res := f.Query(token, 10)
	if res.Price != 100 {
		t.Fatalf("expected out-of-order update to be dropped, got %d", res.Price)
	}
}

func TestQueryFallsBackToLastTradeWhenStale(t *testing.T) {
	lc := lifecycle.NewRegistry()
	params := lifecycle.DefaultParams()
	params.MarkStaleAfter = 5_000_000_000 // 5s
	lc.Create(token, params, 0)
	lc.Activate(token, params, 0)

	f := NewFeed(lc, fakeLastTrade{price: 42, ok: true})
	f.Update(token, 100, 0)

	res := f.Query(token, 100) // far past the staleness window
	if !res.Stale || res.Price != 42 {
		t.Fatalf("expected stale fallback to last trade price, got %+v", res)
	}
}

func TestQueryReportsNotFreshWithNoDataAtAll(t *testing.T) {
	lc := lifecycle.NewRegistry()
	lc.Create(token, lifecycle.DefaultParams(), 0)
	lc.Activate(token, lifecycle.DefaultParams(), 0)
	f := NewFeed(lc, fakeLastTrade{ok: false})

	res := f.Query(token, 0)
	if res.Fresh {
		t.Fatalf("expected Fresh=false with no chain price and no last trade, got %+v", res)
	}
}
