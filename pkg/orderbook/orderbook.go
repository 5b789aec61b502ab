// Package orderbook implements the per-token limit order book (spec.md
// §3 "Order book", §4.4, C4): price-time priority, market/limit matching,
// and O(1)-amortized cancellation. Grounded on the teacher's
// pkg/app/core/orderbook package (heap-based best-price tracking, FIFO
// price-level queues) and generalized from the teacher's int64 ticks/lots
// pair to the engine's single 1e18-scaled uint64 size/price convention, and
// from the teacher's GTC-only rest semantics to the full market/limit/
// immediate-or-cancel behavior spec.md §4.4 describes.
package orderbook

import (
	"container/heap"
	"container/list"

	"github.com/memeperp/engine/pkg/engineerr"
)

type level struct {
	orders *list.List // FIFO of *Order, oldest (best priority) at Front
}

// locEntry lets Cancel find an order's price level and list element in
// O(1) without scanning the level's FIFO queue.
type locEntry struct {
	side Side
	price uint64
	elem  *list.Element
}

// Book is a single token's order book. It is accessed only under that
// token's lock in pkg/matching; it performs no internal locking of its own.
type Book struct {
	bids     map[uint64]*level
	asks     map[uint64]*level
	bidHeap  MaxPriceHeap
	askHeap  MinPriceHeap
	index    map[uint64]locEntry

	lastTradePrice uint64
	lastTradeTime  int64
}

func New() *Book {
	b := &Book{
		bids:  make(map[uint64]*level),
		asks:  make(map[uint64]*level),
		index: make(map[uint64]locEntry),
	}
	heap.Init(&b.bidHeap)
	heap.Init(&b.askHeap)
	return b
}

func (b *Book) ladder(s Side) map[uint64]*level {
	if s == Long {
		return b.bids
	}
	return b.asks
}

func (b *Book) bestBid() (uint64, bool) { return b.bidHeap.Peek() }
func (b *Book) bestAsk() (uint64, bool) { return b.askHeap.Peek() }

// BestBid/BestAsk/LastTradePrice expose read-only top-of-book state.
func (b *Book) BestBid() (uint64, bool)      { return b.bestBid() }
func (b *Book) BestAsk() (uint64, bool)      { return b.bestAsk() }
func (b *Book) LastTradePrice() uint64       { return b.lastTradePrice }

// Crossed reports whether the book is invalidly crossed (spec.md §8
// invariant 2: bestBid < bestAsk or one side empty, checked after every
// command).
func (b *Book) Crossed() bool {
	bid, hasBid := b.bestBid()
	ask, hasAsk := b.bestAsk()
	if !hasBid || !hasAsk {
		return false
	}
	return bid >= ask
}

func (b *Book) rest(o *Order) {
	ladder := b.ladder(o.Side)
	lv, ok := ladder[o.LimitPrice]
	if !ok {
		lv = &level{orders: list.New()}
		ladder[o.LimitPrice] = lv
		if o.Side == Long {
			heap.Push(&b.bidHeap, o.LimitPrice)
		} else {
			heap.Push(&b.askHeap, o.LimitPrice)
		}
	}
	elem := lv.orders.PushBack(o)
	b.index[o.ID] = locEntry{side: o.Side, price: o.LimitPrice, elem: elem}
}

func (b *Book) removeLevelIfEmpty(side Side, price uint64) {
	ladder := b.ladder(side)
	lv := ladder[price]
	if lv.orders.Len() != 0 {
		return
	}
	delete(ladder, price)
	if side == Long {
		removeFromHeap(&b.bidHeap, price)
	} else {
		removeFromHeap(&b.askHeap, price)
	}
}

func removeFromHeap(h heap.Interface, price uint64) {
	switch hh := h.(type) {
	case *MaxPriceHeap:
		for i, p := range *hh {
			if p == price {
				heap.Remove(hh, i)
				return
			}
		}
	case *MinPriceHeap:
		for i, p := range *hh {
			if p == price {
				heap.Remove(hh, i)
				return
			}
		}
	}
}

// Cancel removes a resting order by ID. Returns OrderNotFound if the order
// is unknown or already terminal (spec.md §4.4).
func (b *Book) Cancel(id uint64) (*Order, error) {
	loc, ok := b.index[id]
	if !ok {
		return nil, engineerr.New(engineerr.CodeOrderNotFound, "order is not resting in this book")
	}
	ladder := b.ladder(loc.side)
	lv := ladder[loc.price]
	o := lv.orders.Remove(loc.elem).(*Order)
	delete(b.index, id)
	b.removeLevelIfEmpty(loc.side, loc.price)
	o.Status = StatusCancelled
	return o, nil
}

// EvictExpired removes every resting order whose deadline has passed as of
// nowUnix. Returns the evicted orders so the caller (matching engine) can
// release their locked collateral and persist the terminal status
// (spec.md §4.4 "Expiry").
func (b *Book) EvictExpired(nowUnix int64) []*Order {
	var evicted []*Order
	for _, side := range []Side{Long, Short} {
		ladder := b.ladder(side)
		for price, lv := range ladder {
			var next *list.Element
			for e := lv.orders.Front(); e != nil; e = next {
				next = e.Next()
				o := e.Value.(*Order)
				if o.DeadlineUnix > nowUnix {
					continue
				}
				lv.orders.Remove(e)
				delete(b.index, o.ID)
				o.Status = StatusExpired
				evicted = append(evicted, o)
			}
			if lv.orders.Len() == 0 {
				delete(ladder, price)
				if side == Long {
					removeFromHeap(&b.bidHeap, price)
				} else {
					removeFromHeap(&b.askHeap, price)
				}
			}
		}
	}
	return evicted
}

// lazyEvictFront drops expired orders found at the front of a level while
// walking the book during a match (spec.md §4.4: "lazily evicts expired
// orders encountered during a walk"). Returns the first non-expired order
// still at the front, or nil if the level is now empty.
func (b *Book) lazyEvictFront(side Side, price uint64, nowUnix int64, skipped *[]*Order) *Order {
	ladder := b.ladder(side)
	lv, ok := ladder[price]
	if !ok {
		// Heap/map should never disagree; treat as empty defensively.
		if side == Long {
			removeFromHeap(&b.bidHeap, price)
		} else {
			removeFromHeap(&b.askHeap, price)
		}
		return nil
	}
	for {
		front := lv.orders.Front()
		if front == nil {
			delete(ladder, price)
			if side == Long {
				removeFromHeap(&b.bidHeap, price)
			} else {
				removeFromHeap(&b.askHeap, price)
			}
			return nil
		}
		o := front.Value.(*Order)
		if o.DeadlineUnix > nowUnix {
			return o
		}
		lv.orders.Remove(front)
		delete(b.index, o.ID)
		o.Status = StatusExpired
		*skipped = append(*skipped, o)
	}
}

// MatchResult is the outcome of submitting a taker order.
type MatchResult struct {
	Fills         []Fill
	ExpiredSkipped []*Order // resting orders evicted lazily while walking
	Rested        bool      // true iff the taker itself now rests in the book
}

// Submit walks the opposite ladder against taker and returns the fills
// produced. taker.SizeRemaining is decremented in place. A limit taker's
// residual rests in the book (Rested=true); a market taker's residual never
// rests, and its terminal status (Filled vs. Rejected) is left to the
// caller, since it depends on whether any size traded.
// nowUnix drives lazy expiry eviction encountered while walking.
func (b *Book) Submit(taker *Order, nowUnix int64) *MatchResult {
	res := &MatchResult{}
	opp := taker.Side.Opposite()

	for taker.SizeRemaining > 0 {
		bestPrice, ok := b.bestPriceFor(opp)
		if !ok {
			break
		}
		if !taker.Type.IsMarket() {
			if taker.Side == Long && bestPrice > taker.LimitPrice {
				break
			}
			if taker.Side == Short && bestPrice < taker.LimitPrice {
				break
			}
		}

		maker := b.lazyEvictFront(opp, bestPrice, nowUnix, &res.ExpiredSkipped)
		if maker == nil {
			continue // level emptied by eviction; heap already updated, loop re-peeks
		}

		fillSize := min(taker.SizeRemaining, maker.SizeRemaining)
		taker.SizeRemaining -= fillSize
		maker.SizeRemaining -= fillSize

		res.Fills = append(res.Fills, Fill{
			MakerOrderID: maker.ID,
			TakerOrderID: taker.ID,
			MakerTrader:  maker.Trader,
			TakerTrader:  taker.Trader,
			Price:        bestPrice,
			Size:         fillSize,
		})
		b.lastTradePrice = bestPrice
		b.lastTradeTime = nowUnix

		if maker.SizeRemaining == 0 {
			maker.Status = StatusFilled
			ladder := b.ladder(opp)
			lv := ladder[bestPrice]
			lv.orders.Remove(b.index[maker.ID].elem)
			delete(b.index, maker.ID)
			b.removeLevelIfEmpty(opp, bestPrice)
		} else {
			maker.Status = StatusPartiallyFilled
		}
	}

	if taker.SizeRemaining > 0 && !taker.Type.IsMarket() {
		b.rest(taker)
		res.Rested = true
	}
	return res
}

func (b *Book) bestPriceFor(side Side) (uint64, bool) {
	if side == Long {
		return b.bestBid()
	}
	return b.bestAsk()
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// GetDepth returns the top `levels` aggregated price rows per side
// (spec.md §4.4).
func (b *Book) GetDepth(levels int) Depth {
	d := Depth{
		LastTradePrice: b.lastTradePrice,
		TimestampUnix:  b.lastTradeTime,
	}
	if bid, ok := b.bestBid(); ok {
		d.BestBid, d.HasBestBid = bid, true
	}
	if ask, ok := b.bestAsk(); ok {
		d.BestAsk, d.HasBestAsk = ask, true
	}
	d.Bids = aggregateTop(b.bidHeap, b.bids, levels, true)
	d.Asks = aggregateTop(b.askHeap, b.asks, levels, false)
	return d
}

func aggregateTop(h []uint64, ladder map[uint64]*level, n int, descending bool) []PriceLevel {
	prices := append([]uint64(nil), h...)
	sortPrices(prices, descending)
	if n > 0 && len(prices) > n {
		prices = prices[:n]
	}
	out := make([]PriceLevel, 0, len(prices))
	for _, p := range prices {
		lv, ok := ladder[p]
		if !ok || lv.orders.Len() == 0 {
			continue
		}
		var total uint64
		count := 0
		for e := lv.orders.Front(); e != nil; e = e.Next() {
			total += e.Value.(*Order).SizeRemaining
			count++
		}
		out = append(out, PriceLevel{Price: p, TotalSize: total, OrderCount: count})
	}
	return out
}

func sortPrices(prices []uint64, descending bool) {
	// insertion sort: depth levels are small (typically <= a few hundred)
	for i := 1; i < len(prices); i++ {
		v := prices[i]
		j := i - 1
		for j >= 0 && ((descending && prices[j] < v) || (!descending && prices[j] > v)) {
			prices[j+1] = prices[j]
			j--
		}
		prices[j+1] = v
	}
}
