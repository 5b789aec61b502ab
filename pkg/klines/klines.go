// Package klines implements the append-only trade log and bucketed OHLCV
// aggregator (spec.md §3 "Trade", §4.6, C6). Trades are buffered in memory;
// Flush hands the unflushed tail to a caller for persistence, and pkg/engine
// does not call it, so the engine as wired keeps its trade log in memory
// only. The paired-position store (C7) is the source of truth for
// settlement, not the trade log.
//
// Grounded on the teacher's pkg/app/core/orderbook trade-recording path
// (Trade struct, sequential trade ids) for the Trade shape, generalized
// into a standalone aggregator since the teacher has no k-line/bucket
// concept of its own; the OHLCV bucket math follows the closed-form spec.md
// gives directly (no corpus analogue needed).
package klines

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Resolution is a k-line bucket width, in seconds.
type Resolution int64

const (
	Res1m  Resolution = 60
	Res5m  Resolution = 5 * 60
	Res15m Resolution = 15 * 60
	Res1h  Resolution = 60 * 60
	Res4h  Resolution = 4 * 60 * 60
	Res1d  Resolution = 24 * 60 * 60
)

// DefaultResolutions is the configured set of bucket widths every token
// aggregates (spec.md §4.6).
var DefaultResolutions = []Resolution{Res1m, Res5m, Res15m, Res1h, Res4h, Res1d}

// Trade is one append-only fill record (spec.md §3 "Trade").
type Trade struct {
	ID           uint64
	Token        common.Address
	MakerOrderID uint64
	TakerOrderID uint64
	MakerTrader  common.Address
	TakerTrader  common.Address
	Price        uint64
	Size         uint64
	TimestampUnix int64
	MakerFee     int64 // signed: negative is a maker rebate
	TakerFee     int64
	PairID       uint64
}

// Bucket is one OHLCV row for a (token, resolution, bucketIndex).
type Bucket struct {
	BucketIndex int64 // floor(timestamp / resolutionSeconds)
	Open, High, Low, Close uint64
	Volume      uint64
	TradeCount  uint64
	Closed      bool // true once a later trade has moved past this bucket
}

type tokenState struct {
	mu      sync.Mutex
	trades  []Trade // unflushed tail; Flush drains this
	buckets map[Resolution]map[int64]*Bucket
	lastSeen map[Resolution]int64 // most recent bucket index touched, to mark prior ones Closed
}

// Aggregator owns every token's in-memory trade buffer and k-line buckets.
// Flushing to a durable repository is the caller's responsibility (spec.md
// Non-goals: "the durable store ... addressed only via its interface").
type Aggregator struct {
	mu          sync.Mutex
	nextTradeID uint64
	resolutions []Resolution
	tokens      map[common.Address]*tokenState
}

func NewAggregator(resolutions []Resolution) *Aggregator {
	if len(resolutions) == 0 {
		resolutions = DefaultResolutions
	}
	return &Aggregator{
		resolutions: resolutions,
		tokens:      make(map[common.Address]*tokenState),
	}
}

func (a *Aggregator) stateFor(token common.Address) *tokenState {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.tokens[token]
	if !ok {
		st = &tokenState{
			buckets:  make(map[Resolution]map[int64]*Bucket),
			lastSeen: make(map[Resolution]int64),
		}
		for _, r := range a.resolutions {
			st.buckets[r] = make(map[int64]*Bucket)
		}
		a.tokens[token] = st
	}
	return st
}

// Record appends a trade and updates every resolution's current bucket
// (spec.md §4.6). The trade is assigned the next monotonic log id.
func (a *Aggregator) Record(t Trade) Trade {
	a.mu.Lock()
	a.nextTradeID++
	t.ID = a.nextTradeID
	a.mu.Unlock()

	st := a.stateFor(t.Token)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.trades = append(st.trades, t)
	for _, r := range a.resolutions {
		idx := int64(t.TimestampUnix) / int64(r)
		if prev, ok := st.lastSeen[r]; ok && prev != idx {
			if b, ok := st.buckets[r][prev]; ok {
				b.Closed = true
			}
		}
		st.lastSeen[r] = idx
		b, ok := st.buckets[r][idx]
		if !ok {
			b = &Bucket{BucketIndex: idx, Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price}
			st.buckets[r][idx] = b
		}
		if t.Price > b.High {
			b.High = t.Price
		}
		if t.Price < b.Low {
			b.Low = t.Price
		}
		b.Close = t.Price
		b.Volume += t.Size
		b.TradeCount++
	}
	return t
}

// Flush drains and returns the unflushed trade tail for a token, for the
// caller to persist via the repository interface.
func (a *Aggregator) Flush(token common.Address) []Trade {
	st := a.stateFor(token)
	st.mu.Lock()
	defer st.mu.Unlock()
	out := st.trades
	st.trades = nil
	return out
}

// Query returns every bucket covering [fromUnix, toUnix] for (token,
// resolution). Missing (no-trade) buckets are not synthesized — the view
// layer fills gaps (spec.md §4.6).
func (a *Aggregator) Query(token common.Address, res Resolution, fromUnix, toUnix int64) []Bucket {
	st := a.stateFor(token)
	st.mu.Lock()
	defer st.mu.Unlock()

	fromIdx := fromUnix / int64(res)
	toIdx := toUnix / int64(res)
	var out []Bucket
	for idx, b := range st.buckets[res] {
		if idx < fromIdx || idx > toIdx {
			continue
		}
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketIndex < out[j].BucketIndex })
	return out
}
