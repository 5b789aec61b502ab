package orderbook

import "github.com/ethereum/go-ethereum/common"

// Side is the position direction an order seeks to establish or increase.
// Long orders rest on the bid ladder and are matched against resting Short
// (ask) orders, and vice versa (spec.md §3 "Order").
type Side uint8

const (
	Long Side = iota
	Short
)

func (s Side) Opposite() Side {
	if s == Long {
		return Short
	}
	return Long
}

// OrderType mirrors the four wire order types from spec.md §6. StopLimit and
// StopMarket are accepted by validation (C2) but the wire message carries no
// separate trigger price, so the book executes them identically to Limit
// and Market respectively — see DESIGN.md for this documented limitation.
type OrderType uint8

const (
	Market OrderType = iota
	Limit
	StopLimit
	StopMarket
)

func (t OrderType) IsMarket() bool { return t == Market || t == StopMarket }

// Status is the lifecycle state of an order (spec.md §3 "Order").
type Status uint8

const (
	StatusNew Status = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusExpired
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// Order is a resting or in-flight order owned by a single token's book
// while non-terminal (spec.md §3 "Order").
type Order struct {
	ID             uint64
	Seq            uint64 // monotonic arrival sequence, breaks ties within a price level
	Trader         common.Address
	Token          common.Address
	Side           Side
	Type           OrderType
	SizeOriginal   uint64
	SizeRemaining  uint64
	LimitPrice     uint64 // 0 for market orders
	Leverage       uint64
	DeadlineUnix   int64
	Status         Status
	CreatedAtUnix  int64
	UpdatedAtUnix  int64
}

// Fill is a single maker/taker match produced while walking the book.
type Fill struct {
	MakerOrderID uint64
	TakerOrderID uint64
	MakerTrader  common.Address
	TakerTrader  common.Address
	Price        uint64
	Size         uint64
}

// PriceLevel is an aggregated depth row (spec.md §4.4 "Depth query").
type PriceLevel struct {
	Price      uint64
	TotalSize  uint64
	OrderCount int
}

// Depth is the response shape of getDepth (spec.md §4.4).
type Depth struct {
	Bids           []PriceLevel
	Asks           []PriceLevel
	BestBid        uint64
	HasBestBid     bool
	BestAsk        uint64
	HasBestAsk     bool
	LastTradePrice uint64
	TimestampUnix  int64
}
