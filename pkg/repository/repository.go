// Package repository defines the durable-store boundary spec.md §6 calls
// out as the engine's "repository": orders, trades, positions, k-line
// buckets, balances, nonces and the settlement log, each behind its own
// narrow interface so an in-memory fake can stand in for tests while
// PebbleRepository backs a real deployment.
//
// Grounded on the teacher's pkg/storage package, which pairs a single
// pebble.DB with a small set of domain-shaped Save/Load methods and its own
// key-prefix scheme (pkg/storage/account_keys.go, pebble_store.go) — this
// package keeps that shape but re-derives the prefixes and entities for
// MemePerp's own domain types (orders, trades, paired positions, k-lines)
// rather than the teacher's unilateral account/position/order model.
package repository

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/klines"
	"github.com/memeperp/engine/pkg/ledger"
	"github.com/memeperp/engine/pkg/orderbook"
	"github.com/memeperp/engine/pkg/positions"
)

// SettlementLogEntry is one durable record of a settlement instruction
// having been handed to the chain gateway, independent of its on-chain
// confirmation state (which lives in the bridge's in-memory tracking, not
// here — spec.md §6: "settlementLog.append/getByUser").
type SettlementLogEntry struct {
	PairID        uint64
	Seq           uint64
	Token         common.Address
	Kind          string
	LongTrader    common.Address
	ShortTrader   common.Address
	Size          uint64
	Price         uint64
	TimestampUnix int64
}

// OrderRepository persists orders and supports lookup by id and by trader
// (spec.md §6: "orders.save/updateStatus/getById/getByTrader").
type OrderRepository interface {
	SaveOrder(o orderbook.Order) error
	UpdateOrderStatus(orderID uint64, status orderbook.Status) error
	GetOrderByID(orderID uint64) (orderbook.Order, bool, error)
	// GetOrdersByTrader returns at most limit orders for trader, most recent
	// first. A zero limit means unbounded.
	GetOrdersByTrader(trader common.Address, limit int) ([]orderbook.Order, error)
}

// TradeRepository appends the fill log and supports lookup by token or by
// participant (spec.md §6: "trades.append/getByToken/getByUser").
type TradeRepository interface {
	AppendTrade(t klines.Trade) error
	// GetTradesByToken returns at most limit trades for token with
	// TimestampUnix < before (0 means unbounded), most recent first.
	GetTradesByToken(token common.Address, limit int, before int64) ([]klines.Trade, error)
	GetTradesByUser(trader common.Address, limit int) ([]klines.Trade, error)
}

// PositionRepository persists paired positions (spec.md §6:
// "positions.save/update/getById/getByTrader/getByToken/getAllActive").
type PositionRepository interface {
	SavePosition(p positions.PairedPosition) error
	UpdatePosition(p positions.PairedPosition) error
	GetPositionByID(pairID uint64) (positions.PairedPosition, bool, error)
	GetPositionsByTrader(trader common.Address) ([]positions.PairedPosition, error)
	GetPositionsByToken(token common.Address) ([]positions.PairedPosition, error)
	GetAllActivePositions() ([]positions.PairedPosition, error)
}

// KlineBucketRecord is a Bucket scoped to the (token, resolution) it
// belongs to, since klines.Bucket on its own carries neither.
type KlineBucketRecord struct {
	Token      common.Address
	Resolution klines.Resolution
	Bucket     klines.Bucket
}

// KlineRepository persists OHLCV buckets (spec.md §6:
// "klines.upsertBucket/getRange").
type KlineRepository interface {
	UpsertKlineBucket(r KlineBucketRecord) error
	GetKlineRange(token common.Address, resolution klines.Resolution, fromUnix, toUnix int64) ([]KlineBucketRecord, error)
}

// BalanceRepository persists ledger balances across restarts (spec.md §6:
// "balances.load/persist").
type BalanceRepository interface {
	LoadBalance(trader common.Address) (ledger.Balance, bool, error)
	PersistBalance(trader common.Address, b ledger.Balance) error
}

// NonceRepository persists the last-committed nonce per trader (spec.md
// §6: "nonces.load/persist").
type NonceRepository interface {
	LoadNonce(trader common.Address) (uint64, bool, error)
	PersistNonce(trader common.Address, value uint64) error
}

// SettlementLogRepository is the durable append-only record of every
// instruction handed to the chain gateway (spec.md §6:
// "settlementLog.append/getByUser").
type SettlementLogRepository interface {
	AppendSettlementLog(e SettlementLogEntry) error
	GetSettlementLogByUser(trader common.Address, limit int) ([]SettlementLogEntry, error)
}

// Repository is the full durable-store surface the engine depends on.
// A single implementation (PebbleRepository) satisfies all seven facets,
// matching the teacher's single-PebbleStore-does-everything shape, but
// callers should depend on the narrowest interface they actually need.
type Repository interface {
	OrderRepository
	TradeRepository
	PositionRepository
	KlineRepository
	BalanceRepository
	NonceRepository
	SettlementLogRepository

	Close() error
}
