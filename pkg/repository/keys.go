package repository

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/klines"
)

// Key schema for Pebble storage.
//
// Primary records:
//   ord:<orderID:020d>                          → Order
//   trade:<token>:<ts:020d>:<tradeID:020d>       → Trade
//   pos:<pairID:020d>                            → PairedPosition
//   kline:<token>:<resolution>:<bucketIdx:020d>  → Bucket
//   bal:<trader>                                 → Balance
//   nonce:<trader>                               → uint64 value
//   settle:<pairID:020d>:<seq:020d>              → SettlementLogEntry
//
// Secondary indexes (ordtr/postr/postok/posactive hold a zero-length marker
// and the primary record is re-read by its own key; tradeuser and
// settleuser hold a full copy of the record):
//   ordtr:<trader>:<orderID:020d>                → order, by trader
//   tradeuser:<trader>:<ts:020d>:<tradeID:020d>  → trade, by participant
//   postr:<trader>:<pairID:020d>                 → position, by trader
//   postok:<token>:<pairID:020d>                 → position, by token
//   posactive:<pairID:020d>                      → position, while Active
//   settleuser:<trader>:<seq:020d>               → settlement log, by user
const (
	prefixOrder          = "ord:"
	prefixOrderByTrader  = "ordtr:"
	prefixTrade          = "trade:"
	prefixTradeByUser    = "tradeuser:"
	prefixPosition       = "pos:"
	prefixPositionByTrader = "postr:"
	prefixPositionByToken  = "postok:"
	prefixPositionActive   = "posactive:"
	prefixKline          = "kline:"
	prefixBalance        = "bal:"
	prefixNonce          = "nonce:"
	prefixSettlement     = "settle:"
	prefixSettlementUser = "settleuser:"
)

func orderKey(orderID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, orderID))
}

func orderByTraderKey(trader common.Address, orderID uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixOrderByTrader, trader.Hex(), orderID))
}

func orderByTraderPrefix(trader common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixOrderByTrader, trader.Hex()))
}

func tradeKey(token common.Address, timestampUnix int64, tradeID uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%020d", prefixTrade, token.Hex(), timestampUnix, tradeID))
}

func tradeByTokenPrefix(token common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTrade, token.Hex()))
}

func tradeByUserKey(trader common.Address, timestampUnix int64, tradeID uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d:%020d", prefixTradeByUser, trader.Hex(), timestampUnix, tradeID))
}

func tradeByUserPrefix(trader common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixTradeByUser, trader.Hex()))
}

func positionKey(pairID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixPosition, pairID))
}

func positionByTraderKey(trader common.Address, pairID uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixPositionByTrader, trader.Hex(), pairID))
}

func positionByTraderPrefix(trader common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixPositionByTrader, trader.Hex()))
}

func positionByTokenKey(token common.Address, pairID uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixPositionByToken, token.Hex(), pairID))
}

func positionByTokenPrefix(token common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixPositionByToken, token.Hex()))
}

func positionActiveKey(pairID uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixPositionActive, pairID))
}

func klineKey(token common.Address, res klines.Resolution, bucketIndex int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%d:%020d", prefixKline, token.Hex(), res, bucketIndex))
}

func klineRangePrefix(token common.Address, res klines.Resolution) []byte {
	return []byte(fmt.Sprintf("%s%s:%d:", prefixKline, token.Hex(), res))
}

func balanceKey(trader common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixBalance, trader.Hex()))
}

func nonceKey(trader common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixNonce, trader.Hex()))
}

func settlementKey(pairID, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", prefixSettlement, pairID, seq))
}

func settlementByUserKey(trader common.Address, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixSettlementUser, trader.Hex(), seq))
}

func settlementByUserPrefix(trader common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixSettlementUser, trader.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
