package repository

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/klines"
	"github.com/memeperp/engine/pkg/ledger"
	"github.com/memeperp/engine/pkg/orderbook"
	"github.com/memeperp/engine/pkg/positions"
)

// PebbleRepository is the durable Repository backed by a single pebble.DB,
// following the teacher's pkg/storage.PebbleStore shape (one embedded KV
// engine, one Go struct, JSON-encoded domain records behind hand-rolled
// key prefixes) generalized to MemePerp's seven repository facets and
// their by-trader/by-token/by-status secondary-access patterns, none of
// which the teacher's unilateral-account model needed.
type PebbleRepository struct {
	db *pebble.DB
}

// NewPebbleRepository opens (or creates) a repository at path.
func NewPebbleRepository(path string) (*PebbleRepository, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	return &PebbleRepository{db: db}, nil
}

func (r *PebbleRepository) Close() error { return r.db.Close() }

func scanID(key []byte, prefix string) (uint64, error) {
	s := string(key)
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return 0, fmt.Errorf("malformed index key %q for prefix %q", s, prefix)
	}
	return strconv.ParseUint(s[idx+1:], 10, 64)
}

// ---- orders ----

func (r *PebbleRepository) SaveOrder(o orderbook.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	batch := r.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(orderKey(o.ID), data, nil); err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	if err := batch.Set(orderByTraderKey(o.Trader, o.ID), nil, nil); err != nil {
		return fmt.Errorf("index order by trader: %w", err)
	}
	return batch.Commit(pebble.Sync)
}

func (r *PebbleRepository) UpdateOrderStatus(orderID uint64, status orderbook.Status) error {
	o, ok, err := r.GetOrderByID(orderID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("update order status: order %d not found", orderID)
	}
	o.Status = status
	return r.SaveOrder(o)
}

func (r *PebbleRepository) GetOrderByID(orderID uint64) (orderbook.Order, bool, error) {
	data, closer, err := r.db.Get(orderKey(orderID))
	if err == pebble.ErrNotFound {
		return orderbook.Order{}, false, nil
	}
	if err != nil {
		return orderbook.Order{}, false, fmt.Errorf("get order: %w", err)
	}
	defer closer.Close()
	var o orderbook.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return orderbook.Order{}, false, fmt.Errorf("unmarshal order: %w", err)
	}
	return o, true, nil
}

func (r *PebbleRepository) GetOrdersByTrader(trader common.Address, limit int) ([]orderbook.Order, error) {
	prefix := orderByTraderPrefix(trader)
	iter, err := r.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("iterate orders by trader: %w", err)
	}
	defer iter.Close()

	var out []orderbook.Order
	for iter.Last(); iter.Valid() && (limit == 0 || len(out) < limit); iter.Prev() {
		id, err := scanID(iter.Key(), prefixOrderByTrader)
		if err != nil {
			continue
		}
		o, ok, err := r.GetOrderByID(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, o)
		}
	}
	return out, nil
}

// ---- trades ----

func (r *PebbleRepository) AppendTrade(t klines.Trade) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	batch := r.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(tradeKey(t.Token, t.TimestampUnix, t.ID), data, nil); err != nil {
		return fmt.Errorf("append trade: %w", err)
	}
	if err := batch.Set(tradeByUserKey(t.MakerTrader, t.TimestampUnix, t.ID), data, nil); err != nil {
		return fmt.Errorf("index trade by maker: %w", err)
	}
	if err := batch.Set(tradeByUserKey(t.TakerTrader, t.TimestampUnix, t.ID), data, nil); err != nil {
		return fmt.Errorf("index trade by taker: %w", err)
	}
	return batch.Commit(pebble.NoSync)
}

func (r *PebbleRepository) GetTradesByToken(token common.Address, limit int, before int64) ([]klines.Trade, error) {
	prefix := tradeByTokenPrefix(token)
	opts := &pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)}
	if before > 0 {
		opts.UpperBound = tradeKey(token, before, 0)
	}
	iter, err := r.db.NewIter(opts)
	if err != nil {
		return nil, fmt.Errorf("iterate trades by token: %w", err)
	}
	defer iter.Close()

	var out []klines.Trade
	for iter.Last(); iter.Valid() && (limit == 0 || len(out) < limit); iter.Prev() {
		var t klines.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *PebbleRepository) GetTradesByUser(trader common.Address, limit int) ([]klines.Trade, error) {
	prefix := tradeByUserPrefix(trader)
	iter, err := r.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("iterate trades by user: %w", err)
	}
	defer iter.Close()

	var out []klines.Trade
	for iter.Last(); iter.Valid() && (limit == 0 || len(out) < limit); iter.Prev() {
		var t klines.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ---- positions ----

func (r *PebbleRepository) savePositionIndexes(batch *pebble.Batch, p positions.PairedPosition) error {
	if err := batch.Set(positionByTraderKey(p.LongTrader, p.PairID), nil, nil); err != nil {
		return err
	}
	if err := batch.Set(positionByTraderKey(p.ShortTrader, p.PairID), nil, nil); err != nil {
		return err
	}
	if err := batch.Set(positionByTokenKey(p.Token, p.PairID), nil, nil); err != nil {
		return err
	}
	if p.Status == positions.StatusActive {
		return batch.Set(positionActiveKey(p.PairID), nil, nil)
	}
	return batch.Delete(positionActiveKey(p.PairID), nil)
}

func (r *PebbleRepository) SavePosition(p positions.PairedPosition) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}
	batch := r.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(positionKey(p.PairID), data, nil); err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	if err := r.savePositionIndexes(batch, p); err != nil {
		return fmt.Errorf("index position: %w", err)
	}
	return batch.Commit(pebble.Sync)
}

func (r *PebbleRepository) UpdatePosition(p positions.PairedPosition) error {
	return r.SavePosition(p)
}

func (r *PebbleRepository) GetPositionByID(pairID uint64) (positions.PairedPosition, bool, error) {
	data, closer, err := r.db.Get(positionKey(pairID))
	if err == pebble.ErrNotFound {
		return positions.PairedPosition{}, false, nil
	}
	if err != nil {
		return positions.PairedPosition{}, false, fmt.Errorf("get position: %w", err)
	}
	defer closer.Close()
	var p positions.PairedPosition
	if err := json.Unmarshal(data, &p); err != nil {
		return positions.PairedPosition{}, false, fmt.Errorf("unmarshal position: %w", err)
	}
	return p, true, nil
}

func (r *PebbleRepository) positionsByIndex(prefix string, upper []byte) ([]positions.PairedPosition, error) {
	lower := []byte(prefix)
	iter, err := r.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []positions.PairedPosition
	for iter.First(); iter.Valid(); iter.Next() {
		id, err := scanID(iter.Key(), prefix)
		if err != nil {
			continue
		}
		p, ok, err := r.GetPositionByID(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *PebbleRepository) GetPositionsByTrader(trader common.Address) ([]positions.PairedPosition, error) {
	prefix := positionByTraderPrefix(trader)
	return r.positionsByIndex(string(prefix), keyUpperBound(prefix))
}

func (r *PebbleRepository) GetPositionsByToken(token common.Address) ([]positions.PairedPosition, error) {
	prefix := positionByTokenPrefix(token)
	return r.positionsByIndex(string(prefix), keyUpperBound(prefix))
}

func (r *PebbleRepository) GetAllActivePositions() ([]positions.PairedPosition, error) {
	prefix := []byte(prefixPositionActive)
	return r.positionsByIndex(string(prefix), keyUpperBound(prefix))
}

// ---- klines ----

func (r *PebbleRepository) UpsertKlineBucket(rec KlineBucketRecord) error {
	data, err := json.Marshal(rec.Bucket)
	if err != nil {
		return fmt.Errorf("marshal kline bucket: %w", err)
	}
	key := klineKey(rec.Token, rec.Resolution, rec.Bucket.BucketIndex)
	if err := r.db.Set(key, data, pebble.NoSync); err != nil {
		return fmt.Errorf("upsert kline bucket: %w", err)
	}
	return nil
}

func (r *PebbleRepository) GetKlineRange(token common.Address, resolution klines.Resolution, fromUnix, toUnix int64) ([]KlineBucketRecord, error) {
	prefix := klineRangePrefix(token, resolution)
	iter, err := r.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("iterate kline range: %w", err)
	}
	defer iter.Close()

	fromIdx := fromUnix / int64(resolution)
	toIdx := toUnix / int64(resolution)
	var out []KlineBucketRecord
	for iter.First(); iter.Valid(); iter.Next() {
		var b klines.Bucket
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			continue
		}
		if b.BucketIndex < fromIdx || b.BucketIndex > toIdx {
			continue
		}
		out = append(out, KlineBucketRecord{Token: token, Resolution: resolution, Bucket: b})
	}
	return out, nil
}

// ---- balances ----

func (r *PebbleRepository) LoadBalance(trader common.Address) (ledger.Balance, bool, error) {
	data, closer, err := r.db.Get(balanceKey(trader))
	if err == pebble.ErrNotFound {
		return ledger.Balance{}, false, nil
	}
	if err != nil {
		return ledger.Balance{}, false, fmt.Errorf("load balance: %w", err)
	}
	defer closer.Close()
	var b ledger.Balance
	if err := json.Unmarshal(data, &b); err != nil {
		return ledger.Balance{}, false, fmt.Errorf("unmarshal balance: %w", err)
	}
	return b, true, nil
}

func (r *PebbleRepository) PersistBalance(trader common.Address, b ledger.Balance) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal balance: %w", err)
	}
	if err := r.db.Set(balanceKey(trader), data, pebble.Sync); err != nil {
		return fmt.Errorf("persist balance: %w", err)
	}
	return nil
}

// ---- nonces ----

func (r *PebbleRepository) LoadNonce(trader common.Address) (uint64, bool, error) {
	data, closer, err := r.db.Get(nonceKey(trader))
	if err == pebble.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load nonce: %w", err)
	}
	defer closer.Close()
	if len(data) != 8 {
		return 0, false, fmt.Errorf("corrupt nonce record for %s", trader.Hex())
	}
	return binary.BigEndian.Uint64(data), true, nil
}

func (r *PebbleRepository) PersistNonce(trader common.Address, value uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], value)
	if err := r.db.Set(nonceKey(trader), buf[:], pebble.Sync); err != nil {
		return fmt.Errorf("persist nonce: %w", err)
	}
	return nil
}

// ---- settlement log ----

func (r *PebbleRepository) AppendSettlementLog(e SettlementLogEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal settlement log entry: %w", err)
	}
	batch := r.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(settlementKey(e.PairID, e.Seq), data, nil); err != nil {
		return fmt.Errorf("append settlement log: %w", err)
	}
	if err := batch.Set(settlementByUserKey(e.LongTrader, e.Seq), data, nil); err != nil {
		return fmt.Errorf("index settlement log by long trader: %w", err)
	}
	if err := batch.Set(settlementByUserKey(e.ShortTrader, e.Seq), data, nil); err != nil {
		return fmt.Errorf("index settlement log by short trader: %w", err)
	}
	return batch.Commit(pebble.Sync)
}

func (r *PebbleRepository) GetSettlementLogByUser(trader common.Address, limit int) ([]SettlementLogEntry, error) {
	prefix := settlementByUserPrefix(trader)
	iter, err := r.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: keyUpperBound(prefix)})
	if err != nil {
		return nil, fmt.Errorf("iterate settlement log by user: %w", err)
	}
	defer iter.Close()

	var out []SettlementLogEntry
	for iter.Last(); iter.Valid() && (limit == 0 || len(out) < limit); iter.Prev() {
		var e SettlementLogEntry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

var _ Repository = (*PebbleRepository)(nil)
