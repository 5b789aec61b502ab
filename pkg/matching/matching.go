// Package matching implements the per-token matching engine (spec.md §4.5,
// C5): it owns one order book per active token, serializes that token's
// commands behind a per-token lock, and wires every submit into validation
// (C2), lifecycle (C11), the balance ledger (C3), the order book (C4), the
// paired position store (C7), the trade log (C6), and the broadcast fabric
// (C12).
//
// Grounded on the teacher's pkg/app/core orchestration in
// apply_signed_tx.go (the same validate -> lock -> match -> settle -> log
// -> broadcast -> commit-nonce pipeline shape), generalized from the
// teacher's single unilateral-position settlement call into the spec's
// required/locked-collateral and paired-position steps.
package matching

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/broadcast"
	"github.com/memeperp/engine/pkg/engineerr"
	"github.com/memeperp/engine/pkg/fixedpoint"
	"github.com/memeperp/engine/pkg/klines"
	"github.com/memeperp/engine/pkg/ledger"
	"github.com/memeperp/engine/pkg/lifecycle"
	"github.com/memeperp/engine/pkg/orderbook"
	"github.com/memeperp/engine/pkg/ordercrypto"
	"github.com/memeperp/engine/pkg/positions"
)

// MarkPriceSource is the subset of C8 the matching engine needs: the
// reference price for market orders and the price-deviation cross-check
// (spec.md §4.5 step 2).
type MarkPriceSource interface {
	MarkPrice(token common.Address) (price uint64, ok bool)
}

// FundingIndexSource is the subset of C10 the matching engine needs to hand
// C7 the current per-token cumulative funding index on every trade.
type FundingIndexSource interface {
	FundingIndex(token common.Address) int64
}

type orderMeta struct {
	Trader   common.Address
	Leverage uint64
	Side     orderbook.Side
	Locked   uint64 // remaining collateral not yet converted into a pair
}

type tokenState struct {
	mu          sync.Mutex
	book        *orderbook.Book
	meta        map[uint64]*orderMeta
	nextOrderID uint64
	nextTradeSeq uint64
}

// Engine owns every active token's order book and wires a submission
// through the full per-trade pipeline spec.md §4.5 describes.
type Engine struct {
	lifecycle    *lifecycle.Registry
	ledger       *ledger.Ledger
	validator    *ordercrypto.Validator
	positions    *positions.Store
	klines       *klines.Aggregator
	bus          *broadcast.Bus
	markPrices   MarkPriceSource
	funding      FundingIndexSource
	feeCollector common.Address

	mu     sync.Mutex
	tokens map[common.Address]*tokenState
}

func NewEngine(
	lc *lifecycle.Registry,
	l *ledger.Ledger,
	v *ordercrypto.Validator,
	p *positions.Store,
	k *klines.Aggregator,
	bus *broadcast.Bus,
	marks MarkPriceSource,
	funding FundingIndexSource,
	feeCollector common.Address,
) *Engine {
	return &Engine{
		lifecycle:    lc,
		ledger:       l,
		validator:    v,
		positions:    p,
		klines:       k,
		bus:          bus,
		markPrices:   marks,
		funding:      funding,
		feeCollector: feeCollector,
		tokens:       make(map[common.Address]*tokenState),
	}
}

func (e *Engine) stateFor(token common.Address) *tokenState {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.tokens[token]
	if !ok {
		ts = &tokenState{book: orderbook.New(), meta: make(map[uint64]*orderMeta)}
		e.tokens[token] = ts
	}
	return ts
}

// SubmitResult mirrors the external submission response shape (spec.md §6).
type SubmitResult struct {
	OrderID uint64
	Status  orderbook.Status
	Matches []orderbook.Fill
}

// Submit runs the full C5 pipeline for one signed order (spec.md §4.5).
func (e *Engine) Submit(req *ordercrypto.SubmitRequest, nowUnix int64) (*SubmitResult, error) {
	tok, err := e.lifecycle.Get(req.Msg.Token)
	if err != nil {
		return nil, err
	}
	if tok.State != lifecycle.Active || !tok.Params.TradingEnabled || e.lifecycle.IsQuarantined(req.Msg.Token) {
		return nil, engineerr.New(engineerr.CodeTokenNotTrading, "token is not open for trading")
	}

	validated, err := e.validator.Validate(req, ordercrypto.TokenParams{
		MaxLeverage:    tok.Params.MaxLeverage,
		TickSize:       tok.Params.TickSize,
		MinOrderSize:   tok.Params.MinOrderSize,
		TradingEnabled: tok.Params.TradingEnabled,
	})
	if err != nil {
		return nil, err
	}

	ts := e.stateFor(req.Msg.Token)
	ts.mu.Lock()
	result, err := e.submitLocked(ts, tok, validated, nowUnix)
	ts.mu.Unlock()

	if err != nil {
		e.validator.Release(validated.Trader, validated.Nonce)
		if code, ok := engineerr.CodeOf(err); ok && engineerr.IsInvariant(code) {
			e.lifecycle.Quarantine(req.Msg.Token)
		}
		return nil, err
	}
	if result.Status == orderbook.StatusRejected {
		e.validator.Release(validated.Trader, validated.Nonce)
		return result, nil
	}
	e.validator.Commit(validated.Trader, validated.Nonce)
	return result, nil
}

// Reopen implements the risk engine's auto-deleverage hook (C9, spec.md
// §4.9): after a liquidation settles a pair and pays the surviving trader
// out in cash, it submits a synthetic market order on that trader's behalf
// so their exposure can resume immediately at the current mark price,
// standing in for spec.md's "returned to the book as a synthetic resting
// order". It bypasses signature and nonce validation entirely — there is no
// signed message, since the trader never asked for this order — but still
// runs the full collateral-lock/match/settle pipeline. Returns the size
// actually filled; a partial or zero fill means there was no liquidity
// within the tick, which the risk engine treats as the unwound trader
// simply staying flat rather than chasing a deeper book.
func (e *Engine) Reopen(token, trader common.Address, isLong bool, size, leverage uint64, nowUnix int64) (uint64, error) {
	tok, err := e.lifecycle.Get(token)
	if err != nil {
		return 0, err
	}
	v := &ordercrypto.Validated{
		Trader: trader, Token: token, IsLong: isLong, Size: size, Leverage: leverage,
		Deadline: nowUnix + 3600, OrderType: ordercrypto.OrderTypeMarket,
	}
	ts := e.stateFor(token)
	ts.mu.Lock()
	res, err := e.submitLocked(ts, tok, v, nowUnix)
	ts.mu.Unlock()
	if err != nil {
		return 0, err
	}
	var filled uint64
	for _, f := range res.Matches {
		filled += f.Size
	}
	return filled, nil
}

func (e *Engine) submitLocked(ts *tokenState, tok *lifecycle.Token, v *ordercrypto.Validated, nowUnix int64) (*SubmitResult, error) {
	isMarket := v.OrderType == ordercrypto.OrderTypeMarket || v.OrderType == ordercrypto.OrderTypeStopMarket

	referencePrice := v.Price
	if isMarket {
		mark, ok := e.markPrices.MarkPrice(tok.Address)
		if !ok {
			return nil, engineerr.New(engineerr.CodeNoLiquidity, "no mark price available for market order")
		}
		if err := checkPriceDeviation(ts.book, v.IsLong, mark, tok.Params.MaxPriceDeviationBps); err != nil {
			return nil, err
		}
		referencePrice = mark
	}

	requiredCollateral, err := fixedpoint.RequiredCollateral(v.Size, referencePrice, v.Leverage)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.Lock(v.Trader, requiredCollateral); err != nil {
		return nil, err
	}

	ts.nextOrderID++
	orderID := ts.nextOrderID
	side := orderbook.Long
	if !v.IsLong {
		side = orderbook.Short
	}
	order := &orderbook.Order{
		ID:            orderID,
		Seq:           orderID,
		Trader:        v.Trader,
		Token:         tok.Address,
		Side:          side,
		Type:          toBookOrderType(v.OrderType),
		SizeOriginal:  v.Size,
		SizeRemaining: v.Size,
		LimitPrice:    v.Price,
		Leverage:      v.Leverage,
		DeadlineUnix:  v.Deadline,
		Status:        orderbook.StatusNew,
		CreatedAtUnix: nowUnix,
		UpdatedAtUnix: nowUnix,
	}
	ts.meta[orderID] = &orderMeta{Trader: v.Trader, Leverage: v.Leverage, Side: side, Locked: requiredCollateral}

	res := ts.book.Submit(order, nowUnix)

	for _, expired := range res.ExpiredSkipped {
		trader := metaTrader(ts, expired.ID)
		e.releaseRemaining(ts, expired.ID)
		e.bus.Publish(topicLifecycle(tok.Address), expiredEvent{OrderID: expired.ID, Trader: trader}, nowUnix)
	}

	for _, f := range res.Fills {
		if err := e.settleFill(ts, tok, f, nowUnix); err != nil {
			return nil, err
		}
	}

	switch {
	case order.Type.IsMarket():
		order.UpdatedAtUnix = nowUnix
		if order.SizeRemaining == 0 {
			order.Status = orderbook.StatusFilled
		} else if len(res.Fills) > 0 {
			order.Status = orderbook.StatusFilled // remainder auto-cancelled, spec.md §3 "Order"
		} else {
			order.Status = orderbook.StatusRejected
		}
		e.releaseRemaining(ts, orderID)
	case res.Rested:
		if order.SizeRemaining == order.SizeOriginal {
			order.Status = orderbook.StatusNew
		} else {
			order.Status = orderbook.StatusPartiallyFilled
		}
	default: // limit fully filled, did not rest
		order.Status = orderbook.StatusFilled
		e.releaseRemaining(ts, orderID)
	}

	if order.Status == orderbook.StatusRejected {
		e.releaseRemaining(ts, orderID)
	}

	e.bus.Publish(topicBook(tok.Address), ts.book.GetDepth(20), nowUnix)

	return &SubmitResult{OrderID: orderID, Status: order.Status, Matches: res.Fills}, nil
}

// settleFill applies one match: fees, the trade log entry, the paired
// position update, and the broadcast event (spec.md §4.5 step 4).
func (e *Engine) settleFill(ts *tokenState, tok *lifecycle.Token, f orderbook.Fill, nowUnix int64) error {
	notional, err := fixedpoint.Notional(f.Size, f.Price)
	if err != nil {
		return err
	}
	makerFee, err := signedBpsOf(notional, tok.Params.MakerFeeBps)
	if err != nil {
		return err
	}
	takerFee, err := signedBpsOf(notional, tok.Params.TakerFeeBps)
	if err != nil {
		return err
	}

	makerMeta := ts.meta[f.MakerOrderID]
	takerMeta := ts.meta[f.TakerOrderID]

	var longTrader, shortTrader common.Address
	var longLeverage, shortLeverage uint64
	if makerMeta.Side == orderbook.Long {
		longTrader, longLeverage = f.MakerTrader, makerMeta.Leverage
		shortTrader, shortLeverage = f.TakerTrader, takerMeta.Leverage
	} else {
		longTrader, longLeverage = f.TakerTrader, takerMeta.Leverage
		shortTrader, shortLeverage = f.MakerTrader, makerMeta.Leverage
	}

	fundingIndex := int64(0)
	if e.funding != nil {
		fundingIndex = e.funding.FundingIndex(tok.Address)
	}
	outcome, err := e.positions.ApplyTrade(positions.TradeInput{
		Token: tok.Address, LongTrader: longTrader, ShortTrader: shortTrader,
		Size: f.Size, Price: f.Price, LongLeverage: longLeverage, ShortLeverage: shortLeverage,
		NowUnix: nowUnix, FundingIndex: fundingIndex,
	})
	if err != nil {
		return err
	}

	makerFillCollateral, _ := fixedpoint.RequiredCollateral(f.Size, f.Price, makerMeta.Leverage)
	makerMeta.Locked = saturatingSub(makerMeta.Locked, makerFillCollateral)
	takerFillCollateral, _ := fixedpoint.RequiredCollateral(f.Size, f.Price, takerMeta.Leverage)
	takerMeta.Locked = saturatingSub(takerMeta.Locked, takerFillCollateral)

	if makerFee != 0 {
		if err := applyFee(e.ledger, f.MakerTrader, e.feeCollector, makerFee); err != nil {
			return err
		}
	}
	if takerFee != 0 {
		if err := applyFee(e.ledger, f.TakerTrader, e.feeCollector, takerFee); err != nil {
			return err
		}
	}

	trade := e.klines.Record(klines.Trade{
		Token: tok.Address, MakerOrderID: f.MakerOrderID, TakerOrderID: f.TakerOrderID,
		MakerTrader: f.MakerTrader, TakerTrader: f.TakerTrader, Price: f.Price, Size: f.Size,
		TimestampUnix: nowUnix, MakerFee: makerFee, TakerFee: takerFee, PairID: outcome.OpenedPairID,
	})
	ts.nextTradeSeq++

	e.lifecycle.MutateStats(tok.Address, func(s *lifecycle.Stats) {
		s.LastPrice = f.Price
		s.Volume24h += f.Size
		s.TradeCount24h++
	})

	e.bus.Publish(topicTrades(tok.Address), trade, nowUnix)
	return nil
}

// applyFee moves a signed fee between a trader and the protocol fee
// collector; a negative fee is a maker rebate (collector pays the maker).
func applyFee(l *ledger.Ledger, trader, collector common.Address, fee int64) error {
	if fee > 0 {
		return l.Transfer(trader, collector, uint64(fee))
	}
	return l.Transfer(collector, trader, uint64(-fee))
}

func (e *Engine) releaseRemaining(ts *tokenState, orderID uint64) {
	m, ok := ts.meta[orderID]
	if !ok {
		return
	}
	if m.Locked > 0 {
		e.ledger.Release(m.Trader, m.Locked)
	}
	delete(ts.meta, orderID)
}

func metaTrader(ts *tokenState, orderID uint64) common.Address {
	if m, ok := ts.meta[orderID]; ok {
		return m.Trader
	}
	return common.Address{}
}

// Cancel removes a resting order owned by trader (spec.md §4.4/§4.5).
func (e *Engine) Cancel(token common.Address, orderID uint64, trader common.Address) error {
	ts := e.stateFor(token)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	meta, ok := ts.meta[orderID]
	if !ok || meta.Trader != trader {
		return engineerr.New(engineerr.CodeOrderNotFound, "order is not resting for this trader")
	}
	if _, err := ts.book.Cancel(orderID); err != nil {
		return err
	}
	e.releaseRemaining(ts, orderID)
	e.bus.Publish(topicBook(token), ts.book.GetDepth(20), 0)
	return nil
}

// Depth returns a snapshot of token's order book for the REST/WS transport
// layer (spec.md §4.4 "Depth query"). An unknown token yields an empty book
// rather than an error, since a token with no orders yet has a legitimate
// empty depth.
func (e *Engine) Depth(token common.Address, levels int) orderbook.Depth {
	ts := e.stateFor(token)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.book.GetDepth(levels)
}

// LastTradePrice implements markprice.LastTradeSource: the order book's
// most recent executed price for token, used as the mark-price feed's
// staleness fallback (spec.md §4.8).
func (e *Engine) LastTradePrice(token common.Address) (uint64, bool) {
	ts := e.stateFor(token)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	p := ts.book.LastTradePrice()
	return p, p != 0
}

// CancelAllResting cancels every order still resting on token's book,
// releasing its locked collateral back to the owning trader. Used by the
// orchestration layer's graceful-drain path (spec.md §6: "cancel all
// resting" on SIGINT/SIGTERM).
func (e *Engine) CancelAllResting(token common.Address) int {
	ts := e.stateFor(token)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ids := make([]uint64, 0, len(ts.meta))
	for id := range ts.meta {
		ids = append(ids, id)
	}
	canceled := 0
	for _, id := range ids {
		if _, err := ts.book.Cancel(id); err != nil {
			continue
		}
		e.releaseRemaining(ts, id)
		canceled++
	}
	if canceled > 0 {
		e.bus.Publish(topicBook(token), ts.book.GetDepth(20), 0)
	}
	return canceled
}

// TopicBook, TopicTrades and TopicLifecycle expose the broadcast topic
// naming scheme to the transport layer, which needs to subscribe to exactly
// the topics this engine publishes on.
func TopicBook(token common.Address) string      { return topicBook(token) }
func TopicTrades(token common.Address) string    { return topicTrades(token) }
func TopicLifecycle(token common.Address) string { return topicLifecycle(token) }

func checkPriceDeviation(book *orderbook.Book, isLong bool, mark uint64, maxDeviationBps uint64) error {
	var opposite uint64
	var ok bool
	if isLong {
		opposite, ok = book.BestAsk()
	} else {
		opposite, ok = book.BestBid()
	}
	if !ok || maxDeviationBps == 0 {
		return nil
	}
	diff := absDiff(mark, opposite)
	allowed, err := fixedpoint.BpsOf(opposite, maxDeviationBps)
	if err != nil {
		return err
	}
	if diff > allowed {
		return engineerr.New(engineerr.CodePriceDeviationExceeded, "mark price has drifted beyond the book's tolerance")
	}
	return nil
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

func signedBpsOf(amount uint64, bps int64) (int64, error) {
	neg := bps < 0
	mag := bps
	if neg {
		mag = -mag
	}
	v, err := fixedpoint.BpsOf(amount, uint64(mag))
	if err != nil {
		return 0, err
	}
	if neg {
		return -int64(v), nil
	}
	return int64(v), nil
}

func toBookOrderType(t ordercrypto.OrderType) orderbook.OrderType {
	switch t {
	case ordercrypto.OrderTypeMarket:
		return orderbook.Market
	case ordercrypto.OrderTypeLimit:
		return orderbook.Limit
	case ordercrypto.OrderTypeStopLimit:
		return orderbook.StopLimit
	case ordercrypto.OrderTypeStopMarket:
		return orderbook.StopMarket
	default:
		return orderbook.Limit
	}
}

type expiredEvent struct {
	OrderID uint64
	Trader  common.Address
}

func topicBook(token common.Address) string      { return "book:" + token.Hex() }
func topicTrades(token common.Address) string    { return "trades:" + token.Hex() }
func topicLifecycle(token common.Address) string { return "lifecycle:" + token.Hex() }
