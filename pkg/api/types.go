// Package api implements the HTTP/WebSocket transport surface spec.md §6
// names (order submission/cancellation, depth/trade/position/balance
// queries, token admin, and topic subscriptions), wired against the
// engine's own in-process components rather than a remote RPC.
//
// Grounded on the teacher's pkg/api package (gorilla/mux routing,
// gorilla/websocket hub, rs/cors middleware) for shape and idiom; every
// type below is re-keyed from the teacher's `symbol string`/unilateral-
// `Account` domain onto MemePerp's own `common.Address` token/trader keys
// and paired-position model, since none of the teacher's wire types
// describe this domain.
package api

import (
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/engineerr"
	"github.com/memeperp/engine/pkg/klines"
	"github.com/memeperp/engine/pkg/ledger"
	"github.com/memeperp/engine/pkg/lifecycle"
	"github.com/memeperp/engine/pkg/orderbook"
	"github.com/memeperp/engine/pkg/ordercrypto"
	"github.com/memeperp/engine/pkg/positions"
)

// TokenInfo is the REST view of one token (spec.md §3 "Token").
type TokenInfo struct {
	Address string           `json:"address"`
	State   string           `json:"state"`
	Params  lifecycle.Params `json:"params"`
	Stats   lifecycle.Stats  `json:"stats"`
}

func tokenStateName(s lifecycle.State) string {
	switch s {
	case lifecycle.Pretrade:
		return "pretrade"
	case lifecycle.Active:
		return "active"
	case lifecycle.Paused:
		return "paused"
	case lifecycle.Delisted:
		return "delisted"
	default:
		return "unknown"
	}
}

func newTokenInfo(t *lifecycle.Token) TokenInfo {
	return TokenInfo{
		Address: t.Address.Hex(),
		State:   tokenStateName(t.State),
		Params:  t.Params,
		Stats:   t.Stats,
	}
}

// DepthResponse is the REST/WS view of orderbook.Depth.
type DepthResponse struct {
	Token          string                 `json:"token"`
	Bids           []orderbook.PriceLevel `json:"bids"`
	Asks           []orderbook.PriceLevel `json:"asks"`
	BestBid        uint64                 `json:"bestBid,omitempty"`
	BestAsk        uint64                 `json:"bestAsk,omitempty"`
	LastTradePrice uint64                 `json:"lastTradePrice"`
	TimestampUnix  int64                  `json:"timestampUnix"`
}

func newDepthResponse(token common.Address, d orderbook.Depth) DepthResponse {
	return DepthResponse{
		Token: token.Hex(), Bids: d.Bids, Asks: d.Asks,
		BestBid: d.BestBid, BestAsk: d.BestAsk,
		LastTradePrice: d.LastTradePrice, TimestampUnix: d.TimestampUnix,
	}
}

// TradeInfo is the REST/WS view of one klines.Trade.
type TradeInfo struct {
	ID            uint64 `json:"id"`
	Token         string `json:"token"`
	MakerTrader   string `json:"makerTrader"`
	TakerTrader   string `json:"takerTrader"`
	Price         uint64 `json:"price"`
	Size          uint64 `json:"size"`
	TimestampUnix int64  `json:"timestampUnix"`
	PairID        uint64 `json:"pairId"`
}

func newTradeInfo(t klines.Trade) TradeInfo {
	return TradeInfo{
		ID: t.ID, Token: t.Token.Hex(), MakerTrader: t.MakerTrader.Hex(), TakerTrader: t.TakerTrader.Hex(),
		Price: t.Price, Size: t.Size, TimestampUnix: t.TimestampUnix, PairID: t.PairID,
	}
}

// OrderInfo is the REST view of one orderbook.Order.
type OrderInfo struct {
	ID            uint64 `json:"id"`
	Trader        string `json:"trader"`
	Token         string `json:"token"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	SizeOriginal  uint64 `json:"sizeOriginal"`
	SizeRemaining uint64 `json:"sizeRemaining"`
	LimitPrice    uint64 `json:"limitPrice"`
	Leverage      uint64 `json:"leverage"`
	Status        string `json:"status"`
	CreatedAtUnix int64  `json:"createdAtUnix"`
}

func newOrderInfo(o orderbook.Order) OrderInfo {
	side := "long"
	if o.Side == orderbook.Short {
		side = "short"
	}
	return OrderInfo{
		ID: o.ID, Trader: o.Trader.Hex(), Token: o.Token.Hex(), Side: side,
		Type: orderTypeName(o.Type), SizeOriginal: o.SizeOriginal, SizeRemaining: o.SizeRemaining,
		LimitPrice: o.LimitPrice, Leverage: o.Leverage, Status: o.Status.String(), CreatedAtUnix: o.CreatedAtUnix,
	}
}

func orderTypeName(t orderbook.OrderType) string {
	switch t {
	case orderbook.Market:
		return "market"
	case orderbook.Limit:
		return "limit"
	case orderbook.StopLimit:
		return "stop_limit"
	case orderbook.StopMarket:
		return "stop_market"
	default:
		return "unknown"
	}
}

// PositionInfo is the REST view of one paired position from a trader's
// own-side perspective.
type PositionInfo struct {
	PairID     uint64 `json:"pairId"`
	Token      string `json:"token"`
	Side       string `json:"side"`
	Size       uint64 `json:"size"`
	EntryPrice uint64 `json:"entryPrice"`
	Collateral uint64 `json:"collateral"`
	Leverage   uint64 `json:"leverage"`
	Status     string `json:"status"`
}

func newPositionInfo(p *positions.PairedPosition, trader common.Address) PositionInfo {
	isLong := p.LongTrader == trader
	side, collateral, leverage := "short", p.ShortCollateral, p.ShortLeverage
	if isLong {
		side, collateral, leverage = "long", p.LongCollateral, p.LongLeverage
	}
	return PositionInfo{
		PairID: p.PairID, Token: p.Token.Hex(), Side: side, Size: p.Size,
		EntryPrice: p.EntryPrice, Collateral: collateral, Leverage: leverage, Status: p.Status.String(),
	}
}

// AccountInfo is the REST view of a trader's ledger balance plus their open
// positions (spec.md §6).
type AccountInfo struct {
	Trader    string         `json:"trader"`
	Available uint64         `json:"available"`
	Locked    uint64         `json:"locked"`
	Positions []PositionInfo `json:"positions"`
}

func newAccountInfo(trader common.Address, bal ledger.Balance, views []positions.PositionView) AccountInfo {
	var out []PositionInfo
	for _, v := range views {
		for _, p := range v.Pairs {
			out = append(out, newPositionInfo(p, trader))
		}
	}
	return AccountInfo{Trader: trader.Hex(), Available: bal.Available, Locked: bal.Locked, Positions: out}
}

// SubmitOrderRequest is the wire-level EIP-712 signed order submission
// (spec.md §6's nine-field Order message plus the signature bytes).
// Numeric fields travel as decimal strings, matching the teacher's
// big.Int-over-JSON convention for order payloads.
type SubmitOrderRequest struct {
	Trader    string `json:"trader"`
	Token     string `json:"token"`
	IsLong    bool   `json:"isLong"`
	Size      string `json:"size"`
	Leverage  string `json:"leverage"`
	Price     string `json:"price"`
	Deadline  string `json:"deadline"`
	Nonce     string `json:"nonce"`
	OrderType uint8  `json:"orderType"`
	Signature string `json:"signature"` // 0x-prefixed hex
}

func (r SubmitOrderRequest) toSubmitRequest() (*ordercrypto.SubmitRequest, error) {
	size, err := parseBigInt("size", r.Size)
	if err != nil {
		return nil, err
	}
	leverage, err := parseBigInt("leverage", r.Leverage)
	if err != nil {
		return nil, err
	}
	price, err := parseBigInt("price", r.Price)
	if err != nil {
		return nil, err
	}
	deadline, err := parseBigInt("deadline", r.Deadline)
	if err != nil {
		return nil, err
	}
	nonce, err := parseBigInt("nonce", r.Nonce)
	if err != nil {
		return nil, err
	}
	sig, err := parseHexBytes(r.Signature)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.CodeBadSignature, "signature is not valid hex", err)
	}
	return &ordercrypto.SubmitRequest{
		Msg: ordercrypto.OrderMessage{
			Trader: common.HexToAddress(r.Trader), Token: common.HexToAddress(r.Token),
			IsLong: r.IsLong, Size: size, Leverage: leverage, Price: price,
			Deadline: deadline, Nonce: nonce, OrderType: ordercrypto.OrderType(r.OrderType),
		},
		Signature: sig,
	}, nil
}

func parseBigInt(field, s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, engineerr.New(engineerr.CodeInvalidOrderParameters, field+" is not a decimal integer: "+s)
	}
	return n, nil
}

func parseHexBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// SubmitOrderResponse is the REST response to a successful submission.
type SubmitOrderResponse struct {
	OrderID uint64           `json:"orderId"`
	Status  string           `json:"status"`
	Fills   []orderbook.Fill `json:"fills,omitempty"`
}

// CancelOrderRequest cancels one resting order owned by Trader.
type CancelOrderRequest struct {
	Trader  string `json:"trader"`
	Token   string `json:"token"`
	OrderID uint64 `json:"orderId"`
}

// ErrorResponse is the stable error body shape (spec.md §7:
// "{error: {code, message}}").
type ErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newErrorResponse(err error) ErrorResponse {
	var resp ErrorResponse
	if code, ok := engineerr.CodeOf(err); ok {
		resp.Error.Code = string(code)
	} else {
		resp.Error.Code = "Internal"
	}
	resp.Error.Message = err.Error()
	return resp
}

// httpStatusFor maps an engineerr.Code's Class onto an HTTP status code.
func httpStatusFor(err error) int {
	code, ok := engineerr.CodeOf(err)
	if !ok {
		return 500
	}
	switch engineerr.ClassOf(code) {
	case engineerr.ClassValidation:
		return 400
	case engineerr.ClassCapacity:
		return 409
	case engineerr.ClassNotFound:
		return 404
	case engineerr.ClassTransient:
		return 503
	default: // ClassInvariant
		return 500
	}
}

// WSSubscribeRequest is the client->server subscribe/unsubscribe control
// message (teacher's pkg/api/websocket.go WSSubscribeRequest shape, kept
// verbatim since it is domain-neutral).
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" | "unsubscribe"
	Channels []string `json:"channels"`
}

// WSMessage is the server->client envelope for every broadcast push.
type WSMessage struct {
	Channel string      `json:"channel"`
	Seq     uint64      `json:"seq"`
	Data    interface{} `json:"data"`
}
