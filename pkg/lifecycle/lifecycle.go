// Package lifecycle implements per-token state and the parameter vault
// (spec.md §3 "Token", §4.11, C11). It is the sole authority for
// maxLeverage, fee bps, tick size, min order size, maintenance margin,
// price-deviation and staleness tolerances, and the risk/funding cadence
// for each token. Grounded on the teacher's
// pkg/app/core/market{.go,_params.go,/registry.go}: MarketRegistry's
// register/lookup/status-transition shape is kept; the single embedded
// MarketParams struct is generalized into the fuller per-token parameter
// set spec.md §4.11 names, and status transitions are rewired to spec.md's
// exact Pretrade/Active/Paused/Delisted state machine (the teacher's
// Active/Paused/Settling/Settled model doesn't match).
package lifecycle

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/engineerr"
)

// State is a token's trading-lifecycle state (spec.md §4.11).
type State uint8

const (
	Pretrade State = iota
	Active
	Paused
	Delisted
)

func (s State) String() string {
	switch s {
	case Pretrade:
		return "pretrade"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Delisted:
		return "delisted"
	default:
		return "unknown"
	}
}

// Params are the per-token parameters read-mostly by every other component;
// writers only ever go through Registry (spec.md §9 "Ambient singletons...
// writers go through the lifecycle component").
type Params struct {
	MaxLeverage           uint64        // scale 1e4
	MinMargin             uint64        // scale 1e18, quote units
	MakerFeeBps           int64         // signed: negative is a maker rebate
	TakerFeeBps           int64
	TickSize              uint64 // scale 1e18
	MinOrderSize          uint64 // scale 1e18
	TradingEnabled        bool
	MaintenanceMarginBps  uint64 // scale 1e4
	MaxPriceDeviationBps  uint64 // scale 1e4, vs. book's best opposite
	MaxPriceStepBps       uint64 // scale 1e4, per mark-price update (C8)
	MarkStaleAfter        time.Duration
	RiskTickInterval      time.Duration
	FundingInterval       time.Duration
	MaxFundingRateBps     int64 // scale 1e4
	LiquidationFeeBps     uint64
}

// DefaultParams mirrors the teacher's DefaultHYPLUSDC defaults
// (market_params.go), translated into the engine's 1e18/1e4 scaling.
func DefaultParams() Params {
	return Params{
		MaxLeverage:          50 * 10000,
		MinMargin:            0,
		MakerFeeBps:          -2,
		TakerFeeBps:          5,
		TickSize:             1_000_000_000_000_000, // 1e15
		MinOrderSize:         10_000_000_000_000_000, // 0.01 units at 1e18
		TradingEnabled:       false,
		MaintenanceMarginBps: 50, // 0.5%
		MaxPriceDeviationBps: 500, // 5%
		MaxPriceStepBps:      2000, // 20% single-update guard
		MarkStaleAfter:       30 * time.Second,
		RiskTickInterval:     500 * time.Millisecond,
		FundingInterval:      time.Hour,
		MaxFundingRateBps:    1200, // 12%
		LiquidationFeeBps:    500,  // 5% of liquidated collateral
	}
}

// Stats are the live, matching/risk-mutated counters attached to a token
// (spec.md §3 "Token").
type Stats struct {
	LastPrice         uint64
	MarkPrice         uint64
	Volume24h         uint64
	TradeCount24h      uint64
	OpenInterestLong  uint64
	OpenInterestShort uint64
	PositionCount     int
	CreatedAtUnix     int64
	StateChangedAtUnix int64
}

// Token bundles state, params, and stats for one listed token.
type Token struct {
	Address common.Address
	State   State
	Params  Params
	Stats   Stats
}

// Registry is the thread-safe store of every listed token. A Quarantined
// flag is tracked per-token independent of State — quarantine halts new
// orders but is an engineering circuit-breaker, not a trading-lifecycle
// transition an admin requested (spec.md §7).
type Registry struct {
	mu      sync.RWMutex
	tokens  map[common.Address]*Token
	quarantined map[common.Address]bool
}

func NewRegistry() *Registry {
	return &Registry{
		tokens:      make(map[common.Address]*Token),
		quarantined: make(map[common.Address]bool),
	}
}

// Create registers a new token in Pretrade state (spec.md §4.11: "Created
// by lifecycle admin").
func (r *Registry) Create(addr common.Address, params Params, nowUnix int64) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tokens[addr]; exists {
		return nil, engineerr.New(engineerr.CodeInvalidOrderParameters, "token already registered")
	}
	t := &Token{
		Address: addr,
		State:   Pretrade,
		Params:  params,
		Stats:   Stats{CreatedAtUnix: nowUnix, StateChangedAtUnix: nowUnix},
	}
	r.tokens[addr] = t
	return t, nil
}

// Get returns the token, or UnknownToken if not registered.
func (r *Registry) Get(addr common.Address) (*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[addr]
	if !ok {
		return nil, engineerr.New(engineerr.CodeUnknownToken, "token is not registered")
	}
	cp := *t
	return &cp, nil
}

// List returns a snapshot of every registered token.
func (r *Registry) List() []*Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		cp := *t
		out = append(out, &cp)
	}
	return out
}

var validTransitions = map[State]map[State]bool{
	Pretrade: {Active: true},
	Active:   {Paused: true, Delisted: true},
	Paused:   {Active: true, Delisted: true},
	Delisted: {},
}

// Activate transitions Pretrade -> Active, applying (possibly updated)
// params for new orders only; resting orders keep their accepted
// parameters (spec.md §4.11) since the order book never re-reads Params
// once an order rests.
func (r *Registry) Activate(addr common.Address, params Params, nowUnix int64) error {
	return r.transition(addr, Active, nowUnix, func(t *Token) { t.Params = params; t.Params.TradingEnabled = true })
}

// Pause transitions Active -> Paused (admin action or risk circuit-breaker,
// e.g. mark feed lost beyond staleness limit).
func (r *Registry) Pause(addr common.Address, nowUnix int64) error {
	return r.transition(addr, Paused, nowUnix, func(t *Token) { t.Params.TradingEnabled = false })
}

// Resume transitions Paused -> Active.
func (r *Registry) Resume(addr common.Address, nowUnix int64) error {
	return r.transition(addr, Active, nowUnix, func(t *Token) { t.Params.TradingEnabled = true })
}

// Delist transitions Active/Paused -> Delisted. Only legal if the caller
// confirms zero active pairs remain (spec.md §4.11); the registry itself
// holds no position data, so the caller (engine orchestration) must pass
// hasActivePairs.
func (r *Registry) Delist(addr common.Address, hasActivePairs bool, nowUnix int64) error {
	if hasActivePairs {
		return engineerr.New(engineerr.CodePositionLimitExceeded, "cannot delist a token with active pairs")
	}
	return r.transition(addr, Delisted, nowUnix, func(t *Token) { t.Params.TradingEnabled = false })
}

func (r *Registry) transition(addr common.Address, to State, nowUnix int64, apply func(*Token)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[addr]
	if !ok {
		return engineerr.New(engineerr.CodeUnknownToken, "token is not registered")
	}
	if !validTransitions[t.State][to] {
		return engineerr.New(engineerr.CodeInvalidOrderParameters, "illegal token state transition")
	}
	t.State = to
	t.Stats.StateChangedAtUnix = nowUnix
	apply(t)
	return nil
}

// SetParams updates parameters without a state transition (admin `params
// set`). Resting orders are unaffected.
func (r *Registry) SetParams(addr common.Address, mutate func(*Params)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[addr]
	if !ok {
		return engineerr.New(engineerr.CodeUnknownToken, "token is not registered")
	}
	mutate(&t.Params)
	return nil
}

// Quarantine marks addr quarantined, blocking new order submission until an
// operator clears it (spec.md §7). Quarantine is orthogonal to State.
func (r *Registry) Quarantine(addr common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quarantined[addr] = true
}

// ClearQuarantine is the explicit operator-intervention path out of
// quarantine (spec.md §7: "Funds remain locked until operator intervention
// — no silent recovery from invariants").
func (r *Registry) ClearQuarantine(addr common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.quarantined, addr)
}

func (r *Registry) IsQuarantined(addr common.Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.quarantined[addr]
}

// MutateStats applies a read-modify-write to a token's live stats; called
// by matching/risk after each trade or liquidation.
func (r *Registry) MutateStats(addr common.Address, mutate func(*Stats)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tokens[addr]
	if !ok {
		return engineerr.New(engineerr.CodeUnknownToken, "token is not registered")
	}
	mutate(&t.Stats)
	return nil
}
