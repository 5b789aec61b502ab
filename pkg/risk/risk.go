// Package risk implements the periodic and reactive liquidation sweep
// (spec.md §4.9, C9): for every active pair on a token it evaluates each
// side's margin ratio against the maintenance requirement, liquidates
// whichever side (if any) has breached it, and — standing in for spec.md's
// "counterparty is returned to the book as a synthetic resting order" —
// immediately attempts to reopen the surviving trader's exposure at the
// current mark price via the matching engine's Reopen hook.
//
// Grounded on the teacher's pkg/app/core/market.go periodic-ticker shape
// (the same pattern C10's funding engine reuses): one callback re-evaluating
// a market's state on a fixed interval, generalized here to per-pair
// liquidation instead of per-market parameter refresh, since the teacher has
// no margin or liquidation concept.
package risk

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/fixedpoint"
	"github.com/memeperp/engine/pkg/lifecycle"
	"github.com/memeperp/engine/pkg/positions"
)

// Reopener is the matching engine's auto-deleverage hook (matching.Engine.Reopen).
type Reopener interface {
	Reopen(token, trader common.Address, isLong bool, size, leverage uint64, nowUnix int64) (filled uint64, err error)
}

// Engine owns the liquidation sweep for every token.
type Engine struct {
	lifecycle         *lifecycle.Registry
	positions         *positions.Store
	reopen            Reopener
	liquidatorAccount common.Address
}

// NewEngine constructs a risk engine. liquidatorAccount receives every
// liquidation fee (spec.md §4.9: "... liquidation fee ... to the liquidator
// account"); in this single-process engine there is no competing liquidator
// bot, so the protocol account itself fills that role.
func NewEngine(lc *lifecycle.Registry, p *positions.Store, reopen Reopener, liquidatorAccount common.Address) *Engine {
	return &Engine{lifecycle: lc, positions: p, reopen: reopen, liquidatorAccount: liquidatorAccount}
}

// LiquidationEvent records one pair's outcome during a sweep.
type LiquidationEvent struct {
	PairID         uint64
	LiquidatedLong bool
	Outcome        *positions.LiquidateOutcome
	ReopenedFilled uint64
}

// SweepResult is the full outcome of one Sweep call, for logging/broadcast.
type SweepResult struct {
	Events []LiquidationEvent
}

// Sweep evaluates every active pair on token against markPrice and the
// token's maintenance margin requirement, liquidating any breach (spec.md
// §4.9). pkg/engine drives it from both the fixed RiskTickInterval scheduler
// and a reactive call after every mark-price update it receives.
func (e *Engine) Sweep(token common.Address, markPrice uint64, fundingIndex int64, nowUnix int64) (*SweepResult, error) {
	tok, err := e.lifecycle.Get(token)
	if err != nil {
		return nil, err
	}
	mm := int64(tok.Params.MaintenanceMarginBps)

	res := &SweepResult{}
	for _, p := range e.positions.ListByToken(token) {
		if p.Status != positions.StatusActive {
			continue
		}
		longRatio, err := marginRatioBps(p, markPrice, fundingIndex, true)
		if err != nil {
			return nil, err
		}
		shortRatio, err := marginRatioBps(p, markPrice, fundingIndex, false)
		if err != nil {
			return nil, err
		}
		longBreach := longRatio <= mm
		shortBreach := shortRatio <= mm
		if !longBreach && !shortBreach {
			continue
		}

		// Pathological case: both sides breached in the same sweep (only
		// possible on a large mark-price jump). spec.md §4.9 orders this as
		// "the side with the lower marginRatio is liquidated first" — the
		// other side, now unpaired, gets the Reopen treatment below either way.
		liquidateLong := longBreach && (!shortBreach || longRatio <= shortRatio)

		ev, err := e.liquidateAndReopen(tok, p, liquidateLong, markPrice, fundingIndex, nowUnix)
		if err != nil {
			return nil, err
		}
		res.Events = append(res.Events, *ev)
	}
	return res, nil
}

// liquidateAndReopen closes the pair via C7's pair-level Liquidate (which
// settles both sides in cash against the losing side's collateral) and then
// tries to immediately hand the survivor an equivalent fresh position at
// markPrice. A failed or partial reopen is not an error: the survivor was
// already paid out fairly by Liquidate, so there is nothing left to make
// whole, and spec.md's insurance-fund fallback has no further role to play
// here since Liquidate's own InsuranceDraw already covers a collateral
// shortfall on the losing side. See DESIGN.md C9 for the full reasoning.
func (e *Engine) liquidateAndReopen(tok *lifecycle.Token, p *positions.PairedPosition, liquidateLong bool, markPrice uint64, fundingIndex int64, nowUnix int64) (*LiquidationEvent, error) {
	outcome, err := e.positions.Liquidate(positions.LiquidateInput{
		PairID:            p.PairID,
		LiquidatedSide:    liquidateLong,
		MarkPrice:         markPrice,
		NowUnix:           nowUnix,
		FundingIndex:      fundingIndex,
		LiquidationFeeBps: tok.Params.LiquidationFeeBps,
		LiquidatorAccount: e.liquidatorAccount,
	})
	if err != nil {
		return nil, err
	}
	ev := &LiquidationEvent{PairID: p.PairID, LiquidatedLong: liquidateLong, Outcome: outcome}

	if e.reopen != nil {
		survivorLong := !liquidateLong
		leverage := p.ShortLeverage
		if survivorLong {
			leverage = p.LongLeverage
		}
		filled, err := e.reopen.Reopen(tok.Address, outcome.WinningTrader, survivorLong, p.Size, leverage, nowUnix)
		if err == nil {
			ev.ReopenedFilled = filled
		}
	}
	return ev, nil
}

// marginRatioBps returns (collateral + pnl - accumulatedFunding) /
// (size*markPrice) in bps, projecting any funding accrued since the pair's
// last touch (mirrors positions.accrueFunding's formula, read-only here).
func marginRatioBps(p *positions.PairedPosition, markPrice uint64, fundingIndex int64, isLong bool) (int64, error) {
	direction := int64(1)
	collateral := p.LongCollateral
	accumFunding := p.AccumulatedFundingLong
	if !isLong {
		direction = -1
		collateral = p.ShortCollateral
		accumFunding = p.AccumulatedFundingShort
	}
	accumFunding += projectedFundingDelta(p, fundingIndex, isLong)

	pnl, err := fixedpoint.PnL(p.EntryPrice, markPrice, p.Size, direction)
	if err != nil {
		return 0, err
	}
	if collateral > math.MaxInt64 {
		return 0, fmt.Errorf("%w: collateral %d exceeds int64 range", fixedpoint.ErrOverflow, collateral)
	}
	numerator := int64(collateral) + pnl - accumFunding

	notional, err := fixedpoint.Notional(p.Size, markPrice)
	if err != nil {
		return 0, err
	}
	return ratioBps(numerator, notional)
}

func projectedFundingDelta(p *positions.PairedPosition, fundingIndex int64, isLong bool) int64 {
	delta := fundingIndex - p.LastFundingIndexApplied
	if delta == 0 {
		return 0
	}
	payment, err := fixedpoint.SignedMulDiv(delta, int64(p.Size), fixedpoint.PriceScale)
	if err != nil {
		return 0
	}
	if isLong {
		return payment
	}
	return -payment
}

// ratioBps computes numerator*BpsScale/denom via a big.Int intermediate
// (numerator can already exceed what a native 64-bit multiply tolerates).
// A zero denom (markPrice of zero) is reported as the worst possible ratio
// rather than an error, since a pair should never survive that case.
func ratioBps(numerator int64, denom uint64) (int64, error) {
	if denom == 0 {
		return math.MinInt64, nil
	}
	n := new(big.Int).Mul(big.NewInt(numerator), big.NewInt(fixedpoint.BpsScale))
	d := new(big.Int).SetUint64(denom)
	q := new(big.Int).Quo(n, d)
	if !q.IsInt64() {
		if q.Sign() < 0 {
			return math.MinInt64, nil
		}
		return math.MaxInt64, nil
	}
	return q.Int64(), nil
}

// LiquidationPrice returns the analytic markPrice at which side's margin
// ratio would hit exactly maintenanceMarginBps (spec.md §4.9), derived by
// solving marginRatio(P) == mm for P:
//
//	long:  P = (entry*size + funding - collateral) / (size*(1-mm))
//	short: P = (collateral + entry*size - funding) / (size*(1+mm))
//
// A non-positive numerator means the side is already at or past the
// liquidation boundary at any price, reported as 0.
func LiquidationPrice(p *positions.PairedPosition, fundingIndex int64, maintenanceMarginBps uint64, isLong bool) (uint64, error) {
	entryNotional, err := fixedpoint.Notional(p.Size, p.EntryPrice)
	if err != nil {
		return 0, err
	}
	if entryNotional > math.MaxInt64 {
		return 0, fmt.Errorf("%w: entry notional %d exceeds int64 range", fixedpoint.ErrOverflow, entryNotional)
	}
	if p.Size > math.MaxInt64 {
		return 0, fmt.Errorf("%w: size %d exceeds int64 range", fixedpoint.ErrOverflow, p.Size)
	}

	collateral := p.LongCollateral
	accumFunding := p.AccumulatedFundingLong
	if !isLong {
		collateral = p.ShortCollateral
		accumFunding = p.AccumulatedFundingShort
	}
	accumFunding += projectedFundingDelta(p, fundingIndex, isLong)
	if collateral > math.MaxInt64 {
		return 0, fmt.Errorf("%w: collateral %d exceeds int64 range", fixedpoint.ErrOverflow, collateral)
	}

	mm := int64(maintenanceMarginBps)
	var numerator int64
	var bpsFactor int64
	if isLong {
		numerator = int64(entryNotional) + accumFunding - int64(collateral)
		bpsFactor = fixedpoint.BpsScale - mm
	} else {
		numerator = int64(collateral) + int64(entryNotional) - accumFunding
		bpsFactor = fixedpoint.BpsScale + mm
	}
	if bpsFactor <= 0 {
		return 0, fmt.Errorf("risk: maintenance margin of %d bps leaves no solvable long-side price", maintenanceMarginBps)
	}
	if numerator <= 0 {
		return 0, nil
	}

	n := new(big.Int).Mul(big.NewInt(numerator), big.NewInt(fixedpoint.PriceScale))
	n.Mul(n, big.NewInt(fixedpoint.BpsScale))
	d := new(big.Int).Mul(big.NewInt(int64(p.Size)), big.NewInt(bpsFactor))
	result := new(big.Int).Quo(n, d)
	if !result.IsUint64() {
		return 0, fmt.Errorf("%w: liquidation price exceeds uint64", fixedpoint.ErrOverflow)
	}
	return result.Uint64(), nil
}
