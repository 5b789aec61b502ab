// Package funding implements the per-token funding-rate engine (spec.md
// §4.10, C10): every fundingInterval it derives a rate from open-interest
// imbalance plus an optional premium component, clips it to the token's
// configured bound, and accumulates it into a per-token cumulative funding
// index. Per-pair accrual against that index is lazy and lives in
// pkg/positions (accrueFunding, run on every touch of a pair); this package
// owns only the index itself.
//
// Grounded on the teacher's pkg/app/core/market.go's periodic-parameter-tick
// pattern (a ticker-driven per-market recompute), generalized into its own
// standalone engine since the teacher has no funding-rate concept at all —
// the rate formula itself follows spec.md §4.10's closed form directly.
package funding

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/fixedpoint"
	"github.com/memeperp/engine/pkg/lifecycle"
)

// OpenInterestSource is the subset of C7 the funding engine needs.
type OpenInterestSource interface {
	OpenInterest(token common.Address) (long, short uint64)
}

// PremiumSource supplies the optional markPrice-vs-indexPrice premium
// component (spec.md §4.10: "optionally, the premium... from the chain
// gateway"). A nil PremiumSource is treated as a zero premium everywhere.
type PremiumSource interface {
	Premium(token common.Address) (bps int64, ok bool)
}

// Engine owns every token's cumulative funding index.
type Engine struct {
	mu         sync.RWMutex
	index      map[common.Address]int64
	lifecycle  *lifecycle.Registry
	openInterest OpenInterestSource
	premium    PremiumSource
	imbalanceCoeffBps int64 // k in spec.md's rate formula, in bps
}

// NewEngine constructs a funding engine. imbalanceCoeffBps is `k` scaled in
// bps (spec.md's "rate = clip(k * (OI_long-OI_short)/(OI_long+OI_short) +
// premium_component, ...)").
func NewEngine(lc *lifecycle.Registry, oi OpenInterestSource, premium PremiumSource, imbalanceCoeffBps int64) *Engine {
	return &Engine{
		index:             make(map[common.Address]int64),
		lifecycle:         lc,
		openInterest:      oi,
		premium:           premium,
		imbalanceCoeffBps: imbalanceCoeffBps,
	}
}

// FundingIndex implements matching.FundingIndexSource: the current
// cumulative index for token, defaulting to zero for a token never ticked.
func (e *Engine) FundingIndex(token common.Address) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index[token]
}

// Tick computes one token's funding rate and folds it into the cumulative
// index (spec.md §4.10). Intended to be called every `fundingInterval` by
// the engine orchestration's scheduler, once per Active token.
func (e *Engine) Tick(token common.Address) (rateBps int64, err error) {
	tok, err := e.lifecycle.Get(token)
	if err != nil {
		return 0, err
	}

	oiLong, oiShort := e.openInterest.OpenInterest(token)
	rate := imbalanceComponentBps(oiLong, oiShort, e.imbalanceCoeffBps)

	if e.premium != nil {
		if p, ok := e.premium.Premium(token); ok {
			rate += p
		}
	}

	maxRate := tok.Params.MaxFundingRateBps
	if maxRate > 0 {
		if rate > maxRate {
			rate = maxRate
		}
		if rate < -maxRate {
			rate = -maxRate
		}
	}

	e.mu.Lock()
	e.index[token] += rate
	e.mu.Unlock()

	return rate, nil
}

// imbalanceComponentBps computes k * (long-short)/(long+short) in bps,
// returning 0 when there is no open interest at all (division is undefined,
// and a market with no positions has nothing to fund).
func imbalanceComponentBps(oiLong, oiShort uint64, kBps int64) int64 {
	total := oiLong + oiShort
	if total == 0 {
		return 0
	}
	var diff int64
	if oiLong >= oiShort {
		diff = int64(oiLong - oiShort)
	} else {
		diff = -int64(oiShort - oiLong)
	}
	component, err := fixedpoint.SignedMulDiv(diff, kBps, total)
	if err != nil {
		return 0
	}
	return component
}
