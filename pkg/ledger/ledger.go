// Package ledger implements the balance/margin subsystem (spec.md §4.3,
// C3): available/locked balances per trader, with atomic lock/release/
// transfer/settlePair operations. Grounded on the teacher's
// pkg/app/core/account.Account balance fields, generalized from a single
// USDC-cents carrier to the engine-wide 1e18 scaled-integer convention and
// split into its own package since the spec treats the ledger as a
// standalone, independently lockable component (spec.md §5: "the balance
// ledger is the most contended").
package ledger

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/engineerr"
)

// Balance is a per-trader snapshot of available and locked quote-asset
// units, both at 1e18 scale (spec.md §3).
type Balance struct {
	Available uint64
	Locked    uint64
}

type traderState struct {
	mu      sync.Mutex
	balance Balance
}

// Ledger is the sharded-by-trader balance store. Each trader's mutations
// are linearized through that trader's own mutex; cross-trader transfers
// acquire both mutexes in address order to avoid deadlock (spec.md §5).
type Ledger struct {
	mu       sync.RWMutex // protects the traders map itself, not its values
	traders  map[common.Address]*traderState
}

func New() *Ledger {
	return &Ledger{traders: make(map[common.Address]*traderState)}
}

func (l *Ledger) stateFor(trader common.Address) *traderState {
	l.mu.RLock()
	st, ok := l.traders[trader]
	l.mu.RUnlock()
	if ok {
		return st
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok = l.traders[trader]; ok {
		return st
	}
	st = &traderState{}
	l.traders[trader] = st
	return st
}

// Get returns a snapshot of trader's balance (zero value if unknown).
func (l *Ledger) Get(trader common.Address) Balance {
	st := l.stateFor(trader)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.balance
}

// Deposit credits trader's available balance; used by the chain-gateway
// deposit stream.
func (l *Ledger) Deposit(trader common.Address, amount uint64) {
	st := l.stateFor(trader)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.balance.Available += amount
}

// Lock moves amount from available to locked. Fails with
// InsufficientBalance if available < amount, and does not mutate state on
// failure.
func (l *Ledger) Lock(trader common.Address, amount uint64) error {
	st := l.stateFor(trader)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.balance.Available < amount {
		return engineerr.New(engineerr.CodeInsufficientBalance, "available balance below requested lock amount")
	}
	st.balance.Available -= amount
	st.balance.Locked += amount
	return nil
}

// Release moves amount from locked back to available. Saturating: it never
// releases more than is actually locked (spec.md §4.3), which matters when
// an order's last fill races with its own cancellation.
func (l *Ledger) Release(trader common.Address, amount uint64) {
	st := l.stateFor(trader)
	st.mu.Lock()
	defer st.mu.Unlock()
	if amount > st.balance.Locked {
		amount = st.balance.Locked
	}
	st.balance.Locked -= amount
	st.balance.Available += amount
}

// Transfer moves amount from from's available balance to to's available
// balance, used for fee settlement and ad-hoc pnl transfers outside of
// SettlePair. Takes locks in address order to avoid deadlock with a
// concurrent reverse transfer (spec.md §5).
func (l *Ledger) Transfer(from, to common.Address, amount uint64) error {
	a, b := l.stateFor(from), l.stateFor(to)
	first, second := a, b
	if addrLess(to, from) {
		first, second = b, a
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	if first != second {
		second.mu.Lock()
		defer second.mu.Unlock()
	}
	if a.balance.Available < amount {
		return engineerr.New(engineerr.CodeInsufficientBalance, "sender available balance below transfer amount")
	}
	a.balance.Available -= amount
	b.balance.Available += amount
	return nil
}

func addrLess(a, b common.Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// SettlePairInput describes the atomic economic event of one side (or
// both) of a paired position closing, liquidating, or ADL-closing
// (spec.md §4.3, §4.7). The pnl and fee fields are all signed deltas added
// to each trader's available balance; the zero-sum check below covers all
// four.
type SettlePairInput struct {
	LongTrader      common.Address
	ShortTrader     common.Address
	LongCollateral  uint64 // released from LongTrader's locked balance
	ShortCollateral uint64 // released from ShortTrader's locked balance
	PnlLong         int64
	PnlShort        int64
	FeeLong         int64
	FeeShort        int64
}

// SettlePair atomically releases each side's collateral from locked back to
// available, then applies signed pnl and fees. It enforces the zero-sum
// invariant from spec.md §4.3 and §8 (invariant 4):
//
//	pnlLong + pnlShort + feeLong + feeShort == 0
//
// A violation is a fatal ZeroSumBroken error — the caller must quarantine
// the owning token rather than attempt recovery (spec.md §7).
func (l *Ledger) SettlePair(in SettlePairInput) error {
	if in.LongTrader == in.ShortTrader {
		return engineerr.New(engineerr.CodePairMismatched, "long and short trader must differ")
	}
	if in.PnlLong+in.PnlShort+in.FeeLong+in.FeeShort != 0 {
		return engineerr.New(engineerr.CodeZeroSumBroken, "pnl and fees do not sum to zero")
	}

	addrs := []common.Address{in.LongTrader, in.ShortTrader}
	sort.Slice(addrs, func(i, j int) bool { return addrLess(addrs[i], addrs[j]) })
	states := make(map[common.Address]*traderState, 2)
	for _, a := range addrs {
		st := l.stateFor(a)
		states[a] = st
	}
	for _, a := range addrs {
		states[a].mu.Lock()
	}
	defer func() {
		for _, a := range addrs {
			states[a].mu.Unlock()
		}
	}()

	longSt := states[in.LongTrader]
	shortSt := states[in.ShortTrader]

	release(longSt, in.LongCollateral)
	release(shortSt, in.ShortCollateral)

	applySigned(longSt, in.PnlLong+in.FeeLong)
	applySigned(shortSt, in.PnlShort+in.FeeShort)

	return nil
}

func release(st *traderState, amount uint64) {
	if amount > st.balance.Locked {
		amount = st.balance.Locked
	}
	st.balance.Locked -= amount
	st.balance.Available += amount
}

// applySigned adjusts available balance by a signed delta, saturating at
// zero on the downside. A trader's realized losses are bounded by their own
// collateral by construction upstream (risk engine caps pnl at collateral);
// saturation here is a last-resort guard against float/rounding slip, not a
// substitute for that bound.
func applySigned(st *traderState, delta int64) {
	if delta >= 0 {
		st.balance.Available += uint64(delta)
		return
	}
	debit := uint64(-delta)
	if debit > st.balance.Available {
		st.balance.Available = 0
		return
	}
	st.balance.Available -= debit
}

// SyncFromChain reconciles available balance with an on-chain observation.
// It may only raise the balance (deposit reconciliation); a reported
// on-chain balance lower than the engine's own ledger is logged by the
// caller and never applied here (spec.md §4.3).
func (l *Ledger) SyncFromChain(trader common.Address, onChainAvailable uint64) (applied bool, engineAvailable uint64) {
	st := l.stateFor(trader)
	st.mu.Lock()
	defer st.mu.Unlock()
	if onChainAvailable <= st.balance.Available {
		return false, st.balance.Available
	}
	st.balance.Available = onChainAvailable
	return true, st.balance.Available
}
