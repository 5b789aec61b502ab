// Package chaingateway defines the boundary to the settlement contract and
// its EVM RPC surface (spec.md §6: "abstracted as a 'chain gateway' that
// accepts batched settlement instructions and supplies mark prices / deposit
// events"). Everything on the other side of Gateway is out of scope for this
// module (spec.md §1 Non-goals: "on-chain settlement contracts and EVM RPC").
//
// MemGateway is a deterministic in-process stand-in used by tests and local
// development; a production deployment swaps it for a real go-ethereum RPC
// client behind the same interface.
package chaingateway

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// MarkPriceUpdate is one chain-pushed price tick for C8.
type MarkPriceUpdate struct {
	Token         common.Address
	Price         uint64
	TimestampUnix int64
}

// DepositEvent is a confirmed on-chain deposit to be credited to the ledger
// (teacher's account_manager.go: "Deposit adds USDC to an account (from
// bridge)").
type DepositEvent struct {
	Trader common.Address
	Amount uint64
	TxHash string
}

// TxStatus mirrors a settlement batch's on-chain confirmation state
// (spec.md §4.13: "tracks each submitted batch ... through {Pending,
// Confirmed, Failed}").
type TxStatus int

const (
	StatusPending TxStatus = iota
	StatusConfirmed
	StatusFailed
)

func (s TxStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SettlementInstruction is one finalized event destined for the chain
// (pair open, pair close with pnl, or liquidation — spec.md §4.13). PairID
// and Seq together are the idempotence key the chain contract dedups on.
type SettlementInstruction struct {
	PairID uint64
	Seq    uint64
	Token  common.Address
	Kind   string // "open" | "close" | "liquidate"

	LongTrader, ShortTrader common.Address
	Size, Price             uint64
	RealizedPnlLong         int64
	RealizedPnlShort        int64
	InsuranceDraw           uint64
	TimestampUnix           int64
}

// SettlementBatch is what one Gateway.SubmitSettlement call ships.
type SettlementBatch struct {
	ID           string
	Instructions []SettlementInstruction
}

// Gateway is the full external-chain surface the engine depends on.
type Gateway interface {
	SubscribeMarkPrices(ctx context.Context) (<-chan MarkPriceUpdate, error)
	SubscribeDeposits(ctx context.Context) (<-chan DepositEvent, error)
	SubmitSettlement(ctx context.Context, batch SettlementBatch) (txID string, err error)
	GetTxStatus(ctx context.Context, txID string) (TxStatus, error)
}

// MemGateway is a single-process Gateway: every submitted batch starts
// Pending and is promoted to Confirmed once Confirm has been
// called for it, or to Failed via Fail. It never confirms on its own —
// tests and local runs drive its state explicitly, which makes C13's
// retry/quarantine paths deterministically exercisable.
type MemGateway struct {
	mu          sync.Mutex
	marks       chan MarkPriceUpdate
	deposits    chan DepositEvent
	batches     map[string]SettlementBatch
	status      map[string]TxStatus
	submitOrder []string
}

// NewMemGateway constructs a dev gateway with the given channel buffer size.
func NewMemGateway(bufferSize int) *MemGateway {
	return &MemGateway{
		marks:    make(chan MarkPriceUpdate, bufferSize),
		deposits: make(chan DepositEvent, bufferSize),
		batches:  make(map[string]SettlementBatch),
		status:   make(map[string]TxStatus),
	}
}

func (g *MemGateway) SubscribeMarkPrices(ctx context.Context) (<-chan MarkPriceUpdate, error) {
	return g.marks, nil
}

func (g *MemGateway) SubscribeDeposits(ctx context.Context) (<-chan DepositEvent, error) {
	return g.deposits, nil
}

// PushMarkPrice and PushDeposit feed the respective subscription channels;
// exported for tests and the dev CLI to simulate chain activity.
func (g *MemGateway) PushMarkPrice(u MarkPriceUpdate) { g.marks <- u }
func (g *MemGateway) PushDeposit(d DepositEvent)       { g.deposits <- d }

func (g *MemGateway) SubmitSettlement(ctx context.Context, batch SettlementBatch) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	g.batches[batch.ID] = batch
	g.status[batch.ID] = StatusPending
	g.submitOrder = append(g.submitOrder, batch.ID)
	return batch.ID, nil
}

func (g *MemGateway) GetTxStatus(ctx context.Context, txID string) (TxStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.status[txID]
	if !ok {
		return StatusFailed, nil
	}
	return s, nil
}

// Confirm and Fail let a test or dev driver move a batch's status forward.
func (g *MemGateway) Confirm(txID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status[txID] = StatusConfirmed
}

func (g *MemGateway) Fail(txID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status[txID] = StatusFailed
}
