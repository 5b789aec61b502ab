package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/chaingateway"
	"github.com/memeperp/engine/pkg/lifecycle"
)

var token = common.HexToAddress("0x00000000000000000000000000000000000001")

func newBridge(cfg Config) (*Bridge, *chaingateway.MemGateway, *lifecycle.Registry) {
	gw := chaingateway.NewMemGateway(8)
	lc := lifecycle.NewRegistry()
	return NewBridge(cfg, gw, lc), gw, lc
}

func TestRecordAutoFlushesAtBatchSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	b, _, _ := newBridge(cfg)
	ctx := context.Background()

	if err := b.Record(ctx, chaingateway.SettlementInstruction{PairID: 1, Token: token}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if b.PendingCount() != 1 {
		t.Fatalf("expected 1 pending, got %d", b.PendingCount())
	}
	if err := b.Record(ctx, chaingateway.SettlementInstruction{PairID: 2, Token: token}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if b.PendingCount() != 0 {
		t.Fatalf("expected auto-flush to empty the buffer, got %d pending", b.PendingCount())
	}
	if b.InFlightCount() != 1 {
		t.Fatalf("expected one in-flight batch, got %d", b.InFlightCount())
	}
}

func TestPollConfirmedRemovesFromInFlight(t *testing.T) {
	cfg := DefaultConfig()
	b, gw, _ := newBridge(cfg)
	ctx := context.Background()

	if err := b.Record(ctx, chaingateway.SettlementInstruction{PairID: 1, Token: token}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if b.InFlightCount() != 1 {
		t.Fatalf("expected one in-flight batch after flush, got %d", b.InFlightCount())
	}

	results, err := b.Poll(ctx, 0)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(results) != 1 || results[0].Status != chaingateway.StatusPending {
		t.Fatalf("expected one pending result before confirmation, got %+v", results)
	}

	for _, r := range results {
		gw.Confirm(r.TxID)
	}
	results, err = b.Poll(ctx, 1)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(results) != 1 || results[0].Status != chaingateway.StatusConfirmed {
		t.Fatalf("expected the batch to confirm, got %+v", results)
	}
	if b.InFlightCount() != 0 {
		t.Fatalf("expected confirmed batch to drop out of in-flight, got %d", b.InFlightCount())
	}
}

func TestPollFailedSchedulesBackoffRetry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseBackoff = 10 * time.Second
	cfg.MaxBackoff = time.Minute
	b, gw, _ := newBridge(cfg)
	ctx := context.Background()

	b.Record(ctx, chaingateway.SettlementInstruction{PairID: 1, Token: token})
	b.Flush(ctx)

	results, err := b.Poll(ctx, 0)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	txID := results[0].TxID
	gw.Fail(txID)

	results, err = b.Poll(ctx, 0)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(results) != 1 || results[0].Status != chaingateway.StatusFailed || results[0].Escalated {
		t.Fatalf("expected one non-escalated failure, got %+v", results)
	}
	if results[0].RetryAfter != 10 {
		t.Fatalf("expected a 10s backoff on the first failure, got %d", results[0].RetryAfter)
	}

	// Not due yet.
	if err := b.RetryDue(ctx, 5); err != nil {
		t.Fatalf("retry due: %v", err)
	}
	if b.InFlightCount() != 1 {
		t.Fatalf("expected the batch to still be in-flight before its backoff elapses")
	}

	if err := b.RetryDue(ctx, 10); err != nil {
		t.Fatalf("retry due: %v", err)
	}
	if b.InFlightCount() != 1 {
		t.Fatalf("expected the batch to be resubmitted under a fresh tx id, got %d in-flight", b.InFlightCount())
	}
}

func TestEscalationQuarantinesTokenAfterMaxRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 1
	b, gw, lc := newBridge(cfg)
	ctx := context.Background()

	b.Record(ctx, chaingateway.SettlementInstruction{PairID: 1, Token: token})
	b.Flush(ctx)

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		results, err := b.Poll(ctx, int64(attempt))
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if len(results) != 1 {
			t.Fatalf("expected exactly one tracked batch, got %d", len(results))
		}
		txID := results[0].TxID
		gw.Fail(txID)
	}

	results, err := b.Poll(ctx, 100)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(results) != 1 || !results[0].Escalated {
		t.Fatalf("expected escalation once retries are exhausted, got %+v", results)
	}
	if !lc.IsQuarantined(token) {
		t.Fatal("expected the instruction's token to be quarantined on escalation")
	}
	if len(b.Quarantined()) != 1 {
		t.Fatalf("expected exactly one quarantined instruction, got %d", len(b.Quarantined()))
	}
}
