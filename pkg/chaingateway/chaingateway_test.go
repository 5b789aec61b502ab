package chaingateway

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestSubmitSettlementTracksStatus(t *testing.T) {
	gw := NewMemGateway(4)
	ctx := context.Background()

	txID, err := gw.SubmitSettlement(ctx, SettlementBatch{Instructions: []SettlementInstruction{{PairID: 1, Seq: 1}}})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	status, err := gw.GetTxStatus(ctx, txID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != StatusPending {
		t.Fatalf("expected pending, got %s", status)
	}

	gw.Confirm(txID)
	status, _ = gw.GetTxStatus(ctx, txID)
	if status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %s", status)
	}
}

func TestGetTxStatusUnknownIsFailed(t *testing.T) {
	gw := NewMemGateway(4)
	status, err := gw.GetTxStatus(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != StatusFailed {
		t.Fatalf("expected failed for an unknown tx id, got %s", status)
	}
}

func TestPushMarkPriceAndDepositDeliverOnSubscription(t *testing.T) {
	gw := NewMemGateway(4)
	ctx := context.Background()

	marks, err := gw.SubscribeMarkPrices(ctx)
	if err != nil {
		t.Fatalf("subscribe marks: %v", err)
	}
	deposits, err := gw.SubscribeDeposits(ctx)
	if err != nil {
		t.Fatalf("subscribe deposits: %v", err)
	}

	token := common.HexToAddress("0x01")
	gw.PushMarkPrice(MarkPriceUpdate{Token: token, Price: 100, TimestampUnix: 1})
	gw.PushDeposit(DepositEvent{Trader: token, Amount: 50, TxHash: "0xabc"})

	select {
	case u := <-marks:
		if u.Price != 100 {
			t.Fatalf("unexpected mark price update: %+v", u)
		}
	default:
		t.Fatal("expected a buffered mark price update")
	}
	select {
	case d := <-deposits:
		if d.Amount != 50 {
			t.Fatalf("unexpected deposit event: %+v", d)
		}
	default:
		t.Fatal("expected a buffered deposit event")
	}
}
