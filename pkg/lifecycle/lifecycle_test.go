package lifecycle

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000001")

func TestActivatePausResumeDelist(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create(tokenAddr, DefaultParams(), 0); err != nil {
		t.Fatalf("create: %v", err)
	}
	tok, _ := r.Get(tokenAddr)
	if tok.State != Pretrade || tok.Params.TradingEnabled {
		t.Fatalf("expected pretrade + disabled trading, got %+v", tok)
	}

	if err := r.Activate(tokenAddr, DefaultParams(), 1); err != nil {
		t.Fatalf("activate: %v", err)
	}
	tok, _ = r.Get(tokenAddr)
	if tok.State != Active || !tok.Params.TradingEnabled {
		t.Fatalf("expected active + enabled, got %+v", tok)
	}

	if err := r.Pause(tokenAddr, 2); err != nil {
		t.Fatalf("pause: %v", err)
	}
	tok, _ = r.Get(tokenAddr)
	if tok.State != Paused || tok.Params.TradingEnabled {
		t.Fatalf("expected paused + disabled, got %+v", tok)
	}

	if err := r.Resume(tokenAddr, 3); err != nil {
		t.Fatalf("resume: %v", err)
	}

	if err := r.Delist(tokenAddr, true, 4); err == nil {
		t.Fatal("expected delist to fail with active pairs present")
	}
	if err := r.Delist(tokenAddr, false, 4); err != nil {
		t.Fatalf("delist: %v", err)
	}
	tok, _ = r.Get(tokenAddr)
	if tok.State != Delisted {
		t.Fatalf("expected delisted, got %+v", tok)
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	r := NewRegistry()
	r.Create(tokenAddr, DefaultParams(), 0)
	if err := r.Pause(tokenAddr, 1); err == nil {
		t.Fatal("expected Pretrade->Paused to be rejected")
	}
}

func TestUnknownTokenRejected(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Get(tokenAddr); err == nil {
		t.Fatal("expected UnknownToken")
	}
}

func TestQuarantine(t *testing.T) {
	r := NewRegistry()
	r.Create(tokenAddr, DefaultParams(), 0)
	if r.IsQuarantined(tokenAddr) {
		t.Fatal("should not start quarantined")
	}
	r.Quarantine(tokenAddr)
	if !r.IsQuarantined(tokenAddr) {
		t.Fatal("expected quarantined")
	}
	r.ClearQuarantine(tokenAddr)
	if r.IsQuarantined(tokenAddr) {
		t.Fatal("expected quarantine cleared")
	}
}
