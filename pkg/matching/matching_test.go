package matching

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/memeperp/engine/pkg/broadcast"
	"github.com/memeperp/engine/pkg/klines"
	"github.com/memeperp/engine/pkg/ledger"
	"github.com/memeperp/engine/pkg/lifecycle"
	"github.com/memeperp/engine/pkg/nonce"
	"github.com/memeperp/engine/pkg/ordercrypto"
	"github.com/memeperp/engine/pkg/positions"
)

var tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000001")

type fixedMarkPrice struct {
	price uint64
	ok    bool
}

func (f fixedMarkPrice) MarkPrice(common.Address) (uint64, bool) { return f.price, f.ok }

type zeroFunding struct{}

func (zeroFunding) FundingIndex(common.Address) int64 { return 0 }

type harness struct {
	engine    *Engine
	ledger    *ledger.Ledger
	signer    *ordercrypto.Signer
	lifecycle *lifecycle.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	lc := lifecycle.NewRegistry()
	params := lifecycle.DefaultParams()
	if _, err := lc.Create(tokenAddr, params, 0); err != nil {
		t.Fatalf("create token: %v", err)
	}
	if err := lc.Activate(tokenAddr, params, 0); err != nil {
		t.Fatalf("activate token: %v", err)
	}

	l := ledger.New()
	domain := ordercrypto.DefaultDomain(1337, common.Address{})
	signer := ordercrypto.NewSigner(domain)
	validator := ordercrypto.NewValidator(signer, nonce.NewStore(), ordercrypto.RealClock{})
	posStore := positions.NewStore(l)
	kAgg := klines.NewAggregator(nil)
	bus := broadcast.NewBus()
	marks := fixedMarkPrice{price: 2_000_000_000_000_000_000, ok: true}

	feeCollector := common.HexToAddress("0xfee")
	l.Deposit(feeCollector, 1_000_000_000_000_000_000_000) // funds the maker rebate

	e := NewEngine(lc, l, validator, posStore, kAgg, bus, marks, zeroFunding{}, feeCollector)
	return &harness{engine: e, ledger: l, signer: signer, lifecycle: lc}
}

func (h *harness) submit(t *testing.T, key *ecdsaKey, isLong bool, orderType ordercrypto.OrderType, price *big.Int, size *big.Int, leverage *big.Int, n uint64) (*SubmitResult, error) {
	t.Helper()
	msg := ordercrypto.OrderMessage{
		Trader:    key.addr,
		Token:     tokenAddr,
		IsLong:    isLong,
		Size:      size,
		Leverage:  leverage,
		Price:     price,
		Deadline:  big.NewInt(4_000_000_000),
		Nonce:     big.NewInt(int64(n)),
		OrderType: orderType,
	}
	digest, err := h.signer.HashOrder(&msg)
	if err != nil {
		t.Fatalf("hash order: %v", err)
	}
	sig, err := ethcrypto.Sign(digest, key.priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return h.engine.Submit(&ordercrypto.SubmitRequest{Msg: msg, Signature: sig}, 1000)
}

// ecdsaKey bundles a private key with its derived address for test brevity.
type ecdsaKey struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

func newKey(t *testing.T) *ecdsaKey {
	t.Helper()
	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return &ecdsaKey{priv: priv, addr: ethcrypto.PubkeyToAddress(priv.PublicKey)}
}

func TestSubmitMatchesRestingLimitOrder(t *testing.T) {
	h := newHarness(t)
	alice := newKey(t)
	bob := newKey(t)

	h.ledger.Deposit(alice.addr, 1_000_000_000_000_000_000_000)
	h.ledger.Deposit(bob.addr, 1_000_000_000_000_000_000_000)

	price := big.NewInt(2_000_000_000_000_000_000)
	size := big.NewInt(1_000_000_000_000_000_000)
	leverage := big.NewInt(5 * 10000)

	// Bob rests a short limit order first.
	bobRes, err := h.submit(t, bob, false, ordercrypto.OrderTypeLimit, price, size, leverage, 1)
	if err != nil {
		t.Fatalf("bob submit: %v", err)
	}
	if bobRes.Status.String() != "new" {
		t.Fatalf("expected bob's order to rest as new, got %s", bobRes.Status)
	}

	// Alice crosses with a market long.
	aliceRes, err := h.submit(t, alice, true, ordercrypto.OrderTypeMarket, big.NewInt(0), size, leverage, 1)
	if err != nil {
		t.Fatalf("alice submit: %v", err)
	}
	if aliceRes.Status.String() != "filled" {
		t.Fatalf("expected alice's market order to be filled, got %s", aliceRes.Status)
	}
	if len(aliceRes.Matches) != 1 || aliceRes.Matches[0].Size != 1_000_000_000_000_000_000 {
		t.Fatalf("expected exactly one full-size fill, got %+v", aliceRes.Matches)
	}
}

func TestSubmitRejectsQuarantinedToken(t *testing.T) {
	h := newHarness(t)
	h.lifecycle.Quarantine(tokenAddr)
	alice := newKey(t)
	h.ledger.Deposit(alice.addr, 1_000_000_000_000_000_000_000)

	_, err := h.submit(t, alice, true, ordercrypto.OrderTypeMarket, big.NewInt(0),
		big.NewInt(1_000_000_000_000_000_000), big.NewInt(5*10000), 1)
	if err == nil {
		t.Fatal("expected quarantined token submission to be rejected")
	}
}

func TestReopenSubmitsSyntheticMarketOrder(t *testing.T) {
	h := newHarness(t)
	alice := newKey(t)
	bob := newKey(t)
	h.ledger.Deposit(alice.addr, 1_000_000_000_000_000_000_000)
	h.ledger.Deposit(bob.addr, 1_000_000_000_000_000_000_000)

	price := big.NewInt(2_000_000_000_000_000_000)
	size := big.NewInt(1_000_000_000_000_000_000)
	leverage := big.NewInt(5 * 10000)

	// Bob rests a resting short limit for Reopen's synthetic long to cross.
	if _, err := h.submit(t, bob, false, ordercrypto.OrderTypeLimit, price, size, leverage, 1); err != nil {
		t.Fatalf("bob submit: %v", err)
	}

	filled, err := h.engine.Reopen(tokenAddr, alice.addr, true, 1_000_000_000_000_000_000, 5*10000, 1000)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if filled != 1_000_000_000_000_000_000 {
		t.Fatalf("expected the synthetic order to fully cross bob's resting size, got %d", filled)
	}
}

func TestCancelReleasesLockedCollateral(t *testing.T) {
	h := newHarness(t)
	alice := newKey(t)
	h.ledger.Deposit(alice.addr, 1_000_000_000_000_000_000_000)

	price := big.NewInt(2_000_000_000_000_000_000)
	size := big.NewInt(1_000_000_000_000_000_000)
	leverage := big.NewInt(5 * 10000)

	res, err := h.submit(t, alice, true, ordercrypto.OrderTypeLimit, price, size, leverage, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	before := h.ledger.Get(alice.addr)
	if before.Locked == 0 {
		t.Fatal("expected collateral to be locked for a resting order")
	}

	if err := h.engine.Cancel(tokenAddr, res.OrderID, alice.addr); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	after := h.ledger.Get(alice.addr)
	if after.Locked != 0 {
		t.Fatalf("expected all locked collateral released after cancel, got %d", after.Locked)
	}
}
