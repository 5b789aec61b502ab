package ordercrypto

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/memeperp/engine/pkg/nonce"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func newValidOrder(trader common.Address, token common.Address, nonceVal uint64, now time.Time) OrderMessage {
	return OrderMessage{
		Trader:    trader,
		Token:     token,
		IsLong:    true,
		Size:      big.NewInt(1e18),
		Leverage:  big.NewInt(5 * 10000),
		Price:     big.NewInt(2e18),
		Deadline:  big.NewInt(now.Add(time.Hour).Unix()),
		Nonce:     big.NewInt(int64(nonceVal)),
		OrderType: OrderTypeLimit,
	}
}

func TestValidatorAcceptsWellFormedOrder(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	trader := ethcrypto.PubkeyToAddress(key.PublicKey)
	token := common.HexToAddress("0x00000000000000000000000000000000000001")

	domain := DefaultDomain(1337, common.Address{})
	signer := NewSigner(domain)
	now := time.Now()

	msg := newValidOrder(trader, token, 1, now)
	digest, err := signer.HashOrder(&msg)
	if err != nil {
		t.Fatalf("hash order: %v", err)
	}
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	store := nonce.NewStore()
	v := NewValidator(signer, store, fixedClock{now})

	params := TokenParams{MaxLeverage: 10 * 10000, TickSize: 1e15, MinOrderSize: 1, TradingEnabled: true}
	got, err := v.Validate(&SubmitRequest{Msg: msg, Signature: sig}, params)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if got.Trader != trader || got.Nonce != 1 {
		t.Errorf("unexpected validated order: %+v", got)
	}

	// A second submission with the same nonce must be rejected (in-flight
	// reservation) since Commit/Release was never called.
	_, err = v.Validate(&SubmitRequest{Msg: msg, Signature: sig}, params)
	if err == nil {
		t.Fatal("expected second submission with same nonce to fail")
	}
}

func TestValidatorRejectsBadSignature(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	trader := ethcrypto.PubkeyToAddress(key.PublicKey)
	token := common.HexToAddress("0x00000000000000000000000000000000000001")
	domain := DefaultDomain(1337, common.Address{})
	signer := NewSigner(domain)
	now := time.Now()
	msg := newValidOrder(trader, token, 1, now)

	otherKey, _ := ethcrypto.GenerateKey()
	digest, _ := signer.HashOrder(&msg)
	badSig, _ := ethcrypto.Sign(digest, otherKey)

	store := nonce.NewStore()
	v := NewValidator(signer, store, fixedClock{now})
	params := TokenParams{MaxLeverage: 10 * 10000, TickSize: 1e15, MinOrderSize: 1, TradingEnabled: true}

	_, err := v.Validate(&SubmitRequest{Msg: msg, Signature: badSig}, params)
	if err == nil {
		t.Fatal("expected bad signature rejection")
	}
}

func TestValidatorRejectsExpired(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	trader := ethcrypto.PubkeyToAddress(key.PublicKey)
	token := common.HexToAddress("0x00000000000000000000000000000000000001")
	domain := DefaultDomain(1337, common.Address{})
	signer := NewSigner(domain)
	now := time.Now()
	msg := newValidOrder(trader, token, 1, now)
	msg.Deadline = big.NewInt(now.Unix()) // deadline == now -> Expired

	digest, _ := signer.HashOrder(&msg)
	sig, _ := ethcrypto.Sign(digest, key)

	store := nonce.NewStore()
	v := NewValidator(signer, store, fixedClock{now})
	params := TokenParams{MaxLeverage: 10 * 10000, TickSize: 1e15, MinOrderSize: 1, TradingEnabled: true}

	_, err := v.Validate(&SubmitRequest{Msg: msg, Signature: sig}, params)
	if err == nil {
		t.Fatal("expected expired rejection")
	}
}

func TestValidatorRejectsPriceOffTick(t *testing.T) {
	key, _ := ethcrypto.GenerateKey()
	trader := ethcrypto.PubkeyToAddress(key.PublicKey)
	token := common.HexToAddress("0x00000000000000000000000000000000000001")
	domain := DefaultDomain(1337, common.Address{})
	signer := NewSigner(domain)
	now := time.Now()
	msg := newValidOrder(trader, token, 1, now)
	msg.Price = big.NewInt(2_000_000_000_000_001) // not a multiple of 1e15

	digest, _ := signer.HashOrder(&msg)
	sig, _ := ethcrypto.Sign(digest, key)

	store := nonce.NewStore()
	v := NewValidator(signer, store, fixedClock{now})
	params := TokenParams{MaxLeverage: 10 * 10000, TickSize: 1e15, MinOrderSize: 1, TradingEnabled: true}

	_, err := v.Validate(&SubmitRequest{Msg: msg, Signature: sig}, params)
	if err == nil {
		t.Fatal("expected price-not-on-tick rejection")
	}
}
