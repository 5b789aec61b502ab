// Command signorder is a developer companion to cmd/engine: it generates a
// keypair (or signs with one given on the command line), builds an EIP-712
// order message, signs it, and prints the exact JSON body spec.md §6's
// POST /api/v1/orders expects.
//
// Grounded on the teacher's cmd/sign-order/main.go (generate key -> build
// order -> sign -> marshal -> verify -> print submit instructions), rebuilt
// against pkg/ordercrypto's Signer/OrderMessage/Domain instead of the
// teacher's own deleted pkg/crypto types.
package main

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/memeperp/engine/pkg/ordercrypto"
)

func main() {
	var (
		privHex     = flag.String("private-key", "", "hex private key to sign with (generates a fresh one if empty)")
		tokenHex    = flag.String("token", "0x0000000000000000000000000000000000000001", "token address")
		isLong      = flag.Bool("long", true, "order side")
		size        = flag.String("size", "1000000000000000000", "order size, 1e18-scaled")
		leverage    = flag.String("leverage", "100000", "leverage, 1e4-scaled (10x = 100000)")
		price       = flag.String("price", "50000000000000000000000", "limit price, 1e18-scaled")
		deadline    = flag.Int64("deadline", 0, "unix deadline; must be in the future (the engine rejects 0 as expired)")
		nonce       = flag.Int64("nonce", 1, "order nonce")
		orderType   = flag.Uint("order-type", 1, "0=market 1=limit 2=stop-limit 3=stop-market")
		chainID     = flag.Int64("chain-id", 31337, "EIP-712 chain id")
		verifyingContract = flag.String("verifying-contract", common.Address{}.Hex(), "EIP-712 verifying contract")
	)
	flag.Parse()

	priv, err := loadOrGenerateKey(*privHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	trader := crypto.PubkeyToAddress(priv.PublicKey)

	fmt.Printf("Trader: %s\n", trader.Hex())
	if *privHex == "" {
		fmt.Printf("Private key (KEEP SECRET): %s\n\n", hex.EncodeToString(crypto.FromECDSA(priv)))
	}

	msg := ordercrypto.OrderMessage{
		Trader:    trader,
		Token:     common.HexToAddress(*tokenHex),
		IsLong:    *isLong,
		Size:      mustBigInt(*size),
		Leverage:  mustBigInt(*leverage),
		Price:     mustBigInt(*price),
		Deadline:  big.NewInt(*deadline),
		Nonce:     big.NewInt(*nonce),
		OrderType: ordercrypto.OrderType(*orderType),
	}
	if !msg.OrderType.Valid() {
		fmt.Fprintf(os.Stderr, "error: order-type %d is not one of {0,1,2,3}\n", *orderType)
		os.Exit(1)
	}

	domain := ordercrypto.Domain{
		Name: "MemePerp", Version: "1",
		ChainID:           big.NewInt(*chainID),
		VerifyingContract: common.HexToAddress(*verifyingContract),
	}
	signer := ordercrypto.NewSigner(domain)

	digest, err := signer.HashOrder(&msg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error hashing order: %v\n", err)
		os.Exit(1)
	}
	sig, err := crypto.Sign(digest, priv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error signing order: %v\n", err)
		os.Exit(1)
	}
	sig[64] += 27 // legacy V convention, matches what RecoverSigner expects on the wire

	ok, err := signer.Verify(&msg, sig)
	if err != nil || !ok {
		fmt.Fprintf(os.Stderr, "error: self-verification failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Signature self-verified OK.")

	body := submitOrderBody{
		Trader: msg.Trader.Hex(), Token: msg.Token.Hex(), IsLong: msg.IsLong,
		Size: msg.Size.String(), Leverage: msg.Leverage.String(), Price: msg.Price.String(),
		Deadline: msg.Deadline.String(), Nonce: msg.Nonce.String(), OrderType: uint8(msg.OrderType),
		Signature: "0x" + hex.EncodeToString(sig),
	}
	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error marshaling request body: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\nPOST /api/v1/orders")
	fmt.Println(string(out))
}

// submitOrderBody mirrors pkg/api.SubmitOrderRequest's wire shape without
// importing pkg/api, since that package isn't meant to be a CLI dependency.
type submitOrderBody struct {
	Trader    string `json:"trader"`
	Token     string `json:"token"`
	IsLong    bool   `json:"isLong"`
	Size      string `json:"size"`
	Leverage  string `json:"leverage"`
	Price     string `json:"price"`
	Deadline  string `json:"deadline"`
	Nonce     string `json:"nonce"`
	OrderType uint8  `json:"orderType"`
	Signature string `json:"signature"`
}

func loadOrGenerateKey(privHex string) (*ecdsa.PrivateKey, error) {
	if privHex == "" {
		return crypto.GenerateKey()
	}
	return crypto.HexToECDSA(privHex)
}

func mustBigInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		fmt.Fprintf(os.Stderr, "error: %q is not a decimal integer\n", s)
		os.Exit(1)
	}
	return n
}
