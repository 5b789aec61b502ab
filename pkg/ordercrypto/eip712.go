package ordercrypto

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Signer hashes and verifies OrderMessage values against a fixed Domain.
type Signer struct {
	domain Domain
}

func NewSigner(domain Domain) *Signer { return &Signer{domain: domain} }

var orderTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Order": []apitypes.Type{
		{Name: "trader", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "isLong", Type: "bool"},
		{Name: "size", Type: "uint256"},
		{Name: "leverage", Type: "uint256"},
		{Name: "price", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "orderType", Type: "uint8"},
	},
}

// HashOrder computes the EIP-712 v4 digest
// keccak256("\x19\x01" || domainSeparator || structHash) for msg.
func (s *Signer) HashOrder(msg *OrderMessage) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       orderTypes,
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              s.domain.Name,
			Version:           s.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(s.domain.ChainID),
			VerifyingContract: s.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"trader":    msg.Trader.Hex(),
			"token":     msg.Token.Hex(),
			"isLong":    msg.IsLong,
			"size":      msg.Size.String(),
			"leverage":  msg.Leverage.String(),
			"price":     msg.Price.String(),
			"deadline":  msg.Deadline.String(),
			"nonce":     msg.Nonce.String(),
			"orderType": fmt.Sprintf("%d", msg.OrderType),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("hash domain: %w", err)
	}
	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("hash order struct: %w", err)
	}

	rawData := append([]byte("\x19\x01"), append(domainSeparator, structHash...)...)
	digest := crypto.Keccak256Hash(rawData)
	return digest.Bytes(), nil
}

// RecoverSigner recovers the address that produced signature over msg's
// digest. signature must be the 65-byte [R || S || V] form.
func (s *Signer) RecoverSigner(msg *OrderMessage, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}
	digest, err := s.HashOrder(msg)
	if err != nil {
		return common.Address{}, err
	}
	// go-ethereum's Ecrecover expects V in {0,1}; wallets commonly produce
	// V in {27,28} per the legacy Ethereum convention.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pubKeyBytes, err := crypto.Ecrecover(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("unmarshal recovered pubkey: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// Verify reports whether signature was produced by claimedTrader over msg.
func (s *Signer) Verify(msg *OrderMessage, signature []byte) (bool, error) {
	recovered, err := s.RecoverSigner(msg, signature)
	if err != nil {
		return false, err
	}
	return recovered == msg.Trader, nil
}
