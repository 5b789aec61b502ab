// Package ordercrypto implements EIP-712 typed-data signing and
// verification for order messages (spec.md §4.2, §6). It is the engine's
// sole point of contact with go-ethereum's crypto primitives, grounded on
// the teacher's pkg/crypto/eip712.go.
package ordercrypto

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Domain is the EIP-712 domain separator input (spec.md §6).
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// DefaultDomain matches the domain named in spec.md §6.
func DefaultDomain(chainID int64, verifyingContract common.Address) Domain {
	return Domain{
		Name:              "MemePerp",
		Version:           "1",
		ChainID:           big.NewInt(chainID),
		VerifyingContract: verifyingContract,
	}
}

// OrderType enumerates the four wire order types (spec.md §6).
type OrderType uint8

const (
	OrderTypeMarket     OrderType = 0
	OrderTypeLimit      OrderType = 1
	OrderTypeStopLimit  OrderType = 2
	OrderTypeStopMarket OrderType = 3
)

func (t OrderType) Valid() bool { return t <= OrderTypeStopMarket }

// OrderMessage is the nine-field order tuple that gets EIP-712 hashed and
// signed, matching the wire type declared in spec.md §6:
//
//	Order(address trader,address token,bool isLong,uint256 size,
//	      uint256 leverage,uint256 price,uint256 deadline,uint256 nonce,
//	      uint8 orderType)
type OrderMessage struct {
	Trader    common.Address
	Token     common.Address
	IsLong    bool
	Size      *big.Int
	Leverage  *big.Int
	Price     *big.Int
	Deadline  *big.Int
	Nonce     *big.Int
	OrderType OrderType
}
