package ordercrypto

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/memeperp/engine/pkg/engineerr"
	"github.com/memeperp/engine/pkg/nonce"
)

// TokenParams is the subset of lifecycle-owned, per-token parameters (C11)
// that order validation needs to consult (spec.md §4.2, §4.11).
type TokenParams struct {
	MaxLeverage    uint64 // scaled 1e4
	TickSize       uint64 // scaled 1e18
	MinOrderSize   uint64 // scaled 1e18
	TradingEnabled bool
}

// SubmitRequest is the decoded form of the external order submission
// message (spec.md §6), prior to acceptance.
type SubmitRequest struct {
	Msg       OrderMessage
	Signature []byte
}

// Clock abstracts wall-clock "now" so tests can inject deterministic times,
// mirroring the teacher's pkg/util.Clock interface.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// Validator performs the full C2 pipeline: signature recovery, nonce
// tentative reservation, and static order-field validation. It never
// touches order books or balances — those checks belong to the matching
// engine (C5) once the order is known to be authentically the trader's.
type Validator struct {
	signer *Signer
	nonces *nonce.Store
	clock  Clock
}

func NewValidator(signer *Signer, nonces *nonce.Store, clock Clock) *Validator {
	if clock == nil {
		clock = RealClock{}
	}
	return &Validator{signer: signer, nonces: nonces, clock: clock}
}

// Validated is the result of a successful C2 pass: a signature-authentic,
// well-formed order with its nonce tentatively reserved but not committed.
type Validated struct {
	Trader    common.Address
	Token     common.Address
	IsLong    bool
	Size      uint64
	Leverage  uint64
	Price     uint64
	Deadline  int64
	Nonce     uint64
	OrderType OrderType
}

// Commit advances the trader's nonce floor; call only once the order is
// accepted into the book or produces at least one trade (spec.md §4.2).
func (v *Validator) Commit(trader common.Address, n uint64) bool {
	return v.nonces.Commit(trader, n)
}

// Release abandons the tentative reservation; call on any path that ends in
// pure rejection.
func (v *Validator) Release(trader common.Address, n uint64) {
	v.nonces.Release(trader, n)
}

// Validate runs the full C2 pipeline against req, given the resolved
// per-token parameters. On success the trader's nonce has been tentatively
// reserved (not committed) — the caller owns calling Commit or Release.
func (v *Validator) Validate(req *SubmitRequest, params TokenParams) (*Validated, error) {
	m := req.Msg

	if !m.OrderType.Valid() {
		return nil, engineerr.New(engineerr.CodeInvalidOrderParameters, "unknown order type")
	}
	if !params.TradingEnabled {
		return nil, engineerr.New(engineerr.CodeTokenNotTrading, "token is not accepting orders")
	}

	recovered, err := v.signer.RecoverSigner(&m, req.Signature)
	if err != nil || recovered != m.Trader {
		return nil, engineerr.Wrap(engineerr.CodeBadSignature, "signature does not recover to claimed trader", err)
	}

	now := v.clock.Now().Unix()
	deadline := m.Deadline.Int64()
	if deadline <= now {
		return nil, engineerr.New(engineerr.CodeExpired, "order deadline has passed")
	}

	if m.Size.Sign() <= 0 {
		return nil, engineerr.New(engineerr.CodeInvalidOrderParameters, "size must be positive")
	}
	if !m.Size.IsUint64() {
		return nil, engineerr.New(engineerr.CodeInvalidOrderParameters, "size exceeds supported range")
	}
	size := m.Size.Uint64()
	if size < params.MinOrderSize {
		return nil, engineerr.New(engineerr.CodeSizeBelowMinimum, "size below token minimum")
	}

	if !m.Leverage.IsUint64() {
		return nil, engineerr.New(engineerr.CodeInvalidOrderParameters, "leverage exceeds supported range")
	}
	leverage := m.Leverage.Uint64()
	if leverage < 1 || leverage > params.MaxLeverage {
		return nil, engineerr.New(engineerr.CodeLeverageOutOfRange, "leverage outside token's allowed range")
	}

	isMarket := m.OrderType == OrderTypeMarket || m.OrderType == OrderTypeStopMarket
	var price uint64
	if isMarket {
		if m.Price.Sign() != 0 {
			return nil, engineerr.New(engineerr.CodeInvalidOrderParameters, "market orders must carry zero price")
		}
	} else {
		if m.Price.Sign() <= 0 {
			return nil, engineerr.New(engineerr.CodeInvalidOrderParameters, "limit orders require a positive price")
		}
		if !m.Price.IsUint64() {
			return nil, engineerr.New(engineerr.CodeInvalidOrderParameters, "price exceeds supported range")
		}
		price = m.Price.Uint64()
		if params.TickSize > 0 && price%params.TickSize != 0 {
			return nil, engineerr.New(engineerr.CodePriceNotOnTick, "price is not a multiple of tick size")
		}
	}

	if !m.Nonce.IsUint64() {
		return nil, engineerr.New(engineerr.CodeInvalidOrderParameters, "nonce exceeds supported range")
	}
	n := m.Nonce.Uint64()
	if !v.nonces.Reserve(m.Trader, n) {
		return nil, engineerr.New(engineerr.CodeBadNonce, "nonce is not last-used+1, or a reservation is already in flight")
	}

	return &Validated{
		Trader:    m.Trader,
		Token:     m.Token,
		IsLong:    m.IsLong,
		Size:      size,
		Leverage:  leverage,
		Price:     price,
		Deadline:  deadline,
		Nonce:     n,
		OrderType: m.OrderType,
	}, nil
}

// BigFromUint64 is a small convenience used by transport-layer decoders that
// build an OrderMessage from decimal-string wire fields.
func BigFromUint64(v uint64) *big.Int { return new(big.Int).SetUint64(v) }
