package engine

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/hivetrade/shares-engine/internal/model"
	"github.com/hivetrade/shares-engine/internal/token"
)

var (
	// ErrInsufficientPayment is returned by native settlement when the
	// value supplied does not cover the required total.
	ErrInsufficientPayment = errors.New("engine: insufficient payment")

	// ErrExactPaymentRequired is returned by token settlement when the
	// supplied value differs from the required total. No excess is
	// accepted on the token path.
	ErrExactPaymentRequired = errors.New("engine: exact payment required")
)

// Settlement is how an engine moves value. Collect pulls a trade's total
// from the trader, Pay is a mandatory outgoing payment, and PayBestEffort
// degrades to zero instead of failing — the explicit soft-failure outcome
// fee sinks outside protocol control get.
type Settlement interface {
	// Collect moves `required` from the trader to the engine account.
	// `offered` is the value the trader attached to the call.
	Collect(trader, engineAcct model.Address, required, offered *big.Int) error

	// Pay moves funds out of the engine account; failure is fatal to the
	// caller's operation.
	Pay(from, to model.Address, amount *big.Int) error

	// PayBestEffort attempts an outgoing payment and reports whether it
	// landed. On failure the funds stay with the engine account.
	PayBestEffort(from, to model.Address, amount *big.Int) bool
}

// NativeSettlement settles in native value: the trader may attach more than
// required and only the required amount is taken, so the excess stays with
// the trader.
type NativeSettlement struct {
	bank token.Fungible
}

// NewNativeSettlement creates the native-value settlement variant.
func NewNativeSettlement(bank token.Fungible) *NativeSettlement {
	return &NativeSettlement{bank: bank}
}

func (s *NativeSettlement) Collect(trader, engineAcct model.Address, required, offered *big.Int) error {
	if offered == nil || offered.Cmp(required) < 0 {
		return fmt.Errorf("%w: need %s, offered %s", ErrInsufficientPayment, required, offered)
	}
	return s.bank.Transfer(trader, engineAcct, required)
}

func (s *NativeSettlement) Pay(from, to model.Address, amount *big.Int) error {
	return s.bank.Transfer(from, to, amount)
}

func (s *NativeSettlement) PayBestEffort(from, to model.Address, amount *big.Int) bool {
	if amount == nil || amount.Sign() == 0 {
		return true
	}
	if to == model.ZeroAddress {
		return false
	}
	return s.bank.Transfer(from, to, amount) == nil
}

// TokenSettlement settles in a fungible token and accepts the exact total
// only.
type TokenSettlement struct {
	tok token.Fungible
}

// NewTokenSettlement creates the token settlement variant.
func NewTokenSettlement(tok token.Fungible) *TokenSettlement {
	return &TokenSettlement{tok: tok}
}

func (s *TokenSettlement) Collect(trader, engineAcct model.Address, required, offered *big.Int) error {
	if offered == nil || offered.Cmp(required) != 0 {
		return fmt.Errorf("%w: need %s, offered %s", ErrExactPaymentRequired, required, offered)
	}
	return s.tok.Transfer(trader, engineAcct, required)
}

func (s *TokenSettlement) Pay(from, to model.Address, amount *big.Int) error {
	return s.tok.Transfer(from, to, amount)
}

func (s *TokenSettlement) PayBestEffort(from, to model.Address, amount *big.Int) bool {
	if amount == nil || amount.Sign() == 0 {
		return true
	}
	if to == model.ZeroAddress {
		return false
	}
	return s.tok.Transfer(from, to, amount) == nil
}
