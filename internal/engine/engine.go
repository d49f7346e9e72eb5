// Package engine implements the per-subject trading state machine: it owns
// supply and balances for one subject, prices trades on the bonding curve,
// splits every trade three ways (protocol, holders, subject issuer), and
// keeps the holders' reward ledger in sync.
//
// Fee routing deliberately has two severities. Destinations the protocol
// does not control (the issuer, the configured protocol sink) are paid
// best-effort so a hostile recipient can never grief trading. The reward
// ledger is protocol-deployed and trusted, so a failed ledger notification
// aborts the whole trade — missing one would desynchronize holder
// accounting irrecoverably.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivetrade/shares-engine/internal/curve"
	"github.com/hivetrade/shares-engine/internal/event"
	"github.com/hivetrade/shares-engine/internal/model"
	"github.com/hivetrade/shares-engine/internal/reward"
	"github.com/hivetrade/shares-engine/internal/token"
)

var (
	// ErrZeroAmount is returned for trades of zero shares.
	ErrZeroAmount = errors.New("engine: amount must be positive")

	// ErrBootstrapOnly is returned when anyone but the resolved issuer
	// tries the first buy on an empty instance.
	ErrBootstrapOnly = errors.New("engine: only the issuer can buy the first share")

	// ErrLastShare is returned when a sell would empty the supply; the
	// last outstanding share anchors the subject's control.
	ErrLastShare = errors.New("engine: cannot sell the last share")

	// ErrInsufficientShares is returned when the seller holds fewer shares
	// than offered.
	ErrInsufficientShares = errors.New("engine: insufficient shares")

	// ErrRewardNotify is returned when the mandatory reward-ledger
	// notification fails; the trade is fully undone.
	ErrRewardNotify = errors.New("engine: reward ledger notification failed")

	// ErrNotAdmin is returned for admin-gated configuration calls.
	ErrNotAdmin = errors.New("engine: caller is not the instance admin")
)

// Config assembles one instance. Curve is shared immutable template state;
// everything else is per-instance.
type Config struct {
	Subject     model.Subject
	Curve       *curve.Curve
	Fees        model.FeeConfig
	Admin       model.Address
	Settlement  Settlement
	Collectible token.Collectible
	Ledger      *reward.Ledger // nil when the template has no holders ledger
	Feed        *event.Feed
}

// Quote is the price breakdown for a prospective trade. For buys Total is
// the amount the trader must supply; for sells it is the net proceeds.
type Quote struct {
	BasePrice   *big.Int `json:"base_price"`
	ProtocolFee *big.Int `json:"protocol_fee"`
	HoldersFee  *big.Int `json:"holders_fee"`
	SubjectFee  *big.Int `json:"subject_fee"`
	Total       *big.Int `json:"total"`
}

// Engine is one deployed trading instance. All operations serialize on an
// internal mutex; owned state is committed only after every fallible
// external step has succeeded, so a hard failure leaves no partial state.
type Engine struct {
	mu      sync.Mutex
	address model.Address
	subject model.Subject
	curve   *curve.Curve
	fees    model.FeeConfig
	admin   model.Address
	settle  Settlement
	nft     token.Collectible
	ledger  *reward.Ledger
	feed    *event.Feed

	supply   uint64
	balances map[model.Address]uint64
	volume   *big.Int
}

// New creates an instance from its config. The caller (the factory) is
// responsible for binding the ledger and validating the fee config.
func New(address model.Address, cfg Config) *Engine {
	return &Engine{
		address:  address,
		subject:  cfg.Subject,
		curve:    cfg.Curve,
		fees:     cfg.Fees.Clone(),
		admin:    cfg.Admin,
		settle:   cfg.Settlement,
		nft:      cfg.Collectible,
		ledger:   cfg.Ledger,
		feed:     cfg.Feed,
		balances: make(map[model.Address]uint64),
		volume:   new(big.Int),
	}
}

// Address returns the instance account.
func (e *Engine) Address() model.Address { return e.address }

// Subject returns the currently bound subject.
func (e *Engine) Subject() model.Subject {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.subject
}

// Supply returns the outstanding share count.
func (e *Engine) Supply() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.supply
}

// BalanceOf returns a holder's share count.
func (e *Engine) BalanceOf(addr model.Address) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[addr]
}

// Holders returns a copy of the balance table.
func (e *Engine) Holders() map[model.Address]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[model.Address]uint64, len(e.balances))
	for k, v := range e.balances {
		out[k] = v
	}
	return out
}

// Volume returns the cumulative base-price trade volume.
func (e *Engine) Volume() *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Set(e.volume)
}

// Fees returns the current fee configuration.
func (e *Engine) Fees() model.FeeConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fees.Clone()
}

// Ledger returns the paired reward ledger, if any.
func (e *Engine) Ledger() *reward.Ledger { return e.ledger }

// Issuer resolves the subject's current owner. A missing backing item
// resolves to the zero address instead of a hard failure.
func (e *Engine) Issuer() model.Address {
	e.mu.Lock()
	subject := e.subject
	e.mu.Unlock()
	return e.resolveIssuer(subject)
}

func (e *Engine) resolveIssuer(subject model.Subject) model.Address {
	if e.nft == nil || !e.nft.Exists(subject.ItemID) {
		return model.ZeroAddress
	}
	owner, err := e.nft.OwnerOf(subject.ItemID)
	if err != nil {
		return model.ZeroAddress
	}
	return owner
}

// QuoteBuy prices a prospective buy at the current supply.
func (e *Engine) QuoteBuy(amount uint64) Quote {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quoteBuyLocked(amount)
}

func (e *Engine) quoteBuyLocked(amount uint64) Quote {
	base := e.curve.Price(e.supply, amount)
	q := e.feesFor(base)
	q.Total = new(big.Int).Add(base, q.ProtocolFee)
	q.Total.Add(q.Total, q.HoldersFee)
	q.Total.Add(q.Total, q.SubjectFee)
	return q
}

// QuoteSell prices a prospective sell; the base price is taken at the
// post-trade supply.
func (e *Engine) QuoteSell(amount uint64) (Quote, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if amount >= e.supply {
		return Quote{}, ErrLastShare
	}
	return e.quoteSellLocked(amount), nil
}

func (e *Engine) quoteSellLocked(amount uint64) Quote {
	base := e.curve.Price(e.supply-amount, amount)
	q := e.feesFor(base)
	q.Total = new(big.Int).Sub(base, q.ProtocolFee)
	q.Total.Sub(q.Total, q.HoldersFee)
	q.Total.Sub(q.Total, q.SubjectFee)
	return q
}

// feesFor splits a base price by the configured percents with truncating
// division, so the three fees never exceed the base. Lock held.
func (e *Engine) feesFor(base *big.Int) Quote {
	q := Quote{
		BasePrice:   base,
		ProtocolFee: feeShare(base, e.fees.ProtocolPercent),
		SubjectFee:  feeShare(base, e.fees.SubjectPercent),
	}
	if e.ledger != nil {
		q.HoldersFee = feeShare(base, e.fees.HoldersPercent)
	} else {
		q.HoldersFee = new(big.Int)
	}
	return q
}

func feeShare(base, percent *big.Int) *big.Int {
	if percent == nil || percent.Sign() == 0 || base.Sign() == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(base, percent)
	return out.Div(out, model.PercentUnit)
}

// BuyShares mints `amount` shares to the beneficiary, collecting the curve
// price plus all three fees from the caller. `offered` is the value the
// caller attached; native settlement takes only what is required, token
// settlement demands the exact total.
func (e *Engine) BuyShares(caller, beneficiary model.Address, amount uint64, offered *big.Int) (*model.TradeRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount == 0 {
		return nil, ErrZeroAmount
	}
	if beneficiary == model.ZeroAddress {
		beneficiary = caller
	}

	issuer := e.resolveIssuer(e.subject)
	if e.supply == 0 && (issuer == model.ZeroAddress || caller != issuer) {
		return nil, ErrBootstrapOnly
	}

	q := e.quoteBuyLocked(amount)

	if err := e.settle.Collect(caller, e.address, q.Total, offered); err != nil {
		return nil, err
	}

	// Mandatory holders path: fee to the ledger account, then the notify.
	// Any failure here unwinds the collection so the trade never half
	// happens.
	if e.ledger != nil {
		if q.HoldersFee.Sign() > 0 {
			if err := e.settle.Pay(e.address, e.ledger.Address(), q.HoldersFee); err != nil {
				e.unwind(e.address, caller, q.Total)
				return nil, fmt.Errorf("%w: %v", ErrRewardNotify, err)
			}
		}
		if err := e.ledger.Notify(e.address, beneficiary, true, amount, q.HoldersFee); err != nil {
			if q.HoldersFee.Sign() > 0 {
				e.unwind(e.ledger.Address(), e.address, q.HoldersFee)
			}
			e.unwind(e.address, caller, q.Total)
			return nil, fmt.Errorf("%w: %v", ErrRewardNotify, err)
		}
	}

	// Owned state commits before the remaining, best-effort interactions.
	e.balances[beneficiary] += amount
	e.supply += amount
	e.volume.Add(e.volume, q.BasePrice)

	protocolFee := e.routeBestEffort(e.fees.ProtocolDestination, q.ProtocolFee)
	subjectFee := e.routeBestEffort(issuer, q.SubjectFee)

	rec := e.recordLocked(beneficiary, issuer, model.SideBuy, amount, q, protocolFee, subjectFee)
	return rec, nil
}

// SellShares burns `amount` of the caller's shares and pays the net
// proceeds to the beneficiary. The last outstanding share can never be
// sold.
func (e *Engine) SellShares(caller, beneficiary model.Address, amount uint64) (*model.TradeRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if amount == 0 {
		return nil, ErrZeroAmount
	}
	if beneficiary == model.ZeroAddress {
		beneficiary = caller
	}
	if amount >= e.supply {
		return nil, ErrLastShare
	}
	if e.balances[caller] < amount {
		return nil, fmt.Errorf("%w: have %d, selling %d", ErrInsufficientShares, e.balances[caller], amount)
	}

	q := e.quoteSellLocked(amount)
	issuer := e.resolveIssuer(e.subject)

	// The seller is owed funds already priced out of the pool: the payout
	// is mandatory.
	if err := e.settle.Pay(e.address, beneficiary, q.Total); err != nil {
		return nil, fmt.Errorf("engine: seller payout failed: %w", err)
	}

	if e.ledger != nil {
		if q.HoldersFee.Sign() > 0 {
			if err := e.settle.Pay(e.address, e.ledger.Address(), q.HoldersFee); err != nil {
				e.unwind(beneficiary, e.address, q.Total)
				return nil, fmt.Errorf("%w: %v", ErrRewardNotify, err)
			}
		}
		if err := e.ledger.Notify(e.address, caller, false, amount, q.HoldersFee); err != nil {
			if q.HoldersFee.Sign() > 0 {
				e.unwind(e.ledger.Address(), e.address, q.HoldersFee)
			}
			e.unwind(beneficiary, e.address, q.Total)
			return nil, fmt.Errorf("%w: %v", ErrRewardNotify, err)
		}
	}

	e.balances[caller] -= amount
	e.supply -= amount
	e.volume.Add(e.volume, q.BasePrice)

	protocolFee := e.routeBestEffort(e.fees.ProtocolDestination, q.ProtocolFee)
	subjectFee := e.routeBestEffort(issuer, q.SubjectFee)

	rec := e.recordLocked(caller, issuer, model.SideSell, amount, q, protocolFee, subjectFee)
	return rec, nil
}

// unwind reverses a payment made earlier in an aborted trade. The reversal
// cannot be retried, so a failure is logged: the funds stay where they
// landed and the inconsistency must be visible to operators. Lock held.
func (e *Engine) unwind(from, to model.Address, amount *big.Int) {
	if err := e.settle.Pay(from, to, amount); err != nil {
		slog.Error("trade unwind refund failed",
			"instance", e.address,
			"from", from,
			"to", to,
			"amount", amount.String(),
			"err", err,
		)
	}
}

// routeBestEffort pays a fee destination outside protocol control. A
// rejected transfer degrades the fee to zero; the undelivered amount stays
// in the instance pool. Lock held.
func (e *Engine) routeBestEffort(to model.Address, amount *big.Int) *big.Int {
	if e.settle.PayBestEffort(e.address, to, amount) {
		return amount
	}
	return new(big.Int)
}

// recordLocked builds the trade record and publishes the audit event after
// state is fully updated. Lock held.
func (e *Engine) recordLocked(trader, issuer model.Address, side string, amount uint64, q Quote, protocolFee, subjectFee *big.Int) *model.TradeRecord {
	rec := &model.TradeRecord{
		ID:          uuid.NewString(),
		Instance:    e.address,
		Subject:     e.subject,
		Trader:      trader,
		Issuer:      issuer,
		Side:        side,
		Amount:      amount,
		BasePrice:   new(big.Int).Set(q.BasePrice),
		ProtocolFee: new(big.Int).Set(protocolFee),
		HoldersFee:  new(big.Int).Set(q.HoldersFee),
		SubjectFee:  new(big.Int).Set(subjectFee),
		SupplyAfter: e.supply,
		Timestamp:   time.Now().UTC(),
	}
	if e.feed != nil {
		e.feed.Publish(event.Event{
			Type:     event.TypeTradeExecuted,
			Instance: e.address,
			Fields: map[string]string{
				"trade_id":     rec.ID,
				"trader":       string(trader),
				"issuer":       string(issuer),
				"side":         side,
				"amount":       strconv.FormatUint(amount, 10),
				"base_price":   rec.BasePrice.String(),
				"protocol_fee": rec.ProtocolFee.String(),
				"holders_fee":  rec.HoldersFee.String(),
				"subject_fee":  rec.SubjectFee.String(),
				"supply":       strconv.FormatUint(e.supply, 10),
			},
		})
	}
	return rec
}

// SetFeeConfig replaces the fee configuration. Admin only; validated at
// config time like at deployment.
func (e *Engine) SetFeeConfig(caller model.Address, fees model.FeeConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.admin {
		return ErrNotAdmin
	}
	if err := fees.Validate(); err != nil {
		return err
	}
	e.fees = fees.Clone()
	if e.feed != nil {
		e.feed.Publish(event.Event{
			Type:     event.TypeFeeConfigUpdated,
			Instance: e.address,
			Fields: map[string]string{
				"protocol_destination": string(fees.ProtocolDestination),
			},
		})
	}
	return nil
}

// SetSubject rebinds the instance to a new subject. Admin only. The factory
// must be notified afterwards (NotifySubjectUpdated) to reconcile the
// registry.
func (e *Engine) SetSubject(caller model.Address, subject model.Subject) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.admin {
		return ErrNotAdmin
	}
	e.subject = subject
	return nil
}
