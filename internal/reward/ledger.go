// Package reward implements the holders' payout ledger: an accumulator that
// tracks each holder's proportional claim on collected fees in O(1) per
// trade instead of O(holders).
//
// The trick is a running per-share total, accRewardPerShare, scaled by
// Precision. A holder's newly accrued reward is
//
//	shares · accRewardPerShare − rewardDebt
//
// where rewardDebt snapshots the accumulator at the holder's last
// settlement. The accumulator must advance before the triggering trade's
// share counts change, or the trader would earn fee credit on shares they
// are acquiring or releasing in the same call.
package reward

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"github.com/hivetrade/shares-engine/internal/event"
	"github.com/hivetrade/shares-engine/internal/model"
	"github.com/hivetrade/shares-engine/internal/token"
)

// Precision scales accRewardPerShare so integer division loses at most
// totalShares-1 wei per fee notification.
var Precision = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

var (
	// ErrAlreadyBound is returned when Bind is called twice.
	ErrAlreadyBound = errors.New("reward: ledger already bound to an engine")

	// ErrNotBound is returned when a notification arrives before binding.
	ErrNotBound = errors.New("reward: ledger not bound to an engine")

	// ErrNotEngine is returned when a notification does not come from the
	// bound trading engine.
	ErrNotEngine = errors.New("reward: caller is not the bound engine")

	// ErrInsufficientShares is returned when a sell notification exceeds
	// the holder's registered shares.
	ErrInsufficientShares = errors.New("reward: insufficient registered shares")

	// ErrNothingToClaim is returned when a holder claims with zero pending.
	ErrNothingToClaim = errors.New("reward: nothing to claim")
)

// holder is created lazily on a holder's first trade and never deleted;
// shares may return to zero.
type holder struct {
	shares     uint64
	rewardDebt *big.Int // shares · accRewardPerShare at last settlement
	accrued    *big.Int // settled-but-unclaimed reward
	claimed    *big.Int // lifetime claimed total
}

// Ledger is one instance's reward ledger. Fee income is held on the
// ledger's own account in the settlement vault and paid out on claim.
type Ledger struct {
	mu      sync.Mutex
	address model.Address
	engine  model.Address // set exactly once via Bind
	bank    token.Fungible
	feed    *event.Feed

	totalShares uint64
	accPerShare *big.Int
	holders     map[model.Address]*holder
}

// NewLedger creates an unbound ledger paying claims from the given vault
// account.
func NewLedger(address model.Address, bank token.Fungible, feed *event.Feed) *Ledger {
	return &Ledger{
		address:     address,
		bank:        bank,
		feed:        feed,
		accPerShare: new(big.Int),
		holders:     make(map[model.Address]*holder),
	}
}

// Address returns the ledger's vault account.
func (l *Ledger) Address() model.Address { return l.address }

// Bind fixes the only engine allowed to send trade notifications. It can
// succeed once.
func (l *Ledger) Bind(engine model.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.engine != model.ZeroAddress {
		return ErrAlreadyBound
	}
	l.engine = engine
	return nil
}

// Notify registers one trade. feePaid is the holders' fee already
// transferred to the ledger account; it is distributed over the shares
// outstanding *before* this trade. A fee arriving while totalShares == 0 is
// accepted but stranded until shares exist again.
func (l *Ledger) Notify(caller, trader model.Address, isBuy bool, amount uint64, feePaid *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.engine == model.ZeroAddress {
		return ErrNotBound
	}
	if caller != l.engine {
		return ErrNotEngine
	}
	if feePaid == nil {
		feePaid = new(big.Int)
	}

	h := l.holderFor(trader)
	if !isBuy && h.shares < amount {
		return fmt.Errorf("%w: have %d, selling %d", ErrInsufficientShares, h.shares, amount)
	}

	// Accumulator first. Must advance before share counts change.
	if l.totalShares > 0 && feePaid.Sign() > 0 {
		delta := new(big.Int).Mul(feePaid, Precision)
		delta.Div(delta, new(big.Int).SetUint64(l.totalShares))
		l.accPerShare.Add(l.accPerShare, delta)
	}

	// Settle the holder's pending reward into the accrued bucket, then
	// move the share count and re-snapshot the debt.
	h.accrued.Add(h.accrued, l.pendingDelta(h))
	if isBuy {
		h.shares += amount
		l.totalShares += amount
	} else {
		h.shares -= amount
		l.totalShares -= amount
	}
	h.rewardDebt = new(big.Int).Mul(new(big.Int).SetUint64(h.shares), l.accPerShare)

	side := model.SideSell
	if isBuy {
		side = model.SideBuy
	}
	l.publish(event.TypeHolderTradeRegistered, map[string]string{
		"trader": string(trader),
		"side":   side,
		"amount": strconv.FormatUint(amount, 10),
	})
	if feePaid.Sign() > 0 {
		l.publish(event.TypeFeeReceived, map[string]string{
			"amount":       feePaid.String(),
			"total_shares": strconv.FormatUint(l.totalShares, 10),
		})
	}
	return nil
}

// PendingReward returns the holder's claimable reward.
func (l *Ledger) PendingReward(addr model.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holders[addr]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Add(h.accrued, l.pendingDelta(h))
}

// Claim pays the caller's pending reward from the ledger account and resets
// the snapshot. Claiming zero is an error.
func (l *Ledger) Claim(caller model.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	h, ok := l.holders[caller]
	if !ok {
		return nil, ErrNothingToClaim
	}
	pending := new(big.Int).Add(h.accrued, l.pendingDelta(h))
	if pending.Sign() == 0 {
		return nil, ErrNothingToClaim
	}

	if err := l.bank.Transfer(l.address, caller, pending); err != nil {
		return nil, fmt.Errorf("reward: claim payout failed: %w", err)
	}
	h.accrued = new(big.Int)
	h.rewardDebt = new(big.Int).Mul(new(big.Int).SetUint64(h.shares), l.accPerShare)
	h.claimed.Add(h.claimed, pending)

	l.publish(event.TypeRewardClaimed, map[string]string{
		"holder": string(caller),
		"amount": pending.String(),
	})
	return pending, nil
}

// TotalShares returns the registered share total.
func (l *Ledger) TotalShares() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totalShares
}

// Shares returns the holder's registered share count.
func (l *Ledger) Shares(addr model.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.holders[addr]; ok {
		return h.shares
	}
	return 0
}

// ClaimedTotal returns the holder's lifetime claimed amount.
func (l *Ledger) ClaimedTotal(addr model.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.holders[addr]; ok {
		return new(big.Int).Set(h.claimed)
	}
	return new(big.Int)
}

// pendingDelta computes shares·acc − debt, never negative. Lock held.
func (l *Ledger) pendingDelta(h *holder) *big.Int {
	d := new(big.Int).Mul(new(big.Int).SetUint64(h.shares), l.accPerShare)
	d.Sub(d, h.rewardDebt)
	d.Div(d, Precision)
	if d.Sign() < 0 {
		d.SetInt64(0)
	}
	return d
}

// holderFor lazily creates the holder entry. Lock held.
func (l *Ledger) holderFor(addr model.Address) *holder {
	h, ok := l.holders[addr]
	if !ok {
		h = &holder{
			rewardDebt: new(big.Int),
			accrued:    new(big.Int),
			claimed:    new(big.Int),
		}
		l.holders[addr] = h
	}
	return h
}

func (l *Ledger) publish(t event.Type, fields map[string]string) {
	if l.feed == nil {
		return
	}
	l.feed.Publish(event.Event{Type: t, Instance: l.engine, Fields: fields})
}
