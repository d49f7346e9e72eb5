package reward

import (
	"errors"
	"math/big"
	"testing"

	"github.com/hivetrade/shares-engine/internal/event"
	"github.com/hivetrade/shares-engine/internal/model"
	"github.com/hivetrade/shares-engine/internal/token"
)

const (
	engineAddr model.Address = "shr-test"
	ledgerAddr model.Address = "rwd-test"
	alice      model.Address = "alice"
	bob        model.Address = "bob"
)

func wei(n int64) *big.Int { return big.NewInt(n) }

// newTestLedger returns a bound ledger with a funded vault account so
// claims can be paid out.
func newTestLedger(t *testing.T) (*Ledger, *token.Vault, *event.Feed) {
	t.Helper()
	vault := token.NewVault()
	feed := event.NewFeed()
	l := NewLedger(ledgerAddr, vault, feed)
	if err := l.Bind(engineAddr); err != nil {
		t.Fatalf("bind failed: %v", err)
	}
	return l, vault, feed
}

// notifyFee mimics the engine: the fee lands on the ledger account before
// the notification.
func notifyFee(t *testing.T, l *Ledger, vault *token.Vault, trader model.Address, isBuy bool, amount uint64, fee *big.Int) {
	t.Helper()
	if fee.Sign() > 0 {
		vault.Credit(ledgerAddr, fee)
	}
	if err := l.Notify(engineAddr, trader, isBuy, amount, fee); err != nil {
		t.Fatalf("notify failed: %v", err)
	}
}

// --- Binding ---

func TestBind_Once(t *testing.T) {
	l := NewLedger(ledgerAddr, token.NewVault(), nil)
	if err := l.Bind(engineAddr); err != nil {
		t.Fatalf("first bind should succeed: %v", err)
	}
	if err := l.Bind("shr-other"); err != ErrAlreadyBound {
		t.Errorf("expected ErrAlreadyBound, got %v", err)
	}
}

func TestNotify_RejectsUnbound(t *testing.T) {
	l := NewLedger(ledgerAddr, token.NewVault(), nil)
	if err := l.Notify(engineAddr, alice, true, 1, wei(0)); err != ErrNotBound {
		t.Errorf("expected ErrNotBound, got %v", err)
	}
}

func TestNotify_RejectsForeignCaller(t *testing.T) {
	l, _, _ := newTestLedger(t)
	if err := l.Notify("shr-mallory", alice, true, 1, wei(0)); err != ErrNotEngine {
		t.Errorf("expected ErrNotEngine, got %v", err)
	}
}

// --- Accumulator ordering ---

func TestNotify_BuyerEarnsNothingFromOwnEntryFee(t *testing.T) {
	l, vault, _ := newTestLedger(t)

	// Alice is the only holder.
	notifyFee(t, l, vault, alice, true, 10, wei(0))

	// Bob buys in and pays a fee. The fee must be distributed over the
	// shares outstanding before Bob's, i.e. entirely to Alice.
	notifyFee(t, l, vault, bob, true, 10, wei(1000))

	if got := l.PendingReward(alice); got.Cmp(wei(1000)) != 0 {
		t.Errorf("alice pending expected 1000, got %s", got)
	}
	if got := l.PendingReward(bob); got.Sign() != 0 {
		t.Errorf("bob must not earn from his own entry fee, got %s", got)
	}
}

func TestNotify_SellerStillCreditedForOwnExitFee(t *testing.T) {
	l, vault, _ := newTestLedger(t)
	notifyFee(t, l, vault, alice, true, 10, wei(0))

	// Alice sells 5; the exit fee is distributed over her pre-sell shares.
	notifyFee(t, l, vault, alice, false, 5, wei(500))

	if got := l.PendingReward(alice); got.Cmp(wei(500)) != 0 {
		t.Errorf("alice pending expected 500, got %s", got)
	}
}

func TestNotify_ProportionalSplit(t *testing.T) {
	l, vault, _ := newTestLedger(t)
	notifyFee(t, l, vault, alice, true, 30, wei(0))
	notifyFee(t, l, vault, bob, true, 10, wei(0))

	// 40 shares outstanding: alice 3/4, bob 1/4.
	notifyFee(t, l, vault, alice, true, 1, wei(4000))

	if got := l.PendingReward(alice); got.Cmp(wei(3000)) != 0 {
		t.Errorf("alice pending expected 3000, got %s", got)
	}
	if got := l.PendingReward(bob); got.Cmp(wei(1000)) != 0 {
		t.Errorf("bob pending expected 1000, got %s", got)
	}
}

// --- Stranded fees ---

func TestNotify_FeeWithNoSharesIsStranded(t *testing.T) {
	l, vault, _ := newTestLedger(t)

	// First-ever buy carries a fee while totalShares == 0: accepted, but
	// nobody can ever claim it.
	notifyFee(t, l, vault, alice, true, 1, wei(777))

	if got := l.PendingReward(alice); got.Sign() != 0 {
		t.Errorf("stranded fee must not be claimable, got %s", got)
	}
	// The funds still sit on the ledger account.
	if got := vault.BalanceOf(ledgerAddr); got.Cmp(wei(777)) != 0 {
		t.Errorf("ledger balance expected 777, got %s", got)
	}
}

// --- Claims ---

func TestClaim_PaysAndResets(t *testing.T) {
	l, vault, feed := newTestLedger(t)
	notifyFee(t, l, vault, alice, true, 10, wei(0))
	notifyFee(t, l, vault, bob, true, 10, wei(1000))

	paid, err := l.Claim(alice)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if paid.Cmp(wei(1000)) != 0 {
		t.Errorf("expected payout 1000, got %s", paid)
	}
	if got := vault.BalanceOf(alice); got.Cmp(wei(1000)) != 0 {
		t.Errorf("alice balance expected 1000, got %s", got)
	}
	if got := l.PendingReward(alice); got.Sign() != 0 {
		t.Errorf("pending should reset after claim, got %s", got)
	}
	if got := l.ClaimedTotal(alice); got.Cmp(wei(1000)) != 0 {
		t.Errorf("claimed total expected 1000, got %s", got)
	}
	if feed.CountByType(event.TypeRewardClaimed) != 1 {
		t.Error("expected one reward_claimed event")
	}

	// Second claim with nothing new pending must fail.
	if _, err := l.Claim(alice); !errors.Is(err, ErrNothingToClaim) {
		t.Errorf("expected ErrNothingToClaim, got %v", err)
	}
}

func TestClaim_UnknownHolder(t *testing.T) {
	l, _, _ := newTestLedger(t)
	if _, err := l.Claim("nobody"); !errors.Is(err, ErrNothingToClaim) {
		t.Errorf("expected ErrNothingToClaim, got %v", err)
	}
}

// --- Conservation ---

func TestConservation_PendingPlusClaimedCoversFees(t *testing.T) {
	l, vault, _ := newTestLedger(t)

	holders := []model.Address{alice, bob, "carol"}
	notifyFee(t, l, vault, alice, true, 7, wei(0))

	totalFees := new(big.Int)
	fees := []int64{1001, 37, 999999, 5, 123456789}
	for i, f := range fees {
		h := holders[i%len(holders)]
		notifyFee(t, l, vault, h, true, uint64(i+1), wei(f))
		totalFees.Add(totalFees, wei(f))
	}
	// Interleave a claim and a sell.
	if _, err := l.Claim(alice); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	notifyFee(t, l, vault, alice, false, 3, wei(4242))
	totalFees.Add(totalFees, wei(4242))

	accounted := new(big.Int)
	for _, h := range holders {
		accounted.Add(accounted, l.PendingReward(h))
		accounted.Add(accounted, l.ClaimedTotal(h))
	}

	dust := new(big.Int).Sub(totalFees, accounted)
	if dust.Sign() < 0 {
		t.Fatalf("over-distribution: accounted %s > fees %s", accounted, totalFees)
	}
	// Truncation dust is bounded by one wei per holder per notification.
	bound := wei(int64(len(fees)+1) * int64(len(holders)))
	if dust.Cmp(bound) > 0 {
		t.Errorf("dust %s exceeds bound %s", dust, bound)
	}
}

// --- Sell bookkeeping ---

func TestNotify_SellBeyondShares(t *testing.T) {
	l, vault, _ := newTestLedger(t)
	notifyFee(t, l, vault, alice, true, 2, wei(0))
	err := l.Notify(engineAddr, alice, false, 3, wei(0))
	if !errors.Is(err, ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
	if got := l.Shares(alice); got != 2 {
		t.Errorf("failed sell must not change shares, got %d", got)
	}
	if got := l.TotalShares(); got != 2 {
		t.Errorf("failed sell must not change totalShares, got %d", got)
	}
}

func TestNotify_SharesMirrorTrades(t *testing.T) {
	l, vault, _ := newTestLedger(t)
	notifyFee(t, l, vault, alice, true, 10, wei(0))
	notifyFee(t, l, vault, bob, true, 4, wei(100))
	notifyFee(t, l, vault, alice, false, 6, wei(50))

	if got := l.Shares(alice); got != 4 {
		t.Errorf("alice shares expected 4, got %d", got)
	}
	if got := l.Shares(bob); got != 4 {
		t.Errorf("bob shares expected 4, got %d", got)
	}
	if got := l.TotalShares(); got != 8 {
		t.Errorf("totalShares expected 8, got %d", got)
	}
}
