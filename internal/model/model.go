// Package model defines the core domain types shared across the shares venue.
// All monetary values are unsigned wei-scale integers carried as *big.Int —
// never float64 for money.
package model

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Address identifies an account, a deployed instance, or a fee destination.
// The zero value means "no address".
type Address string

// ZeroAddress is the absent address.
const ZeroAddress Address = ""

// NewInstanceAddress mints a fresh unique address for a deployed instance.
func NewInstanceAddress(prefix string) Address {
	return Address(prefix + "-" + uuid.NewString())
}

// Subject is the external identity a trading instance is bound to:
// a collectible reference (collection address + item id).
type Subject struct {
	Collection Address `json:"collection"`
	ItemID     uint64  `json:"item_id"`
}

// IsZero reports whether the subject is unset.
func (s Subject) IsZero() bool {
	return s.Collection == ZeroAddress && s.ItemID == 0
}

// Key returns the canonical registry key for the subject.
func (s Subject) Key() string {
	return string(s.Collection) + "/" + strconv.FormatUint(s.ItemID, 10)
}

func (s Subject) String() string { return s.Key() }

// subjectRefRegex matches: {collection}/{itemID}
// Example: 0x3f9a.../42
var subjectRefRegex = regexp.MustCompile(`^([0-9A-Za-z:_.-]+)/(\d+)$`)

// ErrInvalidSubjectRef is returned when a subject reference string does not
// parse as {collection}/{itemID}.
var ErrInvalidSubjectRef = errors.New("model: invalid subject reference")

// ParseSubjectRef parses a subject reference string.
// Format: {collection}/{itemID}, e.g. "0x3f9a/42".
func ParseSubjectRef(ref string) (Subject, error) {
	matches := subjectRefRegex.FindStringSubmatch(ref)
	if matches == nil {
		return Subject{}, fmt.Errorf("%w: %s (expected {collection}/{itemID})", ErrInvalidSubjectRef, ref)
	}
	itemID, err := strconv.ParseUint(matches[2], 10, 64)
	if err != nil {
		return Subject{}, fmt.Errorf("%w: item id %s", ErrInvalidSubjectRef, matches[2])
	}
	return Subject{Collection: Address(matches[1]), ItemID: itemID}, nil
}

// PercentUnit is the fixed-point unit in which fee percentages are expressed:
// PercentUnit == 100%.
var PercentUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// maxTotalFeePercent is the config-time ceiling on the sum of the three fee
// percents: half of the gross price.
var maxTotalFeePercent = new(big.Int).Div(PercentUnit, big.NewInt(2))

var (
	// ErrFeePercentRange is returned when a single fee percent is negative
	// or exceeds 100%.
	ErrFeePercentRange = errors.New("model: fee percent out of range")

	// ErrFeeSumExceeded is returned when the three percents together exceed
	// the configured ceiling.
	ErrFeeSumExceeded = errors.New("model: combined fee percents exceed ceiling")
)

// FeeConfig describes how each trade's base price is split. HoldersPercent
// accrues to the reward ledger, SubjectPercent to the resolved issuer, and
// ProtocolPercent to the fixed protocol destination.
type FeeConfig struct {
	ProtocolDestination Address  `json:"protocol_destination"`
	ProtocolPercent     *big.Int `json:"protocol_percent"`
	HoldersPercent      *big.Int `json:"holders_percent"`
	SubjectPercent      *big.Int `json:"subject_percent"`
}

// Validate checks every percent is within [0, 100%] and that the sum does
// not exceed the ceiling. Nil percents are treated as zero.
func (c FeeConfig) Validate() error {
	sum := new(big.Int)
	for _, p := range []*big.Int{c.ProtocolPercent, c.HoldersPercent, c.SubjectPercent} {
		if p == nil {
			continue
		}
		if p.Sign() < 0 || p.Cmp(PercentUnit) > 0 {
			return fmt.Errorf("%w: %s", ErrFeePercentRange, p)
		}
		sum.Add(sum, p)
	}
	if sum.Cmp(maxTotalFeePercent) > 0 {
		return fmt.Errorf("%w: %s > %s", ErrFeeSumExceeded, sum, maxTotalFeePercent)
	}
	return nil
}

// Clone returns a deep copy so a shared template config cannot be mutated
// through a deployed instance.
func (c FeeConfig) Clone() FeeConfig {
	out := FeeConfig{ProtocolDestination: c.ProtocolDestination}
	if c.ProtocolPercent != nil {
		out.ProtocolPercent = new(big.Int).Set(c.ProtocolPercent)
	}
	if c.HoldersPercent != nil {
		out.HoldersPercent = new(big.Int).Set(c.HoldersPercent)
	}
	if c.SubjectPercent != nil {
		out.SubjectPercent = new(big.Int).Set(c.SubjectPercent)
	}
	return out
}

// Trade sides.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// TradeRecord is an immutable record of a trade execution.
// Once created, these are never modified or deleted.
type TradeRecord struct {
	ID          string    `json:"id" db:"id"`
	Instance    Address   `json:"instance" db:"instance"`
	Subject     Subject   `json:"subject"`
	Trader      Address   `json:"trader" db:"trader"`
	Issuer      Address   `json:"issuer" db:"issuer"`
	Side        string    `json:"side" db:"side"` // "BUY" or "SELL"
	Amount      uint64    `json:"amount" db:"amount"`
	BasePrice   *big.Int  `json:"base_price" db:"base_price"`
	ProtocolFee *big.Int  `json:"protocol_fee" db:"protocol_fee"`
	HoldersFee  *big.Int  `json:"holders_fee" db:"holders_fee"`
	SubjectFee  *big.Int  `json:"subject_fee" db:"subject_fee"`
	SupplyAfter uint64    `json:"supply_after" db:"supply_after"`
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
}

// Binding records a subject ↔ instance registration.
type Binding struct {
	SubjectKey    string    `json:"subject_key" db:"subject_key"`
	Collection    Address   `json:"collection" db:"collection"`
	ItemID        uint64    `json:"item_id" db:"item_id"`
	Instance      Address   `json:"instance" db:"instance"`
	NewDeployment bool      `json:"new_deployment" db:"new_deployment"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// WeiDecimals is the number of fractional digits in wei-scale amounts.
const WeiDecimals = 18

// DisplayAmount converts a wei-scale integer into a human-readable decimal
// for API and WebSocket payloads. Core arithmetic never uses this form.
func DisplayAmount(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -WeiDecimals)
}

// ParseAmount parses a non-negative wei-scale integer from its decimal
// string representation.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("model: invalid amount %q", s)
	}
	return v, nil
}
