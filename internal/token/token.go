// Package token defines the venue's boundary to its external collaborators:
// the fungible settlement capability, the collectible that backs subject
// identities, and the role-based permission check. The venue consumes these
// read-mostly interfaces; in-memory implementations live alongside for
// development and tests.
package token

import (
	"errors"
	"math/big"

	"github.com/hivetrade/shares-engine/internal/model"
)

var (
	// ErrInsufficientBalance is returned by Transfer when the sender cannot
	// cover the amount.
	ErrInsufficientBalance = errors.New("token: insufficient balance")

	// ErrTransferRejected is returned when the recipient refuses to accept
	// the transfer.
	ErrTransferRejected = errors.New("token: transfer rejected by recipient")

	// ErrNegativeAmount is returned for negative transfer amounts.
	ErrNegativeAmount = errors.New("token: negative amount")

	// ErrItemExists is returned by Mint when the item id is already taken.
	ErrItemExists = errors.New("token: item already exists")

	// ErrItemNotFound is returned by OwnerOf for an unknown item.
	ErrItemNotFound = errors.New("token: item not found")

	// ErrZeroOwner is returned by Mint when minting to the zero address.
	ErrZeroOwner = errors.New("token: cannot mint to zero address")
)

// Fungible is the balance/transfer capability trades settle against. It
// covers both the native-value vault and token vaults; the engine does not
// distinguish beyond the settlement rules applied on top.
type Fungible interface {
	BalanceOf(addr model.Address) *big.Int
	Transfer(from, to model.Address, amount *big.Int) error
}

// Collectible resolves subject identities. Exists is checked before OwnerOf
// so a missing item never turns into a hard failure.
type Collectible interface {
	Exists(itemID uint64) bool
	OwnerOf(itemID uint64) (model.Address, error)
	Mint(to model.Address, itemID uint64) error
}

// Role is a permission bitmask.
type Role uint64

const (
	// RoleAdmin may register templates and rewind nonces.
	RoleAdmin Role = 1 << iota

	// RoleRegistrar may deploy instances on behalf of issuers.
	RoleRegistrar

	// RoleCollectionAdmin administers the subject collection and may also
	// deploy instances.
	RoleCollectionAdmin
)

// AccessControl is the external permission-check capability.
type AccessControl interface {
	HasRole(addr model.Address, role Role) bool
}
