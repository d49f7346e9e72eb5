package token

import (
	"math/big"
	"sync"

	"github.com/hivetrade/shares-engine/internal/model"
)

// Vault implements Fungible with in-memory balances. Used for development
// and testing. Recipients can be marked as rejecting to model a broken or
// hostile fee destination.
type Vault struct {
	mu       sync.RWMutex
	balances map[model.Address]*big.Int
	rejects  map[model.Address]bool
}

// NewVault creates an empty vault.
func NewVault() *Vault {
	return &Vault{
		balances: make(map[model.Address]*big.Int),
		rejects:  make(map[model.Address]bool),
	}
}

// Credit adds funds to an account (dev/test faucet).
func (v *Vault) Credit(addr model.Address, amount *big.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.add(addr, amount)
}

// SetRejecting marks an address as refusing incoming transfers.
func (v *Vault) SetRejecting(addr model.Address, rejecting bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejects[addr] = rejecting
}

func (v *Vault) BalanceOf(addr model.Address) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if b, ok := v.balances[addr]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (v *Vault) Transfer(from, to model.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.rejects[to] {
		return ErrTransferRejected
	}
	bal, ok := v.balances[from]
	if !ok || bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	v.add(to, amount)
	return nil
}

// add assumes the lock is held.
func (v *Vault) add(addr model.Address, amount *big.Int) {
	if b, ok := v.balances[addr]; ok {
		b.Add(b, amount)
		return
	}
	v.balances[addr] = new(big.Int).Set(amount)
}

// ItemRegistry implements Collectible with an in-memory owner map.
type ItemRegistry struct {
	mu     sync.RWMutex
	owners map[uint64]model.Address
}

// NewItemRegistry creates an empty collectible registry.
func NewItemRegistry() *ItemRegistry {
	return &ItemRegistry{owners: make(map[uint64]model.Address)}
}

func (r *ItemRegistry) Exists(itemID uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.owners[itemID]
	return ok
}

func (r *ItemRegistry) OwnerOf(itemID uint64) (model.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[itemID]
	if !ok {
		return model.ZeroAddress, ErrItemNotFound
	}
	return owner, nil
}

func (r *ItemRegistry) Mint(to model.Address, itemID uint64) error {
	if to == model.ZeroAddress {
		return ErrZeroOwner
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[itemID]; ok {
		return ErrItemExists
	}
	r.owners[itemID] = to
	return nil
}

// SetOwner force-assigns ownership (dev/test; models external transfers of
// the backing collectible).
func (r *ItemRegistry) SetOwner(itemID uint64, owner model.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners[itemID] = owner
}

// RoleTable implements AccessControl with an in-memory bitmask per address.
type RoleTable struct {
	mu    sync.RWMutex
	roles map[model.Address]Role
}

// NewRoleTable creates an empty role table.
func NewRoleTable() *RoleTable {
	return &RoleTable{roles: make(map[model.Address]Role)}
}

// Grant adds roles to an address.
func (t *RoleTable) Grant(addr model.Address, role Role) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roles[addr] |= role
}

func (t *RoleTable) HasRole(addr model.Address, role Role) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.roles[addr]&role != 0
}
