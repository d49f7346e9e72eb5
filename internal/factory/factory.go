// Package factory deploys trading instances from shared templates and
// maintains the subject registry: at most one live instance per subject,
// with idempotent re-registration and explicit rebinds.
package factory

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/hivetrade/shares-engine/internal/curve"
	"github.com/hivetrade/shares-engine/internal/engine"
	"github.com/hivetrade/shares-engine/internal/event"
	"github.com/hivetrade/shares-engine/internal/model"
	"github.com/hivetrade/shares-engine/internal/reward"
	"github.com/hivetrade/shares-engine/internal/signer"
	"github.com/hivetrade/shares-engine/internal/token"
)

var (
	// ErrUnknownTemplate is returned when a deployment names a template the
	// factory does not carry.
	ErrUnknownTemplate = errors.New("factory: unknown template")

	// ErrTemplateFees is returned when a template routes a holders fee but
	// deploys no reward ledger to receive it.
	ErrTemplateFees = errors.New("factory: holders fee requires a reward ledger")

	// ErrSubjectInUse is returned when a subject is already registered to a
	// different live instance.
	ErrSubjectInUse = errors.New("factory: subject already registered to another instance")

	// ErrSubjectMissing is returned when the backing collectible item does
	// not exist.
	ErrSubjectMissing = errors.New("factory: backing item does not exist")

	// ErrUnknownInstance is returned when an instance address is not one of
	// this factory's deployments.
	ErrUnknownInstance = errors.New("factory: unknown instance")

	// ErrNotRegistrar is returned for registry mutations by callers without
	// the registrar role.
	ErrNotRegistrar = errors.New("factory: caller lacks registrar role")

	// ErrNotAuthorized is returned when a deployment caller is neither the
	// resolved issuer nor privileged.
	ErrNotAuthorized = errors.New("factory: caller may not deploy for this subject")

	// ErrNotAdmin is returned for admin-only operations.
	ErrNotAdmin = errors.New("factory: caller lacks admin role")

	// ErrBadSigner is returned when a request's recovered signer is not the
	// declared issuer.
	ErrBadSigner = errors.New("factory: signature does not match issuer")

	// ErrNotYetValid is returned for requests used before their ValidFrom.
	ErrNotYetValid = errors.New("factory: request not yet valid")

	// ErrExpired is returned for requests used at or after their ExpiresAt.
	ErrExpired = errors.New("factory: request expired")

	// ErrInvalidNonce is returned when a request's nonce is not the
	// issuer's current one.
	ErrInvalidNonce = errors.New("factory: invalid nonce")

	// ErrNonceNotAhead is returned when an admin nonce advance does not
	// move forward. Nonces only ever increase.
	ErrNonceNotAhead = errors.New("factory: nonce can only advance")
)

// Template is an immutable deployment blueprint. All instances deployed
// from it share the curve; fee config is cloned per instance.
type Template struct {
	Name       string
	Curve      *curve.Curve
	Fees       model.FeeConfig
	WithLedger bool
}

func (t Template) validate() error {
	if err := t.Fees.Validate(); err != nil {
		return err
	}
	if !t.WithLedger && t.Fees.HoldersPercent != nil && t.Fees.HoldersPercent.Sign() > 0 {
		return ErrTemplateFees
	}
	return nil
}

// Config assembles a factory.
type Config struct {
	Address     model.Address
	Admin       model.Address
	Domain      signer.Domain
	Settlement  engine.Settlement
	Bank        token.Fungible
	Collectible token.Collectible
	Roles       token.AccessControl
	Feed        *event.Feed
}

// Factory owns templates, deployed instances, the subject registry, and
// per-issuer request nonces.
type Factory struct {
	mu     sync.Mutex
	addr   model.Address
	admin  model.Address
	domain signer.Domain
	settle engine.Settlement
	bank   token.Fungible
	nft    token.Collectible
	roles  token.AccessControl
	feed   *event.Feed

	templates map[string]Template
	instances map[model.Address]*engine.Engine
	registry  map[string]model.Address // subject key -> instance
	nonces    map[model.Address]uint64
}

// New creates an empty factory.
func New(cfg Config) *Factory {
	return &Factory{
		addr:      cfg.Address,
		admin:     cfg.Admin,
		domain:    cfg.Domain,
		settle:    cfg.Settlement,
		bank:      cfg.Bank,
		nft:       cfg.Collectible,
		roles:     cfg.Roles,
		feed:      cfg.Feed,
		templates: make(map[string]Template),
		instances: make(map[model.Address]*engine.Engine),
		registry:  make(map[string]model.Address),
		nonces:    make(map[model.Address]uint64),
	}
}

// Domain returns the factory's signing domain.
func (f *Factory) Domain() signer.Domain { return f.domain }

// AddTemplate validates and installs a deployment blueprint. Admin only.
func (f *Factory) AddTemplate(caller model.Address, t Template) error {
	if caller != f.admin {
		return ErrNotAdmin
	}
	if err := t.validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates[t.Name] = t
	return nil
}

// Templates lists installed template names.
func (f *Factory) Templates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.templates))
	for name := range f.templates {
		out = append(out, name)
	}
	return out
}

// Instance returns a deployed engine by address.
func (f *Factory) Instance(addr model.Address) (*engine.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	eng, ok := f.instances[addr]
	if !ok {
		return nil, ErrUnknownInstance
	}
	return eng, nil
}

// InstanceForSubject resolves the instance currently bound to a subject.
func (f *Factory) InstanceForSubject(subject model.Subject) (*engine.Engine, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.registry[subject.Key()]
	if !ok {
		return nil, false
	}
	return f.instances[addr], true
}

// Instances returns all deployed engines.
func (f *Factory) Instances() []*engine.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*engine.Engine, 0, len(f.instances))
	for _, e := range f.instances {
		out = append(out, e)
	}
	return out
}

// NonceOf returns an issuer's current request nonce.
func (f *Factory) NonceOf(issuer model.Address) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[issuer]
}

// DeployShares deploys an instance for an existing subject and registers
// it, without any bootstrap buy. The caller must be the subject's owner, a
// registrar, or a collection admin.
func (f *Factory) DeployShares(caller model.Address, templateName string, subject model.Subject) (*model.Binding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.templates[templateName]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, templateName)
	}
	if f.nft == nil || !f.nft.Exists(subject.ItemID) {
		return nil, fmt.Errorf("%w: %s", ErrSubjectMissing, subject)
	}
	owner, err := f.nft.OwnerOf(subject.ItemID)
	if err != nil {
		return nil, fmt.Errorf("factory: issuer resolution failed: %w", err)
	}
	if caller != owner && !f.hasRole(caller, token.RoleRegistrar|token.RoleCollectionAdmin) {
		return nil, ErrNotAuthorized
	}
	return f.deployLocked(templateName, subject)
}

func (f *Factory) deployLocked(templateName string, subject model.Subject) (*model.Binding, error) {
	tpl, ok := f.templates[templateName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, templateName)
	}
	if f.nft == nil || !f.nft.Exists(subject.ItemID) {
		return nil, fmt.Errorf("%w: %s", ErrSubjectMissing, subject)
	}
	if prev, ok := f.registry[subject.Key()]; ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrSubjectInUse, subject, prev)
	}

	instanceAddr := model.NewInstanceAddress("shr")
	var ledger *reward.Ledger
	if tpl.WithLedger {
		ledger = reward.NewLedger(model.NewInstanceAddress("rwd"), f.bank, f.feed)
		if err := ledger.Bind(instanceAddr); err != nil {
			return nil, err
		}
	}

	eng := engine.New(instanceAddr, engine.Config{
		Subject:     subject,
		Curve:       tpl.Curve,
		Fees:        tpl.Fees,
		Admin:       f.admin,
		Settlement:  f.settle,
		Collectible: f.nft,
		Ledger:      ledger,
		Feed:        f.feed,
	})

	f.instances[instanceAddr] = eng
	f.registry[subject.Key()] = instanceAddr
	binding := f.publishRegistered(subject, instanceAddr, true)
	return binding, nil
}

// MintSubjectAndDeployShares deploys an instance for a subject, minting the
// backing item first when it does not exist yet, and optionally bootstraps
// the first `amount` shares in the same call.
//
// The issuer is resolved from the item's current owner; when the item is
// missing, issuerHint names who receives the mint (mint failure is fatal,
// never best-effort). The caller must be the resolved issuer, a registrar,
// or a collection admin. A failed bootstrap buy unwinds the registration;
// a mint that already happened stays with the issuer.
func (f *Factory) MintSubjectAndDeployShares(caller model.Address, subject model.Subject, issuerHint model.Address, amount uint64, templateName string, offered *big.Int) (*model.Binding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mintDeployLocked(caller, subject, issuerHint, amount, templateName, offered)
}

func (f *Factory) mintDeployLocked(caller model.Address, subject model.Subject, issuerHint model.Address, amount uint64, templateName string, offered *big.Int) (*model.Binding, error) {
	if _, ok := f.templates[templateName]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, templateName)
	}

	issuer := model.ZeroAddress
	if f.nft.Exists(subject.ItemID) {
		owner, err := f.nft.OwnerOf(subject.ItemID)
		if err != nil {
			return nil, fmt.Errorf("factory: issuer resolution failed: %w", err)
		}
		issuer = owner
	} else {
		if issuerHint == model.ZeroAddress {
			return nil, fmt.Errorf("%w: no backing item and no issuer hint", ErrSubjectMissing)
		}
		if err := f.nft.Mint(issuerHint, subject.ItemID); err != nil {
			return nil, fmt.Errorf("factory: mint failed: %w", err)
		}
		issuer = issuerHint
	}

	if caller != issuer && !f.hasRole(caller, token.RoleRegistrar|token.RoleCollectionAdmin) {
		return nil, ErrNotAuthorized
	}

	binding, err := f.deployLocked(templateName, subject)
	if err != nil {
		return nil, err
	}

	if amount > 0 {
		eng := f.instances[binding.Instance]
		if offered == nil {
			// No explicit cap means "attach exactly what the buy costs".
			offered = eng.QuoteBuy(amount).Total
		}
		if _, err := eng.BuyShares(issuer, issuer, amount, offered); err != nil {
			delete(f.instances, binding.Instance)
			delete(f.registry, subject.Key())
			return nil, fmt.Errorf("factory: bootstrap buy failed: %w", err)
		}
	}
	return binding, nil
}

func (f *Factory) hasRole(addr model.Address, role token.Role) bool {
	return f.roles != nil && f.roles.HasRole(addr, role)
}

// ExecuteDeploymentRequest verifies a signed request and runs the same
// deployment routine as MintSubjectAndDeployShares with the recovered
// signer as the authorizing party. The nonce is consumed only when the
// deployment succeeds, so a rejected request can be resubmitted unchanged;
// replay of an executed request is blocked by the increment.
func (f *Factory) ExecuteDeploymentRequest(req signer.DeploymentRequest, sig []byte, now time.Time) (*model.Binding, error) {
	recovered, err := signer.RecoverAddress(f.domain, req, sig)
	if err != nil {
		return nil, err
	}
	if recovered != req.Issuer || req.Issuer == model.ZeroAddress {
		return nil, fmt.Errorf("%w: recovered %s, declared %s", ErrBadSigner, recovered, req.Issuer)
	}

	ts := now.Unix()
	if ts < req.ValidFrom {
		return nil, fmt.Errorf("%w: valid from %d, now %d", ErrNotYetValid, req.ValidFrom, ts)
	}
	if req.ExpiresAt != 0 && ts >= req.ExpiresAt {
		return nil, fmt.Errorf("%w: expired at %d, now %d", ErrExpired, req.ExpiresAt, ts)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if current := f.nonces[req.Issuer]; req.Nonce != current {
		return nil, fmt.Errorf("%w: got %d, expected %d", ErrInvalidNonce, req.Nonce, current)
	}

	binding, err := f.mintDeployLocked(req.Issuer, req.Subject(), req.Issuer, req.Amount, req.Template, nil)
	if err != nil {
		return nil, err
	}

	f.nonces[req.Issuer]++
	if f.feed != nil {
		f.feed.Publish(event.Event{
			Type: event.TypeNonceConsumed,
			Fields: map[string]string{
				"issuer": string(req.Issuer),
				"nonce":  strconv.FormatUint(req.Nonce, 10),
			},
		})
	}
	return binding, nil
}

// AdvanceNonce force-moves an issuer's nonce forward, invalidating all
// outstanding requests signed with lower nonces. Admin only; nonces never
// move backward.
func (f *Factory) AdvanceNonce(caller, issuer model.Address, nonce uint64) error {
	if caller != f.admin {
		return ErrNotAdmin
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if nonce <= f.nonces[issuer] {
		return fmt.Errorf("%w: current %d, requested %d", ErrNonceNotAhead, f.nonces[issuer], nonce)
	}
	f.nonces[issuer] = nonce
	return nil
}

// RegisterSharesContract binds a subject to an already deployed instance.
// Re-registering the same pair is an idempotent no-op; a subject bound to
// a different instance is rejected. Registrar role required.
func (f *Factory) RegisterSharesContract(caller model.Address, subject model.Subject, instance model.Address) (*model.Binding, error) {
	if f.roles == nil || !f.roles.HasRole(caller, token.RoleRegistrar) {
		return nil, ErrNotRegistrar
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.instances[instance]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, instance)
	}
	if prev, ok := f.registry[subject.Key()]; ok {
		if prev == instance {
			return f.bindingFor(subject, instance, false), nil
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrSubjectInUse, subject, prev)
	}

	f.registry[subject.Key()] = instance
	return f.publishRegistered(subject, instance, false), nil
}

// NotifySubjectUpdated reconciles the registry after an instance rebinds
// to a new subject via SetSubject. The old key is released; the new key is
// claimed with the usual one-instance rule. Registrar role required.
func (f *Factory) NotifySubjectUpdated(caller model.Address, instance model.Address, previous model.Subject) (*model.Binding, error) {
	if f.roles == nil || !f.roles.HasRole(caller, token.RoleRegistrar) {
		return nil, ErrNotRegistrar
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	eng, ok := f.instances[instance]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, instance)
	}
	next := eng.Subject()

	if next == previous {
		// Nothing moved: idempotent no-op.
		return f.bindingFor(next, instance, false), nil
	}
	if prev, ok := f.registry[next.Key()]; ok && prev != instance {
		return nil, fmt.Errorf("%w: %s -> %s", ErrSubjectInUse, next, prev)
	}

	if f.registry[previous.Key()] == instance {
		delete(f.registry, previous.Key())
	}
	f.registry[next.Key()] = instance
	return f.publishRegistered(next, instance, false), nil
}

// bindingFor builds a binding record. Lock held.
func (f *Factory) bindingFor(subject model.Subject, instance model.Address, fresh bool) *model.Binding {
	return &model.Binding{
		SubjectKey:    subject.Key(),
		Collection:    subject.Collection,
		ItemID:        subject.ItemID,
		Instance:      instance,
		NewDeployment: fresh,
		CreatedAt:     time.Now().UTC(),
	}
}

// publishRegistered records the registration event and returns the
// binding. Lock held.
func (f *Factory) publishRegistered(subject model.Subject, instance model.Address, fresh bool) *model.Binding {
	b := f.bindingFor(subject, instance, fresh)
	if f.feed != nil {
		f.feed.Publish(event.Event{
			Type:     event.TypeInstanceRegistered,
			Instance: instance,
			Fields: map[string]string{
				"subject":        subject.Key(),
				"new_deployment": strconv.FormatBool(fresh),
			},
		})
	}
	return b
}
