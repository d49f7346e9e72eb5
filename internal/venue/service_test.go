package venue_test

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hivetrade/shares-engine/internal/curve"
	"github.com/hivetrade/shares-engine/internal/engine"
	"github.com/hivetrade/shares-engine/internal/event"
	"github.com/hivetrade/shares-engine/internal/factory"
	"github.com/hivetrade/shares-engine/internal/model"
	"github.com/hivetrade/shares-engine/internal/signer"
	"github.com/hivetrade/shares-engine/internal/store"
	"github.com/hivetrade/shares-engine/internal/token"
	"github.com/hivetrade/shares-engine/internal/venue"
)

const (
	adminAddr model.Address = "admin"
	registrar model.Address = "registrar"
	issuer    model.Address = "issuer"
	bob       model.Address = "bob"
)

func pct(n int64) *big.Int {
	p := new(big.Int).Mul(model.PercentUnit, big.NewInt(n))
	return p.Div(p, big.NewInt(100))
}

type testEnv struct {
	router  chi.Router
	factory *factory.Factory
	vault   *token.Vault
	items   *token.ItemRegistry
	store   *store.MemoryStore
}

// newTestEnv wires a venue over an in-memory store and a factory carrying a
// "standard" template on a unit curve (prices equal raw curve units).
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	vault := token.NewVault()
	items := token.NewItemRegistry()
	roles := token.NewRoleTable()
	roles.Grant(registrar, token.RoleRegistrar)
	feed := event.NewFeed()

	f := factory.New(factory.Config{
		Address:     "fct-1",
		Admin:       adminAddr,
		Domain:      signer.Domain{Name: "shares-factory", Version: "1", ChainID: 1, Factory: "fct-1"},
		Settlement:  engine.NewNativeSettlement(vault),
		Bank:        vault,
		Collectible: items,
		Roles:       roles,
		Feed:        feed,
	})

	crv, err := curve.New(curve.Config{
		UnitPrice: big.NewInt(16000),
		Scale:     big.NewInt(16000),
	})
	if err != nil {
		t.Fatalf("curve: %v", err)
	}
	if err := f.AddTemplate(adminAddr, factory.Template{
		Name:  "standard",
		Curve: crv,
		Fees: model.FeeConfig{
			ProtocolDestination: "treasury",
			ProtocolPercent:     pct(5),
			HoldersPercent:      pct(5),
			SubjectPercent:      pct(5),
		},
		WithLedger: true,
	}); err != nil {
		t.Fatalf("add template: %v", err)
	}

	ms := store.NewMemoryStore()
	svc := venue.NewService(f, ms)

	r := chi.NewRouter()
	r.Post("/api/v1/instances", svc.DeployInstance)
	r.Post("/api/v1/instances/signed", svc.DeploySigned)
	r.Get("/api/v1/instances", svc.ListInstances)
	r.Get("/api/v1/instances/{instance}", svc.GetInstance)
	r.Post("/api/v1/instances/{instance}/rebind", svc.RebindInstance)
	r.Get("/api/v1/instances/{instance}/quote", svc.GetQuote)
	r.Get("/api/v1/instances/{instance}/trades", svc.GetTradeHistory)
	r.Get("/api/v1/traders/{trader}/trades", svc.GetTraderHistory)
	r.Get("/api/v1/instances/{instance}/rewards/{holder}", svc.GetPendingReward)
	r.Post("/api/v1/instances/{instance}/claim", svc.ClaimReward)
	r.Post("/api/v1/trade", svc.ExecuteTrade)
	r.Get("/api/v1/bindings", svc.ListBindings)
	r.Post("/api/v1/bindings", svc.RegisterBinding)
	r.Post("/api/v1/nonces", svc.AdvanceNonce)

	return &testEnv{router: r, factory: f, vault: vault, items: items, store: ms}
}

func (e *testEnv) post(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// deployMinted mints item 42 to the issuer and deploys with bootstrap.
func (e *testEnv) deployMinted(t *testing.T) model.Binding {
	t.Helper()
	w := e.post(t, "/api/v1/instances", venue.DeployRequest{
		Template:   "standard",
		Collection: "col",
		ItemID:     42,
		Mint:       true,
		Issuer:     issuer,
		Amount:     1,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("deploy expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var b model.Binding
	json.Unmarshal(w.Body.Bytes(), &b)
	return b
}

// --- Deployment ---

func TestDeployInstance_MintAndBootstrap(t *testing.T) {
	e := newTestEnv(t)
	b := e.deployMinted(t)

	if b.Instance == model.ZeroAddress || !b.NewDeployment {
		t.Fatalf("unexpected binding: %+v", b)
	}

	w := e.get(t, "/api/v1/instances/"+string(b.Instance))
	if w.Code != http.StatusOK {
		t.Fatalf("get instance expected 200, got %d", w.Code)
	}
	var view venue.InstanceView
	json.Unmarshal(w.Body.Bytes(), &view)
	if view.Supply != 1 {
		t.Errorf("bootstrapped supply expected 1, got %d", view.Supply)
	}
	if view.Issuer != issuer {
		t.Errorf("issuer expected %s, got %s", issuer, view.Issuer)
	}
	if !view.HasLedger {
		t.Error("standard template must carry a ledger")
	}

	// The binding was persisted for indexers.
	w = e.get(t, "/api/v1/bindings")
	var bindings []model.Binding
	json.Unmarshal(w.Body.Bytes(), &bindings)
	if len(bindings) != 1 {
		t.Errorf("expected 1 persisted binding, got %d", len(bindings))
	}
}

func TestDeployInstance_SubjectInUse(t *testing.T) {
	e := newTestEnv(t)
	e.deployMinted(t)

	w := e.post(t, "/api/v1/instances", venue.DeployRequest{
		Template:   "standard",
		Collection: "col",
		ItemID:     42,
		Issuer:     issuer,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDeployInstance_UnknownTemplate(t *testing.T) {
	e := newTestEnv(t)
	w := e.post(t, "/api/v1/instances", venue.DeployRequest{
		Template:   "nope",
		Collection: "col",
		ItemID:     1,
		Mint:       true,
		Issuer:     issuer,
		Amount:     1,
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestDeploySigned(t *testing.T) {
	e := newTestEnv(t)
	key, err := signer.NewKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	signerAddr := signer.AddressFromPubKey(key.PubKey())
	if err := e.items.Mint(signerAddr, 7); err != nil {
		t.Fatalf("mint: %v", err)
	}

	req := signer.DeploymentRequest{
		Issuer:     signerAddr,
		Collection: "col",
		ItemID:     7,
		Template:   "standard",
		Nonce:      0,
	}
	sig, err := signer.Sign(key, e.factory.Domain(), req)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	w := e.post(t, "/api/v1/instances/signed", venue.SignedDeployRequest{
		Request:   req,
		Signature: hex.EncodeToString(sig),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Replay must be rejected on the consumed nonce.
	w = e.post(t, "/api/v1/instances/signed", venue.SignedDeployRequest{
		Request:   req,
		Signature: hex.EncodeToString(sig),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("replay expected 409, got %d", w.Code)
	}
}

// --- Trading ---

func TestExecuteTrade_BuyAndHistory(t *testing.T) {
	e := newTestEnv(t)
	b := e.deployMinted(t)
	e.vault.Credit(bob, big.NewInt(1_000_000))

	w := e.post(t, "/api/v1/trade", venue.TradeRequest{
		Instance: b.Instance,
		Trader:   bob,
		Side:     model.SideBuy,
		Amount:   7,
		Offered:  "1000000",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp venue.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.BasePrice != "140" {
		t.Errorf("base price expected 140, got %s", resp.BasePrice)
	}
	if resp.SupplyAfter != 8 {
		t.Errorf("supply after expected 8, got %d", resp.SupplyAfter)
	}

	// Trade was persisted for history.
	w = e.get(t, "/api/v1/instances/"+string(b.Instance)+"/trades")
	var trades []model.TradeRecord
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 1 {
		t.Errorf("expected 1 trade in history, got %d", len(trades))
	}

	// The issuer earned the holders fee on bob's entry.
	w = e.get(t, "/api/v1/instances/"+string(b.Instance)+"/rewards/"+string(issuer))
	if w.Code != http.StatusOK {
		t.Fatalf("rewards expected 200, got %d", w.Code)
	}
	var reward struct {
		Pending string `json:"pending"`
	}
	json.Unmarshal(w.Body.Bytes(), &reward)
	if reward.Pending != "7" {
		t.Errorf("issuer pending expected 7, got %s", reward.Pending)
	}

	// Claim pays it out.
	w = e.post(t, "/api/v1/instances/"+string(b.Instance)+"/claim", venue.ClaimRequest{Holder: issuer})
	if w.Code != http.StatusOK {
		t.Fatalf("claim expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := e.vault.BalanceOf(issuer); got.Cmp(big.NewInt(7+7)) != 0 {
		// 7 subject fee paid directly plus 7 claimed holders fee.
		t.Errorf("issuer balance expected 14, got %s", got)
	}

	// Claiming again with nothing pending conflicts.
	w = e.post(t, "/api/v1/instances/"+string(b.Instance)+"/claim", venue.ClaimRequest{Holder: issuer})
	if w.Code != http.StatusConflict {
		t.Errorf("empty claim expected 409, got %d", w.Code)
	}
}

func TestExecuteTrade_Validation(t *testing.T) {
	e := newTestEnv(t)
	b := e.deployMinted(t)

	w := e.post(t, "/api/v1/trade", venue.TradeRequest{
		Instance: b.Instance, Trader: bob, Side: "HOLD", Amount: 1,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad side expected 400, got %d", w.Code)
	}

	w = e.post(t, "/api/v1/trade", venue.TradeRequest{
		Instance: "shr-missing", Trader: bob, Side: model.SideBuy, Amount: 1, Offered: "0",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown instance expected 404, got %d", w.Code)
	}

	// Selling the last outstanding share conflicts.
	w = e.post(t, "/api/v1/trade", venue.TradeRequest{
		Instance: b.Instance, Trader: issuer, Side: model.SideSell, Amount: 1,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("last share sell expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Quotes ---

func TestGetQuote(t *testing.T) {
	e := newTestEnv(t)
	b := e.deployMinted(t)

	w := e.get(t, "/api/v1/instances/"+string(b.Instance)+"/quote?side=BUY&amount=7")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var q venue.QuoteResponse
	json.Unmarshal(w.Body.Bytes(), &q)
	if q.BasePrice != "140" {
		t.Errorf("base expected 140, got %s", q.BasePrice)
	}
	if q.Total != "161" { // 140 + 3 x 7
		t.Errorf("total expected 161, got %s", q.Total)
	}

	// A sell of the whole supply cannot be quoted.
	w = e.get(t, "/api/v1/instances/"+string(b.Instance)+"/quote?side=SELL&amount=1")
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}

	w = e.get(t, "/api/v1/instances/"+string(b.Instance)+"/quote?side=BUY&amount=0")
	if w.Code != http.StatusBadRequest {
		t.Errorf("zero amount expected 400, got %d", w.Code)
	}
}

// --- Registry ---

func TestRegisterBinding(t *testing.T) {
	e := newTestEnv(t)
	b := e.deployMinted(t)

	// Role gate.
	w := e.post(t, "/api/v1/bindings", venue.RegisterBindingRequest{
		Caller: bob, Collection: "col", ItemID: 42, Instance: b.Instance,
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("non-registrar expected 403, got %d", w.Code)
	}

	// Same pair: idempotent, persisted without a new-deployment flag.
	w = e.post(t, "/api/v1/bindings", venue.RegisterBindingRequest{
		Caller: registrar, Collection: "col", ItemID: 42, Instance: b.Instance,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var again model.Binding
	json.Unmarshal(w.Body.Bytes(), &again)
	if again.NewDeployment {
		t.Error("re-registration must not be flagged as a new deployment")
	}
}

func TestRebindInstance(t *testing.T) {
	e := newTestEnv(t)
	b := e.deployMinted(t)

	eng, err := e.factory.Instance(b.Instance)
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	if err := e.items.Mint(issuer, 43); err != nil {
		t.Fatalf("mint: %v", err)
	}
	next := model.Subject{Collection: "col", ItemID: 43}
	if err := eng.SetSubject(adminAddr, next); err != nil {
		t.Fatalf("set subject: %v", err)
	}

	// Role gate.
	w := e.post(t, "/api/v1/instances/"+string(b.Instance)+"/rebind", venue.RebindRequest{Caller: bob})
	if w.Code != http.StatusForbidden {
		t.Errorf("non-registrar expected 403, got %d", w.Code)
	}

	w = e.post(t, "/api/v1/instances/"+string(b.Instance)+"/rebind", venue.RebindRequest{Caller: registrar})
	if w.Code != http.StatusOK {
		t.Fatalf("rebind expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// The released subject's row is gone; only the new binding persists.
	w = e.get(t, "/api/v1/bindings")
	var bindings []model.Binding
	json.Unmarshal(w.Body.Bytes(), &bindings)
	if len(bindings) != 1 {
		t.Fatalf("expected 1 persisted binding after rebind, got %d", len(bindings))
	}
	if bindings[0].SubjectKey != next.Key() {
		t.Errorf("persisted binding expected %s, got %s", next.Key(), bindings[0].SubjectKey)
	}

	// An instance with no persisted binding cannot be rebound.
	w = e.post(t, "/api/v1/instances/shr-missing/rebind", venue.RebindRequest{Caller: registrar})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown instance expected 404, got %d", w.Code)
	}
}

func TestGetTraderHistory(t *testing.T) {
	e := newTestEnv(t)
	b := e.deployMinted(t)
	e.vault.Credit(bob, big.NewInt(1_000_000))

	w := e.post(t, "/api/v1/trade", venue.TradeRequest{
		Instance: b.Instance, Trader: bob, Side: model.SideBuy, Amount: 7, Offered: "1000000",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("buy expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = e.get(t, "/api/v1/traders/"+string(bob)+"/trades")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var trades []model.TradeRecord
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 1 {
		t.Errorf("expected 1 trade for bob, got %d", len(trades))
	}

	// A trader with no executed trades gets an empty list, not an error.
	w = e.get(t, "/api/v1/traders/carol/trades")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	trades = nil
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 0 {
		t.Errorf("expected no trades for carol, got %d", len(trades))
	}
}

// --- Nonces ---

func TestAdvanceNonce(t *testing.T) {
	e := newTestEnv(t)

	w := e.post(t, "/api/v1/nonces", venue.AdvanceNonceRequest{Caller: bob, Issuer: "issuer-x", Nonce: 5})
	if w.Code != http.StatusForbidden {
		t.Errorf("non-admin expected 403, got %d", w.Code)
	}

	w = e.post(t, "/api/v1/nonces", venue.AdvanceNonceRequest{Caller: adminAddr, Issuer: "issuer-x", Nonce: 5})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := e.factory.NonceOf("issuer-x"); got != 5 {
		t.Errorf("nonce expected 5, got %d", got)
	}

	// Nonces never move backward or stay put.
	w = e.post(t, "/api/v1/nonces", venue.AdvanceNonceRequest{Caller: adminAddr, Issuer: "issuer-x", Nonce: 5})
	if w.Code != http.StatusConflict {
		t.Errorf("equal nonce expected 409, got %d", w.Code)
	}
}
