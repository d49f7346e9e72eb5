// Package venue provides the HTTP handlers for deploying trading
// instances, executing share trades, querying quotes and trade history,
// and claiming holder rewards.
//
// All monetary values travel as wei-scale integer strings, with a display
// decimal alongside for UI consumption — never float64 for money.
package venue

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hivetrade/shares-engine/internal/engine"
	"github.com/hivetrade/shares-engine/internal/factory"
	"github.com/hivetrade/shares-engine/internal/metrics"
	"github.com/hivetrade/shares-engine/internal/model"
	"github.com/hivetrade/shares-engine/internal/signer"
	"github.com/hivetrade/shares-engine/internal/store"
)

// Service handles venue operations: the factory owns deployment and the
// registry, engines own trading, and the store persists what indexers and
// history endpoints read back.
type Service struct {
	factory *factory.Factory
	store   store.Store
}

// NewService creates a new venue service.
func NewService(f *factory.Factory, st store.Store) *Service {
	return &Service{factory: f, store: st}
}

// --- Request/Response types ---

// DeployRequest is the JSON body for POST /instances. When Mint is true the
// backing item is minted to Issuer if it does not exist, and Amount shares
// are bootstrapped in the same call; otherwise the item must already exist
// and no bootstrap happens.
type DeployRequest struct {
	Template   string        `json:"template"`
	Collection model.Address `json:"collection"`
	ItemID     uint64        `json:"item_id"`
	Mint       bool          `json:"mint"`
	Issuer     model.Address `json:"issuer,omitempty"`
	Amount     uint64        `json:"amount,omitempty"`
	Offered    string        `json:"offered,omitempty"` // wei, bootstrap buys beyond the free share
}

// SignedDeployRequest is the JSON body for POST /instances/signed.
type SignedDeployRequest struct {
	Request   signer.DeploymentRequest `json:"request"`
	Signature string                   `json:"signature"` // hex compact signature
}

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	Instance    model.Address `json:"instance"`
	Trader      model.Address `json:"trader"`
	Beneficiary model.Address `json:"beneficiary,omitempty"`
	Side        string        `json:"side"`    // "BUY" or "SELL"
	Amount      uint64        `json:"amount"`  // shares
	Offered     string        `json:"offered"` // wei, buys only
}

// TradeResponse is the JSON body returned from POST /trade.
type TradeResponse struct {
	TradeID      string          `json:"trade_id"`
	Instance     model.Address   `json:"instance"`
	Trader       model.Address   `json:"trader"`
	Side         string          `json:"side"`
	Amount       uint64          `json:"amount"`
	BasePrice    string          `json:"base_price"`
	ProtocolFee  string          `json:"protocol_fee"`
	HoldersFee   string          `json:"holders_fee"`
	SubjectFee   string          `json:"subject_fee"`
	SupplyAfter  uint64          `json:"supply_after"`
	DisplayPrice decimal.Decimal `json:"display_price"`
}

// InstanceView is the JSON representation of a deployed instance.
type InstanceView struct {
	Address       model.Address   `json:"address"`
	Subject       model.Subject   `json:"subject"`
	Issuer        model.Address   `json:"issuer"`
	Supply        uint64          `json:"supply"`
	Volume        string          `json:"volume"`
	DisplayVolume decimal.Decimal `json:"display_volume"`
	HasLedger     bool            `json:"has_ledger"`
}

// QuoteResponse is the JSON body for GET quote requests.
type QuoteResponse struct {
	Side         string          `json:"side"`
	Amount       uint64          `json:"amount"`
	BasePrice    string          `json:"base_price"`
	ProtocolFee  string          `json:"protocol_fee"`
	HoldersFee   string          `json:"holders_fee"`
	SubjectFee   string          `json:"subject_fee"`
	Total        string          `json:"total"`
	DisplayTotal decimal.Decimal `json:"display_total"`
}

// ClaimRequest is the JSON body for POST claim requests.
type ClaimRequest struct {
	Holder model.Address `json:"holder"`
}

// RegisterBindingRequest is the JSON body for POST /api/v1/bindings:
// binding an already deployed instance to its subject, registrar only.
type RegisterBindingRequest struct {
	Caller     model.Address `json:"caller"`
	Collection model.Address `json:"collection"`
	ItemID     uint64        `json:"item_id"`
	Instance   model.Address `json:"instance"`
}

// RebindRequest is the JSON body for POST rebind requests.
type RebindRequest struct {
	Caller model.Address `json:"caller"`
}

// AdvanceNonceRequest is the JSON body for POST /api/v1/nonces: admin
// fast-forward invalidating an issuer's outstanding signed requests.
type AdvanceNonceRequest struct {
	Caller model.Address `json:"caller"`
	Issuer model.Address `json:"issuer"`
	Nonce  uint64        `json:"nonce"`
}

// --- HTTP Handlers ---

// DeployInstance handles POST /api/v1/instances
func (s *Service) DeployInstance(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Collection == model.ZeroAddress {
		writeError(w, "collection is required", http.StatusBadRequest)
		return
	}

	subject := model.Subject{Collection: req.Collection, ItemID: req.ItemID}
	var binding *model.Binding
	var err error
	if req.Mint {
		if req.Issuer == model.ZeroAddress {
			writeError(w, "issuer is required when minting", http.StatusBadRequest)
			return
		}
		var offered *big.Int // nil lets the factory attach the quoted total
		if req.Offered != "" {
			v, perr := model.ParseAmount(req.Offered)
			if perr != nil {
				writeError(w, perr.Error(), http.StatusBadRequest)
				return
			}
			offered = v
		}
		binding, err = s.factory.MintSubjectAndDeployShares(req.Issuer, subject, req.Issuer, req.Amount, req.Template, offered)
	} else {
		if req.Issuer == model.ZeroAddress {
			writeError(w, "issuer is required", http.StatusBadRequest)
			return
		}
		binding, err = s.factory.DeployShares(req.Issuer, req.Template, subject)
	}
	if err != nil {
		writeError(w, err.Error(), deployStatus(err))
		return
	}

	s.persistBinding(r.Context(), binding)
	metrics.ActiveInstances.Set(float64(len(s.factory.Instances())))

	slog.Info("instance deployed",
		"instance", binding.Instance,
		"subject", binding.SubjectKey,
		"template", req.Template,
		"minted", req.Mint,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(binding)
}

// DeploySigned handles POST /api/v1/instances/signed
func (s *Service) DeploySigned(w http.ResponseWriter, r *http.Request) {
	var req SignedDeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sig, err := hex.DecodeString(req.Signature)
	if err != nil {
		writeError(w, "signature must be hex", http.StatusBadRequest)
		return
	}

	binding, err := s.factory.ExecuteDeploymentRequest(req.Request, sig, time.Now())
	if err != nil {
		metrics.DeploymentRequestsRejected.WithLabelValues(rejectReason(err)).Inc()
		writeError(w, err.Error(), deployStatus(err))
		return
	}

	s.persistBinding(r.Context(), binding)
	metrics.ActiveInstances.Set(float64(len(s.factory.Instances())))

	slog.Info("signed deployment executed",
		"instance", binding.Instance,
		"issuer", req.Request.Issuer,
		"nonce", req.Request.Nonce,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(binding)
}

// ListInstances handles GET /api/v1/instances
func (s *Service) ListInstances(w http.ResponseWriter, _ *http.Request) {
	engines := s.factory.Instances()
	views := make([]InstanceView, 0, len(engines))
	for _, e := range engines {
		views = append(views, instanceView(e))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(views)
}

// GetInstance handles GET /api/v1/instances/{instance}
func (s *Service) GetInstance(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.instanceParam(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(instanceView(eng))
}

// GetQuote handles GET /api/v1/instances/{instance}/quote?side=BUY&amount=N
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.instanceParam(w, r)
	if !ok {
		return
	}
	amount, err := strconv.ParseUint(r.URL.Query().Get("amount"), 10, 64)
	if err != nil || amount == 0 {
		writeError(w, "amount must be a positive integer", http.StatusBadRequest)
		return
	}
	side := r.URL.Query().Get("side")

	var q engine.Quote
	switch side {
	case model.SideBuy:
		q = eng.QuoteBuy(amount)
	case model.SideSell:
		q, err = eng.QuoteSell(amount)
		if err != nil {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
	default:
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QuoteResponse{
		Side:         side,
		Amount:       amount,
		BasePrice:    q.BasePrice.String(),
		ProtocolFee:  q.ProtocolFee.String(),
		HoldersFee:   q.HoldersFee.String(),
		SubjectFee:   q.SubjectFee.String(),
		Total:        q.Total.String(),
		DisplayTotal: model.DisplayAmount(q.Total),
	})
}

// ExecuteTrade handles POST /api/v1/trade
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.Trader == model.ZeroAddress {
		writeError(w, "trader is required", http.StatusBadRequest)
		return
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if req.Amount == 0 {
		writeError(w, "amount must be positive", http.StatusBadRequest)
		return
	}

	eng, err := s.factory.Instance(req.Instance)
	if err != nil {
		writeError(w, "instance not found: "+string(req.Instance), http.StatusNotFound)
		return
	}

	start := time.Now()
	var rec *model.TradeRecord
	if req.Side == model.SideBuy {
		offered, perr := model.ParseAmount(req.Offered)
		if perr != nil {
			writeError(w, perr.Error(), http.StatusBadRequest)
			return
		}
		rec, err = eng.BuyShares(req.Trader, req.Beneficiary, req.Amount, offered)
	} else {
		rec, err = eng.SellShares(req.Trader, req.Beneficiary, req.Amount)
	}
	if err != nil {
		writeError(w, err.Error(), tradeStatus(err))
		return
	}

	metrics.TradesTotal.WithLabelValues(rec.Side).Inc()
	metrics.TradeLatency.WithLabelValues(rec.Side).Observe(time.Since(start).Seconds())
	if pp := eng.Fees().ProtocolPercent; pp != nil && pp.Sign() > 0 &&
		rec.ProtocolFee.Sign() == 0 && rec.BasePrice.Sign() > 0 {
		metrics.FeesDropped.WithLabelValues("protocol").Inc()
	}

	// The trade is committed; a persistence failure only degrades history.
	if err := s.store.InsertTrade(r.Context(), rec); err != nil {
		slog.Error("trade persistence failed", "trade_id", rec.ID, "err", err)
	}

	slog.Info("trade executed",
		"trade_id", rec.ID,
		"instance", rec.Instance,
		"trader", rec.Trader,
		"side", rec.Side,
		"amount", rec.Amount,
		"base_price", rec.BasePrice.String(),
		"supply_after", rec.SupplyAfter,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(TradeResponse{
		TradeID:      rec.ID,
		Instance:     rec.Instance,
		Trader:       rec.Trader,
		Side:         rec.Side,
		Amount:       rec.Amount,
		BasePrice:    rec.BasePrice.String(),
		ProtocolFee:  rec.ProtocolFee.String(),
		HoldersFee:   rec.HoldersFee.String(),
		SubjectFee:   rec.SubjectFee.String(),
		SupplyAfter:  rec.SupplyAfter,
		DisplayPrice: model.DisplayAmount(rec.BasePrice),
	})
}

// GetTradeHistory handles GET /api/v1/instances/{instance}/trades
func (s *Service) GetTradeHistory(w http.ResponseWriter, r *http.Request) {
	instance := model.Address(chi.URLParam(r, "instance"))

	trades, err := s.store.GetTradesByInstance(r.Context(), instance)
	if err != nil {
		writeError(w, "failed to get trade history", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// GetPendingReward handles GET /api/v1/instances/{instance}/rewards/{holder}
func (s *Service) GetPendingReward(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.instanceParam(w, r)
	if !ok {
		return
	}
	ledger := eng.Ledger()
	if ledger == nil {
		writeError(w, "instance has no reward ledger", http.StatusNotFound)
		return
	}
	holder := model.Address(chi.URLParam(r, "holder"))
	pending := ledger.PendingReward(holder)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"holder":          holder,
		"pending":         pending.String(),
		"display_pending": model.DisplayAmount(pending),
		"claimed":         ledger.ClaimedTotal(holder).String(),
		"shares":          ledger.Shares(holder),
	})
}

// ClaimReward handles POST /api/v1/instances/{instance}/claim
func (s *Service) ClaimReward(w http.ResponseWriter, r *http.Request) {
	eng, ok := s.instanceParam(w, r)
	if !ok {
		return
	}
	ledger := eng.Ledger()
	if ledger == nil {
		writeError(w, "instance has no reward ledger", http.StatusNotFound)
		return
	}

	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Holder == model.ZeroAddress {
		writeError(w, "holder is required", http.StatusBadRequest)
		return
	}

	paid, err := ledger.Claim(req.Holder)
	if err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	metrics.RewardsClaimed.Inc()

	slog.Info("reward claimed",
		"instance", eng.Address(),
		"holder", req.Holder,
		"amount", paid.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"holder":        req.Holder,
		"paid":          paid.String(),
		"display_paid":  model.DisplayAmount(paid),
		"claimed_total": ledger.ClaimedTotal(req.Holder).String(),
	})
}

// GetTraderHistory handles GET /api/v1/traders/{trader}/trades
func (s *Service) GetTraderHistory(w http.ResponseWriter, r *http.Request) {
	trader := model.Address(chi.URLParam(r, "trader"))

	trades, err := s.store.GetTradesByTrader(r.Context(), trader)
	if err != nil {
		writeError(w, "failed to get trade history", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.TradeRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// RegisterBinding handles POST /api/v1/bindings
func (s *Service) RegisterBinding(w http.ResponseWriter, r *http.Request) {
	var req RegisterBindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Collection == model.ZeroAddress || req.Instance == model.ZeroAddress {
		writeError(w, "collection and instance are required", http.StatusBadRequest)
		return
	}

	subject := model.Subject{Collection: req.Collection, ItemID: req.ItemID}
	binding, err := s.factory.RegisterSharesContract(req.Caller, subject, req.Instance)
	if err != nil {
		writeError(w, err.Error(), deployStatus(err))
		return
	}

	s.persistBinding(r.Context(), binding)
	slog.Info("binding registered",
		"instance", binding.Instance,
		"subject", binding.SubjectKey,
		"new_deployment", binding.NewDeployment,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(binding)
}

// RebindInstance handles POST /api/v1/instances/{instance}/rebind. It
// reconciles the registry and the persisted bindings after an instance was
// repointed at a new subject via its admin: the released subject's row is
// removed and the new binding persisted.
func (s *Service) RebindInstance(w http.ResponseWriter, r *http.Request) {
	instance := model.Address(chi.URLParam(r, "instance"))
	var req RebindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	prev, err := s.store.GetBindingByInstance(r.Context(), instance)
	if err != nil {
		writeError(w, "no persisted binding for instance: "+string(instance), http.StatusNotFound)
		return
	}

	previous := model.Subject{Collection: prev.Collection, ItemID: prev.ItemID}
	binding, err := s.factory.NotifySubjectUpdated(req.Caller, instance, previous)
	if err != nil {
		writeError(w, err.Error(), deployStatus(err))
		return
	}

	if binding.SubjectKey != prev.SubjectKey {
		if err := s.store.DeleteBinding(r.Context(), prev.SubjectKey); err != nil {
			slog.Error("stale binding removal failed", "subject", prev.SubjectKey, "err", err)
		}
	}
	s.persistBinding(r.Context(), binding)
	slog.Info("instance rebound",
		"instance", binding.Instance,
		"previous", prev.SubjectKey,
		"subject", binding.SubjectKey,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(binding)
}

// AdvanceNonce handles POST /api/v1/nonces
func (s *Service) AdvanceNonce(w http.ResponseWriter, r *http.Request) {
	var req AdvanceNonceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Issuer == model.ZeroAddress {
		writeError(w, "issuer is required", http.StatusBadRequest)
		return
	}

	if err := s.factory.AdvanceNonce(req.Caller, req.Issuer, req.Nonce); err != nil {
		writeError(w, err.Error(), deployStatus(err))
		return
	}

	slog.Info("nonce advanced", "issuer", req.Issuer, "nonce", req.Nonce)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"issuer": req.Issuer,
		"nonce":  req.Nonce,
	})
}

// ListBindings handles GET /api/v1/bindings
func (s *Service) ListBindings(w http.ResponseWriter, r *http.Request) {
	bindings, err := s.store.ListBindings(r.Context())
	if err != nil {
		writeError(w, "failed to list bindings", http.StatusInternalServerError)
		return
	}
	if bindings == nil {
		bindings = []model.Binding{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(bindings)
}

// --- helpers ---

func (s *Service) instanceParam(w http.ResponseWriter, r *http.Request) (*engine.Engine, bool) {
	addr := model.Address(chi.URLParam(r, "instance"))
	eng, err := s.factory.Instance(addr)
	if err != nil {
		writeError(w, "instance not found: "+string(addr), http.StatusNotFound)
		return nil, false
	}
	return eng, true
}

func (s *Service) persistBinding(ctx context.Context, b *model.Binding) {
	if err := s.store.UpsertBinding(ctx, b); err != nil {
		slog.Error("binding persistence failed", "subject", b.SubjectKey, "err", err)
	}
}

func instanceView(e *engine.Engine) InstanceView {
	vol := e.Volume()
	return InstanceView{
		Address:       e.Address(),
		Subject:       e.Subject(),
		Issuer:        e.Issuer(),
		Supply:        e.Supply(),
		Volume:        vol.String(),
		DisplayVolume: model.DisplayAmount(vol),
		HasLedger:     e.Ledger() != nil,
	}
}

// deployStatus maps factory errors onto HTTP statuses.
func deployStatus(err error) int {
	switch {
	case errors.Is(err, factory.ErrUnknownTemplate),
		errors.Is(err, factory.ErrUnknownInstance),
		errors.Is(err, factory.ErrSubjectMissing):
		return http.StatusNotFound
	case errors.Is(err, factory.ErrSubjectInUse),
		errors.Is(err, factory.ErrInvalidNonce),
		errors.Is(err, factory.ErrNonceNotAhead),
		errors.Is(err, factory.ErrNotYetValid),
		errors.Is(err, factory.ErrExpired):
		return http.StatusConflict
	case errors.Is(err, factory.ErrBadSigner),
		errors.Is(err, signer.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, factory.ErrNotAuthorized),
		errors.Is(err, factory.ErrNotRegistrar),
		errors.Is(err, factory.ErrNotAdmin):
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

// tradeStatus maps engine errors onto HTTP statuses.
func tradeStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrBootstrapOnly),
		errors.Is(err, engine.ErrLastShare),
		errors.Is(err, engine.ErrRewardNotify):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInsufficientShares),
		errors.Is(err, engine.ErrInsufficientPayment),
		errors.Is(err, engine.ErrExactPaymentRequired):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

// rejectReason labels a deployment rejection for metrics.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, factory.ErrBadSigner), errors.Is(err, signer.ErrInvalidSignature):
		return "signature"
	case errors.Is(err, factory.ErrNotYetValid), errors.Is(err, factory.ErrExpired):
		return "window"
	case errors.Is(err, factory.ErrInvalidNonce):
		return "nonce"
	default:
		return "other"
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
