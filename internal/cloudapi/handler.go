package cloudapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"curio/internal/auth"
	"curio/internal/billing"
	"curio/internal/config"
	"curio/internal/entitlements"
	"curio/internal/store"
)

type BillingWebhookProcessor interface {
	ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) error
}

type CheckoutStarter interface {
	CreateCheckoutSession(ctx context.Context, userID, customerID string) (*billing.CheckoutResult, error)
}

type SubscriptionActions interface {
	Cancel(ctx context.Context, userID string) (billing.Outcome, error)
	Reactivate(ctx context.Context, userID string) (billing.Outcome, error)
}

type Handler struct {
	Config config.Config
	Store  *store.Store
	Auth   *auth.Service

	Entitlements *entitlements.Service
	Billing      BillingWebhookProcessor
	Checkout     CheckoutStarter
	Actions      SubscriptionActions
}

func NewHandler(cfg config.Config, st *store.Store, authSvc *auth.Service, entSvc *entitlements.Service, webhook BillingWebhookProcessor, checkout CheckoutStarter, actions SubscriptionActions) *Handler {
	return &Handler{
		Config:       cfg,
		Store:        st,
		Auth:         authSvc,
		Entitlements: entSvc,
		Billing:      webhook,
		Checkout:     checkout,
		Actions:      actions,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/billing/webhook/stripe", h.handleStripeWebhook)
	mux.HandleFunc("/v1/entitlements/current", h.handleCurrentEntitlement)
	mux.HandleFunc("/v1/entitlements/quota", h.handleQuota)
	mux.HandleFunc("/v1/usage/record", h.handleRecordUsage)
	mux.HandleFunc("/v1/promotions/redeem", h.handleRedeem)
	mux.HandleFunc("/v1/subscriptions/checkout", h.handleCheckout)
	mux.HandleFunc("/v1/subscriptions/cancel", h.handleCancel)
	mux.HandleFunc("/v1/subscriptions/reactivate", h.handleReactivate)
}

func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.Billing == nil {
		http.Error(w, "billing not configured", http.StatusInternalServerError)
		return
	}
	payload, err := readBody(r)
	if err != nil {
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	if err := h.Billing.ProcessWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		// Verification failures are final; anything past verification is
		// retryable via the provider's redelivery, so the ack is withheld
		// with a 5xx.
		if errors.Is(err, billing.ErrInvalidSignature) {
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) handleCurrentEntitlement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	snap, err := h.Entitlements.Snapshot(r.Context(), principal.UserID, principal.Email)
	if err != nil {
		http.Error(w, "failed to load entitlement", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snapshotPayload(snap))
}

func (h *Handler) handleQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	decision, err := h.Entitlements.CheckQuota(r.Context(), principal.UserID, principal.Email)
	if err != nil {
		http.Error(w, "failed to check quota", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"allowed":   decision.Allowed,
		"remaining": decision.Remaining,
		"unlimited": decision.Unlimited,
	})
}

func (h *Handler) handleRecordUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	result := h.Entitlements.RecordUsage(r.Context(), principal.UserID)
	writeJSON(w, http.StatusOK, map[string]any{
		"new_count":     result.NewCount,
		"limit_reached": result.LimitReached,
	})
}

func (h *Handler) handleRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	err := h.Entitlements.Redeem(r.Context(), principal.UserID, req.Code)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"status": "redeemed"})
	case errors.Is(err, entitlements.ErrInvalidCode):
		http.Error(w, "that code is not valid", http.StatusBadRequest)
	case errors.Is(err, entitlements.ErrCodeAlreadyRedeemed):
		http.Error(w, "a code was already redeemed for this account", http.StatusConflict)
	case errors.Is(err, entitlements.ErrAlreadyEntitled):
		http.Error(w, "this account already has an active subscription", http.StatusConflict)
	default:
		http.Error(w, "redemption failed, please try again", http.StatusInternalServerError)
	}
}

func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	if h.Checkout == nil {
		http.Error(w, "checkout not configured", http.StatusInternalServerError)
		return
	}

	rec, err := h.Store.EnsureEntitlement(r.Context(), principal.UserID)
	if err != nil {
		http.Error(w, "failed to prepare checkout", http.StatusInternalServerError)
		return
	}
	result, err := h.Checkout.CreateCheckoutSession(r.Context(), principal.UserID, rec.BillingCustomerID.String)
	if err != nil {
		http.Error(w, "failed to start checkout, please try again", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.handleSubscriptionAction(w, r, func(ctx context.Context, userID string) (billing.Outcome, error) {
		return h.Actions.Cancel(ctx, userID)
	})
}

func (h *Handler) handleReactivate(w http.ResponseWriter, r *http.Request) {
	h.handleSubscriptionAction(w, r, func(ctx context.Context, userID string) (billing.Outcome, error) {
		return h.Actions.Reactivate(ctx, userID)
	})
}

func (h *Handler) handleSubscriptionAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (billing.Outcome, error)) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	if h.Actions == nil {
		http.Error(w, "billing not configured", http.StatusInternalServerError)
		return
	}

	outcome, err := fn(r.Context(), principal.UserID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "ok",
			"already_applied": outcome == billing.OutcomeAlreadyApplied,
		})
	case errors.Is(err, billing.ErrNoSubscription):
		http.Error(w, "no active subscription on this account", http.StatusConflict)
	case errors.Is(err, billing.ErrPrincipalNotFound):
		http.Error(w, "billing account not found", http.StatusNotFound)
	default:
		http.Error(w, "subscription update failed, please try again", http.StatusBadGateway)
	}
}

// requirePrincipal authenticates the request. The bootstrap key may act on
// behalf of a user via the user_id query parameter, mirroring how internal
// tools drive the API.
func (h *Handler) requirePrincipal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	principal, err := h.Auth.AuthenticateRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return auth.Principal{}, false
	}
	if principal.AuthMethod == "bootstrap_key" {
		if qp := strings.TrimSpace(r.URL.Query().Get("user_id")); qp != "" {
			principal.UserID = qp
		}
	}
	if principal.UserID == "" {
		http.Error(w, "missing user identity", http.StatusBadRequest)
		return auth.Principal{}, false
	}
	return principal, true
}

func snapshotPayload(snap entitlements.Snapshot) map[string]any {
	payload := map[string]any{
		"tier":        snap.Tier,
		"status":      snap.Status,
		"entitled":    snap.Entitled,
		"usage_count": snap.UsageCount,
		"remaining":   snap.Remaining,
		"unlimited":   snap.Unlimited,
	}
	if snap.CancelAt.Valid {
		payload["cancel_at"] = snap.CancelAt.Time.Format(time.RFC3339)
	}
	if snap.RenewsAt.Valid {
		payload["renews_at"] = snap.RenewsAt.Time.Format(time.RFC3339)
	}
	return payload
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
