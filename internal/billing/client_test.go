package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"curio/internal/config"
)

func newTestClient(baseURL string) *Client {
	cfg := config.Default()
	cfg.Billing.StripeSecretKey = "sk_test_123"
	cfg.Billing.PriceID = "price_pro_monthly"
	c := NewClient(cfg)
	c.BaseURL = baseURL
	return c
}

func TestCreateCheckoutSessionCarriesUserIdentity(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, _, ok := r.BasicAuth(); !ok || user != "sk_test_123" {
			t.Errorf("expected secret key as basic auth user")
		}
		if r.URL.Path != "/v1/checkout/sessions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		form = r.PostForm
		w.Write([]byte(`{"id":"cs_1","url":"https://checkout.stripe.com/pay/cs_1"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	result, err := c.CreateCheckoutSession(context.Background(), "user-42", "cus_9")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if result.CheckoutURL != "https://checkout.stripe.com/pay/cs_1" {
		t.Fatalf("unexpected checkout url %q", result.CheckoutURL)
	}
	if result.ClientReferenceID != "user-42" {
		t.Fatalf("unexpected reference id %q", result.ClientReferenceID)
	}

	// The principal must be resolvable from every later webhook shape:
	// session reference, session metadata, and subscription metadata.
	for _, key := range []string{"client_reference_id", "metadata[user_id]", "subscription_data[metadata][user_id]"} {
		if got := form.Get(key); got != "user-42" {
			t.Fatalf("expected %s=user-42, got %q", key, got)
		}
	}
	if got := form.Get("customer"); got != "cus_9" {
		t.Fatalf("expected existing customer reused, got %q", got)
	}
	if got := form.Get("line_items[0][price]"); got != "price_pro_monthly" {
		t.Fatalf("expected configured price, got %q", got)
	}
}

func TestGetSubscription(t *testing.T) {
	periodEnd := time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/subscriptions/sub_1" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"id":"sub_1","customer":"cus_1","status":"active","current_period_end":1775779200,"cancel_at_period_end":true}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	sub, err := c.GetSubscription(context.Background(), "sub_1")
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.Status != "active" || !sub.CancelAtPeriodEnd {
		t.Fatalf("unexpected subscription %+v", sub)
	}
	end, ok := sub.PeriodEnd()
	if !ok || !end.Equal(periodEnd) {
		t.Fatalf("expected period end %s, got %s ok=%v", periodEnd, end, ok)
	}
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"No such subscription"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	if _, err := c.GetSubscription(context.Background(), "sub_missing"); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}

func TestClientRequiresSecretKey(t *testing.T) {
	c := NewClient(config.Default())
	if _, err := c.GetSubscription(context.Background(), "sub_1"); err == nil {
		t.Fatal("expected error without a configured secret key")
	}
}
