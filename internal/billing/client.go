package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"curio/internal/config"
)

const stripeProvider = "stripe"

// Subscription is the slice of the provider's subscription object the engine
// reads. Everything else in the provider payload is ignored.
type Subscription struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CurrentPeriodEnd  int64  `json:"current_period_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

func (s Subscription) PeriodEnd() (time.Time, bool) {
	if s.CurrentPeriodEnd <= 0 {
		return time.Time{}, false
	}
	return time.Unix(s.CurrentPeriodEnd, 0).UTC(), true
}

type CheckoutResult struct {
	CheckoutURL       string `json:"checkout_url"`
	ClientReferenceID string `json:"client_reference_id"`
}

// Client talks to the Stripe REST API with form-encoded requests. BaseURL is
// overridable for tests.
type Client struct {
	Config     config.Config
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(cfg config.Config) *Client {
	return &Client{
		Config:     cfg,
		BaseURL:    "https://api.stripe.com",
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error) {
	var sub Subscription
	body, err := c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		return sub, err
	}
	if err := json.Unmarshal(body, &sub); err != nil {
		return sub, err
	}
	return sub, nil
}

func (c *Client) SetCancelAtPeriodEnd(ctx context.Context, subscriptionID string, flag bool) (Subscription, error) {
	var sub Subscription
	form := url.Values{"cancel_at_period_end": {strconv.FormatBool(flag)}}
	body, err := c.do(ctx, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(subscriptionID), form)
	if err != nil {
		return sub, err
	}
	if err := json.Unmarshal(body, &sub); err != nil {
		return sub, err
	}
	return sub, nil
}

// CreateCheckoutSession starts a subscription purchase. The user id travels
// as client_reference_id and metadata on both the session and the
// subscription, so every later webhook can resolve the principal.
func (c *Client) CreateCheckoutSession(ctx context.Context, userID, customerID string) (*CheckoutResult, error) {
	form := url.Values{}
	form.Set("mode", "subscription")
	form.Set("client_reference_id", userID)
	form.Set("line_items[0][price]", c.Config.Billing.PriceID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("metadata[user_id]", userID)
	form.Set("subscription_data[metadata][user_id]", userID)
	if customerID != "" {
		form.Set("customer", customerID)
	}

	successURL := c.Config.Billing.SuccessURL
	if successURL == "" {
		successURL = "https://curio.app/?checkout=success"
	}
	cancelURL := c.Config.Billing.CancelURL
	if cancelURL == "" {
		cancelURL = "https://curio.app/?checkout=cancel"
	}
	form.Set("success_url", successURL)
	form.Set("cancel_url", cancelURL)

	body, err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", form)
	if err != nil {
		return nil, err
	}

	var session struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, err
	}
	return &CheckoutResult{
		CheckoutURL:       session.URL,
		ClientReferenceID: userID,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	sk := strings.TrimSpace(c.Config.Billing.StripeSecretKey)
	if sk == "" {
		return nil, errors.New("stripe secret key not configured")
	}

	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.SetBasicAuth(sk, "")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, errors.New("stripe api error: " + strings.TrimSpace(string(body)))
	}
	return body, nil
}
