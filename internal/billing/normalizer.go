package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"curio/internal/config"
	"curio/internal/observability"
)

// eventEnvelopeSchema pins the minimal envelope shape every provider event
// must carry before any of it is trusted.
const eventEnvelopeSchema = `{
	"type": "object",
	"required": ["id", "type", "data"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"type": {"type": "string", "minLength": 1},
		"data": {
			"type": "object",
			"required": ["object"]
		}
	}
}`

type providerEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type checkoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type subscriptionEvent struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Metadata          map[string]string `json:"metadata"`
}

type invoiceEvent struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

type eventLedger interface {
	InsertWebhookEventIfAbsent(ctx context.Context, provider, eventID, eventType, payloadHash string) (bool, string, error)
	UpdateWebhookEventStatus(ctx context.Context, provider, eventID, status, lastError string) error
}

type transitionApplier interface {
	Apply(ctx context.Context, t Transition) (Outcome, error)
}

// Normalizer authenticates raw provider webhooks and reduces the provider's
// event taxonomy to the domain transition set. Verification fails closed;
// anything past verification that cannot change state still acks so the
// provider stops redelivering.
type Normalizer struct {
	Config   config.Config
	Ledger   eventLedger
	Engine   transitionApplier
	Observer *observability.EntitlementObserver
	Now      func() time.Time

	envelope *jsonschema.Schema
}

func NewNormalizer(cfg config.Config, ledger eventLedger, engine transitionApplier, observer *observability.EntitlementObserver) *Normalizer {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("event.json", strings.NewReader(eventEnvelopeSchema)); err != nil {
		panic(err)
	}
	return &Normalizer{
		Config:   cfg,
		Ledger:   ledger,
		Engine:   engine,
		Observer: observer,
		Now:      func() time.Time { return time.Now().UTC() },
		envelope: compiler.MustCompile("event.json"),
	}
}

func (n *Normalizer) ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	if n == nil || n.Ledger == nil || n.Engine == nil {
		return errors.New("billing normalizer not configured")
	}
	if err := n.verifySignature(payload, signatureHeader); err != nil {
		return err
	}

	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := n.envelope.Validate(raw); err != nil {
		return fmt.Errorf("malformed provider event: %w", err)
	}
	var event providerEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}

	payloadHash := sha256Hex(payload)
	inserted, existingStatus, err := n.Ledger.InsertWebhookEventIfAbsent(ctx, stripeProvider, event.ID, event.Type, payloadHash)
	if err != nil {
		return err
	}
	if !inserted && existingStatus == "processed" {
		return nil
	}

	if err := n.applyEvent(ctx, event); err != nil {
		_ = n.Ledger.UpdateWebhookEventStatus(ctx, stripeProvider, event.ID, "failed", err.Error())
		return err
	}
	return n.Ledger.UpdateWebhookEventStatus(ctx, stripeProvider, event.ID, "processed", "")
}

func (n *Normalizer) applyEvent(ctx context.Context, event providerEvent) error {
	t, ok, err := n.normalize(event)
	if err != nil {
		return err
	}
	if !ok {
		n.Observer.RecordUnrecognized(event.Type)
		return nil
	}
	_, err = n.Engine.Apply(ctx, t)
	return err
}

// normalize maps one provider event to a domain transition. The second
// return reports whether the event is part of the recognized set; an
// unrecognized event is acked without state change, never an error.
func (n *Normalizer) normalize(event providerEvent) (Transition, bool, error) {
	switch event.Type {
	case "checkout.session.completed":
		var session checkoutSession
		if err := json.Unmarshal(event.Data.Object, &session); err != nil {
			return Transition{}, false, err
		}
		if strings.TrimSpace(session.Subscription) == "" {
			// One-off payments carry no subscription; nothing to activate.
			return Transition{}, false, nil
		}
		return Transition{
			Kind:           TransitionActivate,
			CustomerID:     session.Customer,
			SubscriptionID: session.Subscription,
			UserHint:       userHint(session.ClientReferenceID, session.Metadata),
		}, true, nil

	case "customer.subscription.created", "customer.subscription.updated":
		var sub subscriptionEvent
		if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
			return Transition{}, false, err
		}
		return Transition{
			Kind:              TransitionSync,
			CustomerID:        sub.Customer,
			SubscriptionID:    sub.ID,
			Status:            sub.Status,
			ExpiresAt:         unixNullTime(sub.CurrentPeriodEnd),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
			UserHint:          userHint("", sub.Metadata),
		}, true, nil

	case "customer.subscription.deleted":
		var sub subscriptionEvent
		if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
			return Transition{}, false, err
		}
		return Transition{
			Kind:           TransitionDeactivate,
			CustomerID:     sub.Customer,
			SubscriptionID: sub.ID,
			UserHint:       userHint("", sub.Metadata),
		}, true, nil

	case "invoice.paid":
		var invoice invoiceEvent
		if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
			return Transition{}, false, err
		}
		return Transition{
			Kind:           TransitionSync,
			CustomerID:     invoice.Customer,
			SubscriptionID: invoice.Subscription,
			Status:         "active",
		}, true, nil

	case "invoice.payment_failed":
		var invoice invoiceEvent
		if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
			return Transition{}, false, err
		}
		return Transition{
			Kind:           TransitionMarkDelinquent,
			CustomerID:     invoice.Customer,
			SubscriptionID: invoice.Subscription,
		}, true, nil

	default:
		return Transition{}, false, nil
	}
}

func (n *Normalizer) verifySignature(payload []byte, signatureHeader string) error {
	secret := strings.TrimSpace(n.Config.Billing.StripeWebhookSecret)
	if secret == "" {
		return errors.New("stripe webhook secret not configured")
	}

	timestamp, signature, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return err
	}

	signedPayload := []byte(timestamp + "." + string(payload))
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(signedPayload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}

	tsInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}
	if delta := n.Now().Sub(time.Unix(tsInt, 0)); delta > 5*time.Minute || delta < -5*time.Minute {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}
	return nil
}

func parseSignatureHeader(header string) (string, string, error) {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			sig = kv[1]
		}
	}
	if ts == "" || sig == "" {
		return "", "", fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}
	return ts, sig, nil
}

func userHint(clientReferenceID string, metadata map[string]string) string {
	if id := strings.TrimSpace(clientReferenceID); id != "" {
		return id
	}
	return strings.TrimSpace(metadata["user_id"])
}

func unixNullTime(raw int64) sql.NullTime {
	if raw <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Unix(raw, 0).UTC(), Valid: true}
}

func sha256Hex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
