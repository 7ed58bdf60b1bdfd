package payments

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	// SignatureHeader carries the webhook signature on incoming requests.
	SignatureHeader = "Stripe-Signature"

	// EventPaymentSucceeded is the only event type the portal applies;
	// everything else is acknowledged and ignored.
	EventPaymentSucceeded = "payment_intent.succeeded"
)

// ErrBadSignature is returned for any webhook whose signature cannot be
// verified against the endpoint secret.
var ErrBadSignature = errors.New("payments: webhook signature mismatch")

// Event is the slice of a webhook event the portal acts on.
type Event struct {
	ID       string
	Type     string
	IntentID string
}

// ParseWebhook verifies the Stripe-Signature header against the raw body and
// extracts the event id, type and payment intent id. Signature failures of
// any flavor (missing header, stale timestamp, wrong MAC) come back as
// ErrBadSignature so the handler can answer 400 without leaking which check
// tripped.
func ParseWebhook(payload []byte, sigHeader, secret string) (Event, error) {
	stripeEvent, err := webhook.ConstructEvent(payload, sigHeader, secret)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if stripeEvent.ID == "" || stripeEvent.Type == "" {
		return Event{}, errors.New("payments: webhook event missing id or type")
	}

	event := Event{ID: stripeEvent.ID, Type: string(stripeEvent.Type)}
	if stripeEvent.Data != nil && len(stripeEvent.Data.Raw) > 0 {
		var object struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(stripeEvent.Data.Raw, &object); err != nil {
			return Event{}, fmt.Errorf("payments: decode webhook object: %w", err)
		}
		event.IntentID = object.ID
	}
	return event, nil
}
