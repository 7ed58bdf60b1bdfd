package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"namcportal/escrow"
)

// Client wraps the Stripe SDK. Only the calls the portal needs are exposed:
// payment intents for money coming into an escrow, transfers for money going
// out to contractors.
type Client struct {
	api *client.API
}

// NewClient builds a Stripe client from the secret key.
func NewClient(secretKey string) (*Client, error) {
	if strings.TrimSpace(secretKey) == "" {
		return nil, errors.New("payments: stripe secret key is empty")
	}
	api := &client.API{}
	api.Init(secretKey, nil)
	return &Client{api: api}, nil
}

// CreateFundingIntent opens a PaymentIntent for an escrow deposit and
// returns its id. The escrow id travels in the metadata so support can trace
// a stray charge back to its escrow.
func (c *Client) CreateFundingIntent(ctx context.Context, params escrow.FundingIntentParams) (string, error) {
	cents, err := toCents(params.Amount)
	if err != nil {
		return "", err
	}

	piParams := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(cents),
		Currency: stripe.String(string(stripe.CurrencyUSD)),
	}
	piParams.AddMetadata("escrow_id", params.EscrowID)
	piParams.AddMetadata("project_id", params.ProjectID)
	piParams.AddMetadata("client_user_id", params.ClientUserID)

	intent, err := c.api.PaymentIntents.New(piParams)
	if err != nil {
		return "", fmt.Errorf("payments: create payment intent: %w", err)
	}
	return intent.ID, nil
}

// TransferParams describes a payout headed to a contractor's connected
// account.
type TransferParams struct {
	TransferRef string
	Amount      decimal.Decimal
	Destination string
	EscrowID    string
	Kind        string
}

// CreateTransfer moves a payout to a contractor. The transfer ref is sent
// as the idempotency key, so retrying the same payout never moves money
// twice.
func (c *Client) CreateTransfer(ctx context.Context, params TransferParams) (string, error) {
	cents, err := toCents(params.Amount)
	if err != nil {
		return "", err
	}

	trParams := &stripe.TransferParams{
		Params: stripe.Params{
			Context:        ctx,
			IdempotencyKey: stripe.String(params.TransferRef),
		},
		Amount:        stripe.Int64(cents),
		Currency:      stripe.String(string(stripe.CurrencyUSD)),
		Destination:   stripe.String(params.Destination),
		TransferGroup: stripe.String(params.EscrowID),
	}
	trParams.AddMetadata("kind", params.Kind)
	trParams.AddMetadata("transfer_ref", params.TransferRef)

	transfer, err := c.api.Transfers.New(trParams)
	if err != nil {
		return "", fmt.Errorf("payments: create transfer: %w", err)
	}
	return transfer.ID, nil
}

// toCents converts a dollar amount to the integer cents Stripe expects.
func toCents(amount decimal.Decimal) (int64, error) {
	cents := amount.Shift(2)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("payments: amount %s has sub-cent precision", amount)
	}
	return cents.IntPart(), nil
}
