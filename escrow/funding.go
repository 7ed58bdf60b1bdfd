package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	// ErrFundingNotFound is returned when no funding row matches the payment
	// intent reference.
	ErrFundingNotFound = errors.New("escrow: funding not found")
	// ErrDuplicateFundingIntent is returned when a funding row already exists
	// for the payment intent.
	ErrDuplicateFundingIntent = errors.New("escrow: duplicate funding intent")
)

// InsertFunding records a pending funding tied to a processor payment intent.
func (r *Repository) InsertFunding(ctx context.Context, tx pgx.Tx, escrowID string, amount decimal.Decimal, paymentIntentID string) (Funding, error) {
	const q = `
INSERT INTO escrow_fundings (escrow_id, amount, payment_intent_id)
VALUES ($1, $2::numeric, $3)
RETURNING id, created_at
`
	f := Funding{
		EscrowID:        escrowID,
		Amount:          amount,
		PaymentIntentID: paymentIntentID,
		Status:          FundingPending,
	}
	err := tx.QueryRow(ctx, q, escrowID, amount.String(), paymentIntentID).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Funding{}, ErrDuplicateFundingIntent
		}
		return Funding{}, fmt.Errorf("escrow: insert funding: %w", err)
	}
	return f, nil
}

// FundingApplied summarizes the effect of a confirmed funding.
type FundingApplied struct {
	EscrowID       string
	ClientUserID   string
	Amount         decimal.Decimal
	FundedAmount   decimal.Decimal
	TotalValue     decimal.Decimal
	BecameFunded   bool
	AlreadyApplied bool
}

// ApplyFundingSucceeded marks the funding row succeeded and credits the
// escrow inside the active transaction. It tolerates a replay where the
// funding row was already confirmed.
func (r *Repository) ApplyFundingSucceeded(ctx context.Context, tx pgx.Tx, paymentIntentID string) (FundingApplied, error) {
	const fundingSQL = `
SELECT id, escrow_id, amount::text, status::text
FROM escrow_fundings
WHERE payment_intent_id = $1
FOR UPDATE
`
	var (
		fundingID string
		escrowID  string
		amountStr string
		status    string
	)
	if err := tx.QueryRow(ctx, fundingSQL, paymentIntentID).Scan(&fundingID, &escrowID, &amountStr, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FundingApplied{}, ErrFundingNotFound
		}
		return FundingApplied{}, fmt.Errorf("escrow: load funding: %w", err)
	}

	if FundingStatus(status) == FundingSucceeded {
		return FundingApplied{EscrowID: escrowID, AlreadyApplied: true}, nil
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return FundingApplied{}, fmt.Errorf("escrow: parse funding amount: %w", err)
	}

	if _, err := tx.Exec(ctx, `
UPDATE escrow_fundings
SET status = 'succeeded', confirmed_at = get_tx_timestamp()
WHERE id = $1
`, fundingID); err != nil {
		return FundingApplied{}, fmt.Errorf("escrow: confirm funding: %w", err)
	}

	rec, err := r.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return FundingApplied{}, err
	}

	newFunded := rec.FundedAmount.Add(amount)
	if _, err := tx.Exec(ctx, `
UPDATE escrows
SET funded_amount = funded_amount + $1::numeric,
    updated_at = get_tx_timestamp()
WHERE id = $2
`, amount.String(), escrowID); err != nil {
		return FundingApplied{}, fmt.Errorf("escrow: credit funding: %w", err)
	}

	if err := r.AppendEvent(ctx, tx, escrowID, EventFundingSucceeded, "", map[string]any{
		"payment_intent_id": paymentIntentID,
		"amount":            amount.String(),
		"funded_amount":     newFunded.String(),
	}); err != nil {
		return FundingApplied{}, err
	}

	applied := FundingApplied{
		EscrowID:     escrowID,
		ClientUserID: rec.ClientUserID,
		Amount:       amount,
		FundedAmount: newFunded,
		TotalValue:   rec.TotalProjectValue,
	}

	if rec.Status == StatusPending && newFunded.GreaterThanOrEqual(rec.TotalProjectValue) {
		if _, err := r.TransitionStatus(ctx, tx, escrowID, StatusFunded, "", nil); err != nil {
			return FundingApplied{}, err
		}
		applied.BecameFunded = true
	}

	if err := r.EnqueueOutbox(ctx, tx, TopicFundingReceipt, map[string]any{
		"escrow_id":      escrowID,
		"client_user_id": rec.ClientUserID,
		"amount":         amount.String(),
		"funded_amount":  newFunded.String(),
		"total_value":    rec.TotalProjectValue.String(),
	}); err != nil {
		return FundingApplied{}, err
	}
	if err := r.EnqueueOutbox(ctx, tx, TopicPaymentRecorded, map[string]any{
		"kind":              "funding",
		"escrow_id":         escrowID,
		"amount":            amount.String(),
		"payment_intent_id": paymentIntentID,
	}); err != nil {
		return FundingApplied{}, err
	}

	return applied, nil
}
