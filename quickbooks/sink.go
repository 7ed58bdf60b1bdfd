package quickbooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"namcportal/outbox"
)

// Books is the slice of the client the sink needs.
type Books interface {
	RecordPayment(ctx context.Context, params PaymentParams) (string, error)
}

// Sink books every books.payment.recorded message: escrow fundings keyed by
// payment intent, payouts keyed by transfer ref.
type Sink struct {
	books  Books
	logger *logrus.Logger
}

func NewSink(books Books, logger *logrus.Logger) *Sink {
	return &Sink{books: books, logger: logger}
}

type paymentRecordedPayload struct {
	Kind            string `json:"kind"`
	EscrowID        string `json:"escrow_id"`
	MilestoneID     string `json:"milestone_id"`
	TaskPaymentID   string `json:"task_payment_id"`
	Amount          string `json:"amount"`
	TransferRef     string `json:"transfer_ref"`
	PaymentIntentID string `json:"payment_intent_id"`
}

func (s *Sink) Deliver(ctx context.Context, msg outbox.Message) error {
	var p paymentRecordedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("quickbooks: decode %s payload: %w", msg.Topic, err)
	}

	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return fmt.Errorf("quickbooks: parse amount %q: %w", p.Amount, err)
	}

	reference := p.TransferRef
	if reference == "" {
		reference = p.PaymentIntentID
	}

	memo := fmt.Sprintf("Escrow %s %s", p.EscrowID, p.Kind)
	switch {
	case p.MilestoneID != "":
		memo = fmt.Sprintf("Escrow %s milestone %s payout", p.EscrowID, p.MilestoneID)
	case p.TaskPaymentID != "":
		memo = fmt.Sprintf("Escrow %s task %s payout", p.EscrowID, p.TaskPaymentID)
	}

	entryID, err := s.books.RecordPayment(ctx, PaymentParams{
		Reference: reference,
		Amount:    amount,
		Memo:      memo,
	})
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"escrow_id": p.EscrowID,
		"kind":      p.Kind,
		"reference": reference,
		"entry_id":  entryID,
	}).Info("payment booked")
	return nil
}
