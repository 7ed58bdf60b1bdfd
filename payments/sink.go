package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"namcportal/outbox"
)

// ErrNoPayoutAccount means the contractor has no connected account on file.
// The relay retries these; the message dead-letters if nobody wires one up
// before the attempts run out.
var ErrNoPayoutAccount = errors.New("payments: no payout account on file")

// AccountDirectory resolves a contractor to the connected account payouts
// land in.
type AccountDirectory interface {
	PayoutAccount(ctx context.Context, userID string) (string, error)
}

// PGAccountDirectory reads payout accounts from member_profiles.
type PGAccountDirectory struct {
	pool *pgxpool.Pool
}

func NewAccountDirectory(pool *pgxpool.Pool) *PGAccountDirectory {
	return &PGAccountDirectory{pool: pool}
}

func (d *PGAccountDirectory) PayoutAccount(ctx context.Context, userID string) (string, error) {
	var account *string
	err := d.pool.QueryRow(ctx,
		`SELECT stripe_account_id FROM member_profiles WHERE user_id = $1`, userID,
	).Scan(&account)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("payments: no member profile for user %s", userID)
	}
	if err != nil {
		return "", fmt.Errorf("payments: query payout account: %w", err)
	}
	if account == nil || *account == "" {
		return "", fmt.Errorf("%w: user %s", ErrNoPayoutAccount, userID)
	}
	return *account, nil
}

// Transferrer is the slice of the processor the sink needs.
type Transferrer interface {
	CreateTransfer(ctx context.Context, params TransferParams) (string, error)
}

// TransferSink executes payout transfer requests from the outbox relay. The
// transfer ref doubles as the processor idempotency key, so a message
// redelivered after a crash produces the same transfer, not a second one.
type TransferSink struct {
	processor Transferrer
	accounts  AccountDirectory
	logger    *logrus.Logger
}

func NewTransferSink(processor Transferrer, accounts AccountDirectory, logger *logrus.Logger) *TransferSink {
	return &TransferSink{processor: processor, accounts: accounts, logger: logger}
}

type transferRequestedPayload struct {
	TransferRef      string `json:"transfer_ref"`
	EscrowID         string `json:"escrow_id"`
	Kind             string `json:"kind"`
	Amount           string `json:"amount"`
	ContractorUserID string `json:"contractor_user_id"`
}

func (s *TransferSink) Deliver(ctx context.Context, msg outbox.Message) error {
	var p transferRequestedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("payments: decode %s payload: %w", msg.Topic, err)
	}
	if p.TransferRef == "" || p.ContractorUserID == "" {
		return fmt.Errorf("payments: message %s missing transfer ref or contractor", msg.ID)
	}

	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return fmt.Errorf("payments: parse transfer amount %q: %w", p.Amount, err)
	}

	account, err := s.accounts.PayoutAccount(ctx, p.ContractorUserID)
	if err != nil {
		return err
	}

	transferID, err := s.processor.CreateTransfer(ctx, TransferParams{
		TransferRef: p.TransferRef,
		Amount:      amount,
		Destination: account,
		EscrowID:    p.EscrowID,
		Kind:        p.Kind,
	})
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"escrow_id":    p.EscrowID,
		"transfer_ref": p.TransferRef,
		"transfer_id":  transferID,
		"kind":         p.Kind,
		"amount":       p.Amount,
	}).Info("payout transfer created")
	return nil
}
