package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"namcportal/dispute"
	"namcportal/escrow"
	"namcportal/outbox"
)

// Directory resolves a user id to a deliverable address. Outbox payloads
// carry ids only; addresses are looked up at send time so a member who
// changes their email keeps receiving mail.
type Directory interface {
	Lookup(ctx context.Context, userID string) (Recipient, error)
}

// PGDirectory looks recipients up in the users table.
type PGDirectory struct {
	pool *pgxpool.Pool
}

func NewDirectory(pool *pgxpool.Pool) *PGDirectory {
	return &PGDirectory{pool: pool}
}

func (d *PGDirectory) Lookup(ctx context.Context, userID string) (Recipient, error) {
	var rec Recipient
	err := d.pool.QueryRow(ctx,
		`SELECT email, full_name FROM users WHERE id = $1`, userID,
	).Scan(&rec.Email, &rec.FullName)
	if errors.Is(err, pgx.ErrNoRows) {
		return Recipient{}, fmt.Errorf("notify: no user %s", userID)
	}
	if err != nil {
		return Recipient{}, fmt.Errorf("notify: lookup recipient: %w", err)
	}
	return rec, nil
}

// MailSink consumes mail-family outbox messages, renders the matching
// template and hands the result to the configured sender.
type MailSink struct {
	sender    Sender
	directory Directory
	logger    *logrus.Logger
}

func NewMailSink(sender Sender, directory Directory, logger *logrus.Logger) *MailSink {
	return &MailSink{sender: sender, directory: directory, logger: logger}
}

type fundingReceiptPayload struct {
	EscrowID     string `json:"escrow_id"`
	ClientUserID string `json:"client_user_id"`
	Amount       string `json:"amount"`
	FundedAmount string `json:"funded_amount"`
	TotalValue   string `json:"total_value"`
}

type milestonePaidPayload struct {
	EscrowID          string `json:"escrow_id"`
	MilestoneID       string `json:"milestone_id"`
	MilestoneTitle    string `json:"milestone_title"`
	NetAmount         string `json:"net_amount"`
	RetentionWithheld string `json:"retention_withheld"`
	ContractorUserID  string `json:"contractor_user_id"`
	ClientUserID      string `json:"client_user_id"`
}

type disputeOpenedPayload struct {
	DisputeID  string `json:"dispute_id"`
	EscrowID   string `json:"escrow_id"`
	ProjectID  string `json:"project_id"`
	RaisedBy   string `json:"raised_by"`
	Respondent string `json:"respondent"`
	Reason     string `json:"reason"`
}

type disputePartiesPayload struct {
	DisputeID  string `json:"dispute_id"`
	EscrowID   string `json:"escrow_id"`
	RaisedBy   string `json:"raised_by"`
	Respondent string `json:"respondent"`
}

type disputeResolvedPayload struct {
	DisputeID  string `json:"dispute_id"`
	EscrowID   string `json:"escrow_id"`
	RaisedBy   string `json:"raised_by"`
	Respondent string `json:"respondent"`
	Resolution string `json:"resolution"`
}

// Deliver renders and sends every email a message calls for. Redelivery
// after a partial failure can repeat an earlier send; recipients may see
// a duplicate but never a gap.
func (s *MailSink) Deliver(ctx context.Context, msg outbox.Message) error {
	emails, err := s.compose(ctx, msg)
	if err != nil {
		return err
	}
	for _, email := range emails {
		if err := s.sender.Send(ctx, email); err != nil {
			return err
		}
	}
	return nil
}

func (s *MailSink) compose(ctx context.Context, msg outbox.Message) ([]Email, error) {
	switch msg.Topic {
	case escrow.TopicFundingReceipt:
		var p fundingReceiptPayload
		if err := s.decode(msg, &p); err != nil {
			return nil, err
		}
		client, err := s.directory.Lookup(ctx, p.ClientUserID)
		if err != nil {
			return nil, err
		}
		email, err := composeFundingReceipt(p, client)
		if err != nil {
			return nil, err
		}
		return []Email{email}, nil

	case escrow.TopicMilestonePaidMail:
		var p milestonePaidPayload
		if err := s.decode(msg, &p); err != nil {
			return nil, err
		}
		return s.toParties(ctx, p.ContractorUserID, p.ClientUserID, func(to Recipient) (Email, error) {
			return composeMilestonePaid(p, to)
		})

	case dispute.TopicDisputeOpened:
		var p disputeOpenedPayload
		if err := s.decode(msg, &p); err != nil {
			return nil, err
		}
		respondent, err := s.directory.Lookup(ctx, p.Respondent)
		if err != nil {
			return nil, err
		}
		email, err := composeDisputeOpened(p, respondent)
		if err != nil {
			return nil, err
		}
		return []Email{email}, nil

	case dispute.TopicDisputeMediated:
		var p disputePartiesPayload
		if err := s.decode(msg, &p); err != nil {
			return nil, err
		}
		return s.toParties(ctx, p.RaisedBy, p.Respondent, composeDisputeMediation)

	case dispute.TopicDisputeResolved:
		var p disputeResolvedPayload
		if err := s.decode(msg, &p); err != nil {
			return nil, err
		}
		return s.toParties(ctx, p.RaisedBy, p.Respondent, func(to Recipient) (Email, error) {
			return composeDisputeResolved(p, to)
		})

	default:
		s.logger.WithField("topic", msg.Topic).Warn("no template for mail topic, dropping message")
		return nil, nil
	}
}

func (s *MailSink) decode(msg outbox.Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("notify: decode %s payload: %w", msg.Topic, err)
	}
	return nil
}

func (s *MailSink) toParties(ctx context.Context, firstID, secondID string, compose func(Recipient) (Email, error)) ([]Email, error) {
	emails := make([]Email, 0, 2)
	for _, userID := range []string{firstID, secondID} {
		to, err := s.directory.Lookup(ctx, userID)
		if err != nil {
			return nil, err
		}
		email, err := compose(to)
		if err != nil {
			return nil, err
		}
		emails = append(emails, email)
	}
	return emails, nil
}
