package hubspot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"namcportal/outbox"
)

// CRM is the slice of the client the sink needs.
type CRM interface {
	UpsertContact(ctx context.Context, params ContactParams) (string, error)
	CreateNote(ctx context.Context, contactID, body string) error
}

// ContactRecorder stores the vendor contact id back on the member profile.
// The member service implements it.
type ContactRecorder interface {
	RecordCRMContact(ctx context.Context, userID, crmContactID string) error
}

// Sink mirrors member and project activity into the CRM. It consumes the
// crm.* outbox topics; redelivery is safe because the contact upsert is
// keyed by email.
type Sink struct {
	crm     CRM
	members ContactRecorder
	pool    *pgxpool.Pool
	logger  *logrus.Logger
}

func NewSink(crm CRM, members ContactRecorder, pool *pgxpool.Pool, logger *logrus.Logger) *Sink {
	return &Sink{crm: crm, members: members, pool: pool, logger: logger}
}

type contactPayload struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	FullName    string `json:"full_name"`
	CompanyName string `json:"company_name"`
	Phone       string `json:"phone"`
	Role        string `json:"role"`
}

type projectAwardedPayload struct {
	ProjectID    string `json:"project_id"`
	ContractorID string `json:"contractor_id"`
	EscrowID     string `json:"escrow_id"`
}

func (s *Sink) Deliver(ctx context.Context, msg outbox.Message) error {
	switch msg.Topic {
	case "crm.member.registered", "crm.contact.upsert":
		return s.upsertContact(ctx, msg)
	case "crm.project.awarded":
		return s.noteProjectAward(ctx, msg)
	default:
		return fmt.Errorf("hubspot: unhandled topic %s", msg.Topic)
	}
}

func (s *Sink) upsertContact(ctx context.Context, msg outbox.Message) error {
	var p contactPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("hubspot: decode %s payload: %w", msg.Topic, err)
	}

	contactID, err := s.crm.UpsertContact(ctx, ContactParams{
		Email:       p.Email,
		FullName:    p.FullName,
		CompanyName: p.CompanyName,
		Phone:       p.Phone,
		Role:        p.Role,
	})
	if err != nil {
		return err
	}

	if err := s.members.RecordCRMContact(ctx, p.UserID, contactID); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":    p.UserID,
		"contact_id": contactID,
		"topic":      msg.Topic,
	}).Info("crm contact synced")
	return nil
}

func (s *Sink) noteProjectAward(ctx context.Context, msg outbox.Message) error {
	var p projectAwardedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("hubspot: decode %s payload: %w", msg.Topic, err)
	}

	var contactID *string
	err := s.pool.QueryRow(ctx,
		`SELECT crm_contact_id FROM member_profiles WHERE user_id = $1`, p.ContractorID,
	).Scan(&contactID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("hubspot: no member profile for user %s", p.ContractorID)
		}
		return fmt.Errorf("hubspot: query crm contact: %w", err)
	}
	if contactID == nil || *contactID == "" {
		// The registration sync has not landed yet; the relay retries.
		return fmt.Errorf("hubspot: contractor %s has no crm contact yet", p.ContractorID)
	}

	var title string
	if err := s.pool.QueryRow(ctx,
		`SELECT title FROM projects WHERE id = $1`, p.ProjectID,
	).Scan(&title); err != nil {
		return fmt.Errorf("hubspot: query project title: %w", err)
	}

	note := fmt.Sprintf("Awarded project %q. Escrow %s opened.", title, p.EscrowID)
	if err := s.crm.CreateNote(ctx, *contactID, note); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"project_id": p.ProjectID,
		"contact_id": *contactID,
	}).Info("crm award note created")
	return nil
}
