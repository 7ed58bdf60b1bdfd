package dispute

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen      Status = "open"
	StatusMediation Status = "mediation_requested"
	StatusResolved  Status = "resolved"
)

// Record mirrors the disputes table. A dispute freezes its escrow until it
// is resolved; while one is unresolved no other can open on the same escrow.
type Record struct {
	ID                   string
	EscrowID             string
	MilestoneID          *string
	TaskPaymentID        *string
	RaisedByUserID       string
	RespondentUserID     string
	Reason               string
	Amount               *decimal.Decimal
	Status               Status
	MediationRequestedAt *time.Time
	Resolution           *string
	ResolvedByUserID     *string
	ResolvedAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Outbox topics the relay routes to the mailer.
const (
	TopicDisputeOpened   = "mail.dispute.opened"
	TopicDisputeMediated = "mail.dispute.mediation"
	TopicDisputeResolved = "mail.dispute.resolved"
)
