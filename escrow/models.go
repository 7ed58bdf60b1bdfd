package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusFunded   Status = "funded"
	StatusActive   Status = "active"
	StatusDisputed Status = "disputed"
	StatusClosed   Status = "closed"
)

// DefaultRetentionPct is the retention withheld from each release when the
// escrow is materialized from a match acceptance. Construction retainage in
// California typically runs at five percent.
var DefaultRetentionPct = decimal.NewFromInt(5)

// Record mirrors the escrows table columns touched by the services.
type Record struct {
	ID                  string
	ProjectID           string
	ClientUserID        string
	ContractorUserID    string
	TotalProjectValue   decimal.Decimal
	FundedAmount        decimal.Decimal
	ReleasedAmount      decimal.Decimal
	RetentionPct        decimal.Decimal
	RetentionHeld       decimal.Decimal
	RetentionReleasedAt *time.Time
	Status              Status
	StatusBeforeDispute *Status
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Available reports how much funded money is not yet committed to payouts
// or withheld as retention.
func (r Record) Available() decimal.Decimal {
	return r.FundedAmount.Sub(r.ReleasedAmount).Sub(r.RetentionHeld)
}

type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneCompleted MilestoneStatus = "completed"
	MilestonePaid      MilestoneStatus = "paid"
)

type Milestone struct {
	ID                string
	EscrowID          string
	Title             string
	Description       string
	Percentage        decimal.Decimal
	PaymentAmount     decimal.Decimal
	Deliverables      []string
	VerificationNotes *string
	DueDate           *time.Time
	SortOrder         int
	Status            MilestoneStatus
	CompletedAt       *time.Time
	PaidAmount        *decimal.Decimal
	RetentionAmount   *decimal.Decimal
	PayoutRef         *string
	PaidAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type TaskPaymentStatus string

const (
	TaskPending  TaskPaymentStatus = "pending"
	TaskReleased TaskPaymentStatus = "released"
	TaskRejected TaskPaymentStatus = "rejected"
)

type TaskPayment struct {
	ID               string
	EscrowID         string
	TaskName         string
	Amount           decimal.Decimal
	QualityThreshold int
	QualityScore     *int
	EvidenceURL      *string
	EvidenceText     *string
	EvidenceAddedAt  *time.Time
	VerificationNote *string
	Status           TaskPaymentStatus
	VerifiedBy       *string
	VerifiedAt       *time.Time
	PayoutRef        *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type FundingStatus string

const (
	FundingPending   FundingStatus = "pending"
	FundingSucceeded FundingStatus = "succeeded"
	FundingFailed    FundingStatus = "failed"
)

// Funding records one payment-intent's worth of money headed into an escrow.
type Funding struct {
	ID              string
	EscrowID        string
	Amount          decimal.Decimal
	PaymentIntentID string
	Status          FundingStatus
	ConfirmedAt     *time.Time
	CreatedAt       time.Time
}

type PayoutKind string

const (
	PayoutMilestone PayoutKind = "milestone"
	PayoutTask      PayoutKind = "task"
	PayoutRetention PayoutKind = "retention"
)

// Payout is one row of the append-only release ledger.
type Payout struct {
	ID            string
	EscrowID      string
	Kind          PayoutKind
	MilestoneID   *string
	TaskPaymentID *string
	Amount        decimal.Decimal
	TransferRef   string
	CreatedAt     time.Time
}

// Event captures an immutable business event for an escrow. Seq is assigned
// by the database and is strictly increasing per escrow.
type Event struct {
	ID        int64
	EscrowID  string
	Seq       int
	Type      string
	ActorID   *string
	Payload   []byte
	CreatedAt time.Time
}

const (
	EventEscrowCreated      = "ESCROW_CREATED"
	EventStatusChanged      = "ESCROW_STATUS_CHANGED"
	EventFundingRequested   = "FUNDING_REQUESTED"
	EventFundingSucceeded   = "FUNDING_SUCCEEDED"
	EventChangeOrderApplied = "CHANGE_ORDER_APPLIED"
	EventMilestoneCreated   = "MILESTONE_CREATED"
	EventMilestoneCompleted = "MILESTONE_COMPLETED"
	EventMilestonePaid      = "MILESTONE_PAID"
	EventTaskCreated        = "TASK_PAYMENT_CREATED"
	EventTaskEvidenceAdded  = "TASK_EVIDENCE_ATTACHED"
	EventTaskVerified       = "TASK_PAYMENT_VERIFIED"
	EventRetentionReleased  = "RETENTION_RELEASED"
	EventDisputeOpened      = "DISPUTE_OPENED"
	EventDisputeMediation   = "DISPUTE_MEDIATION_REQUESTED"
	EventDisputeResolved    = "DISPUTE_RESOLVED"
)

const (
	// TopicTransferRequested asks the relay to move a payout through the
	// payment processor, keyed by the payout's transfer_ref.
	TopicTransferRequested = "payments.transfer.requested"
	TopicFundingReceipt    = "mail.funding.receipt"
	TopicMilestonePaidMail = "mail.milestone.completed"
	TopicPaymentRecorded   = "books.payment.recorded"
)
