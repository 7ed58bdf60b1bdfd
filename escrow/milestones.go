package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

var (
	// ErrMilestoneNotFound is returned when no milestone row matches.
	ErrMilestoneNotFound = errors.New("escrow: milestone not found")
	// ErrMilestoneAlreadyPaid guards against a second release for the same
	// milestone.
	ErrMilestoneAlreadyPaid = errors.New("escrow: milestone already paid")
	// ErrMilestoneBudgetExceeded is returned when milestone amounts would sum
	// past the escrow's total project value.
	ErrMilestoneBudgetExceeded = errors.New("escrow: milestone amounts exceed total project value")
	// ErrInsufficientFunds is returned when the funded balance cannot cover a
	// release.
	ErrInsufficientFunds = errors.New("escrow: insufficient funded balance")
)

const milestoneColumns = `id, escrow_id, title, description, percentage::text, payment_amount::text,
    deliverables, verification_notes, due_date, sort_order, status::text, completed_at,
    paid_amount::text, retention_amount::text, payout_ref, paid_at, created_at, updated_at`

func scanMilestone(row pgx.Row) (Milestone, error) {
	var (
		m              Milestone
		pctStr         string
		amountStr      string
		statusStr      string
		paidAmountStr  sql.NullString
		retentionStr   sql.NullString
	)
	err := row.Scan(
		&m.ID,
		&m.EscrowID,
		&m.Title,
		&m.Description,
		&pctStr,
		&amountStr,
		&m.Deliverables,
		&m.VerificationNotes,
		&m.DueDate,
		&m.SortOrder,
		&statusStr,
		&m.CompletedAt,
		&paidAmountStr,
		&retentionStr,
		&m.PayoutRef,
		&m.PaidAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return Milestone{}, err
	}

	if m.Percentage, err = decimal.NewFromString(pctStr); err != nil {
		return Milestone{}, fmt.Errorf("escrow: parse milestone percentage: %w", err)
	}
	if m.PaymentAmount, err = decimal.NewFromString(amountStr); err != nil {
		return Milestone{}, fmt.Errorf("escrow: parse milestone amount: %w", err)
	}
	if paidAmountStr.Valid {
		d, err := decimal.NewFromString(paidAmountStr.String)
		if err != nil {
			return Milestone{}, fmt.Errorf("escrow: parse milestone paid amount: %w", err)
		}
		m.PaidAmount = &d
	}
	if retentionStr.Valid {
		d, err := decimal.NewFromString(retentionStr.String)
		if err != nil {
			return Milestone{}, fmt.Errorf("escrow: parse milestone retention: %w", err)
		}
		m.RetentionAmount = &d
	}
	m.Status = MilestoneStatus(statusStr)
	return m, nil
}

func sumMilestoneAmounts(ctx context.Context, tx pgx.Tx, escrowID string) (decimal.Decimal, error) {
	var sumStr string
	if err := tx.QueryRow(ctx, `SELECT COALESCE(SUM(payment_amount), 0)::text FROM milestones WHERE escrow_id = $1`, escrowID).Scan(&sumStr); err != nil {
		return decimal.Zero, fmt.Errorf("escrow: sum milestone amounts: %w", err)
	}
	sum, err := decimal.NewFromString(sumStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("escrow: parse milestone sum: %w", err)
	}
	return sum, nil
}

// splitRelease computes the retention withheld and the net payable for a
// gross release at the given retention percentage.
func splitRelease(gross, retentionPct decimal.Decimal) (net, retention decimal.Decimal) {
	retention = gross.Mul(retentionPct).Div(decimal.NewFromInt(100)).Round(2)
	net = gross.Sub(retention)
	return net, retention
}

// CreateMilestoneTxParams enumerates the fields for a new milestone.
type CreateMilestoneTxParams struct {
	EscrowID     string
	Title        string
	Description  string
	Amount       decimal.Decimal
	Deliverables []string
	DueDate      *time.Time
	SortOrder    int
	ActorID      string
}

// CreateMilestoneTx inserts a milestone under the escrow row lock, asserting
// that milestone amounts never sum past the total project value.
func (r *Repository) CreateMilestoneTx(ctx context.Context, tx pgx.Tx, params CreateMilestoneTxParams) (Milestone, error) {
	rec, err := r.GetForUpdate(ctx, tx, params.EscrowID)
	if err != nil {
		return Milestone{}, err
	}
	switch rec.Status {
	case StatusClosed:
		return Milestone{}, ErrEscrowClosed
	case StatusDisputed:
		return Milestone{}, ErrEscrowFrozen
	}

	sum, err := sumMilestoneAmounts(ctx, tx, params.EscrowID)
	if err != nil {
		return Milestone{}, err
	}
	if sum.Add(params.Amount).GreaterThan(rec.TotalProjectValue) {
		return Milestone{}, fmt.Errorf("%w: %s + %s > %s", ErrMilestoneBudgetExceeded, sum, params.Amount, rec.TotalProjectValue)
	}

	pct := params.Amount.Div(rec.TotalProjectValue).Mul(decimal.NewFromInt(100)).Round(2)
	if !pct.IsPositive() {
		pct = decimal.RequireFromString("0.01")
	}

	deliverables := params.Deliverables
	if deliverables == nil {
		deliverables = []string{}
	}

	const insertSQL = `
INSERT INTO milestones (escrow_id, title, description, percentage, payment_amount, deliverables, due_date, sort_order)
VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6, $7, $8)
RETURNING ` + milestoneColumns

	m, err := scanMilestone(tx.QueryRow(ctx, insertSQL,
		params.EscrowID,
		params.Title,
		params.Description,
		pct.String(),
		params.Amount.String(),
		deliverables,
		params.DueDate,
		params.SortOrder,
	))
	if err != nil {
		return Milestone{}, fmt.Errorf("escrow: insert milestone: %w", err)
	}

	if err := r.AppendEvent(ctx, tx, params.EscrowID, EventMilestoneCreated, params.ActorID, map[string]any{
		"milestone_id":   m.ID,
		"title":          m.Title,
		"payment_amount": m.PaymentAmount.String(),
	}); err != nil {
		return Milestone{}, err
	}

	return m, nil
}

// CompleteMilestoneTxParams captures one verification call.
type CompleteMilestoneTxParams struct {
	MilestoneID      string
	VerificationNote string
	ActorID          string
	TransferRef      string
}

// MilestoneCompletion reports the effect of a verification: the milestone
// after the call, the payout if the tranche was released, and whether the
// release was the escrow's first.
type MilestoneCompletion struct {
	Milestone    Milestone
	Escrow       Record
	Payout       *Payout
	BecameActive bool
}

// CompleteMilestoneTx marks the milestone complete and, when the escrow is
// funded, releases the tranche net of retention. A milestone verified before
// the escrow is funded stays completed and releases on a later call.
func (r *Repository) CompleteMilestoneTx(ctx context.Context, tx pgx.Tx, params CompleteMilestoneTxParams) (MilestoneCompletion, error) {
	m, err := scanMilestone(tx.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1 FOR UPDATE`, params.MilestoneID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MilestoneCompletion{}, ErrMilestoneNotFound
		}
		return MilestoneCompletion{}, fmt.Errorf("escrow: load milestone: %w", err)
	}
	if m.Status == MilestonePaid {
		return MilestoneCompletion{}, ErrMilestoneAlreadyPaid
	}

	rec, err := r.GetForUpdate(ctx, tx, m.EscrowID)
	if err != nil {
		return MilestoneCompletion{}, err
	}
	switch rec.Status {
	case StatusClosed:
		return MilestoneCompletion{}, ErrEscrowClosed
	case StatusDisputed:
		return MilestoneCompletion{}, ErrEscrowFrozen
	}

	note := strings.TrimSpace(params.VerificationNote)

	if rec.Status == StatusPending {
		updated, err := scanMilestone(tx.QueryRow(ctx, `
UPDATE milestones
SET status = 'completed',
    completed_at = COALESCE(completed_at, get_tx_timestamp()),
    verification_notes = COALESCE(NULLIF($2, ''), verification_notes),
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING `+milestoneColumns, params.MilestoneID, note))
		if err != nil {
			return MilestoneCompletion{}, fmt.Errorf("escrow: mark milestone completed: %w", err)
		}
		if err := r.AppendEvent(ctx, tx, m.EscrowID, EventMilestoneCompleted, params.ActorID, map[string]any{
			"milestone_id": m.ID,
			"released":     false,
		}); err != nil {
			return MilestoneCompletion{}, err
		}
		return MilestoneCompletion{Milestone: updated, Escrow: rec}, nil
	}

	gross := m.PaymentAmount
	net, retention := splitRelease(gross, rec.RetentionPct)
	if rec.Available().LessThan(gross) {
		return MilestoneCompletion{}, fmt.Errorf("%w: need %s, available %s", ErrInsufficientFunds, gross, rec.Available())
	}

	updated, err := scanMilestone(tx.QueryRow(ctx, `
UPDATE milestones
SET status = 'paid',
    completed_at = COALESCE(completed_at, get_tx_timestamp()),
    verification_notes = COALESCE(NULLIF($2, ''), verification_notes),
    paid_amount = $3::numeric,
    retention_amount = $4::numeric,
    payout_ref = $5,
    paid_at = get_tx_timestamp(),
    updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING `+milestoneColumns, params.MilestoneID, note, net.String(), retention.String(), params.TransferRef))
	if err != nil {
		return MilestoneCompletion{}, fmt.Errorf("escrow: mark milestone paid: %w", err)
	}

	payout, err := r.InsertPayout(ctx, tx, PayoutParams{
		EscrowID:    m.EscrowID,
		Kind:        PayoutMilestone,
		MilestoneID: &m.ID,
		Amount:      net,
		TransferRef: params.TransferRef,
	})
	if err != nil {
		return MilestoneCompletion{}, err
	}

	if _, err := tx.Exec(ctx, `
UPDATE escrows
SET released_amount = released_amount + $1::numeric,
    retention_held = retention_held + $2::numeric,
    updated_at = get_tx_timestamp()
WHERE id = $3
`, net.String(), retention.String(), m.EscrowID); err != nil {
		return MilestoneCompletion{}, fmt.Errorf("escrow: debit release: %w", err)
	}

	if err := r.AppendEvent(ctx, tx, m.EscrowID, EventMilestonePaid, params.ActorID, map[string]any{
		"milestone_id": m.ID,
		"gross":        gross.String(),
		"net":          net.String(),
		"retention":    retention.String(),
		"transfer_ref": params.TransferRef,
	}); err != nil {
		return MilestoneCompletion{}, err
	}

	completion := MilestoneCompletion{Milestone: updated, Payout: &payout}

	if rec.Status == StatusFunded {
		if _, err := r.TransitionStatus(ctx, tx, m.EscrowID, StatusActive, params.ActorID, nil); err != nil {
			return MilestoneCompletion{}, err
		}
		completion.BecameActive = true
	}

	if err := r.EnqueueOutbox(ctx, tx, TopicTransferRequested, map[string]any{
		"transfer_ref":       params.TransferRef,
		"escrow_id":          m.EscrowID,
		"kind":               string(PayoutMilestone),
		"milestone_id":       m.ID,
		"amount":             net.String(),
		"contractor_user_id": rec.ContractorUserID,
	}); err != nil {
		return MilestoneCompletion{}, err
	}
	if err := r.EnqueueOutbox(ctx, tx, TopicMilestonePaidMail, map[string]any{
		"escrow_id":          m.EscrowID,
		"milestone_id":       m.ID,
		"milestone_title":    m.Title,
		"net_amount":         net.String(),
		"retention_withheld": retention.String(),
		"contractor_user_id": rec.ContractorUserID,
		"client_user_id":     rec.ClientUserID,
	}); err != nil {
		return MilestoneCompletion{}, err
	}
	if err := r.EnqueueOutbox(ctx, tx, TopicPaymentRecorded, map[string]any{
		"kind":         string(PayoutMilestone),
		"escrow_id":    m.EscrowID,
		"milestone_id": m.ID,
		"amount":       net.String(),
		"transfer_ref": params.TransferRef,
	}); err != nil {
		return MilestoneCompletion{}, err
	}

	escrowAfter, err := r.GetForUpdate(ctx, tx, m.EscrowID)
	if err != nil {
		return MilestoneCompletion{}, err
	}
	completion.Escrow = escrowAfter

	return completion, nil
}

type milestoneRepository interface {
	CreateMilestoneTx(ctx context.Context, tx pgx.Tx, params CreateMilestoneTxParams) (Milestone, error)
	CompleteMilestoneTx(ctx context.Context, tx pgx.Tx, params CompleteMilestoneTxParams) (MilestoneCompletion, error)
}

// MilestoneService coordinates milestone creation and verification.
type MilestoneService struct {
	pool  TxBeginner
	repo  milestoneRepository
	now   func() time.Time
	idGen func() string
}

func NewMilestoneService(pool TxBeginner, repo milestoneRepository) *MilestoneService {
	if repo == nil {
		repo = NewRepository()
	}
	return &MilestoneService{
		pool:  pool,
		repo:  repo,
		now:   time.Now,
		idGen: func() string { return uuid.NewString() },
	}
}

func (s *MilestoneService) WithClock(now func() time.Time) *MilestoneService {
	s.now = now
	return s
}

func (s *MilestoneService) WithIDGenerator(gen func() string) *MilestoneService {
	s.idGen = gen
	return s
}

type CreateMilestoneParams struct {
	EscrowID     string
	Title        string
	Description  string
	Amount       decimal.Decimal
	Deliverables []string
	DueDate      *time.Time
	SortOrder    int
	ActorID      string
}

func (s *MilestoneService) Create(ctx context.Context, params CreateMilestoneParams) (Milestone, error) {
	if params.EscrowID == "" {
		return Milestone{}, fmt.Errorf("escrow: milestone missing escrow id")
	}
	if strings.TrimSpace(params.Title) == "" {
		return Milestone{}, fmt.Errorf("escrow: milestone title required")
	}
	if !params.Amount.IsPositive() {
		return Milestone{}, fmt.Errorf("escrow: milestone amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Milestone{}, fmt.Errorf("escrow: begin milestone tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := s.repo.CreateMilestoneTx(ctx, tx, CreateMilestoneTxParams{
		EscrowID:     params.EscrowID,
		Title:        strings.TrimSpace(params.Title),
		Description:  params.Description,
		Amount:       params.Amount,
		Deliverables: params.Deliverables,
		DueDate:      params.DueDate,
		SortOrder:    params.SortOrder,
		ActorID:      params.ActorID,
	})
	if err != nil {
		return Milestone{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Milestone{}, fmt.Errorf("escrow: commit milestone tx: %w", err)
	}

	return m, nil
}

type CompleteMilestoneParams struct {
	MilestoneID      string
	VerificationNote string
	ActorID          string
}

func (s *MilestoneService) Complete(ctx context.Context, params CompleteMilestoneParams) (MilestoneCompletion, error) {
	if params.MilestoneID == "" {
		return MilestoneCompletion{}, fmt.Errorf("escrow: missing milestone id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return MilestoneCompletion{}, fmt.Errorf("escrow: begin completion tx: %w", err)
	}
	defer tx.Rollback(ctx)

	completion, err := s.repo.CompleteMilestoneTx(ctx, tx, CompleteMilestoneTxParams{
		MilestoneID:      params.MilestoneID,
		VerificationNote: params.VerificationNote,
		ActorID:          params.ActorID,
		TransferRef:      "pay_" + s.idGen(),
	})
	if err != nil {
		return MilestoneCompletion{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return MilestoneCompletion{}, fmt.Errorf("escrow: commit completion tx: %w", err)
	}

	return completion, nil
}
