package dispute

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"namcportal/auth"
	"namcportal/escrow"
)

// disputeRepository is the transactional data access the service needs.
type disputeRepository interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error)
	Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Record, error)
	VerifyItemBelongs(ctx context.Context, tx pgx.Tx, escrowID string, milestoneID, taskPaymentID *string) error
	MarkMediationRequested(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, disputeID, resolution, resolvedBy string) (Record, error)
}

// escrowStore is the slice of the escrow repository used to freeze and
// restore the disputed escrow.
type escrowStore interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, escrowID string) (escrow.Record, error)
	TransitionStatus(ctx context.Context, tx pgx.Tx, escrowID string, next escrow.Status, actorID string, extra map[string]any) (escrow.Status, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, escrowID, eventType, actorID string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service coordinates dispute lifecycle and the escrow freeze it implies.
type Service struct {
	pool    escrow.TxBeginner
	repo    disputeRepository
	escrows escrowStore
}

func NewService(pool escrow.TxBeginner, repo disputeRepository, escrows escrowStore) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	if escrows == nil {
		escrows = escrow.NewRepository()
	}
	return &Service{pool: pool, repo: repo, escrows: escrows}
}

// CreateParams captures a new dispute from one of the escrow parties.
type CreateParams struct {
	EscrowID      string
	MilestoneID   *string
	TaskPaymentID *string
	Reason        string
	Amount        *decimal.Decimal
	ActorID       string
	ActorRole     auth.Role
}

// Create opens a dispute and freezes the escrow. No milestone payment, task
// verification, or retention release can happen until it resolves.
func (s *Service) Create(ctx context.Context, params CreateParams) (Record, error) {
	if params.EscrowID == "" {
		return Record{}, fmt.Errorf("dispute: missing escrow id")
	}
	if strings.TrimSpace(params.Reason) == "" {
		return Record{}, fmt.Errorf("dispute: reason required")
	}
	if params.Amount != nil && !params.Amount.IsPositive() {
		return Record{}, fmt.Errorf("dispute: disputed amount must be positive")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	esc, err := s.escrows.GetForUpdate(ctx, tx, params.EscrowID)
	if err != nil {
		return Record{}, err
	}

	var respondent string
	switch params.ActorID {
	case esc.ClientUserID:
		respondent = esc.ContractorUserID
	case esc.ContractorUserID:
		respondent = esc.ClientUserID
	default:
		return Record{}, ErrForbidden
	}

	switch esc.Status {
	case escrow.StatusClosed:
		return Record{}, fmt.Errorf("%w: escrow is closed", ErrBadStatus)
	case escrow.StatusDisputed:
		return Record{}, ErrAlreadyOpen
	}

	if err := s.repo.VerifyItemBelongs(ctx, tx, params.EscrowID, params.MilestoneID, params.TaskPaymentID); err != nil {
		return Record{}, err
	}

	rec, err := s.repo.Insert(ctx, tx, InsertParams{
		EscrowID:         params.EscrowID,
		MilestoneID:      params.MilestoneID,
		TaskPaymentID:    params.TaskPaymentID,
		RaisedByUserID:   params.ActorID,
		RespondentUserID: respondent,
		Reason:           strings.TrimSpace(params.Reason),
		Amount:           params.Amount,
	})
	if err != nil {
		return Record{}, err
	}

	if _, err := s.escrows.TransitionStatus(ctx, tx, params.EscrowID, escrow.StatusDisputed, params.ActorID, map[string]any{
		"dispute_id": rec.ID,
	}); err != nil {
		return Record{}, err
	}

	payload := map[string]any{
		"dispute_id": rec.ID,
		"reason":     rec.Reason,
	}
	if rec.MilestoneID != nil {
		payload["milestone_id"] = *rec.MilestoneID
	}
	if rec.TaskPaymentID != nil {
		payload["task_payment_id"] = *rec.TaskPaymentID
	}
	if rec.Amount != nil {
		payload["amount"] = rec.Amount.String()
	}
	if err := s.escrows.AppendEvent(ctx, tx, params.EscrowID, escrow.EventDisputeOpened, params.ActorID, payload); err != nil {
		return Record{}, err
	}

	if err := s.escrows.EnqueueOutbox(ctx, tx, TopicDisputeOpened, map[string]any{
		"dispute_id": rec.ID,
		"escrow_id":  rec.EscrowID,
		"project_id": esc.ProjectID,
		"raised_by":  rec.RaisedByUserID,
		"respondent": rec.RespondentUserID,
		"reason":     rec.Reason,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit create tx: %w", err)
	}

	return rec, nil
}

// MediationParams identifies the dispute moving to mediation.
type MediationParams struct {
	DisputeID string
	ActorID   string
	ActorRole auth.Role
}

// RequestMediation moves an open dispute to mediation_requested. Either the
// submitter or the respondent can ask.
func (s *Service) RequestMediation(ctx context.Context, params MediationParams) (Record, error) {
	if params.DisputeID == "" {
		return Record{}, fmt.Errorf("dispute: missing dispute id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin mediation tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if params.ActorID != rec.RaisedByUserID && params.ActorID != rec.RespondentUserID {
		return Record{}, ErrForbidden
	}
	if rec.Status != StatusOpen {
		return Record{}, fmt.Errorf("%w: %s -> %s", ErrBadStatus, rec.Status, StatusMediation)
	}

	updated, err := s.repo.MarkMediationRequested(ctx, tx, params.DisputeID)
	if err != nil {
		return Record{}, err
	}

	if err := s.escrows.AppendEvent(ctx, tx, rec.EscrowID, escrow.EventDisputeMediation, params.ActorID, map[string]any{
		"dispute_id": rec.ID,
	}); err != nil {
		return Record{}, err
	}

	if err := s.escrows.EnqueueOutbox(ctx, tx, TopicDisputeMediated, map[string]any{
		"dispute_id": rec.ID,
		"escrow_id":  rec.EscrowID,
		"raised_by":  rec.RaisedByUserID,
		"respondent": rec.RespondentUserID,
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit mediation tx: %w", err)
	}

	return updated, nil
}

// ResolveParams records the outcome an admin reached with the parties.
type ResolveParams struct {
	DisputeID  string
	Resolution string
	ActorID    string
	ActorRole  auth.Role
}

// Resolve closes the dispute and restores the escrow to the status it held
// before the freeze.
func (s *Service) Resolve(ctx context.Context, params ResolveParams) (Record, error) {
	if params.DisputeID == "" {
		return Record{}, fmt.Errorf("dispute: missing dispute id")
	}
	if strings.TrimSpace(params.Resolution) == "" {
		return Record{}, fmt.Errorf("dispute: resolution required")
	}
	if params.ActorRole != auth.RoleAdmin {
		return Record{}, ErrForbidden
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin resolve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, params.DisputeID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusResolved {
		return Record{}, fmt.Errorf("%w: already resolved", ErrBadStatus)
	}

	resolved, err := s.repo.MarkResolved(ctx, tx, params.DisputeID, strings.TrimSpace(params.Resolution), params.ActorID)
	if err != nil {
		return Record{}, err
	}

	esc, err := s.escrows.GetForUpdate(ctx, tx, rec.EscrowID)
	if err != nil {
		return Record{}, err
	}
	if esc.Status == escrow.StatusDisputed {
		restore := escrow.StatusActive
		if esc.StatusBeforeDispute != nil {
			restore = *esc.StatusBeforeDispute
		}
		if _, err := s.escrows.TransitionStatus(ctx, tx, rec.EscrowID, restore, params.ActorID, map[string]any{
			"dispute_id": rec.ID,
		}); err != nil {
			return Record{}, err
		}
	}

	if err := s.escrows.AppendEvent(ctx, tx, rec.EscrowID, escrow.EventDisputeResolved, params.ActorID, map[string]any{
		"dispute_id": rec.ID,
		"resolution": strings.TrimSpace(params.Resolution),
	}); err != nil {
		return Record{}, err
	}

	if err := s.escrows.EnqueueOutbox(ctx, tx, TopicDisputeResolved, map[string]any{
		"dispute_id": rec.ID,
		"escrow_id":  rec.EscrowID,
		"raised_by":  rec.RaisedByUserID,
		"respondent": rec.RespondentUserID,
		"resolution": strings.TrimSpace(params.Resolution),
	}); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit resolve tx: %w", err)
	}

	return resolved, nil
}
