package dispute

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound  = errors.New("dispute: not found")
	ErrForbidden = errors.New("dispute: forbidden")
	ErrBadStatus = errors.New("dispute: invalid status transition")
	// ErrAlreadyOpen is returned when the escrow already has an unresolved
	// dispute.
	ErrAlreadyOpen = errors.New("dispute: escrow already has an open dispute")
	// ErrBadReference is returned when the disputed milestone or task does
	// not belong to the escrow.
	ErrBadReference = errors.New("dispute: referenced item not part of escrow")
)

const disputeColumns = `id, escrow_id, milestone_id, task_payment_id, raised_by_user_id, respondent_user_id,
    reason, amount::text, status::text, mediation_requested_at, resolution, resolved_by_user_id, resolved_at,
    created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec       Record
		amountStr sql.NullString
		statusStr string
	)
	err := row.Scan(
		&rec.ID,
		&rec.EscrowID,
		&rec.MilestoneID,
		&rec.TaskPaymentID,
		&rec.RaisedByUserID,
		&rec.RespondentUserID,
		&rec.Reason,
		&amountStr,
		&statusStr,
		&rec.MediationRequestedAt,
		&rec.Resolution,
		&rec.ResolvedByUserID,
		&rec.ResolvedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}
	rec.Status = Status(statusStr)
	if amountStr.Valid {
		amount, err := decimal.NewFromString(amountStr.String)
		if err != nil {
			return Record{}, fmt.Errorf("dispute: parse amount: %w", err)
		}
		rec.Amount = &amount
	}
	return rec, nil
}

// Repository holds no state; every method runs inside a caller-provided
// transaction.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return rec, nil
}

// InsertParams enumerates the fields for a new dispute row.
type InsertParams struct {
	EscrowID         string
	MilestoneID      *string
	TaskPaymentID    *string
	RaisedByUserID   string
	RespondentUserID string
	Reason           string
	Amount           *decimal.Decimal
}

// Insert appends a new open dispute. The partial unique index rejects a
// second unresolved dispute on the same escrow.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, params InsertParams) (Record, error) {
	const q = `
INSERT INTO disputes (escrow_id, milestone_id, task_payment_id, raised_by_user_id, respondent_user_id, reason, amount)
VALUES ($1, $2, $3, $4, $5, $6, $7::numeric)
RETURNING ` + disputeColumns

	var amount any
	if params.Amount != nil {
		amount = params.Amount.String()
	}

	rec, err := scanRecord(tx.QueryRow(ctx, q,
		params.EscrowID,
		params.MilestoneID,
		params.TaskPaymentID,
		params.RaisedByUserID,
		params.RespondentUserID,
		params.Reason,
		amount,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyOpen
		}
		return Record{}, fmt.Errorf("dispute: insert: %w", err)
	}
	return rec, nil
}

// VerifyItemBelongs checks that a disputed milestone or task payment is part
// of the escrow.
func (r *Repository) VerifyItemBelongs(ctx context.Context, tx pgx.Tx, escrowID string, milestoneID, taskPaymentID *string) error {
	check := func(table string, id string) error {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM `+table+` WHERE id = $1 AND escrow_id = $2`, id, escrowID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrBadReference
		}
		if err != nil {
			return fmt.Errorf("dispute: check %s reference: %w", table, err)
		}
		return nil
	}
	if milestoneID != nil {
		if err := check("milestones", *milestoneID); err != nil {
			return err
		}
	}
	if taskPaymentID != nil {
		if err := check("task_payments", *taskPaymentID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) MarkMediationRequested(ctx context.Context, tx pgx.Tx, disputeID string) (Record, error) {
	const q = `
UPDATE disputes
SET status = 'mediation_requested', mediation_requested_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING ` + disputeColumns

	rec, err := scanRecord(tx.QueryRow(ctx, q, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: mark mediation: %w", err)
	}
	return rec, nil
}

func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, disputeID, resolution, resolvedBy string) (Record, error) {
	const q = `
UPDATE disputes
SET status = 'resolved', resolution = $2, resolved_by_user_id = $3::uuid, resolved_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
WHERE id = $1
RETURNING ` + disputeColumns

	rec, err := scanRecord(tx.QueryRow(ctx, q, disputeID, resolution, resolvedBy))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}
	return rec, nil
}
