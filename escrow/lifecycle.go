package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

var (
	// ErrEscrowClosed is returned when an operation targets a closed escrow.
	ErrEscrowClosed = errors.New("escrow: escrow is closed")
	// ErrEscrowFrozen is returned when an open dispute blocks the operation.
	ErrEscrowFrozen = errors.New("escrow: frozen by open dispute")
	// ErrChangeOrderTooLow is returned when the adjusted total would fall
	// below committed milestone amounts or money already released.
	ErrChangeOrderTooLow = errors.New("escrow: change order below committed amounts")
	// ErrMilestonesOutstanding blocks retention release while any milestone
	// is unpaid.
	ErrMilestonesOutstanding = errors.New("escrow: milestones outstanding")
	// ErrTasksOutstanding blocks retention release while any task payment is
	// unverified.
	ErrTasksOutstanding = errors.New("escrow: task payments outstanding")
)

// ChangeOrderTxParams captures one total-value adjustment.
type ChangeOrderTxParams struct {
	EscrowID    string
	AmountDelta decimal.Decimal
	Description string
	ActorID     string
}

// ApplyChangeOrder adjusts the escrow's total project value inside the active
// transaction. The new total may not fall below the sum of milestone amounts
// or below the money already released or withheld.
func (r *Repository) ApplyChangeOrder(ctx context.Context, tx pgx.Tx, params ChangeOrderTxParams) (Record, error) {
	rec, err := r.GetForUpdate(ctx, tx, params.EscrowID)
	if err != nil {
		return Record{}, err
	}
	switch rec.Status {
	case StatusClosed:
		return Record{}, ErrEscrowClosed
	case StatusDisputed:
		return Record{}, ErrEscrowFrozen
	}

	newTotal := rec.TotalProjectValue.Add(params.AmountDelta)
	if !newTotal.IsPositive() {
		return Record{}, fmt.Errorf("%w: new total %s", ErrChangeOrderTooLow, newTotal)
	}

	milestoneSum, err := sumMilestoneAmounts(ctx, tx, params.EscrowID)
	if err != nil {
		return Record{}, err
	}
	if newTotal.LessThan(milestoneSum) {
		return Record{}, fmt.Errorf("%w: new total %s below milestone sum %s", ErrChangeOrderTooLow, newTotal, milestoneSum)
	}

	committed := rec.ReleasedAmount.Add(rec.RetentionHeld)
	if newTotal.LessThan(committed) {
		return Record{}, fmt.Errorf("%w: new total %s below released %s", ErrChangeOrderTooLow, newTotal, committed)
	}

	updated, err := scanRecord(tx.QueryRow(ctx, `
UPDATE escrows
SET total_project_value = $1::numeric,
    updated_at = get_tx_timestamp()
WHERE id = $2
RETURNING `+escrowColumns, newTotal.String(), params.EscrowID))
	if err != nil {
		return Record{}, fmt.Errorf("escrow: apply change order: %w", err)
	}

	if err := r.AppendEvent(ctx, tx, params.EscrowID, EventChangeOrderApplied, params.ActorID, map[string]any{
		"amount_delta": params.AmountDelta.String(),
		"new_total":    newTotal.String(),
		"description":  params.Description,
	}); err != nil {
		return Record{}, err
	}

	return updated, nil
}

// ReleaseRetentionTxParams captures the final retention release.
type ReleaseRetentionTxParams struct {
	EscrowID    string
	ActorID     string
	TransferRef string
}

// RetentionReleased reports the closing state of the escrow and the payout
// that released the withheld retention, if any was held.
type RetentionReleased struct {
	Record Record
	Payout *Payout
}

// ReleaseRetentionTx pays out the withheld retention and closes the escrow.
// Every milestone must be paid and every task payment settled first.
func (r *Repository) ReleaseRetentionTx(ctx context.Context, tx pgx.Tx, params ReleaseRetentionTxParams) (RetentionReleased, error) {
	rec, err := r.GetForUpdate(ctx, tx, params.EscrowID)
	if err != nil {
		return RetentionReleased{}, err
	}
	switch rec.Status {
	case StatusClosed:
		return RetentionReleased{}, ErrEscrowClosed
	case StatusDisputed:
		return RetentionReleased{}, ErrEscrowFrozen
	}

	var unpaidMilestones int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM milestones WHERE escrow_id=$1 AND status <> 'paid'`, params.EscrowID).Scan(&unpaidMilestones); err != nil {
		return RetentionReleased{}, fmt.Errorf("escrow: count unpaid milestones: %w", err)
	}
	if unpaidMilestones > 0 {
		return RetentionReleased{}, ErrMilestonesOutstanding
	}

	var openTasks int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM task_payments WHERE escrow_id=$1 AND status = 'pending'`, params.EscrowID).Scan(&openTasks); err != nil {
		return RetentionReleased{}, fmt.Errorf("escrow: count open task payments: %w", err)
	}
	if openTasks > 0 {
		return RetentionReleased{}, ErrTasksOutstanding
	}

	result := RetentionReleased{}

	if rec.RetentionHeld.IsPositive() {
		payout, err := r.InsertPayout(ctx, tx, PayoutParams{
			EscrowID:    params.EscrowID,
			Kind:        PayoutRetention,
			Amount:      rec.RetentionHeld,
			TransferRef: params.TransferRef,
		})
		if err != nil {
			return RetentionReleased{}, err
		}
		result.Payout = &payout

		if _, err := tx.Exec(ctx, `
UPDATE escrows
SET released_amount = released_amount + retention_held,
    retention_held = 0,
    retention_released_at = get_tx_timestamp(),
    updated_at = get_tx_timestamp()
WHERE id = $1
`, params.EscrowID); err != nil {
			return RetentionReleased{}, fmt.Errorf("escrow: release retention: %w", err)
		}

		if err := r.AppendEvent(ctx, tx, params.EscrowID, EventRetentionReleased, params.ActorID, map[string]any{
			"amount":       rec.RetentionHeld.String(),
			"transfer_ref": params.TransferRef,
		}); err != nil {
			return RetentionReleased{}, err
		}

		if err := r.EnqueueOutbox(ctx, tx, TopicTransferRequested, map[string]any{
			"transfer_ref":       params.TransferRef,
			"escrow_id":          params.EscrowID,
			"kind":               string(PayoutRetention),
			"amount":             rec.RetentionHeld.String(),
			"contractor_user_id": rec.ContractorUserID,
		}); err != nil {
			return RetentionReleased{}, err
		}
		if err := r.EnqueueOutbox(ctx, tx, TopicPaymentRecorded, map[string]any{
			"kind":         "retention",
			"escrow_id":    params.EscrowID,
			"amount":       rec.RetentionHeld.String(),
			"transfer_ref": params.TransferRef,
		}); err != nil {
			return RetentionReleased{}, err
		}
	}

	if _, err := r.TransitionStatus(ctx, tx, params.EscrowID, StatusClosed, params.ActorID, nil); err != nil {
		return RetentionReleased{}, err
	}

	closed, err := r.GetForUpdate(ctx, tx, params.EscrowID)
	if err != nil {
		return RetentionReleased{}, err
	}
	result.Record = closed

	return result, nil
}
