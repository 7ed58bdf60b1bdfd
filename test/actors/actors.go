package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isTransient reports whether an error is expected noise under chaos: killed
// backends, dropped connections, serialization failures, deadlocks. Anything
// else is a real bug the actor should surface.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "40001" || pgErr.Code == "40P01" {
			return true
		}
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57")
	}
	// Network-level failures carry no SQLSTATE.
	return true
}

func actorDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Funder applies funding tranches against the escrow until it reaches its
// total. Multiple funders racing must never push funded_amount past the total.
func Funder(ctx context.Context, pool *pgxpool.Pool, escrowID, clientID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if err := fundOnce(ctx, pool, escrowID, clientID); err != nil {
			if actorDone(err) {
				return err
			}
			if !isUniqueViolation(err) && !isTransient(err) {
				return fmt.Errorf("funder: %w", err)
			}
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

func fundOnce(ctx context.Context, pool *pgxpool.Pool, escrowID, clientID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status string
	var headroom bool
	err = tx.QueryRow(ctx, `
		SELECT status::text, funded_amount + 500.00 <= total_project_value
		FROM escrows WHERE id = $1 FOR UPDATE
	`, escrowID).Scan(&status, &headroom)
	if err != nil {
		return err
	}
	if status == "closed" || status == "disputed" || !headroom {
		return nil
	}

	intentID := fmt.Sprintf("pi_stress_%d_%d", time.Now().UnixNano(), rand.Int63())
	if _, err := tx.Exec(ctx, `
		INSERT INTO escrow_fundings (escrow_id, amount, payment_intent_id, status, confirmed_at)
		VALUES ($1, 500.00, $2, 'succeeded', get_tx_timestamp())
	`, escrowID, intentID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE escrows SET funded_amount = funded_amount + 500.00, updated_at = get_tx_timestamp()
		WHERE id = $1
	`, escrowID); err != nil {
		return err
	}
	if status == "pending" {
		if _, err := tx.Exec(ctx, `
			UPDATE escrows SET status = 'funded', status_updated_at = get_tx_timestamp()
			WHERE id = $1
		`, escrowID); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO escrow_events (escrow_id, seq, type, actor_id, payload)
		VALUES ($1, 0, 'FUNDING_SUCCEEDED', $2, jsonb_build_object('payment_intent_id', $3))
	`, escrowID, clientID, intentID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MilestoneCreator keeps a supply of small pending milestones so the payers
// never starve.
func MilestoneCreator(ctx context.Context, pool *pgxpool.Pool, escrowID string, stop <-chan struct{}) error {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var pending int
		if err := pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM milestones WHERE escrow_id = $1 AND status = 'pending'
		`, escrowID).Scan(&pending); err != nil {
			if actorDone(err) {
				return err
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if pending < 5 {
			n++
			_, err := pool.Exec(ctx, `
				INSERT INTO milestones (escrow_id, title, percentage, payment_amount)
				SELECT $1, $2, round(400.00 / total_project_value * 100, 2), 400.00
				FROM escrows WHERE id = $1
			`, escrowID, fmt.Sprintf("Stress milestone %d", n))
			if err != nil {
				if actorDone(err) {
					return err
				}
				if !isTransient(err) {
					return fmt.Errorf("milestone creator: %w", err)
				}
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(40)) * time.Millisecond)
	}
}

// MilestonePayer races to release pending milestones: lock the milestone, lock
// the escrow, split retention, write the payout, debit the balance. A frozen or
// unfunded escrow means back off without paying.
func MilestonePayer(ctx context.Context, pool *pgxpool.Pool, escrowID, adminID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if err := payOneMilestone(ctx, pool, escrowID, adminID); err != nil {
			if actorDone(err) {
				return err
			}
			if !isUniqueViolation(err) && !isTransient(err) {
				return fmt.Errorf("milestone payer: %w", err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

func payOneMilestone(ctx context.Context, pool *pgxpool.Pool, escrowID, adminID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var milestoneID string
	err = tx.QueryRow(ctx, `
		SELECT id FROM milestones
		WHERE escrow_id = $1 AND status = 'pending'
		ORDER BY created_at LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, escrowID).Scan(&milestoneID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	var status string
	var payable bool
	err = tx.QueryRow(ctx, `
		SELECT e.status::text,
		       e.funded_amount - e.released_amount - e.retention_held >= m.payment_amount
		FROM escrows e JOIN milestones m ON m.id = $2
		WHERE e.id = $1
		FOR UPDATE OF e
	`, escrowID, milestoneID).Scan(&status, &payable)
	if err != nil {
		return err
	}
	if (status != "funded" && status != "active") || !payable {
		return nil
	}

	ref := fmt.Sprintf("tr_stress_%d_%d", time.Now().UnixNano(), rand.Int63())
	if _, err := tx.Exec(ctx, `
		UPDATE milestones
		SET status = 'paid',
		    completed_at = get_tx_timestamp(),
		    paid_amount = payment_amount - round(payment_amount * e.retention_percentage / 100, 2),
		    retention_amount = round(payment_amount * e.retention_percentage / 100, 2),
		    payout_ref = $2,
		    paid_at = get_tx_timestamp(),
		    updated_at = get_tx_timestamp()
		FROM escrows e
		WHERE milestones.id = $1 AND e.id = milestones.escrow_id
	`, milestoneID, ref); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO payouts (escrow_id, kind, milestone_id, amount, transfer_ref)
		SELECT escrow_id, 'milestone', id, paid_amount, payout_ref FROM milestones WHERE id = $1
	`, milestoneID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE escrows
		SET released_amount = released_amount + m.paid_amount,
		    retention_held = retention_held + m.retention_amount,
		    updated_at = get_tx_timestamp()
		FROM milestones m
		WHERE escrows.id = $1 AND m.id = $2
	`, escrowID, milestoneID); err != nil {
		return err
	}
	if status == "funded" {
		if _, err := tx.Exec(ctx, `
			UPDATE escrows SET status = 'active', status_updated_at = get_tx_timestamp()
			WHERE id = $1
		`, escrowID); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO escrow_events (escrow_id, seq, type, actor_id, payload)
		VALUES ($1, 0, 'MILESTONE_PAID', $2, jsonb_build_object('milestone_id', $3, 'transfer_ref', $4))
	`, escrowID, adminID, milestoneID, ref); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO outbox (topic, payload)
		VALUES ('payments.transfer.requested', jsonb_build_object('escrow_id', $1, 'transfer_ref', $2))
	`, escrowID, ref); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// TaskFlow creates task payments carrying evidence and settles them with a
// random quality score. Scores below the threshold reject without a payout.
func TaskFlow(ctx context.Context, pool *pgxpool.Pool, escrowID, adminID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		_, err := pool.Exec(ctx, `
			INSERT INTO task_payments (escrow_id, task_name, amount, evidence_url, evidence_added_at)
			VALUES ($1, $2, 250.00, 'https://cdn.example.com/stress.jpg', get_tx_timestamp())
		`, escrowID, fmt.Sprintf("Stress task %d", rand.Int63()))
		if err != nil {
			if actorDone(err) {
				return err
			}
			if !isTransient(err) {
				return fmt.Errorf("task create: %w", err)
			}
		}

		score := 50 + rand.Intn(51)
		if err := settleOneTask(ctx, pool, escrowID, adminID, score); err != nil {
			if actorDone(err) {
				return err
			}
			if !isUniqueViolation(err) && !isTransient(err) {
				return fmt.Errorf("task settle: %w", err)
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

func settleOneTask(ctx context.Context, pool *pgxpool.Pool, escrowID, adminID string, score int) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var taskID string
	var threshold int
	err = tx.QueryRow(ctx, `
		SELECT id, quality_threshold FROM task_payments
		WHERE escrow_id = $1 AND status = 'pending' AND evidence_url IS NOT NULL
		ORDER BY created_at LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, escrowID).Scan(&taskID, &threshold)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	if score < threshold {
		if _, err := tx.Exec(ctx, `
			UPDATE task_payments
			SET status = 'rejected', quality_score = $2, verified_by = $3,
			    verified_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
			WHERE id = $1
		`, taskID, score, adminID); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}

	var status string
	var payable bool
	err = tx.QueryRow(ctx, `
		SELECT e.status::text,
		       e.funded_amount - e.released_amount - e.retention_held >= t.amount
		FROM escrows e JOIN task_payments t ON t.id = $2
		WHERE e.id = $1
		FOR UPDATE OF e
	`, escrowID, taskID).Scan(&status, &payable)
	if err != nil {
		return err
	}
	if (status != "funded" && status != "active") || !payable {
		return nil
	}

	ref := fmt.Sprintf("tr_task_%d_%d", time.Now().UnixNano(), rand.Int63())
	if _, err := tx.Exec(ctx, `
		UPDATE task_payments
		SET status = 'released', quality_score = $2, verified_by = $3,
		    verified_at = get_tx_timestamp(), payout_ref = $4, updated_at = get_tx_timestamp()
		WHERE id = $1
	`, taskID, score, adminID, ref); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO payouts (escrow_id, kind, task_payment_id, amount, transfer_ref)
		SELECT t.escrow_id, 'task',
		       t.id,
		       t.amount - round(t.amount * e.retention_percentage / 100, 2),
		       $2
		FROM task_payments t JOIN escrows e ON e.id = t.escrow_id
		WHERE t.id = $1
	`, taskID, ref); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE escrows
		SET released_amount = released_amount + (t.amount - round(t.amount * escrows.retention_percentage / 100, 2)),
		    retention_held = retention_held + round(t.amount * escrows.retention_percentage / 100, 2),
		    updated_at = get_tx_timestamp()
		FROM task_payments t
		WHERE escrows.id = $1 AND t.id = $2
	`, escrowID, taskID); err != nil {
		return err
	}
	if status == "funded" {
		if _, err := tx.Exec(ctx, `
			UPDATE escrows SET status = 'active', status_updated_at = get_tx_timestamp()
			WHERE id = $1
		`, escrowID); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO escrow_events (escrow_id, seq, type, actor_id, payload)
		VALUES ($1, 0, 'TASK_PAYMENT_VERIFIED', $2, jsonb_build_object('task_payment_id', $3, 'score', $4))
	`, escrowID, adminID, taskID, score); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Disputer freezes the escrow with an open dispute, holds it briefly, then
// resolves and restores the prior status. Only one dispute can be open at a
// time, so racing disputers collapse to one.
func Disputer(ctx context.Context, pool *pgxpool.Pool, escrowID, contractorID, clientID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		disputeID, err := openDispute(ctx, pool, escrowID, contractorID, clientID)
		if err != nil {
			if actorDone(err) {
				return err
			}
			if !isUniqueViolation(err) && !isTransient(err) {
				return fmt.Errorf("dispute open: %w", err)
			}
		}
		if disputeID != "" {
			time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
			if err := resolveDispute(ctx, pool, escrowID, disputeID, contractorID); err != nil {
				if actorDone(err) {
					return err
				}
				if !isTransient(err) {
					return fmt.Errorf("dispute resolve: %w", err)
				}
			}
		}
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

func openDispute(ctx context.Context, pool *pgxpool.Pool, escrowID, raisedBy, respondent string) (string, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	var status string
	if err := tx.QueryRow(ctx, `SELECT status::text FROM escrows WHERE id = $1 FOR UPDATE`, escrowID).Scan(&status); err != nil {
		return "", err
	}
	if status == "closed" || status == "disputed" {
		return "", nil
	}

	var disputeID string
	err = tx.QueryRow(ctx, `
		INSERT INTO disputes (escrow_id, raised_by_user_id, respondent_user_id, reason)
		VALUES ($1, $2, $3, 'stress disagreement')
		ON CONFLICT (escrow_id) WHERE status <> 'resolved' DO NOTHING
		RETURNING id
	`, escrowID, raisedBy, respondent).Scan(&disputeID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE escrows
		SET status_before_dispute = status, status = 'disputed', status_updated_at = get_tx_timestamp()
		WHERE id = $1
	`, escrowID); err != nil {
		return "", err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO escrow_events (escrow_id, seq, type, actor_id, payload)
		VALUES ($1, 0, 'DISPUTE_OPENED', $2, jsonb_build_object('dispute_id', $3))
	`, escrowID, raisedBy, disputeID); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return disputeID, nil
}

func resolveDispute(ctx context.Context, pool *pgxpool.Pool, escrowID, disputeID, actorID string) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT 1 FROM escrows WHERE id = $1 FOR UPDATE`, escrowID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE disputes
		SET status = 'resolved', resolution = 'stress settled', resolved_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
		WHERE id = $1 AND status <> 'resolved'
	`, disputeID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE escrows
		SET status = COALESCE(status_before_dispute, 'active'),
		    status_before_dispute = NULL,
		    status_updated_at = get_tx_timestamp()
		WHERE id = $1 AND status = 'disputed'
	`, escrowID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO escrow_events (escrow_id, seq, type, actor_id, payload)
		VALUES ($1, 0, 'DISPUTE_RESOLVED', $2, jsonb_build_object('dispute_id', $3))
	`, escrowID, actorID, disputeID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED, marking them
// sent or retrying with an attempt bump on simulated failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			if actorDone(err) {
				return err
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `
			SELECT id FROM outbox WHERE status = 'pending'
			ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10
		`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `
					UPDATE outbox SET attempts = attempts + 1, next_attempt_at = now() + interval '1 second'
					WHERE id = $1
				`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'sent', sent_at = now() WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
