package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Status is the delivery state of one outbox message.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusDead       Status = "dead"
)

// Message is one row of the transactional outbox.
type Message struct {
	ID            string
	Topic         string
	Payload       []byte
	Status        Status
	Attempts      int
	NextAttemptAt *time.Time
	LockedAt      *time.Time
	LockedBy      *string
	LastError     *string
	SentAt        *time.Time
	CreatedAt     time.Time
}

// Store reads and advances the outbox queue.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnqueueTx appends a message inside the caller's transaction, so the
// message commits or rolls back with the domain write that produced it.
func (s *Store) EnqueueTx(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}

// Enqueue appends a message outside any transaction, for callers whose
// domain write has already committed.
func (s *Store) Enqueue(ctx context.Context, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}

// ClaimParams tune one claim pass.
type ClaimParams struct {
	BatchSize    int
	LockTimeout  time.Duration
	MaxAttempts  int
	DispatcherID string
}

// Claim locks a batch of deliverable messages for this dispatcher. Rows
// whose processing lock went stale are reclaimed; rows out of attempts are
// marked dead inside the same transaction and not returned.
func (s *Store) Claim(ctx context.Context, params ClaimParams) ([]Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox: begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	staleBefore := time.Now().UTC().Add(-params.LockTimeout)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE (status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= now()))
		   OR (status = 'processing' AND locked_at IS NOT NULL AND locked_at <= $1)
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, staleBefore, params.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("outbox: select claimable: %w", err)
	}

	var (
		claimed  []Message
		claimIDs []string
		deadIDs  []string
	)
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox: scan claimable: %w", err)
		}
		if params.MaxAttempts > 0 && msg.Attempts >= params.MaxAttempts {
			deadIDs = append(deadIDs, msg.ID)
			continue
		}
		msg.Attempts++
		msg.Status = StatusProcessing
		claimed = append(claimed, msg)
		claimIDs = append(claimIDs, msg.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate claimable: %w", err)
	}

	if len(deadIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE outbox
			SET status = 'dead', last_error = 'max delivery attempts exceeded',
			    next_attempt_at = NULL, locked_at = NULL, locked_by = NULL
			WHERE id = ANY($1)
		`, deadIDs); err != nil {
			return nil, fmt.Errorf("outbox: mark poison dead: %w", err)
		}
	}

	if len(claimIDs) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE outbox
			SET status = 'processing', attempts = attempts + 1,
			    locked_at = now(), locked_by = $2,
			    last_error = NULL, next_attempt_at = NULL
			WHERE id = ANY($1)
		`, claimIDs, params.DispatcherID); err != nil {
			return nil, fmt.Errorf("outbox: claim batch: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("outbox: commit claim tx: %w", err)
	}

	return claimed, nil
}

// MarkSent finishes a delivered message.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox
		SET status = 'sent', sent_at = now(),
		    locked_at = NULL, locked_by = NULL, next_attempt_at = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("outbox: mark sent: %w", err)
	}
	return nil
}

// Fail records a delivery failure. With a retry time the message returns to
// pending; without one it goes dead.
func (s *Store) Fail(ctx context.Context, id string, deliveryErr string, nextAttempt *time.Time) error {
	var err error
	if nextAttempt == nil {
		_, err = s.pool.Exec(ctx, `
			UPDATE outbox
			SET status = 'dead', last_error = $2,
			    next_attempt_at = NULL, locked_at = NULL, locked_by = NULL
			WHERE id = $1
		`, id, deliveryErr)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE outbox
			SET status = 'pending', last_error = $2,
			    next_attempt_at = $3, locked_at = NULL, locked_by = NULL
			WHERE id = $1
		`, id, deliveryErr, nextAttempt)
	}
	if err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}

// Stats reports queue depth per status, for operational checks.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status::text, COUNT(*) FROM outbox GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("outbox: stats: %w", err)
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("outbox: scan stats: %w", err)
		}
		out[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate stats: %w", err)
	}
	return out, nil
}
