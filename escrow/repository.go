package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateIdempotencyKey signals the idempotency insert hit an already
	// processed key, so the caller should treat the request as a replay.
	ErrDuplicateIdempotencyKey = errors.New("escrow: duplicate idempotency key")
	// ErrNotFound is returned when no escrow row exists for the identifier.
	ErrNotFound = errors.New("escrow: not found")
	// ErrInvalidTransition is returned when a status change is not allowed by
	// the escrow lifecycle.
	ErrInvalidTransition = errors.New("escrow: invalid status transition")
	// ErrDuplicateRelease is returned when a payout for the same milestone,
	// task, or retention already exists in the ledger.
	ErrDuplicateRelease = errors.New("escrow: release already recorded")
	// ErrContractorMismatch is returned when the live escrow for a project
	// belongs to a different contractor than the one being awarded.
	ErrContractorMismatch = errors.New("escrow: live escrow belongs to another contractor")
	// ErrProjectNotAwardable is returned when the referenced project is
	// closed or cancelled and can no longer carry an escrow.
	ErrProjectNotAwardable = errors.New("escrow: project not awardable")
)

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const escrowColumns = `id, project_id, client_user_id, contractor_user_id,
    total_project_value::text, funded_amount::text, released_amount::text,
    retention_percentage::text, retention_held::text, retention_released_at,
    status::text, status_before_dispute::text, created_at, updated_at`

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec                                Record
		totalStr, fundedStr, releasedStr   string
		retentionPctStr, retentionHeldStr  string
		statusStr                          string
		statusBeforeDispute                sql.NullString
	)
	err := row.Scan(
		&rec.ID,
		&rec.ProjectID,
		&rec.ClientUserID,
		&rec.ContractorUserID,
		&totalStr,
		&fundedStr,
		&releasedStr,
		&retentionPctStr,
		&retentionHeldStr,
		&rec.RetentionReleasedAt,
		&statusStr,
		&statusBeforeDispute,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}

	for _, field := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&rec.TotalProjectValue, totalStr},
		{&rec.FundedAmount, fundedStr},
		{&rec.ReleasedAmount, releasedStr},
		{&rec.RetentionPct, retentionPctStr},
		{&rec.RetentionHeld, retentionHeldStr},
	} {
		d, err := decimal.NewFromString(field.src)
		if err != nil {
			return Record{}, fmt.Errorf("escrow: parse amount %q: %w", field.src, err)
		}
		*field.dst = d
	}

	rec.Status = Status(statusStr)
	if statusBeforeDispute.Valid {
		s := Status(statusBeforeDispute.String)
		rec.StatusBeforeDispute = &s
	}
	return rec, nil
}

// InsertIdempotencyKey attempts to reserve the idempotency key inside the
// active transaction.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("escrow: empty idempotency key")
	}

	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("escrow: insert idempotency key: %w", err)
	}

	return nil
}

// GetForUpdate loads and row-locks the escrow inside the active transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, escrowID string) (Record, error) {
	rec, err := scanRecord(tx.QueryRow(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, escrowID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: get for update: %w", err)
	}
	return rec, nil
}

// AppendEvent writes one row to the append-only escrow event log. The
// per-escrow sequence number is assigned by the database.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, escrowID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal event payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	const q = `
INSERT INTO escrow_events (escrow_id, type, payload, actor_id)
VALUES ($1, $2, $3::jsonb, $4::uuid)
`
	if _, err := tx.Exec(ctx, q, escrowID, eventType, body, actor); err != nil {
		return fmt.Errorf("escrow: insert event: %w", err)
	}
	return nil
}

// EnqueueOutbox stores a message for the relay in the same transaction as the
// state change it announces.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}

// TransitionStatus validates and applies a status change under the row lock,
// appending the status-change event. Dispute transitions remember the prior
// status so resolution can restore it. Returns the previous status.
func (r *Repository) TransitionStatus(ctx context.Context, tx pgx.Tx, escrowID string, next Status, actorID string, extra map[string]any) (Status, error) {
	var current string
	if err := tx.QueryRow(ctx, `SELECT status::text FROM escrows WHERE id=$1 FOR UPDATE`, escrowID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("escrow: fetch current status: %w", err)
	}

	var ok bool
	if err := tx.QueryRow(ctx, `SELECT escrow_validate_transition($1::escrow_status,$2::escrow_status)`, current, next).Scan(&ok); err != nil {
		return "", fmt.Errorf("escrow: validate transition: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	var updateSQL string
	switch {
	case next == StatusDisputed:
		updateSQL = `
        UPDATE escrows
        SET status=$1::escrow_status,
            status_before_dispute=status,
            status_updated_at=get_tx_timestamp(),
            status_updated_by=NULLIF($2,'')::uuid,
            updated_at=get_tx_timestamp()
        WHERE id=$3
    `
	case Status(current) == StatusDisputed:
		updateSQL = `
        UPDATE escrows
        SET status=$1::escrow_status,
            status_before_dispute=NULL,
            status_updated_at=get_tx_timestamp(),
            status_updated_by=NULLIF($2,'')::uuid,
            updated_at=get_tx_timestamp()
        WHERE id=$3
    `
	default:
		updateSQL = `
        UPDATE escrows
        SET status=$1::escrow_status,
            status_updated_at=get_tx_timestamp(),
            status_updated_by=NULLIF($2,'')::uuid,
            updated_at=get_tx_timestamp()
        WHERE id=$3
    `
	}
	if _, err := tx.Exec(ctx, updateSQL, next, actorID, escrowID); err != nil {
		return "", fmt.Errorf("escrow: update status: %w", err)
	}

	payload := map[string]any{
		"previous_status": current,
		"next_status":     string(next),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := r.AppendEvent(ctx, tx, escrowID, EventStatusChanged, actorID, payload); err != nil {
		return "", err
	}

	return Status(current), nil
}

// PayoutParams enumerates the fields for one release-ledger row.
type PayoutParams struct {
	EscrowID      string
	Kind          PayoutKind
	MilestoneID   *string
	TaskPaymentID *string
	Amount        decimal.Decimal
	TransferRef   string
}

// InsertPayout appends a row to the release ledger. The partial unique
// indexes on the ledger reject a second payout for the same milestone, task,
// or retention.
func (r *Repository) InsertPayout(ctx context.Context, tx pgx.Tx, params PayoutParams) (Payout, error) {
	const q = `
INSERT INTO payouts (escrow_id, kind, milestone_id, task_payment_id, amount, transfer_ref)
VALUES ($1, $2::payout_kind, $3, $4, $5::numeric, $6)
RETURNING id, created_at
`
	p := Payout{
		EscrowID:      params.EscrowID,
		Kind:          params.Kind,
		MilestoneID:   params.MilestoneID,
		TaskPaymentID: params.TaskPaymentID,
		Amount:        params.Amount,
		TransferRef:   params.TransferRef,
	}
	err := tx.QueryRow(ctx, q,
		params.EscrowID,
		params.Kind,
		params.MilestoneID,
		params.TaskPaymentID,
		params.Amount.String(),
		params.TransferRef,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Payout{}, ErrDuplicateRelease
		}
		return Payout{}, fmt.Errorf("escrow: insert payout: %w", err)
	}
	return p, nil
}

// AwardParams encapsulates the information required to materialize a project
// escrow when a match is accepted or an admin records an agreement. A zero
// TotalValue falls back to the project budget.
type AwardParams struct {
	ProjectID        string
	MatchID          string
	ContractorUserID string
	TotalValue       decimal.Decimal
	RetentionPct     decimal.Decimal
	AwardedAt        time.Time
	ActorID          string
}

// CreateFromAward marks the project awarded and materializes its escrow in
// the caller's transaction. Concurrent awards serialize on the project row
// lock taken here, so a replayed acceptance finds and returns the existing
// live escrow instead of inserting a second one.
func (r *Repository) CreateFromAward(ctx context.Context, tx pgx.Tx, params AwardParams) (Record, error) {
	if params.ProjectID == "" {
		return Record{}, fmt.Errorf("escrow: award missing project id")
	}
	if params.ContractorUserID == "" {
		return Record{}, fmt.Errorf("escrow: award missing contractor user id")
	}

	const projectSQL = `
SELECT client_user_id::text, status::text, budget::text
FROM projects
WHERE id = $1
FOR UPDATE
`
	var (
		clientUserID  string
		projectStatus string
		budgetStr     string
	)
	if err := tx.QueryRow(ctx, projectSQL, params.ProjectID).Scan(&clientUserID, &projectStatus, &budgetStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("escrow: project %s not found", params.ProjectID)
		}
		return Record{}, fmt.Errorf("escrow: load project for award: %w", err)
	}

	switch projectStatus {
	case "open":
		if _, err := tx.Exec(ctx, `
UPDATE projects
SET status = 'awarded'::project_status, updated_at = get_tx_timestamp()
WHERE id = $1
`, params.ProjectID); err != nil {
			return Record{}, fmt.Errorf("escrow: mark project awarded: %w", err)
		}
	case "awarded":
		// Replay of a prior award lands here.
	default:
		return Record{}, ErrProjectNotAwardable
	}

	const existingSQL = `
SELECT ` + escrowColumns + `
FROM escrows
WHERE project_id = $1
  AND status <> 'closed'
LIMIT 1
`
	existing, err := scanRecord(tx.QueryRow(ctx, existingSQL, params.ProjectID))
	switch {
	case err == nil:
		if existing.ContractorUserID != params.ContractorUserID {
			return Record{}, ErrContractorMismatch
		}
		return existing, nil
	case errors.Is(err, pgx.ErrNoRows):
		// continue with insert
	default:
		return Record{}, fmt.Errorf("escrow: check existing escrow: %w", err)
	}

	total := params.TotalValue
	if total.IsZero() {
		if total, err = decimal.NewFromString(budgetStr); err != nil {
			return Record{}, fmt.Errorf("escrow: parse project budget: %w", err)
		}
	}
	if !total.IsPositive() {
		return Record{}, fmt.Errorf("escrow: award total value must be positive")
	}

	const insertSQL = `
INSERT INTO escrows (project_id, client_user_id, contractor_user_id, total_project_value, retention_percentage, status)
VALUES ($1, $2, $3, $4::numeric, $5::numeric, 'pending')
RETURNING ` + escrowColumns

	rec, err := scanRecord(tx.QueryRow(ctx, insertSQL,
		params.ProjectID,
		clientUserID,
		params.ContractorUserID,
		total.String(),
		params.RetentionPct.String(),
	))
	if err != nil {
		return Record{}, fmt.Errorf("escrow: insert from award: %w", err)
	}

	actor := params.ActorID
	if actor == "" {
		actor = params.ContractorUserID
	}

	payload := map[string]any{
		"project_id":           params.ProjectID,
		"contractor_user_id":   params.ContractorUserID,
		"client_user_id":       clientUserID,
		"total_project_value":  total.String(),
		"retention_percentage": params.RetentionPct.String(),
	}
	if params.MatchID != "" {
		payload["match_id"] = params.MatchID
	}
	if !params.AwardedAt.IsZero() {
		payload["awarded_at"] = params.AwardedAt.UTC()
	}
	if err := r.AppendEvent(ctx, tx, rec.ID, EventEscrowCreated, actor, payload); err != nil {
		return Record{}, err
	}

	return rec, nil
}
