package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"namcportal/auth"
)

// Viewer identifies the authenticated user for read scoping. Non-admin
// viewers only see escrows they are a party to; detail misses read as not
// found so existence does not leak.
type Viewer struct {
	UserID string
	Role   auth.Role
}

func (v Viewer) admin() bool { return v.Role == auth.RoleAdmin }

// Queries is the read side of the escrow domain.
type Queries struct {
	pool *pgxpool.Pool
}

func NewQueries(pool *pgxpool.Pool) *Queries {
	return &Queries{pool: pool}
}

func (q *Queries) GetByID(ctx context.Context, escrowID string, viewer Viewer) (Record, error) {
	const query = `
		SELECT ` + escrowColumns + `
		FROM escrows
		WHERE id = $1
		  AND ($2 OR client_user_id = $3::uuid OR contractor_user_id = $3::uuid)
	`
	rec, err := scanRecord(q.pool.QueryRow(ctx, query, escrowID, viewer.admin(), viewer.UserID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("escrow: get by id: %w", err)
	}
	return rec, nil
}

type ListFilters struct {
	Status   Status
	Page     int
	PageSize int
}

func (q *Queries) ListForViewer(ctx context.Context, viewer Viewer, filters ListFilters) ([]Record, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	const base = `
		FROM escrows
		WHERE ($1 OR client_user_id = $2::uuid OR contractor_user_id = $2::uuid)
		  AND ($3 = '' OR status = $3::escrow_status)
	`

	rows, err := q.pool.Query(ctx, `SELECT `+escrowColumns+base+` ORDER BY created_at DESC LIMIT $4 OFFSET $5`,
		viewer.admin(), viewer.UserID, string(filters.Status), filters.PageSize, (filters.Page-1)*filters.PageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("escrow: list: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("escrow: scan list row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("escrow: iterate list: %w", err)
	}

	var total int
	if err := q.pool.QueryRow(ctx, `SELECT COUNT(*) `+base, viewer.admin(), viewer.UserID, string(filters.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("escrow: count list: %w", err)
	}

	return records, total, nil
}

// ListEvents returns the escrow's event log in sequence order.
func (q *Queries) ListEvents(ctx context.Context, escrowID string, viewer Viewer) ([]Event, error) {
	if _, err := q.GetByID(ctx, escrowID, viewer); err != nil {
		return nil, err
	}

	const query = `
		SELECT id, escrow_id, seq, type, actor_id::text, payload, created_at
		FROM escrow_events
		WHERE escrow_id = $1
		ORDER BY seq ASC
	`
	rows, err := q.pool.Query(ctx, query, escrowID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list events: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.EscrowID, &e.Seq, &e.Type, &e.ActorID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate events: %w", err)
	}
	return events, nil
}

func (q *Queries) ListMilestones(ctx context.Context, escrowID string, viewer Viewer) ([]Milestone, error) {
	if _, err := q.GetByID(ctx, escrowID, viewer); err != nil {
		return nil, err
	}

	rows, err := q.pool.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE escrow_id = $1 ORDER BY sort_order, created_at`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list milestones: %w", err)
	}
	defer rows.Close()

	milestones := []Milestone{}
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		milestones = append(milestones, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate milestones: %w", err)
	}
	return milestones, nil
}

func (q *Queries) ListTasks(ctx context.Context, escrowID string, viewer Viewer) ([]TaskPayment, error) {
	if _, err := q.GetByID(ctx, escrowID, viewer); err != nil {
		return nil, err
	}

	rows, err := q.pool.Query(ctx, `SELECT `+taskColumns+` FROM task_payments WHERE escrow_id = $1 ORDER BY created_at`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list task payments: %w", err)
	}
	defer rows.Close()

	tasks := []TaskPayment{}
	for rows.Next() {
		t, err := scanTaskPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan task payment: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate task payments: %w", err)
	}
	return tasks, nil
}

// PaymentActivityRow is one payout joined with its escrow context, shaped
// for the payment report.
type PaymentActivityRow struct {
	PayoutID       string
	EscrowID       string
	ProjectID      string
	ProjectTitle   string
	ContractorName string
	Kind           PayoutKind
	ItemName       string
	Gross          decimal.Decimal
	Net            decimal.Decimal
	Retention      decimal.Decimal
	TransferRef    string
	ReleasedAt     time.Time
}

// PaymentActivityFilters bound the report window.
type PaymentActivityFilters struct {
	EscrowID string
	From     *time.Time
	To       *time.Time
}

// PaymentActivity returns every payout in the window, one row per release.
func (q *Queries) PaymentActivity(ctx context.Context, filters PaymentActivityFilters) ([]PaymentActivityRow, error) {
	const query = `
		SELECT p.id, p.escrow_id, e.project_id, pr.title, u.full_name, p.kind::text,
		       COALESCE(m.title, t.task_name, 'retention'),
		       COALESCE(m.payment_amount, t.amount, p.amount)::text,
		       p.amount::text,
		       p.transfer_ref, p.created_at
		FROM payouts p
		JOIN escrows e ON e.id = p.escrow_id
		JOIN projects pr ON pr.id = e.project_id
		JOIN users u ON u.id = e.contractor_user_id
		LEFT JOIN milestones m ON m.id = p.milestone_id
		LEFT JOIN task_payments t ON t.id = p.task_payment_id
		WHERE ($1 = '' OR p.escrow_id = $1::uuid)
		  AND ($2::timestamptz IS NULL OR p.created_at >= $2)
		  AND ($3::timestamptz IS NULL OR p.created_at < $3)
		ORDER BY p.created_at ASC
	`
	rows, err := q.pool.Query(ctx, query, filters.EscrowID, filters.From, filters.To)
	if err != nil {
		return nil, fmt.Errorf("escrow: payment activity: %w", err)
	}
	defer rows.Close()

	out := []PaymentActivityRow{}
	for rows.Next() {
		var (
			row      PaymentActivityRow
			kindStr  string
			grossStr string
			netStr   string
		)
		if err := rows.Scan(&row.PayoutID, &row.EscrowID, &row.ProjectID, &row.ProjectTitle, &row.ContractorName,
			&kindStr, &row.ItemName, &grossStr, &netStr, &row.TransferRef, &row.ReleasedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan payment activity: %w", err)
		}
		row.Kind = PayoutKind(kindStr)
		if row.Gross, err = decimal.NewFromString(grossStr); err != nil {
			return nil, fmt.Errorf("escrow: parse activity gross: %w", err)
		}
		if row.Net, err = decimal.NewFromString(netStr); err != nil {
			return nil, fmt.Errorf("escrow: parse activity net: %w", err)
		}
		row.Retention = row.Gross.Sub(row.Net)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate payment activity: %w", err)
	}
	return out, nil
}
