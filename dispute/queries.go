package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"namcportal/auth"
)

// Queries is the read side of the dispute domain. Non-admin viewers only
// see disputes they raised or must answer.
type Queries struct {
	pool *pgxpool.Pool
}

func NewQueries(pool *pgxpool.Pool) *Queries {
	return &Queries{pool: pool}
}

type Viewer struct {
	UserID string
	Role   auth.Role
}

func (v Viewer) admin() bool { return v.Role == auth.RoleAdmin }

func (q *Queries) GetByID(ctx context.Context, disputeID string, viewer Viewer) (Record, error) {
	const query = `
		SELECT ` + disputeColumns + `
		FROM disputes
		WHERE id = $1
		  AND ($2 OR raised_by_user_id = $3::uuid OR respondent_user_id = $3::uuid)
	`
	rec, err := scanRecord(q.pool.QueryRow(ctx, query, disputeID, viewer.admin(), viewer.UserID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("dispute: get by id: %w", err)
	}
	return rec, nil
}

type ListFilters struct {
	EscrowID string
	Status   Status
}

func (q *Queries) List(ctx context.Context, viewer Viewer, filters ListFilters) ([]Record, error) {
	const query = `
		SELECT ` + disputeColumns + `
		FROM disputes
		WHERE ($1 OR raised_by_user_id = $2::uuid OR respondent_user_id = $2::uuid)
		  AND ($3 = '' OR escrow_id = $3::uuid)
		  AND ($4 = '' OR status = $4::dispute_status)
		ORDER BY created_at DESC
	`
	rows, err := q.pool.Query(ctx, query, viewer.admin(), viewer.UserID, filters.EscrowID, string(filters.Status))
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan list row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate list: %w", err)
	}
	return out, nil
}
