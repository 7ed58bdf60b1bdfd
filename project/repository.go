package project

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("project: not found")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, opp Opportunity) (Opportunity, error)
	GetByID(ctx context.Context, id string) (Opportunity, error)
	List(ctx context.Context, filters Filters) ([]Opportunity, int, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Opportunity, error)
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, cancelReason *string) (Opportunity, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const opportunityColumns = `id, client_user_id, title, description, budget::text, trade_categories,
    city, state, lat, lng, bid_deadline, status, cancel_reason, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, opp Opportunity) (Opportunity, error) {
	query := `
        INSERT INTO projects (id, client_user_id, title, description, budget, trade_categories,
            city, state, lat, lng, bid_deadline, status)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12)
        RETURNING ` + opportunityColumns

	row := tx.QueryRow(ctx, query,
		opp.ID,
		opp.ClientUserID,
		opp.Title,
		opp.Description,
		opp.Budget.String(),
		opp.TradeCategories,
		opp.City,
		opp.State,
		opp.Lat,
		opp.Lng,
		opp.BidDeadline,
		opp.Status,
	)

	return scanOpportunity(row)
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Opportunity, error) {
	query := `SELECT ` + opportunityColumns + ` FROM projects WHERE id = $1`

	opp, err := scanOpportunity(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Opportunity{}, ErrNotFound
		}
		return Opportunity{}, fmt.Errorf("project: get by id: %w", err)
	}
	return opp, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Opportunity, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}
	if filters.SortKey == "" {
		filters.SortKey = "created_at"
	}
	if filters.SortOrder == "" {
		filters.SortOrder = "desc"
	}

	base := `SELECT ` + opportunityColumns + ` FROM projects`
	where := []string{"1=1"}
	args := []any{}

	if filters.ClientUserID != "" {
		where = append(where, fmt.Sprintf("client_user_id=$%d", len(args)+1))
		args = append(args, filters.ClientUserID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, filters.Status)
	}
	if filters.Trade != "" {
		where = append(where, fmt.Sprintf("$%d = ANY(trade_categories)", len(args)+1))
		args = append(args, filters.Trade)
	}
	if filters.City != "" {
		where = append(where, fmt.Sprintf("city=$%d", len(args)+1))
		args = append(args, filters.City)
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortKey := mapSortKey(filters.SortKey)
	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	limit := filters.PageSize
	offset := (filters.Page - 1) * filters.PageSize

	query := fmt.Sprintf(`%s%s ORDER BY %s %s LIMIT %d OFFSET %d`, base, whereClause, sortKey, sortOrder, limit, offset)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("project: query list: %w", err)
	}
	defer rows.Close()

	list := []Opportunity{}
	for rows.Next() {
		opp, err := scanOpportunity(rows)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, opp)
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM projects%s", whereClause)
	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("project: count list: %w", err)
	}

	return list, total, nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Opportunity, error) {
	query := `SELECT ` + opportunityColumns + ` FROM projects WHERE id = $1 FOR UPDATE`

	opp, err := scanOpportunity(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Opportunity{}, ErrNotFound
		}
		return Opportunity{}, fmt.Errorf("project: get for update: %w", err)
	}
	return opp, nil
}

func (r *PGRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status Status, cancelReason *string) (Opportunity, error) {
	query := `
		UPDATE projects
		SET status = $2,
		    cancel_reason = $3,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
		RETURNING ` + opportunityColumns

	opp, err := scanOpportunity(tx.QueryRow(ctx, query, id, status, cancelReason))
	if err != nil {
		return Opportunity{}, fmt.Errorf("project: update status: %w", err)
	}
	return opp, nil
}

func scanOpportunity(row pgx.Row) (Opportunity, error) {
	var (
		opp       Opportunity
		budgetStr string
	)
	err := row.Scan(
		&opp.ID,
		&opp.ClientUserID,
		&opp.Title,
		&opp.Description,
		&budgetStr,
		&opp.TradeCategories,
		&opp.City,
		&opp.State,
		&opp.Lat,
		&opp.Lng,
		&opp.BidDeadline,
		&opp.Status,
		&opp.CancelReason,
		&opp.CreatedAt,
		&opp.UpdatedAt,
	)
	if err != nil {
		return Opportunity{}, err
	}

	budget, err := decimal.NewFromString(budgetStr)
	if err != nil {
		return Opportunity{}, fmt.Errorf("project: parse budget: %w", err)
	}
	opp.Budget = budget
	return opp, nil
}

func mapSortKey(key string) string {
	switch key {
	case "budget":
		return "budget"
	case "bidDeadline":
		return "bid_deadline"
	case "status":
		return "status"
	case "updatedAt":
		return "updated_at"
	case "createdAt":
		fallthrough
	default:
		return "created_at"
	}
}
