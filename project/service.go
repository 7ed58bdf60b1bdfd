package project

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"namcportal/auth"
)

// OutboxWriter enqueues messages inside the caller's transaction.
type OutboxWriter interface {
	EnqueueTx(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	pool        *pgxpool.Pool
	repo        Repository
	outbox      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

type CreateParams struct {
	ClientUserID    string
	Title           string
	Description     string
	Budget          decimal.Decimal
	TradeCategories []string
	City            string
	State           string
	Lat             *float64
	Lng             *float64
	BidDeadline     *time.Time
}

type ListResult struct {
	Items []Opportunity
	Total int
}

func NewService(pool *pgxpool.Pool, repo Repository, outbox OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Opportunity, error) {
	if params.ClientUserID == "" {
		return Opportunity{}, fmt.Errorf("project: missing client user id")
	}
	if strings.TrimSpace(params.Title) == "" {
		return Opportunity{}, fmt.Errorf("project: title required")
	}
	if !params.Budget.IsPositive() {
		return Opportunity{}, fmt.Errorf("project: budget must be positive")
	}
	if len(params.TradeCategories) == 0 {
		return Opportunity{}, fmt.Errorf("project: trade categories required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Opportunity{}, fmt.Errorf("project: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	opp := Opportunity{
		ID:              s.idGenerator(),
		ClientUserID:    params.ClientUserID,
		Title:           strings.TrimSpace(params.Title),
		Description:     params.Description,
		Budget:          params.Budget,
		TradeCategories: params.TradeCategories,
		City:            params.City,
		State:           params.State,
		Lat:             params.Lat,
		Lng:             params.Lng,
		BidDeadline:     params.BidDeadline,
		Status:          StatusOpen,
	}

	created, err := s.repo.Create(ctx, tx, opp)
	if err != nil {
		return Opportunity{}, fmt.Errorf("project: create: %w", err)
	}

	if s.outbox != nil {
		payload := map[string]any{
			"project_id": created.ID,
			"title":      created.Title,
			"trades":     created.TradeCategories,
			"city":       created.City,
		}
		if err := s.outbox.EnqueueTx(ctx, tx, "project.created", payload); err != nil {
			return Opportunity{}, fmt.Errorf("project: enqueue outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Opportunity{}, fmt.Errorf("project: commit tx: %w", err)
	}

	return created, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (Opportunity, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

type CancelParams struct {
	ProjectID string
	ActorID   string
	ActorRole auth.Role
	Reason    *string
}

var (
	ErrCancelForbidden    = errors.New("project: cancel forbidden")
	ErrCancelInvalidState = errors.New("project: cancel invalid state")
)

func (s *Service) Cancel(ctx context.Context, params CancelParams) (Opportunity, error) {
	if params.ProjectID == "" {
		return Opportunity{}, fmt.Errorf("project: cancel missing project id")
	}
	if params.ActorID == "" {
		return Opportunity{}, fmt.Errorf("project: cancel missing actor id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Opportunity{}, fmt.Errorf("project: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	opp, err := s.repo.GetForUpdate(ctx, tx, params.ProjectID)
	if err != nil {
		return Opportunity{}, err
	}

	if params.ActorRole != auth.RoleAdmin && opp.ClientUserID != params.ActorID {
		return Opportunity{}, ErrCancelForbidden
	}
	if opp.Status != StatusOpen {
		return Opportunity{}, ErrCancelInvalidState
	}

	var reason *string
	if params.Reason != nil {
		trimmed := strings.TrimSpace(*params.Reason)
		if trimmed != "" {
			reason = &trimmed
		}
	}

	updated, err := s.repo.UpdateStatus(ctx, tx, params.ProjectID, StatusCancelled, reason)
	if err != nil {
		return Opportunity{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"project_id": updated.ID,
			"status":     updated.Status,
		}
		if updated.CancelReason != nil {
			payload["reason"] = *updated.CancelReason
		}
		if err := s.outbox.EnqueueTx(ctx, tx, "project.cancelled", payload); err != nil {
			return Opportunity{}, fmt.Errorf("project: enqueue cancel outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Opportunity{}, fmt.Errorf("project: cancel commit: %w", err)
	}

	return updated, nil
}
