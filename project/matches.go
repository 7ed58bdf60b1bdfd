package project

import (
	"context"
	"errors"
	"fmt"
	"time"

	"namcportal/escrow"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MatchState string

const (
	MatchStateInvited  MatchState = "invited"
	MatchStateAccepted MatchState = "accepted"
	MatchStateDeclined MatchState = "declined"
)

// Match represents a contractor invited to bid on a project opportunity.
type Match struct {
	ID               string
	ProjectID        string
	ContractorUserID string
	State            MatchState
	Score            float64
	CreatedAt        time.Time
}

// CreateMatchParams enumerates the required fields to insert a new match.
type CreateMatchParams struct {
	ProjectID        string
	ContractorUserID string
	Score            float64
	State            MatchState
}

type MatchRepository interface {
	List(ctx context.Context, projectID, viewerID string, viewerIsAdmin bool) ([]Match, error)
	Create(ctx context.Context, params CreateMatchParams) (Match, error)
	ListForContractor(ctx context.Context, contractorID string) ([]Match, error)
	GetByID(ctx context.Context, matchID string) (Match, error)
	UpdateState(ctx context.Context, matchID string, state MatchState) (Match, error)
}

var (
	ErrMatchNotFound      = errors.New("project: match not found")
	ErrMatchDuplicate     = errors.New("project: match already exists")
	ErrMatchInvalidState  = errors.New("project: invalid match state")
	ErrMatchInvalidScore  = errors.New("project: invalid match score")
	ErrProjectNotOpen     = errors.New("project: project not open for matching")
	ErrProjectNotOwned    = errors.New("project: project not owned by user")
	ErrContractorRequired = errors.New("project: contractor user id required")
)

type PGMatchRepository struct {
	pool *pgxpool.Pool
}

func NewMatchRepository(pool *pgxpool.Pool) *PGMatchRepository {
	return &PGMatchRepository{pool: pool}
}

func (r *PGMatchRepository) List(ctx context.Context, projectID, viewerID string, viewerIsAdmin bool) ([]Match, error) {
	var allowed bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM projects WHERE id=$1 AND (client_user_id=$2 OR $3))`, projectID, viewerID, viewerIsAdmin).Scan(&allowed); err != nil {
		return nil, fmt.Errorf("project: verify match viewer: %w", err)
	}
	if !allowed {
		return nil, ErrProjectNotOwned
	}

	const query = `
		SELECT m.id, m.project_id, m.contractor_user_id, m.state::text, m.score, m.created_at
		FROM project_matches m
		WHERE m.project_id = $1
		ORDER BY m.score DESC, m.created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("project: list matches: %w", err)
	}
	defer rows.Close()

	matches := make([]Match, 0, 8)
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.ContractorUserID, &m.State, &m.Score, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("project: scan match: %w", err)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project: iterate matches: %w", err)
	}
	return matches, nil
}

func (r *PGMatchRepository) Create(ctx context.Context, params CreateMatchParams) (Match, error) {
	if params.ContractorUserID == "" {
		return Match{}, ErrContractorRequired
	}
	if params.State == "" {
		params.State = MatchStateInvited
	}
	if params.Score < 0 || params.Score > 1 {
		return Match{}, ErrMatchInvalidScore
	}
	if params.State != MatchStateInvited && params.State != MatchStateAccepted && params.State != MatchStateDeclined {
		return Match{}, ErrMatchInvalidState
	}

	const query = `
		INSERT INTO project_matches (project_id, contractor_user_id, state, score)
		SELECT $1, $2, $3::project_match_state, $4
		FROM projects p
		WHERE p.id = $1 AND p.status = 'open'
		RETURNING id, project_id, contractor_user_id, state::text, score, created_at
	`

	var match Match
	err := r.pool.QueryRow(ctx, query,
		params.ProjectID,
		params.ContractorUserID,
		params.State,
		params.Score,
	).Scan(&match.ID, &match.ProjectID, &match.ContractorUserID, &match.State, &match.Score, &match.CreatedAt)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Match{}, ErrProjectNotOpen
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Match{}, ErrMatchDuplicate
		}
		return Match{}, fmt.Errorf("project: create match: %w", err)
	}
	return match, nil
}

func (r *PGMatchRepository) ListForContractor(ctx context.Context, contractorID string) ([]Match, error) {
	const query = `
		SELECT m.id, m.project_id, m.contractor_user_id, m.state::text, m.score, m.created_at
		FROM project_matches m
		WHERE m.contractor_user_id = $1
		ORDER BY m.created_at DESC
	`

	rows, err := r.pool.Query(ctx, query, contractorID)
	if err != nil {
		return nil, fmt.Errorf("project: list matches for contractor: %w", err)
	}
	defer rows.Close()

	out := make([]Match, 0, 8)
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.ContractorUserID, &m.State, &m.Score, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("project: scan contractor match: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project: iterate contractor matches: %w", err)
	}
	return out, nil
}

func (r *PGMatchRepository) GetByID(ctx context.Context, matchID string) (Match, error) {
	const query = `
		SELECT id, project_id, contractor_user_id, state::text, score, created_at
		FROM project_matches
		WHERE id = $1
	`
	var m Match
	if err := r.pool.QueryRow(ctx, query, matchID).Scan(&m.ID, &m.ProjectID, &m.ContractorUserID, &m.State, &m.Score, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Match{}, ErrMatchNotFound
		}
		return Match{}, fmt.Errorf("project: get match: %w", err)
	}
	return m, nil
}

func (r *PGMatchRepository) UpdateState(ctx context.Context, matchID string, state MatchState) (Match, error) {
	const query = `
		UPDATE project_matches
		SET state = $2::project_match_state
		WHERE id = $1
		RETURNING id, project_id, contractor_user_id, state::text, score, created_at
	`
	var m Match
	if err := r.pool.QueryRow(ctx, query, matchID, state).Scan(&m.ID, &m.ProjectID, &m.ContractorUserID, &m.State, &m.Score, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Match{}, ErrMatchNotFound
		}
		return Match{}, fmt.Errorf("project: update match state: %w", err)
	}
	return m, nil
}

type MatchService struct {
	repo    MatchRepository
	escrows escrowAwarder
	outbox  OutboxWriter
	now     func() time.Time
	idGen   func() string
}

type escrowAwarder interface {
	CreateFromAward(ctx context.Context, tx pgx.Tx, params escrow.AwardParams) (escrow.Record, error)
}

func NewMatchService(repo MatchRepository) *MatchService {
	return &MatchService{
		repo:  repo,
		now:   time.Now,
		idGen: func() string { return uuid.NewString() },
	}
}

func (s *MatchService) WithEscrowRepository(repo escrowAwarder) *MatchService {
	s.escrows = repo
	return s
}

func (s *MatchService) WithOutbox(out OutboxWriter) *MatchService {
	s.outbox = out
	return s
}

func (s *MatchService) List(ctx context.Context, projectID, viewerID string, viewerIsAdmin bool) ([]Match, error) {
	return s.repo.List(ctx, projectID, viewerID, viewerIsAdmin)
}

func (s *MatchService) Create(ctx context.Context, params CreateMatchParams) (Match, error) {
	return s.repo.Create(ctx, params)
}

func (s *MatchService) ListForContractor(ctx context.Context, contractorID string) ([]Match, error) {
	return s.repo.ListForContractor(ctx, contractorID)
}

type UpdateMatchParams struct {
	MatchID      string
	ContractorID string
	NewState     MatchState
	Pool         *pgxpool.Pool
}

type MatchUpdateResult struct {
	Match  Match
	Escrow *escrow.Record
}

var (
	ErrMatchForbidden         = errors.New("project: match forbidden")
	ErrMatchInvalidTransition = errors.New("project: invalid match transition")
)

func (s *MatchService) UpdateState(ctx context.Context, params UpdateMatchParams) (MatchUpdateResult, error) {
	match, err := s.repo.GetByID(ctx, params.MatchID)
	if err != nil {
		return MatchUpdateResult{}, err
	}
	if match.ContractorUserID != params.ContractorID {
		return MatchUpdateResult{}, ErrMatchForbidden
	}
	if params.NewState != MatchStateAccepted && params.NewState != MatchStateDeclined {
		return MatchUpdateResult{}, ErrMatchInvalidTransition
	}
	if match.State == MatchStateAccepted && params.NewState == MatchStateDeclined {
		return MatchUpdateResult{}, ErrMatchInvalidTransition
	}
	if match.State == params.NewState && params.NewState == MatchStateDeclined {
		return MatchUpdateResult{Match: match}, nil
	}

	if params.NewState == MatchStateAccepted && s.escrows != nil && params.Pool != nil {
		return s.acceptMatchAndAwardProject(ctx, params, match)
	}

	updated, err := s.repo.UpdateState(ctx, params.MatchID, params.NewState)
	if err != nil {
		return MatchUpdateResult{}, err
	}

	return MatchUpdateResult{Match: updated}, nil
}

// acceptMatchAndAwardProject flips the match to accepted, awards the
// project, and materializes the project escrow in a single transaction.
// Replayed acceptance returns the existing escrow.
func (s *MatchService) acceptMatchAndAwardProject(ctx context.Context, params UpdateMatchParams, match Match) (MatchUpdateResult, error) {
	tx, err := params.Pool.Begin(ctx)
	if err != nil {
		return MatchUpdateResult{}, fmt.Errorf("match: begin acceptance tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const lockSQL = `
SELECT state::text
FROM project_matches
WHERE id = $1
FOR UPDATE
`
	var currentState string
	if err := tx.QueryRow(ctx, lockSQL, match.ID).Scan(&currentState); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MatchUpdateResult{}, ErrMatchNotFound
		}
		return MatchUpdateResult{}, fmt.Errorf("match: lock for acceptance: %w", err)
	}

	switch MatchState(currentState) {
	case MatchStateAccepted:
		// Already accepted, continue so the escrow lookup stays idempotent.
	case MatchStateInvited:
		if _, err := tx.Exec(ctx, `
UPDATE project_matches
SET state = 'accepted'::project_match_state
WHERE id = $1
`, match.ID); err != nil {
			return MatchUpdateResult{}, fmt.Errorf("match: mark accepted: %w", err)
		}
	default:
		return MatchUpdateResult{}, ErrMatchInvalidTransition
	}

	rec, err := s.escrows.CreateFromAward(ctx, tx, escrow.AwardParams{
		ProjectID:        match.ProjectID,
		MatchID:          match.ID,
		ContractorUserID: match.ContractorUserID,
		RetentionPct:     escrow.DefaultRetentionPct,
		AwardedAt:        s.now(),
		ActorID:          match.ContractorUserID,
	})
	if err != nil {
		return MatchUpdateResult{}, err
	}

	if s.outbox != nil {
		payload := map[string]any{
			"project_id":    match.ProjectID,
			"contractor_id": match.ContractorUserID,
			"escrow_id":     rec.ID,
		}
		if err := s.outbox.EnqueueTx(ctx, tx, "crm.project.awarded", payload); err != nil {
			return MatchUpdateResult{}, fmt.Errorf("match: enqueue award outbox: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return MatchUpdateResult{}, fmt.Errorf("match: commit acceptance: %w", err)
	}

	accepted, err := s.repo.GetByID(ctx, match.ID)
	if err != nil {
		return MatchUpdateResult{}, err
	}
	return MatchUpdateResult{
		Match:  accepted,
		Escrow: &rec,
	}, nil
}
