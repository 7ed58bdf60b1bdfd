package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"namcportal/auth"
)

var (
	// ErrExcessFunding is returned when a funding would push the escrow past
	// its remaining balance.
	ErrExcessFunding = errors.New("escrow: funding exceeds remaining balance")
	// ErrProcessorUnavailable is returned when no payment processor is wired.
	ErrProcessorUnavailable = errors.New("escrow: payment processor not configured")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// FundingIntentParams carries what the processor needs to collect a funding.
type FundingIntentParams struct {
	EscrowID     string
	ProjectID    string
	ClientUserID string
	Amount       decimal.Decimal
}

// Processor creates payment-processor artifacts for money headed into an
// escrow. Actual money movement is the processor's concern.
type Processor interface {
	CreateFundingIntent(ctx context.Context, params FundingIntentParams) (string, error)
}

// TxRepository defines the transactional data access required by the service.
type TxRepository interface {
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, escrowID string) (Record, error)
	CreateFromAward(ctx context.Context, tx pgx.Tx, params AwardParams) (Record, error)
	InsertFunding(ctx context.Context, tx pgx.Tx, escrowID string, amount decimal.Decimal, paymentIntentID string) (Funding, error)
	ApplyFundingSucceeded(ctx context.Context, tx pgx.Tx, paymentIntentID string) (FundingApplied, error)
	ApplyChangeOrder(ctx context.Context, tx pgx.Tx, params ChangeOrderTxParams) (Record, error)
	ReleaseRetentionTx(ctx context.Context, tx pgx.Tx, params ReleaseRetentionTxParams) (RetentionReleased, error)
	AppendEvent(ctx context.Context, tx pgx.Tx, escrowID, eventType, actorID string, payload map[string]any) error
}

// Service coordinates the escrow lifecycle: creation, funding, change
// orders, and the final retention release.
type Service struct {
	pool      TxBeginner
	repo      TxRepository
	processor Processor
	simulate  bool
	now       func() time.Time
	idGen     func() string
}

func NewService(pool TxBeginner, repo TxRepository, processor Processor) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:      pool,
		repo:      repo,
		processor: processor,
		now:       time.Now,
		idGen:     func() string { return uuid.NewString() },
	}
}

// WithSimulatedFunding makes FundEscrow confirm its own intent immediately,
// for environments without processor webhooks.
func (s *Service) WithSimulatedFunding(simulate bool) *Service {
	s.simulate = simulate
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// CreateEscrowParams is the admin-facing direct creation path, used when a
// project agreement is recorded outside the matching flow.
type CreateEscrowParams struct {
	ProjectID        string
	ContractorUserID string
	TotalValue       decimal.Decimal
	RetentionPct     decimal.Decimal
	ActorID          string
}

func (s *Service) CreateProjectEscrow(ctx context.Context, params CreateEscrowParams) (Record, error) {
	if params.ProjectID == "" {
		return Record{}, fmt.Errorf("escrow: missing project id")
	}
	if params.ContractorUserID == "" {
		return Record{}, fmt.Errorf("escrow: missing contractor user id")
	}
	if params.RetentionPct.IsNegative() || params.RetentionPct.GreaterThan(decimal.NewFromInt(50)) {
		return Record{}, fmt.Errorf("escrow: retention percentage out of range")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.CreateFromAward(ctx, tx, AwardParams{
		ProjectID:        params.ProjectID,
		ContractorUserID: params.ContractorUserID,
		TotalValue:       params.TotalValue,
		RetentionPct:     params.RetentionPct,
		AwardedAt:        s.now(),
		ActorID:          params.ActorID,
	})
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit create tx: %w", err)
	}

	return rec, nil
}

// FundParams captures one funding request.
type FundParams struct {
	EscrowID  string
	Amount    decimal.Decimal
	ActorID   string
	ActorRole auth.Role
}

// FundEscrow validates the request, creates a processor payment intent, and
// records the pending funding. The processor's webhook confirms it; with
// simulated funding the confirmation is applied inline.
func (s *Service) FundEscrow(ctx context.Context, params FundParams) (Funding, error) {
	if params.EscrowID == "" {
		return Funding{}, fmt.Errorf("escrow: missing escrow id")
	}
	if !params.Amount.IsPositive() {
		return Funding{}, fmt.Errorf("escrow: funding amount must be positive")
	}
	if s.processor == nil {
		return Funding{}, ErrProcessorUnavailable
	}

	rec, err := s.validateFunding(ctx, params)
	if err != nil {
		return Funding{}, err
	}

	intentID, err := s.processor.CreateFundingIntent(ctx, FundingIntentParams{
		EscrowID:     rec.ID,
		ProjectID:    rec.ProjectID,
		ClientUserID: rec.ClientUserID,
		Amount:       params.Amount,
	})
	if err != nil {
		return Funding{}, fmt.Errorf("escrow: create funding intent: %w", err)
	}

	funding, err := s.recordFunding(ctx, params, intentID)
	if err != nil {
		return Funding{}, err
	}

	if s.simulate {
		if err := s.HandleFundingSucceeded(ctx, FundingSucceededParams{
			EventID:         "sim_" + intentID,
			PaymentIntentID: intentID,
		}); err != nil {
			return Funding{}, err
		}
		funding.Status = FundingSucceeded
	}

	return funding, nil
}

// validateFunding performs the pre-intent checks under a short-lived row
// lock, so the processor call happens with no lock held.
func (s *Service) validateFunding(ctx context.Context, params FundParams) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin funding check: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, params.EscrowID)
	if err != nil {
		return Record{}, err
	}
	if err := checkFundable(rec, params); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func checkFundable(rec Record, params FundParams) error {
	if params.ActorRole != auth.RoleAdmin && rec.ClientUserID != params.ActorID {
		return ErrNotParty
	}
	switch rec.Status {
	case StatusClosed:
		return ErrEscrowClosed
	case StatusDisputed:
		return ErrEscrowFrozen
	}
	remaining := rec.TotalProjectValue.Sub(rec.FundedAmount)
	if params.Amount.GreaterThan(remaining) {
		return fmt.Errorf("%w: %s > %s", ErrExcessFunding, params.Amount, remaining)
	}
	return nil
}

func (s *Service) recordFunding(ctx context.Context, params FundParams, intentID string) (Funding, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Funding{}, fmt.Errorf("escrow: begin funding tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, params.EscrowID)
	if err != nil {
		return Funding{}, err
	}
	if err := checkFundable(rec, params); err != nil {
		return Funding{}, err
	}

	funding, err := s.repo.InsertFunding(ctx, tx, params.EscrowID, params.Amount, intentID)
	if err != nil {
		return Funding{}, err
	}

	if err := s.repo.AppendEvent(ctx, tx, params.EscrowID, EventFundingRequested, params.ActorID, map[string]any{
		"funding_id":        funding.ID,
		"amount":            params.Amount.String(),
		"payment_intent_id": intentID,
	}); err != nil {
		return Funding{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Funding{}, fmt.Errorf("escrow: commit funding tx: %w", err)
	}

	return funding, nil
}

// FundingSucceededParams is the webhook payload normalized for the service.
type FundingSucceededParams struct {
	EventID         string
	PaymentIntentID string
}

// HandleFundingSucceeded applies a confirmed payment intent exactly once,
// keyed by the processor event id.
func (s *Service) HandleFundingSucceeded(ctx context.Context, params FundingSucceededParams) error {
	if params.EventID == "" {
		return fmt.Errorf("escrow: missing event id")
	}
	if params.PaymentIntentID == "" {
		return fmt.Errorf("escrow: missing payment intent id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin webhook tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.InsertIdempotencyKey(ctx, tx, "processor:"+params.EventID); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil
		}
		return err
	}

	if _, err := s.repo.ApplyFundingSucceeded(ctx, tx, params.PaymentIntentID); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit webhook tx: %w", err)
	}

	return nil
}

// ChangeOrderParams captures one adjustment to the total project value.
type ChangeOrderParams struct {
	EscrowID    string
	AmountDelta decimal.Decimal
	Description string
	ActorID     string
	ActorRole   auth.Role
}

func (s *Service) ProcessChangeOrder(ctx context.Context, params ChangeOrderParams) (Record, error) {
	if params.EscrowID == "" {
		return Record{}, fmt.Errorf("escrow: missing escrow id")
	}
	if params.AmountDelta.IsZero() {
		return Record{}, fmt.Errorf("escrow: change order amount required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("escrow: begin change order tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, params.EscrowID)
	if err != nil {
		return Record{}, err
	}
	if params.ActorRole != auth.RoleAdmin && rec.ClientUserID != params.ActorID {
		return Record{}, ErrNotParty
	}

	updated, err := s.repo.ApplyChangeOrder(ctx, tx, ChangeOrderTxParams{
		EscrowID:    params.EscrowID,
		AmountDelta: params.AmountDelta,
		Description: params.Description,
		ActorID:     params.ActorID,
	})
	if err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("escrow: commit change order tx: %w", err)
	}

	return updated, nil
}

// ReleaseRetentionParams closes out the escrow.
type ReleaseRetentionParams struct {
	EscrowID  string
	ActorID   string
	ActorRole auth.Role
}

func (s *Service) ReleaseRetention(ctx context.Context, params ReleaseRetentionParams) (RetentionReleased, error) {
	if params.EscrowID == "" {
		return RetentionReleased{}, fmt.Errorf("escrow: missing escrow id")
	}
	if params.ActorRole != auth.RoleAdmin {
		return RetentionReleased{}, ErrNotParty
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RetentionReleased{}, fmt.Errorf("escrow: begin retention tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := s.repo.ReleaseRetentionTx(ctx, tx, ReleaseRetentionTxParams{
		EscrowID:    params.EscrowID,
		ActorID:     params.ActorID,
		TransferRef: "pay_" + s.idGen(),
	})
	if err != nil {
		return RetentionReleased{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return RetentionReleased{}, fmt.Errorf("escrow: commit retention tx: %w", err)
	}

	return result, nil
}
