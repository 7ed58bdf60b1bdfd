package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"namcportal/auth"
)

func TestHandleFundingSucceeded_Idempotent(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{insertKeyErr: ErrDuplicateIdempotencyKey}
	svc := NewService(pool, repo, &fakeProcessor{})

	err := svc.HandleFundingSucceeded(context.Background(), FundingSucceededParams{
		EventID:         "evt_abc",
		PaymentIntentID: "pi_abc",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if len(pool.txs) != 1 {
		t.Fatalf("expected one transaction, got %d", len(pool.txs))
	}
	if !pool.txs[0].rolled {
		t.Errorf("expected rollback to be called")
	}
	if pool.txs[0].committed {
		t.Errorf("expected commit to be skipped on idempotent replay")
	}
	if repo.applied {
		t.Errorf("expected funding application to be skipped when key duplicates")
	}
}

func TestHandleFundingSucceeded_Success(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	svc := NewService(pool, repo, &fakeProcessor{})

	err := svc.HandleFundingSucceeded(context.Background(), FundingSucceededParams{
		EventID:         "evt_123",
		PaymentIntentID: "pi_123",
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if len(pool.txs) != 1 {
		t.Fatalf("expected one transaction, got %d", len(pool.txs))
	}
	if !pool.txs[0].committed {
		t.Errorf("expected commit to be called")
	}
	if !repo.applied {
		t.Errorf("expected funding application to run")
	}
	if repo.appliedIntent != "pi_123" {
		t.Errorf("expected intent pi_123, got %q", repo.appliedIntent)
	}
	if len(repo.keys) != 1 || repo.keys[0] != "processor:evt_123" {
		t.Errorf("expected idempotency key processor:evt_123, got %v", repo.keys)
	}
}

func TestFundEscrow_SimulatedConfirmation(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{rec: Record{
		ID:                "esc-1",
		ProjectID:         "proj-1",
		ClientUserID:      "client-1",
		ContractorUserID:  "contractor-1",
		TotalProjectValue: decimal.NewFromInt(1000),
		Status:            StatusPending,
	}}
	proc := &fakeProcessor{intentID: "pi_sim_1"}
	svc := NewService(pool, repo, proc).WithSimulatedFunding(true)

	funding, err := svc.FundEscrow(context.Background(), FundParams{
		EscrowID:  "esc-1",
		Amount:    decimal.NewFromInt(400),
		ActorID:   "client-1",
		ActorRole: auth.RoleClient,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if proc.calls != 1 {
		t.Fatalf("expected one intent, got %d", proc.calls)
	}
	if proc.lastParams.Amount.Cmp(decimal.NewFromInt(400)) != 0 {
		t.Errorf("expected intent amount 400, got %s", proc.lastParams.Amount)
	}
	if funding.Status != FundingSucceeded {
		t.Errorf("expected simulated funding to confirm, got %s", funding.Status)
	}
	if repo.appliedIntent != "pi_sim_1" {
		t.Errorf("expected intent pi_sim_1 applied, got %q", repo.appliedIntent)
	}
	if len(repo.keys) != 1 || repo.keys[0] != "processor:sim_pi_sim_1" {
		t.Errorf("expected simulated event key, got %v", repo.keys)
	}

	// validate tx (rolled back), record tx, webhook tx
	if len(pool.txs) != 3 {
		t.Fatalf("expected three transactions, got %d", len(pool.txs))
	}
	if pool.txs[0].committed {
		t.Errorf("expected validation tx to roll back")
	}
	if !pool.txs[1].committed || !pool.txs[2].committed {
		t.Errorf("expected record and webhook txs to commit")
	}
}

func TestFundEscrow_RejectsNonParty(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{rec: Record{
		ID:                "esc-1",
		ClientUserID:      "client-1",
		TotalProjectValue: decimal.NewFromInt(1000),
		Status:            StatusPending,
	}}
	proc := &fakeProcessor{}
	svc := NewService(pool, repo, proc)

	_, err := svc.FundEscrow(context.Background(), FundParams{
		EscrowID:  "esc-1",
		Amount:    decimal.NewFromInt(100),
		ActorID:   "stranger",
		ActorRole: auth.RoleContractor,
	})
	if !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
	if proc.calls != 0 {
		t.Errorf("expected no intent for rejected funding")
	}
}

func TestFundEscrow_RejectsOverfunding(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{rec: Record{
		ID:                "esc-1",
		ClientUserID:      "client-1",
		TotalProjectValue: decimal.NewFromInt(1000),
		FundedAmount:      decimal.NewFromInt(900),
		Status:            StatusPending,
	}}
	proc := &fakeProcessor{}
	svc := NewService(pool, repo, proc)

	_, err := svc.FundEscrow(context.Background(), FundParams{
		EscrowID:  "esc-1",
		Amount:    decimal.NewFromInt(200),
		ActorID:   "client-1",
		ActorRole: auth.RoleClient,
	})
	if !errors.Is(err, ErrExcessFunding) {
		t.Fatalf("expected ErrExcessFunding, got %v", err)
	}
	if proc.calls != 0 {
		t.Errorf("expected no intent for rejected funding")
	}
}

func TestFundEscrow_RejectsDisputed(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{rec: Record{
		ID:                "esc-1",
		ClientUserID:      "client-1",
		TotalProjectValue: decimal.NewFromInt(1000),
		Status:            StatusDisputed,
	}}
	svc := NewService(pool, repo, &fakeProcessor{})

	_, err := svc.FundEscrow(context.Background(), FundParams{
		EscrowID:  "esc-1",
		Amount:    decimal.NewFromInt(100),
		ActorID:   "client-1",
		ActorRole: auth.RoleClient,
	})
	if !errors.Is(err, ErrEscrowFrozen) {
		t.Fatalf("expected ErrEscrowFrozen, got %v", err)
	}
}

func TestFundEscrow_RequiresProcessor(t *testing.T) {
	svc := NewService(&fakePool{}, &fakeRepo{}, nil)

	_, err := svc.FundEscrow(context.Background(), FundParams{
		EscrowID: "esc-1",
		Amount:   decimal.NewFromInt(100),
		ActorID:  "client-1",
	})
	if !errors.Is(err, ErrProcessorUnavailable) {
		t.Fatalf("expected ErrProcessorUnavailable, got %v", err)
	}
}

func TestReleaseRetention_AdminOnly(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	svc := NewService(pool, repo, &fakeProcessor{})

	_, err := svc.ReleaseRetention(context.Background(), ReleaseRetentionParams{
		EscrowID:  "esc-1",
		ActorID:   "contractor-1",
		ActorRole: auth.RoleContractor,
	})
	if !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
	if repo.retentionCalled {
		t.Errorf("expected release to be skipped for non-admin")
	}
}

func TestReleaseRetention_GeneratesTransferRef(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{}
	svc := NewService(pool, repo, &fakeProcessor{}).
		WithIDGenerator(func() string { return "fixed" })

	_, err := svc.ReleaseRetention(context.Background(), ReleaseRetentionParams{
		EscrowID:  "esc-1",
		ActorID:   "admin-1",
		ActorRole: auth.RoleAdmin,
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.retentionParams.TransferRef != "pay_fixed" {
		t.Errorf("expected transfer ref pay_fixed, got %q", repo.retentionParams.TransferRef)
	}
	if len(pool.txs) != 1 || !pool.txs[0].committed {
		t.Errorf("expected release tx to commit")
	}
}

func TestProcessChangeOrder_RejectsNonParty(t *testing.T) {
	pool := &fakePool{}
	repo := &fakeRepo{rec: Record{ID: "esc-1", ClientUserID: "client-1", Status: StatusFunded}}
	svc := NewService(pool, repo, &fakeProcessor{})

	_, err := svc.ProcessChangeOrder(context.Background(), ChangeOrderParams{
		EscrowID:    "esc-1",
		AmountDelta: decimal.NewFromInt(500),
		ActorID:     "contractor-1",
		ActorRole:   auth.RoleContractor,
	})
	if !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
	if repo.changeCalled {
		t.Errorf("expected change order to be skipped")
	}
}

type fakeProcessor struct {
	intentID   string
	err        error
	calls      int
	lastParams FundingIntentParams
}

func (f *fakeProcessor) CreateFundingIntent(ctx context.Context, params FundingIntentParams) (string, error) {
	f.calls++
	f.lastParams = params
	if f.err != nil {
		return "", f.err
	}
	if f.intentID == "" {
		return "pi_fake", nil
	}
	return f.intentID, nil
}

type fakeRepo struct {
	rec          Record
	getErr       error
	insertKeyErr error
	keys         []string

	applied       bool
	appliedIntent string

	changeCalled    bool
	retentionCalled bool
	retentionParams ReleaseRetentionTxParams
}

func (f *fakeRepo) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if f.insertKeyErr != nil {
		return f.insertKeyErr
	}
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, escrowID string) (Record, error) {
	if f.getErr != nil {
		return Record{}, f.getErr
	}
	return f.rec, nil
}

func (f *fakeRepo) CreateFromAward(ctx context.Context, tx pgx.Tx, params AwardParams) (Record, error) {
	return f.rec, nil
}

func (f *fakeRepo) InsertFunding(ctx context.Context, tx pgx.Tx, escrowID string, amount decimal.Decimal, paymentIntentID string) (Funding, error) {
	return Funding{
		ID:              "funding-1",
		EscrowID:        escrowID,
		Amount:          amount,
		PaymentIntentID: paymentIntentID,
		Status:          FundingPending,
	}, nil
}

func (f *fakeRepo) ApplyFundingSucceeded(ctx context.Context, tx pgx.Tx, paymentIntentID string) (FundingApplied, error) {
	f.applied = true
	f.appliedIntent = paymentIntentID
	return FundingApplied{EscrowID: f.rec.ID}, nil
}

func (f *fakeRepo) ApplyChangeOrder(ctx context.Context, tx pgx.Tx, params ChangeOrderTxParams) (Record, error) {
	f.changeCalled = true
	return f.rec, nil
}

func (f *fakeRepo) ReleaseRetentionTx(ctx context.Context, tx pgx.Tx, params ReleaseRetentionTxParams) (RetentionReleased, error) {
	f.retentionCalled = true
	f.retentionParams = params
	return RetentionReleased{Record: f.rec}, nil
}

func (f *fakeRepo) AppendEvent(ctx context.Context, tx pgx.Tx, escrowID, eventType, actorID string, payload map[string]any) error {
	return nil
}

type fakePool struct {
	txs []*fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
