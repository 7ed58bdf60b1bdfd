package escrow

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"namcportal/auth"
)

// TestEscrowLifecycle_Integration connects to a real PostgreSQL via DATABASE_URL
// and walks one escrow from award through funding, milestone payment, task
// verification, and the final retention release.
func TestEscrowLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	for _, table := range []string{"escrows", "escrow_events", "milestones", "task_payments", "payouts", "escrow_fundings", "outbox", "idempotency"} {
		if !tableExists(ctx, t, pool, table) {
			t.Skip("database schema missing; run migrations: migrate -path migrations -database \"$DATABASE_URL\" up")
		}
	}

	nano := time.Now().UnixNano()
	var clientID, contractorID, projectID string

	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, 'Dana Client', 'client') RETURNING id`,
		fmt.Sprintf("dana+%d@example.com", nano)).Scan(&clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, 'Reyes Electric', 'contractor') RETURNING id`,
		fmt.Sprintf("reyes+%d@example.com", nano)).Scan(&contractorID); err != nil {
		t.Fatalf("seed contractor: %v", err)
	}
	if err := pool.QueryRow(ctx, `
        INSERT INTO projects (client_user_id, title, budget, trade_categories, city)
        VALUES ($1, $2, 10000.00, '{electrical}', 'Oakland') RETURNING id
    `, clientID, fmt.Sprintf("Panel upgrade %d", nano)).Scan(&projectID); err != nil {
		t.Fatalf("seed project: %v", err)
	}

	// Escrow rows, events, and payouts are append-only; cleanup removes what
	// the triggers allow and leaves the rest (emails are unique per run).
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'escrow_id' IN (SELECT id::text FROM escrows WHERE project_id = $1)`, projectID)
		pool.Exec(ctx2, `DELETE FROM escrow_fundings WHERE escrow_id IN (SELECT id FROM escrows WHERE project_id = $1)`, projectID)
		pool.Exec(ctx2, `DELETE FROM idempotency WHERE key LIKE 'processor:sim_pi_itest_%'`)
	})

	repo := NewRepository()
	proc := &fakeProcessor{intentID: fmt.Sprintf("pi_itest_%d", nano)}
	svc := NewService(pool, repo, proc).WithSimulatedFunding(true)
	milestones := NewMilestoneService(pool, repo)
	tasks := NewTaskService(pool, repo)

	// Award: creates the escrow and flips the project to awarded.
	rec, err := svc.CreateProjectEscrow(ctx, CreateEscrowParams{
		ProjectID:        projectID,
		ContractorUserID: contractorID,
		RetentionPct:     DefaultRetentionPct,
		ActorID:          clientID,
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if rec.Status != StatusPending {
		t.Fatalf("expected pending escrow, got %s", rec.Status)
	}
	if rec.TotalProjectValue.StringFixed(2) != "10000.00" {
		t.Fatalf("expected total from project budget, got %s", rec.TotalProjectValue)
	}

	var projectStatus string
	if err := pool.QueryRow(ctx, `SELECT status::text FROM projects WHERE id = $1`, projectID).Scan(&projectStatus); err != nil {
		t.Fatalf("verify project: %v", err)
	}
	if projectStatus != "awarded" {
		t.Fatalf("expected project awarded, got %q", projectStatus)
	}

	ms, err := milestones.Create(ctx, CreateMilestoneParams{
		EscrowID: rec.ID,
		Title:    "Rough-in complete",
		Amount:   decimal.RequireFromString("6000.00"),
		ActorID:  clientID,
	})
	if err != nil {
		t.Fatalf("create milestone: %v", err)
	}
	if ms.Percentage.StringFixed(2) != "60.00" {
		t.Fatalf("expected 60%% milestone, got %s", ms.Percentage)
	}

	// Fund in full; simulated processor confirms inline.
	funding, err := svc.FundEscrow(ctx, FundParams{
		EscrowID:  rec.ID,
		Amount:    decimal.RequireFromString("10000.00"),
		ActorID:   clientID,
		ActorRole: auth.RoleClient,
	})
	if err != nil {
		t.Fatalf("fund escrow: %v", err)
	}
	if funding.Status != FundingSucceeded {
		t.Fatalf("expected simulated funding to succeed, got %s", funding.Status)
	}

	assertEscrowBalances(ctx, t, pool, rec.ID, "funded", "10000.00", "0.00", "0.00")

	// Webhook replay with the same processor event must not double-apply.
	if err := svc.HandleFundingSucceeded(ctx, FundingSucceededParams{
		EventID:         "sim_" + funding.PaymentIntentID,
		PaymentIntentID: funding.PaymentIntentID,
	}); err != nil {
		t.Fatalf("replay webhook: %v", err)
	}
	assertEscrowBalances(ctx, t, pool, rec.ID, "funded", "10000.00", "0.00", "0.00")

	// Milestone completion releases net of retention and activates the escrow.
	completion, err := milestones.Complete(ctx, CompleteMilestoneParams{
		MilestoneID:      ms.ID,
		VerificationNote: "walkthrough signed off",
		ActorID:          clientID,
	})
	if err != nil {
		t.Fatalf("complete milestone: %v", err)
	}
	if completion.Milestone.Status != MilestonePaid {
		t.Fatalf("expected paid milestone, got %s", completion.Milestone.Status)
	}
	if completion.Payout == nil || completion.Payout.Amount.StringFixed(2) != "5700.00" {
		t.Fatalf("expected 5700.00 payout, got %+v", completion.Payout)
	}
	if !completion.BecameActive {
		t.Fatalf("expected escrow to activate on first release")
	}
	assertEscrowBalances(ctx, t, pool, rec.ID, "active", "10000.00", "5700.00", "300.00")

	// Task payment: evidence then passing verification.
	task, err := tasks.Create(ctx, CreateTaskParams{
		EscrowID: rec.ID,
		TaskName: "Panel labeling",
		Amount:   decimal.RequireFromString("1000.00"),
		ActorID:  clientID,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := tasks.AttachEvidence(ctx, AttachEvidenceParams{
		TaskPaymentID: task.ID,
		PhotoURL:      "https://cdn.example.com/evidence/panel.jpg",
		ActorID:       contractorID,
	}); err != nil {
		t.Fatalf("attach evidence: %v", err)
	}
	verification, err := tasks.Verify(ctx, VerifyTaskParams{
		TaskPaymentID: task.ID,
		QualityScore:  92,
		Note:          "labels legible",
		ActorID:       clientID,
	})
	if err != nil {
		t.Fatalf("verify task: %v", err)
	}
	if !verification.Approved {
		t.Fatalf("expected score 92 to pass threshold 80")
	}
	if verification.Payout == nil || verification.Payout.Amount.StringFixed(2) != "950.00" {
		t.Fatalf("expected 950.00 payout, got %+v", verification.Payout)
	}
	assertEscrowBalances(ctx, t, pool, rec.ID, "active", "10000.00", "6650.00", "350.00")

	// All milestones paid and tasks settled: retention releases and closes.
	released, err := svc.ReleaseRetention(ctx, ReleaseRetentionParams{
		EscrowID:  rec.ID,
		ActorID:   clientID,
		ActorRole: auth.RoleAdmin,
	})
	if err != nil {
		t.Fatalf("release retention: %v", err)
	}
	if released.Payout == nil || released.Payout.Amount.StringFixed(2) != "350.00" {
		t.Fatalf("expected 350.00 retention payout, got %+v", released.Payout)
	}
	assertEscrowBalances(ctx, t, pool, rec.ID, "closed", "10000.00", "7000.00", "0.00")

	// Event log is gapless and strictly ordered.
	var evCount, evMax int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*), COALESCE(MAX(seq), 0) FROM escrow_events WHERE escrow_id = $1`, rec.ID).Scan(&evCount, &evMax); err != nil {
		t.Fatalf("verify events: %v", err)
	}
	if evCount == 0 || evCount != evMax {
		t.Fatalf("expected gapless event seq, count=%d max=%d", evCount, evMax)
	}

	// One payout per release, each with its own transfer reference.
	var payoutCount, refCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*), COUNT(DISTINCT transfer_ref) FROM payouts WHERE escrow_id = $1`, rec.ID).Scan(&payoutCount, &refCount); err != nil {
		t.Fatalf("verify payouts: %v", err)
	}
	if payoutCount != 3 || refCount != 3 {
		t.Fatalf("expected 3 payouts with distinct refs, got count=%d refs=%d", payoutCount, refCount)
	}

	// Each payout enqueued a transfer request for the relay.
	var transferMsgs int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'escrow_id' = $2`, TopicTransferRequested, rec.ID).Scan(&transferMsgs); err != nil {
		t.Fatalf("verify outbox: %v", err)
	}
	if transferMsgs != 3 {
		t.Fatalf("expected 3 transfer requests, got %d", transferMsgs)
	}
}

func assertEscrowBalances(ctx context.Context, t *testing.T, pool *pgxpool.Pool, escrowID, wantStatus, wantFunded, wantReleased, wantHeld string) {
	t.Helper()
	var status, funded, releasedAmt, held string
	err := pool.QueryRow(ctx, `
        SELECT status::text, funded_amount::text, released_amount::text, retention_held::text
        FROM escrows WHERE id = $1
    `, escrowID).Scan(&status, &funded, &releasedAmt, &held)
	if err != nil {
		t.Fatalf("load escrow balances: %v", err)
	}
	if status != wantStatus || funded != wantFunded || releasedAmt != wantReleased || held != wantHeld {
		t.Fatalf("escrow state = %s funded=%s released=%s held=%s, want %s/%s/%s/%s",
			status, funded, releasedAmt, held, wantStatus, wantFunded, wantReleased, wantHeld)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
