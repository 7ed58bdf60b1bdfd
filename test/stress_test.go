package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"namcportal/test/actors"
	"namcportal/test/chaos"
	"namcportal/test/infra"
	"namcportal/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

// TestEscrowConcurrency slams one escrow with concurrent funders, milestone
// payers, task verifiers, and disputers while oracles watch the books. Any
// oracle hit fails the run with the seed needed to replay it.
func TestEscrowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// Funders and payers battling over the same escrow.
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.Funder(ctx2, pool, seedData.escrowID, seedData.clientID, stop)
		})
		g.Go(func() error {
			return actors.MilestonePayer(ctx2, pool, seedData.escrowID, seedData.adminID, stop)
		})
	}

	g.Go(func() error { return actors.MilestoneCreator(ctx2, pool, seedData.escrowID, stop) })
	g.Go(func() error { return actors.TaskFlow(ctx2, pool, seedData.escrowID, seedData.adminID, stop) })
	g.Go(func() error {
		return actors.Disputer(ctx2, pool, seedData.escrowID, seedData.contractorID, seedData.clientID, stop)
	})
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, "", stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	adminID      string
	clientID     string
	contractorID string
	projectID    string
	escrowID     string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs
	nano := rand.Int63()
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, 'Stress Admin', 'admin') RETURNING id`,
		fmt.Sprintf("admin%d@example.com", nano)).Scan(&s.adminID); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, 'Stress Client', 'client') RETURNING id`,
		fmt.Sprintf("client%d@example.com", nano)).Scan(&s.clientID); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1, 'Stress Contractor', 'contractor') RETURNING id`,
		fmt.Sprintf("contractor%d@example.com", nano)).Scan(&s.contractorID); err != nil {
		t.Fatalf("seed contractor: %v", err)
	}
	if err := pool.QueryRow(ctx, `
		INSERT INTO projects (client_user_id, title, budget, trade_categories, city, status)
		VALUES ($1, $2, 100000.00, '{general}', 'Oakland', 'awarded') RETURNING id
	`, s.clientID, fmt.Sprintf("Stress build %d", nano)).Scan(&s.projectID); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	// Escrow starts pending with zero balances; funders bring it up to total.
	if err := pool.QueryRow(ctx, `
		INSERT INTO escrows (project_id, client_user_id, contractor_user_id, total_project_value, retention_percentage)
		VALUES ($1, $2, $3, 100000.00, 5.00) RETURNING id
	`, s.projectID, s.clientID, s.contractorID).Scan(&s.escrowID); err != nil {
		t.Fatalf("seed escrow: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO escrow_events (escrow_id, seq, type, actor_id) VALUES ($1, 1, 'ESCROW_CREATED', $2)
	`, s.escrowID, s.adminID); err != nil {
		t.Fatalf("seed escrow event: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"escrows", `SELECT id, status, funded_amount, released_amount, retention_held FROM escrows`},
		{"escrow_events", `SELECT id, escrow_id, seq, type, created_at FROM escrow_events ORDER BY id DESC LIMIT 50`},
		{"payouts", `SELECT id, escrow_id, kind, amount, transfer_ref, created_at FROM payouts ORDER BY created_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
		{"disputes", `SELECT id, escrow_id, status, created_at, resolved_at FROM disputes ORDER BY created_at DESC LIMIT 20`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			// compact print
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
