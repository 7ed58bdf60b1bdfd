package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run against a live database while actors
// hammer it. Any returned row is a violation.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_funded_within_total",
			SQL: `SELECT id, funded_amount, total_project_value FROM escrows
                  WHERE funded_amount > total_project_value`,
		},
		{
			Name: "O2_released_within_funded",
			SQL: `SELECT id, funded_amount, released_amount, retention_held FROM escrows
                  WHERE released_amount + retention_held > funded_amount
                     OR released_amount < 0 OR retention_held < 0`,
		},
		{
			Name: "O3_event_seq_gapless",
			SQL: `WITH seqs AS (
                      SELECT escrow_id, seq,
                             LAG(seq) OVER (PARTITION BY escrow_id ORDER BY seq) AS prev
                      FROM escrow_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <> prev + 1`,
		},
		{
			Name: "O4_paid_milestone_has_payout",
			SQL: `SELECT m.id FROM milestones m
                  WHERE m.status = 'paid'
                    AND (m.payout_ref IS NULL
                         OR NOT EXISTS (SELECT 1 FROM payouts p WHERE p.milestone_id = m.id))`,
		},
		{
			Name: "O5_payout_requires_settlement",
			SQL: `SELECT p.id FROM payouts p
                  LEFT JOIN milestones m ON m.id = p.milestone_id
                  LEFT JOIN task_payments t ON t.id = p.task_payment_id
                  WHERE (p.kind = 'milestone' AND (m.id IS NULL OR m.status <> 'paid'))
                     OR (p.kind = 'task' AND (t.id IS NULL OR t.status <> 'released'))`,
		},
		{
			Name: "O6_ledger_matches_balance",
			SQL: `SELECT e.id, e.released_amount, COALESCE(SUM(p.amount), 0) AS paid_out
                  FROM escrows e
                  LEFT JOIN payouts p ON p.escrow_id = e.id
                  GROUP BY e.id, e.released_amount
                  HAVING e.released_amount <> COALESCE(SUM(p.amount), 0)`,
		},
		{
			Name: "O7_single_live_escrow",
			SQL: `SELECT project_id, COUNT(*) FROM escrows
                  WHERE status <> 'closed'
                  GROUP BY project_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_no_release_inside_dispute",
			SQL: `WITH marked AS (
                      SELECT escrow_id, seq, type,
                             SUM(CASE WHEN type = 'DISPUTE_OPENED' THEN 1
                                      WHEN type = 'DISPUTE_RESOLVED' THEN -1
                                      ELSE 0 END)
                               OVER (PARTITION BY escrow_id ORDER BY seq) AS depth
                      FROM escrow_events)
                  SELECT * FROM marked
                  WHERE depth > 0
                    AND type IN ('MILESTONE_PAID', 'TASK_PAYMENT_VERIFIED', 'RETENTION_RELEASED', 'FUNDING_SUCCEEDED')`,
		},
		{
			Name: "O9_immutability_guards_present",
			SQL: `SELECT missing FROM (VALUES
                      ('no_update_escrow_events'),
                      ('no_change_payouts'),
                      ('no_delete_escrows')) AS required(missing)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = required.missing)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
