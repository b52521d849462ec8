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

// All returns the cross-table invariants the stress run must never violate.
// Each query selects violating rows, so an empty result means the oracle holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_revision_bound",
			SQL: `SELECT id, revision_count, max_revisions FROM escrows
                  WHERE revision_count > max_revisions`,
		},
		{
			Name: "O2_single_open_dispute",
			SQL: `SELECT escrow_id, COUNT(*) FROM disputes
                  WHERE NOT resolved
                  GROUP BY escrow_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_nonnegative_balances",
			SQL:  `SELECT asset, holder, amount FROM balances WHERE amount < 0`,
		},
		{
			Name: "O4_unfunded_never_settled",
			SQL: `SELECT id, settlement FROM escrows
                  WHERE NOT funded AND settlement <> 'none'`,
		},
		{
			Name: "O5_selected_job_linked",
			SQL: `SELECT id FROM jobs
                  WHERE status = 'selected'
                    AND (selected_bid_id IS NULL OR escrow_id IS NULL)`,
		},
		{
			Name: "O6_ruled_dispute_resolved",
			SQL: `SELECT e.id, e.dispute_id FROM escrows e
                  JOIN disputes d ON d.id = e.dispute_id
                  WHERE e.settlement = 'ruling' AND NOT d.resolved`,
		},
		{
			Name: "O7_selected_bid_belongs_to_job",
			SQL: `SELECT j.id FROM jobs j
                  JOIN bids b ON b.id = j.selected_bid_id
                  WHERE b.job_id <> j.id`,
		},
		{
			Name: "O8_nonce_monotone",
			SQL:  `SELECT agent, nonce FROM agent_nonces WHERE nonce < 0`,
		},
		{
			Name: "O9_stale_outbox",
			SQL: `SELECT id, topic FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return "", "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, _ := rows.Values()
			rows.Close()
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return "", "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		rows.Close()
	}
	return "", "", nil
}
