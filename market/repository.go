package market

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides the read paths used by the CLI glue and tests.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetJob fetches a job by id with its stored status.
func (r *Repository) GetJob(ctx context.Context, jobID int64) (Job, error) {
	var (
		job      Job
		category int16
		status   string
		selected *int64
		escrowID *int64
	)
	err := r.pool.QueryRow(ctx, `
SELECT id, buyer, spec_ref, category, budget, asset, deadline, status, selected_bid_id, escrow_id, created_at, updated_at
FROM jobs WHERE id = $1
`, jobID).Scan(&job.ID, &job.Buyer, &job.SpecRef, &category, &job.Budget, &job.Asset,
		&job.Deadline, &status, &selected, &escrowID, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("market: get job %d: %w", jobID, err)
	}
	job.Category = Category(category)
	job.Status = Status(status)
	if selected != nil {
		job.SelectedBidID = *selected
	}
	if escrowID != nil {
		job.EscrowID = *escrowID
	}
	return job, nil
}

// ListOpenJobs returns open jobs, newest first.
func (r *Repository) ListOpenJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
SELECT id, buyer, spec_ref, category, budget, asset, deadline, status, selected_bid_id, escrow_id, created_at, updated_at
FROM jobs
WHERE status = 'open'
ORDER BY created_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("market: list open jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]Job, 0, limit)
	for rows.Next() {
		var (
			job      Job
			category int16
			status   string
			selected *int64
			escrowID *int64
		)
		if err := rows.Scan(&job.ID, &job.Buyer, &job.SpecRef, &category, &job.Budget, &job.Asset,
			&job.Deadline, &status, &selected, &escrowID, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("market: scan job: %w", err)
		}
		job.Category = Category(category)
		job.Status = Status(status)
		if selected != nil {
			job.SelectedBidID = *selected
		}
		if escrowID != nil {
			job.EscrowID = *escrowID
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("market: iterate jobs: %w", err)
	}
	return jobs, nil
}

// ListBids returns all bids for a job in placement order.
func (r *Repository) ListBids(ctx context.Context, jobID int64) ([]Bid, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, job_id, agent, proposal_ref, price, eta_seconds, max_revisions, created_at
FROM bids
WHERE job_id = $1
ORDER BY id
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("market: list bids: %w", err)
	}
	defer rows.Close()

	bids := make([]Bid, 0, 8)
	for rows.Next() {
		var bid Bid
		if err := rows.Scan(&bid.ID, &bid.JobID, &bid.Agent, &bid.ProposalRef,
			&bid.Price, &bid.EtaSeconds, &bid.MaxRevisions, &bid.CreatedAt); err != nil {
			return nil, fmt.Errorf("market: scan bid: %w", err)
		}
		bids = append(bids, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("market: iterate bids: %w", err)
	}
	return bids, nil
}

// CountBids returns the total number of bids recorded for a job.
func (r *Repository) CountBids(ctx context.Context, jobID int64) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM bids WHERE job_id = $1`, jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("market: count bids: %w", err)
	}
	return n, nil
}
