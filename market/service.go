package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentmarket/registry"
)

var (
	ErrNotFound           = errors.New("market: job not found")
	ErrBidNotFound        = errors.New("market: bid not found")
	ErrNotBuyer           = errors.New("market: caller is not the buyer")
	ErrNotOpen            = errors.New("market: job is not open")
	ErrNotSelected        = errors.New("market: job has no selected bid")
	ErrAgentNotActive     = errors.New("market: caller is not an active agent")
	ErrCustomBudgetTooLow = errors.New("market: custom budget below floor")
	ErrJobExpired         = errors.New("market: job deadline has passed")
	ErrBadParams          = errors.New("market: invalid parameters")
)

// ModuleResolver resolves role bindings at call time.
type ModuleResolver interface {
	ResolveTx(ctx context.Context, tx pgx.Tx, role string) (string, bool, error)
}

// AgentGate answers whether an address is an active provider.
type AgentGate interface {
	IsActiveTx(ctx context.Context, tx pgx.Tx, address string) (bool, error)
}

// EscrowFunder creates and funds an escrow on the marketplace's own
// transaction, so selection and custody commit atomically.
type EscrowFunder interface {
	CreateAndFundTx(ctx context.Context, tx pgx.Tx, jobID int64, buyer, agent string, amount int64, asset string, deadline time.Time, maxRevisions int32) (int64, error)
}

// TimelineWriter appends audit events on the caller's transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, entityKind string, entityID int64, eventType, actor string, payload map[string]any) error
}

// OutboxWriter enqueues transactional notifications.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service is the job/bid catalog and selection logic.
type Service struct {
	pool     *pgxpool.Pool
	modules  ModuleResolver
	gate     AgentGate
	escrows  EscrowFunder
	timeline TimelineWriter
	outbox   OutboxWriter
	now      func() time.Time
}

func NewService(pool *pgxpool.Pool, modules ModuleResolver, gate AgentGate, escrows EscrowFunder, timeline TimelineWriter, outbox OutboxWriter) *Service {
	return &Service{
		pool:     pool,
		modules:  modules,
		gate:     gate,
		escrows:  escrows,
		timeline: timeline,
		outbox:   outbox,
		now:      time.Now,
	}
}

// WithClock overrides the shared clock, used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// PublishJob creates a new open job for the caller.
func (s *Service) PublishJob(ctx context.Context, caller string, params PublishParams) (Job, error) {
	if caller == "" || params.SpecRef == "" || params.Asset == "" {
		return Job{}, ErrBadParams
	}
	if params.Budget <= 0 {
		return Job{}, ErrBadParams
	}
	if params.Category == CategoryCustom && params.Budget < CustomBudgetFloor {
		return Job{}, ErrCustomBudgetTooLow
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("market: begin publish: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
INSERT INTO jobs (buyer, spec_ref, category, budget, asset, deadline, status)
VALUES ($1, $2, $3, $4, $5, $6, 'open')
RETURNING id, created_at, updated_at
`
	var job Job
	job.Buyer = caller
	job.SpecRef = params.SpecRef
	job.Category = params.Category
	job.Budget = params.Budget
	job.Asset = params.Asset
	job.Deadline = params.Deadline
	job.Status = StatusOpen
	if err := tx.QueryRow(ctx, q, caller, params.SpecRef, int16(params.Category),
		params.Budget, params.Asset, params.Deadline).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return Job{}, fmt.Errorf("market: insert job: %w", err)
	}

	payload := map[string]any{
		"buyer":    caller,
		"spec_ref": params.SpecRef,
		"category": int16(params.Category),
		"budget":   params.Budget,
		"asset":    params.Asset,
		"deadline": params.Deadline.UTC(),
	}
	if err := s.timeline.Append(ctx, tx, "job", job.ID, "JOB_PUBLISHED", caller, payload); err != nil {
		return Job{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "job.published", map[string]any{"job_id": job.ID, "buyer": caller}); err != nil {
		return Job{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Job{}, fmt.Errorf("market: commit publish: %w", err)
	}
	return job, nil
}

// PlaceBid appends a bid from an active agent to an open job. If the job's
// deadline has already passed, the job is expired instead and the bid is
// rejected with ErrJobExpired; the expiry transition still commits.
func (s *Service) PlaceBid(ctx context.Context, caller string, jobID int64, params BidParams) (Bid, error) {
	if params.Price <= 0 || params.MaxRevisions < 0 {
		return Bid{}, ErrBadParams
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Bid{}, fmt.Errorf("market: begin bid: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.checkAgentActive(ctx, tx, caller); err != nil {
		return Bid{}, err
	}

	job, err := lockJob(ctx, tx, jobID)
	if err != nil {
		return Bid{}, err
	}

	if expired, err := s.expireIfDue(ctx, tx, &job); err != nil {
		return Bid{}, err
	} else if expired {
		if err := tx.Commit(ctx); err != nil {
			return Bid{}, fmt.Errorf("market: commit expiry: %w", err)
		}
		return Bid{}, ErrJobExpired
	}

	if job.Status != StatusOpen {
		return Bid{}, ErrNotOpen
	}

	const q = `
INSERT INTO bids (job_id, agent, proposal_ref, price, eta_seconds, max_revisions)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id, created_at
`
	bid := Bid{
		JobID:        jobID,
		Agent:        caller,
		ProposalRef:  params.ProposalRef,
		Price:        params.Price,
		EtaSeconds:   params.EtaSeconds,
		MaxRevisions: params.MaxRevisions,
	}
	if err := tx.QueryRow(ctx, q, jobID, caller, params.ProposalRef, params.Price,
		params.EtaSeconds, params.MaxRevisions).Scan(&bid.ID, &bid.CreatedAt); err != nil {
		return Bid{}, fmt.Errorf("market: insert bid: %w", err)
	}

	payload := map[string]any{
		"bid_id":       bid.ID,
		"agent":        caller,
		"proposal_ref": params.ProposalRef,
		"price":        params.Price,
		"eta_seconds":  params.EtaSeconds,
	}
	if err := s.timeline.Append(ctx, tx, "job", jobID, "BID_PLACED", caller, payload); err != nil {
		return Bid{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "bid.placed", map[string]any{"job_id": jobID, "bid_id": bid.ID, "agent": caller}); err != nil {
		return Bid{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Bid{}, fmt.Errorf("market: commit bid: %w", err)
	}
	return bid, nil
}

// SelectBid accepts a bid: it creates and funds the escrow from the buyer's
// balance and marks the job selected, all in one transaction.
func (s *Service) SelectBid(ctx context.Context, caller string, jobID, bidID int64) (escrowID int64, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("market: begin select: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := lockJob(ctx, tx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Buyer != caller {
		return 0, ErrNotBuyer
	}

	if expired, err := s.expireIfDue(ctx, tx, &job); err != nil {
		return 0, err
	} else if expired {
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("market: commit expiry: %w", err)
		}
		return 0, ErrJobExpired
	}

	if job.Status != StatusOpen {
		return 0, ErrNotOpen
	}

	var bid Bid
	err = tx.QueryRow(ctx, `
SELECT id, job_id, agent, proposal_ref, price, eta_seconds, max_revisions, created_at
FROM bids WHERE id = $1 AND job_id = $2
`, bidID, jobID).Scan(&bid.ID, &bid.JobID, &bid.Agent, &bid.ProposalRef, &bid.Price,
		&bid.EtaSeconds, &bid.MaxRevisions, &bid.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrBidNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("market: load bid: %w", err)
	}

	escrowID, err = s.escrows.CreateAndFundTx(ctx, tx, jobID, job.Buyer, bid.Agent, bid.Price, job.Asset, job.Deadline, bid.MaxRevisions)
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(ctx, `
UPDATE jobs
SET status = 'selected', selected_bid_id = $2, escrow_id = $3, updated_at = get_tx_timestamp()
WHERE id = $1
`, jobID, bidID, escrowID); err != nil {
		return 0, fmt.Errorf("market: mark selected: %w", err)
	}

	payload := map[string]any{
		"bid_id":    bidID,
		"agent":     bid.Agent,
		"price":     bid.Price,
		"escrow_id": escrowID,
	}
	if err := s.timeline.Append(ctx, tx, "job", jobID, "BID_SELECTED", caller, payload); err != nil {
		return 0, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "bid.selected", map[string]any{"job_id": jobID, "bid_id": bidID, "escrow_id": escrowID}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("market: commit select: %w", err)
	}
	return escrowID, nil
}

// CancelJob cancels an open job. No funds are locked before selection, so
// cancellation is unconditional once authorized.
func (s *Service) CancelJob(ctx context.Context, caller string, jobID int64) error {
	return s.closeWith(ctx, caller, jobID, StatusOpen, StatusCancelled, "JOB_CANCELLED", "job.cancelled")
}

// CloseJob marks a selected job closed. Bookkeeping only: the escrow's own
// settlement state is authoritative for funds.
func (s *Service) CloseJob(ctx context.Context, caller string, jobID int64) error {
	return s.closeWith(ctx, caller, jobID, StatusSelected, StatusClosed, "JOB_CLOSED", "job.closed")
}

func (s *Service) closeWith(ctx context.Context, caller string, jobID int64, from, to Status, eventType, topic string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("market: begin %s: %w", to, err)
	}
	defer tx.Rollback(ctx)

	job, err := lockJob(ctx, tx, jobID)
	if err != nil {
		return err
	}
	if job.Buyer != caller {
		return ErrNotBuyer
	}
	if job.Status != from {
		if from == StatusOpen {
			return ErrNotOpen
		}
		return ErrNotSelected
	}

	if _, err := tx.Exec(ctx, `
UPDATE jobs SET status = $2, updated_at = get_tx_timestamp() WHERE id = $1
`, jobID, string(to)); err != nil {
		return fmt.Errorf("market: set status %s: %w", to, err)
	}

	if err := s.timeline.Append(ctx, tx, "job", jobID, eventType, caller, map[string]any{"buyer": caller}); err != nil {
		return err
	}
	payload := map[string]any{"job_id": jobID, "buyer": caller}
	if to == StatusClosed {
		payload["escrow_id"] = job.EscrowID
	}
	if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("market: commit %s: %w", to, err)
	}
	return nil
}

// checkAgentActive gates bidding on the registry binding resolved on the
// caller's transaction. An unbound registry skips the check entirely.
func (s *Service) checkAgentActive(ctx context.Context, tx pgx.Tx, agent string) error {
	_, bound, err := s.modules.ResolveTx(ctx, tx, registry.RoleAgentRegistry)
	if err != nil {
		return err
	}
	if !bound {
		return nil
	}
	active, err := s.gate.IsActiveTx(ctx, tx, agent)
	if err != nil {
		return err
	}
	if !active {
		return ErrAgentNotActive
	}
	return nil
}

// expireIfDue applies the lazy Open→Expired transition when the job's
// deadline has passed, writing the audit trail on the same transaction.
func (s *Service) expireIfDue(ctx context.Context, tx pgx.Tx, job *Job) (bool, error) {
	if EffectiveStatus(job.Status, job.Deadline, s.now()) != StatusExpired || job.Status != StatusOpen {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
UPDATE jobs SET status = 'expired', updated_at = get_tx_timestamp() WHERE id = $1
`, job.ID); err != nil {
		return false, fmt.Errorf("market: expire job: %w", err)
	}
	job.Status = StatusExpired

	if err := s.timeline.Append(ctx, tx, "job", job.ID, "JOB_EXPIRED", "", map[string]any{"deadline": job.Deadline.UTC()}); err != nil {
		return false, err
	}
	if err := s.outbox.Enqueue(ctx, tx, "job.expired", map[string]any{"job_id": job.ID, "buyer": job.Buyer}); err != nil {
		return false, err
	}
	return true, nil
}

func lockJob(ctx context.Context, tx pgx.Tx, jobID int64) (Job, error) {
	var (
		job      Job
		category int16
		status   string
		selected *int64
		escrowID *int64
	)
	err := tx.QueryRow(ctx, `
SELECT id, buyer, spec_ref, category, budget, asset, deadline, status, selected_bid_id, escrow_id, created_at, updated_at
FROM jobs WHERE id = $1
FOR UPDATE
`, jobID).Scan(&job.ID, &job.Buyer, &job.SpecRef, &category, &job.Budget, &job.Asset,
		&job.Deadline, &status, &selected, &escrowID, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("market: lock job %d: %w", jobID, err)
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
