package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"agentmarket/escrow"
	"agentmarket/events"
	"agentmarket/identity"
	"agentmarket/market"
	"agentmarket/token"
)

// Publisher keeps publishing short-deadline jobs for one buyer.
func Publisher(ctx context.Context, svc *market.Service, buyer, asset string, stop <-chan struct{}) error {
	i := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		i++
		_, err := svc.PublishJob(ctx, buyer, market.PublishParams{
			SpecRef:  fmt.Sprintf("ipfs://stress-job-%d-%d", rand.Int63(), i),
			Category: market.Category(rand.Intn(3)),
			Budget:   int64(100+rand.Intn(900)) * 1_000000,
			Asset:    asset,
			Deadline: time.Now().Add(time.Duration(2+rand.Intn(30)) * time.Second),
		})
		if err != nil {
			return fmt.Errorf("publisher: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(50)) * time.Millisecond)
	}
}

// Bidder races to place bids on whatever is open. Rejections from jobs
// closing or expiring underneath it are expected under contention.
func Bidder(ctx context.Context, svc *market.Service, repo *market.Repository, agent string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		jobs, err := repo.ListOpenJobs(ctx, 10)
		if err != nil {
			return fmt.Errorf("bidder list: %w", err)
		}
		for _, job := range jobs {
			_, err := svc.PlaceBid(ctx, agent, job.ID, market.BidParams{
				ProposalRef:  fmt.Sprintf("ipfs://bid-%d", rand.Int63()),
				Price:        job.Budget - int64(rand.Intn(50))*1_000000,
				EtaSeconds:   int64(60 + rand.Intn(600)),
				MaxRevisions: int32(rand.Intn(3)),
			})
			if err != nil && !expectedMarketErr(err) {
				return fmt.Errorf("bidder place: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Selector accepts the first bid on any open job owned by the buyer.
func Selector(ctx context.Context, svc *market.Service, repo *market.Repository, buyer string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		jobs, err := repo.ListOpenJobs(ctx, 10)
		if err != nil {
			return fmt.Errorf("selector list: %w", err)
		}
		for _, job := range jobs {
			if job.Buyer != buyer {
				continue
			}
			bids, err := repo.ListBids(ctx, job.ID)
			if err != nil {
				return fmt.Errorf("selector bids: %w", err)
			}
			if len(bids) == 0 {
				continue
			}
			if _, err := svc.SelectBid(ctx, buyer, job.ID, bids[0].ID); err != nil && !expectedMarketErr(err) {
				return fmt.Errorf("selector select: %w", err)
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// Deliverer signs and submits receipts for its own funded escrows. Nonce
// races with itself across escrows surface as rejections, never as
// double-applied deliveries.
func Deliverer(ctx context.Context, pool *pgxpool.Pool, engine *escrow.Engine, key *identity.KeyPair, stop <-chan struct{}) error {
	agent := key.Address()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rows, err := pool.Query(ctx, `
SELECT id, job_id FROM escrows
WHERE agent = $1 AND funded AND settlement = 'none' AND delivery_hash = ''
LIMIT 5`, agent)
		if err != nil {
			return fmt.Errorf("deliverer scan: %w", err)
		}
		type target struct{ escrowID, jobID int64 }
		var targets []target
		for rows.Next() {
			var t target
			if err := rows.Scan(&t.escrowID, &t.jobID); err != nil {
				rows.Close()
				return fmt.Errorf("deliverer row: %w", err)
			}
			targets = append(targets, t)
		}
		rows.Close()

		for _, t := range targets {
			nonce, err := engine.Nonce(ctx, agent)
			if err != nil {
				return fmt.Errorf("deliverer nonce: %w", err)
			}
			receipt := escrow.DeliveryReceipt{
				EscrowID:     t.escrowID,
				JobID:        t.jobID,
				Agent:        agent,
				DeliveryRef:  fmt.Sprintf("ipfs://delivery-%d", t.escrowID),
				DeliveryHash: [32]byte{byte(t.escrowID), byte(t.escrowID >> 8)},
				Timestamp:    time.Now().Unix(),
				Nonce:        nonce,
				Deadline:     time.Now().Add(time.Minute).Unix(),
			}
			sig := key.SignDigest(escrow.ReceiptDigest(engine.NetworkID(), engine.Address(), receipt))
			if err := engine.SubmitDelivery(ctx, receipt, sig); err != nil && !expectedEscrowErr(err) {
				return fmt.Errorf("deliverer submit: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Accepter settles delivered escrows for one buyer.
func Accepter(ctx context.Context, pool *pgxpool.Pool, engine *escrow.Engine, buyer string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rows, err := pool.Query(ctx, `
SELECT id FROM escrows
WHERE buyer = $1 AND funded AND settlement = 'none'
  AND delivery_hash <> '' AND NOT revision_requested
LIMIT 5`, buyer)
		if err != nil {
			return fmt.Errorf("accepter scan: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("accepter row: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()

		for _, id := range ids {
			if err := engine.Accept(ctx, buyer, id); err != nil && !expectedEscrowErr(err) {
				return fmt.Errorf("accepter accept: %w", err)
			}
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// Refunder probes timed-out escrows from the outside, like any keeper would.
func Refunder(ctx context.Context, pool *pgxpool.Pool, engine *escrow.Engine, caller string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		rows, err := pool.Query(ctx, `
SELECT id FROM escrows
WHERE funded AND settlement = 'none' AND deadline < now()
LIMIT 5`)
		if err != nil {
			return fmt.Errorf("refunder scan: %w", err)
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("refunder row: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()

		for _, id := range ids {
			if err := engine.RefundOnTimeout(ctx, caller, id); err != nil && !expectedEscrowErr(err) {
				return fmt.Errorf("refunder refund: %w", err)
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(200)) * time.Millisecond)
	}
}

// OutboxWorker drains pending notifications while everything else churns.
func OutboxWorker(ctx context.Context, dispatcher *events.Dispatcher, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := dispatcher.DispatchPending(ctx, 50); err != nil {
			return fmt.Errorf("outbox worker: %w", err)
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// Funder tops up buyer balances so settlement paths never starve.
func Funder(ctx context.Context, ledger *token.Ledger, asset, buyer string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := ledger.Mint(ctx, asset, buyer, 1_000_000000); err != nil {
			return fmt.Errorf("funder mint: %w", err)
		}
		time.Sleep(time.Duration(200+rand.Intn(300)) * time.Millisecond)
	}
}

func expectedMarketErr(err error) bool {
	return errors.Is(err, market.ErrNotOpen) ||
		errors.Is(err, market.ErrJobExpired) ||
		errors.Is(err, market.ErrNotFound) ||
		errors.Is(err, market.ErrBidNotFound) ||
		errors.Is(err, market.ErrAgentNotActive) ||
		errors.Is(err, token.ErrInsufficientFunds)
}

func expectedEscrowErr(err error) bool {
	return errors.Is(err, escrow.ErrSettled) ||
		errors.Is(err, escrow.ErrBadNonce) ||
		errors.Is(err, escrow.ErrNotExpired) ||
		errors.Is(err, escrow.ErrNotDelivered) ||
		errors.Is(err, escrow.ErrRevisionPending) ||
		errors.Is(err, escrow.ErrDisputed) ||
		errors.Is(err, escrow.ErrNotFound)
}
