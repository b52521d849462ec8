package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"agentmarket/registry"
)

// OpenDispute freezes settlement on an escrow until arbitration rules.
// Either party may open one, but only after a delivery exists or the
// deadline has passed. When no arbitration module is bound the call is a
// no-op returning id 0, so integrations can call it unconditionally.
func (e *Engine) OpenDispute(ctx context.Context, caller string, escrowID int64, evidenceRef string) (int64, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow: begin dispute: %w", err)
	}
	defer tx.Rollback(ctx)

	_, bound, err := e.modules.ResolveTx(ctx, tx, registry.RoleArbitration)
	if err != nil {
		return 0, err
	}
	if !bound {
		return 0, nil
	}

	esc, err := lockEscrow(ctx, tx, escrowID)
	if err != nil {
		return 0, err
	}
	if caller != esc.Buyer && caller != esc.Agent {
		return 0, ErrNotParty
	}
	if esc.Settlement != SettlementNone {
		return 0, ErrSettled
	}
	if !esc.Funded {
		return 0, ErrNotFunded
	}
	if !esc.Delivered() && !e.now().After(esc.Deadline) {
		return 0, ErrDisputeNotAvailable
	}
	if esc.DisputeID != 0 {
		var resolved bool
		if err := tx.QueryRow(ctx, `SELECT resolved FROM disputes WHERE id = $1`, esc.DisputeID).Scan(&resolved); err != nil {
			return 0, fmt.Errorf("escrow: load linked dispute: %w", err)
		}
		if !resolved {
			return 0, ErrDisputeExists
		}
	}

	var id int64
	if err := tx.QueryRow(ctx, `
INSERT INTO disputes (escrow_id, opener, evidence_ref) VALUES ($1, $2, $3) RETURNING id
`, escrowID, caller, evidenceRef).Scan(&id); err != nil {
		return 0, fmt.Errorf("escrow: insert dispute: %w", err)
	}
	if _, err := tx.Exec(ctx, `
UPDATE escrows SET dispute_id = $2, updated_at = get_tx_timestamp() WHERE id = $1
`, escrowID, id); err != nil {
		return 0, fmt.Errorf("escrow: link dispute: %w", err)
	}

	payload := map[string]any{"dispute_id": id, "evidence_ref": evidenceRef}
	if err := e.timeline.Append(ctx, tx, "escrow", escrowID, "DISPUTE_OPENED", caller, payload); err != nil {
		return 0, err
	}
	if err := e.outbox.Enqueue(ctx, tx, "dispute.opened", map[string]any{"dispute_id": id, "escrow_id": escrowID, "opener": caller}); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("escrow: commit dispute: %w", err)
	}
	return id, nil
}

// ExecuteRuling applies the arbitration module's recorded decision to the
// disputed escrow. Only the bound arbitration address may call it; with no
// module bound the call is a no-op. Buyer wins refunds in full, agent wins
// pays out through the usual fee split. Fires at most once per dispute.
func (e *Engine) ExecuteRuling(ctx context.Context, caller string, disputeID int64, ruling Ruling) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin ruling: %w", err)
	}
	defer tx.Rollback(ctx)

	arbitrator, bound, err := e.modules.ResolveTx(ctx, tx, registry.RoleArbitration)
	if err != nil {
		return err
	}
	if !bound {
		return nil
	}
	if caller != arbitrator {
		return ErrNotArbitration
	}

	var (
		escrowID int64
		resolved bool
	)
	err = tx.QueryRow(ctx, `SELECT escrow_id, resolved FROM disputes WHERE id = $1 FOR UPDATE`, disputeID).
		Scan(&escrowID, &resolved)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDisputeNotFound
	}
	if err != nil {
		return fmt.Errorf("escrow: lock dispute: %w", err)
	}
	if resolved {
		return ErrAlreadyResolved
	}
	if ruling != RulingBuyerWins && ruling != RulingAgentWins {
		return ErrNoRuling
	}

	esc, err := lockEscrow(ctx, tx, escrowID)
	if err != nil {
		return err
	}
	if esc.Settlement != SettlementNone {
		return ErrSettled
	}

	if _, err := tx.Exec(ctx, `
UPDATE disputes SET ruling = $2, resolved = TRUE, resolved_at = get_tx_timestamp() WHERE id = $1
`, disputeID, string(ruling)); err != nil {
		return fmt.Errorf("escrow: resolve dispute: %w", err)
	}
	if _, err := tx.Exec(ctx, `
UPDATE escrows SET settlement = 'ruling', updated_at = get_tx_timestamp() WHERE id = $1
`, escrowID); err != nil {
		return fmt.Errorf("escrow: mark ruled: %w", err)
	}

	payload := map[string]any{"dispute_id": disputeID, "ruling": string(ruling)}
	switch ruling {
	case RulingBuyerWins:
		if err := e.tokens.TransferTx(ctx, tx, esc.Asset, e.address, esc.Buyer, esc.Amount); err != nil {
			return fmt.Errorf("escrow: refund buyer: %w", err)
		}
		if err := e.updateReputationTx(ctx, tx, esc, -1, "buyer_win"); err != nil {
			return err
		}
	case RulingAgentWins:
		fee, net, err := e.payoutTx(ctx, tx, esc, "agent_win", 1)
		if err != nil {
			return err
		}
		payload["fee"] = fee
		payload["net"] = net
	}

	if err := e.timeline.Append(ctx, tx, "escrow", escrowID, "DISPUTE_RULED", caller, payload); err != nil {
		return err
	}
	if err := e.outbox.Enqueue(ctx, tx, "dispute.ruled", map[string]any{"dispute_id": disputeID, "ruling": string(ruling)}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit ruling: %w", err)
	}
	return nil
}

// GetDispute fetches a dispute by id.
func (e *Engine) GetDispute(ctx context.Context, disputeID int64) (Dispute, error) {
	var (
		d      Dispute
		ruling string
	)
	err := e.pool.QueryRow(ctx, `
SELECT id, escrow_id, opener, evidence_ref, ruling, resolved, created_at, resolved_at
FROM disputes WHERE id = $1
`, disputeID).Scan(&d.ID, &d.EscrowID, &d.Opener, &d.EvidenceRef, &ruling, &d.Resolved, &d.CreatedAt, &d.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Dispute{}, ErrDisputeNotFound
	}
	if err != nil {
		return Dispute{}, fmt.Errorf("escrow: scan dispute: %w", err)
	}
	d.Ruling = Ruling(ruling)
	return d, nil
}
