package escrow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentmarket/fees"
	"agentmarket/identity"
	"agentmarket/registry"
)

var (
	ErrNotFound            = errors.New("escrow: not found")
	ErrDisputeNotFound     = errors.New("escrow: dispute not found")
	ErrNotBuyer            = errors.New("escrow: caller is not the buyer")
	ErrNotParty            = errors.New("escrow: caller is neither buyer nor agent")
	ErrAgentNotActive      = errors.New("escrow: agent is not active")
	ErrAlreadyFunded       = errors.New("escrow: already funded")
	ErrNotFunded           = errors.New("escrow: not funded")
	ErrNotDelivered        = errors.New("escrow: no delivery recorded")
	ErrBadSignature        = errors.New("escrow: receipt signature does not recover to agent")
	ErrBadNonce            = errors.New("escrow: receipt nonce does not match agent nonce")
	ErrReceiptExpired      = errors.New("escrow: receipt deadline has passed")
	ErrRevisionPending     = errors.New("escrow: revision pending")
	ErrRevisionLimit       = errors.New("escrow: revision limit reached")
	ErrDisputeNotAvailable = errors.New("escrow: dispute not available yet")
	ErrDisputeExists       = errors.New("escrow: unresolved dispute exists")
	ErrDisputed            = errors.New("escrow: blocked by open dispute")
	ErrNotArbitration      = errors.New("escrow: caller is not the arbitration module")
	ErrNoRuling            = errors.New("escrow: no ruling recorded")
	ErrAlreadyResolved     = errors.New("escrow: dispute already resolved")
	ErrSettled             = errors.New("escrow: already settled")
	ErrNotExpired          = errors.New("escrow: deadline has not passed")
)

// ModuleResolver resolves role bindings at call time.
type ModuleResolver interface {
	ResolveTx(ctx context.Context, tx pgx.Tx, role string) (string, bool, error)
}

// AgentGate answers whether an address is an active provider.
type AgentGate interface {
	IsActiveTx(ctx context.Context, tx pgx.Tx, address string) (bool, error)
}

// PolicyLookup fetches the fee policy bound at settlement time.
type PolicyLookup interface {
	GetTx(ctx context.Context, tx pgx.Tx, address string) (fees.Policy, error)
}

// ReputationUpdater applies a reputation delta on the caller's transaction.
type ReputationUpdater interface {
	UpdateTx(ctx context.Context, tx pgx.Tx, caller, subject string, delta int64, reason string, relatedID int64) error
}

// TokenMover moves asset units inside the caller's transaction.
type TokenMover interface {
	TransferTx(ctx context.Context, tx pgx.Tx, asset, from, to string, amount int64) error
}

// TimelineWriter appends audit events on the caller's transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, entityKind string, entityID int64, eventType, actor string, payload map[string]any) error
}

// OutboxWriter enqueues transactional notifications.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Engine owns funded value and the escrow state machine: funding, delivery
// receipts, revision negotiation, settlement, timeout refunds and dispute
// gating. Custody is held under the engine's own address in the token
// ledger. Every operation is one transaction; state rows are written before
// any balance moves.
type Engine struct {
	pool       *pgxpool.Pool
	modules    ModuleResolver
	gate       AgentGate
	policies   PolicyLookup
	reputation ReputationUpdater
	tokens     TokenMover
	timeline   TimelineWriter
	outbox     OutboxWriter
	address    string
	networkID  uint64
	now        func() time.Time
}

func NewEngine(pool *pgxpool.Pool, modules ModuleResolver, gate AgentGate, policies PolicyLookup,
	reputation ReputationUpdater, tokens TokenMover, timeline TimelineWriter, outbox OutboxWriter,
	address string, networkID uint64) *Engine {
	return &Engine{
		pool:       pool,
		modules:    modules,
		gate:       gate,
		policies:   policies,
		reputation: reputation,
		tokens:     tokens,
		timeline:   timeline,
		outbox:     outbox,
		address:    address,
		networkID:  networkID,
		now:        time.Now,
	}
}

// WithClock overrides the shared clock, used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Address returns the engine's custody address.
func (e *Engine) Address() string { return e.address }

// NetworkID returns the deployment id receipts must be signed against.
func (e *Engine) NetworkID() uint64 { return e.networkID }

// Create opens an unfunded escrow outside the marketplace flow. When the
// agent registry module is bound the agent must be active; an unbound
// registry skips the check entirely.
func (e *Engine) Create(ctx context.Context, buyer, agent string, amount int64, asset string, deadline time.Time) (int64, error) {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow: begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := e.checkAgentActive(ctx, tx, agent); err != nil {
		return 0, err
	}

	id, err := e.insertTx(ctx, tx, 0, buyer, agent, amount, asset, deadline, DefaultMaxRevisions, false)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("escrow: commit create: %w", err)
	}
	return id, nil
}

// CreateAndFundTx creates a funded escrow on the marketplace's transaction:
// the buyer's funds move into engine custody and the escrow row appears
// atomically with the selection that caused it.
func (e *Engine) CreateAndFundTx(ctx context.Context, tx pgx.Tx, jobID int64, buyer, agent string,
	amount int64, asset string, deadline time.Time, maxRevisions int32) (int64, error) {
	if err := e.checkAgentActive(ctx, tx, agent); err != nil {
		return 0, err
	}

	id, err := e.insertTx(ctx, tx, jobID, buyer, agent, amount, asset, deadline, maxRevisions, true)
	if err != nil {
		return 0, err
	}

	if err := e.tokens.TransferTx(ctx, tx, asset, buyer, e.address, amount); err != nil {
		return 0, fmt.Errorf("escrow: pull funds: %w", err)
	}

	if err := e.outbox.Enqueue(ctx, tx, "escrow.funded", map[string]any{"escrow_id": id, "amount": amount}); err != nil {
		return 0, err
	}
	return id, nil
}

// Fund pulls the escrow amount from the buyer into engine custody. A second
// call fails; the funded flag is set at most once.
func (e *Engine) Fund(ctx context.Context, caller string, escrowID int64) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin fund: %w", err)
	}
	defer tx.Rollback(ctx)

	esc, err := lockEscrow(ctx, tx, escrowID)
	if err != nil {
		return err
	}
	if esc.Buyer != caller {
		return ErrNotBuyer
	}
	if esc.Settlement != SettlementNone {
		return ErrSettled
	}
	if esc.Funded {
		return ErrAlreadyFunded
	}

	if _, err := tx.Exec(ctx, `
UPDATE escrows SET funded = TRUE, updated_at = get_tx_timestamp() WHERE id = $1
`, escrowID); err != nil {
		return fmt.Errorf("escrow: set funded: %w", err)
	}

	if err := e.tokens.TransferTx(ctx, tx, esc.Asset, esc.Buyer, e.address, esc.Amount); err != nil {
		return fmt.Errorf("escrow: pull funds: %w", err)
	}

	if err := e.timeline.Append(ctx, tx, "escrow", escrowID, "ESCROW_FUNDED", caller, map[string]any{"amount": esc.Amount}); err != nil {
		return err
	}
	if err := e.outbox.Enqueue(ctx, tx, "escrow.funded", map[string]any{"escrow_id": escrowID, "amount": esc.Amount}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit fund: %w", err)
	}
	return nil
}

// Nonce returns the agent's current receipt nonce, the value the next valid
// receipt must carry. Relayers read this to construct receipts.
func (e *Engine) Nonce(ctx context.Context, agent string) (uint64, error) {
	var nonce uint64
	err := e.pool.QueryRow(ctx, `SELECT nonce FROM agent_nonces WHERE agent = $1`, agent).Scan(&nonce)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("escrow: nonce of %s: %w", agent, err)
	}
	return nonce, nil
}

// SubmitDelivery records a delivery authenticated by the agent's signed
// receipt. The transaction sender is irrelevant; authenticity comes from
// the envelope, so relayers may submit on the agent's behalf. The nonce
// must equal the agent's stored value exactly and is then incremented.
func (e *Engine) SubmitDelivery(ctx context.Context, receipt DeliveryReceipt, envelope []byte) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin delivery: %w", err)
	}
	defer tx.Rollback(ctx)

	esc, err := lockEscrow(ctx, tx, receipt.EscrowID)
	if err != nil {
		return err
	}
	if esc.Settlement != SettlementNone {
		return ErrSettled
	}
	if !esc.Funded {
		return ErrNotFunded
	}
	if receipt.Agent != esc.Agent {
		return ErrBadSignature
	}

	digest := ReceiptDigest(e.networkID, e.address, receipt)
	signer, err := identity.RecoverSigner(digest, envelope)
	if err != nil || signer != receipt.Agent {
		return ErrBadSignature
	}

	var current uint64
	err = tx.QueryRow(ctx, `SELECT nonce FROM agent_nonces WHERE agent = $1 FOR UPDATE`, receipt.Agent).Scan(&current)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		current = 0
		if _, err := tx.Exec(ctx, `INSERT INTO agent_nonces (agent, nonce) VALUES ($1, 0)`, receipt.Agent); err != nil {
			return fmt.Errorf("escrow: init nonce: %w", err)
		}
	case err != nil:
		return fmt.Errorf("escrow: load nonce: %w", err)
	}
	if receipt.Nonce != current {
		return ErrBadNonce
	}
	if e.now().Unix() > receipt.Deadline {
		return ErrReceiptExpired
	}

	if _, err := tx.Exec(ctx, `UPDATE agent_nonces SET nonce = nonce + 1 WHERE agent = $1`, receipt.Agent); err != nil {
		return fmt.Errorf("escrow: bump nonce: %w", err)
	}

	hash := hex.EncodeToString(receipt.DeliveryHash[:])
	if _, err := tx.Exec(ctx, `
UPDATE escrows
SET delivery_hash = $2, delivery_ref = $3, revision_requested = FALSE, updated_at = get_tx_timestamp()
WHERE id = $1
`, receipt.EscrowID, hash, receipt.DeliveryRef); err != nil {
		return fmt.Errorf("escrow: record delivery: %w", err)
	}

	payload := map[string]any{
		"delivery_ref":  receipt.DeliveryRef,
		"delivery_hash": hash,
		"nonce":         receipt.Nonce,
	}
	if err := e.timeline.Append(ctx, tx, "escrow", receipt.EscrowID, "ESCROW_DELIVERED", receipt.Agent, payload); err != nil {
		return err
	}
	if err := e.outbox.Enqueue(ctx, tx, "escrow.delivered", map[string]any{"escrow_id": receipt.EscrowID, "agent": receipt.Agent}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit delivery: %w", err)
	}
	return nil
}

// RequestRevision asks the agent for another round on the current delivery.
// Bounded by the bid's negotiated limit; a pending revision blocks Accept.
func (e *Engine) RequestRevision(ctx context.Context, caller string, escrowID int64, noteRef string) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin revision: %w", err)
	}
	defer tx.Rollback(ctx)

	esc, err := lockEscrow(ctx, tx, escrowID)
	if err != nil {
		return err
	}
	if esc.Buyer != caller {
		return ErrNotBuyer
	}
	if esc.Settlement != SettlementNone {
		return ErrSettled
	}
	if !esc.Delivered() {
		return ErrNotDelivered
	}
	if esc.RevisionCount >= esc.MaxRevisions {
		return ErrRevisionLimit
	}

	if _, err := tx.Exec(ctx, `
UPDATE escrows
SET revision_requested = TRUE, revision_count = revision_count + 1,
    last_revision_note_ref = $2, updated_at = get_tx_timestamp()
WHERE id = $1
`, escrowID, noteRef); err != nil {
		return fmt.Errorf("escrow: request revision: %w", err)
	}

	payload := map[string]any{"note_ref": noteRef, "revision": esc.RevisionCount + 1}
	if err := e.timeline.Append(ctx, tx, "escrow", escrowID, "ESCROW_REVISION_REQUESTED", caller, payload); err != nil {
		return err
	}
	if err := e.outbox.Enqueue(ctx, tx, "escrow.revision", map[string]any{"escrow_id": escrowID, "agent": esc.Agent}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit revision: %w", err)
	}
	return nil
}

// Accept settles the escrow in the agent's favor: the fee goes to the
// treasury resolved at settlement time, the net to the agent, and the
// agent's reputation rises by one.
func (e *Engine) Accept(ctx context.Context, caller string, escrowID int64) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin accept: %w", err)
	}
	defer tx.Rollback(ctx)

	esc, err := lockEscrow(ctx, tx, escrowID)
	if err != nil {
		return err
	}
	if esc.Buyer != caller {
		return ErrNotBuyer
	}
	if esc.Settlement != SettlementNone {
		return ErrSettled
	}
	if !esc.Funded {
		return ErrNotFunded
	}
	if !esc.Delivered() {
		return ErrNotDelivered
	}
	if esc.RevisionRequested {
		return ErrRevisionPending
	}
	if err := e.checkNoOpenDispute(ctx, tx, esc); err != nil {
		return err
	}
	if err := e.checkAgentActive(ctx, tx, esc.Agent); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
UPDATE escrows SET settlement = 'accepted', updated_at = get_tx_timestamp() WHERE id = $1
`, escrowID); err != nil {
		return fmt.Errorf("escrow: mark accepted: %w", err)
	}

	fee, net, err := e.payoutTx(ctx, tx, esc, "accept", 1)
	if err != nil {
		return err
	}

	payload := map[string]any{"fee": fee, "net": net, "agent": esc.Agent}
	if err := e.timeline.Append(ctx, tx, "escrow", escrowID, "ESCROW_ACCEPTED", caller, payload); err != nil {
		return err
	}
	if err := e.outbox.Enqueue(ctx, tx, "escrow.accepted", map[string]any{"escrow_id": escrowID, "fee": fee, "net": net}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit accept: %w", err)
	}
	return nil
}

// RefundOnTimeout returns the full amount to the buyer once the deadline
// has passed. Callable by anyone: this is the liveness backstop that keeps
// funds from being stranded.
func (e *Engine) RefundOnTimeout(ctx context.Context, caller string, escrowID int64) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin refund: %w", err)
	}
	defer tx.Rollback(ctx)

	esc, err := lockEscrow(ctx, tx, escrowID)
	if err != nil {
		return err
	}
	if esc.Settlement != SettlementNone {
		return ErrSettled
	}
	if !esc.Funded {
		return ErrNotFunded
	}
	if !e.now().After(esc.Deadline) {
		return ErrNotExpired
	}
	if err := e.checkNoOpenDispute(ctx, tx, esc); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, `
UPDATE escrows SET settlement = 'refunded', updated_at = get_tx_timestamp() WHERE id = $1
`, escrowID); err != nil {
		return fmt.Errorf("escrow: mark refunded: %w", err)
	}

	if err := e.tokens.TransferTx(ctx, tx, esc.Asset, e.address, esc.Buyer, esc.Amount); err != nil {
		return fmt.Errorf("escrow: refund buyer: %w", err)
	}

	if err := e.timeline.Append(ctx, tx, "escrow", escrowID, "ESCROW_REFUNDED", caller, map[string]any{"amount": esc.Amount}); err != nil {
		return err
	}
	if err := e.outbox.Enqueue(ctx, tx, "escrow.refunded", map[string]any{"escrow_id": escrowID, "buyer": esc.Buyer}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit refund: %w", err)
	}
	return nil
}

func (e *Engine) checkAgentActive(ctx context.Context, tx pgx.Tx, agent string) error {
	_, bound, err := e.modules.ResolveTx(ctx, tx, registry.RoleAgentRegistry)
	if err != nil {
		return err
	}
	if !bound {
		return nil
	}
	active, err := e.gate.IsActiveTx(ctx, tx, agent)
	if err != nil {
		return err
	}
	if !active {
		return ErrAgentNotActive
	}
	return nil
}

func (e *Engine) checkNoOpenDispute(ctx context.Context, tx pgx.Tx, esc Escrow) error {
	if esc.DisputeID == 0 {
		return nil
	}
	var resolved bool
	if err := tx.QueryRow(ctx, `SELECT resolved FROM disputes WHERE id = $1`, esc.DisputeID).Scan(&resolved); err != nil {
		return fmt.Errorf("escrow: load linked dispute: %w", err)
	}
	if !resolved {
		return ErrDisputed
	}
	return nil
}

// payoutTx splits the escrow amount using the fee policy and treasury
// resolved now, not at creation. An unbound fee policy means zero fee.
// Reputation moves in the same transaction when the ledger is bound.
func (e *Engine) payoutTx(ctx context.Context, tx pgx.Tx, esc Escrow, reason string, repDelta int64) (fee, net int64, err error) {
	var policy fees.Policy
	policyAddr, bound, err := e.modules.ResolveTx(ctx, tx, registry.RoleFeeManager)
	if err != nil {
		return 0, 0, err
	}
	if bound {
		policy, err = e.policies.GetTx(ctx, tx, policyAddr)
		if err != nil {
			return 0, 0, fmt.Errorf("escrow: load fee policy %s: %w", policyAddr, err)
		}
		fee = policy.FeeFor(esc.Amount)
	}

	treasury, tbound, err := e.modules.ResolveTx(ctx, tx, registry.RoleTreasury)
	if err != nil {
		return 0, 0, err
	}
	if !tbound {
		treasury = policy.Treasury
	}
	if treasury == "" {
		fee = 0
	}
	net = esc.Amount - fee

	if fee > 0 {
		if err := e.tokens.TransferTx(ctx, tx, esc.Asset, e.address, treasury, fee); err != nil {
			return 0, 0, fmt.Errorf("escrow: pay treasury: %w", err)
		}
	}
	if net > 0 {
		if err := e.tokens.TransferTx(ctx, tx, esc.Asset, e.address, esc.Agent, net); err != nil {
			return 0, 0, fmt.Errorf("escrow: pay agent: %w", err)
		}
	}

	if err := e.updateReputationTx(ctx, tx, esc, repDelta, reason); err != nil {
		return 0, 0, err
	}
	return fee, net, nil
}

func (e *Engine) updateReputationTx(ctx context.Context, tx pgx.Tx, esc Escrow, delta int64, reason string) error {
	_, bound, err := e.modules.ResolveTx(ctx, tx, registry.RoleReputation)
	if err != nil {
		return err
	}
	if !bound {
		return nil
	}
	return e.reputation.UpdateTx(ctx, tx, e.address, esc.Agent, delta, reason, esc.ID)
}

func (e *Engine) insertTx(ctx context.Context, tx pgx.Tx, jobID int64, buyer, agent string,
	amount int64, asset string, deadline time.Time, maxRevisions int32, funded bool) (int64, error) {
	const q = `
INSERT INTO escrows (job_id, buyer, agent, amount, asset, deadline, funded, max_revisions)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id
`
	var id int64
	if err := tx.QueryRow(ctx, q, jobID, buyer, agent, amount, asset, deadline, funded, maxRevisions).Scan(&id); err != nil {
		return 0, fmt.Errorf("escrow: insert: %w", err)
	}

	payload := map[string]any{
		"buyer":    buyer,
		"agent":    agent,
		"amount":   amount,
		"asset":    asset,
		"deadline": deadline.UTC(),
		"funded":   funded,
	}
	if err := e.timeline.Append(ctx, tx, "escrow", id, "ESCROW_CREATED", buyer, payload); err != nil {
		return 0, err
	}
	return id, nil
}

// Get fetches an escrow by id.
func (e *Engine) Get(ctx context.Context, escrowID int64) (Escrow, error) {
	return scanEscrow(e.pool.QueryRow(ctx, escrowQuery+` WHERE id = $1`, escrowID))
}

const escrowQuery = `
SELECT id, job_id, buyer, agent, amount, asset, deadline, funded,
       delivery_hash, delivery_ref, revision_requested, revision_count,
       max_revisions, last_revision_note_ref, dispute_id, settlement,
       created_at, updated_at
FROM escrows`

func lockEscrow(ctx context.Context, tx pgx.Tx, escrowID int64) (Escrow, error) {
	return scanEscrow(tx.QueryRow(ctx, escrowQuery+` WHERE id = $1 FOR UPDATE`, escrowID))
}

func scanEscrow(row pgx.Row) (Escrow, error) {
	var (
		esc        Escrow
		settlement string
		disputeID  *int64
	)
	err := row.Scan(&esc.ID, &esc.JobID, &esc.Buyer, &esc.Agent, &esc.Amount, &esc.Asset,
		&esc.Deadline, &esc.Funded, &esc.DeliveryHash, &esc.DeliveryRef,
		&esc.RevisionRequested, &esc.RevisionCount, &esc.MaxRevisions,
		&esc.LastRevisionNoteRef, &disputeID, &settlement, &esc.CreatedAt, &esc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Escrow{}, ErrNotFound
	}
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: scan: %w", err)
	}
	esc.Settlement = Settlement(settlement)
	if disputeID != nil {
		esc.DisputeID = *disputeID
	}
	return esc, nil
}
