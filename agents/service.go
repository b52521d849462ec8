package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentmarket/token"
)

var (
	ErrNotOwner          = errors.New("agents: caller is not the registry owner")
	ErrNotAgent          = errors.New("agents: caller is not a registered agent")
	ErrInsufficientStake = errors.New("agents: stake below required minimum")
	ErrNotFound          = errors.New("agents: record not found")
	ErrBadStatus         = errors.New("agents: invalid status")
)

// OutboxWriter enqueues registration notifications.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service tracks provider identity, manifest pointers, the optional stake
// gate and active/suspended status.
type Service struct {
	pool   *pgxpool.Pool
	tokens *token.Ledger
	outbox OutboxWriter
}

func NewService(pool *pgxpool.Pool, tokens *token.Ledger, outbox OutboxWriter) *Service {
	return &Service{pool: pool, tokens: tokens, outbox: outbox}
}

// Init records registry ownership and stake custody if unset.
func (s *Service) Init(ctx context.Context, owner, custody, stakeAsset string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO agent_registry_config (id, owner, custody, stake_asset)
VALUES (TRUE, $1, $2, $3)
ON CONFLICT (id) DO NOTHING
`, owner, custody, stakeAsset)
	if err != nil {
		return fmt.Errorf("agents: init config: %w", err)
	}
	return nil
}

// Register activates the caller as an agent. When the stake gate is on, the
// offered stake must meet the minimum and is pulled into registry custody
// within the same transaction.
func (s *Service) Register(ctx context.Context, caller, manifestRef string, stake int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agents: begin register: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := loadConfig(ctx, tx)
	if err != nil {
		return err
	}
	if cfg.StakeEnabled && stake < cfg.MinStake {
		return ErrInsufficientStake
	}

	if cfg.StakeEnabled && stake > 0 && cfg.StakeAsset != "" {
		if err := s.tokens.TransferTx(ctx, tx, cfg.StakeAsset, caller, cfg.Custody, stake); err != nil {
			return fmt.Errorf("agents: pull stake: %w", err)
		}
	}

	const q = `
INSERT INTO agent_records (address, manifest_ref, stake, status)
VALUES ($1, $2, $3, 'active')
ON CONFLICT (address) DO UPDATE
SET manifest_ref = EXCLUDED.manifest_ref,
    stake = agent_records.stake + EXCLUDED.stake,
    status = CASE WHEN agent_records.status = 'none' THEN 'active' ELSE agent_records.status END,
    updated_at = get_tx_timestamp()
`
	if _, err := tx.Exec(ctx, q, caller, manifestRef, stake); err != nil {
		return fmt.Errorf("agents: upsert record: %w", err)
	}

	if s.outbox != nil {
		payload := map[string]any{"agent": caller, "manifest_ref": manifestRef, "stake": stake}
		if err := s.outbox.Enqueue(ctx, tx, "agent.registered", payload); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agents: commit register: %w", err)
	}
	return nil
}

// UpdateManifest replaces the manifest pointer of an already-registered caller.
func (s *Service) UpdateManifest(ctx context.Context, caller, manifestRef string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE agent_records
SET manifest_ref = $2, updated_at = get_tx_timestamp()
WHERE address = $1 AND status <> 'none'
`, caller, manifestRef)
	if err != nil {
		return fmt.Errorf("agents: update manifest: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotAgent
	}
	return nil
}

// SetMinStake is a registry admin operation.
func (s *Service) SetMinStake(ctx context.Context, caller string, minStake int64) error {
	return s.adminUpdate(ctx, caller, `UPDATE agent_registry_config SET min_stake = $1 WHERE id = TRUE`, minStake)
}

// SetStakeEnabled toggles the stake gate.
func (s *Service) SetStakeEnabled(ctx context.Context, caller string, enabled bool) error {
	return s.adminUpdate(ctx, caller, `UPDATE agent_registry_config SET stake_enabled = $1 WHERE id = TRUE`, enabled)
}

// SetStatus flips an agent between active and suspended.
func (s *Service) SetStatus(ctx context.Context, caller, agent string, status Status) error {
	if status != StatusActive && status != StatusSuspended {
		return ErrBadStatus
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agents: begin set status: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := loadConfig(ctx, tx)
	if err != nil {
		return err
	}
	if cfg.Owner != caller {
		return ErrNotOwner
	}

	tag, err := tx.Exec(ctx, `
UPDATE agent_records
SET status = $2, updated_at = get_tx_timestamp()
WHERE address = $1 AND status <> 'none'
`, agent, string(status))
	if err != nil {
		return fmt.Errorf("agents: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agents: commit set status: %w", err)
	}
	return nil
}

// Get fetches an agent record.
func (s *Service) Get(ctx context.Context, address string) (Record, error) {
	var rec Record
	var status string
	err := s.pool.QueryRow(ctx, `
SELECT address, manifest_ref, stake, status, created_at, updated_at
FROM agent_records WHERE address = $1
`, address).Scan(&rec.Address, &rec.ManifestRef, &rec.Stake, &status, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("agents: get %s: %w", address, err)
	}
	rec.Status = Status(status)
	return rec, nil
}

// IsActiveTx reports whether an address is an active agent, read on the
// caller's transaction so marketplace and escrow checks share its snapshot.
func (s *Service) IsActiveTx(ctx context.Context, tx pgx.Tx, address string) (bool, error) {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM agent_records WHERE address = $1`, address).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("agents: status of %s: %w", address, err)
	}
	return Status(status) == StatusActive, nil
}

func (s *Service) adminUpdate(ctx context.Context, caller, query string, arg any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("agents: begin admin update: %w", err)
	}
	defer tx.Rollback(ctx)

	cfg, err := loadConfig(ctx, tx)
	if err != nil {
		return err
	}
	if cfg.Owner != caller {
		return ErrNotOwner
	}
	if _, err := tx.Exec(ctx, query, arg); err != nil {
		return fmt.Errorf("agents: admin update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("agents: commit admin update: %w", err)
	}
	return nil
}

func loadConfig(ctx context.Context, tx pgx.Tx) (Config, error) {
	var cfg Config
	err := tx.QueryRow(ctx, `
SELECT owner, min_stake, stake_enabled, stake_asset, custody
FROM agent_registry_config WHERE id = TRUE
`).Scan(&cfg.Owner, &cfg.MinStake, &cfg.StakeEnabled, &cfg.StakeAsset, &cfg.Custody)
	if err != nil {
		return Config{}, fmt.Errorf("agents: load config: %w", err)
	}
	return cfg, nil
}
