package arbitration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentmarket/escrow"
)

var (
	ErrNotArbitrator   = errors.New("arbitration: caller is not the arbitrator")
	ErrNoRuling        = errors.New("arbitration: no ruling recorded for dispute")
	ErrBadRuling       = errors.New("arbitration: unknown ruling")
	ErrDisputeNotFound = errors.New("arbitration: dispute not found")
	ErrDisputeResolved = errors.New("arbitration: dispute already resolved")
)

// Executor is the escrow engine surface the module drives. Rulings are
// applied with the module's own bound address as caller.
type Executor interface {
	ExecuteRuling(ctx context.Context, caller string, disputeID int64, ruling escrow.Ruling) error
}

// Service is the arbitration module: a single appointed arbitrator records
// rulings, then anyone may push a recorded ruling into the engine. The
// two-step shape lets rulings be reviewed before funds move.
type Service struct {
	pool    *pgxpool.Pool
	engine  Executor
	address string
}

func NewService(pool *pgxpool.Pool, engine Executor, address string) *Service {
	return &Service{pool: pool, engine: engine, address: address}
}

// Address returns the module's bound address.
func (s *Service) Address() string { return s.address }

// Init appoints the arbitrator. Idempotent.
func (s *Service) Init(ctx context.Context, arbitrator string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO arbitration_config (address, arbitrator) VALUES ($1, $2)
ON CONFLICT (address) DO NOTHING
`, s.address, arbitrator)
	if err != nil {
		return fmt.Errorf("arbitration: init: %w", err)
	}
	return nil
}

// Rule records the arbitrator's decision on a dispute. Re-ruling before
// execution overwrites the previous record.
func (s *Service) Rule(ctx context.Context, caller string, disputeID int64, ruling escrow.Ruling) error {
	if ruling != escrow.RulingBuyerWins && ruling != escrow.RulingAgentWins {
		return ErrBadRuling
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("arbitration: begin rule: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.checkArbitrator(ctx, tx, caller); err != nil {
		return err
	}

	var resolved bool
	err = tx.QueryRow(ctx, `SELECT resolved FROM disputes WHERE id = $1`, disputeID).Scan(&resolved)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDisputeNotFound
	}
	if err != nil {
		return fmt.Errorf("arbitration: load dispute: %w", err)
	}
	if resolved {
		return ErrDisputeResolved
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO arbitration_rulings (dispute_id, ruling, ruled_by, ruled_at)
VALUES ($1, $2, $3, get_tx_timestamp())
ON CONFLICT (dispute_id) DO UPDATE
SET ruling = EXCLUDED.ruling, ruled_by = EXCLUDED.ruled_by, ruled_at = EXCLUDED.ruled_at
`, disputeID, string(ruling), caller); err != nil {
		return fmt.Errorf("arbitration: record ruling: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("arbitration: commit rule: %w", err)
	}
	return nil
}

// Execute pushes a recorded ruling into the engine, which settles the
// escrow and marks the dispute resolved. Arbitrator-only; the engine sees
// the module's bound address as caller.
func (s *Service) Execute(ctx context.Context, caller string, disputeID int64) error {
	if err := s.checkArbitrator(ctx, s.pool, caller); err != nil {
		return err
	}

	ruling, err := s.RulingFor(ctx, disputeID)
	if err != nil {
		return err
	}
	if err := s.engine.ExecuteRuling(ctx, s.address, disputeID, ruling); err != nil {
		return fmt.Errorf("arbitration: execute dispute %d: %w", disputeID, err)
	}
	return nil
}

// RulingFor returns the recorded ruling for a dispute.
func (s *Service) RulingFor(ctx context.Context, disputeID int64) (escrow.Ruling, error) {
	var ruling string
	err := s.pool.QueryRow(ctx, `
SELECT ruling FROM arbitration_rulings WHERE dispute_id = $1
`, disputeID).Scan(&ruling)
	if errors.Is(err, pgx.ErrNoRows) {
		return escrow.RulingNone, ErrNoRuling
	}
	if err != nil {
		return escrow.RulingNone, fmt.Errorf("arbitration: load ruling: %w", err)
	}
	return escrow.Ruling(ruling), nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Service) checkArbitrator(ctx context.Context, q rowQuerier, caller string) error {
	var arbitrator string
	err := q.QueryRow(ctx, `
SELECT arbitrator FROM arbitration_config WHERE address = $1
`, s.address).Scan(&arbitrator)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotArbitrator
	}
	if err != nil {
		return fmt.Errorf("arbitration: load config: %w", err)
	}
	if arbitrator != caller {
		return ErrNotArbitrator
	}
	return nil
}

// RulingRecord is a recorded arbitrator decision.
type RulingRecord struct {
	DisputeID int64
	Ruling    escrow.Ruling
	RuledBy   string
	RuledAt   time.Time
}

// History lists recorded rulings, newest first.
func (s *Service) History(ctx context.Context, limit int32) ([]RulingRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT dispute_id, ruling, ruled_by, ruled_at
FROM arbitration_rulings ORDER BY ruled_at DESC LIMIT $1
`, limit)
	if err != nil {
		return nil, fmt.Errorf("arbitration: history: %w", err)
	}
	defer rows.Close()

	var out []RulingRecord
	for rows.Next() {
		var (
			r      RulingRecord
			ruling string
		)
		if err := rows.Scan(&r.DisputeID, &ruling, &r.RuledBy, &r.RuledAt); err != nil {
			return nil, fmt.Errorf("arbitration: scan ruling: %w", err)
		}
		r.Ruling = escrow.Ruling(ruling)
		out = append(out, r)
	}
	return out, rows.Err()
}
