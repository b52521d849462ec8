package fees

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound  = errors.New("fees: policy not found")
	ErrBadPolicy = errors.New("fees: invalid policy parameters")
)

// Service stores deployed fee policies.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Create registers a policy instance under its own address.
func (s *Service) Create(ctx context.Context, p Policy) error {
	if p.Address == "" || p.Treasury == "" {
		return ErrBadPolicy
	}
	switch p.Kind {
	case KindBps:
		if p.FeeBps < 0 || int(p.FeeBps) > BpsDenominator {
			return ErrBadPolicy
		}
	case KindFlat:
		if p.FlatFee < 0 {
			return ErrBadPolicy
		}
	default:
		return ErrBadPolicy
	}

	const q = `
INSERT INTO fee_policies (address, kind, fee_bps, flat_fee, treasury)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (address) DO UPDATE
SET kind = EXCLUDED.kind, fee_bps = EXCLUDED.fee_bps,
    flat_fee = EXCLUDED.flat_fee, treasury = EXCLUDED.treasury
`
	if _, err := s.pool.Exec(ctx, q, p.Address, string(p.Kind), p.FeeBps, p.FlatFee, p.Treasury); err != nil {
		return fmt.Errorf("fees: create policy: %w", err)
	}
	return nil
}

// Get fetches a policy by address.
func (s *Service) Get(ctx context.Context, address string) (Policy, error) {
	return scanPolicy(s.pool.QueryRow(ctx,
		`SELECT address, kind, fee_bps, flat_fee, treasury FROM fee_policies WHERE address = $1`, address))
}

// GetTx fetches a policy on the caller's transaction, used at settlement
// time so the live policy is read under the settlement snapshot.
func (s *Service) GetTx(ctx context.Context, tx pgx.Tx, address string) (Policy, error) {
	return scanPolicy(tx.QueryRow(ctx,
		`SELECT address, kind, fee_bps, flat_fee, treasury FROM fee_policies WHERE address = $1`, address))
}

func scanPolicy(row pgx.Row) (Policy, error) {
	var (
		p    Policy
		kind string
	)
	err := row.Scan(&p.Address, &kind, &p.FeeBps, &p.FlatFee, &p.Treasury)
	if errors.Is(err, pgx.ErrNoRows) {
		return Policy{}, ErrNotFound
	}
	if err != nil {
		return Policy{}, fmt.Errorf("fees: scan policy: %w", err)
	}
	p.Kind = Kind(kind)
	return p, nil
}
