// Package token is the payment-asset ledger: per-(asset, holder) balances
// in 6-decimal micro-units, mutated only inside the caller's transaction so
// fund movements commit atomically with the protocol state they settle.
package token

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Decimals is the fixed-point precision of every asset amount.
const Decimals = 6

var (
	ErrInsufficientFunds = errors.New("token: insufficient funds")
	ErrBadAmount         = errors.New("token: amount must be positive")
)

// Ledger provides balance reads and transactional transfers.
type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// BalanceOf returns the current balance, zero for unknown holders.
func (l *Ledger) BalanceOf(ctx context.Context, asset, holder string) (int64, error) {
	var amount int64
	err := l.pool.QueryRow(ctx,
		`SELECT amount FROM balances WHERE asset = $1 AND holder = $2`,
		asset, holder).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("token: balance of %s: %w", holder, err)
	}
	return amount, nil
}

// Mint credits newly issued units to a holder.
func (l *Ledger) Mint(ctx context.Context, asset, holder string, amount int64) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("token: begin mint: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := l.MintTx(ctx, tx, asset, holder, amount); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("token: commit mint: %w", err)
	}
	return nil
}

// MintTx credits a holder on the caller's transaction.
func (l *Ledger) MintTx(ctx context.Context, tx pgx.Tx, asset, holder string, amount int64) error {
	if amount <= 0 {
		return ErrBadAmount
	}
	const q = `
INSERT INTO balances (asset, holder, amount)
VALUES ($1, $2, $3)
ON CONFLICT (asset, holder) DO UPDATE SET amount = balances.amount + EXCLUDED.amount
`
	if _, err := tx.Exec(ctx, q, asset, holder, amount); err != nil {
		return fmt.Errorf("token: mint %d to %s: %w", amount, holder, err)
	}
	return nil
}

// TransferTx moves amount from one holder to another on the caller's
// transaction. The debit is conditional on sufficient funds so a transfer
// can never drive a balance negative.
func (l *Ledger) TransferTx(ctx context.Context, tx pgx.Tx, asset, from, to string, amount int64) error {
	if amount <= 0 {
		return ErrBadAmount
	}

	tag, err := tx.Exec(ctx, `
UPDATE balances
SET amount = amount - $3
WHERE asset = $1 AND holder = $2 AND amount >= $3
`, asset, from, amount)
	if err != nil {
		return fmt.Errorf("token: debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}

	const credit = `
INSERT INTO balances (asset, holder, amount)
VALUES ($1, $2, $3)
ON CONFLICT (asset, holder) DO UPDATE SET amount = balances.amount + EXCLUDED.amount
`
	if _, err := tx.Exec(ctx, credit, asset, to, amount); err != nil {
		return fmt.Errorf("token: credit %s: %w", to, err)
	}
	return nil
}
