package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrNotOwner = errors.New("registry: caller is not the owner")

// Service is the module registry: a keyed address book mapping roles to the
// addresses currently fulfilling them. Bindings are owner-mutable only.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Init records the registry owner if none is set yet.
func (s *Service) Init(ctx context.Context, owner string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO registry_config (id, owner) VALUES (TRUE, $1)
ON CONFLICT (id) DO NOTHING
`, owner)
	if err != nil {
		return fmt.Errorf("registry: init owner: %w", err)
	}
	return nil
}

// SetModule binds a role to an address. An empty address clears the binding.
func (s *Service) SetModule(ctx context.Context, caller, role, address string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("registry: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var owner string
	if err := tx.QueryRow(ctx, `SELECT owner FROM registry_config WHERE id = TRUE`).Scan(&owner); err != nil {
		return fmt.Errorf("registry: load owner: %w", err)
	}
	if owner != caller {
		return ErrNotOwner
	}

	if address == "" {
		if _, err := tx.Exec(ctx, `DELETE FROM module_bindings WHERE role = $1`, role); err != nil {
			return fmt.Errorf("registry: clear binding %s: %w", role, err)
		}
	} else {
		const q = `
INSERT INTO module_bindings (role, address, updated_at)
VALUES ($1, $2, get_tx_timestamp())
ON CONFLICT (role) DO UPDATE SET address = EXCLUDED.address, updated_at = get_tx_timestamp()
`
		if _, err := tx.Exec(ctx, q, role, address); err != nil {
			return fmt.Errorf("registry: set binding %s: %w", role, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("registry: commit: %w", err)
	}
	return nil
}

// Resolve returns the bound address for a role. Callers treat an unresolved
// role as "feature not available" unless the role is mandatory for them.
func (s *Service) Resolve(ctx context.Context, role string) (string, bool, error) {
	var address string
	err := s.pool.QueryRow(ctx, `SELECT address FROM module_bindings WHERE role = $1`, role).Scan(&address)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("registry: resolve %s: %w", role, err)
	}
	return address, true, nil
}

// ResolveTx resolves a role on the caller's transaction, so settlement-time
// module state is read under the same snapshot as the settlement itself.
func (s *Service) ResolveTx(ctx context.Context, tx pgx.Tx, role string) (string, bool, error) {
	var address string
	err := tx.QueryRow(ctx, `SELECT address FROM module_bindings WHERE role = $1`, role).Scan(&address)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("registry: resolve %s: %w", role, err)
	}
	return address, true, nil
}
