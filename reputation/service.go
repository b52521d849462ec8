package reputation

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/sha3"
)

var (
	ErrNotOwner   = errors.New("reputation: caller is not the ledger owner")
	ErrNotUpdater = errors.New("reputation: caller is not the authorized updater")
)

// OutboxWriter enqueues score change notifications.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service is the reputation ledger: one signed integer score per address,
// mutated only by the single authorized updater.
type Service struct {
	pool   *pgxpool.Pool
	outbox OutboxWriter
}

func NewService(pool *pgxpool.Pool, outbox OutboxWriter) *Service {
	return &Service{pool: pool, outbox: outbox}
}

// Init records the ledger owner if none is set yet.
func (s *Service) Init(ctx context.Context, owner string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO reputation_config (id, owner) VALUES (TRUE, $1)
ON CONFLICT (id) DO NOTHING
`, owner)
	if err != nil {
		return fmt.Errorf("reputation: init owner: %w", err)
	}
	return nil
}

// SetUpdater names the single address allowed to call Update.
func (s *Service) SetUpdater(ctx context.Context, caller, updater string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reputation_config SET updater = $2 WHERE id = TRUE AND owner = $1`, caller, updater)
	if err != nil {
		return fmt.Errorf("reputation: set updater: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOwner
	}
	return nil
}

// Update applies a signed delta with its audit reason in one transaction.
func (s *Service) Update(ctx context.Context, caller, subject string, delta int64, reason string, relatedID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reputation: begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.UpdateTx(ctx, tx, caller, subject, delta, reason, relatedID); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reputation: commit update: %w", err)
	}
	return nil
}

// UpdateTx applies a delta on the caller's transaction. The escrow engine
// uses this so reputation moves atomically with settlement.
func (s *Service) UpdateTx(ctx context.Context, tx pgx.Tx, caller, subject string, delta int64, reason string, relatedID int64) error {
	var updater *string
	if err := tx.QueryRow(ctx, `SELECT updater FROM reputation_config WHERE id = TRUE`).Scan(&updater); err != nil {
		return fmt.Errorf("reputation: load updater: %w", err)
	}
	if updater == nil || *updater != caller {
		return ErrNotUpdater
	}

	var score int64
	err := tx.QueryRow(ctx, `
INSERT INTO reputation_scores (subject, score)
VALUES ($1, $2)
ON CONFLICT (subject) DO UPDATE SET score = reputation_scores.score + EXCLUDED.score
RETURNING score
`, subject, delta).Scan(&score)
	if err != nil {
		return fmt.Errorf("reputation: apply delta: %w", err)
	}

	hash := sha3.Sum256([]byte(reason))
	const q = `
INSERT INTO reputation_events (subject, delta, reason, reason_hash, related_id, score_after, updater)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`
	if _, err := tx.Exec(ctx, q, subject, delta, reason, hex.EncodeToString(hash[:]), relatedID, score, caller); err != nil {
		return fmt.Errorf("reputation: record event: %w", err)
	}

	if s.outbox != nil {
		payload := map[string]any{"subject": subject, "delta": delta, "score_after": score, "reason": reason}
		if err := s.outbox.Enqueue(ctx, tx, "reputation.updated", payload); err != nil {
			return err
		}
	}
	return nil
}

// ScoreOf returns the running score, zero for unknown subjects.
func (s *Service) ScoreOf(ctx context.Context, subject string) (int64, error) {
	var score int64
	err := s.pool.QueryRow(ctx, `SELECT score FROM reputation_scores WHERE subject = $1`, subject).Scan(&score)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reputation: score of %s: %w", subject, err)
	}
	return score, nil
}

// History lists the audit trail for a subject, newest first.
func (s *Service) History(ctx context.Context, subject string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, subject, delta, reason, reason_hash, related_id, score_after, updater, created_at
FROM reputation_events
WHERE subject = $1
ORDER BY id DESC
LIMIT $2
`, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("reputation: history: %w", err)
	}
	defer rows.Close()

	out := make([]Event, 0, limit)
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Subject, &ev.Delta, &ev.Reason, &ev.ReasonHash,
			&ev.RelatedID, &ev.ScoreAfter, &ev.Updater, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("reputation: scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reputation: iterate events: %w", err)
	}
	return out, nil
}
