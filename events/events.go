package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Timeline appends immutable audit events for market entities. Rows are
// append-only; every protocol transition writes one inside its own
// transaction so the trail and the state change commit together.
type Timeline struct{}

// Append records an event for the given entity on the caller's transaction.
func (Timeline) Append(ctx context.Context, tx pgx.Tx, entityKind string, entityID int64, eventType, actor string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal timeline payload: %w", err)
	}
	var actorArg any
	if actor != "" {
		actorArg = actor
	}
	const q = `
INSERT INTO market_events (entity_kind, entity_id, type, actor, payload)
VALUES ($1, $2, $3, $4, $5::jsonb)
`
	if _, err := tx.Exec(ctx, q, entityKind, entityID, eventType, actorArg, body); err != nil {
		return fmt.Errorf("events: insert timeline event: %w", err)
	}
	return nil
}

// Outbox enqueues transactional notifications for downstream delivery.
type Outbox struct{}

// Enqueue writes a pending outbox message on the caller's transaction.
func (Outbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("events: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (id, topic, payload) VALUES ($1, $2, $3::jsonb)`
	if _, err := tx.Exec(ctx, q, uuid.NewString(), topic, body); err != nil {
		return fmt.Errorf("events: enqueue outbox: %w", err)
	}
	return nil
}
