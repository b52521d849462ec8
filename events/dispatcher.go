package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const maxAttempts = 5

// Sink receives dispatched outbox messages. The transport behind it is out
// of scope here; cmd wiring supplies a logging sink.
type Sink func(topic string, payload []byte) error

// Dispatcher drains pending outbox rows. Each row is claimed with
// FOR UPDATE SKIP LOCKED so concurrent dispatchers never double-deliver.
type Dispatcher struct {
	pool *pgxpool.Pool
	sink Sink
}

func NewDispatcher(pool *pgxpool.Pool, sink Sink) *Dispatcher {
	return &Dispatcher{pool: pool, sink: sink}
}

// DispatchPending delivers up to limit pending messages and returns the
// number processed.
func (d *Dispatcher) DispatchPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("events: begin dispatch: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
SELECT id, topic, payload
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED
`, limit)
	if err != nil {
		return 0, fmt.Errorf("events: claim outbox rows: %w", err)
	}

	type msg struct {
		id      string
		topic   string
		payload []byte
	}
	batch := make([]msg, 0, limit)
	for rows.Next() {
		var m msg
		if err := rows.Scan(&m.id, &m.topic, &m.payload); err != nil {
			rows.Close()
			return 0, fmt.Errorf("events: scan outbox row: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("events: iterate outbox rows: %w", err)
	}

	processed := 0
	for _, m := range batch {
		if err := d.sink(m.topic, m.payload); err != nil {
			if _, uerr := tx.Exec(ctx, `
UPDATE outbox
SET attempts = attempts + 1,
    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END
WHERE id = $1
`, m.id, maxAttempts); uerr != nil {
				return processed, fmt.Errorf("events: record failed attempt: %w", uerr)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1 WHERE id = $1`, m.id); err != nil {
			return processed, fmt.Errorf("events: mark processed: %w", err)
		}
		processed++
	}

	if err := tx.Commit(ctx); err != nil {
		return processed, fmt.Errorf("events: commit dispatch: %w", err)
	}
	return processed, nil
}
