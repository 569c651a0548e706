package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caphub/caphub/pkg/models"
)

// notifyPayloadLimit keeps NOTIFY payloads under PostgreSQL's 8000-byte cap
// with headroom for the envelope fields.
const notifyPayloadLimit = 7900

type eventStore struct {
	pool *pgxpool.Pool
}

// Insert persists the event and broadcasts it on the event's NOTIFY channel
// in the same transaction, so the notification fires only after commit and
// never references an id the catchup query cannot see.
func (s *eventStore) Insert(ctx context.Context, event *models.Event) (int64, error) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	err = tx.QueryRow(ctx,
		`INSERT INTO events (run_id, channel, type, payload, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5) RETURNING id`,
		event.RunID, event.Channel, event.Type, []byte(event.Payload), event.CreatedAt,
	).Scan(&event.ID)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert event: %w", err)
	}

	notify, err := notifyEnvelope(event)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, event.Channel, notify); err != nil {
		return 0, fmt.Errorf("postgres: pg_notify: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit event: %w", err)
	}
	return event.ID, nil
}

// NotifyOnly broadcasts a transient event without persisting it. Streaming
// chunks use this path; they are ephemeral and lost on disconnect.
func (s *eventStore) NotifyOnly(ctx context.Context, event *models.Event) error {
	notify, err := notifyEnvelope(event)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, event.Channel, notify); err != nil {
		return fmt.Errorf("postgres: pg_notify: %w", err)
	}
	return nil
}

func (s *eventStore) ListAfter(ctx context.Context, runID string, afterID int64, limit int) ([]*models.Event, error) {
	q := `SELECT id, run_id, channel, type, payload, created_at
	 FROM events WHERE run_id = $1 AND id > $2 ORDER BY id`
	args := []any{runID, afterID}
	if limit > 0 {
		q += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var e models.Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.Channel, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		e.Payload = payload
		events = append(events, &e)
	}
	return events, rows.Err()
}

func (s *eventStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// notifyEnvelope marshals the event for the NOTIFY wire. Oversized payloads
// are replaced with a truncation marker; subscribers fetch the full event
// from the log by id.
func notifyEnvelope(event *models.Event) (string, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("postgres: marshal notify payload: %w", err)
	}
	if len(data) <= notifyPayloadLimit {
		return string(data), nil
	}

	truncated := models.Event{
		ID:        event.ID,
		RunID:     event.RunID,
		Channel:   event.Channel,
		Type:      event.Type,
		Payload:   json.RawMessage(`{"truncated":true}`),
		CreatedAt: event.CreatedAt,
	}
	data, err = json.Marshal(truncated)
	if err != nil {
		return "", fmt.Errorf("postgres: marshal truncated notify payload: %w", err)
	}
	return string(data), nil
}
