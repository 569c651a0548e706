package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage"
)

type threadStore struct {
	pool *pgxpool.Pool
}

func (s *threadStore) CreateThread(ctx context.Context, thread *models.Thread) error {
	var metadata *string
	var err error
	if thread.Metadata != nil {
		if metadata, err = marshalJSON(thread.Metadata, "metadata"); err != nil {
			return err
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO threads (id, agent_id, status, metadata, resolution,
			message_count, last_seq, created_at, updated_at, closed_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10)`,
		thread.ID, thread.AgentID, thread.Status, metadata, thread.Resolution,
		thread.MessageCount, thread.LastSeq, thread.CreatedAt, thread.UpdatedAt,
		thread.ClosedAt)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: create thread: %w", err)
	}
	return nil
}

func (s *threadStore) GetThread(ctx context.Context, threadID string) (*models.Thread, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT t.id, t.agent_id, t.status, t.metadata, t.resolution,
			t.message_count, t.last_seq, t.created_at, t.updated_at, t.closed_at,
			s.version, s.content, s.up_to_seq, s.created_at
		 FROM threads t
		 LEFT JOIN thread_summaries s ON s.thread_id = t.id
		 WHERE t.id = $1`, threadID)
	thread, err := scanThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get thread: %w", err)
	}
	return thread, nil
}

func (s *threadStore) UpdateThread(ctx context.Context, thread *models.Thread) error {
	var metadata *string
	var err error
	if thread.Metadata != nil {
		if metadata, err = marshalJSON(thread.Metadata, "metadata"); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE threads SET status=$1, metadata=$2::jsonb, resolution=$3,
			closed_at=$4, updated_at=$5
		 WHERE id=$6 AND updated_at=$7`,
		thread.Status, metadata, thread.Resolution, thread.ClosedAt, now,
		thread.ID, thread.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM threads WHERE id = $1)`,
			thread.ID).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: update thread: %w", err)
		}
		if !exists {
			return storage.ErrNotFound
		}
		return storage.ErrConcurrentModification
	}
	thread.UpdatedAt = now
	return nil
}

func (s *threadStore) ListThreads(ctx context.Context, filters models.ThreadFilters) ([]*models.Thread, int, error) {
	var clauses []string
	var args []any
	p := 1
	if filters.AgentID != "" {
		clauses = append(clauses, fmt.Sprintf("t.agent_id = $%d", p))
		args = append(args, filters.AgentID)
		p++
	}
	if filters.Status != "" {
		clauses = append(clauses, fmt.Sprintf("t.status = $%d", p))
		args = append(args, filters.Status)
		p++
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM threads t`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count threads: %w", err)
	}

	q := `SELECT t.id, t.agent_id, t.status, t.metadata, t.resolution,
		t.message_count, t.last_seq, t.created_at, t.updated_at, t.closed_at,
		s.version, s.content, s.up_to_seq, s.created_at
	 FROM threads t
	 LEFT JOIN thread_summaries s ON s.thread_id = t.id` + where + `
	 ORDER BY t.created_at DESC, t.id`
	if filters.Limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", p)
		args = append(args, filters.Limit)
		p++
	}
	if filters.Offset > 0 {
		q += fmt.Sprintf(" OFFSET $%d", p)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list threads: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		thread, err := scanThread(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("postgres: scan thread: %w", err)
		}
		threads = append(threads, thread)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres: iterate threads: %w", err)
	}
	return threads, total, nil
}

func (s *threadStore) AppendMessages(ctx context.Context, threadID string, msgs []*models.Message) ([]*models.Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var status models.ThreadStatus
	var lastSeq int64
	err = tx.QueryRow(ctx,
		`SELECT status, last_seq FROM threads WHERE id = $1 FOR UPDATE`,
		threadID).Scan(&status, &lastSeq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: lock thread: %w", err)
	}
	if !status.AcceptsAppends() {
		return nil, storage.ErrThreadClosed
	}

	now := time.Now().UTC()
	out := make([]*models.Message, 0, len(msgs))
	appended := 0
	for _, msg := range msgs {
		if msg.IdempotencyKey != "" {
			prior, err := getMessageByKey(ctx, tx, threadID, msg.IdempotencyKey)
			if err == nil {
				out = append(out, prior)
				continue
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("postgres: idempotency lookup: %w", err)
			}
		}

		stored := msg.Clone()
		lastSeq++
		stored.ThreadID = threadID
		stored.Seq = lastSeq
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		meta, err := marshalJSON(stored.Meta, "message metadata")
		if err != nil {
			return nil, err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO messages (id, thread_id, seq, role, content, metadata,
				idempotency_key, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)`,
			stored.ID, stored.ThreadID, stored.Seq, stored.Role, stored.Content,
			meta, stored.IdempotencyKey, stored.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("postgres: insert message: %w", err)
		}
		out = append(out, stored)
		appended++
	}

	if appended > 0 {
		_, err = tx.Exec(ctx,
			`UPDATE threads SET last_seq=$1, message_count=message_count+$2, updated_at=$3
			 WHERE id=$4`,
			lastSeq, appended, now, threadID)
		if err != nil {
			return nil, fmt.Errorf("postgres: advance thread counters: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit append: %w", err)
	}
	return out, nil
}

func getMessageByKey(ctx context.Context, tx pgx.Tx, threadID, key string) (*models.Message, error) {
	row := tx.QueryRow(ctx,
		`SELECT id, thread_id, seq, role, content, metadata, idempotency_key, created_at
		 FROM messages WHERE thread_id = $1 AND idempotency_key = $2`,
		threadID, key)
	return scanMessage(row)
}

func (s *threadStore) ListMessages(ctx context.Context, threadID string, filters models.MessageFilters) ([]*models.Message, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM threads WHERE id = $1)`, threadID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	if !exists {
		return nil, storage.ErrNotFound
	}

	q := `SELECT id, thread_id, seq, role, content, metadata, idempotency_key, created_at
	 FROM messages WHERE thread_id = $1 AND seq > $2`
	if filters.PinnedOnly {
		q += ` AND (metadata->>'pinned')::boolean IS TRUE`
	}
	if filters.Reverse {
		q += ` ORDER BY seq DESC`
	} else {
		q += ` ORDER BY seq`
	}
	args := []any{threadID, filters.AfterSeq}
	if filters.Limit > 0 {
		q += ` LIMIT $3`
		args = append(args, filters.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate messages: %w", err)
	}
	return msgs, nil
}

func (s *threadStore) SaveSummary(ctx context.Context, threadID string, summary *models.ThreadSummary) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx,
		`UPDATE threads SET updated_at=$1 WHERE id=$2`,
		time.Now().UTC(), threadID)
	if err != nil {
		return fmt.Errorf("postgres: touch thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO thread_summaries (thread_id, version, content, up_to_seq, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (thread_id) DO UPDATE SET
		   version = EXCLUDED.version,
		   content = EXCLUDED.content,
		   up_to_seq = EXCLUDED.up_to_seq,
		   created_at = EXCLUDED.created_at`,
		threadID, summary.Version, summary.Content, summary.UpToSeq, summary.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save summary: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *threadStore) GetSummary(ctx context.Context, threadID string) (*models.ThreadSummary, error) {
	var sum models.ThreadSummary
	err := s.pool.QueryRow(ctx,
		`SELECT version, content, up_to_seq, created_at
		 FROM thread_summaries WHERE thread_id = $1`, threadID,
	).Scan(&sum.Version, &sum.Content, &sum.UpToSeq, &sum.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get summary: %w", err)
	}
	return &sum, nil
}

func (s *threadStore) ArchiveClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE threads SET status=$1, updated_at=$2
		 WHERE status=$3 AND closed_at IS NOT NULL AND closed_at < $4`,
		models.ThreadStatusArchived, time.Now().UTC(), models.ThreadStatusClosed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: archive threads: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanThread(row scanner) (*models.Thread, error) {
	var t models.Thread
	var metadata []byte
	var sumVersion *int
	var sumContent *string
	var sumUpToSeq *int64
	var sumCreatedAt *time.Time
	err := row.Scan(&t.ID, &t.AgentID, &t.Status, &metadata, &t.Resolution,
		&t.MessageCount, &t.LastSeq, &t.CreatedAt, &t.UpdatedAt, &t.ClosedAt,
		&sumVersion, &sumContent, &sumUpToSeq, &sumCreatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(metadata, &t.Metadata, "metadata"); err != nil {
		return nil, err
	}
	if sumVersion != nil {
		t.Summary = &models.ThreadSummary{
			Version:   *sumVersion,
			Content:   *sumContent,
			UpToSeq:   *sumUpToSeq,
			CreatedAt: *sumCreatedAt,
		}
	}
	return &t, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var m models.Message
	var meta []byte
	err := row.Scan(&m.ID, &m.ThreadID, &m.Seq, &m.Role, &m.Content, &meta,
		&m.IdempotencyKey, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(meta, &m.Meta, "message metadata"); err != nil {
		return nil, err
	}
	return &m, nil
}
