package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage"
)

type interruptStore struct {
	pool *pgxpool.Pool
}

const interruptColumns = `id, run_id, thread_id, agent_id, step_id, type,
	priority, status, payload, response, timeout_ms, created_at, expires_at,
	resolved_at`

func (s *interruptStore) Create(ctx context.Context, intr *models.Interrupt) error {
	payload, err := marshalJSON(intr.Payload, "payload")
	if err != nil {
		return err
	}
	var response *string
	if intr.Response != nil {
		if response, err = marshalJSON(intr.Response, "response"); err != nil {
			return err
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO interrupts (`+interruptColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10::jsonb, $11, $12, $13, $14)`,
		intr.ID, intr.RunID, intr.ThreadID, intr.AgentID, intr.StepID,
		intr.Type, intr.Priority, intr.Status, payload, response,
		intr.TimeoutMS, intr.CreatedAt, intr.ExpiresAt, intr.ResolvedAt)
	// The partial unique index on run_id rejects a second non-terminal
	// interrupt for the same run.
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: create interrupt: %w", err)
	}
	return nil
}

func (s *interruptStore) Get(ctx context.Context, interruptID string) (*models.Interrupt, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+interruptColumns+` FROM interrupts WHERE id = $1`, interruptID)
	intr, err := scanInterrupt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get interrupt: %w", err)
	}
	return intr, nil
}

func (s *interruptStore) Transition(ctx context.Context, interruptID string, from []models.InterruptStatus, to models.InterruptStatus, apply func(*models.Interrupt)) (*models.Interrupt, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx,
		`SELECT `+interruptColumns+` FROM interrupts WHERE id = $1 FOR UPDATE`, interruptID)
	intr, err := scanInterrupt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: lock interrupt: %w", err)
	}
	if !slices.Contains(from, intr.Status) {
		return nil, storage.ErrConcurrentModification
	}

	intr.Status = to
	if apply != nil {
		apply(intr)
	}
	intr.Status = to

	payload, err := marshalJSON(intr.Payload, "payload")
	if err != nil {
		return nil, err
	}
	var response *string
	if intr.Response != nil {
		if response, err = marshalJSON(intr.Response, "response"); err != nil {
			return nil, err
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE interrupts SET status=$1, payload=$2::jsonb, response=$3::jsonb,
			expires_at=$4, resolved_at=$5
		 WHERE id=$6`,
		intr.Status, payload, response, intr.ExpiresAt, intr.ResolvedAt, intr.ID)
	if err != nil {
		return nil, fmt.Errorf("postgres: transition interrupt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit transition: %w", err)
	}
	return intr, nil
}

func (s *interruptStore) List(ctx context.Context, filters models.InterruptFilters) ([]*models.Interrupt, int, error) {
	var clauses []string
	var args []any
	p := 1
	add := func(column, value string) {
		clauses = append(clauses, fmt.Sprintf("%s = $%d", column, p))
		args = append(args, value)
		p++
	}
	if filters.RunID != "" {
		add("run_id", filters.RunID)
	}
	if filters.AgentID != "" {
		add("agent_id", filters.AgentID)
	}
	if filters.ThreadID != "" {
		add("thread_id", filters.ThreadID)
	}
	if filters.Status != "" {
		add("status", filters.Status)
	}
	if filters.Type != "" {
		add("type", filters.Type)
	}
	if filters.Priority != "" {
		add("priority", filters.Priority)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM interrupts`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count interrupts: %w", err)
	}

	q := `SELECT ` + interruptColumns + ` FROM interrupts` + where + ` ORDER BY created_at DESC, id`
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
		return nil, 0, fmt.Errorf("postgres: list interrupts: %w", err)
	}
	defer rows.Close()

	var interrupts []*models.Interrupt
	for rows.Next() {
		intr, err := scanInterrupt(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("postgres: scan interrupt: %w", err)
		}
		interrupts = append(interrupts, intr)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres: iterate interrupts: %w", err)
	}
	return interrupts, total, nil
}

func (s *interruptStore) ActiveForRun(ctx context.Context, runID string) (*models.Interrupt, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+interruptColumns+` FROM interrupts
		 WHERE run_id = $1 AND status = ANY($2)`,
		runID, nonTerminalInterruptStatuses())
	intr, err := scanInterrupt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: active interrupt: %w", err)
	}
	return intr, nil
}

func (s *interruptStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.Interrupt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+interruptColumns+` FROM interrupts
		 WHERE status = ANY($1) AND expires_at <= $2
		 ORDER BY expires_at
		 LIMIT $3`,
		nonTerminalInterruptStatuses(), now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired interrupts: %w", err)
	}
	defer rows.Close()

	var interrupts []*models.Interrupt
	for rows.Next() {
		intr, err := scanInterrupt(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan interrupt: %w", err)
		}
		interrupts = append(interrupts, intr)
	}
	return interrupts, rows.Err()
}

func nonTerminalInterruptStatuses() []string {
	return []string{
		string(models.InterruptStatusPending),
		string(models.InterruptStatusNotified),
		string(models.InterruptStatusViewed),
	}
}

func scanInterrupt(row scanner) (*models.Interrupt, error) {
	var i models.Interrupt
	var payload, response []byte
	err := row.Scan(&i.ID, &i.RunID, &i.ThreadID, &i.AgentID, &i.StepID,
		&i.Type, &i.Priority, &i.Status, &payload, &response,
		&i.TimeoutMS, &i.CreatedAt, &i.ExpiresAt, &i.ResolvedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(payload, &i.Payload, "payload"); err != nil {
		return nil, err
	}
	if response != nil {
		i.Response = &models.InterruptResponse{}
		if err := unmarshalJSON(response, i.Response, "response"); err != nil {
			return nil, err
		}
	}
	return &i, nil
}
