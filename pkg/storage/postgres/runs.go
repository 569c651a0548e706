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

type runStore struct {
	pool *pgxpool.Pool
}

const runColumns = `id, agent_id, parent_run_id, thread_id, status, input,
	output, error, options, attempt, worker_id, created_at, updated_at,
	queued_at, started_at, completed_at`

const stepColumns = `id, run_id, step_index, type, name, status, input,
	output, error, tool_name, called_agent_id, parent_id, policy,
	token_usage, duration_ms, created_at, started_at, ended_at`

func (s *runStore) CreateRun(ctx context.Context, run *models.Run) error {
	input, output, runErr, options, err := marshalRunBlobs(run)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8::jsonb, $9::jsonb, $10, $11, $12, $13, $14, $15, $16)`,
		run.ID, run.AgentID, run.ParentRunID, run.ThreadID, run.Status, input,
		output, runErr, options, run.Attempt, run.WorkerID, run.CreatedAt,
		run.UpdatedAt, run.QueuedAt, run.StartedAt, run.CompletedAt)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: create run: %w", err)
	}
	if len(run.Steps) > 0 {
		if err := replaceSteps(ctx, tx, run.ID, run.Steps); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *runStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get run: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = $1 ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load steps: %w", err)
	}
	defer rows.Close()
	run.Steps, err = collectSteps(rows)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *runStore) TransitionRun(ctx context.Context, runID string, from []models.RunStatus, to models.RunStatus, apply func(*models.Run)) (*models.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	row := tx.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, runID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: lock run: %w", err)
	}
	if !slices.Contains(from, run.Status) {
		return nil, storage.ErrConcurrentModification
	}

	stepRows, err := tx.Query(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE run_id = $1 ORDER BY step_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load steps: %w", err)
	}
	run.Steps, err = collectSteps(stepRows)
	if err != nil {
		return nil, err
	}

	run.Status = to
	run.UpdatedAt = time.Now().UTC()
	if apply != nil {
		apply(run)
	}
	// apply may adjust fields but never the agreed transition.
	run.Status = to

	input, output, runErr, options, err := marshalRunBlobs(run)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(ctx,
		`UPDATE runs SET status=$1, input=$2::jsonb, output=$3::jsonb,
			error=$4::jsonb, options=$5::jsonb, attempt=$6, worker_id=$7,
			updated_at=$8, queued_at=$9, started_at=$10, completed_at=$11
		 WHERE id=$12`,
		run.Status, input, output, runErr, options, run.Attempt, run.WorkerID,
		run.UpdatedAt, run.QueuedAt, run.StartedAt, run.CompletedAt, run.ID)
	if err != nil {
		return nil, fmt.Errorf("postgres: transition run: %w", err)
	}

	if err := replaceSteps(ctx, tx, runID, run.Steps); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres: commit transition: %w", err)
	}
	return run, nil
}

func (s *runStore) UpdateSteps(ctx context.Context, runID string, steps []*models.Step) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var locked string
	err = tx.QueryRow(ctx,
		`SELECT id FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("postgres: lock run: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE runs SET updated_at=$1 WHERE id=$2`,
		time.Now().UTC(), runID); err != nil {
		return fmt.Errorf("postgres: touch run: %w", err)
	}
	if err := replaceSteps(ctx, tx, runID, steps); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *runStore) ListRuns(ctx context.Context, filters models.RunFilters) ([]*models.Run, int, error) {
	var clauses []string
	var args []any
	p := 1
	if filters.AgentID != "" {
		clauses = append(clauses, fmt.Sprintf("agent_id = $%d", p))
		args = append(args, filters.AgentID)
		p++
	}
	if filters.ThreadID != "" {
		clauses = append(clauses, fmt.Sprintf("thread_id = $%d", p))
		args = append(args, filters.ThreadID)
		p++
	}
	if filters.Status != "" {
		clauses = append(clauses, fmt.Sprintf("status = $%d", p))
		args = append(args, filters.Status)
		p++
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count runs: %w", err)
	}

	q := `SELECT ` + runColumns + ` FROM runs` + where + ` ORDER BY created_at DESC, id`
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
		return nil, 0, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("postgres: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres: iterate runs: %w", err)
	}
	return runs, total, nil
}

func (s *runStore) CountActiveByAgent(ctx context.Context, agentID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE agent_id = $1 AND status = ANY($2)`,
		agentID, activeStatuses()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count active runs: %w", err)
	}
	return count, nil
}

func (s *runStore) ListUnfinished(ctx context.Context) ([]*models.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status = ANY($1) AND parent_run_id = ''
		 ORDER BY created_at, id`,
		[]string{string(models.RunStatusPending), string(models.RunStatusQueued), string(models.RunStatusRunning), string(models.RunStatusStreaming)})
	if err != nil {
		return nil, fmt.Errorf("postgres: list unfinished runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *runStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM runs WHERE status = ANY($1) AND updated_at < $2`,
		terminalStatuses(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete terminal runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func activeStatuses() []string {
	return []string{
		string(models.RunStatusRunning),
		string(models.RunStatusStreaming),
		string(models.RunStatusInterrupted),
	}
}

func terminalStatuses() []string {
	return []string{
		string(models.RunStatusCompleted),
		string(models.RunStatusFailed),
		string(models.RunStatusCancelled),
		string(models.RunStatusTimeout),
	}
}

func marshalRunBlobs(run *models.Run) (input, output, runErr, options *string, err error) {
	if input, err = marshalJSON(run.Input, "input"); err != nil {
		return nil, nil, nil, nil, err
	}
	if run.Output != nil {
		if output, err = marshalJSON(run.Output, "output"); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	if run.Error != nil {
		if runErr, err = marshalJSON(run.Error, "error"); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	if options, err = marshalJSON(run.Options, "options"); err != nil {
		return nil, nil, nil, nil, err
	}
	return input, output, runErr, options, nil
}

func replaceSteps(ctx context.Context, tx pgx.Tx, runID string, steps []*models.Step) error {
	if _, err := tx.Exec(ctx, `DELETE FROM steps WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("postgres: clear steps: %w", err)
	}
	for _, step := range steps {
		var input, output, stepErr *string
		var err error
		if step.Input != nil {
			if input, err = marshalJSON(step.Input, "step input"); err != nil {
				return err
			}
		}
		if step.Output != nil {
			if output, err = marshalJSON(step.Output, "step output"); err != nil {
				return err
			}
		}
		if step.Error != nil {
			if stepErr, err = marshalJSON(step.Error, "step error"); err != nil {
				return err
			}
		}
		usage, err := marshalJSON(step.Usage, "step usage")
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO steps (`+stepColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9::jsonb, $10, $11, $12, $13, $14::jsonb, $15, $16, $17, $18)`,
			step.ID, runID, step.Index, step.Type, step.Name, step.Status,
			input, output, stepErr, step.ToolName, step.CalledAgentID,
			step.ParentID, step.Policy, usage, step.DurationMS,
			step.CreatedAt, step.StartedAt, step.EndedAt)
		if err != nil {
			return fmt.Errorf("postgres: insert step: %w", err)
		}
	}
	return nil
}

func scanRun(row scanner) (*models.Run, error) {
	var r models.Run
	var input, output, runErr, options []byte
	err := row.Scan(&r.ID, &r.AgentID, &r.ParentRunID, &r.ThreadID, &r.Status,
		&input, &output, &runErr, &options, &r.Attempt, &r.WorkerID,
		&r.CreatedAt, &r.UpdatedAt, &r.QueuedAt, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(input, &r.Input, "input"); err != nil {
		return nil, err
	}
	if output != nil {
		r.Output = &models.RunOutput{}
		if err := unmarshalJSON(output, r.Output, "output"); err != nil {
			return nil, err
		}
	}
	if runErr != nil {
		r.Error = &models.RunError{}
		if err := unmarshalJSON(runErr, r.Error, "error"); err != nil {
			return nil, err
		}
	}
	if err := unmarshalJSON(options, &r.Options, "options"); err != nil {
		return nil, err
	}
	return &r, nil
}

func collectSteps(rows pgx.Rows) ([]*models.Step, error) {
	defer rows.Close()
	var steps []*models.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate steps: %w", err)
	}
	return steps, nil
}

func scanStep(row scanner) (*models.Step, error) {
	var st models.Step
	var input, output, stepErr, usage []byte
	err := row.Scan(&st.ID, &st.RunID, &st.Index, &st.Type, &st.Name, &st.Status,
		&input, &output, &stepErr, &st.ToolName, &st.CalledAgentID, &st.ParentID,
		&st.Policy, &usage, &st.DurationMS, &st.CreatedAt, &st.StartedAt, &st.EndedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(input, &st.Input, "step input"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(output, &st.Output, "step output"); err != nil {
		return nil, err
	}
	if stepErr != nil {
		st.Error = &models.StepError{}
		if err := unmarshalJSON(stepErr, st.Error, "step error"); err != nil {
			return nil, err
		}
	}
	if err := unmarshalJSON(usage, &st.Usage, "step usage"); err != nil {
		return nil, err
	}
	return &st, nil
}
