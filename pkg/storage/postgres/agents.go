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

type agentStore struct {
	pool *pgxpool.Pool
}

const agentColumns = `id, agent_id, version, name, description, system, type,
	status, lifecycle_state, capabilities, extensions, routing_weight,
	health, metadata, created_at, updated_at`

func (s *agentStore) Create(ctx context.Context, agent *models.Agent) error {
	capabilities, err := marshalJSON(agent.Capabilities, "capabilities")
	if err != nil {
		return err
	}
	extensions, err := marshalJSON(agent.Extensions, "extensions")
	if err != nil {
		return err
	}
	var health *string
	if agent.Health != nil {
		if health, err = marshalJSON(agent.Health, "health"); err != nil {
			return err
		}
	}
	var metadata *string
	if agent.Metadata != nil {
		if metadata, err = marshalJSON(agent.Metadata, "metadata"); err != nil {
			return err
		}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12, $13::jsonb, $14::jsonb, $15, $16)`,
		agent.ID, agent.AgentID, agent.Version, agent.Name, agent.Description,
		agent.System, agent.Type, agent.Status, agent.LifecycleState,
		capabilities, extensions, agent.RoutingWeight, health, metadata,
		agent.CreatedAt, agent.UpdatedAt)
	if isUniqueViolation(err) {
		return storage.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("postgres: create agent: %w", err)
	}
	return nil
}

func (s *agentStore) Update(ctx context.Context, agent *models.Agent) error {
	capabilities, err := marshalJSON(agent.Capabilities, "capabilities")
	if err != nil {
		return err
	}
	extensions, err := marshalJSON(agent.Extensions, "extensions")
	if err != nil {
		return err
	}
	var health *string
	if agent.Health != nil {
		if health, err = marshalJSON(agent.Health, "health"); err != nil {
			return err
		}
	}
	var metadata *string
	if agent.Metadata != nil {
		if metadata, err = marshalJSON(agent.Metadata, "metadata"); err != nil {
			return err
		}
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET version=$1, name=$2, description=$3, system=$4,
			type=$5, status=$6, lifecycle_state=$7, capabilities=$8::jsonb,
			extensions=$9::jsonb, routing_weight=$10, health=$11::jsonb,
			metadata=$12::jsonb, updated_at=$13
		 WHERE agent_id=$14 AND updated_at=$15`,
		agent.Version, agent.Name, agent.Description, agent.System, agent.Type,
		agent.Status, agent.LifecycleState, capabilities, extensions,
		agent.RoutingWeight, health, metadata, now,
		agent.AgentID, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM agents WHERE agent_id = $1)`,
			agent.AgentID).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: update agent: %w", err)
		}
		if !exists {
			return storage.ErrNotFound
		}
		return storage.ErrConcurrentModification
	}
	agent.UpdatedAt = now
	return nil
}

func (s *agentStore) Delete(ctx context.Context, agentID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return fmt.Errorf("postgres: delete agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *agentStore) Get(ctx context.Context, agentID string) (*models.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get agent: %w", err)
	}
	return agent, nil
}

func (s *agentStore) List(ctx context.Context, filters models.AgentFilters) ([]*models.Agent, int, error) {
	var clauses []string
	var args []any
	p := 1
	if filters.System != "" {
		clauses = append(clauses, fmt.Sprintf("system = $%d", p))
		args = append(args, filters.System)
		p++
	}
	if filters.Type != "" {
		clauses = append(clauses, fmt.Sprintf("type = $%d", p))
		args = append(args, filters.Type)
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
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count agents: %w", err)
	}

	q := `SELECT ` + agentColumns + ` FROM agents` + where + ` ORDER BY agent_id`
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
		return nil, 0, fmt.Errorf("postgres: list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("postgres: scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("postgres: iterate agents: %w", err)
	}
	return agents, total, nil
}

func (s *agentStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM agents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count agents: %w", err)
	}
	return count, nil
}

// scanner covers both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*models.Agent, error) {
	var a models.Agent
	var capabilities, extensions, health, metadata []byte
	err := row.Scan(&a.ID, &a.AgentID, &a.Version, &a.Name, &a.Description,
		&a.System, &a.Type, &a.Status, &a.LifecycleState,
		&capabilities, &extensions, &a.RoutingWeight, &health, &metadata,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalJSON(capabilities, &a.Capabilities, "capabilities"); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(extensions, &a.Extensions, "extensions"); err != nil {
		return nil, err
	}
	if health != nil {
		a.Health = &models.HealthStatus{}
		if err := unmarshalJSON(health, a.Health, "health"); err != nil {
			return nil, err
		}
	}
	if err := unmarshalJSON(metadata, &a.Metadata, "metadata"); err != nil {
		return nil, err
	}
	return &a, nil
}
