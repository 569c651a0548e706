package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caphub/caphub/pkg/models"
	"github.com/caphub/caphub/pkg/storage"
)

// checkpointStore persists checkpoints as opaque JSONB blobs. The executor
// is the only reader and always wants the whole snapshot.
type checkpointStore struct {
	pool *pgxpool.Pool
}

func (s *checkpointStore) Save(ctx context.Context, cp *models.Checkpoint) error {
	data, err := cp.Marshal()
	if err != nil {
		return fmt.Errorf("postgres: marshal checkpoint: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkpoints (run_id, data, updated_at)
		 VALUES ($1, $2::jsonb, $3)
		 ON CONFLICT (run_id) DO UPDATE SET
		   data = EXCLUDED.data,
		   updated_at = EXCLUDED.updated_at`,
		cp.RunID, data, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save checkpoint: %w", err)
	}
	return nil
}

func (s *checkpointStore) Get(ctx context.Context, runID string) (*models.Checkpoint, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM checkpoints WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get checkpoint: %w", err)
	}
	cp, err := models.UnmarshalCheckpoint(data)
	if err != nil {
		return nil, fmt.Errorf("postgres: unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

func (s *checkpointStore) Delete(ctx context.Context, runID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM checkpoints WHERE run_id = $1`, runID); err != nil {
		return fmt.Errorf("postgres: delete checkpoint: %w", err)
	}
	return nil
}
