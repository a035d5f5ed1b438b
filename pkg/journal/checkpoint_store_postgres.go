package journal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCheckpointStore is a CheckpointStore backed by Postgres, for
// partitions whose journal also lives in PostgresStore.
type PostgresCheckpointStore struct {
	pool      *pgxpool.Pool
	partition string
}

func NewPostgresCheckpointStore(pool *pgxpool.Pool, partition string) *PostgresCheckpointStore {
	return &PostgresCheckpointStore{pool: pool, partition: partition}
}

func (s *PostgresCheckpointStore) WriteCheckpoint(ctx context.Context, checkpointID uint64, body []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (partition_name, checkpoint_id, body)
		VALUES ($1, $2, $3)
		ON CONFLICT (partition_name, checkpoint_id) DO UPDATE SET body = EXCLUDED.body`,
		s.partition, checkpointID, body)
	if err != nil {
		return fmt.Errorf("write checkpoint %d: %w", checkpointID, err)
	}
	return nil
}

func (s *PostgresCheckpointStore) WriteLastCheckpointPointer(ctx context.Context, checkpointID uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoint_pointers (partition_name, checkpoint_id)
		VALUES ($1, $2)
		ON CONFLICT (partition_name) DO UPDATE SET checkpoint_id = EXCLUDED.checkpoint_id`,
		s.partition, checkpointID)
	if err != nil {
		return fmt.Errorf("write last_checkpoint pointer: %w", err)
	}
	return nil
}

func (s *PostgresCheckpointStore) ReadLastCheckpointPointer(ctx context.Context) (uint64, bool, error) {
	var id uint64
	err := s.pool.QueryRow(ctx, `
		SELECT checkpoint_id FROM checkpoint_pointers WHERE partition_name = $1`,
		s.partition).Scan(&id)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("read last_checkpoint pointer: %w", err)
	}
	return id, true, nil
}
