package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CheckpointRepository persists per-partition pipeline positions
type CheckpointRepository struct {
	db  *DB
	now func() time.Time
}

// NewCheckpointRepository creates a new checkpoint repository
func NewCheckpointRepository(db *DB) *CheckpointRepository {
	return &CheckpointRepository{db: db, now: time.Now}
}

type checkpointRow struct {
	Partition   string `db:"partition_key"`
	Position    string `db:"source_position"`
	UpdatedAtNS int64  `db:"updated_at_ns"`
}

func (row checkpointRow) checkpoint() Checkpoint {
	return Checkpoint{
		Partition: row.Partition,
		Position:  row.Position,
		UpdatedAt: time.Unix(0, row.UpdatedAtNS).UTC(),
	}
}

// Get returns the checkpoint of a partition. A partition that has never been
// checkpointed returns an empty position and no error.
func (r *CheckpointRepository) Get(ctx context.Context, partition string) (Checkpoint, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var row checkpointRow
	query := r.db.rebind(`SELECT partition_key, source_position, updated_at_ns FROM pipeline_checkpoints WHERE partition_key = ?`)
	if err := r.db.conn.GetContext(ctx, &row, query, partition); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Checkpoint{Partition: partition}, nil
		}
		return Checkpoint{}, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return row.checkpoint(), nil
}

// Save advances a checkpoint without storing a record. Used for events that
// are dead-lettered instead of appended.
func (r *CheckpointRepository) Save(ctx context.Context, cp Checkpoint) error {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertCheckpoint(ctx, tx, r.db, cp, r.now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// List returns all checkpoints ordered by partition
func (r *CheckpointRepository) List(ctx context.Context) ([]Checkpoint, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var rows []checkpointRow
	if err := r.db.conn.SelectContext(ctx, &rows, `SELECT partition_key, source_position, updated_at_ns FROM pipeline_checkpoints ORDER BY partition_key`); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out := make([]Checkpoint, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.checkpoint())
	}
	return out, nil
}
