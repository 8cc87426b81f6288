package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"usage_ingest/internal/models"
)

// iteratePageSize is the number of rows read per query while iterating.
const iteratePageSize = 500

// Checkpoint is the last position fully processed in a partition.
type Checkpoint struct {
	Partition string    `db:"partition_key" json:"partition"`
	Position  string    `db:"source_position" json:"position"`
	UpdatedAt time.Time `db:"-" json:"updated_at"`
}

// usageRow is the column layout of usage_records.
type usageRow struct {
	Seq              int64          `db:"seq"`
	ID               string         `db:"id"`
	DedupKey         string         `db:"dedup_key"`
	Partition        string         `db:"partition_key"`
	Position         string         `db:"source_position"`
	IdentityKey      string         `db:"identity_key"`
	EventTimeNS      sql.NullInt64  `db:"event_time_ns"`
	StatusCode       int            `db:"status_code"`
	Operation        sql.NullString `db:"operation"`
	Model            sql.NullString `db:"model"`
	PromptTokens     sql.NullInt64  `db:"prompt_tokens"`
	CompletionTokens sql.NullInt64  `db:"completion_tokens"`
	TotalTokens      sql.NullInt64  `db:"total_tokens"`
	TokenMismatch    bool           `db:"token_mismatch"`
	RawRequest       string         `db:"raw_request"`
	RawResponse      string         `db:"raw_response"`
	ResponsePresent  bool           `db:"response_present"`
	Metadata         models.JSONB   `db:"metadata"`
	CreatedAtNS      int64          `db:"created_at_ns"`
}

const usageColumns = `seq, id, dedup_key, partition_key, source_position, identity_key, event_time_ns,
	status_code, operation, model, prompt_tokens, completion_tokens, total_tokens,
	token_mismatch, raw_request, raw_response, response_present, metadata, created_at_ns`

// UsageRepository handles usage record database operations
type UsageRepository struct {
	db  *DB
	now func() time.Time
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(db *DB) *UsageRepository {
	return &UsageRepository{db: db, now: time.Now}
}

// Append stores a record and advances the partition checkpoint in one
// transaction. It returns false, with a nil error, when a record with the same
// dedup key already exists; the checkpoint is advanced in both cases. A
// checkpoint with an empty position stores the record alone.
func (r *UsageRepository) Append(ctx context.Context, record *models.UsageRecord, cp Checkpoint) (bool, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	if record.ID == uuid.Nil {
		record.ID = models.RecordID(record.DedupKey)
	}
	createdAt := r.now().UTC()

	row, err := r.toRow(record, createdAt)
	if err != nil {
		return false, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := r.db.rebind(`
		INSERT INTO usage_records (
			id, dedup_key, partition_key, source_position, identity_key, event_time_ns,
			status_code, operation, model, prompt_tokens, completion_tokens, total_tokens,
			token_mismatch, raw_request, raw_response, response_present, metadata, created_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedup_key) DO NOTHING
	`)
	res, err := tx.ExecContext(ctx, query,
		row.ID, row.DedupKey, row.Partition, row.Position, row.IdentityKey, row.EventTimeNS,
		row.StatusCode, row.Operation, row.Model, row.PromptTokens, row.CompletionTokens, row.TotalTokens,
		row.TokenMismatch, row.RawRequest, row.RawResponse, row.ResponsePresent, row.Metadata, row.CreatedAtNS,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert usage record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}

	if cp.Position != "" {
		if err := upsertCheckpoint(ctx, tx, r.db, cp, createdAt); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if affected > 0 {
		record.CreatedAt = createdAt
	}
	return affected > 0, nil
}

// GetByDedupKey retrieves a record by its dedup key
func (r *UsageRepository) GetByDedupKey(ctx context.Context, dedupKey string) (*models.UsageRecord, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var row usageRow
	query := r.db.rebind(`SELECT ` + usageColumns + ` FROM usage_records WHERE dedup_key = ?`)
	if err := r.db.conn.GetContext(ctx, &row, query, dedupKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUsageRecordNotFound
		}
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}
	return r.fromRow(&row)
}

// LastPosition returns the position of the most recently stored record of a
// partition, or an empty string when it has none.
func (r *UsageRepository) LastPosition(ctx context.Context, partition string) (string, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var position string
	query := r.db.rebind(`SELECT source_position FROM usage_records WHERE partition_key = ? ORDER BY seq DESC LIMIT 1`)
	if err := r.db.conn.GetContext(ctx, &position, query, partition); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get last position: %w", err)
	}
	return position, nil
}

// ListByIdentity returns records of one identity with event time in [from, to),
// ascending by event time. A non-positive limit returns all matches.
func (r *UsageRepository) ListByIdentity(ctx context.Context, identity string, from, to time.Time, limit int) ([]*models.UsageRecord, error) {
	records := []*models.UsageRecord{}
	if !to.After(from) {
		return records, nil
	}

	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + usageColumns + ` FROM usage_records
		WHERE identity_key = ? AND event_time_ns >= ? AND event_time_ns < ?
		ORDER BY event_time_ns ASC, seq ASC`
	args := []interface{}{identity, toNanos(from), toNanos(to)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []usageRow
	if err := r.db.conn.SelectContext(ctx, &rows, r.db.rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	for i := range rows {
		rec, err := r.fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Iterate streams every stored record in insertion order. Rows are read in
// pages so fn may itself use the database.
func (r *UsageRepository) Iterate(ctx context.Context, fn func(*models.UsageRecord) error) error {
	query := r.db.rebind(`SELECT ` + usageColumns + ` FROM usage_records WHERE seq > ? ORDER BY seq ASC LIMIT ?`)

	var last int64
	for {
		page, err := r.page(ctx, query, last)
		if err != nil {
			return err
		}
		for i := range page {
			rec, err := r.fromRow(&page[i])
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
			last = page[i].Seq
		}
		if len(page) < iteratePageSize {
			return nil
		}
	}
}

func (r *UsageRepository) page(ctx context.Context, query string, after int64) ([]usageRow, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var rows []usageRow
	if err := r.db.conn.SelectContext(ctx, &rows, query, after, iteratePageSize); err != nil {
		return nil, fmt.Errorf("failed to iterate usage records: %w", err)
	}
	return rows, nil
}

// Count returns the number of stored records
func (r *UsageRepository) Count(ctx context.Context) (int64, error) {
	ctx, cancel := r.db.withTimeout(ctx)
	defer cancel()

	var n int64
	if err := r.db.conn.GetContext(ctx, &n, `SELECT COUNT(*) FROM usage_records`); err != nil {
		return 0, fmt.Errorf("failed to count usage records: %w", err)
	}
	return n, nil
}

func (r *UsageRepository) toRow(rec *models.UsageRecord, createdAt time.Time) (*usageRow, error) {
	row := &usageRow{
		ID:              rec.ID.String(),
		DedupKey:        rec.DedupKey,
		Partition:       rec.Partition,
		Position:        rec.Position,
		IdentityKey:     rec.IdentityKey,
		StatusCode:      rec.StatusCode,
		TokenMismatch:   rec.TokenMismatch,
		RawRequest:      rec.RawRequest,
		RawResponse:     rec.RawResponse,
		ResponsePresent: rec.ResponsePresent,
		Metadata:        rec.Metadata,
		CreatedAtNS:     createdAt.UnixNano(),
	}
	if !rec.EventTime.IsZero() {
		row.EventTimeNS = sql.NullInt64{Int64: toNanos(rec.EventTime), Valid: true}
	}
	row.Operation = nullString(rec.Operation)
	row.Model = nullString(rec.Model)
	row.PromptTokens = nullInt64(rec.PromptTokens)
	row.CompletionTokens = nullInt64(rec.CompletionTokens)
	row.TotalTokens = nullInt64(rec.TotalTokens)

	if c := r.db.cipher; c != nil {
		var err error
		if row.RawRequest, err = c.Seal(rec.RawRequest); err != nil {
			return nil, fmt.Errorf("failed to encrypt raw request: %w", err)
		}
		if row.RawResponse, err = c.Seal(rec.RawResponse); err != nil {
			return nil, fmt.Errorf("failed to encrypt raw response: %w", err)
		}
	}
	return row, nil
}

func (r *UsageRepository) fromRow(row *usageRow) (*models.UsageRecord, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid record id %q: %w", row.ID, err)
	}
	rec := &models.UsageRecord{
		ID:              id,
		DedupKey:        row.DedupKey,
		Partition:       row.Partition,
		Position:        row.Position,
		IdentityKey:     row.IdentityKey,
		StatusCode:      row.StatusCode,
		TokenMismatch:   row.TokenMismatch,
		RawRequest:      row.RawRequest,
		RawResponse:     row.RawResponse,
		ResponsePresent: row.ResponsePresent,
		Metadata:        row.Metadata,
		CreatedAt:       time.Unix(0, row.CreatedAtNS).UTC(),
	}
	if row.EventTimeNS.Valid {
		rec.EventTime = time.Unix(0, row.EventTimeNS.Int64).UTC()
	}
	if row.Operation.Valid {
		rec.Operation = &row.Operation.String
	}
	if row.Model.Valid {
		rec.Model = &row.Model.String
	}
	if row.PromptTokens.Valid {
		rec.PromptTokens = &row.PromptTokens.Int64
	}
	if row.CompletionTokens.Valid {
		rec.CompletionTokens = &row.CompletionTokens.Int64
	}
	if row.TotalTokens.Valid {
		rec.TotalTokens = &row.TotalTokens.Int64
	}

	if c := r.db.cipher; c != nil {
		if rec.RawRequest, err = c.Open(row.RawRequest); err != nil {
			return nil, err
		}
		if rec.RawResponse, err = c.Open(row.RawResponse); err != nil {
			return nil, err
		}
	} else if IsEncrypted(row.RawRequest) || IsEncrypted(row.RawResponse) {
		return nil, fmt.Errorf("%w: record %s is encrypted but no key is configured", ErrPayloadDecrypt, row.DedupKey)
	}
	return rec, nil
}

func upsertCheckpoint(ctx context.Context, tx *sqlx.Tx, db *DB, cp Checkpoint, at time.Time) error {
	query := db.rebind(`
		INSERT INTO pipeline_checkpoints (partition_key, source_position, updated_at_ns)
		VALUES (?, ?, ?)
		ON CONFLICT (partition_key) DO UPDATE
		SET source_position = excluded.source_position, updated_at_ns = excluded.updated_at_ns
	`)
	if _, err := tx.ExecContext(ctx, query, cp.Partition, cp.Position, at.UnixNano()); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// toNanos clamps times outside the int64 nanosecond range.
func toNanos(t time.Time) int64 {
	switch {
	case t.Before(minNanoTime):
		return minNanoTime.UnixNano()
	case t.After(maxNanoTime):
		return maxNanoTime.UnixNano()
	}
	return t.UnixNano()
}

var (
	minNanoTime = time.Unix(0, -1<<63).UTC()
	maxNanoTime = time.Unix(0, 1<<63-1).UTC()
)

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
