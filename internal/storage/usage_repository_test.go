package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage_ingest/internal/models"
)

var eventTime = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func newSQLiteDB(t *testing.T, key string) *DB {
	t.Helper()
	cfg := DefaultDBConfig()
	cfg.Driver = DriverSQLite
	cfg.DSN = filepath.Join(t.TempDir(), "usage.db")
	cfg.PayloadEncryptionKey = key

	db, err := NewDB(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testRecord(partition, position, identity string, at time.Time, total *int64) *models.UsageRecord {
	rec := &models.UsageRecord{
		IdentityKey:     identity,
		EventTime:       at,
		StatusCode:      200,
		Operation:       models.StringPtr("chat.completion"),
		Model:           models.StringPtr("gpt-4o"),
		TotalTokens:     total,
		RawRequest:      `{"messages":[]}`,
		RawResponse:     `{"usage":{}}`,
		ResponsePresent: true,
		Metadata:        models.JSONB{"api_id": "openai"},
	}
	rec.AssignDelivery(&models.Delivery{Partition: partition, Position: position})
	return rec
}

func TestUsageRepositoryAppendDedup(t *testing.T) {
	db := newSQLiteDB(t, "")
	repo := db.NewUsageRepository()
	checkpoints := db.NewCheckpointRepository()
	ctx := context.Background()

	rec := testRecord("p0", "1-0", "sub-1", eventTime, models.Int64Ptr(10))
	inserted, err := repo.Append(ctx, rec, Checkpoint{Partition: "p0", Position: "1-0"})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.False(t, rec.CreatedAt.IsZero())

	// same delivery again
	dup := testRecord("p0", "1-0", "sub-1", eventTime, models.Int64Ptr(10))
	inserted, err = repo.Append(ctx, dup, Checkpoint{Partition: "p0", Position: "1-0"})
	require.NoError(t, err)
	assert.False(t, inserted)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	cp, err := checkpoints.Get(ctx, "p0")
	require.NoError(t, err)
	assert.Equal(t, "1-0", cp.Position)

	got, err := repo.GetByDedupKey(ctx, "p0/1-0")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "sub-1", got.IdentityKey)
	assert.True(t, got.EventTime.Equal(eventTime))
	assert.Equal(t, int64(10), *got.TotalTokens)
	assert.Nil(t, got.PromptTokens)
	assert.Equal(t, "gpt-4o", models.StringValue(got.Model))
	assert.Equal(t, "openai", got.Metadata.String("api_id"))
	assert.Equal(t, `{"usage":{}}`, got.RawResponse)
	assert.True(t, got.ResponsePresent)

	_, err = repo.GetByDedupKey(ctx, "p0/2-0")
	assert.ErrorIs(t, err, ErrUsageRecordNotFound)
}

func TestUsageRepositoryAppendWithoutCheckpoint(t *testing.T) {
	db := newSQLiteDB(t, "")
	repo := db.NewUsageRepository()
	checkpoints := db.NewCheckpointRepository()
	ctx := context.Background()

	last, err := repo.LastPosition(ctx, "p0")
	require.NoError(t, err)
	assert.Equal(t, "", last)

	for _, pos := range []string{"1-0", "2-0"} {
		inserted, err := repo.Append(ctx, testRecord("p0", pos, "sub-1", eventTime, nil), Checkpoint{Partition: "p0"})
		require.NoError(t, err)
		assert.True(t, inserted)
	}
	_, err = repo.Append(ctx, testRecord("p1", "7-0", "sub-1", eventTime, nil), Checkpoint{})
	require.NoError(t, err)

	cp, err := checkpoints.Get(ctx, "p0")
	require.NoError(t, err)
	assert.Equal(t, "", cp.Position)

	last, err = repo.LastPosition(ctx, "p0")
	require.NoError(t, err)
	assert.Equal(t, "2-0", last)

	last, err = repo.LastPosition(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "7-0", last)
}

func TestUsageRepositoryListByIdentity(t *testing.T) {
	db := newSQLiteDB(t, "")
	repo := db.NewUsageRepository()
	ctx := context.Background()

	for i, offset := range []time.Duration{3 * time.Hour, 0, time.Hour, 2 * time.Hour} {
		pos := models.Position{Major: uint64(i + 1)}.String()
		_, err := repo.Append(ctx, testRecord("p0", pos, "sub-1", eventTime.Add(offset), nil), Checkpoint{Partition: "p0", Position: pos})
		require.NoError(t, err)
	}
	_, err := repo.Append(ctx, testRecord("p1", "1-0", "sub-2", eventTime, nil), Checkpoint{Partition: "p1", Position: "1-0"})
	require.NoError(t, err)
	// events without a timestamp are never in a range
	_, err = repo.Append(ctx, testRecord("p1", "2-0", "sub-1", time.Time{}, nil), Checkpoint{Partition: "p1", Position: "2-0"})
	require.NoError(t, err)

	recs, err := repo.ListByIdentity(ctx, "sub-1", eventTime, eventTime.Add(3*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.True(t, rec.EventTime.Equal(eventTime.Add(time.Duration(i)*time.Hour)))
	}

	recs, err = repo.ListByIdentity(ctx, "sub-1", eventTime, eventTime.Add(24*time.Hour), 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = repo.ListByIdentity(ctx, "sub-1", eventTime, eventTime, 0)
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)

	var all []*models.UsageRecord
	require.NoError(t, repo.Iterate(ctx, func(rec *models.UsageRecord) error {
		all = append(all, rec)
		return nil
	}))
	require.Len(t, all, 6)
	assert.Equal(t, "p0/1-0", all[0].DedupKey)
	assert.True(t, all[5].EventTime.IsZero())

	stop := errors.New("stop")
	err = repo.Iterate(ctx, func(*models.UsageRecord) error { return stop })
	assert.ErrorIs(t, err, stop)
}

func TestUsageRepositoryEncryptedPayloads(t *testing.T) {
	key, err := GenerateKey(32)
	require.NoError(t, err)
	db := newSQLiteDB(t, key)
	repo := db.NewUsageRepository()
	ctx := context.Background()

	rec := testRecord("p0", "1-0", "sub-1", eventTime, nil)
	_, err = repo.Append(ctx, rec, Checkpoint{Partition: "p0", Position: "1-0"})
	require.NoError(t, err)

	var stored string
	require.NoError(t, db.Conn().GetContext(ctx, &stored, `SELECT raw_request FROM usage_records WHERE dedup_key = ?`, "p0/1-0"))
	assert.True(t, IsEncrypted(stored))

	got, err := repo.GetByDedupKey(ctx, "p0/1-0")
	require.NoError(t, err)
	assert.Equal(t, rec.RawRequest, got.RawRequest)

	// the same table read without the key
	plain, err := NewDBFromConn(db.Conn(), DBConfig{Driver: DriverSQLite})
	require.NoError(t, err)
	_, err = plain.NewUsageRepository().GetByDedupKey(ctx, "p0/1-0")
	assert.ErrorIs(t, err, ErrPayloadDecrypt)
}

func TestCheckpointRepository(t *testing.T) {
	db := newSQLiteDB(t, "")
	repo := db.NewCheckpointRepository()
	ctx := context.Background()

	cp, err := repo.Get(ctx, "p3")
	require.NoError(t, err)
	assert.Equal(t, "", cp.Position)

	require.NoError(t, repo.Save(ctx, Checkpoint{Partition: "p3", Position: "5-0"}))
	require.NoError(t, repo.Save(ctx, Checkpoint{Partition: "p3", Position: "9-0"}))
	require.NoError(t, repo.Save(ctx, Checkpoint{Partition: "p1", Position: "2-0"}))

	cp, err = repo.Get(ctx, "p3")
	require.NoError(t, err)
	assert.Equal(t, "9-0", cp.Position)
	assert.False(t, cp.UpdatedAt.IsZero())

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "p1", all[0].Partition)
}

func TestUsageRepositoryAppendFailureRollsBack(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db, err := NewDBFromConn(sqlx.NewDb(mockDB, "postgres"), DBConfig{Driver: DriverPostgres, QueryTimeout: time.Second})
	require.NoError(t, err)
	repo := db.NewUsageRepository()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_records").WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	inserted, err := repo.Append(context.Background(), testRecord("p0", "1-0", "sub-1", eventTime, nil), Checkpoint{Partition: "p0", Position: "1-0"})
	assert.Error(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUsageRepositoryCheckpointFailureRollsBack(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	db, err := NewDBFromConn(sqlx.NewDb(mockDB, "postgres"), DBConfig{Driver: DriverPostgres})
	require.NoError(t, err)
	repo := db.NewUsageRepository()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_records").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO pipeline_checkpoints").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	inserted, err := repo.Append(context.Background(), testRecord("p0", "1-0", "sub-1", eventTime, nil), Checkpoint{Partition: "p0", Position: "1-0"})
	assert.Error(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewDBUnsupportedDriver(t *testing.T) {
	_, err := NewDB(context.Background(), DBConfig{Driver: "oracle"})
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}
