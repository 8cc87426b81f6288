package aggregate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage_ingest/internal/models"
)

var base = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return client, mr
}

// implementations runs fn against every Aggregator backend.
func implementations(t *testing.T, fn func(t *testing.T, newAgg func() Aggregator)) {
	bucketer := Bucketer{Width: time.Hour}

	t.Run("memory", func(t *testing.T) {
		fn(t, func() Aggregator { return NewMemoryAggregator(bucketer) })
	})
	t.Run("redis", func(t *testing.T) {
		client, _ := setupTestRedis(t)
		n := 0
		fn(t, func() Aggregator {
			n++
			return NewRedisAggregator(client, bucketer, fmt.Sprintf("t%d:", n))
		})
	})
}

func record(identity string, at time.Time, total *int64) *models.UsageRecord {
	return &models.UsageRecord{IdentityKey: identity, EventTime: at, TotalTokens: total}
}

func TestAggregatorScenario(t *testing.T) {
	implementations(t, func(t *testing.T, newAgg func() Aggregator) {
		ctx := context.Background()
		agg := newAgg()

		// a successful call, a failed call and another successful call in one bucket
		require.NoError(t, agg.Ingest(ctx, record("sub-1", base.Add(5*time.Minute), models.Int64Ptr(10))))
		require.NoError(t, agg.Ingest(ctx, record("sub-1", base.Add(10*time.Minute), nil)))
		require.NoError(t, agg.Ingest(ctx, record("sub-1", base.Add(50*time.Minute), models.Int64Ptr(25))))

		got, err := agg.Query(ctx, "sub-1", base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(3), got[0].CallCount)
		assert.Equal(t, int64(35), got[0].SumTotalTokens)
		assert.Equal(t, int64(0), got[0].SumPromptTokens)
		assert.True(t, got[0].BucketStart.Equal(base))
		assert.True(t, got[0].BucketEnd.Equal(base.Add(time.Hour)))
		assert.Equal(t, "sub-1", got[0].IdentityKey)
	})
}

func TestAggregatorSparseAndOrdered(t *testing.T) {
	implementations(t, func(t *testing.T, newAgg func() Aggregator) {
		ctx := context.Background()
		agg := newAgg()

		for _, h := range []int{5, 0, 2} {
			require.NoError(t, agg.Ingest(ctx, record("sub-1", base.Add(time.Duration(h)*time.Hour+time.Minute), models.Int64Ptr(1))))
		}
		require.NoError(t, agg.Ingest(ctx, record("sub-2", base, models.Int64Ptr(7))))

		got, err := agg.Query(ctx, "sub-1", base, base.Add(24*time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.True(t, got[0].BucketStart.Equal(base))
		assert.True(t, got[1].BucketStart.Equal(base.Add(2*time.Hour)))
		assert.True(t, got[2].BucketStart.Equal(base.Add(5*time.Hour)))

		// range with no records
		got, err = agg.Query(ctx, "sub-1", base.Add(3*time.Hour), base.Add(5*time.Hour))
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)

		// unknown identity
		got, err = agg.Query(ctx, "nobody", base, base.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, got)

		// empty and inverted ranges
		got, err = agg.Query(ctx, "sub-1", base, base)
		require.NoError(t, err)
		assert.Empty(t, got)
		got, err = agg.Query(ctx, "sub-1", base.Add(time.Hour), base)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestAggregatorPartialOverlap(t *testing.T) {
	implementations(t, func(t *testing.T, newAgg func() Aggregator) {
		ctx := context.Background()
		agg := newAgg()

		require.NoError(t, agg.Ingest(ctx, record("sub-1", base.Add(10*time.Minute), models.Int64Ptr(1))))
		require.NoError(t, agg.Ingest(ctx, record("sub-1", base.Add(70*time.Minute), models.Int64Ptr(2))))

		// from inside the first bucket, to inside the second
		got, err := agg.Query(ctx, "sub-1", base.Add(30*time.Minute), base.Add(61*time.Minute))
		require.NoError(t, err)
		assert.Len(t, got, 2)

		// to on the boundary excludes the bucket starting there
		got, err = agg.Query(ctx, "sub-1", base, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})
}

func TestAggregatorRebuildMatchesIngest(t *testing.T) {
	implementations(t, func(t *testing.T, newAgg func() Aggregator) {
		ctx := context.Background()

		var records SliceIterator
		for i := 0; i < 40; i++ {
			rec := record(fmt.Sprintf("sub-%d", i%3), base.Add(time.Duration(i)*17*time.Minute), models.Int64Ptr(int64(i)))
			rec.PromptTokens = models.Int64Ptr(int64(i / 2))
			rec.TokenMismatch = i%5 == 0
			records = append(records, rec)
		}

		live := newAgg()
		for _, rec := range records {
			require.NoError(t, live.Ingest(ctx, rec))
		}

		rebuilt := newAgg()
		// stale state must be discarded
		require.NoError(t, rebuilt.Ingest(ctx, record("sub-0", base, models.Int64Ptr(999))))
		require.NoError(t, rebuilt.RebuildFrom(ctx, records))

		for i := 0; i < 3; i++ {
			identity := fmt.Sprintf("sub-%d", i)
			want, err := live.Query(ctx, identity, base.Add(-time.Hour), base.Add(24*time.Hour))
			require.NoError(t, err)
			got, err := rebuilt.Query(ctx, identity, base.Add(-time.Hour), base.Add(24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, want, got, identity)
		}
	})
}

func TestMemoryAggregatorConcurrentIngest(t *testing.T) {
	ctx := context.Background()
	agg := NewMemoryAggregator(Bucketer{Width: time.Hour})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				_ = agg.Ingest(ctx, record("sub-1", base.Add(time.Duration(i%4)*time.Hour), models.Int64Ptr(2)))
			}
		}()
	}
	wg.Wait()

	got, err := agg.Query(ctx, "sub-1", base, base.Add(4*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 4)
	var calls, total int64
	for _, b := range got {
		calls += b.CallCount
		total += b.SumTotalTokens
	}
	assert.Equal(t, int64(2000), calls)
	assert.Equal(t, int64(4000), total)
}

func TestBucketer(t *testing.T) {
	b, err := NewBucketer(0)
	require.NoError(t, err)
	assert.Equal(t, DefaultBucketWidth, b.Width)

	_, err = NewBucketer(time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidBucketWidth)

	b, err = NewBucketer(15 * time.Minute)
	require.NoError(t, err)
	local := time.Date(2026, 1, 1, 12, 40, 0, 0, time.FixedZone("CET", 3600))
	start := b.Start(local)
	assert.Equal(t, time.UTC, start.Location())
	assert.True(t, start.Equal(time.Date(2026, 1, 1, 11, 30, 0, 0, time.UTC)))
	assert.True(t, b.End(start).Equal(start.Add(15*time.Minute)))

	_, err = NewBucketer(1500 * time.Millisecond)
	assert.ErrorIs(t, err, ErrInvalidBucketWidth)
}

func TestBucketerEpochAligned(t *testing.T) {
	epoch := time.Unix(0, 0).UTC()
	tests := []struct {
		name  string
		width time.Duration
		at    time.Time
		want  time.Time
	}{
		{"7h first bucket", 7 * time.Hour, epoch.Add(time.Hour), epoch},
		{"7h second bucket", 7 * time.Hour, epoch.Add(7 * time.Hour), epoch.Add(7 * time.Hour)},
		{"7h later", 7 * time.Hour, time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), time.Unix(1767250800, 0).UTC()},
		{"7 days", 7 * 24 * time.Hour, time.Date(1970, 1, 3, 0, 0, 0, 0, time.UTC), epoch},
		{"7 days next week", 7 * 24 * time.Hour, time.Date(1970, 1, 8, 0, 0, 1, 0, time.UTC), epoch.Add(7 * 24 * time.Hour)},
		{"before epoch", 7 * time.Hour, epoch.Add(-time.Second), epoch.Add(-7 * time.Hour)},
		{"before epoch on boundary", 7 * time.Hour, epoch.Add(-7 * time.Hour), epoch.Add(-7 * time.Hour)},
		{"before epoch fractional", time.Hour, epoch.Add(-time.Millisecond), epoch.Add(-time.Hour)},
		{"exact boundary", time.Hour, epoch.Add(3 * time.Hour), epoch.Add(3 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBucketer(tt.width)
			require.NoError(t, err)
			got := b.Start(tt.at)
			assert.True(t, got.Equal(tt.want), "got %s, want %s", got, tt.want)
			assert.False(t, tt.at.Before(got))
			assert.True(t, tt.at.Before(b.End(got)))
		})
	}
}
