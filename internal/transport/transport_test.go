package transport

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage_ingest/internal/models"
)

type testBus interface {
	Bus
	PartitionFor(identity string) string
}

// buses runs fn against both transports with two partitions.
func buses(t *testing.T, fn func(t *testing.T, bus testBus)) {
	t.Run("memory", func(t *testing.T) {
		log, err := NewMemoryLog("usage", 2)
		require.NoError(t, err)
		defer log.Close()
		fn(t, log)
	})
	t.Run("redis", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		streams, err := NewRedisStreams(context.Background(), client, StreamsConfig{
			Prefix:     "usage",
			Partitions: 2,
			Group:      "ingest",
			Consumer:   "test-0",
			MaxLen:     1000,
		})
		require.NoError(t, err)
		fn(t, streams)
	})
}

func event(identity string, n int) *models.RawEvent {
	return &models.RawEvent{
		Identity:    identity,
		RequestBody: "{}",
		StatusCode:  200,
		EventTime:   time.Date(2026, 1, 1, 10, n, 0, 0, time.UTC),
	}
}

func TestBusPublishFetchAck(t *testing.T) {
	buses(t, func(t *testing.T, bus testBus) {
		ctx := context.Background()
		partition := bus.PartitionFor("sub-1")

		var published []models.Delivery
		for i := 0; i < 5; i++ {
			d, err := bus.Publish(ctx, event("sub-1", i))
			require.NoError(t, err)
			assert.Equal(t, partition, d.Partition)
			published = append(published, d)
		}
		for i := 1; i < len(published); i++ {
			assert.True(t, models.PositionAfter(published[i].Position, published[i-1].Position))
		}

		got, err := bus.Fetch(ctx, partition, 3, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		for i, d := range got {
			assert.Equal(t, published[i].Position, d.Position)
			assert.Equal(t, "sub-1", d.Event.Identity)
			assert.NoError(t, d.Err)
			assert.True(t, d.Event.EventTime.Equal(published[i].Event.EventTime))
		}

		require.NoError(t, bus.Ack(ctx, partition, got[0].Position, got[1].Position))

		// the third delivery stays pending and comes back after a rewind
		require.NoError(t, bus.Rewind(ctx, partition))
		again, err := bus.Fetch(ctx, partition, 10, 0)
		require.NoError(t, err)
		require.NotEmpty(t, again)
		assert.Equal(t, got[2].Position, again[0].Position)

		positions := make([]string, 0, len(again))
		for _, d := range again {
			positions = append(positions, d.Position)
		}
		require.NoError(t, bus.Ack(ctx, partition, positions...))

		// drain anything not yet delivered
		for {
			rest, err := bus.Fetch(ctx, partition, 10, 0)
			require.NoError(t, err)
			if len(rest) == 0 {
				break
			}
			for _, d := range rest {
				require.NoError(t, bus.Ack(ctx, partition, d.Position))
			}
		}

		require.NoError(t, bus.Rewind(ctx, partition))
		empty, err := bus.Fetch(ctx, partition, 10, 0)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestBusFetchBlocksUntilPublish(t *testing.T) {
	buses(t, func(t *testing.T, bus testBus) {
		ctx := context.Background()
		partition := bus.PartitionFor("sub-2")

		go func() {
			time.Sleep(50 * time.Millisecond)
			_, _ = bus.Publish(ctx, event("sub-2", 0))
		}()

		got, err := bus.Fetch(ctx, partition, 10, 2*time.Second)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "sub-2", got[0].Event.Identity)
	})
}

func TestBusUnknownPartition(t *testing.T) {
	buses(t, func(t *testing.T, bus testBus) {
		_, err := bus.Fetch(context.Background(), "other:0", 1, 0)
		assert.ErrorIs(t, err, ErrUnknownPartition)
		assert.ErrorIs(t, bus.Rewind(context.Background(), "other:0"), ErrUnknownPartition)
	})
}

func TestPartitionerStable(t *testing.T) {
	p, err := NewPartitioner("usage", 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"usage:0", "usage:1", "usage:2", "usage:3"}, p.Partitions())
	assert.Equal(t, p.For("sub-1"), p.For("sub-1"))

	_, err = NewPartitioner("usage", 0)
	assert.Error(t, err)
}

func TestMemoryLogMalformedPayload(t *testing.T) {
	log, err := NewMemoryLog("usage", 1)
	require.NoError(t, err)

	_, err = log.PublishRaw("usage:0", []byte(`{"identity":`))
	require.NoError(t, err)

	got, err := log.Fetch(context.Background(), "usage:0", 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Error(t, got[0].Err)
	assert.Equal(t, `{"identity":`, string(got[0].Payload))

	n, err := log.Pending("usage:0")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, log.Ack(context.Background(), "usage:0", got[0].Position))
	n, _ = log.Pending("usage:0")
	assert.Equal(t, 0, n)

	require.NoError(t, log.Close())
	_, err = log.Fetch(context.Background(), "usage:0", 1, 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRedisStreamsReplaysPendingAfterRestart(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	cfg := StreamsConfig{Prefix: "usage", Partitions: 1, Group: "ingest", Consumer: "pod-0"}

	first, err := NewRedisStreams(ctx, client, cfg)
	require.NoError(t, err)
	d, err := first.Publish(ctx, event("sub-1", 0))
	require.NoError(t, err)
	got, err := first.Fetch(ctx, "usage:0", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	pending, err := first.Pending(ctx, "usage:0")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	// crash without ack, then restart with the same consumer name
	second, err := NewRedisStreams(ctx, client, cfg)
	require.NoError(t, err)
	got, err = second.Fetch(ctx, "usage:0", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, d.Position, got[0].Position)
}
