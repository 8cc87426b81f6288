package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"usage_ingest/internal/models"
)

// eventField is the stream entry field holding the JSON-encoded raw event.
const eventField = "event"

// StreamsConfig configures the Redis Streams transport
type StreamsConfig struct {
	// Prefix names the streams "<prefix>:<i>"
	Prefix     string
	Partitions int
	Group      string
	// Consumer must be stable across restarts so that entries left pending
	// by a crashed process are redelivered to its successor.
	Consumer string
	// MaxLen caps each stream approximately, 0 disables trimming
	MaxLen int64
}

// RedisStreams is a Bus backed by one Redis stream per partition and a
// consumer group. Stream entry IDs are the delivery positions.
type RedisStreams struct {
	client      *redis.Client
	cfg         StreamsConfig
	partitioner Partitioner

	mu sync.Mutex
	// replay marks partitions whose pending entries must be read before new ones
	replay map[string]bool
}

// NewRedisStreams creates the consumer group on every partition stream.
func NewRedisStreams(ctx context.Context, client *redis.Client, cfg StreamsConfig) (*RedisStreams, error) {
	if cfg.Group == "" || cfg.Consumer == "" {
		return nil, fmt.Errorf("consumer group and consumer name are required")
	}
	p, err := NewPartitioner(cfg.Prefix, cfg.Partitions)
	if err != nil {
		return nil, err
	}

	s := &RedisStreams{
		client:      client,
		cfg:         cfg,
		partitioner: p,
		replay:      make(map[string]bool),
	}
	for _, name := range p.Partitions() {
		err := client.XGroupCreateMkStream(ctx, name, cfg.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("failed to create consumer group on %s: %w", name, err)
		}
		// pick up whatever a previous run left unacknowledged
		s.replay[name] = true
	}
	return s, nil
}

// Partitions implements Source
func (s *RedisStreams) Partitions() []string {
	return s.partitioner.Partitions()
}

// PartitionFor returns the partition an identity is published to
func (s *RedisStreams) PartitionFor(identity string) string {
	return s.partitioner.For(identity)
}

// Publish implements Publisher
func (s *RedisStreams) Publish(ctx context.Context, event *models.RawEvent) (models.Delivery, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return models.Delivery{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	partition := s.partitioner.For(event.Identity)
	args := &redis.XAddArgs{
		Stream: partition,
		Values: map[string]interface{}{eventField: data},
	}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return models.Delivery{}, fmt.Errorf("failed to publish event: %w", err)
	}
	return models.Delivery{Partition: partition, Position: id, Event: *event}, nil
}

// Fetch implements Source
func (s *RedisStreams) Fetch(ctx context.Context, partition string, max int, block time.Duration) ([]models.Delivery, error) {
	if _, err := s.partitioner.index(partition); err != nil {
		return nil, err
	}
	if max < 1 {
		max = 1
	}

	if s.replaying(partition) {
		out, err := s.read(ctx, partition, "0", max, -1)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 {
			return out, nil
		}
		s.setReplay(partition, false)
	}

	if block <= 0 {
		block = -1
	}
	return s.read(ctx, partition, ">", max, block)
}

func (s *RedisStreams) read(ctx context.Context, partition, start string, max int, block time.Duration) ([]models.Delivery, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		Streams:  []string{partition, start},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return []models.Delivery{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", partition, err)
	}

	out := []models.Delivery{}
	var trimmed []string
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values[eventField]
			if !ok {
				// entry was trimmed from the stream while pending
				trimmed = append(trimmed, msg.ID)
				continue
			}
			out = append(out, decodeDelivery(partition, msg.ID, []byte(fmt.Sprint(raw))))
		}
	}
	if len(trimmed) > 0 {
		if err := s.Ack(ctx, partition, trimmed...); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Ack implements Source
func (s *RedisStreams) Ack(ctx context.Context, partition string, positions ...string) error {
	if len(positions) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, partition, s.cfg.Group, positions...).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", partition, err)
	}
	return nil
}

// Rewind implements Source. Pending entries of this consumer are read again
// before any new entries.
func (s *RedisStreams) Rewind(ctx context.Context, partition string) error {
	if _, err := s.partitioner.index(partition); err != nil {
		return err
	}
	s.setReplay(partition, true)
	return nil
}

// Pending returns the number of entries delivered to the group but not acknowledged
func (s *RedisStreams) Pending(ctx context.Context, partition string) (int64, error) {
	res, err := s.client.XPending(ctx, partition, s.cfg.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending entries of %s: %w", partition, err)
	}
	return res.Count, nil
}

// Close is a no-op; the client is owned by the caller
func (s *RedisStreams) Close() error {
	return nil
}

func (s *RedisStreams) replaying(partition string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replay[partition]
}

func (s *RedisStreams) setReplay(partition string, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replay[partition] = v
}
