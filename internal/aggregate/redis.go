package aggregate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"usage_ingest/internal/models"
)

// Hash fields of one bucket.
const (
	fieldCalls      = "call_count"
	fieldPrompt     = "sum_prompt_tokens"
	fieldCompletion = "sum_completion_tokens"
	fieldTotal      = "sum_total_tokens"
	fieldMismatch   = "mismatch_count"
)

// ingestScript increments one bucket hash and indexes its start atomically.
var ingestScript = redis.NewScript(`
	local bucket = KEYS[1]
	local index = KEYS[2]
	local start = tonumber(ARGV[1])

	redis.call('HINCRBY', bucket, 'call_count', 1)
	redis.call('HINCRBY', bucket, 'sum_prompt_tokens', ARGV[2])
	redis.call('HINCRBY', bucket, 'sum_completion_tokens', ARGV[3])
	redis.call('HINCRBY', bucket, 'sum_total_tokens', ARGV[4])
	redis.call('HINCRBY', bucket, 'mismatch_count', ARGV[5])
	redis.call('ZADD', index, start, ARGV[1])
	return 1
`)

// RedisAggregator stores aggregates in Redis so that they survive restarts
// and can be shared between replicas.
//
// Keys:
//
//	<prefix>agg:<identity>:<bucketUnix>  hash of counters
//	<prefix>aggidx:<identity>            sorted set of bucket starts
type RedisAggregator struct {
	client   *redis.Client
	bucketer Bucketer
	prefix   string
}

// NewRedisAggregator creates an aggregator backed by client.
func NewRedisAggregator(client *redis.Client, bucketer Bucketer, prefix string) *RedisAggregator {
	return &RedisAggregator{client: client, bucketer: bucketer, prefix: prefix}
}

func (a *RedisAggregator) bucketKey(identity string, start int64) string {
	return fmt.Sprintf("%sagg:%s:%d", a.prefix, identity, start)
}

func (a *RedisAggregator) indexKey(identity string) string {
	return fmt.Sprintf("%saggidx:%s", a.prefix, identity)
}

// Ingest implements Aggregator.
func (a *RedisAggregator) Ingest(ctx context.Context, rec *models.UsageRecord) error {
	start := a.bucketer.Start(rec.EventTime).Unix()
	mismatch := 0
	if rec.TokenMismatch {
		mismatch = 1
	}

	keys := []string{a.bucketKey(rec.IdentityKey, start), a.indexKey(rec.IdentityKey)}
	err := ingestScript.Run(ctx, a.client, keys,
		start,
		models.Int64Value(rec.PromptTokens),
		models.Int64Value(rec.CompletionTokens),
		models.Int64Value(rec.TotalTokens),
		mismatch,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to ingest aggregate: %w", err)
	}
	return nil
}

// Query implements Aggregator.
func (a *RedisAggregator) Query(ctx context.Context, identity string, from, to time.Time) ([]models.UsageAggregate, error) {
	result := []models.UsageAggregate{}
	if !to.After(from) {
		return result, nil
	}

	starts, err := a.client.ZRangeByScore(ctx, a.indexKey(identity), &redis.ZRangeBy{
		Min: strconv.FormatInt(a.bucketer.Start(from).Unix(), 10),
		Max: "(" + strconv.FormatInt(rangeEnd(to), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket index: %w", err)
	}
	if len(starts) == 0 {
		return result, nil
	}

	pipe := a.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(starts))
	unix := make([]int64, len(starts))
	for i, s := range starts {
		unix[i], err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt bucket index entry %q: %w", s, err)
		}
		cmds[i] = pipe.HGetAll(ctx, a.bucketKey(identity, unix[i]))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read buckets: %w", err)
	}

	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		start := time.Unix(unix[i], 0).UTC()
		if !a.bucketer.Overlaps(start, from, to) {
			continue
		}
		agg := a.bucketer.newAggregate(identity, start)
		agg.CallCount = parseCounter(fields[fieldCalls])
		agg.SumPromptTokens = parseCounter(fields[fieldPrompt])
		agg.SumCompletionTokens = parseCounter(fields[fieldCompletion])
		agg.SumTotalTokens = parseCounter(fields[fieldTotal])
		agg.MismatchCount = parseCounter(fields[fieldMismatch])
		result = append(result, *agg)
	}
	return result, nil
}

// RebuildFrom implements Aggregator. Concurrent Ingest calls during a rebuild
// may be lost, so callers stop ingestion first.
func (a *RedisAggregator) RebuildFrom(ctx context.Context, records RecordIterator) error {
	if err := a.clear(ctx); err != nil {
		return err
	}
	return records.Iterate(ctx, func(rec *models.UsageRecord) error {
		return a.Ingest(ctx, rec)
	})
}

// clear deletes all bucket and index keys under the prefix.
func (a *RedisAggregator) clear(ctx context.Context) error {
	for _, pattern := range []string{a.prefix + "agg:*", a.prefix + "aggidx:*"} {
		var cursor uint64
		for {
			keys, next, err := a.client.Scan(ctx, cursor, pattern, 500).Result()
			if err != nil {
				return fmt.Errorf("failed to scan aggregate keys: %w", err)
			}
			if len(keys) > 0 {
				if err := a.client.Del(ctx, keys...).Err(); err != nil {
					return fmt.Errorf("failed to delete aggregate keys: %w", err)
				}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return nil
}

// rangeEnd returns the exclusive upper score bound for bucket starts.
// A bucket starting inside the last partial second still overlaps.
func rangeEnd(to time.Time) int64 {
	end := to.Unix()
	if to.Nanosecond() > 0 {
		end++
	}
	return end
}

func parseCounter(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
