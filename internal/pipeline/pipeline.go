// Package pipeline moves raw events from the transport into durable storage.
//
// Each partition of the transport is consumed by exactly one Worker:
//
//	┌───────────┐   Fetch    ┌────────┐  Parse   ┌────────┐       Append        ┌───────┐
//	│ Transport │ ─────────> │ Worker │ ───────> │ Parser │ ──────────────────> │ Store │
//	└───────────┘ <───────── └────────┘          └────────┘                     └───────┘
//	                 Ack          │ new records
//	                              ├──────────────> Aggregator
//	                              ├──────────────> Archiver (best effort)
//	                              ├── then ──────> Checkpoint
//	                              └── failures ──> Dead-letter queue
//
// The checkpoint of a partition moves past an event only once its record is
// stored and counted in the aggregate. A Supervisor owns the workers and
// exposes their status.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"usage_ingest/internal/aggregate"
	"usage_ingest/internal/metrics"
	"usage_ingest/internal/models"
	"usage_ingest/internal/queue"
	"usage_ingest/internal/storage"
	"usage_ingest/internal/transport"
	"usage_ingest/internal/utils"
)

var (
	// ErrNotHalted is returned when resuming a partition that is running.
	ErrNotHalted = errors.New("partition is not halted")

	// ErrUnknownPartition is returned for partitions the supervisor does not own.
	ErrUnknownPartition = errors.New("unknown partition")

	// ErrNotStarted is returned when the supervisor has no running workers.
	ErrNotStarted = errors.New("pipeline not started")

	errHalted = errors.New("partition halted")
)

// RecordStore appends records. Workers store the record alone and save the
// checkpoint once the aggregate has been updated.
type RecordStore interface {
	Append(ctx context.Context, record *models.UsageRecord, cp storage.Checkpoint) (bool, error)
	// LastPosition returns the position of the newest record of a partition.
	LastPosition(ctx context.Context, partition string) (string, error)
}

// CheckpointStore persists checkpoints for events that produce no record.
type CheckpointStore interface {
	Get(ctx context.Context, partition string) (storage.Checkpoint, error)
	Save(ctx context.Context, cp storage.Checkpoint) error
}

// Archiver receives newly stored records for export.
type Archiver interface {
	Submit(ctx context.Context, record *models.UsageRecord) error
}

// Deps are the collaborators of the pipeline. Archiver and Records are optional.
type Deps struct {
	Source      transport.Source
	Store       RecordStore
	Checkpoints CheckpointStore
	Aggregator  aggregate.Aggregator
	Records     aggregate.RecordIterator
	DeadLetters queue.DeadLetterQueue
	Archiver    Archiver
	Metrics     metrics.Recorder
}

func (d *Deps) validate() error {
	switch {
	case d.Source == nil:
		return fmt.Errorf("pipeline: source is required")
	case d.Store == nil:
		return fmt.Errorf("pipeline: record store is required")
	case d.Checkpoints == nil:
		return fmt.Errorf("pipeline: checkpoint store is required")
	case d.Aggregator == nil:
		return fmt.Errorf("pipeline: aggregator is required")
	case d.DeadLetters == nil:
		return fmt.Errorf("pipeline: dead-letter queue is required")
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}
	return nil
}

// Config tunes the workers.
type Config struct {
	BatchSize      int
	FetchBlock     time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	StoreTimeout   time.Duration
	DedupCacheSize int
	DedupCacheTTL  time.Duration
	RebuildOnStart bool
}

// DefaultConfig returns the defaults used by ingestd.
func DefaultConfig() Config {
	return Config{
		BatchSize:      100,
		FetchBlock:     2 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   time.Second,
		StoreTimeout:   5 * time.Second,
		DedupCacheSize: 10000,
		DedupCacheTTL:  10 * time.Minute,
		RebuildOnStart: true,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	if c.DedupCacheSize <= 0 {
		c.DedupCacheSize = def.DedupCacheSize
	}
	return c
}

// Worker states
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateHalted   = "halted"
	StateStopped  = "stopped"
)

// PartitionStatus is a snapshot of one worker.
type PartitionStatus struct {
	Partition    string    `json:"partition"`
	State        string    `json:"state"`
	Checkpoint   string    `json:"checkpoint"`
	Processed    int64     `json:"processed"`
	Stored       int64     `json:"stored"`
	Duplicates   int64     `json:"duplicates"`
	DeadLettered int64     `json:"dead_lettered"`
	HaltReason   string    `json:"halt_reason,omitempty"`
	HaltedAt     time.Time `json:"halted_at,omitempty"`
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retry runs fn until it succeeds, fails with a non-retryable error or
// maxRetries retries are used. Each attempt gets its own timeout.
func retry(ctx context.Context, cfg Config, onRetry func(attempt int, err error), fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := cfg.RetryBackoff * time.Duration(1<<uint(attempt-1))
			if onRetry != nil {
				onRetry(attempt, lastErr)
			}
			if err := sleep(ctx, backoff); err != nil {
				return fmt.Errorf("%w: %w", models.ErrStorageExhausted, lastErr)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !utils.IsRetryable(err) {
			break
		}
	}
	return fmt.Errorf("%w: %w", models.ErrStorageExhausted, lastErr)
}
