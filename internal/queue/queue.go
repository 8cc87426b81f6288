package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Package queue provides the buffering and dead-letter primitives used by the
// ingestion service, each with two backends:
//
// 1. Memory (in-memory, channel/slice-based):
//    - No persistence, data lost on restart
//    - Zero external dependencies
//    - Standalone deployments and tests
//
// 2. Redis (list for queues, hash for dead letters):
//    - Persistent across restarts
//    - Shared by several ingest replicas
//
// Architecture:
//
//	┌──────────────┐
//	│ Partition    │
//	│ Worker       │
//	└──────┬───────┘
//	       │
//	       ├──────────────────────────┐
//	       │ (parse / append fails)   │ (stored)
//	       ▼                          ▼
//	 ┌───────────┐            ┌──────────────┐
//	 │    DLQ    │◄───────────│ Archive      │
//	 │ (reasons) │  (retries  │ Queue        │
//	 └───────────┘  exhausted)│ + Worker     │
//	                          └──────┬───────┘
//	                                 ▼
//	                          ┌──────────────┐
//	                          │ S3 JSONL     │
//	                          └──────────────┘

// Queue defines the interface for message queuing
type Queue interface {
	// Enqueue adds an item to the queue
	Enqueue(ctx context.Context, item interface{}) error

	// Dequeue retrieves items from the queue (up to maxItems)
	// Blocks until at least one item is available or context is cancelled
	Dequeue(ctx context.Context, maxItems int) ([]interface{}, error)

	// DequeueWithTimeout retrieves items with a timeout
	// Returns items if available before timeout, empty slice otherwise
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]interface{}, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully
	Close() error
}

// DeadLetterQueue holds items that could not be processed, with the reason.
type DeadLetterQueue interface {
	// Add stores a failed item and returns its ID
	Add(ctx context.Context, item interface{}, reason string, err error) (string, error)

	// Get returns a single item
	Get(ctx context.Context, id string) (DeadLetterItem, error)

	// List retrieves items oldest first. maxItems <= 0 returns all.
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// Count returns the number of stored items
	Count(ctx context.Context) (int, error)

	// Remove removes an item from the dead letter queue
	Remove(ctx context.Context, id string) error

	// Close shuts down the dead letter queue
	Close() error
}

// Dead-letter reasons.
const (
	ReasonMissingIdentity  = "missing_identity"
	ReasonStorageExhausted = "storage_exhausted"
	ReasonAggregateFailed  = "aggregate_failed"
	ReasonArchiveFailed    = "archive_failed"
	ReasonMalformedEvent   = "malformed_event"
)

// DeadLetterItem represents an item in the dead letter queue
type DeadLetterItem struct {
	ID        string          `json:"id"`
	Reason    string          `json:"reason"`
	Item      json.RawMessage `json:"item"`
	Error     string          `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the stored item into target
func (d DeadLetterItem) Decode(target interface{}) error {
	return deserializeItem(d.Item, target)
}

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait before processing a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// UseRedis indicates whether to use Redis or in-memory queue
	UseRedis bool

	// QueueName is the name/key for the queue
	QueueName string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		UseRedis:     false,
		QueueName:    queueName,
	}
}
