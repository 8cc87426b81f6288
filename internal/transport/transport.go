// Package transport abstracts the partitioned event bus between the capture
// layer and the ingestion pipeline.
//
// Events are assigned to partitions by identity, so all events of one identity
// are delivered in order to the same worker. Delivery is at-least-once: an
// event stays pending until acknowledged, and Rewind makes every pending event
// of a partition deliverable again.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"usage_ingest/internal/models"
	"usage_ingest/internal/utils"
)

var (
	// ErrUnknownPartition is returned for partitions the transport does not own
	ErrUnknownPartition = errors.New("unknown partition")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("transport closed")
)

// Source delivers events to partition workers.
type Source interface {
	// Partitions lists the partitions in a stable order
	Partitions() []string

	// Fetch returns up to max deliveries of a partition in position order,
	// waiting up to block when none are available.
	Fetch(ctx context.Context, partition string, max int, block time.Duration) ([]models.Delivery, error)

	// Ack marks deliveries as processed so they are not redelivered
	Ack(ctx context.Context, partition string, positions ...string) error

	// Rewind makes all unacknowledged deliveries of a partition fetchable again
	Rewind(ctx context.Context, partition string) error

	Close() error
}

// Publisher appends events to the bus.
type Publisher interface {
	// Publish appends an event to its identity's partition
	Publish(ctx context.Context, event *models.RawEvent) (models.Delivery, error)
}

// Bus is a transport that both publishes and delivers.
type Bus interface {
	Source
	Publisher
}

// Partitioner maps identities onto a fixed set of named partitions.
type Partitioner struct {
	names []string
}

// NewPartitioner creates n partitions named "<prefix>:<i>".
func NewPartitioner(prefix string, n int) (Partitioner, error) {
	if n < 1 {
		return Partitioner{}, fmt.Errorf("partition count must be positive, got %d", n)
	}
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s:%d", prefix, i)
	}
	return Partitioner{names: names}, nil
}

// Partitions returns the partition names
func (p Partitioner) Partitions() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// For returns the partition of an identity
func (p Partitioner) For(identity string) string {
	return p.names[utils.Bucket(identity, len(p.names))]
}

func (p Partitioner) index(partition string) (int, error) {
	for i, name := range p.names {
		if name == partition {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownPartition, partition)
}
