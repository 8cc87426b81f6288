package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"usage_ingest/internal/models"
)

// MemoryLog is an in-process partitioned log. Positions are "<offset>-0",
// with offsets starting at 1.
type MemoryLog struct {
	partitioner Partitioner
	logs        []*partitionLog

	mu     sync.RWMutex
	closed bool
}

type partitionLog struct {
	mu      sync.Mutex
	entries [][]byte // entries[i] has offset i+1
	next    int      // index of the next entry to deliver
	acked   int      // number of entries acknowledged as a contiguous prefix
	pending map[int]bool
	notify  chan struct{}
}

// NewMemoryLog creates a log with n partitions named "<prefix>:<i>"
func NewMemoryLog(prefix string, n int) (*MemoryLog, error) {
	p, err := NewPartitioner(prefix, n)
	if err != nil {
		return nil, err
	}
	logs := make([]*partitionLog, n)
	for i := range logs {
		logs[i] = &partitionLog{pending: map[int]bool{}, notify: make(chan struct{})}
	}
	return &MemoryLog{partitioner: p, logs: logs}, nil
}

// Partitions implements Source
func (m *MemoryLog) Partitions() []string {
	return m.partitioner.Partitions()
}

// PartitionFor returns the partition an identity is published to
func (m *MemoryLog) PartitionFor(identity string) string {
	return m.partitioner.For(identity)
}

func (m *MemoryLog) log(partition string) (*partitionLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	i, err := m.partitioner.index(partition)
	if err != nil {
		return nil, err
	}
	return m.logs[i], nil
}

// Publish implements Publisher
func (m *MemoryLog) Publish(ctx context.Context, event *models.RawEvent) (models.Delivery, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return models.Delivery{}, fmt.Errorf("failed to marshal event: %w", err)
	}
	partition := m.partitioner.For(event.Identity)
	return m.append(partition, data, *event)
}

// PublishRaw appends undecoded bytes to a partition. Used to inject
// malformed payloads.
func (m *MemoryLog) PublishRaw(partition string, payload []byte) (models.Delivery, error) {
	return m.append(partition, payload, models.RawEvent{})
}

func (m *MemoryLog) append(partition string, data []byte, event models.RawEvent) (models.Delivery, error) {
	l, err := m.log(partition)
	if err != nil {
		return models.Delivery{}, err
	}

	l.mu.Lock()
	l.entries = append(l.entries, data)
	offset := len(l.entries)
	close(l.notify)
	l.notify = make(chan struct{})
	l.mu.Unlock()

	return models.Delivery{Partition: partition, Position: memoryPosition(offset), Event: event}, nil
}

// Fetch implements Source
func (m *MemoryLog) Fetch(ctx context.Context, partition string, max int, block time.Duration) ([]models.Delivery, error) {
	l, err := m.log(partition)
	if err != nil {
		return nil, err
	}
	if max < 1 {
		max = 1
	}

	var timer <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		timer = t.C
	}

	for {
		l.mu.Lock()
		if l.next < len(l.entries) {
			out := make([]models.Delivery, 0, max)
			for ; l.next < len(l.entries) && len(out) < max; l.next++ {
				l.pending[l.next] = true
				out = append(out, decodeDelivery(partition, memoryPosition(l.next+1), l.entries[l.next]))
			}
			l.mu.Unlock()
			return out, nil
		}
		notify := l.notify
		l.mu.Unlock()

		if timer == nil {
			return []models.Delivery{}, nil
		}
		select {
		case <-notify:
		case <-timer:
			return []models.Delivery{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ack implements Source
func (m *MemoryLog) Ack(ctx context.Context, partition string, positions ...string) error {
	l, err := m.log(partition)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, pos := range positions {
		p, err := models.ParsePosition(pos)
		if err != nil {
			return err
		}
		delete(l.pending, int(p.Major)-1)
	}
	for l.acked < l.next && !l.pending[l.acked] {
		l.acked++
	}
	return nil
}

// Rewind implements Source
func (m *MemoryLog) Rewind(ctx context.Context, partition string) error {
	l, err := m.log(partition)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.next = l.acked
	l.pending = map[int]bool{}
	return nil
}

// Pending returns the number of published but unacknowledged entries
func (m *MemoryLog) Pending(partition string) (int, error) {
	l, err := m.log(partition)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries) - l.acked, nil
}

// Close implements Source
func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func memoryPosition(offset int) string {
	return strconv.Itoa(offset) + "-0"
}

func decodeDelivery(partition, position string, data []byte) models.Delivery {
	d := models.Delivery{Partition: partition, Position: position}
	if err := json.Unmarshal(data, &d.Event); err != nil {
		d.Err = fmt.Errorf("malformed event payload: %w", err)
		d.Payload = data
	}
	return d
}
