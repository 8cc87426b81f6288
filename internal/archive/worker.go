package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"usage_ingest/internal/metrics"
	"usage_ingest/internal/models"
	"usage_ingest/internal/queue"
	"usage_ingest/internal/utils"
)

// submitTimeout bounds how long Submit waits for room in the queue.
const submitTimeout = 100 * time.Millisecond

// Worker buffers records on a queue and writes them in batches.
type Worker struct {
	queue      queue.Queue
	dlq        queue.DeadLetterQueue
	writer     BatchWriter
	config     *queue.Config
	includeRaw bool
	metrics    metrics.Recorder
	logger     *utils.Logger

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewWorker creates an archive worker. dlq and rec may be nil.
func NewWorker(q queue.Queue, dlq queue.DeadLetterQueue, writer BatchWriter, config *queue.Config, includeRaw bool, rec metrics.Recorder) *Worker {
	if config == nil {
		config = queue.DefaultConfig("archive")
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Worker{
		queue:       q,
		dlq:         dlq,
		writer:      writer,
		config:      config,
		includeRaw:  includeRaw,
		metrics:     rec,
		logger:      utils.NewLogger("archive-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Submit queues a record for export. Raw payloads are stripped unless the
// worker was configured to keep them.
func (w *Worker) Submit(ctx context.Context, record *models.UsageRecord) error {
	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	item := *record
	if !w.includeRaw {
		item = record.WithoutRaw()
	}
	if err := w.queue.Enqueue(ctx, &item); err != nil {
		return fmt.Errorf("failed to enqueue record for archive: %w", err)
	}
	return nil
}

// Start starts the worker goroutine
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop stops the loop and flushes what is still queued
func (w *Worker) Stop(ctx context.Context) error {
	close(w.stopChan)
	select {
	case <-w.stoppedChan:
	case <-ctx.Done():
		return ctx.Err()
	}
	return w.Flush(ctx)
}

// Flush writes everything currently queued. It must not run concurrently
// with the worker loop.
func (w *Worker) Flush(ctx context.Context) error {
	for {
		n, err := w.queue.Length(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		// n items are queued, so Dequeue returns at once
		items, err := w.queue.Dequeue(ctx, min(n, w.config.BatchSize))
		if err != nil {
			return err
		}
		w.writeItems(ctx, items)
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Archive worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Archive worker context cancelled")
			return
		default:
			if err := w.processBatch(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("Failed to dequeue records", "error", err)
				w.wait(ctx, time.Second)
			}
		}
	}
}

// processBatch dequeues one batch and writes it. Write failures are retried
// and then dead-lettered; only dequeue errors are returned.
func (w *Worker) processBatch(ctx context.Context) error {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		return err
	}
	w.writeItems(ctx, items)
	return nil
}

func (w *Worker) writeItems(ctx context.Context, items []interface{}) {
	records := make([]*models.UsageRecord, 0, len(items))
	for _, item := range items {
		var record models.UsageRecord
		if err := unmarshalItem(item, &record); err != nil {
			w.logger.Error("Failed to unmarshal archive record", "error", err)
			continue
		}
		records = append(records, &record)
	}
	if len(records) == 0 {
		return
	}
	w.writeWithRetry(ctx, records)
}

// writeWithRetry writes a batch, backing off between attempts. Once retries
// are used up, or the worker is stopped while backing off, the batch goes to
// the dead-letter queue.
func (w *Worker) writeWithRetry(ctx context.Context, records []*models.UsageRecord) {
	writeCtx := context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying archive batch", "attempt", attempt, "backoff", backoff)
			if !w.wait(ctx, backoff) {
				lastErr = fmt.Errorf("archive worker stopped after %d attempts: %w", attempt, lastErr)
				break
			}
		}

		key, err := w.writer.WriteBatch(writeCtx, records)
		if err != nil {
			lastErr = err
			w.logger.Error("Failed to write archive batch", "attempt", attempt, "error", err)
			if attempt == w.config.MaxRetries {
				lastErr = fmt.Errorf("%w (%d attempts): %w", queue.ErrMaxRetriesExceeded, attempt+1, err)
			}
			continue
		}
		w.metrics.ArchiveBatch("written", len(records))
		w.logger.Debug("Archive batch written", "key", key, "count", len(records))
		return
	}

	w.metrics.ArchiveBatch("failed", len(records))
	if w.dlq == nil {
		return
	}
	id, err := w.dlq.Add(writeCtx, records, queue.ReasonArchiveFailed, lastErr)
	if err != nil {
		w.logger.Error("Failed to add archive batch to dead letter queue", "error", err)
		return
	}
	w.metrics.DeadLetter(queue.ReasonArchiveFailed)
	w.logger.Warn("Archive batch moved to DLQ", "id", id, "count", len(records), "error", lastErr)
}

// wait pauses for d. It returns false early when ctx is done or the worker
// is stopped.
func (w *Worker) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-w.stopChan:
		return false
	}
}

// unmarshalItem converts a queue item back into a UsageRecord
func unmarshalItem(item interface{}, record *models.UsageRecord) error {
	switch v := item.(type) {
	case *models.UsageRecord:
		*record = *v
		return nil
	case models.UsageRecord:
		*record = v
		return nil
	case []byte:
		return json.Unmarshal(v, record)
	case json.RawMessage:
		return json.Unmarshal(v, record)
	default:
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item: %w", err)
		}
		return json.Unmarshal(data, record)
	}
}
