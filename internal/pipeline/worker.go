package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"usage_ingest/internal/metrics"
	"usage_ingest/internal/models"
	"usage_ingest/internal/parser"
	"usage_ingest/internal/queue"
	"usage_ingest/internal/storage"
	"usage_ingest/internal/utils"
)

// fetchErrorBackoff is the pause after a failed fetch.
const fetchErrorBackoff = time.Second

// Worker consumes a single partition.
type Worker struct {
	partition string
	deps      Deps
	cfg       Config
	gate      *sync.RWMutex
	dedup     *storage.LRUCache[struct{}]
	logger    *utils.Logger

	mu           sync.Mutex
	state        string
	checkpoint   string
	loaded       bool
	processed    int64
	stored       int64
	duplicates   int64
	deadLettered int64
	haltReason   string
	haltedAt     time.Time
	resume       chan struct{}

	// pending is the dedup key of a stored record the aggregator has not
	// counted yet.
	pending        string
	haltedEntry    string
	haltedPosition string
}

// NewWorker creates a worker for one partition. gate may be nil; when set,
// each delivery is handled under its read lock.
func NewWorker(partition string, deps Deps, cfg Config, gate *sync.RWMutex) (*Worker, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Worker{
		partition: partition,
		deps:      deps,
		cfg:       cfg,
		gate:      gate,
		dedup:     storage.NewLRUCache[struct{}](cfg.DedupCacheSize, cfg.DedupCacheTTL),
		logger:    utils.NewLogger("usage-worker").With(partition),
		state:     StateStarting,
		resume:    make(chan struct{}, 1),
	}, nil
}

// Partition returns the partition the worker consumes
func (w *Worker) Partition() string {
	return w.partition
}

// Run consumes the partition until ctx is cancelled. A batch that was
// already fetched is finished under a context detached from ctx.
func (w *Worker) Run(ctx context.Context) {
	defer w.setState(StateStopped)
	w.logger.Info("Usage worker starting")

	for {
		if ctx.Err() != nil {
			w.logger.Info("Usage worker context cancelled")
			return
		}

		if !w.isLoaded() {
			if err := w.loadCheckpoint(ctx); err != nil {
				w.logger.Error("Failed to load checkpoint", "error", err)
				if sleep(ctx, fetchErrorBackoff) != nil {
					return
				}
				continue
			}
			w.setState(StateRunning)
		}

		if w.State() == StateHalted {
			select {
			case <-w.resume:
				continue
			case <-ctx.Done():
				w.logger.Info("Usage worker stopping while halted")
				return
			}
		}

		batch, err := w.deps.Source.Fetch(ctx, w.partition, w.cfg.BatchSize, w.cfg.FetchBlock)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("Usage worker stopping")
				return
			}
			w.logger.Error("Failed to fetch events", "error", err)
			if sleep(ctx, fetchErrorBackoff) != nil {
				return
			}
			continue
		}
		if len(batch) == 0 {
			continue
		}

		w.logger.Debug("Processing batch", "count", len(batch))
		w.processBatch(context.WithoutCancel(ctx), batch)
	}
}

// processBatch handles deliveries in order and acknowledges the prefix that
// was fully processed. It stops at the first delivery that halts the partition.
func (w *Worker) processBatch(ctx context.Context, batch []models.Delivery) {
	done := make([]string, 0, len(batch))
	for i := range batch {
		if err := w.handle(ctx, &batch[i]); err != nil {
			break
		}
		done = append(done, batch[i].Position)
	}
	if len(done) == 0 {
		return
	}
	if err := w.deps.Source.Ack(ctx, w.partition, done...); err != nil {
		// Unacked deliveries come back and are skipped by checkpoint.
		w.logger.Warn("Failed to acknowledge events", "count", len(done), "error", err)
	}
}

// handle processes one delivery. A non-nil error means the partition halted.
func (w *Worker) handle(ctx context.Context, d *models.Delivery) error {
	if w.gate != nil {
		w.gate.RLock()
		defer w.gate.RUnlock()
	}

	if !models.PositionAfter(d.Position, w.Checkpoint()) {
		w.logger.Debug("Skipping redelivered event", "position", d.Position)
		w.deps.Metrics.EventProcessed(w.partition, metrics.OutcomeSkipped)
		return nil
	}
	w.count(&w.processed)

	if d.Err != nil {
		w.logger.Warn("Malformed event payload", "position", d.Position, "error", d.Err)
		item := struct {
			Partition string `json:"partition"`
			Position  string `json:"position"`
			Payload   string `json:"payload"`
		}{d.Partition, d.Position, string(d.Payload)}
		return w.deadLetterAndCommit(ctx, d, item, queue.ReasonMalformedEvent, d.Err)
	}

	record, warnings, err := parser.Parse(&d.Event)
	if err != nil {
		w.logger.Warn("Rejected event", "position", d.Position, "error", err)
		return w.deadLetterAndCommit(ctx, d, d, queue.ReasonMissingIdentity, err)
	}
	for _, warn := range warnings {
		w.deps.Metrics.ParseWarning(parser.WarningKind(warn))
		w.logger.Debug("Parse warning", "position", d.Position, "identity_fp", utils.Fingerprint(record.IdentityKey), "warning", warn)
	}
	record.AssignDelivery(d)

	if w.dedup.Contains(record.DedupKey) {
		w.count(&w.duplicates)
		w.deps.Metrics.EventProcessed(w.partition, metrics.OutcomeDuplicate)
		return w.commit(ctx, d.Position)
	}

	inserted, err := w.appendWithRetry(ctx, record)
	if err != nil {
		return w.haltOnExhaustion(ctx, d, queue.ReasonStorageExhausted, err)
	}

	if inserted {
		w.count(&w.stored)
		w.deps.Metrics.EventProcessed(w.partition, metrics.OutcomeStored)
		if w.deps.Archiver != nil {
			if err := w.deps.Archiver.Submit(ctx, record); err != nil {
				w.deps.Metrics.ArchiveBatch("dropped", 1)
				w.logger.Warn("Failed to submit record for archiving", "dedup_key", record.DedupKey, "error", err)
			}
		}
	}

	switch {
	case inserted || w.isPending(record.DedupKey):
		if err := w.ingestWithRetry(ctx, record); err != nil {
			w.setPending(record.DedupKey)
			w.deps.Metrics.AggregateError()
			return w.haltOnExhaustion(ctx, d, queue.ReasonAggregateFailed, err)
		}
		w.setPending("")
	default:
		w.logger.Debug("Duplicate delivery", "dedup_key", record.DedupKey)
		w.count(&w.duplicates)
		w.deps.Metrics.EventProcessed(w.partition, metrics.OutcomeDuplicate)
	}

	if err := w.commit(ctx, d.Position); err != nil {
		return err
	}
	w.dedup.Set(record.DedupKey, struct{}{})
	return nil
}

// appendWithRetry stores the record alone; the checkpoint follows in commit.
func (w *Worker) appendWithRetry(ctx context.Context, record *models.UsageRecord) (bool, error) {
	cp := storage.Checkpoint{Partition: w.partition}
	start := time.Now()

	var inserted bool
	err := retry(ctx, w.cfg, func(attempt int, lastErr error) {
		w.deps.Metrics.StoreRetry(w.partition)
		w.logger.Warn("Retrying append", "attempt", attempt, "dedup_key", record.DedupKey, "error", lastErr)
	}, func(ctx context.Context) error {
		var err error
		inserted, err = w.deps.Store.Append(ctx, record, cp)
		return err
	})
	if err != nil {
		return false, err
	}
	w.deps.Metrics.AppendDuration(w.partition, time.Since(start))
	return inserted, nil
}

// ingestWithRetry feeds a stored record to the aggregator. Every failure
// other than cancellation counts as transient.
func (w *Worker) ingestWithRetry(ctx context.Context, record *models.UsageRecord) error {
	return retry(ctx, w.cfg, func(attempt int, lastErr error) {
		w.logger.Warn("Retrying aggregate update", "attempt", attempt, "dedup_key", record.DedupKey, "error", lastErr)
	}, func(ctx context.Context) error {
		err := w.deps.Aggregator.Ingest(ctx, record)
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: %w", models.ErrStorageTransient, err)
	})
}

// commit saves the checkpoint at position. A failed save halts the partition;
// the redelivered event is then recognised as a duplicate.
func (w *Worker) commit(ctx context.Context, position string) error {
	cp := storage.Checkpoint{Partition: w.partition, Position: position}
	err := retry(ctx, w.cfg, func(attempt int, lastErr error) {
		w.deps.Metrics.StoreRetry(w.partition)
		w.logger.Warn("Retrying checkpoint", "attempt", attempt, "error", lastErr)
	}, func(ctx context.Context) error {
		return w.deps.Checkpoints.Save(ctx, cp)
	})
	if err != nil {
		w.logger.Error("Checkpoint retries exhausted, halting partition", "position", position, "error", err)
		w.halt("checkpoint save failed: " + err.Error())
		return errHalted
	}
	w.advance(position)
	w.clearDeadLetter(ctx, position)
	return nil
}

// deadLetterAndCommit sends an event that can never be stored to the
// dead-letter queue and moves the checkpoint past it.
func (w *Worker) deadLetterAndCommit(ctx context.Context, d *models.Delivery, item interface{}, reason string, cause error) error {
	if _, err := w.deadLetter(ctx, item, reason, cause); err != nil {
		w.halt("dead-letter queue unavailable: " + err.Error())
		return errHalted
	}
	// Redelivery after a failed commit dead-letters the event again; the
	// queue tolerates that.
	return w.commit(ctx, d.Position)
}

// haltOnExhaustion dead-letters the delivery and halts the partition without
// moving the checkpoint. The entry is removed again once the redelivered
// event commits after a resume.
func (w *Worker) haltOnExhaustion(ctx context.Context, d *models.Delivery, reason string, cause error) error {
	w.logger.Error("Retries exhausted, halting partition", "position", d.Position, "reason", reason, "error", cause)
	id, err := w.deadLetter(ctx, d, reason, cause)
	if err != nil {
		w.logger.Error("Failed to dead-letter event", "position", d.Position, "error", err)
	}
	w.mu.Lock()
	w.haltedEntry = id
	w.haltedPosition = d.Position
	w.mu.Unlock()
	w.halt(cause.Error())
	return errHalted
}

func (w *Worker) clearDeadLetter(ctx context.Context, position string) {
	w.mu.Lock()
	id := w.haltedEntry
	if w.haltedPosition != position {
		w.mu.Unlock()
		return
	}
	w.haltedEntry = ""
	w.haltedPosition = ""
	w.mu.Unlock()
	if id == "" {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()
	if err := w.deps.DeadLetters.Remove(ctx, id); err != nil && !errors.Is(err, queue.ErrItemNotFound) {
		w.logger.Warn("Failed to remove resolved dead letter", "id", id, "error", err)
		return
	}
	w.logger.Info("Removed resolved dead letter", "id", id, "position", position)
}

func (w *Worker) deadLetter(ctx context.Context, item interface{}, reason string, cause error) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.StoreTimeout)
	defer cancel()

	id, err := w.deps.DeadLetters.Add(ctx, item, reason, cause)
	if err != nil {
		return "", err
	}
	w.count(&w.deadLettered)
	w.deps.Metrics.DeadLetter(reason)
	w.deps.Metrics.EventProcessed(w.partition, metrics.OutcomeDeadLettered)
	w.logger.Warn("Event moved to DLQ", "id", id, "reason", reason)
	return id, nil
}

func (w *Worker) loadCheckpoint(ctx context.Context) error {
	cp, err := w.deps.Checkpoints.Get(ctx, w.partition)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.checkpoint = cp.Position
	w.loaded = true
	w.mu.Unlock()
	w.logger.Info("Loaded checkpoint", "position", cp.Position)
	return nil
}

// Resume clears a halt. The transport is rewound so that unacknowledged
// events are delivered again, and the checkpoint is reloaded from the store.
func (w *Worker) Resume(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateHalted {
		w.mu.Unlock()
		return ErrNotHalted
	}
	w.mu.Unlock()

	if err := w.deps.Source.Rewind(ctx, w.partition); err != nil {
		return err
	}
	if err := w.loadCheckpoint(ctx); err != nil {
		return err
	}

	w.mu.Lock()
	w.state = StateRunning
	w.haltReason = ""
	w.haltedAt = time.Time{}
	w.mu.Unlock()
	w.deps.Metrics.PartitionHalted(w.partition, false)
	w.logger.Info("Partition resumed")

	select {
	case w.resume <- struct{}{}:
	default:
	}
	return nil
}

func (w *Worker) halt(reason string) {
	w.mu.Lock()
	w.state = StateHalted
	w.haltReason = reason
	w.haltedAt = time.Now().UTC()
	w.mu.Unlock()
	w.deps.Metrics.PartitionHalted(w.partition, true)
}

func (w *Worker) isPending(dedupKey string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending != "" && w.pending == dedupKey
}

func (w *Worker) setPending(dedupKey string) {
	w.mu.Lock()
	w.pending = dedupKey
	w.mu.Unlock()
}

// forgetPending drops the pending record after the aggregate was rebuilt
// from the store, which already counts it.
func (w *Worker) forgetPending() {
	w.setPending("")
}

func (w *Worker) advance(position string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if models.PositionAfter(position, w.checkpoint) {
		w.checkpoint = position
	}
}

func (w *Worker) count(c *int64) {
	w.mu.Lock()
	*c++
	w.mu.Unlock()
}

func (w *Worker) setState(state string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	// A halt outlives the loop so that Status keeps reporting it.
	if state == StateStopped && w.state == StateHalted {
		return
	}
	w.state = state
}

func (w *Worker) isLoaded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loaded
}

// State returns the current worker state
func (w *Worker) State() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Checkpoint returns the last position processed
func (w *Worker) Checkpoint() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpoint
}

// Status returns a snapshot of the worker
func (w *Worker) Status() PartitionStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return PartitionStatus{
		Partition:    w.partition,
		State:        w.state,
		Checkpoint:   w.checkpoint,
		Processed:    w.processed,
		Stored:       w.stored,
		Duplicates:   w.duplicates,
		DeadLettered: w.deadLettered,
		HaltReason:   w.haltReason,
		HaltedAt:     w.haltedAt,
	}
}
