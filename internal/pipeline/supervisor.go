package pipeline

import (
	"context"
	"fmt"
	"sync"

	"usage_ingest/internal/models"
	"usage_ingest/internal/utils"
)

// Supervisor runs one worker per transport partition.
type Supervisor struct {
	deps Deps
	cfg  Config

	// gate is held shared by workers while they handle a delivery and
	// exclusively by aggregate rebuilds.
	gate sync.RWMutex

	mu      sync.Mutex
	workers map[string]*Worker
	order   []string
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *utils.Logger
}

// NewSupervisor validates deps and creates a supervisor. Workers are
// created by Start.
func NewSupervisor(deps Deps, cfg Config) (*Supervisor, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	return &Supervisor{
		deps:    deps,
		cfg:     cfg.withDefaults(),
		workers: map[string]*Worker{},
		logger:  utils.NewLogger("pipeline"),
	}, nil
}

// Start rebuilds the aggregator from stored records when configured to, or
// when a partition has records past its checkpoint, then starts a worker for
// every partition of the source.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("pipeline already started")
	}

	if s.deps.Records != nil {
		rebuild := s.cfg.RebuildOnStart
		if !rebuild {
			var err error
			if rebuild, err = s.uncommitted(ctx); err != nil {
				return err
			}
		}
		if rebuild {
			s.logger.Info("Rebuilding aggregates from stored records")
			if err := s.deps.Aggregator.RebuildFrom(ctx, s.deps.Records); err != nil {
				return fmt.Errorf("failed to rebuild aggregates: %w", err)
			}
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	for _, partition := range s.deps.Source.Partitions() {
		w, err := NewWorker(partition, s.deps, s.cfg, &s.gate)
		if err != nil {
			cancel()
			return err
		}
		s.workers[partition] = w
		s.order = append(s.order, partition)
	}
	s.cancel = cancel

	for _, partition := range s.order {
		w := s.workers[partition]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.Run(runCtx)
		}()
	}
	s.logger.Info("Pipeline started", "partitions", len(s.order))
	return nil
}

// uncommitted reports whether any partition stored a record after its last
// checkpoint. Such a record may or may not have reached the aggregator before
// the previous process stopped, so only a rebuild settles its count.
func (s *Supervisor) uncommitted(ctx context.Context) (bool, error) {
	for _, partition := range s.deps.Source.Partitions() {
		last, err := s.deps.Store.LastPosition(ctx, partition)
		if err != nil {
			return false, fmt.Errorf("failed to read last stored position: %w", err)
		}
		cp, err := s.deps.Checkpoints.Get(ctx, partition)
		if err != nil {
			return false, fmt.Errorf("failed to read checkpoint: %w", err)
		}
		if models.PositionAfter(last, cp.Position) {
			s.logger.Warn("Stored records past checkpoint", "partition", partition, "last", last, "checkpoint", cp.Position)
			return true, nil
		}
	}
	return false, nil
}

// Stop stops fetching and waits for in-flight batches to finish, or for
// ctx to expire.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("Pipeline stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline stop: %w", ctx.Err())
	}
}

// Status returns one entry per partition in source order
func (s *Supervisor) Status() []PartitionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PartitionStatus, 0, len(s.order))
	for _, partition := range s.order {
		out = append(out, s.workers[partition].Status())
	}
	return out
}

// Resume restarts a halted partition.
func (s *Supervisor) Resume(ctx context.Context, partition string) error {
	s.mu.Lock()
	w, ok := s.workers[partition]
	started := s.cancel != nil
	s.mu.Unlock()
	if !ok {
		if !started {
			return ErrNotStarted
		}
		return fmt.Errorf("%w: %s", ErrUnknownPartition, partition)
	}
	return w.Resume(ctx)
}

// RebuildAggregates replaces the aggregator state with a replay of all
// stored records. Ingestion pauses between deliveries while it runs.
func (s *Supervisor) RebuildAggregates(ctx context.Context) error {
	if s.deps.Records == nil {
		return fmt.Errorf("no record iterator configured")
	}
	s.gate.Lock()
	defer s.gate.Unlock()

	if err := s.deps.Aggregator.RebuildFrom(ctx, s.deps.Records); err != nil {
		return fmt.Errorf("failed to rebuild aggregates: %w", err)
	}
	s.mu.Lock()
	for _, w := range s.workers {
		w.forgetPending()
	}
	s.mu.Unlock()
	s.logger.Info("Aggregates rebuilt")
	return nil
}
