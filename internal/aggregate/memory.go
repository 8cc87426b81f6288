package aggregate

import (
	"context"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"time"

	"usage_ingest/internal/models"
)

const defaultStripes = 64

type bucketKey struct {
	identity string
	start    int64 // unix seconds
}

// MemoryAggregator keeps aggregates in process memory.
//
// Updates to the same (identity, bucket) are serialized by one of a fixed set
// of striped mutexes, so ingestion from several partitions can run in parallel.
type MemoryAggregator struct {
	bucketer Bucketer

	// state is held shared by Ingest and Query and exclusively by RebuildFrom
	state sync.RWMutex

	stripes []stripe

	indexMu sync.RWMutex
	index   map[string][]int64 // identity -> sorted bucket starts
}

type stripe struct {
	mu      sync.Mutex
	buckets map[bucketKey]*models.UsageAggregate
}

// NewMemoryAggregator creates an empty in-memory aggregator.
func NewMemoryAggregator(bucketer Bucketer) *MemoryAggregator {
	a := &MemoryAggregator{bucketer: bucketer}
	a.reset()
	return a
}

func (a *MemoryAggregator) reset() {
	a.stripes = make([]stripe, defaultStripes)
	for i := range a.stripes {
		a.stripes[i].buckets = make(map[bucketKey]*models.UsageAggregate)
	}
	a.index = make(map[string][]int64)
}

func (a *MemoryAggregator) stripeFor(k bucketKey) *stripe {
	h := fnv.New32a()
	h.Write([]byte(k.identity))
	h.Write([]byte(strconv.FormatInt(k.start, 10)))
	return &a.stripes[h.Sum32()%uint32(len(a.stripes))]
}

// Ingest implements Aggregator.
func (a *MemoryAggregator) Ingest(ctx context.Context, rec *models.UsageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.state.RLock()
	defer a.state.RUnlock()
	a.ingest(rec)
	return nil
}

func (a *MemoryAggregator) ingest(rec *models.UsageRecord) {
	start := a.bucketer.Start(rec.EventTime)
	k := bucketKey{identity: rec.IdentityKey, start: start.Unix()}

	s := a.stripeFor(k)
	s.mu.Lock()
	agg, ok := s.buckets[k]
	if !ok {
		agg = a.bucketer.newAggregate(rec.IdentityKey, start)
		s.buckets[k] = agg
	}
	agg.Add(rec)
	s.mu.Unlock()

	if !ok {
		a.addToIndex(k)
	}
}

func (a *MemoryAggregator) addToIndex(k bucketKey) {
	a.indexMu.Lock()
	defer a.indexMu.Unlock()
	starts := a.index[k.identity]
	i := sort.Search(len(starts), func(i int) bool { return starts[i] >= k.start })
	if i < len(starts) && starts[i] == k.start {
		return
	}
	starts = append(starts, 0)
	copy(starts[i+1:], starts[i:])
	starts[i] = k.start
	a.index[k.identity] = starts
}

// Query implements Aggregator.
func (a *MemoryAggregator) Query(ctx context.Context, identity string, from, to time.Time) ([]models.UsageAggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	result := []models.UsageAggregate{}
	if !to.After(from) {
		return result, nil
	}

	a.state.RLock()
	defer a.state.RUnlock()

	// Any bucket starting after from-width may overlap the range
	lower := a.bucketer.Start(from).Unix()

	a.indexMu.RLock()
	starts := a.index[identity]
	i := sort.Search(len(starts), func(i int) bool { return starts[i] >= lower })
	var candidates []int64
	for ; i < len(starts); i++ {
		if !time.Unix(starts[i], 0).Before(to) {
			break
		}
		candidates = append(candidates, starts[i])
	}
	a.indexMu.RUnlock()

	for _, start := range candidates {
		if !a.bucketer.Overlaps(time.Unix(start, 0), from, to) {
			continue
		}
		k := bucketKey{identity: identity, start: start}
		s := a.stripeFor(k)
		s.mu.Lock()
		if agg, ok := s.buckets[k]; ok {
			result = append(result, *agg)
		}
		s.mu.Unlock()
	}
	return result, nil
}

// RebuildFrom implements Aggregator. Ingest and Query block until it returns.
func (a *MemoryAggregator) RebuildFrom(ctx context.Context, records RecordIterator) error {
	a.state.Lock()
	defer a.state.Unlock()

	a.reset()
	return records.Iterate(ctx, func(rec *models.UsageRecord) error {
		a.ingest(rec)
		return nil
	})
}
