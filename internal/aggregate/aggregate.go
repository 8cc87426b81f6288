// Package aggregate maintains time-bucketed usage summaries per identity.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"usage_ingest/internal/models"
)

// DefaultBucketWidth is used when a Bucketer has no width configured.
const DefaultBucketWidth = time.Hour

// ErrInvalidBucketWidth is returned for widths below one second or with a
// fractional second.
var ErrInvalidBucketWidth = errors.New("bucket width must be a whole number of seconds")

// Aggregator maintains per-identity usage summaries.
type Aggregator interface {
	// Ingest adds one record to the bucket containing its event time.
	Ingest(ctx context.Context, rec *models.UsageRecord) error
	// Query returns the non-empty buckets overlapping [from, to), ascending by start.
	Query(ctx context.Context, identity string, from, to time.Time) ([]models.UsageAggregate, error)
	// RebuildFrom discards all state and replays records in the order given.
	RebuildFrom(ctx context.Context, records RecordIterator) error
}

// RecordIterator streams stored records to fn until fn returns an error.
type RecordIterator interface {
	Iterate(ctx context.Context, fn func(*models.UsageRecord) error) error
}

// SliceIterator iterates over an in-memory slice of records.
type SliceIterator []*models.UsageRecord

func (s SliceIterator) Iterate(ctx context.Context, fn func(*models.UsageRecord) error) error {
	for _, rec := range s {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Bucketer assigns event times to fixed-width buckets.
type Bucketer struct {
	Width time.Duration
}

// NewBucketer validates width. Zero selects DefaultBucketWidth.
func NewBucketer(width time.Duration) (Bucketer, error) {
	if width == 0 {
		width = DefaultBucketWidth
	}
	if width < time.Second || width%time.Second != 0 {
		return Bucketer{}, fmt.Errorf("%w: %s", ErrInvalidBucketWidth, width)
	}
	return Bucketer{Width: width}, nil
}

func (b Bucketer) width() time.Duration {
	if b.Width <= 0 {
		return DefaultBucketWidth
	}
	return b.Width
}

// Start returns the start of the bucket containing t, in UTC. Buckets are
// counted from the Unix epoch, so times before 1970 fall in the bucket below.
func (b Bucketer) Start(t time.Time) time.Time {
	w := int64(b.width() / time.Second)
	if w <= 0 {
		w = 1
	}
	return time.Unix(floorDiv(t.Unix(), w)*w, 0).UTC()
}

// floorDiv divides rounding towards negative infinity. b must be positive.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}

// End returns the exclusive end of the bucket starting at start.
func (b Bucketer) End(start time.Time) time.Time {
	return start.Add(b.width())
}

// Overlaps reports whether the bucket starting at start intersects [from, to).
func (b Bucketer) Overlaps(start, from, to time.Time) bool {
	return start.Before(to) && b.End(start).After(from)
}

// newAggregate returns an empty aggregate for the given bucket.
func (b Bucketer) newAggregate(identity string, start time.Time) *models.UsageAggregate {
	return &models.UsageAggregate{
		IdentityKey: identity,
		BucketStart: start,
		BucketEnd:   b.End(start),
	}
}
