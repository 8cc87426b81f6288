// Package metrics exposes ingestion counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcomes reported by the pipeline.
const (
	OutcomeStored       = "stored"
	OutcomeDuplicate    = "duplicate"
	OutcomeSkipped      = "skipped"
	OutcomeDeadLettered = "dead_lettered"
)

// Recorder receives operational signals from the service components.
type Recorder interface {
	EventProcessed(partition, outcome string)
	ParseWarning(kind string)
	DeadLetter(reason string)
	StoreRetry(partition string)
	AppendDuration(partition string, d time.Duration)
	PartitionHalted(partition string, halted bool)
	AggregateError()
	ArchiveBatch(outcome string, records int)
	JournalDropped()
	HTTPRequest(route string, status int, d time.Duration)
}

// Noop discards everything.
type Noop struct{}

func (Noop) EventProcessed(string, string)          {}
func (Noop) ParseWarning(string)                    {}
func (Noop) DeadLetter(string)                      {}
func (Noop) StoreRetry(string)                      {}
func (Noop) AppendDuration(string, time.Duration)   {}
func (Noop) PartitionHalted(string, bool)           {}
func (Noop) AggregateError()                        {}
func (Noop) ArchiveBatch(string, int)               {}
func (Noop) JournalDropped()                        {}
func (Noop) HTTPRequest(string, int, time.Duration) {}

// Prometheus records to a dedicated registry.
type Prometheus struct {
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	parseWarnings   *prometheus.CounterVec
	deadLetters     *prometheus.CounterVec
	storeRetries    *prometheus.CounterVec
	appendDuration  *prometheus.HistogramVec
	halted          *prometheus.GaugeVec
	aggregateErrors prometheus.Counter
	archiveBatches  *prometheus.CounterVec
	archiveRecords  *prometheus.CounterVec
	journalDropped  prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// NewPrometheus creates and registers all collectors.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_events_total",
			Help: "Events handled by the pipeline, by partition and outcome",
		}, []string{"partition", "outcome"}),
		parseWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_parse_warnings_total",
			Help: "Non-fatal parse warnings by kind",
		}, []string{"kind"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_dead_letters_total",
			Help: "Items sent to the dead-letter sink by reason",
		}, []string{"reason"}),
		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_store_retries_total",
			Help: "Append attempts that failed and were retried",
		}, []string{"partition"}),
		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usage_append_duration_seconds",
			Help:    "Latency of successful appends including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"partition"}),
		halted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "usage_partition_halted",
			Help: "1 while a partition is halted after exhausting retries",
		}, []string{"partition"}),
		aggregateErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_aggregate_errors_total",
			Help: "Aggregator ingest failures; repair with a rebuild",
		}),
		archiveBatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_archive_batches_total",
			Help: "Archive batches by outcome",
		}, []string{"outcome"}),
		archiveRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_archive_records_total",
			Help: "Archived records by outcome",
		}, []string{"outcome"}),
		journalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usage_journal_dropped_total",
			Help: "Raw events not journaled because the buffer was full",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "usage_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "usage_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	p.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		p.events, p.parseWarnings, p.deadLetters, p.storeRetries, p.appendDuration,
		p.halted, p.aggregateErrors, p.archiveBatches, p.archiveRecords,
		p.journalDropped, p.httpRequests, p.httpDuration,
	)
	return p
}

// Handler serves the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry exposes the underlying registry for tests.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) EventProcessed(partition, outcome string) {
	p.events.WithLabelValues(partition, outcome).Inc()
}

func (p *Prometheus) ParseWarning(kind string) {
	p.parseWarnings.WithLabelValues(kind).Inc()
}

func (p *Prometheus) DeadLetter(reason string) {
	p.deadLetters.WithLabelValues(reason).Inc()
}

func (p *Prometheus) StoreRetry(partition string) {
	p.storeRetries.WithLabelValues(partition).Inc()
}

func (p *Prometheus) AppendDuration(partition string, d time.Duration) {
	p.appendDuration.WithLabelValues(partition).Observe(d.Seconds())
}

func (p *Prometheus) PartitionHalted(partition string, halted bool) {
	v := 0.0
	if halted {
		v = 1
	}
	p.halted.WithLabelValues(partition).Set(v)
}

func (p *Prometheus) AggregateError() {
	p.aggregateErrors.Inc()
}

func (p *Prometheus) ArchiveBatch(outcome string, records int) {
	p.archiveBatches.WithLabelValues(outcome).Inc()
	p.archiveRecords.WithLabelValues(outcome).Add(float64(records))
}

func (p *Prometheus) JournalDropped() {
	p.journalDropped.Inc()
}

func (p *Prometheus) HTTPRequest(route string, status int, d time.Duration) {
	p.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	p.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}
