package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"usage_ingest/internal/aggregate"
	"usage_ingest/internal/auth"
	"usage_ingest/internal/journal"
	"usage_ingest/internal/metrics"
	"usage_ingest/internal/middleware"
	"usage_ingest/internal/models"
	"usage_ingest/internal/pipeline"
	"usage_ingest/internal/queue"
	"usage_ingest/internal/transport"
	"usage_ingest/internal/utils"
)

// RecordReader reads stored records.
type RecordReader interface {
	ListByIdentity(ctx context.Context, identity string, from, to time.Time, limit int) ([]*models.UsageRecord, error)
	GetByDedupKey(ctx context.Context, dedupKey string) (*models.UsageRecord, error)
}

// PipelineController is the operator surface of the ingestion pipeline.
type PipelineController interface {
	Status() []pipeline.PartitionStatus
	Resume(ctx context.Context, partition string) error
	RebuildAggregates(ctx context.Context) error
}

// EventJournal receives accepted raw events.
type EventJournal interface {
	Record(entry journal.Entry) bool
}

// HealthChecker reports whether a backing service is reachable.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies aggregates all services the HTTP layer needs. Journal,
// Archiver and MetricsHandler are optional.
type Dependencies struct {
	Publisher      transport.Publisher
	Aggregator     aggregate.Aggregator
	Records        RecordReader
	DeadLetters    queue.DeadLetterQueue
	Pipeline       PipelineController
	Journal        EventJournal
	Archiver       pipeline.Archiver
	Issuer         *auth.Issuer
	Health         map[string]HealthChecker
	Metrics        metrics.Recorder
	MetricsHandler http.Handler

	now    func() time.Time
	logger *utils.Logger
}

// NewRouter creates an HTTP router with all routes registered
func NewRouter(deps *Dependencies) *mux.Router {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}
	if deps.now == nil {
		deps.now = time.Now
	}
	deps.logger = utils.NewLogger("httpapi")

	r := mux.NewRouter()
	r.Use(middleware.RequestMetrics(deps.Metrics))

	// Capture and query endpoints
	r.HandleFunc("/v1/events", deps.handlePublishEvents).Methods(http.MethodPost)
	r.HandleFunc("/v1/usage/{identity}", deps.handleQueryUsage).Methods(http.MethodGet)
	r.HandleFunc("/v1/usage/{identity}/records", deps.handleListRecords).Methods(http.MethodGet)

	// Health check and metrics - public
	r.HandleFunc("/health", deps.handleHealth).Methods(http.MethodGet)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler).Methods(http.MethodGet)
	}

	// Admin authentication - public
	r.HandleFunc("/admin/token", auth.TokenHandler(deps.Issuer)).Methods(http.MethodPost)

	viewer := r.PathPrefix("/admin").Subrouter()
	viewer.Use(middleware.AdminJWTMiddleware(deps.Issuer, auth.RoleViewer))
	viewer.HandleFunc("/dead-letters", deps.handleListDeadLetters).Methods(http.MethodGet)
	viewer.HandleFunc("/partitions", deps.handleListPartitions).Methods(http.MethodGet)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.AdminJWTMiddleware(deps.Issuer, auth.RoleAdmin))
	admin.HandleFunc("/dead-letters/{id}/retry", deps.handleRetryDeadLetter).Methods(http.MethodPost)
	admin.HandleFunc("/dead-letters/{id}", deps.handleDeleteDeadLetter).Methods(http.MethodDelete)
	admin.HandleFunc("/partitions/{partition}/resume", deps.handleResumePartition).Methods(http.MethodPost)
	admin.HandleFunc("/aggregates/rebuild", deps.handleRebuildAggregates).Methods(http.MethodPost)

	return r
}

func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := map[string]string{}
	code := http.StatusOK
	for name, checker := range d.Health {
		if err := checker.Health(ctx); err != nil {
			status[name] = err.Error()
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	if d.Pipeline != nil {
		for _, p := range d.Pipeline.Status() {
			if p.State == pipeline.StateHalted {
				status["pipeline"] = "partition " + p.Partition + " halted"
			}
		}
	}
	utils.RespondWithJSON(w, code, map[string]interface{}{
		"status":     http.StatusText(code),
		"components": status,
	})
}
