package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"usage_ingest/internal/middleware"
	"usage_ingest/internal/models"
	"usage_ingest/internal/pipeline"
	"usage_ingest/internal/queue"
	"usage_ingest/internal/storage"
	"usage_ingest/internal/utils"
)

// handleListDeadLetters handles GET /admin/dead-letters
func (d *Dependencies) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			utils.RespondWithError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	items, err := d.DeadLetters.List(r.Context(), limit)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	count, err := d.DeadLetters.Count(r.Context())
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to count dead letters")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"items":       items,
		"total_count": count,
	})
}

// handleRetryDeadLetter handles POST /admin/dead-letters/{id}/retry. Raw
// events that were never stored are published again; entries whose record is
// already stored are only removed. Archive batches are resubmitted.
func (d *Dependencies) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx := r.Context()

	item, err := d.DeadLetters.Get(ctx, id)
	if errors.Is(err, queue.ErrItemNotFound) {
		utils.RespondWithError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to load dead letter")
		return
	}

	var result interface{}
	switch item.Reason {
	case queue.ReasonStorageExhausted, queue.ReasonAggregateFailed, queue.ReasonMissingIdentity:
		var delivery models.Delivery
		if err := item.Decode(&delivery); err != nil {
			utils.RespondWithError(w, http.StatusUnprocessableEntity, "dead letter does not hold an event")
			return
		}
		if delivery.Event.Identity == "" {
			utils.RespondWithError(w, http.StatusUnprocessableEntity, "event has no identity and cannot be retried")
			return
		}

		// A republished event gets a new position and so a new dedup key;
		// only events that never reached the store may be published again.
		_, err := d.Records.GetByDedupKey(ctx, delivery.DedupKey())
		switch {
		case err == nil:
			result = map[string]interface{}{"already_stored": true, "dedup_key": delivery.DedupKey()}
		case !errors.Is(err, storage.ErrUsageRecordNotFound):
			utils.RespondWithError(w, http.StatusServiceUnavailable, "failed to look up stored record")
			return
		case d.awaitsRedelivery(&delivery):
			utils.RespondWithError(w, http.StatusConflict, "partition "+delivery.Partition+" has not processed this event yet; resume it instead")
			return
		default:
			published, err := d.Publisher.Publish(ctx, &delivery.Event)
			if err != nil {
				utils.RespondWithError(w, http.StatusServiceUnavailable, "failed to publish event")
				return
			}
			result = Accepted{Partition: published.Partition, Position: published.Position}
		}

	case queue.ReasonArchiveFailed:
		if d.Archiver == nil {
			utils.RespondWithError(w, http.StatusConflict, "archiving is disabled")
			return
		}
		var records []*models.UsageRecord
		if err := item.Decode(&records); err != nil {
			utils.RespondWithError(w, http.StatusUnprocessableEntity, "dead letter does not hold records")
			return
		}
		for _, rec := range records {
			if err := d.Archiver.Submit(ctx, rec); err != nil {
				utils.RespondWithError(w, http.StatusServiceUnavailable, "failed to resubmit records")
				return
			}
		}
		result = map[string]int{"resubmitted": len(records)}

	default:
		utils.RespondWithError(w, http.StatusUnprocessableEntity, "dead letters with reason "+item.Reason+" cannot be retried")
		return
	}

	if err := d.DeadLetters.Remove(ctx, id); err != nil && !errors.Is(err, queue.ErrItemNotFound) {
		d.logger.Error("Retried dead letter could not be removed", "id", id, "error", err)
	}
	adminID, _ := middleware.GetAdminID(ctx)
	d.logger.Info("Dead letter retried", "id", id, "reason", item.Reason, "admin", adminID)
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{"id": id, "result": result})
}

// awaitsRedelivery reports whether the partition that dead-lettered the
// delivery will still deliver it: it is halted, or its checkpoint is behind
// the delivery.
func (d *Dependencies) awaitsRedelivery(delivery *models.Delivery) bool {
	if d.Pipeline == nil {
		return false
	}
	for _, st := range d.Pipeline.Status() {
		if st.Partition != delivery.Partition {
			continue
		}
		return st.State == pipeline.StateHalted || models.PositionAfter(delivery.Position, st.Checkpoint)
	}
	return false
}

// handleDeleteDeadLetter handles DELETE /admin/dead-letters/{id}
func (d *Dependencies) handleDeleteDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	err := d.DeadLetters.Remove(r.Context(), id)
	if errors.Is(err, queue.ErrItemNotFound) {
		utils.RespondWithError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to remove dead letter")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListPartitions handles GET /admin/partitions
func (d *Dependencies) handleListPartitions(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"partitions": d.Pipeline.Status(),
	})
}

// handleResumePartition handles POST /admin/partitions/{partition}/resume
func (d *Dependencies) handleResumePartition(w http.ResponseWriter, r *http.Request) {
	partition := mux.Vars(r)["partition"]
	err := d.Pipeline.Resume(r.Context(), partition)
	switch {
	case errors.Is(err, pipeline.ErrUnknownPartition):
		utils.RespondWithError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, pipeline.ErrNotHalted):
		utils.RespondWithError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		d.logger.Error("Failed to resume partition", "partition", partition, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to resume partition")
		return
	}
	adminID, _ := middleware.GetAdminID(r.Context())
	d.logger.Info("Partition resumed", "partition", partition, "admin", adminID)
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"partition": partition, "state": pipeline.StateRunning})
}

// handleRebuildAggregates handles POST /admin/aggregates/rebuild
func (d *Dependencies) handleRebuildAggregates(w http.ResponseWriter, r *http.Request) {
	if err := d.Pipeline.RebuildAggregates(r.Context()); err != nil {
		d.logger.Error("Aggregate rebuild failed", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "aggregate rebuild failed")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"status": "rebuilt"})
}
