package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"usage_ingest/internal/models"
	"usage_ingest/internal/utils"
)

const (
	defaultQueryWindow = 24 * time.Hour
	defaultRecordLimit = 100
	maxRecordLimit     = 1000
)

// parseRange reads from/to as RFC3339. to defaults to now and from to one
// window before to.
func (d *Dependencies) parseRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	to := d.now().UTC()
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
		}
		to = t.UTC()
	}
	from := to.Add(-defaultQueryWindow)
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
		}
		from = t.UTC()
	}
	return from, to, nil
}

// handleQueryUsage handles GET /v1/usage/{identity}
func (d *Dependencies) handleQueryUsage(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]
	from, to, err := d.parseRange(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	buckets, err := d.Aggregator.Query(r.Context(), identity, from, to)
	if err != nil {
		d.logger.Error("Failed to query aggregates", "identity_fp", utils.Fingerprint(identity), "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to query usage")
		return
	}

	var total models.UsageAggregate
	for _, b := range buckets {
		total.CallCount += b.CallCount
		total.SumPromptTokens += b.SumPromptTokens
		total.SumCompletionTokens += b.SumCompletionTokens
		total.SumTotalTokens += b.SumTotalTokens
		total.MismatchCount += b.MismatchCount
	}

	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"identity": identity,
		"from":     from,
		"to":       to,
		"buckets":  buckets,
		"totals": map[string]int64{
			"call_count":            total.CallCount,
			"sum_prompt_tokens":     total.SumPromptTokens,
			"sum_completion_tokens": total.SumCompletionTokens,
			"sum_total_tokens":      total.SumTotalTokens,
			"mismatch_count":        total.MismatchCount,
		},
	})
}

// handleListRecords handles GET /v1/usage/{identity}/records
func (d *Dependencies) handleListRecords(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]
	from, to, err := d.parseRange(r)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultRecordLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 1 {
			utils.RespondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if limit > maxRecordLimit {
			limit = maxRecordLimit
		}
	}
	includeRaw, _ := strconv.ParseBool(r.URL.Query().Get("include_raw"))

	records, err := d.Records.ListByIdentity(r.Context(), identity, from, to, limit)
	if err != nil {
		d.logger.Error("Failed to list records", "identity_fp", utils.Fingerprint(identity), "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "failed to list records")
		return
	}

	out := make([]models.UsageRecord, 0, len(records))
	for _, rec := range records {
		if includeRaw {
			out = append(out, *rec)
		} else {
			out = append(out, rec.WithoutRaw())
		}
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
		"identity": identity,
		"from":     from,
		"to":       to,
		"records":  out,
	})
}
