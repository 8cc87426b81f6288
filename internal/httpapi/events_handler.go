package httpapi

import (
	"encoding/json"
	"net/http"

	"usage_ingest/internal/journal"
	"usage_ingest/internal/models"
	"usage_ingest/internal/utils"
)

// maxEventsPerRequest bounds a batch publish.
const maxEventsPerRequest = 1000

// publishRequest accepts either a single event or {"events": [...]}.
type publishRequest struct {
	Events []models.RawEvent
}

func (p *publishRequest) UnmarshalJSON(data []byte) error {
	var batch struct {
		Events *[]models.RawEvent `json:"events"`
	}
	if err := json.Unmarshal(data, &batch); err != nil {
		return err
	}
	if batch.Events != nil {
		p.Events = *batch.Events
		return nil
	}
	var single models.RawEvent
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	p.Events = []models.RawEvent{single}
	return nil
}

// Accepted is the position assigned to a published event.
type Accepted struct {
	Partition string `json:"partition"`
	Position  string `json:"position"`
}

// handlePublishEvents handles POST /v1/events. Events without identity are
// accepted here and dead-lettered by the pipeline.
func (d *Dependencies) handlePublishEvents(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := utils.DecodeJSONBody(r, &req); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Events) == 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "no events in request")
		return
	}
	if len(req.Events) > maxEventsPerRequest {
		utils.RespondWithError(w, http.StatusRequestEntityTooLarge, "too many events in one request")
		return
	}

	receivedAt := d.now().UTC()
	accepted := make([]Accepted, 0, len(req.Events))
	for i := range req.Events {
		event := &req.Events[i]
		if event.EventTime.IsZero() {
			event.EventTime = receivedAt
		}

		delivery, err := d.Publisher.Publish(r.Context(), event)
		if err != nil {
			d.logger.Error("Failed to publish event", "index", i, "error", err)
			utils.RespondWithJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"error":    "failed to publish event",
				"accepted": accepted,
			})
			return
		}
		accepted = append(accepted, Accepted{Partition: delivery.Partition, Position: delivery.Position})

		if d.Journal != nil {
			d.Journal.Record(journal.Entry{
				ReceivedAt: receivedAt,
				RemoteAddr: r.RemoteAddr,
				Partition:  delivery.Partition,
				Position:   delivery.Position,
				Event:      *event,
			})
		}
	}

	utils.RespondWithJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": accepted,
	})
}
