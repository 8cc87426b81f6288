package models

import (
	"fmt"
	"time"
)

// RawEvent is one request/response log record as delivered by the capturing
// layer in front of the model endpoints.
type RawEvent struct {
	Identity     string    `json:"identity"`
	RequestBody  string    `json:"request_body"`
	ResponseBody *string   `json:"response_body,omitempty"`
	StatusCode   int       `json:"status_code"`
	EventTime    time.Time `json:"event_time"`
	Metadata     JSONB     `json:"metadata,omitempty"`
}

// Succeeded reports whether the upstream call returned a 2xx status.
// A zero status is treated as success because some capture layers omit it.
func (e *RawEvent) Succeeded() bool {
	return e.StatusCode == 0 || (e.StatusCode >= 200 && e.StatusCode < 300)
}

// Delivery is a raw event as read from one partition of the transport.
type Delivery struct {
	Partition string   `json:"partition"`
	Position  string   `json:"position"`
	Event     RawEvent `json:"event"`

	// Err is set when the transport could not decode the payload. Payload
	// then holds the undecoded bytes.
	Err     error  `json:"-"`
	Payload []byte `json:"payload,omitempty"`
}

// DedupKey identifies the delivery independently of how many times the
// transport hands it out.
func (d *Delivery) DedupKey() string {
	return fmt.Sprintf("%s/%s", d.Partition, d.Position)
}
