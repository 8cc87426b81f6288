package models

import (
	"time"

	"github.com/google/uuid"
)

// recordNamespace scopes deterministic record IDs derived from dedup keys.
var recordNamespace = uuid.MustParse("6f1c2a8e-3b7d-5e40-9a21-0c4d7e8f9b13")

// UsageRecord represents the usage extracted from a single logged API call.
// A record is built once by the parser and never mutated afterwards.
type UsageRecord struct {
	ID          uuid.UUID `json:"id"`
	DedupKey    string    `json:"dedup_key"`
	Partition   string    `json:"partition"`
	Position    string    `json:"position"`
	EventTime   time.Time `json:"event_time"`
	IdentityKey string    `json:"identity_key"`
	StatusCode  int       `json:"status_code"`

	// Derived from the response payload, nil when not available
	Operation        *string `json:"operation,omitempty"`
	Model            *string `json:"model,omitempty"`
	PromptTokens     *int64  `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64  `json:"completion_tokens,omitempty"`
	TotalTokens      *int64  `json:"total_tokens,omitempty"`

	// TokenMismatch is set when all three counters are present and
	// total != prompt + completion. Such records are kept, not rejected.
	TokenMismatch bool `json:"token_mismatch"`

	RawRequest      string `json:"raw_request,omitempty"`
	RawResponse     string `json:"raw_response,omitempty"`
	ResponsePresent bool   `json:"response_present"`
	Metadata        JSONB  `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// HasTokens reports whether any usage counter was extracted.
func (r *UsageRecord) HasTokens() bool {
	return r.PromptTokens != nil || r.CompletionTokens != nil || r.TotalTokens != nil
}

// AssignDelivery stamps the source coordinates on the record and derives
// its ID from the dedup key so that a redelivered event maps to the same ID.
func (r *UsageRecord) AssignDelivery(d *Delivery) {
	r.Partition = d.Partition
	r.Position = d.Position
	r.DedupKey = d.DedupKey()
	r.ID = RecordID(r.DedupKey)
}

// WithoutRaw returns a shallow copy with the raw payloads stripped.
func (r UsageRecord) WithoutRaw() UsageRecord {
	r.RawRequest = ""
	r.RawResponse = ""
	return r
}

// RecordID returns the deterministic record ID for a dedup key.
func RecordID(dedupKey string) uuid.UUID {
	return uuid.NewSHA1(recordNamespace, []byte(dedupKey))
}

// Int64Value dereferences an optional counter, treating nil as zero.
func Int64Value(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

// Int64Ptr returns a pointer to v.
func Int64Ptr(v int64) *int64 {
	return &v
}

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// StringValue dereferences an optional string.
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
