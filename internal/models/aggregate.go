package models

import "time"

// UsageAggregate summarises the records of one identity within one time bucket.
// It holds nothing that cannot be recomputed from stored records.
type UsageAggregate struct {
	IdentityKey         string    `json:"identity_key"`
	BucketStart         time.Time `json:"bucket_start"`
	BucketEnd           time.Time `json:"bucket_end"`
	CallCount           int64     `json:"call_count"`
	SumPromptTokens     int64     `json:"sum_prompt_tokens"`
	SumCompletionTokens int64     `json:"sum_completion_tokens"`
	SumTotalTokens      int64     `json:"sum_total_tokens"`
	MismatchCount       int64     `json:"mismatch_count"`
}

// Add folds a record into the aggregate.
func (a *UsageAggregate) Add(rec *UsageRecord) {
	a.CallCount++
	a.SumPromptTokens += Int64Value(rec.PromptTokens)
	a.SumCompletionTokens += Int64Value(rec.CompletionTokens)
	a.SumTotalTokens += Int64Value(rec.TotalTokens)
	if rec.TokenMismatch {
		a.MismatchCount++
	}
}
