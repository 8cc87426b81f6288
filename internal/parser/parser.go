// Package parser turns raw request/response log events into usage records.
//
// Parsing never fails because of the response payload: malformed or partial
// responses produce a record with the affected fields unset, plus warnings.
// Only an event without an identity is rejected.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"usage_ingest/internal/models"
)

// Field names looked up in the response's usage object, in priority order.
var (
	promptFields     = []string{"prompt_tokens", "input_tokens"}
	completionFields = []string{"completion_tokens", "output_tokens"}
	totalFields      = []string{"total_tokens"}
)

// Parse builds a usage record from a raw event.
//
// The returned warnings are non-fatal (ErrUnstructuredResponse,
// ErrFieldUnavailable, ErrMissingEventTime) and the record is valid when err
// is nil. Parse is pure: it does not read clocks or perform I/O.
func Parse(raw *models.RawEvent) (*models.UsageRecord, []error, error) {
	if raw == nil || strings.TrimSpace(raw.Identity) == "" {
		return nil, nil, models.ErrMissingIdentity
	}

	rec := &models.UsageRecord{
		IdentityKey:     raw.Identity,
		EventTime:       raw.EventTime.UTC(),
		StatusCode:      raw.StatusCode,
		RawRequest:      raw.RequestBody,
		ResponsePresent: raw.ResponseBody != nil,
		Metadata:        raw.Metadata,
	}
	if raw.ResponseBody != nil {
		rec.RawResponse = *raw.ResponseBody
	}

	var warnings []error
	if raw.EventTime.IsZero() {
		warnings = append(warnings, models.ErrMissingEventTime)
	}

	// Failed or absent responses carry no usage; that is expected, not a warning.
	if raw.ResponseBody == nil || !raw.Succeeded() {
		return rec, warnings, nil
	}

	body, ok := decodeObject(*raw.ResponseBody)
	if !ok {
		return rec, append(warnings, models.ErrUnstructuredResponse), nil
	}

	if v, ok := body["object"].(string); ok && v != "" {
		rec.Operation = &v
	}
	if v, ok := body["model"].(string); ok && v != "" {
		rec.Model = &v
	}

	usage, ok := body["usage"].(map[string]any)
	if !ok {
		return rec, append(warnings, fieldUnavailable("usage")), nil
	}

	var warn error
	if rec.PromptTokens, warn = lookupCount(usage, promptFields); warn != nil {
		warnings = append(warnings, warn)
	}
	if rec.CompletionTokens, warn = lookupCount(usage, completionFields); warn != nil {
		warnings = append(warnings, warn)
	}
	if rec.TotalTokens, warn = lookupCount(usage, totalFields); warn != nil {
		warnings = append(warnings, warn)
	}

	if rec.PromptTokens != nil && rec.CompletionTokens != nil && rec.TotalTokens != nil {
		rec.TokenMismatch = *rec.TotalTokens != *rec.PromptTokens+*rec.CompletionTokens
	}

	return rec, warnings, nil
}

// WarningKind returns a short label for a warning, used as a metric label.
func WarningKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, models.ErrUnstructuredResponse):
		return "unstructured_response"
	case errors.Is(err, models.ErrFieldUnavailable):
		return "field_unavailable"
	case errors.Is(err, models.ErrMissingEventTime):
		return "missing_event_time"
	}
	return "other"
}

func decodeObject(s string) (map[string]any, bool) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil || body == nil {
		return nil, false
	}
	// Trailing data means the payload was not a single JSON document
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, false
	}
	return body, true
}

// lookupCount returns the first present field among names. A present but
// non-coercible field yields a warning and no value, without falling back.
func lookupCount(usage map[string]any, names []string) (*int64, error) {
	for _, name := range names {
		v, ok := usage[name]
		if !ok {
			continue
		}
		n, ok := coerceCount(v)
		if !ok {
			return nil, fieldUnavailable("usage." + name)
		}
		return &n, nil
	}
	return nil, fieldUnavailable("usage." + names[0])
}

// coerceCount accepts non-negative integers, integral floats and digit strings.
func coerceCount(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, n >= 0
		}
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return floatCount(f)
	case float64:
		return floatCount(t)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		for _, r := range s {
			if r < '0' || r > '9' {
				return 0, false
			}
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func floatCount(f float64) (int64, bool) {
	if f < 0 || f != math.Trunc(f) || f > math.MaxInt64 || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return int64(f), true
}

func fieldUnavailable(field string) error {
	return fmt.Errorf("%w: %s", models.ErrFieldUnavailable, field)
}
