package parser

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage_ingest/internal/models"
)

var eventTime = time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

func event(identity string, status int, response *string) *models.RawEvent {
	return &models.RawEvent{
		Identity:     identity,
		RequestBody:  `{"messages":[{"role":"user","content":"hi"}]}`,
		ResponseBody: response,
		StatusCode:   status,
		EventTime:    eventTime,
	}
}

func body(s string) *string { return &s }

func TestParseWellFormed(t *testing.T) {
	resp := `{"object":"chat.completion","model":"gpt-4o","usage":{"prompt_tokens":4,"completion_tokens":6,"total_tokens":10}}`
	rec, warnings, err := Parse(event("sub-1", 200, body(resp)))

	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, "sub-1", rec.IdentityKey)
	assert.Equal(t, "chat.completion", models.StringValue(rec.Operation))
	assert.Equal(t, "gpt-4o", models.StringValue(rec.Model))
	assert.Equal(t, int64(4), *rec.PromptTokens)
	assert.Equal(t, int64(6), *rec.CompletionTokens)
	assert.Equal(t, int64(10), *rec.TotalTokens)
	assert.False(t, rec.TokenMismatch)
	assert.Equal(t, resp, rec.RawResponse)
	assert.True(t, rec.ResponsePresent)
	assert.Equal(t, eventTime, rec.EventTime)
}

func TestParseMissingIdentity(t *testing.T) {
	for _, identity := range []string{"", "   ", "\t\n"} {
		rec, _, err := Parse(event(identity, 200, body(`{}`)))
		assert.ErrorIs(t, err, models.ErrMissingIdentity)
		assert.Nil(t, rec)
	}

	rec, _, err := Parse(nil)
	assert.ErrorIs(t, err, models.ErrMissingIdentity)
	assert.Nil(t, rec)
}

func TestParseTokenMismatch(t *testing.T) {
	resp := `{"usage":{"prompt_tokens":4,"completion_tokens":6,"total_tokens":11}}`
	rec, warnings, err := Parse(event("sub-1", 200, body(resp)))

	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.True(t, rec.TokenMismatch)
	assert.Equal(t, int64(11), *rec.TotalTokens)
}

func TestParseFailedCall(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		response *string
	}{
		{name: "server error with usage-looking body", status: 500, response: body(`{"usage":{"total_tokens":10}}`)},
		{name: "client error", status: 429, response: body(`{"error":"rate limited"}`)},
		{name: "absent response", status: 200, response: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, warnings, err := Parse(event("sub-1", tt.status, tt.response))
			require.NoError(t, err)
			assert.Empty(t, warnings)
			assert.False(t, rec.HasTokens())
			assert.Equal(t, tt.status, rec.StatusCode)
			assert.Equal(t, tt.response != nil, rec.ResponsePresent)
		})
	}
}

func TestParseUnstructuredResponse(t *testing.T) {
	for _, resp := range []string{
		`{"object":"chat.completion","usage":{"total_`,
		`not json at all`,
		`[1,2,3]`,
		`null`,
		`{"a":1} {"b":2}`,
		``,
	} {
		rec, warnings, err := Parse(event("sub-1", 200, body(resp)))
		require.NoError(t, err, resp)
		require.Len(t, warnings, 1, resp)
		assert.ErrorIs(t, warnings[0], models.ErrUnstructuredResponse)
		assert.Equal(t, resp, rec.RawResponse)
		assert.False(t, rec.HasTokens())
	}
}

func TestParseCoercion(t *testing.T) {
	tests := []struct {
		name      string
		usage     string
		want      *int64
		wantWarns int
	}{
		{name: "integer", usage: `{"total_tokens":10}`, want: models.Int64Ptr(10)},
		{name: "digit string", usage: `{"total_tokens":"10"}`, want: models.Int64Ptr(10)},
		{name: "integral float", usage: `{"total_tokens":10.0}`, want: models.Int64Ptr(10)},
		{name: "exponent", usage: `{"total_tokens":1e3}`, want: models.Int64Ptr(1000)},
		{name: "fractional", usage: `{"total_tokens":10.5}`, wantWarns: 1},
		{name: "negative", usage: `{"total_tokens":-1}`, wantWarns: 1},
		{name: "signed string", usage: `{"total_tokens":"-3"}`, wantWarns: 1},
		{name: "word", usage: `{"total_tokens":"ten"}`, wantWarns: 1},
		{name: "bool", usage: `{"total_tokens":true}`, wantWarns: 1},
		{name: "null", usage: `{"total_tokens":null}`, wantWarns: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := `{"usage":{"prompt_tokens":1,"completion_tokens":2,` + tt.usage[1:] + `}`
			rec, warnings, err := Parse(event("sub-1", 200, body(resp)))
			require.NoError(t, err)
			assert.Len(t, warnings, tt.wantWarns)
			for _, w := range warnings {
				assert.ErrorIs(t, w, models.ErrFieldUnavailable)
				assert.Contains(t, w.Error(), "usage.total_tokens")
			}
			assert.Equal(t, tt.want, rec.TotalTokens)
		})
	}
}

func TestParseFallbackFieldNames(t *testing.T) {
	resp := `{"model":"claude-3","usage":{"input_tokens":12,"output_tokens":30}}`
	rec, warnings, err := Parse(event("sub-1", 200, body(resp)))

	require.NoError(t, err)
	assert.Equal(t, int64(12), *rec.PromptTokens)
	assert.Equal(t, int64(30), *rec.CompletionTokens)
	// total is never synthesized
	assert.Nil(t, rec.TotalTokens)
	assert.False(t, rec.TokenMismatch)
	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0], models.ErrFieldUnavailable)
}

func TestParseMissingUsage(t *testing.T) {
	rec, warnings, err := Parse(event("sub-1", 200, body(`{"object":"list","model":"m"}`)))
	require.NoError(t, err)
	assert.Equal(t, "list", models.StringValue(rec.Operation))
	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0], models.ErrFieldUnavailable)
}

func TestParseEventTime(t *testing.T) {
	local := time.Date(2026, 1, 1, 12, 0, 0, 0, time.FixedZone("CET", 2*3600))
	raw := event("sub-1", 200, nil)
	raw.EventTime = local
	rec, warnings, err := Parse(raw)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, time.UTC, rec.EventTime.Location())
	assert.True(t, rec.EventTime.Equal(local))

	raw.EventTime = time.Time{}
	rec, warnings, err = Parse(raw)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.True(t, errors.Is(warnings[0], models.ErrMissingEventTime))
	assert.True(t, rec.EventTime.IsZero())
}

func TestWarningKind(t *testing.T) {
	assert.Equal(t, "field_unavailable", WarningKind(fieldUnavailable("usage.total_tokens")))
	assert.Equal(t, "unstructured_response", WarningKind(models.ErrUnstructuredResponse))
	assert.Equal(t, "missing_event_time", WarningKind(models.ErrMissingEventTime))
	assert.Equal(t, "other", WarningKind(errors.New("x")))
	assert.Equal(t, "", WarningKind(nil))
}
