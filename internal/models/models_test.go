package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePosition(t *testing.T) {
	tests := []struct {
		input   string
		want    Position
		wantErr bool
	}{
		{input: "", want: ZeroPosition},
		{input: "0-0", want: ZeroPosition},
		{input: "1526919030474-55", want: Position{Major: 1526919030474, Minor: 55}},
		{input: "42", want: Position{Major: 42}},
		{input: "abc-1", wantErr: true},
		{input: "1-x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePosition(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPositionOrdering(t *testing.T) {
	// numeric, not lexical
	assert.True(t, PositionAfter("10-0", "9-0"))
	assert.True(t, PositionAfter("5-2", "5-1"))
	assert.False(t, PositionAfter("5-1", "5-1"))
	assert.False(t, PositionAfter("4-9", "5-0"))
	assert.True(t, PositionAfter("1-0", ""))
	assert.False(t, PositionAfter("bogus", "1-0"))
}

func TestDeliveryDedupKey(t *testing.T) {
	d := &Delivery{Partition: "usage:3", Position: "17-0"}
	assert.Equal(t, "usage:3/17-0", d.DedupKey())

	rec := &UsageRecord{}
	rec.AssignDelivery(d)
	assert.Equal(t, "usage:3/17-0", rec.DedupKey)
	assert.Equal(t, RecordID("usage:3/17-0"), rec.ID)

	other := &UsageRecord{}
	other.AssignDelivery(&Delivery{Partition: "usage:3", Position: "18-0"})
	assert.NotEqual(t, rec.ID, other.ID)
}

func TestUsageAggregateAdd(t *testing.T) {
	var agg UsageAggregate
	agg.Add(&UsageRecord{TotalTokens: Int64Ptr(10), PromptTokens: Int64Ptr(4), CompletionTokens: Int64Ptr(6)})
	agg.Add(&UsageRecord{})
	agg.Add(&UsageRecord{TotalTokens: Int64Ptr(25), TokenMismatch: true})

	assert.Equal(t, int64(3), agg.CallCount)
	assert.Equal(t, int64(35), agg.SumTotalTokens)
	assert.Equal(t, int64(4), agg.SumPromptTokens)
	assert.Equal(t, int64(6), agg.SumCompletionTokens)
	assert.Equal(t, int64(1), agg.MismatchCount)
}

func TestRawEventSucceeded(t *testing.T) {
	for status, want := range map[int]bool{0: true, 200: true, 204: true, 400: false, 500: false, 302: false} {
		e := RawEvent{StatusCode: status, EventTime: time.Now()}
		assert.Equal(t, want, e.Succeeded(), "status %d", status)
	}
}

func TestJSONBScan(t *testing.T) {
	var j JSONB
	require.NoError(t, j.Scan([]byte(`{"api_id":"openai"}`)))
	assert.Equal(t, "openai", j.String("api_id"))

	// sqlite returns TEXT columns as strings
	require.NoError(t, j.Scan(`{"region":"eu"}`))
	assert.Equal(t, "eu", j.String("region"))

	require.NoError(t, j.Scan(nil))
	assert.Nil(t, j)

	assert.Error(t, j.Scan(42))

	v, err := JSONB{"a": 1}.Value()
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, v)
}
