package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestampAcceptsNaiveISO(t *testing.T) {
	var rec TransferRecord
	raw := `{"batch_id":"B1","file_path":"a.pdf","success":true,"source_path":"s","dest_path":"d",` +
		`"size_bytes":10,"timestamp":"2024-03-01T10:20:30.123456"}`
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))

	want := time.Date(2024, 3, 1, 10, 20, 30, 123456000, time.Local)
	assert.True(t, want.Equal(rec.Timestamp.Time))
	assert.Nil(t, rec.RetryTimestamp)
}

func TestTimestampRoundTripsRFC3339(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 20, 30, 0, time.UTC)
	b, err := json.Marshal(NewTimestamp(at))
	require.NoError(t, err)
	assert.Equal(t, `"2024-03-01T10:20:30Z"`, string(b))

	var back Timestamp
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, at.Equal(back.Time))
}

func TestTimestampRejectsGarbage(t *testing.T) {
	_, err := ParseTimestamp("yesterday")
	assert.Error(t, err)
}

func TestBatchStateComplete(t *testing.T) {
	tests := []struct {
		name  string
		state BatchState
		want  bool
	}{
		{"empty", BatchState{}, false},
		{"verified", BatchState{Records: 4, Succeeded: 3, Verified: true}, true},
		{"successes without marker", BatchState{Records: 3, Succeeded: 3}, false},
		{"verified then failed", BatchState{Records: 5, Succeeded: 2, Pending: 1, Verified: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.Complete())
		})
	}
	assert.True(t, TransferRecord{BatchID: "B1"}.IsBatchMarker())
	assert.False(t, TransferRecord{BatchID: "B1", FilePath: "a.pdf"}.IsBatchMarker())
}
