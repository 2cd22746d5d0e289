package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// TransferRecord is one ledger entry describing a single file transfer attempt.
type TransferRecord struct {
	BatchID        string     `json:"batch_id"`
	FilePath       string     `json:"file_path"` // relative to the batch folder, slash separated
	Success        bool       `json:"success"`
	SourcePath     string     `json:"source_path"`
	DestPath       string     `json:"dest_path"`
	DestFolder     string     `json:"dest_folder,omitempty"`
	SizeBytes      int64      `json:"size_bytes"`
	Timestamp      Timestamp  `json:"timestamp"`
	RetryTimestamp *Timestamp `json:"retry_timestamp,omitempty"`
	RunID          string     `json:"run_id,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// IsBatchMarker reports whether the record marks its whole batch as verified
// complete rather than describing one file.
func (r TransferRecord) IsBatchMarker() bool {
	return r.FilePath == ""
}

// BatchState is the ledger's view of one batch, folded over all its records.
type BatchState struct {
	BatchID string
	Records int
	// Succeeded counts files whose latest record is a success.
	Succeeded int
	// Pending counts files whose latest record is a failure.
	Pending int
	// DestFolder is the destination folder of the most recent record that carries one.
	DestFolder string
	// Verified is set once a run confirmed every source file in place, or an
	// operator resolved the last failure.
	Verified bool
}

// Complete reports whether the batch was verified and has nothing left to retry.
// File records alone never make a batch complete: a run stopped part way leaves
// only successes behind.
func (s BatchState) Complete() bool {
	return s.Verified && s.Pending == 0
}

// Timestamp is a time that marshals as ISO-8601 and also accepts the
// zone-less "2006-01-02T15:04:05.999999" form found in older ledgers.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

const naiveLayout = "2006-01-02T15:04:05"

// ParseTimestamp parses RFC 3339 or zone-less ISO timestamps. Zone-less values are local time.
func ParseTimestamp(s string) (Timestamp, error) {
	for _, layout := range []string{time.RFC3339Nano, naiveLayout} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return Timestamp{Time: t}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("invalid timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
