package models

import "time"

// LedgerStats summarizes every record held by the transfer ledger.
type LedgerStats struct {
	TotalTransfers      int        `json:"total_transfers"`
	SuccessfulTransfers int        `json:"successful_transfers"`
	FailedTransfers     int        `json:"failed_transfers"`
	UniqueBatches       int        `json:"unique_batches"`
	TotalBytes          int64      `json:"total_bytes_transferred"` // successful transfers only
	HumanReadableSize   string     `json:"human_readable_size"`
	LastTransfer        *time.Time `json:"last_transfer,omitempty"`
	LastCleanup         *time.Time `json:"last_cleanup,omitempty"`
}
