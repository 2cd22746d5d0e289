package ledger

import (
	"time"

	"github.com/chmdznr/batchsync/pkg/models"
	"github.com/chmdznr/batchsync/pkg/utils"
)

// The functions below hold the ledger semantics shared by every backend.
// Records are passed in append order.

// latestPerFile returns, for each file of the batch, the index of its latest record.
func latestPerFile(recs []models.TransferRecord, batchID string) (map[string]int, []string) {
	key := models.BatchKey(batchID)
	latest := make(map[string]int)
	var order []string
	for i, rec := range recs {
		if rec.IsBatchMarker() || models.BatchKey(rec.BatchID) != key {
			continue
		}
		if _, seen := latest[rec.FilePath]; !seen {
			order = append(order, rec.FilePath)
		}
		latest[rec.FilePath] = i
	}
	return latest, order
}

// Pending returns the unresolved failures of a batch, in first-seen file order.
func Pending(recs []models.TransferRecord, batchID string) []models.TransferRecord {
	latest, order := latestPerFile(recs, batchID)
	var out []models.TransferRecord
	for _, file := range order {
		if rec := recs[latest[file]]; !rec.Success {
			out = append(out, rec)
		}
	}
	return out
}

// CompletionRecord is the batch marker written once a batch is verified
// complete in destFolder.
func CompletionRecord(batchID, destFolder, runID string) models.TransferRecord {
	return models.TransferRecord{BatchID: batchID, Success: true, DestFolder: destFolder, RunID: runID}
}

// Fold summarizes a batch.
func Fold(recs []models.TransferRecord, batchID string) models.BatchState {
	state := models.BatchState{BatchID: batchID}
	key := models.BatchKey(batchID)
	for _, rec := range recs {
		if models.BatchKey(rec.BatchID) != key {
			continue
		}
		state.Records++
		if rec.IsBatchMarker() {
			state.Verified = true
		}
		if rec.DestFolder != "" {
			state.DestFolder = rec.DestFolder
		}
	}

	latest, _ := latestPerFile(recs, batchID)
	for _, i := range latest {
		if recs[i].Success {
			state.Succeeded++
		} else {
			state.Pending++
		}
	}
	return state
}

// LatestFailure returns the index of the file's latest record when that
// record is a failure, or -1. Failures already superseded by a later attempt
// are not unresolved.
func LatestFailure(recs []models.TransferRecord, batchID, relPath string) int {
	key := models.BatchKey(batchID)
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		if rec.FilePath != relPath || models.BatchKey(rec.BatchID) != key {
			continue
		}
		if rec.Success {
			return -1
		}
		return i
	}
	return -1
}

// DueForPrune reports whether no sweep ran yet on now's calendar day.
func DueForPrune(lastCleanup, now time.Time) bool {
	if lastCleanup.IsZero() {
		return true
	}
	ly, lm, ld := lastCleanup.In(now.Location()).Date()
	ny, nm, nd := now.Date()
	return ly != ny || lm != nm || ld != nd
}

// Cutoff is the oldest timestamp kept for the given retention.
func Cutoff(now time.Time, retentionDays int) time.Time {
	return now.AddDate(0, 0, -retentionDays)
}

// Expired marks the records a sweep with the given cutoff removes: those older
// than the cutoff, unless their batch still has an unresolved failure newer
// than the cutoff. Records without a timestamp are kept.
func Expired(recs []models.TransferRecord, cutoff time.Time) []bool {
	protected := make(map[string]bool)
	seen := make(map[string]bool)
	for _, rec := range recs {
		key := models.BatchKey(rec.BatchID)
		if seen[key] {
			continue
		}
		seen[key] = true
		for _, p := range Pending(recs, rec.BatchID) {
			if !p.Timestamp.Before(cutoff) {
				protected[key] = true
				break
			}
		}
	}

	out := make([]bool, len(recs))
	for i, rec := range recs {
		if rec.Timestamp.IsZero() || protected[models.BatchKey(rec.BatchID)] {
			continue
		}
		out[i] = rec.Timestamp.Before(cutoff)
	}
	return out
}

// Stats summarizes every record. Batch markers count towards batches only.
func Stats(recs []models.TransferRecord, lastCleanup time.Time) models.LedgerStats {
	var stats models.LedgerStats
	batches := make(map[string]struct{})
	var last time.Time
	for _, rec := range recs {
		batches[models.BatchKey(rec.BatchID)] = struct{}{}
		if rec.Timestamp.After(last) {
			last = rec.Timestamp.Time
		}
		if rec.IsBatchMarker() {
			continue
		}
		stats.TotalTransfers++
		if rec.Success {
			stats.SuccessfulTransfers++
			stats.TotalBytes += rec.SizeBytes
		} else {
			stats.FailedTransfers++
		}
	}
	stats.UniqueBatches = len(batches)
	stats.HumanReadableSize = utils.FormatSize(stats.TotalBytes)
	if !last.IsZero() {
		stats.LastTransfer = &last
	}
	if !lastCleanup.IsZero() {
		stats.LastCleanup = &lastCleanup
	}
	return stats
}
