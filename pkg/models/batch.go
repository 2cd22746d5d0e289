package models

import "strings"

// UnknownBatchID is reported for manifest rows where no identifier column holds a value.
const UnknownBatchID = "Unknown"

// BatchRecord is one manifest row that passed the unreleased filter.
type BatchRecord struct {
	// Row is the 1-based spreadsheet row the record was read from.
	Row int
	// Columns holds the header names in sheet order.
	Columns []string
	Values  map[string]string

	// ID is the trimmed batch identifier, or UnknownBatchID.
	ID string
	// IDColumn is the column the identifier was taken from. Empty when unresolved.
	IDColumn string
}

// Get returns the value of column, or "" when the row has no such column.
func (r BatchRecord) Get(column string) string {
	return r.Values[column]
}

// HasID reports whether an identifier column was resolved for the row.
func (r BatchRecord) HasID() bool {
	return r.IDColumn != "" && r.ID != ""
}

// BatchKey normalizes a batch identifier for matching: trimmed and case-folded.
func BatchKey(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// SameBatch reports whether two identifiers refer to the same batch.
func SameBatch(a, b string) bool {
	return BatchKey(a) == BatchKey(b)
}
