package manifest

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/chmdznr/batchsync/pkg/models"
)

// Table is a parsed sheet: a header row plus data rows.
type Table struct {
	header []string
	rows   [][]string
}

func newTable(rows [][]string) *Table {
	if len(rows) == 0 {
		return &Table{}
	}

	header := make([]string, len(rows[0]))
	for i, name := range rows[0] {
		name = strings.TrimSpace(name)
		if name == "" {
			name, _ = excelize.ColumnNumberToName(i + 1)
		}
		header[i] = name
	}
	return &Table{header: header, rows: rows[1:]}
}

// Header returns the column names in sheet order.
func (t *Table) Header() []string {
	return t.header
}

// Len is the number of data rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// column resolves a header name, then a case-insensitive header name, then a
// spreadsheet column letter such as "AJ".
func (t *Table) column(ref string) (int, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return -1, false
	}
	for i, name := range t.header {
		if name == ref {
			return i, true
		}
	}
	for i, name := range t.header {
		if strings.EqualFold(name, ref) {
			return i, true
		}
	}
	if isColumnLetters(ref) {
		if n, err := excelize.ColumnNameToNumber(ref); err == nil {
			return n - 1, true
		}
	}
	return -1, false
}

func (t *Table) unreleased(initialsColumn, initialsValue, releaseColumn string, idColumns []string) ([]models.BatchRecord, error) {
	initialsIdx, ok := t.column(initialsColumn)
	if !ok {
		return nil, fmt.Errorf("initials column %q not found in %v", initialsColumn, t.header)
	}
	releaseIdx, ok := t.column(releaseColumn)
	if !ok {
		return nil, fmt.Errorf("release column %q not found in %v", releaseColumn, t.header)
	}

	idIdx := make([]int, 0, len(idColumns))
	for _, name := range idColumns {
		for i, h := range t.header {
			if strings.EqualFold(h, name) {
				idIdx = append(idIdx, i)
				break
			}
		}
	}

	want := strings.ToUpper(strings.TrimSpace(initialsValue))
	var records []models.BatchRecord
	for i, row := range t.rows {
		if isBlankRow(row) {
			continue
		}
		if strings.ToUpper(strings.TrimSpace(cell(row, initialsIdx))) != want {
			continue
		}
		if strings.TrimSpace(cell(row, releaseIdx)) != "" {
			continue
		}
		records = append(records, t.record(i, row, idIdx))
	}
	return records, nil
}

func (t *Table) record(i int, row []string, idIdx []int) models.BatchRecord {
	rec := models.BatchRecord{
		Row:     i + 2, // header is sheet row 1
		Columns: t.header,
		Values:  make(map[string]string, len(t.header)),
		ID:      models.UnknownBatchID,
	}
	for c, name := range t.header {
		if _, dup := rec.Values[name]; !dup {
			rec.Values[name] = cell(row, c)
		}
	}
	for _, c := range idIdx {
		if v := strings.TrimSpace(cell(row, c)); v != "" {
			rec.ID = v
			rec.IDColumn = t.header[c]
			break
		}
	}
	return rec
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}

func isBlankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func isColumnLetters(s string) bool {
	if len(s) > 3 {
		return false
	}
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}
