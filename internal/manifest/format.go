package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

type format string

const (
	formatXLSX format = "xlsx"
	formatXLS  format = "xls"
	formatCSV  format = "csv"
)

func formatFor(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xls":
		return formatXLS
	case ".csv":
		return formatCSV
	default:
		return formatXLSX
	}
}

// alternate is the parser tried when the one picked by extension fails.
func (f format) alternate() (format, bool) {
	switch f {
	case formatXLSX:
		return formatXLS, true
	case formatXLS:
		return formatXLSX, true
	default:
		return "", false
	}
}

func parse(r io.ReadSeeker, f format, sheet string) ([][]string, error) {
	switch f {
	case formatXLS:
		return parseXLS(r, sheet)
	case formatCSV:
		return parseCSV(r)
	default:
		return parseXLSX(r, sheet)
	}
}

func parseXLSX(r io.Reader, sheet string) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, errors.New("workbook has no sheets")
		}
		sheet = sheets[0]
	}
	return f.GetRows(sheet)
}

func parseXLS(r io.ReadSeeker, sheet string) (rows [][]string, err error) {
	// The BIFF decoder panics on some malformed input.
	defer func() {
		if p := recover(); p != nil {
			rows, err = nil, fmt.Errorf("xls decoder: %v", p)
		}
	}()

	wb, err := xls.OpenReader(r, "utf-8")
	if err != nil {
		return nil, err
	}

	var ws *xls.WorkSheet
	for i := 0; i < wb.NumSheets(); i++ {
		s := wb.GetSheet(i)
		if s != nil && (sheet == "" || s.Name == sheet) {
			ws = s
			break
		}
	}
	if ws == nil {
		return nil, fmt.Errorf("sheet %q not found", sheet)
	}

	rows = make([][]string, 0, int(ws.MaxRow)+1)
	for i := 0; i <= int(ws.MaxRow); i++ {
		row := ws.Row(i)
		if row == nil {
			rows = append(rows, nil)
			continue
		}
		cells := make([]string, row.LastCol()+1)
		for c := row.FirstCol(); c <= row.LastCol(); c++ {
			cells[c] = row.Col(c)
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

func parseCSV(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\ufeff")
	}
	return rows, nil
}
