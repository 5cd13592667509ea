package publish

import (
	"fmt"
	"os"

	"github.com/xuri/excelize/v2"

	"github.com/stnd-dev/batch-run-monitor/pkg/file"
)

// SheetSink publishes into a worksheet of an XLSX workbook. Row ids are
// worksheet rows (the header lives in row 1), so ids start at 2; columns
// are resolved by header name and created on demand.
type SheetSink struct {
	path      string
	worksheet string
}

func NewSheetSink(path, worksheet string) (*SheetSink, error) {
	if path == "" {
		return nil, fmt.Errorf("sheet sink requires a workbook path")
	}
	if worksheet == "" {
		worksheet = "Sheet1"
	}
	if err := file.EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("create workbook directory: %w", err)
	}
	return &SheetSink{path: path, worksheet: worksheet}, nil
}

func (s *SheetSink) Apply(updates []Update) error {
	f, created, err := s.open()
	if err != nil {
		return err
	}
	defer f.Close()

	if index, _ := f.GetSheetIndex(s.worksheet); index == -1 {
		if _, err := f.NewSheet(s.worksheet); err != nil {
			return fmt.Errorf("create worksheet %s: %w", s.worksheet, err)
		}
	}

	headers, err := s.headerIndex(f)
	if err != nil {
		return err
	}

	for _, u := range updates {
		col, known := headers[u.Column]
		if !known {
			col = len(headers) + 1
			headers[u.Column] = col
			cell, _ := excelize.CoordinatesToCellName(col, 1)
			if err := f.SetCellValue(s.worksheet, cell, u.Column); err != nil {
				return fmt.Errorf("write header %s: %w", u.Column, err)
			}
		}

		cell, _ := excelize.CoordinatesToCellName(col, u.RowID)
		if err := f.SetCellValue(s.worksheet, cell, u.Value); err != nil {
			return fmt.Errorf("write cell %s: %w", cell, err)
		}
	}

	if created {
		return f.SaveAs(s.path)
	}
	return f.Save()
}

func (s *SheetSink) open() (*excelize.File, bool, error) {
	if _, err := os.Stat(s.path); os.IsNotExist(err) {
		return excelize.NewFile(), true, nil
	}
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return nil, false, fmt.Errorf("open workbook %s: %w", s.path, err)
	}
	return f, false, nil
}

func (s *SheetSink) headerIndex(f *excelize.File) (map[string]int, error) {
	rows, err := f.GetRows(s.worksheet)
	if err != nil {
		return nil, fmt.Errorf("read worksheet %s: %w", s.worksheet, err)
	}

	headers := make(map[string]int)
	if len(rows) > 0 {
		for i, name := range rows[0] {
			if name != "" {
				headers[name] = i + 1
			}
		}
	}
	return headers, nil
}
