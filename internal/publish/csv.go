package publish

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/stnd-dev/batch-run-monitor/pkg/file"
)

// CSVSink maintains a status table as a CSV file, one line per row id,
// columns created in first-seen order. The whole file is rewritten on
// every apply so readers always see a consistent snapshot.
type CSVSink struct {
	path    string
	columns []string
	rows    map[int]map[string]string
}

func NewCSVSink(path string) (*CSVSink, error) {
	if err := file.EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &CSVSink{
		path: path,
		rows: make(map[int]map[string]string),
	}, nil
}

func (s *CSVSink) Apply(updates []Update) error {
	for _, u := range updates {
		row, ok := s.rows[u.RowID]
		if !ok {
			row = make(map[string]string)
			s.rows[u.RowID] = row
		}
		if _, known := row[u.Column]; !known && !s.hasColumn(u.Column) {
			s.columns = append(s.columns, u.Column)
		}
		row[u.Column] = u.Value
	}
	return s.write()
}

func (s *CSVSink) hasColumn(name string) bool {
	for _, c := range s.columns {
		if c == name {
			return true
		}
	}
	return false
}

func (s *CSVSink) write() error {
	fp, err := os.Create(s.path)
	if err != nil {
		return fmt.Errorf("open status csv: %w", err)
	}
	defer fp.Close()

	w := csv.NewWriter(fp)
	header := append([]string{"row_id"}, s.columns...)
	if err := w.Write(header); err != nil {
		return err
	}

	rowIDs := make([]int, 0, len(s.rows))
	for id := range s.rows {
		rowIDs = append(rowIDs, id)
	}
	sort.Ints(rowIDs)

	for _, id := range rowIDs {
		record := make([]string, 0, len(header))
		record = append(record, strconv.Itoa(id))
		for _, col := range s.columns {
			record = append(record, s.rows[id][col])
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}
