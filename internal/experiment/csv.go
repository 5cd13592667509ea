package experiment

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stnd-dev/batch-run-monitor/internal/backend"
	"github.com/stnd-dev/batch-run-monitor/internal/scheduler"
)

// Required and optional column names in the run table.
const (
	CommandColumn      = "command"
	LogPathColumn      = "log_path"
	WhetherToRunColumn = "whether_to_run"

	// Columns with this prefix become scheduler directives for cluster
	// submissions, e.g. "batch:time" or "batch:gpus".
	BatchArgPrefix = "batch:"
)

// Row is one experiment-definition entry. RowID is the worksheet row
// the entry occupies (the header is row 1), which keeps publication
// aligned with the source table.
type Row struct {
	RowID     int
	Command   string
	LogPath   string
	Run       bool
	BatchArgs map[string]string
}

// LoadCSV reads the ordered run table. Expansion and templating of the
// table are an upstream concern; this only maps columns.
func LoadCSV(path string) ([]Row, error) {
	fp, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open run table: %w", err)
	}
	defer fp.Close()

	reader := csv.NewReader(fp)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse run table: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("run table %s has no header row", path)
	}

	header := records[0]
	colIdx := make(map[string]int, len(header))
	for i, name := range header {
		colIdx[strings.TrimSpace(name)] = i
	}
	if _, ok := colIdx[CommandColumn]; !ok {
		return nil, fmt.Errorf("required column %q missing from %s", CommandColumn, path)
	}

	field := func(record []string, column string) string {
		idx, ok := colIdx[column]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	rows := make([]Row, 0, len(records)-1)
	for i, record := range records[1:] {
		row := Row{
			RowID:     i + 2,
			Command:   field(record, CommandColumn),
			LogPath:   field(record, LogPathColumn),
			Run:       true,
			BatchArgs: make(map[string]string),
		}
		if v := field(record, WhetherToRunColumn); v != "" && v != "1" {
			row.Run = false
		}
		if row.Command == "" {
			row.Run = false
		}

		for name, idx := range colIdx {
			if !strings.HasPrefix(name, BatchArgPrefix) || idx >= len(record) {
				continue
			}
			if v := strings.TrimSpace(record[idx]); v != "" {
				row.BatchArgs[strings.TrimPrefix(name, BatchArgPrefix)] = v
			}
		}

		rows = append(rows, row)
	}
	return rows, nil
}

// BuildDescriptors converts runnable rows into submission descriptors.
// Cluster rows get their command materialised into a batch script whose
// submission prints the assigned execution id; env entries are exported
// at the top of the script so the payload can reach the monitor.
func BuildDescriptors(rows []Row, runDir, batchName string, local bool, env map[string]string) ([]scheduler.Descriptor, error) {
	descs := make([]scheduler.Descriptor, 0, len(rows))
	for _, row := range rows {
		if !row.Run {
			continue
		}

		logPath := row.LogPath
		if logPath == "" {
			logPath = filepath.Join(runDir, "logs", fmt.Sprintf("row_%d.log", row.RowID))
		}

		command := row.Command
		if !local {
			exports := make([]string, 0, len(env))
			for k, v := range env {
				exports = append(exports, fmt.Sprintf("export %s=%q", k, v))
			}
			task := command
			if len(exports) > 0 {
				task = strings.Join(exports, "\n") + "\n" + command
			}

			name := fmt.Sprintf("%s_row%d", batchName, row.RowID)
			submitCmd, err := backend.WriteBatchScript(
				filepath.Join(runDir, "scripts"), name, task, logPath, row.BatchArgs)
			if err != nil {
				return nil, fmt.Errorf("prepare submission for row %d: %w", row.RowID, err)
			}
			command = submitCmd
		}

		descs = append(descs, scheduler.Descriptor{
			RowID:   row.RowID,
			Command: command,
			LogPath: logPath,
			Local:   local,
		})
	}
	return descs, nil
}
