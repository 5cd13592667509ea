package manager

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/stnd-dev/batch-run-monitor/internal/protocol"
	"github.com/stnd-dev/batch-run-monitor/internal/registry"
	"github.com/stnd-dev/batch-run-monitor/pkg/file"
	"github.com/stnd-dev/batch-run-monitor/pkg/log"
)

// FileIngest is the file-transport counterpart of the socket server.
// Jobs append JSON lines to per-job .jsonl files in a shared directory;
// each poll applies only content appended since the last scan.
type FileIngest struct {
	reg     *registry.Registry
	dir     string
	offsets map[string]int64
}

func NewFileIngest(reg *registry.Registry, dir string) *FileIngest {
	return &FileIngest{
		reg:     reg,
		dir:     dir,
		offsets: make(map[string]int64),
	}
}

// Poll scans the updates directory once and returns how many messages
// were applied. A file that disappeared between scans is treated as
// "no new data".
func (f *FileIngest) Poll() int {
	paths, err := file.ListByExt(f.dir, ".jsonl")
	if err != nil {
		log.Warn("Failed to scan updates directory %s: %v", f.dir, err)
		return 0
	}

	total := 0
	for _, path := range paths {
		n, err := f.pollFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				delete(f.offsets, path)
				continue
			}
			log.Warn("Failed to read updates file %s: %v", path, err)
			continue
		}
		if n > 0 {
			log.Info("File monitor: processed %d message(s) from %s", n, filepath.Base(path))
		}
		total += n
	}
	return total
}

func (f *FileIngest) pollFile(path string) (int, error) {
	fp, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer fp.Close()

	offset := f.offsets[path]
	if _, err := fp.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	applied := 0
	reader := bufio.NewReader(fp)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// A trailing partial line is still being written; leave it
			// for the next scan.
			break
		}
		offset += int64(len(line))

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		env, err := protocol.DecodeBody([]byte(line))
		if err != nil {
			log.Warn("Failed to parse file message from %s: %v", path, err)
			continue
		}
		f.reg.ApplyEnvelope(env)
		applied++
	}

	f.offsets[path] = offset
	return applied, nil
}
