package experiment

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/stnd-dev/batch-run-monitor/pkg/file"
)

// NewRunDir creates a fresh per-run directory under base, named by
// timestamp plus a short unique suffix so repeated batches never
// collide.
func NewRunDir(base string) (string, error) {
	suffix := uuid.NewString()[:8]
	dir := filepath.Join(base, fmt.Sprintf("%s-%s", time.Now().Format("20060102-150405"), suffix))
	if err := file.EnsureDir(dir); err != nil {
		return "", fmt.Errorf("create run directory: %w", err)
	}
	return dir, nil
}

// UpdatesDir is where file-transport jobs append their .jsonl updates.
func UpdatesDir(runDir string) string {
	return filepath.Join(runDir, "updates")
}
