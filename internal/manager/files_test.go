package manager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stnd-dev/batch-run-monitor/internal/registry"
)

func appendFile(t *testing.T, path, content string) {
	t.Helper()

	fp, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	defer fp.Close()
	_, err = fp.WriteString(content)
	require.NoError(t, err)
}

func TestFileIngestAppliesOnlyNewLines(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	ingest := NewFileIngest(reg, dir)

	path := filepath.Join(dir, "101.jsonl")
	appendFile(t, path, `{"job_id": 101, "messages": [{"type": 0}]}`+"\n")

	assert.Equal(t, 1, ingest.Poll())
	job, ok := reg.Get(101)
	require.True(t, ok)
	assert.Equal(t, registry.StatusRunning, job.Status)

	// Nothing new: a second poll applies nothing.
	assert.Equal(t, 0, ingest.Poll())

	appendFile(t, path, `{"job_id": 101, "messages": [{"type": 3}]}`+"\n")
	assert.Equal(t, 1, ingest.Poll())
	job, _ = reg.Get(101)
	assert.Equal(t, registry.StatusCompleted, job.Status)
}

func TestFileIngestLeavesPartialTrailingLine(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	ingest := NewFileIngest(reg, dir)

	path := filepath.Join(dir, "55.jsonl")
	appendFile(t, path, `{"job_id": 55, "messages": [{"type": 0}]}`+"\n"+`{"job_id": 55, "mes`)

	assert.Equal(t, 1, ingest.Poll())

	// The writer finishes the line; only then it is applied.
	appendFile(t, path, `sages": [{"type": 3}]}`+"\n")
	assert.Equal(t, 1, ingest.Poll())

	job, ok := reg.Get(55)
	require.True(t, ok)
	assert.Equal(t, registry.StatusCompleted, job.Status)
}

func TestFileIngestSkipsUnparsableLines(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	ingest := NewFileIngest(reg, dir)

	path := filepath.Join(dir, "7.jsonl")
	appendFile(t, path, "garbage\n"+`{"job_id": 7, "messages": [{"type": 0}]}`+"\n")

	assert.Equal(t, 1, ingest.Poll())
	_, ok := reg.Get(7)
	assert.True(t, ok)
}

func TestFileIngestIgnoresOtherExtensions(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	ingest := NewFileIngest(reg, dir)

	appendFile(t, filepath.Join(dir, "notes.txt"), `{"job_id": 1, "messages": []}`+"\n")
	assert.Equal(t, 0, ingest.Poll())
	assert.Empty(t, reg.Snapshot())
}

func TestFileIngestMissingDirIsNotFatal(t *testing.T) {
	reg := registry.New()
	ingest := NewFileIngest(reg, filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, 0, ingest.Poll())
}
