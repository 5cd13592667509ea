package protocol

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/stnd-dev/batch-run-monitor/pkg/file"
)

// FileClient is a drop-in replacement for Client that appends envelopes
// as JSON lines to a per-job file in a shared updates directory. The
// monitor tails those files instead of listening on a socket.
type FileClient struct {
	dir       string
	jobID     int64
	path      string
	autoFlush bool

	mu     sync.Mutex
	queue  []Item
	latest map[string]string
}

func NewFileClient(dir string) (*FileClient, error) {
	if dir == "" {
		return nil, fmt.Errorf("file message client requires an updates directory")
	}
	if err := file.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create updates directory: %w", err)
	}

	jobID := SelfJobID()
	return &FileClient{
		dir:       dir,
		jobID:     jobID,
		path:      filepath.Join(dir, fmt.Sprintf("%d.jsonl", jobID)),
		autoFlush: true,
		latest:    make(map[string]string),
	}, nil
}

func (c *FileClient) JobID() int64 {
	return c.jobID
}

func (c *FileClient) SendStart() error {
	return c.Send(JobStarted, "", "", true)
}

func (c *FileClient) SendKeyVal(key, value string, sync bool) error {
	return c.Send(JobResultUpdate, key, value, sync)
}

func (c *FileClient) SendFinished() error {
	return c.Send(JobFinished, "", "", true)
}

func (c *FileClient) Send(msgType MessageType, key, value string, sync bool) error {
	c.mu.Lock()
	if msgType == JobResultUpdate {
		c.latest[key] = value
	}
	c.queue = append(c.queue, Item{Type: msgType, Key: key, Value: value})
	c.mu.Unlock()

	if sync || c.autoFlush {
		return c.Flush()
	}
	return nil
}

// Flush appends all queued items as a single JSON line. The queue is
// kept on failure so a later flush retries the same updates.
func (c *FileClient) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return nil
	}

	line, err := json.Marshal(Envelope{JobID: c.jobID, Messages: c.queue})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	fp, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open updates file: %w", err)
	}
	defer fp.Close()

	if _, err := fp.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	if err := fp.Sync(); err != nil {
		return fmt.Errorf("sync updates file: %w", err)
	}

	c.queue = nil
	return nil
}
