package publish

import (
	"fmt"
	"sync"
	"time"
)

// Monitor-owned columns in the published table.
const (
	StatusColumn     = "status_monitor"
	ExitCodeColumn   = "exit_code_monitor"
	JobIDColumn      = "job_id_monitor"
	LastUpdateColumn = "last_update_monitor"
)

// TimeFormat is used for the last-update column.
const TimeFormat = "2006-01-02 15:04:05"

// Update is one (row, column, value) cell write.
type Update struct {
	RowID  int
	Column string
	Value  string
}

// Sink applies a batch of cell writes to some external table.
type Sink interface {
	Apply(updates []Update) error
}

// Batcher queues cell writes and applies them in batches, keeping only
// the newest value per (row, column) and rate-limiting real flushes.
type Batcher struct {
	sink        Sink
	minInterval time.Duration

	mu        sync.Mutex
	queue     []Update
	index     map[string]int
	lastFlush time.Time
}

func NewBatcher(sink Sink, minInterval time.Duration) *Batcher {
	return &Batcher{
		sink:        sink,
		minInterval: minInterval,
		index:       make(map[string]int),
	}
}

// Queue records a cell write, overwriting any queued value for the same
// (row, column).
func (b *Batcher) Queue(rowID int, column, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := fmt.Sprintf("%d|%s", rowID, column)
	if pos, ok := b.index[key]; ok {
		b.queue[pos].Value = value
		return
	}
	b.index[key] = len(b.queue)
	b.queue = append(b.queue, Update{RowID: rowID, Column: column, Value: value})
}

// Flush applies the queued updates. Without force, flushes closer
// together than the minimum interval are skipped and the queue kept.
func (b *Batcher) Flush(force bool) error {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return nil
	}
	if !force && time.Since(b.lastFlush) < b.minInterval {
		b.mu.Unlock()
		return nil
	}
	batch := b.queue
	b.queue = nil
	b.index = make(map[string]int)
	b.mu.Unlock()

	if err := b.sink.Apply(batch); err != nil {
		// Requeue so a later flush retries the same cells. The rate
		// limiter is not stamped: nothing was published, so the next
		// flush may retry immediately.
		b.mu.Lock()
		for _, u := range batch {
			key := fmt.Sprintf("%d|%s", u.RowID, u.Column)
			if _, ok := b.index[key]; !ok {
				b.index[key] = len(b.queue)
				b.queue = append(b.queue, u)
			}
		}
		b.mu.Unlock()
		return fmt.Errorf("publication flush failed: %w", err)
	}

	b.mu.Lock()
	b.lastFlush = time.Now()
	b.mu.Unlock()
	return nil
}

// Pending returns how many cell writes await publication.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// MultiSink fans updates out to several sinks; the first failure wins.
type MultiSink []Sink

func (m MultiSink) Apply(updates []Update) error {
	for _, sink := range m {
		if err := sink.Apply(updates); err != nil {
			return err
		}
	}
	return nil
}
