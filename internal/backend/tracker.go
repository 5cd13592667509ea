package backend

import (
	"sync"
	"sync/atomic"

	"github.com/stnd-dev/batch-run-monitor/internal/registry"
)

// TrackedJob is the backend-side view of one row: the execution id the
// backend assigned plus the last status the backend itself observed.
type TrackedJob struct {
	JobID    int64
	Status   registry.Status
	ExitCode *int
}

func (t TrackedJob) clone() TrackedJob {
	if t.ExitCode != nil {
		code := *t.ExitCode
		t.ExitCode = &code
	}
	return t
}

// Tracker is the shared tracking structure written by submission
// workers and read by the reconciler and the cancellation path.
type Tracker struct {
	mu        sync.Mutex
	rows      map[int]TrackedJob
	submitted atomic.Int64
}

func NewTracker() *Tracker {
	return &Tracker{rows: make(map[int]TrackedJob)}
}

func (t *Tracker) Set(rowID int, job TrackedJob) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.rows[rowID]; !exists {
		t.submitted.Add(1)
	}
	t.rows[rowID] = job.clone()
}

// Submitted counts rows that reached the backend at least once.
func (t *Tracker) Submitted() int64 {
	return t.submitted.Load()
}

// SetStatus overrides a row's status without touching its exit code.
func (t *Tracker) SetStatus(rowID int, status registry.Status) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job := t.rows[rowID]
	job.Status = status
	t.rows[rowID] = job
}

// SetOutcome records the terminal result of a row's process.
func (t *Tracker) SetOutcome(rowID int, status registry.Status, exitCode int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job := t.rows[rowID]
	job.Status = status
	job.ExitCode = &exitCode
	t.rows[rowID] = job
}

// MarkCancelled flips a row to CANCELLED, keeping its execution id.
func (t *Tracker) MarkCancelled(rowID int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job := t.rows[rowID]
	job.Status = registry.StatusCancelled
	t.rows[rowID] = job
}

func (t *Tracker) Get(rowID int) (TrackedJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.rows[rowID]
	return job.clone(), ok
}

// Snapshot returns a copy of the whole table.
func (t *Tracker) Snapshot() map[int]TrackedJob {
	t.mu.Lock()
	defer t.mu.Unlock()

	ret := make(map[int]TrackedJob, len(t.rows))
	for rowID, job := range t.rows {
		ret[rowID] = job.clone()
	}
	return ret
}

// ActiveIDs returns the execution ids of rows still PENDING or RUNNING.
func (t *Tracker) ActiveIDs() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]int64, 0)
	for _, job := range t.rows {
		if job.JobID != 0 && job.Status.IsActive() {
			ids = append(ids, job.JobID)
		}
	}
	return ids
}
