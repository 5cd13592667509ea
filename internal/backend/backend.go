package backend

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/stnd-dev/batch-run-monitor/internal/registry"
)

// ErrStopped is returned by Submit once the run-enable flag is cleared.
var ErrStopped = errors.New("submissions are disabled")

// SubmitRequest describes one job handed to a backend.
type SubmitRequest struct {
	RowID   int
	Command string
	LogPath string
}

// JobState is the accounting view of one execution id.
type JobState struct {
	Status   registry.Status
	ExitCode *int
}

// Backend is the execution environment for jobs: a pool of local
// subprocesses or a cluster scheduler reached through its CLI.
type Backend interface {
	// Submit dispatches one job. A returned error is a submission fault
	// and may be retried; job outcomes are reported via the tracker.
	Submit(ctx context.Context, req SubmitRequest) error
	// Query returns the accounting view for the given execution ids.
	// Ids missing from the result carry no information for this pass.
	Query(ctx context.Context, ids []int64) (map[int64]JobState, error)
	// List returns the execution ids currently visible in the live queue.
	List(ctx context.Context) (map[int64]bool, error)
	// Cancel requests graceful termination of the given ids.
	Cancel(ctx context.Context, ids []int64) error
	// ForceCancel terminates the given ids without grace.
	ForceCancel(ctx context.Context, ids []int64) error
}

// RunFlag is the shared run-enable switch. Workers poll it
// cooperatively; clearing it stops new submissions and interrupts
// already-running local jobs.
type RunFlag struct {
	disabled atomic.Bool
}

func NewRunFlag() *RunFlag {
	return &RunFlag{}
}

func (f *RunFlag) Enabled() bool {
	return !f.disabled.Load()
}

func (f *RunFlag) Disable() {
	f.disabled.Store(true)
}

func (f *RunFlag) Enable() {
	f.disabled.Store(false)
}
