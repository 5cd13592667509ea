package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/stnd-dev/batch-run-monitor/pkg/log"
)

const (
	cancelMaxAttempts = 3
	cancelMaxChecks   = 5
	cancelCheckDelay  = 2 * time.Second
)

// drain tears the batch down after an operator signal: stop new
// submissions, cancel everything in flight, then publish a final,
// consistent picture. Always returns ErrCancelled unless the final
// publication itself fails.
func (m *Monitor) drain(ctx context.Context) error {
	log.Info("Cancelling pending submissions...")

	// Collect live execution ids before any CANCELLED marks land. Local
	// submissions stay active in the tracker for the process's whole
	// life, so a row flipped first would escape termination.
	var ids []int64
	for rowID, tracked := range m.tracker.Snapshot() {
		if !tracked.Status.IsActive() {
			continue
		}
		if tracked.JobID != 0 {
			ids = append(ids, tracked.JobID)
		}
		m.tracker.MarkCancelled(rowID)
	}
	m.sched.CancelInflight()

	if err := m.rec.Pass(ctx); err != nil {
		log.Warn("Failed to refresh job statuses before cancellation: %v", err)
	}
	m.publishDirty()
	if err := m.batcher.Flush(true); err != nil {
		log.Warn("Failed to publish statuses before cancellation: %v", err)
	}

	if len(ids) > 0 {
		log.Info("Terminating %d active jobs...", len(ids))
		if m.local {
			// Local kills are direct and verified per pid, no retry loop.
			if err := m.be.ForceCancel(ctx, ids); err != nil {
				log.Warn("Failed to terminate some local jobs: %v", err)
			}
		} else {
			m.cancelClusterJobs(ctx, ids)
		}
	}
	if m.local {
		m.awaitLocalExit(ctx)
	}

	if flipped := m.reg.ForceCancelActive(); flipped > 0 {
		log.Info("Marked %d jobs as CANCELLED", flipped)
	}

	log.Info("Updating final statuses...")
	if err := m.rec.Pass(ctx); err != nil {
		log.Warn("Failed to refresh final job statuses: %v", err)
	}
	m.publishDirty()
	if err := m.batcher.Flush(true); err != nil {
		log.Error("Final statuses may not have been published: %v", err)
		return fmt.Errorf("final status publication failed: %w", err)
	}

	m.shutdown.MarkDone()
	log.Info("All jobs cancelled and final statuses published.")
	return ErrCancelled
}

// processCounter is implemented by the local backend, whose Submit call
// tends each process until it exits and records its outcome.
type processCounter interface {
	Running() int64
}

// awaitLocalExit blocks until every local process has exited and its
// outcome has been recorded, so the final publication below sees the
// terminal statuses and no subprocess outlives the controller.
func (m *Monitor) awaitLocalExit(ctx context.Context) {
	counter, ok := m.be.(processCounter)
	if !ok {
		return
	}
	for check := 0; check < cancelMaxChecks; check++ {
		n := counter.Running()
		if n == 0 {
			return
		}
		log.Info("Waiting for %d local jobs to exit...", n)
		select {
		case <-ctx.Done():
			return
		case <-time.After(cancelCheckDelay):
		}
	}
	log.Warn("Some local jobs may not have exited yet")
}

// cancelClusterJobs asks the scheduler to cancel ids and waits for them
// to leave the queue, escalating to a KILL signal when a polite cancel
// is not enough.
func (m *Monitor) cancelClusterJobs(ctx context.Context, ids []int64) {
	remaining := ids
	for attempt := 0; attempt < cancelMaxAttempts; attempt++ {
		var err error
		if attempt == 0 {
			err = m.be.Cancel(ctx, remaining)
		} else {
			log.Info("Some jobs are still queued, escalating to force kill (attempt %d/%d)...",
				attempt+1, cancelMaxAttempts)
			err = m.be.ForceCancel(ctx, remaining)
		}
		if err != nil {
			log.Warn("Cancellation attempt %d failed: %v", attempt+1, err)
			continue
		}

		remaining = m.awaitQueueClear(ctx, remaining)
		if len(remaining) == 0 {
			log.Info("All cluster jobs cancelled.")
			return
		}
	}
	log.Warn("Failed to cancel %d jobs after %d attempts: %v",
		len(remaining), cancelMaxAttempts, remaining)
}

// awaitQueueClear polls the scheduler queue until none of ids remain,
// up to cancelMaxChecks times. Returns the ids still visible. A queue
// listing failure counts as clear since nothing can be verified.
func (m *Monitor) awaitQueueClear(ctx context.Context, ids []int64) []int64 {
	for check := 0; check < cancelMaxChecks; check++ {
		live, err := m.be.List(ctx)
		if err != nil {
			log.Warn("Failed to list queued jobs: %v", err)
			return nil
		}
		var remaining []int64
		for _, id := range ids {
			if live[id] {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == 0 {
			return nil
		}
		ids = remaining
		log.Info("Waiting for %d jobs to leave the queue...", len(remaining))
		select {
		case <-ctx.Done():
			return ids
		case <-time.After(cancelCheckDelay):
		}
	}
	return ids
}
