package reconcile

import (
	"context"
	"fmt"

	"github.com/stnd-dev/batch-run-monitor/internal/backend"
	"github.com/stnd-dev/batch-run-monitor/internal/registry"
)

// Reconciler merges the backend's accounting view and the shared
// tracking structure into the registry, one pass per monitor tick.
// The result is computed outside the registry lock and applied under
// it in a single hold.
type Reconciler struct {
	reg     *registry.Registry
	tracker *backend.Tracker
	be      backend.Backend
	local   bool
}

func New(reg *registry.Registry, tracker *backend.Tracker, be backend.Backend, local bool) *Reconciler {
	return &Reconciler{
		reg:     reg,
		tracker: tracker,
		be:      be,
		local:   local,
	}
}

// Pass runs one reconciliation. A failed or timed-out accounting query
// returns an error and leaves the registry untouched; the pass is
// simply retried on the next tick, never treated as job loss.
func (r *Reconciler) Pass(ctx context.Context) error {
	tracked := r.tracker.Snapshot()
	if len(tracked) == 0 {
		return nil
	}

	var stats map[int64]backend.JobState
	if !r.local {
		ids := make([]int64, 0, len(tracked))
		for _, job := range tracked {
			if job.JobID != 0 {
				ids = append(ids, job.JobID)
			}
		}

		var err error
		stats, err = r.be.Query(ctx, ids)
		if err != nil {
			return fmt.Errorf("accounting pass skipped: %w", err)
		}
	}

	observations := make([]registry.Observation, 0, len(tracked))
	for rowID, job := range tracked {
		obs := registry.Observation{RowID: rowID, JobID: job.JobID}

		if r.local {
			// The tracker is authoritative for local processes; the
			// scheduler writes outcomes there at exit or termination.
			obs.Status = job.Status
			obs.ExitCode = job.ExitCode
		} else if state, ok := stats[job.JobID]; ok && state.Status != "" {
			obs.Status = state.Status
			obs.ExitCode = state.ExitCode
		} else if job.Status != "" {
			// Not in the accounting result: fall back to the last
			// tracked status. Terminal ones (an operator cancel, an
			// exhausted submission) must stick; anything else only
			// fills a record with no status yet.
			obs.Status = job.Status
			obs.ExitCode = job.ExitCode
			obs.Weak = !job.Status.IsTerminal()
		} else {
			// Unresolved this pass; retried on the next tick.
			continue
		}

		observations = append(observations, obs)
	}

	r.reg.ApplyObservations(observations)
	return nil
}
