package registry

import (
	"sync"

	"github.com/stnd-dev/batch-run-monitor/internal/protocol"
	"github.com/stnd-dev/batch-run-monitor/pkg/log"
)

// Observation is one reconciled view of a job, computed outside the
// registry lock and applied under it.
type Observation struct {
	RowID    int
	JobID    int64
	Status   Status
	ExitCode *int
	// Weak marks a fallback sighting: the status only fills a record
	// that has none yet and never replaces a self-reported one.
	Weak bool
}

// Counts summarizes the batch for the progress line.
type Counts struct {
	Running  int
	Finished int
	Failed   int
}

// Registry is the shared table of job records for the current batch.
// It is ordered by creation, append-only, and guarded by one coarse
// lock; records are never removed mid-batch.
type Registry struct {
	mu       sync.Mutex
	jobs     []*Job
	byJobID  map[int64]*Job
	byRowID  map[int]*Job
	logPaths map[int]string
}

func New() *Registry {
	return &Registry{
		byJobID:  make(map[int64]*Job),
		byRowID:  make(map[int]*Job),
		logPaths: make(map[int]string),
	}
}

// SetLogPath registers a row's log file so the record picks it up when
// it joins that row.
func (r *Registry) SetLogPath(rowID int, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logPaths[rowID] = path
}

// ApplyEnvelope merges a self-report into the registry, creating the job
// on first sighting. Create and merge are atomic under the lock.
func (r *Registry) ApplyEnvelope(env protocol.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.byJobID[env.JobID]
	if !ok {
		log.Debug("Job %d not seen before, creating a new record", env.JobID)
		job = &Job{JobID: env.JobID}
		r.jobs = append(r.jobs, job)
		r.byJobID[env.JobID] = job
	}

	for _, item := range env.Messages {
		switch item.Type {
		case protocol.JobStarted:
			r.setStatusLocked(job, StatusRunning)
		case protocol.JobFinished:
			r.setStatusLocked(job, StatusCompleted)
		case protocol.JobResultUpdate:
			job.queueWrite(item.Key, item.Value)
			job.Updated = true
		case protocol.JobError:
			if item.Key != "" {
				job.queueWrite(item.Key, item.Value)
			}
			job.Updated = true
		default:
			log.Warn("Ignoring message of unknown type %d from job %d", item.Type, env.JobID)
		}
	}
}

// ApplyObservations applies a reconciled result set in one lock hold.
// A record is created on first sighting; on later sightings it is
// updated in place and marked dirty only if status or exit code
// actually changed. A terminal status is never overwritten.
func (r *Registry) ApplyObservations(observations []Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, obs := range observations {
		job, ok := r.byJobID[obs.JobID]
		if !ok && obs.RowID != 0 {
			job, ok = r.byRowID[obs.RowID]
		}
		if !ok {
			job = &Job{JobID: obs.JobID, CSVRowID: obs.RowID, Updated: true}
			r.jobs = append(r.jobs, job)
			if obs.JobID != 0 {
				r.byJobID[obs.JobID] = job
			}
		}

		if job.CSVRowID == 0 && obs.RowID != 0 {
			job.CSVRowID = obs.RowID
		}
		if obs.RowID != 0 {
			r.byRowID[obs.RowID] = job
		}
		if job.LogPath == "" && job.CSVRowID != 0 {
			job.LogPath = r.logPaths[job.CSVRowID]
		}
		if job.JobID == 0 && obs.JobID != 0 {
			job.JobID = obs.JobID
			r.byJobID[obs.JobID] = job
		}

		if obs.Status == "" {
			continue
		}
		if obs.Weak && job.Status != "" {
			continue
		}
		if job.Status.IsTerminal() && job.Status != obs.Status {
			continue
		}

		changed := job.Status != obs.Status ||
			(obs.ExitCode != nil && !exitCodesEqual(job.ExitCode, obs.ExitCode))
		job.Status = obs.Status
		if obs.ExitCode != nil {
			code := *obs.ExitCode
			job.ExitCode = &code
		}
		if changed {
			job.Updated = true
		}
	}
}

func (r *Registry) setStatusLocked(job *Job, status Status) {
	if job.Status == status {
		return
	}
	if job.Status.IsTerminal() {
		log.Debug("Job %d already %s, ignoring transition to %s", job.JobID, job.Status, status)
		return
	}
	job.Status = status
	job.Updated = true
}

// ForceCancelActive marks every non-terminal record CANCELLED and dirty.
// Returns how many records were flipped.
func (r *Registry) ForceCancelActive() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	flipped := 0
	for _, job := range r.jobs {
		if job.Status.IsTerminal() {
			continue
		}
		job.Status = StatusCancelled
		job.Updated = true
		flipped++
	}
	return flipped
}

// DrainDirty returns copies of all dirty records and clears their dirty
// flag and writing queue, so each update is published exactly once.
func (r *Registry) DrainDirty() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	drained := make([]*Job, 0)
	for _, job := range r.jobs {
		if !job.Updated {
			continue
		}
		// A job with no row join yet has nowhere to publish; it stays
		// dirty until the reconciler attaches its row.
		if job.CSVRowID == 0 {
			continue
		}
		drained = append(drained, job.clone())
		job.writingQueue = nil
		job.Updated = false
	}
	return drained
}

// UnnotifiedFailures returns copies of failed records that have not been
// reported yet and marks them notified.
func (r *Registry) UnnotifiedFailures() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	failures := make([]*Job, 0)
	for _, job := range r.jobs {
		if job.FailureNotified {
			continue
		}
		if job.Status != StatusFailed && job.Status != StatusTimeout {
			continue
		}
		job.FailureNotified = true
		failures = append(failures, job.clone())
	}
	return failures
}

// Snapshot returns copies of every record in creation order.
func (r *Registry) Snapshot() []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	ret := make([]*Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		ret = append(ret, job.clone())
	}
	return ret
}

// Get returns a copy of the record with the given backend id.
func (r *Registry) Get(jobID int64) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.byJobID[jobID]
	if !ok {
		return nil, false
	}
	return job.clone(), true
}

// Counts tallies the batch by status.
func (r *Registry) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()

	var c Counts
	for _, job := range r.jobs {
		switch job.Status {
		case StatusRunning:
			c.Running++
		case StatusCompleted:
			c.Finished++
		case StatusFailed, StatusCancelled, StatusTimeout:
			c.Failed++
		}
	}
	return c
}

func exitCodesEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
