package monitor

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/stnd-dev/batch-run-monitor/internal/backend"
	"github.com/stnd-dev/batch-run-monitor/internal/manager"
	"github.com/stnd-dev/batch-run-monitor/internal/publish"
	"github.com/stnd-dev/batch-run-monitor/internal/reconcile"
	"github.com/stnd-dev/batch-run-monitor/internal/registry"
	"github.com/stnd-dev/batch-run-monitor/internal/scheduler"
	"github.com/stnd-dev/batch-run-monitor/pkg/file"
	"github.com/stnd-dev/batch-run-monitor/pkg/log"
)

// ErrCancelled is returned by Run when the batch was torn down by an
// operator signal rather than finishing on its own.
var ErrCancelled = errors.New("batch cancelled by operator")

const (
	initialTickInterval = time.Second
	tickIntervalStep    = time.Second
	failureTailLines    = 20
)

// Deps collects everything the monitor loop drives each tick.
type Deps struct {
	Registry   *registry.Registry
	Tracker    *backend.Tracker
	Flag       *backend.RunFlag
	Backend    backend.Backend
	Scheduler  *scheduler.Scheduler
	Reconciler *reconcile.Reconciler
	Batcher    *publish.Batcher
	FileIngest *manager.FileIngest // nil when updates arrive over the socket
	Shutdown   *ShutdownState
	Local      bool
	TickMax    time.Duration
}

// Monitor owns the batch lifecycle: it ticks the scheduler, ingests
// updates, reconciles statuses, publishes them and decides when the
// batch is over.
type Monitor struct {
	reg      *registry.Registry
	tracker  *backend.Tracker
	flag     *backend.RunFlag
	be       backend.Backend
	sched    *scheduler.Scheduler
	rec      *reconcile.Reconciler
	batcher  *publish.Batcher
	files    *manager.FileIngest
	shutdown *ShutdownState
	local    bool
	tickMax  time.Duration
}

func New(deps Deps) *Monitor {
	tickMax := deps.TickMax
	if tickMax <= 0 {
		tickMax = 15 * time.Second
	}
	m := &Monitor{
		reg:      deps.Registry,
		tracker:  deps.Tracker,
		flag:     deps.Flag,
		be:       deps.Backend,
		sched:    deps.Scheduler,
		rec:      deps.Reconciler,
		batcher:  deps.Batcher,
		files:    deps.FileIngest,
		shutdown: deps.Shutdown,
		local:    deps.Local,
		tickMax:  tickMax,
	}
	for _, desc := range deps.Scheduler.Descriptors() {
		m.reg.SetLogPath(desc.RowID, desc.LogPath)
	}
	return m
}

// Run drives the batch to completion or cancellation. The ticking
// interval grows linearly up to tickMax so an idle long batch does not
// hammer the scheduler backend.
func (m *Monitor) Run(ctx context.Context) error {
	total := len(m.sched.Descriptors())
	if total == 0 {
		log.Info("No jobs to run, exiting.")
		return nil
	}

	restore := WatchSignals(m.shutdown, m.flag)
	defer restore()

	m.presetRows()

	interval := initialTickInterval
	for {
		if m.shutdown.Phase() == PhaseDraining {
			return m.drain(ctx)
		}

		m.sched.Tick(ctx)
		if m.files != nil {
			m.files.Poll()
		}
		if err := m.rec.Pass(ctx); err != nil {
			log.Warn("Failed to check job statuses: %v", err)
		}
		m.publishDirty()
		m.notifyFailures()

		counts := m.reg.Counts()
		log.Progress("Jobs Progress | Submitted: %d/%d | Running: %d/%d | Finished: %d/%d | Failed: %d | Pending: %d | Active Submissions: %d | Last Update: %s",
			m.sched.Submitted(), total,
			counts.Running, total,
			counts.Finished, total,
			counts.Failed,
			m.sched.PendingCount(),
			m.sched.ActiveSubmissions(),
			time.Now().Format(publish.TimeFormat))

		if err := m.batcher.Flush(false); err != nil {
			log.Warn("Failed to publish status updates: %v", err)
		}

		if m.sched.Drained() && counts.Finished+counts.Failed >= total {
			log.Info("All jobs finished.")
			m.publishDirty()
			if err := m.batcher.Flush(true); err != nil {
				log.Error("Failed to publish final statuses: %v", err)
				return err
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.shutdown.Draining():
		case <-time.After(interval):
		}
		if interval < m.tickMax {
			interval += tickIntervalStep
			if interval > m.tickMax {
				interval = m.tickMax
			}
		}
	}
}

// presetRows stamps every row SUBMITTED before the first tick so a
// previous batch's statuses never survive into this run.
func (m *Monitor) presetRows() {
	now := time.Now().Format(publish.TimeFormat)
	for _, desc := range m.sched.Descriptors() {
		m.batcher.Queue(desc.RowID, publish.StatusColumn, string(registry.StatusSubmitted))
		m.batcher.Queue(desc.RowID, publish.LastUpdateColumn, now)
	}
	if err := m.batcher.Flush(true); err != nil {
		log.Warn("Failed to publish initial statuses: %v", err)
	}
}

// publishDirty moves every changed registry record into the publish
// queue. Later changes to the same cell overwrite earlier unsent ones.
func (m *Monitor) publishDirty() {
	now := time.Now().Format(publish.TimeFormat)
	for _, job := range m.reg.DrainDirty() {
		row := job.CSVRowID
		if job.Status != "" {
			m.batcher.Queue(row, publish.StatusColumn, string(job.Status))
		}
		if job.ExitCode != nil {
			m.batcher.Queue(row, publish.ExitCodeColumn, strconv.Itoa(*job.ExitCode))
		}
		if job.JobID != 0 {
			m.batcher.Queue(row, publish.JobIDColumn, strconv.FormatInt(job.JobID, 10))
		}
		for _, kv := range job.PendingWrites() {
			m.batcher.Queue(row, kv.Key, kv.Value)
		}
		m.batcher.Queue(row, publish.LastUpdateColumn, now)
	}
}

// notifyFailures logs each failed job once, with the tail of its log
// file when one exists.
func (m *Monitor) notifyFailures() {
	for _, job := range m.reg.UnnotifiedFailures() {
		code := "unknown"
		if job.ExitCode != nil {
			code = strconv.Itoa(*job.ExitCode)
		}
		tail := ""
		if job.LogPath != "" {
			tail = file.TailLines(job.LogPath, failureTailLines)
		}
		if tail != "" {
			log.Error("Job %d (row %d) ended with status %s, exit code %s. Log tail:\n%s",
				job.JobID, job.CSVRowID, job.Status, code, tail)
		} else {
			log.Error("Job %d (row %d) ended with status %s, exit code %s.",
				job.JobID, job.CSVRowID, job.Status, code)
		}
	}
}
