package scheduler

import (
	"context"
	"errors"

	"github.com/stnd-dev/batch-run-monitor/internal/backend"
	"github.com/stnd-dev/batch-run-monitor/internal/registry"
	"github.com/stnd-dev/batch-run-monitor/pkg/log"
)

// Descriptor is one per-job submission entry from the experiment
// definition layer, in batch order.
type Descriptor struct {
	RowID   int
	Command string
	LogPath string
	Local   bool
}

// Unbounded disables the concurrency ceiling.
const Unbounded = -1

type Config struct {
	// MaxConcurrent caps jobs concurrently active; Unbounded lifts it.
	MaxConcurrent int
	// MaxRetries bounds submission retries per row; 0 retries forever.
	MaxRetries int
}

type inflight struct {
	done chan error
}

// runningCounter is implemented by backends that track a live process
// count; for those the counter is the authoritative active count.
type runningCounter interface {
	Running() int64
}

// Scheduler dispatches submission descriptors to the backend while
// honoring the concurrency ceiling. Submission failures are re-enqueued
// at the back of the pending queue, never fatal to the batch.
type Scheduler struct {
	descs   []Descriptor
	be      backend.Backend
	tracker *backend.Tracker
	flag    *backend.RunFlag
	cfg     Config

	pending  []int
	active   map[int]*inflight
	attempts map[int]int
}

func New(descs []Descriptor, be backend.Backend, tracker *backend.Tracker,
	flag *backend.RunFlag, cfg Config) *Scheduler {

	pending := make([]int, 0, len(descs))
	for i := range descs {
		pending = append(pending, i)
	}

	return &Scheduler{
		descs:    descs,
		be:       be,
		tracker:  tracker,
		flag:     flag,
		cfg:      cfg,
		pending:  pending,
		active:   make(map[int]*inflight),
		attempts: make(map[int]int),
	}
}

// Tick submits as many pending descriptors as the ceiling allows, then
// polls outstanding submission handles. Called from the monitor loop
// only, so the pending/active bookkeeping needs no extra locking.
func (s *Scheduler) Tick(ctx context.Context) {
	if s.flag.Enabled() {
		count := s.activeCount(ctx)
		for len(s.pending) > 0 && (s.cfg.MaxConcurrent == Unbounded || count < s.cfg.MaxConcurrent) {
			idx := s.pending[0]
			s.pending = s.pending[1:]
			s.dispatch(ctx, idx)
			count++
			log.Debug("Submitting job for row %d, current jobs: %d/%d",
				s.descs[idx].RowID, count, s.cfg.MaxConcurrent)
		}
	}

	s.pollActive()
}

func (s *Scheduler) dispatch(ctx context.Context, idx int) {
	handle := &inflight{done: make(chan error, 1)}
	s.active[idx] = handle

	desc := s.descs[idx]
	go func() {
		handle.done <- s.be.Submit(ctx, backend.SubmitRequest{
			RowID:   desc.RowID,
			Command: desc.Command,
			LogPath: desc.LogPath,
		})
	}()
}

// pollActive reaps finished submission handles. A failed submission is
// retried from the back of the queue until its retry budget runs out,
// at which point the row is recorded FAILED in the tracker.
func (s *Scheduler) pollActive() {
	for idx, handle := range s.active {
		select {
		case err := <-handle.done:
			delete(s.active, idx)
			if err == nil {
				continue
			}
			if errors.Is(err, backend.ErrStopped) {
				continue
			}

			rowID := s.descs[idx].RowID
			s.attempts[idx]++
			if s.cfg.MaxRetries > 0 && s.attempts[idx] >= s.cfg.MaxRetries {
				log.Error("Giving up on row %d after %d submission attempts: %v",
					rowID, s.attempts[idx], err)
				s.tracker.SetStatus(rowID, registry.StatusFailed)
				continue
			}

			log.Warn("Job submission failed for row %d, re-enqueueing: %v", rowID, err)
			s.pending = append(s.pending, idx)
		default:
		}
	}
}

// activeCount computes the authoritative number of concurrently active
// jobs. Local mode trusts the live process counter, plus dispatches the
// counter cannot see yet; cluster mode counts tracked active ids
// verified against the live queue, plus in-flight submissions. A failed
// queue listing falls back to the tracking view.
func (s *Scheduler) activeCount(ctx context.Context) int {
	if counter, ok := s.be.(runningCounter); ok {
		count := int(counter.Running())
		// A dispatched row that has not registered its process yet is
		// invisible to the counter but still owns a slot.
		for idx := range s.active {
			if _, tracked := s.tracker.Get(s.descs[idx].RowID); !tracked {
				count++
			}
		}
		return count
	}

	activeIDs := s.tracker.ActiveIDs()
	live, err := s.be.List(ctx)
	if err != nil {
		log.Warn("Failed to check live queue, using tracked counts: %v", err)
		return len(activeIDs) + len(s.active)
	}

	verified := 0
	for _, id := range activeIDs {
		if live[id] {
			verified++
		}
	}
	return verified + len(s.active)
}

// Submitted counts rows that reached the backend at least once.
func (s *Scheduler) Submitted() int {
	return int(s.tracker.Submitted())
}

func (s *Scheduler) PendingCount() int {
	return len(s.pending)
}

func (s *Scheduler) ActiveSubmissions() int {
	return len(s.active)
}

// Drained reports whether nothing is pending or in flight anymore.
func (s *Scheduler) Drained() bool {
	return len(s.pending) == 0 && len(s.active) == 0
}

// CancelInflight marks every still-unresolved submission CANCELLED in
// the shared tracking structure.
func (s *Scheduler) CancelInflight() {
	for idx := range s.active {
		s.tracker.MarkCancelled(s.descs[idx].RowID)
	}
}

// Descriptors returns the batch's submission entries.
func (s *Scheduler) Descriptors() []Descriptor {
	return s.descs
}
